// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmu

import (
	"fmt"

	"tdp.dev/tdp/pkg/tdp/iter"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// allocPage allocates a table for role whose first entry maps gfn.
//
// Preconditions: m.mu is held.
func (m *MMU) allocPage(role Role, gfn uint64) (*Page, error) {
	ptes, frame, err := m.alloc.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating %v: %w: %w", role, ErrNoMemory, err)
	}
	p := &Page{
		Role:  role,
		GFN:   gfn,
		PTEs:  ptes,
		Frame: frame,
	}
	m.tables[ptes] = p
	if !role.Root {
		m.nonRoot++
		m.stats.TablesAllocated.Add(1)
	}
	return p, nil
}

// freePage returns a table to the allocator. It must be unreachable from
// every translation cache.
//
// Preconditions: m.mu is held.
func (m *MMU) freePage(p *Page) {
	delete(m.tables, p.PTEs)
	p.freed = true
	if !p.Role.Root {
		m.nonRoot--
		m.stats.TablesFreed.Add(1)
	}
	m.alloc.FreePTEs(p.PTEs)
}

// pageForFrame returns the live table named by frame, or nil.
//
// Preconditions: m.mu is held.
func (m *MMU) pageForFrame(frame uint64) *Page {
	ptes := m.alloc.LookupPTEs(frame)
	if ptes == nil {
		return nil
	}
	return m.tables[ptes]
}

// setSPTE replaces the entry under the iterator and handles the change. It
// is the only way entries are written while the lock is held.
//
// Preconditions: m.mu is held. it is positioned on a valid entry.
func (m *MMU) setSPTE(asid int, it *iter.Iterator, new spte.SPTE) {
	// The hardware walker may have set accessed or dirty bits since the
	// entry was read; use the value actually replaced.
	old := it.PTE.Swap(new)
	it.Old = new
	m.handleChangedSPTE(asid, m.tables[it.Table()], it.GFN, old, new, it.Level)
}

// teardownFrame is a table being torn down and the next entry to clear.
type teardownFrame struct {
	page  *Page
	index int
}

// handleChangedSPTE performs the bookkeeping for an entry of owner mapping
// gfn at level that changed from old to new.
//
// Unreachable tables are torn down depth first with an explicit stack:
// every entry is cleared and handled in turn, then the table's range is
// flushed and the table freed.
//
// Preconditions: m.mu is held. The entry already holds new.
func (m *MMU) handleChangedSPTE(asid int, owner *Page, gfn uint64, old, new spte.SPTE, level int) {
	child := m.changed(asid, owner, gfn, old, new, level)
	if child == nil {
		return
	}
	stack := []teardownFrame{{page: child}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		p := f.page
		if f.index == spte.EntriesPerPage {
			stack = stack[:len(stack)-1]
			m.flushRange(asid, p.GFN, p.Coverage())
			m.freePage(p)
			continue
		}
		i := f.index
		f.index++

		childLevel := p.Role.Level
		childGFN := p.GFN + uint64(i)*spte.PagesPerLevel(childLevel)
		childOld := p.PTEs[i].Swap(0)
		if grandchild := m.changed(asid, p, childGFN, childOld, 0, childLevel); grandchild != nil {
			stack = append(stack, teardownFrame{page: grandchild})
		}
	}
}

// changed applies the side effects of a single entry change, except for
// the teardown of a removed table, which it returns instead.
//
// Preconditions: m.mu is held.
func (m *MMU) changed(asid int, owner *Page, gfn uint64, old, new spte.SPTE, level int) *Page {
	if old == new {
		return nil
	}

	wasPresent := old.IsPresent()
	isPresent := new.IsPresent()
	wasLeaf := wasPresent && old.IsLeaf(level)
	isLeaf := isPresent && new.IsLeaf(level)
	frameChanged := old.Frame() != new.Frame()

	if wasLeaf && isLeaf && frameChanged {
		m.violation(&IntegrityViolation{
			Reason: "present leaf replaced by a leaf for another frame without invalidation",
			ASID:   asid,
			GFN:    gfn,
			Level:  level,
			Old:    old,
			New:    new,
		})
	}

	if owner != nil {
		switch {
		case wasPresent && !isPresent:
			owner.present--
		case !wasPresent && isPresent:
			owner.present++
		}
	}

	if !wasPresent && !isPresent {
		if !old.IsMMIO() && !new.IsMMIO() {
			m.stats.UnexpectedChanges.Add(1)
			m.unexpected.Warningf("Unexpected change of non-present entry: as %d gfn %#x level %d: %v -> %v", asid, gfn, level, old, new)
		}
		return nil
	}

	if wasLeaf {
		gone := !isPresent || frameChanged || !isLeaf
		m.harvest(old, new, gone)
		if !isPresent {
			m.stats.LeavesZapped.Add(1)
		}
		return nil
	}

	if wasPresent && (frameChanged || !isPresent || isLeaf) {
		child := m.pageForFrame(old.Frame())
		if child == nil {
			m.violation(&IntegrityViolation{
				Reason: "non-leaf entry names an unknown table",
				ASID:   asid,
				GFN:    gfn,
				Level:  level,
				Old:    old,
				New:    new,
			})
			return nil
		}
		m.stats.NonLeafRemovals.Add(1)
		return child
	}
	return nil
}

// harvest forwards the accessed and dirty state of a leaf that lost it.
func (m *MMU) harvest(old, new spte.SPTE, gone bool) {
	pfn := old.PFN()
	if old.IsAccessed() && (gone || !new.IsAccessed()) {
		m.stats.AccessedHarvested.Add(1)
		m.notifier.FrameAccessed(pfn)
	}
	if old.IsDirty() && (gone || !new.IsDirty()) {
		m.stats.DirtyHarvested.Add(1)
		m.notifier.FrameDirty(pfn)
	}
}
