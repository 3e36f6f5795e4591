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
	"time"

	"tdp.dev/tdp/pkg/tdp/iter"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// leafOp is a bulk operation applied to present leaves.
type leafOp struct {
	// update returns the new value for a leaf and whether the leaf
	// matched. Returning old leaves the entry unchanged.
	update func(old spte.SPTE) (spte.SPTE, bool)

	// stopOnMatch ends the walk at the first match.
	stopOnMatch bool

	// flush is set if changed leaves must be flushed.
	flush bool
}

// forEachLeaf applies op to the present leaves of root mapping [start,
// end). It returns whether any leaf matched and whether changes are left
// unflushed.
//
// Preconditions: m.mu is held. The caller holds a reference on root.
func (m *MMU) forEachLeaf(root *Page, start, end uint64, op leafOp) (matched, pending bool) {
	var it iter.Iterator
	asid := root.Role.ASID
	since := time.Now()
	for it.Start(m.alloc, root.PTEs, root.Role.Level, spte.MinLevel, start, end); it.Valid(); it.Next() {
		if m.shouldYield(&it, since) {
			flush := pending && op.flush
			if !m.yield(root, &it, start, end, &flush) {
				return matched, false
			}
			pending = false
			since = time.Now()
			continue
		}
		old := it.Old
		if !old.IsPresent() || !old.IsLeaf(it.Level) {
			continue
		}
		new, ok := op.update(old)
		if !ok {
			continue
		}
		matched = true
		if new != old {
			m.setSPTE(asid, &it, new)
			pending = true
		}
		if op.stopOnMatch {
			break
		}
	}
	return matched, pending && op.flush
}

// leafRange applies op to every root of asid, or of every address space if
// asid is negative.
func (m *MMU) leafRange(asid int, start, end uint64, op leafOp) (bool, error) {
	if err := checkRange(start, end, spte.MinLevel); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := false
	for _, root := range m.pinRoots(asid) {
		if !root.freed && !(matched && op.stopOnMatch) {
			ok, pending := m.forEachLeaf(root, start, end, op)
			if pending {
				m.flushRange(root.Role.ASID, start, end-start)
			}
			matched = matched || ok
		}
		m.unpinRoot(root)
	}
	return matched, nil
}

var (
	testAccessed = leafOp{
		update: func(old spte.SPTE) (spte.SPTE, bool) {
			return old, old.IsAccessed()
		},
		stopOnMatch: true,
	}
	clearAccessed = leafOp{
		update: func(old spte.SPTE) (spte.SPTE, bool) {
			return old.MarkAccessedClear(), old.IsAccessed()
		},
	}
	testDirty = leafOp{
		update: func(old spte.SPTE) (spte.SPTE, bool) {
			return old, old.IsDirty()
		},
		stopOnMatch: true,
	}
	clearDirty = leafOp{
		update: func(old spte.SPTE) (spte.SPTE, bool) {
			return old.MarkDirtyClear(), old.IsDirty()
		},
		flush: true,
	}
	writeProtect = leafOp{
		update: func(old spte.SPTE) (spte.SPTE, bool) {
			return old.WriteProtect(), old.IsWritable()
		},
		flush: true,
	}
)

// TestAgeGFNRange returns true if any leaf mapping [start, end) was
// accessed since it was last aged.
func (m *MMU) TestAgeGFNRange(start, end uint64) (bool, error) {
	return m.leafRange(-1, start, end, testAccessed)
}

// AgeGFNRange clears the accessed state of the leaves mapping [start, end),
// reporting it to the notifier. It returns true if any leaf was accessed.
func (m *MMU) AgeGFNRange(start, end uint64) (bool, error) {
	return m.leafRange(-1, start, end, clearAccessed)
}

// TestDirtyGFNRange returns true if any leaf mapping [start, end) is dirty.
func (m *MMU) TestDirtyGFNRange(start, end uint64) (bool, error) {
	return m.leafRange(-1, start, end, testDirty)
}

// ClearDirtyGFNRange clears the dirty state of the leaves mapping [start,
// end), reporting it to the notifier, and flushes them. It returns true if
// any leaf was dirty.
func (m *MMU) ClearDirtyGFNRange(start, end uint64) (bool, error) {
	return m.leafRange(-1, start, end, clearDirty)
}

// WriteProtectGFNRange removes write access from the leaves mapping [start,
// end) and flushes them. It returns true if any leaf was writable.
func (m *MMU) WriteProtectGFNRange(start, end uint64) (bool, error) {
	return m.leafRange(-1, start, end, writeProtect)
}
