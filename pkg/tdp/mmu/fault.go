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

// Result is the outcome of a fault.
type Result int

const (
	// Installed means the mapping was installed.
	Installed Result = iota

	// Spurious means the mapping already existed.
	Spurious

	// Emulate means the access must be emulated: it hit an MMIO entry or a
	// write-protected mapping.
	Emulate

	// Retry means the fault must be retried from scratch.
	Retry
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case Installed:
		return "installed"
	case Spurious:
		return "spurious"
	case Emulate:
		return "emulate"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Fault describes a guest access to resolve.
type Fault struct {
	// GFN is the faulting guest frame.
	GFN uint64

	// Level is the level of the leaf to install.
	Level int

	// PFN is the host frame backing GFN.
	PFN uint64

	// Write is true for write accesses.
	Write bool

	// MapWritable is true if the host frame may be written.
	MapWritable bool

	// WriteTracked is true if writes to GFN must be intercepted.
	WriteTracked bool

	// NoSlot is true if no memory backs GFN. An MMIO entry is installed.
	NoSlot bool

	// Prefault marks speculative installs, which are not counted as
	// fixed faults and are not marked accessed.
	Prefault bool
}

// makeSPTE returns the leaf for f, replacing old.
func makeSPTE(old spte.SPTE, f Fault, pfn uint64, level int) spte.SPTE {
	writable := f.MapWritable && !f.WriteTracked
	s := spte.MakeLeaf(pfn, level, spte.LeafOpts{
		Write:        writable,
		Execute:      true,
		HostWritable: f.MapWritable,
		Accessed:     !f.Prefault,
		Dirty:        writable && f.Write,
	})
	// Keep hardware-maintained state of the mapping being refreshed.
	if old.IsPresent() && old.IsLeaf(level) && old.PFN() == pfn {
		if old.IsAccessed() {
			s = s.WithAccessed()
		}
		if old.IsDirty() {
			s = s.WithDirty()
		}
	}
	return s
}

// HandleFault installs the mapping described by f below root.
//
// Larger leaves on the way down are cleared and flushed first, missing
// tables are allocated, and smaller mappings at the target are torn down
// before the leaf is installed. A present leaf is never replaced by a leaf
// for another frame without being cleared and flushed in between.
//
// Allocation failures return Retry with an error wrapping ErrNoMemory.
//
// Preconditions: the caller holds a reference on root.
func (m *MMU) HandleFault(root *Page, f Fault) (Result, error) {
	m.stats.Faults.Add(1)
	if f.Level < spte.MinLevel || f.Level >= root.Role.Level {
		return Retry, fmt.Errorf("fault level %d below %v: %w", f.Level, root, ErrInvalidRange)
	}
	if f.GFN >= root.Coverage() {
		return Retry, fmt.Errorf("gfn %#x beyond %v: %w", f.GFN, root, ErrInvalidRange)
	}
	gfn := spte.AlignDown(f.GFN, f.Level)
	var pfn uint64
	if !f.NoSlot {
		off := f.GFN - gfn
		if f.PFN < off || !spte.IsAligned(f.PFN-off, f.Level) {
			return Retry, fmt.Errorf("pfn %#x for gfn %#x not aligned at level %d: %w", f.PFN, f.GFN, f.Level, ErrInvalidRange)
		}
		pfn = f.PFN - off
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if root.freed || !root.Role.Root || !m.IsRoot(root.Frame) {
		m.stats.Retries.Add(1)
		return Retry, nil
	}

	asid := root.Role.ASID
	var it iter.Iterator
	for it.Start(m.alloc, root.PTEs, root.Role.Level, f.Level, gfn, gfn+1); it.Valid(); it.Next() {
		if it.Level == f.Level {
			break
		}
		if it.Old.IsPresent() && it.Old.IsLeaf(it.Level) {
			// Split by replacement: the larger leaf goes away entirely
			// before a table takes its place.
			m.setSPTE(asid, &it, 0)
			m.flushRange(asid, it.GFN, spte.PagesPerLevel(it.Level))
		}
		if !it.Old.IsPresent() {
			child, err := m.allocPage(Role{Level: it.Level - 1, ASID: asid}, it.GFN)
			if err != nil {
				m.stats.Retries.Add(1)
				return Retry, err
			}
			m.setSPTE(asid, &it, spte.MakeNonLeaf(child.Frame))
		}
	}
	if !it.Valid() || it.Level != f.Level {
		m.stats.Retries.Add(1)
		return Retry, nil
	}
	return m.installLeaf(asid, &it, f, pfn), nil
}

// installLeaf installs the final entry of a fault at the iterator.
//
// Preconditions: m.mu is held.
func (m *MMU) installLeaf(asid int, it *iter.Iterator, f Fault, pfn uint64) Result {
	old := it.Old
	var new spte.SPTE
	if f.NoSlot {
		new = spte.MakeMMIO(it.GFN)
	} else {
		new = makeSPTE(old, f, pfn, it.Level)
	}

	if new == old {
		if new.IsMMIO() || (f.Write && !new.IsWritable()) {
			m.stats.Emulated.Add(1)
			return Emulate
		}
		m.stats.Spurious.Add(1)
		return Spurious
	}

	switch {
	case old.IsPresent() && !old.IsLeaf(it.Level):
		// Clearing the table entry tears down the smaller mappings
		// below and flushes them.
		m.setSPTE(asid, it, 0)
	case old.IsPresent() && (!new.IsPresent() || old.PFN() != new.PFN()):
		m.setSPTE(asid, it, 0)
		m.flushRange(asid, it.GFN, spte.PagesPerLevel(it.Level))
	}
	m.setSPTE(asid, it, new)
	if old.IsPresent() && old.IsLeaf(it.Level) && old.IsWritable() && !new.IsWritable() {
		m.flushRange(asid, it.GFN, spte.PagesPerLevel(it.Level))
	}

	if new.IsMMIO() {
		m.stats.MMIOInstalled.Add(1)
		m.stats.Emulated.Add(1)
		return Emulate
	}
	if it.Level > spte.MinLevel {
		m.stats.LargeInstalled.Add(1)
	}
	if f.Prefault {
		m.stats.Prefaults.Add(1)
	} else {
		m.stats.Fixed.Add(1)
	}
	if f.Write && !new.IsWritable() {
		m.stats.Emulated.Add(1)
		return Emulate
	}
	return Installed
}

// ResolveFault describes an access to gfn in the address space using the
// memory slots: the backing host frame, whether it is writable, and the
// largest leaf level the slot permits. Frames outside every slot get an
// MMIO fault.
func (m *MMU) ResolveFault(asid int, gfn uint64, write bool) Fault {
	f := Fault{GFN: gfn, Level: spte.MinLevel, Write: write}
	if m.slots == nil {
		f.NoSlot = true
		return f
	}
	hf, ok := m.slots.ResolveHostFrame(asid, gfn)
	if !ok {
		f.NoSlot = true
		return f
	}
	f.PFN = hf.PFN
	f.MapWritable = hf.Writable
	f.Level = m.slots.MaxMappingLevel(asid, gfn, m.maxMappingLevel)
	return f
}

// Fault resolves a guest access to the physical address gpa in the address
// space, with a reference on the address space's root held for the
// duration.
func (m *MMU) Fault(asid int, gpa uint64, write bool) (Result, error) {
	root, err := m.GetOrCreateRoot(Role{Level: m.rootLevel, ASID: asid})
	if err != nil {
		return Retry, err
	}
	defer m.PutRoot(root)
	return m.HandleFault(root, m.ResolveFault(asid, gpa>>spte.PageShift, write))
}

// Prefault speculatively maps gfn in the address space.
func (m *MMU) Prefault(asid int, gfn uint64) (Result, error) {
	root, err := m.GetOrCreateRoot(Role{Level: m.rootLevel, ASID: asid})
	if err != nil {
		return Retry, err
	}
	defer m.PutRoot(root)
	f := m.ResolveFault(asid, gfn, false)
	f.Prefault = true
	return m.HandleFault(root, f)
}
