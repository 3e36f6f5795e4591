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

// Package memslot maintains the guest memory regions of each address space
// and resolves guest frames to the host frames backing them.
package memslot

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"tdp.dev/tdp/pkg/sync"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// NumAddressSpaces is the number of guest address spaces: the normal one
// and system management mode.
const NumAddressSpaces = 2

// Errors returned by Slots.
var (
	ErrOverlap     = errors.New("slot overlaps an existing slot")
	ErrInvalidSlot = errors.New("invalid slot")
	ErrNoSlot      = errors.New("no such slot")
)

// Slot is a contiguous range of guest frames backed by contiguous host
// frames and host virtual memory.
type Slot struct {
	// ID names the slot within its address space.
	ID int

	// ASID is the address space the slot belongs to.
	ASID int

	// BaseGFN is the first guest frame of the slot.
	BaseGFN uint64

	// Pages is the number of frames in the slot.
	Pages uint64

	// BasePFN is the host frame backing BaseGFN.
	BasePFN uint64

	// HVA is the host virtual address backing BaseGFN.
	HVA uint64

	// ReadOnly slots are never mapped writable.
	ReadOnly bool

	// LogDirty limits mappings to base pages so that writes are tracked at
	// page granularity.
	LogDirty bool
}

// EndGFN returns the first frame after the slot.
func (s *Slot) EndGFN() uint64 {
	return s.BaseGFN + s.Pages
}

// Contains returns true iff gfn falls in the slot.
func (s *Slot) Contains(gfn uint64) bool {
	return gfn >= s.BaseGFN && gfn < s.EndGFN()
}

// EndHVA returns the first host virtual address after the slot.
func (s *Slot) EndHVA() uint64 {
	return s.HVA + s.Pages*spte.PageSize
}

// String implements fmt.Stringer.
func (s *Slot) String() string {
	return fmt.Sprintf("slot %d/as%d gfn [%#x, %#x) pfn %#x hva %#x", s.ID, s.ASID, s.BaseGFN, s.EndGFN(), s.BasePFN, s.HVA)
}

func slotLess(a, b *Slot) bool {
	return a.BaseGFN < b.BaseGFN
}

// HostFrame is the result of resolving a guest frame.
type HostFrame struct {
	// PFN is the host frame.
	PFN uint64

	// Writable is true iff the frame may be mapped writable.
	Writable bool

	// Slot is the slot containing the guest frame.
	Slot *Slot
}

// Slots holds the slots of every address space.
//
// Slots is safe for concurrent use. Slot values are immutable once
// inserted.
type Slots struct {
	mu    sync.RWMutex
	trees [NumAddressSpaces]*btree.BTreeG[*Slot]

	// generation is incremented on every change.
	generation uint64
}

// New returns an empty set of slots.
func New() *Slots {
	s := &Slots{}
	for i := range s.trees {
		s.trees[i] = btree.NewG(8, slotLess)
	}
	return s
}

func checkASID(asid int) error {
	if asid < 0 || asid >= NumAddressSpaces {
		return fmt.Errorf("address space %d: %w", asid, ErrInvalidSlot)
	}
	return nil
}

// Insert adds a slot.
func (s *Slots) Insert(slot Slot) error {
	if err := checkASID(slot.ASID); err != nil {
		return err
	}
	if slot.Pages == 0 || slot.EndGFN() < slot.BaseGFN {
		return fmt.Errorf("%v: %w", &slot, ErrInvalidSlot)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trees[slot.ASID]
	var conflict *Slot
	t.Ascend(func(o *Slot) bool {
		if o.ID == slot.ID || (o.BaseGFN < slot.EndGFN() && slot.BaseGFN < o.EndGFN()) {
			conflict = o
			return false
		}
		return true
	})
	if conflict != nil {
		return fmt.Errorf("%v conflicts with %v: %w", &slot, conflict, ErrOverlap)
	}
	t.ReplaceOrInsert(&slot)
	s.generation++
	return nil
}

// Delete removes the slot with the given ID.
func (s *Slots) Delete(asid, id int) (*Slot, error) {
	if err := checkASID(asid); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trees[asid]
	var found *Slot
	t.Ascend(func(o *Slot) bool {
		if o.ID == id {
			found = o
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("slot %d in address space %d: %w", id, asid, ErrNoSlot)
	}
	t.Delete(found)
	s.generation++
	return found, nil
}

// Generation returns a counter incremented by every change.
func (s *Slots) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Lookup returns the slot containing gfn, or nil.
func (s *Slots) Lookup(asid int, gfn uint64) *Slot {
	if checkASID(asid) != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Slot
	s.trees[asid].DescendLessOrEqual(&Slot{BaseGFN: gfn}, func(o *Slot) bool {
		if o.Contains(gfn) {
			found = o
		}
		return false
	})
	return found
}

// ResolveHostFrame returns the host frame backing gfn. The second return
// value is false if no slot contains gfn.
func (s *Slots) ResolveHostFrame(asid int, gfn uint64) (HostFrame, bool) {
	slot := s.Lookup(asid, gfn)
	if slot == nil {
		return HostFrame{}, false
	}
	return HostFrame{
		PFN:      slot.BasePFN + (gfn - slot.BaseGFN),
		Writable: !slot.ReadOnly,
		Slot:     slot,
	}, true
}

// MaxMappingLevel returns the largest level, at most maxLevel, at which gfn
// can be mapped by a single leaf: the aligned range must lie within one
// slot and the host frames must share the guest alignment.
func (s *Slots) MaxMappingLevel(asid int, gfn uint64, maxLevel int) int {
	slot := s.Lookup(asid, gfn)
	if slot == nil || slot.LogDirty {
		return spte.MinLevel
	}
	level := spte.MinLevel
	for l := spte.MinLevel + 1; l <= maxLevel; l++ {
		size := spte.PagesPerLevel(l)
		base := spte.AlignDown(gfn, l)
		if base < slot.BaseGFN || base+size > slot.EndGFN() {
			break
		}
		if (slot.BaseGFN^slot.BasePFN)&(size-1) != 0 {
			break
		}
		level = l
	}
	return level
}

// ForEachHVA calls fn for every slot in the address space intersecting the
// host virtual range [start, end), with the guest frames covering the
// intersection.
func (s *Slots) ForEachHVA(asid int, start, end uint64, fn func(slot *Slot, gfnStart, gfnEnd uint64)) {
	if checkASID(asid) != nil || end <= start {
		return
	}
	type hit struct {
		slot       *Slot
		start, end uint64
	}
	var hits []hit
	s.mu.RLock()
	s.trees[asid].Ascend(func(o *Slot) bool {
		hvaStart := max(start, o.HVA)
		hvaEnd := min(end, o.EndHVA())
		if hvaStart < hvaEnd {
			gfnStart := o.BaseGFN + (hvaStart-o.HVA)/spte.PageSize
			gfnEnd := o.BaseGFN + (hvaEnd-o.HVA+spte.PageSize-1)/spte.PageSize
			hits = append(hits, hit{o, gfnStart, gfnEnd})
		}
		return true
	})
	s.mu.RUnlock()

	// Callbacks run without the lock; they may take the MMU lock.
	for _, h := range hits {
		fn(h.slot, h.start, h.end)
	}
}

// All returns a snapshot of the slots of an address space in ascending
// guest frame order.
func (s *Slots) All(asid int) []*Slot {
	if checkASID(asid) != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Slot, 0, s.trees[asid].Len())
	s.trees[asid].Ascend(func(o *Slot) bool {
		out = append(out, o)
		return true
	})
	return out
}
