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

package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"
	"tdp.dev/tdp/pkg/atomicbitops"
	"tdp.dev/tdp/pkg/sync"
	"tdp.dev/tdp/pkg/tdp/memslot"
	"tdp.dev/tdp/pkg/tdp/mmu"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// Outcome describes how an access was translated.
type Outcome int

const (
	// Hit means the TLB held the translation.
	Hit Outcome = iota

	// Walked means a hardware walk found the translation.
	Walked

	// Faulted means the translation was installed by the fault handler.
	Faulted

	// Emulated means the access must be emulated: the frame is MMIO or
	// the write is not permitted.
	Emulated
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Walked:
		return "walked"
	case Faulted:
		return "faulted"
	case Emulated:
		return "emulated"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Access is the result of a guest memory access.
type Access struct {
	// HPA is the host physical address accessed. Zero if emulated.
	HPA uint64

	// Outcome is how the access was translated.
	Outcome Outcome

	// Faults is the number of faults taken.
	Faults int
}

type tlbKey struct {
	asid int
	gfn  uint64
}

type tlbEntry struct {
	pfn uint64

	// dirty is set if the leaf was writable and dirty when cached. Other
	// writes walk again.
	dirty bool
}

// VCPUStats are per-vCPU counters.
type VCPUStats struct {
	Hits          atomicbitops.Uint64
	Walks         atomicbitops.Uint64
	Faults        atomicbitops.Uint64
	Emulated      atomicbitops.Uint64
	Invalidations atomicbitops.Uint64
}

// VCPU is a simulated virtual CPU.
type VCPU struct {
	// ID is the vCPU index.
	ID int

	machine *Machine

	// roots are referenced from creation until release. Immutable until
	// then.
	roots [memslot.NumAddressSpaces]*mmu.Page

	// Stats are this vCPU's counters.
	Stats VCPUStats

	// mu protects the fields below.
	mu sync.Mutex

	// tlb caches 4K translations.
	tlb map[tlbKey]tlbEntry

	// gen is incremented by every invalidation. A walk started under one
	// generation may only fill the TLB under the same generation.
	gen uint64

	released bool
}

func (m *Machine) newVCPU(id int) (*VCPU, error) {
	v := &VCPU{
		ID:      id,
		machine: m,
		tlb:     make(map[tlbKey]tlbEntry),
	}
	for asid := range v.roots {
		root, err := m.mmu.GetOrCreateRoot(mmu.Role{Level: m.mmu.RootLevel(), ASID: asid})
		if err != nil {
			v.release()
			return nil, err
		}
		v.roots[asid] = root
	}
	return v, nil
}

// release drops the vCPU's root references. It is idempotent.
func (v *VCPU) release() {
	v.mu.Lock()
	if v.released {
		v.mu.Unlock()
		return
	}
	v.released = true
	clear(v.tlb)
	v.gen++
	v.mu.Unlock()

	for asid, root := range v.roots {
		if root != nil {
			v.machine.mmu.ReleaseRoot(root)
			v.roots[asid] = nil
		}
	}
}

// Root returns the root the vCPU translates through in the address space.
func (v *VCPU) Root(asid int) *mmu.Page {
	return v.roots[asid]
}

// Cached returns true iff the TLB holds a translation for gfn.
func (v *VCPU) Cached(asid int, gfn uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.tlb[tlbKey{asid, gfn}]
	return ok
}

// TLBSize returns the number of cached translations.
func (v *VCPU) TLBSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.tlb)
}

func (v *VCPU) invalidateRange(asid int, start, pages uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	v.Stats.Invalidations.Add(1)
	if pages > uint64(len(v.tlb)) {
		for k := range v.tlb {
			if k.asid == asid && k.gfn >= start && k.gfn-start < pages {
				delete(v.tlb, k)
			}
		}
		return
	}
	for gfn := start; gfn-start < pages; gfn++ {
		delete(v.tlb, tlbKey{asid, gfn})
	}
}

func (v *VCPU) invalidateAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	v.Stats.Invalidations.Add(1)
	clear(v.tlb)
}

// lookup returns the cached translation and the current generation.
func (v *VCPU) lookup(key tlbKey) (tlbEntry, uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.tlb[key]
	return e, v.gen, ok
}

// fill caches e unless an invalidation happened since gen was read.
func (v *VCPU) fill(key tlbKey, e tlbEntry, gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen == gen && !v.released {
		v.tlb[key] = e
	}
}

// Access translates a guest physical address for a read or a write, the
// way the hardware does: from the TLB, then by walking the paging
// structure, then by taking a fault and walking again.
//
// Faults that must be retried, including allocation failures, are retried
// with exponential backoff until the attempts configured for the machine
// are used up or ctx is done.
//
// Preconditions: the machine is not being closed.
func (v *VCPU) Access(ctx context.Context, asid int, gpa uint64, write bool) (Access, error) {
	if asid < 0 || asid >= len(v.roots) {
		return Access{}, fmt.Errorf("invalid address space %d", asid)
	}
	if v.machine.closed.Load() {
		return Access{}, ErrClosed
	}
	root := v.roots[asid]
	gfn := gpa >> spte.PageShift
	off := gpa & (spte.PageSize - 1)
	key := tlbKey{asid, gfn}

	e, _, ok := v.lookup(key)
	if ok && (e.dirty || !write) {
		v.Stats.Hits.Add(1)
		return Access{HPA: e.pfn<<spte.PageShift | off, Outcome: Hit}, nil
	}

	m := v.machine.mmu
	var a Access
	walk := func() bool {
		// Invalidations after this point make the fill unsafe.
		_, gen, _ := v.lookup(key)
		tr, wf := m.HardwareWalk(root, gfn, write)
		switch wf {
		case mmu.WalkOK:
			v.fill(key, tlbEntry{pfn: tr.PFN, dirty: tr.Leaf.IsWritable() && tr.Leaf.IsDirty()}, gen)
			a.HPA = tr.PFN<<spte.PageShift | off
			return true
		case mmu.WalkMisconfig:
			a.Outcome = Emulated
			return true
		}
		return false
	}

	v.Stats.Walks.Add(1)
	if walk() {
		if a.Outcome != Emulated {
			a.Outcome = Walked
		}
		v.account(a)
		return a, nil
	}

	op := func() error {
		a.Faults++
		v.Stats.Faults.Add(1)
		res, err := m.HandleFault(root, m.ResolveFault(asid, gfn, write))
		if err != nil {
			if errors.Is(err, mmu.ErrNoMemory) {
				return err
			}
			return backoff.Permanent(err)
		}
		switch res {
		case mmu.Emulate:
			a.Outcome = Emulated
			return nil
		case mmu.Retry:
			return ErrRetry
		}
		// The mapping may be zapped again before the walk.
		if walk() {
			if a.Outcome != Emulated {
				a.Outcome = Faulted
			}
			return nil
		}
		return ErrRetry
	}
	if err := backoff.Retry(op, v.machine.newBackOff(ctx)); err != nil {
		return a, fmt.Errorf("vCPU %d access %#x in address space %d: %w", v.ID, gpa, asid, err)
	}
	v.account(a)
	return a, nil
}

func (v *VCPU) account(a Access) {
	if a.Outcome == Emulated {
		v.Stats.Emulated.Add(1)
	}
}
