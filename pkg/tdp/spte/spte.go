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

// Package spte encodes and decodes the entries of a two-dimensional (EPT
// style) paging structure.
//
// All functions in this package are pure, with the exception of the PTE
// accessors which perform single atomic loads and stores.
package spte

import (
	"fmt"
	"sync/atomic"
)

// Geometry of the paging structure.
const (
	// PageShift is the log2 of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// EntriesPerPage is the fan-out of every table.
	EntriesPerPage = 512

	// entryShift is log2(EntriesPerPage).
	entryShift = 9

	// MinLevel is the smallest leaf granularity (4K).
	MinLevel = 1

	// MaxLevel is the deepest supported root level (five-level paging).
	MaxLevel = 5
)

// Bits in an entry.
const (
	readable     = 1 << 0
	writable     = 1 << 1
	executable   = 1 << 2
	large        = 1 << 7
	accessed     = 1 << 8
	dirty        = 1 << 9
	hostWritable = 1 << 10
	mmuWritable  = 1 << 11

	// mmioTag marks the special encoding installed for frames outside any
	// guest memory region. Together with write+exec without read it forms
	// a misconfigured entry that the hardware walker always traps on.
	mmioTag = 1 << 62

	permMask  = readable | writable | executable
	mmioPerms = writable | executable
	mmioMask  = mmioTag | permMask

	frameMask = ((1 << 52) - 1) &^ (PageSize - 1)
)

// SPTE is the value of a single entry.
type SPTE uint64

// IsPresent returns true iff the hardware walker may follow this entry.
func (s SPTE) IsPresent() bool {
	return s&readable != 0
}

// IsMMIO returns true iff this is the special trap encoding.
func (s SPTE) IsMMIO() bool {
	return s&mmioMask == mmioTag|mmioPerms
}

// IsLarge returns true iff the large bit is set.
func (s SPTE) IsLarge() bool {
	return s&large != 0
}

// IsLeaf returns true iff a present entry at the given level terminates
// translation.
func (s SPTE) IsLeaf(level int) bool {
	return level == MinLevel || s.IsLarge()
}

// IsAccessed returns true iff the accessed bit is set.
func (s SPTE) IsAccessed() bool {
	return s&accessed != 0
}

// IsDirty returns true iff the dirty bit is set.
func (s SPTE) IsDirty() bool {
	return s&dirty != 0
}

// IsWritable returns true iff the hardware may write through this entry.
func (s SPTE) IsWritable() bool {
	return s&writable != 0
}

// IsExecutable returns true iff the hardware may fetch through this entry.
func (s SPTE) IsExecutable() bool {
	return s&executable != 0
}

// IsHostWritable returns true iff the backing host frame may be written.
func (s SPTE) IsHostWritable() bool {
	return s&hostWritable != 0
}

// IsWriteProtected returns true iff the entry is present but was write
// protected by software.
func (s SPTE) IsWriteProtected() bool {
	return s.IsPresent() && s&mmuWritable == 0
}

// Frame returns the frame number held in the entry: the host frame for a
// leaf, the table frame for a non-leaf.
func (s SPTE) Frame() uint64 {
	return uint64(s&frameMask) >> PageShift
}

// PFN is an alias for Frame, used for leaves.
func (s SPTE) PFN() uint64 {
	return s.Frame()
}

// MMIOGFN returns the guest frame recorded in an MMIO entry.
func (s SPTE) MMIOGFN() uint64 {
	return s.Frame()
}

// WithAccessed returns s with the accessed bit set.
func (s SPTE) WithAccessed() SPTE {
	return s | accessed
}

// WithDirty returns s with the dirty bit set.
func (s SPTE) WithDirty() SPTE {
	return s | dirty
}

// MarkAccessedClear returns s with the accessed bit cleared.
func (s SPTE) MarkAccessedClear() SPTE {
	return s &^ accessed
}

// MarkDirtyClear returns s with the dirty bit cleared.
func (s SPTE) MarkDirtyClear() SPTE {
	return s &^ dirty
}

// WriteProtect returns s without write permission.
func (s SPTE) WriteProtect() SPTE {
	return s &^ (writable | mmuWritable)
}

// String implements fmt.Stringer.
func (s SPTE) String() string {
	switch {
	case s == 0:
		return "none"
	case s.IsMMIO():
		return fmt.Sprintf("mmio(gfn=%#x)", s.MMIOGFN())
	case !s.IsPresent():
		return fmt.Sprintf("nonpresent(%#x)", uint64(s))
	}
	perms := []byte("r--")
	if s.IsWritable() {
		perms[1] = 'w'
	}
	if s.IsExecutable() {
		perms[2] = 'x'
	}
	return fmt.Sprintf("frame=%#x %s large=%t a=%t d=%t", s.Frame(), perms, s.IsLarge(), s.IsAccessed(), s.IsDirty())
}

// LeafOpts are the attributes of a leaf entry.
type LeafOpts struct {
	// Write allows the hardware to write through the entry.
	Write bool

	// Execute allows instruction fetches.
	Execute bool

	// HostWritable records that the host frame is writable, even if Write
	// is withheld (write protection).
	HostWritable bool

	// Accessed and Dirty pre-set the hardware-maintained bits.
	Accessed bool
	Dirty    bool
}

// MakeLeaf returns a leaf entry mapping pfn at the given level.
//
// Precondition: pfn is aligned to the level.
func MakeLeaf(pfn uint64, level int, opts LeafOpts) SPTE {
	s := SPTE(pfn<<PageShift)&frameMask | readable
	if level > MinLevel {
		s |= large
	}
	if opts.Write {
		s |= writable | mmuWritable
	}
	if opts.Execute {
		s |= executable
	}
	if opts.HostWritable {
		s |= hostWritable
	}
	if opts.Accessed {
		s |= accessed
	}
	if opts.Dirty {
		s |= dirty
	}
	return s
}

// MakeNonLeaf returns an entry pointing to the child table at frame.
//
// Non-leaf entries grant every permission; the leaf decides.
func MakeNonLeaf(frame uint64) SPTE {
	return SPTE(frame<<PageShift)&frameMask | permMask | mmuWritable
}

// MakeMMIO returns the special encoding for gfn.
func MakeMMIO(gfn uint64) SPTE {
	return SPTE(gfn<<PageShift)&frameMask | mmioTag | mmioPerms
}

// LevelShift returns the shift of a guest frame number that selects the
// entry at the given level.
func LevelShift(level int) uint {
	return entryShift * uint(level-1)
}

// PagesPerLevel returns the number of base pages mapped by one entry at the
// given level.
func PagesPerLevel(level int) uint64 {
	return 1 << LevelShift(level)
}

// AlignDown rounds gfn down to the start of the entry covering it at level.
func AlignDown(gfn uint64, level int) uint64 {
	return gfn &^ (PagesPerLevel(level) - 1)
}

// IsAligned returns true iff gfn is the first frame of an entry at level.
func IsAligned(gfn uint64, level int) bool {
	return gfn&(PagesPerLevel(level)-1) == 0
}

// Index returns the index of the entry covering gfn in a table at level.
func IndexAt(gfn uint64, level int) int {
	return int((gfn >> LevelShift(level)) & (EntriesPerPage - 1))
}

// RootCoverage returns the number of base pages a root at level maps.
func RootCoverage(level int) uint64 {
	return PagesPerLevel(level) * EntriesPerPage
}

// PTE is a single entry slot in a table.
//
// All accesses are atomic: the hardware walker reads entries and sets the
// accessed and dirty bits without holding any software lock.
type PTE struct {
	v uint64
}

// Load atomically reads the entry.
//
//go:nosplit
func (p *PTE) Load() SPTE {
	return SPTE(atomic.LoadUint64(&p.v))
}

// Store atomically writes the entry.
//
//go:nosplit
func (p *PTE) Store(s SPTE) {
	atomic.StoreUint64(&p.v, uint64(s))
}

// Swap atomically replaces the entry, returning the previous value.
//
//go:nosplit
func (p *PTE) Swap(s SPTE) SPTE {
	return SPTE(atomic.SwapUint64(&p.v, uint64(s)))
}

// CompareAndSwap atomically replaces old with new.
//
//go:nosplit
func (p *PTE) CompareAndSwap(old, new SPTE) bool {
	return atomic.CompareAndSwapUint64(&p.v, uint64(old), uint64(new))
}

// PTEs is a collection of entries: the backing page of one table.
type PTEs [EntriesPerPage]PTE

// Clear zeroes every entry.
func (p *PTEs) Clear() {
	for i := range p {
		p[i].Store(0)
	}
}
