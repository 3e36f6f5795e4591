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

package spte

import (
	"testing"
)

func TestLeafEncoding(t *testing.T) {
	for _, tc := range []struct {
		name  string
		pfn   uint64
		level int
		opts  LeafOpts
	}{
		{"4k-ro", 0x1234, 1, LeafOpts{}},
		{"4k-rw", 0x1234, 1, LeafOpts{Write: true, HostWritable: true}},
		{"2m-rwx", 0x200, 2, LeafOpts{Write: true, Execute: true, HostWritable: true}},
		{"1g-ad", 0x40000, 3, LeafOpts{Accessed: true, Dirty: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := MakeLeaf(tc.pfn, tc.level, tc.opts)
			if !s.IsPresent() {
				t.Fatalf("%v not present", s)
			}
			if !s.IsLeaf(tc.level) {
				t.Errorf("%v not a leaf at level %d", s, tc.level)
			}
			if got := s.PFN(); got != tc.pfn {
				t.Errorf("PFN() = %#x, want %#x", got, tc.pfn)
			}
			if s.IsLarge() != (tc.level > 1) {
				t.Errorf("IsLarge() = %t at level %d", s.IsLarge(), tc.level)
			}
			if s.IsWritable() != tc.opts.Write {
				t.Errorf("IsWritable() = %t, want %t", s.IsWritable(), tc.opts.Write)
			}
			if s.IsExecutable() != tc.opts.Execute {
				t.Errorf("IsExecutable() = %t, want %t", s.IsExecutable(), tc.opts.Execute)
			}
			if s.IsAccessed() != tc.opts.Accessed || s.IsDirty() != tc.opts.Dirty {
				t.Errorf("A/D = %t/%t, want %t/%t", s.IsAccessed(), s.IsDirty(), tc.opts.Accessed, tc.opts.Dirty)
			}
			if s.IsMMIO() {
				t.Errorf("%v reported as MMIO", s)
			}
		})
	}
}

func TestNonLeaf(t *testing.T) {
	s := MakeNonLeaf(0x777)
	if !s.IsPresent() {
		t.Fatalf("non-leaf not present")
	}
	for level := 2; level <= MaxLevel; level++ {
		if s.IsLeaf(level) {
			t.Errorf("non-leaf reported as leaf at level %d", level)
		}
	}
	if got := s.Frame(); got != 0x777 {
		t.Errorf("Frame() = %#x, want 0x777", got)
	}
}

func TestMMIO(t *testing.T) {
	s := MakeMMIO(0xfee00)
	if s.IsPresent() {
		t.Errorf("MMIO entry is present")
	}
	if !s.IsMMIO() {
		t.Errorf("IsMMIO() = false")
	}
	if got := s.MMIOGFN(); got != 0xfee00 {
		t.Errorf("MMIOGFN() = %#x, want 0xfee00", got)
	}
	if SPTE(0).IsMMIO() {
		t.Errorf("zero entry reported as MMIO")
	}
}

func TestBitHelpers(t *testing.T) {
	s := MakeLeaf(1, 1, LeafOpts{Write: true, Accessed: true, Dirty: true})
	if s.MarkAccessedClear().IsAccessed() || !s.MarkAccessedClear().IsDirty() {
		t.Errorf("MarkAccessedClear changed the wrong bits: %v", s.MarkAccessedClear())
	}
	if s.MarkDirtyClear().IsDirty() || !s.MarkDirtyClear().IsAccessed() {
		t.Errorf("MarkDirtyClear changed the wrong bits: %v", s.MarkDirtyClear())
	}
	wp := s.WriteProtect()
	if wp.IsWritable() || !wp.IsWriteProtected() || wp.PFN() != 1 {
		t.Errorf("WriteProtect() = %v", wp)
	}
	if s.IsWriteProtected() {
		t.Errorf("writable leaf reported as write protected")
	}
}

func TestGeometry(t *testing.T) {
	for _, tc := range []struct {
		level int
		pages uint64
	}{
		{1, 1},
		{2, 512},
		{3, 512 * 512},
		{4, 512 * 512 * 512},
	} {
		if got := PagesPerLevel(tc.level); got != tc.pages {
			t.Errorf("PagesPerLevel(%d) = %d, want %d", tc.level, got, tc.pages)
		}
	}
	if got := AlignDown(1000, 2); got != 512 {
		t.Errorf("AlignDown(1000, 2) = %d, want 512", got)
	}
	if !IsAligned(1024, 2) || IsAligned(1000, 2) {
		t.Errorf("IsAligned mismatch")
	}
	if got := IndexAt(513, 1); got != 1 {
		t.Errorf("IndexAt(513, 1) = %d, want 1", got)
	}
	if got := IndexAt(513, 2); got != 1 {
		t.Errorf("IndexAt(513, 2) = %d, want 1", got)
	}
	if got := RootCoverage(4); got != 1<<36 {
		t.Errorf("RootCoverage(4) = %#x, want %#x", got, uint64(1)<<36)
	}
}

func TestPTEAtomics(t *testing.T) {
	var p PTE
	leaf := MakeLeaf(5, 1, LeafOpts{})
	p.Store(leaf)
	if !p.CompareAndSwap(leaf, leaf.WithAccessed()) {
		t.Fatalf("CompareAndSwap failed")
	}
	if p.CompareAndSwap(leaf, 0) {
		t.Fatalf("CompareAndSwap with stale old value succeeded")
	}
	if old := p.Swap(0); !old.IsAccessed() {
		t.Errorf("Swap returned %v, want accessed leaf", old)
	}
	if p.Load() != 0 {
		t.Errorf("Load() = %v after Swap(0)", p.Load())
	}
}
