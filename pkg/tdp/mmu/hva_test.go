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
	"testing"

	"tdp.dev/tdp/pkg/tdp/memslot"
	"tdp.dev/tdp/pkg/tdp/spte"
)

const testHVA = 0x7f0000000000

func newSlotMMU(t *testing.T) *testMMU {
	t.Helper()
	slots := memslot.New()
	for _, s := range []memslot.Slot{
		{ID: 0, BaseGFN: 0, Pages: 1024, BasePFN: 0x40000, HVA: testHVA},
		{ID: 1, BaseGFN: 0x1000, Pages: 4, BasePFN: 0x50000, HVA: testHVA + 0x10000000, ReadOnly: true},
		{ID: 0, ASID: ASSMM, BaseGFN: 0, Pages: 16, BasePFN: 0x60000, HVA: testHVA + 0x20000000},
	} {
		if err := slots.Insert(s); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	return newTestMMU(t, Options{Slots: slots})
}

func TestFaultThroughSlots(t *testing.T) {
	tm := newSlotMMU(t)
	for _, tc := range []struct {
		asid  int
		gfn   uint64
		write bool
		want  Result
		level int
		pfn   uint64
	}{
		{ASNormal, 3, true, Installed, 2, 0x40003},
		{ASNormal, 3, true, Spurious, 2, 0x40003},
		{ASNormal, 0x1001, false, Installed, 1, 0x50001},
		{ASNormal, 0x1002, true, Emulate, 1, 0x50002},
		{ASNormal, 0x9000, false, Emulate, 1, 0},
		{ASSMM, 5, false, Installed, 1, 0x60005},
	} {
		got, err := tm.Fault(tc.asid, tc.gfn<<spte.PageShift, tc.write)
		if err != nil || got != tc.want {
			t.Errorf("Fault(%d, %#x, %t) = %v, %v, want %v", tc.asid, tc.gfn, tc.write, got, err, tc.want)
			continue
		}
		root, err := tm.GetOrCreateRoot(Role{Level: tm.RootLevel(), ASID: tc.asid})
		if err != nil {
			t.Fatalf("GetOrCreateRoot: %v", err)
		}
		s, level := tm.Lookup(root, tc.gfn)
		tm.PutRoot(root)
		if s.IsMMIO() {
			if tc.pfn != 0 {
				t.Errorf("gfn %#x mapped as mmio", tc.gfn)
			}
			continue
		}
		if level != tc.level || s.PFN()+(tc.gfn-spte.AlignDown(tc.gfn, level)) != tc.pfn {
			t.Errorf("gfn %#x mapped by %v at level %d, want pfn %#x at level %d", tc.gfn, s, level, tc.pfn, tc.level)
		}
	}
	if n := len(tm.Roots()); n != 2 {
		t.Errorf("%d roots, want one per address space", n)
	}
}

func TestPrefaultThroughSlots(t *testing.T) {
	tm := newSlotMMU(t)
	if res, err := tm.Prefault(ASNormal, 0x1003); err != nil || res != Installed {
		t.Fatalf("Prefault = %v, %v", res, err)
	}
	if got := tm.Stats().Prefaults.Load(); got != 1 {
		t.Errorf("Prefaults = %d, want 1", got)
	}
}

func TestHVARange(t *testing.T) {
	tm := newSlotMMU(t)
	for _, gpa := range []uint64{0, 0x1000 << spte.PageShift} {
		if _, err := tm.Fault(ASNormal, gpa, false); err != nil {
			t.Fatalf("Fault(%#x): %v", gpa, err)
		}
	}
	if _, err := tm.Fault(ASSMM, 0, false); err != nil {
		t.Fatalf("Fault(smm): %v", err)
	}

	if young, err := tm.TestAgeHVARange(testHVA, testHVA+spte.PageSize); err != nil || !young {
		t.Fatalf("TestAgeHVARange = %t, %v, want true", young, err)
	}
	if young, err := tm.AgeHVARange(testHVA, testHVA+spte.PageSize); err != nil || !young {
		t.Fatalf("AgeHVARange = %t, %v, want true", young, err)
	}
	if young, _ := tm.TestAgeHVARange(testHVA, testHVA+spte.PageSize); young {
		t.Errorf("range young after aging")
	}

	// Host memory outside every slot maps nothing.
	if cleared, err := tm.ZapHVARange(testHVA+0x30000000, testHVA+0x30001000); err != nil || cleared {
		t.Errorf("ZapHVARange(unmapped) = %t, %v", cleared, err)
	}

	// One host page of the first slot: the large leaf covering it goes.
	tm.flusher.reset()
	cleared, err := tm.ZapHVARange(testHVA+3*spte.PageSize, testHVA+4*spte.PageSize)
	if err != nil || !cleared {
		t.Fatalf("ZapHVARange = %t, %v, want true", cleared, err)
	}
	ranges, _ := tm.flusher.get()
	if len(ranges) != 1 || ranges[0].ASID != ASNormal {
		t.Errorf("flushes = %v, want one for the normal address space", ranges)
	}
	root, err := tm.GetOrCreateRoot(Role{Level: tm.RootLevel()})
	if err != nil {
		t.Fatalf("GetOrCreateRoot: %v", err)
	}
	defer tm.PutRoot(root)
	if s, _ := tm.Lookup(root, 3); s != 0 {
		t.Errorf("gfn 3 still mapped: %v", s)
	}
	if s, _ := tm.Lookup(root, 0x1000); !s.IsPresent() {
		t.Errorf("other slot lost its mapping")
	}

	smm, err := tm.GetOrCreateRoot(Role{Level: tm.RootLevel(), ASID: ASSMM})
	if err != nil {
		t.Fatalf("GetOrCreateRoot: %v", err)
	}
	defer tm.PutRoot(smm)
	if s, _ := tm.Lookup(smm, 0); !s.IsPresent() {
		t.Errorf("smm address space lost its mapping")
	}
}
