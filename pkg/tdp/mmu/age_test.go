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

	"github.com/google/go-cmp/cmp"
)

func TestAgeGFNRange(t *testing.T) {
	tm := newTestMMU(t, Options{})
	root := tm.root(t)
	for gfn := uint64(0); gfn < 8; gfn++ {
		mustFault(t, tm.MMU, root, identity(gfn, 1), Installed)
	}

	if young, err := tm.TestAgeGFNRange(0, 8); err != nil || !young {
		t.Fatalf("TestAgeGFNRange = %t, %v, want true", young, err)
	}
	if young, err := tm.AgeGFNRange(2, 6); err != nil || !young {
		t.Fatalf("AgeGFNRange = %t, %v, want true", young, err)
	}
	if young, _ := tm.TestAgeGFNRange(2, 6); young {
		t.Errorf("range still young after aging")
	}
	if young, _ := tm.TestAgeGFNRange(0, 8); !young {
		t.Errorf("unaged frames reported old")
	}
	if young, _ := tm.AgeGFNRange(2, 6); young {
		t.Errorf("second AgeGFNRange reported young")
	}
	if diff := cmp.Diff([]uint64{0x100002, 0x100003, 0x100004, 0x100005}, tm.frames.CollectAccessed()); diff != "" {
		t.Errorf("harvested frames mismatch (-want +got):\n%s", diff)
	}

	// The hardware marks a translation accessed again.
	if _, wf := tm.HardwareWalk(root, 3, false); wf != WalkOK {
		t.Fatalf("HardwareWalk = %v", wf)
	}
	if young, _ := tm.TestAgeGFNRange(3, 4); !young {
		t.Errorf("walked frame reported old")
	}
}

func TestDirtyGFNRange(t *testing.T) {
	tm := newTestMMU(t, Options{})
	root := tm.root(t)
	mustFault(t, tm.MMU, root, identity(10, 1), Installed)
	mustFault(t, tm.MMU, root, identity(11, 1), Installed)

	if dirty, _ := tm.TestDirtyGFNRange(10, 12); dirty {
		t.Fatalf("clean mappings reported dirty")
	}
	if _, wf := tm.HardwareWalk(root, 11, true); wf != WalkOK {
		t.Fatalf("HardwareWalk(write) = %v", wf)
	}
	if dirty, _ := tm.TestDirtyGFNRange(10, 12); !dirty {
		t.Fatalf("written mapping reported clean")
	}

	tm.flusher.reset()
	if dirty, err := tm.ClearDirtyGFNRange(10, 12); err != nil || !dirty {
		t.Fatalf("ClearDirtyGFNRange = %t, %v, want true", dirty, err)
	}
	if diff := cmp.Diff([]uint64{0x10000b}, tm.frames.CollectDirty()); diff != "" {
		t.Errorf("harvested frames mismatch (-want +got):\n%s", diff)
	}
	ranges, _ := tm.flusher.get()
	if diff := cmp.Diff([]flush{{0, 10, 2}}, ranges); diff != "" {
		t.Errorf("flushes mismatch (-want +got):\n%s", diff)
	}
	if dirty, _ := tm.TestDirtyGFNRange(10, 12); dirty {
		t.Errorf("mapping still dirty after clearing")
	}
	// Still writable, so the next write dirties it again without a fault.
	if _, wf := tm.HardwareWalk(root, 11, true); wf != WalkOK {
		t.Errorf("HardwareWalk(write) after clearing = %v", wf)
	}
}

func TestWriteProtectGFNRange(t *testing.T) {
	tm := newTestMMU(t, Options{})
	root := tm.root(t)
	mustFault(t, tm.MMU, root, identity(0x30, 1), Installed)
	mustFault(t, tm.MMU, root, identity(0x200, 2), Installed)

	tm.flusher.reset()
	if changed, err := tm.WriteProtectGFNRange(0, 0x400); err != nil || !changed {
		t.Fatalf("WriteProtectGFNRange = %t, %v, want true", changed, err)
	}
	if ranges, _ := tm.flusher.get(); len(ranges) != 1 {
		t.Errorf("%d flushes, want 1", len(ranges))
	}
	for _, gfn := range []uint64{0x30, 0x250} {
		if _, wf := tm.HardwareWalk(root, gfn, true); wf != WalkWriteProtect {
			t.Errorf("HardwareWalk(%#x, write) = %v, want write-protect", gfn, wf)
		}
		if _, wf := tm.HardwareWalk(root, gfn, false); wf != WalkOK {
			t.Errorf("HardwareWalk(%#x, read) = %v, want ok", gfn, wf)
		}
	}
	if changed, _ := tm.WriteProtectGFNRange(0, 0x400); changed {
		t.Errorf("second WriteProtectGFNRange changed something")
	}

	// A write fault restores write access to the same frame.
	f := identity(0x30, 1)
	f.Write = true
	mustFault(t, tm.MMU, root, f, Installed)
	if _, wf := tm.HardwareWalk(root, 0x30, true); wf != WalkOK {
		t.Errorf("HardwareWalk(write) after fault = %v", wf)
	}
}
