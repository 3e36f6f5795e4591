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

package hostmm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"tdp.dev/tdp/pkg/sync"
)

func TestFrameLog(t *testing.T) {
	f := NewFrameLog(128)
	f.FrameDirty(3)
	f.FrameDirty(3)
	f.FrameDirty(1000)
	f.FrameAccessed(3)
	f.FrameAccessed(7)

	if !f.IsDirty(3) || f.IsDirty(7) {
		t.Errorf("IsDirty mismatch")
	}
	if !f.IsAccessed(7) {
		t.Errorf("IsAccessed(7) = false")
	}
	if d, a := f.Counts(); d != 2 || a != 2 {
		t.Errorf("Counts() = %d, %d, want 2, 2", d, a)
	}
	if diff := cmp.Diff([]uint64{3, 1000}, f.CollectDirty()); diff != "" {
		t.Errorf("CollectDirty mismatch (-want +got):\n%s", diff)
	}
	if got := f.CollectDirty(); len(got) != 0 {
		t.Errorf("second CollectDirty = %v, want empty", got)
	}
	if diff := cmp.Diff([]uint64{3, 7}, f.CollectAccessed()); diff != "" {
		t.Errorf("CollectAccessed mismatch (-want +got):\n%s", diff)
	}
}

func TestFrameLogOutOfRange(t *testing.T) {
	f := NewFrameLog(0)
	f.FrameDirty(1 << 40)
	if got := f.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
	if f.IsDirty(1 << 40) {
		t.Errorf("out of range frame reported dirty")
	}
}

func TestFrameLogConcurrent(t *testing.T) {
	f := NewFrameLog(0)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				f.FrameDirty(uint64(w*256 + i))
			}
		}(w)
	}
	wg.Wait()
	if d, _ := f.Counts(); d != 1024 {
		t.Errorf("dirty count = %d, want 1024", d)
	}
}
