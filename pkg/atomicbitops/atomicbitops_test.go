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

package atomicbitops

import (
	"runtime"
	"testing"

	"tdp.dev/tdp/pkg/sync"
)

func TestUint64ConcurrentAdd(t *testing.T) {
	var (
		u  Uint64
		wg sync.WaitGroup
	)
	const workers, adds = 8, 1000
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < adds; j++ {
				u.Add(1)
				if j%100 == 0 {
					runtime.Gosched()
				}
			}
		}()
	}
	wg.Wait()
	if got, want := u.Load(), uint64(workers*adds); got != want {
		t.Errorf("Load() = %d, want %d", got, want)
	}
}

func TestInt32CompareAndSwap(t *testing.T) {
	i := FromInt32(1)
	if i.CompareAndSwap(0, 5) {
		t.Errorf("CompareAndSwap(0, 5) succeeded with value 1")
	}
	if !i.CompareAndSwap(1, 5) {
		t.Errorf("CompareAndSwap(1, 5) failed with value 1")
	}
	if got := i.Load(); got != 5 {
		t.Errorf("Load() = %d, want 5", got)
	}
}

func TestBool(t *testing.T) {
	b := FromBool(true)
	if !b.Load() {
		t.Fatalf("FromBool(true).Load() = false")
	}
	if old := b.Swap(false); !old {
		t.Errorf("Swap(false) = false, want true")
	}
	if b.Load() {
		t.Errorf("Load() = true after Swap(false)")
	}
}
