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

package pgalloc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"tdp.dev/tdp/pkg/tdp/spte"
)

func TestRuntimeAllocateLookupFree(t *testing.T) {
	r := NewRuntimeAllocator(0)
	a, fa, err := r.NewPTEs()
	if err != nil {
		t.Fatalf("NewPTEs: %v", err)
	}
	b, fb, err := r.NewPTEs()
	if err != nil {
		t.Fatalf("NewPTEs: %v", err)
	}
	if fa == fb {
		t.Fatalf("two tables share frame %#x", fa)
	}
	if got := r.LookupPTEs(fa); got != a {
		t.Errorf("LookupPTEs(%#x) = %p, want %p", fa, got, a)
	}
	r.FreePTEs(a)
	if got := r.LookupPTEs(fa); got != nil {
		t.Errorf("LookupPTEs after free = %p, want nil", got)
	}
	if got := r.LookupPTEs(fb); got != b {
		t.Errorf("LookupPTEs(%#x) = %p, want %p", fb, got, b)
	}
	want := Stats{InUse: 1, Allocated: 2, Freed: 1}
	if diff := cmp.Diff(want, r.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestRuntimeLimit(t *testing.T) {
	r := NewRuntimeAllocator(2)
	for i := 0; i < 2; i++ {
		if _, _, err := r.NewPTEs(); err != nil {
			t.Fatalf("NewPTEs #%d: %v", i, err)
		}
	}
	_, _, err := r.NewPTEs()
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("NewPTEs over limit = %v, want ErrExhausted", err)
	}
	r.SetLimit(0)
	if _, _, err := r.NewPTEs(); err != nil {
		t.Errorf("NewPTEs after lifting limit: %v", err)
	}
}

func TestRuntimeRecycleZeroes(t *testing.T) {
	r := NewRuntimeAllocator(0)
	a, _, err := r.NewPTEs()
	if err != nil {
		t.Fatalf("NewPTEs: %v", err)
	}
	a[7].Store(spte.MakeLeaf(1, 1, spte.LeafOpts{}))
	r.FreePTEs(a)

	// Not reused before Recycle.
	b, _, err := r.NewPTEs()
	if err != nil {
		t.Fatalf("NewPTEs: %v", err)
	}
	if b == a {
		t.Fatalf("freed table reused before Recycle")
	}

	r.Recycle()
	c, _, err := r.NewPTEs()
	if err != nil {
		t.Fatalf("NewPTEs: %v", err)
	}
	if c != a {
		t.Fatalf("recycled table not reused")
	}
	if got := c[7].Load(); got != 0 {
		t.Errorf("recycled table entry 7 = %v, want zero", got)
	}
}
