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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// build returns a Cleanup with n cleaners that append their index to order.
func build(order *[]int, n int) Cleanup {
	cu := Make(func() { *order = append(*order, 0) })
	for i := 1; i < n; i++ {
		cu.Add(func() { *order = append(*order, i) })
	}
	return cu
}

func TestCleanRunsInReverse(t *testing.T) {
	var order []int
	func() {
		cu := build(&order, 3)
		defer cu.Clean()
	}()
	if diff := cmp.Diff([]int{2, 1, 0}, order); diff != "" {
		t.Errorf("cleaners ran out of order (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	var order []int
	cu := build(&order, 2)
	cu.Clean()
	cu.Clean()
	if diff := cmp.Diff([]int{1, 0}, order); diff != "" {
		t.Errorf("second Clean ran cleaners again (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var order []int
	var later func()
	func() {
		cu := build(&order, 3)
		defer cu.Clean()
		later = cu.Release()
	}()
	if len(order) != 0 {
		t.Fatalf("released cleaners ran on Clean: %v", order)
	}
	later()
	if diff := cmp.Diff([]int{2, 1, 0}, order); diff != "" {
		t.Errorf("released cleaners (-want +got):\n%s", diff)
	}
}

func TestAddAfterRelease(t *testing.T) {
	var order []int
	cu := build(&order, 1)
	cu.Release()
	cu.Add(func() { order = append(order, 5) })
	cu.Clean()
	if diff := cmp.Diff([]int{5}, order); diff != "" {
		t.Errorf("cleaners after Release (-want +got):\n%s", diff)
	}
}
