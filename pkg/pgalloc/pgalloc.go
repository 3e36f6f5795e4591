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

// Package pgalloc allocates the pages that back paging-structure tables.
//
// Every table is named by a frame number, which is what a non-leaf entry
// stores. Allocators map frames back to tables for walkers.
package pgalloc

import (
	"errors"

	"tdp.dev/tdp/pkg/tdp/spte"
)

// ErrExhausted is returned when no table page can be allocated.
var ErrExhausted = errors.New("page table pages exhausted")

// Stats are allocation counters.
type Stats struct {
	// InUse is the number of tables allocated and not yet freed.
	InUse int

	// Allocated is the total number of successful allocations.
	Allocated uint64

	// Freed is the total number of frees.
	Freed uint64
}

// Allocator is implemented by every allocator in this package.
type Allocator interface {
	// NewPTEs returns a zeroed table and its frame.
	NewPTEs() (*spte.PTEs, uint64, error)

	// LookupPTEs returns the table for a frame returned by NewPTEs, or nil.
	LookupPTEs(frame uint64) *spte.PTEs

	// FreePTEs releases a table. The table must not be reachable from any
	// translation cache when it is freed.
	FreePTEs(ptes *spte.PTEs)

	// Stats returns a snapshot of the counters.
	Stats() Stats
}
