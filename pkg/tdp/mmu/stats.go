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
	"tdp.dev/tdp/pkg/atomicbitops"
)

// Stats are event counters. They are updated atomically and may be read at
// any time.
type Stats struct {
	// Faults counts calls to HandleFault.
	Faults atomicbitops.Uint64

	// Fixed counts faults that installed a mapping, prefaults excluded.
	Fixed atomicbitops.Uint64

	// Prefaults counts speculative installs.
	Prefaults atomicbitops.Uint64

	// Spurious counts faults that found the mapping already installed.
	Spurious atomicbitops.Uint64

	// Emulated counts faults that must be emulated.
	Emulated atomicbitops.Uint64

	// Retries counts faults that must be retried.
	Retries atomicbitops.Uint64

	// MMIOInstalled counts MMIO entries installed.
	MMIOInstalled atomicbitops.Uint64

	// LargeInstalled counts leaves installed above the smallest level.
	LargeInstalled atomicbitops.Uint64

	// TablesAllocated and TablesFreed count non-root tables.
	TablesAllocated atomicbitops.Uint64
	TablesFreed     atomicbitops.Uint64

	// NonLeafRemovals counts present non-leaf entries removed.
	NonLeafRemovals atomicbitops.Uint64

	// LeavesZapped counts present leaves made non-present.
	LeavesZapped atomicbitops.Uint64

	// Flushes counts translation cache flush requests.
	Flushes atomicbitops.Uint64

	// Yields counts lock releases by range operations.
	Yields atomicbitops.Uint64

	// DirtyHarvested and AccessedHarvested count notifications.
	DirtyHarvested    atomicbitops.Uint64
	AccessedHarvested atomicbitops.Uint64

	// RootsCreated and RootsFreed count roots.
	RootsCreated atomicbitops.Uint64
	RootsFreed   atomicbitops.Uint64

	// UnexpectedChanges counts non-present to non-present transitions
	// without an MMIO entry on either side.
	UnexpectedChanges atomicbitops.Uint64

	// IntegrityViolations counts detected violations.
	IntegrityViolations atomicbitops.Uint64
}

// StatField is one counter with its export metadata.
type StatField struct {
	Name  string
	Help  string
	Value uint64
}

// Fields returns the counters in a fixed order.
func (s *Stats) Fields() []StatField {
	return []StatField{
		{"faults", "Faults handled.", s.Faults.Load()},
		{"faults_fixed", "Faults that installed a mapping.", s.Fixed.Load()},
		{"prefaults", "Speculative mappings installed.", s.Prefaults.Load()},
		{"faults_spurious", "Faults that found the mapping installed.", s.Spurious.Load()},
		{"faults_emulated", "Faults requiring emulation.", s.Emulated.Load()},
		{"faults_retried", "Faults requiring a retry.", s.Retries.Load()},
		{"mmio_installed", "MMIO entries installed.", s.MMIOInstalled.Load()},
		{"large_installed", "Leaves installed above the smallest level.", s.LargeInstalled.Load()},
		{"tables_allocated", "Non-root tables allocated.", s.TablesAllocated.Load()},
		{"tables_freed", "Non-root tables freed.", s.TablesFreed.Load()},
		{"nonleaf_removals", "Present non-leaf entries removed.", s.NonLeafRemovals.Load()},
		{"leaves_zapped", "Present leaves made non-present.", s.LeavesZapped.Load()},
		{"flushes", "Translation cache flush requests.", s.Flushes.Load()},
		{"yields", "Structural lock releases by range operations.", s.Yields.Load()},
		{"dirty_harvested", "Dirty notifications sent.", s.DirtyHarvested.Load()},
		{"accessed_harvested", "Accessed notifications sent.", s.AccessedHarvested.Load()},
		{"roots_created", "Roots created.", s.RootsCreated.Load()},
		{"roots_freed", "Roots freed.", s.RootsFreed.Load()},
		{"unexpected_changes", "Unexpected non-present entry changes.", s.UnexpectedChanges.Load()},
		{"integrity_violations", "Detected integrity violations.", s.IntegrityViolations.Load()},
	}
}
