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
	"errors"
	"fmt"

	"tdp.dev/tdp/pkg/log"
	"tdp.dev/tdp/pkg/tdp/spte"
)

var (
	// ErrNoMemory is returned when a table page could not be allocated.
	// The operation may be retried.
	ErrNoMemory = errors.New("out of page table memory")

	// ErrInvalidRange is returned for a malformed guest frame range or
	// level.
	ErrInvalidRange = errors.New("invalid guest frame range")

	// ErrInvalidRole is returned for a root role that cannot be built.
	ErrInvalidRole = errors.New("invalid root role")
)

// IntegrityViolation describes a corrupted paging structure. Continuing
// after one risks exposing the wrong host memory to the guest.
type IntegrityViolation struct {
	// Reason describes the violation.
	Reason string

	// ASID, GFN and Level locate the offending entry, if any.
	ASID  int
	GFN   uint64
	Level int

	// Old and New are the entry values involved, if any.
	Old spte.SPTE
	New spte.SPTE
}

// Error implements error.
func (v *IntegrityViolation) Error() string {
	return fmt.Sprintf("paging structure integrity violation: %s (as %d gfn %#x level %d old %v new %v)", v.Reason, v.ASID, v.GFN, v.Level, v.Old, v.New)
}

// FatalHandler is called on every detected integrity violation. It must not
// return normally unless the caller isolates the affected guest; the MMU
// state is undefined afterwards.
type FatalHandler func(v *IntegrityViolation)

// DefaultFatal logs the violation and panics.
func DefaultFatal(v *IntegrityViolation) {
	log.Warningf("%v", v)
	panic(v)
}

// checkRange validates [start, end) at the given level granularity.
func checkRange(start, end uint64, level int) error {
	if end <= start {
		return fmt.Errorf("[%#x, %#x): %w", start, end, ErrInvalidRange)
	}
	if !spte.IsAligned(start, level) || !spte.IsAligned(end, level) {
		return fmt.Errorf("[%#x, %#x) unaligned at level %d: %w", start, end, level, ErrInvalidRange)
	}
	if end > spte.RootCoverage(spte.MaxLevel) {
		return fmt.Errorf("[%#x, %#x) beyond the address width: %w", start, end, ErrInvalidRange)
	}
	return nil
}
