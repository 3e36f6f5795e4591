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
	"tdp.dev/tdp/pkg/tdp/memslot"
)

// handleHVARange calls fn for the guest frame range of every slot, in every
// address space, backed by host virtual memory in [start, end). It returns
// true if any call did.
func (m *MMU) handleHVARange(start, end uint64, fn func(asid int, gfnStart, gfnEnd uint64) (bool, error)) (bool, error) {
	if m.slots == nil {
		return false, nil
	}
	var (
		ret      bool
		firstErr error
	)
	for asid := 0; asid < memslot.NumAddressSpaces; asid++ {
		m.slots.ForEachHVA(asid, start, end, func(_ *memslot.Slot, gfnStart, gfnEnd uint64) {
			ok, err := fn(asid, gfnStart, gfnEnd)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			ret = ret || ok
		})
	}
	return ret, firstErr
}

// ZapHVARange clears the mappings of guest memory backed by host virtual
// addresses [start, end), as required before the host reclaims it. It
// returns true if anything was cleared.
func (m *MMU) ZapHVARange(start, end uint64) (bool, error) {
	return m.handleHVARange(start, end, m.zapGFNRange)
}

// AgeHVARange ages the mappings of guest memory backed by [start, end). It
// returns true if any was accessed.
func (m *MMU) AgeHVARange(start, end uint64) (bool, error) {
	return m.handleHVARange(start, end, func(asid int, gfnStart, gfnEnd uint64) (bool, error) {
		return m.leafRange(asid, gfnStart, gfnEnd, clearAccessed)
	})
}

// TestAgeHVARange returns true if any mapping of guest memory backed by
// [start, end) was accessed since it was last aged.
func (m *MMU) TestAgeHVARange(start, end uint64) (bool, error) {
	return m.handleHVARange(start, end, func(asid int, gfnStart, gfnEnd uint64) (bool, error) {
		return m.leafRange(asid, gfnStart, gfnEnd, testAccessed)
	})
}
