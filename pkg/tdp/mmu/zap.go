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
	"fmt"
	"time"

	"tdp.dev/tdp/pkg/tdp/iter"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// shouldYield returns true if a range operation holding the lock since the
// given time should let others in.
//
// Preconditions: m.mu is held.
func (m *MMU) shouldYield(it *iter.Iterator, since time.Time) bool {
	// Yielding again before any progress could livelock.
	if !it.Progressed() {
		return false
	}
	if m.mu.NeedBreak() {
		return true
	}
	if m.needResched != nil {
		return m.needResched()
	}
	return time.Since(since) >= m.timeSlice
}

// yield drops and reacquires the lock and restarts the walk. Pending
// invalidations for [start, end) are flushed first. It returns false if the
// root was freed in the meantime.
//
// Preconditions: m.mu is held.
func (m *MMU) yield(root *Page, it *iter.Iterator, start, end uint64, flush *bool) bool {
	if *flush {
		m.flushRange(root.Role.ASID, start, end-start)
		*flush = false
	}
	m.stats.Yields.Add(1)
	m.mu.Yield()
	if root.freed {
		return false
	}
	it.Refresh()
	return true
}

// zapRoot clears the entries of root mapping [start, end). Non-leaf entries
// only partly inside the range are descended into; every other entry is
// cleared. It returns true if a cleared entry may still be cached.
//
// Preconditions: m.mu is held. The caller holds a reference on root, or
// root is unreachable.
func (m *MMU) zapRoot(root *Page, start, end uint64, canYield bool) bool {
	var (
		it    iter.Iterator
		flush bool
	)
	asid := root.Role.ASID
	since := time.Now()
	for it.Start(m.alloc, root.PTEs, root.Role.Level, spte.MinLevel, start, end); it.Valid(); it.Next() {
		if canYield && m.shouldYield(&it, since) {
			if !m.yield(root, &it, start, end, &flush) {
				return false
			}
			since = time.Now()
			continue
		}

		old := it.Old
		if !old.IsPresent() && !old.IsMMIO() {
			continue
		}
		if old.IsPresent() && !old.IsLeaf(it.Level) &&
			(it.GFN < start || it.GFN+spte.PagesPerLevel(it.Level) > end) {
			continue
		}
		m.setSPTE(asid, &it, 0)
		if old.IsPresent() {
			flush = true
		}
	}
	return flush
}

// ZapRange clears the mappings of [start, end) below root, yielding the
// lock if canYield is set. It returns true if a cleared entry may still be
// cached, in which case the caller must flush.
//
// Preconditions: the caller holds a reference on root.
func (m *MMU) ZapRange(root *Page, start, end uint64, canYield bool) (bool, error) {
	if err := checkRange(start, end, spte.MinLevel); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if root.freed {
		return false, fmt.Errorf("%v: %w", root, ErrInvalidRole)
	}
	return m.zapRoot(root, start, end, canYield), nil
}

// ZapGFNRange clears the mappings of [start, end) in every root and
// flushes them. It returns true if anything was cleared.
func (m *MMU) ZapGFNRange(start, end uint64) (bool, error) {
	return m.zapGFNRange(-1, start, end)
}

// zapGFNRange is ZapGFNRange restricted to one address space. A negative
// asid selects every address space.
func (m *MMU) zapGFNRange(asid int, start, end uint64) (bool, error) {
	if err := checkRange(start, end, spte.MinLevel); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := false
	for _, root := range m.pinRoots(asid) {
		if !root.freed && m.zapRoot(root, start, end, true) {
			m.flushRange(root.Role.ASID, start, end-start)
			cleared = true
		}
		m.unpinRoot(root)
	}
	return cleared, nil
}

// ZapAll clears every mapping of every root.
func (m *MMU) ZapAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	flush := false
	for _, root := range m.pinRoots(-1) {
		if !root.freed && m.zapRoot(root, 0, root.Coverage(), true) {
			flush = true
		}
		m.unpinRoot(root)
	}
	if flush {
		m.flushAll()
	}
}
