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

	"tdp.dev/tdp/pkg/tdp/memslot"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// publishRoots updates the lock-free copy of the registry.
//
// Preconditions: m.mu is held.
func (m *MMU) publishRoots() {
	snap := make([]*Page, len(m.roots))
	copy(snap, m.roots)
	m.rootSnapshot.Store(&snap)
}

// GetOrCreateRoot returns the root for role with a reference held, creating
// it if none exists. The reference is dropped by PutRoot or ReleaseRoot.
//
// A root whose references have all been dropped, but which has not been
// freed, is reused.
func (m *MMU) GetOrCreateRoot(role Role) (*Page, error) {
	role.Root = true
	if role.Level < spte.MinLevel+1 || role.Level > spte.MaxLevel {
		return nil, fmt.Errorf("%v: %w", role, ErrInvalidRole)
	}
	if role.ASID < 0 || role.ASID >= memslot.NumAddressSpaces {
		return nil, fmt.Errorf("%v: %w", role, ErrInvalidRole)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, root := range m.roots {
		if root.Role == role {
			root.rootCount.Add(1)
			return root, nil
		}
	}
	root, err := m.allocPage(role, 0)
	if err != nil {
		return nil, err
	}
	root.rootCount.Store(1)
	m.roots = append(m.roots, root)
	m.publishRoots()
	m.stats.RootsCreated.Add(1)
	return root, nil
}

// PutRoot drops a reference. It returns true if it was the last one. The
// root is not freed; see FreeRoot and ReleaseRoot.
func (m *MMU) PutRoot(root *Page) bool {
	n := root.rootCount.Add(-1)
	if n < 0 {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.violation(&IntegrityViolation{
			Reason: fmt.Sprintf("reference count of %v dropped below zero", root),
			ASID:   root.Role.ASID,
			Level:  root.Role.Level,
		})
	}
	return n == 0
}

// FreeRoot removes an unreferenced root from the registry, tears down
// everything below it and frees it.
func (m *MMU) FreeRoot(root *Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeRootLocked(root)
}

// ReleaseRoot drops a reference and frees the root if it was the last one.
func (m *MMU) ReleaseRoot(root *Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if root.rootCount.Add(-1) == 0 {
		m.freeRootLocked(root)
	}
}

// freeRootLocked frees root.
//
// Preconditions: m.mu is held.
func (m *MMU) freeRootLocked(root *Page) {
	if n := root.rootCount.Load(); n != 0 {
		m.violation(&IntegrityViolation{
			Reason: fmt.Sprintf("freeing %v with %d references", root, n),
			ASID:   root.Role.ASID,
			Level:  root.Role.Level,
		})
		return
	}
	idx := -1
	for i, r := range m.roots {
		if r == root {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.violation(&IntegrityViolation{
			Reason: fmt.Sprintf("freeing %v which is not registered", root),
			ASID:   root.Role.ASID,
			Level:  root.Role.Level,
		})
		return
	}
	m.roots = append(m.roots[:idx], m.roots[idx+1:]...)
	m.publishRoots()

	// Nothing can reach the root any more, so the teardown need not yield.
	if m.zapRoot(root, 0, root.Coverage(), false) {
		m.flushAll()
	}
	m.freePage(root)
	m.stats.RootsFreed.Add(1)
}

// IsRoot returns true iff frame names a registered root. It takes no lock
// and may return a stale answer.
func (m *MMU) IsRoot(frame uint64) bool {
	for _, root := range *m.rootSnapshot.Load() {
		if root.Frame == frame {
			return true
		}
	}
	return false
}

// Roots returns a snapshot of the registry. It takes no lock.
func (m *MMU) Roots() []*Page {
	return *m.rootSnapshot.Load()
}

// pinRoots takes a reference on every registered root of asid, or of every
// address space if asid is negative.
//
// Preconditions: m.mu is held.
func (m *MMU) pinRoots(asid int) []*Page {
	var pinned []*Page
	for _, root := range m.roots {
		if asid >= 0 && root.Role.ASID != asid {
			continue
		}
		root.rootCount.Add(1)
		pinned = append(pinned, root)
	}
	return pinned
}

// unpinRoot drops a reference taken by pinRoots. The root is not freed:
// a root left unreferenced by its last holder is reused by
// GetOrCreateRoot.
func (m *MMU) unpinRoot(root *Page) {
	root.rootCount.Add(-1)
}
