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
	"tdp.dev/tdp/pkg/tdp/iter"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// WalkFault classifies the outcome of a hardware walk.
type WalkFault int

const (
	// WalkOK means the walk produced a translation.
	WalkOK WalkFault = iota

	// WalkNotPresent means no present leaf maps the frame.
	WalkNotPresent

	// WalkMisconfig means the walk hit an MMIO entry.
	WalkMisconfig

	// WalkWriteProtect means a write hit a leaf without write access.
	WalkWriteProtect
)

// String implements fmt.Stringer.
func (w WalkFault) String() string {
	switch w {
	case WalkOK:
		return "ok"
	case WalkNotPresent:
		return "not-present"
	case WalkMisconfig:
		return "misconfig"
	case WalkWriteProtect:
		return "write-protect"
	default:
		return "unknown"
	}
}

// Translation is a guest frame translated by a hardware walk.
type Translation struct {
	// PFN is the host frame backing the guest frame.
	PFN uint64

	// Level is the level of the leaf.
	Level int

	// Leaf is the leaf as left by the walk.
	Leaf spte.SPTE
}

// HardwareWalk translates gfn below root the way the hardware walker does:
// without the structural lock, with single atomic loads per entry, setting
// the accessed bit on the leaf and the dirty bit for writes.
//
// Preconditions: the caller holds a reference on root.
func (m *MMU) HardwareWalk(root *Page, gfn uint64, write bool) (Translation, WalkFault) {
	if gfn >= root.Coverage() {
		return Translation{}, WalkNotPresent
	}
	ptes := root.PTEs
walk:
	for level := root.Role.Level; level >= spte.MinLevel; level-- {
		pte := &ptes[spte.IndexAt(gfn, level)]
		for {
			s := pte.Load()
			switch {
			case s.IsMMIO():
				return Translation{Leaf: s, Level: level}, WalkMisconfig
			case !s.IsPresent():
				return Translation{}, WalkNotPresent
			case !s.IsLeaf(level):
				if ptes = m.alloc.LookupPTEs(s.Frame()); ptes == nil {
					return Translation{}, WalkNotPresent
				}
				continue walk
			case write && !s.IsWritable():
				return Translation{Leaf: s, Level: level}, WalkWriteProtect
			}
			n := s.WithAccessed()
			if write {
				n = n.WithDirty()
			}
			// Lost a race with a software update; reload.
			if n != s && !pte.CompareAndSwap(s, n) {
				continue
			}
			return Translation{
				PFN:   n.PFN() + (gfn - spte.AlignDown(gfn, level)),
				Level: level,
				Leaf:  n,
			}, WalkOK
		}
	}
	return Translation{}, WalkNotPresent
}

// Mapping is one leaf or MMIO entry.
type Mapping struct {
	GFN   uint64
	Level int
	SPTE  spte.SPTE
}

// Mappings returns the leaves and MMIO entries of root mapping [start, end)
// in ascending order.
func (m *MMU) Mappings(root *Page, start, end uint64) []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	if root.freed {
		return nil
	}
	var (
		it  iter.Iterator
		out []Mapping
	)
	for it.Start(m.alloc, root.PTEs, root.Role.Level, spte.MinLevel, start, end); it.Valid(); it.Next() {
		if it.Old.IsMMIO() || (it.Old.IsPresent() && it.Old.IsLeaf(it.Level)) {
			out = append(out, Mapping{GFN: it.GFN, Level: it.Level, SPTE: it.Old})
		}
	}
	return out
}

// Lookup returns the leaf or MMIO entry of root covering gfn and its
// level. The entry is zero if there is none.
func (m *MMU) Lookup(root *Page, gfn uint64) (spte.SPTE, int) {
	ms := m.Mappings(root, gfn, gfn+1)
	if len(ms) == 0 {
		return 0, 0
	}
	return ms[0].SPTE, ms[0].Level
}
