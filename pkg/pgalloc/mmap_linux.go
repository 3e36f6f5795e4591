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

//go:build linux
// +build linux

package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"tdp.dev/tdp/pkg/bitmap"
	"tdp.dev/tdp/pkg/sync"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// MmapAllocator carves tables out of a fixed anonymous mapping. Frames are
// the host page numbers of the tables within the mapping.
type MmapAllocator struct {
	mu sync.Mutex

	// arena is the mapping. It is never resized.
	arena []byte

	// baseFrame is the frame of arena[0].
	baseFrame uint64

	// used has a bit set for every page in use.
	used bitmap.Bitmap

	// hint is where the next search for a free page begins.
	hint uint32

	allocated uint64
	released  uint64
}

// NewMmapAllocator maps an arena of the given number of pages.
func NewMmapAllocator(pages int) (*MmapAllocator, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("invalid arena size %d pages", pages)
	}
	arena, err := unix.Mmap(-1, 0, pages*spte.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d page arena: %w", pages, err)
	}
	return &MmapAllocator{
		arena:     arena,
		baseFrame: uint64(arenaAddr(arena)) >> spte.PageShift,
		used:      bitmap.New(uint32(pages)),
	}, nil
}

// pages returns the arena size in pages.
func (m *MmapAllocator) pages() uint32 {
	return uint32(len(m.arena) / spte.PageSize)
}

// NewPTEs implements Allocator.NewPTEs.
func (m *MmapAllocator) NewPTEs() (*spte.PTEs, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.pages()
	for i := uint32(0); i < n; i++ {
		idx := (m.hint + i) % n
		if m.used.Contains(idx) {
			continue
		}
		m.used.Add(idx)
		m.hint = (idx + 1) % n
		ptes := m.ptesAt(idx)
		ptes.Clear()
		m.allocated++
		return ptes, m.baseFrame + uint64(idx), nil
	}
	return nil, 0, fmt.Errorf("arena of %d pages full: %w", n, ErrExhausted)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (m *MmapAllocator) LookupPTEs(frame uint64) *spte.PTEs {
	if frame < m.baseFrame || frame-m.baseFrame >= uint64(m.pages()) {
		return nil
	}
	return m.ptesAt(uint32(frame - m.baseFrame))
}

// FreePTEs implements Allocator.FreePTEs.
func (m *MmapAllocator) FreePTEs(ptes *spte.PTEs) {
	idx, ok := m.indexOf(ptes)
	if !ok {
		panic(fmt.Sprintf("freeing table %p outside the arena", ptes))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.used.Contains(idx) {
		panic(fmt.Sprintf("double free of table %d", idx))
	}
	m.used.Remove(idx)
	m.released++
}

// Stats implements Allocator.Stats.
func (m *MmapAllocator) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		InUse:     int(m.used.GetNumOnes()),
		Allocated: m.allocated,
		Freed:     m.released,
	}
}

// Close unmaps the arena. No table may be used afterwards.
func (m *MmapAllocator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.arena == nil {
		return nil
	}
	err := unix.Munmap(m.arena)
	m.arena = nil
	return err
}
