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

// Package mmu manages the two-dimensional paging structure of a guest: the
// tables translating guest frames to host frames that the hardware walker
// consumes.
//
// All structural changes are serialized by a single lock. Range operations
// drop the lock at well defined yield points; the fault path never does.
// Every entry write goes through setSPTE, which performs the bookkeeping
// that follows a change: dirty and accessed harvesting, teardown of
// unreachable tables, and translation cache flushes for them.
package mmu

import (
	"fmt"
	"sync/atomic"
	"time"

	"tdp.dev/tdp/pkg/log"
	"tdp.dev/tdp/pkg/sync"
	"tdp.dev/tdp/pkg/tdp/memslot"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// Allocator provides table pages.
type Allocator interface {
	// NewPTEs returns a zeroed table and the frame naming it.
	NewPTEs() (*spte.PTEs, uint64, error)

	// LookupPTEs returns the table named by frame.
	LookupPTEs(frame uint64) *spte.PTEs

	// FreePTEs returns a table to the allocator.
	FreePTEs(ptes *spte.PTEs)
}

// Notifier receives dirty and accessed state harvested from leaves.
type Notifier interface {
	// FrameDirty reports that the guest wrote to the host frame.
	FrameDirty(pfn uint64)

	// FrameAccessed reports that the guest accessed the host frame.
	FrameAccessed(pfn uint64)
}

// Flusher invalidates the hardware translation caches.
type Flusher interface {
	// FlushRange invalidates translations for pages guest frames starting
	// at start in the given address space.
	FlushRange(asid int, start, pages uint64)

	// FlushAll invalidates every translation.
	FlushAll()
}

// Options configure an MMU.
type Options struct {
	// Allocator provides table pages. Required.
	Allocator Allocator

	// Notifier receives harvested dirty and accessed state. Optional.
	Notifier Notifier

	// Flusher invalidates translation caches. Optional.
	Flusher Flusher

	// Slots resolve guest frames for Fault and host virtual ranges for
	// the HVA operations. Optional.
	Slots *memslot.Slots

	// Fatal is called on integrity violations. Defaults to DefaultFatal.
	Fatal FatalHandler

	// RootLevel is the level of roots created by Fault. Defaults to 4.
	RootLevel int

	// MaxMappingLevel bounds the leaf level chosen by Fault. Defaults to 2.
	MaxMappingLevel int

	// TimeSlice is how long a range operation may hold the lock before
	// yielding. Defaults to one millisecond.
	TimeSlice time.Duration

	// NeedResched, if set, replaces the time slice check.
	NeedResched func() bool
}

type nopNotifier struct{}

func (nopNotifier) FrameDirty(uint64)    {}
func (nopNotifier) FrameAccessed(uint64) {}

type nopFlusher struct{}

func (nopFlusher) FlushRange(int, uint64, uint64) {}
func (nopFlusher) FlushAll()                      {}

// MMU is the paging structure of one guest.
type MMU struct {
	alloc    Allocator
	notifier Notifier
	flusher  Flusher
	slots    *memslot.Slots
	fatal    FatalHandler

	rootLevel       int
	maxMappingLevel int
	timeSlice       time.Duration
	needResched     func() bool

	// unexpected logs unexpected entry transitions without flooding.
	unexpected log.Logger

	// mu is the structural lock.
	mu sync.Mutex

	// roots is the root registry, in creation order.
	//
	// +checklocks:mu
	roots []*Page

	// rootSnapshot is a copy of roots for lock-free readers.
	rootSnapshot atomic.Pointer[[]*Page]

	// tables maps every live table, roots included, to its page.
	//
	// +checklocks:mu
	tables map[*spte.PTEs]*Page

	// nonRoot is the number of live non-root tables.
	//
	// +checklocks:mu
	nonRoot int

	// stats are updated without the lock.
	stats Stats
}

// New returns an empty MMU.
func New(opts Options) (*MMU, error) {
	if opts.Allocator == nil {
		return nil, fmt.Errorf("an allocator is required")
	}
	m := &MMU{
		alloc:           opts.Allocator,
		notifier:        opts.Notifier,
		flusher:         opts.Flusher,
		slots:           opts.Slots,
		fatal:           opts.Fatal,
		rootLevel:       opts.RootLevel,
		maxMappingLevel: opts.MaxMappingLevel,
		timeSlice:       opts.TimeSlice,
		needResched:     opts.NeedResched,
		unexpected:      log.BasicRateLimitedLogger(time.Second),
		tables:          make(map[*spte.PTEs]*Page),
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	if m.flusher == nil {
		m.flusher = nopFlusher{}
	}
	if m.fatal == nil {
		m.fatal = DefaultFatal
	}
	if m.rootLevel == 0 {
		m.rootLevel = 4
	}
	if m.maxMappingLevel == 0 {
		m.maxMappingLevel = 2
	}
	if m.timeSlice == 0 {
		m.timeSlice = time.Millisecond
	}
	if m.rootLevel < spte.MinLevel+1 || m.rootLevel > spte.MaxLevel {
		return nil, fmt.Errorf("root level %d: %w", m.rootLevel, ErrInvalidRole)
	}
	if m.maxMappingLevel < spte.MinLevel || m.maxMappingLevel >= m.rootLevel {
		return nil, fmt.Errorf("max mapping level %d with root level %d: %w", m.maxMappingLevel, m.rootLevel, ErrInvalidRole)
	}
	empty := []*Page{}
	m.rootSnapshot.Store(&empty)
	return m, nil
}

// RootLevel returns the level of roots created by Fault.
func (m *MMU) RootLevel() int {
	return m.rootLevel
}

// Slots returns the memory slots, which may be nil.
func (m *MMU) Slots() *memslot.Slots {
	return m.slots
}

// Stats returns the counters.
func (m *MMU) Stats() *Stats {
	return &m.stats
}

// PageCount returns the number of live non-root tables.
func (m *MMU) PageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonRoot
}

// Close frees every root. Roots still referenced are logged and freed
// regardless; no operation may be in flight.
func (m *MMU) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.roots) > 0 {
		root := m.roots[0]
		if n := root.rootCount.Load(); n != 0 {
			log.Warningf("Freeing %v with %d references at close", root, n)
			root.rootCount.Store(0)
		}
		m.freeRootLocked(root)
	}
}

// flushRange counts and forwards a ranged flush.
func (m *MMU) flushRange(asid int, start, pages uint64) {
	m.stats.Flushes.Add(1)
	m.flusher.FlushRange(asid, start, pages)
}

// flushAll counts and forwards a full flush.
func (m *MMU) flushAll() {
	m.stats.Flushes.Add(1)
	m.flusher.FlushAll()
}

// violation reports an integrity violation.
func (m *MMU) violation(v *IntegrityViolation) {
	m.stats.IntegrityViolations.Add(1)
	m.fatal(v)
}
