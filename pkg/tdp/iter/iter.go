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

// Package iter implements a restartable pre-order walk over a paging
// structure.
//
// The iterator takes no locks. Callers that modify the structure while
// walking must hold whatever lock serializes structural changes, and must
// call Refresh after dropping and reacquiring it: cached table pointers may
// refer to tables that have been freed in the meantime.
package iter

import (
	"tdp.dev/tdp/pkg/tdp/spte"
)

// Resolver maps a table frame to the table it names.
type Resolver interface {
	// LookupPTEs returns the table backing the given frame.
	LookupPTEs(frame uint64) *spte.PTEs
}

// Iterator walks the entries overlapping [start, end) in ascending guest
// frame order, visiting every parent before its children.
//
// Typical use:
//
//	for it.Start(r, root, level, spte.MinLevel, start, end); it.Valid(); it.Next() {
//		...
//	}
type Iterator struct {
	r         Resolver
	rootLevel int
	minLevel  int
	end       uint64

	// tables holds the table currently being walked at each level.
	tables [spte.MaxLevel + 1]*spte.PTEs

	// nextGFN is the lowest frame that has not been fully visited at the
	// last level. Restarts begin here.
	nextGFN uint64

	// yieldedGFN is nextGFN at the time of the last (re)start.
	yieldedGFN uint64

	// PTE is the current entry.
	PTE *spte.PTE

	// GFN is the first guest frame covered by PTE.
	GFN uint64

	// Level is the level of the table containing PTE.
	Level int

	// Old is the value of PTE when it was last read.
	Old spte.SPTE

	valid bool

	// skip suppresses the next descent.
	skip bool

	// restarted suppresses the next step after a Refresh, so that the loop
	// revisits the entry the restart landed on.
	restarted bool
}

// Start positions the iterator on the root entry covering start.
//
// Precondition: minLevel <= rootLevel <= spte.MaxLevel.
func (it *Iterator) Start(r Resolver, root *spte.PTEs, rootLevel, minLevel int, start, end uint64) {
	*it = Iterator{
		r:         r,
		rootLevel: rootLevel,
		minLevel:  minLevel,
		end:       end,
		nextGFN:   start,
	}
	it.tables[rootLevel] = root
	it.restart()
	it.restarted = false
}

// Valid returns true iff the iterator is positioned on an entry inside the
// walked range.
func (it *Iterator) Valid() bool {
	return it.valid && it.GFN < it.end
}

// Table returns the table containing the current entry.
func (it *Iterator) Table() *spte.PTEs {
	return it.tables[it.Level]
}

// Index returns the index of the current entry within Table.
func (it *Iterator) Index() int {
	return spte.IndexAt(it.GFN, it.Level)
}

// Reread loads the current entry again, returning the new value.
func (it *Iterator) Reread() spte.SPTE {
	it.Old = it.PTE.Load()
	return it.Old
}

// SkipChildren prevents the next call to Next from descending below the
// current entry.
func (it *Iterator) SkipChildren() {
	it.skip = true
}

// Progressed returns true iff the walk has moved past the point of the last
// (re)start. Restarting without progress could livelock.
func (it *Iterator) Progressed() bool {
	return it.nextGFN != it.yieldedGFN
}

// Refresh restarts the walk from the root at the first frame not yet fully
// visited. The following call to Next does not advance, so a loop that
// refreshes and continues processes the entry the restart landed on.
func (it *Iterator) Refresh() {
	if it.GFN > it.nextGFN {
		it.nextGFN = it.GFN
	}
	it.restart()
}

// Next advances to the next entry in pre-order.
func (it *Iterator) Next() {
	if it.restarted {
		it.restarted = false
		return
	}
	if it.skip {
		it.skip = false
	} else if it.stepDown() {
		return
	}
	for {
		if it.stepSide() {
			return
		}
		if !it.stepUp() {
			break
		}
	}
	it.valid = false
}

func (it *Iterator) restart() {
	it.yieldedGFN = it.nextGFN
	it.Level = it.rootLevel
	it.GFN = spte.AlignDown(it.nextGFN, it.Level)
	it.skip = false
	it.restarted = true
	if it.GFN >= spte.RootCoverage(it.rootLevel) {
		it.valid = false
		return
	}
	it.load()
	it.valid = true
}

func (it *Iterator) load() {
	it.PTE = &it.tables[it.Level][spte.IndexAt(it.GFN, it.Level)]
	it.Old = it.PTE.Load()
}

func (it *Iterator) stepDown() bool {
	if it.Level == it.minLevel {
		return false
	}
	// The entry may have been changed by the caller since it was yielded.
	old := it.Reread()
	if !old.IsPresent() || old.IsLeaf(it.Level) {
		return false
	}
	child := it.r.LookupPTEs(old.Frame())
	if child == nil {
		return false
	}
	it.Level--
	it.tables[it.Level] = child
	it.GFN = spte.AlignDown(it.nextGFN, it.Level)
	it.load()
	return true
}

func (it *Iterator) stepSide() bool {
	if spte.IndexAt(it.GFN, it.Level) == spte.EntriesPerPage-1 {
		return false
	}
	it.GFN += spte.PagesPerLevel(it.Level)
	it.nextGFN = it.GFN
	it.load()
	return true
}

func (it *Iterator) stepUp() bool {
	if it.Level == it.rootLevel {
		return false
	}
	it.Level++
	it.GFN = spte.AlignDown(it.GFN, it.Level)
	it.load()
	return true
}
