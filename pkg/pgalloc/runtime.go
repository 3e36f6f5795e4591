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

package pgalloc

import (
	"fmt"

	"tdp.dev/tdp/pkg/sync"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// runtimeBaseFrame is the first synthetic frame handed out. It keeps table
// frames visually distinct from guest frames in dumps.
const runtimeBaseFrame = 0x100000

// RuntimeAllocator allocates tables on the Go heap and names them with
// synthetic frame numbers.
//
// Freed tables are held until Recycle, at which point they become
// available for reuse.
type RuntimeAllocator struct {
	mu sync.Mutex

	// maxPages bounds the number of tables in use. Zero means no limit.
	maxPages int

	// nextFrame is the next unused frame.
	nextFrame uint64

	byFrame map[uint64]*spte.PTEs
	frames  map[*spte.PTEs]uint64

	// pool holds tables available for reuse.
	pool []*spte.PTEs

	// freed holds tables freed since the last Recycle.
	freed []*spte.PTEs

	allocated uint64
	released  uint64
}

// NewRuntimeAllocator returns an allocator limited to maxPages tables in
// use at once, or unlimited if maxPages is zero.
func NewRuntimeAllocator(maxPages int) *RuntimeAllocator {
	return &RuntimeAllocator{
		maxPages:  maxPages,
		nextFrame: runtimeBaseFrame,
		byFrame:   make(map[uint64]*spte.PTEs),
		frames:    make(map[*spte.PTEs]uint64),
	}
}

// SetLimit changes the limit on tables in use.
func (r *RuntimeAllocator) SetLimit(maxPages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxPages = maxPages
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (*spte.PTEs, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxPages > 0 && len(r.byFrame) >= r.maxPages {
		return nil, 0, fmt.Errorf("%d tables in use: %w", len(r.byFrame), ErrExhausted)
	}

	var ptes *spte.PTEs
	if n := len(r.pool); n > 0 {
		ptes = r.pool[n-1]
		r.pool = r.pool[:n-1]
		ptes.Clear()
	} else {
		ptes = new(spte.PTEs)
	}
	frame := r.nextFrame
	r.nextFrame++
	r.byFrame[frame] = ptes
	r.frames[ptes] = frame
	r.allocated++
	return ptes, frame, nil
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(frame uint64) *spte.PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byFrame[frame]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *spte.PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame, ok := r.frames[ptes]
	if !ok {
		panic(fmt.Sprintf("freeing unknown table %p", ptes))
	}
	delete(r.frames, ptes)
	delete(r.byFrame, frame)
	r.freed = append(r.freed, ptes)
	r.released++
}

// Recycle makes tables freed so far available for reuse.
func (r *RuntimeAllocator) Recycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = append(r.pool, r.freed...)
	r.freed = r.freed[:0]
}

// Drain drops every pooled and freed table.
func (r *RuntimeAllocator) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = nil
	r.freed = nil
}

// Stats implements Allocator.Stats.
func (r *RuntimeAllocator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		InUse:     len(r.byFrame),
		Allocated: r.allocated,
		Freed:     r.released,
	}
}
