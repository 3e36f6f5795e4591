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

// Package hostmm receives dirty and accessed notifications for host frames
// from the paging-structure manager.
package hostmm

import (
	"tdp.dev/tdp/pkg/bitmap"
	"tdp.dev/tdp/pkg/log"
	"tdp.dev/tdp/pkg/sync"
)

// FrameLog records host frames reported dirty or accessed until they are
// collected.
//
// FrameLog is safe for concurrent use.
type FrameLog struct {
	mu sync.Mutex

	dirty    bitmap.Bitmap
	accessed bitmap.Bitmap

	// dropped counts notifications for frames beyond the bitmap range.
	dropped uint64
}

// NewFrameLog returns a log pre-sized for frames below limit. Frames above
// limit are accepted and grow the log.
func NewFrameLog(limit uint32) *FrameLog {
	return &FrameLog{
		dirty:    bitmap.New(limit),
		accessed: bitmap.New(limit),
	}
}

func (f *FrameLog) mark(b *bitmap.Bitmap, pfn uint64, what string) {
	if pfn >= uint64(bitmap.MaxBitEntryLimit) {
		f.dropped++
		log.Warningf("Dropping %s notification for frame %#x beyond log range", what, pfn)
		return
	}
	b.Add(uint32(pfn))
}

// FrameDirty records that pfn was written.
func (f *FrameLog) FrameDirty(pfn uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark(&f.dirty, pfn, "dirty")
}

// FrameAccessed records that pfn was accessed.
func (f *FrameLog) FrameAccessed(pfn uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark(&f.accessed, pfn, "accessed")
}

// IsDirty returns true iff pfn was reported dirty since the last collection.
func (f *FrameLog) IsDirty(pfn uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pfn < uint64(bitmap.MaxBitEntryLimit) && f.dirty.Contains(uint32(pfn))
}

// IsAccessed returns true iff pfn was reported accessed since the last
// collection.
func (f *FrameLog) IsAccessed(pfn uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pfn < uint64(bitmap.MaxBitEntryLimit) && f.accessed.Contains(uint32(pfn))
}

// Counts returns the number of distinct dirty and accessed frames recorded.
func (f *FrameLog) Counts() (dirty, accessed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.dirty.GetNumOnes()), int(f.accessed.GetNumOnes())
}

// Dropped returns the number of notifications that could not be recorded.
func (f *FrameLog) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func take(b *bitmap.Bitmap) []uint64 {
	var pfns []uint64
	for _, i := range b.ToSlice() {
		pfns = append(pfns, uint64(i))
	}
	b.Reset()
	return pfns
}

// CollectDirty returns the dirty frames in ascending order and clears them.
func (f *FrameLog) CollectDirty() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return take(&f.dirty)
}

// CollectAccessed returns the accessed frames in ascending order and clears
// them.
func (f *FrameLog) CollectAccessed() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return take(&f.accessed)
}
