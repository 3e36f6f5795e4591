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
	"unsafe"

	"tdp.dev/tdp/pkg/tdp/spte"
)

// arenaAddr returns the address of the first byte of the arena.
func arenaAddr(arena []byte) uintptr {
	return uintptr(unsafe.Pointer(&arena[0]))
}

// ptesAt returns the table stored in page idx of the arena.
func (m *MmapAllocator) ptesAt(idx uint32) *spte.PTEs {
	return (*spte.PTEs)(unsafe.Pointer(&m.arena[uintptr(idx)*spte.PageSize]))
}

// indexOf returns the arena page holding ptes.
func (m *MmapAllocator) indexOf(ptes *spte.PTEs) (uint32, bool) {
	addr := uintptr(unsafe.Pointer(ptes))
	base := arenaAddr(m.arena)
	if addr < base || addr >= base+uintptr(len(m.arena)) {
		return 0, false
	}
	return uint32((addr - base) / spte.PageSize), true
}
