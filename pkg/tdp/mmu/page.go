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

	"tdp.dev/tdp/pkg/atomicbitops"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// Address spaces.
const (
	// ASNormal is the normal guest address space.
	ASNormal = 0

	// ASSMM is the system management mode address space.
	ASSMM = 1
)

// Role is the immutable identity of a table. Tables of different roles
// never share entries, and at most one root exists per role.
type Role struct {
	// Level is the level of the table.
	Level int

	// ASID is the address space the table translates.
	ASID int

	// Root is true for roots.
	Root bool
}

// String implements fmt.Stringer.
func (r Role) String() string {
	kind := "table"
	if r.Root {
		kind = "root"
	}
	return fmt.Sprintf("%s(level=%d as=%d)", kind, r.Level, r.ASID)
}

// Page is one table of the paging structure.
type Page struct {
	// Role is fixed at creation.
	Role Role

	// GFN is the first guest frame mapped by the table.
	GFN uint64

	// PTEs is the table itself. It is exclusively owned by the entry that
	// points to it, or by the registry for roots.
	PTEs *spte.PTEs

	// Frame names the table in non-leaf entries.
	Frame uint64

	// rootCount is the number of holders of a root.
	rootCount atomicbitops.Int32

	// present is the number of present entries in PTEs.
	//
	// +checklocks:MMU.mu
	present int

	// freed is set once the page has been returned to the allocator.
	//
	// +checklocks:MMU.mu
	freed bool
}

// RootCount returns the number of holders of a root. It may be stale.
func (p *Page) RootCount() int32 {
	return p.rootCount.Load()
}

// Coverage returns the number of guest frames mapped by the table.
func (p *Page) Coverage() uint64 {
	return spte.PagesPerLevel(p.Role.Level) * spte.EntriesPerPage
}

// String implements fmt.Stringer.
func (p *Page) String() string {
	return fmt.Sprintf("%v gfn=%#x frame=%#x", p.Role, p.GFN, p.Frame)
}
