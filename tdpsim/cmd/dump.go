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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"tdp.dev/tdp/pkg/log"
	"tdp.dev/tdp/pkg/tdp/mmu"
	"tdp.dev/tdp/tdpsim/config"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	prefault bool
	out      io.Writer
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "populate the paging structures and print their mappings"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [-prefault] - run the configured workload, or prefault every slot, then print every mapping.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.prefault, "prefault", false, "prefault every frame of every slot instead of running the workload.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := d.out
	if out == nil {
		out = os.Stdout
	}

	s, err := newSim(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.release()
	if d.prefault {
		if err := s.prefaultAll(); err != nil {
			return Errorf("prefaulting: %v", err)
		}
	} else if _, err := s.runWorkload(ctx); err != nil {
		return Errorf("running workload: %v", err)
	}
	s.dump(out)
	return subcommands.ExitSuccess
}

// prefaultAll speculatively maps every frame of every slot, one leaf at a
// time.
func (s *sim) prefaultAll() error {
	m := s.machine.MMU()
	for _, t := range targets(m.Slots()) {
		if t.mmio {
			continue
		}
		for gfn := t.start; gfn < t.end; gfn++ {
			res, err := m.Prefault(t.asid, gfn)
			if err != nil {
				return fmt.Errorf("gfn %#x in address space %d: %w", gfn, t.asid, err)
			}
			if res == mmu.Retry {
				return fmt.Errorf("gfn %#x in address space %d: %v", gfn, t.asid, res)
			}
		}
	}
	log.Infof("Prefaulted every slot: %d tables", m.PageCount())
	return nil
}

// dump prints every mapping of every root.
func (s *sim) dump(w io.Writer) {
	m := s.machine.MMU()
	for _, root := range m.Roots() {
		fmt.Fprintf(w, "%v\n", root)
		for _, mp := range m.Mappings(root, 0, root.Coverage()) {
			fmt.Fprintf(w, "  gfn %#012x level %d %v\n", mp.GFN, mp.Level, mp.SPTE)
		}
	}
	fmt.Fprintf(w, "tables: %d\n", m.PageCount())
}
