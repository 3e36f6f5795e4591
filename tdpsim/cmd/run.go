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
	"sort"

	"github.com/google/subcommands"
	"tdp.dev/tdp/pkg/tdp/machine"
	"tdp.dev/tdp/tdpsim/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a concurrent fault, zap and aging workload"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run - run the configured workload and print a summary.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Run) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := r.out
	if out == nil {
		out = os.Stdout
	}

	s, err := newSim(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.release()
	sum, err := s.runWorkload(ctx)
	if err != nil {
		return Errorf("running workload: %v", err)
	}
	printSummary(out, sum)
	return subcommands.ExitSuccess
}

func printSummary(w io.Writer, sum summary) {
	fmt.Fprintf(w, "accesses: %d in %v\n", sum.Accesses, sum.Elapsed)
	outcomes := make([]machine.Outcome, 0, len(sum.Outcomes))
	for o := range sum.Outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i] < outcomes[j] })
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-8s %d\n", o.String()+":", sum.Outcomes[o])
	}
	fmt.Fprintf(w, "faults: %d\n", sum.Faults)
	fmt.Fprintf(w, "zaps: %d\n", sum.Zaps)
	fmt.Fprintf(w, "aging passes: %d\n", sum.Ages)
	fmt.Fprintf(w, "frames dirtied: %d\n", sum.Dirty)
	fmt.Fprintf(w, "frames accessed: %d\n", sum.Accessed)
}
