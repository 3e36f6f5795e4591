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
	"tdp.dev/tdp/pkg/prometheus"
	"tdp.dev/tdp/tdpsim/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	exporterPrefix string
	out            io.Writer
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run the workload and print MMU metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-exporter-prefix=<tdp_>] - runs the configured workload and prints metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", "tdp_", "Prefix for all metric names, following Prometheus exporter convention")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := m.out
	if out == nil {
		out = os.Stdout
	}

	s, err := newSim(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer s.release()
	if _, err := s.runWorkload(ctx); err != nil {
		return Errorf("running workload: %v", err)
	}

	written, err := prometheus.Write(out, prometheus.ExportOptions{
		CommentHeader:  fmt.Sprintf("tdpsim workload: %d vCPUs, seed %d", conf.VCPUs, conf.Seed),
		ExporterPrefix: m.exporterPrefix,
	}, s.machine.Snapshot())
	if err != nil {
		return Errorf("writing metrics: %v", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data", written)
	return subcommands.ExitSuccess
}
