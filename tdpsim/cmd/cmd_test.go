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
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"github.com/prometheus/common/expfmt"
	"tdp.dev/tdp/pkg/tdp/machine"
	"tdp.dev/tdp/tdpsim/config"
)

func testConfig(t *testing.T, flags map[string]string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	for name, val := range map[string]string{
		"vcpus":        "2",
		"accesses":     "500",
		"zap-interval": "100us",
		"age-interval": "200us",
	} {
		fs.Set(name, val)
	}
	for name, val := range flags {
		if err := fs.Set(name, val); err != nil {
			t.Fatalf("Flag set %s: %v", name, err)
		}
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func TestWorkload(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
	}{
		{name: "runtime"},
		{name: "mmap", flags: map[string]string{"allocator": "mmap", "max-tables": "256"}},
		{name: "small pages", flags: map[string]string{"max-mapping-level": "1", "root-level": "5"}},
		{name: "no background", flags: map[string]string{"zap-interval": "0", "age-interval": "0"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := testConfig(t, tc.flags)
			s, err := newSim(conf)
			if err != nil {
				t.Fatalf("newSim: %v", err)
			}
			defer s.release()
			sum, err := s.runWorkload(context.Background())
			if err != nil {
				t.Fatalf("runWorkload: %v", err)
			}
			if want := conf.VCPUs * conf.Accesses; sum.Accesses != want {
				t.Errorf("%d accesses, want %d", sum.Accesses, want)
			}
			n := 0
			for _, c := range sum.Outcomes {
				n += c
			}
			if n != sum.Accesses {
				t.Errorf("outcomes %v do not add up to %d", sum.Outcomes, sum.Accesses)
			}
			if sum.Outcomes[machine.Faulted] == 0 {
				t.Errorf("no faults in %v", sum.Outcomes)
			}
			if got := s.machine.MMU().Stats().IntegrityViolations.Load(); got != 0 {
				t.Errorf("%d integrity violations", got)
			}
		})
	}
}

func TestWorkloadDeterministicWithoutBackground(t *testing.T) {
	flags := map[string]string{"zap-interval": "0", "age-interval": "0", "vcpus": "1"}
	var outcomes []map[machine.Outcome]int
	for i := 0; i < 2; i++ {
		s, err := newSim(testConfig(t, flags))
		if err != nil {
			t.Fatalf("newSim: %v", err)
		}
		sum, err := s.runWorkload(context.Background())
		s.release()
		if err != nil {
			t.Fatalf("runWorkload: %v", err)
		}
		outcomes = append(outcomes, sum.Outcomes)
	}
	for o, n := range outcomes[0] {
		if outcomes[1][o] != n {
			t.Errorf("runs differ: %v vs %v", outcomes[0], outcomes[1])
			break
		}
	}
}

func TestWorkloadCancelled(t *testing.T) {
	s, err := newSim(testConfig(t, nil))
	if err != nil {
		t.Fatalf("newSim: %v", err)
	}
	defer s.release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.runWorkload(ctx); err == nil {
		t.Errorf("cancelled workload succeeded")
	}
}

func TestDumpPrefault(t *testing.T) {
	conf := testConfig(t, nil)
	var out bytes.Buffer
	d := &Dump{prefault: true, out: &out}
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	if got := d.Execute(context.Background(), fs, conf); got != subcommands.ExitSuccess {
		t.Fatalf("Execute = %v", got)
	}
	text := out.String()
	// The default RAM slot maps entirely with 2M leaves.
	if got := strings.Count(text, "level 2 "); got != 32 {
		t.Errorf("%d large mappings, want 32:\n%s", got, text)
	}
	if !strings.Contains(text, "tables: ") {
		t.Errorf("missing table count:\n%s", text)
	}
}

func TestMetricsCommand(t *testing.T) {
	conf := testConfig(t, nil)
	var out bytes.Buffer
	m := &Metrics{exporterPrefix: "sim_", out: &out}
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	if got := m.Execute(context.Background(), fs, conf); got != subcommands.ExitSuccess {
		t.Fatalf("Execute = %v", got)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&out)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	f, ok := families["sim_mmu_faults_total"]
	if !ok {
		t.Fatalf("sim_mmu_faults_total missing from %v", families)
	}
	if f.GetMetric()[0].GetCounter().GetValue() == 0 {
		t.Errorf("no faults counted")
	}
	if got := len(families["sim_vcpu_faults_total"].GetMetric()); got != conf.VCPUs {
		t.Errorf("%d vCPU samples, want %d", got, conf.VCPUs)
	}
}

func TestRunRejectsArguments(t *testing.T) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.Usage = func() {}
	fs.Parse([]string{"extra"})
	if got := new(Run).Execute(context.Background(), fs, testConfig(t, nil)); got != subcommands.ExitUsageError {
		t.Errorf("Execute = %v, want usage error", got)
	}
}
