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

package prometheus

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

var (
	faults = &Metric{Name: "faults_total", Type: TypeCounter, Help: "Faults handled.\nAll of them."}
	tables = &Metric{Name: "tables", Type: TypeGauge}
	ratio  = &Metric{Name: "ratio", Help: `A \ ratio.`}
)

func TestNumberString(t *testing.T) {
	for _, tc := range []struct {
		n    Number
		want string
	}{
		{Number{}, "0"},
		{Number{Int: -3}, "-3"},
		{Number{Float: 0.5}, "0.5"},
		{Number{Float: math.Inf(1)}, "+Inf"},
		{Number{Float: math.Inf(-1)}, "-Inf"},
		{Number{Float: math.NaN()}, "NaN"},
	} {
		if got := tc.n.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestWriteParses(t *testing.T) {
	s := &Snapshot{When: time.UnixMilli(1700000000000)}
	s.Add(
		LabeledIntData(faults, map[string]string{"vcpu": "1"}, 7),
		NewIntData(tables, 12),
		LabeledIntData(faults, map[string]string{"vcpu": "0"}, 3),
		NewFloatData(ratio, 0.25),
	)
	var buf bytes.Buffer
	n, err := Write(&buf, ExportOptions{
		CommentHeader:  "tdp metrics\nsecond line",
		ExporterPrefix: "tdp_",
		ExtraLabels:    map[string]string{"sandbox": "a"},
	}, s)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != buf.Len() {
		t.Errorf("Write returned %d, wrote %d bytes", n, buf.Len())
	}
	out := buf.String()
	if !strings.HasPrefix(out, "# tdp metrics\n# second line\n") {
		t.Errorf("missing comment header:\n%s", out)
	}
	if strings.Count(out, "# TYPE tdp_faults_total") != 1 {
		t.Errorf("faults preamble not written exactly once:\n%s", out)
	}

	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(strings.NewReader(out))
	if err != nil {
		t.Fatalf("parsing output: %v\n%s", err, out)
	}
	got := make(map[string]float64)
	for name, f := range families {
		for _, m := range f.GetMetric() {
			key := name
			for _, l := range m.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				got[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[key] = m.GetGauge().GetValue()
			default:
				got[key] = m.GetUntyped().GetValue()
			}
			if m.GetTimestampMs() != 1700000000000 {
				t.Errorf("%s: timestamp %d", key, m.GetTimestampMs())
			}
		}
	}
	want := map[string]float64{
		"tdp_faults_total,sandbox=a,vcpu=0": 3,
		"tdp_faults_total,sandbox=a,vcpu=1": 7,
		"tdp_tables,sandbox=a":              12,
		"tdp_ratio,sandbox=a":               0.25,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed samples differ (-want +got):\n%s", diff)
	}
	if h := families["tdp_faults_total"].GetHelp(); h != faults.Help {
		t.Errorf("help = %q, want %q", h, faults.Help)
	}
	if h := families["tdp_ratio"].GetHelp(); h != ratio.Help {
		t.Errorf("help = %q, want %q", h, ratio.Help)
	}
}

func TestWriteRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []*Data
		opts ExportOptions
	}{
		{
			name: "bad metric name",
			data: []*Data{NewIntData(&Metric{Name: "1bad"}, 1)},
		},
		{
			name: "bad label name",
			data: []*Data{LabeledIntData(tables, map[string]string{"a-b": "x"}, 1)},
		},
		{
			name: "label clashes with extra label",
			data: []*Data{LabeledIntData(tables, map[string]string{"vcpu": "0"}, 1)},
			opts: ExportOptions{ExtraLabels: map[string]string{"vcpu": "1"}},
		},
		{
			name: "duplicate sample",
			data: []*Data{NewIntData(tables, 1), NewIntData(tables, 2)},
		},
		{
			name: "conflicting metadata",
			data: []*Data{NewIntData(tables, 1), NewIntData(&Metric{Name: "tables", Type: TypeCounter}, 2)},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := Write(&buf, tc.opts, NewSnapshot().Add(tc.data...)); err == nil {
				t.Errorf("Write succeeded:\n%s", buf.String())
			}
		})
	}
}
