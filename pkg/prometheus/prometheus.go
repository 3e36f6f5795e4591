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

// Package prometheus writes metric snapshots in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// String returns the type as written in TYPE comments.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return "untyped"
	}
}

var (
	nameRE  = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
	labelRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name, without the exporter prefix.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// Number is a metric value. Counters are integers; other values may be
// floats. Prometheus stores both as float64.
type Number struct {
	// Float is the float value of this number.
	// Mutually exclusive with Int.
	Float float64 `json:"float,omitempty"`

	// Int is the integer value of this number.
	// Mutually exclusive with Float.
	Int int64 `json:"int,omitempty"`
}

// String returns the number as written in a sample line.
func (n *Number) String() string {
	switch {
	case n.Float == 0:
		return strconv.FormatInt(n.Int, 10)
	case math.IsInf(n.Float, 1):
		return "+Inf"
	case math.IsInf(n.Float, -1):
		return "-Inf"
	case math.IsNaN(n.Float):
		return "NaN"
	default:
		return strconv.FormatFloat(n.Float, 'g', -1, 64)
	}
}

// Data is an observation of the value of a single metric at a certain point in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	// This may be merged with other labels during export.
	Labels map[string]string `json:"labels,omitempty"`

	// Number is the value.
	Number Number `json:"val"`
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Number: Number{Int: val}}
}

// LabeledIntData returns a new Data struct with the given metric, labels, and value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: Number{Int: val}}
}

// NewFloatData returns a new Data struct with the given metric and value.
func NewFloatData(metric *Metric, val float64) *Data {
	return &Data{Metric: metric, Number: Number{Float: val}}
}

// Snapshot is a snapshot of the values of all the metrics at a certain point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	// Note that Prometheus ultimately encodes timestamps as millisecond-precision int64s from epoch.
	When time.Time `json:"when,omitempty"`

	// Data is the whole snapshot data.
	// Each Data must be a unique combination of (Metric, Labels) within a Snapshot.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// ExportOptions control how a snapshot is written.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is exported.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels is added as labels for all metric values.
	ExtraLabels map[string]string
}

// orderedLabels returns 'key="value"' pairs of every map in sorted order.
func orderedLabels(labels ...map[string]string) ([]string, error) {
	seen := make(map[string]struct{})
	var pairs []string
	for _, m := range labels {
		for k, v := range m {
			if !labelRE.MatchString(k) {
				return nil, fmt.Errorf("invalid label name %q", k)
			}
			if _, ok := seen[k]; ok {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = struct{}{}
			pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
		}
	}
	sort.Strings(pairs)
	return pairs, nil
}

// escapeHelp applies the HELP escaping rules: only backslashes and line
// breaks are escaped.
func escapeHelp(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "\n", `\n`)
}

// countingWriter implements io.Writer, and counts the number of bytes written to it.
type countingWriter struct {
	w       *bufio.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	written, err := w.w.Write(b)
	w.written += written
	return written, err
}

// Written returns the number of bytes written to the underlying writer (minus buffered writes).
func (w *countingWriter) Written() int {
	return w.written - w.w.Buffered()
}

// Write writes the snapshot to w and returns the number of bytes written.
// Samples of the same metric are written together under a single HELP and
// TYPE preamble, with metrics in name order.
func Write(w io.Writer, options ExportOptions, s *Snapshot) (int, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(cw, "# %s\n", line); err != nil {
				return cw.Written(), err
			}
		}
	}

	byName := make(map[string][]*Data)
	metrics := make(map[string]*Metric)
	var names []string
	for _, d := range s.Data {
		name := options.ExporterPrefix + d.Metric.Name
		if !nameRE.MatchString(name) {
			return cw.Written(), fmt.Errorf("invalid metric name %q", name)
		}
		if m, ok := metrics[name]; ok && *m != *d.Metric {
			return cw.Written(), fmt.Errorf("conflicting definitions of metric %q", name)
		}
		if _, ok := byName[name]; !ok {
			names = append(names, name)
			metrics[name] = d.Metric
		}
		byName[name] = append(byName[name], d)
	}
	sort.Strings(names)

	when := s.When.UnixMilli()
	for _, name := range names {
		m := metrics[name]
		if m.Help != "" {
			if _, err := fmt.Fprintf(cw, "# HELP %s %s\n", name, escapeHelp(m.Help)); err != nil {
				return cw.Written(), err
			}
		}
		if _, err := fmt.Fprintf(cw, "# TYPE %s %s\n", name, m.Type); err != nil {
			return cw.Written(), err
		}
		seen := make(map[string]struct{})
		for _, d := range byName[name] {
			pairs, err := orderedLabels(d.Labels, options.ExtraLabels)
			if err != nil {
				return cw.Written(), fmt.Errorf("metric %q: %w", name, err)
			}
			labels := ""
			if len(pairs) > 0 {
				labels = "{" + strings.Join(pairs, ",") + "}"
			}
			if _, ok := seen[labels]; ok {
				return cw.Written(), fmt.Errorf("metric %q: duplicate sample %s", name, labels)
			}
			seen[labels] = struct{}{}
			if _, err := fmt.Fprintf(cw, "%s%s %s %d\n", name, labels, d.Number.String(), when); err != nil {
				return cw.Written(), err
			}
		}
	}
	if err := cw.w.Flush(); err != nil {
		return cw.Written(), err
	}
	return cw.Written(), nil
}
