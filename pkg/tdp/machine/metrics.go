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

package machine

import (
	"strconv"

	"tdp.dev/tdp/pkg/prometheus"
)

var (
	tablesMetric = &prometheus.Metric{
		Name: "mmu_tables",
		Type: prometheus.TypeGauge,
		Help: "Live non-root tables.",
	}
	rootsMetric = &prometheus.Metric{
		Name: "mmu_roots",
		Type: prometheus.TypeGauge,
		Help: "Registered roots.",
	}
	tlbMetric = &prometheus.Metric{
		Name: "vcpu_tlb_entries",
		Type: prometheus.TypeGauge,
		Help: "Cached translations.",
	}
	vcpuMetrics = []struct {
		metric *prometheus.Metric
		value  func(*VCPUStats) uint64
	}{
		{&prometheus.Metric{Name: "vcpu_tlb_hits_total", Type: prometheus.TypeCounter, Help: "Accesses translated by the TLB."}, func(s *VCPUStats) uint64 { return s.Hits.Load() }},
		{&prometheus.Metric{Name: "vcpu_walks_total", Type: prometheus.TypeCounter, Help: "Hardware walks."}, func(s *VCPUStats) uint64 { return s.Walks.Load() }},
		{&prometheus.Metric{Name: "vcpu_faults_total", Type: prometheus.TypeCounter, Help: "Faults taken."}, func(s *VCPUStats) uint64 { return s.Faults.Load() }},
		{&prometheus.Metric{Name: "vcpu_emulated_total", Type: prometheus.TypeCounter, Help: "Accesses needing emulation."}, func(s *VCPUStats) uint64 { return s.Emulated.Load() }},
		{&prometheus.Metric{Name: "vcpu_invalidations_total", Type: prometheus.TypeCounter, Help: "TLB invalidations received."}, func(s *VCPUStats) uint64 { return s.Invalidations.Load() }},
	}
)

// Snapshot returns the current MMU and vCPU counters.
func (m *Machine) Snapshot() *prometheus.Snapshot {
	s := prometheus.NewSnapshot()
	for _, f := range m.mmu.Stats().Fields() {
		s.Add(prometheus.NewIntData(&prometheus.Metric{
			Name: "mmu_" + f.Name + "_total",
			Type: prometheus.TypeCounter,
			Help: f.Help,
		}, int64(f.Value)))
	}
	s.Add(
		prometheus.NewIntData(tablesMetric, int64(m.mmu.PageCount())),
		prometheus.NewIntData(rootsMetric, int64(len(m.mmu.Roots()))),
	)
	for _, v := range m.vcpus {
		labels := map[string]string{"vcpu": strconv.Itoa(v.ID)}
		for _, vm := range vcpuMetrics {
			s.Add(prometheus.LabeledIntData(vm.metric, labels, int64(vm.value(&v.Stats))))
		}
		s.Add(prometheus.LabeledIntData(tlbMetric, labels, int64(v.TLBSize())))
	}
	return s
}
