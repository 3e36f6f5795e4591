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

// Package machine runs simulated vCPUs against an MMU.
//
// Each vCPU caches translations in a private TLB, filled by hardware walks
// of its roots. The machine is the MMU's flusher: invalidations reach every
// vCPU's TLB before the MMU releases the structures they translated
// through.
//
// Lock order:
//
//	mmu.MMU internal lock
//	  VCPU.mu
package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"tdp.dev/tdp/pkg/atomicbitops"
	"tdp.dev/tdp/pkg/cleanup"
	"tdp.dev/tdp/pkg/log"
	"tdp.dev/tdp/pkg/tdp/memslot"
	"tdp.dev/tdp/pkg/tdp/mmu"
)

var (
	// ErrRetry is returned by Access when a fault kept asking to be
	// retried after all attempts were used.
	ErrRetry = errors.New("fault not resolved")

	// ErrClosed is returned by Access after Close.
	ErrClosed = errors.New("machine closed")
)

// Config configures a Machine.
type Config struct {
	// VCPUs is the number of vCPUs. Must be positive.
	VCPUs int

	// Slots back guest memory. Required.
	Slots *memslot.Slots

	// Allocator provides table pages. Required.
	Allocator mmu.Allocator

	// Notifier receives harvested dirty and accessed state. Optional.
	Notifier mmu.Notifier

	// RootLevel, MaxMappingLevel, TimeSlice and Fatal are passed to the
	// MMU.
	RootLevel       int
	MaxMappingLevel int
	TimeSlice       time.Duration
	Fatal           mmu.FatalHandler

	// MaxRetries bounds the attempts made by Access. Defaults to 16.
	MaxRetries uint64

	// RetryInterval is the first delay between attempts. Defaults to
	// 10 microseconds.
	RetryInterval time.Duration
}

// Machine is a set of vCPUs sharing one MMU.
type Machine struct {
	mmu   *mmu.MMU
	vcpus []*VCPU

	maxRetries    uint64
	retryInterval time.Duration

	closed atomicbitops.Bool
}

// New creates a machine. Each vCPU holds a reference on the root of every
// address space until Close.
func New(c Config) (*Machine, error) {
	if c.VCPUs <= 0 {
		return nil, fmt.Errorf("invalid vCPU count %d", c.VCPUs)
	}
	if c.Slots == nil {
		return nil, fmt.Errorf("memory slots are required")
	}
	m := &Machine{
		maxRetries:    c.MaxRetries,
		retryInterval: c.RetryInterval,
	}
	if m.maxRetries == 0 {
		m.maxRetries = 16
	}
	if m.retryInterval == 0 {
		m.retryInterval = 10 * time.Microsecond
	}
	var err error
	m.mmu, err = mmu.New(mmu.Options{
		Allocator:       c.Allocator,
		Notifier:        c.Notifier,
		Flusher:         m,
		Slots:           c.Slots,
		Fatal:           c.Fatal,
		RootLevel:       c.RootLevel,
		MaxMappingLevel: c.MaxMappingLevel,
		TimeSlice:       c.TimeSlice,
	})
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(m.mmu.Close)
	defer cu.Clean()

	for id := 0; id < c.VCPUs; id++ {
		v, err := m.newVCPU(id)
		if err != nil {
			return nil, fmt.Errorf("creating vCPU %d: %w", id, err)
		}
		cu.Add(v.release)
		m.vcpus = append(m.vcpus, v)
	}
	cu.Release()
	log.Debugf("Machine created: %d vCPUs, root level %d", c.VCPUs, m.mmu.RootLevel())
	return m, nil
}

// MMU returns the machine's MMU.
func (m *Machine) MMU() *mmu.MMU {
	return m.mmu
}

// VCPUs returns the machine's vCPUs.
func (m *Machine) VCPUs() []*VCPU {
	return m.vcpus
}

// VCPU returns the vCPU with the given id.
func (m *Machine) VCPU(id int) *VCPU {
	return m.vcpus[id]
}

// Close releases every vCPU's roots and then the MMU. Accesses must not
// be in flight. Close is idempotent.
func (m *Machine) Close() {
	if m.closed.Swap(true) {
		return
	}
	for _, v := range m.vcpus {
		v.release()
	}
	m.mmu.Close()
}

// FlushRange implements mmu.Flusher.FlushRange.
func (m *Machine) FlushRange(asid int, start, pages uint64) {
	for _, v := range m.vcpus {
		v.invalidateRange(asid, start, pages)
	}
}

// FlushAll implements mmu.Flusher.FlushAll.
func (m *Machine) FlushAll() {
	for _, v := range m.vcpus {
		v.invalidateAll()
	}
}

func (m *Machine) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInterval
	b.MaxInterval = 100 * m.retryInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, m.maxRetries-1), ctx)
}
