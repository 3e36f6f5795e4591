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
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"tdp.dev/tdp/pkg/log"
	"tdp.dev/tdp/pkg/pgalloc"
	"tdp.dev/tdp/pkg/tdp/machine"
	"tdp.dev/tdp/pkg/tdp/memslot"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// summary totals the outcome of a workload.
type summary struct {
	Accesses int
	Outcomes map[machine.Outcome]int
	Faults   int
	Zaps     int
	Ages     int
	Dirty    int
	Accessed int
	Elapsed  time.Duration
}

// target is a frame range accesses are drawn from.
type target struct {
	asid       int
	start, end uint64
	mmio       bool
}

// targets returns the frame ranges of every slot, and one MMIO range per
// address space just above its highest slot.
func targets(s *memslot.Slots) []target {
	var ts []target
	for asid := 0; asid < memslot.NumAddressSpaces; asid++ {
		top := uint64(0)
		for _, slot := range s.All(asid) {
			ts = append(ts, target{asid: asid, start: slot.BaseGFN, end: slot.EndGFN()})
			top = max(top, slot.EndGFN())
		}
		ts = append(ts, target{asid: asid, start: top, end: top + 16, mmio: true})
	}
	return ts
}

// runWorkload drives every vCPU through conf.Accesses random accesses while
// a background goroutine zaps and ages ranges at the configured cadence.
func (s *sim) runWorkload(ctx context.Context) (summary, error) {
	conf := s.conf
	ts := targets(s.machine.MMU().Slots())
	var mem, mmio []target
	for _, t := range ts {
		if t.mmio {
			mmio = append(mmio, t)
		} else {
			mem = append(mem, t)
		}
	}
	if len(mem) == 0 {
		return summary{}, fmt.Errorf("no memory slots")
	}

	begin := time.Now()
	results := make([]summary, conf.VCPUs)
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range s.machine.VCPUs() {
		v := v
		g.Go(func() error {
			rng := rand.New(rand.NewSource(conf.Seed + int64(v.ID)))
			res := &results[v.ID]
			res.Outcomes = make(map[machine.Outcome]int)
			for i := 0; i < conf.Accesses; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				t := mem[rng.Intn(len(mem))]
				if rng.Intn(100) < conf.MMIOPercent {
					t = mmio[rng.Intn(len(mmio))]
				}
				gfn := t.start + uint64(rng.Int63n(int64(t.end-t.start)))
				gpa := gfn<<spte.PageShift | uint64(rng.Intn(spte.PageSize))
				write := rng.Intn(100) < conf.WritePercent
				a, err := v.Access(gctx, t.asid, gpa, write)
				if err != nil {
					return err
				}
				res.Accesses++
				res.Faults += a.Faults
				res.Outcomes[a.Outcome]++
			}
			return nil
		})
	}

	done := make(chan struct{})
	var bg summary
	var bgErr error
	bgDone := make(chan struct{})
	go func() {
		defer close(bgDone)
		bg, bgErr = s.background(gctx, done, mem)
	}()
	err := g.Wait()
	close(done)
	<-bgDone
	// Freed tables may be reused once no walk is in flight.
	if ra, ok := s.alloc.(*pgalloc.RuntimeAllocator); ok {
		ra.Recycle()
	}
	if err != nil {
		return summary{}, err
	}
	if bgErr != nil {
		return summary{}, bgErr
	}

	total := bg
	total.Outcomes = make(map[machine.Outcome]int)
	for _, r := range results {
		total.Accesses += r.Accesses
		total.Faults += r.Faults
		for o, n := range r.Outcomes {
			total.Outcomes[o] += n
		}
	}
	total.Dirty = len(s.frames.CollectDirty())
	total.Accessed = len(s.frames.CollectAccessed())
	total.Elapsed = time.Since(begin)
	log.Infof("Workload done: %d accesses, %d faults, %d zaps, %d aging passes in %v", total.Accesses, total.Faults, total.Zaps, total.Ages, total.Elapsed)
	return total, nil
}

// background zaps and ages slot ranges until done is closed.
func (s *sim) background(ctx context.Context, done <-chan struct{}, mem []target) (summary, error) {
	var res summary
	if s.conf.ZapInterval == 0 && s.conf.AgeInterval == 0 {
		return res, nil
	}
	rng := rand.New(rand.NewSource(s.conf.Seed - 1))
	var zapC, ageC <-chan time.Time
	if s.conf.ZapInterval > 0 {
		t := time.NewTicker(s.conf.ZapInterval)
		defer t.Stop()
		zapC = t.C
	}
	if s.conf.AgeInterval > 0 {
		t := time.NewTicker(s.conf.AgeInterval)
		defer t.Stop()
		ageC = t.C
	}
	m := s.machine.MMU()
	for {
		select {
		case <-done:
			return res, nil
		case <-ctx.Done():
			return res, nil
		case <-zapC:
			// Zap one large page worth of a random slot.
			t := mem[rng.Intn(len(mem))]
			size := spte.PagesPerLevel(s.conf.MaxMappingLevel)
			start := spte.AlignDown(t.start+uint64(rng.Int63n(int64(t.end-t.start))), s.conf.MaxMappingLevel)
			if _, err := m.ZapGFNRange(start, start+size); err != nil {
				return res, fmt.Errorf("zapping [%#x, %#x): %w", start, start+size, err)
			}
			res.Zaps++
		case <-ageC:
			t := mem[rng.Intn(len(mem))]
			if _, err := m.AgeGFNRange(t.start, t.end); err != nil {
				return res, fmt.Errorf("aging [%#x, %#x): %w", t.start, t.end, err)
			}
			if _, err := m.ClearDirtyGFNRange(t.start, t.end); err != nil {
				return res, fmt.Errorf("clearing dirty [%#x, %#x): %w", t.start, t.end, err)
			}
			res.Ages++
		}
	}
}
