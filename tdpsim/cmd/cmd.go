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

// Package cmd holds implementations of the tdpsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"tdp.dev/tdp/pkg/cleanup"
	"tdp.dev/tdp/pkg/hostmm"
	"tdp.dev/tdp/pkg/log"
	"tdp.dev/tdp/pkg/pgalloc"
	"tdp.dev/tdp/pkg/tdp/machine"
	"tdp.dev/tdp/tdpsim/config"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of tdpsim, not the log.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs to stderr and the log, then exits.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(ErrorLogger, "tdpsim: "+format+"\n", args...)
	os.Exit(128)
}

// Errorf logs an error and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(ErrorLogger, "tdpsim: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// sim is a machine built from a configuration, with its collaborators.
type sim struct {
	conf    *config.Config
	machine *machine.Machine
	alloc   pgalloc.Allocator
	frames  *hostmm.FrameLog

	// release tears everything down.
	release func()
}

// newSim builds the machine described by conf.
func newSim(conf *config.Config) (*sim, error) {
	slots, err := conf.MemorySlots()
	if err != nil {
		return nil, err
	}
	s := &sim{conf: conf, frames: hostmm.NewFrameLog(1 << 20)}
	var cu cleanup.Cleanup
	defer cu.Clean()

	switch conf.Allocator {
	case config.AllocatorMmap:
		ma, err := pgalloc.NewMmapAllocator(conf.MaxTables)
		if err != nil {
			return nil, fmt.Errorf("creating table arena: %w", err)
		}
		cu.Add(func() {
			if err := ma.Close(); err != nil {
				log.Warningf("Unmapping table arena: %v", err)
			}
		})
		s.alloc = ma
	default:
		ra := pgalloc.NewRuntimeAllocator(conf.MaxTables)
		cu.Add(ra.Drain)
		s.alloc = ra
	}

	s.machine, err = machine.New(machine.Config{
		VCPUs:           conf.VCPUs,
		Slots:           slots,
		Allocator:       s.alloc,
		Notifier:        s.frames,
		RootLevel:       conf.RootLevel,
		MaxMappingLevel: conf.MaxMappingLevel,
		TimeSlice:       conf.TimeSlice,
		MaxRetries:      uint64(conf.MaxRetries),
	})
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	cu.Add(s.machine.Close)
	s.release = cu.Release()
	return s, nil
}
