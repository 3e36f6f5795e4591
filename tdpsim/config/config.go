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

// Package config provides basic infrastructure to set configuration settings
// for tdpsim. Each setting is a flag on the command line and may also be
// given in a TOML file, named by --config. Flags set explicitly take
// precedence over the file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"tdp.dev/tdp/pkg/log"
	"tdp.dev/tdp/pkg/tdp/memslot"
	"tdp.dev/tdp/pkg/tdp/spte"
)

// Config holds configuration that is not part of the workload itself.
type Config struct {
	// ConfigFile is the TOML file decoded over the defaults.
	ConfigFile string `flag:"config" toml:"-"`

	// LogFormat is the format of the log: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// VCPUs is the number of simulated vCPUs.
	VCPUs int `flag:"vcpus" toml:"vcpus"`

	// RootLevel is the level of the roots.
	RootLevel int `flag:"root-level" toml:"root_level"`

	// MaxMappingLevel is the largest level a leaf may be installed at.
	MaxMappingLevel int `flag:"max-mapping-level" toml:"max_mapping_level"`

	// Accesses is the number of guest accesses made by each vCPU.
	Accesses int `flag:"accesses" toml:"accesses"`

	// WritePercent is the share of accesses that are writes.
	WritePercent int `flag:"write-percent" toml:"write_percent"`

	// MMIOPercent is the share of accesses made outside every slot.
	MMIOPercent int `flag:"mmio-percent" toml:"mmio_percent"`

	// ZapInterval is the delay between range zaps. Zero disables zapping.
	ZapInterval time.Duration `flag:"zap-interval" toml:"zap_interval"`

	// AgeInterval is the delay between aging passes. Zero disables aging.
	AgeInterval time.Duration `flag:"age-interval" toml:"age_interval"`

	// Allocator selects where tables live.
	Allocator AllocatorKind `flag:"allocator" toml:"allocator"`

	// MaxTables limits the tables in use. Zero means no limit for the
	// runtime allocator; the mmap allocator requires a limit.
	MaxTables int `flag:"max-tables" toml:"max_tables"`

	// TimeSlice is how long range operations hold the MMU lock before
	// yielding.
	TimeSlice time.Duration `flag:"time-slice" toml:"time_slice"`

	// MaxRetries bounds the attempts made to resolve one access.
	MaxRetries int `flag:"max-retries" toml:"max_retries"`

	// Seed seeds the workload's random choices.
	Seed int64 `flag:"seed" toml:"seed"`

	// Slots are the guest memory regions. Only settable from the file.
	Slots []Slot `toml:"slot"`
}

// Slot is the file form of memslot.Slot.
type Slot struct {
	ASID     int    `toml:"asid"`
	GFN      uint64 `toml:"gfn"`
	Pages    uint64 `toml:"pages"`
	PFN      uint64 `toml:"pfn"`
	HVA      uint64 `toml:"hva"`
	ReadOnly bool   `toml:"read_only"`
	LogDirty bool   `toml:"log_dirty"`
}

// defaultSlots is used when the file names no slots: 64MiB of RAM at guest
// address zero and a small ROM above 4GiB.
var defaultSlots = []Slot{
	{GFN: 0, Pages: 16384, PFN: 0x200000, HVA: 0x7f0000000000},
	{GFN: 0x100000, Pages: 16, PFN: 0x300000, HVA: 0x7f1000000000, ReadOnly: true},
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if c.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be positive, got %d", c.VCPUs)
	}
	if c.RootLevel < spte.MinLevel+1 || c.RootLevel > spte.MaxLevel {
		return fmt.Errorf("root level %d out of range [%d, %d]", c.RootLevel, spte.MinLevel+1, spte.MaxLevel)
	}
	if c.MaxMappingLevel < spte.MinLevel || c.MaxMappingLevel >= c.RootLevel {
		return fmt.Errorf("max mapping level %d must be in [%d, %d)", c.MaxMappingLevel, spte.MinLevel, c.RootLevel)
	}
	if c.Accesses < 0 {
		return fmt.Errorf("accesses must not be negative, got %d", c.Accesses)
	}
	for name, p := range map[string]int{"write-percent": c.WritePercent, "mmio-percent": c.MMIOPercent} {
		if p < 0 || p > 100 {
			return fmt.Errorf("%s must be in [0, 100], got %d", name, p)
		}
	}
	if c.MaxTables < 0 {
		return fmt.Errorf("max tables must not be negative, got %d", c.MaxTables)
	}
	if c.Allocator == AllocatorMmap && c.MaxTables == 0 {
		return fmt.Errorf("the mmap allocator requires --max-tables")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	}
	if _, err := c.MemorySlots(); err != nil {
		return err
	}
	return nil
}

// MemorySlots returns the configured slots, indexed.
func (c *Config) MemorySlots() (*memslot.Slots, error) {
	slots := c.Slots
	if len(slots) == 0 {
		slots = defaultSlots
	}
	ms := memslot.New()
	ids := make(map[int]int)
	for i, s := range slots {
		if err := ms.Insert(memslot.Slot{
			ID:       ids[s.ASID],
			ASID:     s.ASID,
			BaseGFN:  s.GFN,
			Pages:    s.Pages,
			BasePFN:  s.PFN,
			HVA:      s.HVA,
			ReadOnly: s.ReadOnly,
			LogDirty: s.LogDirty,
		}); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		ids[s.ASID]++
	}
	return ms, nil
}

// loadFile decodes the TOML file over c.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("%q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.VCPUs: %d", c.VCPUs)
	log.Infof("Config.RootLevel: %d", c.RootLevel)
	log.Infof("Config.MaxMappingLevel: %d", c.MaxMappingLevel)
	log.Infof("Config.Accesses: %d (%d%% writes, %d%% MMIO)", c.Accesses, c.WritePercent, c.MMIOPercent)
	log.Infof("Config.ZapInterval: %v", c.ZapInterval)
	log.Infof("Config.AgeInterval: %v", c.AgeInterval)
	log.Infof("Config.Allocator: %s (max %d tables)", c.Allocator, c.MaxTables)
	log.Infof("Config.TimeSlice: %v", c.TimeSlice)
	log.Infof("Config.MaxRetries: %d", c.MaxRetries)
	log.Infof("Config.Seed: %d", c.Seed)
	if len(c.Slots) == 0 {
		log.Infof("Config.Slots: default")
	}
	for i, s := range c.Slots {
		log.Infof("Config.Slots[%d]: %+v", i, s)
	}
}

// AllocatorKind selects a table allocator.
type AllocatorKind int

const (
	// AllocatorRuntime keeps tables on the Go heap.
	AllocatorRuntime AllocatorKind = iota

	// AllocatorMmap carves tables out of an anonymous mapping.
	AllocatorMmap
)

func allocatorKindPtr(v AllocatorKind) *AllocatorKind {
	return &v
}

// Set implements flag.Value.
func (a *AllocatorKind) Set(v string) error {
	switch v {
	case "runtime":
		*a = AllocatorRuntime
	case "mmap":
		*a = AllocatorMmap
	default:
		return fmt.Errorf("invalid allocator %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (a *AllocatorKind) Get() any {
	return *a
}

// String implements flag.Value.
func (a AllocatorKind) String() string {
	switch a {
	case AllocatorRuntime:
		return "runtime"
	case AllocatorMmap:
		return "mmap"
	default:
		panic(fmt.Sprintf("Invalid allocator %d", a))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler, for the file.
func (a *AllocatorKind) UnmarshalText(b []byte) error {
	return a.Set(string(b))
}
