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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"tdp.dev/tdp/pkg/tdp/memslot"
)

func newFlagSet() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tdpsim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	want := &Config{
		LogFormat:       "text",
		VCPUs:           4,
		RootLevel:       4,
		MaxMappingLevel: 2,
		Accesses:        10000,
		WritePercent:    30,
		MMIOPercent:     1,
		ZapInterval:     time.Millisecond,
		AgeInterval:     5 * time.Millisecond,
		Allocator:       AllocatorRuntime,
		TimeSlice:       time.Millisecond,
		MaxRetries:      16,
		Seed:            1,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config differs (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	for name, val := range map[string]string{
		"debug":      "true",
		"vcpus":      "8",
		"allocator":  "mmap",
		"max-tables": "4096",
		"root-level": "5",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Fatalf("Flag set %s: %v", name, err)
		}
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug || c.VCPUs != 8 || c.Allocator != AllocatorMmap || c.MaxTables != 4096 || c.RootLevel != 5 {
		t.Errorf("flags not applied: %+v", c)
	}

	flags := c.ToFlags()
	want := []string{"--debug=true", "--vcpus=8", "--root-level=5", "--allocator=mmap", "--max-tables=4096"}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags differs (-want +got):\n%s", diff)
	}
}

func TestFileOverlay(t *testing.T) {
	path := writeFile(t, `
vcpus = 2
zap_interval = "250us"
allocator = "mmap"
max_tables = 128

[[slot]]
gfn = 0
pages = 1024
pfn = 0x40000
hva = 0x7f0000000000

[[slot]]
asid = 1
gfn = 0
pages = 16
pfn = 0x50000
log_dirty = true
`)
	testFlags := newFlagSet()
	testFlags.Set("config", path)
	testFlags.Set("vcpus", "3")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if c.VCPUs != 3 {
		t.Errorf("VCPUs = %d, want the explicit flag to win", c.VCPUs)
	}
	if c.ZapInterval != 250*time.Microsecond || c.Allocator != AllocatorMmap || c.MaxTables != 128 {
		t.Errorf("file settings not applied: %+v", c)
	}
	wantSlots := []Slot{
		{GFN: 0, Pages: 1024, PFN: 0x40000, HVA: 0x7f0000000000},
		{ASID: 1, GFN: 0, Pages: 16, PFN: 0x50000, LogDirty: true},
	}
	if diff := cmp.Diff(wantSlots, c.Slots); diff != "" {
		t.Errorf("slots differ (-want +got):\n%s", diff)
	}

	ms, err := c.MemorySlots()
	if err != nil {
		t.Fatalf("MemorySlots: %v", err)
	}
	smm := ms.All(memslot.NumAddressSpaces - 1)
	if len(smm) != 1 || !smm[0].LogDirty || smm[0].ID != 0 {
		t.Errorf("SMM slots = %v", smm)
	}
}

func TestDefaultSlots(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	ms, err := c.MemorySlots()
	if err != nil {
		t.Fatalf("MemorySlots: %v", err)
	}
	if got := len(ms.All(0)); got != len(defaultSlots) {
		t.Errorf("%d slots, want %d", got, len(defaultSlots))
	}
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		file  string
		want  string
	}{
		{name: "log format", flags: map[string]string{"log-format": "xml"}, want: "log format"},
		{name: "vcpus", flags: map[string]string{"vcpus": "0"}, want: "vcpus"},
		{name: "root level", flags: map[string]string{"root-level": "6"}, want: "root level"},
		{name: "mapping level", flags: map[string]string{"max-mapping-level": "4"}, want: "max mapping level"},
		{name: "write percent", flags: map[string]string{"write-percent": "101"}, want: "write-percent"},
		{name: "mmap without limit", flags: map[string]string{"allocator": "mmap"}, want: "max-tables"},
		{name: "unknown key", file: "vcpu = 2\n", want: "unknown keys"},
		{name: "overlapping slots", file: "[[slot]]\npages = 8\n[[slot]]\ngfn = 4\npages = 8\n", want: "slot 1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlagSet()
			for name, val := range tc.flags {
				if err := testFlags.Set(name, val); err != nil {
					t.Fatalf("Flag set %s: %v", name, err)
				}
			}
			if tc.file != "" {
				testFlags.Set("config", writeFile(t, tc.file))
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags = %v, want error containing %q", err, tc.want)
			}
		})
	}
	if err := newFlagSet().Set("allocator", "slab"); err == nil {
		t.Errorf("invalid allocator accepted")
	}
}
