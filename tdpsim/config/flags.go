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
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with settings and memory slots. Explicit flags override it.")

	// Logging flags.
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Machine flags.
	flagSet.Int("vcpus", 4, "number of simulated vCPUs.")
	flagSet.Int("root-level", 4, "level of the paging structure roots: 4 or 5 for real hardware.")
	flagSet.Int("max-mapping-level", 2, "largest level a leaf may be installed at: 1 (4K), 2 (2M) or 3 (1G).")
	flagSet.Var(allocatorKindPtr(AllocatorRuntime), "allocator", "where tables live: runtime (default) or mmap.")
	flagSet.Int("max-tables", 0, "limit on tables in use. Zero means no limit; required by the mmap allocator.")
	flagSet.Duration("time-slice", time.Millisecond, "how long range operations hold the MMU lock before yielding.")
	flagSet.Int("max-retries", 16, "attempts made to resolve one access before giving up.")

	// Workload flags.
	flagSet.Int("accesses", 10000, "guest accesses made by each vCPU.")
	flagSet.Int("write-percent", 30, "share of accesses that are writes.")
	flagSet.Int("mmio-percent", 1, "share of accesses made outside every memory slot.")
	flagSet.Duration("zap-interval", time.Millisecond, "delay between range zaps. Zero disables zapping.")
	flagSet.Duration("age-interval", 5*time.Millisecond, "delay between aging passes. Zero disables aging.")
	flagSet.Int64("seed", 1, "seed for the workload's random choices.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, the file named by --config, and then explicitly set flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		obj.Field(i).Set(flagValue(flagSet, name))
	}

	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		// Explicit flags win over the file.
		set := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
		for i := 0; i < st.NumField(); i++ {
			if name, ok := st.Field(i).Tag.Lookup("flag"); ok && set[name] {
				obj.Field(i).Set(flagValue(flagSet, name))
			}
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func flagValue(flagSet *flag.FlagSet, name string) reflect.Value {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return reflect.ValueOf(fl.Value.(flag.Getter).Get())
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their defaults are omitted, as are slots.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
