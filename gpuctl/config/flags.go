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
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gpuct/pkg/tlb"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with flag values. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Transport flags.
	flagSet.Uint("h2g-size", 0, "H2G buffer size in dwords, a power of two. 0 uses the default.")
	flagSet.Uint("g2h-size", 0, "G2H buffer size in dwords, a power of two. 0 uses the default.")
	flagSet.Uint("g2h-reserved", 0, "G2H dwords held back from request credit. 0 uses a quarter of the buffer.")
	flagSet.Bool("shared-memory", false, "back the buffers with a memfd mapping.")
	flagSet.Bool("device-memory", false, "place the buffers in (simulated) device memory.")
	flagSet.Duration("deadlock-timeout", 0, "time without progress after which the transport is declared dead. 0 uses the default.")
	flagSet.Duration("response-timeout", 0, "how long to wait for a response. 0 uses the default.")
	flagSet.Bool("reset-on-dead", true, "reset the tile when the transport dies.")

	// Invalidation flags.
	flagSet.Bool("no-firmware", false, "run without firmware, invalidating through registers.")
	flagSet.Duration("register-latency", 50*time.Microsecond, "simulated register invalidation latency.")
	flagSet.Var(tlbModePtr(TLBMode(tlb.Heavy)), "tlb-mode", "range invalidation mode: heavy (default) or lite.")

	flagSet.String("metrics-prefix", "gpuct", "prefix of exported metric names.")
}

// fields calls fn for every Config field tagged with a flag name, with the
// field and its flag in flagSet.
func (c *Config) fields(flagSet *flag.FlagSet, fn func(field reflect.Value, fl *flag.Flag)) {
	obj := reflect.ValueOf(c).Elem()
	for _, f := range reflect.VisibleFields(obj.Type()) {
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("config field %s has no flag %q", f.Name, name))
		}
		fn(obj.FieldByIndex(f.Index), fl)
	}
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.fields(flagSet, func(field reflect.Value, fl *flag.Flag) {
		v := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		field.Set(v.Convert(field.Type()))
	})
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile sets the flags listed in a TOML or, for .yaml and .yml paths, YAML
// file, except those already set on flagSet. Keys are flag names:
//
//	h2g-size = 256
//	deadlock-timeout = "500ms"
//	tlb-mode = "lite"
func LoadFile(flagSet *flag.FlagSet, path string) error {
	values, err := decodeFile(path)
	if err != nil {
		return fmt.Errorf("reading %q: %w", path, err)
	}
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	for name, v := range values {
		if name == "config" {
			return fmt.Errorf("%q: config files cannot include other files", path)
		}
		if flagSet.Lookup(name) == nil {
			return fmt.Errorf("%q: unknown flag %q", path, name)
		}
		if set[name] {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			return fmt.Errorf("%q: flag %q must be a scalar", path, name)
		}
		if err := flagSet.Set(name, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("%q: setting flag %s=%v: %w", path, name, v, err)
		}
	}
	return nil
}

func decodeFile(path string) (map[string]any, error) {
	var values map[string]any
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, err
		}
	default:
		if _, err := toml.DecodeFile(path, &values); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// ToFlags returns the flags that reproduce c, omitting those at their
// default value.
func (c *Config) ToFlags() []string {
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(defaults)

	var rv []string
	c.fields(defaults, func(field reflect.Value, fl *flag.Flag) {
		if val := getVal(field); val != fl.DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
		}
	})
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
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
