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
// for gpuctl. Each setting that can be changed from the command line must be
// added to Config and the corresponding flag registered in RegisterFlags.
package config

import (
	"fmt"
	"time"

	"gvisor.dev/gpuct/pkg/ct"
	"gvisor.dev/gpuct/pkg/ct/ring"
	"gvisor.dev/gpuct/pkg/log"
	"gvisor.dev/gpuct/pkg/tlb"
)

// Config holds configuration that is not part of a command's own flags.
type Config struct {
	// ConfigFile is a TOML file whose keys are flag names. Flags set on the
	// command line take precedence.
	ConfigFile string `flag:"config"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// H2GSize and G2HSize are the buffer sizes in dwords. G2HReserved is
	// the part of G2H not handed out as credit. Zero uses the default.
	H2GSize     uint `flag:"h2g-size"`
	G2HSize     uint `flag:"g2h-size"`
	G2HReserved uint `flag:"g2h-reserved"`

	// SharedMemory backs the buffers with a memfd mapping instead of the
	// Go heap.
	SharedMemory bool `flag:"shared-memory"`

	// DeviceMemory places the buffers in device memory, which needs a flush
	// before the firmware sees writes.
	DeviceMemory bool `flag:"device-memory"`

	// DeadlockTimeout is how long the transport may make no progress
	// before it is declared dead.
	DeadlockTimeout time.Duration `flag:"deadlock-timeout"`

	// ResponseTimeout bounds the wait for a response.
	ResponseTimeout time.Duration `flag:"response-timeout"`

	// NoFirmware runs the tile without firmware: all invalidations go
	// through registers.
	NoFirmware bool `flag:"no-firmware"`

	// RegisterLatency is how long the simulated hardware takes to
	// acknowledge a register invalidation.
	RegisterLatency time.Duration `flag:"register-latency"`

	// TLBMode is the invalidation mode for range invalidations.
	TLBMode TLBMode `flag:"tlb-mode"`

	// ResetOnDead resets the tile when the transport dies.
	ResetOnDead bool `flag:"reset-on-dead"`

	// MetricsPrefix prefixes exported metric names.
	MetricsPrefix string `flag:"metrics-prefix"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	for name, v := range map[string]uint{"h2g-size": c.H2GSize, "g2h-size": c.G2HSize} {
		if v != 0 && v&(v-1) != 0 {
			return fmt.Errorf("--%s must be a power of two, got %d", name, v)
		}
	}
	if c.DeadlockTimeout < 0 || c.ResponseTimeout < 0 || c.RegisterLatency < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}

// ChannelOptions returns the transport options the Config selects.
func (c *Config) ChannelOptions() ct.Options {
	opts := ct.Options{
		H2GSize:         uint32(c.H2GSize),
		G2HSize:         uint32(c.G2HSize),
		G2HReserved:     uint32(c.G2HReserved),
		Shared:          c.SharedMemory,
		DeadlockTimeout: c.DeadlockTimeout,
		ResponseTimeout: c.ResponseTimeout,
	}
	if c.DeviceMemory {
		opts.Memory = ring.DeviceVisible
	}
	return opts
}

// TLBOptions returns the invalidation options the Config selects.
func (c *Config) TLBOptions() tlb.Options {
	opts := tlb.DefaultOptions()
	opts.Mode = tlb.Mode(c.TLBMode)
	return opts
}

// TLBMode is the flag form of tlb.Mode.
type TLBMode tlb.Mode

func tlbModePtr(m TLBMode) *TLBMode {
	return &m
}

// Set implements flag.Value.
func (m *TLBMode) Set(v string) error {
	switch v {
	case "heavy":
		*m = TLBMode(tlb.Heavy)
	case "lite":
		*m = TLBMode(tlb.Lite)
	default:
		return fmt.Errorf("invalid TLB mode %q, must be 'heavy' or 'lite'", v)
	}
	return nil
}

// Get implements flag.Getter.
func (m *TLBMode) Get() any {
	return *m
}

// String implements flag.Value.
func (m TLBMode) String() string {
	return tlb.Mode(m).String()
}
