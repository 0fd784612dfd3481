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

// Package cmd holds implementations of the gpuctl commands.
package cmd

import (
	"context"
	"fmt"
	"strconv"

	"gvisor.dev/gpuct/gpuctl/config"
	"gvisor.dev/gpuct/pkg/fwsim"
	"gvisor.dev/gpuct/pkg/gt"
	"gvisor.dev/gpuct/pkg/log"
	"gvisor.dev/gpuct/pkg/metric"
)

// rig is a tile running against the simulated firmware.
type rig struct {
	tile *gt.Tile
	fw   *fwsim.Firmware
}

// startRig builds and starts a tile as configured by conf.
func startRig(ctx context.Context, conf *config.Config) (*rig, error) {
	fw := fwsim.New(fwsim.Options{RegisterLatency: conf.RegisterLatency})
	opts := gt.Options{
		Registers:   fw.Registers(),
		Channel:     conf.ChannelOptions(),
		TLB:         conf.TLBOptions(),
		ResetOnDead: conf.ResetOnDead,
		Metrics:     metric.NewRegistry(conf.MetricsPrefix),
	}
	if !conf.NoFirmware {
		opts.Transport = fw
	}
	tile, err := gt.New(opts)
	if err != nil {
		return nil, err
	}
	if ch := tile.Channel(); ch != nil {
		fw.Connect(ch.Memory().Region, ch)
		fw.Start()
	}
	if err := tile.Start(ctx); err != nil {
		tile.Close(ctx)
		fw.Stop()
		return nil, err
	}
	return &rig{tile: tile, fw: fw}, nil
}

// Close stops the tile and the firmware.
func (r *rig) Close(ctx context.Context) {
	if err := r.tile.Close(ctx); err != nil {
		log.Warningf("closing tile: %v", err)
	}
	if r.fw.Running() {
		if err := r.fw.Stop(); err != nil {
			log.Warningf("stopping firmware: %v", err)
		}
	}
}

// parseDwords parses decimal, hex (0x) or octal (0) dwords.
func parseDwords(args []string) ([]uint32, error) {
	out := make([]uint32, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid dword %q: %w", a, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

// vm is an address space named only by its ASID.
type vm uint32

func (v vm) ASID() uint32 { return uint32(v) }
