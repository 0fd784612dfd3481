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
	"flag"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/gpuct/gpuctl/cmd/util"
	"gvisor.dev/gpuct/gpuctl/config"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/tlb"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	count int
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "run a short workload and print the metrics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-count=N] - runs N requests and invalidations, then prints the metrics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.count, "count", 16, "number of operations of each kind.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	r, err := startRig(ctx, conf)
	if err != nil {
		util.Fatalf("starting tile: %v", err)
	}
	defer r.Close(ctx)

	for i := 0; i < s.count; i++ {
		if r.tile.Channel() != nil {
			if _, err := r.tile.Send(ctx, []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
				util.Fatalf("send: %v", err)
			}
		}
		if err := r.tile.Sync(ctx, tlb.Heavy, time.Second); err != nil {
			util.Fatalf("invalidate: %v", err)
		}
		if err := r.tile.SyncRange(ctx, vm(1), uint64(i)<<21, 1<<16, time.Second); err != nil {
			util.Fatalf("invalidate range: %v", err)
		}
	}
	if err := r.tile.Metrics().WritePrometheus(os.Stdout); err != nil {
		util.Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
