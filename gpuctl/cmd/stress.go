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
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/gpuct/gpuctl/cmd/util"
	"gvisor.dev/gpuct/gpuctl/config"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/fwsim"
	"gvisor.dev/gpuct/pkg/tlb"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers int
	count   int
	qps     float64
	faults  bool
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent requests and invalidations and check flow control"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs workers that mix blocking requests, range invalidations and full
invalidations, then checks that the firmware never found G2H full.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.count, "count", 1000, "operations per worker.")
	f.Float64Var(&s.qps, "qps", 0, "overall operations per second. 0 is unlimited.")
	f.BoolVar(&s.faults, "faults", false, "inject retry, busy, delay and unsolicited faults.")
	f.DurationVar(&s.timeout, "timeout", 5*time.Second, "timeout of each operation.")
}

var stressFaults = []fwsim.Fault{
	{Kind: fwsim.FaultRetry},
	{Kind: fwsim.FaultBusy, Delay: time.Millisecond},
	{Kind: fwsim.FaultDelay, Delay: 2 * time.Millisecond},
	{Kind: fwsim.FaultUnsolicited},
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.count <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	r, err := startRig(ctx, conf)
	if err != nil {
		util.Fatalf("starting tile: %v", err)
	}
	defer r.Close(ctx)

	limit := rate.Inf
	if s.qps > 0 {
		limit = rate.Limit(s.qps)
	}
	limiter := rate.NewLimiter(limit, s.workers)

	var sends, ranges, fulls atomic.Uint64
	begin := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		w := w
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < s.count; i++ {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				if s.faults && r.tile.Channel() != nil && rnd.Intn(50) == 0 {
					r.fw.Inject(stressFaults[rnd.Intn(len(stressFaults))])
				}
				opCtx, cancel := context.WithTimeout(gctx, s.timeout)
				err := s.op(opCtx, r, rnd, w, &sends, &ranges, &fulls)
				cancel()
				if err != nil {
					return fmt.Errorf("worker %d op %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	err = g.Wait()
	elapsed := time.Since(begin)

	total := sends.Load() + ranges.Load() + fulls.Load()
	util.Writef("%d operations in %v (%.0f/s): %d requests, %d range and %d full invalidations\n",
		total, elapsed, float64(total)/elapsed.Seconds(), sends.Load(), ranges.Load(), fulls.Load())
	st := r.fw.Stats()
	util.Writef("firmware: %+v\n", st)
	ok := err == nil && st.Overflows == 0
	if ch := r.tile.Channel(); ch != nil {
		snap := ch.Snapshot()
		util.Writef("G2H credit: %d now, %d lowest\n", snap.Credit, snap.CreditLow)
		ok = ok && snap.CreditLow >= 0
	}
	if err != nil {
		util.Writef("error: %v\n", err)
	}
	if !ok {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (s *Stress) op(ctx context.Context, r *rig, rnd *rand.Rand, w int, sends, ranges, fulls *atomic.Uint64) error {
	switch n := rnd.Intn(10); {
	case n < 5 && r.tile.Channel() != nil:
		sends.Add(1)
		_, err := r.tile.Send(ctx, []uint32{uint32(hxg.ActionDefault), uint32(w)}, nil)
		return err
	case n < 8:
		ranges.Add(1)
		start := uint64(rnd.Intn(1<<20)) << 12
		length := uint64(rnd.Intn(64)+1) << 12
		return r.tile.SyncRange(ctx, vm(w), start, length, s.timeout)
	default:
		fulls.Add(1)
		return r.tile.Sync(ctx, tlb.Lite, s.timeout)
	}
}
