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
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/gpuct/gpuctl/cmd/util"
	"gvisor.dev/gpuct/gpuctl/config"
	"gvisor.dev/gpuct/pkg/tlb"
)

// Invalidate implements subcommands.Command for the "invalidate" command.
type Invalidate struct {
	start   uint64
	length  uint64
	asid    uint
	mode    config.TLBMode
	ggtt    bool
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Invalidate) Name() string {
	return "invalidate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Invalidate) Synopsis() string {
	return "invalidate TLBs and wait for completion"
}

// Usage implements subcommands.Command.Usage.
func (*Invalidate) Usage() string {
	return `invalidate [flags] - invalidates the whole tile, the GGTT, or a range of one address space.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Invalidate) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&i.start, "start", 0, "start of the range to invalidate.")
	f.Uint64Var(&i.length, "length", 0, "length of the range to invalidate. 0 invalidates everything.")
	f.UintVar(&i.asid, "asid", 0, "address space of the range.")
	f.Var(&i.mode, "mode", "full invalidation mode: heavy (default) or lite.")
	f.BoolVar(&i.ggtt, "ggtt", false, "invalidate the firmware's GGTT TLB.")
	f.DurationVar(&i.timeout, "timeout", time.Second, "how long to wait for completion.")
}

// Execute implements subcommands.Command.Execute.
func (i *Invalidate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	r, err := startRig(ctx, conf)
	if err != nil {
		util.Fatalf("starting tile: %v", err)
	}
	defer r.Close(ctx)

	var s uint32
	switch {
	case i.ggtt:
		s, err = r.tile.Invalidator().InvalidateGGTT(ctx)
	case i.length == 0:
		s, err = r.tile.InvalidateFull(ctx, tlb.Mode(i.mode))
	default:
		start, size := tlb.AlignWindow(i.start, i.length)
		util.Writef("window: [%#x, %#x)\n", start, start+size)
		s, err = r.tile.InvalidateRange(ctx, vm(i.asid), i.start, i.length)
	}
	if err != nil {
		util.Fatalf("invalidate: %v", err)
	}
	begin := time.Now()
	done := r.tile.Wait(ctx, s, i.timeout)
	util.Writef("seqno: %d\ncompleted: %t in %v\n", s, done, time.Since(begin))
	if !done {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
