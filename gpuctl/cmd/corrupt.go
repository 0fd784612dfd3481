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
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/fwsim"
)

// Corrupt implements subcommands.Command for the "corrupt" command.
type Corrupt struct {
	kind string
	wait time.Duration
}

// Name implements subcommands.Command.Name.
func (*Corrupt) Name() string {
	return "corrupt"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Corrupt) Synopsis() string {
	return "make the firmware corrupt G2H or migrate, and show how the tile recovers"
}

// Usage implements subcommands.Command.Usage.
func (*Corrupt) Usage() string {
	return `corrupt [-kind=tail|migrate] - sends a request the firmware answers by corrupting G2H, or by
migrating, and then sends another one.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Corrupt) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "tail", "what goes wrong: tail (out of range G2H tail) or migrate.")
	f.DurationVar(&c.wait, "wait", 2*time.Second, "how long to wait for the tile to recover.")
}

// Execute implements subcommands.Command.Execute.
func (c *Corrupt) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	var fault fwsim.Fault
	switch c.kind {
	case "tail":
		fault.Kind = fwsim.FaultCorruptTail
	case "migrate":
		fault.Kind = fwsim.FaultMigrate
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.NoFirmware {
		util.Fatalf("corrupt needs the firmware")
	}
	r, err := startRig(ctx, conf)
	if err != nil {
		util.Fatalf("starting tile: %v", err)
	}
	defer r.Close(ctx)
	ch := r.tile.Channel()

	send := func() error {
		ctx, cancel := context.WithTimeout(ctx, c.wait)
		defer cancel()
		_, err := r.tile.Send(ctx, []uint32{uint32(hxg.ActionDefault)}, nil)
		return err
	}

	r.fw.Inject(fault)
	util.Writef("first request: %v\n", send())
	util.Writef("state: %v\n", ch.Snapshot())

	// A reset runs in the background after the transport died.
	deadline := time.Now().Add(c.wait)
	for (ch.Broken() || !ch.Enabled()) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	err = send()
	util.Writef("second request: %v\n", err)
	util.Writef("state: %v\n", ch.Snapshot())
	if err != nil {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
