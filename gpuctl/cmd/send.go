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
	"errors"
	"flag"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/gpuct/gpuctl/cmd/util"
	"gvisor.dev/gpuct/gpuctl/config"
	"gvisor.dev/gpuct/pkg/ct"
	"gvisor.dev/gpuct/pkg/fwsim"
)

// Send implements subcommands.Command for the "send" command.
type Send struct {
	respLen   int
	timeout   time.Duration
	noHandler bool
}

// Name implements subcommands.Command.Name.
func (*Send) Name() string {
	return "send"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Send) Synopsis() string {
	return "send one request to the firmware and print the answer"
}

// Usage implements subcommands.Command.Usage.
func (*Send) Usage() string {
	return `send [flags] <action> [data...] - sends a request. The simulated firmware echoes the payload
back, with the number of payload dwords as data0.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Send) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.respLen, "resp", 0, "number of response payload dwords to receive.")
	f.DurationVar(&s.timeout, "timeout", 5*time.Second, "how long to wait for the answer.")
	f.BoolVar(&s.noHandler, "no-handler", false, "do not install the echo handler, so that the firmware rejects the action.")
}

// Execute implements subcommands.Command.Execute.
func (s *Send) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	action, err := parseDwords(f.Args())
	if err != nil {
		util.Fatalf("%v", err)
	}
	if action[0] > 0xffff {
		util.Fatalf("action %#x does not fit in 16 bits", action[0])
	}

	r, err := startRig(ctx, conf)
	if err != nil {
		util.Fatalf("starting tile: %v", err)
	}
	defer r.Close(ctx)
	if !s.noHandler {
		r.fw.Handle(uint16(action[0]), func(_ uint16, _ uint32, payload []uint32) fwsim.Reply {
			return fwsim.Reply{Data0: uint32(len(payload)), Data: payload}
		})
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var resp []uint32
	if s.respLen > 0 {
		resp = make([]uint32, s.respLen)
	}
	v, err := r.tile.Send(ctx, action, resp)
	var re *ct.ResponseError
	switch {
	case errors.As(err, &re):
		util.Writef("failure: error %#x hint %#x\n", re.Code, re.Hint)
		return subcommands.ExitFailure
	case err != nil:
		util.Fatalf("send: %v", err)
	}
	if resp == nil {
		util.Writef("data0: %#x\n", v)
		return subcommands.ExitSuccess
	}
	util.Writef("payload (%d dwords): %#x\n", v, resp[:min(int(v), len(resp))])
	return subcommands.ExitSuccess
}
