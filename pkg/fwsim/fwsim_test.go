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

package fwsim_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpuct/pkg/ct"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/fwsim"
	"gvisor.dev/gpuct/pkg/mmio"
)

func start(t *testing.T, opts fwsim.Options) (*fwsim.Firmware, *ct.Channel) {
	t.Helper()
	fw := fwsim.New(opts)
	fw.Start()
	ch, err := ct.New(fw, ct.Options{})
	if err != nil {
		t.Fatalf("ct.New: %v", err)
	}
	fw.Connect(ch.Memory().Region, ch)
	if err := ch.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	t.Cleanup(func() {
		ch.Close(context.Background())
		fw.Stop()
	})
	return fw, ch
}

func TestMailbox(t *testing.T) {
	ctx := context.Background()
	fw := fwsim.New(fwsim.Options{})
	enable := hxg.ControlCTB(hxg.ControlEnable)

	if _, err := fw.SendMMIO(ctx, enable); !errors.Is(err, fwsim.ErrMailbox) {
		t.Errorf("SendMMIO before Start = %v, want ErrMailbox", err)
	}
	fw.Start()
	defer fw.Stop()

	for _, tc := range []struct {
		name string
		msg  []uint32
	}{
		{"empty", nil},
		{"enable before registration", enable},
		{"unknown action", []uint32{hxg.Request(hxg.TypeRequest, 0x1234)}},
		{"short control", enable[:1]},
		{"register while disconnected", hxg.RegisterCTB(hxg.CTBTypeH2G, 64, 0, 64)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fw.SendMMIO(ctx, tc.msg); !errors.Is(err, fwsim.ErrMailbox) {
				t.Errorf("SendMMIO = %v, want ErrMailbox", err)
			}
		})
	}

	want := errors.New("injected")
	fw.FailMailbox(want)
	if _, err := fw.SendMMIO(ctx, enable); err != want {
		t.Errorf("SendMMIO = %v, want %v", err, want)
	}
}

func TestHandler(t *testing.T) {
	fw, ch := start(t, fwsim.Options{})
	fw.Handle(0x30, func(action uint16, data0 uint32, payload []uint32) fwsim.Reply {
		var sum uint32
		for _, v := range payload {
			sum += v
		}
		return fwsim.Reply{Data0: sum, Data: payload}
	})

	resp := make([]uint32, 3)
	n, err := ch.Send(context.Background(), []uint32{0x30, 1, 2, 3}, resp)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 3 {
		t.Errorf("response length = %d, want 3", n)
	}
	if diff := cmp.Diff([]uint32{1, 2, 3}, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	sum, err := ch.Send(context.Background(), []uint32{0x30, 4, 5}, nil)
	if err != nil || sum != 9 {
		t.Errorf("Send = %d, %v, want 9", sum, err)
	}
	if got := fw.Stats().Requests; got != 2 {
		t.Errorf("Requests = %d, want 2", got)
	}
}

func TestInvalidation(t *testing.T) {
	fw, ch := start(t, fwsim.Options{})
	done := make(chan uint32, 1)
	ch.RegisterFast(hxg.ActionTLBInvalidationDone, ct.FastHandlerFunc(func(m *ct.Message) error {
		done <- m.Data[0]
		return nil
	}))

	if err := ch.SendNB([]uint32{uint32(hxg.ActionTLBInvalidation), 42, 0}, hxg.TLBDoneLen); err != nil {
		t.Fatalf("SendNB: %v", err)
	}
	select {
	case s := <-done:
		if s != 42 {
			t.Errorf("completed seqno %d, want 42", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no completion")
	}
	if got := fw.Stats().Invalidations; got != 1 {
		t.Errorf("Invalidations = %d, want 1", got)
	}

	_, err := ch.Send(context.Background(), []uint32{uint32(hxg.ActionTLBInvalidation), 1}, nil)
	var re *ct.ResponseError
	if !errors.As(err, &re) || re.Code != hxg.ErrorInvalidParams {
		t.Errorf("short invalidation: Send = %v, want invalid params", err)
	}
}

func TestRegisterAck(t *testing.T) {
	fw := fwsim.New(fwsim.Options{})
	regs := fw.Registers()

	regs.Write32(mmio.GFXTLBInvCR, 1)
	if v := regs.Read32(mmio.GFXTLBInvCR); v != 0 {
		t.Errorf("GFX invalidation not acknowledged: %#x", v)
	}
	regs.Write32(mmio.TLBInvDesc0, mmio.DescValid)
	if v := regs.Read32(mmio.TLBInvDesc0); v&mmio.DescValid != 0 {
		t.Errorf("selective invalidation not acknowledged: %#x", v)
	}
	if got := fw.Stats().RegisterInvalidations; got != 2 {
		t.Errorf("RegisterInvalidations = %d, want 2", got)
	}

	fw.StickRegisters(true)
	regs.Write32(mmio.BLTTLBInvCR, 1)
	err := mmio.WaitForRegister(context.Background(), regs, mmio.BLTTLBInvCR, 1, 0, time.Microsecond, 5*time.Millisecond)
	if !errors.Is(err, mmio.ErrTimeout) {
		t.Errorf("WaitForRegister on stuck register = %v, want ErrTimeout", err)
	}
}

func TestRegisterLatency(t *testing.T) {
	fw := fwsim.New(fwsim.Options{RegisterLatency: 10 * time.Millisecond})
	regs := fw.Registers()
	regs.Write32(mmio.VDTLBInvCR, 1)
	if v := regs.Read32(mmio.VDTLBInvCR); v != 1 {
		t.Errorf("acknowledged before latency: %#x", v)
	}
	if err := mmio.WaitForRegister(context.Background(), regs, mmio.VDTLBInvCR, 1, 0, time.Microsecond, 5*time.Second); err != nil {
		t.Errorf("WaitForRegister: %v", err)
	}
}

func TestFaultDelay(t *testing.T) {
	fw, ch := start(t, fwsim.Options{})
	const delay = 50 * time.Millisecond
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultDelay, Action: hxg.ActionDefault, Delay: delay})
	begin := time.Now()
	if _, err := ch.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d := time.Since(begin); d < delay {
		t.Errorf("Send answered after %v, want at least %v", d, delay)
	}
}

func TestFaultMatchesAction(t *testing.T) {
	fw, ch := start(t, fwsim.Options{})
	fw.Handle(0x31, func(uint16, uint32, []uint32) fwsim.Reply { return fwsim.Reply{Data0: 1} })
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultFailure, Action: 0x31, Code: 0x40})

	// Other actions are not affected.
	if _, err := ch.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var re *ct.ResponseError
	if _, err := ch.Send(context.Background(), []uint32{0x31}, nil); !errors.As(err, &re) || re.Code != 0x40 {
		t.Errorf("Send = %v, want failure 0x40", err)
	}
	if v, err := ch.Send(context.Background(), []uint32{0x31}, nil); err != nil || v != 1 {
		t.Errorf("Send after fault = %d, %v", v, err)
	}
}

func TestPause(t *testing.T) {
	fw, ch := start(t, fwsim.Options{})
	fw.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ch.Send(ctx, []uint32{uint32(hxg.ActionDefault)}, nil); err == nil {
		t.Fatalf("paused firmware answered")
	}
	fw.Resume()
	if _, err := ch.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
		t.Errorf("Send after Resume: %v", err)
	}
}

func TestFaultKindString(t *testing.T) {
	for k, want := range map[fwsim.FaultKind]string{
		fwsim.FaultRetry:       "retry",
		fwsim.FaultCorruptTail: "corrupt-tail",
		fwsim.FaultKind(99):    "unknown",
	} {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(k), got, want)
		}
	}
}
