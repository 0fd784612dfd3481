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

package ct

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/ct/ring"
	"gvisor.dev/gpuct/pkg/fwsim"
)

func newTestChannel(t *testing.T, opts Options) (*Channel, *fwsim.Firmware) {
	t.Helper()
	fw := fwsim.New(fwsim.Options{})
	fw.Start()
	c, err := New(fw, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fw.Connect(c.Memory().Region, c)
	if err := c.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	t.Cleanup(func() {
		c.Close(context.Background())
		fw.Stop()
	})
	return c, fw
}

// waitFor polls cond until it holds or five seconds passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func maxCredit(c *Channel) int64 {
	return int64(c.opts.G2HSize - 1 - c.opts.G2HReserved)
}

func TestSendEndToEnd(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Handle(0x1234, func(action uint16, data0 uint32, payload []uint32) fwsim.Reply {
		if diff := cmp.Diff([]uint32{0xAAAA}, payload); diff != "" {
			t.Errorf("firmware payload mismatch (-want +got):\n%s", diff)
		}
		return fwsim.Reply{Data0: 1}
	})

	got, err := c.Send(context.Background(), []uint32{0x1234, 0xAAAA}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != 1 {
		t.Errorf("Send = %d, want 1", got)
	}

	// The request was written at the start of H2G.
	m := c.Memory()
	var written []uint32
	for i := uint32(0); i < 3; i++ {
		written = append(written, m.Region.Load(m.H2G.Cmds+i))
	}
	want := []uint32{
		hxg.CTBHeader{Fence: 1, Format: hxg.FormatHXG, Len: 2}.Encode(),
		0x1234,
		0xAAAA,
	}
	if diff := cmp.Diff(want, written); diff != "" {
		t.Errorf("H2G contents mismatch (-want +got):\n%s", diff)
	}
	if s := c.Snapshot(); s.Credit != maxCredit(c) || len(s.Pending) != 0 {
		t.Errorf("after Send: credit %d (want %d), %d pending", s.Credit, maxCredit(c), len(s.Pending))
	}
}

func TestSendResponsePayload(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Handle(0x10, func(uint16, uint32, []uint32) fwsim.Reply {
		return fwsim.Reply{Data0: 7, Data: []uint32{1, 2, 3}}
	})
	resp := make([]uint32, 4)
	n, err := c.Send(context.Background(), []uint32{0x10}, resp)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 3 {
		t.Errorf("Send = %d, want 3", n)
	}
	if diff := cmp.Diff([]uint32{1, 2, 3, 0}, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestSendUnknownAction(t *testing.T) {
	c, _ := newTestChannel(t, Options{})
	_, err := c.Send(context.Background(), []uint32{0x4242}, nil)
	var re *ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("Send = %v, want *ResponseError", err)
	}
	if re.Code != hxg.ErrorUnknownAction || re.Action != 0x4242 {
		t.Errorf("ResponseError = %+v", re)
	}
}

func TestSendFailure(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultFailure, Code: hxg.ErrorInvalidParams, Hint: 2})
	_, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil)
	var re *ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("Send = %v, want *ResponseError", err)
	}
	if diff := cmp.Diff(&ResponseError{Action: hxg.ActionDefault, Code: hxg.ErrorInvalidParams, Hint: 2}, re); diff != "" {
		t.Errorf("ResponseError mismatch (-want +got):\n%s", diff)
	}
	if got := c.metrics.failures.Value(); got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
	if c.Broken() {
		t.Errorf("failure answer broke the channel")
	}
}

func TestSendRetry(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultRetry}, fwsim.Fault{Kind: fwsim.FaultRetry})
	if _, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := c.metrics.retries.Value(); got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
	if got := fw.Stats().Requests; got != 3 {
		t.Errorf("firmware saw %d requests, want 3", got)
	}
}

func TestSendBusyExtendsWait(t *testing.T) {
	c, fw := newTestChannel(t, Options{
		ResponseTimeout: 30 * time.Millisecond,
		BusyTimeout:     5 * time.Second,
	})
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultBusy, Delay: 150 * time.Millisecond})
	if _, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := c.metrics.busy.Value(); got != 1 {
		t.Errorf("busy = %d, want 1", got)
	}
}

func TestSnapshotSeesBusy(t *testing.T) {
	c, fw := newTestChannel(t, Options{BusyTimeout: 5 * time.Second})
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultBusy, Delay: 200 * time.Millisecond})
	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil)
		errc <- err
	}()
	waitFor(t, "busy answer in snapshot", func() bool {
		s := c.Snapshot()
		return len(s.Pending) == 1 && s.Pending[0].Busy == 1
	})
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSendTimeout(t *testing.T) {
	c, fw := newTestChannel(t, Options{ResponseTimeout: 20 * time.Millisecond})
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultDrop})
	_, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send = %v, want ErrTimeout", err)
	}
	s := c.Snapshot()
	if len(s.Pending) != 0 {
		t.Errorf("%d requests still pending", len(s.Pending))
	}
	if s.Credit != maxCredit(c) {
		t.Errorf("credit = %d, want %d", s.Credit, maxCredit(c))
	}
	// The channel is still usable.
	if _, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
		t.Errorf("Send after timeout: %v", err)
	}
}

func TestSendContextCanceled(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultDrop})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Send(ctx, []uint32{uint32(hxg.ActionDefault)}, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send = %v, want context.DeadlineExceeded", err)
	}
}

func TestUnsolicitedResponse(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultUnsolicited})
	if _, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "unsolicited response", func() bool { return c.metrics.unsolicited.Value() == 1 })
	if c.Broken() {
		t.Errorf("unsolicited response broke the channel")
	}
}

func TestCorruptedTailBreaksChannel(t *testing.T) {
	dead := make(chan DeadReport, 2)
	c, _ := newTestChannel(t, Options{OnDead: func(r DeadReport) { dead <- r }})

	c.g2h.Descriptor().SetTail(c.opts.G2HSize)
	if _, err := c.Receive(); !errors.Is(err, ErrBroken) {
		t.Fatalf("Receive = %v, want ErrBroken", err)
	}
	if !c.Broken() {
		t.Fatalf("channel not broken")
	}

	start := time.Now()
	if _, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); !errors.Is(err, ErrBroken) {
		t.Errorf("Send = %v, want ErrBroken", err)
	}
	if err := c.SendNB([]uint32{uint32(hxg.ActionDefault)}, 0); !errors.Is(err, ErrBroken) {
		t.Errorf("SendNB = %v, want ErrBroken", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("sends on a broken channel took %v", d)
	}

	select {
	case r := <-dead:
		if !errors.Is(r.Err, ring.ErrCorrupted) || !r.Snapshot.Broken {
			t.Errorf("dead report = %v, %+v", r.Err, r.Snapshot)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("OnDead not called")
	}

	// A second failure does not report again.
	c.markBroken(errors.New("again"))
	select {
	case r := <-dead:
		t.Errorf("second dead report: %v", r.Err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFirmwareCorruptionFailsPending(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultCorruptTail})
	if _, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); !errors.Is(err, ErrBroken) {
		t.Fatalf("Send = %v, want ErrBroken", err)
	}
}

func TestReenableAfterBroken(t *testing.T) {
	c, _ := newTestChannel(t, Options{})
	c.g2h.Descriptor().SetTail(c.opts.G2HSize)
	c.Receive()
	if !c.Broken() {
		t.Fatalf("channel not broken")
	}
	c.Disable(context.Background())
	if err := c.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
		t.Errorf("Send after re-enable: %v", err)
	}
}

func fillH2G(t *testing.T, c *Channel) int {
	t.Helper()
	n := 0
	for {
		err := c.SendNB([]uint32{uint32(hxg.ActionDefault), 0}, 0)
		if errors.Is(err, ErrNoSpace) {
			return n
		}
		if err != nil {
			t.Fatalf("SendNB #%d: %v", n, err)
		}
		n++
	}
}

func TestSendNBNoSpace(t *testing.T) {
	c, fw := newTestChannel(t, Options{H2GSize: 64})
	fw.Pause()
	if n := fillH2G(t, c); n != 21 {
		t.Errorf("wrote %d messages into 64 dwords, want 21", n)
	}
	fw.Resume()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.SendBusyLoop(ctx, []uint32{uint32(hxg.ActionDefault)}, 0); err != nil {
		t.Errorf("SendBusyLoop: %v", err)
	}
}

func TestDeadlockBreaksChannel(t *testing.T) {
	dead := make(chan DeadReport, 1)
	c, fw := newTestChannel(t, Options{
		H2GSize:         64,
		DeadlockTimeout: 50 * time.Millisecond,
		OnDead:          func(r DeadReport) { dead <- r },
	})
	fw.Pause()
	fillH2G(t, c)

	_, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil)
	if !errors.Is(err, ErrDeadlocked) {
		t.Fatalf("Send = %v, want ErrDeadlocked", err)
	}
	if !c.Broken() {
		t.Errorf("channel not broken after deadlock")
	}
	select {
	case r := <-dead:
		if !errors.Is(r.Err, ErrDeadlocked) {
			t.Errorf("dead report error = %v, want ErrDeadlocked", r.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("OnDead not called")
	}
}

func TestDeadlockFailsPending(t *testing.T) {
	c, fw := newTestChannel(t, Options{
		H2GSize:         64,
		DeadlockTimeout: 50 * time.Millisecond,
		ResponseTimeout: 10 * time.Second,
	})
	fw.Pause()
	first := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil)
		first <- err
	}()
	waitFor(t, "request pending", func() bool { return len(c.Snapshot().Pending) == 1 })
	fillH2G(t, c)
	if _, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil); !errors.Is(err, ErrDeadlocked) {
		t.Fatalf("Send = %v, want ErrDeadlocked", err)
	}
	select {
	case err := <-first:
		if !errors.Is(err, ErrDeadlocked) {
			t.Errorf("pending Send = %v, want ErrDeadlocked", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending Send not failed")
	}
}

func TestFlowControlConcurrent(t *testing.T) {
	c, fw := newTestChannel(t, Options{H2GSize: 64, G2HSize: 2048})
	var done atomic.Uint64
	c.RegisterFast(hxg.ActionTLBInvalidationDone, FastHandlerFunc(func(m *Message) error {
		done.Add(1)
		return nil
	}))

	const (
		workers = 6
		perWork = 40
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWork; i++ {
				if (w+i)%2 == 0 {
					if _, err := c.Send(ctx, []uint32{uint32(hxg.ActionDefault), uint32(i)}, nil); err != nil {
						return fmt.Errorf("Send: %w", err)
					}
					continue
				}
				inval := []uint32{uint32(hxg.ActionTLBInvalidation), uint32(w*perWork + i + 1), 0}
				if err := c.SendBusyLoop(ctx, inval, hxg.TLBDoneLen); err != nil {
					return fmt.Errorf("SendBusyLoop: %w", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("workers: %v", err)
	}

	const invalidations = workers * perWork / 2
	waitFor(t, "all completions", func() bool { return done.Load() == invalidations })
	waitFor(t, "credit to return", func() bool { return c.Snapshot().Credit == maxCredit(c) })

	s := c.Snapshot()
	if s.CreditLow < 0 {
		t.Errorf("G2H credit went negative: %d", s.CreditLow)
	}
	if o := fw.Stats().Overflows; o != 0 {
		t.Errorf("firmware overflowed G2H %d times", o)
	}
	if s.Broken {
		t.Errorf("channel broke: %v", s)
	}
}

func TestFenceUniqueWhileOutstanding(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Pause()

	const n = 8
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := c.Send(ctx, []uint32{uint32(hxg.ActionDefault)}, nil)
			return err
		})
	}
	waitFor(t, "requests to be pending", func() bool { return len(c.Snapshot().Pending) == n })

	seen := make(map[uint16]bool)
	for _, p := range c.Snapshot().Pending {
		if seen[p.Fence] {
			t.Errorf("fence %d used twice", p.Fence)
		}
		seen[p.Fence] = true
	}

	// The fence counter skips fences still in use.
	c.pendingMu.Lock()
	c.lastFence = 0
	f := c.nextFenceLocked()
	c.pendingMu.Unlock()
	if seen[f] {
		t.Errorf("nextFence returned outstanding fence %d", f)
	}

	fw.Resume()
	if err := g.Wait(); err != nil {
		t.Errorf("Send: %v", err)
	}
}

func TestDeferredEvent(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Handle(0x20, func(uint16, uint32, []uint32) fwsim.Reply { return fwsim.Reply{Data0: 9} })

	got := make(chan uint32, 1)
	c.RegisterHandler(hxg.ActionContextResetNotification, HandlerFunc(func(w *WorkerContext, m *Message) error {
		// Handlers may send.
		v, err := w.Send([]uint32{0x20}, nil)
		if err != nil {
			return err
		}
		got <- v + m.Data[0]
		return nil
	}))
	fw.SendEvent(hxg.ActionContextResetNotification, 0, 100)

	select {
	case v := <-got:
		if v != 109 {
			t.Errorf("handler result = %d, want 109", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler not run")
	}
}

func TestWorkerBacklog(t *testing.T) {
	c, fw := newTestChannel(t, Options{WorkerQueue: 1})
	release := make(chan struct{})
	var order []uint32
	handled := make(chan struct{}, 16)
	c.RegisterHandler(hxg.ActionEngineFailureNotification, HandlerFunc(func(w *WorkerContext, m *Message) error {
		<-release
		order = append(order, m.Data[0])
		handled <- struct{}{}
		return nil
	}))

	const n = 6
	for i := uint32(0); i < n; i++ {
		fw.SendEvent(hxg.ActionEngineFailureNotification, 0, i)
	}
	waitFor(t, "backlog report", func() bool { return c.metrics.backlog.Value() > 0 })
	close(release)
	for i := 0; i < n; i++ {
		select {
		case <-handled:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d events handled", i)
		}
	}
	if diff := cmp.Diff([]uint32{0, 1, 2, 3, 4, 5}, order); diff != "" {
		t.Errorf("handling order mismatch (-want +got):\n%s", diff)
	}
}

// A handler blocked on a response must not keep G2H from being drained,
// however many events are queued behind it.
func TestHandlerSendsWithBacklog(t *testing.T) {
	c, fw := newTestChannel(t, Options{
		WorkerQueue: 1,
		Classifier: func(action uint16) Disposition {
			if action == hxg.ActionMemoryCatError {
				return Disposition{Inline: true}
			}
			return DefaultClassifier(action)
		},
	})
	inline := make(chan struct{})
	c.RegisterFast(hxg.ActionMemoryCatError, FastHandlerFunc(func(m *Message) error {
		close(inline)
		return nil
	}))
	sent := make(chan error, 1)
	var calls atomic.Int32
	c.RegisterHandler(hxg.ActionEngineFailureNotification, HandlerFunc(func(w *WorkerContext, m *Message) error {
		if calls.Add(1) > 1 {
			return nil
		}
		// The inline event is behind the queued ones.
		select {
		case <-inline:
		case <-time.After(5 * time.Second):
			sent <- errors.New("inline event not drained")
			return nil
		}
		_, err := w.Send([]uint32{uint32(hxg.ActionDefault)}, nil)
		sent <- err
		return err
	}))

	for i := uint32(0); i < 4; i++ {
		fw.SendEvent(hxg.ActionEngineFailureNotification, 0, i)
	}
	fw.SendEvent(hxg.ActionMemoryCatError, 1)

	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("handler Send: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("handler did not finish")
	}
	waitFor(t, "all events handled", func() bool { return calls.Load() == 4 })
	if got := c.Snapshot().Queued; got != 0 {
		t.Errorf("Queued = %d after the worker caught up", got)
	}
}

func TestInjectedClassifier(t *testing.T) {
	c, fw := newTestChannel(t, Options{
		Classifier: func(action uint16) Disposition {
			if action == hxg.ActionMemoryCatError {
				return Disposition{Inline: true}
			}
			return DefaultClassifier(action)
		},
	})
	got := make(chan uint32, 1)
	c.RegisterFast(hxg.ActionMemoryCatError, FastHandlerFunc(func(m *Message) error {
		got <- m.Header.Data0()
		return nil
	}))
	fw.SendEvent(hxg.ActionMemoryCatError, 0x5)
	select {
	case v := <-got:
		if v != 5 {
			t.Errorf("data0 = %d, want 5", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("fast handler not run")
	}
}

func TestMigrationRecovery(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	gen := c.Snapshot().Generation
	fw.Inject(fwsim.Fault{Kind: fwsim.FaultMigrate})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Send(ctx, []uint32{uint32(hxg.ActionDefault)}, nil); err != nil {
		t.Fatalf("Send across migration: %v", err)
	}
	if got := c.metrics.migrations.Value(); got != 1 {
		t.Errorf("migrations = %d, want 1", got)
	}
	s := c.Snapshot()
	if s.Generation == gen || s.Broken {
		t.Errorf("after migration: %v", s)
	}
	if s.Credit != maxCredit(c) {
		t.Errorf("credit = %d, want %d", s.Credit, maxCredit(c))
	}
}

func TestEnableFailureCleansUp(t *testing.T) {
	fw := fwsim.New(fwsim.Options{})
	fw.Start()
	defer fw.Stop()
	c, err := New(fw, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(context.Background())
	fw.Connect(c.Memory().Region, c)

	fw.FailMailbox(errors.New("mailbox timeout"))
	if err := c.Enable(context.Background()); err == nil {
		t.Fatalf("Enable succeeded with a failing mailbox")
	}
	if c.Enabled() {
		t.Errorf("channel enabled after failed Enable")
	}
	if _, err := c.Send(context.Background(), []uint32{0}, nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("Send = %v, want ErrDisabled", err)
	}
	if err := c.Enable(context.Background()); err != nil {
		t.Fatalf("second Enable: %v", err)
	}
	if _, err := c.Send(context.Background(), []uint32{0}, nil); err != nil {
		t.Errorf("Send: %v", err)
	}
}

func TestDisableFailsPending(t *testing.T) {
	c, fw := newTestChannel(t, Options{})
	fw.Pause()
	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), []uint32{uint32(hxg.ActionDefault)}, nil)
		errc <- err
	}()
	waitFor(t, "request to be pending", func() bool { return len(c.Snapshot().Pending) == 1 })
	c.Disable(context.Background())
	if err := <-errc; !errors.Is(err, ErrDisabled) {
		t.Errorf("pending Send = %v, want ErrDisabled", err)
	}
	if _, err := c.Send(context.Background(), []uint32{0}, nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("Send after Disable = %v, want ErrDisabled", err)
	}
}

func TestInvalidAction(t *testing.T) {
	c, _ := newTestChannel(t, Options{})
	if _, err := c.Send(context.Background(), nil, nil); err == nil {
		t.Errorf("Send with empty action succeeded")
	}
	if err := c.SendNB(make([]uint32, hxg.MaxHXGLen+1), 0); err == nil {
		t.Errorf("SendNB with oversized action succeeded")
	}
}

func TestNewValidatesSizes(t *testing.T) {
	for _, opts := range []Options{
		{H2GSize: 100},
		{G2HSize: 256},
		{G2HSize: 1024, G2HReserved: 800},
	} {
		if _, err := New(fwsim.New(fwsim.Options{}), opts); err == nil {
			t.Errorf("New(%+v) succeeded", opts)
		}
	}
}
