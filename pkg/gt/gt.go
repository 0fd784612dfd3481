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

// Package gt holds the state of one GPU tile: its invalidation counter, its
// firmware transport and its TLB invalidator.
//
// There is no global state. Everything that needs a tile is handed a *Tile.
package gt

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"
	"gvisor.dev/gpuct/pkg/ct"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/gate"
	"gvisor.dev/gpuct/pkg/log"
	"gvisor.dev/gpuct/pkg/metric"
	"gvisor.dev/gpuct/pkg/mmio"
	"gvisor.dev/gpuct/pkg/seqno"
	"gvisor.dev/gpuct/pkg/sync"
	"gvisor.dev/gpuct/pkg/tlb"
)

// ErrClosed is returned by operations on a closed Tile.
var ErrClosed = errors.New("gt: tile closed")

// Options configures a Tile.
type Options struct {
	// ID names the tile in logs.
	ID int

	// Transport is the firmware's out-of-band interface. If nil, the tile
	// has no firmware and invalidates through Registers.
	Transport ct.Transport

	// Registers is the tile's register file, used when the firmware is
	// unavailable. May be nil if Transport is set.
	Registers mmio.Registers

	Channel ct.Options
	TLB     tlb.Options

	// ResetOnDead resets the tile when the transport breaks.
	ResetOnDead bool

	// ResetTimeout bounds a reset triggered by a dead transport.
	ResetTimeout time.Duration

	Logger  log.Logger
	Metrics *metric.Registry
}

// Tile is one GPU tile.
type Tile struct {
	opts    Options
	log     log.Logger
	metrics *metric.Registry
	resets  *metric.Uint64Metric

	// gate is held by every operation and closed by Close.
	gate gate.Gate

	counter seqno.Counter
	ch      *ct.Channel
	inv     *tlb.Invalidator

	// mu serializes Start, Suspend, Resume, Reset and Close.
	mu        sync.Mutex
	started   bool
	closed    bool
	suspended atomic.Bool
	resetting atomic.Bool
	wedged    atomic.Bool
	reason    atomic.Pointer[string]

	tomb  *tomb.Tomb
	reset chan struct{}
}

// New returns a Tile that is not started. If the transport needs to know
// where the buffers live, connect it to Channel().Memory() before Start.
func New(opts Options) (*Tile, error) {
	if opts.Transport == nil && opts.Registers == nil {
		return nil, errors.New("gt: neither transport nor registers")
	}
	if opts.ResetTimeout == 0 {
		opts.ResetTimeout = 5 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metric.NewRegistry("gpuct")
	}
	t := &Tile{
		opts:    opts,
		log:     log.Prefixed(opts.Logger, fmt.Sprintf("gt%d", opts.ID)),
		metrics: opts.Metrics,
		reset:   make(chan struct{}, 1),
	}
	var err error
	if t.resets, err = opts.Metrics.NewUint64Metric("/gt/resets", "Tile resets.", metric.NewField("result", "ok", "wedged")); err != nil {
		return nil, err
	}
	if err := opts.Metrics.RegisterCustomUint64Metric("/gt/wedged", false /* cumulative */, "Whether the tile is wedged.", func(...string) uint64 {
		if t.wedged.Load() {
			return 1
		}
		return 0
	}); err != nil {
		return nil, err
	}

	if opts.Transport != nil {
		copts := opts.Channel
		copts.Logger = t.log
		copts.Metrics = opts.Metrics
		copts.OnDead = t.handleDeadChannel
		if t.ch, err = ct.New(opts.Transport, copts); err != nil {
			return nil, fmt.Errorf("channel: %w", err)
		}
	}

	topts := opts.TLB
	topts.Counter = &t.counter
	topts.State = t
	topts.Registers = opts.Registers
	topts.Logger = t.log
	topts.Metrics = opts.Metrics
	if t.ch != nil {
		topts.Firmware = t.ch
	}
	if t.inv, err = tlb.New(topts); err != nil {
		if t.ch != nil {
			t.ch.Close(context.Background())
		}
		return nil, err
	}
	if t.ch != nil {
		t.ch.RegisterFast(hxg.ActionTLBInvalidationDone, t.inv.DoneHandler())
	}
	return t, nil
}

// Channel returns the tile's transport, or nil if it has no firmware.
func (t *Tile) Channel() *ct.Channel {
	return t.ch
}

// Counter returns the tile's invalidation counter.
func (t *Tile) Counter() *seqno.Counter {
	return &t.counter
}

// Invalidator returns the tile's TLB invalidator.
func (t *Tile) Invalidator() *tlb.Invalidator {
	return t.inv
}

// Metrics returns the registry the tile's metrics are in.
func (t *Tile) Metrics() *metric.Registry {
	return t.metrics
}

// Start enables the transport and starts the recovery goroutine.
func (t *Tile) Start(ctx context.Context) error {
	if !t.gate.Enter() {
		return ErrClosed
	}
	defer t.gate.Leave()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("gt: already started")
	}

	if t.ch != nil {
		if err := t.ch.Enable(ctx); err != nil {
			return fmt.Errorf("enabling transport: %w", err)
		}
	}
	tb := &tomb.Tomb{}
	tb.Go(func() error { return t.runRecovery(tb) })
	t.tomb = tb
	t.started = true
	t.log.Infof("tile started")
	return nil
}

// Close stops the tile. Operations in flight complete, later ones fail with
// ErrClosed. Waiters for invalidations are released.
func (t *Tile) Close(ctx context.Context) error {
	t.gate.Close()

	// The recovery goroutine takes mu, so stop it first.
	t.mu.Lock()
	tb := t.tomb
	t.tomb = nil
	t.mu.Unlock()
	if tb != nil {
		tb.Kill(nil)
		tb.Wait()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.started = false
	t.counter.Revoke()
	if t.ch != nil {
		return t.ch.Close(ctx)
	}
	return nil
}

// Suspend powers the tile down. Invalidations on a suspended tile are no-ops
// and outstanding ones are considered done.
func (t *Tile) Suspend(ctx context.Context) error {
	if !t.gate.Enter() {
		return ErrClosed
	}
	defer t.gate.Leave()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspended.Store(true)
	if t.ch != nil {
		t.ch.Disable(ctx)
	}
	t.counter.Revoke()
	t.log.Infof("tile suspended")
	return nil
}

// Resume powers the tile up again.
func (t *Tile) Resume(ctx context.Context) error {
	if !t.gate.Enter() {
		return ErrClosed
	}
	defer t.gate.Leave()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil && !t.wedged.Load() {
		if err := t.ch.Enable(ctx); err != nil {
			return fmt.Errorf("enabling transport: %w", err)
		}
	}
	t.suspended.Store(false)
	t.log.Infof("tile resumed")
	return nil
}

// Reset resets the tile: outstanding invalidations are revoked and the
// transport is brought up again. If that fails the tile is wedged.
func (t *Tile) Reset(ctx context.Context) error {
	if !t.gate.Enter() {
		return ErrClosed
	}
	defer t.gate.Leave()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetLocked(ctx)
}

// Preconditions: t.mu is held.
func (t *Tile) resetLocked(ctx context.Context) error {
	if t.wedged.Load() {
		return fmt.Errorf("gt: tile wedged: %s", t.WedgeReason())
	}
	t.resetting.Store(true)
	defer t.resetting.Store(false)
	t.log.Infof("resetting tile")

	if t.ch == nil {
		t.counter.Revoke()
		t.resets.Increment("ok")
		return nil
	}
	// Nothing reaches the firmware once Disable returns, so every seqno
	// written before it is revoked here and later ones fall back to
	// registers until Enable.
	t.ch.Disable(ctx)
	t.counter.Revoke()
	if err := t.ch.Enable(ctx); err != nil {
		t.resets.Increment("wedged")
		t.Wedge(fmt.Sprintf("reset failed: %v", err))
		return fmt.Errorf("re-enabling transport: %w", err)
	}
	t.resets.Increment("ok")
	return nil
}

// Wedge marks the tile unrecoverable. Invalidations become no-ops and every
// waiter is released.
func (t *Tile) Wedge(reason string) {
	t.reason.CompareAndSwap(nil, &reason)
	if t.wedged.Swap(true) {
		return
	}
	t.counter.SetWedged()
	t.log.Warningf("tile wedged: %s", reason)
}

// WedgeReason returns why the tile was wedged.
func (t *Tile) WedgeReason() string {
	if r := t.reason.Load(); r != nil {
		return *r
	}
	return ""
}

// Wedged implements tlb.State.Wedged.
func (t *Tile) Wedged() bool {
	return t.wedged.Load()
}

// Suspended implements tlb.State.Suspended.
func (t *Tile) Suspended() bool {
	return t.suspended.Load()
}

// ResetInProgress implements tlb.State.ResetInProgress.
func (t *Tile) ResetInProgress() bool {
	return t.resetting.Load()
}

// handleDeadChannel is the transport's OnDead callback.
func (t *Tile) handleDeadChannel(r ct.DeadReport) {
	t.log.Warningf("transport died: %v", r.Err)
	if !t.opts.ResetOnDead {
		return
	}
	select {
	case t.reset <- struct{}{}:
	default:
	}
}

// runRecovery resets the tile after the transport died.
func (t *Tile) runRecovery(tb *tomb.Tomb) error {
	for {
		select {
		case <-tb.Dying():
			return nil
		case <-t.reset:
		}
		ctx, cancel := context.WithTimeout(tb.Context(nil), t.opts.ResetTimeout)
		t.mu.Lock()
		if err := t.resetLocked(ctx); err != nil {
			t.log.Warningf("reset after transport death: %v", err)
		}
		t.mu.Unlock()
		cancel()
	}
}

// InvalidateFull is tlb.Invalidator.InvalidateFull.
func (t *Tile) InvalidateFull(ctx context.Context, mode tlb.Mode) (uint32, error) {
	if !t.gate.Enter() {
		return 0, ErrClosed
	}
	defer t.gate.Leave()
	return t.inv.InvalidateFull(ctx, mode)
}

// InvalidateRange is tlb.Invalidator.InvalidateRange.
func (t *Tile) InvalidateRange(ctx context.Context, vm tlb.VM, start, length uint64) (uint32, error) {
	if !t.gate.Enter() {
		return 0, ErrClosed
	}
	defer t.gate.Leave()
	return t.inv.InvalidateRange(ctx, vm, start, length)
}

// Wait is tlb.Invalidator.Wait. It does not need the tile to be open.
func (t *Tile) Wait(ctx context.Context, s uint32, timeout time.Duration) bool {
	return t.inv.Wait(ctx, s, timeout)
}

// Sync is tlb.Invalidator.Sync.
func (t *Tile) Sync(ctx context.Context, mode tlb.Mode, timeout time.Duration) error {
	if !t.gate.Enter() {
		return ErrClosed
	}
	defer t.gate.Leave()
	return t.inv.Sync(ctx, mode, timeout)
}

// SyncRange is tlb.Invalidator.SyncRange.
func (t *Tile) SyncRange(ctx context.Context, vm tlb.VM, start, length uint64, timeout time.Duration) error {
	if !t.gate.Enter() {
		return ErrClosed
	}
	defer t.gate.Leave()
	return t.inv.SyncRange(ctx, vm, start, length, timeout)
}

// Send sends a request to the firmware.
func (t *Tile) Send(ctx context.Context, action []uint32, resp []uint32) (uint32, error) {
	if !t.gate.Enter() {
		return 0, ErrClosed
	}
	defer t.gate.Leave()
	if t.ch == nil {
		return 0, ct.ErrDisabled
	}
	return t.ch.Send(ctx, action, resp)
}
