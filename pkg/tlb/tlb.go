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

// Package tlb invalidates the GPU TLBs of a tile.
//
// Every invalidation is tagged with a seqno from a seqno.Counter. When the
// firmware transport is up, invalidations are sent to the firmware, which
// reports completion with a TLB_INVALIDATION_DONE event handled by
// DoneHandler. Otherwise the invalidation registers are written directly
// and polled, and the counter is advanced once they read back done.
//
// Callers that are about to reuse memory previously mapped into the GPU
// must Wait for the returned seqno.
package tlb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gvisor.dev/gpuct/pkg/ct"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/log"
	"gvisor.dev/gpuct/pkg/metric"
	"gvisor.dev/gpuct/pkg/mmio"
	"gvisor.dev/gpuct/pkg/seqno"
	"gvisor.dev/gpuct/pkg/sync"
)

// Mode is the invalidation mode.
type Mode uint32

const (
	// Heavy invalidates every TLB level and waits for outstanding
	// translations.
	Heavy Mode = 0

	// Lite only invalidates the leaf entries.
	Lite Mode = 1
)

func (m Mode) String() string {
	switch m {
	case Heavy:
		return "heavy"
	case Lite:
		return "lite"
	default:
		return fmt.Sprintf("Mode(%d)", uint32(m))
	}
}

// Type is the scope of a firmware invalidation.
type Type uint32

const (
	Full          Type = 0
	PageSelective Type = 1
	GuC           Type = 3
)

// ErrTimeout is returned by Sync when the invalidation did not complete in
// time.
var ErrTimeout = errors.New("tlb: invalidation timed out")

// VM is an address space that can be invalidated by range.
type VM interface {
	// ASID returns the address space id the firmware knows the VM by.
	ASID() uint32
}

// Firmware sends invalidation requests to the firmware. *ct.Channel
// implements it.
type Firmware interface {
	// Enabled reports whether requests can be sent.
	Enabled() bool

	// SendBusyLoop sends a request without waiting for an answer,
	// reserving room for a g2hLen dwords reply.
	SendBusyLoop(ctx context.Context, action []uint32, g2hLen uint32) error
}

// State is the state of the tile owning an Invalidator.
type State interface {
	// Wedged reports whether the tile is unrecoverable.
	Wedged() bool

	// Suspended reports whether the tile is powered down. A powered down
	// tile has no live TLB entries.
	Suspended() bool

	// ResetInProgress reports whether the tile is being reset.
	ResetInProgress() bool

	// Wedge marks the tile unrecoverable.
	Wedge(reason string)
}

// Options configures an Invalidator.
type Options struct {
	// Mode is the mode used by InvalidateRange. InvalidateFull takes it as
	// an argument.
	Mode Mode

	// Firmware, if not nil, is the preferred path.
	Firmware Firmware

	// Registers, if not nil, is used when Firmware is nil or disabled.
	Registers mmio.Registers

	// Counter is required.
	Counter *seqno.Counter

	// State may be nil, in which case the tile is always awake.
	State State

	Logger  log.Logger
	Metrics *metric.Registry

	// NoRange makes InvalidateRange fall back to full invalidations.
	NoRange bool

	// MaxRangeLength, if not zero, is the largest window invalidated
	// selectively. Larger ranges get a full invalidation.
	MaxRangeLength uint64

	// PollTimeout bounds each register poll of the fallback path.
	PollTimeout time.Duration

	// Spin is how long Wait busy waits before sleeping.
	Spin time.Duration

	// WedgeOnTimeout makes Sync wedge the tile when an invalidation times
	// out.
	WedgeOnTimeout bool
}

// DefaultOptions returns the default Options. Counter must still be set.
func DefaultOptions() Options {
	return Options{
		Mode:           Heavy,
		PollTimeout:    4 * time.Millisecond,
		Spin:           10 * time.Microsecond,
		WedgeOnTimeout: true,
	}
}

// Invalidator issues TLB invalidations for one tile.
type Invalidator struct {
	opts    Options
	log     log.Logger
	limited log.Logger
	metrics *tlbMetrics

	// mu serializes invalidations. Firmware requests must reach the
	// buffer in seqno order, and the selective descriptor registers have
	// room for one invalidation at a time.
	mu sync.Mutex
}

// New returns an Invalidator.
func New(opts Options) (*Invalidator, error) {
	if opts.Counter == nil {
		return nil, errors.New("tlb: no counter")
	}
	if opts.Firmware == nil && opts.Registers == nil {
		return nil, errors.New("tlb: neither firmware nor registers")
	}
	def := DefaultOptions()
	if opts.PollTimeout == 0 {
		opts.PollTimeout = def.PollTimeout
	}
	if opts.Spin == 0 {
		opts.Spin = def.Spin
	}
	if opts.Metrics == nil {
		opts.Metrics = metric.NewRegistry("gpuct")
	}
	m, err := newTLBMetrics(opts.Metrics)
	if err != nil {
		return nil, err
	}
	l := log.Prefixed(opts.Logger, "tlb")
	return &Invalidator{
		opts:    opts,
		log:     l,
		limited: log.RateLimitedLogger(l, time.Second, 5),
		metrics: m,
	}, nil
}

// Counter returns the counter completions are reported to.
func (inv *Invalidator) Counter() *seqno.Counter {
	return inv.opts.Counter
}

// DoneHandler returns the handler for TLB_INVALIDATION_DONE events.
func (inv *Invalidator) DoneHandler() ct.FastHandler {
	return DoneHandler{Counter: inv.opts.Counter}
}

// idle reports whether invalidations are pointless: a wedged tile will be
// torn down, a suspended tile has nothing cached.
func (inv *Invalidator) idle() bool {
	s := inv.opts.State
	if inv.opts.Counter.Wedged() {
		return true
	}
	return s != nil && (s.Wedged() || s.Suspended())
}

func (inv *Invalidator) useFirmware() bool {
	return inv.opts.Firmware != nil && inv.opts.Firmware.Enabled()
}

// InvalidateFull invalidates every TLB of the tile and returns the seqno to
// wait for. It returns 0 if the tile is wedged or suspended.
func (inv *Invalidator) InvalidateFull(ctx context.Context, mode Mode) (uint32, error) {
	if inv.idle() {
		return 0, nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.opts.Counter.Next()
	if inv.useFirmware() {
		err := inv.opts.Firmware.SendBusyLoop(ctx, fullAction(s, Full, mode), hxg.TLBDoneLen)
		if err == nil {
			inv.metrics.full.Increment("guc")
			return s, nil
		}
		if inv.opts.Registers == nil {
			return 0, fmt.Errorf("full invalidation %d: %w", s, err)
		}
		inv.log.Warningf("firmware invalidation %d failed, using registers: %v", s, err)
	}
	if inv.opts.Registers == nil {
		return 0, fmt.Errorf("full invalidation: %w", ct.ErrDisabled)
	}
	inv.metrics.full.Increment("mmio")
	inv.mmioFull(ctx, s, mmio.TLBInvCRs)
	return s, nil
}

// InvalidateGGTT invalidates the firmware's own TLB.
func (inv *Invalidator) InvalidateGGTT(ctx context.Context) (uint32, error) {
	if inv.idle() {
		return 0, nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.opts.Counter.Next()
	if inv.useFirmware() {
		if err := inv.opts.Firmware.SendBusyLoop(ctx, fullAction(s, GuC, Heavy), hxg.TLBDoneLen); err != nil {
			return 0, fmt.Errorf("GGTT invalidation %d: %w", s, err)
		}
		inv.metrics.full.Increment("guc")
		return s, nil
	}
	if inv.opts.Registers == nil {
		return 0, fmt.Errorf("GGTT invalidation: %w", ct.ErrDisabled)
	}
	inv.metrics.full.Increment("mmio")
	inv.mmioFull(ctx, s, []mmio.Reg{mmio.GuCTLBInvCR})
	return s, nil
}

// InvalidateRange invalidates the TLB entries of vm covering [start,
// start+length) and returns the seqno to wait for. The range is widened to
// an aligned window, see AlignWindow.
func (inv *Invalidator) InvalidateRange(ctx context.Context, vm VM, start, length uint64) (uint32, error) {
	addr, size := AlignWindow(start, length)
	if inv.opts.NoRange || size == maxWindow || (inv.opts.MaxRangeLength != 0 && size > inv.opts.MaxRangeLength) {
		return inv.InvalidateFull(ctx, inv.opts.Mode)
	}
	if inv.idle() {
		return 0, nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.opts.Counter.Next()
	if inv.useFirmware() {
		err := inv.opts.Firmware.SendBusyLoop(ctx, rangeAction(s, inv.opts.Mode, vm.ASID(), addr, size), hxg.TLBDoneLen)
		if err == nil {
			inv.metrics.ranges.Increment("guc")
			return s, nil
		}
		if inv.opts.Registers == nil {
			return 0, fmt.Errorf("range invalidation %d: %w", s, err)
		}
		inv.log.Warningf("firmware invalidation %d failed, using registers: %v", s, err)
	}
	if inv.opts.Registers == nil {
		return 0, fmt.Errorf("range invalidation: %w", ct.ErrDisabled)
	}
	inv.metrics.ranges.Increment("mmio")
	inv.mmioRange(ctx, s, vm.ASID(), addr, size)
	return s, nil
}

func fullAction(s uint32, t Type, mode Mode) []uint32 {
	return []uint32{
		uint32(hxg.ActionTLBInvalidation),
		s,
		uint32(t)<<hxg.TLBTypeShift | uint32(mode)<<hxg.TLBModeShift | hxg.TLBFlushCache,
	}
}

func rangeAction(s uint32, mode Mode, asid uint32, addr, size uint64) []uint32 {
	return append(fullAction(s, PageSelective, mode),
		asid,
		uint32(addr),
		uint32(addr>>32),
		EncodeLength(size))
}

// mmioFull writes each of regs and waits for the hardware to clear them.
//
// Preconditions: inv.mu is held.
func (inv *Invalidator) mmioFull(ctx context.Context, s uint32, regs []mmio.Reg) {
	r := inv.opts.Registers
	for _, reg := range regs {
		r.Write32(reg, 1)
	}
	for _, reg := range regs {
		if err := mmio.WaitForRegister(ctx, r, reg, 1, 0, inv.opts.Spin, inv.opts.PollTimeout); err != nil {
			inv.pollTimeout(s, err)
		}
	}
	inv.opts.Counter.Advance(s)
}

// mmioRange programs the selective invalidation descriptor and waits for it
// to complete.
//
// Preconditions: inv.mu is held.
func (inv *Invalidator) mmioRange(ctx context.Context, s, asid uint32, addr, size uint64) {
	r := inv.opts.Registers
	r.Write32(mmio.TLBInvDesc1, asid<<mmio.DescASIDShift|uint32(addr>>32)&mmio.DescAddrHighMask)
	r.Write32(mmio.TLBInvDesc0, uint32(addr)&mmio.DescAddrLowMask|
		EncodeLength(size)<<mmio.DescLengthShift&mmio.DescLengthMask|
		mmio.DescValid)
	if err := mmio.WaitForRegister(ctx, r, mmio.TLBInvDesc0, mmio.DescValid, 0, inv.opts.Spin, inv.opts.PollTimeout); err != nil {
		inv.pollTimeout(s, err)
	}
	inv.opts.Counter.Advance(s)
}

// pollTimeout reports a register poll that timed out. A concurrent reset
// explains a missing acknowledgment.
func (inv *Invalidator) pollTimeout(s uint32, err error) {
	inv.metrics.pollTimeouts.Increment()
	if st := inv.opts.State; st != nil && st.ResetInProgress() {
		return
	}
	inv.limited.Warningf("invalidation %d: %v", s, err)
}

// Wait waits for invalidation s to complete, and reports whether it did.
// A zero seqno and a wedged tile need no waiting.
func (inv *Invalidator) Wait(ctx context.Context, s uint32, timeout time.Duration) bool {
	if s == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if inv.opts.Counter.Wait(ctx, s, inv.opts.Spin) {
		return true
	}
	inv.metrics.waitTimeouts.Increment()
	return false
}

// Sync invalidates every TLB and waits for completion.
func (inv *Invalidator) Sync(ctx context.Context, mode Mode, timeout time.Duration) error {
	s, err := inv.InvalidateFull(ctx, mode)
	if err != nil {
		return err
	}
	return inv.settle(ctx, s, timeout)
}

// SyncRange invalidates a range of vm and waits for completion.
func (inv *Invalidator) SyncRange(ctx context.Context, vm VM, start, length uint64, timeout time.Duration) error {
	s, err := inv.InvalidateRange(ctx, vm, start, length)
	if err != nil {
		return err
	}
	return inv.settle(ctx, s, timeout)
}

func (inv *Invalidator) settle(ctx context.Context, s uint32, timeout time.Duration) error {
	if inv.Wait(ctx, s, timeout) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := fmt.Errorf("%w: seqno %d after %v, completed %d", ErrTimeout, s, timeout, inv.opts.Counter.Completed())
	if inv.opts.WedgeOnTimeout && inv.opts.State != nil {
		inv.log.Warningf("%v, wedging", err)
		inv.opts.State.Wedge(err.Error())
	}
	return err
}

// DoneHandler advances a Counter on TLB_INVALIDATION_DONE events. It runs
// on the drain path.
type DoneHandler struct {
	Counter *seqno.Counter
}

// HandleFast implements ct.FastHandler.HandleFast.
func (h DoneHandler) HandleFast(m *ct.Message) error {
	if len(m.Data) < 1 {
		return fmt.Errorf("invalidation done without seqno: %#x", m.Data)
	}
	h.Counter.Advance(m.Data[0])
	return nil
}
