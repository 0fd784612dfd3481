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
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/ct/ring"
)

// request is a blocking request waiting for its answer.
type request struct {
	fence  uint16
	seq    uint64
	action uint16
	sent   time.Time
	resp   []uint32

	// generation is the buffer generation the request was written in.
	// Its response credit is only returned to the same generation.
	generation uint64

	// The following are set under pendingMu. status, respLen and err are
	// final once done is closed.
	status  hxg.Header
	respLen int
	err     error
	busy    int

	done   chan struct{}
	busyCh chan struct{}
}

func checkAction(action []uint32) error {
	if len(action) == 0 || len(action) > hxg.MaxHXGLen {
		return fmt.Errorf("ct: invalid action length %d", len(action))
	}
	return nil
}

// nextFenceLocked returns a fence not used by any pending request.
//
// Preconditions: pendingMu is held.
func (c *Channel) nextFenceLocked() uint16 {
	for {
		c.lastFence++
		if _, ok := c.pending[c.lastFence]; !ok {
			return c.lastFence
		}
	}
}

// tryWriteLocked writes action as one message of type t if H2G has room for
// it and g2hLen dwords of G2H credit are available for the answer. If r is
// not nil it is added to the pending requests before the message becomes
// visible to the firmware.
//
// Preconditions: sendMu is held.
func (c *Channel) tryWriteLocked(t hxg.Type, action []uint32, g2hLen uint32, r *request) error {
	if c.credit.Load() < int64(g2hLen) {
		return ring.ErrNoRoom
	}
	g, err := c.h2g.TryReserve(uint32(hxg.CTBHeaderLen + len(action)))
	if err != nil {
		return err
	}

	c.pendingMu.Lock()
	fence := c.nextFenceLocked()
	if r != nil {
		c.seq++
		r.fence = fence
		r.seq = c.seq
		r.sent = time.Now()
		r.generation = c.generation.Load()
		c.pending[fence] = r
	}
	c.pendingMu.Unlock()

	g.Put(hxg.CTBHeader{Fence: fence, Format: hxg.FormatHXG, Len: uint32(len(action))}.Encode())
	g.Put(hxg.Request(t, action[0]))
	for _, v := range action[1:] {
		g.Put(v)
	}
	g.Commit()
	c.reserveCredit(g2hLen)
	return nil
}

// attempt makes one attempt at writing a message. It returns ErrNoSpace if
// there is no room yet, and ErrDeadlocked once there has been no room for
// longer than the deadlock timeout.
func (c *Channel) attempt(t hxg.Type, action []uint32, g2hLen uint32, r *request) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.checkUsable(); err != nil {
		return err
	}

	err := c.tryWriteLocked(t, action, g2hLen, r)
	switch {
	case err == nil:
		c.stallTime = time.Time{}
		return nil
	case errors.Is(err, ring.ErrNoRoom):
		now := time.Now()
		if c.stallTime.IsZero() {
			c.stallTime = now
			return ErrNoSpace
		}
		if stalled := now.Sub(c.stallTime); stalled > c.opts.DeadlockTimeout {
			c.markBroken(fmt.Errorf("%w: no room for %v (H2G %v, G2H credit %d)", ErrDeadlocked, stalled, c.h2g.Snapshot(), c.credit.Load()))
			return ErrDeadlocked
		}
		return ErrNoSpace
	case errors.Is(err, ring.ErrMigrated):
		return err
	case errors.Is(err, ring.ErrCorrupted), errors.Is(err, ring.ErrBroken):
		c.markBroken(fmt.Errorf("H2G: %w", err))
		return ErrBroken
	default:
		return err
	}
}

// waitForRoom calls attempt until it succeeds, sleeping between attempts
// with an exponential backoff starting at 1ms.
func (c *Channel) waitForRoom(ctx context.Context, t hxg.Type, action []uint32, g2hLen uint32, r *request) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.opts.MaxBackoff
	// The deadlock timeout bounds the wait.
	b.MaxElapsedTime = 0

	waited := false
	err := backoff.Retry(func() error {
		err := c.attempt(t, action, g2hLen, r)
		if errors.Is(err, ErrNoSpace) {
			if !waited {
				waited = true
				c.metrics.roomWaits.Increment()
			}
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, ErrNoSpace) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Channel) reserveCredit(n uint32) {
	v := c.credit.Add(-int64(n))
	for {
		low := c.creditLow.Load()
		if v >= low || c.creditLow.CompareAndSwap(low, v) {
			return
		}
	}
}

// releaseCredit returns n dwords of G2H credit. Credit never grows past the
// initial amount, even if the firmware sends more than it was asked to.
func (c *Channel) releaseCredit(n uint32) {
	max := int64(c.opts.G2HSize - 1 - c.opts.G2HReserved)
	for {
		v := c.credit.Load()
		nv := v + int64(n)
		if nv > max {
			c.limited.Warningf("G2H credit overflow: %d + %d > %d", v, n, max)
			nv = max
		}
		if c.credit.CompareAndSwap(v, nv) {
			return
		}
	}
}

// releaseResponseCredit returns the credit held by r, unless the buffers
// were reset since r was written.
func (c *Channel) releaseResponseCredit(r *request) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if r.generation == c.generation.Load() {
		c.releaseCredit(respCredit)
	}
}

// Send sends a request and waits for the firmware's answer.
//
// action[0] carries the action code in bits 15:0 and inline data in bits
// 27:16; the remaining dwords are the payload. The payload of a successful
// answer is copied into resp. Send returns the number of dwords copied if
// resp is not nil, and the data0 field of the answer otherwise.
//
// Requests the firmware asks to retry are sent again, as are requests lost
// to a firmware migration. A failure answer is returned as a
// *ResponseError.
func (c *Channel) Send(ctx context.Context, action []uint32, resp []uint32) (uint32, error) {
	if err := checkAction(action); err != nil {
		return 0, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		gen := c.generation.Load()
		v, err := c.sendOnce(ctx, action, resp)
		switch {
		case errors.Is(err, errRetry):
			c.metrics.retries.Increment()
			continue
		case errors.Is(err, ring.ErrMigrated):
			if err := c.recoverMigration(ctx, gen); err != nil {
				return 0, err
			}
			continue
		}
		return v, err
	}
}

func (c *Channel) sendOnce(ctx context.Context, action []uint32, resp []uint32) (uint32, error) {
	r := &request{
		action: uint16(action[0]),
		resp:   resp,
		done:   make(chan struct{}),
		busyCh: make(chan struct{}, 1),
	}
	if err := c.waitForRoom(ctx, hxg.TypeRequest, action, respCredit, r); err != nil {
		return 0, err
	}
	c.metrics.h2g.Increment("request")
	c.t.Notify()

	err := c.waitResponse(ctx, r)
	c.releaseResponseCredit(r)
	if err != nil {
		return 0, err
	}

	switch r.status.Type {
	case hxg.TypeResponseSuccess:
		if resp != nil {
			return uint32(r.respLen), nil
		}
		return r.status.ResponseData0(), nil
	case hxg.TypeNoResponseRetry:
		c.log.Debugf("action %#x fence %d: retry requested, reason %#x", r.action, r.fence, r.status.Reason())
		return 0, errRetry
	case hxg.TypeResponseFailure:
		c.metrics.failures.Increment()
		return 0, &ResponseError{Action: r.action, Code: r.status.Error(), Hint: r.status.Hint()}
	default:
		return 0, fmt.Errorf("ct: unexpected answer %v to action %#x", r.status.Type, r.action)
	}
}

// waitResponse blocks until r is answered. Every NO_RESPONSE_BUSY answer
// restarts the timeout.
func (c *Channel) waitResponse(ctx context.Context, r *request) error {
	timer := time.NewTimer(c.opts.ResponseTimeout)
	defer timer.Stop()
	for {
		select {
		case <-r.done:
			return r.err
		case <-r.busyCh:
			timer.Reset(c.opts.BusyTimeout)
		case <-timer.C:
			if !c.removePending(r) {
				<-r.done
				return r.err
			}
			c.log.Warningf("action %#x fence %d: no response after %v", r.action, r.fence, time.Since(r.sent))
			return fmt.Errorf("%w: action %#x fence %d", ErrTimeout, r.action, r.fence)
		case <-ctx.Done():
			if !c.removePending(r) {
				<-r.done
				return r.err
			}
			return ctx.Err()
		}
	}
}

// removePending removes r from the pending requests. It returns false if r
// was already completed.
func (c *Channel) removePending(r *request) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending[r.fence] != r {
		return false
	}
	delete(c.pending, r.fence)
	return true
}

// SendNB sends a request without waiting for an answer. g2hLen dwords of G2H
// credit are held for the event the firmware sends in reply, and are
// returned when that event is drained.
//
// SendNB never sleeps. It returns ErrNoSpace if there is no room now, and
// ring.ErrMigrated if the buffers need to be resynchronized first.
func (c *Channel) SendNB(action []uint32, g2hLen uint32) error {
	if err := checkAction(action); err != nil {
		return err
	}
	if err := c.attempt(hxg.TypeFastRequest, action, g2hLen, nil); err != nil {
		return err
	}
	c.metrics.h2g.Increment("fast_request")
	c.t.Notify()
	return nil
}

// SendBusyLoop is SendNB, waiting with backoff while there is no room.
func (c *Channel) SendBusyLoop(ctx context.Context, action []uint32, g2hLen uint32) error {
	if err := checkAction(action); err != nil {
		return err
	}
	for {
		gen := c.generation.Load()
		err := c.waitForRoom(ctx, hxg.TypeFastRequest, action, g2hLen, nil)
		if errors.Is(err, ring.ErrMigrated) {
			if err := c.recoverMigration(ctx, gen); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		c.metrics.h2g.Increment("fast_request")
		c.t.Notify()
		return nil
	}
}
