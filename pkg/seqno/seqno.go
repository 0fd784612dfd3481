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

// Package seqno tracks completion of TLB invalidations with a wrapping 32-bit
// sequence number.
//
// Every invalidation reserves a number with Next. The device (or the code
// polling it) reports completion with Advance, and callers that must not reuse
// memory before the invalidation landed block in Wait. Zero is never handed
// out, so a zero seqno means "nothing to wait for".
//
// The issued and completed numbers share one 64-bit word so that Revoke can
// move them together: a reader never sees completed lag behind a next value
// that was revoked.
package seqno

import (
	"context"
	"sync/atomic"
	"time"

	"gvisor.dev/gpuct/pkg/sync"
)

// Passed reports whether a is at or after b in the cyclic sequence space.
func Passed(a, b uint32) bool {
	return int32(a-b) >= 0
}

// Counter is a per-tile invalidation sequence counter. The zero value is
// ready for use. All methods are safe for concurrent use and none of them
// take a lock, so Advance may be called from the transport drain path.
type Counter struct {
	// state holds the last issued seqno in the upper 32 bits and the last
	// completed seqno in the lower 32 bits.
	state atomic.Uint64

	// wedged is sticky. Once set every seqno is considered passed.
	wedged atomic.Bool

	// wake is closed and cleared on every successful Advance and on Revoke.
	// Waiters install a fresh channel when they find it nil.
	wake atomic.Pointer[chan struct{}]
}

func pack(next, completed uint32) uint64 {
	return uint64(next)<<32 | uint64(completed)
}

func unpack(v uint64) (next, completed uint32) {
	return uint32(v >> 32), uint32(v)
}

// Next reserves and returns a new seqno. It never returns 0.
func (c *Counter) Next() uint32 {
	for {
		old := c.state.Load()
		next, completed := unpack(old)
		next++
		if next == 0 {
			next = 1
		}
		if c.state.CompareAndSwap(old, pack(next, completed)) {
			return next
		}
	}
}

// Advance records that seqno s has completed. It returns false, and changes
// nothing, if the completed counter is already at or past s.
func (c *Counter) Advance(s uint32) bool {
	for {
		old := c.state.Load()
		next, completed := unpack(old)
		if Passed(completed, s) {
			return false
		}
		if c.state.CompareAndSwap(old, pack(next, s)) {
			c.broadcast()
			return true
		}
	}
}

// HasPassed reports whether s has completed, or no longer needs to be waited
// for because the device is wedged.
func (c *Counter) HasPassed(s uint32) bool {
	if c.wedged.Load() {
		return true
	}
	_, completed := unpack(c.state.Load())
	return Passed(completed, s)
}

// Revoke marks every issued seqno as completed and wakes all waiters. It is
// used when the device is reset and outstanding invalidations will never be
// acknowledged individually. Revoke is idempotent.
func (c *Counter) Revoke() {
	for {
		old := c.state.Load()
		next, _ := unpack(old)
		if c.state.CompareAndSwap(old, pack(next, next)) {
			break
		}
	}
	c.broadcast()
}

// SetWedged marks the device unrecoverable. From then on HasPassed is always
// true and Wait never blocks.
func (c *Counter) SetWedged() {
	c.wedged.Store(true)
	c.Revoke()
}

// Wedged reports whether SetWedged was called.
func (c *Counter) Wedged() bool {
	return c.wedged.Load()
}

// Issued returns the most recently reserved seqno.
func (c *Counter) Issued() uint32 {
	next, _ := unpack(c.state.Load())
	return next
}

// Completed returns the most recently acknowledged seqno.
func (c *Counter) Completed() uint32 {
	_, completed := unpack(c.state.Load())
	return completed
}

// Wait blocks until s has passed or ctx is done, and reports whether s has
// passed. It first spins for up to spin, since most invalidations complete
// within tens of microseconds, then sleeps until woken by Advance or Revoke.
func (c *Counter) Wait(ctx context.Context, s uint32, spin time.Duration) bool {
	if c.HasPassed(s) {
		return true
	}
	if sync.SpinUntil(spin, func() bool { return c.HasPassed(s) }) {
		return true
	}
	for {
		// Grab the channel before checking so that a concurrent Advance
		// either is observed by the check or closes this channel.
		ch := c.waitChan()
		if c.HasPassed(s) {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return c.HasPassed(s)
		}
	}
}

func (c *Counter) waitChan() <-chan struct{} {
	for {
		if p := c.wake.Load(); p != nil {
			return *p
		}
		ch := make(chan struct{})
		if c.wake.CompareAndSwap(nil, &ch) {
			return ch
		}
	}
}

func (c *Counter) broadcast() {
	if p := c.wake.Swap(nil); p != nil {
		close(*p)
	}
}
