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
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gvisor.dev/gpuct/pkg/ct/ring"
)

// PendingRequest describes a request waiting for its answer.
type PendingRequest struct {
	Fence  uint16
	Action uint16
	Age    time.Duration
	Busy   int
}

// Snapshot is the state of a Channel, for diagnostics.
type Snapshot struct {
	Enabled    bool
	Broken     bool
	Generation uint64

	H2G ring.State
	G2H ring.State

	// Credit is the G2H credit available now, CreditLow the lowest it has
	// been since the last reset.
	Credit    int64
	CreditLow int64

	// Stalled is how long senders have found no room.
	Stalled time.Duration

	// Pending lists pending requests, oldest first.
	Pending []PendingRequest

	// Queued is the number of events waiting for the worker.
	Queued int
}

func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "enabled=%t broken=%t generation=%d\n", s.Enabled, s.Broken, s.Generation)
	fmt.Fprintf(&b, "H2G: %v stalled=%v\n", s.H2G, s.Stalled)
	fmt.Fprintf(&b, "G2H: %v credit=%d low=%d queued=%d\n", s.G2H, s.Credit, s.CreditLow, s.Queued)
	fmt.Fprintf(&b, "%d pending requests", len(s.Pending))
	for _, p := range s.Pending {
		fmt.Fprintf(&b, "\n\tfence %d action %#x age %v busy %d", p.Fence, p.Action, p.Age, p.Busy)
	}
	return b.String()
}

// Snapshot returns the current state of c.
func (c *Channel) Snapshot() Snapshot {
	s := Snapshot{
		Enabled: c.enabled.Load(),
		Broken:  c.broken.Load(),
	}
	c.queueMu.Lock()
	s.Queued = len(c.queue)
	c.queueMu.Unlock()

	c.sendMu.Lock()
	s.H2G = c.h2g.Snapshot()
	if !c.stallTime.IsZero() {
		s.Stalled = time.Since(c.stallTime)
	}
	s.Generation = c.generation.Load()
	s.Credit = c.credit.Load()
	s.CreditLow = c.creditLow.Load()
	c.sendMu.Unlock()

	c.recvMu.Lock()
	s.G2H = c.g2h.Snapshot()
	c.recvMu.Unlock()

	// Copy under pendingMu: busy is written by the drain path.
	type entry struct {
		seq uint64
		p   PendingRequest
	}
	now := time.Now()
	c.pendingMu.Lock()
	entries := make([]entry, 0, len(c.pending))
	for _, r := range c.pending {
		entries = append(entries, entry{r.seq, PendingRequest{
			Fence:  r.fence,
			Action: r.action,
			Age:    now.Sub(r.sent),
			Busy:   r.busy,
		}})
	}
	c.pendingMu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries {
		s.Pending = append(s.Pending, e.p)
	}
	return s
}

// DeadReport is passed to Options.OnDead.
type DeadReport struct {
	Err      error
	Snapshot Snapshot
}

// markBroken breaks the channel. Pending requests fail with ErrDeadlocked
// if err is a deadlock and with ErrBroken otherwise. The first failure after
// Enable starts the dead-channel report.
func (c *Channel) markBroken(err error) {
	if !c.broken.CompareAndSwap(false, true) {
		return
	}
	c.metrics.broken.Increment()
	c.log.Warningf("channel broken: %v", err)
	if errors.Is(err, ErrDeadlocked) {
		c.failPending(ErrDeadlocked)
	} else {
		c.failPending(ErrBroken)
	}
	if c.deadArmed.CompareAndSwap(true, false) {
		go c.reportDead(err, c.deadDone)
	}
}

// reportDead logs the state of the channel and calls OnDead. It runs on its
// own goroutine since it takes the channel locks and OnDead may reset the
// channel.
func (c *Channel) reportDead(err error, done chan struct{}) {
	defer close(done)
	s := c.Snapshot()
	c.log.Warningf("dead channel: %v\n%v", err, s)
	if c.opts.OnDead != nil {
		c.opts.OnDead(DeadReport{Err: err, Snapshot: s})
	}
}
