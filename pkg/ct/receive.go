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

	"gopkg.in/tomb.v2"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/ct/ring"
)

// Message is a message received from the firmware.
type Message struct {
	// Fence is the fence of the CTB header.
	Fence uint16

	// Header is the HXG header.
	Header hxg.Header

	// Data is the payload following the HXG header.
	Data []uint32

	// Len is the length of the message in the buffer, headers included.
	Len uint32
}

// Action returns the action code of an event.
func (m *Message) Action() uint16 {
	return m.Header.Action()
}

// Interrupt tells the channel that the firmware wrote to G2H. The buffer is
// drained by the tasklet goroutine; Interrupt never blocks.
func (c *Channel) Interrupt() {
	c.kickTasklet()
}

func (c *Channel) kickTasklet() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// runTasklet drains G2H whenever kicked. A drain that stops with messages
// left kicks again instead of looping, so that other work gets a turn.
func (c *Channel) runTasklet(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case <-c.kick:
		}
		more, err := c.Receive()
		if err != nil {
			if !errors.Is(err, ErrBroken) && !errors.Is(err, ErrDisabled) && !errors.Is(err, ring.ErrMigrated) {
				c.log.Warningf("receive failed: %v", err)
			}
			continue
		}
		if more {
			c.kickTasklet()
		}
	}
}

// Receive handles up to Options.DrainBudget messages from G2H and reports
// whether more are waiting. Responses complete their request, events are
// dispatched as decided by the Classifier.
//
// Receive never blocks, and never waits for the worker.
func (c *Channel) Receive() (bool, error) {
	if !c.enabled.Load() {
		return false, ErrDisabled
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.broken.Load() {
		return false, ErrBroken
	}

	for i := 0; i < c.opts.DrainBudget; i++ {
		raw, err := c.g2h.TryRead()
		switch {
		case errors.Is(err, ring.ErrMigrated):
			c.scheduleRecovery(c.generation.Load())
			return false, err
		case err != nil:
			c.markBroken(fmt.Errorf("G2H: %w", err))
			return false, ErrBroken
		case raw == nil:
			return false, nil
		}
		c.dispatch(raw)
	}
	return c.g2h.Available() > 0, nil
}

// dispatch handles one message read from G2H.
//
// Preconditions: recvMu is held.
func (c *Channel) dispatch(raw []uint32) {
	if err := hxg.ValidateCTBHeader(raw[0]); err != nil {
		c.metrics.g2h.Increment("invalid")
		c.limited.Warningf("dropping message %#x: %v", raw, err)
		return
	}
	h := hxg.DecodeHeader(raw[1])
	if h.Origin != hxg.OriginGuC {
		c.metrics.g2h.Increment("invalid")
		c.limited.Warningf("dropping message %#x: origin %v", raw, h.Origin)
		return
	}
	m := &Message{
		Fence:  hxg.DecodeCTBHeader(raw[0]).Fence,
		Header: h,
		Data:   raw[2:],
		Len:    uint32(len(raw)),
	}
	switch {
	case h.Type == hxg.TypeEvent:
		c.handleEvent(m)
	case h.Type.IsResponse():
		c.handleResponse(m)
	default:
		c.metrics.g2h.Increment("invalid")
		c.limited.Warningf("dropping message %#x: unexpected type %v", raw, h.Type)
	}
}

// handleEvent releases the event's credit if the Classifier says so, then
// runs the fast handler inline or queues the event to the worker.
//
// Preconditions: recvMu is held.
func (c *Channel) handleEvent(m *Message) {
	c.metrics.g2h.Increment("event")
	d := c.opts.Classifier(m.Action())
	if d.ReleaseCredit {
		c.releaseCredit(m.Len)
	}
	if d.Inline {
		c.handlersMu.RLock()
		h := c.fast[m.Action()]
		c.handlersMu.RUnlock()
		if h == nil {
			c.limited.Warningf("no fast handler for event %#x", m.Action())
			return
		}
		if err := h.HandleFast(m); err != nil {
			c.limited.Warningf("event %#x: %v", m.Action(), err)
		}
		return
	}
	c.enqueue(m)
}

// enqueue appends m to the worker's queue.
func (c *Channel) enqueue(m *Message) {
	c.queueMu.Lock()
	c.queue = append(c.queue, m)
	n := len(c.queue)
	c.queueMu.Unlock()
	if n == c.opts.WorkerQueue+1 {
		c.metrics.backlog.Increment()
		c.limited.Warningf("worker backlog above %d events", c.opts.WorkerQueue)
	}
	select {
	case c.queued <- struct{}{}:
	default:
	}
}

// dequeue removes the oldest deferred event, or returns nil.
func (c *Channel) dequeue() *Message {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	m := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	return m
}

// handleResponse completes the pending request m answers.
//
// Preconditions: recvMu is held.
func (c *Channel) handleResponse(m *Message) {
	c.metrics.g2h.Increment("response")
	c.pendingMu.Lock()
	r, ok := c.pending[m.Fence]
	if !ok {
		c.pendingMu.Unlock()
		c.metrics.unsolicited.Increment()
		c.limited.Warningf("unsolicited %v response, fence %d, data %#x", m.Header.Type, m.Fence, m.Data)
		return
	}

	if m.Header.Type == hxg.TypeNoResponseBusy {
		r.busy++
		c.pendingMu.Unlock()
		c.metrics.busy.Increment()
		select {
		case r.busyCh <- struct{}{}:
		default:
		}
		return
	}

	if r.resp != nil && len(m.Data) > len(r.resp) {
		c.limited.Warningf("response to action %#x fence %d too long: %d > %d dwords", r.action, r.fence, len(m.Data), len(r.resp))
	}
	r.respLen = copy(r.resp, m.Data)
	r.status = m.Header
	delete(c.pending, m.Fence)
	close(r.done)
	c.pendingMu.Unlock()
}
