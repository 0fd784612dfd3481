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

	"gopkg.in/tomb.v2"
	"gvisor.dev/gpuct/pkg/ct/hxg"
)

// Disposition is how the drain path treats an event.
type Disposition struct {
	// Inline events are handled by their FastHandler on the drain path.
	// Others are queued to the worker.
	Inline bool

	// ReleaseCredit returns the event's length to the G2H credit as soon
	// as it is drained. It is set for events that answer a SendNB.
	ReleaseCredit bool
}

// Classifier returns the Disposition of events with the given action.
type Classifier func(action uint16) Disposition

// DefaultClassifier handles TLB invalidation completions inline, and
// returns credit for the events that complete an earlier request.
func DefaultClassifier(action uint16) Disposition {
	switch action {
	case hxg.ActionTLBInvalidationDone:
		return Disposition{Inline: true, ReleaseCredit: true}
	case hxg.ActionSchedContextModeDone, hxg.ActionDeregisterContextDone:
		return Disposition{ReleaseCredit: true}
	default:
		return Disposition{}
	}
}

// FastHandler handles an event on the drain path. It must not block, and
// in particular must not wait for transport room.
type FastHandler interface {
	HandleFast(m *Message) error
}

// FastHandlerFunc adapts a function to FastHandler.
type FastHandlerFunc func(m *Message) error

// HandleFast implements FastHandler.HandleFast.
func (f FastHandlerFunc) HandleFast(m *Message) error {
	return f(m)
}

// Handler handles an event on the worker goroutine. It may block and may
// send through the WorkerContext.
type Handler interface {
	Handle(w *WorkerContext, m *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w *WorkerContext, m *Message) error

// Handle implements Handler.Handle.
func (f HandlerFunc) Handle(w *WorkerContext, m *Message) error {
	return f(w, m)
}

// WorkerContext is passed to Handlers. Only the worker goroutine creates
// one, so a Handler cannot be run from the drain path.
type WorkerContext struct {
	c   *Channel
	ctx context.Context
}

// Context returns a context canceled when the channel is disabled.
func (w *WorkerContext) Context() context.Context {
	return w.ctx
}

// Send is Channel.Send bound to the worker's context.
func (w *WorkerContext) Send(action []uint32, resp []uint32) (uint32, error) {
	return w.c.Send(w.ctx, action, resp)
}

// SendNB is Channel.SendNB.
func (w *WorkerContext) SendNB(action []uint32, g2hLen uint32) error {
	return w.c.SendNB(action, g2hLen)
}

// RegisterFast installs h for events with the given action. Events are only
// routed to it if the Classifier marks them Inline.
func (c *Channel) RegisterFast(action uint16, h FastHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.fast[action] = h
}

// RegisterHandler installs h for deferred events with the given action.
func (c *Channel) RegisterHandler(action uint16, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[action] = h
}

// runWorker runs Handlers for queued events, one at a time, in arrival
// order.
func (c *Channel) runWorker(t *tomb.Tomb) error {
	w := &WorkerContext{c: c, ctx: t.Context(context.Background())}
	for {
		select {
		case <-t.Dying():
			return nil
		case <-c.queued:
		}
		for m := c.dequeue(); m != nil; m = c.dequeue() {
			if !t.Alive() {
				return nil
			}
			c.process(w, m)
		}
	}
}

func (c *Channel) process(w *WorkerContext, m *Message) {
	c.handlersMu.RLock()
	h := c.handlers[m.Action()]
	c.handlersMu.RUnlock()
	if h == nil {
		c.metrics.unhandled.Increment()
		c.log.Warningf("unexpected event %#x, data %#x", m.Action(), m.Data)
		return
	}
	if err := h.Handle(w, m); err != nil {
		c.log.Warningf("event %#x: %v", m.Action(), err)
	}
}

// flushQueue drops queued events. The worker must not be running.
func (c *Channel) flushQueue() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.queue = nil
	select {
	case <-c.queued:
	default:
	}
}
