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

package ring

import (
	"fmt"

	"gvisor.dev/gpuct/pkg/ct/hxg"
)

// Consumer is the reading side of a buffer. It owns the head.
//
// A Consumer is not safe for concurrent use.
type Consumer struct {
	r    *Region
	desc Descriptor
	cmds uint32
	size uint32

	// head is the trusted copy of the head.
	head uint32

	broken bool
	reason string
}

// NewConsumer returns a Consumer for the buffer described by l.
func NewConsumer(r *Region, l Layout) (*Consumer, error) {
	if err := l.validate(r); err != nil {
		return nil, err
	}
	return &Consumer{
		r:    r,
		desc: Descriptor{r: r, off: l.Desc},
		cmds: l.Cmds,
		size: l.Size,
	}, nil
}

// Descriptor returns the descriptor of the buffer.
func (c *Consumer) Descriptor() Descriptor {
	return c.desc
}

// Size returns the size of the buffer in dwords.
func (c *Consumer) Size() uint32 {
	return c.size
}

// Reset clears the descriptor and the buffer contents.
func (c *Consumer) Reset() {
	c.desc.reset()
	c.r.Zero(c.cmds, c.size)
	c.head = 0
	c.broken = false
	c.reason = ""
}

// Attach adopts the head currently published in the descriptor.
func (c *Consumer) Attach() error {
	c.broken = false
	c.reason = ""
	c.head = c.desc.Head()
	if c.head >= c.size {
		return c.corrupt("head %d out of range", c.head)
	}
	return nil
}

// Broken reports whether the Consumer found the buffer corrupted.
func (c *Consumer) Broken() bool {
	return c.broken
}

// MarkBroken forces the Consumer into the broken state.
func (c *Consumer) MarkBroken(reason string) {
	if !c.broken {
		c.broken = true
		c.reason = reason
	}
}

// Reason returns why the Consumer broke, if it did.
func (c *Consumer) Reason() string {
	return c.reason
}

func (c *Consumer) corrupt(format string, v ...any) error {
	c.MarkBroken(fmt.Sprintf(format, v...))
	return fmt.Errorf("%w: %s", ErrCorrupted, c.reason)
}

// TryRead returns the next complete message, CTB header included, or nil if
// the buffer is empty. The message is a copy; the space it occupied is
// handed back to the producer before TryRead returns.
//
// The tail and the message length are supplied by the peer and are
// validated before any dword is read.
func (c *Consumer) TryRead() ([]uint32, error) {
	if c.broken {
		return nil, ErrBroken
	}
	migrated, bad := c.desc.checkStatus()
	if migrated {
		return nil, ErrMigrated
	}
	if bad != 0 {
		return nil, c.corrupt("status %v", bad)
	}
	if h := c.desc.Head(); h != c.head {
		c.desc.AddStatus(StatusMismatch)
		return nil, c.corrupt("head was modified %d != %d", h, c.head)
	}
	tail := c.desc.Tail()
	if tail >= c.size {
		c.desc.AddStatus(StatusOverflow)
		return nil, c.corrupt("invalid tail offset %d >= %d", tail, c.size)
	}
	avail := circCount(tail, c.head, c.size)
	if avail == 0 {
		return nil, nil
	}

	first := c.r.Load(c.cmds + c.head)
	n := hxg.MessageLen(first)
	if n > avail {
		c.desc.AddStatus(StatusUnderflow)
		return nil, c.corrupt("incomplete message %#x: %d dwords declared, %d available", first, n, avail)
	}

	msg := make([]uint32, n)
	head := c.head
	for i := range msg {
		msg[i] = c.r.Load(c.cmds + head)
		head = (head + 1) & (c.size - 1)
	}
	c.head = head
	c.desc.publishHead(head)
	return msg, nil
}

// Available returns the number of unread dwords according to the published
// tail, or 0 if the tail is out of range.
func (c *Consumer) Available() uint32 {
	tail := c.desc.Tail()
	if tail >= c.size {
		return 0
	}
	return circCount(tail, c.head, c.size)
}

// Snapshot returns the state of the buffer for diagnostics.
func (c *Consumer) Snapshot() State {
	return State{
		Size:   c.size,
		Head:   c.desc.Head(),
		Tail:   c.desc.Tail(),
		Status: c.desc.Status(),
		Local:  c.head,
		Space:  c.Available(),
		Broken: c.broken,
	}
}
