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
)

// Producer is the writing side of a buffer. It owns the tail.
//
// A Producer is not safe for concurrent use; the owner serializes access,
// typically with the lock that also covers its own space accounting.
type Producer struct {
	r    *Region
	desc Descriptor
	cmds uint32
	size uint32

	// tail is the trusted copy of the tail. The published tail must match.
	tail uint32

	// space is the free space last computed from the peer's head. It only
	// shrinks locally; it is recomputed when it looks too small.
	space uint32

	broken bool
	reason string
}

// NewProducer returns a Producer for the buffer described by l. Its local
// state is zero; call Reset or Attach before use.
func NewProducer(r *Region, l Layout) (*Producer, error) {
	if err := l.validate(r); err != nil {
		return nil, err
	}
	return &Producer{
		r:    r,
		desc: Descriptor{r: r, off: l.Desc},
		cmds: l.Cmds,
		size: l.Size,
	}, nil
}

// Descriptor returns the descriptor of the buffer.
func (p *Producer) Descriptor() Descriptor {
	return p.desc
}

// Size returns the size of the buffer in dwords.
func (p *Producer) Size() uint32 {
	return p.size
}

// Reset clears the descriptor and the buffer contents and brings the local
// state back to an empty buffer. It is used by the side that creates the
// buffer.
func (p *Producer) Reset() {
	p.desc.reset()
	p.r.Zero(p.cmds, p.size)
	p.tail = 0
	p.space = p.size - 1
	p.broken = false
	p.reason = ""
}

// Attach adopts the state currently published in the descriptor. It is used
// by the side that did not create the buffer.
func (p *Producer) Attach() error {
	p.broken = false
	p.reason = ""
	p.tail = p.desc.Tail()
	if p.tail >= p.size {
		return p.corrupt("tail %d out of range", p.tail)
	}
	head := p.desc.Head()
	if head >= p.size {
		return p.corrupt("head %d out of range", head)
	}
	p.space = circSpace(p.tail, head, p.size)
	return nil
}

// Broken reports whether the Producer found the buffer corrupted.
func (p *Producer) Broken() bool {
	return p.broken
}

// MarkBroken forces the Producer into the broken state.
func (p *Producer) MarkBroken(reason string) {
	if !p.broken {
		p.broken = true
		p.reason = reason
	}
}

func (p *Producer) corrupt(format string, v ...any) error {
	p.MarkBroken(fmt.Sprintf(format, v...))
	return fmt.Errorf("%w: %s", ErrCorrupted, p.reason)
}

// HasRoom reports whether n dwords can be written now. The cached space is
// trusted when it suffices; otherwise the peer's head is read and validated.
func (p *Producer) HasRoom(n uint32) (bool, error) {
	if p.broken {
		return false, ErrBroken
	}
	if p.space >= n {
		return true, nil
	}
	head := p.desc.Head()
	if head >= p.size {
		return false, p.corrupt("invalid head offset %d >= %d", head, p.size)
	}
	p.space = circSpace(p.tail, head, p.size)
	return p.space >= n, nil
}

// TryReserve reserves n dwords at the tail. It returns ErrNoRoom if the
// buffer is currently too full, ErrMigrated if the peer reported a
// migration, and ErrCorrupted or ErrBroken if the buffer cannot be used.
func (p *Producer) TryReserve(n uint32) (*WriteGuard, error) {
	if p.broken {
		return nil, ErrBroken
	}
	if n == 0 || n >= p.size {
		return nil, fmt.Errorf("cannot reserve %d dwords in a buffer of %d", n, p.size)
	}
	migrated, bad := p.desc.checkStatus()
	if migrated {
		return nil, ErrMigrated
	}
	if bad != 0 {
		return nil, p.corrupt("status %v", bad)
	}
	if t := p.desc.Tail(); t != p.tail {
		p.desc.AddStatus(StatusMismatch)
		return nil, p.corrupt("tail was modified %d != %d", t, p.tail)
	}
	ok, err := p.HasRoom(n)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRoom
	}
	return &WriteGuard{p: p, pos: p.tail, n: n}, nil
}

// Write writes msg as one message. It is TryReserve followed by Put and
// Commit.
func (p *Producer) Write(msg []uint32) error {
	g, err := p.TryReserve(uint32(len(msg)))
	if err != nil {
		return err
	}
	for _, v := range msg {
		g.Put(v)
	}
	g.Commit()
	return nil
}

// Snapshot returns the state of the buffer for diagnostics.
func (p *Producer) Snapshot() State {
	return State{
		Size:   p.size,
		Head:   p.desc.Head(),
		Tail:   p.desc.Tail(),
		Status: p.desc.Status(),
		Local:  p.tail,
		Space:  p.space,
		Broken: p.broken,
	}
}

// Reason returns why the Producer broke, if it did.
func (p *Producer) Reason() string {
	return p.reason
}

// WriteGuard is a reserved span of a buffer. Exactly n dwords must be Put
// before Commit. Nothing is visible to the peer until Commit.
type WriteGuard struct {
	p       *Producer
	pos     uint32
	n       uint32
	written uint32
}

// Put appends v to the reserved span.
func (g *WriteGuard) Put(v uint32) {
	if g.written == g.n {
		panic(fmt.Sprintf("write past reservation of %d dwords", g.n))
	}
	g.p.r.Store(g.p.cmds+g.pos, v)
	g.pos = (g.pos + 1) & (g.p.size - 1)
	g.written++
}

// Commit publishes the span by moving the tail past it.
func (g *WriteGuard) Commit() {
	if g.written != g.n {
		panic(fmt.Sprintf("commit of %d dwords into reservation of %d", g.written, g.n))
	}
	p := g.p
	p.tail = g.pos
	p.space -= g.n
	p.desc.publishTail(p.tail)
	g.p = nil
}

// Abort drops the reservation. Words already Put are left in the buffer
// beyond the tail, where the peer ignores them.
func (g *WriteGuard) Abort() {
	g.p = nil
}
