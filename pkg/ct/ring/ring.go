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

// Package ring implements the circular dword buffers shared between the host
// and the firmware.
//
// A buffer is a power-of-two array of dwords plus a Descriptor holding the
// published head, tail and status. Exactly one side writes each buffer: the
// Producer owns the tail, the Consumer owns the head. Each side keeps a local,
// trusted copy of its own index and treats the index published by the peer as
// untrusted input, validating it before use. Any inconsistency marks the
// side broken, after which it refuses all traffic until Reset.
//
// Callers never see raw indices. Producers hand out a WriteGuard for a
// reserved span and Consumers return whole messages.
package ring

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrNoRoom is returned when a buffer does not currently have space for
	// a message. It is transient.
	ErrNoRoom = errors.New("ring: no room")

	// ErrCorrupted is returned when the shared state of a buffer is
	// inconsistent. The buffer is broken from then on.
	ErrCorrupted = errors.New("ring: corrupted")

	// ErrBroken is returned by every operation on a broken buffer.
	ErrBroken = errors.New("ring: broken")

	// ErrMigrated is returned when the peer flagged the buffer as migrated.
	// The buffer is not broken; traffic can resume after resynchronization.
	ErrMigrated = errors.New("ring: peer migrated")
)

// Layout describes where a buffer lives within a Region.
type Layout struct {
	// Desc is the dword offset of the descriptor.
	Desc uint32

	// Cmds is the dword offset of the command array.
	Cmds uint32

	// Size is the number of dwords in the command array. It must be a
	// power of two.
	Size uint32
}

func (l Layout) validate(r *Region) error {
	if l.Size < 2 || bits.OnesCount32(l.Size) != 1 {
		return fmt.Errorf("ring size %d is not a power of two >= 2", l.Size)
	}
	if uint64(l.Desc)+DescriptorWords > uint64(r.Len()) {
		return fmt.Errorf("descriptor at %d overruns region of %d dwords", l.Desc, r.Len())
	}
	if uint64(l.Cmds)+uint64(l.Size) > uint64(r.Len()) {
		return fmt.Errorf("commands at %d+%d overrun region of %d dwords", l.Cmds, l.Size, r.Len())
	}
	return nil
}

// circSpace returns the free dwords between a producer at tail and a
// consumer at head, keeping one dword unused to tell full from empty.
func circSpace(tail, head, size uint32) uint32 {
	return (head - tail - 1) & (size - 1)
}

// circCount returns the dwords available to a consumer at head.
func circCount(tail, head, size uint32) uint32 {
	return (tail - head) & (size - 1)
}

// State is a snapshot of one side of a buffer, for diagnostics.
type State struct {
	Size   uint32
	Head   uint32
	Tail   uint32
	Status Status

	// Local is the index owned by this side: the tail for a Producer, the
	// head for a Consumer.
	Local uint32

	// Space is the cached free space of a Producer, or the unread dwords
	// of a Consumer.
	Space  uint32
	Broken bool
}

func (s State) String() string {
	return fmt.Sprintf("size=%d head=%d tail=%d status=%v local=%d space=%d broken=%t",
		s.Size, s.Head, s.Tail, s.Status, s.Local, s.Space, s.Broken)
}
