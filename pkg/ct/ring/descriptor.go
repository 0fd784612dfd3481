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
	"strings"
)

// DescriptorWords is the size of a buffer descriptor in dwords. Only the
// first three are defined; the rest are reserved and kept zero.
const DescriptorWords = 16

const (
	descHead   = 0
	descTail   = 1
	descStatus = 2
)

// Status is the status field of a descriptor. It is set by the firmware
// when it finds a buffer inconsistent, and by the host when it finds the
// firmware's indices inconsistent.
type Status uint32

// Status bits.
const (
	StatusOverflow  Status = 1 << 0
	StatusUnderflow Status = 1 << 1
	StatusMismatch  Status = 1 << 2
	StatusUnused    Status = 1 << 3
	StatusMigrated  Status = 1 << 4
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusOverflow, "overflow"},
	{StatusUnderflow, "underflow"},
	{StatusMismatch, "mismatch"},
	{StatusUnused, "unused"},
	{StatusMigrated, "migrated"},
}

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var names []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			names = append(names, n.name)
			s &^= n.bit
		}
	}
	if s != 0 {
		names = append(names, "unknown")
	}
	return strings.Join(names, "|")
}

// Descriptor is a view of a buffer descriptor inside a Region.
type Descriptor struct {
	r   *Region
	off uint32
}

// Head returns the published head.
func (d Descriptor) Head() uint32 {
	return d.r.Load(d.off + descHead)
}

// Tail returns the published tail.
func (d Descriptor) Tail() uint32 {
	return d.r.Load(d.off + descTail)
}

// Status returns the status field.
func (d Descriptor) Status() Status {
	return Status(d.r.Load(d.off + descStatus))
}

// SetStatus overwrites the status field.
func (d Descriptor) SetStatus(s Status) {
	d.r.Store(d.off+descStatus, uint32(s))
}

// AddStatus sets bits in the status field.
func (d Descriptor) AddStatus(s Status) {
	d.r.Store(d.off+descStatus, d.r.Load(d.off+descStatus)|uint32(s))
}

// ClearStatus clears bits in the status field.
func (d Descriptor) ClearStatus(s Status) {
	d.r.Store(d.off+descStatus, d.r.Load(d.off+descStatus)&^uint32(s))
}

// SetTail stores the tail without publishing. Only fault injection uses it;
// producers publish through the WriteGuard.
func (d Descriptor) SetTail(v uint32) {
	d.r.Store(d.off+descTail, v)
}

// SetHead stores the head without publishing. Only fault injection uses it.
func (d Descriptor) SetHead(v uint32) {
	d.r.Store(d.off+descHead, v)
}

func (d Descriptor) publishHead(v uint32) {
	d.r.Publish(d.off+descHead, v)
}

func (d Descriptor) publishTail(v uint32) {
	d.r.Publish(d.off+descTail, v)
}

func (d Descriptor) reset() {
	d.r.Zero(d.off, DescriptorWords)
}

// checkStatus inspects the status of a descriptor before use. The unused
// bit is benign and is cleared. A migrated peer is reported as ErrMigrated.
// Anything else is corruption, reported as a non-nil reason.
func (d Descriptor) checkStatus() (migrated bool, bad Status) {
	s := d.Status()
	if s == 0 {
		return false, 0
	}
	if s&StatusUnused != 0 {
		d.ClearStatus(StatusUnused)
		s &^= StatusUnused
	}
	if s&StatusMigrated != 0 {
		return true, 0
	}
	return false, s
}
