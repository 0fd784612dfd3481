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

// Package mmio models the register space used by the invalidation fallback
// path.
package mmio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/gpuct/pkg/sync"
)

// Reg is a register offset.
type Reg uint32

func (r Reg) String() string {
	return fmt.Sprintf("%#06x", uint32(r))
}

// Per engine class TLB invalidation control registers. Writing 1 starts a
// full invalidation for the class; the bit reads back as 0 once done.
const (
	GFXTLBInvCR     Reg = 0xced8
	VDTLBInvCR      Reg = 0xcedc
	VETLBInvCR      Reg = 0xcee0
	BLTTLBInvCR     Reg = 0xcee4
	GuCTLBInvCR     Reg = 0xcee8
	ComputeTLBInvCR Reg = 0xcf04
)

// TLBInvCRs lists the full invalidation registers in the order they are
// written.
var TLBInvCRs = []Reg{GFXTLBInvCR, VDTLBInvCR, VETLBInvCR, BLTTLBInvCR, ComputeTLBInvCR, GuCTLBInvCR}

// Selective invalidation descriptor registers. DESC1 must be written
// before DESC0, since setting DescValid in DESC0 starts the invalidation.
// DescValid reads back as 0 once done.
const (
	TLBInvDesc0 Reg = 0xcf7c
	TLBInvDesc1 Reg = 0xcf80

	DescValid        = 1 << 0
	DescLengthShift  = 1
	DescLengthMask   = 0x3f << DescLengthShift
	DescAddrLowMask  = 0xfffff000
	DescAddrHighMask = 0xffff
	DescASIDShift    = 16
)

// ErrTimeout is returned by WaitForRegister when the register did not reach
// the expected value in time.
var ErrTimeout = errors.New("register wait timed out")

// Registers is the register file of a tile.
type Registers interface {
	Read32(r Reg) uint32
	Write32(r Reg, v uint32)
}

// WaitForRegister polls reg until reg&mask == value. It busy polls for fast,
// then sleeps between polls with exponentially growing intervals until
// timeout expires or ctx is done.
func WaitForRegister(ctx context.Context, regs Registers, reg Reg, mask, value uint32, fast, timeout time.Duration) error {
	done := func() bool { return regs.Read32(reg)&mask == value }
	if done() || sync.SpinUntil(fast, done) {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = timeout

	var last uint32
	op := func() error {
		last = regs.Read32(reg)
		if last&mask == value {
			return nil
		}
		return ErrTimeout
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("%w: reg %v = %#x, want %#x under mask %#x", ErrTimeout, reg, last, value, mask)
	}
	return nil
}

// Space is an in-memory register file. Hooks run on writes to selected
// registers, which lets a device model react to commands.
type Space struct {
	mu    sync.Mutex
	regs  map[Reg]uint32
	hooks map[Reg]func(s *Space, v uint32)
}

// NewSpace returns an empty register file. Unwritten registers read as 0.
func NewSpace() *Space {
	return &Space{
		regs:  make(map[Reg]uint32),
		hooks: make(map[Reg]func(*Space, uint32)),
	}
}

// OnWrite installs f to run after every Write32 to r. f runs without any
// Space lock held and may call Set.
func (s *Space) OnWrite(r Reg, f func(s *Space, v uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[r] = f
}

// Read32 implements Registers.Read32.
func (s *Space) Read32(r Reg) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[r]
}

// Write32 implements Registers.Write32.
func (s *Space) Write32(r Reg, v uint32) {
	s.mu.Lock()
	s.regs[r] = v
	f := s.hooks[r]
	s.mu.Unlock()
	if f != nil {
		f(s, v)
	}
}

// Set stores v in r without running hooks.
func (s *Space) Set(r Reg, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[r] = v
}
