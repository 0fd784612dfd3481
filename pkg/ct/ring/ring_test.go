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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpuct/pkg/ct/hxg"
)

func newPair(t *testing.T, size uint32, opts ...RegionOption) (*Region, *Producer, *Consumer) {
	t.Helper()
	r := NewRegion(DescriptorWords+size, HostVisible, opts...)
	l := Layout{Desc: 0, Cmds: DescriptorWords, Size: size}
	p, err := NewProducer(r, l)
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	c, err := NewConsumer(r, l)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	p.Reset()
	if err := c.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return r, p, c
}

func msg(fence uint16, data ...uint32) []uint32 {
	return hxg.Frame(fence, append([]uint32{hxg.Request(hxg.TypeRequest, 0x1234)}, data...))
}

func TestLayoutValidation(t *testing.T) {
	r := NewRegion(64, HostVisible)
	for _, l := range []Layout{
		{Desc: 0, Cmds: 16, Size: 12},
		{Desc: 0, Cmds: 16, Size: 64},
		{Desc: 60, Cmds: 16, Size: 32},
		{Desc: 0, Cmds: 16, Size: 1},
	} {
		if _, err := NewProducer(r, l); err == nil {
			t.Errorf("NewProducer(%+v) succeeded, want error", l)
		}
	}
}

func TestWriteRead(t *testing.T) {
	_, p, c := newPair(t, 16)
	want := msg(7, 0xAAAA)
	if err := p.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := c.TryRead()
	if err != nil {
		t.Fatalf("TryRead: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TryRead mismatch (-want +got):\n%s", diff)
	}
	if got, err := c.TryRead(); got != nil || err != nil {
		t.Errorf("TryRead on empty buffer = %v, %v; want nil, nil", got, err)
	}
}

func TestWrapAround(t *testing.T) {
	_, p, c := newPair(t, 8)
	for i := uint32(0); i < 50; i++ {
		want := msg(uint16(i), i, ^i)
		if err := p.Write(want); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
		got, err := c.TryRead()
		if err != nil {
			t.Fatalf("TryRead #%d: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("message #%d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestNoRoom(t *testing.T) {
	_, p, c := newPair(t, 8)
	m := msg(1, 0xAAAA) // 3 dwords
	for i := 0; i < 2; i++ {
		if err := p.Write(m); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
	}
	if err := p.Write(m); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("Write on full buffer = %v, want ErrNoRoom", err)
	}
	if ok, err := p.HasRoom(1); !ok || err != nil {
		t.Errorf("HasRoom(1) = %t, %v; want true, nil", ok, err)
	}
	if _, err := c.TryRead(); err != nil {
		t.Fatalf("TryRead: %v", err)
	}
	if err := p.Write(m); err != nil {
		t.Errorf("Write after read: %v", err)
	}
	if p.Broken() {
		t.Errorf("producer broken after transient full buffer")
	}
}

func TestConsumerTailOutOfRange(t *testing.T) {
	_, _, c := newPair(t, 16)
	c.Descriptor().SetTail(16)
	if _, err := c.TryRead(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("TryRead with bad tail = %v, want ErrCorrupted", err)
	}
	if !c.Broken() {
		t.Errorf("consumer not broken")
	}
	if c.Descriptor().Status()&StatusOverflow == 0 {
		t.Errorf("status = %v, want overflow set", c.Descriptor().Status())
	}
	// Fixing the tail does not revive the buffer.
	c.Descriptor().SetTail(0)
	if _, err := c.TryRead(); !errors.Is(err, ErrBroken) {
		t.Errorf("TryRead after corruption = %v, want ErrBroken", err)
	}
	c.Reset()
	if _, err := c.TryRead(); err != nil {
		t.Errorf("TryRead after Reset = %v, want nil", err)
	}
}

func TestConsumerLengthExceedsAvailable(t *testing.T) {
	_, p, c := newPair(t, 16)
	// Declares five HXG dwords but carries one.
	bad := []uint32{hxg.CTBHeader{Len: 5}.Encode(), 1}
	if err := p.Write(bad); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := c.TryRead(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("TryRead = %v, want ErrCorrupted", err)
	}
	if c.Snapshot().Local != 0 {
		t.Errorf("head moved on corrupted message: %v", c.Snapshot())
	}
}

func TestConsumerHeadMismatch(t *testing.T) {
	_, _, c := newPair(t, 16)
	c.Descriptor().SetHead(4)
	if _, err := c.TryRead(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("TryRead = %v, want ErrCorrupted", err)
	}
	if c.Descriptor().Status()&StatusMismatch == 0 {
		t.Errorf("status = %v, want mismatch set", c.Descriptor().Status())
	}
}

func TestProducerHeadOutOfRange(t *testing.T) {
	_, p, _ := newPair(t, 8)
	if err := p.Write(msg(1, 1, 2, 3)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p.Descriptor().SetHead(9)
	if _, err := p.TryReserve(5); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("TryReserve = %v, want ErrCorrupted", err)
	}
	if _, err := p.TryReserve(1); !errors.Is(err, ErrBroken) {
		t.Errorf("TryReserve after corruption = %v, want ErrBroken", err)
	}
}

func TestProducerTailMismatch(t *testing.T) {
	_, p, _ := newPair(t, 16)
	p.Descriptor().SetTail(3)
	if err := p.Write(msg(1)); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Write = %v, want ErrCorrupted", err)
	}
}

func TestStatusHandling(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status Status
		want   error
		broken bool
	}{
		{name: "unused", status: StatusUnused},
		{name: "migrated", status: StatusMigrated, want: ErrMigrated},
		{name: "unused and migrated", status: StatusUnused | StatusMigrated, want: ErrMigrated},
		{name: "overflow", status: StatusOverflow, want: ErrCorrupted, broken: true},
		{name: "unknown", status: 1 << 9, want: ErrCorrupted, broken: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, p, c := newPair(t, 16)
			p.Descriptor().SetStatus(tc.status)
			err := p.Write(msg(1))
			if !errors.Is(err, tc.want) && !(err == nil && tc.want == nil) {
				t.Errorf("Write = %v, want %v", err, tc.want)
			}
			if p.Broken() != tc.broken {
				t.Errorf("Broken = %t, want %t", p.Broken(), tc.broken)
			}
			if p.Descriptor().Status()&StatusUnused != 0 {
				t.Errorf("unused bit not cleared")
			}

			c.Descriptor().SetStatus(tc.status)
			if _, err := c.TryRead(); !errors.Is(err, tc.want) && !(err == nil && tc.want == nil) {
				t.Errorf("TryRead = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestWriteGuardAbort(t *testing.T) {
	_, p, c := newPair(t, 16)
	g, err := p.TryReserve(3)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	g.Put(hxg.CTBHeader{Len: 2}.Encode())
	g.Abort()
	if got, err := c.TryRead(); got != nil || err != nil {
		t.Errorf("TryRead after Abort = %v, %v; want nil, nil", got, err)
	}
}

func TestPublishFlushesDeviceMemory(t *testing.T) {
	for _, tc := range []struct {
		kind Kind
		want int
	}{
		{HostVisible, 0},
		{DeviceVisible, 1},
	} {
		flushes := 0
		r := NewRegion(DescriptorWords+8, tc.kind, WithFlush(func() { flushes++ }))
		p, err := NewProducer(r, Layout{Cmds: DescriptorWords, Size: 8})
		if err != nil {
			t.Fatalf("NewProducer: %v", err)
		}
		p.Reset()
		if err := p.Write(msg(1)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if flushes != tc.want {
			t.Errorf("%v memory: %d flushes, want %d", tc.kind, flushes, tc.want)
		}
	}
}

func TestRegionOffset(t *testing.T) {
	r := NewRegion(32, HostVisible, WithBase(0x1000))
	if got := r.Addr(4); got != 0x1010 {
		t.Errorf("Addr(4) = %#x, want 0x1010", got)
	}
	if off, err := r.Offset(0x1010, 4); err != nil || off != 4 {
		t.Errorf("Offset(0x1010, 4) = %d, %v; want 4, nil", off, err)
	}
	for _, addr := range []uint32{0xffc, 0x1002, 0x1080} {
		if _, err := r.Offset(addr, 1); err == nil {
			t.Errorf("Offset(%#x) succeeded, want error", addr)
		}
	}
}

func TestStatusString(t *testing.T) {
	for s, want := range map[Status]string{
		0:                               "ok",
		StatusOverflow:                  "overflow",
		StatusMismatch | StatusMigrated: "mismatch|migrated",
		StatusUnderflow | Status(1)<<20: "underflow|unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("Status(%#x).String() = %q, want %q", uint32(s), got, want)
		}
	}
}
