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
	"sync/atomic"
)

// Kind says where the memory backing a Region lives, which decides the
// barrier needed before the peer may observe a publication.
type Kind int

const (
	// HostVisible memory is ordinary cacheable system memory that the
	// device snoops. A release store is enough.
	HostVisible Kind = iota

	// DeviceVisible memory is device-local and mapped write-combined.
	// Pending writes must be flushed before publishing.
	DeviceVisible
)

func (k Kind) String() string {
	switch k {
	case HostVisible:
		return "host"
	case DeviceVisible:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Region is a block of dwords shared with the device, addressed by the
// device at Base.
type Region struct {
	kind  Kind
	base  uint32
	words []uint32

	// flush drains write-combining buffers for DeviceVisible memory.
	flush func()

	// release unmaps shared memory, if any.
	release func() error
}

// RegionOption configures a Region.
type RegionOption func(*Region)

// WithFlush sets the write-combining flush used by DeviceVisible regions.
func WithFlush(f func()) RegionOption {
	return func(r *Region) { r.flush = f }
}

// WithBase sets the device address of the first dword.
func WithBase(base uint32) RegionOption {
	return func(r *Region) { r.base = base }
}

// NewRegion returns a Region of n dwords backed by Go heap memory.
func NewRegion(n uint32, kind Kind, opts ...RegionOption) *Region {
	r := &Region{kind: kind, words: make([]uint32, n)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Kind returns the memory kind of r.
func (r *Region) Kind() Kind {
	return r.kind
}

// Base returns the device address of r.
func (r *Region) Base() uint32 {
	return r.base
}

// Len returns the size of r in dwords.
func (r *Region) Len() uint32 {
	return uint32(len(r.words))
}

// Addr returns the device address of dword off.
func (r *Region) Addr(off uint32) uint32 {
	return r.base + off*4
}

// Offset converts a device address into a dword offset, checking that n
// dwords starting there are within r.
func (r *Region) Offset(addr, n uint32) (uint32, error) {
	if addr < r.base || (addr-r.base)%4 != 0 {
		return 0, fmt.Errorf("address %#x not in region at %#x", addr, r.base)
	}
	off := (addr - r.base) / 4
	if uint64(off)+uint64(n) > uint64(len(r.words)) {
		return 0, fmt.Errorf("address %#x+%d dwords overruns region of %d dwords", addr, n, len(r.words))
	}
	return off, nil
}

// Load atomically reads dword i.
func (r *Region) Load(i uint32) uint32 {
	return atomic.LoadUint32(&r.words[i])
}

// Store atomically writes dword i.
func (r *Region) Store(i, v uint32) {
	atomic.StoreUint32(&r.words[i], v)
}

// Publish makes every earlier write to r visible to the device, then stores
// v at i. Producers and consumers publish their index through it so that the
// peer never observes an index ahead of the data it covers.
func (r *Region) Publish(i, v uint32) {
	if r.kind == DeviceVisible && r.flush != nil {
		r.flush()
	}
	atomic.StoreUint32(&r.words[i], v)
}

// Zero clears n dwords starting at off.
func (r *Region) Zero(off, n uint32) {
	for i := off; i < off+n; i++ {
		atomic.StoreUint32(&r.words[i], 0)
	}
}

// Close releases the memory backing r. r must not be used afterwards.
func (r *Region) Close() error {
	r.words = nil
	if r.release != nil {
		err := r.release()
		r.release = nil
		return err
	}
	return nil
}
