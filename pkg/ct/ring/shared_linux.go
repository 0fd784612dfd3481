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

//go:build linux
// +build linux

package ring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gpuct/pkg/cleanup"
)

// NewSharedRegion returns a Region of n dwords backed by a memfd mapping,
// the same kind of memory a separate firmware model process could map. The
// file descriptor is returned so that it can be handed to such a peer; it is
// closed by Region.Close.
func NewSharedRegion(n uint32, kind Kind, opts ...RegionOption) (*Region, int, error) {
	size := int(n) * 4
	fd, err := unix.MemfdCreate("gpuct-ctb", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, -1, fmt.Errorf("memfd_create failed: %v", err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, -1, fmt.Errorf("ftruncate(%d, %d) failed: %v", fd, size, err)
	}
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, -1, fmt.Errorf("mmap failed: %v", err)
	}
	cu.Add(func() { unix.Munmap(b) })

	r := &Region{
		kind:  kind,
		words: unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), n),
		release: func() error {
			err := unix.Munmap(b)
			if cerr := unix.Close(fd); err == nil {
				err = cerr
			}
			return err
		},
	}
	for _, o := range opts {
		o(r)
	}
	cu.Release()
	return r, fd, nil
}
