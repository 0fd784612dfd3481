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

package tlb

import (
	"math/bits"
)

const (
	pageSize = 1 << 12

	// Ranges of at least largePage are invalidated with a window of at
	// least minLargeWindow: the hardware cannot invalidate a 2M range with
	// anything smaller than 16M.
	largePage      = 2 << 20
	minLargeWindow = 16 << 20
)

// maxWindow is the largest window: doubling it would overflow.
const maxWindow = 1 << 63

// roundUpPow2 returns the smallest power of two >= v. v must be in
// (0, maxWindow].
func roundUpPow2(v uint64) uint64 {
	if v&(v-1) == 0 {
		return v
	}
	return 1 << bits.Len64(v)
}

// AlignWindow returns the smallest naturally aligned power of two window
// covering [addr, addr+length), subject to the hardware minimum sizes.
// addr+length must not overflow. Ranges that no window below 1<<64 covers
// get [0, maxWindow).
func AlignWindow(addr, length uint64) (start, size uint64) {
	end := addr + length
	if length > maxWindow {
		return 0, maxWindow
	}
	size = roundUpPow2(max(length, pageSize))
	if size >= largePage {
		size = max(size, minLargeWindow)
	}
	start = addr &^ (size - 1)
	// end-start cannot overflow, start+size can.
	for end-start > size {
		if size == maxWindow {
			return 0, maxWindow
		}
		size <<= 1
		start = addr &^ (size - 1)
	}
	return start, size
}

// EncodeLength returns the length field of a selective invalidation: the
// log2 of the number of 4K pages in size. size must be a power of two of at
// least 4K.
func EncodeLength(size uint64) uint32 {
	return uint32(bits.TrailingZeros64(size) - bits.TrailingZeros64(pageSize))
}
