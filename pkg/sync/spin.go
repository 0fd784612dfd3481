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

package sync

import (
	"runtime"
	"time"
)

// SpinUntil busy-waits for cond to become true for at most d, yielding the
// processor between checks so that a preempted spinner does not hold up the
// goroutine it is waiting on. It returns the last value of cond.
//
// Spinning is only worthwhile for operations that usually complete within a
// few microseconds; callers fall back to a blocking wait afterwards.
func SpinUntil(d time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	if d <= 0 {
		return false
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
		if cond() {
			return true
		}
	}
	return cond()
}
