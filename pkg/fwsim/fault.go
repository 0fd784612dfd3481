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

package fwsim

import (
	"time"

	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/ct/ring"
)

// FaultKind selects what goes wrong.
type FaultKind int

// Fault kinds.
const (
	// FaultRetry answers NO_RESPONSE_RETRY.
	FaultRetry FaultKind = iota

	// FaultBusy answers NO_RESPONSE_BUSY, then serves the request after
	// Delay.
	FaultBusy

	// FaultFailure answers RESPONSE_FAILURE with Code and Hint.
	FaultFailure

	// FaultDrop consumes the request without answering.
	FaultDrop

	// FaultDelay serves the request after Delay.
	FaultDelay

	// FaultMigrate flags both buffers as migrated and stops consuming
	// until the host registers them again.
	FaultMigrate

	// FaultUnsolicited sends a success response with a fence no request
	// uses before serving the request.
	FaultUnsolicited

	// FaultCorruptTail publishes an out of range G2H tail.
	FaultCorruptTail
)

func (k FaultKind) String() string {
	switch k {
	case FaultRetry:
		return "retry"
	case FaultBusy:
		return "busy"
	case FaultFailure:
		return "failure"
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultMigrate:
		return "migrate"
	case FaultUnsolicited:
		return "unsolicited"
	case FaultCorruptTail:
		return "corrupt-tail"
	default:
		return "unknown"
	}
}

// Fault is applied to the next request matching it.
type Fault struct {
	Kind FaultKind

	// Action restricts the fault to requests with this action. Zero
	// matches any request.
	Action uint16

	Delay time.Duration
	Code  uint32
	Hint  uint32
}

// Inject queues faults. Each one is applied once.
func (f *Firmware) Inject(faults ...Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, faults...)
}

func (f *Firmware) takeFaultLocked(action uint16) (Fault, bool) {
	for i, ft := range f.faults {
		if ft.Action == 0 || ft.Action == action {
			f.faults = append(f.faults[:i], f.faults[i+1:]...)
			return ft, true
		}
	}
	return Fault{}, false
}

// applyFaultLocked applies ft to req. It returns true if req was fully
// handled.
func (f *Firmware) applyFaultLocked(ft Fault, req request) bool {
	f.log.Debugf("injecting %v fault into action %#x fence %d", ft.Kind, req.action, req.fence)
	switch ft.Kind {
	case FaultRetry:
		f.writeLocked(hxg.Frame(req.fence, []uint32{hxg.Retry(0)}))
		return true
	case FaultBusy:
		f.writeLocked(hxg.Frame(req.fence, []uint32{hxg.Busy()}))
		f.later(ft.Delay, req)
		return true
	case FaultFailure:
		f.answerLocked(req, Reply{Code: ft.Code, Hint: ft.Hint})
		return true
	case FaultDrop:
		return true
	case FaultDelay:
		f.later(ft.Delay, req)
		return true
	case FaultMigrate:
		f.migrated = true
		f.h2g.Descriptor().AddStatus(ring.StatusMigrated)
		f.g2h.Descriptor().AddStatus(ring.StatusMigrated)
		if f.host != nil {
			f.host.Interrupt()
		}
		return true
	case FaultUnsolicited:
		f.writeLocked(hxg.Frame(req.fence^0x8000, []uint32{hxg.Success(0xdead)}))
		return false
	case FaultCorruptTail:
		f.g2h.Descriptor().SetTail(f.g2h.Size() + 1)
		if f.host != nil {
			f.host.Interrupt()
		}
		return true
	}
	return false
}

// later serves req after d.
func (f *Firmware) later(d time.Duration, req request) {
	time.AfterFunc(d, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.enabled && !f.migrated {
			f.serveLocked(req)
		}
	})
}
