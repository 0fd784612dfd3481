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

package hxg

// Action codes exchanged over the transport. Request actions flow from host
// to firmware; event actions flow from firmware to host.
const (
	// ActionDefault is a no-op request, answered with success.
	ActionDefault uint16 = 0x0000

	// ActionRegisterCTB registers a buffer with the firmware. It is sent
	// out-of-band, over the register mailbox.
	ActionRegisterCTB uint16 = 0x4505

	// ActionControlCTB enables or disables the transport. Out-of-band.
	ActionControlCTB uint16 = 0x4509

	// ActionSchedContextModeDone reports a context scheduling change.
	ActionSchedContextModeDone uint16 = 0x1002

	// ActionDeregisterContextDone acknowledges a context deregistration.
	ActionDeregisterContextDone uint16 = 0x1004

	// ActionContextResetNotification reports a context reset by firmware.
	ActionContextResetNotification uint16 = 0x1008

	// ActionEngineFailureNotification reports an engine failure.
	ActionEngineFailureNotification uint16 = 0x1009

	// ActionMemoryCatError reports a memory catastrophic error.
	ActionMemoryCatError uint16 = 0x6000

	// ActionTLBInvalidation requests a TLB invalidation.
	ActionTLBInvalidation uint16 = 0x7000

	// ActionTLBInvalidationDone reports completion of a TLB invalidation.
	// The payload carries the seqno of the request.
	ActionTLBInvalidationDone uint16 = 0x7001
)

// ActionRegisterCTB payload.
const (
	// CTBTypeH2G and CTBTypeG2H select the buffer being registered.
	CTBTypeH2G = 0
	CTBTypeG2H = 1

	registerSizeShift = 12
	registerSizeMask  = 0xfffff << registerSizeShift
	registerTypeMask  = 0xf
)

// ActionControlCTB payload.
const (
	ControlDisable = 0
	ControlEnable  = 1
)

// RegisterCTB builds the out-of-band registration message for a buffer of
// sizeDwords dwords whose descriptor and commands live at the given device
// addresses.
func RegisterCTB(ctbType uint32, sizeDwords, descAddr, cmdsAddr uint32) []uint32 {
	return []uint32{
		Request(TypeRequest, uint32(ActionRegisterCTB)),
		sizeDwords<<registerSizeShift&registerSizeMask | ctbType&registerTypeMask,
		descAddr,
		cmdsAddr,
	}
}

// DecodeRegisterCTB is the inverse of RegisterCTB. It returns ok == false if
// msg is not a registration message.
func DecodeRegisterCTB(msg []uint32) (ctbType, sizeDwords, descAddr, cmdsAddr uint32, ok bool) {
	if len(msg) != 4 || DecodeHeader(msg[0]).Action() != ActionRegisterCTB {
		return 0, 0, 0, 0, false
	}
	return msg[1] & registerTypeMask, (msg[1] & registerSizeMask) >> registerSizeShift, msg[2], msg[3], true
}

// ControlCTB builds the out-of-band enable/disable message.
func ControlCTB(control uint32) []uint32 {
	return []uint32{Request(TypeRequest, uint32(ActionControlCTB)), control}
}

// TLB invalidation request fields, in the third action dword.
const (
	TLBTypeShift  = 0
	TLBTypeMask   = 0xff
	TLBModeShift  = 8
	TLBModeMask   = 0xf << TLBModeShift
	TLBFlushCache = 1 << 31
)

// TLBDoneLen is the length, header included, of a TLB invalidation done
// event: CTB header, HXG header, seqno.
const TLBDoneLen = 3

// Firmware error codes carried in failure responses.
const (
	ErrorUnknownAction  = 0x30
	ErrorInvalidParams  = 0x31
	ErrorNotInitialized = 0x40
)
