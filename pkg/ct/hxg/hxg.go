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

// Package hxg defines the host/firmware message framing carried over the
// command transport buffers.
//
// Every message in a buffer starts with one CTB header dword:
//
//	31:16  fence
//	15:12  format (FormatHXG)
//	11:8   reserved
//	 7:0   number of HXG dwords that follow
//
// followed by an HXG message whose first dword is:
//
//	31     origin (OriginHost or OriginGuC)
//	30:28  type
//	27:0   type specific (action/data0, response data0, error/hint, reason)
package hxg

import (
	"fmt"
)

// CTB header fields.
const (
	CTBHeaderLen = 1

	ctbFenceShift     = 16
	ctbFenceMask      = 0xffff << ctbFenceShift
	ctbFormatShift    = 12
	ctbFormatMask     = 0xf << ctbFormatShift
	ctbNumDwordsMask  = 0xff
	ctbReservedMask   = 0xf << 8
	ctbNumDwordsLimit = ctbNumDwordsMask

	// FormatHXG is the only supported CTB payload format.
	FormatHXG = 0
)

// Message size limits, in dwords.
const (
	// MaxCTBLen is the largest CTB message including its header.
	MaxCTBLen = CTBHeaderLen + ctbNumDwordsLimit

	// MaxHXGLen is the largest HXG message.
	MaxHXGLen = ctbNumDwordsLimit

	// MinHXGLen is the smallest HXG message: a bare header.
	MinHXGLen = 1
)

// HXG header fields.
const (
	originShift = 31
	typeShift   = 28
	typeMask    = 0x7 << typeShift
	auxMask     = 0x0fffffff

	data0Shift  = 16
	data0Mask   = 0xfff << data0Shift
	actionMask  = 0xffff
	hintShift   = 16
	hintMask    = 0xfff << hintShift
	errorMask   = 0xffff
	reasonMask  = auxMask
	successMask = auxMask
)

// Origin identifies which side produced an HXG message.
type Origin uint32

// Origins.
const (
	OriginHost Origin = 0
	OriginGuC  Origin = 1
)

func (o Origin) String() string {
	if o == OriginHost {
		return "host"
	}
	return "guc"
}

// Type is the HXG message type.
type Type uint32

// HXG message types.
const (
	TypeRequest         Type = 0
	TypeEvent           Type = 1
	TypeFastRequest     Type = 2
	TypeNoResponseBusy  Type = 3
	TypeNoResponseRetry Type = 5
	TypeResponseFailure Type = 6
	TypeResponseSuccess Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeEvent:
		return "event"
	case TypeFastRequest:
		return "fast-request"
	case TypeNoResponseBusy:
		return "busy"
	case TypeNoResponseRetry:
		return "retry"
	case TypeResponseFailure:
		return "failure"
	case TypeResponseSuccess:
		return "success"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// IsResponse reports whether messages of type t answer an earlier request.
func (t Type) IsResponse() bool {
	switch t {
	case TypeNoResponseBusy, TypeNoResponseRetry, TypeResponseFailure, TypeResponseSuccess:
		return true
	}
	return false
}

// CTBHeader is a decoded CTB header dword.
type CTBHeader struct {
	Fence  uint16
	Format uint32
	// Len is the number of HXG dwords following the header.
	Len uint32
}

// Encode packs h into a header dword.
func (h CTBHeader) Encode() uint32 {
	return uint32(h.Fence)<<ctbFenceShift |
		(h.Format<<ctbFormatShift)&ctbFormatMask |
		h.Len&ctbNumDwordsMask
}

// DecodeCTBHeader unpacks a CTB header dword.
func DecodeCTBHeader(v uint32) CTBHeader {
	return CTBHeader{
		Fence:  uint16((v & ctbFenceMask) >> ctbFenceShift),
		Format: (v & ctbFormatMask) >> ctbFormatShift,
		Len:    v & ctbNumDwordsMask,
	}
}

// MessageLen returns the total length, header included, of the CTB message
// whose header dword is v.
func MessageLen(v uint32) uint32 {
	return CTBHeaderLen + v&ctbNumDwordsMask
}

// Header is a decoded HXG header dword.
type Header struct {
	Origin Origin
	Type   Type
	Aux    uint32
}

// DecodeHeader unpacks an HXG header dword.
func DecodeHeader(v uint32) Header {
	return Header{
		Origin: Origin(v >> originShift),
		Type:   Type((v & typeMask) >> typeShift),
		Aux:    v & auxMask,
	}
}

// Encode packs h into a header dword.
func (h Header) Encode() uint32 {
	return uint32(h.Origin)<<originShift | uint32(h.Type)<<typeShift | h.Aux&auxMask
}

// Action returns the action code of a request or event header.
func (h Header) Action() uint16 {
	return uint16(h.Aux & actionMask)
}

// Data0 returns the inline data of a request or event header.
func (h Header) Data0() uint32 {
	return (h.Aux & data0Mask) >> data0Shift
}

// ResponseData0 returns the inline data of a success response.
func (h Header) ResponseData0() uint32 {
	return h.Aux & successMask
}

// Error returns the error code of a failure response.
func (h Header) Error() uint32 {
	return h.Aux & errorMask
}

// Hint returns the hint of a failure response.
func (h Header) Hint() uint32 {
	return (h.Aux & hintMask) >> hintShift
}

// Reason returns the reason of a retry response.
func (h Header) Reason() uint32 {
	return h.Aux & reasonMask
}

// Request returns the header of a host request. action0 is the first dword
// of an action array: action code in bits 15:0, data0 in 27:16.
func Request(t Type, action0 uint32) uint32 {
	return Header{Origin: OriginHost, Type: t, Aux: action0}.Encode()
}

// Event returns the header of a firmware event.
func Event(action uint16, data0 uint32) uint32 {
	return Header{Origin: OriginGuC, Type: TypeEvent, Aux: data0<<data0Shift&data0Mask | uint32(action)}.Encode()
}

// Success returns the header of a successful firmware response.
func Success(data0 uint32) uint32 {
	return Header{Origin: OriginGuC, Type: TypeResponseSuccess, Aux: data0 & successMask}.Encode()
}

// Failure returns the header of a failed firmware response.
func Failure(code, hint uint32) uint32 {
	return Header{Origin: OriginGuC, Type: TypeResponseFailure, Aux: hint<<hintShift&hintMask | code&errorMask}.Encode()
}

// Retry returns the header of a NO_RESPONSE_RETRY reply.
func Retry(reason uint32) uint32 {
	return Header{Origin: OriginGuC, Type: TypeNoResponseRetry, Aux: reason & reasonMask}.Encode()
}

// Busy returns the header of a NO_RESPONSE_BUSY reply.
func Busy() uint32 {
	return Header{Origin: OriginGuC, Type: TypeNoResponseBusy}.Encode()
}

// Frame builds a complete CTB message from an HXG message.
func Frame(fence uint16, msg []uint32) []uint32 {
	out := make([]uint32, 0, CTBHeaderLen+len(msg))
	out = append(out, CTBHeader{Fence: fence, Format: FormatHXG, Len: uint32(len(msg))}.Encode())
	return append(out, msg...)
}

// ValidateCTBHeader checks the fields of a received CTB header that do not
// depend on buffer state.
func ValidateCTBHeader(h uint32) error {
	d := DecodeCTBHeader(h)
	if d.Format != FormatHXG {
		return fmt.Errorf("unsupported CTB format %d", d.Format)
	}
	if h&ctbReservedMask != 0 {
		return fmt.Errorf("reserved CTB header bits set: %#x", h)
	}
	if d.Len < MinHXGLen {
		return fmt.Errorf("empty HXG message")
	}
	return nil
}
