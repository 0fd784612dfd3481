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

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameRequest(t *testing.T) {
	action := []uint32{0x1234, 0xAAAA}
	msg := append([]uint32{Request(TypeRequest, action[0])}, action[1:]...)
	got := Frame(7, msg)
	want := []uint32{7<<16 | FormatHXG<<12 | 2, 0x1234, 0xAAAA}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Frame mismatch (-want +got):\n%s", diff)
	}
	if n := MessageLen(got[0]); n != uint32(len(got)) {
		t.Errorf("MessageLen = %d, want %d", n, len(got))
	}
}

func TestHeaderFields(t *testing.T) {
	for _, tc := range []struct {
		name string
		v    uint32
		want Header
	}{
		{
			name: "event",
			v:    Event(ActionTLBInvalidationDone, 0x5),
			want: Header{Origin: OriginGuC, Type: TypeEvent, Aux: 0x5<<16 | 0x7001},
		},
		{
			name: "success",
			v:    Success(0x1),
			want: Header{Origin: OriginGuC, Type: TypeResponseSuccess, Aux: 0x1},
		},
		{
			name: "failure",
			v:    Failure(0x31, 0x2),
			want: Header{Origin: OriginGuC, Type: TypeResponseFailure, Aux: 0x2<<16 | 0x31},
		},
		{
			name: "retry",
			v:    Retry(9),
			want: Header{Origin: OriginGuC, Type: TypeNoResponseRetry, Aux: 9},
		},
		{
			name: "host request",
			v:    Request(TypeFastRequest, 0x7000),
			want: Header{Origin: OriginHost, Type: TypeFastRequest, Aux: 0x7000},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, DecodeHeader(tc.v)); diff != "" {
				t.Errorf("DecodeHeader(%#x) mismatch (-want +got):\n%s", tc.v, diff)
			}
		})
	}

	h := DecodeHeader(Failure(0x31, 0x2))
	if h.Error() != 0x31 || h.Hint() != 0x2 {
		t.Errorf("Error()=%#x Hint()=%#x, want 0x31 0x2", h.Error(), h.Hint())
	}
	e := DecodeHeader(Event(ActionTLBInvalidationDone, 0x5))
	if e.Action() != ActionTLBInvalidationDone || e.Data0() != 0x5 {
		t.Errorf("Action()=%#x Data0()=%#x", e.Action(), e.Data0())
	}
}

func TestIsResponse(t *testing.T) {
	for typ, want := range map[Type]bool{
		TypeRequest:         false,
		TypeEvent:           false,
		TypeFastRequest:     false,
		TypeNoResponseBusy:  true,
		TypeNoResponseRetry: true,
		TypeResponseFailure: true,
		TypeResponseSuccess: true,
	} {
		if got := typ.IsResponse(); got != want {
			t.Errorf("%v.IsResponse() = %v, want %v", typ, got, want)
		}
	}
}

func TestValidateCTBHeader(t *testing.T) {
	for _, tc := range []struct {
		name    string
		v       uint32
		wantErr bool
	}{
		{name: "ok", v: CTBHeader{Fence: 3, Len: 2}.Encode()},
		{name: "bad format", v: CTBHeader{Format: 1, Len: 2}.Encode(), wantErr: true},
		{name: "reserved bits", v: 1<<8 | 2, wantErr: true},
		{name: "empty", v: CTBHeader{Fence: 3}.Encode(), wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateCTBHeader(tc.v); (err != nil) != tc.wantErr {
				t.Errorf("ValidateCTBHeader(%#x) = %v, wantErr %v", tc.v, err, tc.wantErr)
			}
		})
	}
}

func TestRegisterCTB(t *testing.T) {
	msg := RegisterCTB(CTBTypeG2H, 4096, 0x100040, 0x101080)
	typ, size, desc, cmds, ok := DecodeRegisterCTB(msg)
	if !ok {
		t.Fatalf("DecodeRegisterCTB(%#x) not ok", msg)
	}
	got := []uint32{typ, size, desc, cmds}
	want := []uint32{CTBTypeG2H, 4096, 0x100040, 0x101080}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("register fields mismatch (-want +got):\n%s", diff)
	}
	if _, _, _, _, ok := DecodeRegisterCTB(ControlCTB(ControlEnable)); ok {
		t.Errorf("DecodeRegisterCTB accepted a control message")
	}
}
