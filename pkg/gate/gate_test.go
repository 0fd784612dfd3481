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

package gate

import (
	"testing"
	"time"
)

func TestBasicEnter(t *testing.T) {
	var g Gate

	if !g.Enter() {
		t.Fatalf("Failed to enter when it should be allowed")
	}

	g.Leave()

	g.Close()

	if g.Enter() {
		t.Fatalf("Allowed to enter when it should fail")
	}
	if !g.Closed() {
		t.Fatalf("Closed() = false after Close")
	}
}

func TestCloseWaitsForUsers(t *testing.T) {
	var g Gate
	if !g.Enter() {
		t.Fatalf("Failed to enter")
	}

	closed := make(chan struct{})
	go func() {
		g.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatalf("Close returned while a user was inside")
	case <-time.After(20 * time.Millisecond):
	}

	g.Leave()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return after the last user left")
	}
}

func TestCloseTwice(t *testing.T) {
	var g Gate
	if !g.Enter() {
		t.Fatalf("Failed to enter")
	}
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			g.Close()
			done <- struct{}{}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	g.Leave()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("Close %d did not return", i)
		}
	}
}

func TestLeaveWithoutEnterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Leave without Enter did not panic")
		}
	}()
	var g Gate
	g.Leave()
}

func TestNilGate(t *testing.T) {
	var g *Gate
	if g.Enter() {
		t.Fatalf("nil gate allowed entry")
	}
}
