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

// Package gate provides a usage Gate synchronization primitive.
package gate

import (
	"gvisor.dev/gpuct/pkg/sync"
)

// Gate lets concurrent goroutines "enter" until it is closed. Once closed,
// goroutines cannot enter anymore but may still leave, and Close returns
// when the last one has left.
//
// A Tile uses a Gate so that Close can wait for in-flight invalidations and
// transport calls while refusing new ones:
//
//	if !g.Enter() {
//		return ErrClosed
//	}
//	defer g.Leave()
//
// The zero value is an open gate.
type Gate struct {
	mu     sync.Mutex
	users  int
	closed bool

	// drained is closed when the gate is closed and empty. Created by the
	// first Close.
	drained chan struct{}
}

// Enter tries to enter the gate. It will succeed if it hasn't been closed yet,
// in which case the caller must eventually call Leave().
func (g *Gate) Enter() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.users++
	return true
}

// Leave leaves the gate. This must only be called after a successful call to
// Enter().
func (g *Gate) Leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.users == 0 {
		panic("leaving a gate with zero usage count")
	}
	g.users--
	if g.closed && g.users == 0 {
		close(g.drained)
	}
}

// Closed reports whether Close has been called.
func (g *Gate) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close closes the gate for entering and waits until every goroutine inside
// leaves. Calling it again only waits.
func (g *Gate) Close() {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		g.drained = make(chan struct{})
		if g.users == 0 {
			close(g.drained)
		}
	}
	drained := g.drained
	g.mu.Unlock()
	<-drained
}
