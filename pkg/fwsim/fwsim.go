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

// Package fwsim is a software model of the GuC firmware side of the command
// transport, used by tests and by gpuctl.
//
// A Firmware consumes H2G, answers requests through a handler table, sends
// TLB invalidation completions, and acknowledges register based
// invalidations. Faults can be injected to exercise the host's error paths.
package fwsim

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/ct/ring"
	"gvisor.dev/gpuct/pkg/log"
	"gvisor.dev/gpuct/pkg/mmio"
	"gvisor.dev/gpuct/pkg/sync"
)

// ErrMailbox is returned by SendMMIO for malformed or rejected messages.
var ErrMailbox = errors.New("fwsim: mailbox request rejected")

// Host is the host side, notified when G2H was written.
type Host interface {
	Interrupt()
}

// Reply is the answer of a Handler.
type Reply struct {
	// Data0 is returned in the success header, Data as payload.
	Data0 uint32
	Data  []uint32

	// Code, if not zero, turns the reply into a failure.
	Code uint32
	Hint uint32
}

// Handler answers a request. data0 is the inline data of the HXG header.
type Handler func(action uint16, data0 uint32, payload []uint32) Reply

// Options configures a Firmware.
type Options struct {
	// Logger receives firmware logs. If nil, the global logger is used.
	Logger log.Logger

	// RegisterLatency is how long register based invalidations take.
	RegisterLatency time.Duration
}

// Firmware is the simulated firmware.
type Firmware struct {
	opts Options
	log  log.Logger
	regs *mmio.Space

	tomb     tomb.Tomb
	doorbell chan struct{}
	running  atomic.Bool

	// mu protects everything below, and serializes access to the buffers.
	mu       sync.Mutex
	mem      *ring.Region
	host     Host
	h2g      *ring.Consumer
	g2h      *ring.Producer
	enabled  bool
	migrated bool
	paused   bool
	handlers map[uint16]Handler
	faults   []Fault
	mailbox  []error

	overflows     atomic.Uint64
	requests      atomic.Uint64
	invalidations atomic.Uint64
	rangeInvals   atomic.Uint64
	regInvals     atomic.Uint64
	stuckRegs     atomic.Bool
}

// New returns a Firmware that is not running. Connect it to the host's
// memory, then Start it.
func New(opts Options) *Firmware {
	f := &Firmware{
		opts:     opts,
		log:      log.Prefixed(opts.Logger, "fwsim"),
		regs:     mmio.NewSpace(),
		doorbell: make(chan struct{}, 1),
		handlers: make(map[uint16]Handler),
	}
	f.handlers[hxg.ActionDefault] = func(uint16, uint32, []uint32) Reply { return Reply{} }
	for _, r := range mmio.TLBInvCRs {
		f.regs.OnWrite(r, f.ackRegister(r, 1))
	}
	f.regs.OnWrite(mmio.TLBInvDesc0, f.ackRegister(mmio.TLBInvDesc0, mmio.DescValid))
	return f
}

// Connect gives the firmware access to the memory the host registers its
// buffers in, and the host to interrupt.
func (f *Firmware) Connect(mem *ring.Region, host Host) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem = mem
	f.host = host
}

// Registers returns the register file.
func (f *Firmware) Registers() *mmio.Space {
	return f.regs
}

// Handle installs h for requests with the given action.
func (f *Firmware) Handle(action uint16, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[action] = h
}

// Start starts processing H2G.
func (f *Firmware) Start() {
	f.running.Store(true)
	f.tomb.Go(f.loop)
}

// Stop stops the firmware. Running reports false afterwards.
func (f *Firmware) Stop() error {
	f.running.Store(false)
	f.tomb.Kill(nil)
	return f.tomb.Wait()
}

// Running implements ct.Transport.Running.
func (f *Firmware) Running() bool {
	return f.running.Load()
}

// Notify implements ct.Transport.Notify.
func (f *Firmware) Notify() {
	select {
	case f.doorbell <- struct{}{}:
	default:
	}
}

// Pause stops consuming H2G until Resume. Requests pile up in the buffer.
func (f *Firmware) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

// Resume undoes Pause.
func (f *Firmware) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	f.Notify()
}

// FailMailbox makes the next SendMMIO calls fail, one per error.
func (f *Firmware) FailMailbox(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailbox = append(f.mailbox, errs...)
}

// SendMMIO implements ct.Transport.SendMMIO. It handles buffer registration
// and transport control.
func (f *Firmware) SendMMIO(ctx context.Context, msg []uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !f.running.Load() {
		return 0, fmt.Errorf("%w: firmware not running", ErrMailbox)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.mailbox) > 0 {
		err := f.mailbox[0]
		f.mailbox = f.mailbox[1:]
		return 0, err
	}
	if len(msg) == 0 {
		return 0, fmt.Errorf("%w: empty message", ErrMailbox)
	}

	switch hxg.DecodeHeader(msg[0]).Action() {
	case hxg.ActionRegisterCTB:
		return 0, f.registerLocked(msg)
	case hxg.ActionControlCTB:
		if len(msg) != 2 {
			return 0, fmt.Errorf("%w: control message of %d dwords", ErrMailbox, len(msg))
		}
		switch msg[1] {
		case hxg.ControlEnable:
			if f.h2g == nil || f.g2h == nil {
				return 0, fmt.Errorf("%w: enable before registration", ErrMailbox)
			}
			f.enabled = true
			f.migrated = false
			f.log.Debugf("transport enabled")
			f.Notify()
		case hxg.ControlDisable:
			f.enabled = false
			f.log.Debugf("transport disabled")
		default:
			return 0, fmt.Errorf("%w: control %d", ErrMailbox, msg[1])
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: action %#x", ErrMailbox, hxg.DecodeHeader(msg[0]).Action())
	}
}

func (f *Firmware) registerLocked(msg []uint32) error {
	typ, size, descAddr, cmdsAddr, ok := hxg.DecodeRegisterCTB(msg)
	if !ok {
		return fmt.Errorf("%w: malformed registration", ErrMailbox)
	}
	if f.mem == nil {
		return fmt.Errorf("%w: not connected", ErrMailbox)
	}
	desc, err := f.mem.Offset(descAddr, ring.DescriptorWords)
	if err != nil {
		return fmt.Errorf("%w: descriptor: %v", ErrMailbox, err)
	}
	cmds, err := f.mem.Offset(cmdsAddr, size)
	if err != nil {
		return fmt.Errorf("%w: commands: %v", ErrMailbox, err)
	}
	l := ring.Layout{Desc: desc, Cmds: cmds, Size: size}

	switch typ {
	case hxg.CTBTypeH2G:
		c, err := ring.NewConsumer(f.mem, l)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMailbox, err)
		}
		if err := c.Attach(); err != nil {
			return fmt.Errorf("%w: %v", ErrMailbox, err)
		}
		f.h2g = c
	case hxg.CTBTypeG2H:
		p, err := ring.NewProducer(f.mem, l)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMailbox, err)
		}
		if err := p.Attach(); err != nil {
			return fmt.Errorf("%w: %v", ErrMailbox, err)
		}
		f.g2h = p
	default:
		return fmt.Errorf("%w: buffer type %d", ErrMailbox, typ)
	}
	f.log.Debugf("registered buffer type %d: %d dwords at %#x", typ, size, cmdsAddr)
	return nil
}

func (f *Firmware) loop() error {
	for {
		select {
		case <-f.tomb.Dying():
			return nil
		case <-f.doorbell:
		}
		f.processH2G()
	}
}

// processH2G handles every message currently in H2G.
func (f *Firmware) processH2G() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.enabled && !f.paused && !f.migrated {
		msg, err := f.h2g.TryRead()
		if err != nil {
			if errors.Is(err, ring.ErrMigrated) {
				f.migrated = true
				return
			}
			f.log.Warningf("H2G: %v", err)
			f.enabled = false
			return
		}
		if msg == nil {
			return
		}
		f.handleLocked(msg)
	}
}

// handleLocked handles one H2G message.
func (f *Firmware) handleLocked(msg []uint32) {
	f.requests.Add(1)
	if err := hxg.ValidateCTBHeader(msg[0]); err != nil {
		f.log.Warningf("bad H2G message %#x: %v", msg, err)
		return
	}
	fence := hxg.DecodeCTBHeader(msg[0]).Fence
	h := hxg.DecodeHeader(msg[1])
	if h.Origin != hxg.OriginHost || (h.Type != hxg.TypeRequest && h.Type != hxg.TypeFastRequest) {
		f.log.Warningf("unexpected H2G message %#x", msg)
		return
	}
	req := request{fence: fence, fast: h.Type == hxg.TypeFastRequest, action: h.Action(), data0: h.Data0(), payload: msg[2:]}

	if fault, ok := f.takeFaultLocked(req.action); ok {
		if f.applyFaultLocked(fault, req) {
			return
		}
	}
	f.serveLocked(req)
}

// pageSelective is the type of a range invalidation.
const pageSelective = 1

type request struct {
	fence   uint16
	fast    bool
	action  uint16
	data0   uint32
	payload []uint32
}

// serveLocked runs the handler for req and answers it.
func (f *Firmware) serveLocked(req request) {
	if req.action == hxg.ActionTLBInvalidation {
		f.invalidateLocked(req)
		return
	}
	h, ok := f.handlers[req.action]
	if !ok {
		f.answerLocked(req, Reply{Code: hxg.ErrorUnknownAction})
		return
	}
	f.answerLocked(req, h(req.action, req.data0, req.payload))
}

// answerLocked sends the answer to req. Fast requests are only answered on
// failure.
func (f *Firmware) answerLocked(req request, r Reply) {
	if r.Code != 0 {
		f.writeLocked(hxg.Frame(req.fence, []uint32{hxg.Failure(r.Code, r.Hint)}))
		return
	}
	if req.fast {
		return
	}
	f.writeLocked(hxg.Frame(req.fence, append([]uint32{hxg.Success(r.Data0)}, r.Data...)))
}

// invalidateLocked performs a TLB invalidation request: payload is the
// seqno followed by the type and mode dword. Page selective requests carry
// the ASID, the address and the encoded length as well.
func (f *Firmware) invalidateLocked(req request) {
	if len(req.payload) < 2 {
		f.answerLocked(req, Reply{Code: hxg.ErrorInvalidParams})
		return
	}
	if req.payload[1]&hxg.TLBTypeMask == pageSelective {
		if len(req.payload) < 6 {
			f.answerLocked(req, Reply{Code: hxg.ErrorInvalidParams})
			return
		}
		f.rangeInvals.Add(1)
	}
	f.invalidations.Add(1)
	seqno := req.payload[0]
	f.writeLocked(hxg.Frame(0, []uint32{hxg.Event(hxg.ActionTLBInvalidationDone, 0), seqno}))
	if !req.fast {
		f.answerLocked(req, Reply{})
	}
}

// writeLocked writes msg to G2H and interrupts the host. A full G2H means
// the host handed out credit it did not have.
func (f *Firmware) writeLocked(msg []uint32) {
	if f.g2h == nil || !f.enabled {
		return
	}
	err := f.g2h.Write(msg)
	switch {
	case err == nil:
	case errors.Is(err, ring.ErrNoRoom):
		f.overflows.Add(1)
		f.log.Warningf("G2H overflow dropping %#x: %v", msg, f.g2h.Snapshot())
		return
	case errors.Is(err, ring.ErrMigrated):
		return
	default:
		f.log.Warningf("G2H: %v", err)
		return
	}
	if f.host != nil {
		f.host.Interrupt()
	}
}

// SendEvent sends an unsolicited event to the host.
func (f *Firmware) SendEvent(action uint16, data0 uint32, payload ...uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeLocked(hxg.Frame(0, append([]uint32{hxg.Event(action, data0)}, payload...)))
}

// ackRegister returns a hook that clears bit in r once the simulated
// invalidation latency has passed.
func (f *Firmware) ackRegister(r mmio.Reg, bit uint32) func(*mmio.Space, uint32) {
	return func(s *mmio.Space, v uint32) {
		if v&bit == 0 || f.stuckRegs.Load() {
			return
		}
		f.regInvals.Add(1)
		done := func() { s.Set(r, s.Read32(r)&^bit) }
		if f.opts.RegisterLatency == 0 {
			done()
			return
		}
		time.AfterFunc(f.opts.RegisterLatency, done)
	}
}

// StickRegisters makes register based invalidations never complete.
func (f *Firmware) StickRegisters(stuck bool) {
	f.stuckRegs.Store(stuck)
}

// Stats are counters of the firmware's activity.
type Stats struct {
	// Requests is the number of H2G messages consumed.
	Requests uint64

	// Invalidations counts TLB invalidation requests, RangeInvalidations
	// the page selective ones among them. RegisterInvalidations counts
	// register based invalidations.
	Invalidations         uint64
	RangeInvalidations    uint64
	RegisterInvalidations uint64

	// Overflows counts G2H messages dropped because G2H was full.
	Overflows uint64
}

// Stats returns the firmware's counters.
func (f *Firmware) Stats() Stats {
	return Stats{
		Requests:              f.requests.Load(),
		Invalidations:         f.invalidations.Load(),
		RangeInvalidations:    f.rangeInvals.Load(),
		RegisterInvalidations: f.regInvals.Load(),
		Overflows:             f.overflows.Load(),
	}
}
