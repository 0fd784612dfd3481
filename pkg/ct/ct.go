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

// Package ct implements the command transport between the host and the GuC
// firmware.
//
// A Channel owns a pair of buffers in memory shared with the firmware: H2G
// carries host requests and G2H carries firmware responses and events.
// Requests sent with Send block until the firmware answers. Responses are
// matched to their request by the fence in the CTB header. Events are either
// handled on the drain path by a FastHandler, or queued to a single worker
// goroutine that runs the matching Handler.
//
// The firmware is not trusted. Any inconsistency in the G2H buffer, or in
// the head it publishes for H2G, breaks the channel: every later call fails
// with ErrBroken until the owner disables and enables the channel again.
// The first such failure runs a one-shot dead-channel report.
//
// Lock order: sendMu, recvMu, pendingMu. queueMu is never held with another
// lock.
package ct

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
	"gvisor.dev/gpuct/pkg/metric"
	"gvisor.dev/gpuct/pkg/sync"
)

var (
	// ErrDisabled is returned for traffic on a channel that is not enabled,
	// and to requests still pending when the channel is disabled.
	ErrDisabled = errors.New("ct: channel disabled")

	// ErrBroken is returned once a corrupted buffer was detected.
	ErrBroken = errors.New("ct: channel broken")

	// ErrDeadlocked is returned when no buffer space became available for
	// longer than the deadlock timeout. The channel is broken afterwards.
	ErrDeadlocked = errors.New("ct: channel deadlocked")

	// ErrTimeout is returned when a response did not arrive in time.
	ErrTimeout = errors.New("ct: response timed out")

	// ErrNoSpace is returned by SendNB when there is no room right now.
	ErrNoSpace = errors.New("ct: no space")

	// errRetry is a NO_RESPONSE_RETRY answer; Send sends the request again.
	errRetry = errors.New("ct: firmware asked to retry")
)

// ResponseError is a RESPONSE_FAILURE answer from the firmware.
type ResponseError struct {
	Action uint16
	Code   uint32
	Hint   uint32
}

// Error implements error.Error.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("ct: action %#x failed: error %#x hint %#x", e.Action, e.Code, e.Hint)
}

// Transport is the out-of-band path to the firmware.
type Transport interface {
	// SendMMIO sends msg through the register mailbox and returns the
	// data0 of the firmware's answer. It is used for messages that set
	// up the buffers themselves.
	SendMMIO(ctx context.Context, msg []uint32) (uint32, error)

	// Notify rings the doorbell after H2G was written.
	Notify()

	// Running reports whether the firmware is alive.
	Running() bool
}

// Options configures a Channel.
type Options struct {
	// H2GSize and G2HSize are buffer sizes in dwords. Both must be powers
	// of two.
	H2GSize uint32
	G2HSize uint32

	// G2HReserved is G2H space never handed out as response credit. It
	// keeps room for messages the host did not ask for.
	G2HReserved uint32

	// Memory is the kind of memory the buffers live in, and Flush the
	// write-combining flush used for DeviceVisible memory.
	Memory ring.Kind
	Flush  func()

	// Shared backs the buffers with a memfd mapping instead of Go memory.
	Shared bool

	// Base is the device address of the buffers.
	Base uint32

	// DeadlockTimeout bounds how long senders may find no room before the
	// channel is declared broken.
	DeadlockTimeout time.Duration

	// MaxBackoff caps the sleep between attempts to find room.
	MaxBackoff time.Duration

	// ResponseTimeout bounds the wait for a response. Each NO_RESPONSE_BUSY
	// answer restarts the wait with BusyTimeout.
	ResponseTimeout time.Duration
	BusyTimeout     time.Duration

	// DrainBudget is the number of messages Receive handles per call.
	DrainBudget int

	// WorkerQueue is the number of deferred events waiting for the worker
	// above which the backlog is reported. The queue itself is unbounded:
	// draining never waits for the worker, whose handlers may be waiting
	// for responses behind the event.
	WorkerQueue int

	// Classifier decides how events are dispatched.
	Classifier Classifier

	// Logger receives channel logs. If nil, the global logger is used.
	Logger log.Logger

	// Metrics receives the channel counters. If nil, a private registry is
	// used.
	Metrics *metric.Registry

	// OnDead is called once per enable, from its own goroutine, after the
	// channel broke.
	OnDead func(DeadReport)
}

// DefaultOptions returns the options used by the driver.
func DefaultOptions() Options {
	return Options{
		H2GSize:         1024,
		G2HSize:         4096,
		G2HReserved:     1024,
		Memory:          ring.HostVisible,
		DeadlockTimeout: 1500 * time.Millisecond,
		MaxBackoff:      100 * time.Millisecond,
		ResponseTimeout: time.Second,
		BusyTimeout:     time.Second,
		DrainBudget:     32,
		WorkerQueue:     64,
		Classifier:      DefaultClassifier,
	}
}

// Buffer layout within the shared region, in dwords.
const (
	h2gDesc = 0
	g2hDesc = ring.DescriptorWords
	cmds    = 2 * ring.DescriptorWords
)

// respCredit is the G2H credit held by a blocking request for its answer.
const respCredit = hxg.MaxCTBLen

// Channel is a command transport channel. Enable and Disable must be
// serialized by the owner; every other method is safe for concurrent use.
type Channel struct {
	opts    Options
	t       Transport
	log     log.Logger
	limited log.Logger
	metrics *channelMetrics

	mem *ring.Region

	enabled atomic.Bool
	broken  atomic.Bool

	// sendMu serializes H2G writers and the G2H credit check.
	sendMu sync.Mutex
	h2g    *ring.Producer

	// stallTime is when a sender first found no room. Zero when senders
	// are making progress.
	stallTime time.Time

	// credit is the G2H space not promised to any outstanding answer. It
	// only grows outside sendMu.
	credit    atomic.Int64
	creditLow atomic.Int64

	// recvMu serializes draining of G2H.
	recvMu sync.Mutex
	g2h    *ring.Consumer

	pendingMu sync.Mutex
	pending   map[uint16]*request
	lastFence uint16
	seq       uint64

	handlersMu sync.RWMutex
	fast       map[uint16]FastHandler
	handlers   map[uint16]Handler

	// tomb supervises the worker, tasklet and recovery goroutines. It is
	// replaced on every Enable.
	tomb *tomb.Tomb

	// queue holds deferred events in arrival order. queued is signaled
	// after every append.
	queueMu sync.Mutex
	queue   []*Message
	queued  chan struct{}

	kick   chan struct{}
	resync chan uint64

	// deadArmed is set by Enable and consumed by the first failure.
	deadArmed atomic.Bool
	deadDone  chan struct{}

	// generation counts buffer resets. It only changes under sendMu and
	// recvMu.
	migrateMu  sync.Mutex
	generation atomic.Uint64
}

// New returns a disabled Channel talking to the firmware through t.
func New(t Transport, opts Options) (*Channel, error) {
	def := DefaultOptions()
	if opts.H2GSize == 0 {
		opts.H2GSize = def.H2GSize
	}
	if opts.G2HSize == 0 {
		opts.G2HSize = def.G2HSize
	}
	if opts.G2HReserved == 0 {
		opts.G2HReserved = opts.G2HSize / 4
	}
	if opts.DeadlockTimeout == 0 {
		opts.DeadlockTimeout = def.DeadlockTimeout
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = def.BusyTimeout
	}
	if opts.DrainBudget <= 0 {
		opts.DrainBudget = def.DrainBudget
	}
	if opts.WorkerQueue <= 0 {
		opts.WorkerQueue = def.WorkerQueue
	}
	if opts.Classifier == nil {
		opts.Classifier = def.Classifier
	}
	if opts.G2HReserved+respCredit >= opts.G2HSize {
		return nil, fmt.Errorf("G2H buffer of %d dwords cannot hold %d reserved dwords and one response", opts.G2HSize, opts.G2HReserved)
	}
	if opts.Metrics == nil {
		opts.Metrics = metric.NewRegistry("gpuct")
	}

	total := uint32(cmds) + opts.H2GSize + opts.G2HSize
	var (
		mem *ring.Region
		err error
	)
	ropts := []ring.RegionOption{ring.WithBase(opts.Base), ring.WithFlush(opts.Flush)}
	if opts.Shared {
		mem, _, err = ring.NewSharedRegion(total, opts.Memory, ropts...)
		if err != nil {
			return nil, err
		}
	} else {
		mem = ring.NewRegion(total, opts.Memory, ropts...)
	}

	h2g, err := ring.NewProducer(mem, ring.Layout{Desc: h2gDesc, Cmds: cmds, Size: opts.H2GSize})
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("H2G: %w", err)
	}
	g2h, err := ring.NewConsumer(mem, ring.Layout{Desc: g2hDesc, Cmds: cmds + opts.H2GSize, Size: opts.G2HSize})
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("G2H: %w", err)
	}

	c := &Channel{
		opts:     opts,
		t:        t,
		log:      log.Prefixed(opts.Logger, "ct"),
		mem:      mem,
		h2g:      h2g,
		g2h:      g2h,
		pending:  make(map[uint16]*request),
		fast:     make(map[uint16]FastHandler),
		handlers: make(map[uint16]Handler),
		queued:   make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
		resync:   make(chan uint64, 1),
	}
	c.limited = log.RateLimitedLogger(c.log, time.Second, 5)
	c.metrics, err = newChannelMetrics(opts.Metrics, c)
	if err != nil {
		mem.Close()
		return nil, err
	}
	return c, nil
}

// Memory describes where the buffers of a Channel live, as registered with
// the firmware.
type Memory struct {
	Region  *ring.Region
	H2G     ring.Layout
	G2H     ring.Layout
	H2GDesc uint32
	G2HDesc uint32
	H2GCmds uint32
	G2HCmds uint32
}

// Memory returns the shared region and the buffer layouts within it.
func (c *Channel) Memory() Memory {
	h2g := ring.Layout{Desc: h2gDesc, Cmds: cmds, Size: c.opts.H2GSize}
	g2h := ring.Layout{Desc: g2hDesc, Cmds: cmds + c.opts.H2GSize, Size: c.opts.G2HSize}
	return Memory{
		Region:  c.mem,
		H2G:     h2g,
		G2H:     g2h,
		H2GDesc: c.mem.Addr(h2g.Desc),
		G2HDesc: c.mem.Addr(g2h.Desc),
		H2GCmds: c.mem.Addr(h2g.Cmds),
		G2HCmds: c.mem.Addr(g2h.Cmds),
	}
}

// Enabled reports whether the channel is enabled.
func (c *Channel) Enabled() bool {
	return c.enabled.Load()
}

// Broken reports whether the channel found a corrupted buffer or
// deadlocked since it was last enabled.
func (c *Channel) Broken() bool {
	return c.broken.Load()
}

// Close disables the channel if needed and releases its memory.
func (c *Channel) Close(ctx context.Context) error {
	if c.enabled.Load() {
		c.Disable(ctx)
	}
	return c.mem.Close()
}

func (c *Channel) checkUsable() error {
	if !c.enabled.Load() {
		return ErrDisabled
	}
	if c.broken.Load() {
		return ErrBroken
	}
	return nil
}
