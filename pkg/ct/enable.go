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

package ct

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/tomb.v2"
	"gvisor.dev/gpuct/pkg/cleanup"
	"gvisor.dev/gpuct/pkg/ct/hxg"
	"gvisor.dev/gpuct/pkg/ct/ring"
)

// Enable resets both buffers, registers them with the firmware and turns
// the transport on.
func (c *Channel) Enable(ctx context.Context) error {
	if c.enabled.Load() {
		return fmt.Errorf("ct: already enabled")
	}

	c.resetBuffers(ErrDisabled)
	c.broken.Store(false)

	t := &tomb.Tomb{}
	c.tomb = t
	t.Go(func() error { return c.runWorker(t) })
	t.Go(func() error { return c.runTasklet(t) })
	t.Go(func() error { return c.runRecovery(t) })
	cu := cleanup.Make(func() {
		t.Kill(nil)
		t.Wait()
	})
	defer cu.Clean()

	if err := c.register(ctx); err != nil {
		return err
	}

	c.deadDone = make(chan struct{})
	c.deadArmed.Store(true)
	c.enabled.Store(true)
	cu.Release()
	// Pick up anything the firmware sent before enabled was set.
	c.kickTasklet()
	c.log.Infof("enabled: H2G %d dwords, G2H %d dwords, %v memory", c.opts.H2GSize, c.opts.G2HSize, c.opts.Memory)
	return nil
}

// resetBuffers brings both buffers and the credit back to their initial
// state and completes pending requests with err, since their answers can no
// longer arrive.
func (c *Channel) resetBuffers(err error) {
	c.sendMu.Lock()
	c.recvMu.Lock()
	c.failPending(err)
	c.h2g.Reset()
	c.g2h.Reset()
	c.stallTime = time.Time{}
	c.generation.Add(1)
	credit := int64(c.opts.G2HSize - 1 - c.opts.G2HReserved)
	c.credit.Store(credit)
	c.creditLow.Store(credit)
	c.recvMu.Unlock()
	c.sendMu.Unlock()
}

// register tells the firmware where the buffers are and enables the
// transport.
func (c *Channel) register(ctx context.Context) error {
	m := c.Memory()
	if _, err := c.t.SendMMIO(ctx, hxg.RegisterCTB(hxg.CTBTypeH2G, m.H2G.Size, m.H2GDesc, m.H2GCmds)); err != nil {
		return fmt.Errorf("ct: registering H2G buffer: %w", err)
	}
	if _, err := c.t.SendMMIO(ctx, hxg.RegisterCTB(hxg.CTBTypeG2H, m.G2H.Size, m.G2HDesc, m.G2HCmds)); err != nil {
		return fmt.Errorf("ct: registering G2H buffer: %w", err)
	}
	if _, err := c.t.SendMMIO(ctx, hxg.ControlCTB(hxg.ControlEnable)); err != nil {
		return fmt.Errorf("ct: enabling transport: %w", err)
	}
	return nil
}

// Disable turns the transport off. Sends fail with ErrDisabled from the
// moment Disable is called, and requests still waiting for an answer are
// completed with ErrDisabled. If the firmware is still running it is told
// to stop using the buffers.
//
// Disable waits for the worker to exit, so it must not be called from a
// Handler.
func (c *Channel) Disable(ctx context.Context) {
	if !c.enabled.Swap(false) {
		return
	}
	// Wait out a writer that passed checkUsable before enabled was cleared.
	c.sendMu.Lock()
	c.sendMu.Unlock()
	if c.t.Running() {
		if _, err := c.t.SendMMIO(ctx, hxg.ControlCTB(hxg.ControlDisable)); err != nil {
			c.log.Warningf("disabling transport failed: %v", err)
		}
	}
	c.tomb.Kill(nil)
	if err := c.tomb.Wait(); err != nil {
		c.log.Warningf("worker exited with %v", err)
	}
	c.failPending(ErrDisabled)
	c.flushQueue()
	c.deadArmed.Store(false)
	c.log.Infof("disabled")
}

// failPending completes every pending request with err.
func (c *Channel) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for fence, r := range c.pending {
		r.err = err
		close(r.done)
		delete(c.pending, fence)
	}
}

// recoverMigration resynchronizes with a firmware that moved to another
// host: both buffers are reset and registered again. Requests in flight are
// completed with ring.ErrMigrated so that their senders send them again.
//
// gen is the buffer generation observed when the migration was noticed. If
// the buffers were reset since then, nothing is done.
func (c *Channel) recoverMigration(ctx context.Context, gen uint64) error {
	c.migrateMu.Lock()
	defer c.migrateMu.Unlock()
	if c.generation.Load() != gen {
		return nil
	}
	if err := c.checkUsable(); err != nil {
		return err
	}
	c.log.Infof("firmware migrated, resynchronizing buffers")
	c.metrics.migrations.Increment()

	c.resetBuffers(ring.ErrMigrated)
	if err := c.register(ctx); err != nil {
		c.markBroken(fmt.Errorf("re-registering after migration: %w", err))
		return ErrBroken
	}
	c.kickTasklet()
	return nil
}

// runRecovery performs migration recovery noticed on the drain path, which
// must not block on the mailbox itself.
func (c *Channel) runRecovery(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case gen := <-c.resync:
			ctx := t.Context(context.Background())
			if err := c.recoverMigration(ctx, gen); err != nil && !errors.Is(err, ErrDisabled) {
				c.log.Warningf("migration recovery failed: %v", err)
			}
		}
	}
}

func (c *Channel) scheduleRecovery(gen uint64) {
	select {
	case c.resync <- gen:
	default:
	}
}
