// Copyright 2026 Google LLC
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

// Package puffs routes file system requests from the kernel side to a
// userspace daemon and replies back.
//
// A caller wraps a request in a Park obtained from the mount's Pool and hands
// it to Mount.Touser. A transport drains the outgoing queue with GetOutgoing,
// confirms delivery with ReleaseOutgoing and feeds daemon replies to
// Incoming, which matches them to waiting requests by id.
package puffs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"github.com/vfsbridge/puffs/internal/locker"
	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
	"github.com/vfsbridge/puffs/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Status is the lifecycle state of a mount. It only moves forward.
type Status int

const (
	StatusMounting Status = iota
	StatusRunning
	StatusDying
)

func (s Status) String() string {
	switch s {
	case StatusMounting:
		return "MOUNTING"
	case StatusRunning:
		return "RUNNING"
	case StatusDying:
		return "DYING"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Transport is the byte pipe to the daemon, as seen by the mount.
type Transport interface {
	// Detach stops moving messages. It returns once no transport goroutine
	// is inside the router any more.
	Detach() error
}

// VnodeLayer is the kernel-side node cache the mount flushes on unmount and
// syncs on suspend.
type VnodeLayer interface {
	Flush(ctx context.Context) error
	Sync(ctx context.Context) error
}

type nopVnodeLayer struct{}

func (nopVnodeLayer) Flush(context.Context) error { return nil }
func (nopVnodeLayer) Sync(context.Context) error  { return nil }

// MountOptions configures NewMount. Zero values pick defaults.
type MountOptions struct {
	// Name used in logs and lock diagnostics.
	Name string

	// Maximum number of live parks. Zero means unlimited.
	MaxOutstanding int64

	MetricHandle metrics.MetricHandle
	Clock        timeutil.Clock
	Vnodes       VnodeLayer
}

// Mount is the per-mount router state. All of it is reached through the
// mount value; there are no package level singletons.
type Mount struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	id           uuid.UUID
	name         string
	pool         *Pool
	metricHandle metrics.MetricHandle
	clock        timeutil.Clock
	tracer       trace.Tracer

	// Vnode layer hooks. Set before Start.
	vnodes VnodeLayer

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards the queues, the status and the counters below. Park locks nest
	// inside it, never the other way around.
	mu sync.Locker

	// Broadcast when outgoing work arrives, when the mount dies, when the
	// live counter drops to zero, and when a waiter's context is cancelled.
	cond *sync.Cond

	// INVARIANT: Moves MOUNTING -> RUNNING -> DYING only.
	//
	// GUARDED_BY(mu)
	status Status

	// Last request id handed out.
	//
	// GUARDED_BY(mu)
	nextID uint64

	// Number of parks inside the router: queued, in transit or awaiting a
	// reply.
	//
	// INVARIANT: live >= out.length + replyWait.length
	//
	// GUARDED_BY(mu)
	live int64

	// GUARDED_BY(mu)
	out       outQueue
	replyWait replyWaitQueue

	// GUARDED_BY(mu)
	transport Transport

	// GUARDED_BY(mu)
	suspend SuspendState
}

// NewMount returns a mount in status MOUNTING.
func NewMount(opts MountOptions) *Mount {
	m := &Mount{
		id:           uuid.New(),
		name:         opts.Name,
		metricHandle: opts.MetricHandle,
		clock:        opts.Clock,
		vnodes:       opts.Vnodes,
		tracer:       otel.Tracer("github.com/vfsbridge/puffs"),
		status:       StatusMounting,
		out:          newOutQueue(),
		replyWait:    newReplyWaitQueue(),
	}
	if m.name == "" {
		m.name = m.id.String()
	}
	if m.metricHandle == nil {
		m.metricHandle = metrics.NewNoopMetrics()
	}
	if m.clock == nil {
		m.clock = timeutil.RealClock()
	}
	if m.vnodes == nil {
		m.vnodes = nopVnodeLayer{}
	}

	m.pool = NewPool(opts.MaxOutstanding, m.metricHandle)
	m.mu = locker.New("Mount."+m.name, m.checkInvariants)
	m.cond = sync.NewCond(m.mu)
	return m
}

////////////////////////////////////////////////////////////////////////
// Accessors
////////////////////////////////////////////////////////////////////////

func (m *Mount) ID() uuid.UUID {
	return m.id
}

func (m *Mount) Name() string {
	return m.name
}

// Pool returns the pool callers allocate parks from.
func (m *Mount) Pool() *Pool {
	return m.pool
}

func (m *Mount) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LiveRequests returns the number of requests inside the router.
func (m *Mount) LiveRequests() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// SetVnodeLayer installs the hooks used by Unmount and Suspend.
func (m *Mount) SetVnodeLayer(v VnodeLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vnodes = v
}

// AttachTransport records the transport Unmount detaches.
func (m *Mount) AttachTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport != nil {
		panic(fmt.Sprintf("puffs: mount %s already has a transport", m.name))
	}
	m.transport = t
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// Start moves the mount from MOUNTING to RUNNING. Calling it in any other
// status is a bug and panics.
func (m *Mount) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusMounting {
		panic(fmt.Sprintf("puffs: Start on mount %s in status %v", m.name, m.status))
	}
	m.status = StatusRunning
	logger.Infof("puffs: mount %s running", m.name)
}

// Unmount tears the mount down.
//
// The vnode layer is flushed first. A running mount then asks the daemon to
// unmount; if the daemon refuses or cannot be reached Unmount fails, unless
// force is set. Afterwards every pending request is failed with
// ErrDeviceGone, the transport is detached and Unmount waits for the
// requests still inside the router to drain.
func (m *Mount) Unmount(ctx context.Context, force bool) error {
	m.mu.Lock()
	vnodes := m.vnodes
	m.mu.Unlock()

	if err := vnodes.Flush(ctx); err != nil {
		if !force {
			return fmt.Errorf("flushing vnodes: %w", err)
		}
		logger.Warnf("puffs: mount %s: ignoring flush failure on forced unmount: %v", m.name, err)
	}

	if m.Status() == StatusRunning {
		if err := m.requestUnmount(ctx); err != nil {
			if !force {
				return fmt.Errorf("daemon unmount: %w", err)
			}
			logger.Warnf("puffs: mount %s: ignoring daemon unmount failure: %v", m.name, err)
		}
	}

	m.UserDead()

	m.mu.Lock()
	t := m.transport
	m.transport = nil
	m.mu.Unlock()

	if t != nil {
		if err := t.Detach(); err != nil {
			logger.Warnf("puffs: mount %s: detaching transport: %v", m.name, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.live > 0 {
		if err := m.waitLocked(ctx); err != nil {
			return fmt.Errorf("waiting for %d live requests: %w", m.live, err)
		}
	}

	logger.Infof("puffs: mount %s unmounted", m.name)
	return nil
}

// requestUnmount sends a synchronous UNMOUNT to the daemon.
func (m *Mount) requestUnmount(ctx context.Context) error {
	p, err := m.pool.Get(ctx, true)
	if err != nil {
		return err
	}
	defer p.Release()

	p.SetRequest(wire.NewMessage(wire.ClassVFS, wire.VFSUnmount, 0, nil))
	if err := m.Touser(ctx, p); err != nil {
		return err
	}
	return ResultError(p.Reply().Header.Result)
}

// UserDead declares the daemon gone. The first call moves the mount to DYING
// and fails every queued request with ErrDeviceGone; later calls do nothing.
// Transports call it when the daemon closes its end.
func (m *Mount) UserDead() {
	m.mu.Lock()
	if m.status == StatusDying {
		m.mu.Unlock()
		return
	}

	m.status = StatusDying
	out := m.out.drain()
	waiting := m.replyWait.drain()
	m.metricHandle.OutgoingQueueDepth(-int64(len(out)))
	m.metricHandle.ReplyWaitDepth(-int64(len(waiting)))
	m.cond.Broadcast()
	m.mu.Unlock()

	logger.Infof("puffs: mount %s: daemon gone, failing %d queued and %d waiting requests",
		m.name, len(out), len(waiting))

	for _, p := range out {
		m.finish(p, nil, ErrDeviceGone)
	}
	for _, p := range waiting {
		m.finish(p, nil, ErrDeviceGone)
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// waitLocked waits on cond, waking early if ctx is cancelled.
//
// LOCKS_REQUIRED(m.mu)
func (m *Mount) waitLocked(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrInterrupted
	}

	// The wakeup takes mu, so it cannot fire between the check above and
	// Wait releasing the lock.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	m.cond.Wait()
	stop()

	if ctx.Err() != nil {
		return ErrInterrupted
	}
	return nil
}

// retire accounts for a park leaving the router.
func (m *Mount) retire() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.live--
	if m.live == 0 {
		m.cond.Broadcast()
	}
}

// LOCKS_REQUIRED(m.mu)
func (m *Mount) checkInvariants() {
	switch m.status {
	case StatusMounting, StatusRunning, StatusDying:
	default:
		panic(fmt.Sprintf("puffs: mount %s has unknown status %d", m.name, int(m.status)))
	}

	if m.live < int64(m.out.length+m.replyWait.length) {
		panic(fmt.Sprintf("puffs: live counter %d below queued parks %d+%d",
			m.live, m.out.length, m.replyWait.length))
	}

	n := 0
	m.out.forEach(func(p *Park) {
		n++
		if !p.hasFlag(flagOnOutgoing) || p.hasFlag(flagOnReplyWait) {
			panic(fmt.Sprintf("puffs: %v on outgoing queue with flags %#x", p, p.flags.Load()))
		}
	})
	if n != m.out.length {
		panic(fmt.Sprintf("puffs: outgoing queue length %d, walked %d", m.out.length, n))
	}

	n = 0
	m.replyWait.forEach(func(p *Park) {
		n++
		if !p.hasFlag(flagOnReplyWait) || p.hasFlag(flagOnOutgoing) {
			panic(fmt.Sprintf("puffs: %v on reply-wait queue with flags %#x", p, p.flags.Load()))
		}
		if m.replyWait.byID[p.req.Header.ID] != p {
			panic(fmt.Sprintf("puffs: %v missing from the reply-wait index", p))
		}
	})
	if n != m.replyWait.length || n != len(m.replyWait.byID) {
		panic(fmt.Sprintf("puffs: reply-wait queue length %d, index %d, walked %d",
			m.replyWait.length, len(m.replyWait.byID), n))
	}
}
