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

package puffs

import (
	"context"
	"errors"
	"fmt"

	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
)

// SuspendState tracks file system suspension, used to quiesce the mount
// while a consistent snapshot of the daemon's state is taken.
type SuspendState int

const (
	SuspendNormal SuspendState = iota
	SuspendSuspending
	SuspendSuspended
)

func (s SuspendState) String() string {
	switch s {
	case SuspendNormal:
		return "normal"
	case SuspendSuspending:
		return "suspending"
	case SuspendSuspended:
		return "suspended"
	}
	return fmt.Sprintf("SuspendState(%d)", int(s))
}

var (
	ErrAlreadySuspended = errors.New("puffs: mount is already suspended")
	ErrNotSuspended     = errors.New("puffs: mount is not suspended")
)

// Suspended returns the suspension state.
func (m *Mount) Suspended() SuspendState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspend
}

// Suspend tells the daemon a suspension is starting, syncs the vnode layer
// and reports the outcome. If the sync fails the daemon is told so and the
// mount returns to normal operation.
func (m *Mount) Suspend(ctx context.Context) error {
	m.mu.Lock()
	if m.suspend != SuspendNormal {
		m.mu.Unlock()
		return ErrAlreadySuspended
	}
	m.suspend = SuspendSuspending
	vnodes := m.vnodes
	m.mu.Unlock()

	m.notifySuspend(ctx, wire.SuspendStart)

	if err := vnodes.Sync(ctx); err != nil {
		logger.Warnf("puffs: mount %s: sync for suspend failed: %v", m.name, err)
		m.notifySuspend(ctx, wire.SuspendError)
		m.setSuspend(SuspendNormal)
		return fmt.Errorf("syncing vnodes: %w", err)
	}

	m.setSuspend(SuspendSuspended)
	m.notifySuspend(ctx, wire.SuspendSuspended)
	logger.Infof("puffs: mount %s suspended", m.name)
	return nil
}

// Resume ends a suspension.
func (m *Mount) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.suspend != SuspendSuspended {
		m.mu.Unlock()
		return ErrNotSuspended
	}
	m.suspend = SuspendNormal
	m.mu.Unlock()

	m.notifySuspend(ctx, wire.SuspendResume)
	logger.Infof("puffs: mount %s resumed", m.name)
	return nil
}

func (m *Mount) setSuspend(s SuspendState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspend = s
}

// notifySuspend sends a fire-and-forget SUSPEND notice. Delivery failures
// are logged only; the daemon may already be gone.
func (m *Mount) notifySuspend(ctx context.Context, status uint32) {
	p, err := m.pool.Get(ctx, true)
	if err != nil {
		logger.Warnf("puffs: mount %s: suspend notice %d: %v", m.name, status, err)
		return
	}
	defer p.Release()

	p.SetRequest(wire.NewMessage(wire.ClassVFS, wire.VFSSuspend, 0, wire.EncodeBody(&wire.SuspendIn{Status: status})))
	p.SetCompletion(FireAndForget{})
	if err := m.Touser(ctx, p); err != nil {
		logger.Warnf("puffs: mount %s: suspend notice %d: %v", m.name, status, err)
	}
}
