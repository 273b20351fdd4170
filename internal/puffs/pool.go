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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vfsbridge/puffs/metrics"
	"golang.org/x/sync/semaphore"
)

// PoolStats counts pool traffic. Outstanding is Allocated minus Released.
type PoolStats struct {
	Allocated   uint64
	Released    uint64
	Outstanding int64
}

// Pool recycles parks. The mutex and bookkeeping of a park survive recycling;
// only its logical fields are reset.
type Pool struct {
	// Nil when the number of outstanding parks is unbounded.
	sem *semaphore.Weighted

	metricHandle metrics.MetricHandle

	free sync.Pool

	allocated atomic.Uint64
	released  atomic.Uint64
}

// NewPool returns a pool that allows at most maxOutstanding parks to be live
// at once. Zero means no limit.
func NewPool(maxOutstanding int64, metricHandle metrics.MetricHandle) *Pool {
	if metricHandle == nil {
		metricHandle = metrics.NewNoopMetrics()
	}

	p := &Pool{
		metricHandle: metricHandle,
		free: sync.Pool{
			New: func() any { return new(Park) },
		},
	}
	if maxOutstanding > 0 {
		p.sem = semaphore.NewWeighted(maxOutstanding)
	}
	return p
}

// Get returns a zeroed park holding one reference, owned by the caller.
//
// When the outstanding limit is reached Get fails with ErrNoMemory if
// canBlock is false, and otherwise waits for a park to be released. A
// blocking Get fails with ErrInterrupted if ctx is cancelled first.
func (p *Pool) Get(ctx context.Context, canBlock bool) (*Park, error) {
	if p.sem != nil {
		if canBlock {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return nil, fmt.Errorf("waiting for a free park: %w", ErrInterrupted)
			}
		} else if !p.sem.TryAcquire(1) {
			return nil, ErrNoMemory
		}
	}

	pk := p.free.Get().(*Park)
	pk.pool = p
	pk.refs = 1
	pk.done = make(chan struct{})

	p.allocated.Add(1)
	p.metricHandle.ParksOutstanding(1)
	return pk, nil
}

// put resets pk and makes it available again. Called when the last
// reference is dropped.
func (p *Pool) put(pk *Park) {
	if pk.hasFlag(flagOnOutgoing | flagOnReplyWait | flagInTransit) {
		panic(fmt.Sprintf("puffs: releasing %v while still queued", pk))
	}

	pk.req = nil
	pk.maxReply = 0
	pk.completion = nil
	pk.issued = time.Time{}
	pk.span = nil
	pk.flags.Store(0)
	pk.done = nil
	pk.reply = nil
	pk.err = nil
	pk.prev = nil
	pk.next = nil

	p.released.Add(1)
	p.metricHandle.ParksOutstanding(-1)
	p.free.Put(pk)

	if p.sem != nil {
		p.sem.Release(1)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	released := p.released.Load()
	allocated := p.allocated.Load()
	return PoolStats{
		Allocated:   allocated,
		Released:    released,
		Outstanding: int64(allocated) - int64(released),
	}
}
