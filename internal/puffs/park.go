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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vfsbridge/puffs/internal/puffs/wire"
	"go.opentelemetry.io/otel/trace"
)

// Completion selects how the router finishes a request.
type Completion interface {
	isCompletion()
}

// Wait makes Touser block until the reply arrives, the mount dies or the
// caller's context is cancelled. It is the default.
type Wait struct{}

// Callback makes Touser return as soon as the request is queued. Fn runs
// exactly once when the request completes, outside every router lock. reply
// is nil when err is set.
type Callback struct {
	Fn func(reply *wire.Message, err error)
}

// FireAndForget sends a request that expects no reply.
type FireAndForget struct{}

func (Wait) isCompletion()          {}
func (Callback) isCompletion()      {}
func (FireAndForget) isCompletion() {}

type parkFlag uint32

const (
	flagWaiterGone parkFlag = 1 << iota
	flagDone
	flagOnOutgoing
	flagOnReplyWait
	flagIsCallback
	flagWantsReply
	flagReclaim
	flagInTransit
)

// Park carries one request through the router and holds its outcome.
//
// A park is reference counted. Pool.Get hands out the caller's reference;
// Touser takes one more on behalf of the queues, which follows the request
// from the outgoing queue through the transport to the reply-wait queue and
// is dropped when the request leaves the router. The park returns to its
// pool when the last reference goes. While the transport holds a request,
// between GetOutgoing and ReleaseOutgoing, it owns a third reference.
type Park struct {
	pool *Pool

	/////////////////////////
	// Immutable while queued
	/////////////////////////

	req        *wire.Message
	maxReply   int
	completion Completion
	issued     time.Time
	span       trace.Span

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Queue membership and completion state. Read without locks; the queue
	// bits change only under the mount lock, the rest under mu.
	flags atomic.Uint32

	mu sync.Mutex

	// GUARDED_BY(mu)
	refs int

	// Closed exactly once, by markDone.
	done chan struct{}

	// Written before done is closed.
	//
	// GUARDED_BY(mu)
	reply *wire.Message
	err   error

	// Links for whichever queue the park is on.
	//
	// GUARDED_BY(mount lock)
	prev, next *Park
}

func (p *Park) hasFlag(f parkFlag) bool {
	return parkFlag(p.flags.Load())&f != 0
}

func (p *Park) setFlag(f parkFlag) {
	p.flags.Or(uint32(f))
}

func (p *Park) clearFlag(f parkFlag) {
	p.flags.And(^uint32(f))
}

// SetRequest attaches the message to send. The largest acceptable reply
// body is taken from the message's AllocLen.
func (p *Park) SetRequest(req *wire.Message) {
	p.req = req
	p.maxReply = req.MaxReplyBody()
}

// SetCompletion selects how the request completes. Parks default to Wait.
func (p *Park) SetCompletion(c Completion) {
	p.completion = c
}

// SetReclaim marks the request as node teardown on behalf of reclaim. Such a
// request must not block a caller whose context is already cancelled: it is
// still delivered, as fire-and-forget, and Touser reports ErrInterrupted.
func (p *Park) SetReclaim() {
	p.setFlag(flagReclaim)
}

// Request returns the message being sent.
func (p *Park) Request() *wire.Message {
	return p.req
}

// Done is closed when the request completes with a reply or an error.
func (p *Park) Done() <-chan struct{} {
	return p.done
}

// Reply returns the daemon's answer, or nil if the request failed or has not
// completed.
func (p *Park) Reply() *wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply
}

// Err returns the error the request completed with.
func (p *Park) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Reference takes an additional reference on the park.
func (p *Park) Reference() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refs <= 0 {
		panic(fmt.Sprintf("puffs: reference on released park %p", p))
	}
	p.refs++
}

// Release drops one reference. The park must not be used by the caller
// afterwards.
func (p *Park) Release() {
	p.mu.Lock()
	p.releaseLocked(1)
}

// releaseLocked drops n references and unlocks mu. At zero the park goes
// back to its pool.
//
// LOCKS_REQUIRED(p.mu)
// LOCKS_EXCLUDED(p.mu) on return
func (p *Park) releaseLocked(n int) {
	if n <= 0 || p.refs < n {
		refs := p.refs
		p.mu.Unlock()
		panic(fmt.Sprintf("puffs: park %p reference count underflow: %d - %d", p, refs, n))
	}

	p.refs -= n
	last := p.refs == 0
	p.mu.Unlock()

	if last {
		p.pool.put(p)
	}
}

// markDone records the outcome and wakes the waiter. It reports false, and
// records nothing, if the waiter already went away.
func (p *Park) markDone(reply *wire.Message, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hasFlag(flagWaiterGone) {
		return false
	}
	if p.hasFlag(flagDone) {
		panic(fmt.Sprintf("puffs: park %p completed twice", p))
	}

	p.reply = reply
	p.err = err
	p.setFlag(flagDone)
	close(p.done)
	return true
}

// detachWaiter marks the waiter gone unless the park already completed, in
// which case it returns true and the recorded error.
func (p *Park) detachWaiter() (completed bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hasFlag(flagDone) {
		return true, p.err
	}
	p.setFlag(flagWaiterGone)
	return false, nil
}

func (p *Park) String() string {
	if p.req == nil {
		return fmt.Sprintf("park(%p, empty)", p)
	}
	return fmt.Sprintf("park(%p, %s)", p, p.req)
}
