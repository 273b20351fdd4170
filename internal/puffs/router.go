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

	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

////////////////////////////////////////////////////////////////////////
// Caller side
////////////////////////////////////////////////////////////////////////

// Touser queues p for delivery to the daemon.
//
// With the Wait completion Touser blocks until the request completes and
// returns its error; the reply is then available from p.Reply. If ctx is
// cancelled first, Touser returns ErrInterrupted and the request is left to
// finish on its own. Callback and FireAndForget requests return once queued.
//
// Touser fails with ErrDeviceGone unless the mount is RUNNING. The caller
// keeps its reference to p either way and must Release it.
func (m *Mount) Touser(ctx context.Context, p *Park) error {
	if p.req == nil {
		panic("puffs: Touser on a park without a request")
	}
	if p.span != nil || p.hasFlag(flagOnOutgoing|flagOnReplyWait|flagDone) {
		panic(fmt.Sprintf("puffs: %v submitted twice", p))
	}

	hdr := &p.req.Header
	interrupted := false

	switch p.completion.(type) {
	case nil, Wait:
		p.setFlag(flagWantsReply)

		// Reclaim must not wedge a caller that is already being torn down
		// behind an unresponsive daemon. Deliver it anyway so the daemon's
		// view of the node stays consistent.
		if ctx.Err() != nil && p.hasFlag(flagReclaim) {
			p.completion = FireAndForget{}
			p.clearFlag(flagWantsReply)
			interrupted = true
		}

	case Callback:
		p.setFlag(flagWantsReply | flagIsCallback)

	case FireAndForget:
	}

	if p.hasFlag(flagWantsReply) {
		hdr.OpClass &^= wire.FlagFAF
	} else {
		hdr.OpClass |= wire.FlagFAF
		hdr.ID = 0
	}

	_, p.span = m.tracer.Start(ctx, wire.OpName(hdr.OpClass, hdr.OpType),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("puffs.mount", m.name),
			attribute.Bool("puffs.faf", !p.hasFlag(flagWantsReply)),
		))

	m.mu.Lock()
	if m.status != StatusRunning {
		status := m.status
		m.mu.Unlock()

		p.span.SetStatus(codes.Error, "mount not running")
		p.span.End()
		logger.Debugf("puffs: mount %s: rejecting %v in status %v", m.name, p.req, status)
		return ErrDeviceGone
	}

	if p.hasFlag(flagWantsReply) {
		m.nextID++
		hdr.ID = m.nextID
	}
	p.span.SetAttributes(attribute.Int64("puffs.request_id", int64(hdr.ID)))

	// The router's reference, dropped when the request leaves the router.
	p.Reference()
	p.issued = m.clock.Now()
	m.live++
	m.out.push(p)
	m.metricHandle.OutgoingQueueDepth(1)
	m.metricHandle.RequestsCount(1, opClassAttr(hdr.OpClass))
	logger.Tracef("puffs: mount %s: queued %v", m.name, p.req)
	m.cond.Broadcast()
	m.mu.Unlock()

	if interrupted {
		return ErrInterrupted
	}
	if !p.hasFlag(flagWantsReply) || p.hasFlag(flagIsCallback) {
		return nil
	}

	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return m.abandon(p)
	}
}

// abandon detaches an interrupted waiter from p. A park still on the
// outgoing queue is withdrawn; one already delivered stays on the reply-wait
// queue and is cleaned up by whatever completes it.
func (m *Mount) abandon(p *Park) error {
	m.mu.Lock()
	completed, err := p.detachWaiter()
	if completed {
		m.mu.Unlock()
		return err
	}

	queued := p.hasFlag(flagOnOutgoing)
	if queued {
		m.out.remove(p)
		m.metricHandle.OutgoingQueueDepth(-1)
	}
	m.mu.Unlock()

	logger.Debugf("puffs: mount %s: waiter for %v interrupted (withdrawn: %t)", m.name, p.req, queued)
	if queued {
		m.drop(p, ErrInterrupted)
	}
	return ErrInterrupted
}

// SendError sends an ERROR class notice telling the daemon that a reply it
// sent for cookie could not be used. It never blocks.
func (m *Mount) SendError(ctx context.Context, errType uint8, errno unix.Errno, cookie wire.Cookie, reason string) error {
	p, err := m.pool.Get(ctx, false)
	if err != nil {
		return fmt.Errorf("allocating error notice: %w", err)
	}
	defer p.Release()

	msg := wire.NewMessage(wire.ClassError, errType, cookie, wire.EncodeBody(&wire.ErrorIn{Reason: reason}))
	msg.Header.Result = int32(errno)
	p.SetRequest(msg)
	p.SetCompletion(FireAndForget{})
	return m.Touser(ctx, p)
}

////////////////////////////////////////////////////////////////////////
// Transport side
////////////////////////////////////////////////////////////////////////

// Waitcount returns the number of requests waiting to be fetched.
func (m *Mount) Waitcount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.length
}

// GetOutgoing removes the oldest queued request and returns it encoded.
//
// Requests whose waiter went away are discarded on the way. If the oldest
// request is larger than maxSize it stays queued and ErrTooLarge is
// returned. With nothing queued GetOutgoing fails with ErrWouldBlock if
// nonblock is set and otherwise waits, failing with ErrInterrupted if ctx is
// cancelled. It fails with ErrDeviceGone once the mount is dying.
//
// A request that wants a reply can be matched by Incoming as soon as
// GetOutgoing returns. A successful call must be followed by ReleaseOutgoing
// for the returned park.
func (m *Mount) GetOutgoing(ctx context.Context, maxSize int, nonblock bool) (p *Park, buf []byte, err error) {
	var discarded []*Park

	m.mu.Lock()
	for {
		if m.status == StatusDying {
			err = ErrDeviceGone
			break
		}

		head := m.out.front()
		if head == nil {
			if nonblock {
				err = ErrWouldBlock
				break
			}
			if err = m.waitLocked(ctx); err != nil {
				break
			}
			continue
		}

		if head.hasFlag(flagWaiterGone) {
			m.out.remove(head)
			m.metricHandle.OutgoingQueueDepth(-1)
			discarded = append(discarded, head)
			continue
		}

		if size := head.req.Size(); size > maxSize {
			err = fmt.Errorf("%w: %v needs %d bytes, buffer has %d", ErrTooLarge, head.req, size, maxSize)
			break
		}

		m.out.remove(head)
		m.metricHandle.OutgoingQueueDepth(-1)
		p = head
		buf = p.req.Marshal()

		// The daemon may answer before the transport gets to confirm the
		// write, so the request must be matchable from here on. The
		// transport's reference keeps p alive until ReleaseOutgoing.
		p.Reference()
		p.setFlag(flagInTransit)
		if p.hasFlag(flagWantsReply) {
			m.replyWait.insert(p)
			m.metricHandle.ReplyWaitDepth(1)
		}
		break
	}
	m.mu.Unlock()

	for _, d := range discarded {
		m.drop(d, nil)
	}
	return
}

// ReleaseOutgoing reports the fate of a park returned by GetOutgoing and
// drops the transport's hold on it.
//
// A request that wants a reply is already waiting for it; a reply may even
// have completed it. A failed delivery withdraws the request and completes
// it with status, unless it completed first. Fire-and-forget requests leave
// the router either way.
func (m *Mount) ReleaseOutgoing(p *Park, status error) {
	if !p.hasFlag(flagInTransit) {
		panic(fmt.Sprintf("puffs: ReleaseOutgoing on %v, which is not in transit", p))
	}
	p.clearFlag(flagInTransit)
	defer p.Release()

	if !p.hasFlag(flagWantsReply) {
		m.drop(p, status)
		return
	}
	if status == nil {
		return
	}

	m.mu.Lock()
	withdrawn := p.hasFlag(flagOnReplyWait)
	if withdrawn {
		m.replyWait.take(p.req.Header.ID)
		m.metricHandle.ReplyWaitDepth(-1)
	}
	m.mu.Unlock()

	if !withdrawn {
		logger.Debugf("puffs: mount %s: %v completed before its delivery failed: %v", m.name, p.req, status)
		return
	}
	logger.Debugf("puffs: mount %s: delivering %v failed: %v", m.name, p.req, status)
	m.finish(p, nil, status)
}

// Incoming hands a reply from the daemon to the request waiting for it.
//
// Replies for unknown ids are logged and dropped. A reply larger than the
// request allowed completes the request with ErrProtocol and the daemon is
// sent an ERROR notice. Errors returned by Incoming describe the offending
// message; the mount keeps running.
func (m *Mount) Incoming(buf []byte) error {
	msg, err := wire.Unmarshal(buf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if !msg.Header.OpClass.IsResponse() {
		return fmt.Errorf("%w: %v is not a reply", ErrProtocol, msg)
	}

	m.mu.Lock()
	p := m.replyWait.take(msg.Header.ID)
	if p != nil {
		m.metricHandle.ReplyWaitDepth(-1)
	}
	m.mu.Unlock()

	if p == nil {
		logger.Warnf("puffs: mount %s: dropping reply for unknown request: %v", m.name, msg)
		m.metricHandle.UnmatchedRepliesCount(1)
		return nil
	}

	req := p.req.Header
	var reason string
	switch {
	case msg.Header.OpClass.Class() != req.OpClass.Class() || msg.Header.OpType != req.OpType:
		reason = fmt.Sprintf("reply %s to %s request",
			wire.OpName(msg.Header.OpClass, msg.Header.OpType), wire.OpName(req.OpClass, req.OpType))
	case len(msg.Body) > p.maxReply:
		reason = fmt.Sprintf("reply body of %d bytes exceeds %d", len(msg.Body), p.maxReply)
	case !msg.Header.Setback.Valid():
		reason = fmt.Sprintf("unknown setback bits %#x", uint8(msg.Header.Setback))
	}

	if reason == "" {
		m.finish(p, msg, nil)
		return nil
	}

	m.finish(p, nil, ErrProtocol)
	if err := m.SendError(context.Background(), wire.ErrError, ErrProtocol, req.Cookie, reason); err != nil {
		logger.Warnf("puffs: mount %s: sending protocol error notice: %v", m.name, err)
	}
	return fmt.Errorf("%w: request %d: %s", ErrProtocol, req.ID, reason)
}

////////////////////////////////////////////////////////////////////////
// Completion
////////////////////////////////////////////////////////////////////////

// finish completes p and drops the router's reference. p must be off every
// queue. Called without the mount lock, so callbacks may re-enter the
// router.
func (m *Mount) finish(p *Park, reply *wire.Message, err error) {
	if p.hasFlag(flagWantsReply) && p.markDone(reply, err) {
		if cb, ok := p.completion.(Callback); ok && cb.Fn != nil {
			cb.Fn(reply, err)
		}
	}
	m.drop(p, err)
}

// drop releases the router's reference to p and accounts for its departure.
func (m *Mount) drop(p *Park, err error) {
	class := p.req.Header.OpClass
	latency := m.clock.Now().Sub(p.issued)
	span := p.span

	if err != nil {
		m.metricHandle.RequestErrorsCount(1, errorReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.metricHandle.RequestLatency(context.Background(), latency, opClassAttr(class))
	span.End()

	p.Release()
	m.retire()
}
