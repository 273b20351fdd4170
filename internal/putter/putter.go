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

// Package putter moves messages between a mount's router and a daemon over
// a byte stream such as a unix socket.
package putter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/syncutil"
	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/internal/puffs"
	"github.com/vfsbridge/puffs/internal/ratelimit"
	"github.com/vfsbridge/puffs/metrics"
)

// DefaultMaxMessageSize bounds messages when Options leaves it unset.
const DefaultMaxMessageSize = 1 << 20

// Options configures Attach.
type Options struct {
	// Largest message, header included, moved in either direction.
	MaxMessageSize int

	// Paces requests handed to the daemon. Nil means no pacing.
	Throttle ratelimit.Throttle

	MetricHandle metrics.MetricHandle
}

// Putter pumps one mount's traffic over conn. It is the mount's Transport.
type Putter struct {
	mount        *puffs.Mount
	conn         io.ReadWriteCloser
	maxSize      int
	throttle     ratelimit.Throttle
	metricHandle metrics.MetricHandle

	cancel context.CancelFunc
	bundle *syncutil.Bundle

	detachOnce sync.Once
	detachErr  error
}

// Attach starts moving messages between m and conn and registers the putter
// as m's transport. When the daemon closes its end, or the stream breaks,
// the mount is declared dead.
func Attach(ctx context.Context, m *puffs.Mount, conn io.ReadWriteCloser, opts Options) *Putter {
	if opts.MetricHandle == nil {
		opts.MetricHandle = metrics.NewNoopMetrics()
	}
	if opts.Throttle == nil {
		opts.Throttle, _ = ratelimit.NewThrottle(0, 0)
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Putter{
		mount:        m,
		conn:         conn,
		maxSize:      opts.MaxMessageSize,
		throttle:     opts.Throttle,
		metricHandle: opts.MetricHandle,
		cancel:       cancel,
	}

	m.AttachTransport(p)

	p.bundle = syncutil.NewBundle(ctx)
	p.bundle.Add(p.writeLoop)
	p.bundle.Add(p.readLoop)
	return p
}

// Pending returns the number of requests waiting to be sent; a poll on the
// device is readable when it is non-zero.
func (p *Putter) Pending() int {
	return p.mount.Waitcount()
}

// Detach stops both loops, closes the stream and waits for the loops to
// leave the router. Only the first call does anything.
func (p *Putter) Detach() error {
	p.detachOnce.Do(func() {
		// Cancelling closes the stream too, see readLoop.
		p.cancel()
		p.detachErr = p.bundle.Join()
	})
	return p.detachErr
}

// writeLoop delivers queued requests until the mount dies or the putter is
// detached.
func (p *Putter) writeLoop(ctx context.Context) error {
	for {
		if err := p.throttle.Wait(ctx, 1); err != nil {
			return nil
		}

		park, buf, err := p.mount.GetOutgoing(ctx, p.maxSize, false)
		switch {
		case err == nil:
		case errors.Is(err, puffs.ErrDeviceGone), errors.Is(err, puffs.ErrInterrupted):
			return nil
		case errors.Is(err, puffs.ErrTooLarge):
			// The daemon can never receive it; nothing behind it could move.
			logger.Errorf("putter: mount %s: %v", p.mount.Name(), err)
			p.fail()
			return err
		default:
			return fmt.Errorf("GetOutgoing: %w", err)
		}

		werr := WriteFrame(p.conn, buf)
		p.mount.ReleaseOutgoing(park, werr)
		if werr != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.fail()
			return fmt.Errorf("writing request: %w", werr)
		}
		p.metricHandle.TransportBytesCount(int64(len(buf)), metrics.DirectionOutAttr)
	}
}

// readLoop hands daemon replies to the router.
func (p *Putter) readLoop(ctx context.Context) error {
	// Reads cannot be cancelled; closing the stream ends them.
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()

	for {
		buf, err := ReadFrame(p.conn, p.maxSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				logger.Infof("putter: mount %s: daemon closed the connection", p.mount.Name())
				p.fail()
				return nil
			}
			p.fail()
			return fmt.Errorf("reading reply: %w", err)
		}

		p.metricHandle.TransportBytesCount(int64(len(buf)), metrics.DirectionInAttr)
		if err := p.mount.Incoming(buf); err != nil {
			logger.Warnf("putter: mount %s: %v", p.mount.Name(), err)
		}
	}
}

// fail declares the daemon unreachable.
func (p *Putter) fail() {
	p.mount.UserDead()
}
