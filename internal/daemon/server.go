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

// Package daemon is the userspace end of a puffs mount: it reads requests
// from the transport, runs them against a Handler and writes the replies
// back.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/internal/monitor"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
	"github.com/vfsbridge/puffs/internal/putter"
	"github.com/vfsbridge/puffs/internal/workerpool"
	"github.com/vfsbridge/puffs/metrics"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sys/unix"
)

// Reply is a handler's answer to one request.
type Reply struct {
	// Zero for success, otherwise the errno reported to the kernel.
	Result unix.Errno

	Setback wire.Setback

	// Nil for replies without a body.
	Body wire.Body
}

// Errno builds a failed reply.
func Errno(err unix.Errno) Reply {
	return Reply{Result: err}
}

// Handler implements the file system. Handle is called concurrently.
//
// The reply of a fire-and-forget request is discarded.
type Handler interface {
	Handle(ctx context.Context, req *wire.Message) Reply
}

// ErrorHandler is implemented by handlers that want to see the ERROR class
// notices the kernel sends about unusable replies.
type ErrorHandler interface {
	HandleError(ctx context.Context, errType uint8, errno unix.Errno, cookie wire.Cookie, reason string)
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	MaxMessageSize int
	MetricHandle   metrics.MetricHandle

	// Runs the handlers. When nil the server starts a pool sized for the
	// machine and stops it when Serve returns.
	WorkerPool workerpool.WorkerPool
}

// Server serves one mount's requests.
type Server struct {
	conn         io.ReadWriteCloser
	handler      Handler
	maxSize      int
	metricHandle metrics.MetricHandle

	pool    workerpool.WorkerPool
	ownPool bool

	// Serializes replies on conn.
	writeMu sync.Mutex

	// In-flight handlers.
	wg sync.WaitGroup
}

// NewServer returns a server reading requests from conn.
func NewServer(conn io.ReadWriteCloser, h Handler, opts ServerOptions) (*Server, error) {
	s := &Server{
		conn:         conn,
		handler:      h,
		maxSize:      opts.MaxMessageSize,
		metricHandle: opts.MetricHandle,
		pool:         opts.WorkerPool,
	}
	if s.maxSize <= 0 {
		s.maxSize = putter.DefaultMaxMessageSize
	}
	if s.metricHandle == nil {
		s.metricHandle = metrics.NewNoopMetrics()
	}
	if s.pool == nil {
		pool, err := workerpool.NewStaticWorkerPoolForCurrentCPU(1024)
		if err != nil {
			return nil, fmt.Errorf("creating worker pool: %w", err)
		}
		s.pool = pool
		s.ownPool = true
	}
	return s, nil
}

// Serve reads and dispatches requests until the kernel side closes the
// connection or ctx is cancelled. It waits for running handlers before
// returning. A clean close returns nil.
func (s *Server) Serve(ctx context.Context) (err error) {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	defer func() {
		s.wg.Wait()
		if s.ownPool {
			s.pool.Stop()
		}
	}()

	for {
		var buf []byte
		buf, err = putter.ReadFrame(s.conn, s.maxSize)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				err = nil
				return
			}
			err = fmt.Errorf("reading request: %w", err)
			return
		}

		var req *wire.Message
		req, err = wire.Unmarshal(buf)
		if err != nil {
			err = fmt.Errorf("decoding request: %w", err)
			return
		}

		s.dispatch(ctx, req)
	}
}

func (s *Server) dispatch(ctx context.Context, req *wire.Message) {
	class := req.Header.OpClass.Class()
	s.metricHandle.DaemonRequestsCount(1, metrics.OpClass(class.String()))

	if class == wire.ClassError {
		s.handleError(ctx, req)
		return
	}

	// Suspend notices are state changes and must be seen in order.
	if class == wire.ClassVFS && req.Header.OpClass.IsFAF() {
		s.handle(ctx, req)
		return
	}

	s.wg.Add(1)
	// Unmount and suspend must not queue behind slow data operations.
	s.pool.Schedule(class == wire.ClassVFS, workerpool.TaskFunc(func() {
		defer s.wg.Done()
		s.handle(ctx, req)
	}))
}

func (s *Server) handle(ctx context.Context, req *wire.Message) {
	ctx, span := monitor.StartSpan(ctx, "daemon."+wire.OpName(req.Header.OpClass, req.Header.OpType))
	reply := s.handler.Handle(ctx, req)
	if reply.Result != 0 {
		span.SetStatus(codes.Error, reply.Result.Error())
	}
	span.End()
	logger.Tracef("daemon: %v -> %v", req, reply.Result)

	if req.Header.OpClass.IsFAF() {
		return
	}

	var body []byte
	if reply.Body != nil && reply.Result == 0 {
		body = wire.EncodeBody(reply.Body)
	}
	resp := req.Reply(int32(reply.Result), reply.Setback, body)

	s.writeMu.Lock()
	err := putter.WriteFrame(s.conn, resp.Marshal())
	s.writeMu.Unlock()
	if err != nil && ctx.Err() == nil {
		logger.Warnf("daemon: writing reply to %v: %v", req, err)
	}
}

func (s *Server) handleError(ctx context.Context, req *wire.Message) {
	var in wire.ErrorIn
	if err := wire.DecodeBody(req.Body, &in); err != nil {
		logger.Warnf("daemon: malformed error notice %v: %v", req, err)
		return
	}

	errno := unix.Errno(req.Header.Result)
	logger.Warnf("daemon: kernel rejected a reply: %s (%v) cookie=%d: %s",
		wire.OpName(req.Header.OpClass, req.Header.OpType), errno, req.Header.Cookie, in.Reason)

	if eh, ok := s.handler.(ErrorHandler); ok {
		eh.HandleError(ctx, req.Header.OpType, errno, req.Header.Cookie, in.Reason)
	}
}
