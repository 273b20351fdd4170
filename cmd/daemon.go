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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/vfsbridge/puffs/cfg"
	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// serveDaemons accepts mounts on ln until ctx is done. Every connection gets
// its own memory file system.
func serveDaemons(ctx context.Context, c *cfg.Config, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			return fmt.Errorf("accept: %w", err)
		}
		logger.Infof("daemon: mount connected from %v", conn.RemoteAddr())

		srv, pool, err := newDaemonServer(c, conn, metrics.NewNoopMetrics())
		if err != nil {
			conn.Close()
			logger.Errorf("daemon: %v", err)
			continue
		}
		g.Go(func() error {
			defer pool.Stop()
			if err := srv.Serve(ctx); err != nil {
				logger.Warnf("daemon: connection ended: %v", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunDaemon serves the memory file system on the unix socket at socketPath
// until SIGINT or SIGTERM.
func RunDaemon(c *cfg.Config, socketPath string) error {
	logger.SetLogFormat(c.Logging.Format)
	if err := logger.InitLogFile(c.Logging); err != nil {
		return fmt.Errorf("init log file: %w", err)
	}
	defer logger.Close()

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(socketPath)
	logger.Infof("daemon: serving on %s", socketPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer cancel()
	return serveDaemons(ctx, c, ln)
}
