// Copyright 2024 Google Inc. All Rights Reserved.
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
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/kardianos/osext"
	"github.com/vfsbridge/puffs/cfg"
	"github.com/vfsbridge/puffs/common"
	"github.com/vfsbridge/puffs/internal/daemon"
	"github.com/vfsbridge/puffs/internal/daemon/memfs"
	"github.com/vfsbridge/puffs/internal/fsbridge"
	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/internal/monitor"
	"github.com/vfsbridge/puffs/internal/mount"
	"github.com/vfsbridge/puffs/internal/perms"
	"github.com/vfsbridge/puffs/internal/puffs"
	"github.com/vfsbridge/puffs/internal/putter"
	"github.com/vfsbridge/puffs/internal/ratelimit"
	"github.com/vfsbridge/puffs/internal/util"
	"github.com/vfsbridge/puffs/internal/workerpool"
	"github.com/vfsbridge/puffs/metrics"
	"golang.org/x/sys/unix"
)

const (
	SuccessfulMountMessage         = "File system has been successfully mounted."
	UnsuccessfulMountMessagePrefix = "Error while mounting puffs"

	// Environment variable set in the daemonized child.
	inBackgroundMode = "PUFFS_IN_BACKGROUND_MODE"

	attributeTTL = time.Minute

	// How long a clean unmount waits for the daemon to agree.
	unmountTimeout = 10 * time.Second
)

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func registerTerminatingSignalHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, unix.SIGTERM)

	// Unmount when the signal is received.
	go func() {
		for {
			sig := <-signalChan
			logger.Infof("Received %v, attempting to unmount...", sig)

			err := fuse.Unmount(mountPoint)
			if err != nil {
				logger.Errorf("Failed to unmount in response to %v: %v", sig, err)
			} else {
				logger.Infof("Successfully unmounted in response to %v.", sig)
				return
			}
		}
	}()
}

// newDaemonServer serves one connection with an in-memory file system.
func newDaemonServer(c *cfg.Config, conn net.Conn, metricHandle metrics.MetricHandle) (*daemon.Server, workerpool.WorkerPool, error) {
	uid, gid, err := perms.Owner(c.FileSystem.Uid, c.FileSystem.Gid)
	if err != nil {
		return nil, nil, err
	}
	fs := memfs.New(timeutil.RealClock(), uid, gid)
	fs.SetPermissions(os.FileMode(c.FileSystem.DirMode), os.FileMode(c.FileSystem.FileMode))

	pool, err := workerpool.NewStaticWorkerPool(uint32(c.Daemon.PriorityWorkers), uint32(c.Daemon.Workers), 4*c.Daemon.Workers+c.Daemon.PriorityWorkers)
	if err != nil {
		return nil, nil, fmt.Errorf("creating daemon worker pool: %w", err)
	}
	pool.Start()

	srv, err := daemon.NewServer(conn, fs, daemon.ServerOptions{
		MaxMessageSize: int(c.Transport.MaxMessageSize),
		MetricHandle:   metricHandle,
		WorkerPool:     pool,
	})
	if err != nil {
		pool.Stop()
		return nil, nil, err
	}
	return srv, pool, nil
}

// connectDaemon returns the kernel end of the transport. With no socket
// configured the memory file system runs in this process; stop waits for it
// after the mount went away.
func connectDaemon(ctx context.Context, c *cfg.Config, metricHandle metrics.MetricHandle) (conn net.Conn, stop func(), err error) {
	if c.Transport.Socket != "" {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "unix", string(c.Transport.Socket))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to daemon: %w", err)
		}
		return conn, func() {}, nil
	}

	kernelEnd, daemonEnd := net.Pipe()
	srv, pool, err := newDaemonServer(c, daemonEnd, metricHandle)
	if err != nil {
		kernelEnd.Close()
		daemonEnd.Close()
		return nil, nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pool.Stop()
		if err := srv.Serve(context.Background()); err != nil {
			logger.Errorf("Built-in daemon stopped: %v", err)
		}
	}()
	return kernelEnd, func() { <-done }, nil
}

// startMount wires a running puffs mount to the daemon and a FUSE front-end
// for it.
func startMount(ctx context.Context, c *cfg.Config, name string, conn io.ReadWriteCloser, metricHandle metrics.MetricHandle) (*puffs.Mount, *fsbridge.FileSystem, error) {
	throttle, err := ratelimit.NewThrottle(c.Transport.MaxMessagesPerSec, ratelimit.ChooseCapacity(c.Transport.MaxMessagesPerSec, 1))
	if err != nil {
		return nil, nil, fmt.Errorf("transport throttle: %w", err)
	}

	m := puffs.NewMount(puffs.MountOptions{
		Name:           name,
		MaxOutstanding: c.Park.MaxOutstanding,
		MetricHandle:   metricHandle,
		Clock:          timeutil.RealClock(),
	})
	fs := fsbridge.New(m, fsbridge.Config{
		Clock:        timeutil.RealClock(),
		AttributeTTL: attributeTTL,
	})
	putter.Attach(ctx, m, conn, putter.Options{
		MaxMessageSize: int(c.Transport.MaxMessageSize),
		Throttle:       throttle,
		MetricHandle:   metricHandle,
	})
	m.Start()
	return m, fs, nil
}

// Mount the file system based on the supplied arguments, returning a
// fuse.MountedFileSystem that can be joined to wait for unmounting.
func mountWithConfig(ctx context.Context, c *cfg.Config, mountPoint string, metricHandle metrics.MetricHandle) (mfs *fuse.MountedFileSystem, release func(), err error) {
	conn, stopDaemon, err := connectDaemon(ctx, c, metricHandle)
	if err != nil {
		return nil, nil, err
	}

	name := c.AppName
	if name == "" {
		name = mountPoint
	}
	m, fs, err := startMount(ctx, c, name, conn, metricHandle)
	if err != nil {
		conn.Close()
		stopDaemon()
		return nil, nil, err
	}

	release = func() {
		unmountCtx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
		defer cancel()
		if err := m.Unmount(unmountCtx, true); err != nil {
			logger.Errorf("Unmounting %s: %v", name, err)
		}
		stopDaemon()
	}

	mountCfg := &fuse.MountConfig{
		FSName:      "puffs",
		Subtype:     "puffs",
		Options:     mount.FuseOptions(c.FileSystem.FuseOptions),
		ErrorLogger: logger.NewLegacyLogger(slog.LevelError, "fuse: "),
	}
	if c.Debug.Fuse {
		mountCfg.DebugLogger = logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: ")
	}

	mfs, err = fuse.Mount(mountPoint, fsbridge.NewServer(fs), mountCfg)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("mount: %w", err)
	}
	return mfs, release, nil
}

func daemonizeMount(c *cfg.Config, mountPoint string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	// Run in foreground mode with the potentially-modified mount point.
	args := append([]string{"--foreground"}, os.Args[1:]...)
	args[len(args)-1] = mountPoint

	// Pass along PATH so that the daemon can find fusermount on Linux.
	env := []string{
		fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
		fmt.Sprintf("%s=true", inBackgroundMode),
	}
	// Relative paths in the config are resolved against this directory.
	if wd, err := os.Getwd(); err == nil {
		env = append(env, fmt.Sprintf("%s=%s", util.PUFFS_PARENT_PROCESS_DIR, wd))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		env = append(env, fmt.Sprintf("HOME=%s", homeDir))
	}

	var stderrFile *os.File
	if c.Logging.FilePath != "" {
		stderrFileName := string(c.Logging.FilePath) + ".stderr"
		if stderrFile, err = os.OpenFile(stderrFileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err != nil {
			return err
		}
		defer stderrFile.Close()
	}
	if err = daemonize.Run(path, args, env, os.Stdout, stderrFile); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	logger.Infof(SuccessfulMountMessage)
	return nil
}

// Mount mounts the file system at mountPoint and blocks until it is
// unmounted. Outside foreground mode it re-executes itself in the background
// and returns once the child reports the outcome of its mount.
func Mount(c *cfg.Config, mountPoint string) (err error) {
	logger.SetLogFormat(c.Logging.Format)
	if c.Foreground {
		if err = logger.InitLogFile(c.Logging); err != nil {
			return fmt.Errorf("init log file: %w", err)
		}
		defer logger.Close()
	}

	logger.Infof("Start puffs/%s for app %q using mount point: %s\n", common.GetVersion(), c.AppName, mountPoint)
	if c.Foreground || c.Logging.FilePath == "" {
		logger.Info("puffs config", "config", c)
	}

	if !c.Foreground {
		return daemonizeMount(c, mountPoint)
	}

	ctx := context.Background()
	mountID := mountPoint
	if c.AppName != "" {
		mountID = c.AppName
	}
	metricExporterShutdownFn := monitor.SetupOTelMetricExporters(ctx, c, mountID)
	shutdownTracingFn := monitor.SetupTracing(ctx, c, mountID)
	shutdownFn := common.JoinShutdownFunc(metricExporterShutdownFn, shutdownTracingFn)
	defer func() {
		if shutdownErr := shutdownFn(ctx); shutdownErr != nil {
			logger.Errorf("Error while shutting down telemetry: %v", shutdownErr)
		}
	}()

	var metricHandle metrics.MetricHandle = metrics.NewNoopMetrics()
	if c.Metrics.PrometheusPort > 0 {
		metricCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if mh, err := metrics.NewOTelMetrics(metricCtx, 1, 1024); err != nil {
			logger.Errorf("Falling back to no-op metrics: %v", err)
		} else {
			metricHandle = mh
		}
	}

	// Report the outcome to the parent process when daemonized.
	signalOutcome := func(err error) {
		if _, ok := os.LookupEnv(inBackgroundMode); !ok {
			return
		}
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logger.Errorf("Failed to signal error to parent-process from daemon: %v", err2)
		}
	}

	mfs, release, err := mountWithConfig(ctx, c, mountPoint, metricHandle)
	if err != nil {
		logger.Errorf("%s: %v\n", UnsuccessfulMountMessagePrefix, err)
		signalOutcome(fmt.Errorf("%s: %w", UnsuccessfulMountMessagePrefix, err))
		return err
	}
	logger.Info(SuccessfulMountMessage)
	signalOutcome(nil)

	// Let the user unmount with Ctrl-C (SIGINT).
	registerTerminatingSignalHandler(mfs.Dir())

	if err = mfs.Join(ctx); err != nil {
		err = fmt.Errorf("MountedFileSystem.Join: %w", err)
	}
	release()
	return err
}
