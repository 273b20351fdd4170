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

package vnops

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/vfsbridge/puffs/internal/daemon"
	"github.com/vfsbridge/puffs/internal/daemon/memfs"
	"github.com/vfsbridge/puffs/internal/locker"
	"github.com/vfsbridge/puffs/internal/puffs"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
	"github.com/vfsbridge/puffs/internal/putter"
	"golang.org/x/sys/unix"
)

const (
	root        = wire.DefaultRootCookie
	testTimeout = 5 * time.Second
)

func init() {
	locker.EnableInvariantsCheck()
}

// recordingNodes remembers the setback hints it was given.
type recordingNodes struct {
	mu       sync.Mutex
	inactive []wire.Cookie
	noRef    []wire.Cookie
}

func (r *recordingNodes) Inactive(c wire.Cookie) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inactive = append(r.inactive, c)
}

func (r *recordingNodes) NoRef(c wire.Cookie) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noRef = append(r.noRef, c)
}

func (r *recordingNodes) snapshot() (inactive, noRef []wire.Cookie) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Cookie(nil), r.inactive...), append([]wire.Cookie(nil), r.noRef...)
}

// corruptLookups answers LOOKUP with a body that is not a node.
type corruptLookups struct {
	*memfs.FS
}

func (c corruptLookups) Handle(ctx context.Context, req *wire.Message) daemon.Reply {
	r := c.FS.Handle(ctx, req)
	if req.Header.OpType == wire.VNLookup && r.Result == 0 {
		r.Body = &wire.WriteOut{Written: 1}
	}
	return r
}

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type VnopsTest struct {
	suite.Suite
	ctx   context.Context
	clock timeutil.SimulatedClock
	fs    *memfs.FS
	nodes *recordingNodes
	mount *puffs.Mount
	ops   *Ops
}

func TestVnopsSuite(t *testing.T) {
	suite.Run(t, new(VnopsTest))
}

func (t *VnopsTest) SetupTest() {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	t.fs = memfs.New(&t.clock, 0, 0)
	t.nodes = &recordingNodes{}
	t.start(t.fs)
}

func (t *VnopsTest) start(h daemon.Handler) {
	t.mount = puffs.NewMount(puffs.MountOptions{Name: t.T().Name(), MaxOutstanding: 32})
	kernel, daemonEnd := net.Pipe()

	srv, err := daemon.NewServer(daemonEnd, h, daemon.ServerOptions{})
	require.NoError(t.T(), err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(t.ctx) }()

	t.ops = New(t.mount, t.nodes)
	t.mount.SetVnodeLayer(t.ops)
	putter.Attach(t.ctx, t.mount, kernel, putter.Options{})
	t.mount.Start()

	mount := t.mount
	t.T().Cleanup(func() {
		assert.NoError(t.T(), mount.Unmount(context.Background(), true))
		assert.NoError(t.T(), <-served)
	})
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *VnopsTest) TestCreateWriteReadLookup() {
	created, err := t.ops.Create(t.ctx, root, "foo", 0644)
	require.NoError(t.T(), err)

	n, err := t.ops.Write(t.ctx, created.Cookie, 0, []byte("burrito"))
	require.NoError(t.T(), err)
	data, err := t.ops.Read(t.ctx, created.Cookie, 3, 64)
	require.NoError(t.T(), err)
	found, err := t.ops.Lookup(t.ctx, root, "foo")
	require.NoError(t.T(), err)

	assert.Equal(t.T(), 7, n)
	assert.Equal(t.T(), "rito", string(data))
	assert.Equal(t.T(), created.Cookie, found.Cookie)
	assert.Equal(t.T(), uint64(7), found.Attr.Size)
}

func (t *VnopsTest) TestDaemonErrnoIsReturned() {
	_, err := t.ops.Lookup(t.ctx, root, "missing")
	assert.ErrorIs(t.T(), err, unix.ENOENT)

	_, err = t.ops.Getattr(t.ctx, 999)
	assert.ErrorIs(t.T(), err, unix.ESTALE)
}

func (t *VnopsTest) TestMkdirAndReaddir() {
	_, err := t.ops.Mkdir(t.ctx, root, "dir", 0755)
	require.NoError(t.T(), err)
	_, err = t.ops.Create(t.ctx, root, "file", 0644)
	require.NoError(t.T(), err)

	out, err := t.ops.Readdir(t.ctx, root, 0, 16)

	require.NoError(t.T(), err)
	want := []wire.Dirent{
		{Offset: 1, Name: "dir", Dir: true},
		{Offset: 2, Name: "file"},
	}
	if diff := cmp.Diff(want, out.Entries, cmpopts.IgnoreFields(wire.Dirent{}, "Cookie")); diff != "" {
		t.T().Errorf("Readdir entries mismatch (-want +got):\n%s", diff)
	}
	assert.True(t.T(), out.EOF)

	attr, err := t.ops.Getattr(t.ctx, root)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(3), attr.Nlink)
}

func (t *VnopsTest) TestRemoveAppliesSetbacks() {
	f, err := t.ops.Create(t.ctx, root, "f", 0644)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.ops.Remove(t.ctx, root, f.Cookie, "f"))

	inactive, noRef := t.nodes.snapshot()
	assert.Equal(t.T(), []wire.Cookie{f.Cookie}, inactive)
	assert.Empty(t.T(), noRef)

	require.NoError(t.T(), t.ops.Inactive(t.ctx, f.Cookie))
	_, noRef = t.nodes.snapshot()
	assert.Equal(t.T(), []wire.Cookie{f.Cookie}, noRef)

	require.NoError(t.T(), t.ops.Reclaim(t.ctx, f.Cookie, 1))
	assert.Equal(t.T(), 1, t.fs.NodeCount())
}

func (t *VnopsTest) TestReclaimWithCancelledContextIsStillDelivered() {
	f, err := t.ops.Create(t.ctx, root, "f", 0644)
	require.NoError(t.T(), err)
	require.NoError(t.T(), t.ops.Remove(t.ctx, root, f.Cookie, "f"))
	cancelled, cancel := context.WithCancel(t.ctx)
	cancel()

	err = t.ops.Reclaim(cancelled, f.Cookie, 1)

	assert.NoError(t.T(), err)
	assert.Eventually(t.T(), func() bool { return t.fs.NodeCount() == 1 }, testTimeout, time.Millisecond)
}

func (t *VnopsTest) TestForgetDoesNotWait() {
	f, err := t.ops.Create(t.ctx, root, "f", 0644)
	require.NoError(t.T(), err)
	require.NoError(t.T(), t.ops.Remove(t.ctx, root, f.Cookie, "f"))

	require.NoError(t.T(), t.ops.Forget(t.ctx, f.Cookie, 1))

	assert.Eventually(t.T(), func() bool { return t.fs.NodeCount() == 1 }, testTimeout, time.Millisecond)
}

func (t *VnopsTest) TestWriteAsync() {
	f, err := t.ops.Create(t.ctx, root, "f", 0644)
	require.NoError(t.T(), err)
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	err = t.ops.WriteAsync(t.ctx, f.Cookie, 0, []byte("abc"), func(n int, err error) {
		done <- result{n, err}
	})

	require.NoError(t.T(), err)
	select {
	case r := <-done:
		assert.NoError(t.T(), r.err)
		assert.Equal(t.T(), 3, r.n)
	case <-time.After(testTimeout):
		t.T().Fatal("callback never ran")
	}
	data, err := t.ops.Read(t.ctx, f.Cookie, 0, 10)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "abc", string(data))
}

func (t *VnopsTest) TestStatVFSAndSync() {
	st, err := t.ops.StatVFS(t.ctx)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(4096), st.BlockSize)
	assert.Equal(t.T(), uint64(1), st.Files)

	assert.NoError(t.T(), t.ops.Sync(t.ctx))
}

func (t *VnopsTest) TestSuspendReachesTheDaemon() {
	require.NoError(t.T(), t.mount.Suspend(t.ctx))

	assert.Eventually(t.T(), func() bool { return t.fs.SuspendStatus() == wire.SuspendSuspended }, testTimeout, time.Millisecond)

	require.NoError(t.T(), t.mount.Resume(t.ctx))
	assert.Eventually(t.T(), func() bool { return t.fs.SuspendStatus() == wire.SuspendResume }, testTimeout, time.Millisecond)
}

func (t *VnopsTest) TestUnmountEndToEnd() {
	require.NoError(t.T(), t.mount.Unmount(t.ctx, false))

	assert.True(t.T(), t.fs.Unmounted())
	_, err := t.ops.Getattr(t.ctx, root)
	assert.ErrorIs(t.T(), err, puffs.ErrDeviceGone)
	stats := t.mount.Pool().Stats()
	assert.Equal(t.T(), int64(0), stats.Outstanding)
}

func (t *VnopsTest) TestUndecodableReplyIsReported() {
	fs := memfs.New(&t.clock, 0, 0)
	t.fs = fs
	t.start(corruptLookups{fs})
	_, err := t.ops.Create(t.ctx, root, "f", 0644)
	require.NoError(t.T(), err)

	_, err = t.ops.Lookup(t.ctx, root, "f")

	assert.ErrorIs(t.T(), err, puffs.ErrProtocol)
	assert.Eventually(t.T(), func() bool { return fs.ErrorsSeen() == 1 }, testTimeout, time.Millisecond)
}
