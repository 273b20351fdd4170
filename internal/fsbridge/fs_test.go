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

package fsbridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/vfsbridge/puffs/internal/daemon"
	"github.com/vfsbridge/puffs/internal/daemon/memfs"
	"github.com/vfsbridge/puffs/internal/locker"
	"github.com/vfsbridge/puffs/internal/puffs"
	"github.com/vfsbridge/puffs/internal/putter"
	"golang.org/x/sys/unix"
)

func init() {
	locker.EnableInvariantsCheck()
}

type FileSystemTest struct {
	suite.Suite
	ctx   context.Context
	clock timeutil.SimulatedClock
	mem   *memfs.FS
	fs    *FileSystem
}

func TestFileSystemSuite(t *testing.T) {
	suite.Run(t, new(FileSystemTest))
}

func (t *FileSystemTest) SetupTest() {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC))
	t.mem = memfs.New(&t.clock, 1000, 1000)

	m := puffs.NewMount(puffs.MountOptions{Name: t.T().Name()})
	kernel, daemonEnd := net.Pipe()
	srv, err := daemon.NewServer(daemonEnd, t.mem, daemon.ServerOptions{})
	require.NoError(t.T(), err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(t.ctx) }()

	t.fs = New(m, Config{Clock: &t.clock, AttributeTTL: time.Minute})
	putter.Attach(t.ctx, m, kernel, putter.Options{})
	m.Start()

	t.T().Cleanup(func() {
		assert.NoError(t.T(), m.Unmount(context.Background(), true))
		assert.NoError(t.T(), <-served)
	})
}

func (t *FileSystemTest) createFile(name string) *fuseops.CreateFileOp {
	op := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: name, Mode: 0644}
	require.NoError(t.T(), t.fs.CreateFile(t.ctx, op))
	return op
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *FileSystemTest) TestRootAttributes() {
	op := &fuseops.GetInodeAttributesOp{Inode: fuseops.RootInodeID}

	require.NoError(t.T(), t.fs.GetInodeAttributes(t.ctx, op))

	assert.True(t.T(), op.Attributes.Mode.IsDir())
	assert.Equal(t.T(), uint32(1000), op.Attributes.Uid)
	assert.Equal(t.T(), t.clock.Now().Add(time.Minute), op.AttributesExpiration)
}

func (t *FileSystemTest) TestCreateThenLookUp() {
	created := t.createFile("foo")

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "foo"}
	require.NoError(t.T(), t.fs.LookUpInode(t.ctx, lookup))

	assert.NotEqual(t.T(), fuseops.RootInodeID, created.Entry.Child)
	assert.Equal(t.T(), created.Entry.Child, lookup.Entry.Child)
	assert.Equal(t.T(), uint64(2), t.fs.inodes[created.Entry.Child].lookupCount)
	assert.Equal(t.T(), t.clock.Now().Add(time.Minute), lookup.Entry.EntryExpiration)
}

func (t *FileSystemTest) TestLookUpMissing() {
	err := t.fs.LookUpInode(t.ctx, &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"})

	assert.ErrorIs(t.T(), err, unix.ENOENT)
}

func (t *FileSystemTest) TestUnknownInodeIsStale() {
	err := t.fs.GetInodeAttributes(t.ctx, &fuseops.GetInodeAttributesOp{Inode: 999})

	assert.ErrorIs(t.T(), err, unix.ESTALE)
}

func (t *FileSystemTest) TestWriteThenRead() {
	f := t.createFile("f")
	require.NoError(t.T(), t.fs.WriteFile(t.ctx, &fuseops.WriteFileOp{
		Inode: f.Entry.Child, Handle: f.Handle, Offset: 0, Data: []byte("enchilada"),
	}))

	read := &fuseops.ReadFileOp{Inode: f.Entry.Child, Handle: f.Handle, Offset: 2, Dst: make([]byte, 4)}
	require.NoError(t.T(), t.fs.ReadFile(t.ctx, read))

	assert.Equal(t.T(), "chil", string(read.Dst[:read.BytesRead]))
}

func (t *FileSystemTest) TestReadDir() {
	require.NoError(t.T(), t.fs.MkDir(t.ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0755}))
	t.createFile("f")
	open := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t.T(), t.fs.OpenDir(t.ctx, open))

	full := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Handle: open.Handle, Dst: make([]byte, 4096)}
	require.NoError(t.T(), t.fs.ReadDir(t.ctx, full))
	tiny := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Handle: open.Handle, Dst: make([]byte, 8)}
	require.NoError(t.T(), t.fs.ReadDir(t.ctx, tiny))
	past := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Handle: open.Handle, Offset: 2, Dst: make([]byte, 4096)}
	require.NoError(t.T(), t.fs.ReadDir(t.ctx, past))

	assert.Greater(t.T(), full.BytesRead, 0)
	assert.Equal(t.T(), 0, tiny.BytesRead)
	assert.Equal(t.T(), 0, past.BytesRead)
	assert.NoError(t.T(), t.fs.ReleaseDirHandle(t.ctx, &fuseops.ReleaseDirHandleOp{Handle: open.Handle}))
}

func (t *FileSystemTest) TestUnlinkThenForgetFreesTheNode() {
	f := t.createFile("f")
	id := f.Entry.Child
	require.Equal(t.T(), 2, t.mem.NodeCount())

	require.NoError(t.T(), t.fs.Unlink(t.ctx, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "f"}))

	// The daemon asked for inactive processing; it happens on last close.
	assert.True(t.T(), t.fs.inodes[id].inactivePending)
	require.NoError(t.T(), t.fs.ReleaseFileHandle(t.ctx, &fuseops.ReleaseFileHandleOp{Handle: f.Handle}))
	assert.True(t.T(), t.fs.inodes[id].noRef)
	assert.Equal(t.T(), 2, t.mem.NodeCount())

	require.NoError(t.T(), t.fs.ForgetInode(t.ctx, &fuseops.ForgetInodeOp{Inode: id, N: 1}))

	assert.Equal(t.T(), 1, t.mem.NodeCount())
	assert.NotContains(t.T(), t.fs.inodes, id)
}

func (t *FileSystemTest) TestBatchForget() {
	a := t.createFile("a")
	b := t.createFile("b")

	err := t.fs.BatchForget(t.ctx, &fuseops.BatchForgetOp{Entries: []fuseops.BatchForgetEntry{
		{Inode: a.Entry.Child, N: 1},
		{Inode: b.Entry.Child, N: 1},
	}})

	require.NoError(t.T(), err)
	assert.Len(t.T(), t.fs.inodes, 1)
	// Still linked, so the daemon keeps them.
	assert.Equal(t.T(), 3, t.mem.NodeCount())
}

func (t *FileSystemTest) TestRmDir() {
	require.NoError(t.T(), t.fs.MkDir(t.ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0755}))

	err := t.fs.RmDir(t.ctx, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"})

	require.NoError(t.T(), err)
	assert.ErrorIs(t.T(), t.fs.LookUpInode(t.ctx, &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "d"}), unix.ENOENT)
}

func (t *FileSystemTest) TestStatFS() {
	op := &fuseops.StatFSOp{}

	require.NoError(t.T(), t.fs.StatFS(t.ctx, op))

	assert.Equal(t.T(), uint32(4096), op.BlockSize)
	assert.Equal(t.T(), uint64(1), op.Inodes)
}

func (t *FileSystemTest) TestSetInodeAttributesRejectsChanges() {
	size := uint64(0)

	err := t.fs.SetInodeAttributes(t.ctx, &fuseops.SetInodeAttributesOp{Inode: fuseops.RootInodeID, Size: &size})

	assert.ErrorIs(t.T(), err, unix.ENOTSUP)
}

func (t *FileSystemTest) TestSyncFS() {
	assert.NoError(t.T(), t.fs.SyncFS(t.ctx, &fuseops.SyncFSOp{}))
}
