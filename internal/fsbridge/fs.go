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

// Package fsbridge exposes a puffs mount to the kernel through FUSE. Every
// FUSE operation becomes one or more vnode operations sent to the daemon.
package fsbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/vfsbridge/puffs/internal/fsbridge/wrappers"
	"github.com/vfsbridge/puffs/internal/locker"
	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/internal/puffs"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
	"github.com/vfsbridge/puffs/internal/vnops"
	"golang.org/x/sys/unix"
)

// Entries fetched from the daemon per ReadDir call.
const readdirBatch = 128

type Config struct {
	// Used for attribute and entry expiration times.
	Clock timeutil.Clock

	// How long the kernel may cache attributes and entries. Zero disables
	// caching, so every access reaches the daemon.
	AttributeTTL time.Duration
}

// inode is the kernel's view of one daemon node.
type inode struct {
	cookie wire.Cookie

	// Lookups the kernel holds, as counted by FUSE.
	lookupCount uint64

	// Open file handles.
	openCount int

	// The daemon asked for inactive processing; sent when the kernel
	// stops using the node.
	inactivePending bool

	// The daemon holds no reference any more.
	noRef bool
}

// FileSystem is a fuseutil.FileSystem backed by a puffs mount. It is also
// the vnops.NodeTable receiving the daemon's setback hints.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	ops     *vnops.Ops
	clock   timeutil.Clock
	attrTTL time.Duration

	mu locker.RWLocker

	// INVARIANT: inodes[fuseops.RootInodeID].cookie == wire.DefaultRootCookie
	// INVARIANT: for each id, byCookie[inodes[id].cookie] == id unless
	//            inodes[id].noRef
	// INVARIANT: nextInode > every key of inodes
	//
	// GUARDED_BY(mu)
	inodes   map[fuseops.InodeID]*inode
	byCookie map[wire.Cookie]fuseops.InodeID

	// GUARDED_BY(mu)
	nextInode fuseops.InodeID

	// File handles to the inode they were opened on.
	//
	// GUARDED_BY(mu)
	handles    map[fuseops.HandleID]fuseops.InodeID
	nextHandle fuseops.HandleID
}

var _ vnops.NodeTable = &FileSystem{}

// New returns a file system issuing its operations to m, and installs
// itself as m's vnode layer.
func New(m *puffs.Mount, cfg Config) *FileSystem {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock()
	}

	fs := &FileSystem{
		clock:     cfg.Clock,
		attrTTL:   cfg.AttributeTTL,
		inodes:    make(map[fuseops.InodeID]*inode),
		byCookie:  make(map[wire.Cookie]fuseops.InodeID),
		nextInode: fuseops.RootInodeID + 1,
		handles:   make(map[fuseops.HandleID]fuseops.InodeID),
	}
	fs.mu = locker.NewRW("fsbridge.FileSystem", fs.checkInvariants)
	fs.inodes[fuseops.RootInodeID] = &inode{cookie: wire.DefaultRootCookie, lookupCount: 1}
	fs.byCookie[wire.DefaultRootCookie] = fuseops.RootInodeID

	fs.ops = vnops.New(m, fs)
	m.SetVnodeLayer(fs.ops)
	return fs
}

// NewServer wraps fs for serving with fuse.Mount.
func NewServer(fs *FileSystem) fuse.Server {
	var wrapped fuseutil.FileSystem = fs
	wrapped = wrappers.WithErrorMapping(wrapped)
	wrapped = wrappers.WithTracing(wrapped)
	return fuseutil.NewFileSystemServer(wrapped)
}

func (fs *FileSystem) checkInvariants() {
	root, ok := fs.inodes[fuseops.RootInodeID]
	if !ok || root.cookie != wire.DefaultRootCookie {
		panic("fsbridge: root inode missing")
	}

	for id, in := range fs.inodes {
		if id >= fs.nextInode {
			panic(fmt.Sprintf("fsbridge: inode %d not below next ID %d", id, fs.nextInode))
		}
		if in.noRef {
			continue
		}
		if indexed := fs.byCookie[in.cookie]; indexed != id {
			panic(fmt.Sprintf("fsbridge: cookie %d maps to %d and %d", in.cookie, id, indexed))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// vnops.NodeTable
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) Inactive(cookie wire.Cookie) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if in := fs.lookUpCookieLocked(cookie); in != nil {
		in.inactivePending = true
	}
}

func (fs *FileSystem) NoRef(cookie wire.Cookie) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if in := fs.lookUpCookieLocked(cookie); in != nil {
		logger.Tracef("fsbridge: daemon dropped cookie %d", cookie)
		in.noRef = true
		delete(fs.byCookie, cookie)
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) lookUpCookieLocked(cookie wire.Cookie) *inode {
	id, ok := fs.byCookie[cookie]
	if !ok {
		return nil
	}
	return fs.inodes[id]
}

// cookieOf returns the cookie behind id, or ESTALE if the kernel names an
// inode it already forgot.
func (fs *FileSystem) cookieOf(id fuseops.InodeID) (wire.Cookie, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	in, ok := fs.inodes[id]
	if !ok {
		return 0, unix.ESTALE
	}
	return in.cookie, nil
}

// registerLookup records one more kernel lookup of the node.
func (fs *FileSystem) registerLookup(cookie wire.Cookie) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if id, ok := fs.byCookie[cookie]; ok {
		fs.inodes[id].lookupCount++
		return id
	}

	id := fs.nextInode
	fs.nextInode++
	fs.inodes[id] = &inode{cookie: cookie, lookupCount: 1}
	fs.byCookie[cookie] = id
	return id
}

func (fs *FileSystem) attributes(a wire.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   a.Size,
		Nlink:  a.Nlink,
		Mode:   a.Mode,
		Atime:  a.Mtime,
		Mtime:  a.Mtime,
		Ctime:  a.Ctime,
		Crtime: a.Ctime,
		Uid:    a.Uid,
		Gid:    a.Gid,
	}
}

func (fs *FileSystem) expiration() time.Time {
	return fs.clock.Now().Add(fs.attrTTL)
}

func (fs *FileSystem) childEntry(node wire.NodeOut) fuseops.ChildInodeEntry {
	exp := fs.expiration()
	return fuseops.ChildInodeEntry{
		Child:                fs.registerLookup(node.Cookie),
		Attributes:           fs.attributes(node.Attr),
		AttributesExpiration: exp,
		EntryExpiration:      exp,
	}
}

// forget drops n kernel lookups of id. When the last one goes, the daemon
// gets any pending INACTIVE followed by a RECLAIM for every lookup.
func (fs *FileSystem) forget(ctx context.Context, id fuseops.InodeID, n uint64) error {
	fs.mu.Lock()
	in, ok := fs.inodes[id]
	if !ok || id == fuseops.RootInodeID {
		fs.mu.Unlock()
		return nil
	}
	if n > in.lookupCount {
		fs.mu.Unlock()
		panic(fmt.Sprintf("fsbridge: forgetting %d lookups of inode %d, which has %d", n, id, in.lookupCount))
	}

	in.lookupCount -= n
	gone := in.lookupCount == 0
	inactive := gone && in.inactivePending
	if gone {
		delete(fs.inodes, id)
		if fs.byCookie[in.cookie] == id {
			delete(fs.byCookie, in.cookie)
		}
	}
	fs.mu.Unlock()

	if inactive {
		if err := fs.ops.Inactive(ctx, in.cookie); err != nil {
			logger.Warnf("fsbridge: inactive of cookie %d: %v", in.cookie, err)
		}
	}
	return fs.ops.Reclaim(ctx, in.cookie, n)
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st, err := fs.ops.StatVFS(ctx)
	if err != nil {
		return err
	}

	op.BlockSize = st.BlockSize
	op.Blocks = st.Blocks
	op.BlocksFree = st.BlocksFree
	op.BlocksAvailable = st.BlocksFree
	op.Inodes = st.Files
	op.InodesFree = st.FilesFree
	op.IoSize = 1 << 20
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	dir, err := fs.cookieOf(op.Parent)
	if err != nil {
		return err
	}

	node, err := fs.ops.Lookup(ctx, dir, op.Name)
	if err != nil {
		return err
	}
	op.Entry = fs.childEntry(node)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	cookie, err := fs.cookieOf(op.Inode)
	if err != nil {
		return err
	}

	attr, err := fs.ops.Getattr(ctx, cookie)
	if err != nil {
		return err
	}
	op.Attributes = fs.attributes(attr)
	op.AttributesExpiration = fs.expiration()
	return nil
}

// SetInodeAttributes only reports the current attributes: daemons are not
// asked to change them.
func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if op.Size != nil || op.Mode != nil || op.Mtime != nil {
		return unix.ENOTSUP
	}

	cookie, err := fs.cookieOf(op.Inode)
	if err != nil {
		return err
	}
	attr, err := fs.ops.Getattr(ctx, cookie)
	if err != nil {
		return err
	}
	op.Attributes = fs.attributes(attr)
	op.AttributesExpiration = fs.expiration()
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return fs.forget(ctx, op.Inode, op.N)
}

func (fs *FileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	var errs []error
	for _, entry := range op.Entries {
		if err := fs.forget(ctx, entry.Inode, entry.N); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	dir, err := fs.cookieOf(op.Parent)
	if err != nil {
		return err
	}

	node, err := fs.ops.Mkdir(ctx, dir, op.Name, op.Mode)
	if err != nil {
		return err
	}
	op.Entry = fs.childEntry(node)
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	dir, err := fs.cookieOf(op.Parent)
	if err != nil {
		return err
	}

	node, err := fs.ops.Create(ctx, dir, op.Name, op.Mode)
	if err != nil {
		return err
	}
	op.Entry = fs.childEntry(node)
	op.Handle = fs.openHandle(op.Entry.Child)
	return nil
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.unlink(ctx, op.Parent, op.Name, true)
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.unlink(ctx, op.Parent, op.Name, false)
}

// unlink resolves name to the daemon's node and removes it. The lookup used
// to find the target is returned to the daemon right away; it was never
// handed to the kernel.
func (fs *FileSystem) unlink(ctx context.Context, parent fuseops.InodeID, name string, dir bool) error {
	parentCookie, err := fs.cookieOf(parent)
	if err != nil {
		return err
	}

	target, err := fs.ops.Lookup(ctx, parentCookie, name)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := fs.ops.Reclaim(ctx, target.Cookie, 1); rerr != nil {
			logger.Warnf("fsbridge: reclaiming %q: %v", name, rerr)
		}
	}()

	if dir {
		return fs.ops.Rmdir(ctx, parentCookie, target.Cookie, name)
	}
	return fs.ops.Remove(ctx, parentCookie, target.Cookie, name)
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if _, err := fs.cookieOf(op.Inode); err != nil {
		return err
	}
	op.Handle = fs.openHandle(op.Inode)
	return nil
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	dir, err := fs.cookieOf(op.Inode)
	if err != nil {
		return err
	}

	out, err := fs.ops.Readdir(ctx, dir, uint64(op.Offset), readdirBatch)
	if err != nil {
		return err
	}

	for _, e := range out.Entries {
		d := fuseutil.Dirent{
			Offset: fuseops.DirOffset(e.Offset),
			// Informational only; the kernel looks entries up by name.
			Inode: fuseops.InodeID(e.Cookie),
			Name:  e.Name,
			Type:  fuseutil.DT_File,
		}
		if e.Dir {
			d.Type = fuseutil.DT_Directory
		}

		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.closeHandle(ctx, op.Handle)
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, err := fs.cookieOf(op.Inode); err != nil {
		return err
	}
	op.Handle = fs.openHandle(op.Inode)
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	cookie, err := fs.cookieOf(op.Inode)
	if err != nil {
		return err
	}

	data, err := fs.ops.Read(ctx, cookie, op.Offset, len(op.Dst))
	if err != nil {
		return err
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	cookie, err := fs.cookieOf(op.Inode)
	if err != nil {
		return err
	}

	n, err := fs.ops.Write(ctx, cookie, op.Offset, op.Data)
	if err != nil {
		return err
	}
	if n != len(op.Data) {
		return unix.EIO
	}
	return nil
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.closeHandle(ctx, op.Handle)
	return nil
}

func (fs *FileSystem) SyncFS(ctx context.Context, op *fuseops.SyncFSOp) error {
	return fs.ops.Sync(ctx)
}

func (fs *FileSystem) Destroy() {
	logger.Infof("fsbridge: kernel released the file system")
}

////////////////////////////////////////////////////////////////////////
// Handles
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) openHandle(id fuseops.InodeID) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	h := fs.nextHandle
	fs.nextHandle++
	fs.handles[h] = id
	if in, ok := fs.inodes[id]; ok {
		in.openCount++
	}
	return h
}

// closeHandle forgets h. Closing the last handle of a node the daemon asked
// to inactivate sends the INACTIVE.
func (fs *FileSystem) closeHandle(ctx context.Context, h fuseops.HandleID) {
	fs.mu.Lock()
	id, ok := fs.handles[h]
	delete(fs.handles, h)
	var cookie wire.Cookie
	send := false
	if in, found := fs.inodes[id]; ok && found {
		in.openCount--
		if in.openCount == 0 && in.inactivePending {
			in.inactivePending = false
			cookie = in.cookie
			send = true
		}
	}
	fs.mu.Unlock()

	if send {
		if err := fs.ops.Inactive(ctx, cookie); err != nil {
			logger.Warnf("fsbridge: inactive of cookie %d: %v", cookie, err)
		}
	}
}
