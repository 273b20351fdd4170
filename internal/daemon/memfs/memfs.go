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

// Package memfs is a daemon.Handler keeping a whole file system in memory.
package memfs

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/btree"
	"github.com/jacobsa/timeutil"
	"github.com/vfsbridge/puffs/internal/daemon"
	"github.com/vfsbridge/puffs/internal/locker"
	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
	"golang.org/x/sys/unix"
)

const blockSize = 4096

type node struct {
	attr wire.Attr

	// Directories only. Ordered by name, which gives readdir stable offsets.
	children *btree.BTreeG[dirEntry]

	// Regular files only.
	data []byte

	// Number of lookups the kernel holds, dropped by RECLAIM.
	lookups uint64
}

func (n *node) isDir() bool {
	return n.attr.Mode.IsDir()
}

type dirEntry struct {
	name   string
	cookie wire.Cookie
}

func newEntries() *btree.BTreeG[dirEntry] {
	return btree.NewG(8, func(a, b dirEntry) bool { return a.name < b.name })
}

func (n *node) child(name string) (wire.Cookie, bool) {
	e, ok := n.children.Get(dirEntry{name: name})
	return e.cookie, ok
}

// FS is an in-memory file system.
type FS struct {
	clock timeutil.Clock
	uid   uint32
	gid   uint32

	mu sync.Locker

	// Permission bits new nodes may carry.
	//
	// GUARDED_BY(mu)
	dirPerm  os.FileMode
	filePerm os.FileMode

	// INVARIANT: nodes[wire.DefaultRootCookie] is a directory
	// INVARIANT: every child cookie of a directory is in nodes
	// INVARIANT: a node with Nlink == 0 has lookups > 0
	//
	// GUARDED_BY(mu)
	nodes map[wire.Cookie]*node

	// GUARDED_BY(mu)
	nextCookie wire.Cookie

	// GUARDED_BY(mu)
	suspendStatus uint32

	// GUARDED_BY(mu)
	unmounted bool

	// GUARDED_BY(mu)
	errorsSeen int
}

var _ daemon.Handler = &FS{}
var _ daemon.ErrorHandler = &FS{}

// New returns an empty file system owned by uid and gid.
func New(clock timeutil.Clock, uid, gid uint32) *FS {
	fs := &FS{
		clock:      clock,
		uid:        uid,
		gid:        gid,
		nodes:      make(map[wire.Cookie]*node),
		nextCookie: wire.DefaultRootCookie + 1,
		dirPerm:    os.ModePerm,
		filePerm:   os.ModePerm,
	}
	fs.mu = locker.New("memfs", fs.checkInvariants)

	now := clock.Now()
	fs.nodes[wire.DefaultRootCookie] = &node{
		attr: wire.Attr{
			Mode:  os.ModeDir | 0755,
			Nlink: 2,
			Uid:   uid,
			Gid:   gid,
			Mtime: now,
			Ctime: now,
		},
		children: newEntries(),
		lookups:  1,
	}
	return fs
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) checkInvariants() {
	root, ok := fs.nodes[wire.DefaultRootCookie]
	if !ok || !root.isDir() {
		panic("memfs: root missing or not a directory")
	}

	for cookie, n := range fs.nodes {
		if n.children != nil {
			n.children.Ascend(func(e dirEntry) bool {
				if _, ok := fs.nodes[e.cookie]; !ok {
					panic(fmt.Sprintf("memfs: entry %q of %d points at missing node %d", e.name, cookie, e.cookie))
				}
				return true
			})
		}
		if n.attr.Nlink == 0 && n.lookups == 0 {
			panic(fmt.Sprintf("memfs: node %d is unlinked and unreferenced", cookie))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Inspection
////////////////////////////////////////////////////////////////////////

// NodeCount returns the number of nodes alive, including the root.
func (fs *FS) NodeCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.nodes)
}

// SuspendStatus returns the last suspend status announced by the kernel.
func (fs *FS) SuspendStatus() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.suspendStatus
}

// Unmounted reports whether the kernel asked to unmount.
func (fs *FS) Unmounted() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.unmounted
}

// ErrorsSeen returns the number of ERROR notices received.
func (fs *FS) ErrorsSeen() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.errorsSeen
}

////////////////////////////////////////////////////////////////////////
// daemon.Handler
////////////////////////////////////////////////////////////////////////

func (fs *FS) Handle(ctx context.Context, req *wire.Message) daemon.Reply {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch req.Header.OpClass.Class() {
	case wire.ClassVFS:
		return fs.handleVFS(req)
	case wire.ClassVN:
		return fs.handleVN(req)
	}
	return daemon.Errno(unix.EOPNOTSUPP)
}

func (fs *FS) HandleError(ctx context.Context, errType uint8, errno unix.Errno, cookie wire.Cookie, reason string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.errorsSeen++
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) handleVFS(req *wire.Message) daemon.Reply {
	switch req.Header.OpType {
	case wire.VFSUnmount:
		fs.unmounted = true
		return daemon.Reply{}

	case wire.VFSStatVFS:
		var used uint64
		for _, n := range fs.nodes {
			used += (uint64(len(n.data)) + blockSize - 1) / blockSize
		}
		return daemon.Reply{Body: &wire.StatVFSOut{
			BlockSize:  blockSize,
			Blocks:     used,
			BlocksFree: 0,
			Files:      uint64(len(fs.nodes)),
			FilesFree:  0,
		}}

	case wire.VFSSync:
		return daemon.Reply{}

	case wire.VFSSuspend:
		var in wire.SuspendIn
		if err := wire.DecodeBody(req.Body, &in); err != nil {
			return daemon.Errno(unix.EINVAL)
		}
		fs.suspendStatus = in.Status
		logger.Debugf("memfs: suspend status %d", in.Status)
		return daemon.Reply{}
	}
	return daemon.Errno(unix.EOPNOTSUPP)
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) handleVN(req *wire.Message) daemon.Reply {
	n, ok := fs.nodes[req.Header.Cookie]
	if !ok {
		return daemon.Errno(unix.ESTALE)
	}

	switch req.Header.OpType {
	case wire.VNLookup:
		var in wire.NameIn
		if err := wire.DecodeBody(req.Body, &in); err != nil {
			return daemon.Errno(unix.EINVAL)
		}
		return fs.lookup(n, in.Name)

	case wire.VNCreate, wire.VNMkdir:
		var in wire.CreateIn
		if err := wire.DecodeBody(req.Body, &in); err != nil {
			return daemon.Errno(unix.EINVAL)
		}
		return fs.create(n, in, req.Header.OpType == wire.VNMkdir)

	case wire.VNGetattr:
		return daemon.Reply{Body: &wire.AttrOut{Attr: n.attr}}

	case wire.VNRead:
		var in wire.ReadIn
		if err := wire.DecodeBody(req.Body, &in); err != nil {
			return daemon.Errno(unix.EINVAL)
		}
		return fs.read(n, in)

	case wire.VNWrite:
		var in wire.WriteIn
		if err := wire.DecodeBody(req.Body, &in); err != nil {
			return daemon.Errno(unix.EINVAL)
		}
		return fs.write(n, in)

	case wire.VNRemove, wire.VNRmdir:
		var in wire.RemoveIn
		if err := wire.DecodeBody(req.Body, &in); err != nil {
			return daemon.Errno(unix.EINVAL)
		}
		return fs.remove(n, in, req.Header.OpType == wire.VNRmdir)

	case wire.VNReaddir:
		var in wire.ReaddirIn
		if err := wire.DecodeBody(req.Body, &in); err != nil {
			return daemon.Errno(unix.EINVAL)
		}
		return fs.readdir(n, in)

	case wire.VNInactive:
		return fs.inactive(n)

	case wire.VNReclaim:
		var in wire.ReclaimIn
		if err := wire.DecodeBody(req.Body, &in); err != nil {
			return daemon.Errno(unix.EINVAL)
		}
		return fs.reclaim(req.Header.Cookie, n, in.NLookup)

	case wire.VNOpen, wire.VNClose, wire.VNAccess, wire.VNFsync:
		return daemon.Reply{}
	}
	return daemon.Errno(unix.EOPNOTSUPP)
}

////////////////////////////////////////////////////////////////////////
// Operations
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) lookup(dir *node, name string) daemon.Reply {
	if !dir.isDir() {
		return daemon.Errno(unix.ENOTDIR)
	}
	cookie, ok := dir.child(name)
	if !ok {
		return daemon.Errno(unix.ENOENT)
	}

	child := fs.nodes[cookie]
	child.lookups++
	return daemon.Reply{Body: &wire.NodeOut{Cookie: cookie, Attr: child.attr}}
}

// SetPermissions sets the permission bits of the root directory to dirPerm
// and masks the bits of nodes created later with dirPerm or filePerm.
func (fs *FS) SetPermissions(dirPerm, filePerm os.FileMode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.dirPerm = dirPerm.Perm()
	fs.filePerm = filePerm.Perm()
	root := fs.nodes[wire.DefaultRootCookie]
	root.attr.Mode = os.ModeDir | fs.dirPerm
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) create(dir *node, in wire.CreateIn, mkdir bool) daemon.Reply {
	if !dir.isDir() {
		return daemon.Errno(unix.ENOTDIR)
	}
	if in.Name == "" || in.Name == "." || in.Name == ".." {
		return daemon.Errno(unix.EINVAL)
	}
	if _, ok := dir.child(in.Name); ok {
		return daemon.Errno(unix.EEXIST)
	}

	now := fs.clock.Now()
	child := &node{
		attr: wire.Attr{
			Mode:  in.Mode.Perm() & fs.filePerm,
			Nlink: 1,
			Uid:   fs.uid,
			Gid:   fs.gid,
			Mtime: now,
			Ctime: now,
		},
		lookups: 1,
	}
	if mkdir {
		child.attr.Mode = os.ModeDir | in.Mode.Perm()&fs.dirPerm
		child.attr.Nlink = 2
		child.children = newEntries()
		dir.attr.Nlink++
	}

	cookie := fs.nextCookie
	fs.nextCookie++
	fs.nodes[cookie] = child
	dir.children.ReplaceOrInsert(dirEntry{name: in.Name, cookie: cookie})
	dir.attr.Mtime = now

	return daemon.Reply{Body: &wire.NodeOut{Cookie: cookie, Attr: child.attr}}
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) read(n *node, in wire.ReadIn) daemon.Reply {
	if n.isDir() {
		return daemon.Errno(unix.EISDIR)
	}
	if in.Offset < 0 {
		return daemon.Errno(unix.EINVAL)
	}

	var data []byte
	if in.Offset < int64(len(n.data)) {
		end := min(in.Offset+int64(in.Size), int64(len(n.data)))
		data = n.data[in.Offset:end]
	}
	return daemon.Reply{Body: &wire.DataOut{Data: data}}
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) write(n *node, in wire.WriteIn) daemon.Reply {
	if n.isDir() {
		return daemon.Errno(unix.EISDIR)
	}
	if in.Offset < 0 {
		return daemon.Errno(unix.EINVAL)
	}

	end := in.Offset + int64(len(in.Data))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[in.Offset:], in.Data)
	n.attr.Size = uint64(len(n.data))
	n.attr.Mtime = fs.clock.Now()

	return daemon.Reply{Body: &wire.WriteOut{Written: uint32(len(in.Data))}}
}

// remove unlinks a file or an empty directory. The removed node is the
// operation's second node: the reply asks the kernel to inactivate it, and
// says the daemon keeps no reference once the kernel drops its own.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) remove(dir *node, in wire.RemoveIn, rmdir bool) daemon.Reply {
	if !dir.isDir() {
		return daemon.Errno(unix.ENOTDIR)
	}
	cookie, ok := dir.child(in.Name)
	if !ok || cookie != in.Target {
		return daemon.Errno(unix.ENOENT)
	}

	child := fs.nodes[cookie]
	switch {
	case rmdir && !child.isDir():
		return daemon.Errno(unix.ENOTDIR)
	case !rmdir && child.isDir():
		return daemon.Errno(unix.EPERM)
	case rmdir && child.children.Len() > 0:
		return daemon.Errno(unix.ENOTEMPTY)
	}

	dir.children.Delete(dirEntry{name: in.Name})
	dir.attr.Mtime = fs.clock.Now()
	if child.isDir() {
		dir.attr.Nlink--
	}
	child.attr.Nlink = 0

	setback := wire.SetbackInactN2
	if child.lookups == 0 {
		delete(fs.nodes, cookie)
		setback |= wire.SetbackNoRefN2
	}
	return daemon.Reply{Setback: setback}
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) readdir(dir *node, in wire.ReaddirIn) daemon.Reply {
	if !dir.isDir() {
		return daemon.Errno(unix.ENOTDIR)
	}

	out := &wire.ReaddirOut{EOF: true}
	var i uint64
	dir.children.Ascend(func(e dirEntry) bool {
		i++
		if i <= in.Offset {
			return true
		}
		if in.MaxEntries > 0 && uint32(len(out.Entries)) == in.MaxEntries {
			out.EOF = false
			return false
		}
		out.Entries = append(out.Entries, wire.Dirent{
			Cookie: e.cookie,
			Offset: i,
			Name:   e.name,
			Dir:    fs.nodes[e.cookie].isDir(),
		})
		return true
	})
	return daemon.Reply{Body: out}
}

// inactive tells the kernel whether the node can be forgotten.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FS) inactive(n *node) daemon.Reply {
	if n.attr.Nlink == 0 {
		return daemon.Reply{Setback: wire.SetbackNoRefN1}
	}
	return daemon.Reply{}
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FS) reclaim(cookie wire.Cookie, n *node, nlookup uint64) daemon.Reply {
	if cookie == wire.DefaultRootCookie {
		return daemon.Reply{}
	}

	if nlookup > n.lookups {
		logger.Warnf("memfs: reclaim of %d drops %d lookups, node has %d", cookie, nlookup, n.lookups)
		nlookup = n.lookups
	}
	n.lookups -= nlookup

	if n.lookups == 0 && n.attr.Nlink == 0 {
		delete(fs.nodes, cookie)
	}
	return daemon.Reply{}
}
