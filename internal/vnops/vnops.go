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

// Package vnops implements vnode operations on top of a puffs mount: each
// call becomes one request to the daemon.
//
// Errors are unix.Errno values, either the daemon's result or one of the
// router's errors.
package vnops

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vfsbridge/puffs/internal/logger"
	"github.com/vfsbridge/puffs/internal/puffs"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
)

const (
	// Reply room for metadata-only operations.
	metaReplySize = 256

	// Worst case encoding of one directory entry with a 255 byte name.
	direntSize = 8 + 8 + 4 + 255 + 4
)

// NodeTable receives the bookkeeping hints daemons attach to replies.
type NodeTable interface {
	// Inactive is called when the daemon asks for inactive processing of
	// the node.
	Inactive(cookie wire.Cookie)

	// NoRef is called when the daemon holds no further reference to the
	// node, so the kernel may reclaim it once unused.
	NoRef(cookie wire.Cookie)
}

type nopNodeTable struct{}

func (nopNodeTable) Inactive(wire.Cookie) {}
func (nopNodeTable) NoRef(wire.Cookie)    {}

// Ops issues vnode operations for one mount. It also serves as the mount's
// puffs.VnodeLayer.
type Ops struct {
	mount *puffs.Mount
	nodes NodeTable
}

var _ puffs.VnodeLayer = &Ops{}

// New returns the operations of m. nodes may be nil.
func New(m *puffs.Mount, nodes NodeTable) *Ops {
	if nodes == nil {
		nodes = nopNodeTable{}
	}
	return &Ops{mount: m, nodes: nodes}
}

// Mount returns the mount the operations go to.
func (o *Ops) Mount() *puffs.Mount {
	return o.mount
}

////////////////////////////////////////////////////////////////////////
// Requests
////////////////////////////////////////////////////////////////////////

// request describes one call to the daemon.
type request struct {
	class  wire.OpClass
	op     uint8
	cookie wire.Cookie
	body   wire.Body

	// Largest reply body accepted.
	maxReply int

	// Second node of the operation, for N2 setbacks.
	n2 wire.Cookie

	reclaim bool
}

func (r *request) message() *wire.Message {
	var body []byte
	if r.body != nil {
		body = wire.EncodeBody(r.body)
	}
	msg := wire.NewMessage(r.class, r.op, r.cookie, body)
	msg.SetAllocLen(r.maxReply)
	return msg
}

// call sends r and waits for the reply. A non-zero result is returned as
// its errno after the reply's setbacks have been applied.
func (o *Ops) call(ctx context.Context, r *request) (*wire.Message, error) {
	allocCtx := ctx
	if r.reclaim {
		// A reclaim goes out even for a caller that has been interrupted.
		allocCtx = context.WithoutCancel(ctx)
	}
	p, err := o.mount.Pool().Get(allocCtx, true)
	if err != nil {
		return nil, err
	}
	defer p.Release()

	p.SetRequest(r.message())
	if r.reclaim {
		p.SetReclaim()
	}

	if err := o.mount.Touser(ctx, p); err != nil {
		return nil, err
	}

	reply := p.Reply()
	o.applySetback(r, reply.Header.Setback)
	if err := puffs.ResultError(reply.Header.Result); err != nil {
		return nil, err
	}
	return reply, nil
}

// send queues r without waiting for the daemon.
func (o *Ops) send(ctx context.Context, r *request) error {
	p, err := o.mount.Pool().Get(ctx, true)
	if err != nil {
		return err
	}
	defer p.Release()

	p.SetRequest(r.message())
	p.SetCompletion(puffs.FireAndForget{})
	return o.mount.Touser(ctx, p)
}

func (o *Ops) applySetback(r *request, s wire.Setback) {
	if s&wire.SetbackInactN1 != 0 {
		o.nodes.Inactive(r.cookie)
	}
	if s&wire.SetbackNoRefN1 != 0 {
		o.nodes.NoRef(r.cookie)
	}
	if r.n2 == 0 {
		return
	}
	if s&wire.SetbackInactN2 != 0 {
		o.nodes.Inactive(r.n2)
	}
	if s&wire.SetbackNoRefN2 != 0 {
		o.nodes.NoRef(r.n2)
	}
}

// decode parses a reply body. An unusable body is reported to the daemon
// with an ERROR notice of type errType and fails the operation with EPROTO.
func (o *Ops) decode(ctx context.Context, reply *wire.Message, errType uint8, out wire.Body) error {
	err := wire.DecodeBody(reply.Body, out)
	if err == nil {
		return nil
	}

	reason := fmt.Sprintf("bad %s reply: %v", wire.OpName(reply.Header.OpClass, reply.Header.OpType), err)
	if serr := o.mount.SendError(ctx, errType, puffs.ErrProtocol, reply.Header.Cookie, reason); serr != nil {
		logger.Warnf("vnops: reporting %s: %v", reason, serr)
	}
	return fmt.Errorf("%w: %s", puffs.ErrProtocol, reason)
}

////////////////////////////////////////////////////////////////////////
// VN operations
////////////////////////////////////////////////////////////////////////

// Lookup resolves name in dir. Every successful lookup is a reference the
// daemon expects to see dropped by Reclaim.
func (o *Ops) Lookup(ctx context.Context, dir wire.Cookie, name string) (out wire.NodeOut, err error) {
	reply, err := o.call(ctx, &request{
		class:    wire.ClassVN,
		op:       wire.VNLookup,
		cookie:   dir,
		body:     &wire.NameIn{Name: name},
		maxReply: metaReplySize,
	})
	if err != nil {
		return
	}
	err = o.decode(ctx, reply, wire.ErrLookup, &out)
	return
}

// Create makes a regular file.
func (o *Ops) Create(ctx context.Context, dir wire.Cookie, name string, mode os.FileMode) (wire.NodeOut, error) {
	return o.makeNode(ctx, wire.VNCreate, dir, name, mode)
}

// Mkdir makes a directory.
func (o *Ops) Mkdir(ctx context.Context, dir wire.Cookie, name string, mode os.FileMode) (wire.NodeOut, error) {
	return o.makeNode(ctx, wire.VNMkdir, dir, name, mode)
}

func (o *Ops) makeNode(ctx context.Context, op uint8, dir wire.Cookie, name string, mode os.FileMode) (out wire.NodeOut, err error) {
	reply, err := o.call(ctx, &request{
		class:    wire.ClassVN,
		op:       op,
		cookie:   dir,
		body:     &wire.CreateIn{Name: name, Mode: mode},
		maxReply: metaReplySize,
	})
	if err != nil {
		return
	}
	err = o.decode(ctx, reply, wire.ErrMakeNode, &out)
	return
}

func (o *Ops) Getattr(ctx context.Context, node wire.Cookie) (wire.Attr, error) {
	reply, err := o.call(ctx, &request{
		class:    wire.ClassVN,
		op:       wire.VNGetattr,
		cookie:   node,
		maxReply: metaReplySize,
	})
	if err != nil {
		return wire.Attr{}, err
	}

	var out wire.AttrOut
	if err := o.decode(ctx, reply, wire.ErrError, &out); err != nil {
		return wire.Attr{}, err
	}
	return out.Attr, nil
}

// Read returns up to size bytes at offset. A short result means end of file.
func (o *Ops) Read(ctx context.Context, node wire.Cookie, offset int64, size int) ([]byte, error) {
	reply, err := o.call(ctx, &request{
		class:    wire.ClassVN,
		op:       wire.VNRead,
		cookie:   node,
		body:     &wire.ReadIn{Offset: offset, Size: uint32(size)},
		maxReply: 4 + size,
	})
	if err != nil {
		return nil, err
	}

	var out wire.DataOut
	if err := o.decode(ctx, reply, wire.ErrRead, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Write stores data at offset and returns the number of bytes written.
func (o *Ops) Write(ctx context.Context, node wire.Cookie, offset int64, data []byte) (int, error) {
	reply, err := o.call(ctx, o.writeRequest(node, offset, data))
	if err != nil {
		return 0, err
	}
	return o.written(ctx, reply)
}

// WriteAsync queues a write and returns without waiting for the daemon.
// done runs once with the outcome, on a goroutine owned by the transport.
func (o *Ops) WriteAsync(ctx context.Context, node wire.Cookie, offset int64, data []byte, done func(n int, err error)) error {
	p, err := o.mount.Pool().Get(ctx, true)
	if err != nil {
		return err
	}
	defer p.Release()

	r := o.writeRequest(node, offset, data)
	p.SetRequest(r.message())
	p.SetCompletion(puffs.Callback{Fn: func(reply *wire.Message, err error) {
		if err != nil {
			done(0, err)
			return
		}
		o.applySetback(r, reply.Header.Setback)
		if err := puffs.ResultError(reply.Header.Result); err != nil {
			done(0, err)
			return
		}
		done(o.written(context.Background(), reply))
	}})
	return o.mount.Touser(ctx, p)
}

func (o *Ops) writeRequest(node wire.Cookie, offset int64, data []byte) *request {
	return &request{
		class:    wire.ClassVN,
		op:       wire.VNWrite,
		cookie:   node,
		body:     &wire.WriteIn{Offset: offset, Data: data},
		maxReply: 4,
	}
}

func (o *Ops) written(ctx context.Context, reply *wire.Message) (int, error) {
	var out wire.WriteOut
	if err := o.decode(ctx, reply, wire.ErrWrite, &out); err != nil {
		return 0, err
	}
	return int(out.Written), nil
}

// Remove unlinks the file target, named name in dir.
func (o *Ops) Remove(ctx context.Context, dir, target wire.Cookie, name string) error {
	return o.unlink(ctx, wire.VNRemove, dir, target, name)
}

// Rmdir removes the empty directory target, named name in dir.
func (o *Ops) Rmdir(ctx context.Context, dir, target wire.Cookie, name string) error {
	return o.unlink(ctx, wire.VNRmdir, dir, target, name)
}

func (o *Ops) unlink(ctx context.Context, op uint8, dir, target wire.Cookie, name string) error {
	_, err := o.call(ctx, &request{
		class:    wire.ClassVN,
		op:       op,
		cookie:   dir,
		body:     &wire.RemoveIn{Target: target, Name: name},
		maxReply: 0,
		n2:       target,
	})
	return err
}

// Readdir lists up to maxEntries entries of dir, starting after offset.
func (o *Ops) Readdir(ctx context.Context, dir wire.Cookie, offset uint64, maxEntries int) (out wire.ReaddirOut, err error) {
	reply, err := o.call(ctx, &request{
		class:    wire.ClassVN,
		op:       wire.VNReaddir,
		cookie:   dir,
		body:     &wire.ReaddirIn{Offset: offset, MaxEntries: uint32(maxEntries)},
		maxReply: 8 + maxEntries*direntSize,
	})
	if err != nil {
		return
	}
	err = o.decode(ctx, reply, wire.ErrReaddir, &out)
	return
}

// Inactive tells the daemon the kernel stopped using node for now.
func (o *Ops) Inactive(ctx context.Context, node wire.Cookie) error {
	_, err := o.call(ctx, &request{
		class:  wire.ClassVN,
		op:     wire.VNInactive,
		cookie: node,
	})
	return err
}

// Reclaim drops nlookup references to node. It is delivered even if ctx is
// already cancelled, in which case it does not wait for the daemon and
// returns nil.
func (o *Ops) Reclaim(ctx context.Context, node wire.Cookie, nlookup uint64) error {
	_, err := o.call(ctx, &request{
		class:   wire.ClassVN,
		op:      wire.VNReclaim,
		cookie:  node,
		body:    &wire.ReclaimIn{NLookup: nlookup},
		reclaim: true,
	})
	if errors.Is(err, puffs.ErrInterrupted) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Forget drops nlookup references to node without waiting for the daemon.
func (o *Ops) Forget(ctx context.Context, node wire.Cookie, nlookup uint64) error {
	return o.send(ctx, &request{
		class:  wire.ClassVN,
		op:     wire.VNReclaim,
		cookie: node,
		body:   &wire.ReclaimIn{NLookup: nlookup},
	})
}

////////////////////////////////////////////////////////////////////////
// VFS operations
////////////////////////////////////////////////////////////////////////

func (o *Ops) StatVFS(ctx context.Context) (out wire.StatVFSOut, err error) {
	reply, err := o.call(ctx, &request{
		class:    wire.ClassVFS,
		op:       wire.VFSStatVFS,
		maxReply: metaReplySize,
	})
	if err != nil {
		return
	}
	err = o.decode(ctx, reply, wire.ErrError, &out)
	return
}

// Sync asks the daemon to write back everything it holds.
func (o *Ops) Sync(ctx context.Context) error {
	_, err := o.call(ctx, &request{class: wire.ClassVFS, op: wire.VFSSync})
	return err
}

// Flush runs before unmount. Nothing is cached on this side, so it only
// syncs the daemon.
func (o *Ops) Flush(ctx context.Context) error {
	if o.mount.Status() != puffs.StatusRunning {
		return nil
	}
	return o.Sync(ctx)
}
