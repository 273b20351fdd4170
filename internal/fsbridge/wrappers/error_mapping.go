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

// Package wrappers decorates a fuseutil.FileSystem with concerns shared by
// every operation.
package wrappers

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/vfsbridge/puffs/internal/puffs"
)

func errno(err error) error {
	if err == nil {
		return nil
	}
	// Wrapped errnos are unwrapped; anything else is an I/O error.
	return puffs.Errno(err)
}

// WithErrorMapping wraps a FileSystem so that every returned error is a bare
// syscall.Errno that FUSE can hand to the kernel.
func WithErrorMapping(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	return &errorMapping{FileSystem: wrapped}
}

// Operations not overridden here are passed through unchanged; they come
// from fuseutil.NotImplementedFileSystem and already return errnos.
type errorMapping struct {
	fuseutil.FileSystem
}

func (fs *errorMapping) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return errno(fs.FileSystem.StatFS(ctx, op))
}

func (fs *errorMapping) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	return errno(fs.FileSystem.LookUpInode(ctx, op))
}

func (fs *errorMapping) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	return errno(fs.FileSystem.GetInodeAttributes(ctx, op))
}

func (fs *errorMapping) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return errno(fs.FileSystem.SetInodeAttributes(ctx, op))
}

func (fs *errorMapping) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return errno(fs.FileSystem.ForgetInode(ctx, op))
}

func (fs *errorMapping) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	return errno(fs.FileSystem.BatchForget(ctx, op))
}

func (fs *errorMapping) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	return errno(fs.FileSystem.MkDir(ctx, op))
}

func (fs *errorMapping) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return errno(fs.FileSystem.CreateFile(ctx, op))
}

func (fs *errorMapping) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return errno(fs.FileSystem.RmDir(ctx, op))
}

func (fs *errorMapping) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return errno(fs.FileSystem.Unlink(ctx, op))
}

func (fs *errorMapping) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return errno(fs.FileSystem.OpenDir(ctx, op))
}

func (fs *errorMapping) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	return errno(fs.FileSystem.ReadDir(ctx, op))
}

func (fs *errorMapping) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return errno(fs.FileSystem.OpenFile(ctx, op))
}

func (fs *errorMapping) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	return errno(fs.FileSystem.ReadFile(ctx, op))
}

func (fs *errorMapping) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return errno(fs.FileSystem.WriteFile(ctx, op))
}

func (fs *errorMapping) SyncFS(ctx context.Context, op *fuseops.SyncFSOp) error {
	return errno(fs.FileSystem.SyncFS(ctx, op))
}
