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

package wrappers

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/vfsbridge/puffs/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const name = "github.com/vfsbridge/puffs/internal/fsbridge"

type wrappedCall func(ctx context.Context) error

type tracing struct {
	fuseutil.FileSystem
	tracer trace.Tracer
}

// WithTracing wraps a FileSystem so that every forwarded operation gets a
// root span. Router spans for the resulting daemon requests become its
// children.
func WithTracing(wrapped fuseutil.FileSystem) fuseutil.FileSystem {
	return &tracing{
		FileSystem: wrapped,
		tracer:     otel.Tracer(name),
	}
}

func (fs *tracing) invokeWrapped(ctx context.Context, opName string, w wrappedCall) error {
	// The bridge serves requests the kernel sends.
	ctx, span := fs.tracer.Start(ctx, opName, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	err := w(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (fs *tracing) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return fs.invokeWrapped(ctx, common.OpStatFS, func(ctx context.Context) error { return fs.FileSystem.StatFS(ctx, op) })
}

func (fs *tracing) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	return fs.invokeWrapped(ctx, common.OpLookUpInode, func(ctx context.Context) error { return fs.FileSystem.LookUpInode(ctx, op) })
}

func (fs *tracing) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	return fs.invokeWrapped(ctx, common.OpGetInodeAttributes, func(ctx context.Context) error { return fs.FileSystem.GetInodeAttributes(ctx, op) })
}

func (fs *tracing) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return fs.invokeWrapped(ctx, common.OpSetInodeAttributes, func(ctx context.Context) error { return fs.FileSystem.SetInodeAttributes(ctx, op) })
}

func (fs *tracing) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return fs.invokeWrapped(ctx, common.OpForgetInode, func(ctx context.Context) error { return fs.FileSystem.ForgetInode(ctx, op) })
}

func (fs *tracing) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	return fs.invokeWrapped(ctx, common.OpBatchForget, func(ctx context.Context) error { return fs.FileSystem.BatchForget(ctx, op) })
}

func (fs *tracing) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	return fs.invokeWrapped(ctx, common.OpMkDir, func(ctx context.Context) error { return fs.FileSystem.MkDir(ctx, op) })
}

func (fs *tracing) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return fs.invokeWrapped(ctx, common.OpCreateFile, func(ctx context.Context) error { return fs.FileSystem.CreateFile(ctx, op) })
}

func (fs *tracing) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.invokeWrapped(ctx, common.OpRmDir, func(ctx context.Context) error { return fs.FileSystem.RmDir(ctx, op) })
}

func (fs *tracing) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.invokeWrapped(ctx, common.OpUnlink, func(ctx context.Context) error { return fs.FileSystem.Unlink(ctx, op) })
}

func (fs *tracing) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return fs.invokeWrapped(ctx, common.OpOpenDir, func(ctx context.Context) error { return fs.FileSystem.OpenDir(ctx, op) })
}

func (fs *tracing) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	return fs.invokeWrapped(ctx, common.OpReadDir, func(ctx context.Context) error { return fs.FileSystem.ReadDir(ctx, op) })
}

func (fs *tracing) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return fs.invokeWrapped(ctx, common.OpReleaseDirHandle, func(ctx context.Context) error { return fs.FileSystem.ReleaseDirHandle(ctx, op) })
}

func (fs *tracing) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return fs.invokeWrapped(ctx, common.OpOpenFile, func(ctx context.Context) error { return fs.FileSystem.OpenFile(ctx, op) })
}

func (fs *tracing) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	return fs.invokeWrapped(ctx, common.OpReadFile, func(ctx context.Context) error { return fs.FileSystem.ReadFile(ctx, op) })
}

func (fs *tracing) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return fs.invokeWrapped(ctx, common.OpWriteFile, func(ctx context.Context) error { return fs.FileSystem.WriteFile(ctx, op) })
}

func (fs *tracing) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return fs.invokeWrapped(ctx, common.OpSyncFile, func(ctx context.Context) error { return fs.FileSystem.SyncFile(ctx, op) })
}

func (fs *tracing) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return fs.invokeWrapped(ctx, common.OpFlushFile, func(ctx context.Context) error { return fs.FileSystem.FlushFile(ctx, op) })
}

func (fs *tracing) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return fs.invokeWrapped(ctx, common.OpReleaseFileHandle, func(ctx context.Context) error { return fs.FileSystem.ReleaseFileHandle(ctx, op) })
}

func (fs *tracing) SyncFS(ctx context.Context, op *fuseops.SyncFSOp) error {
	return fs.invokeWrapped(ctx, common.OpSyncFS, func(ctx context.Context) error { return fs.FileSystem.SyncFS(ctx, op) })
}
