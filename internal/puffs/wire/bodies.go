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

package wire

import (
	"fmt"
	"os"
	"time"
)

// Body is implemented by every typed message body.
type Body interface {
	Encode(e *Encoder)
	Decode(d *Decoder)
}

// EncodeBody serializes b.
func EncodeBody(b Body) []byte {
	var e Encoder
	b.Encode(&e)
	return e.Bytes()
}

// DecodeBody fills b from body, rejecting truncated input.
func DecodeBody(body []byte, b Body) error {
	d := NewDecoder(body)
	b.Decode(d)
	if err := d.Err(); err != nil {
		return fmt.Errorf("decode %T: %w", b, err)
	}
	return nil
}

// Attr is the subset of node attributes carried on the wire.
type Attr struct {
	Mode  os.FileMode
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Mtime time.Time
	Ctime time.Time
}

func (a *Attr) Encode(e *Encoder) {
	e.PutUint32(uint32(a.Mode))
	e.PutUint32(a.Nlink)
	e.PutUint32(a.Uid)
	e.PutUint32(a.Gid)
	e.PutUint64(a.Size)
	e.PutInt64(timeToNanos(a.Mtime))
	e.PutInt64(timeToNanos(a.Ctime))
}

func (a *Attr) Decode(d *Decoder) {
	a.Mode = os.FileMode(d.Uint32())
	a.Nlink = d.Uint32()
	a.Uid = d.Uint32()
	a.Gid = d.Uint32()
	a.Size = d.Uint64()
	a.Mtime = nanosToTime(d.Int64())
	a.Ctime = nanosToTime(d.Int64())
}

// NameIn addresses a directory entry: LOOKUP and RMDIR requests.
type NameIn struct {
	Name string
}

func (b *NameIn) Encode(e *Encoder) { e.PutString(b.Name) }
func (b *NameIn) Decode(d *Decoder) { b.Name = d.ReadString() }

// NodeOut describes a node created or found by LOOKUP, CREATE and MKDIR.
type NodeOut struct {
	Cookie Cookie
	Attr   Attr
}

func (b *NodeOut) Encode(e *Encoder) {
	e.PutUint64(uint64(b.Cookie))
	b.Attr.Encode(e)
}

func (b *NodeOut) Decode(d *Decoder) {
	b.Cookie = Cookie(d.Uint64())
	b.Attr.Decode(d)
}

// CreateIn is the request body of CREATE and MKDIR.
type CreateIn struct {
	Name string
	Mode os.FileMode
}

func (b *CreateIn) Encode(e *Encoder) {
	e.PutString(b.Name)
	e.PutUint32(uint32(b.Mode))
}

func (b *CreateIn) Decode(d *Decoder) {
	b.Name = d.ReadString()
	b.Mode = os.FileMode(d.Uint32())
}

// AttrOut is the reply body of GETATTR.
type AttrOut struct {
	Attr Attr
}

func (b *AttrOut) Encode(e *Encoder) { b.Attr.Encode(e) }
func (b *AttrOut) Decode(d *Decoder) { b.Attr.Decode(d) }

// ReadIn is the request body of READ.
type ReadIn struct {
	Offset int64
	Size   uint32
}

func (b *ReadIn) Encode(e *Encoder) {
	e.PutInt64(b.Offset)
	e.PutUint32(b.Size)
}

func (b *ReadIn) Decode(d *Decoder) {
	b.Offset = d.Int64()
	b.Size = d.Uint32()
}

// DataOut carries file data in READ replies.
type DataOut struct {
	Data []byte
}

func (b *DataOut) Encode(e *Encoder) { e.PutBytes(b.Data) }
func (b *DataOut) Decode(d *Decoder) { b.Data = d.ReadBytes() }

// WriteIn is the request body of WRITE.
type WriteIn struct {
	Offset int64
	Data   []byte
}

func (b *WriteIn) Encode(e *Encoder) {
	e.PutInt64(b.Offset)
	e.PutBytes(b.Data)
}

func (b *WriteIn) Decode(d *Decoder) {
	b.Offset = d.Int64()
	b.Data = d.ReadBytes()
}

// WriteOut reports how much of a WRITE was applied.
type WriteOut struct {
	Written uint32
}

func (b *WriteOut) Encode(e *Encoder) { e.PutUint32(b.Written) }
func (b *WriteOut) Decode(d *Decoder) { b.Written = d.Uint32() }

// RemoveIn is the request body of REMOVE and RMDIR. Target is the second
// node of the operation; setback bits suffixed N2 refer to it.
type RemoveIn struct {
	Target Cookie
	Name   string
}

func (b *RemoveIn) Encode(e *Encoder) {
	e.PutUint64(uint64(b.Target))
	e.PutString(b.Name)
}

func (b *RemoveIn) Decode(d *Decoder) {
	b.Target = Cookie(d.Uint64())
	b.Name = d.ReadString()
}

// ReaddirIn is the request body of READDIR.
type ReaddirIn struct {
	Offset     uint64
	MaxEntries uint32
}

func (b *ReaddirIn) Encode(e *Encoder) {
	e.PutUint64(b.Offset)
	e.PutUint32(b.MaxEntries)
}

func (b *ReaddirIn) Decode(d *Decoder) {
	b.Offset = d.Uint64()
	b.MaxEntries = d.Uint32()
}

// Dirent is one READDIR entry. Offset is the cookie to resume after it.
type Dirent struct {
	Cookie Cookie
	Offset uint64
	Name   string
	Dir    bool
}

// ReaddirOut is the reply body of READDIR.
type ReaddirOut struct {
	Entries []Dirent
	EOF     bool
}

func (b *ReaddirOut) Encode(e *Encoder) {
	e.PutUint32(uint32(len(b.Entries)))
	for _, de := range b.Entries {
		e.PutUint64(uint64(de.Cookie))
		e.PutUint64(de.Offset)
		e.PutString(de.Name)
		e.PutUint32(boolToUint32(de.Dir))
	}
	e.PutUint32(boolToUint32(b.EOF))
}

func (b *ReaddirOut) Decode(d *Decoder) {
	n := d.Uint32()
	b.Entries = nil
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		var de Dirent
		de.Cookie = Cookie(d.Uint64())
		de.Offset = d.Uint64()
		de.Name = d.ReadString()
		de.Dir = d.Uint32() != 0
		b.Entries = append(b.Entries, de)
	}
	b.EOF = d.Uint32() != 0
}

// ReclaimIn is the request body of RECLAIM: the number of lookups the
// kernel is dropping.
type ReclaimIn struct {
	NLookup uint64
}

func (b *ReclaimIn) Encode(e *Encoder) { e.PutUint64(b.NLookup) }
func (b *ReclaimIn) Decode(d *Decoder) { b.NLookup = d.Uint64() }

// StatVFSOut is the reply body of STATVFS.
type StatVFSOut struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
}

func (b *StatVFSOut) Encode(e *Encoder) {
	e.PutUint32(b.BlockSize)
	e.PutUint64(b.Blocks)
	e.PutUint64(b.BlocksFree)
	e.PutUint64(b.Files)
	e.PutUint64(b.FilesFree)
}

func (b *StatVFSOut) Decode(d *Decoder) {
	b.BlockSize = d.Uint32()
	b.Blocks = d.Uint64()
	b.BlocksFree = d.Uint64()
	b.Files = d.Uint64()
	b.FilesFree = d.Uint64()
}

// SuspendIn is the body of VFS SUSPEND notices.
type SuspendIn struct {
	Status uint32
}

func (b *SuspendIn) Encode(e *Encoder) { e.PutUint32(b.Status) }
func (b *SuspendIn) Decode(d *Decoder) { b.Status = d.Uint32() }

// ErrorIn is the body of ERROR class notices. The errno travels in the
// header's Result field.
type ErrorIn struct {
	Reason string
}

func (b *ErrorIn) Encode(e *Encoder) { e.PutString(b.Reason) }
func (b *ErrorIn) Decode(d *Decoder) { b.Reason = d.ReadString() }

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// The zero time travels as 0 so that unset attributes survive a round trip.
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
