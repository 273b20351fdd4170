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
	"encoding/binary"
	"errors"
)

// ErrTruncatedBody is returned by Decoder when a body ends early.
var ErrTruncatedBody = errors.New("wire: truncated body")

// Encoder appends little-endian fields to a body.
type Encoder struct {
	buf []byte
}

func (e *Encoder) PutUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) PutInt64(v int64) {
	e.PutUint64(uint64(v))
}

// PutBytes writes a u32 length followed by b.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) PutString(s string) {
	e.PutUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Bytes returns the encoded body.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads fields written by Encoder. The first error sticks; check Err
// after the last read.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder(body []byte) *Decoder {
	return &Decoder{buf: body}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = ErrTruncatedBody
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Int64() int64 {
	return int64(d.Uint64())
}

func (d *Decoder) ReadBytes() []byte {
	n := d.Uint32()
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *Decoder) ReadString() string {
	n := d.Uint32()
	return string(d.take(int(n)))
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}
