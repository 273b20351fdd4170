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

// Package wire defines the message envelope exchanged between the kernel-side
// request router and the userspace file system daemon.
//
// Every message starts with a fixed 32 byte little-endian header:
//
//	offset  size  field
//	0       4     Len       header + body length
//	4       4     AllocLen  reply capacity declared by the requester
//	8       8     ID        request id, 0 for fire-and-forget
//	16      1     OpClass   class in the low nibble, FAF and response bits
//	17      1     OpType    operation within the class
//	18      1     Setback   reply hints for the vnode layer
//	19      1     reserved
//	20      4     Result    0 on success, errno otherwise
//	24      8     Cookie    daemon node token, 0 for VFS class
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 32

var (
	// ErrShortMessage is returned when a buffer cannot hold a header.
	ErrShortMessage = errors.New("wire: message shorter than header")

	// ErrBadLength is returned when the header length disagrees with the
	// buffer it was decoded from.
	ErrBadLength = errors.New("wire: header length does not match buffer")
)

// Cookie is the daemon's opaque per-node token. The router never interprets
// it.
type Cookie uint64

// DefaultRootCookie is the cookie a daemon uses for the root node unless it
// announces another one at mount time.
const DefaultRootCookie Cookie = 1

// Header is the fixed part of every message.
type Header struct {
	Len      uint32
	AllocLen uint32
	ID       uint64
	OpClass  OpClass
	OpType   uint8
	Setback  Setback
	Result   int32
	Cookie   Cookie
}

// Message is a header plus an opaque body.
type Message struct {
	Header Header
	Body   []byte
}

// NewMessage returns a request of the given class and type addressed at
// cookie. The reply capacity defaults to the body size and can be raised with
// SetAllocLen.
func NewMessage(class OpClass, opType uint8, cookie Cookie, body []byte) *Message {
	m := &Message{
		Header: Header{
			OpClass: class,
			OpType:  opType,
			Cookie:  cookie,
		},
		Body: body,
	}
	m.Header.Len = uint32(HeaderSize + len(body))
	m.Header.AllocLen = m.Header.Len
	return m
}

// Size returns the encoded size of m.
func (m *Message) Size() int {
	return HeaderSize + len(m.Body)
}

// SetAllocLen declares the largest reply body the requester accepts.
func (m *Message) SetAllocLen(bodyLen int) {
	m.Header.AllocLen = uint32(HeaderSize + bodyLen)
}

// MaxReplyBody returns the largest reply body the requester accepts.
func (m *Message) MaxReplyBody() int {
	if m.Header.AllocLen < HeaderSize {
		return 0
	}
	return int(m.Header.AllocLen) - HeaderSize
}

// Marshal encodes m into a freshly allocated buffer. The Len field is
// recomputed from the body.
func (m *Message) Marshal() []byte {
	m.Header.Len = uint32(m.Size())
	buf := make([]byte, m.Size())
	m.Header.put(buf)
	copy(buf[HeaderSize:], m.Body)
	return buf
}

// Unmarshal decodes a complete message. The body aliases a copy of buf, so
// the caller may reuse buf afterwards.
func Unmarshal(buf []byte) (*Message, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if int(h.Len) != len(buf) {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrBadLength, h.Len, len(buf))
	}

	body := make([]byte, len(buf)-HeaderSize)
	copy(body, buf[HeaderSize:])
	return &Message{Header: h, Body: body}, nil
}

// DecodeHeader decodes the header at the start of buf.
func DecodeHeader(buf []byte) (h Header, err error) {
	if len(buf) < HeaderSize {
		err = ErrShortMessage
		return
	}

	le := binary.LittleEndian
	h.Len = le.Uint32(buf[0:])
	h.AllocLen = le.Uint32(buf[4:])
	h.ID = le.Uint64(buf[8:])
	h.OpClass = OpClass(buf[16])
	h.OpType = buf[17]
	h.Setback = Setback(buf[18])
	h.Result = int32(le.Uint32(buf[20:]))
	h.Cookie = Cookie(le.Uint64(buf[24:]))

	if h.Len < HeaderSize {
		err = fmt.Errorf("%w: length %d below header size", ErrBadLength, h.Len)
	}
	return
}

func (h *Header) put(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Len)
	le.PutUint32(buf[4:], h.AllocLen)
	le.PutUint64(buf[8:], h.ID)
	buf[16] = byte(h.OpClass)
	buf[17] = h.OpType
	buf[18] = byte(h.Setback)
	buf[19] = 0
	le.PutUint32(buf[20:], uint32(h.Result))
	le.PutUint64(buf[24:], uint64(h.Cookie))
}

// Reply builds the response to m: same id, class, type and cookie, with the
// response bit set.
func (m *Message) Reply(result int32, setback Setback, body []byte) *Message {
	r := &Message{
		Header: Header{
			AllocLen: m.Header.AllocLen,
			ID:       m.Header.ID,
			OpClass:  m.Header.OpClass | FlagResponse,
			OpType:   m.Header.OpType,
			Setback:  setback,
			Result:   result,
			Cookie:   m.Header.Cookie,
		},
		Body: body,
	}
	r.Header.Len = uint32(r.Size())
	return r
}

func (m *Message) String() string {
	return fmt.Sprintf("%s id=%d cookie=%d len=%d result=%d",
		OpName(m.Header.OpClass, m.Header.OpType),
		m.Header.ID,
		m.Header.Cookie,
		m.Header.Len,
		m.Header.Result)
}
