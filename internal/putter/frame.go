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

package putter

import (
	"errors"
	"fmt"
	"io"

	"github.com/vfsbridge/puffs/internal/puffs/wire"
)

// ErrFrameTooLarge is returned by ReadFrame for messages above the limit.
var ErrFrameTooLarge = errors.New("putter: frame exceeds maximum message size")

// ReadFrame reads one complete message from r. Messages are not delimited
// beyond their own header: the Len field says where the next one starts.
//
// io.EOF is returned only if r ends cleanly between messages.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	head := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("reading header: %w", err)
		}
		return nil, err
	}

	h, err := wire.DecodeHeader(head)
	if err != nil {
		return nil, err
	}
	if int(h.Len) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Len, maxSize)
	}

	buf := make([]byte, h.Len)
	copy(buf, head)
	if _, err := io.ReadFull(r, buf[wire.HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading body of %d bytes: %w", int(h.Len)-wire.HeaderSize, err)
	}
	return buf, nil
}

// WriteFrame writes one encoded message in a single Write. net.Conn
// serializes whole Writes, so concurrent writers never interleave frames.
func WriteFrame(w io.Writer, buf []byte) error {
	_, err := w.Write(buf)
	return err
}
