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

package puffs

import (
	"errors"

	"github.com/vfsbridge/puffs/internal/puffs/wire"
	"github.com/vfsbridge/puffs/metrics"
	"golang.org/x/sys/unix"
)

// Errors surfaced by the router. They are plain errno values so that callers
// can hand them to the kernel unchanged; compare with errors.Is.
const (
	// ErrDeviceGone: the daemon is gone or the mount never started.
	ErrDeviceGone = unix.ENODEV
	// ErrInterrupted: the caller's context was cancelled while blocked.
	ErrInterrupted = unix.EINTR
	// ErrNoMemory: a non-blocking pool allocation hit the outstanding limit.
	ErrNoMemory = unix.ENOMEM
	// ErrTooLarge: the head of the outgoing queue does not fit the buffer.
	ErrTooLarge = unix.E2BIG
	// ErrWouldBlock: non-blocking GetOutgoing found no work.
	ErrWouldBlock = unix.EAGAIN
	// ErrProtocol: the daemon sent a reply that violates the protocol.
	ErrProtocol = unix.EPROTO
)

// Errno maps err to the errno reported to the kernel. Errors that carry no
// errno become EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// ResultError converts the Result field of a reply header to an error.
func ResultError(result int32) error {
	if result == 0 {
		return nil
	}
	return unix.Errno(result)
}

func errorReason(err error) metrics.ErrorReason {
	switch {
	case errors.Is(err, ErrDeviceGone):
		return metrics.ErrorReasonDeviceGoneAttr
	case errors.Is(err, ErrInterrupted):
		return metrics.ErrorReasonInterruptedAttr
	case errors.Is(err, ErrProtocol):
		return metrics.ErrorReasonProtocolAttr
	case errors.Is(err, ErrNoMemory):
		return metrics.ErrorReasonNoMemoryAttr
	}
	return metrics.ErrorReasonTransportAttr
}

func opClassAttr(c wire.OpClass) metrics.OpClass {
	return metrics.OpClass(c.Class().String())
}
