// Copyright 2025 Google LLC
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

package metrics

import (
	"context"
	"time"
)

// OpClass is the op_class attribute: the message class of a request.
type OpClass string

const (
	OpClassVFSAttr   OpClass = "vfs"
	OpClassVNAttr    OpClass = "vn"
	OpClassCacheAttr OpClass = "cache"
	OpClassErrorAttr OpClass = "error"
	OpClassFlushAttr OpClass = "flush"
)

// ErrorReason is the reason attribute of request failures.
type ErrorReason string

const (
	ErrorReasonDeviceGoneAttr  ErrorReason = "device_gone"
	ErrorReasonInterruptedAttr ErrorReason = "interrupted"
	ErrorReasonProtocolAttr    ErrorReason = "protocol"
	ErrorReasonTransportAttr   ErrorReason = "transport"
	ErrorReasonNoMemoryAttr    ErrorReason = "no_memory"
)

// Direction is the direction attribute of transport counters.
type Direction string

const (
	DirectionInAttr  Direction = "in"
	DirectionOutAttr Direction = "out"
)

// MetricHandle provides an interface for recording metrics.
type MetricHandle interface {
	// RequestsCount - The cumulative number of requests handed to the router, by message class.
	RequestsCount(inc int64, opClass OpClass)

	// RequestErrorsCount - The cumulative number of requests that completed with an error, by reason.
	RequestErrorsCount(inc int64, reason ErrorReason)

	// RequestLatency - The distribution of latencies between enqueueing a request and its completion.
	RequestLatency(ctx context.Context, latency time.Duration, opClass OpClass)

	// UnmatchedRepliesCount - The cumulative number of replies whose id matched no waiting request.
	UnmatchedRepliesCount(inc int64)

	// OutgoingQueueDepth - The number of requests waiting to be delivered to the daemon.
	OutgoingQueueDepth(inc int64)

	// ReplyWaitDepth - The number of delivered requests awaiting a reply.
	ReplyWaitDepth(inc int64)

	// ParksOutstanding - The number of request envelopes allocated and not yet recycled.
	ParksOutstanding(inc int64)

	// TransportBytesCount - The cumulative number of bytes moved by the transport, by direction.
	TransportBytesCount(inc int64, direction Direction)

	// DaemonRequestsCount - The cumulative number of requests served by the daemon runtime, by message class.
	DaemonRequestsCount(inc int64, opClass OpClass)
}
