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
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vfsbridge/puffs/internal/locker"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
	"github.com/vfsbridge/puffs/metrics"
)

const testTimeout = 5 * time.Second

func init() {
	locker.EnableInvariantsCheck()
}

// countingMetrics records the counters the router tests care about.
type countingMetrics struct {
	metrics.MetricHandle

	unmatched atomic.Int64
	requests  atomic.Int64

	mu     sync.Mutex
	errors map[metrics.ErrorReason]int64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		MetricHandle: metrics.NewNoopMetrics(),
		errors:       make(map[metrics.ErrorReason]int64),
	}
}

func (c *countingMetrics) UnmatchedRepliesCount(inc int64) { c.unmatched.Add(inc) }
func (c *countingMetrics) RequestsCount(inc int64, _ metrics.OpClass) {
	c.requests.Add(inc)
}

func (c *countingMetrics) RequestErrorsCount(inc int64, reason metrics.ErrorReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[reason] += inc
}

func (c *countingMetrics) errorCount(reason metrics.ErrorReason) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors[reason]
}

type fakeVnodes struct {
	flushErr error
	syncErr  error

	flushes atomic.Int32
	syncs   atomic.Int32
}

func (f *fakeVnodes) Flush(context.Context) error {
	f.flushes.Add(1)
	return f.flushErr
}

func (f *fakeVnodes) Sync(context.Context) error {
	f.syncs.Add(1)
	return f.syncErr
}

type fakeTransport struct {
	detached atomic.Int32
	onDetach func()
}

func (f *fakeTransport) Detach() error {
	f.detached.Add(1)
	if f.onDetach != nil {
		f.onDetach()
	}
	return nil
}

// newTestRequest allocates a park carrying a VN request with room for a
// reply body of maxReply bytes.
func newTestRequest(t *testing.T, m *Mount, opType uint8, cookie wire.Cookie, body []byte, maxReply int) *Park {
	t.Helper()

	p, err := m.Pool().Get(context.Background(), false)
	require.NoError(t, err)

	msg := wire.NewMessage(wire.ClassVN, opType, cookie, body)
	msg.SetAllocLen(maxReply)
	p.SetRequest(msg)
	return p
}

// touserAsync runs a blocking Touser and reports its result.
func touserAsync(ctx context.Context, m *Mount, p *Park) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- m.Touser(ctx, p)
	}()
	return done
}

func awaitResult(t *testing.T, ch <-chan error) error {
	t.Helper()

	select {
	case err := <-ch:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for Touser")
	}
	return nil
}

// fetch plays the transport: it takes the next request and confirms its
// delivery.
func fetch(t *testing.T, m *Mount) (*Park, *wire.Message) {
	t.Helper()

	p, msg := fetchNoRelease(t, m)
	m.ReleaseOutgoing(p, nil)
	return p, msg
}

func fetchNoRelease(t *testing.T, m *Mount) (*Park, *wire.Message) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	p, buf, err := m.GetOutgoing(ctx, 1<<20, false)
	require.NoError(t, err)
	msg, err := wire.Unmarshal(buf)
	require.NoError(t, err)
	return p, msg
}

func replyBytes(req *wire.Message, result int32, body []byte) []byte {
	return req.Reply(result, 0, body).Marshal()
}
