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
	"bytes"
	"context"
	"io"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vfsbridge/puffs/internal/puffs"
	"github.com/vfsbridge/puffs/internal/puffs/wire"
)

const testTimeout = 5 * time.Second

// echoDaemon answers every request on conn with result and the request's
// own body, until conn closes.
func echoDaemon(t *testing.T, conn net.Conn, result int32) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			buf, err := ReadFrame(conn, DefaultMaxMessageSize)
			if err != nil {
				return
			}
			req, err := wire.Unmarshal(buf)
			if !assert.NoError(t, err) {
				return
			}
			if req.Header.OpClass.IsFAF() {
				continue
			}
			if err := WriteFrame(conn, req.Reply(result, 0, req.Body).Marshal()); err != nil {
				return
			}
		}
	}()
	return done
}

func newRunningMount(t *testing.T) *puffs.Mount {
	m := puffs.NewMount(puffs.MountOptions{Name: t.Name(), MaxOutstanding: 16})
	m.Start()
	return m
}

func newRequest(t *testing.T, m *puffs.Mount, body []byte) *puffs.Park {
	p, err := m.Pool().Get(context.Background(), false)
	require.NoError(t, err)
	msg := wire.NewMessage(wire.ClassVN, wire.VNGetattr, 7, body)
	msg.SetAllocLen(len(body))
	p.SetRequest(msg)
	return p
}

func TestFrameRoundTrip(t *testing.T) {
	var b bytes.Buffer
	msg := wire.NewMessage(wire.ClassVFS, wire.VFSSync, 0, []byte("xyz")).Marshal()
	require.NoError(t, WriteFrame(&b, msg))
	require.NoError(t, WriteFrame(&b, msg))

	first, err := ReadFrame(&b, 64)
	require.NoError(t, err)
	second, err := ReadFrame(&b, 64)
	require.NoError(t, err)
	_, err = ReadFrame(&b, 64)

	assert.Equal(t, msg, first)
	assert.Equal(t, msg, second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameErrors(t *testing.T) {
	msg := wire.NewMessage(wire.ClassVN, wire.VNRead, 1, make([]byte, 100)).Marshal()

	_, err := ReadFrame(bytes.NewReader(msg), 64)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader(msg[:wire.HeaderSize+10]), 1024)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader(msg[:5]), 1024)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRequestRoundTrip(t *testing.T) {
	m := newRunningMount(t)
	kernel, daemon := net.Pipe()
	served := echoDaemon(t, daemon, 0)
	pt := Attach(context.Background(), m, kernel, Options{})

	p := newRequest(t, m, []byte("attrs"))
	defer p.Release()
	err := m.Touser(context.Background(), p)

	require.NoError(t, err)
	assert.Equal(t, "attrs", string(p.Reply().Body))
	assert.Equal(t, 0, pt.Pending())

	require.NoError(t, pt.Detach())
	<-served
}

// lateWriteConn reports writes as done only some time after the bytes have
// reached the peer.
type lateWriteConn struct {
	net.Conn
	delay time.Duration
}

func (c *lateWriteConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	time.Sleep(c.delay)
	return n, err
}

func TestReplyOvertakesWriteCompletion(t *testing.T) {
	m := newRunningMount(t)
	kernel, daemon := net.Pipe()
	served := echoDaemon(t, daemon, 0)
	pt := Attach(context.Background(), m, &lateWriteConn{Conn: kernel, delay: 20 * time.Millisecond}, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := []byte(fmt.Sprintf("request-%d", i))
			p := newRequest(t, m, body)
			defer p.Release()
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()

			if assert.NoError(t, m.Touser(ctx, p)) {
				assert.Equal(t, string(body), string(p.Reply().Body))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, pt.Detach())
	<-served
	assert.Equal(t, int64(0), m.Pool().Stats().Outstanding)
}

func TestManySequentialRequestsDoNotLeakParks(t *testing.T) {
	m := newRunningMount(t)
	kernel, daemon := net.Pipe()
	served := echoDaemon(t, daemon, 0)
	pt := Attach(context.Background(), m, kernel, Options{})

	// Well beyond the pool limit of 16.
	for i := 0; i < 64; i++ {
		p := newRequest(t, m, []byte("x"))
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		err := m.Touser(ctx, p)
		cancel()
		p.Release()
		require.NoError(t, err, "request %d", i)
	}

	require.NoError(t, pt.Detach())
	<-served
	assert.Equal(t, int64(0), m.LiveRequests())
}

func TestDaemonHangupKillsTheMount(t *testing.T) {
	m := newRunningMount(t)
	kernel, daemon := net.Pipe()
	pt := Attach(context.Background(), m, kernel, Options{})
	defer pt.Detach()

	// The daemon takes the request and then goes away without answering.
	got := make(chan struct{})
	go func() {
		_, err := ReadFrame(daemon, DefaultMaxMessageSize)
		assert.NoError(t, err)
		close(got)
		daemon.Close()
	}()

	p := newRequest(t, m, nil)
	defer p.Release()
	err := m.Touser(context.Background(), p)

	<-got
	assert.ErrorIs(t, err, puffs.ErrDeviceGone)
	require.Eventually(t, func() bool { return m.Status() == puffs.StatusDying }, testTimeout, time.Millisecond)
}

func TestUnmountDetachesThePutter(t *testing.T) {
	m := newRunningMount(t)
	kernel, daemon := net.Pipe()
	served := echoDaemon(t, daemon, 0)
	Attach(context.Background(), m, kernel, Options{})

	err := m.Unmount(context.Background(), false)

	require.NoError(t, err)
	assert.Equal(t, puffs.StatusDying, m.Status())
	assert.Equal(t, int64(0), m.LiveRequests())
	// Detach closed our end, so the daemon sees EOF.
	select {
	case <-served:
	case <-time.After(testTimeout):
		t.Fatal("daemon still running")
	}
}

func TestOversizedRequestFailsTheTransport(t *testing.T) {
	m := newRunningMount(t)
	kernel, daemon := net.Pipe()
	defer daemon.Close()
	pt := Attach(context.Background(), m, kernel, Options{MaxMessageSize: wire.HeaderSize + 8})

	p := newRequest(t, m, make([]byte, 64))
	defer p.Release()
	err := m.Touser(context.Background(), p)

	assert.ErrorIs(t, err, puffs.ErrDeviceGone)
	assert.ErrorIs(t, pt.Detach(), puffs.ErrTooLarge)
}
