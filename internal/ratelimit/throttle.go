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

// Package ratelimit paces events, such as messages handed to a daemon.
package ratelimit

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"
)

// A simple interface for limiting the rate of some event.
//
// Safe for concurrent access.
type Throttle interface {
	// Return the maximum number of tokens that can be requested in a call to
	// Wait.
	Capacity() (c uint64)

	// Acquire the given number of tokens from the underlying token bucket, then
	// sleep until when it says to wake. If the context is cancelled before then,
	// return early with an error.
	//
	// REQUIRES: tokens <= capacity
	Wait(ctx context.Context, tokens uint64) (err error)
}

type limiter struct {
	*rate.Limiter
}

// NewThrottle returns a throttle admitting rateHz tokens per second with
// bursts of up to capacity tokens. A non-positive rateHz disables
// throttling.
func NewThrottle(
	rateHz float64,
	capacity int) (t Throttle, err error) {
	if rateHz <= 0 {
		t = unlimited{}
		return
	}

	if capacity <= 0 {
		err = fmt.Errorf("illegal capacity %d for rate %v", capacity, rateHz)
		return
	}

	t = &limiter{rate.NewLimiter(rate.Limit(rateHz), capacity)}
	return
}

// ChooseCapacity picks a burst for rateHz that lets roughly window seconds
// worth of events through at once, and at least one.
func ChooseCapacity(rateHz float64, windowSeconds float64) int {
	c := math.Ceil(rateHz * windowSeconds)
	if c < 1 {
		return 1
	}
	if c > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(c)
}

func (l *limiter) Capacity() (c uint64) {
	return uint64(l.Burst())
}

func (l *limiter) Wait(
	ctx context.Context,
	tokens uint64) (err error) {
	if tokens > l.Capacity() {
		err = fmt.Errorf("requested %d tokens, capacity is %d", tokens, l.Capacity())
		return
	}
	return l.WaitN(ctx, int(tokens))
}

type unlimited struct{}

func (unlimited) Capacity() uint64 {
	return math.MaxUint64
}

func (unlimited) Wait(ctx context.Context, tokens uint64) error {
	return ctx.Err()
}
