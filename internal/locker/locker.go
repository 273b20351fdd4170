// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package locker provides mutexes that can check invariants on every lock
// transition and report locks held suspiciously long.
package locker

import (
	"runtime"
	"sync"
	"time"

	"github.com/vfsbridge/puffs/internal/logger"
)

var gEnableInvariantsCheck bool
var gEnableDebugMessages bool

// holdWarning is how long a debug mutex may be held before it is reported.
var holdWarning = 5 * time.Second

// EnableInvariantsCheck makes lockers built afterwards run their check
// function on every lock and unlock.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
}

// EnableDebugMessages makes lockers built afterwards log when held too long.
func EnableDebugMessages() {
	gEnableDebugMessages = true
}

// New returns a locker with potential capability for debugging. check may be
// nil.
func New(name string, check func()) sync.Locker {
	var l sync.Locker = &sync.Mutex{}

	if gEnableInvariantsCheck && check != nil {
		l = &checker{
			locker: l,
			check:  check,
		}
	}

	if gEnableDebugMessages {
		l = &debugger{
			locker: l,
			name:   name,
		}
	}

	return l
}

type checker struct {
	locker sync.Locker
	check  func()
}

func (c *checker) Lock() {
	c.locker.Lock()
	c.check()
}

func (c *checker) Unlock() {
	c.check()
	c.locker.Unlock()
}

type debugger struct {
	locker sync.Locker
	name   string
	holder string
	timer  *time.Timer
}

func (d *debugger) Lock() {
	d.locker.Lock()

	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false /* all */)
	d.holder = string(buf[:n])

	d.timer = time.AfterFunc(holdWarning, func() {
		logger.Tracef("debug_mutex: Potential dead lock detected for a lock %q held by: %v\n", d.name, d.holder)
	})
}

func (d *debugger) Unlock() {
	d.holder = ""
	d.timer.Stop()
	d.timer = nil

	d.locker.Unlock()
}
