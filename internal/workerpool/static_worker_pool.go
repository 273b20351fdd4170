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

package workerpool

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/vfsbridge/puffs/internal/logger"
)

const (
	// Queue slots per worker.
	priorityQueuePerWorker = 200
	normalQueuePerWorker   = 5000
)

// staticWorkerPool runs a fixed number of goroutines. Priority workers serve
// urgent tasks only; normal workers serve both, preferring urgent ones.
type staticWorkerPool struct {
	priorityWorker uint32
	normalWorker   uint32

	priorityCh chan Task
	normalCh   chan Task

	// Closed by Stop.
	stop chan bool
	wg   sync.WaitGroup
}

// NewStaticWorkerPool returns a pool with the given number of workers.
// Neither queue holds more than twice maxQueued tasks, the number of tasks
// the caller can have outstanding at once.
func NewStaticWorkerPool(priorityWorker uint32, normalWorker uint32, maxQueued int64) (*staticWorkerPool, error) {
	if priorityWorker+normalWorker == 0 {
		return nil, fmt.Errorf("worker pool needs at least one worker")
	}

	queueCap := func(workers uint32, perWorker int64) int {
		return int(min(int64(workers)*perWorker, 2*maxQueued))
	}

	return &staticWorkerPool{
		priorityWorker: priorityWorker,
		normalWorker:   normalWorker,
		priorityCh:     make(chan Task, queueCap(priorityWorker, priorityQueuePerWorker)),
		normalCh:       make(chan Task, queueCap(normalWorker, normalQueuePerWorker)),
		stop:           make(chan bool),
	}, nil
}

// NewStaticWorkerPoolForCurrentCPU sizes a started pool from the number of
// CPUs: three workers per CPU, capped at 110% of maxQueued, a tenth of them
// reserved for urgent tasks.
func NewStaticWorkerPoolForCurrentCPU(maxQueued int64) (WorkerPool, error) {
	return newStaticWorkerPoolForCurrentCPU(maxQueued, runtime.NumCPU)
}

func newStaticWorkerPoolForCurrentCPU(maxQueued int64, numCPU func() int) (WorkerPool, error) {
	totalWorkers := int64(3 * numCPU())
	if capped := (11*maxQueued + 9) / 10; totalWorkers > capped {
		totalWorkers = capped
	}
	priorityWorkers := (totalWorkers + 9) / 10
	normalWorkers := totalWorkers - priorityWorkers

	pool, err := NewStaticWorkerPool(uint32(priorityWorkers), uint32(normalWorkers), maxQueued)
	if err != nil {
		return nil, err
	}
	pool.Start()
	return pool, nil
}

func (swp *staticWorkerPool) Start() {
	for range swp.priorityWorker {
		swp.wg.Add(1)
		go swp.do(true)
	}
	for range swp.normalWorker {
		swp.wg.Add(1)
		go swp.do(false)
	}
	logger.Debugf("worker pool started: %d priority, %d normal workers", swp.priorityWorker, swp.normalWorker)
}

func (swp *staticWorkerPool) do(priorityOnly bool) {
	defer swp.wg.Done()

	for {
		// Drain urgent work first.
		select {
		case <-swp.stop:
			return
		case task := <-swp.priorityCh:
			task.Execute()
			continue
		default:
		}

		if priorityOnly {
			select {
			case <-swp.stop:
				return
			case task := <-swp.priorityCh:
				task.Execute()
			}
			continue
		}

		select {
		case <-swp.stop:
			return
		case task := <-swp.priorityCh:
			task.Execute()
		case task := <-swp.normalCh:
			task.Execute()
		}
	}
}

// Schedule queues task. Normal tasks go to the urgent queue when the pool
// has no normal workers. Scheduling after Stop panics.
func (swp *staticWorkerPool) Schedule(urgent bool, task Task) {
	if urgent || swp.normalWorker == 0 {
		swp.priorityCh <- task
		return
	}
	swp.normalCh <- task
}

// Stop waits for running tasks to finish and discards queued ones.
func (swp *staticWorkerPool) Stop() {
	close(swp.stop)
	swp.wg.Wait()
	close(swp.priorityCh)
	close(swp.normalCh)
}
