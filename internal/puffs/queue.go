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

import "fmt"

// parkList is an intrusive FIFO of parks threaded through Park.prev/next. A
// park is on at most one list at a time; membership is mirrored in the flag
// the list owns.
//
// External synchronization is required.
type parkList struct {
	start, end *Park
	length     int

	// The flag marking membership of this list.
	flag parkFlag
}

func (l *parkList) isEmpty() bool {
	return l.length == 0
}

// front returns the oldest park, or nil.
func (l *parkList) front() *Park {
	return l.start
}

// push appends p at the end.
func (l *parkList) push(p *Park) {
	if p.hasFlag(flagOnOutgoing | flagOnReplyWait) {
		panic(fmt.Sprintf("puffs: %v is already queued", p))
	}

	p.prev = l.end
	p.next = nil
	if l.length == 0 {
		l.start = p
	} else {
		l.end.next = p
	}
	l.end = p
	l.length++

	p.setFlag(l.flag)
}

// remove unlinks p, which must be on this list.
func (l *parkList) remove(p *Park) {
	if !p.hasFlag(l.flag) {
		panic(fmt.Sprintf("puffs: %v is not on the expected queue", p))
	}

	if p.prev == nil {
		l.start = p.next
	} else {
		p.prev.next = p.next
	}
	if p.next == nil {
		l.end = p.prev
	} else {
		p.next.prev = p.prev
	}
	p.prev = nil
	p.next = nil
	l.length--

	p.clearFlag(l.flag)
}

// drain removes every park, oldest first.
func (l *parkList) drain() []*Park {
	parks := make([]*Park, 0, l.length)
	for l.start != nil {
		p := l.start
		l.remove(p)
		parks = append(parks, p)
	}
	return parks
}

// forEach visits parks oldest first. fn must not modify the list.
func (l *parkList) forEach(fn func(*Park)) {
	for p := l.start; p != nil; p = p.next {
		fn(p)
	}
}

// outQueue holds parks waiting to be fetched by the transport.
type outQueue struct {
	parkList
}

func newOutQueue() outQueue {
	return outQueue{parkList{flag: flagOnOutgoing}}
}

// replyWaitQueue holds delivered parks awaiting a reply, keyed by request id.
// The list keeps insertion order so that sweeps are deterministic.
type replyWaitQueue struct {
	parkList
	byID map[uint64]*Park
}

func newReplyWaitQueue() replyWaitQueue {
	return replyWaitQueue{
		parkList: parkList{flag: flagOnReplyWait},
		byID:     make(map[uint64]*Park),
	}
}

func (q *replyWaitQueue) insert(p *Park) {
	id := p.req.Header.ID
	if other, ok := q.byID[id]; ok {
		panic(fmt.Sprintf("puffs: request id %d used by both %v and %v", id, other, p))
	}

	q.push(p)
	q.byID[id] = p
}

// take removes and returns the park waiting for id, or nil.
func (q *replyWaitQueue) take(id uint64) *Park {
	p, ok := q.byID[id]
	if !ok {
		return nil
	}

	delete(q.byID, id)
	q.remove(p)
	return p
}

func (q *replyWaitQueue) drain() []*Park {
	clear(q.byID)
	return q.parkList.drain()
}
