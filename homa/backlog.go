// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homa

import (
	"fmt"
	"sync"
	"sync/atomic"

	"homa.dev/net/homapkt"
	"homa.dev/util/ringbuffer"
)

// OverflowPolicy selects the packet dropped when a bounded backlog is full.
type OverflowPolicy int

const (
	// DropIncoming drops the packet being queued, keeping the backlog's
	// oldest packets. It is the default.
	DropIncoming OverflowPolicy = iota
	// DropOldest drops the packet at the head of the backlog to make room.
	DropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropIncoming:
		return "drop-incoming"
	case DropOldest:
		return "drop-oldest"
	}
	return fmt.Sprintf("OverflowPolicy(%d)", int(p))
}

// ParseOverflowPolicy parses the String form of an OverflowPolicy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop-incoming":
		return DropIncoming, nil
	case "drop-oldest":
		return DropOldest, nil
	}
	return 0, fmt.Errorf("homa: unknown overflow policy %q", s)
}

// backlogEntry is a packet that arrived while its socket was locked.
// The header has already been validated.
type backlogEntry struct {
	pkt *homapkt.Buffer
	hdr homapkt.Parsed
}

// backlog is a socket's FIFO of deferred packets.
//
// Unlike the rest of the socket's state it has its own mutex, because it is
// written by receive paths that failed to get the socket lock. The mutex is
// only ever held for a queue operation.
type backlog struct {
	limit  int // 0 means unbounded
	policy OverflowPolicy
	n      atomic.Int64 // mirrors q.Len() for lock-free emptiness checks

	mu sync.Mutex
	q  ringbuffer.RingBuffer[backlogEntry]
}

// push appends e. If the backlog is full, push applies the overflow policy
// and returns the evicted entry, which is e itself under DropIncoming. The
// caller owns the evicted entry's buffer.
func (b *backlog) push(e backlogEntry) (evicted backlogEntry, overflow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.q.Len() >= b.limit {
		if b.policy == DropIncoming {
			return e, true
		}
		evicted, _ = b.q.Pop()
		overflow = true
	}
	b.q.Push(e)
	b.n.Store(int64(b.q.Len()))
	return evicted, overflow
}

// pop removes the oldest entry.
func (b *backlog) pop() (backlogEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.q.Pop()
	b.n.Store(int64(b.q.Len()))
	return e, ok
}

// pending reports whether the backlog is non-empty, without locking.
func (b *backlog) pending() bool {
	return b.n.Load() > 0
}

func (b *backlog) len() int {
	return int(b.n.Load())
}

// head returns the buffer of the oldest entry, or nil.
func (b *backlog) head() *homapkt.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, _ := b.q.Peek()
	return e.pkt
}
