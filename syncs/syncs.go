// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package syncs contains additional sync types.
package syncs

import "sync/atomic"

// RefCount is a reference count that closes a channel when the count drops
// to zero. It starts with one reference, held by its creator.
//
// Once the count has reached zero the RefCount is finished; Hold panics after
// that point. Callers must arrange (typically with a lock shared with the
// code that drops the last long-lived reference) that no new references are
// taken once the owner begins teardown.
//
// The zero value is not usable. Use NewRefCount.
type RefCount struct {
	n    atomic.Int64
	done chan struct{} // closed on transition to zero
}

// NewRefCount returns a RefCount holding one reference.
func NewRefCount() *RefCount {
	r := &RefCount{done: make(chan struct{})}
	r.n.Store(1)
	return r
}

// Hold takes a reference.
func (r *RefCount) Hold() {
	if r.n.Add(1) <= 1 {
		panic("syncs: Hold on finished RefCount")
	}
}

// Put drops a reference. Dropping the last one releases Wait.
// It panics if the count goes negative.
func (r *RefCount) Put() {
	n := r.n.Add(-1)
	switch {
	case n == 0:
		close(r.done)
	case n < 0:
		panic("syncs: negative RefCount")
	}
}

// Refs returns the current number of references. It is intended for tests
// and metrics.
func (r *RefCount) Refs() int64 { return r.n.Load() }

// Wait blocks until the count reaches zero.
func (r *RefCount) Wait() { <-r.done }
