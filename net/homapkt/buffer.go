// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package homapkt

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// Buffer is an inbound packet as handed over by the network layer: the
// received bytes and the address they came from.
//
// Whoever holds a Buffer last must call Free exactly once; Free is
// idempotent so that a redundant release is harmless.
type Buffer struct {
	src     netip.Addr
	b       []byte
	freed   atomic.Bool
	release func(*Buffer) // nil for unpooled buffers
}

// NewBuffer returns a Buffer over b received from src. release, if non-nil,
// is called on the first Free.
func NewBuffer(src netip.Addr, b []byte, release func(*Buffer)) *Buffer {
	return &Buffer{src: src, b: b, release: release}
}

// Src returns the address the packet came from.
func (b *Buffer) Src() netip.Addr { return b.src }

// Bytes returns the packet bytes. The slice is valid until Free.
func (b *Buffer) Bytes() []byte { return b.b }

// Len returns the packet byte length.
func (b *Buffer) Len() int { return len(b.b) }

// Truncate shortens the packet to n bytes. It is a no-op if n is not
// smaller than Len.
func (b *Buffer) Truncate(n int) {
	if n >= 0 && n < len(b.b) {
		b.b = b.b[:n]
	}
}

// Free releases the buffer. Calls after the first do nothing.
func (b *Buffer) Free() {
	if b == nil || !b.freed.CompareAndSwap(false, true) {
		return
	}
	if b.release != nil {
		b.release(b)
	}
}

// Freed reports whether Free has been called.
func (b *Buffer) Freed() bool { return b.freed.Load() }

// Pool recycles packet buffers and counts the ones currently handed out.
// The zero value is not usable; use NewPool.
type Pool struct {
	size        int
	p           sync.Pool // of *[]byte
	outstanding atomic.Int64
}

// NewPool returns a Pool of buffers with capacity size bytes each.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.p.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size returns the capacity of each buffer in the pool.
func (p *Pool) Size() int { return p.size }

// Copy returns a pooled Buffer holding a copy of data, which is truncated to
// the pool's buffer size.
func (p *Pool) Copy(src netip.Addr, data []byte) *Buffer {
	bp := p.p.Get().(*[]byte)
	n := copy(*bp, data)
	p.outstanding.Add(1)
	return NewBuffer(src, (*bp)[:n], func(*Buffer) {
		p.outstanding.Add(-1)
		p.p.Put(bp)
	})
}

// Outstanding returns the number of buffers handed out by Copy and not yet
// freed.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}
