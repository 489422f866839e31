// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ringbuffer provides a generic growable FIFO backed by a circular
// buffer.
package ringbuffer

// RingBuffer is a FIFO queue of T. It grows by doubling when full and
// releases its storage when drained. It is not safe for concurrent use.
//
// The zero value is an empty buffer ready to use.
type RingBuffer[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int // number of elements
}

const initialSize = 16

// Push appends item at the tail.
func (rb *RingBuffer[T]) Push(item T) {
	if rb.count == len(rb.buf) {
		rb.grow()
	}
	rb.buf[(rb.head+rb.count)%len(rb.buf)] = item
	rb.count++
}

// Pop removes and returns the oldest element.
// It returns the zero value and false if the buffer is empty.
func (rb *RingBuffer[T]) Pop() (T, bool) {
	var zero T
	if rb.count == 0 {
		return zero, false
	}
	item := rb.buf[rb.head]
	rb.buf[rb.head] = zero // clear reference for GC
	rb.head = (rb.head + 1) % len(rb.buf)
	rb.count--
	if rb.count == 0 && len(rb.buf) > initialSize {
		// Drop storage that a burst grew; the next burst can regrow it.
		rb.buf = nil
		rb.head = 0
	}
	return item, true
}

// Peek returns the oldest element without removing it.
// It returns the zero value and false if the buffer is empty.
func (rb *RingBuffer[T]) Peek() (T, bool) {
	if rb.count == 0 {
		var zero T
		return zero, false
	}
	return rb.buf[rb.head], true
}

// Len returns the number of elements in the buffer.
func (rb *RingBuffer[T]) Len() int { return rb.count }

// Cap returns the current capacity of the underlying storage.
func (rb *RingBuffer[T]) Cap() int { return len(rb.buf) }

func (rb *RingBuffer[T]) grow() {
	n := len(rb.buf) * 2
	if n == 0 {
		n = initialSize
	}
	buf := make([]T, n)
	if rb.count > 0 {
		// Copy elements in order from head, unwrapping.
		m := copy(buf, rb.buf[rb.head:])
		copy(buf[m:], rb.buf[:rb.head])
	}
	rb.buf = buf
	rb.head = 0
}
