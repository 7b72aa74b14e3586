/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package ringbuf provides a fixed-capacity single-producer/single-consumer queue.
//
// Exactly one goroutine may push and exactly one goroutine may pop. Neither side
// blocks or allocates after construction.
package ringbuf

import "sync/atomic"

// Ring is a lock-free SPSC queue of T
type Ring[T any] struct {
	buf []T
	cap uint64

	_    [56]byte
	head atomic.Uint64 // consumer position
	_    [56]byte
	tail atomic.Uint64 // producer position
}

// New creates a ring holding up to capacity items. Capacity below 1 is raised to 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf: make([]T, capacity),
		cap: uint64(capacity),
	}
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return int(r.cap)
}

// Len returns the number of occupied slots as seen by the caller.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Vacant returns the number of free slots as seen by the caller.
func (r *Ring[T]) Vacant() int {
	return int(r.cap) - r.Len()
}

// TryPush appends v. It returns false when the ring is full.
func (r *Ring[T]) TryPush(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= r.cap {
		return false
	}
	r.buf[tail%r.cap] = v
	r.tail.Store(tail + 1)
	return true
}

// TryPop removes the oldest item. The slot is cleared so the ring never
// keeps a popped value reachable.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	idx := head % r.cap
	v := r.buf[idx]
	r.buf[idx] = zero
	r.head.Store(head + 1)
	return v, true
}

// PushSlice copies as many items from src as fit and returns the count.
func (r *Ring[T]) PushSlice(src []T) int {
	tail := r.tail.Load()
	free := r.cap - (tail - r.head.Load())
	n := uint64(len(src))
	if n > free {
		n = free
	}
	for i := uint64(0); i < n; i++ {
		r.buf[(tail+i)%r.cap] = src[i]
	}
	r.tail.Store(tail + n)
	return int(n)
}

// PopSlice fills dst with the oldest items and returns the count.
func (r *Ring[T]) PopSlice(dst []T) int {
	head := r.head.Load()
	avail := r.tail.Load() - head
	n := uint64(len(dst))
	if n > avail {
		n = avail
	}
	var zero T
	for i := uint64(0); i < n; i++ {
		idx := (head + i) % r.cap
		dst[i] = r.buf[idx]
		r.buf[idx] = zero
	}
	r.head.Store(head + n)
	return int(n)
}
