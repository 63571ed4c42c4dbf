// Package deque implements the Chase-Lev work-stealing deque: a fixed
// power-of-two-capacity ring buffer with two atomic indices, `top` (the
// thief end) and `bottom` (the owner end). Exactly one owner goroutine
// may Push/Pop; any number of other goroutines may Steal.
//
// Go's sync/atomic load/store on aligned machine words give
// sequentially-consistent ordering, strictly stronger than the
// acquire/release fences the original Chase-Lev paper requires, so the
// algorithm's guarantees (no slot returned twice, exactly one winner of
// the last-element race) carry over unchanged.
package deque

import (
	"sync/atomic"

	"github.com/aistore-labs/worldcore/cmn/cos"
)

// pad separates top and bottom onto distinct cache lines so a thief
// spinning on top never bounces the owner's cache line on bottom.
type pad [7]uint64

// Deque is a fixed-capacity Chase-Lev work-stealing deque of T.
type Deque[T any] struct {
	top    int64
	_      pad
	bottom int64
	_      pad
	mask   int64
	buf    []T
}

// New creates a deque with the given capacity, rounded up to the next
// power of two (minimum 1).
func New[T any](capacity int) *Deque[T] {
	capacity = cos.CeilPowerOfTwo(capacity)
	return &Deque[T]{
		mask: int64(capacity - 1),
		buf:  make([]T, capacity),
	}
}

// Cap returns the deque's fixed capacity.
func (d *Deque[T]) Cap() int { return int(d.mask) + 1 }

// Push adds a task at the bottom (owner end). Owner-only. Returns false
// if the deque is full — a full deque means the capacity was mis-sized
// for the workload; the task is then not stored.
func (d *Deque[T]) Push(task T) bool {
	b := atomic.LoadInt64(&d.bottom)
	t := atomic.LoadInt64(&d.top)
	if b-t >= int64(len(d.buf)) {
		return false // full
	}
	d.buf[b&d.mask] = task
	atomic.StoreInt64(&d.bottom, b+1)
	return true
}

// Pop removes a task from the bottom (owner end). Owner-only.
func (d *Deque[T]) Pop() (T, bool) {
	var zero T
	b := atomic.LoadInt64(&d.bottom) - 1
	atomic.StoreInt64(&d.bottom, b)
	t := atomic.LoadInt64(&d.top)

	if t > b {
		// Already empty; restore bottom.
		atomic.StoreInt64(&d.bottom, t)
		return zero, false
	}

	task := d.buf[b&d.mask]
	if t == b {
		// Last element: races with concurrent Steal on top.
		if !atomic.CompareAndSwapInt64(&d.top, t, t+1) {
			// Lost the race to a thief.
			atomic.StoreInt64(&d.bottom, t+1)
			return zero, false
		}
		atomic.StoreInt64(&d.bottom, t+1)
	}
	return task, true
}

// Steal takes a task from the top (thief end). Any goroutine may call
// this concurrently. Returns false if the deque is empty or the caller
// lost a race with another stealer or the owner's Pop.
func (d *Deque[T]) Steal() (T, bool) {
	var zero T
	t := atomic.LoadInt64(&d.top)
	b := atomic.LoadInt64(&d.bottom)
	if t >= b {
		return zero, false // empty
	}
	task := d.buf[t&d.mask]
	if !atomic.CompareAndSwapInt64(&d.top, t, t+1) {
		// Lost the race: another thief, or the owner's Pop, won.
		return zero, false
	}
	return task, true
}

// Len returns an approximate size: bottom - top, clamped to zero. Useful
// for debug stats and steal-order heuristics; not a linearizable count.
func (d *Deque[T]) Len() int {
	b := atomic.LoadInt64(&d.bottom)
	t := atomic.LoadInt64(&d.top)
	n := b - t
	if n < 0 {
		return 0
	}
	return int(n)
}

// Empty reports whether the deque currently looks empty.
func (d *Deque[T]) Empty() bool { return d.Len() == 0 }
