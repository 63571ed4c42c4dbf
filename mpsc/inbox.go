// Package mpsc implements a Vyukov-style intrusive multi-producer /
// single-consumer queue, used as the per-worker and per-cell inbox: any
// number of producers may Push; exactly one consumer goroutine may Pop.
//
// The classic Vyukov node-swap is used rather than a Go channel so Push
// never blocks a producer on a full buffer and the consumer never
// allocates per-Pop beyond the node it drains. Delivery is FIFO per
// producer; across producers no interleaving is promised.
package mpsc

import (
	"sync/atomic"
)

// node is one queued item plus the intrusive next pointer producers
// chain through.
type node[T any] struct {
	next atomic.Pointer[node[T]]
	val  T
}

// Inbox is a multi-producer, single-consumer FIFO queue of T.
type Inbox[T any] struct {
	head atomic.Pointer[node[T]] // producers CAS/swap the tail-to-be here
	tail *node[T]                // consumer-local
	size atomic.Int64            // approximate, capped — debug stats only
}

const approxSizeCap = 1 << 20

// New creates an empty inbox with a single dummy node, as the Vyukov
// design requires (head and tail always point at a real node; the
// dummy is consumed, never returned, by the first Pop).
func New[T any]() *Inbox[T] {
	dummy := &node[T]{}
	ib := &Inbox[T]{tail: dummy}
	ib.head.Store(dummy)
	return ib
}

// Push enqueues an item. Safe for any number of concurrent producers.
func (ib *Inbox[T]) Push(val T) {
	n := &node[T]{val: val}
	prev := ib.head.Swap(n)
	prev.next.Store(n)
	if c := ib.size.Add(1); c > approxSizeCap {
		ib.size.Store(approxSizeCap)
	}
}

// Pop dequeues the oldest item. Must be called from exactly one
// consumer goroutine. Returns false if the inbox is currently empty —
// including the brief window where a producer has claimed a slot via
// head.Swap but has not yet published prev.next (Push is not
// linearizable with a concurrent empty-check in that instant; the
// caller's drain loop naturally retries on the next iteration).
func (ib *Inbox[T]) Pop() (T, bool) {
	var zero T
	next := ib.tail.next.Load()
	if next == nil {
		return zero, false
	}
	val := next.val
	ib.tail = next
	if ib.size.Load() > 0 {
		ib.size.Add(-1)
	}
	return val, true
}

// ApproxSize returns a bounded, approximate count of items currently
// queued. Debug/stats use only — never used for control flow.
func (ib *Inbox[T]) ApproxSize() int64 {
	n := ib.size.Load()
	if n < 0 {
		return 0
	}
	return n
}
