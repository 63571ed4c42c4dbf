// Package atomic provides small value-type wrappers around sync/atomic,
// named and shaped the way the rest of the tree expects: a struct per
// width, zero value ready to use, no pointer fiddling at call sites.
package atomic

import "sync/atomic"

// Int64 is a 64-bit signed counter safe for concurrent use.
type Int64 struct{ v int64 }

func (i *Int64) Load() int64               { return atomic.LoadInt64(&i.v) }
func (i *Int64) Store(n int64)             { atomic.StoreInt64(&i.v, n) }
func (i *Int64) Add(delta int64) int64     { return atomic.AddInt64(&i.v, delta) }
func (i *Int64) Inc() int64                { return i.Add(1) }
func (i *Int64) Dec() int64                { return i.Add(-1) }
func (i *Int64) Swap(n int64) int64        { return atomic.SwapInt64(&i.v, n) }
func (i *Int64) CAS(old, new int64) bool   { return atomic.CompareAndSwapInt64(&i.v, old, new) }

// Int32 is a 32-bit signed counter safe for concurrent use.
type Int32 struct{ v int32 }

func (i *Int32) Load() int32             { return atomic.LoadInt32(&i.v) }
func (i *Int32) Store(n int32)           { atomic.StoreInt32(&i.v, n) }
func (i *Int32) Add(delta int32) int32   { return atomic.AddInt32(&i.v, delta) }
func (i *Int32) Inc() int32              { return i.Add(1) }
func (i *Int32) Dec() int32              { return i.Add(-1) }
func (i *Int32) CAS(old, new int32) bool { return atomic.CompareAndSwapInt32(&i.v, old, new) }

// Uint64 is a 64-bit unsigned counter safe for concurrent use.
type Uint64 struct{ v uint64 }

func (u *Uint64) Load() uint64            { return atomic.LoadUint64(&u.v) }
func (u *Uint64) Store(n uint64)          { atomic.StoreUint64(&u.v, n) }
func (u *Uint64) Add(delta uint64) uint64 { return atomic.AddUint64(&u.v, delta) }

// Bool is a boolean flag safe for concurrent use.
type Bool struct{ v int32 }

func (b *Bool) Load() bool { return atomic.LoadInt32(&b.v) != 0 }
func (b *Bool) Store(val bool) {
	if val {
		atomic.StoreInt32(&b.v, 1)
	} else {
		atomic.StoreInt32(&b.v, 0)
	}
}

// CAS transitions the flag from `old` to `new`, reporting whether it won.
func (b *Bool) CAS(old, new bool) bool {
	var o, n int32
	if old {
		o = 1
	}
	if new {
		n = 1
	}
	return atomic.CompareAndSwapInt32(&b.v, o, n)
}
