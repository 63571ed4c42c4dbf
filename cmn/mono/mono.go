// Package mono hands out monotonic nanosecond timestamps. The runtime
// never reads the wall clock on a hot path (deque steal loop, inbox
// drain, backoff) — only this, which is just time.Since against a
// fixed epoch and therefore immune to NTP jumps.
package mono

import "time"

var epoch = time.Now()

// NanoTime returns nanoseconds elapsed since process start, monotonic.
func NanoTime() int64 { return int64(time.Since(epoch)) }

// Since returns the elapsed duration since a NanoTime reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
