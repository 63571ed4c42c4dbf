// Package admission implements the connection-flood admission filter: a
// per-source-address cap on concurrent sessions plus a rate limit on
// how fast new ones may open, gating session opens before they ever
// reach a cell.
//
// The per-source record is backed by a queryable store rather than a
// bare map, so the background sweep can find stale sources by
// windowStart without a full scan under lock.
package admission

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"
	"golang.org/x/time/rate"

	"github.com/aistore-labs/worldcore/cmn/config"
	"github.com/aistore-labs/worldcore/cmn/nlog"
)

// seenFilterCapacity sizes the cuckoo filter's "have we ever seen this
// source" pre-check, an estimate of distinct source addresses under
// sustained load; a false positive here only costs one extra buntdb
// View, never an incorrect admission decision (cuckoo filters have no
// false negatives).
const seenFilterCapacity = 65536

// windowIndex is the buntdb secondary index name used to query records
// by windowStart for the stale-source sweep.
const windowIndex = "by_window_start"

// record is the per-source tracker: {activeCount, windowStart,
// windowCount}. It is the value buntdb stores, encoded as a compact
// delimited string (no JSON codec needed for three integers).
type record struct {
	ActiveCount int
	WindowStart time.Time
	WindowCount int
}

func encodeRecord(r record) string {
	return fmt.Sprintf("%d|%d|%d", r.ActiveCount, r.WindowStart.UnixNano(), r.WindowCount)
}

func decodeRecord(s string) record {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return record{}
	}
	active, _ := strconv.Atoi(parts[0])
	ns, _ := strconv.ParseInt(parts[1], 10, 64)
	count, _ := strconv.Atoi(parts[2])
	return record{ActiveCount: active, WindowStart: time.Unix(0, ns), WindowCount: count}
}

// Filter is the per-source admission gate. Records live in an in-memory
// buntdb database (reader lock on View, writer lock with a double-check
// on Update); each record's token-bucket limiter lives alongside it in
// a small side map, since a rate.Limiter carries live timer state that
// doesn't serialize.
type Filter struct {
	mu   sync.RWMutex
	cfg  config.Admission
	now  func() time.Time
	db   *buntdb.DB
	seen *cuckoo.Filter

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	metrics *metrics
}

// New builds a Filter from cfg. reg/namespace may be nil/"" to skip
// prometheus registration (used by tests).
func New(cfg config.Admission, reg prometheus.Registerer, namespace string) (*Filter, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "admission: open store")
	}
	if err := db.CreateIndex(windowIndex, "*", lessByWindowStart); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "admission: create index")
	}
	return &Filter{
		cfg:      cfg,
		now:      time.Now,
		db:       db,
		seen:     cuckoo.NewFilter(seenFilterCapacity),
		limiters: make(map[string]*rate.Limiter),
		metrics:  newMetrics(reg, namespace),
	}, nil
}

func lessByWindowStart(a, b string) bool {
	return decodeRecord(a).WindowStart.Before(decodeRecord(b).WindowStart)
}

// Close releases the backing store.
func (f *Filter) Close() error { return f.db.Close() }

// SetClock overrides the filter's time source. Exposed for deterministic
// tests of window rollover; production callers should never call this.
func (f *Filter) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// ShouldReject decides one session open. On false (accepted) it has
// already incremented the source's activeCount and window counters.
func (f *Filter) ShouldReject(source string) bool {
	f.mu.RLock()
	cfg := f.cfg
	nowFn := f.now
	f.mu.RUnlock()
	if !cfg.Enabled {
		return false
	}

	now := nowFn()
	lim := f.limiterFor(source, cfg)

	rejected := true
	reason := ""
	err := f.db.Update(func(tx *buntdb.Tx) error {
		rec := f.loadOrInit(tx, source, now)

		if rec.ActiveCount >= cfg.MaxPerSource {
			reason = "concurrency"
			return nil
		}
		if now.Sub(rec.WindowStart) >= cfg.Window() {
			rec.WindowStart = now
			rec.WindowCount = 0
		}
		if rec.WindowCount+1 > cfg.RateLimit {
			reason = "rate"
			return nil
		}
		if !lim.AllowN(now, 1) {
			reason = "rate"
			return nil
		}
		rec.WindowCount++
		rec.ActiveCount++
		rejected = false
		_, _, err := tx.Set(source, encodeRecord(rec), nil)
		return err
	})
	if err != nil {
		nlog.Tagf("AdmissionReject", "admission: store error for %q: %v", source, err)
		return true
	}

	if rejected {
		f.metrics.observeReject(firstNonEmpty(reason, "concurrency"))
	} else {
		f.metrics.observeAccept()
	}
	return rejected
}

func firstNonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// loadOrInit fetches source's record within tx, creating and persisting
// a fresh one (and marking it in the cuckoo pre-check filter) if this is
// the first time source has been seen.
func (f *Filter) loadOrInit(tx *buntdb.Tx, source string, now time.Time) record {
	if f.seen.Lookup([]byte(source)) {
		if val, err := tx.Get(source); err == nil {
			return decodeRecord(val)
		}
	}
	rec := record{WindowStart: now}
	f.seen.InsertUnique([]byte(source))
	return rec
}

// limiterFor returns source's token-bucket limiter, creating one sized
// by cfg (RateLimit tokens refilling over WindowSeconds, burst
// RateLimit) on first use. The limiter paces accepts across windows;
// the buntdb record's windowCount caps accepts inside each window at
// RateLimit, and its windowStart drives the stale-source sweep.
func (f *Filter) limiterFor(source string, cfg config.Admission) *rate.Limiter {
	f.limMu.Lock()
	defer f.limMu.Unlock()
	lim, ok := f.limiters[source]
	if !ok {
		every := cfg.Window()
		if cfg.RateLimit > 0 {
			every = cfg.Window() / time.Duration(cfg.RateLimit)
		}
		lim = rate.NewLimiter(rate.Every(every), cfg.RateLimit)
		f.limiters[source] = lim
	}
	return lim
}

// OnClose records a session close for source: decrements its
// activeCount, saturating at zero.
func (f *Filter) OnClose(source string) {
	_ = f.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(source)
		if err != nil {
			return nil // never admitted, or already swept; nothing to do
		}
		rec := decodeRecord(val)
		if rec.ActiveCount > 0 {
			rec.ActiveCount--
		}
		_, _, err = tx.Set(source, encodeRecord(rec), nil)
		return err
	})
}

// Configure replaces the filter's tuning and resets every tracked
// source, so the new limits take effect immediately rather than
// grandfathering in whatever each source's old token bucket had
// accrued.
func (f *Filter) Configure(enabled bool, maxPerSource, rateLimit, windowSeconds int) {
	f.mu.Lock()
	f.cfg = config.Admission{
		Enabled:       enabled,
		MaxPerSource:  maxPerSource,
		RateLimit:     rateLimit,
		WindowSeconds: windowSeconds,
	}
	f.mu.Unlock()

	f.limMu.Lock()
	f.limiters = make(map[string]*rate.Limiter)
	f.limMu.Unlock()

	_ = f.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		_ = tx.Ascend(windowIndex, func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
		for _, k := range keys {
			_, _ = tx.Delete(k)
		}
		return nil
	})
}

// ActiveCount returns source's current concurrency count, for tests and
// diagnostics.
func (f *Filter) ActiveCount(source string) int {
	var rec record
	_ = f.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(source)
		if err != nil {
			return nil
		}
		rec = decodeRecord(val)
		return nil
	})
	return rec.ActiveCount
}

// Sweep deletes records for sources idle (activeCount == 0, windowStart
// older than maxAge) using the by_window_start index so the scan stops
// at the first still-fresh record rather than touching every row.
// Intended to be called periodically (e.g. once per N ticks), not on
// the admission hot path.
func (f *Filter) Sweep(maxAge time.Duration) {
	f.mu.RLock()
	nowFn := f.now
	f.mu.RUnlock()
	cutoff := nowFn().Add(-maxAge)
	var stale []string

	_ = f.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(windowIndex, func(key, val string) bool {
			rec := decodeRecord(val)
			if rec.WindowStart.After(cutoff) {
				return false // ascending by windowStart: nothing older remains
			}
			if rec.ActiveCount == 0 {
				stale = append(stale, key)
			}
			return true
		})
	})
	if len(stale) == 0 {
		f.reportSize()
		return
	}

	_ = f.db.Update(func(tx *buntdb.Tx) error {
		for _, k := range stale {
			_, _ = tx.Delete(k)
		}
		return nil
	})

	f.limMu.Lock()
	for _, k := range stale {
		delete(f.limiters, k)
	}
	f.limMu.Unlock()
	f.reportSize()
}

func (f *Filter) reportSize() {
	var active float64
	var n float64
	_ = f.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(windowIndex, func(_, val string) bool {
			n++
			active += float64(decodeRecord(val).ActiveCount)
			return true
		})
	})
	f.metrics.setSources(n)
	f.metrics.setActive(active)
}
