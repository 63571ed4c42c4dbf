package sessionpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aistore-labs/worldcore/cmn/config"
)

type fakeSession struct {
	guid uint64
	keep bool
	hits *int64
}

func (s *fakeSession) GUID() uint64 { return s.guid }
func (s *fakeSession) Update(context.Context, float64) bool {
	if s.hits != nil {
		atomic.AddInt64(s.hits, 1)
	}
	return s.keep
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := New(4, config.Default().Backoff)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

func TestSubmitWaitDrainResults(t *testing.T) {
	p := newTestPool(t)
	var hits int64
	ctx := context.Background()

	sessions := []*fakeSession{
		{guid: 1, keep: true, hits: &hits},
		{guid: 2, keep: false, hits: &hits},
		{guid: 3, keep: true, hits: &hits},
	}
	for _, s := range sessions {
		if err := p.Submit(ctx, s, 0.1); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Wait(ctx)

	if got := atomic.LoadInt64(&hits); got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}

	results := p.DrainResults()
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	byGuid := make(map[uint64]bool, 3)
	for _, r := range results {
		byGuid[r.Guid] = r.KeepSession
	}
	if byGuid[1] != true || byGuid[2] != false || byGuid[3] != true {
		t.Fatalf("unexpected keep flags: %v", byGuid)
	}
}

func TestSessionPanicRecordsKeepFalse(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	panicky := &panicSession{guid: 99}
	if err := p.Submit(ctx, panicky, 0.1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.Wait(ctx)

	results := p.DrainResults()
	if len(results) != 1 || results[0].Guid != 99 || results[0].KeepSession {
		t.Fatalf("expected a single KeepSession=false result for the panicking session, got %v", results)
	}
}

type panicSession struct{ guid uint64 }

func (s *panicSession) GUID() uint64                         { return s.guid }
func (s *panicSession) Update(context.Context, float64) bool { panic("boom") }

func TestShutdownDrainsInFlightTasks(t *testing.T) {
	p, err := New(2, config.Default().Backoff)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()

	var hits int64
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		s := &fakeSession{guid: uint64(i), keep: true, hits: &hits}
		if err := p.Submit(ctx, s, 0.1); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(shutdownCtx)

	if got := atomic.LoadInt64(&hits); got != 50 {
		t.Fatalf("hits = %d, want 50", got)
	}
}
