// Package sessionpool implements a second, simpler MPSC-fed worker pool
// dedicated to per-session ticks, separate from the cell-owning
// wpool.Pool because session lifecycle (network I/O, logout, kicks) has
// nothing to do with cell ownership and should not compete with cell
// tasks for deque slots.
//
// It keeps the sibling wpool package's per-worker MPSC-inbox drain loop
// but drops work-stealing entirely: a session always runs on the worker
// it was submitted to, and results flow back through a single MPSC
// queue the orchestrator drains on the main thread after Wait.
package sessionpool

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	catomic "github.com/aistore-labs/worldcore/cmn/atomic"
	"github.com/aistore-labs/worldcore/cmn/config"
	"github.com/aistore-labs/worldcore/cmn/cos"
	"github.com/aistore-labs/worldcore/cmn/nlog"
	"github.com/aistore-labs/worldcore/mpsc"
)

// Session is the content-side per-connection object the pool ticks.
// Update returns keepSession: false means the orchestrator should remove
// the session on the main thread once this tick's results are drained.
type Session interface {
	GUID() uint64
	Update(ctx context.Context, dt float64) (keepSession bool)
}

type task struct {
	session Session
	dt      float64
}

// Result is one session's tick outcome, consumed by the orchestrator
// after Wait; removals happen on the main thread, never on a pool
// worker.
type Result struct {
	Guid        uint64
	KeepSession bool
}

// Pool runs NumWorkers goroutines, each fed by its own MPSC inbox, and
// funnels every Result into one shared MPSC queue for the orchestrator.
type Pool struct {
	cfg     config.Backoff
	inboxes []*mpsc.Inbox[task]
	results *mpsc.Inbox[Result]

	// sem bounds in-flight session ticks to NumWorkers: Submit blocks
	// once that many tasks are queued-but-not-yet-drained, applying
	// backpressure instead of letting an MPSC inbox grow unbounded
	// under a session-open storm.
	sem *semaphore.Weighted

	pending catomic.Int64
	rr      catomic.Int64
	closed  catomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a pool with numWorkers drain goroutines, not yet started.
func New(numWorkers int, backoff config.Backoff) (*Pool, error) {
	if numWorkers < 1 {
		return nil, errors.New("sessionpool: numWorkers must be >= 1")
	}
	p := &Pool{
		cfg:     backoff,
		inboxes: make([]*mpsc.Inbox[task], numWorkers),
		results: mpsc.New[Result](),
		sem:     semaphore.NewWeighted(int64(numWorkers)),
		stopCh:  make(chan struct{}),
	}
	for i := range p.inboxes {
		p.inboxes[i] = mpsc.New[task]()
	}
	return p, nil
}

// Start launches one drain goroutine per inbox.
func (p *Pool) Start() {
	p.wg.Add(len(p.inboxes))
	for i := range p.inboxes {
		go p.drain(i)
	}
}

// Submit schedules session's tick on a round-robin worker, blocking
// (subject to ctx) until fewer than NumWorkers ticks are currently
// in-flight.
func (p *Pool) Submit(ctx context.Context, s Session, dt float64) error {
	if p.closed.Load() {
		return cos.ErrShutdown
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "sessionpool: acquire")
	}
	p.pending.Inc()
	idx := int(p.rr.Inc()-1) % len(p.inboxes)
	p.inboxes[idx].Push(task{session: s, dt: dt})
	return nil
}

// drain is one worker's loop: pop, run, record a Result, release the
// semaphore slot the corresponding Submit acquired.
func (p *Pool) drain(idx int) {
	defer p.wg.Done()
	spins, yields := 0, 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		t, ok := p.inboxes[idx].Pop()
		if !ok {
			switch {
			case spins < p.cfg.SpinCount:
				spins++
			case yields < p.cfg.YieldCount:
				yields++
				runtime.Gosched()
			default:
				time.Sleep(p.cfg.Sleep())
			}
			continue
		}
		spins, yields = 0, 0
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer p.pending.Dec()
	defer p.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			nlog.Tagf("WorkloadPanic", "sessionpool: session %d panicked: %v", t.session.GUID(), r)
			p.results.Push(Result{Guid: t.session.GUID(), KeepSession: false})
		}
	}()
	keep := t.session.Update(context.Background(), t.dt)
	p.results.Push(Result{Guid: t.session.GUID(), KeepSession: keep})
}

// Wait blocks until every Submit issued before this call has produced a
// Result, mirroring wpool.Pool.Wait's happens-before contract for the
// cell pool.
func (p *Pool) Wait(ctx context.Context) {
	b := backoffState{cfg: p.cfg}
	for p.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b.idle()
	}
}

// DrainResults pops every Result currently queued, meant to be called
// once per tick right after Wait returns, on the orchestrator's own
// goroutine (the results queue is single-consumer).
func (p *Pool) DrainResults() []Result {
	var out []Result
	for {
		r, ok := p.results.Pop()
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}

// Shutdown stops accepting new submissions, waits for in-flight ticks to
// finish, then joins the drain goroutines.
func (p *Pool) Shutdown(ctx context.Context) {
	p.closed.Store(true)
	p.Wait(ctx)
	close(p.stopCh)
	p.wg.Wait()
}

type backoffState struct {
	cfg           config.Backoff
	spins, yields int
}

func (b *backoffState) idle() {
	switch {
	case b.spins < b.cfg.SpinCount:
		b.spins++
	case b.yields < b.cfg.YieldCount:
		b.yields++
		runtime.Gosched()
	default:
		time.Sleep(b.cfg.Sleep())
	}
}
