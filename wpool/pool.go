package wpool

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	catomic "github.com/aistore-labs/worldcore/cmn/atomic"
	"github.com/aistore-labs/worldcore/cmn/config"
	"github.com/aistore-labs/worldcore/cmn/cos"
	"github.com/aistore-labs/worldcore/cmn/nlog"
)

// DefaultRouting is the standard routing table: MAP submissions land in
// an inbox (any goroutine may call Submit for MAP), CELL submissions
// land on the calling worker's own deque so that follow-up work a cell
// schedules mid-update is immediately stealable by idle workers.
func DefaultRouting() map[TaskType]Route {
	return map[TaskType]Route{
		TaskMAP:  RouteInbox,
		TaskCELL: RouteDeque,
	}
}

// Pool is the work-stealing scheduler.
type Pool struct {
	cfg     config.Config
	types   []TaskType
	routing map[TaskType]Route

	workers []*Worker
	pending map[TaskType]*catomic.Int64

	closed  catomic.Bool
	rr      catomic.Int64
	stopCh  chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	metrics *metrics
}

// New constructs a pool over the given task types with the given
// routing table (nil -> DefaultRouting). The pool is not started; call
// Start to launch its worker goroutines.
func New(cfg config.Config, types []TaskType, routing map[TaskType]Route, reg prometheus.Registerer, namespace string) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "wpool: invalid config")
	}
	if len(types) == 0 {
		types = []TaskType{TaskMAP, TaskCELL}
	}
	if routing == nil {
		routing = DefaultRouting()
	}
	for _, t := range types {
		if _, ok := routing[t]; !ok {
			return nil, errors.Errorf("wpool: task type %v has no routing entry", t)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		types:   types,
		routing: routing,
		pending: make(map[TaskType]*catomic.Int64, len(types)),
		stopCh:  make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
		metrics: newMetrics(reg, namespace),
	}
	for _, t := range types {
		p.pending[t] = &catomic.Int64{}
	}
	p.workers = make([]*Worker, cfg.NumWorkers)
	for i := range p.workers {
		p.workers[i] = newWorker(p, i)
	}
	return p, nil
}

// Start launches the pool's NumWorkers worker goroutines.
func (p *Pool) Start() {
	p.wg.Add(len(p.workers))
	for _, w := range p.workers {
		go w.loop()
	}
}

// NumWorkers returns the pool's worker count.
func (p *Pool) NumWorkers() int { return len(p.workers) }

// Worker returns the i'th worker, for callers and tests that need a
// specific worker (e.g. to check its Index or reach its queues).
func (p *Pool) Worker(i int) *Worker { return p.workers[i] }

func (p *Pool) pendingFor(t TaskType) *catomic.Int64 {
	c, ok := p.pending[t]
	if !ok {
		panic("wpool: unregistered task type " + typeLabel(t))
	}
	return c
}

func (p *Pool) nextWorkerIdx() int {
	n := int64(len(p.workers))
	return int(p.rr.Inc()-1) % int(n)
}

// Submit enqueues task under type typ, per the type's routing. For
// RouteInbox types this may be called from any goroutine. For
// RouteDeque types (e.g. CELL) the caller must be running inside a task
// dispatched by this same pool — ctx must carry that worker's identity,
// obtained by accepting the ctx a running TaskFunc was invoked with. If
// that contract is violated (no worker in ctx), Submit degrades to an
// inbox push on a round-robin worker rather than corrupting a deque it
// does not own — a deliberate relaxation for work-assisting helper
// contexts, which run tasks off a worker goroutine.
func (p *Pool) Submit(ctx context.Context, typ TaskType, task TaskFunc) error {
	if p.closed.Load() {
		return cos.ErrShutdown
	}
	cnt := p.pendingFor(typ)
	cnt.Inc()
	p.metrics.setPending(typ, cnt.Load())

	switch p.routing[typ] {
	case RouteDeque:
		if w, ok := WorkerFromContext(ctx); ok && w.pool == p {
			if w.deques[typ].Push(task) {
				return nil
			}
			cnt.Dec()
			return errors.Wrapf(cos.ErrFull, "wpool: worker %d deque type %v", w.idx, typ)
		}
		nlog.Debugf("wpool: Submit(type=%v) called off a worker goroutine; falling back to inbox routing", typ)
		fallthrough
	default: // RouteInbox
		idx := p.nextWorkerIdx()
		p.workers[idx].inboxes[typ].Push(task)
		return nil
	}
}

// SubmitToWorker pins task to worker i, always via that worker's inbox
// (safe from any goroutine regardless of the type's normal routing,
// since only the inbox tolerates a non-owner producer).
func (p *Pool) SubmitToWorker(typ TaskType, i int, task TaskFunc) error {
	if p.closed.Load() {
		return cos.ErrShutdown
	}
	if i < 0 || i >= len(p.workers) {
		return errors.Errorf("wpool: worker index %d out of range [0,%d)", i, len(p.workers))
	}
	cnt := p.pendingFor(typ)
	cnt.Inc()
	p.metrics.setPending(typ, cnt.Load())
	p.workers[i].inboxes[typ].Push(task)
	return nil
}

// Wait blocks until pendingTasks[typ] reaches zero, spinning then
// sleeping per the pool's backoff tuning. It provides happens-before
// with respect to every decrement it observes: any Submit(typ) issued
// before Wait was called will have executed by the time Wait returns,
// because pending only reaches zero after that task's Dec().
func (p *Pool) Wait(ctx context.Context, typ TaskType) {
	cnt := p.pendingFor(typ)
	b := newBackoff(p.cfg.Backoff)
	for cnt.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b.Idle()
	}
}

// TryExecuteOne steals one task of type typ from some worker's deque and
// runs it inline on the calling goroutine, returning whether it found
// one. It never touches an inbox (single-consumer). Intended for callers
// blocked in Wait that want to help drain the backlog; callers must only
// request types legal to run on the current goroutine.
func (p *Pool) TryExecuteOne(ctx context.Context, typ TaskType) bool {
	n := len(p.workers)
	if n == 0 {
		return false
	}
	start := p.nextWorkerIdx() % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if task, ok := p.workers[idx].deques[typ].Steal(); ok {
			p.execute(ctx, typ, task, true)
			return true
		}
	}
	return false
}

// execute runs one task with the panic-recovery and counter-decrement
// contract Worker.run also honors: a panicking task is logged and
// counted, never allowed to corrupt pending.
func (p *Pool) execute(ctx context.Context, typ TaskType, task TaskFunc, stolen bool) {
	defer p.pendingFor(typ).Dec()
	defer func() {
		if r := recover(); r != nil {
			nlog.Tagf("WorkloadPanic", "pool helper task type %v panicked: %v", typ, r)
			p.metrics.observePanic(typ)
		}
	}()
	p.metrics.observeExec(typ, stolen)
	task(ctx)
}

// Shutdown marks the pool closed (further Submit calls are no-ops that
// return ErrShutdown), waits for every type's pending tasks to drain,
// then joins the worker goroutines. Safe to call once.
func (p *Pool) Shutdown(ctx context.Context) {
	p.closed.Store(true)
	for _, t := range p.types {
		p.Wait(ctx, t)
	}
	close(p.stopCh)
	p.cancel()
	p.wg.Wait()
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool { return p.closed.Load() }

// pendingSnapshot is a debug/test helper reporting current pending
// counts per type.
func (p *Pool) pendingSnapshot() map[TaskType]int64 {
	out := make(map[TaskType]int64, len(p.pending))
	for t, c := range p.pending {
		out[t] = c.Load()
	}
	return out
}
