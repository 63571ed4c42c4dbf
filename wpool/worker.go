package wpool

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/aistore-labs/worldcore/cmn/nlog"
	"github.com/aistore-labs/worldcore/deque"
	"github.com/aistore-labs/worldcore/mpsc"
)

// Worker is one of the pool's N OS-thread-backed goroutines. It owns
// exactly one Chase-Lev deque and one MPSC inbox per task type. Only the
// goroutine running loop may Push/Pop this worker's deques; any
// goroutine may Steal from them or Push to its inboxes.
type Worker struct {
	pool    *Pool
	idx     int
	deques  map[TaskType]*deque.Deque[TaskFunc]
	inboxes map[TaskType]*mpsc.Inbox[TaskFunc]
	rng     *rand.Rand
	back    *backoff
}

// Index returns this worker's position in the pool, stable for its
// lifetime. Used by SubmitToWorker callers and by tests.
func (w *Worker) Index() int { return w.idx }

func newWorker(p *Pool, idx int) *Worker {
	w := &Worker{
		pool:    p,
		idx:     idx,
		deques:  make(map[TaskType]*deque.Deque[TaskFunc], len(p.types)),
		inboxes: make(map[TaskType]*mpsc.Inbox[TaskFunc], len(p.types)),
		rng:     rand.New(rand.NewSource(int64(idx) + 1)),
		back:    newBackoff(p.cfg.Backoff),
	}
	for _, t := range p.types {
		w.deques[t] = deque.New[TaskFunc](p.cfg.DequeCapacity)
		w.inboxes[t] = mpsc.New[TaskFunc]()
	}
	return w
}

// loop is the worker's main goroutine body: drain own queues, steal,
// back off.
func (w *Worker) loop() {
	defer w.pool.wg.Done()
	baseCtx := withWorker(w.pool.baseCtx, w)
	for {
		select {
		case <-w.pool.stopCh:
			return
		default:
		}

		if w.drainOne(baseCtx) {
			w.back.Reset()
			continue
		}
		if w.stealOne(baseCtx) {
			w.back.Reset()
			continue
		}
		w.back.Idle()
	}
}

// drainOne tries, for each type in the pool's fixed order, to pop one
// task: inbox first, then its own deque.
func (w *Worker) drainOne(ctx context.Context) bool {
	for _, t := range w.pool.types {
		if task, ok := w.inboxes[t].Pop(); ok {
			w.run(ctx, t, task, false)
			return true
		}
		if task, ok := w.deques[t].Pop(); ok {
			w.run(ctx, t, task, false)
			return true
		}
	}
	return false
}

// stealOne tries, for each type, to steal one task from a pseudo-random
// victim's deque (never a victim's inbox — inboxes are single-consumer).
func (w *Worker) stealOne(ctx context.Context) bool {
	n := len(w.pool.workers)
	if n <= 1 {
		return false
	}
	for _, t := range w.pool.types {
		start := w.rng.Intn(n)
		for i := 0; i < n; i++ {
			victimIdx := (start + i) % n
			if victimIdx == w.idx {
				continue
			}
			victim := w.pool.workers[victimIdx]
			if task, ok := victim.deques[t].Steal(); ok {
				w.run(ctx, t, task, true)
				return true
			}
		}
	}
	return false
}

// run executes one task, recovering any panic (WorkloadPanic: caught,
// logged with a stable tag, counter still decremented) and always
// decrementing the type's pending counter exactly once, even across the
// steal race.
func (w *Worker) run(ctx context.Context, t TaskType, task TaskFunc, stolen bool) {
	defer w.pool.pendingFor(t).Dec()
	defer func() {
		if r := recover(); r != nil {
			nlog.Tagf("WorkloadPanic", "worker %d task type %v panicked: %v", w.idx, t, r)
			w.pool.metrics.observePanic(t)
		}
	}()
	w.pool.metrics.observeExec(t, stolen)
	task(ctx)
}

func (w *Worker) String() string { return fmt.Sprintf("worker[%d]", w.idx) }
