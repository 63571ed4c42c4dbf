// Package wpool implements the work-stealing scheduler: N worker
// goroutines, each owning one Chase-Lev deque (`deque`) and one MPSC
// inbox (`mpsc`) per task type, blocking and work-assisting waits, and
// tuned idle backoff.
//
// Work is tagged with a TaskType so that waits and helpers can be
// restricted to a subset of the queued work; an untyped pool is just
// this model instantiated with a single type.
package wpool

import "context"

// TaskType tags a unit of work so waits and work-assisting helpers can
// be restricted to a subset. The set is closed per Pool instance but not
// hardcoded package-wide — a caller can register any types it needs at
// construction.
type TaskType int

// The task types the tick pipeline schedules.
const (
	TaskMAP TaskType = iota
	TaskCELL
)

// Route selects which structure a type's Submit call feeds by default.
type Route int

const (
	// RouteInbox pushes into the target worker's MPSC inbox: safe from
	// any goroutine, not stealable.
	RouteInbox Route = iota
	// RouteDeque pushes into the calling worker's own Chase-Lev deque:
	// only legal from within a running task, immediately stealable.
	RouteDeque
)

// TaskFunc is one unit of scheduled work. It receives the context the
// pool invoked it with, which (when running on a worker) carries that
// worker's identity so the task can submit CELL-typed follow-ups onto
// the same worker's deque, where they are immediately stealable.
type TaskFunc func(ctx context.Context)

type workerCtxKey struct{}

func withWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, w)
}

// WorkerFromContext returns the worker executing the current task, if
// any. Used internally by Submit to route Deque-typed submissions onto
// the caller's own deque, and available to workload code that wants to
// confirm it is in fact running on a pool worker.
func WorkerFromContext(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(workerCtxKey{}).(*Worker)
	return w, ok
}
