// Package tick implements the tick orchestrator: the per-simulation-tick
// phase sequence of sequential preamble, parallel entity phase, barrier,
// and sequential finalization, driving the cell manager (cellmgr) and
// worker pool (wpool).
//
// Blocking I/O belongs in the sequential phases or on the session pool;
// nothing inside the parallel entity phase may suspend. The preamble's
// independent sub-steps fan out under an errgroup before the expensive
// parallel phase opens.
package tick

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/aistore-labs/worldcore/cellmgr"
	"github.com/aistore-labs/worldcore/cmn/config"
	"github.com/aistore-labs/worldcore/cmn/mono"
	"github.com/aistore-labs/worldcore/wpool"
)

// Phase is one step of the sequential preamble or finalization; it may
// fail, in which case the tick aborts before entering the phase that
// depends on it.
type Phase func(ctx context.Context) error

// RemovalFunc processes one entity's removal during finalization; it is
// run in parallel batches sized by ComputeBatchSize when the pending
// removal list is large.
type RemovalFunc func(ctx context.Context, guid uint64) error

// Hooks wires the content-side tick steps into concrete callbacks. Any
// field left nil is treated as a no-op, since a collaborator embedding
// only part of the runtime (e.g. no weather system) should not be
// forced to stub every hook.
type Hooks struct {
	// Preamble — run concurrently via errgroup since they are
	// independent of one another; the preamble makes no submissions to
	// the worker pool, concurrency stays among the sub-steps themselves.
	SpatialIndexRefresh    Phase
	PlayerUpdates          Phase
	SessionIODrain         Phase
	MovementReconciliation Phase

	// Finalization — run strictly in order.
	OutboundUpdates          Phase
	ScriptProcessing         Phase
	WeatherCorpseMaintenance Phase

	// PendingRemovals supplies the guids queued for removal this tick;
	// RemoveEntity is applied to each, batched across the pool's MAP
	// lane when the list is large enough to be worth fanning out.
	PendingRemovals func() []uint64
	RemoveEntity    RemovalFunc
}

// Orchestrator runs one cellmgr grid's tick loop.
type Orchestrator struct {
	pool  *wpool.Pool
	mgr   *cellmgr.Manager
	cfg   config.Config
	hooks Hooks
	met   *tickMetrics
}

// New builds an orchestrator over an already-started pool and manager.
func New(pool *wpool.Pool, mgr *cellmgr.Manager, cfg config.Config, hooks Hooks, reg prometheus.Registerer, namespace string) *Orchestrator {
	return &Orchestrator{
		pool:  pool,
		mgr:   mgr,
		cfg:   cfg,
		hooks: hooks,
		met:   newTickMetrics(reg, namespace),
	}
}

// Tick runs one full phase sequence and blocks until the parallel
// entity phase's barrier has released and finalization has run.
func (o *Orchestrator) Tick(ctx context.Context, dt float64) error {
	start := mono.NanoTime()
	defer func() { o.met.observeTick(mono.Since(start)) }()

	if err := o.preamble(ctx); err != nil {
		return errors.Wrap(err, "tick: preamble")
	}

	if err := o.mgr.SubmitTick(ctx, dt); err != nil {
		return errors.Wrap(err, "tick: submit parallel entity phase")
	}
	o.mgr.Wait(ctx)
	// Check the MAP lane once more before finalization; the phase's own
	// forks are CELL tasks, so this normally returns at once.
	o.pool.Wait(ctx, wpool.TaskMAP)

	if err := o.finalize(ctx); err != nil {
		return errors.Wrap(err, "tick: finalization")
	}
	o.mgr.SweepTimeouts()
	return nil
}

// preamble runs the four pre-parallel sub-steps; since none of them
// touches another's state they run concurrently under a single errgroup
// rather than strictly in sequence.
func (o *Orchestrator) preamble(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ph := range []Phase{
		o.hooks.SpatialIndexRefresh,
		o.hooks.PlayerUpdates,
		o.hooks.SessionIODrain,
		o.hooks.MovementReconciliation,
	} {
		if ph == nil {
			continue
		}
		ph := ph
		g.Go(func() error { return ph(gctx) })
	}
	return g.Wait()
}

// finalize runs outbound updates, scripts, and weather/corpse
// maintenance strictly in order, then drains the removal list, batched
// across the pool's MAP lane.
func (o *Orchestrator) finalize(ctx context.Context) error {
	for _, ph := range []Phase{
		o.hooks.OutboundUpdates,
		o.hooks.ScriptProcessing,
		o.hooks.WeatherCorpseMaintenance,
	} {
		if ph == nil {
			continue
		}
		if err := ph(ctx); err != nil {
			return err
		}
	}
	return o.processRemovals(ctx)
}

// processRemovals fans the pending removal list out as MAP tasks, sized
// by ComputeBatchSize, then waits for them all before returning — the
// only parallel submission finalization makes, and it is safe because
// each removal touches only its own entity.
func (o *Orchestrator) processRemovals(ctx context.Context) error {
	if o.hooks.PendingRemovals == nil || o.hooks.RemoveEntity == nil {
		return nil
	}
	ids := o.hooks.PendingRemovals()
	if len(ids) == 0 {
		return nil
	}
	if len(ids) < o.cfg.MinEntitiesForParallel {
		// Too few to be worth the fan-out; run inline.
		for _, guid := range ids {
			if err := o.hooks.RemoveEntity(ctx, guid); err != nil {
				return err
			}
		}
		return nil
	}
	batchSize := ComputeBatchSize(len(ids), o.pool.NumWorkers())
	if o.cfg.GrainSize > 0 && batchSize > o.cfg.GrainSize {
		batchSize = o.cfg.GrainSize
	}
	var mu sync.Mutex
	var firstErr error
	for _, batch := range Chunk(ids, batchSize) {
		batch := batch
		if err := o.pool.Submit(ctx, wpool.TaskMAP, func(taskCtx context.Context) {
			for _, guid := range batch {
				if err := o.hooks.RemoveEntity(taskCtx, guid); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}); err != nil {
			return errors.Wrap(err, "tick: submit removal batch")
		}
	}
	o.pool.Wait(ctx, wpool.TaskMAP)
	return firstErr
}
