// Package cellmgr implements the cell manager: lazy cell creation, the
// parallel-phase batch scheduler, ghost fan-out neighbor tables, the migration
// protocol, a global guid index, and aggregate/hotspot stats. It is the
// Router implementation the cell package's Cells send through.
//
// Cells live in a map keyed by cell id and are created on demand the
// first time anything establishes residency — the cell plane is
// unbounded and never preallocated. Entity ownership moves between cells
// only through the migration handoff, a multi-step exchange between two
// owners gated by an acknowledgement and a wall-clock deadline.
package cellmgr

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aistore-labs/worldcore/cell"
	"github.com/aistore-labs/worldcore/cmn/config"
	"github.com/aistore-labs/worldcore/cmn/cos"
	"github.com/aistore-labs/worldcore/cmn/mono"
	"github.com/aistore-labs/worldcore/cmn/nlog"
	"github.com/aistore-labs/worldcore/wpool"
	"github.com/aistore-labs/worldcore/xmap"
)

// WorkloadFactory builds the per-cell content logic at cell creation
// time, letting callers vary workload by cell coordinate if desired.
type WorkloadFactory func(id cell.CellID) cell.Workload

// Manager routes cross-cell messages, lazily materializes cells on
// first residency, and runs the migration protocol.
type Manager struct {
	pool    *wpool.Pool
	cfg     config.Config
	factory WorkloadFactory

	mu    sync.RWMutex
	cells map[cell.CellID]*cell.Cell

	// index is the global guid -> owning-cell lookup, readable from any
	// goroutine. Maintained on the manager's own ownership transitions
	// (registration, migration completion, unregistration); weakly
	// consistent mid-handoff, authoritative at tick boundaries.
	index *xmap.Map[uint64, cell.CellID]

	migMu           sync.Mutex
	migrations      map[string]*migrationRecord
	pendingIncoming map[string]cell.Entity

	metrics *managerMetrics
}

// New constructs an empty Manager. No cells exist until something
// establishes residency in one (RegisterEntity, a migration landing, or
// an explicit GetOrCreateCell) — the cell plane is unbounded and grows
// on demand.
func New(pool *wpool.Pool, cfg config.Config, factory WorkloadFactory, reg prometheus.Registerer, namespace string) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("cellmgr: factory must not be nil")
	}
	if pool.NumWorkers() <= 0 {
		return nil, errors.New("cellmgr: pool has no workers")
	}
	return &Manager{
		pool:            pool,
		cfg:             cfg,
		factory:         factory,
		cells:           make(map[cell.CellID]*cell.Cell),
		index:           xmap.NewUint64[cell.CellID](cfg.NumShards),
		migrations:      make(map[string]*migrationRecord),
		pendingIncoming: make(map[string]cell.Entity),
		metrics:         newManagerMetrics(reg, namespace),
	}, nil
}

// GetOrCreateCell returns the cell at id, creating it via factory on
// first residency. Safe for concurrent use: only the first caller to
// observe id missing pays the construction cost.
func (m *Manager) GetOrCreateCell(id cell.CellID) *cell.Cell {
	m.mu.RLock()
	c, ok := m.cells[id]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cells[id]; ok {
		return c
	}
	c = cell.New(id, m, m.factory(id))
	m.cells[id] = c
	return c
}

// Cell returns the cell at id if it has already been created, without
// materializing it (the read-only counterpart to GetOrCreateCell, for
// callers that must not create cells as a side effect of a query).
func (m *Manager) Cell(id cell.CellID) (*cell.Cell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[id]
	return c, ok
}

// NumCells reports how many cells currently exist.
func (m *Manager) NumCells() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cells)
}

// Send implements cell.Router: pushes msg onto dst's inbox, creating
// dst if this is the first traffic it has ever seen. Cross-cell
// delivery in this tick-based design is one tick of latency at most — a
// message sent during cell A's Update this tick is picked up the next
// time cell B's Update drains its inbox (every cell's Update runs once
// per tick, not on message arrival).
func (m *Manager) Send(dst cell.CellID, msg Message) error {
	c := m.GetOrCreateCell(dst)
	c.Inbox().Push(msg)
	return nil
}

// Message is an alias so this package's public surface doesn't force
// callers to import cell just to spell the type out.
type Message = cell.Message

// Neighbors implements cell.Router: the up-to-8 orthogonal/diagonal
// grid neighbors that currently exist. Unlike Send/GetOrCreateCell,
// this never materializes a neighbor that hasn't had any residency yet
// — ghost fan-out only targets cells that are actually alive.
func (m *Manager) Neighbors(id cell.CellID) []cell.CellID {
	cx, cy := id.Unpack()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]cell.CellID, 0, 8)
	for dx := int32(-1); dx <= 1; dx++ {
		for dy := int32(-1); dy <= 1; dy++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nid := cell.Pack(cx+dx, cy+dy)
			if _, ok := m.cells[nid]; ok {
				out = append(out, nid)
			}
		}
	}
	return out
}

// SubmitTick schedules the parallel entity phase: currently-existing
// cells are grouped into batches sized by tickBatchSize and one MAP
// task is enqueued per batch, each running Update(dt) over its cells.
// Returns once all batches are submitted (it does not wait for
// completion — callers drive the barrier themselves, e.g. the tick
// orchestrator's phase sequence).
func (m *Manager) SubmitTick(ctx context.Context, dt float64) error {
	m.mu.RLock()
	cells := make([]*cell.Cell, 0, len(m.cells))
	total := 0
	for _, c := range m.cells {
		cells = append(cells, c)
		total += len(c.Entities())
	}
	m.mu.RUnlock()
	if len(cells) == 0 {
		return nil
	}

	target := tickBatchSize(total, m.pool.NumWorkers())
	start, count := 0, 0
	for i, c := range cells {
		count += len(c.Entities())
		if count < target && i < len(cells)-1 {
			continue
		}
		batch := cells[start : i+1]
		start, count = i+1, 0
		if err := m.pool.Submit(ctx, wpool.TaskMAP, func(taskCtx context.Context) {
			m.runBatch(taskCtx, batch, dt)
		}); err != nil {
			return errors.Wrap(err, "cellmgr: submit tick batch")
		}
	}
	return nil
}

// tickBatchSize aims for roughly 12 batches per worker so the phase has
// enough stealable units under load, clamped to [100, 1000] entities
// per batch so neither per-task overhead nor one slow batch dominates.
func tickBatchSize(totalEntities, numWorkers int) int {
	if numWorkers < 1 {
		numWorkers = 1
	}
	size := totalEntities / (12 * numWorkers)
	switch {
	case size < 100:
		return 100
	case size > 1000:
		return 1000
	default:
		return size
	}
}

// runBatch drives one batch of the parallel entity phase. A batch with
// more than one cell forks: the tail half is resubmitted as a CELL task
// on the executing worker's own deque, where an idle worker can steal
// it, and the head half continues inline. If the resubmit fails (pool
// closing, deque full) the whole remainder just runs inline.
func (m *Manager) runBatch(ctx context.Context, batch []*cell.Cell, dt float64) {
	for len(batch) > 1 {
		tail := batch[len(batch)/2:]
		if err := m.pool.Submit(ctx, wpool.TaskCELL, func(taskCtx context.Context) {
			m.runBatch(taskCtx, tail, dt)
		}); err != nil {
			break
		}
		batch = batch[:len(batch)/2]
	}
	for _, c := range batch {
		c.Update(dt)
	}
}

// Wait blocks until every task of this tick's parallel phase has run —
// the MAP batches and any CELL forks they spawned. Before blocking it
// steals and runs CELL tasks already sitting on worker deques via
// TryExecuteOne; once none is found it blocks in the pool's Wait for
// MAP, then CELL, and does not help any further.
func (m *Manager) Wait(ctx context.Context) {
	for {
		if !m.pool.TryExecuteOne(ctx, wpool.TaskCELL) {
			break
		}
	}
	m.pool.Wait(ctx, wpool.TaskMAP)
	m.pool.Wait(ctx, wpool.TaskCELL)
}

// CellAt returns the CellID of the cell that world position (x, y)
// falls within.
func CellAt(x, y float64) cell.CellID {
	return cell.Pack(int32(math.Floor(x/cell.CellSize)), int32(math.Floor(y/cell.CellSize)))
}

// RegisterEntity places e into the cell owning its current position,
// creating that cell on demand if this is its first resident.
func (m *Manager) RegisterEntity(e *cell.Entity) error {
	id := CellAt(e.Pos.X, e.Pos.Y)
	c := m.GetOrCreateCell(id)
	c.AddEntity(e)
	m.index.InsertOrAssign(e.Guid, id)
	return nil
}

// LocateEntity resolves guid to the cell currently recorded as its
// owner. Cross-references between entities are stored as guids, never
// pointers, and resolved through here on demand.
func (m *Manager) LocateEntity(guid uint64) (cell.CellID, bool) {
	return m.index.Find(guid)
}

// UnregisterEntity removes guid from wherever it currently lives. The
// guid index points straight at the owning cell; entities handed to a
// cell directly (bypassing RegisterEntity) are found by scanning
// existing cells instead.
func (m *Manager) UnregisterEntity(guid uint64) bool {
	if id, ok := m.index.Find(guid); ok {
		if c, ok := m.Cell(id); ok {
			if _, removed := c.RemoveEntity(guid); removed {
				m.index.Remove(guid)
				return true
			}
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cells {
		if _, ok := c.RemoveEntity(guid); ok {
			m.index.Remove(guid)
			return true
		}
	}
	return false
}

// Relocate is called by a workload once it has moved an owned entity, so
// the manager can detect a cell crossing and kick off the migration
// protocol. No-op if the entity's new position is still inside the cell
// it already belongs to. The destination cell is created on demand if
// nothing has resided there yet.
func (m *Manager) Relocate(ctx *cell.Context, guid uint64, x, y, z float64) error {
	e, ok := ctx.Cell().Entity(guid)
	if !ok {
		return errors.Wrapf(cos.ErrUnknownCell, "cellmgr: relocate %d: not owned by %v", guid, ctx.CellID())
	}
	e.Pos.X, e.Pos.Y, e.Pos.Z = x, y, z
	e.MarkDirty()

	dst := CellAt(x, y)
	if dst == ctx.CellID() {
		return nil
	}
	m.GetOrCreateCell(dst)
	return m.BeginMigration(ctx, dst, guid)
}

// AggregateStats sums every existing cell's stats block, for top-level
// reporting.
func (m *Manager) AggregateStats() cell.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total cell.Stats
	for _, c := range m.cells {
		s := c.Stats()
		total.EntitiesOwned += s.EntitiesOwned
		total.GhostsHosted += s.GhostsHosted
		total.MessagesDispatched += s.MessagesDispatched
		total.EntitiesUpdated += s.EntitiesUpdated
		total.GhostsSent += s.GhostsSent
		total.MigrationsOut += s.MigrationsOut
		total.MigrationsIn += s.MigrationsIn
	}
	return total
}

// HotspotEntry is one row of a HotspotCells report.
type HotspotEntry struct {
	ID       cell.CellID
	Messages int64
}

// HotspotCells returns the n busiest existing cells by messages
// dispatched, most loaded first, for load-shedding and diagnostics.
func (m *Manager) HotspotCells(n int) []HotspotEntry {
	if n <= 0 {
		return nil
	}
	m.mu.RLock()
	entries := make([]HotspotEntry, 0, len(m.cells))
	for id, c := range m.cells {
		entries = append(entries, HotspotEntry{ID: id, Messages: c.Stats().MessagesDispatched})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Messages != entries[j].Messages {
			return entries[i].Messages > entries[j].Messages
		}
		return entries[i].ID < entries[j].ID
	})
	if n < len(entries) {
		entries = entries[:n]
	}
	return entries
}

// SweepTimeouts aborts any Pending migration whose deadline has passed:
// the entity remains at its source cell and any buffered messages are
// released there. Only a Pending migration (still awaiting the
// destination's Ack) can be safely aborted — once Completing the entity
// has already left, so Completing records are left for handleComplete.
// Intended to be called once per tick from the orchestrator's
// sequential finalization phase.
func (m *Manager) SweepTimeouts() {
	now := mono.NanoTime()
	var expired []*migrationRecord

	m.migMu.Lock()
	for id, rec := range m.migrations {
		if rec.State == MigrationPending && now >= rec.Deadline {
			expired = append(expired, rec)
			delete(m.migrations, id)
			delete(m.pendingIncoming, id)
		}
	}
	m.migMu.Unlock()

	for _, rec := range expired {
		m.metrics.observeTimeout(rec.State)
		nlog.Tagf("MigrationTimeout", "migration %s guid=%d %v->%v aborted in state %v",
			rec.ID, rec.Guid, rec.From, rec.To, rec.State)
		if rec.State == MigrationPending {
			if src, ok := m.Cell(rec.From); ok {
				m.replayLocally(cell.NewContext(src, m), rec.Buffered)
			}
		}
	}
}
