package cellmgr

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aistore-labs/worldcore/cell"
	"github.com/aistore-labs/worldcore/cmn/config"
	"github.com/aistore-labs/worldcore/wpool"
)

// nopWorkload never touches messages or entities beyond what the test
// drives directly; migration control messages are handled by the manager
// before they ever reach Workload.OnMessage.
type nopWorkload struct{}

func (nopWorkload) OnEntityUpdate(*cell.Context, *cell.Entity, float64) {}
func (nopWorkload) OnMessage(*cell.Context, cell.Message)               {}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.NumWorkers = 2
	cfg.DequeCapacity = 1024
	cfg.MigrationTimeoutMs = 200

	pool, err := wpool.New(cfg, nil, nil, nil, "")
	if err != nil {
		t.Fatalf("wpool.New: %v", err)
	}
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	m, err := New(pool, cfg, func(cell.CellID) cell.Workload { return nopWorkload{} }, nil, "")
	if err != nil {
		t.Fatalf("cellmgr.New: %v", err)
	}
	return m
}

// TestTwoCellMigrationEndToEnd: an entity begins in cell(0,0), migrates
// to cell(1,0), and ends up owned there with the source cell no longer
// tracking it, round-tripping through every state of the protocol.
func TestTwoCellMigrationEndToEnd(t *testing.T) {
	m := newTestManager(t)
	src := m.GetOrCreateCell(cell.Pack(0, 0))
	dst := m.GetOrCreateCell(cell.Pack(1, 0))

	e := &cell.Entity{Guid: 99, Kind: cell.KindPlayer}
	src.AddEntity(e)

	srcCtx := cellContextFor(src, m)
	if err := srcCtx.BeginMigration(dst.ID(), 99); err != nil {
		t.Fatalf("BeginMigration: %v", err)
	}

	// Drain the handoff: request -> ack -> complete. Each cell.Update
	// call processes whatever landed in its inbox this round; two rounds
	// carry all three hops, and the loop runs four for margin.
	for i := 0; i < 4; i++ {
		src.Update(0)
		dst.Update(0)
	}

	if _, ok := src.Entity(99); ok {
		t.Fatal("source cell should no longer own entity 99 after migration")
	}
	got, ok := dst.Entity(99)
	if !ok || got.Guid != 99 {
		t.Fatalf("destination cell should own entity 99 after migration, got %v, %v", got, ok)
	}
	if len(m.migrations) != 0 {
		t.Fatalf("expected migration record to be cleaned up, got %d remaining", len(m.migrations))
	}
	stats := m.AggregateStats()
	if stats.MigrationsOut != 1 || stats.MigrationsIn != 1 {
		t.Fatalf("stats = %+v, want MigrationsOut=1 MigrationsIn=1", stats)
	}
}

// TestMigrationRejectedOverCapacity exercises the destination-rejects
// branch of the protocol: the entity stays put at the source.
func TestMigrationRejectedOverCapacity(t *testing.T) {
	m := newTestManager(t)
	src := m.GetOrCreateCell(cell.Pack(0, 0))
	dst := m.GetOrCreateCell(cell.Pack(1, 0))

	// Force the destination over the soft capacity limit.
	for i := uint64(0); i < migrationCapacity; i++ {
		dst.AddEntity(&cell.Entity{Guid: i + 1000000})
	}

	e := &cell.Entity{Guid: 5, Kind: cell.KindPlayer}
	src.AddEntity(e)
	srcCtx := cellContextFor(src, m)
	if err := srcCtx.BeginMigration(dst.ID(), 5); err != nil {
		t.Fatalf("BeginMigration: %v", err)
	}

	for i := 0; i < 3; i++ {
		src.Update(0)
		dst.Update(0)
	}

	if _, ok := src.Entity(5); !ok {
		t.Fatal("entity should remain at source after rejection")
	}
	if len(m.migrations) != 0 {
		t.Fatalf("expected migration record cleared after reject, got %d", len(m.migrations))
	}
}

// TestMigrationTimeoutSweepsStaleRecord exercises the timeout abort path:
// a migration whose destination never responds is cleaned up by
// SweepTimeouts once its deadline passes.
func TestMigrationTimeoutSweepsStaleRecord(t *testing.T) {
	m := newTestManager(t)
	src := m.GetOrCreateCell(cell.Pack(0, 0))
	e := &cell.Entity{Guid: 1}
	src.AddEntity(e)

	// Simulate a stuck Pending record directly (rather than driving it
	// through BeginMigration/handleRequest) to exercise the sweep in
	// isolation: the destination never materializes or acks.
	m.migMu.Lock()
	m.migrations["stuck"] = &migrationRecord{
		ID: "stuck", Guid: 1, From: src.ID(), To: cell.Pack(9, 9),
		State: MigrationPending, Deadline: 0, // already expired
	}
	m.migMu.Unlock()

	m.SweepTimeouts()

	if len(m.migrations) != 0 {
		t.Fatalf("expected expired migration to be swept, got %d remaining", len(m.migrations))
	}
}

// TestRelocateAcrossCellBoundaryStartsMigration: an entity at (65.9, 0)
// moves to (66.1, 0), crossing from cell(0,0) into cell(1,0), and
// Relocate must kick off the migration protocol rather than silently
// updating position in place.
func TestRelocateAcrossCellBoundaryStartsMigration(t *testing.T) {
	m := newTestManager(t)

	e := &cell.Entity{Guid: 7, Kind: cell.KindPlayer, Pos: cell.Position{X: 65.9, Y: 0}}
	if err := m.RegisterEntity(e); err != nil {
		t.Fatalf("RegisterEntity: %v", err)
	}
	src, ok := m.Cell(cell.Pack(0, 0))
	if !ok {
		t.Fatal("RegisterEntity should have lazily created cell(0,0)")
	}
	if _, ok := src.Entity(7); !ok {
		t.Fatal("RegisterEntity should have placed the entity in cell(0,0)")
	}

	srcCtx := cellContextFor(src, m)
	if err := m.Relocate(srcCtx, 7, 66.1, 0, 0); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	dst, ok := m.Cell(cell.Pack(1, 0))
	if !ok {
		t.Fatal("Relocate should have lazily created the migration destination cell(1,0)")
	}

	for i := 0; i < 4; i++ {
		src.Update(0)
		dst.Update(0)
	}

	if _, ok := src.Entity(7); ok {
		t.Fatal("entity should have migrated out of cell(0,0)")
	}
	if _, ok := dst.Entity(7); !ok {
		t.Fatal("entity should have migrated into cell(1,0)")
	}
}

// TestRelocateWithinSameCellIsNoop checks Relocate's early-return: moving
// within the same cell's bounds must not touch the migration machinery.
func TestRelocateWithinSameCellIsNoop(t *testing.T) {
	m := newTestManager(t)
	src := m.GetOrCreateCell(cell.Pack(0, 0))
	e := &cell.Entity{Guid: 8, Pos: cell.Position{X: 10, Y: 10}}
	src.AddEntity(e)

	srcCtx := cellContextFor(src, m)
	if err := m.Relocate(srcCtx, 8, 20, 20, 0); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if len(m.migrations) != 0 {
		t.Fatalf("same-cell relocate should not start a migration, got %d records", len(m.migrations))
	}
	if got, _ := src.Entity(8); got.Pos.X != 20 || got.Pos.Y != 20 {
		t.Fatalf("position not updated: %+v", got.Pos)
	}
}

// cellContextFor builds a cell.Context the way Cell.Update would,
// exposed here only for tests that need to call BeginMigration outside
// of a running Update pass.
func cellContextFor(c *cell.Cell, m *Manager) *cell.Context {
	return cell.NewContext(c, m)
}

// recordingWorkload records every message it is handed, in arrival
// order, for tests asserting that buffered messages forward in arrival
// order.
type recordingWorkload struct {
	seen *[]cell.Message
}

func (w recordingWorkload) OnEntityUpdate(*cell.Context, *cell.Entity, float64) {}
func (w recordingWorkload) OnMessage(_ *cell.Context, msg cell.Message) {
	*w.seen = append(*w.seen, msg)
}

// TestBufferedMessagesForwardInArrivalOrder: messages addressed to an
// entity that arrive at the source cell while a migration is Pending
// must not be delivered to the source's workload, and must reach the
// destination's workload in the order they originally arrived, once the
// migration completes.
func TestBufferedMessagesForwardInArrivalOrder(t *testing.T) {
	cfg := config.Default()
	cfg.NumWorkers = 2
	cfg.DequeCapacity = 1024
	pool, err := wpool.New(cfg, nil, nil, nil, "")
	if err != nil {
		t.Fatalf("wpool.New: %v", err)
	}
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	var srcSeen, dstSeen []cell.Message
	m, err := New(pool, cfg, func(id cell.CellID) cell.Workload {
		cx, _ := id.Unpack()
		if cx == 0 {
			return recordingWorkload{seen: &srcSeen}
		}
		return recordingWorkload{seen: &dstSeen}
	}, nil, "")
	if err != nil {
		t.Fatalf("cellmgr.New: %v", err)
	}

	src := m.GetOrCreateCell(cell.Pack(0, 0))
	dst := m.GetOrCreateCell(cell.Pack(1, 0))
	e := &cell.Entity{Guid: 42, Kind: cell.KindPlayer}
	src.AddEntity(e)

	srcCtx := cellContextFor(src, m)
	if err := srcCtx.BeginMigration(dst.ID(), 42); err != nil {
		t.Fatalf("BeginMigration: %v", err)
	}

	// These arrive at src's inbox while the migration is still Pending
	// (the Ack from dst hasn't been processed by src yet), so they must
	// be buffered rather than delivered to src's workload.
	src.Inbox().Push(cell.Message{Kind: cell.MsgMeleeDamage, DstGuid: 42, Ints: [3]int64{1}})
	src.Inbox().Push(cell.Message{Kind: cell.MsgMeleeDamage, DstGuid: 42, Ints: [3]int64{2}})
	src.Inbox().Push(cell.Message{Kind: cell.MsgMeleeDamage, DstGuid: 42, Ints: [3]int64{3}})

	for i := 0; i < 4; i++ {
		src.Update(0)
		dst.Update(0)
	}

	if len(srcSeen) != 0 {
		t.Fatalf("expected src workload to see no buffered messages directly, got %d", len(srcSeen))
	}
	if len(dstSeen) != 3 {
		t.Fatalf("expected dst workload to see 3 forwarded messages, got %d", len(dstSeen))
	}
	for i, msg := range dstSeen {
		if msg.Ints[0] != int64(i+1) {
			t.Fatalf("forwarded message %d out of order: got Ints[0]=%d", i, msg.Ints[0])
		}
	}
}

// TestCellsCreatedLazily: nothing exists at construction time, and
// unrelated positions never materialize cells as a side effect of
// routing.
func TestCellsCreatedLazily(t *testing.T) {
	m := newTestManager(t)
	if n := m.NumCells(); n != 0 {
		t.Fatalf("new manager should have no cells yet, got %d", n)
	}

	e := &cell.Entity{Guid: 1, Pos: cell.Position{X: 500, Y: 500}}
	if err := m.RegisterEntity(e); err != nil {
		t.Fatalf("RegisterEntity: %v", err)
	}
	if n := m.NumCells(); n != 1 {
		t.Fatalf("expected exactly one cell after first residency, got %d", n)
	}
	if _, ok := m.Cell(cell.Pack(0, 0)); ok {
		t.Fatal("an unrelated cell must not exist just because another cell was created")
	}

	far := CellAt(12345, 54321)
	if _, ok := m.Cell(far); ok {
		t.Fatal("Neighbors/Cell lookups must not materialize cells")
	}
	if neighbors := m.Neighbors(far); len(neighbors) != 0 {
		t.Fatalf("Neighbors of a nonexistent cell should be empty, got %v", neighbors)
	}
}

// TestHotspotCellsRanksByMessagesDispatched exercises the top-N
// hotspot query: cells are ranked by messages dispatched, descending.
func TestHotspotCellsRanksByMessagesDispatched(t *testing.T) {
	m := newTestManager(t)
	quiet := m.GetOrCreateCell(cell.Pack(0, 0))
	busy := m.GetOrCreateCell(cell.Pack(1, 0))

	quiet.AddEntity(&cell.Entity{Guid: 1})
	busy.AddEntity(&cell.Entity{Guid: 2})
	for i := 0; i < 5; i++ {
		busy.Inbox().Push(cell.Message{Kind: cell.MsgMeleeDamage, DstGuid: 2})
	}
	quiet.Update(0)
	busy.Update(0)

	top := m.HotspotCells(1)
	if len(top) != 1 || top[0].ID != busy.ID() {
		t.Fatalf("expected busy cell %v to be the sole hotspot, got %+v", busy.ID(), top)
	}
	if top[0].Messages < 5 {
		t.Fatalf("expected at least 5 messages dispatched, got %d", top[0].Messages)
	}

	all := m.HotspotCells(10)
	if len(all) != 2 {
		t.Fatalf("expected both cells back when n exceeds cell count, got %d", len(all))
	}
}

// TestLocateEntityTracksOwnership: the guid index follows an entity from
// registration through a completed migration, and forgets it on
// unregistration.
func TestLocateEntityTracksOwnership(t *testing.T) {
	m := newTestManager(t)

	e := &cell.Entity{Guid: 11, Kind: cell.KindCreature, Pos: cell.Position{X: 10, Y: 10}}
	if err := m.RegisterEntity(e); err != nil {
		t.Fatalf("RegisterEntity: %v", err)
	}
	if id, ok := m.LocateEntity(11); !ok || id != cell.Pack(0, 0) {
		t.Fatalf("LocateEntity = %v, %v; want %v, true", id, ok, cell.Pack(0, 0))
	}

	src, _ := m.Cell(cell.Pack(0, 0))
	dst := m.GetOrCreateCell(cell.Pack(1, 0))
	if err := cellContextFor(src, m).BeginMigration(dst.ID(), 11); err != nil {
		t.Fatalf("BeginMigration: %v", err)
	}
	for i := 0; i < 4; i++ {
		src.Update(0)
		dst.Update(0)
	}
	if id, ok := m.LocateEntity(11); !ok || id != dst.ID() {
		t.Fatalf("LocateEntity after migration = %v, %v; want %v, true", id, ok, dst.ID())
	}

	if !m.UnregisterEntity(11) {
		t.Fatal("UnregisterEntity should have found entity 11")
	}
	if _, ok := m.LocateEntity(11); ok {
		t.Fatal("LocateEntity should miss after unregistration")
	}
}

// countingWorkload tallies entity updates across whichever workers the
// parallel phase lands them on.
type countingWorkload struct{ n *int64 }

func (w countingWorkload) OnEntityUpdate(*cell.Context, *cell.Entity, float64) {
	atomic.AddInt64(w.n, 1)
}
func (countingWorkload) OnMessage(*cell.Context, cell.Message) {}

// TestSubmitTickUpdatesEveryEntityOnce: the parallel phase batches cells
// into MAP tasks, each forking stealable CELL tails off its own deque,
// and still updates every entity exactly once per tick.
func TestSubmitTickUpdatesEveryEntityOnce(t *testing.T) {
	cfg := config.Default()
	cfg.NumWorkers = 4
	cfg.DequeCapacity = 1024

	pool, err := wpool.New(cfg, nil, nil, nil, "")
	if err != nil {
		t.Fatalf("wpool.New: %v", err)
	}
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	var updates int64
	m, err := New(pool, cfg, func(cell.CellID) cell.Workload {
		return countingWorkload{n: &updates}
	}, nil, "")
	if err != nil {
		t.Fatalf("cellmgr.New: %v", err)
	}

	const perCell = 20
	guid := uint64(1)
	for x := int32(0); x < 6; x++ {
		for y := int32(0); y < 6; y++ {
			c := m.GetOrCreateCell(cell.Pack(x, y))
			for i := 0; i < perCell; i++ {
				c.AddEntity(&cell.Entity{Guid: guid})
				guid++
			}
		}
	}

	if err := m.SubmitTick(context.Background(), 0.05); err != nil {
		t.Fatalf("SubmitTick: %v", err)
	}
	m.Wait(context.Background())

	want := int64(6 * 6 * perCell)
	if got := atomic.LoadInt64(&updates); got != want {
		t.Fatalf("updates = %d, want %d", got, want)
	}
}

// TestMessageBehindAckReachesNewOwner: a message queued in the source
// cell's inbox immediately behind the MigrationAck — after the Pending
// buffer has been flushed but before the destination processes
// MigrationComplete — must still reach the new owner, not vanish with
// the retired migration record.
func TestMessageBehindAckReachesNewOwner(t *testing.T) {
	cfg := config.Default()
	cfg.NumWorkers = 2
	cfg.DequeCapacity = 1024

	pool, err := wpool.New(cfg, nil, nil, nil, "")
	if err != nil {
		t.Fatalf("wpool.New: %v", err)
	}
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	var srcSeen, dstSeen []cell.Message
	m, err := New(pool, cfg, func(id cell.CellID) cell.Workload {
		cx, _ := id.Unpack()
		if cx == 0 {
			return recordingWorkload{seen: &srcSeen}
		}
		return recordingWorkload{seen: &dstSeen}
	}, nil, "")
	if err != nil {
		t.Fatalf("cellmgr.New: %v", err)
	}

	src := m.GetOrCreateCell(cell.Pack(0, 0))
	dst := m.GetOrCreateCell(cell.Pack(1, 0))
	src.AddEntity(&cell.Entity{Guid: 77, Kind: cell.KindPlayer})
	if err := cellContextFor(src, m).BeginMigration(dst.ID(), 77); err != nil {
		t.Fatalf("BeginMigration: %v", err)
	}

	dst.Update(0) // request processed; ack lands in src's inbox
	src.Inbox().Push(cell.Message{Kind: cell.MsgMeleeDamage, DstGuid: 77, Ints: [3]int64{9}})
	src.Update(0) // ack flips the record to Completing; the melee drains right behind it
	dst.Update(0) // complete instantiates the entity, then the relayed melee arrives

	if len(srcSeen) != 0 {
		t.Fatalf("source workload saw %d messages for a departed entity, want 0", len(srcSeen))
	}
	if len(dstSeen) != 1 || dstSeen[0].Kind != cell.MsgMeleeDamage || dstSeen[0].Ints[0] != 9 {
		t.Fatalf("destination workload saw %v, want the single relayed MeleeDamage", dstSeen)
	}
	if _, ok := dst.Entity(77); !ok {
		t.Fatal("destination cell should own entity 77 after migration")
	}
	if len(m.migrations) != 0 {
		t.Fatalf("expected migration record retired, got %d remaining", len(m.migrations))
	}
}
