package cellmgr

import (
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"

	"github.com/aistore-labs/worldcore/cell"
	"github.com/aistore-labs/worldcore/cmn/cos"
	"github.com/aistore-labs/worldcore/cmn/debug"
	"github.com/aistore-labs/worldcore/cmn/mono"
	"github.com/aistore-labs/worldcore/cmn/nlog"
)

// MigrationState tracks one entity handoff: an entity starts Idle (no
// record exists), moves to Pending once the owner sends a
// MigrationRequest, and to Completing once the destination accepts —
// the source removes the entity and begins forwarding buffered traffic
// in the same step, so there is no separate transferring state.
// Completing persists until the destination processes
// MigrationComplete, at which point the record is dropped and the
// entity is Idle again at its new owner. MigrationForward messages sent
// before that point still reach the new owner; a message that reaches
// the old owner after the record is dropped is not relayed and goes to
// the old owner's workload.
type MigrationState uint8

const (
	MigrationIdle MigrationState = iota
	MigrationPending
	MigrationCompleting
)

func (s MigrationState) String() string {
	switch s {
	case MigrationPending:
		return "Pending"
	case MigrationCompleting:
		return "Completing"
	default:
		return "Idle"
	}
}

// migrationCapacity is a soft cap on entities a destination cell will
// accept a migration into before rejecting.
const migrationCapacity = 10_000

// migrationRecord tracks one in-flight migration from the source cell's
// perspective. Buffered holds messages addressed to Guid that arrived
// at From while the migration was Pending, in arrival order, destined
// to be replayed at To via MigrationForward.
type migrationRecord struct {
	ID       string
	Guid     uint64
	From, To cell.CellID
	State    MigrationState
	Deadline int64 // mono.NanoTime() ns
	Buffered []cell.Message
}

// BeginMigration implements cell.Router: starts handing guid, owned by
// the cell ctx belongs to, over to dst. The caller (workload relocation
// logic) is responsible for having detected the entity crossed into
// dst's territory.
func (m *Manager) BeginMigration(ctx *cell.Context, dst cell.CellID, guid uint64) error {
	src := ctx.CellID()
	e, ok := ctx.Cell().Entity(guid)
	if !ok {
		return errors.Wrapf(cos.ErrUnknownCell, "cellmgr: entity %d not owned by %v", guid, src)
	}
	m.GetOrCreateCell(dst)

	id, err := shortid.Generate()
	if err != nil {
		return errors.Wrap(err, "cellmgr: generate migration id")
	}

	snapshot := *e // full migration snapshot: identity, position, stats, target, AI state
	rec := &migrationRecord{
		ID:       id,
		Guid:     guid,
		From:     src,
		To:       dst,
		State:    MigrationPending,
		Deadline: mono.NanoTime() + m.cfg.MigrationTimeout().Nanoseconds(),
	}
	m.migMu.Lock()
	m.migrations[id] = rec
	m.migMu.Unlock()

	nlog.Debugf("cellmgr: migration %s %v->%v guid=%d snapshot=%s", id, src, dst, guid, debug.JSON(snapshot))
	ctx.Cell().IncMigrationsOut()
	m.metrics.observeStart()
	return ctx.Send(dst, cell.Message{
		Kind:    cell.MsgMigrationRequest,
		SrcGuid: guid,
		Payload: &cell.MigrationSnapshot{MigrationID: id, Entity: snapshot},
	})
}

// HandleMigration implements cell.Router: dispatches one of the four
// migration control messages.
func (m *Manager) HandleMigration(ctx *cell.Context, msg cell.Message) {
	switch msg.Kind {
	case cell.MsgMigrationRequest:
		m.handleRequest(ctx, msg)
	case cell.MsgMigrationAck:
		m.handleAck(ctx, msg)
	case cell.MsgMigrationComplete:
		m.handleComplete(ctx, msg)
	case cell.MsgMigrationForward:
		m.handleForward(ctx, msg)
	}
}

// handleRequest runs at the destination cell: decide accept/reject and
// reply with a MigrationAck. Acceptance does not yet instantiate the
// entity — that happens on MigrationComplete, once the source has
// actually released it, so the entity is never owned by two cells at
// once.
func (m *Manager) handleRequest(ctx *cell.Context, msg cell.Message) {
	snap, ok := msg.Payload.(*cell.MigrationSnapshot)
	if !ok {
		return
	}
	accepted := len(ctx.Cell().Entities()) < migrationCapacity
	if !accepted {
		m.metrics.observeReject()
	} else {
		m.migMu.Lock()
		m.pendingIncoming[snap.MigrationID] = snap.Entity
		m.migMu.Unlock()
	}
	_ = ctx.Send(msg.SrcCell, cell.Message{
		Kind:    cell.MsgMigrationAck,
		SrcGuid: msg.SrcGuid,
		Payload: &cell.MigrationAckPayload{MigrationID: snap.MigrationID, Accepted: accepted},
	})
}

// handleAck runs at the source cell: on accept, remove the entity, send
// MigrationComplete, then begin forwarding anything buffered while
// Pending.
func (m *Manager) handleAck(ctx *cell.Context, msg cell.Message) {
	ack, ok := msg.Payload.(*cell.MigrationAckPayload)
	if !ok {
		return
	}
	m.migMu.Lock()
	rec, found := m.migrations[ack.MigrationID]
	if !found || rec.State != MigrationPending {
		m.migMu.Unlock()
		return // late/duplicate ack after a timeout abort; ignore
	}
	if !ack.Accepted {
		delete(m.migrations, ack.MigrationID)
		buffered := rec.Buffered
		m.migMu.Unlock()
		m.replayLocally(ctx, buffered)
		return
	}
	rec.State = MigrationCompleting
	buffered := rec.Buffered
	rec.Buffered = nil
	m.migMu.Unlock()

	if _, ok := ctx.Cell().RemoveEntity(rec.Guid); !ok {
		m.dropMigration(ack.MigrationID)
		return
	}
	_ = ctx.Send(rec.To, cell.Message{
		Kind:    cell.MsgMigrationComplete,
		SrcGuid: rec.Guid,
		Payload: &cell.MigrationMeta{MigrationID: ack.MigrationID},
	})
	for _, buf := range buffered {
		_ = ctx.Send(rec.To, cell.Message{
			Kind:    cell.MsgMigrationForward,
			SrcGuid: rec.Guid,
			Payload: &cell.MigrationForwardPayload{MigrationID: ack.MigrationID, Original: buf},
		})
	}
}

// handleComplete runs at the destination cell: the source has released
// the entity, so now it is safe to instantiate it from the snapshot
// handed over in the original request.
func (m *Manager) handleComplete(ctx *cell.Context, msg cell.Message) {
	meta, ok := msg.Payload.(*cell.MigrationMeta)
	if !ok {
		return
	}
	m.migMu.Lock()
	e, ok := m.pendingIncoming[meta.MigrationID]
	delete(m.pendingIncoming, meta.MigrationID)
	delete(m.migrations, meta.MigrationID)
	m.migMu.Unlock()
	if !ok {
		return
	}
	ctx.Cell().AddEntity(&e)
	m.index.InsertOrAssign(e.Guid, ctx.CellID())
	ctx.Cell().IncMigrationsIn()
	m.metrics.observeComplete()
}

// handleForward runs at the destination cell: replays one buffered
// message that arrived at the old owner during the handoff, preserving
// arrival order.
func (m *Manager) handleForward(ctx *cell.Context, msg cell.Message) {
	fwd, ok := msg.Payload.(*cell.MigrationForwardPayload)
	if !ok {
		return
	}
	m.dispatchForwarded(ctx, fwd.Original)
}

// replayLocally dispatches buffered messages back through the owning
// cell itself, used when a migration is rejected or times out and the
// entity never left.
func (m *Manager) replayLocally(ctx *cell.Context, buffered []cell.Message) {
	for _, msg := range buffered {
		m.dispatchForwarded(ctx, msg)
	}
}

// dispatchForwarded re-enters Cell's own message handling for a buffered
// message, bypassing the migration-intercept path (the entity now
// definitively belongs to ctx's cell for purposes of this message).
func (m *Manager) dispatchForwarded(ctx *cell.Context, msg cell.Message) {
	switch msg.Kind {
	case cell.MsgGhostCreate, cell.MsgGhostUpdate, cell.MsgGhostDestroy:
		return // ghost traffic is never buffered; see InterceptMessage
	default:
		ctx.Cell().DispatchDirect(ctx, msg)
	}
}

func (m *Manager) dropMigration(id string) {
	m.migMu.Lock()
	delete(m.migrations, id)
	delete(m.pendingIncoming, id)
	m.migMu.Unlock()
}

// InterceptMessage implements cell.Router: catches a message addressed
// to an entity currently mid migration-out from ctx's cell. While the
// migration is Pending the message is buffered, to be flushed by
// handleAck in arrival order. Once the record is Completing the Pending
// buffer has already been flushed and the entity has left, so anything
// still arriving at the old owner — e.g. a message queued in the source
// inbox right behind the MigrationAck — is relayed straight to the new
// owner instead, landing behind everything already forwarded.
func (m *Manager) InterceptMessage(ctx *cell.Context, msg cell.Message) bool {
	if msg.DstGuid == 0 {
		return false
	}
	m.migMu.Lock()
	var rec *migrationRecord
	for _, r := range m.migrations {
		if r.From == ctx.CellID() && r.Guid == msg.DstGuid {
			rec = r
			break
		}
	}
	if rec == nil {
		m.migMu.Unlock()
		return false
	}
	if rec.State == MigrationPending {
		rec.Buffered = append(rec.Buffered, msg)
		m.migMu.Unlock()
		return true
	}
	id, to, guid := rec.ID, rec.To, rec.Guid
	m.migMu.Unlock()
	_ = ctx.Send(to, cell.Message{
		Kind:    cell.MsgMigrationForward,
		SrcGuid: guid,
		DstGuid: msg.DstGuid,
		Payload: &cell.MigrationForwardPayload{MigrationID: id, Original: msg},
	})
	return true
}
