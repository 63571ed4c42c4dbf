package cell

import (
	"encoding/binary"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/aistore-labs/worldcore/cmn/debug"
	"github.com/aistore-labs/worldcore/cmn/nlog"
	"github.com/aistore-labs/worldcore/mpsc"
)

// everGhostedCapacity sizes the per-cell cuckoo filter that tracks which
// guids this cell has ever published a ghost for. Sized generously above
// any single cell's expected entity count so false positives stay rare.
const everGhostedCapacity = 8192

// VisibilityRadius is the default distance threshold the ghost publish
// step uses to decide whether an entity still needs a projection in a
// given neighbor cell. 250 units is the game-standard visibility range.
const VisibilityRadius = 250.0

// CellSize is the world-unit edge length of a square grid cell, used to
// compute an entity's distance to a neighbor cell's boundary. 66 units
// is an 8x8 subdivision of the conventional 533.33-unit map grid block,
// rounded down so cell edges land on integral coordinates.
const CellSize = 66.0

// boundaryDist2 returns the squared distance from (x, y) to the nearest
// edge of the grid cell identified by neighbor. Cells tile the plane at
// CellSize spacing.
func boundaryDist2(neighbor CellID, x, y float64) float64 {
	ncx, ncy := neighbor.Unpack()
	minX, minY := float64(ncx)*CellSize, float64(ncy)*CellSize
	maxX, maxY := minX+CellSize, minY+CellSize

	dx := 0.0
	switch {
	case x < minX:
		dx = minX - x
	case x > maxX:
		dx = x - maxX
	}
	dy := 0.0
	switch {
	case y < minY:
		dy = minY - y
	case y > maxY:
		dy = y - maxY
	}
	return dx*dx + dy*dy
}

// Router is the cell's view of its manager: the only way a Cell reaches
// anything outside its own state. A Cell never touches another cell's
// entity list or ghost map directly; it only sends Messages and asks for
// its structural neighbor set.
type Router interface {
	// Send pushes msg onto the inbox of the cell identified by dst. The
	// cell manager's implementation creates dst if it does not exist yet
	// and always returns nil.
	Send(dst CellID, msg Message) error
	// Neighbors returns the (at most 8) structurally adjacent cells of
	// id, used to decide the candidate set for ghost publication.
	Neighbors(id CellID) []CellID
	// BeginMigration starts handing guid (owned by the cell ctx belongs
	// to) over to dst. The manager tracks protocol state; Cell itself
	// stays oblivious to migration bookkeeping beyond AddEntity/
	// RemoveEntity.
	BeginMigration(ctx *Context, dst CellID, guid uint64) error
	// HandleMigration processes one of the MsgMigration* control
	// messages. Cell.dispatch routes all four migration kinds here
	// rather than to Workload.OnMessage, since migration is a
	// runtime-owned protocol, not content logic.
	HandleMigration(ctx *Context, msg Message)
	// InterceptMessage gives the manager first refusal on any
	// non-ghost, non-migration message before it reaches the workload,
	// so it can buffer traffic addressed to an entity currently mid
	// migration-out. Returns true if the message was buffered and must
	// not be delivered to the workload.
	InterceptMessage(ctx *Context, msg Message) bool
}

// Workload is the content-defined update logic a Cell dispatches into.
// The runtime owns scheduling, ownership and message routing; everything
// about what an update or message *means* lives here, keeping game rules
// out of the runtime entirely.
type Workload interface {
	// OnEntityUpdate advances one owned entity by dt seconds.
	OnEntityUpdate(ctx *Context, e *Entity, dt float64)
	// OnMessage handles one message addressed to this cell.
	OnMessage(ctx *Context, msg Message)
}

// Context is passed to every Workload callback, scoped to the Cell
// currently draining (so it is safe to store and reuse across an entire
// Update call, never across a tick boundary held by another goroutine).
type Context struct {
	cell   *Cell
	router Router
}

// NewContext builds a Context for cell c routed through r. Update
// constructs one internally for each tick; this constructor exists for
// tests and runtime callers (e.g. the cell manager's migration sweep)
// that need to invoke a Workload-facing API outside of a running Update.
func NewContext(c *Cell, r Router) *Context {
	return &Context{cell: c, router: r}
}

// CellID returns the id of the cell this context belongs to.
func (c *Context) CellID() CellID { return c.cell.id }

// Send routes msg to another cell on behalf of the workload (e.g. to
// push a Combat message at a ghost's owner, or begin a migration).
func (c *Context) Send(dst CellID, msg Message) error {
	msg.SrcCell = c.cell.id
	return c.router.Send(dst, msg)
}

// Ghost looks up a hosted ghost by guid, for workload code that wants to
// read a neighbor's projected state (e.g. AI targeting).
func (c *Context) Ghost(guid uint64) (*Ghost, bool) {
	g, ok := c.cell.ghosts[guid]
	return g, ok
}

// Cell exposes the underlying Cell for privileged runtime callers (the
// cell manager's migration handling). Workload implementations should
// prefer the narrower accessors above.
func (c *Context) Cell() *Cell { return c.cell }

// BeginMigration asks the manager to start migrating guid, owned by this
// context's cell, to dst.
func (c *Context) BeginMigration(dst CellID, guid uint64) error {
	return c.router.BeginMigration(c, dst, guid)
}

// Stats is the counters a Cell keeps for observability.
type Stats struct {
	EntitiesOwned      int64
	GhostsHosted       int64
	MessagesDispatched int64
	EntitiesUpdated    int64
	GhostsSent         int64
	MigrationsOut      int64
	MigrationsIn       int64
}

// Cell is the single-writer partition of the world. Exactly one worker
// drains a given Cell's inbox at a time; all fields below are therefore
// safe to mutate without further synchronization from inside Update and
// the callbacks it invokes.
type Cell struct {
	id     CellID
	router Router

	entities []*Entity
	index    map[uint64]int // guid -> position in entities

	ghosts map[uint64]*Ghost

	// ghostedIn tracks, for entities this cell owns, which neighbor
	// cells currently hold a published ghost of them — needed to know
	// whether a changed entity needs Create, Update or Destroy this
	// tick.
	ghostedIn map[uint64]map[CellID]struct{}

	inbox *mpsc.Inbox[Message]

	// everGhosted is a probabilistic pre-check: "has this guid ever been
	// ghosted to any neighbor?" lets publishGhosts skip the teardown scan
	// over ghostedIn for an entity that has never had one, without a
	// definitive map lookup on the common all-new-entity path. Cuckoo
	// filters never false-negative, so a miss here is always trustworthy.
	everGhosted *cuckoo.Filter

	workload Workload
	stats    Stats
}

// New constructs an empty Cell with the given id, routed through r and
// dispatching into workload.
func New(id CellID, r Router, workload Workload) *Cell {
	return &Cell{
		id:          id,
		router:      r,
		index:       make(map[uint64]int),
		ghosts:      make(map[uint64]*Ghost),
		ghostedIn:   make(map[uint64]map[CellID]struct{}),
		inbox:       mpsc.New[Message](),
		everGhosted: cuckoo.NewFilter(everGhostedCapacity),
		workload:    workload,
	}
}

// ID returns the cell's grid identity.
func (c *Cell) ID() CellID { return c.id }

// Inbox exposes the cell's MPSC message queue so the manager/pool can
// push cross-cell messages into it from any goroutine.
func (c *Cell) Inbox() *mpsc.Inbox[Message] { return c.inbox }

// Stats returns a snapshot of the cell's counters.
func (c *Cell) Stats() Stats { return c.stats }

// IncMigrationsOut and IncMigrationsIn let the cell manager record
// migration protocol events against the cell's stats block without
// exposing the underlying counters for general mutation.
func (c *Cell) IncMigrationsOut() { c.stats.MigrationsOut++ }
func (c *Cell) IncMigrationsIn()  { c.stats.MigrationsIn++ }

// AddEntity inserts e under this cell's ownership. Exactly one cell owns
// an entity at a time — callers, typically the cell manager's migration
// completion step, are responsible for not double-adding a guid already
// owned elsewhere.
func (c *Cell) AddEntity(e *Entity) {
	if _, exists := c.index[e.Guid]; exists {
		return
	}
	c.index[e.Guid] = len(c.entities)
	c.entities = append(c.entities, e)
	c.stats.EntitiesOwned = int64(len(c.entities))
}

// RemoveEntity detaches and returns the entity with guid, e.g. when a
// migration hands it to another cell. Uses swap-remove since entity
// order within a cell carries no observable meaning.
func (c *Cell) RemoveEntity(guid uint64) (*Entity, bool) {
	i, ok := c.index[guid]
	if !ok {
		return nil, false
	}
	e := c.entities[i]
	last := len(c.entities) - 1
	c.entities[i] = c.entities[last]
	c.index[c.entities[i].Guid] = i
	c.entities = c.entities[:last]
	delete(c.index, guid)
	delete(c.ghostedIn, guid)
	c.stats.EntitiesOwned = int64(len(c.entities))
	return e, true
}

// Entity looks up an owned entity by guid.
func (c *Cell) Entity(guid uint64) (*Entity, bool) {
	i, ok := c.index[guid]
	if !ok {
		return nil, false
	}
	return c.entities[i], true
}

// Entities returns the cell's owned entity list. Callers must treat it
// as read-only outside of Update.
func (c *Cell) Entities() []*Entity { return c.entities }

// Update runs one tick for this cell: drain the inbox, advance every
// owned entity by dt, then publish ghost updates to structurally
// neighboring cells for anything that changed. It must only ever be
// called by the worker currently draining this cell.
func (c *Cell) Update(dt float64) {
	ctx := &Context{cell: c, router: c.router}

	for {
		msg, ok := c.inbox.Pop()
		if !ok {
			break
		}
		c.dispatch(ctx, msg)
	}

	for _, e := range c.entities {
		e.dirty = false
		c.workload.OnEntityUpdate(ctx, e, dt)
		c.stats.EntitiesUpdated++
	}

	c.publishGhosts()
}

// dispatch routes an inbound message to either built-in ghost/migration
// handling or the workload: ghost lifecycle and migration control
// messages are runtime-owned; everything else is handed to content.
func (c *Cell) dispatch(ctx *Context, msg Message) {
	c.stats.MessagesDispatched++
	switch msg.Kind {
	case MsgGhostCreate, MsgGhostUpdate:
		c.applyGhostUpsert(msg)
	case MsgGhostDestroy:
		delete(c.ghosts, msg.SrcGuid)
		c.stats.GhostsHosted = int64(len(c.ghosts))
	case MsgMigrationRequest, MsgMigrationAck, MsgMigrationComplete, MsgMigrationForward:
		c.router.HandleMigration(ctx, msg)
	default:
		if c.router.InterceptMessage(ctx, msg) {
			return
		}
		c.workload.OnMessage(ctx, msg)
	}
}

// DispatchDirect delivers msg straight to the workload, bypassing the
// ghost/migration routing in dispatch and the manager's migration-buffer
// intercept. Used by the cell manager when replaying buffered or
// forwarded messages that must not be re-buffered a second time.
func (c *Cell) DispatchDirect(ctx *Context, msg Message) {
	c.stats.MessagesDispatched++
	c.workload.OnMessage(ctx, msg)
}

func (c *Cell) applyGhostUpsert(msg Message) {
	snap, ok := msg.Payload.(*GhostSnapshot)
	if !ok {
		return
	}
	c.ghosts[msg.SrcGuid] = &Ghost{
		Guid:        msg.SrcGuid,
		OwnerCellID: msg.SrcCell,
		Snapshot:    *snap,
	}
	c.stats.GhostsHosted = int64(len(c.ghosts))
}

// publishGhosts republishes every entity this tick marked dirty (via
// Entity.MarkDirty) to the neighbor cells it should be visible to, and
// tears down ghosts for neighbors it has fallen out of range of. This is
// the owner-side half of the ghost lifecycle; applyGhostUpsert above is
// the host-side half.
func (c *Cell) publishGhosts() {
	neighbors := c.router.Neighbors(c.id)
	if len(neighbors) == 0 {
		return
	}
	for _, e := range c.entities {
		if !e.dirty {
			continue
		}
		visible := c.visibleNeighbors(e, neighbors)
		guidKey := guidBytes(e.Guid)
		firstGhost := !c.everGhosted.Lookup(guidKey)
		var prev map[CellID]struct{}
		if !firstGhost {
			prev = c.ghostedIn[e.Guid]
		}

		for n := range visible {
			_, already := prev[n]
			kind := MsgGhostUpdate
			if !already {
				kind = MsgGhostCreate
			}
			snap := c.snapshot(e)
			if debug.Enabled {
				nlog.Debugf("cell: %v publish %v guid=%d -> %v payload=%s", c.id, kind, e.Guid, n, debug.JSON(snap))
			}
			_ = c.router.Send(n, Message{
				Kind:    kind,
				SrcGuid: e.Guid,
				SrcCell: c.id,
				DstCell: n,
				Payload: &snap,
			})
			c.stats.GhostsSent++
		}
		for n := range prev {
			if _, stillVisible := visible[n]; stillVisible {
				continue
			}
			_ = c.router.Send(n, Message{
				Kind:    MsgGhostDestroy,
				SrcGuid: e.Guid,
				SrcCell: c.id,
				DstCell: n,
			})
		}
		if len(visible) == 0 {
			delete(c.ghostedIn, e.Guid)
		} else {
			c.ghostedIn[e.Guid] = visible
			if firstGhost {
				c.everGhosted.InsertUnique(guidKey)
			}
		}
	}
}

// guidBytes renders a guid as the byte key the cuckoo filter indexes on.
func guidBytes(guid uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], guid)
	return b[:]
}

// visibleNeighbors applies the distance half of the visibility predicate
// (distance <= VisibilityRadius AND same phase mask) against each
// structural neighbor's boundary. A cell, unlike a player, has no single
// phase of its own — it may host ghosts from several phases at once — so
// the phase half of the predicate is applied by workload code reading a
// ghost's Snapshot.Pos.Phase against whatever phase it cares about,
// rather than here at publish time.
func (c *Cell) visibleNeighbors(e *Entity, neighbors []CellID) map[CellID]struct{} {
	out := make(map[CellID]struct{}, len(neighbors))
	for _, n := range neighbors {
		if boundaryDist2(n, e.Pos.X, e.Pos.Y) <= VisibilityRadius*VisibilityRadius {
			out[n] = struct{}{}
		}
	}
	return out
}

func (c *Cell) snapshot(e *Entity) GhostSnapshot {
	return GhostSnapshot{
		Pos:       e.Pos,
		Kind:      e.Kind,
		Health:    e.Health,
		MaxHealth: e.MaxHealth,
		InCombat:  e.InCombat,
	}
}
