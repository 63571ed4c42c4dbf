package cell

// MessageKind is the closed enumeration of everything cells say to each
// other, grouped by concern. Cross-cell communication never uses
// anything else; a Cell never reaches into a neighbor cell's entity list
// directly, only ever exchanges Messages through its inbox.
type MessageKind uint8

const (
	// Combat.
	MsgSpellHit MessageKind = iota
	MsgMeleeDamage
	MsgHeal
	MsgAuraApply
	MsgAuraRemove

	// Movement.
	MsgEntityEntering
	MsgEntityLeaving
	MsgPositionUpdate

	// State sync.
	MsgHealthChanged
	MsgPowerChanged
	MsgAuraStateSync
	MsgCombatStateChanged
	MsgPhaseChanged

	// Ghost lifecycle.
	MsgGhostCreate
	MsgGhostUpdate
	MsgGhostDestroy

	// Migration.
	MsgMigrationRequest
	MsgMigrationAck
	MsgMigrationComplete
	MsgMigrationForward

	// Threat/AI.
	MsgThreatUpdate
	MsgAggroRequest
	MsgCombatInitiated
	MsgTargetSwitch
	MsgEvadeTriggered
	MsgAssistanceRequest

	// Pet.
	MsgPetRemoval
)

var messageKindNames = [...]string{
	"SpellHit", "MeleeDamage", "Heal", "AuraApply", "AuraRemove",
	"EntityEntering", "EntityLeaving", "PositionUpdate",
	"HealthChanged", "PowerChanged", "AuraStateSync", "CombatStateChanged", "PhaseChanged",
	"GhostCreate", "GhostUpdate", "GhostDestroy",
	"MigrationRequest", "MigrationAck", "MigrationComplete", "MigrationForward",
	"ThreatUpdate", "AggroRequest", "CombatInitiated", "TargetSwitch", "EvadeTriggered", "AssistanceRequest",
	"PetRemoval",
}

func (k MessageKind) String() string {
	if int(k) < len(messageKindNames) {
		return messageKindNames[k]
	}
	return "Unknown"
}

// Message is the tagged union every cross-cell communication uses.
// Lightweight kinds (movement, aura apply/remove, scalar state sync) are
// carried inline in Ints/Floats to avoid an allocation per send; the
// heavier kinds — SpellHit, MeleeDamage, Heal, ThreatUpdate,
// AggroRequest, AssistanceRequest, PetRemoval, MigrationRequest — plus
// GhostCreate, GhostUpdate and the migration control kinds, go through
// Payload. GhostDestroy carries no payload.
type Message struct {
	Kind MessageKind

	SrcGuid, DstGuid uint64
	SrcCell, DstCell CellID

	// Ints/Floats carry inline scalar payload for lightweight kinds:
	// PositionUpdate uses Floats[0:3]=x,y,z and Ints[0]=phase;
	// HealthChanged uses Floats[0:2]=health,maxHealth; PowerChanged
	// uses Floats[0:2]=power,maxPower; CombatStateChanged and
	// PhaseChanged use Ints[0].
	Ints   [3]int64
	Floats [3]float64

	Payload any
}

// SpellHitPayload is the Payload for MsgSpellHit.
type SpellHitPayload struct {
	SpellID uint32
	Damage  float64
	Crit    bool
}

// MeleeDamagePayload is the Payload for MsgMeleeDamage.
type MeleeDamagePayload struct {
	Damage float64
	Crit   bool
}

// HealPayload is the Payload for MsgHeal.
type HealPayload struct {
	Amount  float64
	SpellID uint32
}

// ThreatPayload is the Payload for MsgThreatUpdate.
type ThreatPayload struct {
	Delta  float64
	Source uint64
}

// AggroRequestPayload is the Payload for MsgAggroRequest.
type AggroRequestPayload struct {
	Radius float64
}

// AssistanceRequestPayload is the Payload for MsgAssistanceRequest.
type AssistanceRequestPayload struct {
	Reason string
}

// PetRemovalPayload is the Payload for MsgPetRemoval.
type PetRemovalPayload struct {
	OwnerGuid uint64
}

// StateSyncPayload is the Payload for MsgAuraStateSync, where the aura
// list can't fit inline scalars.
type StateSyncPayload struct {
	Auras []AuraState
}

// MigrationSnapshot is the Payload for MsgMigrationRequest: the full
// entity record the owner captured before sending, plus the migration's
// id.
type MigrationSnapshot struct {
	MigrationID string
	Entity      Entity
}

// MigrationAckPayload is the Payload for MsgMigrationAck.
type MigrationAckPayload struct {
	MigrationID string
	Accepted    bool
}

// MigrationMeta is the Payload for MsgMigrationComplete.
type MigrationMeta struct {
	MigrationID string
}

// MigrationForwardPayload is the Payload for MsgMigrationForward: one
// buffered message the old owner is replaying to the new owner, in the
// order it originally arrived.
type MigrationForwardPayload struct {
	MigrationID string
	Original    Message
}
