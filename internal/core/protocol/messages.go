package protocol

import "github.com/zeusync/netsync/internal/core/models"

// ActionKind tags one replication instruction.
type ActionKind uint8

const (
	ActionSpawn ActionKind = iota + 1
	ActionInsert
	ActionRemove
	ActionUpdate
	ActionDespawn
)

func (k ActionKind) String() string {
	switch k {
	case ActionSpawn:
		return "spawn"
	case ActionInsert:
		return "insert"
	case ActionRemove:
		return "remove"
	case ActionUpdate:
		return "update"
	case ActionDespawn:
		return "despawn"
	default:
		return "unknown"
	}
}

// IsAction reports whether the instruction changes entity structure and must travel reliably.
func (k ActionKind) IsAction() bool {
	return k != ActionUpdate
}

// ComponentData is one encoded component value.
type ComponentData struct {
	Kind models.ComponentKind `msgpack:"k"`
	Data []byte               `msgpack:"d"`
}

// EntityAction is one instruction for one entity.
type EntityAction struct {
	Entity     models.EntityID        `msgpack:"e"`
	Kind       ActionKind             `msgpack:"a"`
	Components []ComponentData        `msgpack:"c,omitempty"`
	Removed    []models.ComponentKind `msgpack:"r,omitempty"`
	// Spawn only: the receiving client should build predicted/interpolated copies.
	Predicted    bool `msgpack:"p,omitempty"`
	Interpolated bool `msgpack:"i,omitempty"`
}

// GroupMessage carries every instruction for one replication group, for one client, for one tick.
type GroupMessage struct {
	Group models.GroupID `msgpack:"g"`
	Tick  models.Tick    `msgpack:"t"`
	// LastActionTick is the tick of the newest action message sent for this group.
	// Update-only messages wait on the receiver until that action has been applied.
	LastActionTick models.Tick    `msgpack:"l"`
	Actions        []EntityAction `msgpack:"x"`
}

// HasActions reports whether the message must use the reliable ordered channel.
func (m *GroupMessage) HasActions() bool {
	for i := range m.Actions {
		if m.Actions[i].Kind.IsAction() {
			return true
		}
	}
	return false
}

// InputMessage carries the newest input and a window of previous ones.
// Inputs[i] is the encoded input for Tick-i; a nil entry means no input for that tick.
type InputMessage struct {
	Tick   models.Tick `msgpack:"t"`
	Inputs [][]byte    `msgpack:"i"`
}

// PingMessage travels both ways; the server answers a ping with Pong set and its tick.
type PingMessage struct {
	ID         uint32      `msgpack:"id"`
	SentAt     int64       `msgpack:"s"`
	Pong       bool        `msgpack:"p,omitempty"`
	ServerTick models.Tick `msgpack:"t,omitempty"`
}
