package replication

import (
	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/protocol"
)

type entityInstructions struct {
	spawn        bool
	predicted    bool
	interpolated bool
	spawnData    []protocol.ComponentData
	inserts      []protocol.ComponentData
	removes      []models.ComponentKind
	updates      []protocol.ComponentData
	despawn      bool
}

// groupBuffer collects everything one client must learn about one group this tick.
type groupBuffer struct {
	group    models.GroupID
	order    []models.EntityID
	entities map[models.EntityID]*entityInstructions
}

func newGroupBuffer(group models.GroupID) *groupBuffer {
	return &groupBuffer{group: group, entities: make(map[models.EntityID]*entityInstructions)}
}

func (b *groupBuffer) entity(e models.EntityID) *entityInstructions {
	in, ok := b.entities[e]
	if !ok {
		in = &entityInstructions{}
		b.entities[e] = in
		b.order = append(b.order, e)
	}
	return in
}

func (b *groupBuffer) spawn(e models.EntityID, components []protocol.ComponentData, predicted, interpolated bool) {
	in := b.entity(e)
	in.spawn = true
	in.predicted = predicted
	in.interpolated = interpolated
	in.spawnData = components
}

func (b *groupBuffer) insert(e models.EntityID, c protocol.ComponentData) {
	in := b.entity(e)
	in.inserts = append(in.inserts, c)
}

func (b *groupBuffer) remove(e models.EntityID, kind models.ComponentKind) {
	in := b.entity(e)
	in.removes = append(in.removes, kind)
}

func (b *groupBuffer) update(e models.EntityID, c protocol.ComponentData) {
	in := b.entity(e)
	in.updates = append(in.updates, c)
}

func (b *groupBuffer) despawn(e models.EntityID) {
	b.entity(e).despawn = true
}

// actions orders the buffer: every spawn, then inserts, removes and updates,
// then every despawn. A despawn drops the entity's other instructions; updates
// of a spawned entity are already part of its spawn.
func (b *groupBuffer) actions() []protocol.EntityAction {
	var spawns, changes, despawns []protocol.EntityAction
	for _, e := range b.order {
		in := b.entities[e]
		if in.despawn {
			if !in.spawn {
				despawns = append(despawns, protocol.EntityAction{Entity: e, Kind: protocol.ActionDespawn})
			}
			continue
		}
		if in.spawn {
			spawns = append(spawns, protocol.EntityAction{
				Entity:       e,
				Kind:         protocol.ActionSpawn,
				Components:   in.spawnData,
				Predicted:    in.predicted,
				Interpolated: in.interpolated,
			})
			continue
		}
		if len(in.inserts) > 0 {
			changes = append(changes, protocol.EntityAction{Entity: e, Kind: protocol.ActionInsert, Components: in.inserts})
		}
		if len(in.removes) > 0 {
			changes = append(changes, protocol.EntityAction{Entity: e, Kind: protocol.ActionRemove, Removed: in.removes})
		}
		if len(in.updates) > 0 {
			changes = append(changes, protocol.EntityAction{Entity: e, Kind: protocol.ActionUpdate, Components: in.updates})
		}
	}

	out := make([]protocol.EntityAction, 0, len(spawns)+len(changes)+len(despawns))
	out = append(out, spawns...)
	out = append(out, changes...)
	return append(out, despawns...)
}
