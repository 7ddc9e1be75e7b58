package client

import (
	"github.com/zeusync/netsync/internal/core/events/bus"
	"github.com/zeusync/netsync/internal/core/replication"
)

// hooks routes confirmed-world changes to prediction, interpolation and the bus.
// Predicted and interpolated copies are updated before user handlers run.
type hooks[I any] struct {
	c *Client[I]
}

func (h hooks[I]) OnSpawn(ev replication.SpawnEvent) {
	if ev.Predicted {
		h.c.prediction.OnSpawn(ev.Entity, ev.Tick)
	}
	if ev.Interpolated {
		h.c.interpolation.OnSpawn(ev.Entity, ev.Tick)
	}
	h.c.publish(bus.EntitySpawned, ev)
}

func (h hooks[I]) OnInsert(ev replication.ComponentEvent) {
	h.c.prediction.OnConfirmedInsert(ev.Entity, ev.Tick, ev.Components)
	h.c.interpolation.OnConfirmedInsert(ev.Entity, ev.Tick, ev.Components)
	h.c.publish(bus.ComponentInserted, ev)
}

func (h hooks[I]) OnUpdate(ev replication.ComponentEvent) {
	h.c.prediction.OnConfirmedUpdate(ev.Entity, ev.Tick, ev.Components)
	h.c.interpolation.OnConfirmedUpdate(ev.Entity, ev.Tick, ev.Components)
	h.c.publish(bus.ComponentUpdated, ev)
}

func (h hooks[I]) OnRemove(ev replication.RemoveEvent) {
	h.c.prediction.OnConfirmedRemove(ev.Entity, ev.Components)
	h.c.interpolation.OnConfirmedRemove(ev.Entity, ev.Components)
	h.c.publish(bus.ComponentRemoved, ev)
}

// OnDespawn runs after the Confirmed row is gone, so the copies are found as orphans.
func (h hooks[I]) OnDespawn(ev replication.DespawnEvent) {
	h.c.prediction.Prune()
	h.c.interpolation.Prune()
	h.c.publish(bus.EntityDespawned, ev)
}
