package replication

import (
	"fmt"
	"slices"

	"go.uber.org/multierr"

	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/protocol"
	"github.com/zeusync/netsync/internal/core/world"
)

// SpawnEvent reports a new Confirmed row.
type SpawnEvent struct {
	Entity       models.EntityID
	Remote       models.EntityID
	Group        models.GroupID
	Tick         models.Tick
	Predicted    bool
	Interpolated bool
	Components   []any
}

// ComponentEvent reports components written to a Confirmed row.
type ComponentEvent struct {
	Entity     models.EntityID
	Remote     models.EntityID
	Tick       models.Tick
	Components []any
}

// RemoveEvent reports components detached from a Confirmed row, with their last values.
type RemoveEvent struct {
	Entity     models.EntityID
	Remote     models.EntityID
	Tick       models.Tick
	Components []any
}

type DespawnEvent struct {
	Entity models.EntityID
	Remote models.EntityID
	Tick   models.Tick
}

// Hooks observe the confirmed world as the receiver changes it.
type Hooks interface {
	OnSpawn(ev SpawnEvent)
	OnInsert(ev ComponentEvent)
	OnUpdate(ev ComponentEvent)
	OnRemove(ev RemoveEvent)
	OnDespawn(ev DespawnEvent)
}

// NopHooks ignores every event. Embed it to implement only some hooks.
type NopHooks struct{}

func (NopHooks) OnSpawn(SpawnEvent)      {}
func (NopHooks) OnInsert(ComponentEvent) {}
func (NopHooks) OnUpdate(ComponentEvent) {}
func (NopHooks) OnRemove(RemoveEvent)    {}
func (NopHooks) OnDespawn(DespawnEvent)  {}

type groupState struct {
	// set once an action message was applied; the ticks below are valid from then on
	started        bool
	lastActionTick models.Tick
	lastUpdateTick models.Tick
	// update-only messages waiting for the action message they depend on
	parked []*protocol.GroupMessage
}

// Receiver applies group messages to the client's world as Confirmed rows.
type Receiver struct {
	world    *world.World
	registry *models.Registry
	hooks    Hooks
	logger   log.Log
	metrics  *metrics.Metrics

	pendingLimit int
	locals       map[models.EntityID]models.EntityID
	groups       map[models.GroupID]*groupState
}

func NewReceiver(w *world.World, registry *models.Registry, hooks Hooks, pendingLimit int, logger log.Log, m *metrics.Metrics) *Receiver {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if pendingLimit <= 0 {
		pendingLimit = 64
	}
	return &Receiver{
		world:        w,
		registry:     registry,
		hooks:        hooks,
		logger:       logger.With(log.Component("replication_receiver")),
		metrics:      m,
		pendingLimit: pendingLimit,
		locals:       make(map[models.EntityID]models.EntityID),
		groups:       make(map[models.GroupID]*groupState),
	}
}

// Local returns the Confirmed row mirroring a server entity.
func (r *Receiver) Local(remote models.EntityID) (models.EntityID, bool) {
	e, ok := r.locals[remote]
	return e, ok
}

// Len returns the number of mirrored entities.
func (r *Receiver) Len() int { return len(r.locals) }

func (r *Receiver) group(id models.GroupID) *groupState {
	g, ok := r.groups[id]
	if !ok {
		g = &groupState{}
		r.groups[id] = g
	}
	return g
}

// Receive applies msg. Update-only messages that are stale are counted and
// dropped; those ahead of their action message are parked until it arrives.
func (r *Receiver) Receive(msg *protocol.GroupMessage) error {
	g := r.group(msg.Group)

	if !msg.HasActions() {
		if g.started && !msg.Tick.After(g.lastUpdateTick) {
			r.metrics.StaleUpdates.Inc()
			return nil
		}
		if !g.started || msg.LastActionTick.After(g.lastActionTick) {
			if len(g.parked) >= r.pendingLimit {
				g.parked = g.parked[1:]
				r.metrics.StaleUpdates.Inc()
			}
			g.parked = append(g.parked, msg)
			return nil
		}
		g.lastUpdateTick = msg.Tick
		return r.apply(msg)
	}

	err := r.apply(msg)
	if !g.started || msg.Tick.After(g.lastActionTick) {
		g.lastActionTick = msg.Tick
	}
	if !g.started || msg.Tick.After(g.lastUpdateTick) {
		g.lastUpdateTick = msg.Tick
	}
	g.started = true
	return multierr.Append(err, r.replayParked(g))
}

func (r *Receiver) replayParked(g *groupState) error {
	if len(g.parked) == 0 {
		return nil
	}
	slices.SortStableFunc(g.parked, func(a, b *protocol.GroupMessage) int {
		return int(a.Tick.Diff(b.Tick))
	})

	var (
		err  error
		keep []*protocol.GroupMessage
	)
	for _, msg := range g.parked {
		switch {
		case msg.LastActionTick.After(g.lastActionTick):
			keep = append(keep, msg)
		case !msg.Tick.After(g.lastUpdateTick):
			r.metrics.StaleUpdates.Inc()
		default:
			g.lastUpdateTick = msg.Tick
			err = multierr.Append(err, r.apply(msg))
		}
	}
	g.parked = keep
	return err
}

func (r *Receiver) apply(msg *protocol.GroupMessage) error {
	var err error
	for i := range msg.Actions {
		err = multierr.Append(err, r.applyAction(msg.Group, msg.Tick, &msg.Actions[i]))
	}
	return err
}

func (r *Receiver) applyAction(group models.GroupID, tick models.Tick, a *protocol.EntityAction) error {
	local, known := r.locals[a.Entity]

	switch a.Kind {
	case protocol.ActionSpawn:
		components, err := r.decode(a.Components)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", a.Entity, err)
		}
		if known {
			if err := r.world.Insert(local, components...); err != nil {
				return err
			}
			r.touch(local, tick)
			r.hooks.OnInsert(ComponentEvent{Entity: local, Remote: a.Entity, Tick: tick, Components: components})
			return nil
		}
		local = r.world.Spawn(append([]any{models.Confirmed{Remote: a.Entity, Tick: tick}}, components...)...)
		r.locals[a.Entity] = local
		r.hooks.OnSpawn(SpawnEvent{
			Entity:       local,
			Remote:       a.Entity,
			Group:        group,
			Tick:         tick,
			Predicted:    a.Predicted,
			Interpolated: a.Interpolated,
			Components:   components,
		})
		return nil

	case protocol.ActionDespawn:
		if !known {
			return nil
		}
		delete(r.locals, a.Entity)
		r.world.Despawn(local)
		r.hooks.OnDespawn(DespawnEvent{Entity: local, Remote: a.Entity, Tick: tick})
		return nil
	}

	if !known {
		r.logger.Debug("instruction for unknown entity", log.EntityID(uint64(a.Entity)), log.String("action", a.Kind.String()))
		return nil
	}

	switch a.Kind {
	case protocol.ActionInsert, protocol.ActionUpdate:
		components, err := r.decode(a.Components)
		if err != nil {
			return fmt.Errorf("%s %s: %w", a.Kind, a.Entity, err)
		}
		if err := r.world.Insert(local, components...); err != nil {
			return err
		}
		r.touch(local, tick)
		ev := ComponentEvent{Entity: local, Remote: a.Entity, Tick: tick, Components: components}
		if a.Kind == protocol.ActionInsert {
			r.hooks.OnInsert(ev)
		} else {
			r.hooks.OnUpdate(ev)
		}
	case protocol.ActionRemove:
		var removed []any
		for _, kind := range a.Removed {
			info, ok := r.registry.Info(kind)
			if !ok {
				continue
			}
			if v, ok := r.world.Remove(local, info.Type); ok {
				removed = append(removed, v)
			}
		}
		r.touch(local, tick)
		r.hooks.OnRemove(RemoveEvent{Entity: local, Remote: a.Entity, Tick: tick, Components: removed})
	default:
		return fmt.Errorf("%w: action kind %d", protocol.ErrInvalidMessage, a.Kind)
	}
	return nil
}

func (r *Receiver) touch(local models.EntityID, tick models.Tick) {
	c, ok := world.Get[models.Confirmed](r.world, local)
	if !ok || !c.Tick.Before(tick) {
		return
	}
	c.Tick = tick
	_ = r.world.Insert(local, c)
}

func (r *Receiver) decode(data []protocol.ComponentData) ([]any, error) {
	out := make([]any, 0, len(data))
	for _, d := range data {
		v, err := r.registry.Decode(d.Kind, d.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Reset despawns every Confirmed row and forgets all group state. Used on disconnect.
func (r *Receiver) Reset(tick models.Tick) {
	remotes := make([]models.EntityID, 0, len(r.locals))
	for remote := range r.locals {
		remotes = append(remotes, remote)
	}
	slices.Sort(remotes)
	for _, remote := range remotes {
		local := r.locals[remote]
		r.world.Despawn(local)
		r.hooks.OnDespawn(DespawnEvent{Entity: local, Remote: remote, Tick: tick})
	}
	clear(r.locals)
	clear(r.groups)
}
