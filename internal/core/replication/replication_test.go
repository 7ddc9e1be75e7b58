package replication

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/protocol"
	"github.com/zeusync/netsync/internal/core/world"
)

type position struct{ X, Y float32 }
type color struct{ R, G, B uint8 }
type label struct{ Text string }
type secret struct{ Value int }

func testRegistry() *models.Registry {
	r := models.NewRegistry()
	models.MustRegister[position](r, "position", models.SyncFull)
	models.MustRegister[color](r, "color", models.SyncSimple)
	models.MustRegister[label](r, "label", models.SyncOnce)
	models.MustRegister[secret](r, "secret", models.SyncNone)
	return r
}

type fixture struct {
	registry *models.Registry
	world    *world.World
	sender   *Sender
	metrics  *metrics.Metrics
	tick     models.Tick
}

func newFixture() *fixture {
	reg := testRegistry()
	m := metrics.NewNop()
	return &fixture{
		registry: reg,
		world:    world.New(),
		sender:   NewSender(reg, nil, log.NewNop(), m),
		metrics:  m,
	}
}

// step runs one server tick of replication.
func (f *fixture) step(t *testing.T, roster ...models.ClientID) []Outgoing {
	t.Helper()
	f.tick++
	require.NoError(t, f.sender.Collect(f.world, f.world.Changes(), roster))
	return f.sender.Flush(f.tick)
}

func forClient(out []Outgoing, c models.ClientID) []Outgoing {
	var res []Outgoing
	for _, o := range out {
		if o.Client == c {
			res = append(res, o)
		}
	}
	return res
}

func kinds(msg *protocol.GroupMessage) []protocol.ActionKind {
	out := make([]protocol.ActionKind, 0, len(msg.Actions))
	for _, a := range msg.Actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestVisibility_Transitions(t *testing.T) {
	w := world.New()
	rep := NewReplicate()
	rep.Target = Only(1)
	e := w.Spawn(rep)
	engine := NewVisibilityEngine(nil)
	roster := []models.ClientID{1, 2}

	assert.Equal(t, []Transition{{e, 1, Gained}}, engine.Evaluate(w, roster))
	assert.Equal(t, []Transition{{e, 1, Maintained}}, engine.Evaluate(w, roster))

	rep.Target = NoClients()
	assert.Equal(t, []Transition{{e, 1, Lost}}, engine.Evaluate(w, roster))
	assert.Empty(t, engine.Evaluate(w, roster), "lost record removed, absent stays absent")
	_, ok := rep.Visibility(1)
	assert.False(t, ok)

	rep.Target = AllClients()
	assert.Equal(t, []Transition{{e, 1, Gained}, {e, 2, Gained}}, engine.Evaluate(w, roster))

	// client 2 left: its record is dropped without a transition
	assert.Equal(t, []Transition{{e, 1, Maintained}}, engine.Evaluate(w, []models.ClientID{1}))
	_, ok = rep.Visibility(2)
	assert.False(t, ok)
}

func TestVisibility_LostThenVisibleAgainIsGained(t *testing.T) {
	w := world.New()
	rep := NewReplicate()
	e := w.Spawn(rep)
	engine := NewVisibilityEngine(nil)

	engine.Evaluate(w, []models.ClientID{1})
	rep.Target = NoClients()
	assert.Equal(t, []Transition{{e, 1, Lost}}, engine.Evaluate(w, []models.ClientID{1}))
	rep.Target = AllClients()
	assert.Equal(t, []Transition{{e, 1, Gained}}, engine.Evaluate(w, []models.ClientID{1}))
}

func TestVisibility_UnknownClientInTargetIsInert(t *testing.T) {
	w := world.New()
	rep := NewReplicate()
	rep.Target = Only(42)
	w.Spawn(rep)

	assert.Empty(t, NewVisibilityEngine(nil).Evaluate(w, []models.ClientID{1}))
}

func TestVisibility_RoomMode(t *testing.T) {
	w := world.New()
	rooms := NewRoomManager()
	engine := NewVisibilityEngine(rooms)

	rep := NewReplicate()
	rep.Mode = ModeRoom
	e := w.Spawn(rep)

	assert.Empty(t, engine.Evaluate(w, []models.ClientID{1}))

	rooms.AddEntity(5, e)
	rooms.AddClient(5, 1)
	assert.Equal(t, []Transition{{e, 1, Gained}}, engine.Evaluate(w, []models.ClientID{1}))

	rooms.RemoveClient(5, 1)
	assert.Equal(t, []Transition{{e, 1, Lost}}, engine.Evaluate(w, []models.ClientID{1}))
}

func TestSender_GainedSendsSpawnFirst(t *testing.T) {
	f := newFixture()
	rep := NewReplicate()
	rep.PredictionTarget = Only(1)
	e := f.world.Spawn(rep, position{1, 2}, color{R: 9}, label{"hero"}, secret{7})

	// an update in the same tick folds into the spawn
	require.NoError(t, f.world.Insert(e, position{3, 4}))

	out := f.step(t, 1, 2)
	require.Len(t, out, 2)

	for _, o := range out {
		require.True(t, o.Reliable())
		msg := o.Message
		assert.Equal(t, models.GroupID(e), msg.Group)
		assert.Equal(t, f.tick, msg.LastActionTick)
		require.Equal(t, []protocol.ActionKind{protocol.ActionSpawn}, kinds(msg))

		spawn := msg.Actions[0]
		assert.Equal(t, e, spawn.Entity)
		assert.Equal(t, o.Client == 1, spawn.Predicted)
		assert.False(t, spawn.Interpolated)
		require.Len(t, spawn.Components, 3, "None components never travel")

		v, err := f.registry.Decode(spawn.Components[0].Kind, spawn.Components[0].Data)
		require.NoError(t, err)
		assert.Equal(t, position{3, 4}, v)
	}
}

func TestSender_MaintainedSendsDiffs(t *testing.T) {
	f := newFixture()
	e := f.world.Spawn(NewReplicate(), position{}, color{}, label{"a"})
	f.step(t, 1)
	spawnTick := f.tick

	assert.Empty(t, f.step(t, 1), "nothing changed")

	require.NoError(t, f.world.Insert(e, position{X: 1}, label{"b"}))
	out := f.step(t, 1)
	require.Len(t, out, 1)
	assert.False(t, out[0].Reliable(), "update-only goes unreliable")
	assert.Equal(t, spawnTick, out[0].Message.LastActionTick)
	require.Equal(t, []protocol.ActionKind{protocol.ActionUpdate}, kinds(out[0].Message))
	assert.Len(t, out[0].Message.Actions[0].Components, 1, "once components never update")

	_, removed := world.Remove[color](f.world, e)
	require.True(t, removed)
	require.NoError(t, f.world.Insert(e, secret{1}))
	out = f.step(t, 1)
	require.Len(t, out, 1)
	assert.True(t, out[0].Reliable())
	assert.Equal(t, f.tick, out[0].Message.LastActionTick)
	require.Equal(t, []protocol.ActionKind{protocol.ActionRemove}, kinds(out[0].Message))
	colorInfo, _ := f.registry.Lookup("color")
	assert.Equal(t, []models.ComponentKind{colorInfo.Kind}, out[0].Message.Actions[0].Removed)

	require.NoError(t, f.world.Insert(e, color{G: 1}))
	out = f.step(t, 1)
	require.Len(t, out, 1)
	assert.Equal(t, []protocol.ActionKind{protocol.ActionInsert}, kinds(out[0].Message))
}

func TestSender_GroupOrdering(t *testing.T) {
	f := newFixture()
	group := ExplicitGroup(1 << 40)

	existing := NewReplicate()
	existing.Group = group
	a := f.world.Spawn(existing, position{})
	doomed := NewReplicate()
	doomed.Group = group
	b := f.world.Spawn(doomed, position{})
	f.step(t, 1)

	require.NoError(t, f.world.Insert(a, position{X: 5}))
	f.world.Despawn(b)
	fresh := NewReplicate()
	fresh.Group = group
	c := f.world.Spawn(fresh, position{})

	out := f.step(t, 1)
	require.Len(t, out, 1, "one message per group and client")
	msg := out[0].Message
	assert.Equal(t, models.GroupID(1<<40), msg.Group)
	assert.Equal(t, []protocol.ActionKind{protocol.ActionSpawn, protocol.ActionUpdate, protocol.ActionDespawn}, kinds(msg))
	assert.Equal(t, []models.EntityID{c, a, b}, []models.EntityID{msg.Actions[0].Entity, msg.Actions[1].Entity, msg.Actions[2].Entity})
}

func TestSender_DespawnSuppressesUpdates(t *testing.T) {
	f := newFixture()
	rep := NewReplicate()
	e := f.world.Spawn(rep, position{})
	f.step(t, 1, 2)

	require.NoError(t, f.world.Insert(e, position{X: 1}))
	rep.Target = AllExcept(1)

	out := f.step(t, 1, 2)
	require.Len(t, out, 2)
	assert.Equal(t, []protocol.ActionKind{protocol.ActionDespawn}, kinds(forClient(out, 1)[0].Message))
	assert.Equal(t, []protocol.ActionKind{protocol.ActionUpdate}, kinds(forClient(out, 2)[0].Message))

	// the lost record is gone next tick and nothing is sent to client 1
	assert.Empty(t, forClient(f.step(t, 1, 2), 1))
}

func TestSender_WorldDespawnAndReplicateRemoval(t *testing.T) {
	f := newFixture()
	a := f.world.Spawn(NewReplicate(), position{})
	b := f.world.Spawn(NewReplicate(), position{})
	f.step(t, 1)

	f.world.Despawn(a)
	_, ok := world.Remove[*Replicate](f.world, b)
	require.True(t, ok)

	out := f.step(t, 1)
	require.Len(t, out, 2)
	for _, o := range out {
		assert.Equal(t, []protocol.ActionKind{protocol.ActionDespawn}, kinds(o.Message))
	}
	assert.Empty(t, f.step(t, 1))
}

func TestSender_SpawnAndDespawnSameTickSendsNothing(t *testing.T) {
	f := newFixture()
	e := f.world.Spawn(NewReplicate(), position{})
	f.world.Despawn(e)
	assert.Empty(t, f.step(t, 1))
}

func TestSender_RemoveClientRespawnsOnReconnect(t *testing.T) {
	f := newFixture()
	f.world.Spawn(NewReplicate(), position{})
	f.step(t, 1)

	f.sender.RemoveClient(f.world, 1)
	out := f.step(t, 1)
	require.Len(t, out, 1)
	assert.Equal(t, []protocol.ActionKind{protocol.ActionSpawn}, kinds(out[0].Message))
}

func TestSender_GroupCollisionIsLogged(t *testing.T) {
	f := newFixture()
	a := f.world.Spawn(NewReplicate())
	rep := NewReplicate()
	rep.Group = ExplicitGroup(uint64(a))
	f.world.Spawn(rep)

	f.step(t, 1)
	_, warned := f.sender.warnedGroups[models.GroupID(a)]
	assert.True(t, warned)
}

func TestSender_CountsActions(t *testing.T) {
	f := newFixture()
	f.world.Spawn(NewReplicate(), position{})
	f.step(t, 1, 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.ReplicationActions.WithLabelValues("spawn")))
}

type recordedHooks struct {
	NopHooks
	spawns   []SpawnEvent
	updates  []ComponentEvent
	removes  []RemoveEvent
	despawns []DespawnEvent
}

func (h *recordedHooks) OnSpawn(ev SpawnEvent)      { h.spawns = append(h.spawns, ev) }
func (h *recordedHooks) OnUpdate(ev ComponentEvent) { h.updates = append(h.updates, ev) }
func (h *recordedHooks) OnRemove(ev RemoveEvent)    { h.removes = append(h.removes, ev) }
func (h *recordedHooks) OnDespawn(ev DespawnEvent)  { h.despawns = append(h.despawns, ev) }

func TestReceiver_EndToEnd(t *testing.T) {
	f := newFixture()
	codec := protocol.NewCodec(64)

	clientWorld := world.NewUntracked()
	hooks := &recordedHooks{}
	m := metrics.NewNop()
	recv := NewReceiver(clientWorld, f.registry, hooks, 8, log.NewNop(), m)

	deliver := func(out []Outgoing) {
		for _, o := range out {
			data, err := codec.Marshal(o.Message)
			require.NoError(t, err)
			var msg protocol.GroupMessage
			require.NoError(t, codec.Unmarshal(data, &msg))
			require.NoError(t, recv.Receive(&msg))
		}
	}

	rep := NewReplicate()
	rep.InterpolationTarget = AllClients()
	e := f.world.Spawn(rep, position{1, 1}, label{"hero"})
	deliver(f.step(t, 1))

	local, ok := recv.Local(e)
	require.True(t, ok)
	require.Len(t, hooks.spawns, 1)
	assert.True(t, hooks.spawns[0].Interpolated)
	p, _ := world.Get[position](clientWorld, local)
	assert.Equal(t, position{1, 1}, p)
	confirmed, _ := world.Get[models.Confirmed](clientWorld, local)
	assert.Equal(t, e, confirmed.Remote)

	require.NoError(t, f.world.Insert(e, position{2, 2}))
	deliver(f.step(t, 1))
	p, _ = world.Get[position](clientWorld, local)
	assert.Equal(t, position{2, 2}, p)
	confirmed, _ = world.Get[models.Confirmed](clientWorld, local)
	assert.Equal(t, f.tick, confirmed.Tick)
	require.Len(t, hooks.updates, 1)

	require.NoError(t, f.world.Insert(e, label{"ignored"}))
	_, _ = world.Remove[position](f.world, e)
	deliver(f.step(t, 1))
	assert.False(t, world.Has[position](clientWorld, local))
	require.Len(t, hooks.removes, 1)
	assert.Equal(t, []any{position{2, 2}}, hooks.removes[0].Components)

	f.world.Despawn(e)
	deliver(f.step(t, 1))
	assert.False(t, clientWorld.Exists(local))
	assert.Equal(t, 0, recv.Len())
	require.Len(t, hooks.despawns, 1)
}

func TestReceiver_StaleAndParkedUpdates(t *testing.T) {
	reg := testRegistry()
	clientWorld := world.NewUntracked()
	m := metrics.NewNop()
	recv := NewReceiver(clientWorld, reg, nil, 8, log.NewNop(), m)

	remote := models.NewEntityID(3, 1)
	enc := func(v any) protocol.ComponentData {
		kind, data, err := reg.Encode(v)
		require.NoError(t, err)
		return protocol.ComponentData{Kind: kind, Data: data}
	}
	update := func(tick, lastAction models.Tick, x float32) *protocol.GroupMessage {
		return &protocol.GroupMessage{
			Group:          7,
			Tick:           tick,
			LastActionTick: lastAction,
			Actions: []protocol.EntityAction{{
				Entity: remote, Kind: protocol.ActionUpdate, Components: []protocol.ComponentData{enc(position{X: x})},
			}},
		}
	}

	// the update overtook its spawn: parked
	require.NoError(t, recv.Receive(update(6, 5, 6)))
	assert.Equal(t, 0, recv.Len())

	spawn := &protocol.GroupMessage{
		Group: 7, Tick: 5, LastActionTick: 5,
		Actions: []protocol.EntityAction{{
			Entity: remote, Kind: protocol.ActionSpawn, Components: []protocol.ComponentData{enc(position{X: 5})},
		}},
	}
	require.NoError(t, recv.Receive(spawn))

	local, ok := recv.Local(remote)
	require.True(t, ok)
	p, _ := world.Get[position](clientWorld, local)
	assert.Equal(t, float32(6), p.X, "parked update replayed after the spawn")

	require.NoError(t, recv.Receive(update(8, 5, 8)))
	require.NoError(t, recv.Receive(update(7, 5, 7)))
	p, _ = world.Get[position](clientWorld, local)
	assert.Equal(t, float32(8), p.X)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StaleUpdates))
}

func TestReceiver_TicksAcrossWrap(t *testing.T) {
	reg := testRegistry()
	clientWorld := world.NewUntracked()
	m := metrics.NewNop()
	recv := NewReceiver(clientWorld, reg, nil, 8, log.NewNop(), m)

	remote := models.NewEntityID(4, 1)
	enc := func(v any) protocol.ComponentData {
		kind, data, err := reg.Encode(v)
		require.NoError(t, err)
		return protocol.ComponentData{Kind: kind, Data: data}
	}
	message := func(kind protocol.ActionKind, tick, lastAction models.Tick, x float32) *protocol.GroupMessage {
		return &protocol.GroupMessage{
			Group:          9,
			Tick:           tick,
			LastActionTick: lastAction,
			Actions: []protocol.EntityAction{{
				Entity: remote, Kind: kind, Components: []protocol.ComponentData{enc(position{X: x})},
			}},
		}
	}
	spawnTick := models.Tick(math.MaxUint32 - 1)

	// an update from after the wrap still waits for its spawn
	require.NoError(t, recv.Receive(message(protocol.ActionUpdate, 0, spawnTick, 0)))
	assert.Equal(t, 0, recv.Len())

	require.NoError(t, recv.Receive(message(protocol.ActionSpawn, spawnTick, spawnTick, 1)))
	local, ok := recv.Local(remote)
	require.True(t, ok)
	p, _ := world.Get[position](clientWorld, local)
	assert.Equal(t, float32(0), p.X, "parked update replayed after the spawn")

	require.NoError(t, recv.Receive(message(protocol.ActionUpdate, 2, spawnTick, 2)))
	require.NoError(t, recv.Receive(message(protocol.ActionUpdate, math.MaxUint32, spawnTick, 9)))
	p, _ = world.Get[position](clientWorld, local)
	assert.Equal(t, float32(2), p.X, "the pre-wrap update is older")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StaleUpdates))

	confirmed, _ := world.Get[models.Confirmed](clientWorld, local)
	assert.Equal(t, models.Tick(2), confirmed.Tick)
}

func TestReceiver_Reset(t *testing.T) {
	f := newFixture()
	clientWorld := world.NewUntracked()
	hooks := &recordedHooks{}
	recv := NewReceiver(clientWorld, f.registry, hooks, 8, log.NewNop(), nil)

	f.world.Spawn(NewReplicate(), position{})
	f.world.Spawn(NewReplicate(), position{})
	for _, o := range f.step(t, 1) {
		require.NoError(t, recv.Receive(o.Message))
	}
	require.Equal(t, 2, recv.Len())

	recv.Reset(f.tick)
	assert.Equal(t, 0, recv.Len())
	assert.Equal(t, 0, clientWorld.Len())
	assert.Len(t, hooks.despawns, 2)
}
