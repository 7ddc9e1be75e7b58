package replication

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"

	"go.uber.org/multierr"

	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/protocol"
	"github.com/zeusync/netsync/internal/core/world"
)

// Outgoing is one flushed group message for one client.
type Outgoing struct {
	Client  models.ClientID
	Message *protocol.GroupMessage
}

// Reliable reports whether the message carries actions and must use the ordered channel.
func (o Outgoing) Reliable() bool { return o.Message.HasActions() }

type bufferKey struct {
	client models.ClientID
	group  models.GroupID
}

type encodeKey struct {
	entity models.EntityID
	typ    reflect.Type
}

// Sender turns world changes into per-client, per-group replication messages.
// Collect and Flush run on the tick goroutine.
type Sender struct {
	registry   *models.Registry
	visibility *VisibilityEngine
	logger     log.Log
	metrics    *metrics.Metrics

	buffers        map[bufferKey]*groupBuffer
	lastActionTick map[bufferKey]models.Tick
	encoded        map[encodeKey]protocol.ComponentData
	warnedGroups   map[models.GroupID]struct{}
}

func NewSender(registry *models.Registry, visibility *VisibilityEngine, logger log.Log, m *metrics.Metrics) *Sender {
	if visibility == nil {
		visibility = NewVisibilityEngine(nil)
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Sender{
		registry:       registry,
		visibility:     visibility,
		logger:         logger.With(log.Component("replication_sender")),
		metrics:        m,
		buffers:        make(map[bufferKey]*groupBuffer),
		lastActionTick: make(map[bufferKey]models.Tick),
		encoded:        make(map[encodeKey]protocol.ComponentData),
		warnedGroups:   make(map[models.GroupID]struct{}),
	}
}

func (s *Sender) Visibility() *VisibilityEngine { return s.visibility }

// Collect records what every client in roster must learn from changes. It may
// be called more than once before Flush.
func (s *Sender) Collect(w World, changes world.ChangeSet, roster []models.ClientID) error {
	defer clear(s.encoded)

	roster = SortedRoster(roster)

	// destroyed entities and entities that stopped replicating
	for _, e := range sortedKeys(changes.Despawned) {
		s.visibility.rooms.ForgetEntity(e)
		if rep, ok := changes.Despawned[e][replicateType].(*Replicate); ok && rep != nil {
			s.despawnEverywhere(e, rep)
		}
	}
	for _, e := range sortedKeys(changes.Removed) {
		if rep, ok := changes.Removed[e][replicateType].(*Replicate); ok && rep != nil && !hasReplicate(w, e) {
			s.despawnEverywhere(e, rep)
		}
	}

	s.checkGroupCollisions(w)

	var errs []error
	for _, tr := range s.visibility.Evaluate(w, roster) {
		raw, _ := w.Get(tr.Entity, replicateType)
		rep := raw.(*Replicate)
		buf := s.buffer(tr.Client, rep.Group.ID(tr.Entity))

		switch tr.Visibility {
		case Gained:
			data, err := s.spawnComponents(w, tr.Entity)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			buf.spawn(tr.Entity, data,
				rep.PredictionTarget.ShouldSendTo(tr.Client),
				rep.InterpolationTarget.ShouldSendTo(tr.Client))
		case Maintained:
			if err := s.diff(w, changes, tr.Entity, buf); err != nil {
				errs = append(errs, err)
			}
		case Lost:
			buf.despawn(tr.Entity)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("collect replication changes: %w", multierr.Combine(errs...))
	}
	return nil
}

func (s *Sender) despawnEverywhere(e models.EntityID, rep *Replicate) {
	group := rep.Group.ID(e)
	for _, c := range rep.VisibleTo() {
		s.buffer(c, group).despawn(e)
		rep.forget(c)
	}
}

func (s *Sender) spawnComponents(w World, e models.EntityID) ([]protocol.ComponentData, error) {
	var out []protocol.ComponentData
	for _, c := range w.Components(e) {
		info, ok := s.registry.InfoOf(c)
		if !ok || !info.Mode.SendsOnSpawn() {
			continue
		}
		data, err := s.encode(e, info, c)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	slices.SortFunc(out, func(a, b protocol.ComponentData) int { return cmp.Compare(a.Kind, b.Kind) })
	return out, nil
}

func (s *Sender) diff(w World, changes world.ChangeSet, e models.EntityID, buf *groupBuffer) error {
	// Once components travel with the spawn only, so a late insert is not sent.
	for _, typ := range changes.Inserted[e] {
		info, ok := s.registry.InfoFor(typ)
		if !ok || !info.Mode.SendsUpdates() {
			continue
		}
		v, ok := w.Get(e, typ)
		if !ok {
			continue
		}
		data, err := s.encode(e, info, v)
		if err != nil {
			return err
		}
		buf.insert(e, data)
	}
	for _, typ := range changes.Updated[e] {
		info, ok := s.registry.InfoFor(typ)
		if !ok || !info.Mode.SendsUpdates() {
			continue
		}
		v, ok := w.Get(e, typ)
		if !ok {
			continue
		}
		data, err := s.encode(e, info, v)
		if err != nil {
			return err
		}
		buf.update(e, data)
	}
	var removed []models.ComponentKind
	for typ := range changes.Removed[e] {
		info, ok := s.registry.InfoFor(typ)
		if !ok || !info.Mode.SendsOnSpawn() {
			continue
		}
		removed = append(removed, info.Kind)
	}
	slices.Sort(removed)
	for _, kind := range removed {
		buf.remove(e, kind)
	}
	return nil
}

// encode serialises a component once per Collect, whatever the number of clients.
func (s *Sender) encode(e models.EntityID, info *models.ComponentInfo, v any) (protocol.ComponentData, error) {
	key := encodeKey{entity: e, typ: info.Type}
	if data, ok := s.encoded[key]; ok {
		return data, nil
	}
	kind, raw, err := s.registry.Encode(v)
	if err != nil {
		return protocol.ComponentData{}, fmt.Errorf("encode %s on %s: %w", info.Name, e, err)
	}
	data := protocol.ComponentData{Kind: kind, Data: raw}
	s.encoded[key] = data
	return data, nil
}

// checkGroupCollisions warns once per id when an explicit group id equals the
// id of an entity that forms its own group.
func (s *Sender) checkGroupCollisions(w World) {
	explicit := make(map[models.GroupID]struct{})
	derived := make(map[models.GroupID]struct{})
	for _, e := range w.With(replicateType) {
		raw, _ := w.Get(e, replicateType)
		rep, ok := raw.(*Replicate)
		if !ok || rep == nil {
			continue
		}
		if rep.Group.Explicit() {
			explicit[rep.Group.ID(e)] = struct{}{}
		} else {
			derived[rep.Group.ID(e)] = struct{}{}
		}
	}
	for id := range explicit {
		if _, clash := derived[id]; !clash {
			continue
		}
		if _, warned := s.warnedGroups[id]; warned {
			continue
		}
		s.warnedGroups[id] = struct{}{}
		s.logger.Warn("explicit replication group id collides with an entity-derived group", log.GroupID(uint64(id)))
	}
}

func (s *Sender) buffer(client models.ClientID, group models.GroupID) *groupBuffer {
	key := bufferKey{client: client, group: group}
	buf, ok := s.buffers[key]
	if !ok {
		buf = newGroupBuffer(group)
		s.buffers[key] = buf
	}
	return buf
}

// Flush emits one message per (client, group) with pending instructions,
// ordered by client then group, and clears the buffers.
func (s *Sender) Flush(tick models.Tick) []Outgoing {
	keys := make([]bufferKey, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b bufferKey) int {
		if c := cmp.Compare(a.client, b.client); c != 0 {
			return c
		}
		return cmp.Compare(a.group, b.group)
	})

	var out []Outgoing
	for _, k := range keys {
		actions := s.buffers[k].actions()
		if len(actions) == 0 {
			continue
		}
		msg := &protocol.GroupMessage{Group: k.group, Tick: tick, Actions: actions}
		if msg.HasActions() {
			s.lastActionTick[k] = tick
		}
		msg.LastActionTick = s.lastActionTick[k]

		for i := range actions {
			s.metrics.ReplicationActions.WithLabelValues(actions[i].Kind.String()).Inc()
		}
		out = append(out, Outgoing{Client: k.client, Message: msg})
	}
	clear(s.buffers)
	return out
}

// RemoveClient forgets a disconnected client: its buffers, its group history and
// its visibility records, so a reconnect starts with fresh spawns.
func (s *Sender) RemoveClient(w World, client models.ClientID) {
	for k := range s.buffers {
		if k.client == client {
			delete(s.buffers, k)
		}
	}
	for k := range s.lastActionTick {
		if k.client == client {
			delete(s.lastActionTick, k)
		}
	}
	s.visibility.Forget(w, client)
}

func hasReplicate(w World, e models.EntityID) bool {
	_, ok := w.Get(e, replicateType)
	return ok
}

func sortedKeys[V any](m map[models.EntityID]V) []models.EntityID {
	out := make([]models.EntityID, 0, len(m))
	for e := range m {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}
