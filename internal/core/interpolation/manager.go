package interpolation

import (
	"reflect"
	"time"

	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/world"
)

type Config struct {
	Delay         Delay
	TickDuration  time.Duration
	HistoryLength int
}

type historyKey struct {
	entity models.EntityID
	typ    reflect.Type
}

// Manager owns the Interpolated rows of the client world. Full components are
// rendered between buffered confirmed samples; other components are copied on arrival.
type Manager struct {
	world    *world.World
	registry *models.Registry
	cfg      Config
	logger   log.Log

	histories map[historyKey]*History
}

func NewManager(w *world.World, registry *models.Registry, cfg Config, logger log.Log) *Manager {
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = 32
	}
	return &Manager{
		world:     w,
		registry:  registry,
		cfg:       cfg,
		logger:    logger.With(log.Component("interpolation")),
		histories: make(map[historyKey]*History),
	}
}

// DelayTicks returns the configured delay in ticks.
func (m *Manager) DelayTicks() float64 {
	return m.cfg.Delay.Ticks(m.cfg.TickDuration)
}

func (m *Manager) InterpolatedOf(confirmed models.EntityID) (models.EntityID, bool) {
	c, ok := world.Get[models.Confirmed](m.world, confirmed)
	if !ok || !c.Interpolated.IsValid() || !m.world.Exists(c.Interpolated) {
		return models.NoEntity, false
	}
	return c.Interpolated, true
}

// OnSpawn builds the Interpolated row of a Confirmed row.
func (m *Manager) OnSpawn(confirmed models.EntityID, tick models.Tick) models.EntityID {
	c, ok := world.Get[models.Confirmed](m.world, confirmed)
	if !ok {
		return models.NoEntity
	}
	if e, ok := m.InterpolatedOf(confirmed); ok {
		return e
	}

	components := []any{models.Interpolated{Confirmed: confirmed}}
	var full []any
	for _, v := range m.world.Components(confirmed) {
		info, ok := m.registry.InfoOf(v)
		if !ok || info.Mode == models.SyncNone {
			continue
		}
		components = append(components, v)
		if info.Mode == models.SyncFull {
			full = append(full, v)
		}
	}
	e := m.world.Spawn(components...)

	c.Interpolated = e
	_ = m.world.Insert(confirmed, c)

	for _, v := range full {
		m.history(e, reflect.TypeOf(v)).Add(tick, v)
	}
	return e
}

func (m *Manager) history(e models.EntityID, typ reflect.Type) *History {
	key := historyKey{entity: e, typ: typ}
	h, ok := m.histories[key]
	if !ok {
		h = NewHistory(m.cfg.HistoryLength)
		m.histories[key] = h
	}
	return h
}

// OnConfirmedUpdate buffers Full components and copies the rest.
func (m *Manager) OnConfirmedUpdate(confirmed models.EntityID, tick models.Tick, components []any) {
	e, ok := m.InterpolatedOf(confirmed)
	if !ok {
		return
	}
	for _, v := range components {
		info, ok := m.registry.InfoOf(v)
		if !ok {
			continue
		}
		if info.Mode != models.SyncFull {
			_ = m.world.Insert(e, v)
			continue
		}
		m.history(e, info.Type).Add(tick, v)
	}
}

// OnConfirmedInsert is OnConfirmedUpdate that also sets a value right away for
// components the row did not have yet.
func (m *Manager) OnConfirmedInsert(confirmed models.EntityID, tick models.Tick, components []any) {
	e, ok := m.InterpolatedOf(confirmed)
	if !ok {
		return
	}
	for _, v := range components {
		if _, had := m.world.Get(e, reflect.TypeOf(v)); !had {
			if _, ok := m.registry.InfoOf(v); ok {
				_ = m.world.Insert(e, v)
			}
		}
	}
	m.OnConfirmedUpdate(confirmed, tick, components)
}

func (m *Manager) OnConfirmedRemove(confirmed models.EntityID, components []any) {
	e, ok := m.InterpolatedOf(confirmed)
	if !ok {
		return
	}
	for _, v := range components {
		typ := reflect.TypeOf(v)
		m.world.Remove(e, typ)
		delete(m.histories, historyKey{entity: e, typ: typ})
	}
}

func (m *Manager) OnDespawn(confirmed models.EntityID) {
	if e, ok := m.InterpolatedOf(confirmed); ok {
		m.despawn(e)
	}
}

func (m *Manager) despawn(e models.EntityID) {
	for key := range m.histories {
		if key.entity == e {
			delete(m.histories, key)
		}
	}
	m.world.Despawn(e)
}

// Prune despawns Interpolated rows whose Confirmed row no longer exists.
func (m *Manager) Prune() {
	for _, e := range world.With[models.Interpolated](m.world) {
		i, _ := world.Get[models.Interpolated](m.world, e)
		if !m.world.Exists(i.Confirmed) {
			m.despawn(e)
		}
	}
}

// Update renders every interpolated component at now+overstep minus the delay.
// now is the client's estimate of the current server tick.
func (m *Manager) Update(now models.Tick, overstep float64) {
	at := float64(now) + overstep - m.DelayTicks()

	for key, h := range m.histories {
		info, ok := m.registry.InfoFor(key.typ)
		if !ok {
			continue
		}
		lower, upper := h.Bracket(at)
		switch {
		case lower != nil && upper != nil:
			t := float32((at - float64(lower.tick)) / float64(upper.tick-lower.tick))
			_ = m.world.Insert(key.entity, info.Lerp(lower.value, upper.value, t))
		case lower != nil:
			_ = m.world.Insert(key.entity, lower.value)
		default:
			// nothing old enough yet: keep the current value
		}
		h.PruneBefore(at)
	}
}
