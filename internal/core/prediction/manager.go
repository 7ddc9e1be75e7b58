package prediction

import (
	"reflect"
	"slices"

	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/world"
)

// Simulation advances every Predicted row of w by one tick. ok is false when no
// input was recorded for tick. It must be deterministic for rollback to converge.
type Simulation[I any] interface {
	Step(w *world.World, tick models.Tick, input I, ok bool)
}

type SimulationFunc[I any] func(w *world.World, tick models.Tick, input I, ok bool)

func (f SimulationFunc[I]) Step(w *world.World, tick models.Tick, input I, ok bool) {
	f(w, tick, input, ok)
}

type Config struct {
	InputBuffer   int
	HistoryLength int
}

// Manager owns the Predicted rows of the client world: it runs the simulation
// ahead of the server and rolls back when confirmed state disagrees.
type Manager[I any] struct {
	world    *world.World
	registry *models.Registry
	sim      Simulation[I]
	inputs   *InputBuffer[I]
	logger   log.Log
	metrics  *metrics.Metrics

	historyLength int
	histories     map[models.EntityID]*history
	// confirmations holds the Confirmed Full values per Predicted row, by the
	// tick they were confirmed for.
	confirmations map[models.EntityID]*history

	rollbackPending bool
	rollbackTick    models.Tick
}

func NewManager[I any](w *world.World, registry *models.Registry, sim Simulation[I], cfg Config, logger log.Log, m *metrics.Metrics) *Manager[I] {
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = 128
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Manager[I]{
		world:         w,
		registry:      registry,
		sim:           sim,
		inputs:        NewInputBuffer[I](cfg.InputBuffer),
		logger:        logger.With(log.Component("prediction")),
		metrics:       m,
		historyLength: cfg.HistoryLength,
		histories:     make(map[models.EntityID]*history),
		confirmations: make(map[models.EntityID]*history),
	}
}

func (m *Manager[I]) Inputs() *InputBuffer[I] { return m.inputs }

// AddInput buffers the local input for tick.
func (m *Manager[I]) AddInput(tick models.Tick, input I) {
	m.inputs.Set(tick, input)
}

// PredictedOf returns the Predicted row of a Confirmed row.
func (m *Manager[I]) PredictedOf(confirmed models.EntityID) (models.EntityID, bool) {
	c, ok := world.Get[models.Confirmed](m.world, confirmed)
	if !ok || !c.Predicted.IsValid() || !m.world.Exists(c.Predicted) {
		return models.NoEntity, false
	}
	return c.Predicted, true
}

// OnSpawn builds the Predicted row for a Confirmed row the client may predict.
func (m *Manager[I]) OnSpawn(confirmed models.EntityID, tick models.Tick) models.EntityID {
	c, ok := world.Get[models.Confirmed](m.world, confirmed)
	if !ok {
		return models.NoEntity
	}
	if pred, ok := m.PredictedOf(confirmed); ok {
		return pred
	}

	components := []any{models.Predicted{Confirmed: confirmed}}
	for _, v := range m.world.Components(confirmed) {
		if info, ok := m.registry.InfoOf(v); ok && info.Mode != models.SyncNone {
			components = append(components, v)
		}
	}
	pred := m.world.Spawn(components...)

	c.Predicted = pred
	_ = m.world.Insert(confirmed, c)

	h := newHistory(m.historyLength)
	h.record(tick, m.fullComponents(pred))
	m.histories[pred] = h
	m.confirm(pred, confirmed, tick)

	m.logger.Debug("predicted entity spawned", log.EntityID(uint64(pred)), log.Tick(uint32(tick)))
	return pred
}

// OnConfirmedUpdate compares confirmed values at tick with the predicted history.
// Full components that diverge schedule a rollback; other components are copied
// over and never resimulated.
func (m *Manager[I]) OnConfirmedUpdate(confirmed models.EntityID, tick models.Tick, components []any) {
	pred, ok := m.PredictedOf(confirmed)
	if !ok {
		return
	}
	h := m.histories[pred]
	m.confirm(pred, confirmed, tick)

	for _, v := range components {
		info, ok := m.registry.InfoOf(v)
		if !ok {
			continue
		}
		if info.Mode != models.SyncFull {
			_ = m.world.Insert(pred, v)
			continue
		}

		var past map[reflect.Type]any
		if h != nil {
			past, _ = h.at(tick)
		}
		predicted, had := past[info.Type]
		if !had || info.Diverged(predicted, v) {
			m.scheduleRollback(tick)
		}
	}
}

// OnConfirmedInsert copies newly inserted components to the Predicted row.
func (m *Manager[I]) OnConfirmedInsert(confirmed models.EntityID, tick models.Tick, components []any) {
	pred, ok := m.PredictedOf(confirmed)
	if !ok {
		return
	}
	for _, v := range components {
		if _, ok := m.registry.InfoOf(v); ok {
			_ = m.world.Insert(pred, v)
		}
	}
}

// OnConfirmedRemove detaches the same components from the Predicted row.
func (m *Manager[I]) OnConfirmedRemove(confirmed models.EntityID, components []any) {
	pred, ok := m.PredictedOf(confirmed)
	if !ok {
		return
	}
	for _, v := range components {
		m.world.Remove(pred, reflect.TypeOf(v))
	}
}

// OnDespawn removes the Predicted row of confirmed. Call it before the Confirmed row goes away.
func (m *Manager[I]) OnDespawn(confirmed models.EntityID) {
	pred, ok := m.PredictedOf(confirmed)
	if !ok {
		return
	}
	m.despawn(pred)
}

// confirm snapshots the Full components of the Confirmed row as of tick. The
// receiver writes the row before notifying, so the row holds exactly the tick's values.
func (m *Manager[I]) confirm(pred, confirmed models.EntityID, tick models.Tick) {
	c, ok := m.confirmations[pred]
	if !ok {
		c = newHistory(m.historyLength)
		m.confirmations[pred] = c
	}
	c.record(tick, m.fullComponents(confirmed))
}

func (m *Manager[I]) despawn(pred models.EntityID) {
	delete(m.histories, pred)
	delete(m.confirmations, pred)
	m.world.Despawn(pred)
}

// Prune despawns Predicted rows whose Confirmed row no longer exists.
func (m *Manager[I]) Prune() {
	for _, pred := range world.With[models.Predicted](m.world) {
		p, _ := world.Get[models.Predicted](m.world, pred)
		if !m.world.Exists(p.Confirmed) {
			m.despawn(pred)
		}
	}
}

func (m *Manager[I]) scheduleRollback(tick models.Tick) {
	if !m.rollbackPending || tick.Before(m.rollbackTick) {
		m.rollbackTick = tick
	}
	m.rollbackPending = true
}

// RollbackPending reports the tick a pending rollback restarts from.
func (m *Manager[I]) RollbackPending() (models.Tick, bool) {
	return m.rollbackTick, m.rollbackPending
}

// Step simulates tick with the buffered input and records the predicted state.
func (m *Manager[I]) Step(tick models.Tick) {
	input, ok := m.inputs.Get(tick)
	m.sim.Step(m.world, tick, input, ok)
	m.record(tick)
}

func (m *Manager[I]) record(tick models.Tick) {
	for _, pred := range world.With[models.Predicted](m.world) {
		h, ok := m.histories[pred]
		if !ok {
			h = newHistory(m.historyLength)
			m.histories[pred] = h
		}
		h.record(tick, m.fullComponents(pred))
	}
}

// Reconcile performs a pending rollback before tick now is simulated. Every
// Predicted row is reset to its state at the rollback tick T: the Confirmed
// values for T when the server confirmed that tick, otherwise the predicted
// history, otherwise the latest Confirmed values. Ticks T+1..now-1 are then
// replayed from the input buffer, and Confirmed values known for a replayed
// tick replace the resimulated ones.
func (m *Manager[I]) Reconcile(now models.Tick) bool {
	if !m.rollbackPending {
		return false
	}
	from := m.rollbackTick
	m.rollbackPending = false
	m.metrics.Rollbacks.Inc()

	preds := world.With[models.Predicted](m.world)
	for _, pred := range preds {
		m.restore(pred, from)
		if h, ok := m.histories[pred]; ok {
			h.dropFrom(from)
		}
	}
	m.record(from)

	replayed := 0
	for tick := from + 1; tick.Before(now); tick++ {
		input, ok := m.inputs.Get(tick)
		m.sim.Step(m.world, tick, input, ok)
		for _, pred := range preds {
			if c, ok := m.confirmations[pred]; ok {
				if values, ok := c.at(tick); ok {
					m.apply(pred, values)
				}
			}
		}
		m.record(tick)
		replayed++
	}

	m.logger.Debug("rollback",
		log.Tick(uint32(from)),
		log.Int("replayed", replayed),
		log.Int("entities", len(preds)),
	)
	return true
}

func (m *Manager[I]) restore(pred models.EntityID, tick models.Tick) {
	if c, ok := m.confirmations[pred]; ok {
		if values, ok := c.at(tick); ok {
			m.apply(pred, values)
			return
		}
	}
	if h, ok := m.histories[pred]; ok {
		if values, ok := h.at(tick); ok {
			m.apply(pred, values)
			return
		}
	}
	p, _ := world.Get[models.Predicted](m.world, pred)
	m.apply(pred, m.fullComponents(p.Confirmed))
}

func (m *Manager[I]) apply(pred models.EntityID, values map[reflect.Type]any) {
	for _, v := range values {
		_ = m.world.Insert(pred, v)
	}
}

func (m *Manager[I]) fullComponents(e models.EntityID) map[reflect.Type]any {
	out := make(map[reflect.Type]any)
	for _, v := range m.world.Components(e) {
		if info, ok := m.registry.InfoOf(v); ok && info.Mode == models.SyncFull {
			out[info.Type] = v
		}
	}
	return out
}

// Entities lists the Predicted rows, in index order.
func (m *Manager[I]) Entities() []models.EntityID {
	out := world.With[models.Predicted](m.world)
	slices.Sort(out)
	return out
}
