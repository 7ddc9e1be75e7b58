package interpolation

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/world"
)

type pos struct{ X float32 }
type frame struct{ N int }
type tint struct{ V int }

func lerpPos(a, b pos, t float32) pos { return pos{X: a.X + (b.X-a.X)*t} }

func TestDelay(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Delay{Duration: 100 * time.Millisecond}.Of(16*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, Delay{Ratio: 2, Min: 50 * time.Millisecond}.Of(50*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, Delay{Ratio: 0.5, Min: 50 * time.Millisecond}.Of(20*time.Millisecond))
	assert.InDelta(t, 2.5, Delay{Ratio: 2.5}.Ticks(10*time.Millisecond), 1e-9)
	assert.Zero(t, Delay{Ratio: 2}.Ticks(0))
}

func TestHistory(t *testing.T) {
	h := NewHistory(3)
	h.Add(5, "five")
	h.Add(3, "three")
	h.Add(4, "four")
	h.Add(4, "FOUR")
	assert.Equal(t, 3, h.Len())

	lower, upper := h.Bracket(4.5)
	require.NotNil(t, lower)
	require.NotNil(t, upper)
	assert.Equal(t, "FOUR", lower.value)
	assert.Equal(t, "five", upper.value)

	h.Add(6, "six")
	assert.Equal(t, 3, h.Len(), "oldest dropped")
	lower, _ = h.Bracket(3.5)
	assert.Nil(t, lower)

	h.PruneBefore(5.2)
	assert.Equal(t, 2, h.Len())
	lower, upper = h.Bracket(5.2)
	assert.Equal(t, models.Tick(5), lower.tick)
	assert.Equal(t, models.Tick(6), upper.tick)
}

type fixture struct {
	world     *world.World
	manager   *Manager
	confirmed models.EntityID
	interp    models.EntityID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := models.NewRegistry()
	models.MustRegister[pos](reg, "pos", models.SyncFull, models.WithLerp(lerpPos))
	models.MustRegister[frame](reg, "frame", models.SyncFull)
	models.MustRegister[tint](reg, "tint", models.SyncSimple)

	w := world.NewUntracked()
	mgr := NewManager(w, reg, Config{
		Delay:         Delay{Duration: 20 * time.Millisecond},
		TickDuration:  10 * time.Millisecond,
		HistoryLength: 16,
	}, log.NewNop())

	confirmed := w.Spawn(models.Confirmed{Remote: 1}, pos{}, frame{}, tint{})
	e := mgr.OnSpawn(confirmed, 10)
	require.True(t, e.IsValid())
	return &fixture{world: w, manager: mgr, confirmed: confirmed, interp: e}
}

func (f *fixture) pos() float32 {
	p, _ := world.Get[pos](f.world, f.interp)
	return p.X
}

func TestManager_LinksRows(t *testing.T) {
	f := newFixture(t)
	c, _ := world.Get[models.Confirmed](f.world, f.confirmed)
	assert.Equal(t, f.interp, c.Interpolated)
	got, ok := f.manager.InterpolatedOf(f.confirmed)
	require.True(t, ok)
	assert.Equal(t, f.interp, got)
	assert.InDelta(t, 2.0, f.manager.DelayTicks(), 1e-9)
}

func TestManager_InterpolatesBetweenSamples(t *testing.T) {
	f := newFixture(t)
	f.manager.OnConfirmedUpdate(f.confirmed, 11, []any{pos{X: 10}})
	f.manager.OnConfirmedUpdate(f.confirmed, 12, []any{pos{X: 20}})

	f.manager.Update(12, 0.5)
	assert.InDelta(t, 5.0, f.pos(), 1e-5)

	f.manager.Update(13, 0)
	assert.InDelta(t, 10.0, f.pos(), 1e-5)
}

func TestManager_HoldsLastValueWithoutUpperBracket(t *testing.T) {
	f := newFixture(t)
	f.manager.OnConfirmedUpdate(f.confirmed, 12, []any{pos{X: 20}})

	f.manager.Update(20, 0)
	assert.InDelta(t, 20.0, f.pos(), 1e-5)
}

func TestManager_KeepsCurrentWhenNothingOldEnough(t *testing.T) {
	f := newFixture(t)
	_ = f.world.Insert(f.interp, pos{X: 3})

	f.manager.Update(5, 0)
	assert.InDelta(t, 3.0, f.pos(), 1e-5)
}

func TestManager_GapIsBridged(t *testing.T) {
	f := newFixture(t)
	f.manager.OnConfirmedUpdate(f.confirmed, 14, []any{pos{X: 40}})

	f.manager.Update(14, 0)
	assert.InDelta(t, 20.0, f.pos(), 1e-5)
}

func TestManager_BlendIsMonotonicAndBounded(t *testing.T) {
	f := newFixture(t)
	f.manager.OnConfirmedUpdate(f.confirmed, 11, []any{pos{X: 8}})

	prev := float32(-1)
	for i := 0; i <= 10; i++ {
		f.manager.Update(12, float64(i)/10)
		x := f.pos()
		assert.GreaterOrEqual(t, x, float32(0))
		assert.LessOrEqual(t, x, float32(8))
		assert.GreaterOrEqual(t, x, prev)
		prev = x
	}
}

func TestManager_StepsWithoutLerp(t *testing.T) {
	f := newFixture(t)
	f.manager.OnConfirmedUpdate(f.confirmed, 11, []any{frame{N: 1}})

	f.manager.Update(12, 0.9)
	v, _ := world.Get[frame](f.world, f.interp)
	assert.Equal(t, 0, v.N)

	f.manager.Update(13, 0)
	v, _ = world.Get[frame](f.world, f.interp)
	assert.Equal(t, 1, v.N)
}

func TestManager_SimpleComponentsCopiedImmediately(t *testing.T) {
	f := newFixture(t)
	f.manager.OnConfirmedUpdate(f.confirmed, 11, []any{tint{V: 4}})
	v, _ := world.Get[tint](f.world, f.interp)
	assert.Equal(t, 4, v.V)
}

func TestManager_PrunesHistory(t *testing.T) {
	f := newFixture(t)
	for tick := models.Tick(11); tick <= 20; tick++ {
		f.manager.OnConfirmedUpdate(f.confirmed, tick, []any{pos{X: float32(tick)}})
	}
	f.manager.Update(20, 0)

	h := f.manager.histories[historyKey{entity: f.interp, typ: reflect.TypeFor[pos]()}]
	require.NotNil(t, h)
	// render tick 18: keep 18 as the lower bracket plus 19 and 20
	assert.Equal(t, 3, h.Len())
}

func TestManager_RemoveAndDespawn(t *testing.T) {
	f := newFixture(t)
	f.manager.OnConfirmedRemove(f.confirmed, []any{pos{}})
	assert.False(t, world.Has[pos](f.world, f.interp))

	f.manager.OnConfirmedInsert(f.confirmed, 12, []any{pos{X: 1}})
	assert.True(t, world.Has[pos](f.world, f.interp), "inserted components show up at once")

	f.manager.OnDespawn(f.confirmed)
	assert.False(t, f.world.Exists(f.interp))
	assert.Empty(t, f.manager.histories)
}

func TestManager_PruneOrphans(t *testing.T) {
	f := newFixture(t)
	f.world.Despawn(f.confirmed)
	f.manager.Prune()
	assert.False(t, f.world.Exists(f.interp))
}
