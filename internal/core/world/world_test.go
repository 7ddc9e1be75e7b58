package world

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netsync/internal/core/models"
)

type health struct{ HP int }
type name struct{ Value string }

var (
	healthType = reflect.TypeFor[health]()
	nameType   = reflect.TypeFor[name]()
)

func TestWorld_SpawnGetDespawn(t *testing.T) {
	w := New()
	e := w.Spawn(health{HP: 10}, name{"orc"})

	require.True(t, w.Exists(e))
	hp, ok := Get[health](w, e)
	require.True(t, ok)
	assert.Equal(t, 10, hp.HP)
	assert.Equal(t, []any{health{HP: 10}, name{"orc"}}, w.Components(e))
	assert.Equal(t, 1, w.Len())

	assert.True(t, w.Despawn(e))
	assert.False(t, w.Exists(e))
	assert.False(t, w.Despawn(e))
	assert.ErrorIs(t, w.Insert(e, health{}), ErrNoSuchEntity)
}

func TestWorld_GenerationsInvalidateStaleIDs(t *testing.T) {
	w := New()
	a := w.Spawn()
	w.Despawn(a)
	b := w.Spawn()

	assert.Equal(t, a.Index(), b.Index())
	assert.NotEqual(t, a, b)
	assert.False(t, w.Exists(a))
	assert.True(t, w.Exists(b))
}

func TestWorld_ChangeTracking(t *testing.T) {
	w := New()
	e := w.Spawn(health{HP: 1})

	changes := w.Changes()
	assert.Equal(t, []models.EntityID{e}, changes.Spawned)
	assert.True(t, changes.WasInserted(e, healthType))

	require.NoError(t, w.Insert(e, health{HP: 2}, name{"a"}))
	changes = w.Changes()
	assert.Empty(t, changes.Spawned)
	assert.True(t, changes.WasUpdated(e, healthType))
	assert.True(t, changes.WasInserted(e, nameType))

	_, ok := Remove[name](w, e)
	require.True(t, ok)
	changes = w.Changes()
	assert.Equal(t, name{"a"}, changes.Removed[e][nameType])

	w.Despawn(e)
	changes = w.Changes()
	require.Contains(t, changes.Despawned, e)
	assert.Equal(t, health{HP: 2}, changes.Despawned[e][healthType])

	assert.True(t, w.Changes().Empty())
}

func TestWorld_InsertThenRemoveSameTickCancels(t *testing.T) {
	w := New()
	e := w.Spawn()
	w.Changes()

	require.NoError(t, w.Insert(e, name{"x"}))
	w.Remove(e, nameType)

	changes := w.Changes()
	assert.False(t, changes.WasInserted(e, nameType))
	assert.NotContains(t, changes.Removed, e)
}

func TestWorld_RemoveThenInsertIsUpdate(t *testing.T) {
	w := New()
	e := w.Spawn(name{"x"})
	w.Changes()

	w.Remove(e, nameType)
	require.NoError(t, w.Insert(e, name{"y"}))

	changes := w.Changes()
	assert.True(t, changes.WasUpdated(e, nameType))
	assert.Empty(t, changes.Removed[e])
}

func TestWorld_With(t *testing.T) {
	w := New()
	a := w.Spawn(health{})
	w.Spawn(name{})
	c := w.Spawn(health{}, name{})

	assert.Equal(t, []models.EntityID{a, c}, With[health](w))
	assert.Len(t, w.Entities(), 3)
	assert.True(t, Has[name](w, c))
}

func TestWorld_Untracked(t *testing.T) {
	w := NewUntracked()
	e := w.Spawn(health{})
	require.NoError(t, w.Insert(e, health{HP: 3}))
	w.Despawn(e)
	assert.True(t, w.Changes().Empty())
}
