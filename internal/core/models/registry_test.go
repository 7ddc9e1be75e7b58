package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type position struct {
	X, Y float32
}

type label struct {
	Text string
}

func lerpPosition(a, b position, t float32) position {
	return position{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	posKind := MustRegister(r, "position", SyncFull, WithLerp(lerpPosition))
	labelKind := MustRegister[label](r, "label", SyncSimple)

	assert.Equal(t, ComponentKind(0), posKind)
	assert.Equal(t, ComponentKind(1), labelKind)
	assert.Equal(t, 2, r.Len())

	info, ok := r.InfoOf(position{})
	require.True(t, ok)
	assert.Equal(t, "position", info.Name)
	assert.True(t, info.Interpolable())

	_, ok = r.InfoOf(&position{})
	assert.False(t, ok, "pointer types are distinct registrations")

	_, err := Register[position](r, "other", SyncFull)
	assert.ErrorIs(t, err, ErrDuplicateComponent)
	_, err = Register[struct{ A int }](r, "label", SyncFull)
	assert.ErrorIs(t, err, ErrDuplicateComponent)
}

func TestRegistry_EncodeDecode(t *testing.T) {
	r := NewRegistry()
	MustRegister[position](r, "position", SyncFull)

	kind, data, err := r.Encode(position{X: 1.5, Y: -2})
	require.NoError(t, err)

	v, err := r.Decode(kind, data)
	require.NoError(t, err)
	assert.Equal(t, position{X: 1.5, Y: -2}, v)

	_, _, err = r.Encode(label{})
	assert.ErrorIs(t, err, ErrUnknownComponent)
	_, err = r.Decode(9, data)
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

func TestRegistry_ApplyModes(t *testing.T) {
	r := NewRegistry()
	MustRegister[position](r, "position", SyncFull)

	require.NoError(t, r.ApplyModes(map[string]string{"position": "once"}))
	info, _ := r.Lookup("position")
	assert.Equal(t, SyncOnce, info.Mode)

	assert.ErrorIs(t, r.ApplyModes(map[string]string{"missing": "full"}), ErrUnknownComponent)
	assert.Error(t, r.ApplyModes(map[string]string{"position": "bogus"}))
}

func TestComponentInfo_LerpAndDiverged(t *testing.T) {
	r := NewRegistry()
	MustRegister(r, "position", SyncFull, WithLerp(lerpPosition),
		WithDiverged(func(p, c position) bool {
			dx, dy := p.X-c.X, p.Y-c.Y
			return dx*dx+dy*dy > 0.01
		}))
	MustRegister[label](r, "label", SyncFull)

	pos, _ := r.Lookup("position")
	assert.Equal(t, position{X: 5, Y: 5}, pos.Lerp(position{}, position{X: 10, Y: 10}, 0.5))
	assert.False(t, pos.Diverged(position{X: 1}, position{X: 1.05}))
	assert.True(t, pos.Diverged(position{X: 1}, position{X: 2}))

	lbl, _ := r.Lookup("label")
	assert.Equal(t, label{"a"}, lbl.Lerp(label{"a"}, label{"b"}, 0.9))
	assert.Equal(t, label{"b"}, lbl.Lerp(label{"a"}, label{"b"}, 1))
	assert.False(t, lbl.Diverged(label{"a"}, label{"a"}))
	assert.True(t, lbl.Diverged(label{"a"}, label{"b"}))
}

func TestEntityID_Packing(t *testing.T) {
	e := NewEntityID(7, 3)
	assert.Equal(t, uint32(7), e.Index())
	assert.Equal(t, uint32(3), e.Generation())
	assert.True(t, e.IsValid())
	assert.False(t, NoEntity.IsValid())
	assert.Equal(t, "7v3", e.String())
}

func TestSyncMode(t *testing.T) {
	for _, m := range []SyncMode{SyncFull, SyncSimple, SyncOnce, SyncNone} {
		parsed, err := ParseSyncMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	assert.True(t, SyncOnce.SendsOnSpawn())
	assert.False(t, SyncOnce.SendsUpdates())
	assert.False(t, SyncNone.SendsOnSpawn())
	assert.True(t, SyncSimple.SendsUpdates())
}
