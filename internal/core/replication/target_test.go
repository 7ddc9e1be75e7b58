package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zeusync/netsync/internal/core/models"
)

func TestNetworkTarget_Exclude(t *testing.T) {
	cases := []struct {
		name   string
		target NetworkTarget
		ids    []models.ClientID
		want   NetworkTarget
	}{
		{"all", AllClients(), []models.ClientID{1, 2}, AllExcept(1, 2)},
		{"all except", AllExcept(0), []models.ClientID{0, 1}, AllExcept(0, 1)},
		{"only keeps others", Only(0), []models.ClientID{1}, Only(0)},
		{"only collapses to none", Only(0), []models.ClientID{0, 2}, NoClients()},
		{"none", NoClients(), []models.ClientID{0, 1}, NoClients()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.target.Exclude(tc.ids...)
			assert.True(t, got.Equal(tc.want), "got %s, want %s", got, tc.want)
			assert.True(t, got.Exclude(tc.ids...).Equal(got), "exclude is idempotent")
		})
	}
}

func TestNetworkTarget_ShouldSendTo(t *testing.T) {
	assert.True(t, AllClients().ShouldSendTo(9))
	assert.False(t, NoClients().ShouldSendTo(9))
	assert.True(t, Only(1, 2).ShouldSendTo(2))
	assert.False(t, Only(1, 2).ShouldSendTo(3))
	assert.False(t, AllExcept(3).ShouldSendTo(3))
	assert.True(t, AllExcept(3).ShouldSendTo(4))
}

func TestNetworkTarget_OnlyEmptyIsNone(t *testing.T) {
	assert.Equal(t, TargetNone, Only().Kind())
	assert.Equal(t, "None", Only().String())
}

func TestNetworkTarget_ExcludeDoesNotAlias(t *testing.T) {
	base := AllExcept(1)
	_ = base.Exclude(2)
	assert.Equal(t, []models.ClientID{1}, base.Clients())

	only := Only(1, 2)
	_ = only.Exclude(1)
	assert.Equal(t, []models.ClientID{1, 2}, only.Clients())
	assert.Equal(t, "Only(1,2)", only.String())
}

func TestRoomManager(t *testing.T) {
	m := NewRoomManager()
	m.AddClient(1, 10)
	m.AddEntity(1, 100)
	m.AddEntity(2, 200)

	assert.True(t, m.Shared(100, 10))
	assert.False(t, m.Shared(200, 10))
	assert.Equal(t, []models.ClientID{10}, m.ClientsIn(1))

	m.AddClient(2, 10)
	assert.True(t, m.Shared(200, 10))

	m.ForgetClient(10)
	assert.False(t, m.Shared(100, 10))
	assert.Empty(t, m.ClientsIn(1))

	m.AddClient(2, 11)
	m.ForgetEntity(200)
	assert.False(t, m.Shared(200, 11))
}
