package timesync

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netsync/internal/core/models"
)

func TestEstimator(t *testing.T) {
	var e Estimator
	e.Sample(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, e.RTT())

	for i := 0; i < 100; i++ {
		e.Sample(40 * time.Millisecond)
	}
	assert.InDelta(t, float64(40*time.Millisecond), float64(e.RTT()), float64(time.Millisecond))
	assert.Less(t, e.Jitter(), 5*time.Millisecond)
	assert.Equal(t, 101, e.Samples())
}

func TestSync_PingPong(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, Config{TickDuration: 10 * time.Millisecond, Margin: 2})
	assert.False(t, s.Synced())

	ping := s.Ping()
	clk.Add(40 * time.Millisecond)
	require.True(t, s.OnPong(Pong(ping, 100)))
	assert.False(t, s.OnPong(Pong(ping, 100)), "duplicate")
	assert.False(t, s.OnPong(ping), "not a pong")

	assert.True(t, s.Synced())
	assert.Equal(t, 40*time.Millisecond, s.Estimator().RTT())
	// pong left the server 20ms ago: two ticks have passed since
	assert.InDelta(t, 102.0, s.EstimatedServerTick(), 1e-9)

	// lead: rtt/2 + jitter = 40ms = 4 ticks, plus margin
	assert.Equal(t, models.Tick(108), s.TargetTick())

	clk.Add(100 * time.Millisecond)
	assert.InDelta(t, 112.0, s.EstimatedServerTick(), 1e-9)
}

func TestSync_Resync(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, Config{TickDuration: 10 * time.Millisecond, Margin: 1, ResyncThreshold: 4})

	_, jumped := s.Resync(5)
	assert.False(t, jumped, "not synced yet")

	ping := s.Ping()
	require.True(t, s.OnPong(Pong(ping, 50)))

	target := s.TargetTick()
	got, jumped := s.Resync(target - 2)
	assert.False(t, jumped)
	assert.Equal(t, target-2, got)

	got, jumped = s.Resync(5)
	assert.True(t, jumped)
	assert.Equal(t, target, got)
}
