package timesync

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/protocol"
)

const (
	// rttAlpha weights new samples in the moving averages.
	rttAlpha = 0.125
	// maxPending bounds unanswered pings.
	maxPending = 64
)

// Estimator keeps an exponentially weighted RTT and jitter.
type Estimator struct {
	rtt     time.Duration
	jitter  time.Duration
	samples int
}

func (e *Estimator) Sample(rtt time.Duration) {
	if e.samples == 0 {
		e.rtt = rtt
		e.jitter = rtt / 2
	} else {
		diff := rtt - e.rtt
		if diff < 0 {
			diff = -diff
		}
		e.jitter += time.Duration(rttAlpha * float64(diff-e.jitter))
		e.rtt += time.Duration(rttAlpha * float64(rtt-e.rtt))
	}
	e.samples++
}

func (e *Estimator) RTT() time.Duration    { return e.rtt }
func (e *Estimator) Jitter() time.Duration { return e.jitter }
func (e *Estimator) Samples() int          { return e.samples }

type Config struct {
	TickDuration time.Duration
	// Margin is the number of extra ticks the client runs ahead of the server.
	Margin int
	// ResyncThreshold is the drift in ticks beyond which the client tick jumps.
	ResyncThreshold int
}

// Sync measures the connection to the server and tells the client which tick to run.
type Sync struct {
	clock clock.Clock
	cfg   Config
	est   Estimator

	nextID  uint32
	pending map[uint32]time.Time

	serverTick   models.Tick
	serverTickAt time.Time
	synced       bool
}

func New(clk clock.Clock, cfg Config) *Sync {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Margin <= 0 {
		cfg.Margin = 2
	}
	if cfg.ResyncThreshold <= 0 {
		cfg.ResyncThreshold = 8
	}
	return &Sync{clock: clk, cfg: cfg, pending: make(map[uint32]time.Time)}
}

func (s *Sync) Estimator() *Estimator { return &s.est }

// Synced reports whether at least one pong arrived.
func (s *Sync) Synced() bool { return s.synced }

// Ping builds the next ping to send.
func (s *Sync) Ping() protocol.PingMessage {
	now := s.clock.Now()
	s.nextID++
	if len(s.pending) >= maxPending {
		clear(s.pending)
	}
	s.pending[s.nextID] = now
	return protocol.PingMessage{ID: s.nextID, SentAt: now.UnixNano()}
}

// OnPong records a server answer. Unknown or duplicate pongs are ignored.
func (s *Sync) OnPong(msg protocol.PingMessage) bool {
	sent, ok := s.pending[msg.ID]
	if !ok || !msg.Pong {
		return false
	}
	delete(s.pending, msg.ID)

	now := s.clock.Now()
	s.est.Sample(now.Sub(sent))
	if !s.synced || !msg.ServerTick.Before(s.serverTick) {
		s.serverTick = msg.ServerTick
		s.serverTickAt = now.Add(-s.est.RTT() / 2)
	}
	s.synced = true
	return true
}

// EstimatedServerTick returns the server's current tick as seen from here, fractional.
func (s *Sync) EstimatedServerTick() float64 {
	if !s.synced || s.cfg.TickDuration <= 0 {
		return float64(s.serverTick)
	}
	elapsed := s.clock.Since(s.serverTickAt)
	return float64(s.serverTick) + float64(elapsed)/float64(s.cfg.TickDuration)
}

// TargetTick is the tick the client should be simulating now: far enough ahead
// that an input sent this tick reaches the server before the server runs it.
func (s *Sync) TargetTick() models.Tick {
	lead := 0.0
	if s.cfg.TickDuration > 0 {
		lead = float64(s.est.RTT()/2+s.est.Jitter()) / float64(s.cfg.TickDuration)
	}
	return models.Tick(math.Ceil(s.EstimatedServerTick()+lead)) + models.Tick(s.cfg.Margin)
}

// Resync returns the tick the client should jump to when current drifted too far.
func (s *Sync) Resync(current models.Tick) (models.Tick, bool) {
	if !s.synced {
		return current, false
	}
	target := s.TargetTick()
	drift := int64(target) - int64(current)
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(s.cfg.ResyncThreshold) {
		return target, true
	}
	return current, false
}

// Pong answers a ping on the server side.
func Pong(ping protocol.PingMessage, serverTick models.Tick) protocol.PingMessage {
	return protocol.PingMessage{ID: ping.ID, SentAt: ping.SentAt, Pong: true, ServerTick: serverTick}
}
