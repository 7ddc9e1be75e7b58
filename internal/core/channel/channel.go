package channel

import (
	"fmt"
	"math"
	"time"

	"github.com/zeusync/netsync/internal/core/config"
)

// Kind selects the delivery guarantees of a channel.
type Kind uint8

const (
	// ReliableOrdered delivers every message exactly once, in send order.
	ReliableOrdered Kind = iota
	// ReliableUnordered delivers every message exactly once, in any order.
	ReliableUnordered
	// UnreliableSequenced delivers at most the newest message per stream; older ones are dropped.
	UnreliableSequenced
	// UnreliableUnordered is fire and forget.
	UnreliableUnordered
)

func (k Kind) Reliable() bool {
	return k == ReliableOrdered || k == ReliableUnordered
}

func (k Kind) String() string {
	switch k {
	case ReliableOrdered:
		return "reliable_ordered"
	case ReliableUnordered:
		return "reliable_unordered"
	case UnreliableSequenced:
		return "unreliable_sequenced"
	case UnreliableUnordered:
		return "unreliable_unordered"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ID identifies a channel on the wire. Both peers must build the same Registry.
type ID uint8

// Settings configure one channel.
type Settings struct {
	Name string
	Kind Kind
	// Resend timing for reliable channels: Base·Factor^attempt, capped at Max.
	ResendBase   time.Duration
	ResendMax    time.Duration
	ResendFactor float64
	// MaxUnacked bounds unacknowledged reliable messages; Send fails beyond it.
	MaxUnacked int
}

// Backoff returns the wait before resend number attempt (0 is the first send).
func (s Settings) Backoff(attempt int) time.Duration {
	factor := s.ResendFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(s.ResendBase) * math.Pow(factor, float64(attempt))
	if s.ResendMax > 0 && d > float64(s.ResendMax) {
		return s.ResendMax
	}
	return time.Duration(d)
}

type Registry struct {
	channels []Settings
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a channel and returns its id.
func (r *Registry) Add(s Settings) ID {
	if len(r.channels) > math.MaxUint8 {
		panic("channel: too many channels")
	}
	r.channels = append(r.channels, s)
	return ID(len(r.channels) - 1)
}

func (r *Registry) Settings(id ID) (Settings, bool) {
	if int(id) >= len(r.channels) {
		return Settings{}, false
	}
	return r.channels[id], true
}

func (r *Registry) Len() int { return len(r.channels) }

// Channels used by the engine itself. User channels are added after these.
const (
	EntityActions ID = iota
	EntityUpdates
	Inputs
	Ping
	Messages
)

// DefaultRegistry builds the engine channels with timing from cfg.
func DefaultRegistry(cfg config.ChannelConfig) *Registry {
	reliable := func(name string, kind Kind) Settings {
		return Settings{
			Name:         name,
			Kind:         kind,
			ResendBase:   cfg.ResendBase,
			ResendMax:    cfg.ResendMax,
			ResendFactor: cfg.ResendFactor,
			MaxUnacked:   cfg.MaxUnacked,
		}
	}

	r := NewRegistry()
	r.Add(reliable("entity_actions", ReliableOrdered))
	r.Add(Settings{Name: "entity_updates", Kind: UnreliableSequenced})
	r.Add(Settings{Name: "inputs", Kind: UnreliableSequenced})
	r.Add(Settings{Name: "ping", Kind: UnreliableUnordered})
	r.Add(reliable("messages", ReliableUnordered))
	return r
}
