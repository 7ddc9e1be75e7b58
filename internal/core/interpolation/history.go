package interpolation

import "github.com/zeusync/netsync/internal/core/models"

type sample struct {
	tick  models.Tick
	value any
}

// History holds confirmed values of one component of one entity, ordered by tick.
type History struct {
	samples  []sample
	capacity int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 32
	}
	return &History{capacity: capacity}
}

func (h *History) Len() int { return len(h.samples) }

// Add records value at tick. A value for a tick already present replaces it;
// when full, the oldest sample goes.
func (h *History) Add(tick models.Tick, value any) {
	i := len(h.samples)
	for i > 0 && h.samples[i-1].tick >= tick {
		i--
	}
	if i < len(h.samples) && h.samples[i].tick == tick {
		h.samples[i].value = value
		return
	}
	h.samples = append(h.samples, sample{})
	copy(h.samples[i+1:], h.samples[i:])
	h.samples[i] = sample{tick: tick, value: value}
	if len(h.samples) > h.capacity {
		h.samples = h.samples[len(h.samples)-h.capacity:]
	}
}

// Bracket finds the newest sample at or before at and the oldest one after it.
func (h *History) Bracket(at float64) (lower, upper *sample) {
	for i := range h.samples {
		s := &h.samples[i]
		if float64(s.tick) <= at {
			lower = s
			continue
		}
		upper = s
		break
	}
	return lower, upper
}

// PruneBefore drops every sample older than the newest one at or before at.
func (h *History) PruneBefore(at float64) {
	keep := 0
	for i := range h.samples {
		if float64(h.samples[i].tick) <= at {
			keep = i
		}
	}
	h.samples = h.samples[keep:]
}
