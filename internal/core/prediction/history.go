package prediction

import (
	"reflect"

	"github.com/zeusync/netsync/internal/core/models"
)

type snapshot struct {
	tick       models.Tick
	components map[reflect.Type]any
	set        bool
}

// history holds the predicted values of one row for recent ticks.
type history struct {
	slots []snapshot
}

func newHistory(capacity int) *history {
	return &history{slots: make([]snapshot, capacity)}
}

func (h *history) record(tick models.Tick, components map[reflect.Type]any) {
	h.slots[int(tick)%len(h.slots)] = snapshot{tick: tick, components: components, set: true}
}

func (h *history) at(tick models.Tick) (map[reflect.Type]any, bool) {
	s := h.slots[int(tick)%len(h.slots)]
	if !s.set || s.tick != tick {
		return nil, false
	}
	return s.components, true
}

// dropFrom forgets every snapshot at or after tick.
func (h *history) dropFrom(tick models.Tick) {
	for i := range h.slots {
		if h.slots[i].set && !h.slots[i].tick.Before(tick) {
			h.slots[i] = snapshot{}
		}
	}
}
