package prediction

import "github.com/zeusync/netsync/internal/core/models"

type inputSlot[I any] struct {
	tick  models.Tick
	input I
	set   bool
}

// InputBuffer keeps the inputs of the last Capacity ticks. Older ticks are
// overwritten as newer ones arrive.
type InputBuffer[I any] struct {
	slots   []inputSlot[I]
	latest  models.Tick
	started bool
}

func NewInputBuffer[I any](capacity int) *InputBuffer[I] {
	if capacity <= 0 {
		capacity = 128
	}
	return &InputBuffer[I]{slots: make([]inputSlot[I], capacity)}
}

func (b *InputBuffer[I]) Capacity() int { return len(b.slots) }

// Set stores input for tick. Inputs older than the buffer window are ignored.
func (b *InputBuffer[I]) Set(tick models.Tick, input I) {
	if b.started && b.latest.Diff(tick) >= int32(len(b.slots)) {
		return
	}
	b.slots[int(tick)%len(b.slots)] = inputSlot[I]{tick: tick, input: input, set: true}
	if !b.started || tick.After(b.latest) {
		b.latest = tick
	}
	b.started = true
}

func (b *InputBuffer[I]) Get(tick models.Tick) (I, bool) {
	s := b.slots[int(tick)%len(b.slots)]
	if !s.set || s.tick != tick {
		var zero I
		return zero, false
	}
	return s.input, true
}

// Latest returns the newest tick stored.
func (b *InputBuffer[I]) Latest() models.Tick { return b.latest }

// Window returns the inputs for tick, tick-1, ... tick-n+1 with presence flags.
func (b *InputBuffer[I]) Window(tick models.Tick, n int) ([]I, []bool) {
	inputs := make([]I, n)
	present := make([]bool, n)
	for i := 0; i < n; i++ {
		inputs[i], present[i] = b.Get(tick - models.Tick(i))
	}
	return inputs, present
}
