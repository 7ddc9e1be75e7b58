package interpolation

import "time"

// Delay is how far behind the newest server state interpolated rows are rendered.
// A positive Duration wins; otherwise the delay is Ratio tick intervals. Either
// way it is never shorter than Min.
type Delay struct {
	Duration time.Duration
	Ratio    float64
	Min      time.Duration
}

// Of returns the delay as a duration for the given tick interval.
func (d Delay) Of(tick time.Duration) time.Duration {
	delay := d.Duration
	if delay <= 0 {
		delay = time.Duration(d.Ratio * float64(tick))
	}
	return max(delay, d.Min)
}

// Ticks returns the delay in fractional ticks.
func (d Delay) Ticks(tick time.Duration) float64 {
	if tick <= 0 {
		return 0
	}
	return float64(d.Of(tick)) / float64(tick)
}
