package bus

import (
	"strconv"
	"testing"
)

func BenchmarkPublish(b *testing.B) {
	for _, subs := range []int{1, 10, 100} {
		b.Run(strconv.Itoa(subs), func(b *testing.B) {
			bus := New()
			for i := 0; i < subs; i++ {
				bus.Subscribe(ComponentUpdated, func(Event) error { return nil })
			}
			evt := NewEvent(ComponentUpdated, "bench", nil)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = bus.Publish(evt)
			}
		})
	}
}
