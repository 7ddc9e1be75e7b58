package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()

	var got []any
	b.Subscribe(ClientConnected, func(e Event) error {
		got = append(got, e.Data())
		return nil
	})
	b.Subscribe(ClientDisconnected, func(Event) error {
		t.Fatal("wrong type delivered")
		return nil
	})

	require.NoError(t, b.Publish(NewEvent(ClientConnected, "server", ConnectionEvent{ClientID: 7})))
	assert.Equal(t, []any{ConnectionEvent{ClientID: 7}}, got)
}

func TestBus_DeliveryOrderAndWildcard(t *testing.T) {
	b := New()

	var order []string
	b.SubscribeAll(func(Event) error { order = append(order, "all"); return nil })
	b.Subscribe(EntitySpawned, func(Event) error { order = append(order, "first"); return nil })
	b.Subscribe(EntitySpawned, func(Event) error { order = append(order, "second"); return nil })

	require.NoError(t, b.Publish(NewEvent(EntitySpawned, "client", nil)))
	assert.Equal(t, []string{"first", "second", "all"}, order)
	assert.Equal(t, 3, b.Len())
}

func TestBus_HandlerErrorsAreCombined(t *testing.T) {
	b := New()
	errA, errB := errors.New("a"), errors.New("b")
	called := 0
	b.Subscribe("x", func(Event) error { called++; return errA })
	b.Subscribe("x", func(Event) error { called++; return errB })

	err := b.Publish(NewEvent("x", "test", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 2, called)
}

func TestBus_Cancel(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe("x", func(Event) error { calls++; return nil })
	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, "x", sub.EventType())

	require.NoError(t, b.Publish(NewEvent("x", "test", nil)))
	b.Unsubscribe(sub)
	sub.Cancel()
	b.Unsubscribe(nil)
	require.NoError(t, b.Publish(NewEvent("x", "test", nil)))

	assert.Equal(t, 1, calls)
	assert.False(t, sub.IsActive())
	assert.Equal(t, 0, b.Len())
}

func TestBus_CancelInsideHandler(t *testing.T) {
	b := New()
	var sub Subscription
	calls := 0
	sub = b.Subscribe("x", func(Event) error {
		calls++
		sub.Cancel()
		return nil
	})

	require.NoError(t, b.Publish(NewEvent("x", "test", nil)))
	require.NoError(t, b.Publish(NewEvent("x", "test", nil)))
	assert.Equal(t, 1, calls)
}

func TestBus_ConcurrentUse(t *testing.T) {
	b := New()
	var (
		mu    sync.Mutex
		count int
	)
	b.SubscribeAll(func(Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Publish(NewEvent("x", "test", j))
				s := b.Subscribe("y", func(Event) error { return nil })
				s.Cancel()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, count)
	assert.Equal(t, 1, b.Len())
}

func TestNewEventAt_UsesGivenClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	ev := NewEventAt(ClientConnected, "server", mock.Now(), nil)
	assert.Equal(t, mock.Now(), ev.Timestamp())
	assert.Equal(t, ClientConnected, ev.Type())
	assert.Equal(t, "server", ev.Source())
}
