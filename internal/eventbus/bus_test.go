package eventbus

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New(nil)
	var order []int
	var mu sync.Mutex

	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe("widget.created", func(Envelope) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	b.Publish(NewEnvelope("widget.created", "test", "", nil))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	b := New(nil)
	var secondCalled bool

	b.Subscribe("x", func(Envelope) error { return errors.New("boom") })
	b.Subscribe("x", func(Envelope) error {
		secondCalled = true
		return nil
	})

	b.Publish(NewEnvelope("x", "test", "", nil))
	assert.True(t, secondCalled)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := New(nil)
	var secondCalled bool

	b.Subscribe("x", func(Envelope) error { panic("boom") })
	b.Subscribe("x", func(Envelope) error {
		secondCalled = true
		return nil
	})

	assert.NotPanics(t, func() {
		b.Publish(NewEnvelope("x", "test", "", nil))
	})
	assert.True(t, secondCalled)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	calls := 0
	sub := b.Subscribe("x", func(Envelope) error {
		calls++
		return nil
	})

	b.Publish(NewEnvelope("x", "test", "", nil))
	sub.Unsubscribe()
	b.Publish(NewEnvelope("x", "test", "", nil))

	assert.Equal(t, 1, calls)
}

func TestUnsubscribeAllClearsEverything(t *testing.T) {
	b := New(nil)
	calls := 0
	b.Subscribe("x", func(Envelope) error {
		calls++
		return nil
	})
	b.Subscribe("y", func(Envelope) error {
		calls++
		return nil
	})

	b.UnsubscribeAll()
	b.Publish(NewEnvelope("x", "test", "", nil))
	b.Publish(NewEnvelope("y", "test", "", nil))
	assert.Zero(t, calls)
}

func TestCorrelationIDPropagatesOnEnvelope(t *testing.T) {
	b := New(nil)
	var got string
	b.Subscribe("x", func(e Envelope) error {
		got = e.CorrelationID
		return nil
	})

	b.Publish(NewEnvelope("x", "test", "corr-123", nil))
	require.Equal(t, "corr-123", got)
}
