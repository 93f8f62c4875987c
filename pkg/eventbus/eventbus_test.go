package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-hive/kernel/pkg/eventbus"
)

func TestPublishOrdersBySequence(t *testing.T) {
	bus := eventbus.New("exec-1")
	bus.Publish(eventbus.KindExecutionStarted, nil)
	bus.Publish(eventbus.KindPhaseEntered, map[string]string{"phase": "I"})
	ev := bus.Publish(eventbus.KindNodeReady, nil)

	assert.Equal(t, uint64(3), ev.Sequence)
	assert.Equal(t, uint64(3), bus.Cursor())
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	bus := eventbus.New("exec-1")
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(eventbus.KindNodeStarted, nil)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, eventbus.KindNodeStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberDropsOldestUnderBackpressure(t *testing.T) {
	bus := eventbus.New("exec-1")
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	// Publish far beyond the subscriber's bounded capacity without ever
	// draining; the bus must not block the publisher.
	for i := 0; i < 1000; i++ {
		bus.Publish(eventbus.KindNodeCompleted, i)
	}

	assert.Greater(t, sub.Dropped(), uint64(0))
}

func TestSinceReplaysOnlyNewerEvents(t *testing.T) {
	bus := eventbus.New("exec-1")
	bus.Publish(eventbus.KindExecutionStarted, nil)
	cursor := bus.Cursor()
	bus.Publish(eventbus.KindPhaseEntered, nil)
	bus.Publish(eventbus.KindPhaseExited, nil)

	replay := bus.Since(cursor)
	require.Len(t, replay, 2)
	assert.Equal(t, eventbus.KindPhaseEntered, replay[0].Kind)
	assert.Equal(t, eventbus.KindPhaseExited, replay[1].Kind)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := eventbus.New("exec-1")
	sub := bus.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	assert.False(t, ok)
}
