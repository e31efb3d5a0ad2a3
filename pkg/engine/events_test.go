package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := newEventBus()

	var got []EventType
	bus.Subscribe(func(ev Event) {
		got = append(got, ev.Type)
	})

	bus.Emit(Event{Type: EventToolRegistered})
	bus.Emit(Event{Type: EventExecutionStarted})

	assert.Equal(t, []EventType{EventToolRegistered, EventExecutionStarted}, got)
}

func TestEventBus_SubscribeFiltered(t *testing.T) {
	bus := newEventBus()

	var got []EventType
	bus.Subscribe(func(ev Event) {
		got = append(got, ev.Type)
	}, EventPermissionDenied)

	bus.Emit(Event{Type: EventPermissionGranted})
	bus.Emit(Event{Type: EventPermissionDenied})
	bus.Emit(Event{Type: EventExecutionCompleted})

	assert.Equal(t, []EventType{EventPermissionDenied}, got)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := newEventBus()

	count := 0
	id := bus.Subscribe(func(ev Event) { count++ })

	bus.Emit(Event{Type: EventToolRegistered})
	require.True(t, bus.Unsubscribe(id))
	bus.Emit(Event{Type: EventToolRegistered})

	assert.Equal(t, 1, count)
	assert.False(t, bus.Unsubscribe(id))
}

func TestEventBus_TimestampSet(t *testing.T) {
	bus := newEventBus()

	var got Event
	bus.Subscribe(func(ev Event) { got = ev })
	bus.Emit(Event{Type: EventToolRegistered})

	assert.False(t, got.Timestamp.IsZero())
}

func TestEventBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := newEventBus()

	bus.Subscribe(func(ev Event) { panic("boom") })

	reached := false
	bus.Subscribe(func(ev Event) { reached = true })

	assert.NotPanics(t, func() {
		bus.Emit(Event{Type: EventExecutionFailed})
	})
	assert.True(t, reached)
}
