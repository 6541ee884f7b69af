package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestEventBusCreation tests creating a new event bus
func TestEventBusCreation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()
	require.NotNil(t, bus)
	assert.NotNil(t, bus.handlers)
}

// TestEventSubscription tests subscribing to events
func TestEventSubscription(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	var receivedEvents []Event
	var mu sync.Mutex

	bus.Subscribe(ProcessStarted, func(event Event) {
		mu.Lock()
		receivedEvents = append(receivedEvents, event)
		mu.Unlock()
	})

	bus.Publish(Event{
		Type:      ProcessStarted,
		ProjectID: "demo",
		Data: map[string]interface{}{
			"command": "python3 server.py",
			"pid":     12345,
		},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(receivedEvents) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ProcessStarted, receivedEvents[0].Type)
	assert.Equal(t, "demo", receivedEvents[0].ProjectID)
	assert.Equal(t, "python3 server.py", receivedEvents[0].Data["command"])
	assert.Equal(t, 12345, receivedEvents[0].Data["pid"])
	assert.NotEmpty(t, receivedEvents[0].ID)
	assert.False(t, receivedEvents[0].Timestamp.IsZero())
}

// TestEventTypeIsolation checks handlers only see their own event type
func TestEventTypeIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	var mu sync.Mutex
	counts := map[EventType]int{}
	for _, et := range []EventType{DeployStarted, DeployStopped} {
		et := et
		bus.Subscribe(et, func(e Event) {
			mu.Lock()
			counts[e.Type]++
			mu.Unlock()
		})
	}

	bus.Publish(Event{Type: DeployStarted})
	bus.Publish(Event{Type: DeployStarted})
	bus.Publish(Event{Type: DeployStopped})
	bus.Publish(Event{Type: LogLine})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[DeployStarted] == 2 && counts[DeployStopped] == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, counts[LogLine])
}

// TestUnsubscribe verifies a removed handler stops receiving events
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Shutdown()

	var mu sync.Mutex
	calls := 0
	unsubscribe := bus.Subscribe(LogLine, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	bus.Publish(Event{Type: LogLine})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe() // idempotent

	bus.Publish(Event{Type: LogLine})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// TestHandlerPanicRecovery ensures one panicking handler does not kill the workers
func TestHandlerPanicRecovery(t *testing.T) {
	core, recorded := observer.New(zap.ErrorLevel)
	bus := NewEventBusWithConfig(WorkerPoolConfig{WorkerCount: 1, BufferSize: 10, Logger: zap.New(core)})
	defer bus.Shutdown()

	done := make(chan struct{})
	bus.Subscribe(ToolExecuted, func(Event) { panic("boom") })
	bus.Subscribe(ToolExecuted, func(Event) { close(done) })

	bus.Publish(Event{Type: ToolExecuted, ProjectID: "p1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran")
	}

	require.Eventually(t, func() bool { return recorded.Len() == 1 }, time.Second, 10*time.Millisecond)
	entry := recorded.All()[0]
	assert.Equal(t, "Event handler panicked", entry.Message)
	assert.Equal(t, "boom", entry.ContextMap()["panic"])
	assert.Equal(t, "p1", entry.ContextMap()["project"])
}
