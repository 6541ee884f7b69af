package events

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventType string

const (
	ProcessStarted EventType = "process.started"
	ProcessExited  EventType = "process.exited"
	LogLine        EventType = "log.line"

	DebugStarted    EventType = "debug.started"
	DebugStopped    EventType = "debug.stopped"
	ToolsDiscovered EventType = "debug.tools_discovered"
	ToolExecuted    EventType = "debug.tool_executed"

	DeployStarted EventType = "deploy.started"
	DeployStopped EventType = "deploy.stopped"
	DeployFailed  EventType = "deploy.failed"

	SourceChanged EventType = "project.source_changed"

	GatewayRequest EventType = "gateway.request"
)

type Event struct {
	ID        string
	Type      EventType
	ProjectID string
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// WorkerPoolConfig holds configuration for the event bus worker pool
type WorkerPoolConfig struct {
	WorkerCount int // Number of worker goroutines (default: CPU cores * 2)
	BufferSize  int // Channel buffer size (default: 1000)
	Logger      *zap.Logger
}

// DefaultWorkerPoolConfig returns the default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: runtime.NumCPU() * 2,
		BufferSize:  1000,
	}
}

type eventTask struct {
	event   Event
	handler Handler
}

type subscription struct {
	id      uint64
	handler Handler
}

type EventBus struct {
	handlers   map[EventType][]subscription
	nextSubID  uint64
	mu         sync.RWMutex
	workerPool chan eventTask
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	config     WorkerPoolConfig
	logger     *zap.Logger
}

func NewEventBus() *EventBus {
	return NewEventBusWithConfig(DefaultWorkerPoolConfig())
}

func NewEventBusWithConfig(config WorkerPoolConfig) *EventBus {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		logger:     logger.Named("events"),
		handlers:   make(map[EventType][]subscription),
		workerPool: make(chan eventTask, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
		config:     config,
	}

	for i := 0; i < config.WorkerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

// worker processes events from the worker pool
func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case task := <-eb.workerPool:
			eb.runHandler(task.handler, task.event)
		case <-eb.ctx.Done():
			return
		}
	}
}

// runHandler keeps a panicking handler from taking its worker down. The
// panic is logged, never printed, since stdout may carry a protocol.
func (eb *EventBus) runHandler(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("Event handler panicked",
				zap.String("type", string(e.Type)),
				zap.String("project", e.ProjectID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	h(e)
}

// Subscribe registers handler for eventType. The returned function removes
// the subscription; it is safe to call more than once.
func (eb *EventBus) Subscribe(eventType EventType, handler Handler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextSubID++
	id := eb.nextSubID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { eb.unsubscribe(eventType, id) })
	}
}

func (eb *EventBus) unsubscribe(eventType EventType, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			// Copy so in-flight Publish calls keep their snapshot
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			eb.handlers[eventType] = next
			return
		}
	}
}

func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.ID = uuid.New().String()

	eb.mu.RLock()
	subs := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, s := range subs {
		task := eventTask{event: event, handler: s.handler}

		select {
		case eb.workerPool <- task:
		default:
			// Worker pool full, run on a fresh goroutine
			go runHandler(s.handler, event)
		}
	}
}

// Shutdown gracefully shuts down the EventBus worker pool
func (eb *EventBus) Shutdown() {
	eb.cancel()
	eb.wg.Wait()
}
