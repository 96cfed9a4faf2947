package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence in the control service: a command starting or
// finishing, a stage failing, a session opening or closing.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`

	// CommandID correlates all events of one command invocation.
	CommandID string `json:"command_id,omitempty"`
	Command   string `json:"command,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeCommandStarted   = "command.started"
	EventTypeCommandCompleted = "command.completed"
	EventTypeCommandFailed    = "command.failed"
	EventTypeStageFailed      = "stage.failed"
	EventTypeSessionCreated   = "session.created"
	EventTypeSessionDestroyed = "session.destroyed"
	EventTypeFleetState       = "fleet.state_changed"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, optionally through a
// buffered queue drained by a single goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. A nil or disabled publisher
// drops it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "engine"
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishCommandStarted publishes a command started event.
func (ep *EventPublisher) PublishCommandStarted(commandID, command string) error {
	return ep.Publish(Event{
		Type:      EventTypeCommandStarted,
		CommandID: commandID,
		Command:   command,
		Message:   fmt.Sprintf("%s started", command),
		Level:     EventLevelInfo,
	})
}

// PublishCommandCompleted publishes a command completed event.
func (ep *EventPublisher) PublishCommandCompleted(commandID, command, sessionID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeCommandCompleted,
		CommandID: commandID,
		Command:   command,
		SessionID: sessionID,
		Message:   fmt.Sprintf("%s done", command),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishCommandFailed publishes a command failed event.
func (ep *EventPublisher) PublishCommandFailed(commandID, command, sessionID, kind, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeCommandFailed,
		CommandID: commandID,
		Command:   command,
		SessionID: sessionID,
		Message:   fmt.Sprintf("%s failed: %s", command, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishStageFailed publishes a pipeline stage failure.
func (ep *EventPublisher) PublishStageFailed(commandID, command, stage, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeStageFailed,
		CommandID: commandID,
		Command:   command,
		Message:   fmt.Sprintf("stage %s of %s failed: %s", stage, command, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"stage": stage,
		},
	})
}

// PublishSessionChanged publishes a session created or destroyed event.
func (ep *EventPublisher) PublishSessionChanged(commandID, sessionID string, created bool) error {
	typ, msg := EventTypeSessionDestroyed, "session destroyed"
	if created {
		typ, msg = EventTypeSessionCreated, "session created"
	}
	return ep.Publish(Event{
		Type:      typ,
		Source:    "session",
		CommandID: commandID,
		SessionID: sessionID,
		Message:   msg,
		Level:     EventLevelInfo,
	})
}

// PublishFleetState publishes the aggregated device state after a transition.
func (ep *EventPublisher) PublishFleetState(commandID, sessionID, transition, state string) error {
	return ep.Publish(Event{
		Type:      EventTypeFleetState,
		Source:    "fleet",
		CommandID: commandID,
		SessionID: sessionID,
		Message:   fmt.Sprintf("devices reached %s after %s", state, transition),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"transition": transition,
			"state":      state,
		},
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain whatever is queued, up to one batch, before delivering.
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()
			return
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers queued events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows only the given event types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByCommandID allows only the events of one command invocation.
func FilterByCommandID(commandID string) EventFilter {
	return func(event Event) bool {
		return event.CommandID == commandID
	}
}
