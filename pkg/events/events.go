package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventRunStarted         EventType = "run.started"
	EventRunCompleted       EventType = "run.completed"
	EventRunFailed          EventType = "run.failed"
	EventPhaseStarted       EventType = "phase.started"
	EventPhaseCompleted     EventType = "phase.completed"
	EventComponentStarted   EventType = "component.started"
	EventComponentCompleted EventType = "component.completed"
	EventComponentSkipped   EventType = "component.skipped"
	EventComponentFailed    EventType = "component.failed"
	EventRollbackStarted    EventType = "rollback.started"
	EventRollbackCompleted  EventType = "rollback.completed"
	EventRollbackFailed     EventType = "rollback.failed"
)

// Event represents one upgrade lifecycle event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop terminates distribution after draining queued events
func (b *Broker) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Subscribe registers a new subscriber channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 32)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for distribution. Never blocks the publisher.
func (b *Broker) Publish(eventType EventType, message string, metadata map[string]string) {
	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	}

	select {
	case b.eventCh <- event:
	default:
		// Queue full: drop rather than stall an upgrade step
	}
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.eventCh:
			b.distribute(event)
		case <-b.stopCh:
			// Drain what is already queued
			for {
				select {
				case event := <-b.eventCh:
					b.distribute(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) distribute(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Slow subscriber: skip, never block distribution
		}
	}
}
