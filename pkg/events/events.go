package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventAgentConnected      EventType = "agent.connected"
	EventAgentDisconnected   EventType = "agent.disconnected"
	EventDeploymentInstalled EventType = "deployment.installed"
	EventDeploymentFailed    EventType = "deployment.failed"
	EventDeploymentStarted   EventType = "deployment.started"
	EventDeploymentStopped   EventType = "deployment.stopped"
	EventDeploymentRemoved   EventType = "deployment.removed"
	EventProxyReloaded       EventType = "proxy.reloaded"
	EventProxyCircuitOpened  EventType = "proxy.circuit_opened"
	EventServerDeleted       EventType = "server.deleted"
)

// Event is one control-plane notification. Metadata values never
// contain secrets.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives published events. Each subscriber has its own
// buffer; a full buffer drops the event for that subscriber only.
type Subscriber chan *Event

const (
	publishBuffer    = 100
	subscriberBuffer = 50
)

// Broker fans published events out to every subscriber.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, publishBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop terminates distribution. Publish becomes a no-op afterwards.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for distribution. A zero timestamp is
// stamped with the current time.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
