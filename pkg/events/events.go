package events

import (
	"sync"
	"time"
)

// EventType represents the type of event, mirrored onto the lattice as
// a control-plane publish event by pkg/control.
type EventType string

const (
	EventComponentScaled  EventType = "component_scaled"
	EventComponentUpdated EventType = "component_updated"
	EventComponentStopped EventType = "component_stopped"
	EventProviderStarted  EventType = "provider_started"
	EventProviderStopped  EventType = "provider_stopped"
	EventLinkPut          EventType = "link_put"
	EventLinkDel          EventType = "link_del"
	EventConfigPut        EventType = "config_put"
	EventConfigDel        EventType = "config_del"
	EventHostStarted      EventType = "host_started"
	EventHostStopped      EventType = "host_stopped"
)

// ComponentScaledPayload reports a component's new instance ceiling,
// whether this is its first scale or a later resize.
type ComponentScaledPayload struct {
	ComponentID  string `json:"component_id"`
	MaxInstances uint32 `json:"max_instances"`
}

// ComponentUpdatedPayload reports a live artifact swap on a running
// component (the generation bump happens in pkg/lifecycle; this only
// announces the new reference).
type ComponentUpdatedPayload struct {
	ComponentID string `json:"component_id"`
	ArtifactRef string `json:"artifact_ref"`
}

// ComponentStoppedPayload reports a component leaving the host
// entirely: its pool destroyed and its inbound RPC subject closed.
type ComponentStoppedPayload struct {
	ComponentID string `json:"component_id"`
}

// ProviderStartedPayload and ProviderStoppedPayload report a
// capability provider process's supervision state.
type ProviderStartedPayload struct {
	ProviderID string `json:"provider_id"`
}

type ProviderStoppedPayload struct {
	ProviderID string `json:"provider_id"`
}

// LinkPutPayload and LinkDelPayload report a link registration or
// removal. Del carries only the key's source half: a link is
// addressed for deletion by its LinkKey, which pkg/registry already
// resolves to the exact (namespace, package, interface, link name)
// tuple being dropped.
type LinkPutPayload struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
}

type LinkDelPayload struct {
	SourceID string `json:"source_id"`
}

// ConfigPutPayload and ConfigDelPayload report a single key changing
// (Key set) or an entity's whole config being cleared (Key empty).
type ConfigPutPayload struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
}

type ConfigDelPayload struct {
	Entity string `json:"entity"`
	Key    string `json:"key,omitempty"`
}

// HostStartedPayload and HostStoppedPayload report this process's own
// lifecycle transitions.
type HostStartedPayload struct {
	HostID string `json:"host_id"`
}

type HostStoppedPayload struct {
	HostID string `json:"host_id"`
}

// Event is one lattice-visible occurrence. Payload holds one of the
// typed structs above, chosen by Type; pkg/control marshals it
// verbatim when forwarding the event onto the lattice as JSON.
type Event struct {
	ID        string      `json:"id,omitempty"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Message   string      `json:"message,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker is a generic, domain-agnostic fan-out: it does not inspect
// Payload, so it owes nothing to the event types above beyond carrying
// them. pkg/lifecycle and pkg/control publish; pkg/control also
// subscribes, to relay every event onto the lattice.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
