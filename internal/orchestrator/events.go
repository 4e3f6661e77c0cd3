package orchestrator

import (
	"sync"
	"time"
)

// Event types carried by the hub. The orchestrator publishes the
// container and shutdown events; it does not publish EventQueueRetry.
const (
	EventContainerStarted  = "container:started"
	EventContainerOutput   = "container:output"
	EventContainerFinished = "container:finished"
	EventQueueRetry        = "queue:retry"
	EventShutdown          = "orchestrator:shutdown"
)

// Event is one orchestrator lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	Group     string    `json:"group,omitempty"`
	Container string    `json:"container,omitempty"`
	Detail    any       `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// EventClient is one subscriber's buffered feed.
type EventClient struct {
	send chan Event
}

// C returns the client's event channel.
func (c *EventClient) C() <-chan Event {
	return c.send
}

// EventHub fans orchestrator events out to subscribers. Slow subscribers
// drop events rather than block the publisher.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*EventClient]bool
	closed  bool
}

// NewEventHub creates an EventHub.
func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[*EventClient]bool)}
}

// Subscribe registers a new client.
func (h *EventHub) Subscribe() *EventClient {
	client := &EventClient{send: make(chan Event, 64)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(client.send)
		return client
	}
	h.clients[client] = true
	return client
}

// Unsubscribe removes a client and closes its channel.
func (h *EventHub) Unsubscribe(client *EventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
}

// Publish delivers an event to every subscriber, stamping its time.
func (h *EventHub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			// Client buffer full, skip this event
		}
	}
}

// ClientCount returns the number of live subscribers.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}
