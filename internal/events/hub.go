package events

import (
	"sync"

	"github.com/google/uuid"
)

// Publisher is the write side of the hub, consumed by the queue, registry,
// scheduler and dispatcher. The hub implements it; tests substitute a
// recording fake.
type Publisher interface {
	PublishJob(jobID uuid.UUID, typ MessageType, payload any)
	PublishRobot(robotID uuid.UUID, typ MessageType, payload any)
}

// Hub is the central pub/sub broker for admin WebSocket clients. It keeps
// the registry of connected clients and routes published messages to every
// client subscribed to the message's topic, plus the events:all firehose.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister) are serialised
// through a single goroutine (the Run loop) via channels. Publish is the
// one exception: it reads the registry under the read lock and performs its
// non-blocking sends while still holding it. Run only closes a client's
// send channel under the write lock, so a send can never race the close.
type Hub struct {
	// clients maps each connected client to the set of topics it is
	// subscribed to. Keyed by pointer for O(1) register/unregister.
	clients map[*Client]struct{}

	// topics maps each topic string to the set of subscribed clients.
	// Both maps are always updated together.
	topics map[string]map[*Client]struct{}

	// mu protects clients and topics during Publish, which reads them from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when the Run loop exits.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				// Signal the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic and to the
// events:all firehose. Safe to call from any goroutine. Clients whose send
// buffer is full are disconnected so a slow consumer cannot stall the rest.
func (h *Hub) Publish(topic string, msg Message) {
	msg.Topic = topic

	h.mu.RLock()
	var evict []*Client
	seen := make(map[*Client]struct{})
	for _, t := range []string{topic, TopicAll} {
		for c := range h.topics[t] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.send <- msg:
			default:
				// Send buffer full: the client is too slow to keep up.
				evict = append(evict, c)
			}
		}
	}
	h.mu.RUnlock()

	// Queued after unlocking; the Run loop takes the write lock to process
	// an unregister.
	for _, c := range evict {
		h.unregister <- c
	}
}

// PublishJob publishes on the job:<uuid> topic.
func (h *Hub) PublishJob(jobID uuid.UUID, typ MessageType, payload any) {
	h.Publish("job:"+jobID.String(), Message{Type: typ, Payload: payload})
}

// PublishRobot publishes on the robot:<uuid> topic.
func (h *Hub) PublishRobot(robotID uuid.UUID, typ MessageType, payload any) {
	h.Publish("robot:"+robotID.String(), Message{Type: typ, Payload: payload})
}

// Subscribe registers client with the hub and adds it to all its topics.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected clients.
// Intended for metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
