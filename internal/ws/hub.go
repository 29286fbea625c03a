package ws

import (
	"context"
	"sync"
)

// Hub routes published events to the clients subscribed to their topics.
// Registry mutations are serialised through the Run loop; Publish holds a
// read lock only long enough to copy the target set so a slow client never
// blocks the event loop.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
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

// Run is the hub's event loop. It exits when ctx is cancelled, closing
// every connected client.
func (h *Hub) Run(ctx context.Context) {
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

// Publish queues e for every client subscribed to topic. Clients whose
// send buffer is full are disconnected so one slow consumer cannot stall
// the rest of the topic.
func (h *Hub) Publish(topic string, e Event) {
	h.mu.RLock()
	targets := h.topics[topic]
	clients := make([]*Client, 0, len(targets))
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- e:
		default:
			c.lagged.Store(true)
			select {
			case h.unregister <- c:
			case <-h.stopped:
			}
		}
	}
}

// Broadcast publishes e on its task topic, its pool topic, and the
// firehose.
func (h *Hub) Broadcast(e Event) {
	h.Publish(TaskTopic(e.TaskID), e)
	h.Publish(PoolTopic(e.Pool), e)
	h.Publish(TopicAll, e)
}

// subscribe registers client; called from Client.Run.
func (h *Hub) subscribe(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
	}
}

// unsubscribe removes client; called from the client's read pump.
func (h *Hub) unsubscribe(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// ConnectedCount reports the number of connected clients, for metrics.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
