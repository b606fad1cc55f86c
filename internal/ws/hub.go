// Package ws fans capture notifications out to streaming subscribers.
package ws

import (
	"log/slog"
	"sync"
)

// TopicCaptures carries one message per stored capture.
const TopicCaptures = "captures"

const (
	broadcastBuffer = 64
	// subscriberBuffer bounds the messages queued for one slow subscriber.
	subscriberBuffer = 16
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by topic. Each subscriber is written from
// its own goroutine, so Broadcast never waits on a client. Messages that do
// not fit a full queue are dropped.
type Hub struct {
	mu        sync.RWMutex
	topics    map[string]map[Subscriber]*queue
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithLogger reports dropped messages at debug level.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.log = logger.With("component", "ws_hub")
		}
	}
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

// queue feeds one subscriber.
type queue struct {
	out  chan []byte
	stop chan struct{}
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		topics:    make(map[string]map[Subscriber]*queue),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		done:      make(chan struct{}),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, clients := range h.topics {
				for c, q := range clients {
					close(q.stop)
					c.Close()
				}
			}
			h.topics = make(map[string]map[Subscriber]*queue)
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			clients, ok := h.topics[sub.topic]
			if !ok {
				clients = make(map[Subscriber]*queue)
				h.topics[sub.topic] = clients
			}
			if _, dup := clients[sub.client]; !dup {
				q := &queue{out: make(chan []byte, subscriberBuffer), stop: make(chan struct{})}
				clients[sub.client] = q
				go h.pump(sub.topic, sub.client, q)
			}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.remove(sub.topic, sub.client)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, q := range h.topics[msg.topic] {
				select {
				case q.out <- msg.payload:
				default:
					h.log.Debug("subscriber queue full, dropping message", "topic", msg.topic)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// pump delivers queued messages to client until it is removed or fails.
func (h *Hub) pump(topic string, client Subscriber, q *queue) {
	for {
		select {
		case <-q.stop:
			return
		case payload := <-q.out:
			if err := client.Send(payload); err != nil {
				client.Close()
				h.Unregister(topic, client)
				return
			}
		}
	}
}

func (h *Hub) remove(topic string, client Subscriber) {
	clients, ok := h.topics[topic]
	if !ok {
		return
	}
	if q, ok := clients[client]; ok {
		close(q.stop)
		delete(clients, client)
	}
	if len(clients) == 0 {
		delete(h.topics, topic)
	}
}

// Register subscribes a client to a topic.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Unregister removes a client from a topic.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of topic without blocking.
// It reports false when the hub is closed or its buffer is full.
func (h *Hub) Broadcast(topic string, payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
		return true
	default:
		h.log.Debug("hub buffer full, dropping message", "topic", topic)
		return false
	}
}

// Subscribers reports how many clients listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every subscriber and stops the dispatch loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
