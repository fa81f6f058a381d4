// Package sse implements the Server-Sent Events broadcast hub: a topic
// registry with per-connection write queues, per-topic and per-IP
// connection caps, and keepalive comments.
package sse

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MaxTopicSubscribers caps the number of subscribers a single topic accepts.
const MaxTopicSubscribers = 1000

// MaxSubscribersPerIP caps connections from one IP across all topics.
const MaxSubscribersPerIP = 10

// KeepaliveInterval is the period between ':' comment keepalive lines.
const KeepaliveInterval = 15 * time.Second

// QueueDepth bounds each subscriber's pending-event buffer before the
// subscriber is considered too slow and dropped.
const QueueDepth = 256

// Event is one SSE message.
type Event struct {
	ID    string
	Name  string
	Data  string
	Retry int // milliseconds, 0 = omit
}

// Encode renders an Event in the W3C EventSource wire format.
func (e Event) Encode() []byte {
	var buf bytes.Buffer
	if e.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", e.ID)
	}
	if e.Name != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.Name)
	}
	if e.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", e.Retry)
	}
	for _, line := range strings.Split(e.Data, "\n") {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// KeepaliveComment is the literal bytes of one keepalive line.
var KeepaliveComment = []byte(": keepalive\n\n")

// Subscriber is one open SSE connection's outbound queue.
type Subscriber struct {
	ip     string
	topic  string
	queue  chan Event
	closed chan struct{}
	once   sync.Once
}

// Events returns the channel to range over for outbound events.
func (s *Subscriber) Events() <-chan Event { return s.queue }

// Closed reports whether the subscriber has been torn down.
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// Hub is the process-wide SSE broadcast registry.
type Hub struct {
	mu          sync.Mutex
	topics      map[string]map[*Subscriber]struct{}
	ipCounts    map[string]int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		topics:   make(map[string]map[*Subscriber]struct{}),
		ipCounts: make(map[string]int),
	}
}

// Subscribe registers a new subscriber for topic from the given client ip,
// enforcing both caps. Returns an error if either cap is exceeded.
func (h *Hub) Subscribe(topic, ip string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ipCounts[ip] >= MaxSubscribersPerIP {
		return nil, fmt.Errorf("sse: ip %s exceeds max %d connections", ip, MaxSubscribersPerIP)
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.topics[topic] = set
	}
	if len(set) >= MaxTopicSubscribers {
		return nil, fmt.Errorf("sse: topic %s exceeds max %d subscribers", topic, MaxTopicSubscribers)
	}

	sub := &Subscriber{
		ip:     ip,
		topic:  topic,
		queue:  make(chan Event, QueueDepth),
		closed: make(chan struct{}),
	}
	set[sub] = struct{}{}
	h.ipCounts[ip]++
	return sub, nil
}

// Unsubscribe removes a subscriber and releases its IP slot.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.topics[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	h.ipCounts[sub.ip]--
	if h.ipCounts[sub.ip] <= 0 {
		delete(h.ipCounts, sub.ip)
	}
	sub.close()
}

// Publish delivers ev to every current subscriber of topic. A subscriber
// whose queue is full is dropped (closed) rather than blocking the
// publisher.
func (h *Hub) Publish(topic string, ev Event) {
	h.mu.Lock()
	set, ok := h.topics[topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- ev:
		default:
			h.Unsubscribe(s)
		}
	}
}

// TopicSubscriberCount returns the current subscriber count for topic
// (test/metrics helper).
func (h *Hub) TopicSubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}
