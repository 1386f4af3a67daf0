// Package notify fans state changes out to observers subscribed to a user,
// a device or the global inventory feed.
package notify

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

type TopicKind string

const (
	KindUser      TopicKind = "user"
	KindDevice    TopicKind = "device"
	KindInventory TopicKind = "inventory"
)

// Topic addresses a group of observers.
type Topic struct {
	Kind TopicKind
	Key  string
}

func UserTopic(userID string) Topic     { return Topic{Kind: KindUser, Key: userID} }
func DeviceTopic(deviceID string) Topic { return Topic{Kind: KindDevice, Key: deviceID} }
func InventoryTopic() Topic             { return Topic{Kind: KindInventory} }

func (t Topic) String() string {
	if t.Key == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.Key
}

// Sink receives every published event after local fan-out, e.g. to mirror
// it onto a message broker. Publish must not block.
type Sink interface {
	Publish(event Event, topics []Topic)
}

type Options struct {
	Buffer int
	Sink   Sink
	// OnDrop is called when an event is dropped for a slow subscriber.
	OnDrop func(EventType)
	Logger *slog.Logger
}

// Hub routes events to subscribers. Delivery never blocks the publisher: a
// subscriber whose queue is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	topics map[Topic]map[*Subscriber]struct{}

	buffer int
	sink   Sink
	onDrop func(EventType)
	logger *slog.Logger
}

func NewHub(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		topics: make(map[Topic]map[*Subscriber]struct{}),
		buffer: opts.Buffer,
		sink:   opts.Sink,
		onDrop: opts.OnDrop,
		logger: opts.Logger,
	}
}

// Subscriber is one observer's queue.
type Subscriber struct {
	id     string
	events chan Event
	hub    *Hub

	// guarded by hub.mu
	topics map[Topic]struct{}
	closed bool
}

func (s *Subscriber) ID() string { return s.id }

// Events is closed when the subscriber is closed.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Subscribe adds topics to the subscriber.
func (s *Subscriber) Subscribe(topics ...Topic) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	for _, t := range topics {
		subs, ok := h.topics[t]
		if !ok {
			subs = make(map[*Subscriber]struct{})
			h.topics[t] = subs
		}
		subs[s] = struct{}{}
		s.topics[t] = struct{}{}
	}
}

// Unsubscribe removes topics from the subscriber. Unknown topics are ignored.
func (s *Subscriber) Unsubscribe(topics ...Topic) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		h.detach(s, t)
	}
}

// Topics returns the subscriber's current topics.
func (s *Subscriber) Topics() []Topic {
	h := s.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make([]Topic, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	return topics
}

// Close detaches the subscriber from every topic and closes its queue. It
// is safe to call more than once.
func (s *Subscriber) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	for t := range s.topics {
		h.detach(s, t)
	}
	s.closed = true
	close(s.events)
}

func (h *Hub) detach(s *Subscriber, t Topic) {
	delete(s.topics, t)
	if subs, ok := h.topics[t]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, t)
		}
	}
}

// Subscribe registers a new subscriber on topics.
func (h *Hub) Subscribe(topics ...Topic) *Subscriber {
	s := &Subscriber{
		id:     uuid.NewString(),
		events: make(chan Event, h.buffer),
		hub:    h,
		topics: make(map[Topic]struct{}),
	}
	s.Subscribe(topics...)
	return s
}

// Publish delivers event once to every subscriber of any of topics and
// returns the number of subscribers that received it.
func (h *Hub) Publish(event Event, topics ...Topic) int {
	delivered := 0

	h.mu.RLock()
	seen := make(map[*Subscriber]struct{})
	for _, t := range topics {
		for s := range h.topics[t] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			select {
			case s.events <- event:
				delivered++
			default:
				h.logger.Warn("dropping notification for slow subscriber",
					"subscriber_id", s.id, "type", event.Type)
				if h.onDrop != nil {
					h.onDrop(event.Type)
				}
			}
		}
	}
	h.mu.RUnlock()

	if h.sink != nil {
		h.sink.Publish(event, topics)
	}
	return delivered
}

// Subscribers returns how many subscribers listen on topic.
func (h *Hub) Subscribers(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
