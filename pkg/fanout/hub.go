package fanout

import (
	"sync"

	"caselog/pkg/logger"
)

// DefaultBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind is marked lagged and must resync from storage.
const DefaultBuffer = 256

// SystemSubject is the broadcast subject for engine-level notifications
// such as resets.
const SystemSubject = "system"

// Notification announces an applied event to live subscribers. It carries
// identifiers only; subscribers hydrate state from the stores.
type Notification struct {
	Seq          uint64 `json:"seq"`
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Deleted      bool   `json:"deleted,omitempty"`
}

// Subscriber receives notifications on C in publish order. Lagged is closed
// when the hub had to drop a notification for this subscriber; once lagged,
// the stream has a gap and the subscriber must resync.
type Subscriber struct {
	C      <-chan Notification
	Lagged <-chan struct{}

	id     int
	ch     chan Notification
	lagged chan struct{}
	once   sync.Once
}

// Hub broadcasts applied-event notifications to any number of subscribers
// with bounded buffering per subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[int]*Subscriber
	next int
	size int
}

// NewHub creates a hub with the given per-subscriber buffer size. A
// non-positive size uses the default.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Hub{subs: map[int]*Subscriber{}, size: size}
}

// Subscribe registers a new subscriber. The caller must Unsubscribe when
// done or the hub keeps buffering for it.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &Subscriber{
		id:     h.next,
		ch:     make(chan Notification, h.size),
		lagged: make(chan struct{}),
	}
	s.C = s.ch
	s.Lagged = s.lagged
	h.subs[h.next] = s
	h.next++
	logger.Debug("subscriber_added", "id", s.id, "subscribers", len(h.subs))
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.ch)
	logger.Debug("subscriber_removed", "id", s.id, "subscribers", len(h.subs))
}

// Publish delivers the notification to every subscriber without blocking.
// Subscribers whose buffer is full get a lag signal instead of the dropped
// notification, so delivered streams never reorder or silently skip.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.ch <- n:
		default:
			s.once.Do(func() { close(s.lagged) })
			logger.Warn("subscriber_lagged", "id", s.id, "seq", n.Seq)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
