// Package eventbus fans spread/order/position/status events out to
// ephemeral per-bot subscribers. Delivery is best-effort: a slow or
// dead subscriber is dropped from the conversation, never allowed to
// block the publisher or its peers. A mutex guards the subscriber set,
// and sends use a non-blocking select-with-default so one stuck client
// can't stall a broadcast.
package eventbus

import (
	"sync"
	"time"
)

// Kind enumerates the four message kinds a bot topic carries.
type Kind string

const (
	SpreadUpdate   Kind = "spread_update"
	OrderUpdate    Kind = "order_update"
	PositionUpdate Kind = "position_update"
	StatusUpdate   Kind = "status_update"
)

// Event is one message published to a bot's topic.
type Event struct {
	Type      Kind        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

const subscriberBuffer = 32

// Subscriber is a handle returned by Subscribe. Callers read from Ch
// and must call Close when done (or simply stop reading; a full
// buffer causes the bus to drop the subscriber on its own).
type Subscriber struct {
	Ch chan Event

	botID int64
	bus   *Bus
	id    uint64
}

// Close detaches the subscriber from its bot's topic. Safe to call
// more than once.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s.botID, s.id)
}

type topic struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscriber
}

// Bus is an instance held by the Bot Manager, not a package-level
// global, so tests can construct independent buses.
type Bus struct {
	mu      sync.Mutex
	topics  map[int64]*topic
	nextID  uint64
	idMu    sync.Mutex
}

func New() *Bus {
	return &Bus{topics: make(map[int64]*topic)}
}

func (b *Bus) topicFor(botID int64) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[botID]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscriber)}
		b.topics[botID] = t
	}
	return t
}

// Subscribe attaches a new ephemeral subscriber to botID's topic.
func (b *Bus) Subscribe(botID int64) *Subscriber {
	b.idMu.Lock()
	b.nextID++
	id := b.nextID
	b.idMu.Unlock()

	sub := &Subscriber{Ch: make(chan Event, subscriberBuffer), botID: botID, bus: b, id: id}
	t := b.topicFor(botID)
	t.mu.Lock()
	t.subs[id] = sub
	t.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(botID int64, id uint64) {
	b.mu.Lock()
	t, ok := b.topics[botID]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	if sub, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(sub.Ch)
	}
	t.mu.Unlock()
}

// Publish fans out an event to every current subscriber of botID's
// topic. Delivery is FIFO per (publisher, topic) since a single
// goroutine drives each bot's ticks and therefore its publishes; across
// bots there is no ordering guarantee. A subscriber whose buffer is
// full is dropped rather than allowed to stall this call.
func (b *Bus) Publish(botID int64, kind Kind, data interface{}) {
	t := b.topicFor(botID)

	t.mu.RLock()
	recipients := make([]*Subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		recipients = append(recipients, s)
	}
	t.mu.RUnlock()

	event := Event{Type: kind, Timestamp: time.Now(), Data: data}
	var stuck []uint64
	for _, s := range recipients {
		select {
		case s.Ch <- event:
		default:
			stuck = append(stuck, s.id)
		}
	}
	for _, id := range stuck {
		b.unsubscribe(botID, id)
	}
}

// RemoveTopic drops a bot's topic entirely (e.g. once its Engine has
// stopped), closing every still-attached subscriber channel.
func (b *Bus) RemoveTopic(botID int64) {
	b.mu.Lock()
	t, ok := b.topics[botID]
	delete(b.topics, botID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	for id, sub := range t.subs {
		close(sub.Ch)
		delete(t.subs, id)
	}
	t.mu.Unlock()
}
