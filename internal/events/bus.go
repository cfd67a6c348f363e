package events

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kinds of accessory events.
const (
	KindState    = "state"
	KindIdentify = "identify"
	KindCommand  = "command"
)

// Event describes something that happened to an accessory.
type Event struct {
	Identifier string         `json:"identifier"`
	Name       string         `json:"name"`
	Room       string         `json:"room"`
	Category   string         `json:"category"`
	Kind       string         `json:"kind"`
	State      map[string]any `json:"state,omitempty"`
	Time       time.Time      `json:"time"`
}

// Handler is called for every published event
type Handler func(Event)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id  uint64
	bus *Bus
}

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus fans accessory events out to subscribers and remembers the last
// state event of every accessory.
type Bus struct {
	logger *zap.Logger

	subsMu      sync.RWMutex
	subscribers map[uint64]Handler
	nextID      uint64

	cacheMu sync.RWMutex
	last    map[string]Event
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger.Named("events"),
		subscribers: make(map[uint64]Handler),
		last:        make(map[string]Event),
	}
}

// Publish delivers ev to all subscribers in the caller's goroutine. A
// panicking handler is logged and does not affect the others.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	if ev.Kind == KindState {
		b.cacheMu.Lock()
		b.last[ev.Identifier] = ev
		b.cacheMu.Unlock()
	}

	b.subsMu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.subsMu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("identifier", ev.Identifier),
				zap.String("kind", ev.Kind),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}

// Subscribe registers handler for all future events
func (b *Bus) Subscribe(handler Handler) Subscription {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[id] = handler

	return &subscription{id: id, bus: b}
}

func (b *Bus) unsubscribe(id uint64) {
	b.subsMu.Lock()
	delete(b.subscribers, id)
	b.subsMu.Unlock()
}

// Snapshot returns the last state event of every accessory, sorted by identifier.
func (b *Bus) Snapshot() []Event {
	if b == nil {
		return nil
	}

	b.cacheMu.RLock()
	result := make([]Event, 0, len(b.last))
	for _, ev := range b.last {
		result = append(result, ev)
	}
	b.cacheMu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Identifier < result[j].Identifier
	})
	return result
}
