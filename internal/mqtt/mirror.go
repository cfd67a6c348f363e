package mqtt

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"loxonecontrol/internal/events"

	"go.uber.org/zap"
)

var umlauts = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss")

// StatusTopic is the retained online/offline topic of the bridge.
func StatusTopic(prefix string) string {
	return prefix + "/bridge/status"
}

// Topic is where events of an accessory are mirrored. State events go to
// the state leaf, everything else to the event leaf.
func Topic(prefix string, ev events.Event) string {
	leaf := "event"
	if ev.Kind == events.KindState {
		leaf = "state"
	}
	name := ev.Name
	if name == "" {
		name = ev.Identifier
	}
	return strings.Join([]string{prefix, Slug(ev.Room), Slug(name), leaf}, "/")
}

// Slug lowercases s and replaces everything but letters and digits with dashes.
func Slug(s string) string {
	s = umlauts.Replace(strings.ToLower(s))

	var b strings.Builder
	dash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "unknown"
	}
	return slug
}

type message struct {
	Identifier string         `json:"identifier"`
	Category   string         `json:"category"`
	Kind       string         `json:"kind"`
	State      map[string]any `json:"state,omitempty"`
	Time       time.Time      `json:"time"`
}

// queueSize bounds the events waiting for the broker.
const queueSize = 256

// Mirror publishes bus events to MQTT. Events are queued and published by a
// worker so bus publishers never wait for the broker.
type Mirror struct {
	publisher Publisher
	prefix    string
	bus       *events.Bus
	sub       events.Subscription
	logger    *zap.Logger

	queue chan events.Event
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewMirror creates a mirror publishing below prefix.
func NewMirror(publisher Publisher, prefix string, bus *events.Bus, logger *zap.Logger) *Mirror {
	return &Mirror{
		publisher: publisher,
		prefix:    prefix,
		bus:       bus,
		logger:    logger.Named("mqtt"),
		queue:     make(chan events.Event, queueSize),
		done:      make(chan struct{}),
	}
}

// Start announces the bridge, queues the cached states and follows the bus.
func (m *Mirror) Start() {
	if err := m.publisher.Publish(StatusTopic(m.prefix), []byte(statusOnline), true); err != nil {
		m.logger.Error("Failed to publish bridge status", zap.Error(err))
	}

	m.wg.Add(1)
	go m.run()

	for _, ev := range m.bus.Snapshot() {
		m.enqueue(ev)
	}
	m.sub = m.bus.Subscribe(m.enqueue)
}

// Stop unsubscribes, publishes what is still queued, marks the bridge
// offline and closes the publisher.
func (m *Mirror) Stop() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	close(m.done)
	m.wg.Wait()

	if err := m.publisher.Publish(StatusTopic(m.prefix), []byte(statusOffline), true); err != nil {
		m.logger.Warn("Failed to publish bridge status", zap.Error(err))
	}
	m.publisher.Close()
}

// enqueue never blocks. Events are dropped when the queue is full.
func (m *Mirror) enqueue(ev events.Event) {
	select {
	case <-m.done:
		return
	default:
	}

	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("Mirror queue full, dropping event",
			zap.String("identifier", ev.Identifier),
			zap.String("kind", ev.Kind))
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.publish(ev)
		case <-m.done:
			for {
				select {
				case ev := <-m.queue:
					m.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) publish(ev events.Event) {
	payload, err := json.Marshal(message{
		Identifier: ev.Identifier,
		Category:   ev.Category,
		Kind:       ev.Kind,
		State:      ev.State,
		Time:       ev.Time,
	})
	if err != nil {
		m.logger.Error("Failed to encode event", zap.String("identifier", ev.Identifier), zap.Error(err))
		return
	}

	topic := Topic(m.prefix, ev)
	if err := m.publisher.Publish(topic, payload, ev.Kind == events.KindState); err != nil {
		m.logger.Warn("Failed to mirror event", zap.String("topic", topic), zap.Error(err))
	}
}
