package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"votebridge/logger"
	"votebridge/models"
)

// SubscriberQueueSize is the per-subscriber channel buffer.
const SubscriberQueueSize = 64

type Type string

const (
	TypeVoteCast       Type = Type(models.EventVoteCast)
	TypeVoteRejected   Type = Type(models.EventVoteRejected)
	TypeProposalOpened Type = Type(models.EventProposalOpened)
	TypeProposalClosed Type = Type(models.EventProposalClosed)
)

type SubscriberID int

// Event wraps one audit record for in-process delivery.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      *models.AuditEvent
}

// Bus is a minimal in-process pub/sub hub. The settlement engine
// publishes audit events on it so indexer-facing consumers (and tests)
// can observe settlement without polling storage. Publishing never
// blocks: the engine holds the settlement lock while publishing, so a
// slow subscriber drops events rather than stalling settlement. The
// persisted audit log remains the source of truth.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type]map[SubscriberID]chan Event
	lastSubID   SubscriberID
	metrics     *busMetrics
}

type busMetrics struct {
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers prometheus.Gauge
}

// NewBus creates a Bus; promRegistry may be nil to disable metrics.
func NewBus(promRegistry prometheus.Registerer) *Bus {
	b := &Bus{
		subscribers: make(map[Type]map[SubscriberID]chan Event),
	}
	if promRegistry != nil {
		b.metrics = &busMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "votebridge_events_published_total",
				Help: "Audit events published to the bus, by type",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "votebridge_events_dropped_total",
				Help: "Audit events dropped due to a full subscriber queue, by type",
			}, []string{"type"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "votebridge_event_subscribers",
				Help: "Currently registered event subscribers",
			}),
		}
		promRegistry.MustRegister(b.metrics.published, b.metrics.dropped, b.metrics.subscribers)
	}
	return b
}

// Subscribe registers for events of one type and returns the id and
// receive channel. The channel is closed on Unsubscribe or Stop.
func (b *Bus) Subscribe(eventType Type) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSubID++
	id := b.lastSubID
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[SubscriberID]chan Event)
	}
	ch := make(chan Event, SubscriberQueueSize)
	b.subscribers[eventType][id] = ch
	if b.metrics != nil {
		b.metrics.subscribers.Inc()
	}
	return id, ch
}

// SubscribeFunc registers a callback invoked from a dedicated goroutine
// for every event of the given type.
func (b *Bus) SubscribeFunc(eventType Type, fn func(Event)) SubscriberID {
	id, ch := b.Subscribe(eventType)
	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()
	return id
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(eventType Type, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[eventType]
	if !ok {
		return
	}
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subscribers, eventType)
	}
	close(ch)
	if b.metrics != nil {
		b.metrics.subscribers.Dec()
	}
}

// Publish delivers one audit event to all subscribers of its type
func (b *Bus) Publish(data *models.AuditEvent) {
	eventType := Type(data.Kind)
	ev := Event{Type: eventType, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers[eventType] {
		select {
		case ch <- ev:
		default:
			if b.metrics != nil {
				b.metrics.dropped.WithLabelValues(string(eventType)).Inc()
			}
			logger.Logger.Warn("event subscriber queue full, dropping event",
				zap.String("type", string(eventType)), zap.Int("subscriber", int(id)))
		}
	}
	if b.metrics != nil {
		b.metrics.published.WithLabelValues(string(eventType)).Inc()
	}
}

// Stop closes all subscriber channels and clears the bus
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[Type]map[SubscriberID]chan Event)
	if b.metrics != nil {
		b.metrics.subscribers.Set(0)
	}
}
