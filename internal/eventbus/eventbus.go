// Package eventbus provides the internal typed pub/sub fan-out used to
// connect the Broker Transport, Market-Data Store, Strategy Monitor, and
// Command Dispatcher (spec §4.3-§4.5). It generalizes and fixes a
// struct-definition bug in the teacher's internal/events/event_bus.go
// (EventBusConfig was declared mid-struct-literal); this version has no
// such defect.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type identifies an event category.
type Type string

const (
	TypeBarClose   Type = "barClose"
	TypeTick       Type = "tick"
	TypeSignal     Type = "signal"
	TypeOrder      Type = "order"
	TypeExecution  Type = "execution"
	TypeRisk       Type = "risk"
	TypeConnection Type = "connection"
	TypePosition   Type = "position"
	TypeAccount    Type = "account"
)

// Event is the common envelope for anything published on the bus. Payload
// carries the concrete value (types.Bar, types.Tick, types.Signal, ...).
type Event struct {
	Type      Type
	Timestamp time.Time
	Payload   any
}

// Delivery is the guarantee a subscriber asks for.
type Delivery int

const (
	// BestEffort subscribers are dropped from a publish if their buffer is
	// full (spec §4.5: "tick events are considered best-effort").
	BestEffort Delivery = iota
	// MustDeliver subscribers block the publisher until there is room
	// (spec §4.5: "barClose ... those are must-deliver").
	MustDeliver
)

type subscriber struct {
	id       int64
	ch       chan Event
	delivery Delivery
	active   atomic.Bool
}

// Bus is the central typed event router.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[Type][]*subscriber

	nextID atomic.Int64

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[Type][]*subscriber),
	}
}

// Subscribe registers interest in a single event Type and returns a
// receive channel plus an unsubscribe function. bufferSize bounds the
// channel; for MustDeliver subscribers a full buffer blocks the publisher,
// for BestEffort ones the event is dropped.
func (b *Bus) Subscribe(t Type, bufferSize int, delivery Delivery) (<-chan Event, func()) {
	sub := &subscriber{
		id:       b.nextID.Add(1),
		ch:       make(chan Event, bufferSize),
		delivery: delivery,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	unsubscribe := func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}
		b.mu.Lock()
		list := b.subs[t]
		for i, s := range list {
			if s == sub {
				b.subs[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	}

	return sub.ch, unsubscribe
}

// Publish fans an event out, in subscriber-registration order, to every
// current subscriber of ev.Type. MustDeliver subscribers are delivered to
// synchronously (blocking); BestEffort subscribers are skipped if their
// buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs[ev.Type]))
	copy(subs, b.subs[ev.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		switch sub.delivery {
		case MustDeliver:
			sub.ch <- ev
		default:
			select {
			case sub.ch <- ev:
			default:
				b.dropped.Add(1)
				if b.logger != nil {
					b.logger.Warn("dropping best-effort event, subscriber buffer full",
						zap.String("type", string(ev.Type)))
				}
			}
		}
	}
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published int64
	Dropped   int64
}

// Stats returns current publish/drop counters.
func (b *Bus) Stats() Stats {
	return Stats{Published: b.published.Load(), Dropped: b.dropped.Load()}
}
