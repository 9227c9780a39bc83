package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the dispatch pipeline.
//
// Payloads are small structs owned by the publishing package and are
// treated as read-only by subscribers.
const (
	EventNotificationSent   = "notification_sent"
	EventNotificationFailed = "notification_failed"
	EventAlertTriggered     = "alert_triggered"
	EventAlertResolved      = "alert_resolved"
	EventTrendsUpdated      = "trends_updated"
	EventPreferencesUpdated = "preferences_updated"
)

// Event is an in-memory signal used to decouple the dispatch pipeline from
// its observers (analytics, monitor, sockets).
//
// Contract:
//   - Publish never blocks.
//   - Subscriber channels are buffered; slow subscribers lose events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A subscriber may close its channel concurrently with Publish;
		// the recover absorbs the resulting send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
