// Package eventbus carries in-process bridge signals (published events,
// drops, resync results) to observers such as metrics and the SSE stream.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeNotificationPosted   = "notification.posted"
	TypeNotificationRemoved  = "notification.removed"
	TypeNotificationSnapshot = "notification.snapshot"
	TypePublishDropped       = "publish.dropped"
	TypeSnapshotCompleted    = "snapshot.completed"
)

// Event is one bus signal. Publish never blocks: a subscriber whose buffer is
// full misses the event and the bus counts the drop.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered channel. With types set, only events of
	// those types are delivered.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *subscriber) wants(typ string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

type memBus struct {
	// held for reading while sending so unsubscribe cannot close a channel
	// mid-send
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports deliveries skipped because a subscriber was full. Buses not
// created by New report 0.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
