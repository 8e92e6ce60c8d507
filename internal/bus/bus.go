package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Publishing never blocks: an event is dropped for any subscriber whose
// buffer is full, and the drop is counted.
//
// A nil *Bus is valid and drops everything.
type Bus struct {
	mu      sync.Mutex // serializes subscribe/unsubscribe
	subs    atomic.Pointer[[]*subscription]
	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	b := &Bus{}
	b.subs.Store(&[]*subscription{})
	return b
}

// Publish delivers evt to every subscriber whose namespace is a prefix of
// evt.Kind.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	for _, sub := range *b.subs.Load() {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event of the given kind stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Dropped returns how many deliveries were skipped because a subscriber
// was not keeping up.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. The returned unsubscribe function is
// idempotent; the channel is never closed.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	if b == nil {
		return ch, func() {}
	}
	sub := &subscription{namespace: namespace, ch: ch}

	b.mu.Lock()
	next := append(slices.Clone(*b.subs.Load()), sub)
	b.subs.Store(&next)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			next := slices.DeleteFunc(slices.Clone(*b.subs.Load()), func(s *subscription) bool { return s == sub })
			b.subs.Store(&next)
		})
	}
}
