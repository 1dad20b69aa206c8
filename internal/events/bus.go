package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Subscriber is a function that receives notifications.
type Subscriber func(Notification)

// Bus is a non-blocking publish/subscribe fan-out. Each subscriber has a
// buffered channel drained by its own goroutine; when the buffer is full the
// notification is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Notification
	bufferSize  int
	logger      zerolog.Logger
	dropped     func(Kind)
}

// NewBus creates a bus with the given buffer size per subscriber.
func NewBus(bufferSize int, logger zerolog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Kind][]chan Notification),
		bufferSize:  bufferSize,
		logger:      logger.With().Str("component", "bus").Logger(),
	}
}

// OnDrop registers a callback invoked when a notification is dropped.
func (b *Bus) OnDrop(fn func(Kind)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = fn
}

// Subscribe registers fn for the given kinds, or every kind when none are
// given. Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, kinds ...Kind) func() {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	ch := make(chan Notification, b.bufferSize)

	b.mu.Lock()
	for _, k := range kinds {
		b.subscribers[k] = append(b.subscribers[k], ch)
	}
	b.mu.Unlock()

	go func() {
		for n := range ch {
			b.deliver(fn, n)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			found := false
			for _, k := range kinds {
				subs := b.subscribers[k]
				for i, c := range subs {
					if c == ch {
						b.subscribers[k] = append(subs[:i:i], subs[i+1:]...)
						found = true
						break
					}
				}
			}
			if found {
				close(ch)
			}
		})
	}
}

func (b *Bus) deliver(fn Subscriber, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("kind", string(n.Kind)).Msg("subscriber_panic")
		}
	}()
	fn(n)
}

// Notify publishes n to every subscriber of its kind without blocking.
func (b *Bus) Notify(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[n.Kind] {
		select {
		case ch <- n:
		default:
			b.logger.Warn().Str("kind", string(n.Kind)).Str("item_id", n.ItemID).Msg("notification_dropped")
			if b.dropped != nil {
				b.dropped(n.Kind)
			}
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Notification]bool)
	for kind, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
		delete(b.subscribers, kind)
	}
}
