// Package events provides typed publish/subscribe buses.
//
// Each event kind gets its own Bus. Subscribers run synchronously in
// subscription order; a panicking subscriber is logged and skipped so the
// remaining subscribers still see the event.
//
// Example:
//
//	var bus events.Bus[string]
//	unsubscribe := bus.Subscribe(func(s string) { fmt.Println(s) })
//	bus.Publish("hello")
//	unsubscribe()
package events

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Bus fans events of type T out to subscribers. The zero value is ready
// to use.
type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]func(T)
	next uint64
	name string
}

// NewBus creates a bus whose name appears in panic logs.
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[uint64]func(T))
	}
	id := b.next
	b.next++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(T), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliver(fn, ev)
	}
}

func (b *Bus[T]) deliver(fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Publish",
				"bus":      b.name,
				"panic":    r,
			}).Error("Event subscriber panicked")
		}
	}()
	fn(ev)
}
