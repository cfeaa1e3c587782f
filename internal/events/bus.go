// Package events provides the in-process event bus used for lifecycle
// targets and cross-component notification.
package events

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Callback receives the published message. Callbacks run synchronously
// on the publisher's goroutine, in subscription order.
type Callback func(msg any)

// Bus is a topic -> subscriber registry. Publish is synchronous and has
// no back-pressure or persistence; a panicking subscriber is logged and
// does not stop the remaining subscribers.
type Bus struct {
	mu     sync.RWMutex
	lastID int
	topics map[string]map[int]Callback
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]map[int]Callback)}
}

// Subscribe registers cb under topic and returns its subscription id.
// Ids increase monotonically across all topics.
func (b *Bus) Subscribe(topic string, cb Callback) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[int]Callback)
		b.topics[topic] = subs
	}
	subs[b.lastID] = cb

	log.Debug().Str("topic", topic).Int("subscription", b.lastID).Msg("event subscription added")
	return b.lastID
}

// Unsubscribe removes a subscription. Unknown topics or ids are ignored.
func (b *Bus) Unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[topic]; ok {
		delete(subs, id)
	}
}

// Publish invokes every subscriber of topic with msg, in subscription
// order, on the calling goroutine.
func (b *Bus) Publish(topic string, msg any) {
	b.mu.RLock()
	subs := b.topics[topic]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	callbacks := make([]Callback, len(ids))
	for i, id := range ids {
		callbacks[i] = subs[id]
	}
	b.mu.RUnlock()

	log.Debug().Str("topic", topic).Int("subscribers", len(callbacks)).Msg("publishing event")
	for i, cb := range callbacks {
		b.invoke(topic, ids[i], cb, msg)
	}
}

func (b *Bus) invoke(topic string, id int, cb Callback, msg any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("topic", topic).Int("subscription", id).
				Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	cb(msg)
}
