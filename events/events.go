// Package events delivers pipeline notifications in process, to a Redis
// stream or to Kafka. Every publisher satisfies txfinalizer.Publisher.
package events

import (
	"context"
	"sync"
	"time"
)

// Message is a published notification
type Message struct {
	Topic     string
	Payload   []byte
	Published time.Time
}

// Bus is an in-process publisher. Subscribers that fall behind miss
// messages rather than block publishers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Message
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Message)}
}

// Subscribe returns a channel receiving messages of topic and a function that
// ends the subscription and closes the channel.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Message, buffer)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Message)
	}
	b.subs[topic][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			close(ch)
		})
	}
}

// Publish delivers payload to the current subscribers of topic
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{Topic: topic, Payload: payload, Published: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}
