package events

import (
	"sync"
	"time"
)

// Bus is a lightweight in-process pub/sub broker using channels. It only
// fans out notifications; nothing in the core depends on delivery.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Envelope
	now  func() time.Time
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope), now: time.Now}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// SubscribeMany merges several topics into one channel.
func (b *Bus) SubscribeMany(topics []Event, buffer int) (<-chan Envelope, func()) {
	out := make(chan Envelope, buffer)
	var (
		wg     sync.WaitGroup
		unsubs []func()
	)
	for _, topic := range topics {
		ch, unsub := b.Subscribe(topic, buffer)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func(ch <-chan Envelope) {
			defer wg.Done()
			for env := range ch {
				select {
				case out <- env:
				default:
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish fans the payload out without blocking; slow subscribers drop events.
// A nil Bus is a valid no-op publisher.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	env := Envelope{Event: e, Time: b.now().UTC(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- env:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}
