package readiness

import (
	"sync"
	"time"
)

// Source labels what produced an activity event.
type Source string

const (
	SourceOutput Source = "output" // daemon wrote to stdout
	SourceTick   Source = "tick"   // steady-state interval
)

// Activity is a payload-free "refresh your view" notification.
type Activity struct {
	Source Source
	At     time.Time
}

// Broadcaster fans activity out to subscribers. It has no terminal state.
// Delivery never blocks the publisher: each subscriber has a one-slot buffer
// and a pending event absorbs newer ones until it is read.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Activity
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Activity)}
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel; calling it more than once is safe.
func (b *Broadcaster) Subscribe() (<-chan Activity, func()) {
	ch := make(chan Activity, 1)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers a to every subscriber and reports how many received it
// without coalescing.
func (b *Broadcaster) Publish(a Activity) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.subs {
		select {
		case ch <- a:
			n++
		default:
		}
	}
	return n
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
