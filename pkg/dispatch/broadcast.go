package dispatch

import "sync"

// Broadcaster fans notifications out to every subscribed Notifier.
type Broadcaster struct {
	mu          sync.RWMutex
	next        uint64
	subscribers map[uint64]Notifier
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[uint64]Notifier)}
}

// Subscribe adds n and returns the func that removes it.
func (b *Broadcaster) Subscribe(n Notifier) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	token := b.next
	b.next++
	b.subscribers[token] = n

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, token)
			b.mu.Unlock()
		})
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) snapshot() map[uint64]Notifier {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[uint64]Notifier, len(b.subscribers))
	for token, n := range b.subscribers {
		out[token] = n
	}
	return out
}

// Broadcast sends the notification to every subscriber. Subscribers whose
// notifier fails are dropped.
func (b *Broadcaster) Broadcast(method string, params any) {
	for token, n := range b.snapshot() {
		if err := n(method, params); err != nil {
			b.mu.Lock()
			delete(b.subscribers, token)
			b.mu.Unlock()
		}
	}
}
