package ble

import "sync"

// Snapshot is the externally observable projection of the session state.
type Snapshot struct {
	Label     string `json:"label"`
	Connected bool   `json:"isConnected"`
	// Warning is non-empty while writes to a ready peripheral keep failing.
	Warning string `json:"warning,omitempty"`
}

// Publisher holds the latest Snapshot and fans it out to subscribers.
// Subscribers receive the most recent snapshot; intermediate values may be
// coalesced for a slow reader but the last one is never lost.
type Publisher struct {
	mu      sync.Mutex
	current Snapshot
	nextID  int
	subs    map[int]chan Snapshot
}

// NewPublisher creates a Publisher starting at initial.
func NewPublisher(initial Snapshot) *Publisher {
	return &Publisher{
		current: initial,
		subs:    make(map[int]chan Snapshot),
	}
}

// Snapshot returns the current snapshot. Safe for concurrent use.
func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Publish replaces the current snapshot and notifies subscribers without
// blocking.
func (p *Publisher) Publish(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = s
	for _, ch := range p.subs {
		offerLatest(ch, s)
	}
}

// Subscribe returns a channel that immediately holds the current snapshot
// and then every later one. Call cancel to unsubscribe; the channel is
// closed afterwards.
func (p *Publisher) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	ch <- p.current
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			close(ch)
			p.mu.Unlock()
		})
	}
	return ch, cancel
}

// offerLatest puts s on a one-slot channel, dropping a stale unread value.
// Caller must hold the publisher lock so there is only one sender.
func offerLatest(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- s
}
