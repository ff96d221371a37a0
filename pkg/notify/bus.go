// Package notify propagates committed store changes to interested readers.
//
// A Bus fans out ChangeSets to any number of subscriptions. Publishing never
// blocks: each subscription accumulates changes until its consumer reads them,
// so a slow consumer sees one merged ChangeSet instead of many small ones.
package notify

import (
	"sync"
)

// ChangeSet describes the entries touched by one or more committed writes.
type ChangeSet struct {
	Inserted []string `json:"inserted,omitempty"`
	Updated  []string `json:"updated,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// Empty reports whether the change-set carries no ids.
func (c ChangeSet) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Len returns the total number of ids in the change-set.
func (c ChangeSet) Len() int {
	return len(c.Inserted) + len(c.Updated) + len(c.Removed)
}

func (c *ChangeSet) merge(other ChangeSet) {
	c.Inserted = append(c.Inserted, other.Inserted...)
	c.Updated = append(c.Updated, other.Updated...)
	c.Removed = append(c.Removed, other.Removed...)
}

// Bus distributes change-sets to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription. Subscribing to a closed bus returns
// a subscription whose channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	s := newSubscription()
	go s.pump()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.close()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes the subscription and closes its channel.
// Calling it more than once is harmless.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.close()
}

// Publish delivers cs to every subscriber. Empty change-sets are ignored.
func (b *Bus) Publish(cs ChangeSet) {
	if b == nil || cs.Empty() {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.push(cs)
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

// Subscription receives batched change-sets on C until it is unsubscribed.
type Subscription struct {
	mu      sync.Mutex
	pending ChangeSet
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	out     chan ChangeSet
}

func newSubscription() *Subscription {
	return &Subscription{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan ChangeSet),
	}
}

// C returns the channel change-sets are delivered on. It is closed once the
// subscription ends.
func (s *Subscription) C() <-chan ChangeSet {
	return s.out
}

func (s *Subscription) push(cs ChangeSet) {
	s.mu.Lock()
	s.pending.merge(cs)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) take() ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.pending
	s.pending = ChangeSet{}
	return cs
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// pump moves pending changes to the consumer, merging whatever arrives while
// the consumer is busy.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		cs := s.take()
		if cs.Empty() {
			continue
		}
		for {
			select {
			case s.out <- cs:
			case <-s.wake:
				cs.merge(s.take())
				continue
			case <-s.done:
				return
			}
			break
		}
	}
}
