// Package ttlset implements an expiry-by-inactivity membership set: entries
// are ordered by last-seen time and dropped once they go unseen longer than
// the configured TTL.
package ttlset

import (
	"sync"
	"time"
)

// EventKind distinguishes membership transitions.
type EventKind int

const (
	// Inserted fires when a previously absent key is bumped.
	Inserted EventKind = iota
	// Dropped fires when a key is removed, whether explicitly or by expiry.
	Dropped
)

// Event reports a non-silent membership transition.
type Event struct {
	Kind EventKind
	Key  string
}

type entry struct {
	key      string
	lastSeen time.Time
	prev     *entry
	next     *entry
}

// Set tracks keys ordered by recency. All operations are O(1): a doubly
// linked list keeps recency order and only the oldest entry is ever
// inspected, so a single timer serves the whole set regardless of size.
type Set struct {
	ttl    time.Duration
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	entries map[string]*entry
	head    *entry // oldest
	tail    *entry // most recent
	timer   *time.Timer
	closed  bool
}

// New creates a set whose entries expire after ttl of inactivity.
func New(ttl time.Duration) *Set {
	return &Set{
		ttl:     ttl,
		events:  make(chan Event, 128),
		done:    make(chan struct{}),
		entries: make(map[string]*entry),
	}
}

// Events delivers membership transitions in occurrence order.
func (s *Set) Events() <-chan Event {
	return s.events
}

// Bump inserts key or moves it to the most-recently-seen position. A first
// insert emits an Inserted event unless silent is set.
func (s *Set) Bump(key string, t time.Time, silent bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	ent, ok := s.entries[key]
	if ok {
		s.unlink(ent)
	} else {
		ent = &entry{key: key}
		s.entries[key] = ent
	}
	ent.lastSeen = t
	s.pushBack(ent)
	s.rearmLocked()
	s.mu.Unlock()

	if !ok && !silent {
		s.emit(Event{Kind: Inserted, Key: key})
	}
}

// Drop removes key immediately. Removal of a present key emits a Dropped
// event unless silent is set.
func (s *Set) Drop(key string, silent bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	ent, ok := s.entries[key]
	if ok {
		s.unlink(ent)
		delete(s.entries, key)
		s.rearmLocked()
	}
	s.mu.Unlock()

	if ok && !silent {
		s.emit(Event{Kind: Dropped, Key: key})
	}
}

// Contains reports current membership.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]

	return ok
}

// Len returns the number of tracked keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Close stops the timer and releases any event delivery still in flight.
// Pending expiries are discarded. The events channel stays open; a closed
// set simply never sends on it again.
func (s *Set) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	close(s.done)
}

// emit delivers an event, giving up once the set is closed. A consumer that
// stopped draining cannot block the timer goroutine past Close.
func (s *Set) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// expire pops the oldest entry while it is out of budget, then re-arms the
// timer for exactly the remaining budget of the new oldest entry.
func (s *Set) expire() {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	var dropped []string
	for s.head != nil && now.Sub(s.head.lastSeen) > s.ttl {
		ent := s.head
		s.unlink(ent)
		delete(s.entries, ent.key)
		dropped = append(dropped, ent.key)
	}
	s.rearmLocked()
	s.mu.Unlock()

	for _, key := range dropped {
		s.emit(Event{Kind: Dropped, Key: key})
	}
}

// rearmLocked schedules the single expiry timer against the oldest entry.
// Caller holds s.mu.
func (s *Set) rearmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.head == nil {
		return
	}

	budget := s.ttl - time.Since(s.head.lastSeen)
	if budget < 0 {
		budget = 0
	}
	s.timer = time.AfterFunc(budget, s.expire)
}

func (s *Set) unlink(ent *entry) {
	if ent.prev != nil {
		ent.prev.next = ent.next
	} else {
		s.head = ent.next
	}
	if ent.next != nil {
		ent.next.prev = ent.prev
	} else {
		s.tail = ent.prev
	}
	ent.prev = nil
	ent.next = nil
}

func (s *Set) pushBack(ent *entry) {
	ent.prev = s.tail
	if s.tail != nil {
		s.tail.next = ent
	} else {
		s.head = ent
	}
	s.tail = ent
}
