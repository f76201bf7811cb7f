// Package liveness tracks per-channel timeout budgets. Each channel owns
// exactly one timer, re-armed on activity; there is no per-heartbeat timer
// churn, so thousands of channels stay cheap.
package liveness

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// BudgetInfinite marks a channel that never expires.
const BudgetInfinite time.Duration = -1

// ErrAliasInUse is returned when an alias already resolves to a different
// channel record.
var ErrAliasInUse = errors.New("alias already bound to another channel")

// ErrUnknownChannel is returned for operations on an unregistered channel.
var ErrUnknownChannel = errors.New("channel not registered")

type record struct {
	id           string
	budget       time.Duration
	lastActivity time.Time
	alias        string
	timer        *time.Timer
}

// Manager owns liveness records keyed by channel id, with optional aliases.
// Expired channel ids are delivered exactly once on Expired().
type Manager struct {
	expired chan string
	done    chan struct{}

	mu      sync.Mutex
	records map[string]*record
	aliases map[string]string
	closed  bool
}

// NewManager creates an empty liveness manager.
func NewManager() *Manager {
	return &Manager{
		expired: make(chan string, 64),
		done:    make(chan struct{}),
		records: make(map[string]*record),
		aliases: make(map[string]string),
	}
}

// Expired delivers channel ids whose budget ran out. A delivered id is
// already unregistered.
func (m *Manager) Expired() <-chan string {
	return m.expired
}

// Register starts tracking channelID with the given budget. Registering an
// existing channel updates its budget and re-arms its timer. An optional
// alias lets a second name resolve to the same record; an alias bound to a
// different record is an error.
func (m *Manager) Register(channelID string, budget time.Duration, alias ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("liveness manager closed")
	}

	rec, ok := m.records[m.resolveLocked(channelID)]
	if !ok {
		rec = &record{id: channelID}
		m.records[channelID] = rec
	}

	if len(alias) > 0 && alias[0] != "" {
		name := alias[0]
		if bound, exists := m.aliases[name]; exists && bound != rec.id {
			return ErrAliasInUse
		}
		if _, taken := m.records[name]; taken && name != rec.id {
			return ErrAliasInUse
		}
		if rec.alias != "" && rec.alias != name {
			delete(m.aliases, rec.alias)
		}
		rec.alias = name
		m.aliases[name] = rec.id
	}

	rec.budget = budget
	rec.lastActivity = time.Now()
	m.armLocked(rec)

	return nil
}

// Keepalive records activity on a channel (or its alias), pushing the expiry
// out to lastActivity + budget.
func (m *Manager) Keepalive(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[m.resolveLocked(channelID)]
	if !ok {
		return ErrUnknownChannel
	}

	rec.lastActivity = time.Now()
	m.armLocked(rec)

	return nil
}

// AdjustBudget changes a channel's timeout budget by delta and re-arms its
// timer against the unchanged lastActivity. Infinite budgets stay infinite.
func (m *Manager) AdjustBudget(channelID string, delta time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[m.resolveLocked(channelID)]
	if !ok {
		return ErrUnknownChannel
	}
	if rec.budget == BudgetInfinite {
		return nil
	}

	rec.budget += delta
	m.armLocked(rec)

	return nil
}

// Unregister stops tracking a channel (or its alias) without emitting an
// expiry.
func (m *Manager) Unregister(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(m.resolveLocked(channelID))
}

// Tracks reports whether channelID (or an alias) is currently registered.
func (m *Manager) Tracks(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.records[m.resolveLocked(channelID)]

	return ok
}

// Close drops all records and releases any expiry delivery still in
// flight. The expired channel stays open; a closed manager simply never
// sends on it again.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return
	}
	m.closed = true
	for id := range m.records {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	close(m.done)
}

// expireRecord fires from the record's timer. The record may already have
// been re-armed or removed; only a genuinely out-of-budget record expires.
func (m *Manager) expireRecord(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || m.closed {
		m.mu.Unlock()

		return
	}
	if rec.budget == BudgetInfinite || time.Since(rec.lastActivity) < rec.budget {
		// Re-armed between firing and lock acquisition.
		m.armLocked(rec)
		m.mu.Unlock()

		return
	}
	m.removeLocked(id)
	m.mu.Unlock()

	select {
	case m.expired <- id:
	case <-m.done:
	}
}

// armLocked re-arms the record's single timer to fire at
// lastActivity + budget. Caller holds m.mu.
func (m *Manager) armLocked(rec *record) {
	if rec.budget == BudgetInfinite {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}

		return
	}

	due := rec.budget - time.Since(rec.lastActivity)
	if due < 0 {
		due = 0
	}
	if rec.timer == nil {
		id := rec.id
		rec.timer = time.AfterFunc(due, func() { m.expireRecord(id) })

		return
	}
	rec.timer.Reset(due)
}

func (m *Manager) removeLocked(id string) {
	rec, ok := m.records[id]
	if !ok {
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if rec.alias != "" {
		delete(m.aliases, rec.alias)
	}
	delete(m.records, id)
}

// resolveLocked maps an alias to its record id; unknown names map to
// themselves. Caller holds m.mu.
func (m *Manager) resolveLocked(name string) string {
	if id, ok := m.aliases[name]; ok {
		return id
	}

	return name
}
