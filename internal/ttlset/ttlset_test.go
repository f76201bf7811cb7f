package ttlset

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvent(t *testing.T, set *Set, timeout time.Duration) (Event, bool) {
	t.Helper()

	select {
	case ev, ok := <-set.Events():
		return ev, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

func TestBumpEmitsInsertOnlyOnce(t *testing.T) {
	set := New(time.Minute)
	defer set.Close()

	now := time.Now()
	set.Bump("serial-1", now, false)
	set.Bump("serial-1", now.Add(time.Second), false)

	ev, ok := collectEvent(t, set, 100*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, Event{Kind: Inserted, Key: "serial-1"}, ev)

	_, ok = collectEvent(t, set, 50*time.Millisecond)
	assert.False(t, ok, "second bump must not emit another insert")
}

func TestSilentBumpSeedsWithoutEvents(t *testing.T) {
	set := New(time.Minute)
	defer set.Close()

	set.Bump("serial-1", time.Now(), true)
	assert.True(t, set.Contains("serial-1"))

	_, ok := collectEvent(t, set, 50*time.Millisecond)
	assert.False(t, ok)
}

func TestDropEmitsDropForPresentKeyOnly(t *testing.T) {
	set := New(time.Minute)
	defer set.Close()

	set.Bump("serial-1", time.Now(), true)
	set.Drop("serial-1", false)
	set.Drop("never-seen", false)

	ev, ok := collectEvent(t, set, 100*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, Event{Kind: Dropped, Key: "serial-1"}, ev)

	_, ok = collectEvent(t, set, 50*time.Millisecond)
	assert.False(t, ok, "dropping an absent key must stay silent")
	assert.False(t, set.Contains("serial-1"))
}

func TestExpiryDropsOldestEntries(t *testing.T) {
	set := New(30 * time.Millisecond)
	defer set.Close()

	set.Bump("stale", time.Now(), true)

	ev, ok := collectEvent(t, set, time.Second)
	require.True(t, ok)
	assert.Equal(t, Event{Kind: Dropped, Key: "stale"}, ev)
	assert.False(t, set.Contains("stale"))
}

func TestKeepaliveBumpsDeferExpiry(t *testing.T) {
	set := New(60 * time.Millisecond)
	defer set.Close()

	set.Bump("alive", time.Now(), true)
	for range 4 {
		time.Sleep(25 * time.Millisecond)
		set.Bump("alive", time.Now(), true)
	}

	// Well past the original budget, the key is still present because every
	// bump re-based its recency.
	assert.True(t, set.Contains("alive"))

	ev, ok := collectEvent(t, set, time.Second)
	require.True(t, ok)
	assert.Equal(t, Event{Kind: Dropped, Key: "alive"}, ev)
}

func TestCloseReleasesBlockedEventSend(t *testing.T) {
	set := New(time.Minute)

	// Nobody drains events, so sends block once the buffer fills.
	done := make(chan struct{})
	go func() {
		defer close(done)
		now := time.Now()
		for i := range 200 {
			set.Bump(fmt.Sprintf("serial-%d", i), now, false)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	set.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked event send survived Close")
	}
}

func TestExpiryKeepsYoungerEntries(t *testing.T) {
	set := New(50 * time.Millisecond)
	defer set.Close()

	now := time.Now()
	set.Bump("old", now.Add(-time.Second), true)
	set.Bump("young", now, true)

	ev, ok := collectEvent(t, set, time.Second)
	require.True(t, ok)
	assert.Equal(t, Event{Kind: Dropped, Key: "old"}, ev)
	assert.True(t, set.Contains("young"))
	assert.Equal(t, 1, set.Len())
}
