package liveness

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awaitExpiry(t *testing.T, m *Manager, timeout time.Duration) (string, bool) {
	t.Helper()

	select {
	case id, ok := <-m.Expired():
		return id, ok
	case <-time.After(timeout):
		return "", false
	}
}

func TestExpiryFiresOnceAndRemovesRecord(t *testing.T) {
	m := NewManager()
	defer m.Close()

	require.NoError(t, m.Register("group-1", 30*time.Millisecond))

	id, ok := awaitExpiry(t, m, time.Second)
	require.True(t, ok)
	assert.Equal(t, "group-1", id)
	assert.False(t, m.Tracks("group-1"))

	_, ok = awaitExpiry(t, m, 100*time.Millisecond)
	assert.False(t, ok, "a channel expires exactly once")
}

func TestKeepaliveRearmsSingleTimer(t *testing.T) {
	m := NewManager()
	defer m.Close()

	require.NoError(t, m.Register("group-1", 60*time.Millisecond))
	for range 4 {
		time.Sleep(25 * time.Millisecond)
		require.NoError(t, m.Keepalive("group-1"))
	}

	assert.True(t, m.Tracks("group-1"), "keepalives must defer expiry")

	id, ok := awaitExpiry(t, m, time.Second)
	require.True(t, ok)
	assert.Equal(t, "group-1", id)
}

func TestInfiniteBudgetNeverExpires(t *testing.T) {
	m := NewManager()
	defer m.Close()

	require.NoError(t, m.Register("origin", BudgetInfinite))

	_, ok := awaitExpiry(t, m, 100*time.Millisecond)
	assert.False(t, ok)
	assert.True(t, m.Tracks("origin"))
}

func TestAliasResolvesToSameRecord(t *testing.T) {
	m := NewManager()
	defer m.Close()

	require.NoError(t, m.Register("group-1", 50*time.Millisecond, "device.abc123"))

	// Activity on the alias keeps the group record alive.
	for range 3 {
		time.Sleep(25 * time.Millisecond)
		require.NoError(t, m.Keepalive("device.abc123"))
	}
	assert.True(t, m.Tracks("group-1"))
	assert.True(t, m.Tracks("device.abc123"))

	id, ok := awaitExpiry(t, m, time.Second)
	require.True(t, ok)
	assert.Equal(t, "group-1", id, "expiry names the record, not the alias")
	assert.False(t, m.Tracks("device.abc123"))
}

func TestAliasCollisionIsAnError(t *testing.T) {
	m := NewManager()
	defer m.Close()

	require.NoError(t, m.Register("group-1", BudgetInfinite, "device.abc123"))
	require.NoError(t, m.Register("group-2", BudgetInfinite))

	err := m.Register("group-2", BudgetInfinite, "device.abc123")
	assert.ErrorIs(t, err, ErrAliasInUse)
}

func TestUnregisterSuppressesExpiry(t *testing.T) {
	m := NewManager()
	defer m.Close()

	require.NoError(t, m.Register("group-1", 30*time.Millisecond))
	m.Unregister("group-1")

	_, ok := awaitExpiry(t, m, 100*time.Millisecond)
	assert.False(t, ok)
}

func TestCloseReleasesUndeliveredExpiries(t *testing.T) {
	m := NewManager()

	// More expiries than the channel buffers, with nobody draining; the
	// overflow blocks in the timer goroutines until Close.
	for i := range 100 {
		require.NoError(t, m.Register(fmt.Sprintf("group-%d", i), time.Millisecond))
	}
	time.Sleep(50 * time.Millisecond)

	m.Close()

	assert.Error(t, m.Register("after-close", time.Minute))
	_, ok := awaitExpiry(t, m, 50*time.Millisecond)
	assert.True(t, ok, "buffered expiries stay readable after Close")
}

func TestAdjustBudgetExtendsDeadline(t *testing.T) {
	m := NewManager()
	defer m.Close()

	require.NoError(t, m.Register("group-1", 40*time.Millisecond))
	require.NoError(t, m.AdjustBudget("group-1", 200*time.Millisecond))

	_, ok := awaitExpiry(t, m, 100*time.Millisecond)
	assert.False(t, ok, "extended budget must outlive the original deadline")

	id, ok := awaitExpiry(t, m, time.Second)
	require.True(t, ok)
	assert.Equal(t, "group-1", id)

	assert.ErrorIs(t, m.Keepalive("group-1"), ErrUnknownChannel)
}
