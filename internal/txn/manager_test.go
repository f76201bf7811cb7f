package txn

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"corral/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus is an in-process bus: published envelopes are recorded and
// replies can be injected onto any subscribed channel.
type fakeBus struct {
	mu        sync.Mutex
	published []*wire.Envelope
	subs      map[string]*fakeSubscription
}

type fakeSubscription struct {
	bus    *fakeBus
	prefix string
	ch     chan *wire.Envelope
}

func (s *fakeSubscription) Envelopes() <-chan *wire.Envelope { return s.ch }

func (s *fakeSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if _, ok := s.bus.subs[s.prefix]; ok {
		delete(s.bus.subs, s.prefix)
		close(s.ch)
	}
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]*fakeSubscription)}
}

func (b *fakeBus) Publish(_ context.Context, env *wire.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, env)

	return nil
}

func (b *fakeBus) Subscribe(prefix string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &fakeSubscription{bus: b, prefix: prefix, ch: make(chan *wire.Envelope, 16)}
	b.subs[prefix] = sub

	return sub, nil
}

func (b *fakeBus) lastPublished(t *testing.T) *wire.Envelope {
	t.Helper()

	b.mu.Lock()
	defer b.mu.Unlock()

	require.NotEmpty(t, b.published)

	return b.published[len(b.published)-1]
}

// deliver injects an envelope onto the subscription matching its channel.
func (b *fakeBus) deliver(env *wire.Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[env.Channel]
	if !ok {
		return false
	}
	sub.ch <- env

	return true
}

func (b *fakeBus) subscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

func replyEnvelope(t *testing.T, correlation string, reply *wire.Reply) *wire.Envelope {
	t.Helper()

	env, err := wire.NewEnvelope(correlation, wire.TypeTxDone, reply)
	require.NoError(t, err)

	return env
}

func newTestManager(b Bus) *Manager {
	return NewManager(b, time.Second, slog.New(slog.DiscardHandler))
}

func TestRequestResolvesOnSuccessReply(t *testing.T) {
	b := newFakeBus()
	m := newTestManager(b)

	done := make(chan struct{})
	var body json.RawMessage
	var err error
	go func() {
		defer close(done)
		body, err = m.Request(context.Background(), wire.ChannelCoordinator, wire.TypeDeviceList, &wire.DeviceListRequest{}, time.Second)
	}()

	// Wait for the request to be published, then answer on its correlation
	// channel.
	var request *wire.Envelope
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.published) == 0 {
			return false
		}
		request = b.published[0]

		return true
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, wire.ChannelCoordinator, request.Channel)
	assert.Equal(t, wire.TypeDeviceList, request.Message.TypeID)
	require.NotEmpty(t, request.Correlation)
	assert.Contains(t, request.Correlation, wire.TxChannelPrefix)

	payload, marshalErr := json.Marshal(&wire.DeviceList{Serials: []string{"abc123"}})
	require.NoError(t, marshalErr)
	require.True(t, b.deliver(replyEnvelope(t, request.Correlation, &wire.Reply{Success: true, Body: payload})))

	<-done
	require.NoError(t, err)

	var list wire.DeviceList
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, []string{"abc123"}, list.Serials)

	assert.Equal(t, 0, b.subscriptionCount(), "reply subscription must be removed after settlement")
}

func TestRequestRejectsOnFailureReply(t *testing.T) {
	b := newFakeBus()
	m := newTestManager(b)

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = m.Request(context.Background(), wire.ChannelCoordinator, wire.TypeGroupJoin,
			&wire.GroupJoinRequest{GroupID: "g1", Serial: "abc123"}, time.Second)
	}()

	require.Eventually(t, func() bool { b.mu.Lock(); defer b.mu.Unlock(); return len(b.published) > 0 }, time.Second, 5*time.Millisecond)
	request := b.lastPublished(t)
	require.True(t, b.deliver(replyEnvelope(t, request.Correlation, &wire.Reply{
		Success: false,
		Error:   "device already grouped",
		Code:    "ALREADY_GROUPED",
	})))

	<-done
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, "ALREADY_GROUPED", replyErr.Code)
}

func TestRequestTimesOutAndCleansUp(t *testing.T) {
	b := newFakeBus()
	m := newTestManager(b)

	start := time.Now()
	_, err := m.Request(context.Background(), wire.ChannelCoordinator, wire.TypeDeviceList, &wire.DeviceListRequest{}, 50*time.Millisecond)
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, wire.ChannelCoordinator, timeoutErr.Channel)
	assert.Equal(t, wire.TypeDeviceList, timeoutErr.TypeID)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	// No dangling subscription after timeout: a later transaction must work.
	assert.Equal(t, 0, b.subscriptionCount())
}

func TestLateAndDuplicateRepliesAreIgnored(t *testing.T) {
	b := newFakeBus()
	m := newTestManager(b)

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = m.Request(context.Background(), wire.ChannelCoordinator, wire.TypeDeviceList, &wire.DeviceListRequest{}, time.Second)
	}()

	require.Eventually(t, func() bool { b.mu.Lock(); defer b.mu.Unlock(); return len(b.published) > 0 }, time.Second, 5*time.Millisecond)
	request := b.lastPublished(t)

	first := replyEnvelope(t, request.Correlation, &wire.Reply{Success: true})
	require.True(t, b.deliver(first))
	<-done
	require.NoError(t, err)

	// The duplicate arrives after settlement; the subscription is gone, so
	// the bus has nowhere to deliver it.
	assert.False(t, b.deliver(first))
}

func TestRequestIgnoresNonReplyTraffic(t *testing.T) {
	b := newFakeBus()
	m := newTestManager(b)

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = m.Request(context.Background(), wire.ChannelCoordinator, wire.TypeDeviceList, &wire.DeviceListRequest{}, time.Second)
	}()

	require.Eventually(t, func() bool { b.mu.Lock(); defer b.mu.Unlock(); return len(b.published) > 0 }, time.Second, 5*time.Millisecond)
	request := b.lastPublished(t)

	// Stray non-reply traffic on the private channel must not settle the
	// transaction.
	noise, noiseErr := wire.NewEnvelope(request.Correlation, wire.TypeDeviceHeartbeat, &wire.DeviceHeartbeat{Serial: "abc123"})
	require.NoError(t, noiseErr)
	require.True(t, b.deliver(noise))

	require.True(t, b.deliver(replyEnvelope(t, request.Correlation, &wire.Reply{Success: true})))
	<-done
	require.NoError(t, err)
}
