package reaper

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"corral/internal/ttlset"
	"corral/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscription struct {
	ch chan *wire.Envelope
}

func (s *fakeSubscription) Envelopes() <-chan *wire.Envelope { return s.ch }
func (s *fakeSubscription) Unsubscribe()                     {}

type fakeBus struct {
	mu        sync.Mutex
	published []*wire.Envelope
	sub       *fakeSubscription
}

func (b *fakeBus) Publish(_ context.Context, env *wire.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)

	return nil
}

func (b *fakeBus) Subscribe(string) (Subscription, error) {
	return b.sub, nil
}

func (b *fakeBus) byType(typeID string) []*wire.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []*wire.Envelope
	for _, env := range b.published {
		if env.Message.TypeID == typeID {
			matched = append(matched, env)
		}
	}

	return matched
}

// fakeRequester answers device.list with present and device.stale with
// stale.
type fakeRequester struct {
	present []string
	stale   []string
}

func (r *fakeRequester) Request(_ context.Context, _, typeID string, _ any, _ time.Duration) (json.RawMessage, error) {
	switch typeID {
	case wire.TypeDeviceList:
		return json.Marshal(&wire.DeviceList{Serials: r.present})
	case wire.TypeDeviceStale:
		return json.Marshal(&wire.DeviceList{Serials: r.stale})
	}

	return nil, nil
}

type reaperFixtures struct {
	reaper *Reaper
	bus    *fakeBus
	cancel context.CancelFunc
	done   chan error
}

func startTestReaper(t *testing.T, ttl, pruneInterval time.Duration, requester *fakeRequester) reaperFixtures {
	t.Helper()

	fb := &fakeBus{sub: &fakeSubscription{ch: make(chan *wire.Envelope, 32)}}
	r := &Reaper{
		logger:        slog.New(slog.DiscardHandler),
		bus:           fb,
		txn:           requester,
		set:           ttlset.New(ttl),
		router:        wire.NewRouter(slog.New(slog.DiscardHandler)),
		pruneInterval: pruneInterval,
		absentFor:     24 * time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("reaper did not stop")
		}
	})

	return reaperFixtures{reaper: r, bus: fb, cancel: cancel, done: done}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func broadcast(t *testing.T, fx reaperFixtures, typeID string, body any) {
	t.Helper()
	env, err := wire.NewEnvelope(wire.ChannelBroadcast, typeID, body)
	require.NoError(t, err)
	fx.bus.sub.ch <- env
}

func TestReaper_SeedIsSilent(t *testing.T) {
	fx := startTestReaper(t, time.Hour, 0, &fakeRequester{present: []string{"SER1", "SER2"}})

	// The seeded devices are tracked without any present announcement.
	waitFor(t, func() bool { return fx.reaper.set.Len() == 2 })
	assert.Empty(t, fx.bus.byType(wire.TypeDevicePresent))

	// A heartbeat for a seeded device stays silent too.
	broadcast(t, fx, wire.TypeDeviceHeartbeat, &wire.DeviceHeartbeat{Serial: "SER1"})
	broadcast(t, fx, wire.TypeDeviceIntro, &wire.DeviceIntro{Serial: "SER3", Channel: "device.SER3"})

	waitFor(t, func() bool { return len(fx.bus.byType(wire.TypeDevicePresent)) == 1 })

	present := fx.bus.byType(wire.TypeDevicePresent)
	require.Len(t, present, 1)

	var msg wire.DevicePresent
	require.NoError(t, json.Unmarshal(present[0].Message.Body, &msg))
	assert.Equal(t, "SER3", msg.Serial)
	assert.Equal(t, wire.ChannelBroadcast, present[0].Channel)
}

func TestReaper_HeartbeatExpiryBroadcastsAbsent(t *testing.T) {
	fx := startTestReaper(t, 30*time.Millisecond, 0, &fakeRequester{present: []string{"SER1"}})

	waitFor(t, func() bool { return len(fx.bus.byType(wire.TypeDeviceAbsent)) == 1 })

	var msg wire.DeviceAbsent
	absent := fx.bus.byType(wire.TypeDeviceAbsent)
	require.NoError(t, json.Unmarshal(absent[0].Message.Body, &msg))
	assert.Equal(t, "SER1", msg.Serial)
	assert.Equal(t, 0, fx.reaper.set.Len())
}

func TestReaper_ExplicitAbsenceDropsDevice(t *testing.T) {
	fx := startTestReaper(t, time.Hour, 0, &fakeRequester{present: []string{"SER1"}})

	waitFor(t, func() bool { return fx.reaper.set.Len() == 1 })

	broadcast(t, fx, wire.TypeDeviceAbsent, &wire.DeviceAbsent{Serial: "SER1"})

	waitFor(t, func() bool { return len(fx.bus.byType(wire.TypeDeviceAbsent)) == 1 })
	assert.Equal(t, 0, fx.reaper.set.Len())

	// The re-broadcast of our own drop loops back as a no-op.
	broadcast(t, fx, wire.TypeDeviceAbsent, &wire.DeviceAbsent{Serial: "SER1"})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fx.bus.byType(wire.TypeDeviceAbsent), 1)
}

func TestReaper_PruneRequestsRemoval(t *testing.T) {
	fx := startTestReaper(t, time.Hour, 20*time.Millisecond, &fakeRequester{stale: []string{"OLD1"}})

	waitFor(t, func() bool { return len(fx.bus.byType(wire.TypeDeviceRemove)) >= 1 })

	removal := fx.bus.byType(wire.TypeDeviceRemove)[0]
	assert.Equal(t, wire.ChannelCoordinator, removal.Channel)

	var msg wire.DeviceRemove
	require.NoError(t, json.Unmarshal(removal.Message.Body, &msg))
	assert.Equal(t, "OLD1", msg.Serial)
}
