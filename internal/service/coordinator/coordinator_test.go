package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"corral/internal/domain/entity"
	"corral/internal/domain/repository"
	"corral/internal/liveness"
	"corral/internal/storetest"
	"corral/internal/usecase/impl"
	"corral/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu        sync.Mutex
	envelopes []*wire.Envelope
}

func (s *fakeSender) Send(env *wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, env)

	return nil
}

func (s *fakeSender) byType(typeID string) []*wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*wire.Envelope
	for _, env := range s.envelopes {
		if env.Message.TypeID == typeID {
			matched = append(matched, env)
		}
	}

	return matched
}

// fakeRunner stands in for a bridge read loop; it blocks until shutdown.
type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context) error {
	<-ctx.Done()

	return nil
}

type coordinatorFixtures struct {
	coordinator *Coordinator
	store       *storetest.MemStore
	appSender   *fakeSender
	devSender   *fakeSender
}

func createTestCoordinator(t *testing.T, keepaliveGrace time.Duration) coordinatorFixtures {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := storetest.NewMemStore()
	appSender := &fakeSender{}
	devSender := &fakeSender{}

	c := &Coordinator{
		logger:         logger,
		devices:        impl.NewDeviceService(store, logger),
		groups:         impl.NewGroupService(store, store.GroupRepo(), logger),
		groupRepo:      store.GroupRepo(),
		live:           liveness.NewManager(),
		app:            &plane{name: "app", router: wire.NewRouter(logger), send: appSender, run: fakeRunner{}},
		dev:            &plane{name: "device", router: wire.NewRouter(logger), send: devSender, run: fakeRunner{}},
		keepaliveGrace: keepaliveGrace,
	}
	c.registerHandlers()

	return coordinatorFixtures{
		coordinator: c,
		store:       store,
		appSender:   appSender,
		devSender:   devSender,
	}
}

func dispatch(t *testing.T, router *wire.Router, channel, typeID, correlation string, body any) {
	t.Helper()

	env, err := wire.NewEnvelope(channel, typeID, body)
	require.NoError(t, err)
	env.Correlation = correlation

	frame, err := env.Encode()
	require.NoError(t, err)
	router.Dispatch(frame)
}

func waitForReply(t *testing.T, sender *fakeSender) *wire.Reply {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if done := sender.byType(wire.TypeTxDone); len(done) > 0 {
			var reply wire.Reply
			require.NoError(t, json.Unmarshal(done[0].Message.Body, &reply))

			return &reply
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no transaction reply published")

	return nil
}

func seedPresentDevice(store *storetest.MemStore, serial string) {
	store.Devices[serial] = &entity.Device{
		Serial:        serial,
		Channel:       "device." + serial,
		Presence:      entity.PresencePresent,
		OriginGroupID: "origin." + serial,
		Capabilities:  map[string]string{"platform": "android"},
	}
}

func seedOwner(store *storetest.MemStore, email string) {
	store.Users[email] = &entity.User{
		Email: email,
		Quota: entity.Quota{
			Allocated: entity.Allocation{Number: 5, Duration: 100 * time.Hour},
		},
	}
}

func TestCoordinator_DeviceIntroPersistsAndRelays(t *testing.T) {
	fx := createTestCoordinator(t, time.Minute)

	dispatch(t, fx.coordinator.dev.router, wire.ChannelBroadcast, wire.TypeDeviceIntro, "", &wire.DeviceIntro{
		Serial:       "SER1",
		Channel:      "device.SER1",
		Capabilities: map[string]string{"platform": "ios"},
	})

	device, ok := fx.store.Devices["SER1"]
	require.True(t, ok)
	assert.Equal(t, entity.PresencePresent, device.Presence)

	_, ok = fx.store.Groups["origin.SER1"]
	assert.True(t, ok)

	// The serial alias resolves to the device channel record.
	assert.True(t, fx.coordinator.live.Tracks("SER1"))
	assert.True(t, fx.coordinator.live.Tracks("device.SER1"))

	relayed := fx.appSender.byType(wire.TypeDeviceIntro)
	require.Len(t, relayed, 1)
	assert.Equal(t, wire.ChannelBroadcast, relayed[0].Channel)
}

func TestCoordinator_GroupCreateTransaction(t *testing.T) {
	fx := createTestCoordinator(t, time.Minute)
	seedOwner(fx.store, "owner@farm.dev")
	seedPresentDevice(fx.store, "SER1")

	start := time.Now().Add(time.Hour)
	dispatch(t, fx.coordinator.app.router, wire.ChannelCoordinator, wire.TypeGroupCreate, "tx.create1", &wire.GroupCreateRequest{
		Name:       "nightly",
		Class:      string(entity.ClassStandard),
		OwnerEmail: "owner@farm.dev",
		Dates: []wire.WindowSpec{{
			StartMillis: start.UnixMilli(),
			StopMillis:  start.Add(time.Hour).UnixMilli(),
		}},
	})

	reply := waitForReply(t, fx.appSender)
	require.True(t, reply.Success, "error: %s code: %s", reply.Error, reply.Code)

	var group entity.Group
	require.NoError(t, json.Unmarshal(reply.Body, &group))
	assert.Equal(t, "nightly", group.Name)
	assert.Equal(t, entity.ClassStandard, group.Class)

	done := fx.appSender.byType(wire.TypeTxDone)
	assert.Equal(t, "tx.create1", done[0].Channel)

	// Group channel tracked under both id and name.
	assert.True(t, fx.coordinator.live.Tracks(group.ID))
	assert.True(t, fx.coordinator.live.Tracks("nightly"))
}

func TestCoordinator_GroupCreateInvalidWindows(t *testing.T) {
	fx := createTestCoordinator(t, time.Minute)
	seedOwner(fx.store, "owner@farm.dev")

	start := time.Now().Add(time.Hour)
	dispatch(t, fx.coordinator.app.router, wire.ChannelCoordinator, wire.TypeGroupCreate, "tx.create2", &wire.GroupCreateRequest{
		Name:       "backwards",
		Class:      string(entity.ClassStandard),
		OwnerEmail: "owner@farm.dev",
		Dates: []wire.WindowSpec{{
			StartMillis: start.UnixMilli(),
			StopMillis:  start.Add(-time.Hour).UnixMilli(),
		}},
	})

	reply := waitForReply(t, fx.appSender)
	assert.False(t, reply.Success)
	assert.Equal(t, "WINDOWS_INVALID", reply.Code)
}

func TestCoordinator_DeviceListOnDevicePlane(t *testing.T) {
	fx := createTestCoordinator(t, time.Minute)
	seedPresentDevice(fx.store, "SER1")
	seedPresentDevice(fx.store, "SER2")
	fx.store.Devices["SER2"].Presence = entity.PresenceAbsent

	dispatch(t, fx.coordinator.dev.router, wire.ChannelCoordinator, wire.TypeDeviceList, "tx.list1", &wire.DeviceListRequest{})

	reply := waitForReply(t, fx.devSender)
	require.True(t, reply.Success)

	var list wire.DeviceList
	require.NoError(t, json.Unmarshal(reply.Body, &list))
	assert.Equal(t, []string{"SER1"}, list.Serials)

	// The reply stays on the plane the request came in on.
	assert.Empty(t, fx.appSender.byType(wire.TypeTxDone))
}

func TestCoordinator_KeepaliveUnknownGroup(t *testing.T) {
	fx := createTestCoordinator(t, time.Minute)

	dispatch(t, fx.coordinator.app.router, wire.ChannelCoordinator, wire.TypeGroupKeepalive, "tx.ka1", &wire.GroupKeepalive{
		GroupID: "no-such-group",
	})

	reply := waitForReply(t, fx.appSender)
	assert.False(t, reply.Success)
	assert.Equal(t, "GROUP_NOT_FOUND", reply.Code)
}

func TestCoordinator_PresenceBroadcastPersisted(t *testing.T) {
	fx := createTestCoordinator(t, time.Minute)
	seedPresentDevice(fx.store, "SER1")

	dispatch(t, fx.coordinator.dev.router, wire.ChannelBroadcast, wire.TypeDeviceAbsent, "", &wire.DeviceAbsent{
		Serial: "SER1",
	})

	assert.Equal(t, entity.PresenceAbsent, fx.store.Devices["SER1"].Presence)

	relayed := fx.appSender.byType(wire.TypeDeviceAbsent)
	require.Len(t, relayed, 1)
}

func TestCoordinator_GroupExpiryTearsDown(t *testing.T) {
	fx := createTestCoordinator(t, 30*time.Millisecond)
	seedOwner(fx.store, "owner@farm.dev")
	seedPresentDevice(fx.store, "SER1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.coordinator.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("coordinator did not stop")
		}
	})

	start := time.Now().Add(time.Hour)
	dispatch(t, fx.coordinator.app.router, wire.ChannelCoordinator, wire.TypeGroupCreate, "tx.exp1", &wire.GroupCreateRequest{
		Name:       "shortlived",
		Class:      string(entity.ClassStandard),
		OwnerEmail: "owner@farm.dev",
		Dates: []wire.WindowSpec{{
			StartMillis: start.UnixMilli(),
			StopMillis:  start.Add(10 * time.Millisecond).UnixMilli(),
		}},
	})

	reply := waitForReply(t, fx.appSender)
	require.True(t, reply.Success, "error: %s code: %s", reply.Error, reply.Code)

	var group entity.Group
	require.NoError(t, json.Unmarshal(reply.Body, &group))

	// Without keepalives the 10ms duration plus 30ms grace runs out and
	// the booking is torn down.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fx.devSender.byType(wire.TypeGroupChanged)) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	changed := fx.devSender.byType(wire.TypeGroupChanged)
	require.Len(t, changed, 1)

	var notice wire.GroupChanged
	require.NoError(t, json.Unmarshal(changed[0].Message.Body, &notice))
	assert.Equal(t, group.ID, notice.GroupID)
	assert.False(t, notice.IsActive)

	_, err := fx.store.GroupRepo().FindByID(context.Background(), group.ID)
	assert.ErrorIs(t, err, repository.ErrGroupNotFound)
	assert.False(t, fx.coordinator.live.Tracks(group.ID))
}

func TestCoordinator_EchoesSamePlaneTraffic(t *testing.T) {
	fx := createTestCoordinator(t, time.Minute)

	// Heartbeats have no handler here; they still go back out for the
	// plane's subscribers.
	dispatch(t, fx.coordinator.dev.router, wire.ChannelBroadcast, wire.TypeDeviceHeartbeat, "", &wire.DeviceHeartbeat{
		Serial: "SER1",
	})

	beats := fx.devSender.byType(wire.TypeDeviceHeartbeat)
	require.Len(t, beats, 1)
	assert.Equal(t, wire.ChannelBroadcast, beats[0].Channel)
	assert.Empty(t, fx.appSender.byType(wire.TypeDeviceHeartbeat))

	// A notice addressed to a member device channel passes through too.
	dispatch(t, fx.coordinator.dev.router, wire.DeviceChannel("SER1"), wire.TypeGroupChanged, "", &wire.GroupChanged{
		GroupID:  "g1",
		IsActive: true,
	})

	notices := fx.devSender.byType(wire.TypeGroupChanged)
	require.Len(t, notices, 1)
	assert.Equal(t, wire.DeviceChannel("SER1"), notices[0].Channel)
}

func TestCoordinator_CoordinatorChannelIsNotEchoed(t *testing.T) {
	fx := createTestCoordinator(t, time.Minute)

	dispatch(t, fx.coordinator.dev.router, wire.ChannelCoordinator, wire.TypeDeviceList, "tx.echo1", &wire.DeviceListRequest{})

	reply := waitForReply(t, fx.devSender)
	require.True(t, reply.Success)

	// The request itself terminated at the coordinator; only the reply went
	// out.
	assert.Empty(t, fx.devSender.byType(wire.TypeDeviceList))
}

func TestCoordinator_ReseedRearmsScheduledGroups(t *testing.T) {
	fx := createTestCoordinator(t, time.Minute)

	fx.store.Groups["g-ready"] = &entity.Group{
		ID:       "g-ready",
		Name:     "restored",
		Class:    entity.ClassStandard,
		State:    entity.StateReady,
		Duration: time.Hour,
	}
	fx.store.Groups["g-pending"] = &entity.Group{
		ID:    "g-pending",
		Name:  "assembling",
		Class: entity.ClassStandard,
		State: entity.StatePending,
	}
	fx.store.Groups["origin.SER1"] = &entity.Group{
		ID:    "origin.SER1",
		Class: entity.ClassOrigin,
		State: entity.StateReady,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.coordinator.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("coordinator did not stop")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for !fx.coordinator.live.Tracks("g-ready") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// A restart re-arms every scheduled group so keepalives keep resolving.
	assert.True(t, fx.coordinator.live.Tracks("g-ready"))
	assert.True(t, fx.coordinator.live.Tracks("restored"))
	assert.False(t, fx.coordinator.live.Tracks("g-pending"), "pending groups are invisible to the scheduler and stay untracked")
	assert.False(t, fx.coordinator.live.Tracks("origin.SER1"), "origin groups never expire and are never tracked")

	require.NoError(t, fx.coordinator.live.Keepalive("g-ready"))
}
