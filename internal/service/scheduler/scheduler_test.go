package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"corral/internal/domain/entity"
	"corral/internal/storetest"
	"corral/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	envelopes []*wire.Envelope
}

func (p *capturePublisher) Publish(_ context.Context, env *wire.Envelope) error {
	p.envelopes = append(p.envelopes, env)

	return nil
}

func (p *capturePublisher) byType(typeID string) []*wire.Envelope {
	var matched []*wire.Envelope
	for _, env := range p.envelopes {
		if env.Message.TypeID == typeID {
			matched = append(matched, env)
		}
	}

	return matched
}

type schedulerFixtures struct {
	scheduler *Scheduler
	store     *storetest.MemStore
	publisher *capturePublisher
}

func createTestScheduler(t *testing.T) schedulerFixtures {
	t.Helper()

	store := storetest.NewMemStore()
	publisher := &capturePublisher{}
	sched := &Scheduler{
		logger:              slog.New(slog.DiscardHandler),
		txManager:           store,
		groupRepo:           store.GroupRepo(),
		publisher:           publisher,
		tickInterval:        time.Second,
		maintenanceInterval: time.Hour,
	}

	return schedulerFixtures{
		scheduler: sched,
		store:     store,
		publisher: publisher,
	}
}

func seedOwner(store *storetest.MemStore, consumedNumber int, consumedDuration time.Duration) {
	store.Users["owner@farm.dev"] = &entity.User{
		Email: "owner@farm.dev",
		Quota: entity.Quota{
			Allocated: entity.Allocation{Number: 5, Duration: 100 * time.Hour},
			Consumed:  entity.Allocation{Number: consumedNumber, Duration: consumedDuration},
		},
	}
}

// seedGroup installs a two-window standard group: [t0,t0+1h] and
// [t0+2h,t0+3h] with one device.
func seedGroup(store *storetest.MemStore, t0 time.Time, active bool) *entity.Group {
	group := &entity.Group{
		ID:       "g1",
		Name:     "booking",
		Class:    entity.ClassStandard,
		State:    entity.StateReady,
		IsActive: active,
		Dates: []entity.Window{
			{Start: t0, Stop: t0.Add(time.Hour)},
			{Start: t0.Add(2 * time.Hour), Stop: t0.Add(3 * time.Hour)},
		},
		Repetitions: 1,
		Devices:     []string{"SER1"},
		OwnerEmail:  "owner@farm.dev",
		Duration:    2 * time.Hour,
	}
	store.Groups[group.ID] = group
	store.Devices["SER1"] = &entity.Device{
		Serial:   "SER1",
		Channel:  "device.SER1",
		Presence: entity.PresencePresent,
		GroupID:  group.ID,
	}

	return group
}

func TestScheduler_ActiveWindowElapsed_Deactivates(t *testing.T) {
	fx := createTestScheduler(t)
	ctx := context.Background()

	t0 := time.Now().Add(-90 * time.Minute)
	seedOwner(fx.store, 1, 2*time.Hour)
	seedGroup(fx.store, t0, true)

	// First window [t0, t0+1h] elapsed 30 minutes ago.
	fx.scheduler.tick(ctx, time.Now())

	group := fx.store.Groups["g1"]
	assert.False(t, group.IsActive)
	assert.Equal(t, entity.StateReady, group.State)
	require.Len(t, group.Dates, 1)
	assert.Equal(t, t0.Add(2*time.Hour), group.Dates[0].Start)
	assert.Equal(t, time.Hour, group.Duration)

	// The elapsed window's slice came back to the owner.
	assert.Equal(t, time.Hour, fx.store.Users["owner@farm.dev"].Quota.Consumed.Duration)

	notices := fx.publisher.byType(wire.TypeGroupChanged)
	require.Len(t, notices, 1)
	assert.Equal(t, "device.SER1", notices[0].Channel)
}

func TestScheduler_LastWindowElapsed_DeletesGroup(t *testing.T) {
	fx := createTestScheduler(t)
	ctx := context.Background()

	t0 := time.Now().Add(-4 * time.Hour)
	seedOwner(fx.store, 1, 2*time.Hour)
	seedGroup(fx.store, t0, true)

	// Both windows lie in the past: the group is done.
	fx.scheduler.tick(ctx, time.Now())

	_, exists := fx.store.Groups["g1"]
	assert.False(t, exists)

	user := fx.store.Users["owner@farm.dev"]
	assert.Equal(t, 0, user.Quota.Consumed.Number)
	assert.Equal(t, time.Duration(0), user.Quota.Consumed.Duration)
	assert.Empty(t, fx.store.Devices["SER1"].GroupID)

	leaves := fx.publisher.byType(wire.TypeGroupLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "device.SER1", leaves[0].Channel)
}

func TestScheduler_HeadWindowStarted_Activates(t *testing.T) {
	fx := createTestScheduler(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	seedOwner(fx.store, 1, 2*time.Hour)
	seedGroup(fx.store, t0, false)

	fx.scheduler.tick(ctx, time.Now())

	group := fx.store.Groups["g1"]
	assert.True(t, group.IsActive)

	notices := fx.publisher.byType(wire.TypeGroupChanged)
	require.Len(t, notices, 1)
	assert.Equal(t, "device.SER1", notices[0].Channel)
}

func TestScheduler_InactiveElapsedHead_TrimsWithoutActivating(t *testing.T) {
	fx := createTestScheduler(t)
	ctx := context.Background()

	t0 := time.Now().Add(-90 * time.Minute)
	seedOwner(fx.store, 1, 2*time.Hour)
	seedGroup(fx.store, t0, false)

	fx.scheduler.tick(ctx, time.Now())

	group := fx.store.Groups["g1"]
	assert.False(t, group.IsActive, "trimming must not activate the group")
	require.Len(t, group.Dates, 1)
	assert.Equal(t, t0.Add(2*time.Hour), group.Dates[0].Start)
	assert.Empty(t, fx.publisher.envelopes)
}

func TestScheduler_OriginGroup_SlidesForever(t *testing.T) {
	fx := createTestScheduler(t)
	ctx := context.Background()

	start := time.Now().Add(-50 * time.Hour)
	fx.store.Groups["origin.SER1"] = &entity.Group{
		ID:       "origin.SER1",
		Name:     "origin-SER1",
		Class:    entity.ClassOrigin,
		State:    entity.StateReady,
		IsActive: true,
		Dates: []entity.Window{
			{Start: start, Stop: start.Add(24 * time.Hour)},
		},
		Repetitions: 1,
		Devices:     []string{"SER1"},
		Lock:        entity.GroupLock{Admin: true},
	}

	fx.scheduler.tick(ctx, time.Now())

	group, exists := fx.store.Groups["origin.SER1"]
	require.True(t, exists, "origin groups never terminate")
	assert.True(t, group.IsActive)
	require.Len(t, group.Dates, 1)
	assert.True(t, group.Dates[0].Stop.After(time.Now()), "window must cover now")
	assert.Equal(t, 24*time.Hour, group.Dates[0].Span())
}

func TestScheduler_LockContention_ParksGroupWaiting(t *testing.T) {
	fx := createTestScheduler(t)
	ctx := context.Background()

	t0 := time.Now().Add(-4 * time.Hour)
	seedOwner(fx.store, 1, 2*time.Hour)
	group := seedGroup(fx.store, t0, true)

	// Another replica holds the advisory lock.
	group.Lock.User = true

	fx.scheduler.tick(ctx, time.Now())

	parked, exists := fx.store.Groups["g1"]
	require.True(t, exists, "contended transition must not mutate the group")
	assert.Equal(t, entity.StateWaiting, parked.State)
	assert.True(t, parked.IsActive)
	assert.Len(t, parked.Dates, 2)
	assert.Equal(t, 1, fx.store.Users["owner@farm.dev"].Quota.Consumed.Number)
	assert.Empty(t, fx.publisher.envelopes)
}

func TestScheduler_TwoReplicas_SingleDeletion(t *testing.T) {
	first := createTestScheduler(t)
	ctx := context.Background()

	t0 := time.Now().Add(-4 * time.Hour)
	seedOwner(first.store, 1, 2*time.Hour)
	seedGroup(first.store, t0, true)

	// A second scheduler over the same store.
	second := &Scheduler{
		logger:              slog.New(slog.DiscardHandler),
		txManager:           first.store,
		groupRepo:           first.store.GroupRepo(),
		publisher:           first.publisher,
		tickInterval:        time.Second,
		maintenanceInterval: time.Hour,
	}

	now := time.Now()
	first.scheduler.tick(ctx, now)
	second.tick(ctx, now)

	// Exactly one replica deleted the group and released the reservation.
	user := first.store.Users["owner@farm.dev"]
	assert.Equal(t, 0, user.Quota.Consumed.Number)
	assert.Equal(t, time.Duration(0), user.Quota.Consumed.Duration)
	assert.Len(t, first.publisher.byType(wire.TypeGroupLeave), 1)
}

func TestScheduler_Maintain_PromotesWaitingGroup(t *testing.T) {
	fx := createTestScheduler(t)
	ctx := context.Background()

	t0 := time.Now().Add(time.Hour)
	seedOwner(fx.store, 1, 2*time.Hour)
	group := seedGroup(fx.store, t0, false)
	group.State = entity.StateWaiting

	fx.scheduler.maintain(ctx, time.Now())

	assert.Equal(t, entity.StateReady, fx.store.Groups["g1"].State)
}

func TestScheduler_Maintain_RefreshesDriftedDuration(t *testing.T) {
	fx := createTestScheduler(t)
	ctx := context.Background()

	t0 := time.Now().Add(time.Hour)
	seedOwner(fx.store, 1, 5*time.Hour)
	group := seedGroup(fx.store, t0, false)
	group.Duration = 5 * time.Hour // stored total drifted

	fx.scheduler.maintain(ctx, time.Now())

	assert.Equal(t, 2*time.Hour, fx.store.Groups["g1"].Duration)
	assert.Equal(t, 2*time.Hour, fx.store.Users["owner@farm.dev"].Quota.Consumed.Duration)
}
