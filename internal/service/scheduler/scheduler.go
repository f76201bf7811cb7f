// Package scheduler advances group bookings through their lifecycle. A
// fixed-interval tick loads all scheduled groups and applies the transition
// each one is due for, guarded by the per-group advisory lock so multiple
// scheduler replicas converge instead of colliding.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"corral/config"
	"corral/internal/domain/entity"
	"corral/internal/domain/repository"
	"corral/internal/wire"

	"github.com/pkg/errors"
	"go.uber.org/fx"
)

// Publisher sends lifecycle notifications onto the device-plane bus.
type Publisher interface {
	Publish(ctx context.Context, env *wire.Envelope) error
}

// Scheduler is the group lifecycle scheduler. It implements
// delivery.Delivery and runs until its context is canceled.
type Scheduler struct {
	logger    *slog.Logger
	txManager repository.TransactionManager
	groupRepo repository.GroupRepository
	publisher Publisher

	tickInterval        time.Duration
	maintenanceInterval time.Duration
}

// Params holds dependencies for the scheduler.
type Params struct {
	fx.In

	Cfg       *config.Config
	Logger    *slog.Logger
	TxManager repository.TransactionManager
	GroupRepo repository.GroupRepository
	Publisher Publisher
}

// New creates the scheduler from its fx dependencies.
func New(params Params) *Scheduler {
	return &Scheduler{
		logger:              params.Logger,
		txManager:           params.TxManager,
		groupRepo:           params.GroupRepo,
		publisher:           params.Publisher,
		tickInterval:        params.Cfg.Scheduler.TickInterval,
		maintenanceInterval: params.Cfg.Scheduler.MaintenanceInterval,
	}
}

// Serve runs the tick and maintenance loops until ctx is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info("Starting group scheduler",
		slog.Duration("tickInterval", s.tickInterval),
		slog.Duration("maintenanceInterval", s.maintenanceInterval),
	)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	maintenance := time.NewTicker(s.maintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Group scheduler stopped")

			return nil
		case <-ticker.C:
			s.tick(ctx, time.Now())
		case <-maintenance.C:
			s.maintain(ctx, time.Now())
		}
	}
}

// tick evaluates every scheduled group once against now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	groups, err := s.groupRepo.ListScheduled(ctx)
	if err != nil {
		s.logger.Error("failed to load scheduled groups", slog.Any("error", err))

		return
	}

	for _, group := range groups {
		if !needsTransition(group, now) {
			continue
		}
		if err := s.transition(ctx, group.ID, now); err != nil {
			s.logger.Error("group transition failed",
				slog.String("groupId", group.ID),
				slog.Any("error", err),
			)
		}
	}
}

// needsTransition is the cheap pre-check run without the lock. The
// authoritative decision is re-taken on fresh state after acquisition.
func needsTransition(group *entity.Group, now time.Time) bool {
	if len(group.Dates) == 0 {
		return true
	}
	head := group.Dates[0]

	switch {
	case group.Class == entity.ClassOrigin:
		return head.Elapsed(now)
	case group.IsActive:
		return head.Elapsed(now)
	default:
		return head.Started(now)
	}
}

// transition applies the due lifecycle branch to one group under the
// advisory lock. Contention is not an error: the group is parked in the
// waiting state and picked up by a later tick.
func (s *Scheduler) transition(ctx context.Context, groupID string, now time.Time) error {
	acquired, err := s.groupRepo.AcquireLock(ctx, groupID)
	if err != nil {
		return errors.Wrap(err, "failed to acquire group lock")
	}
	if !acquired {
		if err := s.groupRepo.SetState(ctx, groupID, entity.StateWaiting); err != nil {
			if errors.Is(err, repository.ErrGroupNotFound) {
				return nil
			}

			return errors.Wrap(err, "failed to park contended group")
		}
		s.logger.Debug("group lock contended, deferred", slog.String("groupId", groupID))

		return nil
	}
	defer func() {
		if err := s.groupRepo.ReleaseLock(ctx, groupID); err != nil {
			s.logger.Warn("failed to release group lock",
				slog.String("groupId", groupID),
				slog.Any("error", err),
			)
		}
	}()

	var notices []*wire.Envelope

	err = s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
		groupRepo := factory.NewGroupRepository()

		group, err := groupRepo.FindByID(ctx, groupID)
		if err != nil {
			// Deleted between listing and locking; nothing to do.
			if errors.Is(err, repository.ErrGroupNotFound) {
				return nil
			}

			return err
		}

		notices, err = s.evaluate(ctx, factory, group, now)

		return err
	})
	if err != nil {
		return err
	}

	// Notifications go out after the transaction committed.
	for _, env := range notices {
		if err := s.publisher.Publish(ctx, env); err != nil {
			s.logger.Warn("failed to publish lifecycle notice",
				slog.String("channel", env.Channel),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

// evaluate picks and applies the lifecycle branch for a freshly loaded
// group. It returns the envelopes to publish after commit.
func (s *Scheduler) evaluate(
	ctx context.Context,
	factory repository.RepositoryFactory,
	group *entity.Group,
	now time.Time,
) ([]*wire.Envelope, error) {
	if group.Class == entity.ClassOrigin {
		return nil, s.slideOrigin(ctx, factory.NewGroupRepository(), group, now)
	}

	if len(group.Dates) == 0 {
		return s.deleteGroup(ctx, factory, group)
	}

	head := group.Dates[0]

	switch {
	case group.IsActive && head.Elapsed(now):
		return s.retire(ctx, factory, group, now)
	case !group.IsActive && head.Elapsed(now):
		return s.trim(ctx, factory, group, now)
	case !group.IsActive && head.Started(now):
		return s.activate(ctx, factory.NewGroupRepository(), group)
	}

	return nil, nil
}

// slideOrigin moves an origin group's rolling window forward by its own
// span until it covers now. Origin groups never terminate.
func (s *Scheduler) slideOrigin(ctx context.Context, groupRepo repository.GroupRepository, group *entity.Group, now time.Time) error {
	if len(group.Dates) == 0 {
		return nil
	}

	head := group.Dates[0]
	span := head.Span()
	if span <= 0 || !head.Elapsed(now) {
		return nil
	}

	for head.Elapsed(now) {
		head = entity.Window{Start: head.Stop, Stop: head.Stop.Add(span)}
	}
	group.Dates[0] = head

	s.logger.Debug("origin window slid forward",
		slog.String("groupId", group.ID),
		slog.Time("start", head.Start),
		slog.Time("stop", head.Stop),
	)

	return groupRepo.Update(ctx, group)
}

// retire handles an active group whose current window has elapsed: the
// group is deleted when nothing remains (or a spent single-use group),
// otherwise deactivated with its remaining windows and the elapsed slice of
// the owner's duration quota released.
func (s *Scheduler) retire(
	ctx context.Context,
	factory repository.RepositoryFactory,
	group *entity.Group,
	now time.Time,
) ([]*wire.Envelope, error) {
	remaining := remainingWindows(group.Dates, now)

	if len(remaining) == 0 || (group.Class == entity.ClassOnce && len(group.Devices) == 0) {
		return s.deleteGroup(ctx, factory, group)
	}

	newDuration := entity.ComputeDuration(remaining, len(group.Devices), group.Repetitions)
	if err := s.adjustDuration(ctx, factory.NewUserRepository(), group, newDuration); err != nil {
		return nil, err
	}

	group.IsActive = false
	group.State = entity.StateReady
	group.Dates = remaining
	group.Duration = newDuration
	if err := factory.NewGroupRepository().Update(ctx, group); err != nil {
		return nil, err
	}

	s.logger.Info("group deactivated",
		slog.String("groupId", group.ID),
		slog.Int("windowsLeft", len(remaining)),
	)

	return changedNotices(group, false), nil
}

// trim advances an inactive group past elapsed windows without activating
// it. An inactive group with no future windows left is deleted.
func (s *Scheduler) trim(
	ctx context.Context,
	factory repository.RepositoryFactory,
	group *entity.Group,
	now time.Time,
) ([]*wire.Envelope, error) {
	remaining := remainingWindows(group.Dates, now)
	if len(remaining) == 0 {
		return s.deleteGroup(ctx, factory, group)
	}

	newDuration := entity.ComputeDuration(remaining, len(group.Devices), group.Repetitions)
	if err := s.adjustDuration(ctx, factory.NewUserRepository(), group, newDuration); err != nil {
		return nil, err
	}

	group.Dates = remaining
	group.Duration = newDuration
	group.State = entity.StateReady

	return nil, factory.NewGroupRepository().Update(ctx, group)
}

// activate flips a group live and tells its member devices to re-join.
func (s *Scheduler) activate(ctx context.Context, groupRepo repository.GroupRepository, group *entity.Group) ([]*wire.Envelope, error) {
	group.IsActive = true
	group.State = entity.StateReady
	if err := groupRepo.Update(ctx, group); err != nil {
		return nil, err
	}

	s.logger.Info("group activated", slog.String("groupId", group.ID))

	return changedNotices(group, true), nil
}

// deleteGroup removes a finished group: membership is cleared, the owner's
// quota reservations come back, and each member device is told to leave.
func (s *Scheduler) deleteGroup(
	ctx context.Context,
	factory repository.RepositoryFactory,
	group *entity.Group,
) ([]*wire.Envelope, error) {
	deviceRepo := factory.NewDeviceRepository()
	for _, serial := range group.Devices {
		if err := deviceRepo.SetGroup(ctx, serial, "", nil); err != nil {
			if errors.Is(err, repository.ErrDeviceNotFound) {
				continue
			}

			return nil, err
		}
	}

	if group.OwnerEmail != "" {
		userRepo := factory.NewUserRepository()
		if err := userRepo.ReleaseGroup(ctx, group.OwnerEmail); err != nil {
			return nil, errors.Wrap(err, "failed to release group quota")
		}
		if err := userRepo.ReleaseDuration(ctx, group.OwnerEmail, group.Duration); err != nil {
			return nil, errors.Wrap(err, "failed to release duration quota")
		}
	}

	if err := factory.NewGroupRepository().Delete(ctx, group.ID); err != nil {
		return nil, err
	}

	s.logger.Info("group deleted", slog.String("groupId", group.ID))

	notices := make([]*wire.Envelope, 0, len(group.Devices))
	for _, serial := range group.Devices {
		env, err := wire.NewEnvelope(wire.DeviceChannel(serial), wire.TypeGroupLeave, &wire.GroupLeaveRequest{
			GroupID: group.ID,
			Serial:  serial,
		})
		if err != nil {
			return nil, err
		}
		notices = append(notices, env)
	}

	return notices, nil
}

// adjustDuration moves the owner's consumed duration from the group's old
// total to newDuration. Shrinking always fits, so a rejected update only
// happens when another writer already refreshed the total; it is ignored.
func (s *Scheduler) adjustDuration(ctx context.Context, userRepo repository.UserRepository, group *entity.Group, newDuration time.Duration) error {
	if group.OwnerEmail == "" || newDuration == group.Duration {
		return nil
	}

	if _, err := userRepo.UpdateDuration(ctx, group.OwnerEmail, group.Duration, newDuration); err != nil {
		return errors.Wrap(err, "failed to adjust duration quota")
	}

	return nil
}

// maintain is the slow housekeeping pass: contended groups parked in the
// waiting state are promoted back to ready, and drifted duration totals are
// refreshed.
func (s *Scheduler) maintain(ctx context.Context, now time.Time) {
	groups, err := s.groupRepo.ListScheduled(ctx)
	if err != nil {
		s.logger.Error("failed to load groups for maintenance", slog.Any("error", err))

		return
	}

	for _, group := range groups {
		if group.State == entity.StateWaiting {
			if err := s.transition(ctx, group.ID, now); err != nil {
				s.logger.Error("waiting group re-evaluation failed",
					slog.String("groupId", group.ID),
					slog.Any("error", err),
				)

				continue
			}
			if err := s.groupRepo.SetState(ctx, group.ID, entity.StateReady); err != nil &&
				!errors.Is(err, repository.ErrGroupNotFound) {
				s.logger.Warn("failed to promote waiting group",
					slog.String("groupId", group.ID),
					slog.Any("error", err),
				)
			}

			continue
		}

		if group.Class == entity.ClassOrigin {
			continue
		}
		expected := entity.ComputeDuration(group.Dates, len(group.Devices), group.Repetitions)
		if expected != group.Duration {
			s.logger.Warn("group duration total drifted, refreshing",
				slog.String("groupId", group.ID),
				slog.Duration("stored", group.Duration),
				slog.Duration("expected", expected),
			)
			if err := s.refreshDuration(ctx, group.ID); err != nil {
				s.logger.Error("duration refresh failed",
					slog.String("groupId", group.ID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// refreshDuration recomputes a group's duration total and reconciles the
// owner's consumed quota, under the advisory lock.
func (s *Scheduler) refreshDuration(ctx context.Context, groupID string) error {
	acquired, err := s.groupRepo.AcquireLock(ctx, groupID)
	if err != nil {
		return errors.Wrap(err, "failed to acquire group lock")
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := s.groupRepo.ReleaseLock(ctx, groupID); err != nil {
			s.logger.Warn("failed to release group lock",
				slog.String("groupId", groupID),
				slog.Any("error", err),
			)
		}
	}()

	return s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
		groupRepo := factory.NewGroupRepository()

		group, err := groupRepo.FindByID(ctx, groupID)
		if err != nil {
			if errors.Is(err, repository.ErrGroupNotFound) {
				return nil
			}

			return err
		}

		expected := entity.ComputeDuration(group.Dates, len(group.Devices), group.Repetitions)
		if expected == group.Duration {
			return nil
		}

		if err := s.adjustDuration(ctx, factory.NewUserRepository(), group, expected); err != nil {
			return err
		}
		group.Duration = expected

		return groupRepo.Update(ctx, group)
	})
}

// remainingWindows drops every fully elapsed window from the head of dates.
func remainingWindows(dates []entity.Window, now time.Time) []entity.Window {
	remaining := dates
	for len(remaining) > 0 && remaining[0].Elapsed(now) {
		remaining = remaining[1:]
	}

	return remaining
}

// changedNotices builds the group.changed envelope for every member device.
func changedNotices(group *entity.Group, isActive bool) []*wire.Envelope {
	notices := make([]*wire.Envelope, 0, len(group.Devices))
	for _, serial := range group.Devices {
		env, err := wire.NewEnvelope(wire.DeviceChannel(serial), wire.TypeGroupChanged, &wire.GroupChanged{
			GroupID:  group.ID,
			IsActive: isActive,
		})
		if err != nil {
			continue
		}
		notices = append(notices, env)
	}

	return notices
}
