package impl

import (
	"context"
	"log/slog"
	"time"

	"corral/internal/domain/entity"
	"corral/internal/domain/repository"
	"corral/internal/usecase"

	"github.com/pkg/errors"
)

// originWindowSpan is the rolling window length of a device's permanent
// origin group. The scheduler slides the window forward by this span every
// time it elapses.
const originWindowSpan = 24 * time.Hour

type deviceService struct {
	txManager repository.TransactionManager
	logger    *slog.Logger
}

// NewDeviceService creates a new device service instance.
func NewDeviceService(txManager repository.TransactionManager, logger *slog.Logger) usecase.DeviceUsecase {
	return &deviceService{
		txManager: txManager,
		logger:    logger,
	}
}

// Introduce upserts a device from an agent introduction, marks it present
// and ensures its permanent origin group exists.
func (s *deviceService) Introduce(ctx context.Context, input *usecase.IntroduceDeviceInput) (*entity.Device, error) {
	now := time.Now()
	originID := originGroupID(input.Serial)

	device := &entity.Device{
		Serial:            input.Serial,
		Channel:           input.Channel,
		Presence:          entity.PresencePresent,
		PresenceChangedAt: now,
		Capabilities:      input.Capabilities,
		OriginGroupID:     originID,
	}

	err := s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
		deviceRepo := factory.NewDeviceRepository()
		groupRepo := factory.NewGroupRepository()

		if err := deviceRepo.UpsertIntro(ctx, device); err != nil {
			return errors.Wrap(err, "failed to upsert device")
		}

		if _, err := groupRepo.FindByID(ctx, originID); err == nil {
			return nil
		} else if !errors.Is(err, repository.ErrGroupNotFound) {
			return err
		}

		origin := &entity.Group{
			ID:          originID,
			Name:        "origin-" + input.Serial,
			Class:       entity.ClassOrigin,
			State:       entity.StateReady,
			IsActive:    true,
			Dates:       []entity.Window{{Start: now, Stop: now.Add(originWindowSpan)}},
			Repetitions: 1,
			Devices:     []string{input.Serial},
			Lock:        entity.GroupLock{Admin: true},
		}
		if err := groupRepo.Create(ctx, origin); err != nil {
			// Another introduction raced us; the group exists either way.
			if errors.Is(err, repository.ErrDuplicateGroup) {
				return nil
			}

			return errors.Wrap(err, "failed to create origin group")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return device, nil
}

// SetPresence flips a device's presence state.
func (s *deviceService) SetPresence(ctx context.Context, serial string, presence entity.Presence) error {
	return s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
		err := factory.NewDeviceRepository().SetPresence(ctx, serial, presence, time.Now())

		return mapDeviceError(err)
	})
}

// ListPresent returns the serials of all present devices.
func (s *deviceService) ListPresent(ctx context.Context) ([]string, error) {
	var serials []string

	err := s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
		var err error
		serials, err = factory.NewDeviceRepository().ListPresent(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return serials, nil
}

// ListStale returns devices continuously absent for at least absentFor.
func (s *deviceService) ListStale(ctx context.Context, absentFor time.Duration) ([]*entity.Device, error) {
	var devices []*entity.Device

	err := s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
		var err error
		devices, err = factory.NewDeviceRepository().ListAbsentSince(ctx, time.Now().Add(-absentFor))

		return err
	})
	if err != nil {
		return nil, err
	}

	return devices, nil
}

// Remove permanently deletes a device record, scrubs its transient group
// membership and drops its origin group.
func (s *deviceService) Remove(ctx context.Context, serial string) error {
	return s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
		deviceRepo := factory.NewDeviceRepository()
		groupRepo := factory.NewGroupRepository()
		userRepo := factory.NewUserRepository()

		device, err := deviceRepo.FindBySerial(ctx, serial)
		if err != nil {
			return mapDeviceError(err)
		}

		if device.InGroup() {
			group, err := groupRepo.FindByID(ctx, device.GroupID)
			if err != nil && !errors.Is(err, repository.ErrGroupNotFound) {
				return err
			}
			if err == nil {
				group.Devices = removeSerial(group.Devices, serial)
				newDuration := entity.ComputeDuration(group.Dates, len(group.Devices), group.Repetitions)
				if group.OwnerEmail != "" && newDuration != group.Duration {
					if _, err := userRepo.UpdateDuration(ctx, group.OwnerEmail, group.Duration, newDuration); err != nil {
						return errors.Wrap(err, "failed to update duration quota")
					}
				}
				group.Duration = newDuration
				if err := groupRepo.Update(ctx, group); err != nil {
					return mapGroupError(err)
				}
			}
		}

		if err := groupRepo.Delete(ctx, originGroupID(serial)); err != nil {
			if !errors.Is(err, repository.ErrGroupNotFound) {
				return err
			}
		}

		return mapDeviceError(deviceRepo.Delete(ctx, serial))
	})
}

// originGroupID derives the permanent origin group id of a device.
func originGroupID(serial string) string {
	return "origin." + serial
}
