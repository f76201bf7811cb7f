// Package impl contains the concrete use case implementations.
package impl

import (
	"context"
	"log/slog"

	"corral/internal/domain/entity"
	domainerrors "corral/internal/domain/errors"
	"corral/internal/domain/repository"
	"corral/internal/usecase"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type groupService struct {
	txManager repository.TransactionManager
	groupRepo repository.GroupRepository
	logger    *slog.Logger
}

// NewGroupService creates a new group service instance. The plain group
// repository is used only for the advisory lock, which must be visible
// outside the transaction; every other mutation runs through txManager.
func NewGroupService(
	txManager repository.TransactionManager,
	groupRepo repository.GroupRepository,
	logger *slog.Logger,
) usecase.GroupUsecase {
	return &groupService{
		txManager: txManager,
		groupRepo: groupRepo,
		logger:    logger,
	}
}

// Create validates the booking windows, reserves the owner's quota and
// persists the group, all within one transaction.
func (s *groupService) Create(ctx context.Context, input *usecase.CreateGroupInput) (*entity.Group, error) {
	if input.Class == entity.ClassOrigin {
		return nil, domainerrors.ErrGroupClassInvalid
	}
	if !entity.ValidateWindows(input.Dates) {
		return nil, domainerrors.ErrGroupWindowsInvalid
	}

	group := &entity.Group{
		ID:          uuid.NewString(),
		Name:        input.Name,
		Class:       input.Class,
		State:       entity.StateReady,
		IsActive:    false,
		Dates:       input.Dates,
		Repetitions: input.Repetitions,
		Devices:     nil,
		OwnerEmail:  input.OwnerEmail,
		Duration:    entity.ComputeDuration(input.Dates, len(input.Devices), input.Repetitions),
	}

	err := s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
		deviceRepo := factory.NewDeviceRepository()
		groupRepo := factory.NewGroupRepository()
		userRepo := factory.NewUserRepository()

		// A bookable group claims future windows: its devices stay free
		// until activation. Standard and once groups take membership
		// immediately.
		immediate := group.Class != entity.ClassBookable

		devices := make([]*entity.Device, 0, len(input.Devices))
		for _, serial := range input.Devices {
			device, err := deviceRepo.FindBySerial(ctx, serial)
			if err != nil {
				return mapDeviceError(err)
			}
			if immediate && device.InGroup() {
				return domainerrors.ErrDeviceAlreadyGrouped.WrapMessage(serial)
			}
			devices = append(devices, device)
		}

		if group.Class == entity.ClassBookable {
			if err := s.checkBookableConflicts(ctx, groupRepo, group, input.Devices); err != nil {
				return err
			}
		}

		reserved, err := userRepo.ReserveGroup(ctx, group.OwnerEmail)
		if err != nil {
			return errors.Wrap(err, "failed to reserve group quota")
		}
		if !reserved {
			return domainerrors.ErrQuotaNumberExhausted
		}

		accepted, err := userRepo.UpdateDuration(ctx, group.OwnerEmail, 0, group.Duration)
		if err != nil {
			return errors.Wrap(err, "failed to reserve duration quota")
		}
		if !accepted {
			return domainerrors.ErrQuotaDurationExhausted
		}

		if err := groupRepo.Create(ctx, group); err != nil {
			if errors.Is(err, repository.ErrDuplicateGroup) {
				return domainerrors.ErrGroupExists
			}

			return err
		}

		for _, device := range devices {
			if immediate {
				owner := &entity.DeviceOwner{Email: group.OwnerEmail, Group: group.ID}
				if err := deviceRepo.SetGroup(ctx, device.Serial, group.ID, owner); err != nil {
					return mapDeviceError(err)
				}
			}
			group.Devices = append(group.Devices, device.Serial)
		}

		if len(group.Devices) > 0 {
			return groupRepo.Update(ctx, group)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return group, nil
}

// Delete removes a group, releases its members and hands the quota
// reservation back to the owner.
func (s *groupService) Delete(ctx context.Context, groupID string) error {
	return s.withGroupLock(ctx, groupID, func() error {
		return s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
			groupRepo := factory.NewGroupRepository()

			group, err := groupRepo.FindByID(ctx, groupID)
			if err != nil {
				return mapGroupError(err)
			}
			if group.Lock.Admin {
				return domainerrors.ErrGroupLocked.WrapMessage("admin lock held")
			}

			return deleteGroup(ctx, factory, group)
		})
	})
}

// Join adds a device to a group under the advisory group lock.
func (s *groupService) Join(ctx context.Context, input *usecase.JoinGroupInput) (*entity.Group, error) {
	var joined *entity.Group

	err := s.withGroupLock(ctx, input.GroupID, func() error {
		return s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
			deviceRepo := factory.NewDeviceRepository()
			groupRepo := factory.NewGroupRepository()
			userRepo := factory.NewUserRepository()

			group, err := groupRepo.FindByID(ctx, input.GroupID)
			if err != nil {
				return mapGroupError(err)
			}
			if group.Lock.Admin {
				return domainerrors.ErrGroupLocked.WrapMessage("admin lock held")
			}

			device, err := deviceRepo.FindBySerial(ctx, input.Serial)
			if err != nil {
				return mapDeviceError(err)
			}
			if device.GroupID == group.ID {
				joined = group

				return nil
			}
			if device.InGroup() {
				return domainerrors.ErrDeviceAlreadyGrouped.WrapMessage(input.Serial)
			}

			for key, want := range input.Requirements {
				if got, ok := device.Capabilities[key]; !ok || got != want {
					return domainerrors.ErrRequirementMismatch.WrapMessage(key)
				}
			}

			if group.Class == entity.ClassBookable {
				if err := s.checkBookableConflicts(ctx, groupRepo, group, []string{input.Serial}); err != nil {
					return err
				}
			}

			newDuration := entity.ComputeDuration(group.Dates, len(group.Devices)+1, group.Repetitions)
			if group.OwnerEmail != "" {
				accepted, err := userRepo.UpdateDuration(ctx, group.OwnerEmail, group.Duration, newDuration)
				if err != nil {
					return errors.Wrap(err, "failed to update duration quota")
				}
				if !accepted {
					return domainerrors.ErrQuotaDurationExhausted
				}
			}

			owner := &entity.DeviceOwner{
				Email: group.OwnerEmail,
				Name:  input.OwnerName,
				Group: group.ID,
			}
			if err := deviceRepo.SetGroup(ctx, input.Serial, group.ID, owner); err != nil {
				return mapDeviceError(err)
			}

			group.Devices = append(group.Devices, input.Serial)
			group.Duration = newDuration
			if err := groupRepo.Update(ctx, group); err != nil {
				return mapGroupError(err)
			}

			joined = group

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return joined, nil
}

// Leave removes a device from a group under the advisory group lock.
func (s *groupService) Leave(ctx context.Context, serial, groupID string) error {
	return s.withGroupLock(ctx, groupID, func() error {
		return s.txManager.Execute(ctx, func(factory repository.RepositoryFactory) error {
			deviceRepo := factory.NewDeviceRepository()
			groupRepo := factory.NewGroupRepository()
			userRepo := factory.NewUserRepository()

			group, err := groupRepo.FindByID(ctx, groupID)
			if err != nil {
				return mapGroupError(err)
			}

			device, err := deviceRepo.FindBySerial(ctx, serial)
			if err != nil {
				return mapDeviceError(err)
			}
			if device.GroupID != group.ID {
				return domainerrors.ErrDeviceNotGrouped.WrapMessage(serial)
			}

			if err := deviceRepo.SetGroup(ctx, serial, "", nil); err != nil {
				return mapDeviceError(err)
			}
			group.Devices = removeSerial(group.Devices, serial)

			// A single-use group dies with its last member.
			if group.Class == entity.ClassOnce && len(group.Devices) == 0 {
				return deleteGroup(ctx, factory, group)
			}

			newDuration := entity.ComputeDuration(group.Dates, len(group.Devices), group.Repetitions)
			if group.OwnerEmail != "" && newDuration != group.Duration {
				if _, err := userRepo.UpdateDuration(ctx, group.OwnerEmail, group.Duration, newDuration); err != nil {
					return errors.Wrap(err, "failed to update duration quota")
				}
			}
			group.Duration = newDuration

			return mapGroupError(groupRepo.Update(ctx, group))
		})
	})
}

// withGroupLock runs fn while holding the advisory per-group lock. A
// contended lock surfaces as ErrGroupLocked; the caller converts it into a
// negative reply and retries.
func (s *groupService) withGroupLock(ctx context.Context, groupID string, fn func() error) error {
	acquired, err := s.groupRepo.AcquireLock(ctx, groupID)
	if err != nil {
		return errors.Wrap(err, "failed to acquire group lock")
	}
	if !acquired {
		return domainerrors.ErrGroupLocked
	}
	defer func() {
		if err := s.groupRepo.ReleaseLock(ctx, groupID); err != nil {
			s.logger.Warn("failed to release group lock",
				slog.String("groupId", groupID),
				slog.Any("error", err),
			)
		}
	}()

	return fn()
}

// checkBookableConflicts rejects windows that overlap another bookable
// group's claim on any of the given devices.
func (s *groupService) checkBookableConflicts(
	ctx context.Context,
	groupRepo repository.GroupRepository,
	group *entity.Group,
	serials []string,
) error {
	others, err := groupRepo.ListByClass(ctx, entity.ClassBookable)
	if err != nil {
		return errors.Wrap(err, "failed to list bookable groups")
	}

	for _, other := range others {
		if other.ID == group.ID {
			continue
		}
		if !sharesSerial(other.Devices, serials) {
			continue
		}
		if entity.WindowsOverlap(group.Dates, other.Dates) {
			return domainerrors.ErrGroupWindowConflict.WrapMessage(other.ID)
		}
	}

	return nil
}

// deleteGroup releases membership and quota, then removes the record.
// Callers hold the advisory lock and run inside a transaction.
func deleteGroup(ctx context.Context, factory repository.RepositoryFactory, group *entity.Group) error {
	deviceRepo := factory.NewDeviceRepository()
	groupRepo := factory.NewGroupRepository()
	userRepo := factory.NewUserRepository()

	for _, serial := range group.Devices {
		if err := deviceRepo.SetGroup(ctx, serial, "", nil); err != nil {
			if errors.Is(err, repository.ErrDeviceNotFound) {
				continue
			}

			return err
		}
	}

	if group.OwnerEmail != "" {
		if err := userRepo.ReleaseGroup(ctx, group.OwnerEmail); err != nil {
			return errors.Wrap(err, "failed to release group quota")
		}
		if err := userRepo.ReleaseDuration(ctx, group.OwnerEmail, group.Duration); err != nil {
			return errors.Wrap(err, "failed to release duration quota")
		}
	}

	return mapGroupError(groupRepo.Delete(ctx, group.ID))
}

// sharesSerial reports whether devices and serials have a serial in common.
func sharesSerial(devices, serials []string) bool {
	for _, d := range devices {
		for _, s := range serials {
			if d == s {
				return true
			}
		}
	}

	return false
}

// removeSerial returns devices without serial, preserving order.
func removeSerial(devices []string, serial string) []string {
	out := devices[:0]
	for _, s := range devices {
		if s != serial {
			out = append(out, s)
		}
	}

	return out
}

// mapDeviceError converts repository sentinels into domain errors.
func mapDeviceError(err error) error {
	if errors.Is(err, repository.ErrDeviceNotFound) {
		return domainerrors.ErrDeviceNotFound
	}

	return err
}

// mapGroupError converts repository sentinels into domain errors.
func mapGroupError(err error) error {
	if errors.Is(err, repository.ErrGroupNotFound) {
		return domainerrors.ErrGroupNotFound
	}

	return err
}
