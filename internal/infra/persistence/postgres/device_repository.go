// Package postgres contains the concrete implementation of the persistence layer using GORM and PostgreSQL.
package postgres

import (
	"context"
	"time"

	"corral/internal/domain/entity"
	"corral/internal/domain/repository"
	"corral/internal/infra/persistence/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// deviceRepository implements the repository.DeviceRepository interface.
type deviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository is the constructor for deviceRepository.
func NewDeviceRepository(db *gorm.DB) repository.DeviceRepository {
	return &deviceRepository{
		db: db,
	}
}

// UpsertIntro creates the device on first introduction or refreshes its
// channel, capabilities and presence when an agent re-introduces itself.
// Group membership columns are deliberately left alone: an agent restart
// must not eject the device from its group.
func (repo *deviceRepository) UpsertIntro(ctx context.Context, device *entity.Device) error {
	deviceM := fromDeviceDomain(device)

	if err := repo.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "serial"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"channel", "capabilities", "presence", "presence_changed_at", "updated_at",
			}),
		}).
		Create(deviceM).Error; err != nil {
		return errors.Wrap(err, "failed to upsert device introduction")
	}

	device.CreatedAt = deviceM.CreatedAt
	device.UpdatedAt = deviceM.UpdatedAt

	return nil
}

// FindBySerial retrieves a device by its serial.
func (repo *deviceRepository) FindBySerial(ctx context.Context, serial string) (*entity.Device, error) {
	var deviceM model.DeviceModel

	if err := repo.db.WithContext(ctx).
		Where("serial = ?", serial).
		First(&deviceM).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrDeviceNotFound
		}

		return nil, errors.Wrap(err, "failed to find device by serial")
	}

	return toDeviceDomain(&deviceM), nil
}

// ListPresent returns the serials of all currently present devices.
func (repo *deviceRepository) ListPresent(ctx context.Context) ([]string, error) {
	var serials []string

	if err := repo.db.WithContext(ctx).
		Model(&model.DeviceModel{}).
		Where("presence = ?", string(entity.PresencePresent)).
		Order("serial ASC").
		Pluck("serial", &serials).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list present devices")
	}

	return serials, nil
}

// SetPresence flips a device's presence and records when it changed.
func (repo *deviceRepository) SetPresence(ctx context.Context, serial string, presence entity.Presence, at time.Time) error {
	result := repo.db.WithContext(ctx).
		Model(&model.DeviceModel{}).
		Where("serial = ?", serial).
		Updates(map[string]any{
			"presence":            string(presence),
			"presence_changed_at": at,
		})

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set device presence")
	}

	if result.RowsAffected == 0 {
		return repository.ErrDeviceNotFound
	}

	return nil
}

// ListAbsentSince returns devices continuously absent since before cutoff.
func (repo *deviceRepository) ListAbsentSince(ctx context.Context, cutoff time.Time) ([]*entity.Device, error) {
	var deviceModels []*model.DeviceModel

	if err := repo.db.WithContext(ctx).
		Where("presence = ? AND presence_changed_at < ?", string(entity.PresenceAbsent), cutoff).
		Order("presence_changed_at ASC").
		Find(&deviceModels).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list absent devices")
	}

	devices := make([]*entity.Device, 0, len(deviceModels))
	for _, deviceM := range deviceModels {
		devices = append(devices, toDeviceDomain(deviceM))
	}

	return devices, nil
}

// SetGroup records a device's transient group membership and owner. Empty
// groupID with nil owner releases the device back to its origin group.
func (repo *deviceRepository) SetGroup(ctx context.Context, serial, groupID string, owner *entity.DeviceOwner) error {
	result := repo.db.WithContext(ctx).
		Model(&model.DeviceModel{}).
		Where("serial = ?", serial).
		Updates(map[string]any{
			"group_id": groupID,
			"owner":    fromOwnerDomain(owner),
		})

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set device group")
	}

	if result.RowsAffected == 0 {
		return repository.ErrDeviceNotFound
	}

	return nil
}

// ListByGroup returns the devices that are members of a group.
func (repo *deviceRepository) ListByGroup(ctx context.Context, groupID string) ([]*entity.Device, error) {
	var deviceModels []*model.DeviceModel

	if err := repo.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("serial ASC").
		Find(&deviceModels).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list devices by group")
	}

	devices := make([]*entity.Device, 0, len(deviceModels))
	for _, deviceM := range deviceModels {
		devices = append(devices, toDeviceDomain(deviceM))
	}

	return devices, nil
}

// Delete permanently removes a device record.
func (repo *deviceRepository) Delete(ctx context.Context, serial string) error {
	result := repo.db.WithContext(ctx).
		Where("serial = ?", serial).
		Delete(&model.DeviceModel{})

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to delete device")
	}

	if result.RowsAffected == 0 {
		return repository.ErrDeviceNotFound
	}

	return nil
}

// --- Mapper Functions ---

// toDeviceDomain converts a GORM DeviceModel to a domain Device entity.
func toDeviceDomain(data *model.DeviceModel) *entity.Device {
	if data == nil {
		return nil
	}

	return &entity.Device{
		Serial:            data.Serial,
		Channel:           data.Channel,
		Presence:          entity.Presence(data.Presence),
		PresenceChangedAt: data.PresenceChangedAt,
		Owner:             toOwnerDomain(data.Owner),
		Capabilities:      data.Capabilities,
		GroupID:           data.GroupID,
		OriginGroupID:     data.OriginGroupID,
		CreatedAt:         data.CreatedAt,
		UpdatedAt:         data.UpdatedAt,
	}
}

// fromDeviceDomain converts a domain Device entity to a GORM DeviceModel.
func fromDeviceDomain(data *entity.Device) *model.DeviceModel {
	if data == nil {
		return nil
	}

	return &model.DeviceModel{
		Serial:            data.Serial,
		Channel:           data.Channel,
		Presence:          string(data.Presence),
		PresenceChangedAt: data.PresenceChangedAt,
		Owner:             fromOwnerDomain(data.Owner),
		Capabilities:      data.Capabilities,
		GroupID:           data.GroupID,
		OriginGroupID:     data.OriginGroupID,
		CreatedAt:         data.CreatedAt,
		UpdatedAt:         data.UpdatedAt,
	}
}

func toOwnerDomain(data *model.DeviceOwnerDoc) *entity.DeviceOwner {
	if data == nil {
		return nil
	}

	return &entity.DeviceOwner{
		Email: data.Email,
		Name:  data.Name,
		Group: data.Group,
	}
}

func fromOwnerDomain(data *entity.DeviceOwner) *model.DeviceOwnerDoc {
	if data == nil {
		return nil
	}

	return &model.DeviceOwnerDoc{
		Email: data.Email,
		Name:  data.Name,
		Group: data.Group,
	}
}
