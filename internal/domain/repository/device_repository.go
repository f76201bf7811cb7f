// Package repository defines the interfaces for the persistence layer.
package repository

import (
	"context"
	"time"

	"corral/internal/domain/entity"

	"github.com/pkg/errors"
)

// ErrDeviceNotFound is returned when a device record does not exist.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceRepository defines device-related store operations.
type DeviceRepository interface {
	// UpsertIntro creates the device on first introduction or refreshes its
	// channel, capabilities and presence on re-introduction.
	UpsertIntro(ctx context.Context, device *entity.Device) error

	// FindBySerial retrieves a device by its serial.
	FindBySerial(ctx context.Context, serial string) (*entity.Device, error)

	// ListPresent returns the serials of all currently present devices.
	ListPresent(ctx context.Context) ([]string, error)

	// SetPresence flips a device's presence and records when it changed.
	SetPresence(ctx context.Context, serial string, presence entity.Presence, at time.Time) error

	// ListAbsentSince returns devices continuously absent since before
	// cutoff.
	ListAbsentSince(ctx context.Context, cutoff time.Time) ([]*entity.Device, error)

	// SetGroup records a device's transient group membership and owner;
	// empty groupID and nil owner release the device to its origin group.
	SetGroup(ctx context.Context, serial, groupID string, owner *entity.DeviceOwner) error

	// ListByGroup returns the devices that are members of a group.
	ListByGroup(ctx context.Context, groupID string) ([]*entity.Device, error)

	// Delete permanently removes a device record. This is only reached via
	// the reaper's prune path.
	Delete(ctx context.Context, serial string) error
}
