package usecase

import (
	"context"
	"time"

	"corral/internal/domain/entity"
)

// IntroduceDeviceInput carries an agent's self-introduction.
type IntroduceDeviceInput struct {
	Serial       string            `json:"serial"`
	Channel      string            `json:"channel"`
	Capabilities map[string]string `json:"capabilities"`
}

// DeviceUsecase defines the interface for device registry use cases.
type DeviceUsecase interface {
	// Introduce upserts a device from an agent introduction, marks it
	// present and ensures its permanent origin group exists.
	Introduce(ctx context.Context, input *IntroduceDeviceInput) (*entity.Device, error)

	// SetPresence flips a device's presence state.
	SetPresence(ctx context.Context, serial string, presence entity.Presence) error

	// ListPresent returns the serials of all present devices.
	ListPresent(ctx context.Context) ([]string, error)

	// ListStale returns devices continuously absent for at least absentFor.
	ListStale(ctx context.Context, absentFor time.Duration) ([]*entity.Device, error)

	// Remove permanently deletes a device record and scrubs it from any
	// group it still belongs to.
	Remove(ctx context.Context, serial string) error
}
