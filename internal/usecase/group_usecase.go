package usecase

import (
	"context"

	"corral/internal/domain/entity"
)

// CreateGroupInput carries the fields of a group creation request.
type CreateGroupInput struct {
	Name        string            `json:"name"`
	Class       entity.GroupClass `json:"class"`
	OwnerEmail  string            `json:"owner_email"`
	Dates       []entity.Window   `json:"dates"`
	Repetitions int               `json:"repetitions"`
	Devices     []string          `json:"devices"`
}

// JoinGroupInput carries the fields of a membership join request.
// Requirements are matched against the device's reported capabilities;
// a missing or differing capability rejects the join.
type JoinGroupInput struct {
	Serial       string            `json:"serial"`
	GroupID      string            `json:"group_id"`
	OwnerName    string            `json:"owner_name"`
	Requirements map[string]string `json:"requirements"`
}

// GroupUsecase defines the interface for group lifecycle and membership
// use cases. Membership changes go exclusively through Join and Leave; the
// group's device list is never mutated directly.
type GroupUsecase interface {
	// Create validates the booking windows, reserves the owner's quota and
	// persists the group, all within one transaction.
	Create(ctx context.Context, input *CreateGroupInput) (*entity.Group, error)

	// Delete removes a group, releases its members and hands the quota
	// reservation back to the owner.
	Delete(ctx context.Context, groupID string) error

	// Join adds a device to a group under the advisory group lock.
	Join(ctx context.Context, input *JoinGroupInput) (*entity.Group, error)

	// Leave removes a device from a group under the advisory group lock.
	// A single-use group whose last device leaves is deleted outright.
	Leave(ctx context.Context, serial, groupID string) error
}
