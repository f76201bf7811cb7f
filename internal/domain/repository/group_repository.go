package repository

import (
	"context"

	"corral/internal/domain/entity"

	"github.com/pkg/errors"
)

// Domain-specific errors for group persistence.
var (
	// ErrGroupNotFound is returned when a group record does not exist.
	ErrGroupNotFound = errors.New("group not found")
	// ErrDuplicateGroup is returned when creating a group whose id exists.
	ErrDuplicateGroup = errors.New("group already exists")
)

// GroupRepository defines group-related store operations.
type GroupRepository interface {
	// Create persists a new group.
	Create(ctx context.Context, group *entity.Group) error

	// FindByID retrieves a group by id.
	FindByID(ctx context.Context, id string) (*entity.Group, error)

	// ListScheduled returns all non-pending groups ordered by the start of
	// their head window, the scheduler's working set.
	ListScheduled(ctx context.Context) ([]*entity.Group, error)

	// ListByClass returns all groups of a class.
	ListByClass(ctx context.Context, class entity.GroupClass) ([]*entity.Group, error)

	// Update persists the mutable lifecycle fields (state, activity,
	// windows, repetitions, devices, duration).
	Update(ctx context.Context, group *entity.Group) error

	// SetState persists only the scheduler state. Safe without the advisory
	// lock; used for the contention fallback.
	SetState(ctx context.Context, id string, state entity.GroupState) error

	// Delete removes a group record.
	Delete(ctx context.Context, id string) error

	// AcquireLock takes the advisory per-group lock. The update is a single
	// atomic conditional statement: it succeeds only if the lock was free,
	// so two replicas can never both win.
	AcquireLock(ctx context.Context, id string) (bool, error)

	// ReleaseLock frees the advisory lock unconditionally.
	ReleaseLock(ctx context.Context, id string) error
}
