package repository

import (
	"context"
	"time"

	"corral/internal/domain/entity"

	"github.com/pkg/errors"
)

// ErrUserNotFound is returned when a user record does not exist.
var ErrUserNotFound = errors.New("user not found")

// UserRepository defines user and quota store operations. Every quota
// mutation is a single clamped conditional UPDATE, never read-modify-write:
// the quota invariants hold by construction and concurrent callers cannot
// overshoot.
type UserRepository interface {
	// Create persists a new user.
	Create(ctx context.Context, user *entity.User) error

	// FindByEmail retrieves a user by email.
	FindByEmail(ctx context.Context, email string) (*entity.User, error)

	// ReserveGroup increments consumed.number, clamped at allocated.number.
	// Returns false when the value did not change, which callers treat as
	// "reservation denied".
	ReserveGroup(ctx context.Context, email string) (bool, error)

	// ReleaseGroup decrements consumed.number, clamped at zero.
	ReleaseGroup(ctx context.Context, email string) error

	// UpdateDuration replaces a booking's contribution to consumed.duration:
	// the new total is accepted only if consumed - old + new fits the
	// allocation. A rejected update leaves the document untouched and
	// returns false without error, so it is safe to retry or replay.
	UpdateDuration(ctx context.Context, email string, oldDuration, newDuration time.Duration) (bool, error)

	// ReleaseDuration subtracts delta from consumed.duration, clamped at
	// zero.
	ReleaseDuration(ctx context.Context, email string, delta time.Duration) error
}
