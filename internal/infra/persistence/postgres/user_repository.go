package postgres

import (
	"context"
	"time"

	"corral/internal/domain/entity"
	"corral/internal/domain/repository"
	"corral/internal/infra/persistence/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// userRepository implements the repository.UserRepository interface.
//
// Quota mutations are expressed as single conditional UPDATE statements and
// judged by RowsAffected. The database is the arbiter under concurrency;
// there is no read-modify-write window to race through.
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository is the constructor for userRepository.
func NewUserRepository(db *gorm.DB) repository.UserRepository {
	return &userRepository{
		db: db,
	}
}

// Create persists a new user.
func (repo *userRepository) Create(ctx context.Context, user *entity.User) error {
	userM := fromUserDomain(user)

	if err := repo.db.WithContext(ctx).Create(userM).Error; err != nil {
		return errors.Wrap(err, "failed to create user")
	}

	user.CreatedAt = userM.CreatedAt
	user.UpdatedAt = userM.UpdatedAt

	return nil
}

// FindByEmail retrieves a user by email.
func (repo *userRepository) FindByEmail(ctx context.Context, email string) (*entity.User, error) {
	var userM model.UserModel

	if err := repo.db.WithContext(ctx).
		Where("email = ?", email).
		First(&userM).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrUserNotFound
		}

		return nil, errors.Wrap(err, "failed to find user by email")
	}

	return toUserDomain(&userM), nil
}

// ReserveGroup increments consumed_number only while it sits below the
// allocation. Zero rows affected means the reservation was denied.
func (repo *userRepository) ReserveGroup(ctx context.Context, email string) (bool, error) {
	result := repo.db.WithContext(ctx).
		Model(&model.UserModel{}).
		Where("email = ? AND consumed_number < allocated_number", email).
		Update("consumed_number", gorm.Expr("consumed_number + 1"))

	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to reserve group quota")
	}

	return result.RowsAffected > 0, nil
}

// ReleaseGroup decrements consumed_number, clamped at zero.
func (repo *userRepository) ReleaseGroup(ctx context.Context, email string) error {
	if err := repo.db.WithContext(ctx).
		Model(&model.UserModel{}).
		Where("email = ?", email).
		Update("consumed_number", gorm.Expr("GREATEST(consumed_number - 1, 0)")).Error; err != nil {
		return errors.Wrap(err, "failed to release group quota")
	}

	return nil
}

// UpdateDuration swaps a booking's contribution to consumed_duration_millis.
// The update only fires when the resulting total still fits the allocation
// and stays non-negative; otherwise zero rows change and false is returned.
func (repo *userRepository) UpdateDuration(ctx context.Context, email string, oldDuration, newDuration time.Duration) (bool, error) {
	oldMs := oldDuration.Milliseconds()
	newMs := newDuration.Milliseconds()

	result := repo.db.WithContext(ctx).
		Model(&model.UserModel{}).
		Where(
			"email = ? AND consumed_duration_millis - ? + ? BETWEEN 0 AND allocated_duration_millis",
			email, oldMs, newMs,
		).
		Update("consumed_duration_millis", gorm.Expr("consumed_duration_millis - ? + ?", oldMs, newMs))

	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to update duration quota")
	}

	return result.RowsAffected > 0, nil
}

// ReleaseDuration subtracts delta from consumed_duration_millis, clamped at
// zero.
func (repo *userRepository) ReleaseDuration(ctx context.Context, email string, delta time.Duration) error {
	if err := repo.db.WithContext(ctx).
		Model(&model.UserModel{}).
		Where("email = ?", email).
		Update(
			"consumed_duration_millis",
			gorm.Expr("GREATEST(consumed_duration_millis - ?, 0)", delta.Milliseconds()),
		).Error; err != nil {
		return errors.Wrap(err, "failed to release duration quota")
	}

	return nil
}

// --- Mapper Functions ---

// toUserDomain converts a GORM UserModel to a domain User entity.
func toUserDomain(data *model.UserModel) *entity.User {
	if data == nil {
		return nil
	}

	return &entity.User{
		Email: data.Email,
		Name:  data.Name,
		Quota: entity.Quota{
			Allocated: entity.Allocation{
				Number:   data.AllocatedNumber,
				Duration: time.Duration(data.AllocatedDurationMillis) * time.Millisecond,
			},
			Consumed: entity.Allocation{
				Number:   data.ConsumedNumber,
				Duration: time.Duration(data.ConsumedDurationMillis) * time.Millisecond,
			},
		},
		CreatedAt: data.CreatedAt,
		UpdatedAt: data.UpdatedAt,
	}
}

// fromUserDomain converts a domain User entity to a GORM UserModel.
func fromUserDomain(data *entity.User) *model.UserModel {
	if data == nil {
		return nil
	}

	return &model.UserModel{
		Email:                   data.Email,
		Name:                    data.Name,
		AllocatedNumber:         data.Quota.Allocated.Number,
		AllocatedDurationMillis: data.Quota.Allocated.Duration.Milliseconds(),
		ConsumedNumber:          data.Quota.Consumed.Number,
		ConsumedDurationMillis:  data.Quota.Consumed.Duration.Milliseconds(),
		CreatedAt:               data.CreatedAt,
		UpdatedAt:               data.UpdatedAt,
	}
}
