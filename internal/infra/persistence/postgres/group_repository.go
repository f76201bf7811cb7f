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

// groupRepository implements the repository.GroupRepository interface.
type groupRepository struct {
	db *gorm.DB
}

// NewGroupRepository is the constructor for groupRepository.
func NewGroupRepository(db *gorm.DB) repository.GroupRepository {
	return &groupRepository{
		db: db,
	}
}

// Create persists a new group.
func (repo *groupRepository) Create(ctx context.Context, group *entity.Group) error {
	groupM := fromGroupDomain(group)

	if err := repo.db.WithContext(ctx).Create(groupM).Error; err != nil {
		if isUniqueConstraintViolation(err) {
			return repository.ErrDuplicateGroup
		}

		return errors.Wrap(err, "failed to create group")
	}

	group.CreatedAt = groupM.CreatedAt
	group.UpdatedAt = groupM.UpdatedAt

	return nil
}

// FindByID retrieves a group by id.
func (repo *groupRepository) FindByID(ctx context.Context, id string) (*entity.Group, error) {
	var groupM model.GroupModel

	if err := repo.db.WithContext(ctx).
		Where("id = ?", id).
		First(&groupM).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrGroupNotFound
		}

		return nil, errors.Wrap(err, "failed to find group by ID")
	}

	return toGroupDomain(&groupM), nil
}

// ListScheduled returns all non-pending groups ordered by the start of their
// head window.
func (repo *groupRepository) ListScheduled(ctx context.Context) ([]*entity.Group, error) {
	var groupModels []*model.GroupModel

	if err := repo.db.WithContext(ctx).
		Where("state <> ?", string(entity.StatePending)).
		Order("first_start ASC").
		Find(&groupModels).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled groups")
	}

	groups := make([]*entity.Group, 0, len(groupModels))
	for _, groupM := range groupModels {
		groups = append(groups, toGroupDomain(groupM))
	}

	return groups, nil
}

// ListByClass returns all groups of a class.
func (repo *groupRepository) ListByClass(ctx context.Context, class entity.GroupClass) ([]*entity.Group, error) {
	var groupModels []*model.GroupModel

	if err := repo.db.WithContext(ctx).
		Where("class = ?", string(class)).
		Order("first_start ASC").
		Find(&groupModels).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list groups by class")
	}

	groups := make([]*entity.Group, 0, len(groupModels))
	for _, groupM := range groupModels {
		groups = append(groups, toGroupDomain(groupM))
	}

	return groups, nil
}

// Update persists the mutable lifecycle fields of a group. Lock columns are
// excluded so a concurrent AcquireLock is never overwritten.
func (repo *groupRepository) Update(ctx context.Context, group *entity.Group) error {
	groupM := fromGroupDomain(group)

	result := repo.db.WithContext(ctx).
		Model(&model.GroupModel{}).
		Where("id = ?", group.ID).
		Updates(map[string]any{
			"name":            groupM.Name,
			"state":           groupM.State,
			"is_active":       groupM.IsActive,
			"dates":           groupM.Dates,
			"repetitions":     groupM.Repetitions,
			"devices":         groupM.Devices,
			"duration_millis": groupM.DurationMillis,
			"first_start":     groupM.FirstStart,
		})

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update group")
	}

	if result.RowsAffected == 0 {
		return repository.ErrGroupNotFound
	}

	return nil
}

// SetState persists only the scheduler state.
func (repo *groupRepository) SetState(ctx context.Context, id string, state entity.GroupState) error {
	result := repo.db.WithContext(ctx).
		Model(&model.GroupModel{}).
		Where("id = ?", id).
		Update("state", string(state))

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to set group state")
	}

	if result.RowsAffected == 0 {
		return repository.ErrGroupNotFound
	}

	return nil
}

// Delete removes a group record.
func (repo *groupRepository) Delete(ctx context.Context, id string) error {
	result := repo.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&model.GroupModel{})

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to delete group")
	}

	if result.RowsAffected == 0 {
		return repository.ErrGroupNotFound
	}

	return nil
}

// AcquireLock takes the advisory per-group lock. The conditional update is a
// single atomic statement, so only one caller can observe lock_user flipping
// from false to true.
func (repo *groupRepository) AcquireLock(ctx context.Context, id string) (bool, error) {
	result := repo.db.WithContext(ctx).
		Model(&model.GroupModel{}).
		Where("id = ? AND lock_user = ?", id, false).
		Update("lock_user", true)

	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to acquire group lock")
	}

	return result.RowsAffected > 0, nil
}

// ReleaseLock frees the advisory lock unconditionally.
func (repo *groupRepository) ReleaseLock(ctx context.Context, id string) error {
	if err := repo.db.WithContext(ctx).
		Model(&model.GroupModel{}).
		Where("id = ?", id).
		Update("lock_user", false).Error; err != nil {
		return errors.Wrap(err, "failed to release group lock")
	}

	return nil
}

// --- Mapper Functions ---

// toGroupDomain converts a GORM GroupModel to a domain Group entity.
func toGroupDomain(data *model.GroupModel) *entity.Group {
	if data == nil {
		return nil
	}

	dates := make([]entity.Window, 0, len(data.Dates))
	for _, w := range data.Dates {
		dates = append(dates, entity.Window{Start: w.Start, Stop: w.Stop})
	}

	return &entity.Group{
		ID:          data.ID,
		Name:        data.Name,
		Class:       entity.GroupClass(data.Class),
		State:       entity.GroupState(data.State),
		IsActive:    data.IsActive,
		Dates:       dates,
		Repetitions: data.Repetitions,
		Devices:     data.Devices,
		OwnerEmail:  data.OwnerEmail,
		Duration:    time.Duration(data.DurationMillis) * time.Millisecond,
		Lock: entity.GroupLock{
			User:  data.LockUser,
			Admin: data.LockAdmin,
		},
		CreatedAt: data.CreatedAt,
		UpdatedAt: data.UpdatedAt,
	}
}

// fromGroupDomain converts a domain Group entity to a GORM GroupModel.
func fromGroupDomain(data *entity.Group) *model.GroupModel {
	if data == nil {
		return nil
	}

	dates := make([]model.WindowDoc, 0, len(data.Dates))
	for _, w := range data.Dates {
		dates = append(dates, model.WindowDoc{Start: w.Start, Stop: w.Stop})
	}

	var firstStart time.Time
	if len(data.Dates) > 0 {
		firstStart = data.Dates[0].Start
	}

	return &model.GroupModel{
		ID:             data.ID,
		Name:           data.Name,
		Class:          string(data.Class),
		State:          string(data.State),
		IsActive:       data.IsActive,
		Dates:          dates,
		Repetitions:    data.Repetitions,
		Devices:        data.Devices,
		OwnerEmail:     data.OwnerEmail,
		DurationMillis: data.Duration.Milliseconds(),
		FirstStart:     firstStart,
		LockUser:       data.Lock.User,
		LockAdmin:      data.Lock.Admin,
		CreatedAt:      data.CreatedAt,
		UpdatedAt:      data.UpdatedAt,
	}
}
