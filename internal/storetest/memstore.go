// Package storetest provides in-memory repository implementations for
// tests. The quota and lock methods mirror the clamped conditional-update
// semantics of the real SQL statements, so contention behavior can be
// exercised without a database.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"corral/internal/domain/entity"
	"corral/internal/domain/repository"
)

// MemStore implements repository.TransactionManager and
// repository.RepositoryFactory over plain maps. Transactions are not
// simulated; mutations apply immediately.
type MemStore struct {
	mu      sync.Mutex
	Devices map[string]*entity.Device
	Groups  map[string]*entity.Group
	Users   map[string]*entity.User
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		Devices: make(map[string]*entity.Device),
		Groups:  make(map[string]*entity.Group),
		Users:   make(map[string]*entity.User),
	}
}

// Execute implements repository.TransactionManager.
func (s *MemStore) Execute(_ context.Context, fn func(repository.RepositoryFactory) error) error {
	return fn(s)
}

// NewDeviceRepository implements repository.RepositoryFactory.
func (s *MemStore) NewDeviceRepository() repository.DeviceRepository { return &memDeviceRepo{s} }

// NewGroupRepository implements repository.RepositoryFactory.
func (s *MemStore) NewGroupRepository() repository.GroupRepository { return &memGroupRepo{s} }

// NewUserRepository implements repository.RepositoryFactory.
func (s *MemStore) NewUserRepository() repository.UserRepository { return &memUserRepo{s} }

// GroupRepo returns a standalone group repository over the store, for
// callers that take one outside a transaction (advisory lock, listings).
func (s *MemStore) GroupRepo() repository.GroupRepository { return &memGroupRepo{s} }

type memDeviceRepo struct{ s *MemStore }

func (r *memDeviceRepo) UpsertIntro(_ context.Context, device *entity.Device) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.Devices[device.Serial]; ok {
		existing.Channel = device.Channel
		existing.Capabilities = device.Capabilities
		existing.Presence = device.Presence
		existing.PresenceChangedAt = device.PresenceChangedAt

		return nil
	}

	copied := *device
	r.s.Devices[device.Serial] = &copied

	return nil
}

func (r *memDeviceRepo) FindBySerial(_ context.Context, serial string) (*entity.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	device, ok := r.s.Devices[serial]
	if !ok {
		return nil, repository.ErrDeviceNotFound
	}
	copied := *device

	return &copied, nil
}

func (r *memDeviceRepo) ListPresent(_ context.Context) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var serials []string
	for serial, device := range r.s.Devices {
		if device.Presence == entity.PresencePresent {
			serials = append(serials, serial)
		}
	}
	sort.Strings(serials)

	return serials, nil
}

func (r *memDeviceRepo) SetPresence(_ context.Context, serial string, presence entity.Presence, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	device, ok := r.s.Devices[serial]
	if !ok {
		return repository.ErrDeviceNotFound
	}
	device.Presence = presence
	device.PresenceChangedAt = at

	return nil
}

func (r *memDeviceRepo) ListAbsentSince(_ context.Context, cutoff time.Time) ([]*entity.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var stale []*entity.Device
	for _, device := range r.s.Devices {
		if device.Presence == entity.PresenceAbsent && device.PresenceChangedAt.Before(cutoff) {
			copied := *device
			stale = append(stale, &copied)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Serial < stale[j].Serial })

	return stale, nil
}

func (r *memDeviceRepo) SetGroup(_ context.Context, serial, groupID string, owner *entity.DeviceOwner) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	device, ok := r.s.Devices[serial]
	if !ok {
		return repository.ErrDeviceNotFound
	}
	device.GroupID = groupID
	device.Owner = owner

	return nil
}

func (r *memDeviceRepo) ListByGroup(_ context.Context, groupID string) ([]*entity.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var members []*entity.Device
	for _, device := range r.s.Devices {
		if device.GroupID == groupID {
			copied := *device
			members = append(members, &copied)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Serial < members[j].Serial })

	return members, nil
}

func (r *memDeviceRepo) Delete(_ context.Context, serial string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.Devices[serial]; !ok {
		return repository.ErrDeviceNotFound
	}
	delete(r.s.Devices, serial)

	return nil
}

type memGroupRepo struct{ s *MemStore }

func (r *memGroupRepo) Create(_ context.Context, group *entity.Group) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.Groups[group.ID]; ok {
		return repository.ErrDuplicateGroup
	}
	for _, existing := range r.s.Groups {
		if existing.Name == group.Name {
			return repository.ErrDuplicateGroup
		}
	}

	r.s.Groups[group.ID] = cloneGroup(group)

	return nil
}

func (r *memGroupRepo) FindByID(_ context.Context, id string) (*entity.Group, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.findLocked(id)
}

func (r *memGroupRepo) findLocked(id string) (*entity.Group, error) {
	group, ok := r.s.Groups[id]
	if !ok {
		return nil, repository.ErrGroupNotFound
	}

	return cloneGroup(group), nil
}

func (r *memGroupRepo) ListScheduled(_ context.Context) ([]*entity.Group, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var scheduled []*entity.Group
	for id, group := range r.s.Groups {
		if group.State == entity.StatePending {
			continue
		}
		copied, _ := r.findLocked(id)
		scheduled = append(scheduled, copied)
	}
	sort.Slice(scheduled, func(i, j int) bool {
		return headStart(scheduled[i]).Before(headStart(scheduled[j]))
	})

	return scheduled, nil
}

func (r *memGroupRepo) ListByClass(_ context.Context, class entity.GroupClass) ([]*entity.Group, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*entity.Group
	for id, group := range r.s.Groups {
		if group.Class != class {
			continue
		}
		copied, _ := r.findLocked(id)
		matched = append(matched, copied)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	return matched, nil
}

func (r *memGroupRepo) Update(_ context.Context, group *entity.Group) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.Groups[group.ID]
	if !ok {
		return repository.ErrGroupNotFound
	}
	existing.Name = group.Name
	existing.State = group.State
	existing.IsActive = group.IsActive
	existing.Dates = append([]entity.Window(nil), group.Dates...)
	existing.Repetitions = group.Repetitions
	existing.Devices = append([]string(nil), group.Devices...)
	existing.Duration = group.Duration

	return nil
}

func (r *memGroupRepo) SetState(_ context.Context, id string, state entity.GroupState) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	group, ok := r.s.Groups[id]
	if !ok {
		return repository.ErrGroupNotFound
	}
	group.State = state

	return nil
}

func (r *memGroupRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.Groups[id]; !ok {
		return repository.ErrGroupNotFound
	}
	delete(r.s.Groups, id)

	return nil
}

func (r *memGroupRepo) AcquireLock(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	group, ok := r.s.Groups[id]
	if !ok || group.Lock.User {
		return false, nil
	}
	group.Lock.User = true

	return true, nil
}

func (r *memGroupRepo) ReleaseLock(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if group, ok := r.s.Groups[id]; ok {
		group.Lock.User = false
	}

	return nil
}

type memUserRepo struct{ s *MemStore }

func (r *memUserRepo) Create(_ context.Context, user *entity.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	copied := *user
	r.s.Users[user.Email] = &copied

	return nil
}

func (r *memUserRepo) FindByEmail(_ context.Context, email string) (*entity.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	user, ok := r.s.Users[email]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *user

	return &copied, nil
}

func (r *memUserRepo) ReserveGroup(_ context.Context, email string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	user, ok := r.s.Users[email]
	if !ok || user.Quota.Consumed.Number >= user.Quota.Allocated.Number {
		return false, nil
	}
	user.Quota.Consumed.Number++

	return true, nil
}

func (r *memUserRepo) ReleaseGroup(_ context.Context, email string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if user, ok := r.s.Users[email]; ok && user.Quota.Consumed.Number > 0 {
		user.Quota.Consumed.Number--
	}

	return nil
}

func (r *memUserRepo) UpdateDuration(_ context.Context, email string, oldDuration, newDuration time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	user, ok := r.s.Users[email]
	if !ok {
		return false, nil
	}
	next := user.Quota.Consumed.Duration - oldDuration + newDuration
	if next < 0 || next > user.Quota.Allocated.Duration {
		return false, nil
	}
	user.Quota.Consumed.Duration = next

	return true, nil
}

func (r *memUserRepo) ReleaseDuration(_ context.Context, email string, delta time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	user, ok := r.s.Users[email]
	if !ok {
		return nil
	}
	user.Quota.Consumed.Duration -= delta
	if user.Quota.Consumed.Duration < 0 {
		user.Quota.Consumed.Duration = 0
	}

	return nil
}

func cloneGroup(group *entity.Group) *entity.Group {
	copied := *group
	copied.Dates = append([]entity.Window(nil), group.Dates...)
	copied.Devices = append([]string(nil), group.Devices...)

	return &copied
}

func headStart(group *entity.Group) time.Time {
	if len(group.Dates) == 0 {
		return time.Time{}
	}

	return group.Dates[0].Start
}
