package repository

import "context"

// TransactionManager runs multi-step store mutations atomically without the
// caller depending on a specific database driver.
type TransactionManager interface {
	// Execute runs fn within one database transaction. If fn returns an
	// error the transaction is rolled back, otherwise committed.
	Execute(ctx context.Context, fn func(txRepoFactory RepositoryFactory) error) error
}

// RepositoryFactory yields repository instances bound to one transaction.
type RepositoryFactory interface {
	// NewDeviceRepository returns a DeviceRepository bound to the current
	// transaction.
	NewDeviceRepository() DeviceRepository

	// NewGroupRepository returns a GroupRepository bound to the current
	// transaction.
	NewGroupRepository() GroupRepository

	// NewUserRepository returns a UserRepository bound to the current
	// transaction.
	NewUserRepository() UserRepository
}
