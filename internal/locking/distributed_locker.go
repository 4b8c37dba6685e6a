// distributed_locker.go
package locking

import (
	"context"
	"errors"
)

var (
	// ErrLockHeld is returned when another holder owns the lease
	ErrLockHeld = errors.New("lock is held by another process")

	// ErrLeaseLost is reported when a held lease can no longer be renewed
	ErrLeaseLost = errors.New("lease lost")
)

// DistributedLocker defines an interface for a distributed locking mechanism.
type DistributedLocker interface {
	// AcquireLock tries to acquire a lock for the given lockName and returns a lease ID if successful.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID for the given lockName.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the lease held on lockName.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal starts a background process to renew the lock periodically.
	// The returned channel receives an error wrapping ErrLeaseLost if the lease
	// is lost, and is closed once renewal stops.
	StartLockRenewal(ctx context.Context, lockName string) <-chan error

	// BreakLock ends the lease held on lockName, whoever holds it.
	BreakLock(ctx context.Context, lockName string) error

	// GetLockedNames returns the subset of lockNames currently leased.
	GetLockedNames(ctx context.Context, lockNames []string) ([]string, error)
}
