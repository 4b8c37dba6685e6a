package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRenewInterval is how often in-process leases are checked
var memoryRenewInterval = 100 * time.Millisecond

// leaseTable is the shared state of in-process lockers
type leaseTable struct {
	mu     sync.Mutex
	leases map[string]string
}

func newLeaseTable() *leaseTable {
	return &leaseTable{leases: make(map[string]string)}
}

// MemoryLocker leases lock names within one process. Lockers created from
// the same factory share their leases.
type MemoryLocker struct {
	table   *leaseTable
	leaseID string
}

// NewMemoryLocker returns a locker with its own lease table
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{table: newLeaseTable()}
}

func (m *MemoryLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	if _, held := m.table.leases[lockName]; held {
		return "", fmt.Errorf("%s: %w", lockName, ErrLockHeld)
	}
	id := uuid.NewString()
	m.table.leases[lockName] = id
	m.leaseID = id
	return id, nil
}

func (m *MemoryLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	current, held := m.table.leases[lockName]
	if !held {
		return nil
	}
	if current != leaseID {
		return fmt.Errorf("release %s: lease %s is not the current lease", lockName, leaseID)
	}
	delete(m.table.leases, lockName)
	return nil
}

func (m *MemoryLocker) RenewLock(ctx context.Context, lockName string) error {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	if current, held := m.table.leases[lockName]; !held || current != m.leaseID {
		return fmt.Errorf("renew %s: %w", lockName, ErrLeaseLost)
	}
	return nil
}

// StartLockRenewal checks that the lease is still held; in-process leases
// only end when released or broken
func (m *MemoryLocker) StartLockRenewal(ctx context.Context, lockName string) <-chan error {
	lost := make(chan error, 1)
	go func() {
		defer close(lost)
		ticker := time.NewTicker(memoryRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RenewLock(ctx, lockName); err != nil {
					lost <- err
					return
				}
			}
		}
	}()
	return lost
}

func (m *MemoryLocker) BreakLock(ctx context.Context, lockName string) error {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	delete(m.table.leases, lockName)
	return nil
}

func (m *MemoryLocker) GetLockedNames(ctx context.Context, lockNames []string) ([]string, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	locked := []string{}
	for _, name := range lockNames {
		if _, held := m.table.leases[name]; held {
			locked = append(locked, name)
		}
	}
	return locked, nil
}

// NoopLocker grants every lock
type NoopLocker struct{}

func (NoopLocker) AcquireLock(ctx context.Context, lockName string) (string, error) { return "", nil }
func (NoopLocker) ReleaseLock(ctx context.Context, lockName, leaseID string) error { return nil }
func (NoopLocker) RenewLock(ctx context.Context, lockName string) error { return nil }
func (NoopLocker) BreakLock(ctx context.Context, lockName string) error { return nil }

// StartLockRenewal returns a nil channel; a lease that was never taken cannot be lost
func (NoopLocker) StartLockRenewal(ctx context.Context, lockName string) <-chan error { return nil }

func (NoopLocker) GetLockedNames(ctx context.Context, lockNames []string) ([]string, error) {
	return []string{}, nil
}
