package locking

import (
	"context"
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-changefeed/internal/utils"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

// Lock types
const (
	TypeNone      = "none"
	TypeMemory    = "memory"
	TypeAzureBlob = "azure_blob"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	lockType           string
	connectionString   string
	containerName      string
	dbConnectionString string // Store connection string for server name extraction
	memory             *leaseTable
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(lockType, connectionString, containerName, dbConnectionString string) *LockerFactory {
	if lockType == "" {
		lockType = TypeNone
	}
	return &LockerFactory{
		lockType:           lockType,
		connectionString:   connectionString,
		containerName:      containerName,
		dbConnectionString: dbConnectionString,
		memory:             newLeaseTable(),
	}
}

// CreateLocker creates a DistributedLocker for the given lock name
func (f *LockerFactory) CreateLocker(ctx context.Context, lockName string) (DistributedLocker, error) {
	switch f.lockType {
	case TypeNone:
		return NoopLocker{}, nil
	case TypeMemory:
		return &MemoryLocker{table: f.memory}, nil
	case TypeAzureBlob:
		return NewBlobLocker(ctx, f.connectionString, f.containerName, lockName)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.lockType)
	}
}

// GetLockName returns the lock name for one mode of a container,
// under the store's server name when it can be derived
func (f *LockerFactory) GetLockName(databaseID, containerID string, mode cdc.Mode) string {
	name := strings.ToLower(databaseID + "/" + containerID + "/" + string(mode) + ".lock")
	serverName, err := utils.ServerName(f.dbConnectionString)
	if err != nil || serverName == "" {
		return name
	}
	return serverName + "/" + name
}

// GetLockedNames checks which of the given locks are held
func (f *LockerFactory) GetLockedNames(ctx context.Context, lockNames []string) ([]string, error) {
	switch f.lockType {
	case TypeNone:
		return []string{}, nil
	case TypeMemory:
		return (&MemoryLocker{table: f.memory}).GetLockedNames(ctx, lockNames)
	case TypeAzureBlob:
		probe, err := NewBlobLocker(ctx, f.connectionString, f.containerName, "probe.lock")
		if err != nil {
			return nil, fmt.Errorf("failed to create blob locker: %w", err)
		}
		return probe.GetLockedNames(ctx, lockNames)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.lockType)
	}
}

// BreakLock ends the lease on lockName so that another process can take it
func (f *LockerFactory) BreakLock(ctx context.Context, lockName string) error {
	locker, err := f.CreateLocker(ctx, lockName)
	if err != nil {
		return err
	}
	return locker.BreakLock(ctx, lockName)
}
