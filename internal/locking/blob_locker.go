package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
)

// DefaultLeaseDuration is the blob lease length; Azure allows 15 to 60 seconds
const DefaultLeaseDuration = 60 * time.Second

// BlobLocker leases an empty blob per lock name in an Azure Storage container
type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string
	log           hclog.Logger

	azblobClient    *azblob.Client
	blobLeaseClient *lease.BlobClient
}

// NewBlobLocker ensures the container and lock blob exist and prepares a lease client
func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName string) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, &blockblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing, bloberror.ConditionNotMet) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName:   containerName,
		lockTTL:         DefaultLeaseDuration,
		lockName:        lockName,
		log:             logging.GetLogger().Named("locking"),
		azblobClient:    azblobClient,
		blobLeaseClient: blobLeaseClient,
	}, nil
}

// AcquireLock tries to acquire a lease on the blob and returns its ID
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	bl.log.Debug("Attempting to acquire lock", "blob", bl.lockName)

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			return "", fmt.Errorf("%s: %w", bl.lockName, ErrLockHeld)
		}
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	bl.log.Info("Lock acquired", "blob", bl.lockName, "leaseID", *resp.LeaseID)
	return *resp.LeaseID, nil
}

// RenewLock extends the current lease
func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.LeaseIDMismatchWithLeaseOperation, bloberror.LeaseLost,
			bloberror.LeaseNotPresentWithLeaseOperation, bloberror.LeaseIsBrokenAndCannotBeRenewed) {
			return fmt.Errorf("renew lock for blob %s: %w: %v", lockName, ErrLeaseLost, err)
		}
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}
	bl.log.Trace("Lock renewed", "blob", lockName)
	return nil
}

// ReleaseLock releases the current lease
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	bl.log.Info("Lock released", "blob", bl.lockName)
	return nil
}

// BreakLock breaks the lease on the blob immediately
func (bl *BlobLocker) BreakLock(ctx context.Context, lockName string) error {
	_, err := bl.blobLeaseClient.BreakLease(ctx, &lease.BlobBreakOptions{BreakPeriod: to.Ptr(int32(0))})
	if err != nil && !bloberror.HasCode(err, bloberror.LeaseNotPresentWithLeaseOperation) {
		return fmt.Errorf("failed to break lock for blob %s: %w", bl.lockName, err)
	}
	bl.log.Warn("Lock broken", "blob", bl.lockName)
	return nil
}

// StartLockRenewal renews the lease three times per lease duration until ctx
// is cancelled. Failed renewals are retried until the lease would have
// expired; a lease the service reports as gone is lost at once.
func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) <-chan error {
	bl.log.Debug("Starting lock renewal", "blob", lockName)
	lost := make(chan error, 1)
	go func() {
		defer close(lost)
		ticker := time.NewTicker(bl.lockTTL / 3)
		defer ticker.Stop()

		renewed := time.Now()
		for {
			select {
			case <-ticker.C:
				err := bl.RenewLock(ctx, bl.lockName)
				switch {
				case err == nil:
					renewed = time.Now()
				case ctx.Err() != nil:
					return
				case errors.Is(err, ErrLeaseLost):
					bl.log.Error("Lease lost", "blob", lockName, "error", err)
					lost <- err
					return
				case time.Since(renewed) >= bl.lockTTL:
					bl.log.Error("Lease expired before it could be renewed", "blob", lockName, "error", err)
					lost <- fmt.Errorf("%s not renewed within %s: %w: %v", lockName, bl.lockTTL, ErrLeaseLost, err)
					return
				default:
					bl.log.Warn("Failed to renew lock, retrying", "blob", lockName, "error", err)
				}
			case <-ctx.Done():
				bl.log.Debug("Stopping lock renewal", "blob", lockName)
				return
			}
		}
	}()
	return lost
}

// GetLockedNames checks which of the given lock blobs are leased
func (bl *BlobLocker) GetLockedNames(ctx context.Context, lockNames []string) ([]string, error) {
	locked := []string{}
	containerClient := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName)

	for _, name := range lockNames {
		resp, err := containerClient.NewBlobClient(name).GetProperties(ctx, nil)
		if err != nil {
			// A missing blob is not locked
			if bloberror.HasCode(err, bloberror.BlobNotFound) {
				continue
			}
			bl.log.Warn("Failed to get blob properties", "blob", name, "error", err)
			continue
		}
		if resp.LeaseStatus != nil && *resp.LeaseStatus == lease.StatusTypeLocked &&
			resp.LeaseState != nil && *resp.LeaseState == lease.StateTypeLeased {
			locked = append(locked, name)
		}
	}
	return locked, nil
}
