package locking

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

func TestMemoryLockerIsExclusiveWithinFactory(t *testing.T) {
	ctx := context.Background()
	f := NewLockerFactory(TypeMemory, "", "", "")
	name := f.GetLockName("changefeed-db", "orders", cdc.Incremental)

	a, err := f.CreateLocker(ctx, name)
	require.NoError(t, err)
	b, err := f.CreateLocker(ctx, name)
	require.NoError(t, err)

	leaseA, err := a.AcquireLock(ctx, name)
	require.NoError(t, err)
	require.NotEmpty(t, leaseA)
	require.NoError(t, a.RenewLock(ctx, name))

	_, err = b.AcquireLock(ctx, name)
	assert.ErrorIs(t, err, ErrLockHeld)

	locked, err := f.GetLockedNames(ctx, []string{name, "other.lock"})
	require.NoError(t, err)
	assert.Equal(t, []string{name}, locked)

	assert.Error(t, b.ReleaseLock(ctx, name, "not-the-lease"))
	require.NoError(t, a.ReleaseLock(ctx, name, leaseA))

	leaseB, err := b.AcquireLock(ctx, name)
	require.NoError(t, err)
	assert.NotEqual(t, leaseA, leaseB)
	assert.ErrorIs(t, a.RenewLock(ctx, name), ErrLeaseLost)
}

func TestModesLockIndependently(t *testing.T) {
	ctx := context.Background()
	f := NewLockerFactory(TypeMemory, "", "", "")

	for _, mode := range cdc.Modes {
		name := f.GetLockName("db", "orders", mode)
		l, err := f.CreateLocker(ctx, name)
		require.NoError(t, err)
		_, err = l.AcquireLock(ctx, name)
		require.NoError(t, err, mode)
	}
}

func TestLockNames(t *testing.T) {
	f := NewLockerFactory(TypeNone, "", "", "")
	assert.Equal(t, "changefeed-db/orders/full_fidelity.lock", f.GetLockName("changefeed-db", "Orders", cdc.FullFidelity))

	f = NewLockerFactory(TypeAzureBlob, "", "locks", "sqlserver://sa:pw@prod-sql.database.windows.net:1433?database=orders")
	assert.Equal(t, "prod-sql/changefeed-db/orders/incremental.lock", f.GetLockName("changefeed-db", "orders", cdc.Incremental))

	hostname, err := os.Hostname()
	require.NoError(t, err)
	f = NewLockerFactory(TypeAzureBlob, "", "locks", "sqlserver://sa:pw@localhost:1433?database=orders")
	assert.Equal(t, strings.ToLower(hostname)+"/db/orders/incremental.lock", f.GetLockName("db", "orders", cdc.Incremental))
}

func TestNoopAndUnknownLockers(t *testing.T) {
	ctx := context.Background()

	l, err := NewLockerFactory("", "", "", "").CreateLocker(ctx, "x.lock")
	require.NoError(t, err)
	_, err = l.AcquireLock(ctx, "x.lock")
	assert.NoError(t, err)
	_, err = l.AcquireLock(ctx, "x.lock")
	assert.NoError(t, err)

	_, err = NewLockerFactory("etcd", "", "", "").CreateLocker(ctx, "x.lock")
	assert.ErrorContains(t, err, "unsupported lock type")
}

func TestMemoryRenewalReportsBrokenLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewLockerFactory(TypeMemory, "", "", "")
	name := f.GetLockName("db", "orders", cdc.FullFidelity)

	l, err := f.CreateLocker(ctx, name)
	require.NoError(t, err)
	_, err = l.AcquireLock(ctx, name)
	require.NoError(t, err)
	lost := l.StartLockRenewal(ctx, name)

	require.NoError(t, f.BreakLock(ctx, name))

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrLeaseLost)
	case <-time.After(5 * time.Second):
		t.Fatal("lease loss was not reported")
	}
	_, open := <-lost
	assert.False(t, open)

	other, err := f.CreateLocker(ctx, name)
	require.NoError(t, err)
	_, err = other.AcquireLock(ctx, name)
	assert.NoError(t, err)
}

func TestMemoryRenewalStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewLockerFactory(TypeMemory, "", "", "")

	l, err := f.CreateLocker(ctx, "x.lock")
	require.NoError(t, err)
	_, err = l.AcquireLock(ctx, "x.lock")
	require.NoError(t, err)
	lost := l.StartLockRenewal(ctx, "x.lock")
	cancel()

	select {
	case err, open := <-lost:
		assert.False(t, open)
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("renewal did not stop")
	}
}

func TestNoopRenewalNeverReportsLoss(t *testing.T) {
	assert.Nil(t, NoopLocker{}.StartLockRenewal(context.Background(), "x.lock"))
	assert.NoError(t, NewLockerFactory(TypeNone, "", "", "").BreakLock(context.Background(), "x.lock"))
}
