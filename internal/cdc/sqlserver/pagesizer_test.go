package sqlserver

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-changefeed/internal/metrics"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

func TestPageSizerSamplesAndPublishes(t *testing.T) {
	s, fake := newFakeStore(t)
	fake.add(
		row(at(1, 1), opInsert, "1", 10),
		row(at(2, 1), opInsert, "2", 20),
		row(at(3, 1), opInsert, "3", 30),
		row(at(4, 1), opInsert, "4", 40),
	)
	m := metrics.NewFeedMetrics(prometheus.NewRegistry())

	rowSize, err := json.Marshal(row(at(4, 1), opInsert, "4", 40).rec)
	require.NoError(t, err)
	maxPageBytes := 3 * len(rowSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ps := NewPageSizer(s.db, s.table, 50, maxPageBytes, hclog.NewNullLogger(),
		WithSampleSize(2),
		WithBufferFactor(0.5),
		WithResampleInterval(time.Hour),
		WithSizerMetrics(m),
	)
	require.NoError(t, ps.Start(ctx))

	assert.Equal(t, 1, fake.queryCount("TOP(2)"))
	assert.Equal(t, 2, ps.GetPageSize())

	got := ps.GetMetrics()
	assert.Equal(t, 2, got.CurrentPageSize)
	assert.Equal(t, int32(2), got.LastSampleSize)
	assert.Equal(t, int32(len(rowSize)), got.AvgRowSize)
	assert.Equal(t, maxPageBytes, got.MaxPageBytes)
	assert.Equal(t, 0.5, got.BufferFactor)
	assert.False(t, got.LastSampleTime.IsZero())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PageSize.WithLabelValues("orders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SampledRows.WithLabelValues("orders")))
	assert.Equal(t, float64(len(rowSize)), testutil.ToFloat64(m.AvgRowBytes.WithLabelValues("orders")))
	assert.Equal(t, float64(maxPageBytes), testutil.ToFloat64(m.MaxPageBytes.WithLabelValues("orders")))
	assert.Equal(t, float64(got.LastSampleTime.Unix()), testutil.ToFloat64(m.LastSample.WithLabelValues("orders")))
}

func TestPageSizerKeepsHintWithoutRows(t *testing.T) {
	s, _ := newFakeStore(t)
	m := metrics.NewFeedMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ps := NewPageSizer(s.db, s.table, 25, StandardSKULimit, hclog.NewNullLogger(), WithSizerMetrics(m))
	require.NoError(t, ps.Start(ctx))

	assert.Equal(t, 25, ps.GetPageSize())
	assert.True(t, ps.GetMetrics().LastSampleTime.IsZero())
	assert.Equal(t, 25.0, testutil.ToFloat64(m.PageSize.WithLabelValues("orders")))
}

func TestStoreStartCapsIteratorPageSize(t *testing.T) {
	s, fake := newFakeStore(t)
	for i := byte(1); i <= 5; i++ {
		fake.add(row(at(i, 1), opInsert, string('a'+rune(i)), float64(i)))
	}
	rowSize, err := json.Marshal(row(at(1, 1), opInsert, "b", 1).rec)
	require.NoError(t, err)
	WithMaxPageBytes(2 * len(rowSize))(s)
	WithPageSizerOptions(WithBufferFactor(0.01))(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx, 10))

	it := openFeed(t, s, cdc.FullFidelity, cdc.StartBeginning(), 10)
	assert.Len(t, nextPage(t, it).Events, 1)
	assert.Equal(t, 1, fake.queryCount("TOP(1)"))
}

func TestMaxPageBytesForSKU(t *testing.T) {
	assert.Equal(t, StandardSKULimit, MaxPageBytesForSKU(""))
	assert.Equal(t, StandardSKULimit, MaxPageBytesForSKU(SKUStandard))
	assert.Equal(t, PremiumSKULimit, MaxPageBytesForSKU(SKUPremium))
}
