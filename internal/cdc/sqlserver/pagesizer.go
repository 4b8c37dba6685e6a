package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-changefeed/internal/metrics"
)

const (
	defaultSampleSize       = 100
	defaultBufferFactor     = 0.2 // 20% safety margin
	defaultResampleInterval = 1 * time.Hour

	// Service Bus SKU limits; a page is sized to fit one message
	StandardSKULimit = 256 * 1024  // 256KB
	PremiumSKULimit  = 1024 * 1024 // 1MB
)

// Service Bus SKUs accepted by MaxPageBytesForSKU
const (
	SKUStandard = "standard"
	SKUPremium  = "premium"
)

// MaxPageBytesForSKU returns the message size limit of a Service Bus SKU,
// defaulting to standard
func MaxPageBytesForSKU(sku string) int {
	if sku == SKUPremium {
		return PremiumSKULimit
	}
	return StandardSKULimit
}

// PageSizer caps the page size hint so that a page of change rows stays
// within a byte budget, based on a sample of recent rows
type PageSizer struct {
	pageSize         atomic.Int32
	db               *sql.DB
	tableName        string
	hint             int
	maxPageBytes     int
	sampleSize       int
	bufferFactor     float64
	resampleInterval time.Duration
	log              hclog.Logger
	metrics          *metrics.FeedMetrics

	lastSampleTime atomic.Int64
	lastSampleSize atomic.Int32
	lastAvgRowSize atomic.Int32
}

// PageSizerOption allows customizing the PageSizer
type PageSizerOption func(*PageSizer)

// NewPageSizer creates a PageSizer that never returns more than hint
func NewPageSizer(db *sql.DB, tableName string, hint, maxPageBytes int, log hclog.Logger, opts ...PageSizerOption) *PageSizer {
	ps := &PageSizer{
		db:               db,
		tableName:        tableName,
		hint:             hint,
		maxPageBytes:     maxPageBytes,
		sampleSize:       defaultSampleSize,
		bufferFactor:     defaultBufferFactor,
		resampleInterval: defaultResampleInterval,
		log:              log,
	}
	for _, opt := range opts {
		opt(ps)
	}
	ps.pageSize.Store(int32(hint))
	return ps
}

// WithSampleSize sets the number of rows to sample
func WithSampleSize(size int) PageSizerOption {
	return func(ps *PageSizer) {
		if size > 0 {
			ps.sampleSize = size
		}
	}
}

// WithBufferFactor sets the safety margin factor; zero keeps the default
func WithBufferFactor(factor float64) PageSizerOption {
	return func(ps *PageSizer) {
		if factor > 0 {
			ps.bufferFactor = factor
		}
	}
}

// WithResampleInterval sets how often to recalculate the page size
func WithResampleInterval(interval time.Duration) PageSizerOption {
	return func(ps *PageSizer) {
		if interval > 0 {
			ps.resampleInterval = interval
		}
	}
}

// WithSizerMetrics publishes every sample on m
func WithSizerMetrics(m *metrics.FeedMetrics) PageSizerOption {
	return func(ps *PageSizer) {
		ps.metrics = m
	}
}

// Start samples once and keeps resampling until ctx is cancelled
func (ps *PageSizer) Start(ctx context.Context) error {
	if err := ps.updatePageSize(ctx); err != nil {
		return fmt.Errorf("initial page size calculation failed: %w", err)
	}
	go ps.monitor(ctx)
	return nil
}

// GetPageSize returns the current page size
func (ps *PageSizer) GetPageSize() int {
	size := int(ps.pageSize.Load())
	if size <= 0 {
		return ps.hint
	}
	return size
}

func (ps *PageSizer) store(size int) {
	if int(ps.pageSize.Swap(int32(size))) != size {
		ps.log.Info("Page size updated", "table", ps.tableName, "newSize", size)
	}
}

// computePageSize returns how many rows of avgRowSize fit in maxPageBytes
// after the buffer factor, clamped to [1, hint]
func computePageSize(hint int, avgRowSize float64, maxPageBytes int, bufferFactor float64) int {
	if avgRowSize <= 0 || maxPageBytes <= 0 {
		return hint
	}
	n := int(float64(maxPageBytes) / (avgRowSize * (1 + bufferFactor)))
	switch {
	case n < 1:
		return 1
	case n > hint:
		return hint
	default:
		return n
	}
}

func (ps *PageSizer) updatePageSize(ctx context.Context) error {
	query := fmt.Sprintf(`
		SELECT TOP(%d) ct.__$start_lsn, ct.__$seqval, ct.__$operation, ct.id, ct.buyer_state, ct.price
		FROM cdc.dbo_%s_CT AS ct WITH (NOLOCK)
		ORDER BY ct.__$start_lsn DESC, ct.__$seqval DESC
	`, ps.sampleSize, ps.tableName)

	rows, err := ps.db.QueryContext(ctx, query)
	if err != nil {
		ps.log.Info("Failed to query CDC table, keeping page size hint", "table", ps.tableName, "error", err)
		ps.store(ps.hint)
		ps.publish()
		return nil
	}
	defer rows.Close()

	var totalSize int64
	var count int32
	for rows.Next() {
		row, err := scanChangeRow(rows)
		if err != nil {
			ps.log.Info("Failed to scan row, skipping", "table", ps.tableName, "error", err)
			continue
		}
		data, err := json.Marshal(row.rec)
		if err != nil {
			continue
		}
		totalSize += int64(len(data))
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sample rows: %w", err)
	}

	if count == 0 {
		ps.store(ps.hint)
		ps.publish()
		ps.log.Debug("No rows found for sampling, using page size hint", "table", ps.tableName, "hint", ps.hint)
		return nil
	}

	avgSize := float64(totalSize) / float64(count)
	size := computePageSize(ps.hint, avgSize, ps.maxPageBytes, ps.bufferFactor)
	ps.store(size)

	ps.lastSampleTime.Store(time.Now().Unix())
	ps.lastSampleSize.Store(count)
	ps.lastAvgRowSize.Store(int32(avgSize))
	ps.publish()

	ps.log.Debug("Sample metrics", "table", ps.tableName, "sampleSize", count, "avgSize", avgSize, "pageSize", size)
	return nil
}

func (ps *PageSizer) monitor(ctx context.Context) {
	ticker := time.NewTicker(ps.resampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ps.updatePageSize(ctx); err != nil {
				ps.log.Error("Failed to update page size", "table", ps.tableName, "error", err)
			}
		}
	}
}

// PageSizerMetrics contains current metrics about the page sizer
type PageSizerMetrics struct {
	CurrentPageSize int
	LastSampleTime  time.Time
	LastSampleSize  int32
	AvgRowSize      int32
	MaxPageBytes    int
	BufferFactor    float64
}

// GetMetrics returns current page sizing metrics. LastSampleTime is zero
// until a sample has found rows.
func (ps *PageSizer) GetMetrics() PageSizerMetrics {
	var sampled time.Time
	if at := ps.lastSampleTime.Load(); at > 0 {
		sampled = time.Unix(at, 0)
	}
	return PageSizerMetrics{
		CurrentPageSize: ps.GetPageSize(),
		LastSampleTime:  sampled,
		LastSampleSize:  ps.lastSampleSize.Load(),
		AvgRowSize:      ps.lastAvgRowSize.Load(),
		MaxPageBytes:    ps.maxPageBytes,
		BufferFactor:    ps.bufferFactor,
	}
}

func (ps *PageSizer) publish() {
	if ps.metrics == nil {
		return
	}
	m := ps.GetMetrics()
	ps.metrics.PageSize.WithLabelValues(ps.tableName).Set(float64(m.CurrentPageSize))
	ps.metrics.AvgRowBytes.WithLabelValues(ps.tableName).Set(float64(m.AvgRowSize))
	ps.metrics.SampledRows.WithLabelValues(ps.tableName).Set(float64(m.LastSampleSize))
	ps.metrics.MaxPageBytes.WithLabelValues(ps.tableName).Set(float64(m.MaxPageBytes))
	if !m.LastSampleTime.IsZero() {
		ps.metrics.LastSample.WithLabelValues(ps.tableName).Set(float64(m.LastSampleTime.Unix()))
	}
}
