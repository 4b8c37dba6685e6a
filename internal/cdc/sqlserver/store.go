// Package sqlserver implements cdc.Store on a SQL Server table with change
// data capture enabled. The CDC change table serves the full fidelity feed;
// the incremental feed coalesces the same rows.
package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	jsoniter "github.com/json-iterator/go"

	"github.com/katasec/dstream-ingester-changefeed/internal/db"
	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNotFound is returned when deleting a record that does not exist
	ErrNotFound = errors.New("item not found")

	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

var requiredColumns = []string{"id", "buyer_state", "price"}

// Store is a cdc.Store backed by one SQL Server table
type Store struct {
	db           *sql.DB
	table        string
	maxPageBytes int
	sizerOpts    []PageSizerOption
	log          hclog.Logger

	sizer atomic.Pointer[PageSizer]
}

// Option configures a Store
type Option func(*Store)

// WithMaxPageBytes sets the byte budget a page of change rows is sized against
func WithMaxPageBytes(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPageBytes = n
		}
	}
}

// WithPageSizerOptions configures the page sizer started by Start
func WithPageSizerOptions(opts ...PageSizerOption) Option {
	return func(s *Store) {
		s.sizerOpts = append(s.sizerOpts, opts...)
	}
}

// New returns a store for the given database handle. The container id of
// CreateIfNotExists names the table.
func New(conn *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:           conn,
		maxPageBytes: StandardSKULimit,
		log:          logging.GetLogger().Named("sqlserver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateIfNotExists creates the table and enables CDC on it. The connection
// string selects the database; it must match spec.DatabaseID.
func (s *Store) CreateIfNotExists(ctx context.Context, spec cdc.ContainerSpec) error {
	if !identifier.MatchString(spec.ContainerID) {
		return fmt.Errorf("container id %q is not a valid table name", spec.ContainerID)
	}
	if !strings.EqualFold(spec.PartitionKeyPath, "/buyerState") {
		return fmt.Errorf("unsupported partition key path %q", spec.PartitionKeyPath)
	}

	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT DB_NAME()`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read current database: %w", err)
	}
	if !strings.EqualFold(current, spec.DatabaseID) {
		return fmt.Errorf("connected to database %q, container expects %q", current, spec.DatabaseID)
	}

	createTable := fmt.Sprintf(`
	IF OBJECT_ID(N'dbo.%[1]s', N'U') IS NULL
	BEGIN
		CREATE TABLE dbo.%[1]s (
			id NVARCHAR(255) NOT NULL,
			buyer_state NVARCHAR(255) NOT NULL,
			price FLOAT NOT NULL,
			CONSTRAINT PK_%[1]s PRIMARY KEY (buyer_state, id)
		);
	END`, spec.ContainerID)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table %s: %w", spec.ContainerID, err)
	}

	columns, err := db.GetColumnNames(ctx, s.db, "dbo", spec.ContainerID)
	if err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", spec.ContainerID, err)
	}
	if missing := missingColumns(columns); len(missing) > 0 {
		return fmt.Errorf("table %s is missing columns %v", spec.ContainerID, missing)
	}

	enableDB := `
	IF (SELECT is_cdc_enabled FROM sys.databases WHERE name = DB_NAME()) = 0
		EXEC sys.sp_cdc_enable_db;`
	if _, err := s.db.ExecContext(ctx, enableDB); err != nil {
		return fmt.Errorf("failed to enable CDC on database %s: %w", spec.DatabaseID, err)
	}

	var enabled int
	checkTable := `SELECT COUNT(*) FROM cdc.change_tables WHERE source_object_id = OBJECT_ID(@tableName)`
	if err := s.db.QueryRowContext(ctx, checkTable, sql.Named("tableName", "dbo."+spec.ContainerID)).Scan(&enabled); err != nil {
		return fmt.Errorf("failed to check CDC on %s: %w", spec.ContainerID, err)
	}
	if enabled == 0 {
		enableTable := `
		EXEC sys.sp_cdc_enable_table
			@source_schema = N'dbo',
			@source_name = @tableName,
			@role_name = NULL,
			@supports_net_changes = 0;`
		if _, err := s.db.ExecContext(ctx, enableTable, sql.Named("tableName", spec.ContainerID)); err != nil {
			return fmt.Errorf("failed to enable CDC on %s: %w", spec.ContainerID, err)
		}
		s.log.Info("Enabled CDC", "table", spec.ContainerID)
	}

	if spec.FullFidelityRetention > 0 {
		retention := int(spec.FullFidelityRetention.Minutes())
		if retention < 1 {
			retention = 1
		}
		setRetention := `EXEC sys.sp_cdc_change_job @job_type = N'cleanup', @retention = @retention;`
		if _, err := s.db.ExecContext(ctx, setRetention, sql.Named("retention", retention)); err != nil {
			// Not every edition runs the cleanup job through SQL Agent
			s.log.Warn("Failed to set CDC retention", "table", spec.ContainerID, "minutes", retention, "error", err)
		}
	}
	if spec.DefaultTTL > 0 {
		s.log.Warn("SQL Server store does not expire records, ignoring default TTL", "table", spec.ContainerID)
	}

	s.table = spec.ContainerID
	s.log.Info("Container ready", "database", spec.DatabaseID, "table", spec.ContainerID)
	return nil
}

// Upsert inserts or replaces a record
func (s *Store) Upsert(ctx context.Context, r cdc.Record) error {
	if s.table == "" {
		return cdc.ErrContainerNotFound
	}
	if r.ID == "" || r.PartitionKey() == "" {
		return fmt.Errorf("record id and partition key are required")
	}
	if r.TTL != nil {
		s.log.Debug("Ignoring record TTL", "id", r.ID, "ttl", *r.TTL)
	}

	query := fmt.Sprintf(`
	MERGE INTO dbo.%s WITH (HOLDLOCK) AS target
	USING (VALUES (@id, @buyerState, @price)) AS source (id, buyer_state, price)
	ON target.id = source.id AND target.buyer_state = source.buyer_state
	WHEN MATCHED THEN
		UPDATE SET price = source.price
	WHEN NOT MATCHED THEN
		INSERT (id, buyer_state, price) VALUES (source.id, source.buyer_state, source.price);`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", r.ID),
		sql.Named("buyerState", r.BuyerState),
		sql.Named("price", r.Price))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", r.BuyerState, r.ID, err)
	}
	return nil
}

// Delete removes a record explicitly
func (s *Store) Delete(ctx context.Context, id, partitionKey string) error {
	if s.table == "" {
		return cdc.ErrContainerNotFound
	}
	query := fmt.Sprintf(`DELETE FROM dbo.%s WHERE id = @id AND buyer_state = @buyerState`, s.table)
	res, err := s.db.ExecContext(ctx, query, sql.Named("id", id), sql.Named("buyerState", partitionKey))
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, id, ErrNotFound)
	}
	return nil
}

// Start samples row sizes and keeps the page sizer current until ctx is done
func (s *Store) Start(ctx context.Context, pageSizeHint int) error {
	if s.table == "" {
		return cdc.ErrContainerNotFound
	}
	if pageSizeHint <= 0 {
		pageSizeHint = defaultPageSize
	}
	sizer := NewPageSizer(s.db, s.table, pageSizeHint, s.maxPageBytes, s.log, s.sizerOpts...)
	if err := sizer.Start(ctx); err != nil {
		return err
	}
	s.sizer.Store(sizer)
	return nil
}

func missingColumns(columns []string) []string {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[strings.ToLower(c)] = true
	}
	var missing []string
	for _, c := range requiredColumns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}
