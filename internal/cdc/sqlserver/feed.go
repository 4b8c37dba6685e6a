package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

const defaultPageSize = 100

// OpenChangeFeed returns an iterator over the table's change rows
func (s *Store) OpenChangeFeed(ctx context.Context, mode cdc.Mode, start cdc.StartPosition, pageSizeHint int) (cdc.FeedIterator, error) {
	if err := start.Validate(); err != nil {
		return nil, err
	}
	if s.table == "" {
		return nil, cdc.ErrContainerNotFound
	}
	if pageSizeHint <= 0 {
		pageSizeHint = defaultPageSize
	}

	var pos position
	switch start.Kind {
	case cdc.StartKindNow:
		var maxLSN []byte
		if err := s.db.QueryRowContext(ctx, `SELECT sys.fn_cdc_get_max_lsn()`).Scan(&maxLSN); err != nil {
			return nil, fmt.Errorf("failed to read max LSN: %w", err)
		}
		if len(maxLSN) == 0 {
			pos = zeroPosition()
		} else {
			pos = endOf(maxLSN)
		}
	case cdc.StartKindBeginning:
		pos = zeroPosition()
	case cdc.StartKindContinuation:
		var err error
		if pos, err = decodeCursor(mode, start.Cursor); err != nil {
			return nil, err
		}
	}

	s.log.Debug("Opened change feed", "table", s.table, "mode", mode, "start", start.String(), "position", pos.String())
	return &iterator{store: s, mode: mode, hint: pageSizeHint, pos: pos}, nil
}

type iterator struct {
	mu    sync.Mutex
	store *Store
	mode  cdc.Mode
	hint  int
	pos   position
}

func (it *iterator) Mode() cdc.Mode { return it.mode }

func (it *iterator) pageSize() int {
	if sizer := it.store.sizer.Load(); sizer != nil && sizer.GetPageSize() < it.hint {
		return sizer.GetPageSize()
	}
	return it.hint
}

// Next reads the rows after the current position. Batches that coalesce to
// no events advance the position and the next batch is read at once, so
// NoNewData means the change table had nothing left or ctx was cancelled.
func (it *iterator) Next(ctx context.Context) cdc.PageResult {
	it.mu.Lock()
	defer it.mu.Unlock()

	for ctx.Err() == nil {
		rows, err := it.fetch(ctx, it.pos)
		if err != nil {
			return cdc.TransientFailure{Cursor: encodeCursor(it.mode, it.pos), Cause: err}
		}
		if len(rows) == 0 {
			return cdc.NoNewData{Cursor: encodeCursor(it.mode, it.pos)}
		}

		if it.mode == cdc.FullFidelity && rows[len(rows)-1].op == opUpdateBefore {
			after, err := it.fetchAfterImage(ctx, rows[len(rows)-1].pos)
			if err != nil {
				return cdc.TransientFailure{Cursor: encodeCursor(it.mode, it.pos), Cause: err}
			}
			if after != nil {
				rows = append(rows, *after)
			}
		}

		var events []cdc.Event
		if it.mode == cdc.Incremental {
			events = assembleIncremental(rows)
		} else {
			events = assembleFullFidelity(rows)
		}
		it.pos = rows[len(rows)-1].pos
		if len(events) > 0 {
			return cdc.Page{Events: events, Cursor: encodeCursor(it.mode, it.pos)}
		}
	}
	return cdc.NoNewData{Cursor: encodeCursor(it.mode, it.pos)}
}

func (it *iterator) fetch(ctx context.Context, after position) ([]changeRow, error) {
	operations := "1, 2, 4"
	if it.mode == cdc.FullFidelity {
		operations = "1, 2, 3, 4"
	}

	// Rows after the last LSN, plus the rest of the last transaction by seqval
	query := fmt.Sprintf(`
		SELECT TOP(%d) ct.__$start_lsn, ct.__$seqval, ct.__$operation, ct.id, ct.buyer_state, ct.price
		FROM cdc.dbo_%s_CT AS ct WITH (NOLOCK)
		WHERE (
			ct.__$start_lsn > @lastLSN
			OR (ct.__$start_lsn = @lastLSN AND ct.__$seqval > @lastSeq)
		)
		AND ct.__$operation IN (%s)
		ORDER BY ct.__$start_lsn, ct.__$seqval, ct.__$operation
	`, it.pageSize(), it.store.table, operations)

	rows, err := it.store.db.QueryContext(ctx, query, sql.Named("lastLSN", after.LSN), sql.Named("lastSeq", after.Seq))
	if err != nil {
		return nil, fmt.Errorf("failed to query CDC table for %s: %w", it.store.table, err)
	}
	defer rows.Close()

	var out []changeRow
	for rows.Next() {
		row, err := scanChangeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read CDC rows for %s: %w", it.store.table, err)
	}
	return out, nil
}

// fetchAfterImage returns the update row paired with a before-image, or nil
func (it *iterator) fetchAfterImage(ctx context.Context, at position) (*changeRow, error) {
	query := fmt.Sprintf(`
		SELECT ct.__$start_lsn, ct.__$seqval, ct.__$operation, ct.id, ct.buyer_state, ct.price
		FROM cdc.dbo_%s_CT AS ct WITH (NOLOCK)
		WHERE ct.__$start_lsn = @lsn AND ct.__$seqval = @seq AND ct.__$operation = 4
	`, it.store.table)

	rows, err := it.store.db.QueryContext(ctx, query, sql.Named("lsn", at.LSN), sql.Named("seq", at.Seq))
	if err != nil {
		return nil, fmt.Errorf("failed to query after-image for %s: %w", it.store.table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanChangeRow(rows)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func scanChangeRow(rows *sql.Rows) (changeRow, error) {
	var (
		row        changeRow
		id, pk     sql.NullString
		price      sql.NullFloat64
		lsn, seqno []byte
	)
	if err := rows.Scan(&lsn, &seqno, &row.op, &id, &pk, &price); err != nil {
		return row, fmt.Errorf("failed to scan row: %w", err)
	}
	row.pos = position{LSN: lsn, Seq: seqno}
	row.rec = cdc.Record{ID: id.String, BuyerState: pk.String, Price: price.Float64}
	return row, nil
}
