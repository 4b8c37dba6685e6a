package memory

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

var json = jsoniter.ConfigFastest

const defaultPageSize = 100

// token is the decoded form of a continuation cursor
type token struct {
	Mode cdc.Mode `json:"mode"`
	// Ranges holds the last LSN read from each feed range
	Ranges []uint64 `json:"ranges"`
	// Next is the range the next pull starts scanning from
	Next int `json:"next"`
}

func (t token) encode() cdc.Cursor {
	b, err := json.Marshal(t)
	if err != nil {
		// token only holds plain values
		panic(fmt.Sprintf("encode continuation token: %v", err))
	}
	return cdc.Cursor(base64.RawURLEncoding.EncodeToString(b))
}

func decodeToken(c cdc.Cursor) (token, error) {
	var t token
	b, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return t, fmt.Errorf("%w: %v", cdc.ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("%w: %v", cdc.ErrInvalidCursor, err)
	}
	return t, nil
}

// OpenChangeFeed returns an iterator over one mode of the container's feed
func (s *Store) OpenChangeFeed(ctx context.Context, mode cdc.Mode, start cdc.StartPosition, pageSizeHint int) (cdc.FeedIterator, error) {
	if err := start.Validate(); err != nil {
		return nil, err
	}
	if pageSizeHint <= 0 {
		pageSizeHint = defaultPageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.created {
		return nil, cdc.ErrContainerNotFound
	}
	if mode == cdc.FullFidelity && !s.fullFidelityOn() {
		return nil, ErrFullFidelityDisabled
	}

	t := token{Mode: mode, Ranges: make([]uint64, len(s.ranges))}
	switch start.Kind {
	case cdc.StartKindNow:
		for i, rng := range s.ranges {
			t.Ranges[i] = rng.lsn
		}
	case cdc.StartKindBeginning:
	case cdc.StartKindContinuation:
		var err error
		t, err = decodeToken(start.Cursor)
		if err != nil {
			return nil, err
		}
		if t.Mode != mode {
			return nil, fmt.Errorf("%w: cursor is for %s, feed is %s", cdc.ErrCursorModeMismatch, t.Mode, mode)
		}
		if len(t.Ranges) != len(s.ranges) || t.Next < 0 || t.Next >= len(s.ranges) {
			return nil, fmt.Errorf("%w: cursor covers %d ranges, container has %d", cdc.ErrInvalidCursor, len(t.Ranges), len(s.ranges))
		}
	}

	s.log.Debug("Opened change feed", "mode", mode, "start", start.String(), "pageSize", pageSizeHint)
	return &iterator{store: s, mode: mode, pageSize: pageSizeHint, pos: t}, nil
}

type iterator struct {
	mu       sync.Mutex
	store    *Store
	mode     cdc.Mode
	pageSize int
	pos      token
}

func (it *iterator) Mode() cdc.Mode { return it.mode }

// Next returns the next page from the first range, in round-robin order, that has changes
func (it *iterator) Next(ctx context.Context) cdc.PageResult {
	it.mu.Lock()
	defer it.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return cdc.TransientFailure{Cursor: it.pos.encode(), Cause: err}
	}
	if err := it.store.takeFault(); err != nil {
		return cdc.TransientFailure{Cursor: it.pos.encode(), Cause: err}
	}

	it.store.mu.RLock()
	defer it.store.mu.RUnlock()

	n := len(it.store.ranges)
	for i := 0; i < n; i++ {
		r := (it.pos.Next + i) % n
		rng := it.store.ranges[r]

		var events []cdc.Event
		var last uint64
		if it.mode == cdc.Incremental {
			events, last = rng.readLatest(it.pos.Ranges[r], it.pageSize)
		} else {
			events, last = rng.readLog(it.pos.Ranges[r], it.pageSize)
		}
		if len(events) == 0 {
			continue
		}
		it.pos.Ranges[r] = last
		it.pos.Next = (r + 1) % n
		return cdc.Page{Events: events, Cursor: it.pos.encode()}
	}
	return cdc.NoNewData{Cursor: it.pos.encode()}
}

// readLatest returns the latest state of items changed after lsn, oldest change first
func (r *feedRange) readLatest(after uint64, limit int) ([]cdc.Event, uint64) {
	var changed []*version
	for _, v := range r.items {
		if v.lsn > after {
			changed = append(changed, v)
		}
	}
	if len(changed) == 0 {
		return nil, after
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].lsn < changed[j].lsn })
	if len(changed) > limit {
		changed = changed[:limit]
	}
	events := make([]cdc.Event, len(changed))
	for i, v := range changed {
		events[i] = v.rec
	}
	return events, changed[len(changed)-1].lsn
}

// readLog returns retained full fidelity entries after lsn
func (r *feedRange) readLog(after uint64, limit int) ([]cdc.Event, uint64) {
	i := sort.Search(len(r.log), func(i int) bool { return r.log[i].lsn > after })
	entries := r.log[i:]
	if len(entries) == 0 {
		return nil, after
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	events := make([]cdc.Event, len(entries))
	for i, e := range entries {
		events[i] = cdc.DecodeChangeDocument(e.doc)
	}
	return events, entries[len(entries)-1].lsn
}
