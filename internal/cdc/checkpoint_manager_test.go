package cdc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

func TestCheckpointManager(t *testing.T) {
	cp := NewCheckpointManager()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cp.now = func() time.Time { return now }

	_, ok := cp.LoadLastCursor(cdc.Incremental)
	assert.False(t, ok)

	cp.SaveLastCursor(cdc.Incremental, "a")
	cp.SaveLastCursor(cdc.Incremental, "")
	cur, ok := cp.LoadLastCursor(cdc.Incremental)
	assert.True(t, ok)
	assert.Equal(t, cdc.Cursor("a"), cur)

	cp.SaveLastCursor(cdc.FullFidelity, "b")
	snap := cp.Snapshot()
	assert.Equal(t, map[cdc.Mode]Checkpoint{
		cdc.Incremental:  {Cursor: "a", UpdatedAt: now},
		cdc.FullFidelity: {Cursor: "b", UpdatedAt: now},
	}, snap)

	// Snapshot is a copy
	snap[cdc.Incremental] = Checkpoint{Cursor: "z"}
	cur, _ = cp.LoadLastCursor(cdc.Incremental)
	assert.Equal(t, cdc.Cursor("a"), cur)
}
