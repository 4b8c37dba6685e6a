package cdc

import (
	"sync"
	"time"

	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

// Checkpoint is the last cursor saved for one feed mode
type Checkpoint struct {
	Cursor    cdc.Cursor
	UpdatedAt time.Time
}

// CheckpointManager holds one cursor per feed mode for the lifetime of the process.
// Slots are keyed by mode so a consumer can only ever overwrite its own cursor.
type CheckpointManager struct {
	mu    sync.RWMutex
	slots map[cdc.Mode]Checkpoint
	now   func() time.Time
}

// NewCheckpointManager initializes an empty CheckpointManager
func NewCheckpointManager() *CheckpointManager {
	return &CheckpointManager{
		slots: make(map[cdc.Mode]Checkpoint),
		now:   time.Now,
	}
}

// LoadLastCursor returns the saved cursor for mode, or the zero cursor
func (c *CheckpointManager) LoadLastCursor(mode cdc.Mode) (cdc.Cursor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp, ok := c.slots[mode]
	return cp.Cursor, ok
}

// SaveLastCursor records the resume position for mode
func (c *CheckpointManager) SaveLastCursor(mode cdc.Mode, cursor cdc.Cursor) {
	if cursor.IsZero() {
		return
	}
	c.mu.Lock()
	prev := c.slots[mode].Cursor
	c.slots[mode] = Checkpoint{Cursor: cursor, UpdatedAt: c.now()}
	c.mu.Unlock()

	if prev != cursor {
		logging.GetLogger().Trace("Saved new cursor", "mode", mode, "cursor", cursor)
	}
}

// Snapshot returns a copy of every saved checkpoint
func (c *CheckpointManager) Snapshot() map[cdc.Mode]Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[cdc.Mode]Checkpoint, len(c.slots))
	for m, cp := range c.slots {
		out[m] = cp
	}
	return out
}
