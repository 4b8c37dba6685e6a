package cdc

import (
	"context"
	"fmt"

	"github.com/katasec/dstream-ingester-changefeed/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

// CaptureStartCursor opens a feed starting now and pulls until the store
// reports no new data, returning the cursor of that point.
func CaptureStartCursor(ctx context.Context, store cdc.Store, mode cdc.Mode, pageSizeHint int, policy utils.Policy) (cdc.Cursor, error) {
	log := logging.GetLogger().Named(string(mode))

	it, err := store.OpenChangeFeed(ctx, mode, cdc.StartNow(), pageSizeHint)
	if err != nil {
		return "", fmt.Errorf("open %s change feed: %w", mode, err)
	}

	failing := utils.NewBackoffManager(policy.LongDelay, policy.MaxDelay)
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("capture %s start cursor: %w", mode, ctx.Err())
		default:
		}

		switch res := it.Next(ctx).(type) {
		case cdc.NoNewData:
			log.Info("Created change feed iterator", "mode", mode, "cursor", res.Cursor)
			return res.Cursor, nil
		case cdc.Page:
			log.Debug("Skipping changes written while capturing start cursor", "mode", mode, "changeCount", len(res.Events))
		case cdc.TransientFailure:
			log.Warn("Error capturing start cursor", "mode", mode, "error", res.Cause)
			if !failing.Wait(ctx) {
				return "", fmt.Errorf("capture %s start cursor: %w", mode, ctx.Err())
			}
		default:
			log.Warn("Unexpected result capturing start cursor", "mode", mode, "result", fmt.Sprintf("%T", res))
			if !failing.Wait(ctx) {
				return "", fmt.Errorf("capture %s start cursor: %w", mode, ctx.Err())
			}
		}
	}
}

// OpenResumable opens mode's feed at its saved checkpoint, capturing a start
// cursor first when none has been saved yet.
func OpenResumable(ctx context.Context, store cdc.Store, mode cdc.Mode, checkpoints *CheckpointManager, pageSizeHint int, policy utils.Policy) (cdc.FeedIterator, cdc.Cursor, error) {
	cursor, ok := checkpoints.LoadLastCursor(mode)
	if !ok {
		var err error
		cursor, err = CaptureStartCursor(ctx, store, mode, pageSizeHint, policy)
		if err != nil {
			return nil, "", err
		}
		checkpoints.SaveLastCursor(mode, cursor)
	}

	it, err := store.OpenChangeFeed(ctx, mode, cdc.StartFromContinuation(cursor), pageSizeHint)
	if err != nil {
		return nil, "", fmt.Errorf("resume %s change feed: %w", mode, err)
	}
	return it, cursor, nil
}
