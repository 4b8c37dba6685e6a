package utils

import (
	"context"
	"time"
)

// Reference delays between pulls when the feed is caught up or failing
const (
	DefaultShortDelay = 2 * time.Second
	DefaultLongDelay  = 3 * time.Second
)

// Policy configures the waits of a consumption loop.
// ShortDelay follows a NoNewData pull, LongDelay a transient failure.
// When MaxDelay exceeds a delay, consecutive waits of that kind double up to MaxDelay.
type Policy struct {
	ShortDelay time.Duration
	LongDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns the fixed 2s / 3s reference policy
func DefaultPolicy() Policy {
	return Policy{ShortDelay: DefaultShortDelay, LongDelay: DefaultLongDelay}
}

// BackoffManager manages exponential backoff for polling intervals
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
}

// NewBackoffManager initializes a new BackoffManager with the given intervals.
// A maxInterval below initialInterval keeps the interval fixed.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
	}
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IncreaseInterval increases the current interval exponentially up to maxInterval
func (b *BackoffManager) IncreaseInterval() {
	newInterval := b.currentInterval * 2
	if newInterval > b.maxInterval {
		newInterval = b.maxInterval
	}
	b.currentInterval = newInterval
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
}

// Wait sleeps for the current interval, then grows it.
// It returns false without waiting out the interval if ctx is cancelled first.
func (b *BackoffManager) Wait(ctx context.Context) bool {
	d := b.currentInterval
	b.IncreaseInterval()
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done, reporting whether the full wait elapsed
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
