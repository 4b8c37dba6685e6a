package cdc

import (
	"context"
	"time"
)

// ContainerSpec describes the container a change feed is read from
type ContainerSpec struct {
	DatabaseID       string
	ContainerID      string
	PartitionKeyPath string
	// FullFidelityRetention bounds how long discrete changes stay readable.
	// Zero disables the full fidelity feed.
	FullFidelityRetention time.Duration
	// DefaultTTL applies to records without their own TTL. Zero disables expiry.
	DefaultTTL time.Duration
}

// Store is the partitioned data store whose change feed is consumed
type Store interface {
	// CreateIfNotExists provisions the database and container
	CreateIfNotExists(ctx context.Context, spec ContainerSpec) error

	// OpenChangeFeed returns an iterator over one mode of the change feed
	OpenChangeFeed(ctx context.Context, mode Mode, start StartPosition, pageSizeHint int) (FeedIterator, error)

	// Upsert writes a record into its partition
	Upsert(ctx context.Context, r Record) error

	// Delete removes the record with the given id from a partition
	Delete(ctx context.Context, id, partitionKey string) error
}

// FeedIterator pulls pages from one mode of a change feed.
// Next never returns an error: every outcome is a PageResult and every
// PageResult carries a continuation that is valid for resuming.
type FeedIterator interface {
	Mode() Mode
	Next(ctx context.Context) PageResult
}

// PageResult is the outcome of one pull: Page, NoNewData or TransientFailure
type PageResult interface {
	// Continuation is the position to resume from after this result
	Continuation() Cursor
	isPageResult()
}

// Page is a non-empty, ordered batch of events
type Page struct {
	Events []Event
	Cursor Cursor
}

// NoNewData means the feed is caught up. It is not a failure.
type NoNewData struct {
	Cursor Cursor
}

// TransientFailure is a recoverable read failure; retrying at Cursor loses nothing
type TransientFailure struct {
	Cursor Cursor
	Cause  error
}

func (p Page) Continuation() Cursor             { return p.Cursor }
func (n NoNewData) Continuation() Cursor        { return n.Cursor }
func (f TransientFailure) Continuation() Cursor { return f.Cursor }

func (Page) isPageResult()             {}
func (NoNewData) isPageResult()        {}
func (TransientFailure) isPageResult() {}

// Sink receives interpreted changes in feed order
type Sink interface {
	OnChange(ctx context.Context, mode Mode, change InterpretedChange) error
}

// MalformedReporter is implemented by sinks that want to see rejected events
type MalformedReporter interface {
	OnMalformed(ctx context.Context, mode Mode, err *MalformedEventError)
}
