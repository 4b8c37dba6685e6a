// Package ingester provisions the container and runs one consumer per feed
// mode, each under its own lease.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	feed "github.com/katasec/dstream-ingester-changefeed/internal/cdc"
	"github.com/katasec/dstream-ingester-changefeed/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-changefeed/internal/locking"
	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
	"github.com/katasec/dstream-ingester-changefeed/internal/metrics"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

const releaseTimeout = 10 * time.Second

// Options describes what the ingester consumes
type Options struct {
	Container cdc.ContainerSpec
	Modes     []cdc.Mode
	PageSize  int
	Policy    utils.Policy
	// FromBeginning starts modes without a checkpoint at the oldest retained change
	FromBeginning bool
}

// Ingester runs the consumption loops of a container
type Ingester struct {
	opts          Options
	store         cdc.Store
	sink          cdc.Sink
	lockerFactory *locking.LockerFactory
	checkpoints   *feed.CheckpointManager
	metrics       *metrics.FeedMetrics
	log           hclog.Logger
}

// Option configures an Ingester
type Option func(*Ingester)

// WithLockerFactory leases each mode before consuming it
func WithLockerFactory(f *locking.LockerFactory) Option {
	return func(i *Ingester) { i.lockerFactory = f }
}

// WithCheckpoints shares a checkpoint manager with the ingester
func WithCheckpoints(m *feed.CheckpointManager) Option {
	return func(i *Ingester) { i.checkpoints = m }
}

// WithMetrics records loop activity on m
func WithMetrics(m *metrics.FeedMetrics) Option {
	return func(i *Ingester) { i.metrics = m }
}

// New creates an ingester over store that delivers changes to sink
func New(store cdc.Store, sink cdc.Sink, opts Options, options ...Option) *Ingester {
	if len(opts.Modes) == 0 {
		opts.Modes = cdc.Modes
	}
	i := &Ingester{
		opts:  opts,
		store: store,
		sink:  sink,
		log:   logging.GetLogger().Named("ingester"),
	}
	for _, o := range options {
		o(i)
	}
	if i.checkpoints == nil {
		i.checkpoints = feed.NewCheckpointManager()
	}
	if i.lockerFactory == nil {
		i.lockerFactory = locking.NewLockerFactory(locking.TypeNone, "", "", "")
	}
	return i
}

// Checkpoints returns the cursors saved so far
func (i *Ingester) Checkpoints() *feed.CheckpointManager { return i.checkpoints }

// Start provisions the container and consumes every mode until ctx is
// cancelled. Setup errors of any mode stop all modes and are returned.
func (i *Ingester) Start(ctx context.Context) error {
	i.log.Info("Starting change feed ingester", "database", i.opts.Container.DatabaseID,
		"container", i.opts.Container.ContainerID, "modes", i.opts.Modes)

	if err := i.store.CreateIfNotExists(ctx, i.opts.Container); err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, mode := range i.opts.Modes {
		mode := mode
		g.Go(func() error {
			return i.runMode(gctx, mode)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	i.log.Info("Context cancelled, change feed ingester stopped")
	return nil
}

func (i *Ingester) runMode(ctx context.Context, mode cdc.Mode) error {
	log := i.log.With("mode", mode)

	lockName := i.lockerFactory.GetLockName(i.opts.Container.DatabaseID, i.opts.Container.ContainerID, mode)
	locker, err := i.lockerFactory.CreateLocker(ctx, lockName)
	if err != nil {
		return fmt.Errorf("failed to create locker for %s: %w", mode, err)
	}
	leaseID, err := locker.AcquireLock(ctx, lockName)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", mode, err)
	}
	log.Debug("Acquired lease", "lock", lockName, "leaseID", leaseID)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := locker.ReleaseLock(releaseCtx, lockName, leaseID); err != nil {
			log.Warn("Failed to release lock", "lock", lockName, "error", err)
		}
	}()

	// The consumer stops as soon as the lease is lost
	runCtx, stopRun := context.WithCancelCause(ctx)
	defer stopRun(nil)
	lost := locker.StartLockRenewal(runCtx, lockName)
	go func() {
		select {
		case err, ok := <-lost:
			if ok {
				stopRun(err)
			}
		case <-runCtx.Done():
		}
	}()

	iter, cursor, err := i.open(runCtx, mode)
	if err != nil {
		if lostErr := leaseLost(runCtx); lostErr != nil {
			return fmt.Errorf("%s: %w", mode, lostErr)
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return err
	}

	consumer := feed.NewConsumer(iter, i.sink,
		feed.WithBackoff(i.opts.Policy),
		feed.WithCheckpoints(i.checkpoints),
		feed.WithMetrics(i.metrics),
		feed.WithInitialCursor(cursor),
		feed.WithLogger(log),
	)
	last, err := consumer.Run(runCtx)
	if err != nil {
		return fmt.Errorf("%s consumer: %w", mode, err)
	}
	if lostErr := leaseLost(runCtx); lostErr != nil {
		log.Error("Consumer stopped after losing its lease", "lock", lockName, "cursor", last)
		return fmt.Errorf("%s consumer: %w", mode, lostErr)
	}
	log.Info("Consumer stopped", "cursor", last)
	return nil
}

// leaseLost returns the lease error that cancelled ctx, if any
func leaseLost(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, locking.ErrLeaseLost) {
		return cause
	}
	return nil
}

func (i *Ingester) open(ctx context.Context, mode cdc.Mode) (cdc.FeedIterator, cdc.Cursor, error) {
	if _, ok := i.checkpoints.LoadLastCursor(mode); !ok && i.opts.FromBeginning {
		iter, err := i.store.OpenChangeFeed(ctx, mode, cdc.StartBeginning(), i.opts.PageSize)
		if err != nil {
			return nil, "", fmt.Errorf("open %s change feed: %w", mode, err)
		}
		return iter, "", nil
	}
	return feed.OpenResumable(ctx, i.store, mode, i.checkpoints, i.opts.PageSize, i.opts.Policy)
}
