package cdc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-changefeed/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
	"github.com/katasec/dstream-ingester-changefeed/internal/metrics"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

// ErrAlreadyRunning is returned when Run is called on a consumer that is running
var ErrAlreadyRunning = errors.New("consumer is already running")

// State is the lifecycle state of a Consumer
type State int32

const (
	StateStarting State = iota
	StatePolling
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Consumer drives one mode's feed iterator, forwarding interpreted changes to a sink
type Consumer struct {
	mode        cdc.Mode
	iter        cdc.FeedIterator
	sink        cdc.Sink
	policy      utils.Policy
	checkpoints *CheckpointManager
	log         hclog.Logger
	metrics     *metrics.FeedMetrics

	cursorMu sync.Mutex
	cursor   cdc.Cursor

	state   atomic.Int32
	running atomic.Bool
}

// Option configures a Consumer
type Option func(*Consumer)

// WithBackoff sets the waits used after empty and failed pulls
func WithBackoff(p utils.Policy) Option {
	return func(c *Consumer) { c.policy = p }
}

// WithCheckpoints saves every cursor update into m under the consumer's mode
func WithCheckpoints(m *CheckpointManager) Option {
	return func(c *Consumer) { c.checkpoints = m }
}

// WithLogger overrides the consumer's logger
func WithLogger(l hclog.Logger) Option {
	return func(c *Consumer) { c.log = l }
}

// WithMetrics records loop activity on m
func WithMetrics(m *metrics.FeedMetrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithInitialCursor sets the cursor reported before the first pull completes
func WithInitialCursor(cur cdc.Cursor) Option {
	return func(c *Consumer) { c.cursor = cur }
}

// NewConsumer creates a consumer for iter's mode
func NewConsumer(iter cdc.FeedIterator, sink cdc.Sink, opts ...Option) *Consumer {
	c := &Consumer{
		mode:   iter.Mode(),
		iter:   iter,
		sink:   sink,
		policy: utils.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.GetLogger().Named(string(c.mode))
	}
	return c
}

// Mode returns the feed mode this consumer reads
func (c *Consumer) Mode() cdc.Mode { return c.mode }

// State returns the current lifecycle state
func (c *Consumer) State() State { return State(c.state.Load()) }

// Cursor returns the latest resume position
func (c *Consumer) Cursor() cdc.Cursor {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	return c.cursor
}

// Run pulls pages until ctx is cancelled and returns the last resume cursor.
// Empty and failed pulls are retried forever with backoff; cancellation is a
// clean stop and returns a nil error.
func (c *Consumer) Run(ctx context.Context) (cdc.Cursor, error) {
	if !c.running.CompareAndSwap(false, true) {
		return c.Cursor(), ErrAlreadyRunning
	}
	defer c.running.Store(false)

	idle := utils.NewBackoffManager(c.policy.ShortDelay, c.policy.MaxDelay)
	failing := utils.NewBackoffManager(c.policy.LongDelay, c.policy.MaxDelay)

	c.log.Info("Starting change feed consumer", "mode", c.mode, "cursor", c.Cursor())
	c.setState(StatePolling)

	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			cur := c.Cursor()
			c.log.Info("Stopping change feed consumer due to context cancellation", "mode", c.mode, "cursor", cur)
			return cur, nil
		default:
		}

		switch res := c.iter.Next(ctx).(type) {
		case cdc.Page:
			if len(res.Events) == 0 {
				c.idle(ctx, res.Cursor, idle)
				failing.ResetInterval()
				continue
			}
			c.observePoll(metrics.PollPage)
			c.setState(StateDraining)
			c.log.Debug("Changes detected", "mode", c.mode, "changeCount", len(res.Events))
			c.drain(ctx, res.Events)
			c.advance(res.Cursor)
			c.setState(StatePolling)
			idle.ResetInterval()
			failing.ResetInterval()

		case cdc.NoNewData:
			failing.ResetInterval()
			c.idle(ctx, res.Cursor, idle)

		case cdc.TransientFailure:
			c.observePoll(metrics.PollFailure)
			c.advance(res.Cursor)
			if ctx.Err() != nil {
				c.log.Debug("Pull interrupted by cancellation", "mode", c.mode, "error", res.Cause)
				continue
			}
			c.log.Warn("Error fetching changes", "mode", c.mode, "error", res.Cause, "nextPollIn", failing.GetInterval())
			failing.Wait(ctx)

		default:
			c.observePoll(metrics.PollFailure)
			c.log.Error("Unexpected page result", "mode", c.mode, "type", fmt.Sprintf("%T", res))
			failing.Wait(ctx)
		}
	}
}

func (c *Consumer) idle(ctx context.Context, cursor cdc.Cursor, b *utils.BackoffManager) {
	c.observePoll(metrics.PollNoNewData)
	c.advance(cursor)
	c.log.Debug("No new changes", "mode", c.mode, "nextPollIn", b.GetInterval())
	b.Wait(ctx)
}

// drain interprets and forwards each event of a page in order
func (c *Consumer) drain(ctx context.Context, events []cdc.Event) {
	for _, ev := range events {
		change, err := cdc.Interpret(ev)
		if err != nil {
			c.reportMalformed(ctx, err)
			continue
		}
		if c.metrics != nil {
			c.metrics.Events.WithLabelValues(string(c.mode), string(change.Kind())).Inc()
		}
		if err := c.sink.OnChange(ctx, c.mode, change); err != nil {
			if c.metrics != nil {
				c.metrics.SinkErrors.WithLabelValues(string(c.mode)).Inc()
			}
			c.log.Error("Failed to deliver change", "mode", c.mode, "id", change.Key(), "kind", change.Kind(), "error", err)
		}
	}
}

func (c *Consumer) reportMalformed(ctx context.Context, err error) {
	if c.metrics != nil {
		c.metrics.Malformed.WithLabelValues(string(c.mode)).Inc()
	}
	c.log.Error("Skipping malformed change event", "mode", c.mode, "error", err)

	var me *cdc.MalformedEventError
	if !errors.As(err, &me) {
		return
	}
	if r, ok := c.sink.(cdc.MalformedReporter); ok {
		r.OnMalformed(ctx, c.mode, me)
	}
}

// advance records a new resume position; zero cursors never replace a captured one
func (c *Consumer) advance(cursor cdc.Cursor) {
	if cursor.IsZero() {
		return
	}
	c.cursorMu.Lock()
	c.cursor = cursor
	c.cursorMu.Unlock()
	if c.checkpoints != nil {
		c.checkpoints.SaveLastCursor(c.mode, cursor)
	}
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.State.WithLabelValues(string(c.mode)).Set(float64(s))
	}
}

func (c *Consumer) observePoll(result string) {
	if c.metrics != nil {
		c.metrics.Polls.WithLabelValues(string(c.mode), result).Inc()
	}
}
