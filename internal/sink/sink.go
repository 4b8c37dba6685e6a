// Package sink holds the destinations interpreted changes are delivered to.
package sink

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

// Log writes a one-line description of every change
type Log struct {
	log hclog.Logger
}

// NewLog returns a Log sink; a nil logger uses the process logger
func NewLog(l hclog.Logger) *Log {
	if l == nil {
		l = logging.GetLogger().Named("sink")
	}
	return &Log{log: l}
}

func (l *Log) OnChange(ctx context.Context, mode cdc.Mode, change cdc.InterpretedChange) error {
	l.log.Info(cdc.Describe(change), "mode", mode)
	return nil
}

func (l *Log) OnMalformed(ctx context.Context, mode cdc.Mode, err *cdc.MalformedEventError) {
	l.log.Warn("Malformed change event", "mode", mode, "raw", string(err.Raw), "error", err.Cause)
}

// Func adapts a function to cdc.Sink
type Func func(ctx context.Context, mode cdc.Mode, change cdc.InterpretedChange) error

func (f Func) OnChange(ctx context.Context, mode cdc.Mode, change cdc.InterpretedChange) error {
	return f(ctx, mode, change)
}

// Multi delivers every change to all of its sinks
type Multi []cdc.Sink

func (m Multi) OnChange(ctx context.Context, mode cdc.Mode, change cdc.InterpretedChange) error {
	var errs []error
	for _, s := range m {
		if err := s.OnChange(ctx, mode, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnMalformed forwards to every sink that reports malformed events
func (m Multi) OnMalformed(ctx context.Context, mode cdc.Mode, err *cdc.MalformedEventError) {
	for _, s := range m {
		if r, ok := s.(cdc.MalformedReporter); ok {
			r.OnMalformed(ctx, mode, err)
		}
	}
}
