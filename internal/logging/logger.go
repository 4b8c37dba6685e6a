package logging

import (
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const defaultName = "changefeed"

var (
	mu     sync.RWMutex
	logger hclog.Logger
)

// Options controls how the process logger is built
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// SetupLogger builds the process logger and installs it as the default
func SetupLogger(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	l := hclog.New(&hclog.LoggerOptions{
		Name:            defaultName,
		Level:           level,
		Output:          out,
		JSONFormat:      opts.JSON,
		IncludeLocation: level <= hclog.Debug,
	})
	SetLogger(l)
	return l
}

// SetLogger replaces the default logger
func SetLogger(l hclog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// GetLogger returns the default logger, creating an info-level one on first use
func GetLogger() hclog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	return SetupLogger(Options{Level: "info"})
}
