package jobctl

import (
	"log/slog"
	"time"
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithStatusCallback sets the function called with a snapshot after every
// state change. It runs on the queue's poll goroutine, so it must not call
// CancelSimulation directly; start a goroutine instead.
func WithStatusCallback(fn func(State)) Option {
	return func(c *Controller) { c.onStatus = fn }
}

// WithTerminalCallback sets the function called once when a run reaches
// a terminal status.
func WithTerminalCallback(fn func(State)) Option {
	return func(c *Controller) { c.onTerminal = fn }
}

// WithClock overrides the wall clock used by Elapsed.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}
