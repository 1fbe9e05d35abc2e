// Package jobctl tracks one named job through its lifecycle.
//
// A Controller submits the job to a jobqueue.Queue and folds every status
// reply into a State through HandleStatus, the only code path that
// changes it:
//
//	pending → running → {completed, error, canceled, missing, purged}
//
// While the job is pending or running, elapsed time and frame count never
// decrease. Entering a terminal status freezes elapsed time at its last
// observed value.
package jobctl

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/xraph/simqueue"
	"github.com/xraph/simqueue/jobqueue"
)

// Queue is the part of *jobqueue.Queue the controller drives.
type Queue interface {
	AddPersistent(key string, params map[string]any, onStatus jobqueue.Handler) (*jobqueue.Item, error)
	AddPersistentStatusOnly(key string, params map[string]any, onStatus jobqueue.Handler) (*jobqueue.Item, error)
	Cancel(ctx context.Context, it *jobqueue.Item) error
}

var _ Queue = (*jobqueue.Queue)(nil)

// State is a snapshot of a job. The zero value is an uninitialized job.
type State struct {
	Status          jobqueue.Status
	PercentComplete float64
	ElapsedSeconds  float64
	FrameCount      int
	LastError       string
}

// Controller wraps one named job.
type Controller struct {
	queue      Queue
	key        string
	logger     *slog.Logger
	onStatus   func(State)
	onTerminal func(State)
	now        func() time.Time

	mu            sync.Mutex
	state         State
	updated       time.Time
	item          *jobqueue.Item
	gen           uint64
	terminalFired bool

	// orphanGen is a run canceled before its queue item was tracked.
	orphanGen uint64
}

// New creates a controller for the job named key.
func New(q Queue, key string, opts ...Option) *Controller {
	c := &Controller{
		queue:  q,
		key:    key,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the job name.
func (c *Controller) Key() string { return c.key }

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Elapsed returns the elapsed time, extrapolated with wall time since the
// last update while the job is active.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := time.Duration(c.state.ElapsedSeconds * float64(time.Second))
	if c.state.Status.Active() && !c.updated.IsZero() {
		d += c.now().Sub(c.updated)
	}
	return d
}

// RunSimulation starts a new run. It is only valid while the job is
// uninitialized or terminal.
func (c *Controller) RunSimulation(params map[string]any) error {
	c.mu.Lock()
	if c.state.Status.Active() {
		status := c.state.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: run %q while %s", simqueue.ErrInvalidState, c.key, status)
	}
	gen := c.rearmLocked()
	snap, _ := c.applyLocked(&jobqueue.StatusReply{State: jobqueue.StatusPending}, true)
	c.mu.Unlock()
	c.emit(snap, false)

	body := c.body(params, true)
	it, err := c.queue.AddPersistent(c.key, body, c.handlerFor(gen))
	return c.track(gen, it, err)
}

// ResetSimulation marks the job missing and polls for whatever job
// already exists server-side without starting new compute.
func (c *Controller) ResetSimulation(params map[string]any) error {
	c.mu.Lock()
	gen := c.rearmLocked()
	snap, _ := c.applyLocked(&jobqueue.StatusReply{State: jobqueue.StatusMissing}, true)
	c.mu.Unlock()
	c.emit(snap, false)

	body := c.body(params, false)
	it, err := c.queue.AddPersistentStatusOnly(c.key, body, c.handlerFor(gen))
	return c.track(gen, it, err)
}

// CancelSimulation marks the job canceled and cancels its queue item.
func (c *Controller) CancelSimulation(ctx context.Context) error {
	c.mu.Lock()
	it := c.item
	c.item = nil
	if it == nil {
		c.orphanGen = c.gen
	}
	c.gen++
	snap, terminal := c.applyLocked(&jobqueue.StatusReply{State: jobqueue.StatusCanceled}, false)
	c.mu.Unlock()
	c.emit(snap, terminal)

	if it == nil {
		return nil
	}
	return c.queue.Cancel(ctx, it)
}

// HandleStatus folds a status reply into the job state and notifies the
// status callback.
func (c *Controller) HandleStatus(r *jobqueue.StatusReply) {
	c.mu.Lock()
	snap, terminal := c.applyLocked(r, false)
	c.mu.Unlock()
	c.emit(snap, terminal)
}

// handlerFor binds replies to the run that produced them. Replies for a
// run that was canceled or superseded are dropped.
func (c *Controller) handlerFor(gen uint64) jobqueue.Handler {
	return func(r *jobqueue.StatusReply) {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			c.logger.Debug("dropping stale status",
				slog.String("key", c.key),
				slog.String("state", string(r.State)),
			)
			return
		}
		snap, terminal := c.applyLocked(r, false)
		if terminal {
			c.item = nil
		}
		c.mu.Unlock()
		c.emit(snap, terminal)
	}
}

func (c *Controller) rearmLocked() uint64 {
	c.gen++
	c.item = nil
	c.terminalFired = false
	return c.gen
}

func (c *Controller) track(gen uint64, it *jobqueue.Item, err error) error {
	if err != nil {
		c.HandleStatus(&jobqueue.StatusReply{State: jobqueue.StatusError, Error: err.Error()})
		return err
	}
	c.mu.Lock()
	if gen == c.gen {
		if it.State() == jobqueue.Processing {
			c.item = it
		}
		c.mu.Unlock()
		return nil
	}
	orphaned := c.orphanGen == gen
	if orphaned {
		c.orphanGen = 0
	}
	c.mu.Unlock()

	// The run was canceled while the item was being added.
	if orphaned {
		if err := c.queue.Cancel(context.Background(), it); err != nil {
			c.logger.Warn("cancel after start failed",
				slog.String("key", c.key),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (c *Controller) body(params map[string]any, force bool) map[string]any {
	body := maps.Clone(params)
	if body == nil {
		body = make(map[string]any)
	}
	body["jobKey"] = c.key
	body["forceRun"] = force
	return body
}

// applyLocked is the single place job state changes. reset starts a new
// run: counters are cleared instead of kept monotonic. It returns the new
// snapshot and whether this update ended the run.
func (c *Controller) applyLocked(r *jobqueue.StatusReply, reset bool) (State, bool) {
	prev := c.state
	next := prev
	next.Status = r.State

	switch {
	case reset:
		next.ElapsedSeconds = r.ElapsedTime
		next.FrameCount = r.FrameCount
		next.PercentComplete = r.PercentComplete
		next.LastError = ""
	case r.State.Active():
		next.ElapsedSeconds = max(prev.ElapsedSeconds, r.ElapsedTime)
		next.FrameCount = max(prev.FrameCount, r.FrameCount)
		next.PercentComplete = r.PercentComplete
	case prev.Status.Active() || prev.Status == "":
		// Entering a terminal status: keep the last observed values
		// unless the final reply reports later ones.
		next.ElapsedSeconds = max(prev.ElapsedSeconds, r.ElapsedTime)
		if r.FrameCount > 0 {
			next.FrameCount = r.FrameCount
		}
		if r.PercentComplete > 0 {
			next.PercentComplete = r.PercentComplete
		}
	default:
		// Terminal to terminal: elapsed stays frozen.
		if r.FrameCount > 0 {
			next.FrameCount = r.FrameCount
		}
	}
	if r.State == jobqueue.StatusError {
		next.LastError = r.Error
	}

	c.state = next
	c.updated = c.now()

	terminal := !reset && r.State.Terminal() && !c.terminalFired
	if terminal {
		c.terminalFired = true
	}
	c.logger.Debug("job status",
		slog.String("key", c.key),
		slog.String("from", string(prev.Status)),
		slog.String("to", string(next.Status)),
		slog.Int("frames", next.FrameCount),
	)
	return next, terminal
}

func (c *Controller) emit(s State, terminal bool) {
	if c.onStatus != nil {
		c.onStatus(s)
	}
	if terminal && c.onTerminal != nil {
		c.onTerminal(s)
	}
}
