package jobqueue

import (
	"context"
	"maps"
	"sync"
)

// Mode is the lifecycle of a queue item.
type Mode int

const (
	// Transient items run one at a time in submission order and are
	// forgotten once terminal.
	Transient Mode = iota
	// Persistent items start a job and poll it until terminal, canceled
	// or replaced.
	Persistent
	// PersistentStatus items only poll an existing job; no compute is
	// started.
	PersistentStatus
)

func (m Mode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case PersistentStatus:
		return "persistentStatus"
	default:
		return "transient"
	}
}

// ItemState is where an item is in the queue.
type ItemState int

const (
	Pending ItemState = iota
	Processing
	Done
	Canceled
	Removing
)

func (s ItemState) String() string {
	switch s {
	case Processing:
		return "processing"
	case Done:
		return "done"
	case Canceled:
		return "canceled"
	case Removing:
		return "removing"
	default:
		return "pending"
	}
}

// Status is the job state reported by the server.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCanceled  Status = "canceled"
	StatusMissing   Status = "missing"
	StatusPurged    Status = "purged"
)

// Active reports whether the job is still pending or running.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether s is a known final state.
func (s Status) Terminal() bool {
	return s != "" && !s.Active()
}

// StatusReply is the body of a runSimulation or runStatus reply.
type StatusReply struct {
	State              Status         `json:"state"`
	NextRequestSeconds float64        `json:"nextRequestSeconds,omitempty"`
	NextRequest        map[string]any `json:"nextRequest,omitempty"`
	PercentComplete    float64        `json:"percentComplete,omitempty"`
	FrameCount         int            `json:"frameCount,omitempty"`
	ElapsedTime        float64        `json:"elapsedTime,omitempty"`
	Error              string         `json:"error,omitempty"`
}

// Handler receives status replies for an item. Transient items only see
// the terminal reply. An interim handler must not cancel or remove its own
// item synchronously: Cancel and Remove wait for a running handler.
type Handler func(*StatusReply)

// Item is a job submission owned by a Queue. Its fields are only changed
// by the queue.
type Item struct {
	key     string
	mode    Mode
	params  map[string]any
	handler Handler

	// guarded by Queue.mu
	state ItemState

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	q      *Queue

	// held while an interim handler runs
	cbMu sync.Mutex
}

// Key returns the job key.
func (it *Item) Key() string { return it.key }

// Mode returns the item's lifecycle.
func (it *Item) Mode() Mode { return it.mode }

// State returns the item's current queue state.
func (it *Item) State() ItemState {
	it.q.mu.Lock()
	defer it.q.mu.Unlock()
	return it.state
}

// Params returns a copy of the job parameters.
func (it *Item) Params() map[string]any {
	it.q.mu.Lock()
	defer it.q.mu.Unlock()
	return maps.Clone(it.params)
}

func (it *Item) live() bool {
	return it.state == Pending || it.state == Processing
}

// waitHandler returns once no interim handler is running. Callers have
// already moved the item out of Processing, so none starts afterwards.
func (it *Item) waitHandler() {
	it.cbMu.Lock()
	it.cbMu.Unlock() //nolint:staticcheck // barrier
}
