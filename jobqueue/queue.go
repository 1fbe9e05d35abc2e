// Package jobqueue runs job submissions against a stateful backend.
//
// Items come in two lifecycles. Transient items form a FIFO lane where at
// most one item is processing at a time; the next one starts when the
// current one reaches a terminal status, is canceled or is removed.
// Persistent items start immediately, run concurrently with each other
// and with the transient lane, and poll their job until it reaches a
// terminal status or the item is canceled or replaced.
//
// Poll intervals come from the server's nextRequestSeconds, never from a
// client constant, but are clamped to a floor (one second by default) so
// a server answering 0 cannot cause a tight loop. Each item has at most
// one request in flight.
//
// Usage:
//
//	q := jobqueue.New(client)
//	defer q.Close()
//
//	it, err := q.AddPersistent("heatmap", params, func(r *jobqueue.StatusReply) {
//	    fmt.Println(r.State, r.PercentComplete)
//	})
//	...
//	err = q.Cancel(ctx, it)
package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/xraph/simqueue"
	"github.com/xraph/simqueue/rpc"
)

// Requester issues one job request and decodes the reply into out.
type Requester interface {
	Call(ctx context.Context, route string, in, out any, opts ...rpc.RequestOption) error
}

var _ Requester = (*rpc.Client)(nil)

// Queue owns its items and their poll timers.
type Queue struct {
	req     Requester
	logger  *slog.Logger
	minPoll time.Duration
	limiter *rate.Limiter
	metrics *metrics
	after   func(time.Duration) <-chan time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	transient  []*Item
	active     *Item
	persistent map[string]*Item
	closed     bool
}

// New creates a queue that sends its requests through req.
func New(req Requester, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		req:        req,
		logger:     slog.Default(),
		minPoll:    simqueue.DefaultConfig().MinPollInterval,
		after:      time.After,
		ctx:        ctx,
		cancel:     cancel,
		persistent: make(map[string]*Item),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = defaultMetrics()
	}
	return q
}

// AddTransient queues a one-shot job. It starts right away only if no
// other transient item is processing. A transient item with the same key
// that has not started yet is updated in place instead of queued twice.
// onResult receives the terminal reply once.
func (q *Queue) AddTransient(key string, params map[string]any, onResult Handler) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, simqueue.ErrQueueClosed
	}

	for _, it := range q.transient {
		if it.key == key {
			it.params = maps.Clone(params)
			it.handler = onResult
			return it, nil
		}
	}

	it := q.newItem(key, Transient, params, onResult)
	q.transient = append(q.transient, it)
	q.startNextLocked()
	return it, nil
}

// AddPersistent starts a job and polls it, independent of any other
// queue activity. A live persistent item with the same key is replaced.
// onStatus receives every reply, interim and terminal.
func (q *Queue) AddPersistent(key string, params map[string]any, onStatus Handler) (*Item, error) {
	return q.addPersistent(key, Persistent, params, onStatus)
}

// AddPersistentStatusOnly polls a job that may already exist server-side
// without starting new compute.
func (q *Queue) AddPersistentStatusOnly(key string, params map[string]any, onStatus Handler) (*Item, error) {
	return q.addPersistent(key, PersistentStatus, params, onStatus)
}

func (q *Queue) addPersistent(key string, mode Mode, params map[string]any, h Handler) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, simqueue.ErrQueueClosed
	}

	if old := q.persistent[key]; old != nil {
		q.removeLocked(old, Removing)
		q.logger.Debug("replacing persistent item", slog.String("key", key))
	}
	it := q.newItem(key, mode, params, h)
	q.persistent[key] = it
	q.startLocked(it)
	return it, nil
}

// Cancel removes it from the queue and stops its polling. If it was
// processing, the backend is asked to cancel the job; an item that was
// never sent causes no network call.
func (q *Queue) Cancel(ctx context.Context, it *Item) error {
	q.mu.Lock()
	live := it.live()
	wasProcessing := q.removeLocked(it, Canceled)
	params := maps.Clone(it.params)
	q.startNextLocked()
	q.mu.Unlock()

	if live {
		it.waitHandler()
	}
	if !wasProcessing {
		return nil
	}
	q.logger.Info("canceling job",
		slog.String("key", it.key),
		slog.String("mode", it.mode.String()),
	)
	return q.req.Call(ctx, rpc.RouteRunCancel, params, nil)
}

// Remove drops it without telling the backend. It reports whether the
// item was still live.
func (q *Queue) Remove(it *Item) bool {
	q.mu.Lock()
	live := it.live()
	q.removeLocked(it, Removing)
	q.startNextLocked()
	q.mu.Unlock()

	if live {
		it.waitHandler()
	}
	return live
}

// Len returns the number of live items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.transient) + len(q.persistent)
	if q.active != nil {
		n++
	}
	return n
}

// Close stops every item and waits for in-flight requests to unwind.
// Nothing is sent to the backend.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	items := slices.Clone(q.transient)
	if q.active != nil {
		items = append(items, q.active)
	}
	for _, it := range q.persistent {
		items = append(items, it)
	}
	for _, it := range items {
		q.removeLocked(it, Removing)
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

// ── Item lifecycle ────────────────────────────────────

func (q *Queue) newItem(key string, mode Mode, params map[string]any, h Handler) *Item {
	ctx, cancel := context.WithCancel(q.ctx)
	return &Item{
		key:     key,
		mode:    mode,
		params:  maps.Clone(params),
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		q:       q,
	}
}

func (q *Queue) startNextLocked() {
	if q.closed || q.active != nil || len(q.transient) == 0 {
		return
	}
	it := q.transient[0]
	q.transient = slices.Delete(q.transient, 0, 1)
	q.active = it
	q.startLocked(it)
}

func (q *Queue) startLocked(it *Item) {
	it.state = Processing
	q.wg.Add(1)
	go q.run(it)
}

// removeLocked moves a live item to state and releases its slot, timer
// and in-flight request. It reports whether the item was processing.
func (q *Queue) removeLocked(it *Item, state ItemState) bool {
	if !it.live() {
		return false
	}
	wasProcessing := it.state == Processing
	it.state = state
	it.cancel()
	close(it.stop)

	if it.mode == Transient {
		if q.active == it {
			q.active = nil
		} else if i := slices.Index(q.transient, it); i >= 0 {
			q.transient = slices.Delete(q.transient, i, i+1)
		}
	} else if q.persistent[it.key] == it {
		delete(q.persistent, it.key)
	}
	return wasProcessing
}

// ── Poll loop ─────────────────────────────────────────

func (q *Queue) run(it *Item) {
	defer q.wg.Done()

	route := rpc.RouteRunSimulation
	if it.mode == PersistentStatus {
		route = rpc.RouteRunStatus
	}
	body := it.Params()

	for {
		reply, ok := q.request(it, route, body)
		if !ok {
			return
		}
		if !reply.State.Active() {
			q.finish(it, reply)
			return
		}
		if !q.interim(it, reply) {
			return
		}

		delay := q.pollDelay(reply.NextRequestSeconds)
		q.logger.Debug("next poll",
			slog.String("key", it.key),
			slog.String("state", string(reply.State)),
			slog.Duration("in", delay),
		)
		select {
		case <-q.after(delay):
		case <-it.stop:
			return
		}

		route = rpc.RouteRunStatus
		if reply.NextRequest != nil {
			body = reply.NextRequest
		}
	}
}

// request sends one job request. It reports false if the item went away
// while the request was in flight; the reply, if any, is then dropped.
func (q *Queue) request(it *Item, route string, body map[string]any) (*StatusReply, bool) {
	if it.ctx.Err() != nil {
		return nil, false
	}
	if q.limiter != nil {
		if err := q.limiter.Wait(it.ctx); err != nil {
			return nil, false
		}
	}
	q.metrics.polls.Add(q.ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("mode", it.mode.String()),
	))

	var reply StatusReply
	err := q.req.Call(it.ctx, route, body, &reply)
	if it.ctx.Err() != nil {
		return nil, false
	}
	if err != nil {
		msg := err.Error()
		var f *rpc.Failure
		if errors.As(err, &f) {
			msg = f.Message
		}
		return &StatusReply{State: StatusError, Error: msg}, true
	}
	if reply.State == "" {
		return &StatusReply{State: StatusError, Error: "reply has no state"}, true
	}
	return &reply, true
}

// interim hands a pending/running reply to a persistent item's handler.
// It reports false once the item is no longer processing.
func (q *Queue) interim(it *Item, r *StatusReply) bool {
	it.cbMu.Lock()
	defer it.cbMu.Unlock()

	q.mu.Lock()
	ok := it.state == Processing
	q.mu.Unlock()
	if !ok {
		return false
	}
	if it.mode != Transient && it.handler != nil {
		it.handler(r)
	}
	return true
}

// finish removes it, invokes its handler with the terminal reply and
// starts the next transient item.
func (q *Queue) finish(it *Item, r *StatusReply) {
	q.mu.Lock()
	if it.state != Processing {
		q.mu.Unlock()
		return
	}
	q.removeLocked(it, Done)
	q.mu.Unlock()

	q.metrics.completed.Add(q.ctx, 1, metric.WithAttributes(attribute.String("state", string(r.State))))
	q.logger.Info("job finished",
		slog.String("key", it.key),
		slog.String("state", string(r.State)),
	)
	if it.handler != nil {
		it.handler(r)
	}

	q.mu.Lock()
	q.startNextLocked()
	q.mu.Unlock()
}

func (q *Queue) pollDelay(seconds float64) time.Duration {
	d := time.Duration(seconds * float64(time.Second))
	if d < q.minPoll {
		return q.minPoll
	}
	return d
}
