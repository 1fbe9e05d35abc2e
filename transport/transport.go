// Package transport multiplexes many concurrent logical requests over one
// persistent connection.
//
// Every request gets a correlation id that is unique for the lifetime of
// the Transport. Replies are matched by id, unsolicited server pushes are
// dispatched to handlers registered by method name, and a lost connection
// is re-dialed with exponential backoff. Requests that were written but
// not answered when the connection dropped are re-queued and flushed, in
// id order, as soon as the connection reopens.
//
// Usage:
//
//	t := transport.New(transport.WebSocketDialer("wss://sim.example.com/ws", nil),
//	    transport.WithRequestTimeout(time.Minute),
//	)
//	defer t.Close()
//
//	reply, err := t.Send(ctx, "/run-status", body)
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/simqueue"
	"github.com/xraph/simqueue/backoff"
	"github.com/xraph/simqueue/wire"
)

// ConnectionState is the state of the underlying connection.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Open
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "disconnected"
	}
}

// Reply is a successful reply frame.
type Reply struct {
	CorrelationID uint64
	Status        int
	ContentType   string
	Payload       []byte
}

// ExceptionError is returned by Send when the server answers with a
// structured exception. The payload is left for the caller to decode.
type ExceptionError struct {
	Route         string
	CorrelationID uint64
	ContentType   string
	Payload       []byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("simqueue: structured exception for %s (id %d)", e.Route, e.CorrelationID)
}

// AsyncHandler receives the content of an unsolicited server push.
type AsyncHandler func(content []byte)

type outcome struct {
	reply *Reply
	err   error
}

// pendingRequest is owned by the Transport while outstanding.
type pendingRequest struct {
	id    uint64
	route string
	frame []byte
	sent  bool
	done  chan outcome
}

// Transport owns one connection and its correlation table.
type Transport struct {
	dialer  Dialer
	logger  *slog.Logger
	backoff backoff.Strategy
	version uint
	timeout time.Duration
	session SessionSource
	onDrift func(error)
	metrics *metrics
	after   func(time.Duration) <-chan time.Time

	nextID atomic.Uint64
	state  atomic.Int32

	// mu guards the fields below. writeMu serializes writes; it is only
	// ever acquired while holding mu so writes keep the order in which
	// requests were registered.
	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          Conn
	pending       map[uint64]*pendingRequest
	queue         []*pendingRequest
	attempt       int
	closed        bool
	closeErr      error
	sessionCached bool
	sessionSnap   []string

	handlersMu sync.RWMutex
	handlers   map[string]AsyncHandler

	ctx     context.Context
	cancel  context.CancelFunc
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a Transport and starts connecting in the background.
// Sends issued before the connection opens are buffered.
func New(dialer Dialer, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		dialer:   dialer,
		logger:   slog.Default(),
		backoff:  backoff.DefaultReconnect(),
		version:  wire.ProtocolVersion,
		timeout:  simqueue.DefaultConfig().RequestTimeout,
		after:    time.After,
		pending:  make(map[uint64]*pendingRequest),
		handlers: make(map[string]AsyncHandler),
		ctx:      ctx,
		cancel:   cancel,
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = defaultMetrics()
	}

	t.wg.Add(1)
	go t.run()
	return t
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

// RegisterAsyncHandler installs the handler for server pushes named
// method. Each method has exactly one handler.
func (t *Transport) RegisterAsyncHandler(method string, h AsyncHandler) error {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	if _, ok := t.handlers[method]; ok {
		return fmt.Errorf("%w: %q", simqueue.ErrDuplicateHandler, method)
	}
	t.handlers[method] = h
	return nil
}

// Send writes a request for route and waits for its reply. If the
// connection is not open the request is buffered and flushed in FIFO
// order once it opens. Connection loss is retried transparently; only the
// timeout, ctx, a structured exception, a protocol error naming this
// request, or Close end the wait early.
func (t *Transport) Send(ctx context.Context, route string, payload []byte, opts ...SendOption) (*Reply, error) {
	o := applySendOptions(t.timeout, opts)

	id := t.nextID.Add(1)
	f := wire.NewRequest(id, route, payload, o.Attachments...)
	f.Header.Version = t.version
	f.Header.ContentType = o.ContentType
	data, err := wire.Encode(f)
	if err != nil {
		return nil, err
	}

	pr := &pendingRequest{id: id, route: route, frame: data, done: make(chan outcome, 1)}
	if err := t.enqueue(pr); err != nil {
		return nil, err
	}
	t.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))

	var timeout <-chan time.Time
	if o.Timeout > 0 {
		timer := time.NewTimer(o.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-pr.done:
		return out.reply, out.err
	case <-timeout:
		t.discard(pr)
		t.metrics.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
		return nil, fmt.Errorf("%w: %s after %s (id %d)", simqueue.ErrTimeout, route, o.Timeout, id)
	case <-ctx.Done():
		t.discard(pr)
		return nil, ctx.Err()
	}
}

// Close shuts the transport down. Outstanding requests fail with
// simqueue.ErrClosed. Close must not be called from an AsyncHandler.
func (t *Transport) Close() error {
	t.shutdown(simqueue.ErrClosed)
	t.wg.Wait()
	return nil
}

// enqueue registers pr and writes it if the connection is open.
func (t *Transport) enqueue(pr *pendingRequest) error {
	if t.State() == Open {
		// Reusing a live connection: make sure the session under it has
		// not changed.
		if err := t.checkSession(); err != nil {
			return err
		}
	}

	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return err
	}
	t.pending[pr.id] = pr
	conn := t.conn
	if conn == nil {
		t.queue = append(t.queue, pr)
		t.mu.Unlock()
		return nil
	}
	pr.sent = true
	t.writeMu.Lock()
	t.mu.Unlock()

	err := conn.WriteMessage(pr.frame)
	t.writeMu.Unlock()
	if err != nil {
		// The read loop sees the broken connection and re-queues pr.
		t.logger.Warn("write failed",
			slog.Uint64("id", pr.id),
			slog.String("route", pr.route),
			slog.String("error", err.Error()),
		)
		_ = conn.Close()
	}
	return nil
}

// discard frees the slot of a request that timed out or was abandoned.
// A reply arriving later is dropped.
func (t *Transport) discard(pr *pendingRequest) {
	t.mu.Lock()
	delete(t.pending, pr.id)
	t.removeQueuedLocked(pr)
	t.mu.Unlock()
}

func (t *Transport) removeQueuedLocked(pr *pendingRequest) {
	if i := slices.Index(t.queue, pr); i >= 0 {
		t.queue = slices.Delete(t.queue, i, i+1)
	}
}

// ── Connection lifecycle ──────────────────────────────

func (t *Transport) run() {
	defer t.wg.Done()
	for {
		if err := t.checkSession(); err != nil {
			return
		}

		t.state.Store(int32(Connecting))
		conn, err := t.dialer.Dial(t.ctx)
		if err != nil {
			if t.isClosed() {
				return
			}
			t.state.Store(int32(Disconnected))
			delay := t.nextDelay()
			t.logger.Warn("dial failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			if !t.sleep(delay) {
				return
			}
			continue
		}

		if !t.open(conn) {
			_ = conn.Close()
			return
		}

		readErr := t.readLoop(conn)
		if !t.disconnect(conn, readErr) {
			return
		}
		delay := t.nextDelay()
		t.logger.Info("reconnecting", slog.Duration("retry_in", delay))
		if !t.sleep(delay) {
			return
		}
	}
}

// open installs conn and flushes buffered requests before any new Send
// can write.
func (t *Transport) open(conn Conn) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.conn = conn
	t.attempt = 0
	t.state.Store(int32(Open))
	queued := t.queue
	t.queue = nil
	for _, pr := range queued {
		pr.sent = true
	}
	t.writeMu.Lock()
	t.mu.Unlock()

	for _, pr := range queued {
		if err := conn.WriteMessage(pr.frame); err != nil {
			t.logger.Warn("flush failed", slog.String("error", err.Error()))
			_ = conn.Close()
			break
		}
	}
	t.writeMu.Unlock()

	t.logger.Info("connection open", slog.Int("flushed", len(queued)))
	return true
}

// disconnect re-queues every request that was written but not answered.
// It reports false if the transport was closed.
func (t *Transport) disconnect(conn Conn, cause error) bool {
	_ = conn.Close()

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.state.Store(int32(Disconnected))

	var requeue []*pendingRequest
	for _, pr := range t.pending {
		if pr.sent {
			pr.sent = false
			requeue = append(requeue, pr)
		}
	}
	slices.SortFunc(requeue, func(a, b *pendingRequest) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	t.queue = append(requeue, t.queue...)
	t.mu.Unlock()

	msg := "connection closed"
	if cause != nil {
		msg = cause.Error()
	}
	t.logger.Warn("connection lost",
		slog.String("error", msg),
		slog.Int("requeued", len(requeue)),
	)
	return true
}

func (t *Transport) nextDelay() time.Duration {
	t.mu.Lock()
	t.attempt++
	d := t.backoff.Delay(t.attempt)
	t.mu.Unlock()
	t.metrics.reconnects.Add(context.Background(), 1)
	return d
}

func (t *Transport) sleep(d time.Duration) bool {
	select {
	case <-t.after(d):
		return true
	case <-t.closeCh:
		return false
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// shutdown fails every outstanding request with cause. Idempotent.
func (t *Transport) shutdown(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = cause
	conn := t.conn
	t.conn = nil
	pending := t.pending
	t.pending = make(map[uint64]*pendingRequest)
	t.queue = nil
	t.state.Store(int32(Disconnected))
	t.mu.Unlock()

	close(t.closeCh)
	t.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	for _, pr := range pending {
		pr.done <- outcome{err: cause}
	}
}

// checkSession compares the live session snapshot to the cached one and
// shuts the transport down on drift.
func (t *Transport) checkSession() error {
	if t.session == nil {
		return nil
	}
	live := t.session.Snapshot()

	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return err
	}
	if !t.sessionCached {
		t.sessionCached = true
		t.sessionSnap = slices.Clone(live)
		t.mu.Unlock()
		return nil
	}
	same := sameSession(t.sessionSnap, live)
	t.mu.Unlock()
	if same {
		return nil
	}

	err := fmt.Errorf("%w: %d cached entries, %d live", simqueue.ErrSessionDrift, len(t.sessionSnap), len(live))
	t.logger.Error("session drift detected, forcing reload", slog.String("error", err.Error()))
	if t.onDrift != nil {
		t.onDrift(err)
	}
	t.shutdown(err)
	return err
}

// ── Inbound frames ────────────────────────────────────

func (t *Transport) readLoop(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.dispatch(data)
	}
}

func (t *Transport) dispatch(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		t.protocolError(0, err)
		return
	}
	h := f.Header
	if err := wire.Validate(h, t.version); err != nil {
		t.protocolError(h.CorrelationID, err)
		return
	}

	switch h.Kind {
	case wire.KindReply:
		status := h.Status
		if status == 0 {
			status = 200
		}
		t.resolve(h.CorrelationID, outcome{reply: &Reply{
			CorrelationID: h.CorrelationID,
			Status:        status,
			ContentType:   h.ContentType,
			Payload:       f.Payload,
		}})
	case wire.KindException:
		t.resolve(h.CorrelationID, outcome{err: &ExceptionError{
			Route:         t.routeOf(h.CorrelationID),
			CorrelationID: h.CorrelationID,
			ContentType:   h.ContentType,
			Payload:       f.Payload,
		}})
	case wire.KindAsync:
		t.notify(h.Route, f.Payload)
	default:
		t.protocolError(h.CorrelationID, fmt.Errorf("%w: %s frame from server", simqueue.ErrUnknownKind, h.Kind))
	}
}

func (t *Transport) routeOf(id uint64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pr, ok := t.pending[id]; ok {
		return pr.route
	}
	return ""
}

// resolve hands out to the request with the given id. Unknown ids are
// dropped without touching any other request.
func (t *Transport) resolve(id uint64, out outcome) {
	t.mu.Lock()
	pr, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		if !pr.sent {
			t.removeQueuedLocked(pr)
		}
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("dropping reply for unknown correlation id", slog.Uint64("id", id))
		return
	}
	pr.done <- out
}

// protocolError logs err and rejects the request it names, if tracked.
func (t *Transport) protocolError(id uint64, err error) {
	t.metrics.protocolErrors.Add(context.Background(), 1)
	t.logger.Warn("protocol error",
		slog.Uint64("id", id),
		slog.String("error", err.Error()),
	)
	if id == 0 {
		return
	}
	if !errors.Is(err, simqueue.ErrProtocol) {
		err = fmt.Errorf("%w: %w", simqueue.ErrProtocol, err)
	}
	t.resolve(id, outcome{err: err})
}

func (t *Transport) notify(method string, content []byte) {
	t.handlersMu.RLock()
	h := t.handlers[method]
	t.handlersMu.RUnlock()

	if h == nil {
		t.protocolError(0, fmt.Errorf("%w: no handler for async method %q", simqueue.ErrProtocol, method))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("async handler panicked",
				slog.String("method", method),
				slog.Any("panic", r),
			)
		}
	}()
	h(content)
}
