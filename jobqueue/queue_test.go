package jobqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/simqueue"
	"github.com/xraph/simqueue/rpc"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type result struct {
	reply *StatusReply
	err   error
}

// call is one request seen by fakeRequester, waiting for the test to
// answer it.
type call struct {
	route string
	body  map[string]any
	ctx   context.Context
	out   chan result
}

func (c *call) respond(r *StatusReply) { c.out <- result{reply: r} }

func (c *call) fail(err error) { c.out <- result{err: err} }

type fakeRequester struct {
	calls chan *call
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{calls: make(chan *call, 16)}
}

func (f *fakeRequester) Call(ctx context.Context, route string, in, out any, _ ...rpc.RequestOption) error {
	body, _ := in.(map[string]any)
	c := &call{route: route, body: body, ctx: ctx, out: make(chan result, 1)}
	f.calls <- c
	select {
	case r := <-c.out:
		if r.err != nil {
			return r.err
		}
		if sr, ok := out.(*StatusReply); ok && r.reply != nil {
			*sr = *r.reply
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRequester) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request")
		return nil
	}
}

func (f *fakeRequester) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected request %s %v", c.route, c.body)
	case <-time.After(50 * time.Millisecond):
	}
}

// delays records every poll delay and fires immediately.
type delays struct {
	mu  sync.Mutex
	got []time.Duration
}

func (d *delays) after(dur time.Duration) <-chan time.Time {
	d.mu.Lock()
	d.got = append(d.got, dur)
	d.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (d *delays) list() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.got...)
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeRequester, *delays) {
	t.Helper()
	req := newFakeRequester()
	d := &delays{}
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	q := New(req, opts...)
	q.after = d.after
	t.Cleanup(func() { _ = q.Close() })
	return q, req, d
}

// sink collects handler invocations.
type sink struct {
	mu      sync.Mutex
	replies []*StatusReply
	keys    []string
	ch      chan *StatusReply
}

func newSink() *sink { return &sink{ch: make(chan *StatusReply, 16)} }

func (s *sink) handler(key string) Handler {
	return func(r *StatusReply) {
		s.mu.Lock()
		s.replies = append(s.replies, r)
		s.keys = append(s.keys, key)
		s.mu.Unlock()
		s.ch <- r
	}
}

func (s *sink) wait(t *testing.T) *StatusReply {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
		return nil
	}
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

func params(name string) map[string]any { return map[string]any{"name": name} }

var completed = &StatusReply{State: StatusCompleted}

// ── Transient lane ────────────────────────────────────

func TestTransient_RunsInSubmissionOrder(t *testing.T) {
	q, req, _ := newTestQueue(t)
	s := newSink()

	if _, err := q.AddTransient("A", params("A"), s.handler("A")); err != nil {
		t.Fatal(err)
	}
	a := req.next(t)
	if a.route != rpc.RouteRunSimulation || a.body["name"] != "A" {
		t.Fatalf("first request = %s %v", a.route, a.body)
	}

	b, _ := q.AddTransient("B", params("B"), s.handler("B"))
	c, _ := q.AddTransient("C", params("C"), s.handler("C"))
	req.none(t)
	if b.State() != Pending || c.State() != Pending {
		t.Fatalf("B=%s C=%s, want both pending", b.State(), c.State())
	}

	a.respond(completed)
	s.wait(t)
	nb := req.next(t)
	if nb.body["name"] != "B" {
		t.Fatalf("second request for %v, want B", nb.body["name"])
	}
	req.none(t)

	nb.respond(completed)
	s.wait(t)
	nc := req.next(t)
	if nc.body["name"] != "C" {
		t.Fatalf("third request for %v, want C", nc.body["name"])
	}
	nc.respond(completed)
	s.wait(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	if got := s.keys; len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Errorf("completion order = %v, want [A B C]", got)
	}
}

func TestTransient_OnlyTerminalReplyReachesHandler(t *testing.T) {
	q, req, _ := newTestQueue(t)
	s := newSink()

	q.AddTransient("A", params("A"), s.handler("A"))
	req.next(t).respond(&StatusReply{State: StatusRunning, PercentComplete: 50})
	req.next(t).respond(&StatusReply{State: StatusCompleted, PercentComplete: 100})

	if r := s.wait(t); r.State != StatusCompleted {
		t.Errorf("handler got %s, want completed", r.State)
	}
	if n := s.count(); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
}

func TestTransient_PendingDuplicateIsUpdatedInPlace(t *testing.T) {
	q, req, _ := newTestQueue(t)
	s := newSink()

	q.AddTransient("A", params("A"), s.handler("A"))
	a := req.next(t)

	first, _ := q.AddTransient("B", map[string]any{"v": 1}, s.handler("B"))
	second, _ := q.AddTransient("B", map[string]any{"v": 2}, s.handler("B"))
	if first != second {
		t.Fatal("duplicate pending transient was queued twice")
	}
	if n := q.Len(); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}

	a.respond(completed)
	b := req.next(t)
	if b.body["v"] != 2 {
		t.Errorf("B sent with %v, want latest params", b.body)
	}
	b.respond(completed)
	s.wait(t)
	s.wait(t)
	req.none(t)
}

// ── Cancel and remove ─────────────────────────────────

func TestCancel_PendingItemMakesNoNetworkCall(t *testing.T) {
	q, req, _ := newTestQueue(t)
	s := newSink()

	q.AddTransient("A", params("A"), s.handler("A"))
	a := req.next(t)
	b, _ := q.AddTransient("B", params("B"), s.handler("B"))

	if err := q.Cancel(context.Background(), b); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if b.State() != Canceled {
		t.Errorf("B state = %s, want canceled", b.State())
	}
	req.none(t)

	a.respond(completed)
	s.wait(t)
	req.none(t)
	if n := q.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestCancel_ProcessingItemCallsRunCancel(t *testing.T) {
	q, req, _ := newTestQueue(t)
	s := newSink()

	it, _ := q.AddPersistent("P", params("P"), s.handler("P"))
	first := req.next(t)

	errc := make(chan error, 1)
	go func() { errc <- q.Cancel(context.Background(), it) }()

	c := req.next(t)
	if c.route != rpc.RouteRunCancel || c.body["name"] != "P" {
		t.Fatalf("cancel request = %s %v", c.route, c.body)
	}
	c.respond(&StatusReply{State: StatusCanceled})
	if err := <-errc; err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if first.ctx.Err() == nil {
		t.Error("in-flight request was not aborted")
	}
	if it.State() != Canceled {
		t.Errorf("state = %s, want canceled", it.State())
	}
	req.none(t)
	if n := s.count(); n != 0 {
		t.Errorf("handler calls = %d, want 0", n)
	}
}

func TestCancel_WaitsForRunningHandler(t *testing.T) {
	q, req, _ := newTestQueue(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	it, _ := q.AddPersistent("P", params("P"), func(*StatusReply) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(entered)
			<-release
		}
	})
	req.next(t).respond(&StatusReply{State: StatusRunning})
	<-entered

	errc := make(chan error, 1)
	go func() { errc <- q.Cancel(context.Background(), it) }()

	select {
	case err := <-errc:
		t.Fatalf("Cancel returned while a handler was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	c := req.next(t)
	if c.route != rpc.RouteRunCancel {
		t.Fatalf("route = %s, want runCancel", c.route)
	}
	c.respond(&StatusReply{State: StatusCanceled})
	if err := <-errc; err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	req.none(t)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestRemove_WaitsForRunningHandler(t *testing.T) {
	q, req, _ := newTestQueue(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	it, _ := q.AddPersistent("P", params("P"), func(*StatusReply) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	req.next(t).respond(&StatusReply{State: StatusRunning})
	<-entered

	done := make(chan bool, 1)
	go func() { done <- q.Remove(it) }()
	select {
	case <-done:
		t.Fatal("Remove returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if live := <-done; !live {
		t.Error("Remove reported the item as already gone")
	}
	req.none(t)
}

func TestCancel_ActiveTransientStartsNext(t *testing.T) {
	q, req, _ := newTestQueue(t)
	s := newSink()

	a, _ := q.AddTransient("A", params("A"), s.handler("A"))
	req.next(t)
	q.AddTransient("B", params("B"), s.handler("B"))

	go func() { _ = q.Cancel(context.Background(), a) }()

	// B starts and A's cancel is sent; their order is not fixed.
	seen := map[string]*call{}
	for range 2 {
		c := req.next(t)
		seen[c.route] = c
	}
	if c := seen[rpc.RouteRunCancel]; c == nil || c.body["name"] != "A" {
		t.Fatalf("missing runCancel for A: %v", seen)
	}
	if c := seen[rpc.RouteRunSimulation]; c == nil || c.body["name"] != "B" {
		t.Fatalf("B did not start: %v", seen)
	}
	seen[rpc.RouteRunCancel].respond(&StatusReply{State: StatusCanceled})
	seen[rpc.RouteRunSimulation].respond(completed)
	if r := s.wait(t); r.State != StatusCompleted {
		t.Errorf("B finished with %s", r.State)
	}
}

func TestRemove_LateReplyIsDropped(t *testing.T) {
	q, req, _ := newTestQueue(t)
	s := newSink()

	it, _ := q.AddPersistent("P", params("P"), s.handler("P"))
	c := req.next(t)
	if !q.Remove(it) {
		t.Fatal("Remove reported item not live")
	}
	c.respond(completed)
	req.none(t)

	if n := s.count(); n != 0 {
		t.Errorf("handler calls = %d, want 0", n)
	}
	if it.State() != Removing {
		t.Errorf("state = %s, want removing", it.State())
	}
	if q.Remove(it) {
		t.Error("second Remove reported item live")
	}
}

// ── Persistent polling ────────────────────────────────

func TestPersistent_PollsWithServerDelayAndFloor(t *testing.T) {
	q, req, d := newTestQueue(t)
	s := newSink()

	q.AddPersistent("P", params("P"), s.handler("P"))

	c := req.next(t)
	if c.route != rpc.RouteRunSimulation {
		t.Fatalf("first route = %s", c.route)
	}
	c.respond(&StatusReply{
		State:              StatusPending,
		NextRequestSeconds: 0,
		NextRequest:        map[string]any{"computeJobHash": "h1"},
	})
	if r := s.wait(t); r.State != StatusPending {
		t.Errorf("interim = %s", r.State)
	}

	c = req.next(t)
	if c.route != rpc.RouteRunStatus || c.body["computeJobHash"] != "h1" {
		t.Fatalf("poll = %s %v, want runStatus with continuation", c.route, c.body)
	}
	c.respond(&StatusReply{State: StatusRunning, NextRequestSeconds: 2.5, PercentComplete: 40})
	s.wait(t)

	c = req.next(t)
	if c.body["computeJobHash"] != "h1" {
		t.Errorf("continuation not kept: %v", c.body)
	}
	c.respond(&StatusReply{State: StatusCompleted, FrameCount: 10})
	if r := s.wait(t); r.State != StatusCompleted || r.FrameCount != 10 {
		t.Errorf("terminal = %+v", r)
	}
	req.none(t)

	got := d.list()
	want := []time.Duration{time.Second, 2500 * time.Millisecond}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("poll delays = %v, want %v", got, want)
	}
}

func TestPersistent_CustomFloor(t *testing.T) {
	q, req, d := newTestQueue(t, WithMinPollInterval(5*time.Second))
	q.AddPersistent("P", nil, nil)
	req.next(t).respond(&StatusReply{State: StatusRunning, NextRequestSeconds: 2})
	req.next(t).respond(completed)
	req.none(t)

	if got := d.list(); len(got) != 1 || got[0] != 5*time.Second {
		t.Errorf("poll delays = %v, want [5s]", got)
	}
}

func TestPersistentStatusOnly_StartsWithRunStatus(t *testing.T) {
	q, req, _ := newTestQueue(t)
	it, _ := q.AddPersistentStatusOnly("P", params("P"), nil)
	if it.Mode() != PersistentStatus {
		t.Errorf("mode = %s", it.Mode())
	}
	c := req.next(t)
	if c.route != rpc.RouteRunStatus {
		t.Errorf("route = %s, want runStatus", c.route)
	}
	c.respond(&StatusReply{State: StatusMissing})
	req.none(t)
}

func TestPersistent_SameKeyReplaces(t *testing.T) {
	q, req, _ := newTestQueue(t)
	old := newSink()
	cur := newSink()

	first, _ := q.AddPersistent("P", params("old"), old.handler("P"))
	c1 := req.next(t)

	second, _ := q.AddPersistent("P", params("new"), cur.handler("P"))
	c2 := req.next(t)
	if c2.body["name"] != "new" {
		t.Fatalf("replacement sent %v", c2.body)
	}
	if c1.ctx.Err() == nil {
		t.Error("replaced item's request was not aborted")
	}
	if first.State() != Removing || second.State() != Processing {
		t.Errorf("states = %s, %s", first.State(), second.State())
	}
	if n := q.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	c2.respond(completed)
	cur.wait(t)
	req.none(t)
	if n := old.count(); n != 0 {
		t.Errorf("replaced handler calls = %d, want 0", n)
	}
}

func TestPersistent_RunsAlongsideTransient(t *testing.T) {
	q, req, _ := newTestQueue(t)
	q.AddTransient("T", params("T"), nil)
	q.AddPersistent("P1", params("P1"), nil)
	q.AddPersistent("P2", params("P2"), nil)

	names := map[any]bool{}
	for range 3 {
		names[req.next(t).body["name"]] = true
	}
	if !names["T"] || !names["P1"] || !names["P2"] {
		t.Errorf("started = %v, want T, P1 and P2", names)
	}
}

func TestRequestFailureBecomesErrorStatus(t *testing.T) {
	q, req, _ := newTestQueue(t)
	s := newSink()

	q.AddPersistent("P", nil, s.handler("P"))
	req.next(t).fail(&rpc.Failure{State: rpc.StateError, Message: "invalid energy", Code: rpc.CodeApplication})

	r := s.wait(t)
	if r.State != StatusError || r.Error != "invalid energy" {
		t.Errorf("reply = %+v", r)
	}
	req.none(t)
}

func TestReplyWithoutStateIsError(t *testing.T) {
	q, req, _ := newTestQueue(t)
	s := newSink()

	q.AddTransient("A", nil, s.handler("A"))
	req.next(t).respond(&StatusReply{})
	if r := s.wait(t); r.State != StatusError {
		t.Errorf("state = %s, want error", r.State)
	}
}

// ── Close ─────────────────────────────────────────────

func TestClose_StopsEverything(t *testing.T) {
	req := newFakeRequester()
	q := New(req, WithLogger(testLogger()))

	it, _ := q.AddPersistent("P", nil, nil)
	c := req.next(t)
	q.AddTransient("A", nil, nil)
	req.next(t)
	q.AddTransient("B", nil, nil)

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.ctx.Err() == nil {
		t.Error("in-flight request survived Close")
	}
	if it.State() != Removing {
		t.Errorf("state = %s, want removing", it.State())
	}
	if n := q.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
	req.none(t)

	if _, err := q.AddTransient("C", nil, nil); !errors.Is(err, simqueue.ErrQueueClosed) {
		t.Errorf("AddTransient after Close = %v, want ErrQueueClosed", err)
	}
	if _, err := q.AddPersistent("C", nil, nil); !errors.Is(err, simqueue.ErrQueueClosed) {
		t.Errorf("AddPersistent after Close = %v, want ErrQueueClosed", err)
	}
}

// ── Status and metrics ────────────────────────────────

func TestStatus_ActiveAndTerminal(t *testing.T) {
	tests := []struct {
		s        Status
		active   bool
		terminal bool
	}{
		{StatusPending, true, false},
		{StatusRunning, true, false},
		{StatusCompleted, false, true},
		{StatusError, false, true},
		{StatusCanceled, false, true},
		{StatusMissing, false, true},
		{StatusPurged, false, true},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := tt.s.Active(); got != tt.active {
			t.Errorf("%q.Active() = %v", tt.s, got)
		}
		if got := tt.s.Terminal(); got != tt.terminal {
			t.Errorf("%q.Terminal() = %v", tt.s, got)
		}
	}
}

func TestMetrics_CountsPollsAndCompletions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	q, req, _ := newTestQueue(t, WithMeter(mp.Meter("test")))
	s := newSink()
	q.AddPersistent("P", nil, s.handler("P"))
	req.next(t).respond(&StatusReply{State: StatusRunning})
	s.wait(t)
	req.next(t).respond(completed)
	s.wait(t)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	if totals["simqueue.queue.polls"] != 2 {
		t.Errorf("polls = %d, want 2", totals["simqueue.queue.polls"])
	}
	if totals["simqueue.queue.completed"] != 1 {
		t.Errorf("completed = %d, want 1", totals["simqueue.queue.completed"])
	}
}
