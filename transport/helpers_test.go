package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/simqueue/wire"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withAfter replaces the backoff timer so reconnect tests run instantly.
func withAfter(fn func(time.Duration) <-chan time.Time) Option {
	return func(t *Transport) { t.after = fn }
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// pipeConn is an in-memory Conn. The test plays the server through
// toClient and fromClient.
type pipeConn struct {
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	once       sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case d := <-p.toClient:
		return d, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	p.fromClient <- data
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// next returns the next frame the client wrote.
func (p *pipeConn) next(t *testing.T) *wire.Frame {
	t.Helper()
	select {
	case data := <-p.fromClient:
		f, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode client frame: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

// push encodes f and delivers it to the client.
func (p *pipeConn) push(t *testing.T, f *wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	if err != nil {
		t.Fatalf("encode server frame: %v", err)
	}
	p.toClient <- data
}

func (p *pipeConn) reply(t *testing.T, id uint64, payload string) {
	t.Helper()
	p.push(t, wire.NewReply(id, 200, "application/json", []byte(payload)))
}

// chanDialer hands out the connections fed to it, one per Dial.
type chanDialer struct {
	conns chan *pipeConn
}

func newChanDialer() *chanDialer {
	return &chanDialer{conns: make(chan *pipeConn, 4)}
}

func (d *chanDialer) Dial(ctx context.Context) (Conn, error) {
	select {
	case c := <-d.conns:
		if c == nil {
			return nil, errors.New("dial refused")
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (t *Transport) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

type sendResult struct {
	reply *Reply
	err   error
}

func sendAsync(tr *Transport, route, payload string, opts ...SendOption) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		r, err := tr.Send(context.Background(), route, []byte(payload), opts...)
		ch <- sendResult{r, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Send to return")
		return sendResult{}
	}
}
