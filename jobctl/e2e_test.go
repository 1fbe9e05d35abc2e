package jobctl_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/simqueue/backoff"
	"github.com/xraph/simqueue/jobctl"
	"github.com/xraph/simqueue/jobqueue"
	"github.com/xraph/simqueue/rpc"
	"github.com/xraph/simqueue/server"
	"github.com/xraph/simqueue/transport"
)

// stack wires a controller to a real server over a WebSocket.
func stack(t *testing.T, srv *server.Server, o *observer) *jobctl.Controller {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	tr := transport.New(transport.WebSocketDialer(url, nil),
		transport.WithLogger(testLogger()),
		transport.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	client := rpc.New(tr, rpc.WithLogger(testLogger()))
	q := jobqueue.New(client,
		jobqueue.WithLogger(testLogger()),
		jobqueue.WithMinPollInterval(20*time.Millisecond),
	)
	t.Cleanup(func() {
		_ = q.Close()
		_ = tr.Close()
		ts.Close()
	})
	return jobctl.New(q, "heatmap", o.options()...)
}

func TestEndToEnd_RunningThenCompleted(t *testing.T) {
	srv := server.New(server.WithLogger(testLogger()))

	var mu sync.Mutex
	var polls []time.Time
	srv.Handle("/run-simulation", func(_ context.Context, req *server.Request) (any, error) {
		var in map[string]any
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		mu.Lock()
		polls = append(polls, time.Now())
		mu.Unlock()
		return map[string]any{
			"state":              "running",
			"nextRequestSeconds": 2,
			"nextRequest":        map[string]any{"computeJobHash": "h-" + in["jobKey"].(string)},
		}, nil
	})
	var statusBody map[string]any
	srv.Handle("/run-status", func(_ context.Context, req *server.Request) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		polls = append(polls, time.Now())
		_ = req.Decode(&statusBody)
		return map[string]any{"state": "completed", "frameCount": 10}, nil
	})

	o := newObserver()
	c := stack(t, srv, o)
	if err := c.RunSimulation(map[string]any{"energy": 7}); err != nil {
		t.Fatalf("RunSimulation: %v", err)
	}

	final := o.waitTerminal(t)
	if final.Status != jobqueue.StatusCompleted || final.FrameCount != 10 {
		t.Errorf("final = %+v", final)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(polls) != 2 {
		t.Fatalf("requests = %d, want 2", len(polls))
	}
	if gap := polls[1].Sub(polls[0]); gap < 1900*time.Millisecond {
		t.Errorf("poll gap = %v, want ~2s", gap)
	}
	if statusBody["computeJobHash"] != "h-heatmap" {
		t.Errorf("poll body = %v, want continuation", statusBody)
	}

	time.Sleep(50 * time.Millisecond)
	if n := o.terminalCount(); n != 1 {
		t.Errorf("terminal callbacks = %d, want 1", n)
	}
	if s := c.State(); s.FrameCount != 10 {
		t.Errorf("frames settled at %d, want 10", s.FrameCount)
	}
}

func TestEndToEnd_ConnectionDropMidPoll(t *testing.T) {
	srv := server.New(server.WithLogger(testLogger()))
	srv.Handle("/run-simulation", func(context.Context, *server.Request) (any, error) {
		return map[string]any{"state": "pending", "nextRequestSeconds": 0}, nil
	})

	var statusCalls atomic.Int32
	srv.Handle("/run-status", func(context.Context, *server.Request) (any, error) {
		switch statusCalls.Add(1) {
		case 1:
			// The reply to this poll is lost with the connection.
			srv.DropConnections()
			return map[string]any{"state": "running", "frameCount": 3}, nil
		default:
			return map[string]any{"state": "completed", "frameCount": 7}, nil
		}
	})

	o := newObserver()
	c := stack(t, srv, o)
	if err := c.RunSimulation(nil); err != nil {
		t.Fatalf("RunSimulation: %v", err)
	}

	final := o.waitTerminal(t)
	if final.Status != jobqueue.StatusCompleted || final.FrameCount != 7 {
		t.Errorf("final = %+v", final)
	}
	if o.sawStatus(jobqueue.StatusError) {
		t.Error("connection drop surfaced as an error status")
	}
	if n := statusCalls.Load(); n < 2 {
		t.Errorf("status calls = %d, want the poll to be retried", n)
	}

	time.Sleep(50 * time.Millisecond)
	if n := o.terminalCount(); n != 1 {
		t.Errorf("terminal callbacks = %d, want 1", n)
	}
}
