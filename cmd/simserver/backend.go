package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/simqueue/jobqueue"
	"github.com/xraph/simqueue/server"
)

// totalFrames is how many frames a finished demo job reports.
const totalFrames = 100

// job is one simulated computation.
type job struct {
	key      string
	hash     string
	params   map[string]any
	started  time.Time
	canceled bool
}

// backend fakes the job endpoints. Progress is a function of wall time.
type backend struct {
	duration time.Duration
	poll     time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	seq    int
	byKey  map[string]*job
	byHash map[string]*job
}

func newBackend(duration, poll time.Duration, logger *slog.Logger) *backend {
	return &backend{
		duration: duration,
		poll:     poll,
		logger:   logger,
		now:      time.Now,
		byKey:    make(map[string]*job),
		byHash:   make(map[string]*job),
	}
}

func (b *backend) register(srv *server.Server) {
	srv.Handle("/run-simulation", b.runSimulation)
	srv.Handle("/run-status", b.runStatus)
	srv.Handle("/run-cancel", b.runCancel)
}

func (b *backend) runSimulation(_ context.Context, req *server.Request) (any, error) {
	var in map[string]any
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	key, _ := in["jobKey"].(string)
	if key == "" {
		return nil, &server.Exception{RouteName: "badRequest", Params: map[string]any{"field": "jobKey"}}
	}
	force, _ := in["forceRun"].(bool)

	b.mu.Lock()
	defer b.mu.Unlock()
	j := b.byKey[key]
	if j == nil || force {
		b.seq++
		j = &job{
			key:     key,
			hash:    fmt.Sprintf("%s-%d", key, b.seq),
			params:  in,
			started: b.now(),
		}
		b.byKey[key] = j
		b.byHash[j.hash] = j
		b.logger.Info("job started", slog.String("job_key", key), slog.String("hash", j.hash))
	}
	return b.statusLocked(j), nil
}

func (b *backend) runStatus(_ context.Context, req *server.Request) (any, error) {
	var in map[string]any
	if err := req.Decode(&in); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	j := b.lookupLocked(in)
	if j == nil {
		return &jobqueue.StatusReply{State: jobqueue.StatusMissing}, nil
	}
	return b.statusLocked(j), nil
}

func (b *backend) runCancel(_ context.Context, req *server.Request) (any, error) {
	var in map[string]any
	if err := req.Decode(&in); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	j := b.lookupLocked(in)
	if j == nil {
		return &jobqueue.StatusReply{State: jobqueue.StatusMissing}, nil
	}
	if b.statusLocked(j).State.Active() {
		j.canceled = true
		b.logger.Info("job canceled", slog.String("job_key", j.key))
	}
	return b.statusLocked(j), nil
}

func (b *backend) lookupLocked(in map[string]any) *job {
	if hash, _ := in["computeJobHash"].(string); hash != "" {
		return b.byHash[hash]
	}
	key, _ := in["jobKey"].(string)
	return b.byKey[key]
}

func (b *backend) statusLocked(j *job) *jobqueue.StatusReply {
	elapsed := b.now().Sub(j.started)
	r := &jobqueue.StatusReply{ElapsedTime: elapsed.Seconds()}
	switch {
	case j.canceled:
		r.State = jobqueue.StatusCanceled
	case j.params["fail"] == true && elapsed >= b.duration/2:
		r.State = jobqueue.StatusError
		r.Error = "solver diverged"
	case elapsed >= b.duration:
		r.State = jobqueue.StatusCompleted
		r.PercentComplete = 100
		r.FrameCount = totalFrames
		r.ElapsedTime = b.duration.Seconds()
	case elapsed < b.poll:
		r.State = jobqueue.StatusPending
	default:
		pct := float64(elapsed) / float64(b.duration) * 100
		r.State = jobqueue.StatusRunning
		r.PercentComplete = pct
		r.FrameCount = int(pct) * totalFrames / 100
	}
	if r.State.Active() {
		r.NextRequestSeconds = b.poll.Seconds()
		r.NextRequest = map[string]any{"computeJobHash": j.hash}
	}
	return r
}
