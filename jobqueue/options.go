package jobqueue

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithMinPollInterval sets the floor applied to server-requested poll
// delays. Default is one second; non-positive values are ignored.
func WithMinPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.minPoll = d
		}
	}
}

// WithPollRate caps the rate of requests across all items.
func WithPollRate(r rate.Limit, burst int) Option {
	return func(q *Queue) { q.limiter = rate.NewLimiter(r, burst) }
}

// WithMeter sets the OpenTelemetry meter for queue instruments.
func WithMeter(m metric.Meter) Option {
	return func(q *Queue) { q.metrics = newMetrics(m) }
}
