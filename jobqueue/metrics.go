package jobqueue

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/xraph/simqueue/jobqueue"

type metrics struct {
	polls     metric.Int64Counter
	completed metric.Int64Counter
}

func defaultMetrics() *metrics {
	return newMetrics(otel.Meter(meterName))
}

func newMetrics(meter metric.Meter) *metrics {
	polls, _ := meter.Int64Counter(
		"simqueue.queue.polls",
		metric.WithDescription("Job requests issued by the queue"),
		metric.WithUnit("{request}"),
	)
	completed, _ := meter.Int64Counter(
		"simqueue.queue.completed",
		metric.WithDescription("Items that reached a terminal status"),
		metric.WithUnit("{item}"),
	)
	return &metrics{polls: polls, completed: completed}
}
