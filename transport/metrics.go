package transport

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for transport metrics.
const meterName = "github.com/xraph/simqueue/transport"

// metrics holds the transport instruments. On creation error the OTel API
// returns noop instruments, so failures are ignored.
type metrics struct {
	requests       metric.Int64Counter
	timeouts       metric.Int64Counter
	reconnects     metric.Int64Counter
	protocolErrors metric.Int64Counter
}

func defaultMetrics() *metrics {
	return newMetrics(otel.Meter(meterName))
}

func newMetrics(meter metric.Meter) *metrics {
	requests, _ := meter.Int64Counter(
		"simqueue.transport.requests",
		metric.WithDescription("Requests sent over the multiplexed connection"),
		metric.WithUnit("{request}"),
	)
	timeouts, _ := meter.Int64Counter(
		"simqueue.transport.timeouts",
		metric.WithDescription("Requests rejected locally after their timeout"),
		metric.WithUnit("{request}"),
	)
	reconnects, _ := meter.Int64Counter(
		"simqueue.transport.reconnects",
		metric.WithDescription("Reconnect attempts scheduled after a failure"),
		metric.WithUnit("{attempt}"),
	)
	protocolErrors, _ := meter.Int64Counter(
		"simqueue.transport.protocol_errors",
		metric.WithDescription("Inbound frames rejected as protocol errors"),
		metric.WithUnit("{frame}"),
	)
	return &metrics{
		requests:       requests,
		timeouts:       timeouts,
		reconnects:     reconnects,
		protocolErrors: protocolErrors,
	}
}
