package transport

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/simqueue/backoff"
	"github.com/xraph/simqueue/wire"
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithBackoff sets the reconnect delay strategy.
// Default is backoff.DefaultReconnect (1s doubling to 60s).
func WithBackoff(s backoff.Strategy) Option {
	return func(t *Transport) { t.backoff = s }
}

// WithRequestTimeout sets the default per-request timeout. Zero disables
// it; individual sends may override with WithTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// WithProtocolVersion overrides the expected header version.
func WithProtocolVersion(v uint) Option {
	return func(t *Transport) { t.version = v }
}

// WithSession enables the session drift check against src.
func WithSession(src SessionSource) Option {
	return func(t *Transport) { t.session = src }
}

// WithSessionDriftHandler sets the hook invoked once when the session
// snapshot changes underneath the connection. The transport is shut down
// right after the hook returns.
func WithSessionDriftHandler(fn func(error)) Option {
	return func(t *Transport) { t.onDrift = fn }
}

// WithMeter sets the OpenTelemetry meter for transport instruments.
func WithMeter(m metric.Meter) Option {
	return func(t *Transport) { t.metrics = newMetrics(m) }
}

// SendOptions holds per-request settings.
type SendOptions struct {
	// Timeout rejects the request locally if no reply arrives in time.
	Timeout time.Duration

	// ContentType describes the payload encoding.
	ContentType string

	// Attachments are sent as trailing binary segments.
	Attachments []wire.Attachment
}

// SendOption configures a single Send.
type SendOption func(*SendOptions)

// WithTimeout overrides the transport's default request timeout.
func WithTimeout(d time.Duration) SendOption {
	return func(o *SendOptions) { o.Timeout = d }
}

// WithContentType records the payload encoding in the frame header.
func WithContentType(ct string) SendOption {
	return func(o *SendOptions) { o.ContentType = ct }
}

// WithAttachments appends binary segments to the frame.
func WithAttachments(a ...wire.Attachment) SendOption {
	return func(o *SendOptions) { o.Attachments = append(o.Attachments, a...) }
}

func applySendOptions(def time.Duration, opts []SendOption) SendOptions {
	o := SendOptions{Timeout: def}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
