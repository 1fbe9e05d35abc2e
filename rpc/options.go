package rpc

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/simqueue/wire"
)

// Option configures a Client.
type Option func(*Client)

// WithRoutes adds or overrides logical route mappings.
func WithRoutes(routes Routes) Option {
	return func(c *Client) {
		for k, v := range routes {
			c.routes[k] = v
		}
	}
}

// WithCodec sets the body codec. Default is JSON.
func WithCodec(codec wire.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithNotifier sets where default error handling sends user-visible alerts.
func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithRedirector sets the handler for known structured exceptions.
func WithRedirector(r Redirector) Option {
	return func(c *Client) { c.redirector = r }
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// RequestOption configures a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	errorHandler ErrorHandler
	attachments  []wire.Attachment
	timeout      time.Duration
}

// WithErrorHandler routes failures of this request to h instead of the
// default alert/redirect handling.
func WithErrorHandler(h ErrorHandler) RequestOption {
	return func(o *requestOptions) { o.errorHandler = h }
}

// WithAttachment sends data as a binary segment the server recombines
// with the body under field.
func WithAttachment(field, filename string, data []byte) RequestOption {
	return func(o *requestOptions) {
		o.attachments = append(o.attachments, wire.Attachment{Field: field, Filename: filename, Data: data})
	}
}

// WithTimeout overrides the sender's request timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}
