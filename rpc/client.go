// Package rpc builds logical requests (route, parameters, optional binary
// attachments), hands them to a Sender and normalizes every failure shape
// into a single *Failure.
//
// A Sender is either a multiplexing *transport.Transport or the plain
// *transport.HTTP fallback; the client does not care which.
//
// Usage:
//
//	c := rpc.New(tr, rpc.WithRedirector(myRedirector))
//
//	var status jobqueue.StatusReply
//	err := c.Call(ctx, rpc.RouteRunStatus, req, &status)
//	var f *rpc.Failure
//	if errors.As(err, &f) && f.Code == rpc.CodeTimeout {
//	    // server unreachable, not a rejection
//	}
package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/simqueue"
	"github.com/xraph/simqueue/transport"
	"github.com/xraph/simqueue/wire"
)

// tracerName is the instrumentation scope name for request tracing.
const tracerName = "github.com/xraph/simqueue/rpc"

// Sender delivers one request and returns its reply.
type Sender interface {
	Send(ctx context.Context, route string, payload []byte, opts ...transport.SendOption) (*transport.Reply, error)
}

// Compile-time interface checks.
var (
	_ Sender = (*transport.Transport)(nil)
	_ Sender = (*transport.HTTP)(nil)
)

// ErrorHandler receives a normalized failure.
type ErrorHandler func(*Failure)

// Notifier shows a single dismissible alert to the user.
type Notifier interface {
	Alert(message string)
}

// Redirector performs the client-side redirect a structured exception
// asks for (sign-in page, reload after upgrade, …).
type Redirector interface {
	Redirect(exc *Exception)
}

// Response is a successful reply.
type Response struct {
	Status      int
	ContentType string
	Body        []byte

	codec wire.Codec
}

// Decode unmarshals the body into v with the codec matching the reply.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return r.codec.Unmarshal(r.Body, v)
}

// Client issues requests over a Sender.
type Client struct {
	sender     Sender
	routes     Routes
	codec      wire.Codec
	logger     *slog.Logger
	notifier   Notifier
	redirector Redirector
	tracer     trace.Tracer
}

// New creates a request client.
func New(sender Sender, opts ...Option) *Client {
	c := &Client{
		sender: sender,
		routes: DefaultRoutes(),
		codec:  &wire.JSONCodec{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = &logNotifier{logger: c.logger}
	}
	if c.redirector == nil {
		c.redirector = &logRedirector{logger: c.logger}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// Call sends in to route and decodes a successful reply into out (which
// may be nil). Failures are *Failure.
func (c *Client) Call(ctx context.Context, route string, in, out any, opts ...RequestOption) error {
	resp, err := c.Request(ctx, route, in, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		f := errorFailure(route, CodeMalformed, resp.Status, "unable to parse server response", err)
		c.handleFailure(f, requestOptionsFrom(opts).errorHandler)
		return f
	}
	return nil
}

// Request sends data to route. On failure the error is a *Failure and has
// already been passed to the request's ErrorHandler, or to the default
// alert/redirect handling when none was given.
func (c *Client) Request(ctx context.Context, route string, data any, opts ...RequestOption) (*Response, error) {
	ro := requestOptionsFrom(opts)
	path := c.routes.Resolve(route)

	ctx, span := c.tracer.Start(ctx, "simqueue.rpc.request",
		trace.WithAttributes(
			attribute.String("simqueue.route", route),
			attribute.String("simqueue.path", path),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	resp, f := c.do(ctx, route, path, data, ro)
	if f != nil {
		span.RecordError(f)
		span.SetStatus(codes.Error, f.Message)
		span.SetAttributes(attribute.String("simqueue.failure_code", string(f.Code)))
		if f.Code != CodeCanceled {
			c.handleFailure(f, ro.errorHandler)
		}
		return nil, f
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (c *Client) do(ctx context.Context, route, path string, data any, ro requestOptions) (*Response, *Failure) {
	body, attachments := splitAttachments(data)
	attachments = append(attachments, ro.attachments...)

	var payload []byte
	if body != nil {
		var err error
		payload, err = c.codec.Marshal(body)
		if err != nil {
			return nil, errorFailure(route, CodeApplication, 0, "unable to encode request: "+err.Error(), err)
		}
	}

	sendOpts := []transport.SendOption{transport.WithContentType(c.codec.ContentType())}
	if len(attachments) > 0 {
		sendOpts = append(sendOpts, transport.WithAttachments(attachments...))
	}
	if ro.timeout > 0 {
		sendOpts = append(sendOpts, transport.WithTimeout(ro.timeout))
	}

	reply, err := c.sender.Send(ctx, path, payload, sendOpts...)
	if err != nil {
		return nil, c.fromSendError(route, err)
	}
	return c.inspect(route, reply)
}

// fromSendError normalizes errors returned by the Sender.
func (c *Client) fromSendError(route string, err error) *Failure {
	var exc *transport.ExceptionError
	switch {
	case errors.As(err, &exc):
		var e Exception
		codec := wire.CodecFor(exc.ContentType, c.codec)
		if uerr := codec.Unmarshal(exc.Payload, &e); uerr != nil || e.RouteName == "" {
			return errorFailure(route, CodeMalformed, 0, "unreadable server exception", err)
		}
		return exceptionFailure(route, &e, 0)
	case errors.Is(err, context.Canceled):
		return errorFailure(route, CodeCanceled, 0, "request canceled", err)
	case errors.Is(err, simqueue.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errorFailure(route, CodeTimeout, 0, "request timed out", err)
	case errors.Is(err, simqueue.ErrProtocol):
		return errorFailure(route, CodeProtocol, 0, "protocol error", err)
	default:
		return errorFailure(route, CodeTransport, 0, err.Error(), err)
	}
}

// envelope is the part of a reply body that signals errors.
type envelope struct {
	State       string     `json:"state"`
	Error       string     `json:"error"`
	SRException *Exception `json:"srException"`
}

// inspect turns a reply into a Response or a Failure. A body can be an
// error envelope even with a 2xx status, and an HTML page (typically a
// sign-in page served in place of data) is never treated as data.
func (c *Client) inspect(route string, reply *transport.Reply) (*Response, *Failure) {
	codec := wire.CodecFor(reply.ContentType, c.codec)
	body := reply.Payload

	if looksLikeHTML(reply.ContentType, codec, body) {
		return nil, errorFailure(route, CodeMalformed, reply.Status, "server returned an HTML page instead of data", nil)
	}

	var env envelope
	decoded := false
	if len(body) > 0 {
		var generic any
		if err := codec.Unmarshal(body, &generic); err != nil {
			if reply.Status < 200 || reply.Status > 299 {
				return nil, statusFailure(route, reply.Status, "")
			}
			return nil, errorFailure(route, CodeMalformed, reply.Status, "unable to parse server response", err)
		}
		if _, ok := generic.(map[string]any); ok {
			decoded = codec.Unmarshal(body, &env) == nil
		}
	}

	if decoded {
		switch {
		case env.State == StateException && env.SRException != nil:
			return nil, exceptionFailure(route, env.SRException, reply.Status)
		case env.State == StateError:
			if reply.Status < 200 || reply.Status > 299 {
				return nil, statusFailure(route, reply.Status, env.Error)
			}
			msg := env.Error
			if msg == "" {
				msg = "unknown error"
			}
			return nil, errorFailure(route, CodeApplication, reply.Status, msg, nil)
		}
	}

	if reply.Status < 200 || reply.Status > 299 {
		return nil, statusFailure(route, reply.Status, env.Error)
	}

	return &Response{
		Status:      reply.Status,
		ContentType: reply.ContentType,
		Body:        body,
		codec:       codec,
	}, nil
}

func statusFailure(route string, status int, msg string) *Failure {
	if msg == "" {
		msg = fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return errorFailure(route, CodeHTTPStatus, status, msg, nil)
}

func looksLikeHTML(contentType string, codec wire.Codec, body []byte) bool {
	if strings.HasPrefix(contentType, "text/html") {
		return true
	}
	if codec.Name() != wire.CodecNameJSON {
		return false
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// handleFailure routes f to h, or to the default handling: known
// exceptions redirect, everything else raises one alert.
func (c *Client) handleFailure(f *Failure, h ErrorHandler) {
	c.logger.Warn("request failed",
		slog.String("route", f.Route),
		slog.String("code", string(f.Code)),
		slog.String("error", f.Message),
	)
	if h != nil {
		h(f)
		return
	}
	if f.IsException() {
		if _, known := exceptionMessages[f.Exception.RouteName]; known {
			c.redirector.Redirect(f.Exception)
			return
		}
	}
	c.notifier.Alert(f.Message)
}

// splitAttachments pulls wire.Attachment values out of a map body so
// they travel as binary segments, keyed by their map field.
func splitAttachments(data any) (any, []wire.Attachment) {
	m, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}
	var atts []wire.Attachment
	var body map[string]any
	for _, k := range slices.Sorted(maps.Keys(m)) {
		a, ok := m[k].(wire.Attachment)
		if !ok {
			continue
		}
		if body == nil {
			body = maps.Clone(m)
		}
		if a.Field == "" {
			a.Field = k
		}
		atts = append(atts, a)
		delete(body, k)
	}
	if body == nil {
		return data, nil
	}
	return body, atts
}

func requestOptionsFrom(opts []RequestOption) requestOptions {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return ro
}

type logNotifier struct{ logger *slog.Logger }

func (n *logNotifier) Alert(message string) {
	n.logger.Error("alert", slog.String("message", message))
}

type logRedirector struct{ logger *slog.Logger }

func (r *logRedirector) Redirect(exc *Exception) {
	r.logger.Error("redirect requested", slog.String("route_name", exc.RouteName))
}
