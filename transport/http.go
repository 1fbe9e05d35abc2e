package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/xraph/simqueue"
)

// HTTP is the plain request/response fallback for environments where a
// persistent connection is unavailable. It has the same Send signature as
// Transport, so callers switch between the two transparently. It has no
// async notifications and no reconnect: a failed POST is returned as is.
type HTTP struct {
	baseURL string
	client  *http.Client
	header  func() http.Header
	timeout time.Duration
	logger  *slog.Logger
}

// HTTPOption configures an HTTP sender.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the underlying client (cookie jar, TLS, proxies).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithHTTPHeader sets a function returning extra headers for every POST.
func WithHTTPHeader(fn func() http.Header) HTTPOption {
	return func(h *HTTP) { h.header = fn }
}

// WithHTTPTimeout sets the default per-request timeout.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) { h.timeout = d }
}

// WithHTTPLogger sets the structured logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTP) { h.logger = logger }
}

// NewHTTP creates a fallback sender posting to baseURL + route.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		timeout: simqueue.DefaultConfig().RequestTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send POSTs payload to route. With attachments the body is
// multipart/form-data: the payload in part "payload", its encoding in
// part "contentType" and one file part per attachment, named by its field.
func (h *HTTP) Send(ctx context.Context, route string, payload []byte, opts ...SendOption) (*Reply, error) {
	o := applySendOptions(h.timeout, opts)
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	body, contentType, err := h.encodeBody(payload, o)
	if err != nil {
		return nil, err
	}

	url := h.baseURL + "/" + strings.TrimLeft(route, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("simqueue/transport: build request: %w", err)
	}
	if h.header != nil {
		for k, vs := range h.header() {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && o.Timeout > 0 {
			return nil, fmt.Errorf("%w: %s after %s", simqueue.ErrTimeout, route, o.Timeout)
		}
		return nil, fmt.Errorf("simqueue/transport: post %s: %w", route, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("simqueue/transport: read %s: %w", route, err)
	}

	ct := resp.Header.Get("Content-Type")
	if mt, _, perr := mime.ParseMediaType(ct); perr == nil {
		ct = mt
	}

	h.logger.Debug("http reply",
		slog.String("route", route),
		slog.Int("status", resp.StatusCode),
	)
	return &Reply{
		Status:      resp.StatusCode,
		ContentType: ct,
		Payload:     data,
	}, nil
}

func (h *HTTP) encodeBody(payload []byte, o SendOptions) (io.Reader, string, error) {
	if len(o.Attachments) == 0 {
		return bytes.NewReader(payload), o.ContentType, nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormField("payload")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}
	if o.ContentType != "" {
		if err := mw.WriteField("contentType", o.ContentType); err != nil {
			return nil, "", err
		}
	}
	for _, a := range o.Attachments {
		fw, err := mw.CreateFormFile(a.Field, a.Filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(a.Data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
