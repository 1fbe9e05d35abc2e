// Package server is a minimal peer for the simqueue protocol. It serves
// the same handlers over a multiplexed WebSocket endpoint and over plain
// HTTP POSTs, and can push async notifications to every live socket.
//
// Usage:
//
//	srv := server.New()
//	srv.Handle("/run-status", func(ctx context.Context, req *server.Request) (any, error) {
//	    var in map[string]any
//	    if err := req.Decode(&in); err != nil {
//	        return nil, err
//	    }
//	    return map[string]any{"state": "running", "nextRequestSeconds": 2}, nil
//	})
//	http.ListenAndServe(":8080", srv.Handler())
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/simqueue/wire"
)

// maxBodyBytes caps HTTP request bodies and multipart forms.
const maxBodyBytes = 32 << 20

// HandlerFunc serves one request. The returned value is encoded with the
// request's codec. Returning an *Exception sends a structured exception;
// any other error becomes a 500 error envelope.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Request is one decoded request.
type Request struct {
	Route       string
	ContentType string
	Body        []byte
	Attachments []wire.Attachment
	Identity    *Identity

	codec wire.Codec
}

// Decode unmarshals the body into v.
func (r *Request) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return r.codec.Unmarshal(r.Body, v)
}

// Attachment returns the binary segment sent under field.
func (r *Request) Attachment(field string) (wire.Attachment, bool) {
	for _, a := range r.Attachments {
		if a.Field == field {
			return a, true
		}
	}
	return wire.Attachment{}, false
}

// Exception is a structured, server-signaled condition. RouteName tells
// the client where to send the user.
type Exception struct {
	RouteName string         `json:"routeName"`
	Params    map[string]any `json:"params,omitempty"`
}

func (e *Exception) Error() string {
	return "simqueue/server: exception " + e.RouteName
}

// Server dispatches requests to handlers by route.
type Server struct {
	auth    Authenticator
	codec   wire.Codec
	logger  *slog.Logger
	version uint
	conns   *ConnectionManager

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates a server with no routes.
func New(opts ...Option) *Server {
	s := &Server{
		codec:    &wire.JSONCodec{},
		logger:   slog.Default(),
		version:  wire.ProtocolVersion,
		conns:    NewConnectionManager(),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// Handle registers h for route. A later registration replaces an
// earlier one.
func (s *Server) Handle(route string, h HandlerFunc) {
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	s.mu.Lock()
	s.handlers[route] = h
	s.mu.Unlock()
}

// Connections returns the live WebSocket connections.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Handler returns the HTTP handler serving GET /ws (WebSocket) and
// POST /rpc/<route> (plain request/response).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /rpc/", s.handleHTTPRPC)
	return mux
}

// Push sends an async notification to every live connection.
func (s *Server) Push(method string, content any) error {
	payload, err := s.codec.Marshal(content)
	if err != nil {
		return fmt.Errorf("simqueue/server: marshal push: %w", err)
	}
	f := wire.NewAsync(method, s.codec.ContentType(), payload)
	f.Header.Version = s.version
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range s.conns.All() {
		if err := c.write(data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// DropConnections closes every live WebSocket and returns how many were
// closed. Clients see an abrupt connection loss.
func (s *Server) DropConnections() int {
	all := s.conns.All()
	for _, c := range all {
		_ = c.close()
	}
	if len(all) > 0 {
		s.logger.Info("dropped connections", slog.Int("count", len(all)))
	}
	return len(all)
}

// ── WebSocket ─────────────────────────────────────────

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newConnection(conn, identity)
	s.conns.Add(c)
	s.logger.Info("websocket connected",
		slog.String("conn_id", c.ID),
		slog.String("subject", identity.Subject),
	)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		s.conns.Remove(c.ID)
		_ = c.close()
		cancel()
		wg.Wait()
		s.logger.Info("websocket disconnected", slog.String("conn_id", c.ID))
	}()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpBinary && op != ws.OpText {
			continue
		}
		// Requests run concurrently; replies may go out in any order.
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveFrame(ctx, c, data)
		}()
	}
}

func (s *Server) serveFrame(ctx context.Context, c *Connection, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame",
			slog.String("conn_id", c.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	h := f.Header

	var out *wire.Frame
	switch err := wire.Validate(h, s.version); {
	case err != nil:
		s.logger.Warn("rejecting frame",
			slog.String("conn_id", c.ID),
			slog.Uint64("id", h.CorrelationID),
			slog.String("error", err.Error()),
		)
		if h.CorrelationID == 0 {
			return
		}
		res := s.errorResult(s.codec, http.StatusBadRequest, err.Error())
		out = wire.NewReply(h.CorrelationID, res.status, res.contentType, res.payload)
	case h.Kind != wire.KindRequest:
		s.logger.Warn("ignoring non-request frame",
			slog.String("conn_id", c.ID),
			slog.String("kind", string(h.Kind)),
		)
		return
	default:
		codec := wire.CodecFor(h.ContentType, s.codec)
		res := s.invoke(ctx, &Request{
			Route:       h.Route,
			ContentType: h.ContentType,
			Body:        f.Payload,
			Attachments: f.Attachments,
			Identity:    c.Identity,
			codec:       codec,
		})
		if res.exc != nil {
			payload, err := codec.Marshal(res.exc)
			if err != nil {
				return
			}
			out = wire.NewException(h.CorrelationID, codec.ContentType(), payload)
		} else {
			out = wire.NewReply(h.CorrelationID, res.status, res.contentType, res.payload)
		}
	}

	out.Header.Version = s.version
	frame, err := wire.Encode(out)
	if err != nil {
		s.logger.Error("encode reply", slog.String("error", err.Error()))
		return
	}
	if err := c.write(frame); err != nil {
		s.logger.Debug("reply not delivered",
			slog.String("conn_id", c.ID),
			slog.Uint64("id", h.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}

// ── HTTP RPC ──────────────────────────────────────────

func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeHTTP(w, s.errorResult(s.codec, http.StatusUnauthorized, "unauthorized"))
		return
	}

	req := &Request{
		Route:    "/" + strings.TrimPrefix(r.URL.Path, "/rpc/"),
		Identity: identity,
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		if err := s.readMultipart(r, req); err != nil {
			s.writeHTTP(w, s.errorResult(s.codec, http.StatusBadRequest, err.Error()))
			return
		}
	} else {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.writeHTTP(w, s.errorResult(s.codec, http.StatusBadRequest, err.Error()))
			return
		}
		req.Body = body
		req.ContentType = mt
	}
	req.codec = wire.CodecFor(req.ContentType, s.codec)

	res := s.invoke(r.Context(), req)
	if res.exc != nil {
		// Without an exception frame the exception rides in the body.
		payload, err := req.codec.Marshal(map[string]any{
			"state":       "srException",
			"srException": res.exc,
		})
		if err != nil {
			res = s.errorResult(req.codec, http.StatusInternalServerError, err.Error())
		} else {
			res = result{status: http.StatusOK, contentType: req.codec.ContentType(), payload: payload}
		}
	}
	s.writeHTTP(w, res)
}

func (s *Server) readMultipart(r *http.Request, req *Request) error {
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		return fmt.Errorf("invalid multipart body: %w", err)
	}
	req.Body = []byte(r.FormValue("payload"))
	req.ContentType = r.FormValue("contentType")

	files := r.MultipartForm.File
	for _, field := range slices.Sorted(maps.Keys(files)) {
		for _, fh := range files[field] {
			f, err := fh.Open()
			if err != nil {
				return err
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			req.Attachments = append(req.Attachments, wire.Attachment{
				Field:    field,
				Filename: fh.Filename,
				Data:     data,
			})
		}
	}
	return nil
}

func (s *Server) writeHTTP(w http.ResponseWriter, res result) {
	w.Header().Set("Content-Type", res.contentType)
	w.WriteHeader(res.status)
	_, _ = w.Write(res.payload)
}

// ── Dispatch ──────────────────────────────────────────

type result struct {
	status      int
	contentType string
	payload     []byte
	exc         *Exception
}

func (s *Server) invoke(ctx context.Context, req *Request) result {
	s.mu.RLock()
	h := s.handlers[req.Route]
	s.mu.RUnlock()
	if h == nil {
		return s.errorResult(req.codec, http.StatusNotFound, "unknown route "+req.Route)
	}

	out, err := s.call(ctx, h, req)
	var exc *Exception
	switch {
	case errors.As(err, &exc):
		return result{exc: exc}
	case err != nil:
		s.logger.Warn("handler failed",
			slog.String("route", req.Route),
			slog.String("error", err.Error()),
		)
		return s.errorResult(req.codec, http.StatusInternalServerError, err.Error())
	}

	payload, err := req.codec.Marshal(out)
	if err != nil {
		return s.errorResult(req.codec, http.StatusInternalServerError, "marshal reply: "+err.Error())
	}
	return result{status: http.StatusOK, contentType: req.codec.ContentType(), payload: payload}
}

func (s *Server) call(ctx context.Context, h HandlerFunc, req *Request) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				slog.String("route", req.Route),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, req)
}

func (s *Server) errorResult(codec wire.Codec, status int, msg string) result {
	payload, _ := codec.Marshal(map[string]any{"state": "error", "error": msg})
	return result{status: status, contentType: codec.ContentType(), payload: payload}
}
