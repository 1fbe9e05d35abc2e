package server

import (
	"log/slog"

	"github.com/xraph/simqueue/wire"
)

// Option configures a Server.
type Option func(*Server)

// WithAuth sets the authenticator. If not set, NoopAuthenticator is used.
func WithAuth(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithCodec sets the codec used when a request does not name one.
func WithCodec(codec wire.Codec) Option {
	return func(s *Server) { s.codec = codec }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithProtocolVersion overrides the header version the server accepts.
func WithProtocolVersion(v uint) Option {
	return func(s *Server) { s.version = v }
}
