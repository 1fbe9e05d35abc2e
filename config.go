package simqueue

import "time"

// Config holds the tunables shared by the transport, request client and
// job queue. Zero values are replaced by DefaultConfig values by the
// components that consume them.
type Config struct {
	// ServerURL is the WebSocket endpoint (ws:// or wss://).
	ServerURL string

	// RPCURL is the base URL of the plain request/response endpoint used
	// when multiplexing is unavailable.
	RPCURL string

	// Token is sent as a bearer token on the upgrade request.
	Token string

	// Format selects the body codec: "json" (default) or "msgpack".
	Format string

	// RequestTimeout bounds a single request. Zero disables the timeout.
	RequestTimeout time.Duration

	// ReconnectInitial is the first reconnect delay.
	ReconnectInitial time.Duration

	// ReconnectMax caps the reconnect delay.
	ReconnectMax time.Duration

	// MinPollInterval is the floor applied to server-requested poll delays.
	MinPollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Format:           "json",
		RequestTimeout:   5 * time.Minute,
		ReconnectInitial: 1 * time.Second,
		ReconnectMax:     60 * time.Second,
		MinPollInterval:  1 * time.Second,
	}
}
