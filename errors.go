package simqueue

import "errors"

var (
	// Transport errors.
	ErrClosed           = errors.New("simqueue: transport closed")
	ErrTimeout          = errors.New("simqueue: request timed out")
	ErrSessionDrift     = errors.New("simqueue: session changed underneath connection")
	ErrDuplicateHandler = errors.New("simqueue: async handler already registered")

	// Protocol errors.
	ErrProtocol        = errors.New("simqueue: protocol error")
	ErrVersionMismatch = errors.New("simqueue: protocol version mismatch")
	ErrUnknownKind     = errors.New("simqueue: unknown frame kind")
	ErrMalformedFrame  = errors.New("simqueue: malformed frame")

	// Job errors.
	ErrInvalidState = errors.New("simqueue: invalid state transition")
	ErrQueueClosed  = errors.New("simqueue: queue closed")
)
