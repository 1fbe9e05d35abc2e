// Package wire implements the frame format carried over a simqueue
// connection. Every frame is a small self-describing MessagePack header
// followed by an opaque payload and zero or more attachment segments:
//
//	+-----------------+-----------------+----------+----------+-----
//	| header (msgpack)| payload         | attach 0 | attach 1 | ...
//	+-----------------+-----------------+----------+----------+-----
//
// The header records the byte length of the payload and of every
// attachment, so the receiver can split the segments without a schema.
package wire

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/simqueue"
)

// ProtocolVersion is the header version this package speaks. Peers that
// disagree on the version treat every frame as a protocol error.
const ProtocolVersion = 1

// Kind identifies the frame category.
type Kind string

const (
	KindRequest   Kind = "request"
	KindReply     Kind = "reply"
	KindException Kind = "srException"
	KindAsync     Kind = "asyncNotification"
)

// Valid reports whether k is one of the known frame kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindReply, KindException, KindAsync:
		return true
	}
	return false
}

// Header is the frame envelope.
type Header struct {
	// Kind categorizes the frame.
	Kind Kind `msgpack:"kind"`

	// CorrelationID links a reply to its originating request. Zero for
	// async notifications.
	CorrelationID uint64 `msgpack:"id,omitempty"`

	// Route names the target for requests and the method for async
	// notifications.
	Route string `msgpack:"route,omitempty"`

	// Version is the protocol version of the sender.
	Version uint `msgpack:"version"`

	// Status is an HTTP-style status code on replies. Zero means 200.
	Status int `msgpack:"status,omitempty"`

	// ContentType describes the payload encoding.
	ContentType string `msgpack:"ct,omitempty"`

	// PayloadLen is the byte length of the payload segment.
	PayloadLen int `msgpack:"len"`

	// Attachments describes the trailing binary segments in order.
	Attachments []AttachmentHeader `msgpack:"att,omitempty"`
}

// AttachmentHeader describes one trailing binary segment.
type AttachmentHeader struct {
	Field    string `msgpack:"field"`
	Filename string `msgpack:"filename,omitempty"`
	Size     int    `msgpack:"size"`
}

// Attachment is a binary segment sent after the payload. The server
// recombines it with the structured body using Field.
type Attachment struct {
	Field    string
	Filename string
	Data     []byte
}

// Frame is a decoded header with its segments.
type Frame struct {
	Header      Header
	Payload     []byte
	Attachments []Attachment
}

// NewRequest creates a request frame.
func NewRequest(id uint64, route string, payload []byte, attachments ...Attachment) *Frame {
	return &Frame{
		Header: Header{
			Kind:          KindRequest,
			CorrelationID: id,
			Route:         route,
			Version:       ProtocolVersion,
		},
		Payload:     payload,
		Attachments: attachments,
	}
}

// NewReply creates a reply to the request with the given correlation id.
func NewReply(id uint64, status int, contentType string, payload []byte) *Frame {
	return &Frame{
		Header: Header{
			Kind:          KindReply,
			CorrelationID: id,
			Version:       ProtocolVersion,
			Status:        status,
			ContentType:   contentType,
		},
		Payload: payload,
	}
}

// NewException creates a structured exception reply.
func NewException(id uint64, contentType string, payload []byte) *Frame {
	return &Frame{
		Header: Header{
			Kind:          KindException,
			CorrelationID: id,
			Version:       ProtocolVersion,
			ContentType:   contentType,
		},
		Payload: payload,
	}
}

// NewAsync creates an unsolicited server-push notification.
func NewAsync(method, contentType string, content []byte) *Frame {
	return &Frame{
		Header: Header{
			Kind:        KindAsync,
			Route:       method,
			Version:     ProtocolVersion,
			ContentType: contentType,
		},
		Payload: content,
	}
}

// Encode serializes f. The length fields of the header are filled from
// the segments, so callers never set them.
func Encode(f *Frame) ([]byte, error) {
	h := f.Header
	h.PayloadLen = len(f.Payload)
	h.Attachments = nil
	size := len(f.Payload)
	for _, a := range f.Attachments {
		h.Attachments = append(h.Attachments, AttachmentHeader{
			Field:    a.Field,
			Filename: a.Filename,
			Size:     len(a.Data),
		})
		size += len(a.Data)
	}

	var buf bytes.Buffer
	buf.Grow(64 + size)
	if err := msgpack.NewEncoder(&buf).Encode(&h); err != nil {
		return nil, fmt.Errorf("wire: encode header: %w", err)
	}
	buf.Write(f.Payload)
	for _, a := range f.Attachments {
		buf.Write(a.Data)
	}
	return buf.Bytes(), nil
}

// Decode splits data into header, payload and attachments. It does not
// check the version or kind; see Validate.
func Decode(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)
	var h Header
	if err := msgpack.NewDecoder(r).Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: header: %w", simqueue.ErrMalformedFrame, err)
	}

	rest := data[len(data)-r.Len():]
	if h.PayloadLen < 0 || h.PayloadLen > len(rest) {
		return nil, fmt.Errorf("%w: header declares %d payload bytes, frame carries %d",
			simqueue.ErrMalformedFrame, h.PayloadLen, len(rest))
	}
	want := h.PayloadLen
	for _, a := range h.Attachments {
		// want <= len(rest) holds here, so the sum cannot overflow.
		if a.Size < 0 || a.Size > len(rest)-want {
			return nil, fmt.Errorf("%w: attachment %q size %d exceeds frame",
				simqueue.ErrMalformedFrame, a.Field, a.Size)
		}
		want += a.Size
	}
	if want != len(rest) {
		return nil, fmt.Errorf("%w: header declares %d bytes, frame carries %d",
			simqueue.ErrMalformedFrame, want, len(rest))
	}

	f := &Frame{Header: h, Payload: rest[:h.PayloadLen]}
	off := h.PayloadLen
	for _, a := range h.Attachments {
		f.Attachments = append(f.Attachments, Attachment{
			Field:    a.Field,
			Filename: a.Filename,
			Data:     rest[off : off+a.Size],
		})
		off += a.Size
	}
	return f, nil
}

// Validate checks the header against the expected protocol version and
// the known frame kinds.
func Validate(h Header, version uint) error {
	if h.Version != version {
		return fmt.Errorf("%w: got %d, want %d", simqueue.ErrVersionMismatch, h.Version, version)
	}
	if !h.Kind.Valid() {
		return fmt.Errorf("%w: %q", simqueue.ErrUnknownKind, h.Kind)
	}
	return nil
}
