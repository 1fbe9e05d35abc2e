package wire

// Codec defines the serialization contract for frame payloads.
// The header is always MessagePack; the payload format is negotiated
// per client.
type Codec interface {
	// Marshal serializes v to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v.
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier ("json" or "msgpack").
	Name() string

	// ContentType returns the MIME type written into reply headers.
	ContentType() string
}

// CodecName constants for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// CodecFor picks a codec from a content type, falling back to def.
func CodecFor(contentType string, def Codec) Codec {
	switch contentType {
	case (&MsgpackCodec{}).ContentType():
		return &MsgpackCodec{}
	case (&JSONCodec{}).ContentType():
		return &JSONCodec{}
	default:
		return def
	}
}
