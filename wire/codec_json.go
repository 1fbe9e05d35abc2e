package wire

import "encoding/json"

// JSONCodec encodes/decodes payloads as JSON.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

func (c *JSONCodec) ContentType() string { return "application/json" }
