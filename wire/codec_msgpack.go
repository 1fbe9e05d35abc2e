package wire

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes/decodes payloads as MessagePack. Struct fields are
// keyed by their json tags so one set of tags serves both codecs.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }

func (c *MsgpackCodec) ContentType() string { return "application/msgpack" }
