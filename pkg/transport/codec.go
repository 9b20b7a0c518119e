package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a gRPC content-subtype. Symphony has no
// protoc-generated message types: envelopes are plain tagged-union Go
// structs (messages.go), marshaled as JSON instead of wire-format protobuf.
// Framing, flow control, half-close semantics and keepalive still come from
// real gRPC — only the per-message encoding is swapped out.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
