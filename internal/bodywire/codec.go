// Package bodywire defines the wire contract between Spine and
// external body endpoints: the messages Spine sends to dispatch an
// act, the result an endpoint reports back, and the gRPC service that
// carries them. Grounded on the donor's gossip transport
// (internal/gossip/server.go), which wires a generated protobuf
// package this pack does not actually contain
// (github.com/octoreflex/octoreflex/api/generated/gossip/v1). Rather
// than fabricate that generated package, bodywire uses grpc's
// pluggable codec mechanism (encoding.Codec) with a JSON codec, so the
// wire messages are plain Go structs and no protoc step is required to
// keep the transport real. See DESIGN.md for the tradeoff.
package bodywire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CodecName is the negotiated content-subtype bodywire's client and
// server register under, so grpc routes both ends through jsonCodec
// instead of its built-in proto codec.
const CodecName = "bodywire-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bodywire: marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bodywire: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }
