// Package remote serves a BlockStore over gRPC and provides the matching
// client. Messages are msgpack encoded; there is no protobuf schema.
package remote

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype negotiated by client and server.
const CodecName = "msgpack"

// Codec marshals gRPC messages with msgpack.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

func (Codec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
