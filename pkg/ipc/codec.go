package ipc

import "encoding/json"

// jsonCodecName is the content-subtype advertised on the wire
// ("application/grpc+json-ipc") so grpc-go's transport can
// (de)serialize the plain-struct messages in messages.go.
const jsonCodecName = "json-ipc"

// jsonCodec implements google.golang.org/grpc/encoding.Codec with
// encoding/json. The IPC messages are plain Go structs rather than
// .proto-generated types; grpc's codec registry is the supported
// extension point for exactly that.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}
