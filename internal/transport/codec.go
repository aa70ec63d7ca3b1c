package transport

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// frame is the raw payload of a transport call. The grpc codec passes it
// through untouched so message encoding stays under this package's control.
type frame struct {
	payload []byte
}

type rawCodec struct{}

// Codec returns a grpc codec that transmits frames verbatim and falls back
// to protobuf for regular messages, so services like grpc health can share
// the server.
func Codec() rawCodec { return rawCodec{} }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *frame:
		return m.payload, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("codec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *frame:
		m.payload = data
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("codec cannot unmarshal %T", v)
	}
}

func (rawCodec) String() string { return "indexd-raw" }
