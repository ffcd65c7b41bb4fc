package wire

import (
	"errors"

	"go.dedis.ch/protobuf"
)

// Encode protobuf-encodes any of the message structs in this package.
func Encode(msg interface{}) ([]byte, error) {
	return protobuf.Encode(msg)
}

// Decode protobuf-decodes into msg, which must be a pointer to one of the
// message structs in this package.
func Decode(data []byte, msg interface{}) error {
	return protobuf.Decode(data, msg)
}

// Frame prefixes an already-encoded message with its sub-protocol tag.
func Frame(sp SubProtocol, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(sp)
	copy(out[1:], body)
	return out
}

// Unframe splits a tagged packet back into its sub-protocol and body.
func Unframe(packet []byte) (SubProtocol, []byte, error) {
	if len(packet) < 1 {
		return 0, nil, errShortPacket
	}
	return SubProtocol(packet[0]), packet[1:], nil
}

var errShortPacket = errors.New("wire: packet too short to carry a sub-protocol tag")
