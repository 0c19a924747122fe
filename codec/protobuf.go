package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

var errNilMessage = errors.New("codec: nil proto message")

// Protobuf encodes proto messages deterministically. newMsg builds the empty
// message Decode fills.
type Protobuf[T proto.Message] struct {
	newMsg func() T
}

func NewProtobuf[T proto.Message](newMsg func() T) Protobuf[T] {
	return Protobuf[T]{newMsg: newMsg}
}

func (c Protobuf[T]) Encode(m T) ([]byte, error) {
	if !m.ProtoReflect().IsValid() {
		return nil, errNilMessage
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.newMsg()
	if err := proto.Unmarshal(b, m); err != nil {
		var zero T
		return zero, err
	}
	return m, nil
}
