package codec

import (
	"fmt"

	json "github.com/goccy/go-json"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoStruct stores any JSON-shaped V as a google.protobuf.Struct message, so
// cached payloads stay readable by non-Go consumers sharing the same store.
// V must marshal to a JSON object. Numbers come back as float64.
type ProtoStruct[V any] struct {
	inner Protobuf[*structpb.Struct]
}

var _ Codec[struct{}] = ProtoStruct[struct{}]{}

func NewProtoStruct[V any]() ProtoStruct[V] {
	return ProtoStruct[V]{inner: NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })}
}

func (c ProtoStruct[V]) Encode(v V) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protostruct: value is not a JSON object: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return c.inner.Encode(s)
}

func (c ProtoStruct[V]) Decode(b []byte) (V, error) {
	var v V
	if c.inner.new == nil {
		return v, fmt.Errorf("protostruct: codec not initialized; use NewProtoStruct")
	}
	s, err := c.inner.Decode(b)
	if err != nil {
		return v, err
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(raw, &v)
	return v, err
}
