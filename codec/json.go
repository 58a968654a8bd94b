package codec

import json "github.com/goccy/go-json"

// JSON is a Codec backed by goccy/go-json. The zero value is ready to use.
// Numbers inside untyped fields decode as float64.
type JSON[V any] struct{}

var _ Codec[struct{}] = JSON[struct{}]{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
