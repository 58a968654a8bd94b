package codec

import "fmt"

// LimitCodec refuses to decode payloads larger than MaxDecode bytes. A shared
// store may hold entries written by another process; an oversized one is
// treated as corrupt and healed instead of being decoded. MaxDecode <= 0
// disables the check.
type LimitCodec[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

var _ Codec[struct{}] = LimitCodec[struct{}]{}

func (c LimitCodec[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("codec: payload of %d bytes exceeds limit %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
