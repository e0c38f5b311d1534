package objectstore

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("objectstore: cbor enc mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("objectstore: cbor dec mode: %v", err))
	}
}

type cborSerializer[T any] struct {
	tag string
}

// NewCBOR returns a Serializer for T using deterministic CBOR, so equal
// values (including maps) always encode to equal bytes.
func NewCBOR[T any](tag string) Serializer {
	return cborSerializer[T]{tag: tag}
}

func (s cborSerializer[T]) Tag() string { return s.tag }

func (s cborSerializer[T]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (s cborSerializer[T]) Capture(value any) ([]byte, error) {
	typed, ok := value.(T)
	if !ok {
		return nil, fmt.Errorf("serializer %s: got %T", s.tag, value)
	}
	return encMode.Marshal(typed)
}

func (s cborSerializer[T]) Rehydrate(data []byte) (any, error) {
	var out T
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("serializer %s: %w", s.tag, err)
	}
	return out, nil
}
