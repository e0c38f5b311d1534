package objectstore

import (
	"fmt"
	"reflect"
	"time"
)

// element is one dynamically typed value inside a container, encoded by
// the serializer of its own dynamic type.
type element struct {
	Tag  string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint,omitempty"`
}

// sliceSerializer captures []any element by element through the registry,
// so every element rehydrates to its original dynamic type.
type sliceSerializer struct {
	registry *Registry
}

func (s sliceSerializer) Tag() string        { return "[]any" }
func (s sliceSerializer) Type() reflect.Type { return reflect.TypeFor[[]any]() }

func (s sliceSerializer) Capture(value any) ([]byte, error) {
	values, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("serializer %s: got %T", s.Tag(), value)
	}
	if values == nil {
		return encMode.Marshal([]element(nil))
	}
	out := make([]element, len(values))
	for i, v := range values {
		tag, data, err := s.registry.encode(v)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = element{Tag: tag, Data: data}
	}
	return encMode.Marshal(out)
}

func (s sliceSerializer) Rehydrate(data []byte) (any, error) {
	var elements []element
	if err := decMode.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("serializer %s: %w", s.Tag(), err)
	}
	if elements == nil {
		return []any(nil), nil
	}
	out := make([]any, len(elements))
	for i, e := range elements {
		v, err := s.registry.decode(e.Tag, e.Data)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// mapSerializer captures map[string]any the same way. Deterministic
// encoding sorts the keys, so equal maps share a ref.
type mapSerializer struct {
	registry *Registry
}

func (s mapSerializer) Tag() string        { return "map[string]any" }
func (s mapSerializer) Type() reflect.Type { return reflect.TypeFor[map[string]any]() }

func (s mapSerializer) Capture(value any) ([]byte, error) {
	values, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("serializer %s: got %T", s.Tag(), value)
	}
	if values == nil {
		return encMode.Marshal(map[string]element(nil))
	}
	out := make(map[string]element, len(values))
	for k, v := range values {
		tag, data, err := s.registry.encode(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = element{Tag: tag, Data: data}
	}
	return encMode.Marshal(out)
}

func (s mapSerializer) Rehydrate(data []byte) (any, error) {
	var elements map[string]element
	if err := decMode.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("serializer %s: %w", s.Tag(), err)
	}
	if elements == nil {
		return map[string]any(nil), nil
	}
	out := make(map[string]any, len(elements))
	for k, e := range elements {
		v, err := s.registry.decode(e.Tag, e.Data)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// instant is the persisted form of a time.Time. The zone is kept by name
// and offset so the location survives the round trip.
type instant struct {
	Sec    int64  `cbor:"1,keyasint"`
	Nsec   int64  `cbor:"2,keyasint"`
	Loc    string `cbor:"3,keyasint,omitempty"`
	Zone   string `cbor:"4,keyasint,omitempty"`
	Offset int    `cbor:"5,keyasint,omitempty"`
	Fixed  bool   `cbor:"6,keyasint,omitempty"`
}

type timeSerializer struct{}

func (timeSerializer) Tag() string        { return "time" }
func (timeSerializer) Type() reflect.Type { return reflect.TypeFor[time.Time]() }

func (s timeSerializer) Capture(value any) ([]byte, error) {
	t, ok := value.(time.Time)
	if !ok {
		return nil, fmt.Errorf("serializer %s: got %T", s.Tag(), value)
	}
	in := instant{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
	switch loc := t.Location(); loc {
	case time.UTC:
	case time.Local:
		in.Loc = "Local"
	default:
		in.Loc = loc.String()
		in.Zone, in.Offset = t.Zone()
		start, end := t.ZoneBounds()
		in.Fixed = start.IsZero() && end.IsZero()
	}
	return encMode.Marshal(in)
}

func (s timeSerializer) Rehydrate(data []byte) (any, error) {
	var in instant
	if err := decMode.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("serializer %s: %w", s.Tag(), err)
	}
	t := time.Unix(in.Sec, in.Nsec)
	switch {
	case in.Loc == "":
		return t.In(time.UTC), nil
	case in.Loc == "Local":
		return t.In(time.Local), nil
	case !in.Fixed:
		if loc, err := time.LoadLocation(in.Loc); err == nil {
			if _, offset := t.In(loc).Zone(); offset == in.Offset {
				return t.In(loc), nil
			}
		}
	}
	return t.In(time.FixedZone(in.Zone, in.Offset)), nil
}
