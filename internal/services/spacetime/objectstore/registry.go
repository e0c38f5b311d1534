package objectstore

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

const (
	nilTag    = "nil"
	ptrPrefix = "ptr:"
)

// Registry resolves serializers by dynamic type and by persisted tag.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]Serializer
	byTag  map[string]Serializer
	custom map[string]struct{}
}

// NewRegistry returns a registry preloaded with the built-in serializers.
func NewRegistry() *Registry {
	r := &Registry{
		byType: map[reflect.Type]Serializer{},
		byTag:  map[string]Serializer{},
		custom: map[string]struct{}{},
	}
	for _, s := range builtins() {
		r.put(s)
	}
	r.put(sliceSerializer{registry: r})
	r.put(mapSerializer{registry: r})
	return r
}

func builtins() []Serializer {
	return []Serializer{
		NewCBOR[bool]("bool"),
		NewCBOR[string]("string"),
		NewCBOR[int]("int"),
		NewCBOR[int8]("int8"),
		NewCBOR[int16]("int16"),
		NewCBOR[int32]("int32"),
		NewCBOR[int64]("int64"),
		NewCBOR[uint]("uint"),
		NewCBOR[uint8]("uint8"),
		NewCBOR[uint16]("uint16"),
		NewCBOR[uint32]("uint32"),
		NewCBOR[uint64]("uint64"),
		NewCBOR[float32]("float32"),
		NewCBOR[float64]("float64"),
		NewCBOR[[]byte]("bytes"),
		NewCBOR[[]string]("[]string"),
		NewCBOR[[]int]("[]int"),
		NewCBOR[[]float64]("[]float64"),
		NewCBOR[map[string]string]("map[string]string"),
		NewCBOR[map[string]int]("map[string]int"),
		timeSerializer{},
		NewCBOR[time.Duration]("duration"),
		NewPNG(),
	}
}

// Register adds a host serializer. It replaces any built-in with the same
// tag or type; registering the same custom tag twice is an error.
func (r *Registry) Register(s Serializer) error {
	if s == nil {
		return fmt.Errorf("serializer is required")
	}
	tag := strings.TrimSpace(s.Tag())
	if tag == "" {
		return fmt.Errorf("serializer tag is required")
	}
	if tag == nilTag || strings.HasPrefix(tag, ptrPrefix) {
		return fmt.Errorf("serializer tag %q is reserved", tag)
	}
	if s.Type() == nil {
		return fmt.Errorf("serializer %s: type is required", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.custom[tag]; ok {
		return fmt.Errorf("serializer %s already registered", tag)
	}
	if prev, ok := r.byType[s.Type()]; ok {
		delete(r.byTag, prev.Tag())
	}
	if prev, ok := r.byTag[tag]; ok {
		delete(r.byType, prev.Type())
	}
	r.put(s)
	r.custom[tag] = struct{}{}
	return nil
}

func (r *Registry) put(s Serializer) {
	r.byType[s.Type()] = s
	r.byTag[s.Tag()] = s
}

// Tags lists the registered tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		out = append(out, tag)
	}
	return out
}

// encode serializes value, returning the persisted tag and bytes.
func (r *Registry) encode(value any) (string, []byte, error) {
	if value == nil {
		return nilTag, nil, nil
	}
	typ := reflect.TypeOf(value)
	r.mu.RLock()
	s, ok := r.byType[typ]
	r.mu.RUnlock()
	if ok {
		data, err := s.Capture(value)
		if err != nil {
			return "", nil, err
		}
		return s.Tag(), data, nil
	}

	if typ.Kind() == reflect.Pointer {
		v := reflect.ValueOf(value)
		if v.IsNil() {
			return nilTag, nil, nil
		}
		r.mu.RLock()
		s, ok = r.byType[typ.Elem()]
		r.mu.RUnlock()
		if ok {
			data, err := s.Capture(v.Elem().Interface())
			if err != nil {
				return "", nil, err
			}
			return ptrPrefix + s.Tag(), data, nil
		}
	}
	return "", nil, fmt.Errorf("no serializer for %s", typ)
}

// decode reverses encode.
func (r *Registry) decode(tag string, data []byte) (any, error) {
	if tag == nilTag {
		return nil, nil
	}
	inner, isPtr := strings.CutPrefix(tag, ptrPrefix)
	r.mu.RLock()
	s, ok := r.byTag[inner]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTypeTag, tag)
	}
	value, err := s.Rehydrate(data)
	if err != nil {
		return nil, err
	}
	if !isPtr {
		return value, nil
	}
	ptr := reflect.New(s.Type())
	if value != nil {
		ptr.Elem().Set(reflect.ValueOf(value))
	}
	return ptr.Interface(), nil
}
