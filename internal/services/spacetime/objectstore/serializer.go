package objectstore

import (
	"fmt"
	"reflect"
)

// Serializer converts values of one concrete type to bytes and back.
type Serializer interface {
	// Tag names the serialized format; it is persisted with each snapshot.
	Tag() string
	// Type is the dynamic type this serializer captures.
	Type() reflect.Type
	Capture(value any) ([]byte, error)
	Rehydrate(data []byte) (any, error)
}

type funcSerializer struct {
	tag       string
	typ       reflect.Type
	capture   func(any) ([]byte, error)
	rehydrate func([]byte) (any, error)
}

// NewFunc builds a Serializer for typ from a pair of functions.
func NewFunc(tag string, typ reflect.Type, capture func(any) ([]byte, error), rehydrate func([]byte) (any, error)) Serializer {
	return funcSerializer{tag: tag, typ: typ, capture: capture, rehydrate: rehydrate}
}

func (s funcSerializer) Tag() string        { return s.tag }
func (s funcSerializer) Type() reflect.Type { return s.typ }

func (s funcSerializer) Capture(value any) ([]byte, error) {
	if s.capture == nil {
		return nil, fmt.Errorf("serializer %s cannot capture", s.tag)
	}
	return s.capture(value)
}

func (s funcSerializer) Rehydrate(data []byte) (any, error) {
	if s.rehydrate == nil {
		return nil, fmt.Errorf("serializer %s cannot rehydrate", s.tag)
	}
	return s.rehydrate(data)
}
