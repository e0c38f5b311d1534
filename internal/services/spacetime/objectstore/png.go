package objectstore

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"reflect"
)

// PNGTag is the tag of the image serializer.
const PNGTag = "image/png"

type pngSerializer struct{}

// NewPNG returns a Serializer that stores *image.RGBA surfaces as PNG.
func NewPNG() Serializer { return pngSerializer{} }

func (pngSerializer) Tag() string        { return PNGTag }
func (pngSerializer) Type() reflect.Type { return reflect.TypeFor[*image.RGBA]() }

func (pngSerializer) Capture(value any) ([]byte, error) {
	img, ok := value.(*image.RGBA)
	if !ok || img == nil {
		return nil, fmt.Errorf("png serializer: got %T", value)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (pngSerializer) Rehydrate(data []byte) (any, error) {
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	if rgba, ok := decoded.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(decoded.Bounds())
	draw.Draw(rgba, rgba.Bounds(), decoded, decoded.Bounds().Min, draw.Src)
	return rgba, nil
}
