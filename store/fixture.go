package store

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/gen2brain/webp"
)

// EncodeFixtureTile and DecodeFixtureTile round-trip a synthetic RGBA
// payload through WebP, the way the teacher's internal/encode/webp.go
// encoded tiles for its on-disk format. The core cache never itself
// compresses pixels (spec.md §1 explicitly keeps color/codec concerns
// out of scope); fixture_test.go uses these to drive the store's
// spill round trip with a realistic, non-trivially-compressible
// payload instead of an all-zero slice.
func EncodeFixtureTile(size int, c color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("store: encode fixture tile: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFixtureTile decodes bytes produced by EncodeFixtureTile back
// into raw RGBA pixels.
func DecodeFixtureTile(data []byte) (*image.RGBA, error) {
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("store: decode fixture tile: %w", err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return rgba, nil
}
