package cache

import (
	"image"

	"github.com/natronlabs/tilecache/geom"
)

// PixelBuffer is the "local per-render pixel buffer" collaborator:
// the core never assumes a concrete pixel type, matching the IPC
// Property Map's "narrow external interface" philosophy. CopyIn writes
// bytes into the buffer (package cache never calls it; tilecachebench
// uses it to fill its render buffers); CopyOut reads bytes out of the
// buffer (used by MarkRendered to publish a finished render).
type PixelBuffer interface {
	CopyIn(bounds geom.Rect, channel int, src []byte)
	CopyOut(bounds geom.Rect, channel int) []byte
}

// RGBABuffer adapts a *image.RGBA to PixelBuffer, grounded on the
// teacher's pervasive use of image.RGBA for tile pixel data. Channel
// 0..3 map to R, G, B, A exactly as image.RGBA interleaves them.
type RGBABuffer struct {
	Img *image.RGBA
}

// NewRGBABuffer allocates a buffer covering bounds.
func NewRGBABuffer(bounds geom.Rect) *RGBABuffer {
	r := image.Rect(int(bounds.X1), int(bounds.Y1), int(bounds.X2), int(bounds.Y2))
	return &RGBABuffer{Img: image.NewRGBA(r)}
}

func (b *RGBABuffer) CopyIn(bounds geom.Rect, channel int, src []byte) {
	i := 0
	for y := int(bounds.Y1); y < int(bounds.Y2); y++ {
		for x := int(bounds.X1); x < int(bounds.X2); x++ {
			b.Img.Pix[b.Img.PixOffset(x, y)+channel] = src[i]
			i++
		}
	}
}

func (b *RGBABuffer) CopyOut(bounds geom.Rect, channel int) []byte {
	w := int(bounds.Width())
	h := int(bounds.Height())
	out := make([]byte, w*h)
	i := 0
	for y := int(bounds.Y1); y < int(bounds.Y2); y++ {
		for x := int(bounds.X1); x < int(bounds.X2); x++ {
			out[i] = b.Img.Pix[b.Img.PixOffset(x, y)+channel]
			i++
		}
	}
	return out
}
