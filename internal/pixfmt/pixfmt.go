// Package pixfmt describes the 4 byte per pixel layouts that move between
// the GPU, the video transport and the replicated snapshot.
//
// Rows are always stored top to bottom. Nothing in this repository flips
// images vertically; renderers that treat row 0 as the bottom of the screen
// must flip when drawing.
package pixfmt

import "fmt"

// BytesPerPixel is the same for every supported layout.
const BytesPerPixel = 4

// Format is a channel order.
type Format uint8

const (
	// RGBA is the layout of captured frames and of snapshot pixel buffers.
	RGBA Format = iota + 1
	// BGRA is the layout used by video transport frames (BGRX is treated as
	// BGRA with an ignored alpha).
	BGRA
)

func (f Format) String() string {
	switch f {
	case RGBA:
		return "RGBA"
	case BGRA:
		return "BGRA"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// Valid reports whether f is a known layout.
func (f Format) Valid() bool {
	return f == RGBA || f == BGRA
}

// FrameSize returns the byte size of a width x height frame.
func FrameSize(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	return width * height * BytesPerPixel
}

// Convert copies n pixels from src in layout from to dst in layout to.
// dst and src may be the same slice. Both must hold at least n*4 bytes.
func Convert(dst []byte, to Format, src []byte, from Format, n int) error {
	size := n * BytesPerPixel
	if len(dst) < size || len(src) < size {
		return fmt.Errorf("pixfmt: buffer too small for %d pixels (dst %d, src %d)", n, len(dst), len(src))
	}
	if !to.Valid() || !from.Valid() {
		return fmt.Errorf("pixfmt: unsupported conversion %s -> %s", from, to)
	}

	if to == from {
		copy(dst[:size], src[:size])
		return nil
	}

	// RGBA <-> BGRA is the same swap in both directions
	for i := 0; i < size; i += BytesPerPixel {
		r, g, b, a := src[i], src[i+1], src[i+2], src[i+3]
		dst[i] = b
		dst[i+1] = g
		dst[i+2] = r
		dst[i+3] = a
	}
	return nil
}
