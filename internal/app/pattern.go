package app

import "math"

// DrawPattern renders the demo scene into dst as RGBA: a grey background
// whose level follows color, and a square rotated by angle radians coloured
// (1-color, 0.5, color). Rows run top to bottom.
func DrawPattern(dst []byte, width, height int, color, angle float32) {
	bg := channel(color)
	fr, fg, fb := channel(1-color), channel(0.5), channel(color)

	cx := float64(width) / 2
	cy := float64(height) / 2
	half := math.Min(float64(width), float64(height)) / 4
	sin, cos := math.Sincos(float64(angle))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// rotate the pixel centre into the square's frame
			dx := float64(x) + 0.5 - cx
			dy := float64(y) + 0.5 - cy
			u := dx*cos + dy*sin
			v := -dx*sin + dy*cos

			i := (y*width + x) * 4
			if math.Abs(u) <= half && math.Abs(v) <= half {
				dst[i], dst[i+1], dst[i+2] = fr, fg, fb
			} else {
				dst[i], dst[i+1], dst[i+2] = bg, bg, bg
			}
			dst[i+3] = 0xFF
		}
	}
}

func channel(v float32) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 0xFF
	default:
		return byte(v*255 + 0.5)
	}
}
