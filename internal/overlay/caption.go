// Package overlay draws text captions onto preview frames.
package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Caption draws one line of text in a box at a fixed position.
type Caption struct {
	X, Y       int
	Padding    int
	Color      color.RGBA
	Background *color.RGBA // optional
	Opacity    float64
}

// NewCaption returns white text on a translucent black box in the top left
// corner.
func NewCaption() *Caption {
	return &Caption{
		X:          4,
		Y:          4,
		Padding:    4,
		Color:      color.RGBA{255, 255, 255, 255},
		Background: &color.RGBA{0, 0, 0, 160},
		Opacity:    1,
	}
}

// Size returns the box size text would take.
func (c *Caption) Size(text string) (width, height int) {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	w := d.MeasureString(text).Ceil()
	return w + c.Padding*2, face.Metrics().Height.Ceil() + c.Padding*2
}

// Render draws text onto img, clipped to its bounds.
func (c *Caption) Render(img *image.RGBA, text string) {
	if text == "" || c.Opacity <= 0 {
		return
	}
	face := basicfont.Face7x13
	w, h := c.Size(text)
	box := image.Rect(c.X, c.Y, c.X+w, c.Y+h)

	layer := image.NewRGBA(image.Rect(0, 0, w, h))
	if c.Background != nil {
		draw.Draw(layer, layer.Bounds(), image.NewUniform(*c.Background), image.Point{}, draw.Src)
	}
	d := &font.Drawer{
		Dst:  layer,
		Src:  image.NewUniform(c.Color),
		Face: face,
		Dot:  fixed.P(c.Padding, c.Padding+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)

	BlendImage(img, layer, box.Min, c.Opacity)
}

// BlendImage composites src over dst at pt with the given opacity.
func BlendImage(dst *image.RGBA, src image.Image, pt image.Point, opacity float64) {
	if opacity <= 0 {
		return
	}
	if opacity > 1 {
		opacity = 1
	}
	r := src.Bounds().Sub(src.Bounds().Min).Add(pt)
	mask := image.NewUniform(color.Alpha{A: uint8(opacity*255 + 0.5)})
	draw.DrawMask(dst, r, src, src.Bounds().Min, mask, image.Point{}, draw.Over)
}
