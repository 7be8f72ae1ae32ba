package gpu

import (
	"fmt"

	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
)

// Texture is a 2D texture handle that remembers its dimensions. The zero
// size is allowed; storage is allocated on the first Resize.
type Texture struct {
	dev    Device
	id     uint32
	width  int
	height int
}

// NewTexture creates a texture on dev. A zero width or height defers
// allocation until Resize.
func NewTexture(dev Device, width, height int) (*Texture, error) {
	t := &Texture{dev: dev}
	if width > 0 && height > 0 {
		if err := t.Resize(width, height); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ID returns the device id, 0 before the first allocation.
func (t *Texture) ID() uint32 { return t.id }

// Width returns the allocated width.
func (t *Texture) Width() int { return t.width }

// Height returns the allocated height.
func (t *Texture) Height() int { return t.height }

// Device returns the device the texture lives on.
func (t *Texture) Device() Device { return t.dev }

// Resize reallocates storage when the dimensions differ from the current
// ones and is a no-op otherwise.
func (t *Texture) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("gpu: invalid texture size %dx%d", width, height)
	}
	if t.id != 0 && width == t.width && height == t.height {
		return nil
	}

	defer Preserve(t.dev)()

	if t.id == 0 {
		id, err := t.dev.NewTexture(width, height)
		if err != nil {
			return err
		}
		t.id = id
	} else if err := t.dev.ResizeTexture(t.id, width, height); err != nil {
		return err
	}

	t.width = width
	t.height = height
	return nil
}

// Submit uploads a full frame of pixels in the given layout.
func (t *Texture) Submit(pixels []byte, format pixfmt.Format) error {
	if t.id == 0 {
		return fmt.Errorf("gpu: submit to unallocated texture")
	}
	if need := pixfmt.FrameSize(t.width, t.height); len(pixels) < need {
		return fmt.Errorf("gpu: submit needs %d bytes, got %d", need, len(pixels))
	}

	defer Preserve(t.dev)()
	return t.dev.UploadTexture(t.id, format, pixels)
}

// Destroy releases the device texture.
func (t *Texture) Destroy() {
	if t.id != 0 {
		t.dev.DeleteTexture(t.id)
	}
	t.id = 0
	t.width = 0
	t.height = 0
}
