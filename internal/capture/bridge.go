package capture

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
	"github.com/bryanchriswhite/FrameSync/internal/state"
	"github.com/rs/zerolog"
)

// ErrCapacityExceeded is reported when a texture is larger than the
// destination buffer.
var ErrCapacityExceeded = errors.New("capture: frame exceeds buffer capacity")

// Bridge reads rendered textures back into CPU memory as RGBA.
//
// A Bridge is used from the goroutine that owns the device. It keeps one
// framebuffer for reading, created on first use.
type Bridge struct {
	dev gpu.Device
	fb  uint32
	log *zerolog.Logger

	width  int
	height int

	// dimensions already reported as too large
	rejected map[[2]int]struct{}
}

// NewBridge creates a bridge for dev.
func NewBridge(dev gpu.Device) *Bridge {
	return &Bridge{
		dev:      dev,
		log:      logger.WithComponent("capture"),
		rejected: make(map[[2]int]struct{}),
	}
}

// Dimensions returns the size of the last successful capture.
func (b *Bridge) Dimensions() (width, height int) {
	return b.width, b.height
}

// Capture copies the texture's pixels into dst as tightly packed RGBA and
// returns the frame size. The readback is synchronous. It returns ok=false
// without touching dst when width*height*4 exceeds len(dst) or the device
// fails. Bindings are restored on every path.
func (b *Bridge) Capture(tex uint32, dst []byte) (width, height int, ok bool) {
	width, height, err := b.capture(tex, dst)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			key := [2]int{width, height}
			if _, seen := b.rejected[key]; !seen {
				b.rejected[key] = struct{}{}
				b.log.Error().
					Err(err).
					Int("width", width).
					Int("height", height).
					Int("capacity", len(dst)).
					Msg("Frame does not fit the capture buffer, frames of this size will be dropped")
			}
		} else {
			b.log.Warn().Err(err).Uint32("texture", tex).Msg("Capture failed")
		}
		return width, height, false
	}

	b.width = width
	b.height = height
	return width, height, true
}

func (b *Bridge) capture(tex uint32, dst []byte) (int, int, error) {
	defer gpu.Preserve(b.dev)()

	width, height, err := b.dev.TextureSize(tex)
	if err != nil {
		return 0, 0, err
	}
	size := pixfmt.FrameSize(width, height)
	if size == 0 {
		return width, height, fmt.Errorf("capture: empty texture %dx%d", width, height)
	}
	if size > len(dst) {
		return width, height, fmt.Errorf("%w: %dx%d needs %d bytes, have %d", ErrCapacityExceeded, width, height, size, len(dst))
	}

	if b.fb == 0 {
		fb, err := b.dev.NewFramebuffer()
		if err != nil {
			return width, height, err
		}
		b.fb = fb
	}
	if err := b.dev.AttachTexture(b.fb, tex); err != nil {
		return width, height, err
	}
	if err := b.dev.ReadPixels(b.fb, width, height, pixfmt.RGBA, dst[:size]); err != nil {
		return width, height, err
	}
	return width, height, nil
}

// CaptureInto captures tex into the snapshot pixel buffer. On failure the
// buffer is marked not loaded; its bytes are never written past capacity.
func (b *Bridge) CaptureInto(tex uint32, buf *state.PixelBuffer) bool {
	width, height, ok := b.Capture(tex, buf.Pixels[:])
	if !ok || !state.Fits(width, height) {
		buf.Loaded = false
		return false
	}
	buf.Width = uint16(width)
	buf.Height = uint16(height)
	buf.Loaded = true
	return true
}

// Close releases the read framebuffer.
func (b *Bridge) Close() {
	if b.fb != 0 {
		b.dev.DeleteFramebuffer(b.fb)
		b.fb = 0
	}
}
