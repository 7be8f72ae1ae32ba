// Package capture gets pixels out of the renderer and off the screen: the
// Bridge reads textures back into snapshot buffers, and Capturer backends
// grab the desktop for the screen producer.
package capture

import (
	"context"
	"image"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/logger"
)

// Capturer defines the interface for screen capture backends
type Capturer interface {
	// Start initializes the capturer and any required resources
	Start() error

	// Stop releases resources
	Stop() error

	// CaptureWindow captures the contents of a window by X11 ID
	CaptureWindow(id uint32) (*image.RGBA, error)

	// CaptureRegion captures a specific region of the screen
	CaptureRegion(x, y, width, height int) (*image.RGBA, error)

	// ScreenSize returns the size of the whole screen
	ScreenSize() (width, height int)

	// Name returns a human-readable name for this capturer
	Name() string

	// IsAvailable checks if this capturer can be used in the current environment
	IsAvailable() bool
}

// Grab selects what Stream captures each period.
type Grab func(c Capturer) (*image.RGBA, error)

// Region grabs a rectangle of the screen. A zero width or height means the
// whole screen.
func Region(x, y, width, height int) Grab {
	return func(c Capturer) (*image.RGBA, error) {
		w, h := width, height
		if w <= 0 || h <= 0 {
			w, h = c.ScreenSize()
		}
		return c.CaptureRegion(x, y, w, h)
	}
}

// Window grabs one window.
func Window(id uint32) Grab {
	return func(c Capturer) (*image.RGBA, error) {
		return c.CaptureWindow(id)
	}
}

// Stream captures with grab fps times a second and hands each image to send
// until ctx is done. Failed captures are logged and skipped. It returns the
// number of frames sent.
func Stream(ctx context.Context, c Capturer, grab Grab, fps int, send func(*image.RGBA) bool) int {
	if fps <= 0 {
		fps = 30
	}
	log := logger.WithComponent("screen")
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	sent, failures := 0, 0
	for {
		select {
		case <-ctx.Done():
			log.Info().Int("frames", sent).Int("failures", failures).Msg("Screen stream stopped")
			return sent
		case <-ticker.C:
			img, err := grab(c)
			if err != nil {
				failures++
				// once per second at most
				if failures%fps == 1 || fps == 1 {
					log.Warn().Err(err).Str("capturer", c.Name()).Int("failures", failures).Msg("Capture failed")
				}
				continue
			}
			if send(img) {
				sent++
			}
		}
	}
}
