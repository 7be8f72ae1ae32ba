package capture

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
)

// X11Capturer captures the screen or single windows using X11/XWayland
type X11Capturer struct {
	conn             *xgb.Conn
	root             xproto.Window
	screen           *xproto.ScreenInfo
	compositeEnabled bool
	mu               sync.Mutex
}

// NewX11Capturer connects to the X server named by $DISPLAY
func NewX11Capturer() (*X11Capturer, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	return &X11Capturer{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
	}, nil
}

// Start initializes the Composite extension when the server has it
func (c *X11Capturer) Start() error {
	log := logger.WithComponent("x11-capturer")

	if err := composite.Init(c.conn); err != nil {
		log.Warn().
			Err(err).
			Msg("Composite extension not available - obscured windows will capture what covers them")
		c.compositeEnabled = false
	} else {
		c.compositeEnabled = true
		log.Info().Msg("Composite extension initialized")
	}

	if depth := c.screen.RootDepth; depth != 24 && depth != 32 {
		return fmt.Errorf("unsupported root depth %d", depth)
	}
	return nil
}

// Stop closes the X11 connection
func (c *X11Capturer) Stop() error {
	c.conn.Close()
	return nil
}

// Name returns the capturer name
func (c *X11Capturer) Name() string {
	return "X11"
}

// IsAvailable checks if X11 capture is available
func (c *X11Capturer) IsAvailable() bool {
	return c.conn != nil
}

// ScreenSize returns the root window size
func (c *X11Capturer) ScreenSize() (int, int) {
	return int(c.screen.WidthInPixels), int(c.screen.HeightInPixels)
}

// CaptureRegion captures a region of the root window, clipped to the screen
func (c *X11Capturer) CaptureRegion(x, y, width, height int) (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sw, sh := c.ScreenSize()
	r := image.Rect(x, y, x+width, y+height).Intersect(image.Rect(0, 0, sw, sh))
	if r.Empty() {
		return nil, fmt.Errorf("region %dx%d+%d+%d is off screen", width, height, x, y)
	}

	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(c.root),
		int16(r.Min.X), int16(r.Min.Y),
		uint16(r.Dx()), uint16(r.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	return convertImageData(reply.Data, r.Dx(), r.Dy()), nil
}

// CaptureWindow captures a window, or its first viewable child when the
// window itself is a frame or unmapped
func (c *X11Capturer) CaptureWindow(id uint32) (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == 0 {
		return nil, fmt.Errorf("invalid window ID 0")
	}
	win := xproto.Window(id)

	attrs, err := xproto.GetWindowAttributes(c.conn, win).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get window attributes: %w", err)
	}

	log := logger.WithComponent("x11-capturer")
	if attrs.Class != xproto.WindowClassInputOutput || attrs.MapState != xproto.MapStateViewable {
		childWin, err := c.findCapturableChild(win)
		if err != nil {
			return nil, fmt.Errorf("no capturable window found: %w", err)
		}
		log.Debug().
			Uint32("window_id", id).
			Uint32("child_window_id", uint32(childWin)).
			Msg("Capturing child window")
		win = childWin
	}

	geom, err := xproto.GetGeometry(c.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get window geometry: %w", err)
	}

	return c.captureWindowDrawable(win, geom)
}

// findCapturableChild recursively searches for a capturable child window
func (c *X11Capturer) findCapturableChild(parent xproto.Window) (xproto.Window, error) {
	tree, err := xproto.QueryTree(c.conn, parent).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to query tree: %w", err)
	}

	for _, child := range tree.Children {
		attrs, err := xproto.GetWindowAttributes(c.conn, child).Reply()
		if err != nil {
			continue
		}
		geom, err := xproto.GetGeometry(c.conn, xproto.Drawable(child)).Reply()
		if err != nil {
			continue
		}

		if attrs.Class == xproto.WindowClassInputOutput && attrs.MapState == xproto.MapStateViewable &&
			geom.Width > 10 && geom.Height > 10 {
			return child, nil
		}

		if grandchild, err := c.findCapturableChild(child); err == nil {
			return grandchild, nil
		}
	}

	return 0, fmt.Errorf("no capturable child found")
}

// captureWindowDrawable reads the window through a Composite pixmap when
// possible
func (c *X11Capturer) captureWindowDrawable(win xproto.Window, geom *xproto.GetGeometryReply) (*image.RGBA, error) {
	drawable := xproto.Drawable(win)

	if c.compositeEnabled {
		if err := composite.RedirectWindowChecked(c.conn, win, composite.RedirectAutomatic).Check(); err != nil {
			logger.WithComponent("x11-capturer").Debug().
				Err(err).
				Uint32("window_id", uint32(win)).
				Msg("Composite redirect failed, capturing directly")
		} else {
			defer composite.UnredirectWindow(c.conn, win, composite.RedirectAutomatic)

			if pixmap, err := xproto.NewPixmapId(c.conn); err == nil {
				if err := composite.NameWindowPixmapChecked(c.conn, win, pixmap).Check(); err == nil {
					drawable = xproto.Drawable(pixmap)
					defer xproto.FreePixmap(c.conn, pixmap)
				}
			}
		}
	}

	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		drawable,
		0, 0,
		geom.Width, geom.Height,
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	return convertImageData(reply.Data, int(geom.Width), int(geom.Height)), nil
}

// convertImageData converts 24/32-bit ZPixmap data, BGRX in memory, to
// opaque RGBA. Missing trailing pixels stay transparent black.
func convertImageData(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := min(len(data), len(img.Pix)) / 4 * 4
	for i := 0; i < n; i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 0xFF
	}
	return img
}
