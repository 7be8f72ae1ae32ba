package output

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/overlay"
	"github.com/bryanchriswhite/FrameSync/internal/state"
	"golang.org/x/image/draw"
)

// ErrNotRunning is returned by WriteFrame before Start or after Stop.
var ErrNotRunning = errors.New("MJPEG output not running")

var _ Output = (*MJPEGOutput)(nil)

// MJPEGOutput streams frames as Motion JPEG over HTTP so the replicated
// frame can be watched in a browser.
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	// Latest encoded frame
	frameMu    sync.RWMutex
	current    []byte
	lastUpdate time.Time
	scaled     *image.RGBA
	caption    func() string
	overlay    *overlay.Caption

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	skipped    uint64
	startTime  time.Time
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 80
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// SetCaption makes every frame carry the text fn returns, drawn after
// scaling. fn runs on the goroutine calling WriteFrame.
func (m *MJPEGOutput) SetCaption(fn func() string) {
	m.frameMu.Lock()
	defer m.frameMu.Unlock()
	m.caption = fn
	if m.overlay == nil {
		m.overlay = overlay.NewCaption()
	}
}

// Start marks the output running. Handlers are mounted separately.
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()

	logger.WithComponent("mjpeg").Info().
		Int("width", m.config.Width).
		Int("height", m.config.Height).
		Int("fps", m.config.FPS).
		Msg("Preview output started")
	return nil
}

// Stop disconnects every client.
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	m.frameMu.RLock()
	frames, skipped := m.frameCount, m.skipped
	m.frameMu.RUnlock()
	logger.WithComponent("mjpeg").Info().
		Uint64("frames", frames).
		Uint64("skipped", skipped).
		Dur("uptime", time.Since(m.startTime)).
		Msg("Preview output stopped")
	return nil
}

// WriteFrame encodes frame, scaled to the configured size, and sends it to
// all connected clients. Frames arriving faster than the configured rate
// are skipped.
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	if !m.IsRunning() {
		return ErrNotRunning
	}

	m.frameMu.Lock()
	if m.config.FPS > 0 && !m.lastUpdate.IsZero() &&
		time.Since(m.lastUpdate) < time.Second/time.Duration(m.config.FPS) {
		m.skipped++
		m.frameMu.Unlock()
		return nil
	}

	src := m.scale(frame)
	if m.caption != nil {
		if src == frame {
			// never draw on the caller's pixels
			src = m.copyFrame(frame)
		}
		m.overlay.Render(src, m.caption())
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, src, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		m.frameMu.Unlock()
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.current = jpegData
	m.lastUpdate = time.Now()
	m.frameCount++
	m.frameMu.Unlock()

	// Broadcast to all clients
	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// scale returns frame resized to the configured size. Called with frameMu
// held.
func (m *MJPEGOutput) scale(frame *image.RGBA) *image.RGBA {
	w, h := m.config.Width, m.config.Height
	b := frame.Bounds()
	if w <= 0 || h <= 0 || (b.Dx() == w && b.Dy() == h) {
		return frame
	}
	dst := m.buffer(w, h)
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, b, draw.Src, nil)
	return dst
}

func (m *MJPEGOutput) copyFrame(frame *image.RGBA) *image.RGBA {
	b := frame.Bounds()
	dst := m.buffer(b.Dx(), b.Dy())
	draw.Draw(dst, dst.Bounds(), frame, b.Min, draw.Src)
	return dst
}

// buffer returns the reusable output image at w x h.
func (m *MJPEGOutput) buffer(w, h int) *image.RGBA {
	if m.scaled == nil || m.scaled.Bounds().Dx() != w || m.scaled.Bounds().Dy() != h {
		m.scaled = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	return m.scaled
}

// WriteSnapshot sends the snapshot's frame. An unloaded frame is ignored.
func (m *MJPEGOutput) WriteSnapshot(buf *state.PixelBuffer) error {
	if !buf.Loaded {
		return nil
	}
	w, h := int(buf.Width), int(buf.Height)
	img := &image.RGBA{
		Pix:    buf.Bytes(),
		Stride: w * 4,
		Rect:   image.Rect(0, 0, w, h),
	}
	return m.WriteFrame(img)
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// clientCount returns the number of connected stream clients.
func (m *MJPEGOutput) clientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// FrameCount returns the number of frames encoded.
func (m *MJPEGOutput) FrameCount() uint64 {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.frameCount
}

// GetHTTPHandler returns an http.Handler for the MJPEG stream
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		// start with the latest frame so the viewer isn't blank
		m.frameMu.RLock()
		if m.current != nil {
			frameChan <- m.current
		}
		m.frameMu.RUnlock()

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log := logger.WithComponent("mjpeg")
		log.Info().Int("clients", clientCount).Msg("Preview client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Preview client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if err := writePart(w, jpegData); err != nil {
					return
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// GetFrameHandler returns the latest frame as a single JPEG.
func (m *MJPEGOutput) GetFrameHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.frameMu.RLock()
		data := m.current
		m.frameMu.RUnlock()

		if data == nil {
			http.Error(w, "No frame yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// GetViewerHandler returns a page showing the stream.
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>FrameSync</title>
    <style>
        body { margin: 0; background: #000; display: flex; justify-content: center; align-items: center; min-height: 100vh; }
        img { width: 100vw; height: 100vh; object-fit: contain; image-rendering: pixelated; }
        pre { position: fixed; top: 8px; left: 8px; margin: 0; color: #ccc; font: 12px monospace; }
    </style>
</head>
<body>
    <img src="/stream" alt="FrameSync preview">
    <pre id="status"></pre>
    <script>
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/state/stream');
        ws.onmessage = (e) => {
            const s = JSON.parse(e.data);
            document.getElementById('status').textContent =
                s.role + '  tick ' + s.tick + '  count ' + s.frame_count + '  color ' + s.color.toFixed(2);
        };
    </script>
</body>
</html>`
