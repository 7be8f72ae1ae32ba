// Package source receives frames from a video transport and uploads them
// into GPU textures.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
	"github.com/bryanchriswhite/FrameSync/internal/video"
	"github.com/rs/zerolog"
)

var (
	// ErrInit is returned when the video transport cannot start.
	ErrInit = errors.New("source: video transport initialization failed")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("source: already initialized")
	// ErrNotInitialized is returned by Connect before Initialize.
	ErrNotInitialized = errors.New("source: not initialized")
	// ErrNoSourcesAvailable is returned by Connect("") when nothing was
	// found before the connect wait ran out.
	ErrNoSourcesAvailable = errors.New("source: no sources available")
	// ErrSourceNotFound is returned when no source has the requested name.
	ErrSourceNotFound = errors.New("source: source not found")
)

// State is the adapter lifecycle state.
type State int

const (
	Uninitialized State = iota
	Initialized
	Discovering
	Connected
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Discovering:
		return "discovering"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options tunes the adapter's waits.
type Options struct {
	// PullTimeout bounds how long Pull waits for a frame.
	PullTimeout time.Duration
	// ConnectWait bounds how long Connect keeps looking for the source.
	ConnectWait time.Duration
	// RetryInterval is the discovery step used while connecting.
	RetryInterval time.Duration
}

// DefaultOptions waits one second per pull and 50 discovery steps of 100ms
// when connecting.
func DefaultOptions() Options {
	return Options{
		PullTimeout:   time.Second,
		ConnectWait:   5 * time.Second,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Adapter pulls frames from at most one connected source. It is not safe
// for concurrent use; Pull must run on the goroutine that owns the
// texture's device.
type Adapter struct {
	transport video.Transport
	opts      Options
	log       *zerolog.Logger

	state  State
	recv   video.Receiver
	width  int
	height int
}

// New creates an adapter over transport. Zero option fields take their
// defaults.
func New(transport video.Transport, opts Options) *Adapter {
	def := DefaultOptions()
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = def.PullTimeout
	}
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = def.ConnectWait
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	return &Adapter{
		transport: transport,
		opts:      opts,
		log:       logger.WithComponent("source"),
	}
}

// Initialize starts the transport. Transports tolerate repeated
// initialization, so one transport can back several adapters.
func (a *Adapter) Initialize() error {
	if a.state != Uninitialized {
		return ErrAlreadyInitialized
	}
	if err := a.transport.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	a.state = Initialized
	a.log.Debug().Msg("Source adapter initialized")
	return nil
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	return a.state
}

// Discover queries the transport for sources, waiting at most timeout.
// Sources found before the timeout are returned; an empty list is a normal
// result.
func (a *Adapter) Discover(timeout time.Duration) []video.Source {
	if a.state == Uninitialized {
		return nil
	}
	if a.state != Connected {
		a.state = Discovering
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sources, err := a.transport.Find(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Source discovery failed")
		return nil
	}
	a.log.Debug().Int("count", len(sources)).Msg("Sources discovered")
	return sources
}

// Connect connects to the source called name, or to the first source found
// when name is empty. It retries discovery until the connect wait runs out.
// Any existing connection is closed first.
func (a *Adapter) Connect(name string) error {
	if a.state == Uninitialized {
		return ErrNotInitialized
	}

	src, err := a.waitForSource(name)
	if err != nil {
		return err
	}

	a.Disconnect()

	recv, err := a.transport.Connect(src)
	if err != nil {
		return fmt.Errorf("source: connect to %q: %w", src.Name, err)
	}
	a.recv = recv
	a.state = Connected
	a.log.Info().Str("name", src.Name).Str("address", src.Address).Msg("Connected to source")
	return nil
}

func (a *Adapter) waitForSource(name string) (video.Source, error) {
	deadline := time.Now().Add(a.opts.ConnectWait)
	sawAny := false

	for {
		step := time.Now().Add(a.opts.RetryInterval)
		for _, src := range a.Discover(a.opts.RetryInterval) {
			sawAny = true
			if name == "" || src.Name == name {
				return src, nil
			}
		}

		if !time.Now().Before(deadline) {
			break
		}
		if wait := time.Until(step); wait > 0 {
			time.Sleep(wait)
		}
	}

	if name == "" {
		return video.Source{}, ErrNoSourcesAvailable
	}
	if sawAny {
		return video.Source{}, fmt.Errorf("%w: %q", ErrSourceNotFound, name)
	}
	return video.Source{}, fmt.Errorf("%w: %q (no sources visible)", ErrSourceNotFound, name)
}

// Source returns the connected source and whether there is one.
func (a *Adapter) Source() (video.Source, bool) {
	if a.recv == nil {
		return video.Source{}, false
	}
	return a.recv.Source(), true
}

// Disconnect closes the live connection, if any.
func (a *Adapter) Disconnect() {
	if a.recv == nil {
		return
	}
	if err := a.recv.Close(); err != nil {
		a.log.Debug().Err(err).Msg("Closing receiver")
	}
	a.log.Info().Str("name", a.recv.Source().Name).Msg("Disconnected from source")
	a.recv = nil
	a.state = Initialized
}

// Pull waits for the next frame and uploads it into tex, resizing tex only
// when the frame size differs from the texture's. It returns false, leaving
// tex untouched, when no frame arrived in time.
func (a *Adapter) Pull(tex *gpu.Texture) bool {
	if a.recv == nil {
		return false
	}

	f, err := a.recv.Capture(a.opts.PullTimeout)
	if err != nil {
		if errors.Is(err, video.ErrClosed) {
			a.log.Warn().Str("name", a.recv.Source().Name).Msg("Source stream closed")
			a.Disconnect()
		} else {
			a.log.Warn().Err(err).Msg("Frame capture failed")
		}
		return false
	}
	if f == nil {
		a.log.Trace().Msg("No frame ready")
		return false
	}

	if need := pixfmt.FrameSize(f.Width, f.Height); need == 0 || len(f.Data) < need {
		a.log.Warn().Int("width", f.Width).Int("height", f.Height).Int("bytes", len(f.Data)).Msg("Dropping short frame")
		return false
	}
	if !f.Format.Valid() {
		a.log.Warn().Stringer("format", f.Format).Msg("Dropping frame with unsupported pixel format")
		return false
	}

	if tex.Width() != f.Width || tex.Height() != f.Height || tex.ID() == 0 {
		a.log.Debug().
			Int("width", f.Width).
			Int("height", f.Height).
			Msg("Source resolution changed, resizing texture")
		if err := tex.Resize(f.Width, f.Height); err != nil {
			a.log.Error().Err(err).Msg("Texture resize failed")
			return false
		}
	}
	if err := tex.Submit(f.Data, f.Format); err != nil {
		a.log.Error().Err(err).Msg("Texture upload failed")
		return false
	}

	a.width = f.Width
	a.height = f.Height
	return true
}

// Width returns the width of the last pulled frame.
func (a *Adapter) Width() int { return a.width }

// Height returns the height of the last pulled frame.
func (a *Adapter) Height() int { return a.height }

// Close disconnects and returns the adapter to Uninitialized. The transport
// belongs to the caller and stays open.
func (a *Adapter) Close() error {
	if a.state == Uninitialized {
		return nil
	}
	a.Disconnect()
	a.state = Uninitialized
	a.width, a.height = 0, 0
	return nil
}
