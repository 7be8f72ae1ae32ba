// Package sink reads rendered textures back from the GPU and publishes them
// on a video transport.
package sink

import (
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
	// ErrInit is returned when the transport or its sender cannot be created.
	ErrInit = errors.New("sink: video sender initialization failed")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("sink: already initialized")
)

// VideoConfig describes the outgoing stream.
type VideoConfig struct {
	Width      int
	Height     int
	FrameRateN int
	FrameRateD int
}

// DefaultVideoConfig is 1920x1080 at 60 frames per second.
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		Width:      1920,
		Height:     1080,
		FrameRateN: 60000,
		FrameRateD: 1000,
	}
}

// Sender publishes textures as BGRA video frames.
//
// In hardware mode the sender keeps a copy texture and framebuffer sized to
// the stream; each Send blits into it before the readback. Without hardware
// mode, or when the copy buffers cannot be created, it reads the source
// texture directly. Either way the CPU mirror is allocated up front and
// reused until the dimensions change.
//
// A Sender must be used from the goroutine that owns the device.
type Sender struct {
	dev       gpu.Device
	transport video.Transport
	log       *zerolog.Logger
	now       func() time.Time

	out         video.Sender
	cfg         VideoConfig
	initialized bool
	hardware    bool
	blit        bool

	readFB  uint32
	copyTex *gpu.Texture
	copyFB  uint32
	mirror  []byte

	width  int
	height int
	start  time.Time
	frames uint64
}

// New creates an uninitialized sender. The transport stays owned by the
// caller.
func New(dev gpu.Device, transport video.Transport) *Sender {
	return &Sender{
		dev:       dev,
		transport: transport,
		log:       logger.WithComponent("sink"),
		now:       time.Now,
	}
}

// Initialize creates the named transport sender and the frame buffers. Zero
// fields in cfg take the defaults. A failure to create hardware buffers is
// not an error; the sender continues in software mode.
func (s *Sender) Initialize(name string, cfg VideoConfig, enableHardware bool) error {
	if s.initialized {
		return ErrAlreadyInitialized
	}

	def := DefaultVideoConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.FrameRateN <= 0 || cfg.FrameRateD <= 0 {
		cfg.FrameRateN, cfg.FrameRateD = def.FrameRateN, def.FrameRateD
	}

	if err := s.transport.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	out, err := s.transport.NewSender(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}

	s.out = out
	s.cfg = cfg
	s.width = cfg.Width
	s.height = cfg.Height
	s.mirror = make([]byte, pixfmt.FrameSize(cfg.Width, cfg.Height))

	if enableHardware {
		if err := s.allocHardware(cfg.Width, cfg.Height); err != nil {
			s.log.Warn().Err(err).Msg("Hardware copy buffers unavailable, using software readback")
			s.releaseHardware()
		} else {
			s.hardware = true
			s.blit = true
		}
	}

	s.start = s.now()
	s.initialized = true
	s.log.Info().
		Str("name", name).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Str("rate", fmt.Sprintf("%d/%d", cfg.FrameRateN, cfg.FrameRateD)).
		Bool("hardware", s.hardware).
		Msg("Video sender initialized")
	return nil
}

func (s *Sender) allocHardware(width, height int) error {
	defer gpu.Preserve(s.dev)()

	tex, err := gpu.NewTexture(s.dev, width, height)
	if err != nil {
		return err
	}
	s.copyTex = tex

	fb, err := s.dev.NewFramebuffer()
	if err != nil {
		return err
	}
	s.copyFB = fb
	return s.dev.AttachTexture(s.copyFB, s.copyTex.ID())
}

func (s *Sender) releaseHardware() {
	if s.copyFB != 0 {
		s.dev.DeleteFramebuffer(s.copyFB)
		s.copyFB = 0
	}
	if s.copyTex != nil {
		s.copyTex.Destroy()
		s.copyTex = nil
	}
	s.hardware = false
	s.blit = false
}

// IsInitialized reports whether Initialize succeeded.
func (s *Sender) IsInitialized() bool { return s.initialized }

// IsHardwareEnabled reports whether the copy buffers are in use.
func (s *Sender) IsHardwareEnabled() bool { return s.hardware }

// Frames returns how many frames were handed to the transport.
func (s *Sender) Frames() uint64 { return s.frames }

// Resize reallocates the mirror, and the copy texture in hardware mode, for
// width x height. It is a no-op when the size is unchanged.
func (s *Sender) Resize(width, height int) bool {
	if !s.initialized || width <= 0 || height <= 0 {
		return false
	}
	if width == s.width && height == s.height && s.mirror != nil {
		return true
	}

	s.mirror = make([]byte, pixfmt.FrameSize(width, height))
	if s.hardware {
		if err := s.copyTex.Resize(width, height); err != nil {
			s.log.Warn().Err(err).Msg("Copy texture resize failed, using software readback")
			s.releaseHardware()
		}
	}

	s.log.Debug().
		Int("width", width).
		Int("height", height).
		Msg("Sender buffers resized")
	s.width = width
	s.height = height
	return true
}

// Send reads tex back into the mirror and publishes it. It returns false
// when the sender is not initialized or any step fails. The device's
// bindings are restored on every path.
func (s *Sender) Send(tex uint32) bool {
	if !s.initialized {
		return false
	}
	defer gpu.Preserve(s.dev)()

	width, height, err := s.dev.TextureSize(tex)
	if err != nil {
		s.log.Warn().Err(err).Uint32("texture", tex).Msg("Cannot query texture size")
		return false
	}
	if !s.Resize(width, height) || s.mirror == nil {
		return false
	}

	if err := s.readback(tex, width, height); err != nil {
		s.log.Warn().Err(err).Msg("Texture readback failed")
		return false
	}
	return s.publish(width, height)
}

func (s *Sender) readback(tex uint32, width, height int) error {
	if s.readFB == 0 {
		fb, err := s.dev.NewFramebuffer()
		if err != nil {
			return err
		}
		s.readFB = fb
	}
	if err := s.dev.AttachTexture(s.readFB, tex); err != nil {
		return err
	}

	if s.hardware && s.blit {
		err := s.dev.Blit(s.readFB, s.copyFB, width, height)
		if err == nil {
			return s.dev.ReadPixels(s.copyFB, width, height, pixfmt.BGRA, s.mirror)
		}
		if !errors.Is(err, gpu.ErrUnsupported) {
			return err
		}
		s.log.Info().Msg("Device cannot blit, reading source textures directly")
		s.blit = false
	}
	return s.dev.ReadPixels(s.readFB, width, height, pixfmt.BGRA, s.mirror)
}

// SendBuffer publishes a CPU frame without touching the GPU.
func (s *Sender) SendBuffer(pixels []byte, width, height int, format pixfmt.Format) bool {
	if !s.initialized {
		return false
	}
	if need := pixfmt.FrameSize(width, height); need == 0 || len(pixels) < need {
		s.log.Warn().Int("width", width).Int("height", height).Int("bytes", len(pixels)).Msg("Buffer too small for frame")
		return false
	}
	if !s.Resize(width, height) {
		return false
	}
	if err := pixfmt.Convert(s.mirror, pixfmt.BGRA, pixels, format, width*height); err != nil {
		s.log.Warn().Err(err).Msg("Buffer conversion failed")
		return false
	}
	return s.publish(width, height)
}

func (s *Sender) publish(width, height int) bool {
	frame := &video.Frame{
		Width:      width,
		Height:     height,
		Format:     pixfmt.BGRA,
		FrameRateN: s.cfg.FrameRateN,
		FrameRateD: s.cfg.FrameRateD,
		Timecode:   s.now().Sub(s.start).Nanoseconds() / 100,
		Data:       s.mirror[:pixfmt.FrameSize(width, height)],
	}
	if err := s.out.SendVideo(frame); err != nil {
		s.log.Warn().Err(err).Msg("SendVideo failed")
		return false
	}
	s.frames++
	return true
}

// Close releases GPU buffers and the transport sender.
func (s *Sender) Close() error {
	if !s.initialized {
		return nil
	}
	s.releaseHardware()
	if s.readFB != 0 {
		s.dev.DeleteFramebuffer(s.readFB)
		s.readFB = 0
	}
	s.mirror = nil
	s.initialized = false
	s.log.Info().Uint64("frames", s.frames).Msg("Video sender closed")
	return s.out.Close()
}
