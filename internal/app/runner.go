// Package app drives the replicated demo: a tick loop that animates the
// snapshot on the sender and applies received snapshots on receivers.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/audio"
	"github.com/bryanchriswhite/FrameSync/internal/capture"
	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
	"github.com/bryanchriswhite/FrameSync/internal/sink"
	"github.com/bryanchriswhite/FrameSync/internal/source"
	"github.com/bryanchriswhite/FrameSync/internal/state"
	"github.com/rs/zerolog"
)

// Per-tick animation steps.
const (
	ColorStep    = 0.01
	RotationStep = 0.02
)

// Replicator is the part of a replication handle the runner needs.
type Replicator interface {
	IsSender() bool
	Publish(s *state.Snapshot) error
	Receive(dst *state.Snapshot, wait time.Duration) bool
}

// Options configures a Runner. Zero values disable the optional parts.
type Options struct {
	// TickRate is ticks per second for Run, default 60.
	TickRate int
	// Pattern makes the sender render the demo scene and capture it into
	// the snapshot each tick.
	Pattern       bool
	PatternWidth  int
	PatternHeight int
	// Source, when connected, supplies the sender's frame. The pattern
	// stands in until the first source frame arrives.
	Source *source.Adapter
	// Sink, when set, receives the captured texture each tick on the sender.
	Sink *sink.Sender
	// Tone synthesizes audio from the colour on every role.
	Tone *audio.Tone
	// Recorder stores the synthesized audio.
	Recorder *audio.Recorder
}

// Status is the externally visible state after the last tick.
type Status struct {
	Role          string  `json:"role"`
	Tick          uint64  `json:"tick"`
	Time          float64 `json:"time"`
	Color         float32 `json:"color"`
	RotationAngle float32 `json:"rotation_angle"`
	FrameCount    int32   `json:"frame_count"`
	FrameWidth    int     `json:"frame_width"`
	FrameHeight   int     `json:"frame_height"`
	FrameLoaded   bool    `json:"frame_loaded"`
	Frequency     float64 `json:"frequency_hz"`
	// Updates counts published snapshots on the sender and applied ones on
	// a receiver.
	Updates uint64 `json:"updates"`
}

// Runner owns the process's snapshot. Step and Run must be called from the
// goroutine that owns the GPU device; Status, Reset and OnTick are safe from
// any goroutine.
type Runner struct {
	repl Replicator
	dev  gpu.Device
	opts Options
	log  *zerolog.Logger

	snap state.Snapshot
	// chosen once from the role
	tick func(dt time.Duration) error

	bridge     *capture.Bridge
	pattern    *gpu.Texture
	patternBuf []byte
	source     *gpu.Texture
	display    *gpu.Texture

	reset   atomic.Bool
	updates uint64

	mu        sync.RWMutex
	status    Status
	observers []func(*state.Snapshot)
	listeners []chan Status
}

// New creates a runner for the role repl was enabled with.
func New(repl Replicator, dev gpu.Device, opts Options) (*Runner, error) {
	if opts.TickRate <= 0 {
		opts.TickRate = 60
	}
	if opts.PatternWidth <= 0 || opts.PatternHeight <= 0 {
		opts.PatternWidth, opts.PatternHeight = state.MaxFrameWidth, state.MaxFrameHeight
	}

	r := &Runner{
		repl: repl,
		dev:  dev,
		opts: opts,
		log:  logger.WithComponent("app"),
	}

	if repl.IsSender() {
		r.tick = r.senderTick
		if opts.Pattern {
			if !state.Fits(opts.PatternWidth, opts.PatternHeight) {
				return nil, fmt.Errorf("app: pattern %dx%d does not fit the snapshot (max %dx%d)",
					opts.PatternWidth, opts.PatternHeight, state.MaxFrameWidth, state.MaxFrameHeight)
			}
			tex, err := gpu.NewTexture(dev, opts.PatternWidth, opts.PatternHeight)
			if err != nil {
				return nil, fmt.Errorf("app: create pattern texture: %w", err)
			}
			r.pattern = tex
			r.patternBuf = make([]byte, pixfmt.FrameSize(opts.PatternWidth, opts.PatternHeight))
		}
		if opts.Source != nil {
			tex, err := gpu.NewTexture(dev, 0, 0)
			if err != nil {
				return nil, fmt.Errorf("app: create source texture: %w", err)
			}
			r.source = tex
		}
		if r.pattern != nil || r.source != nil {
			r.bridge = capture.NewBridge(dev)
		}
	} else {
		r.tick = r.receiverTick
		tex, err := gpu.NewTexture(dev, 0, 0)
		if err != nil {
			return nil, err
		}
		r.display = tex
	}

	r.status.Role = r.role()
	return r, nil
}

func (r *Runner) role() string {
	if r.repl.IsSender() {
		return "sender"
	}
	return "receiver"
}

// IsSender reports the runner's role.
func (r *Runner) IsSender() bool {
	return r.repl.IsSender()
}

// OnTick registers fn to run after every tick with the current snapshot.
// fn runs on the tick goroutine and must not keep the pointer.
func (r *Runner) OnTick(fn func(*state.Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Reset asks the sender to zero the animation on its next tick. Receivers
// ignore it and return false.
func (r *Runner) Reset() bool {
	if !r.repl.IsSender() {
		r.log.Debug().Msg("Reset ignored on a receiver")
		return false
	}
	r.reset.Store(true)
	return true
}

// Snapshot returns the runner's snapshot. Only the tick goroutine may use
// it.
func (r *Runner) Snapshot() *state.Snapshot {
	return &r.snap
}

// Display returns the receiver's display texture, nil on the sender.
func (r *Runner) Display() *gpu.Texture {
	return r.display
}

// Status returns the state after the last tick.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Step runs one tick of dt.
func (r *Runner) Step(dt time.Duration) error {
	if err := r.tick(dt); err != nil {
		return err
	}

	if r.opts.Tone != nil {
		buf := r.opts.Tone.Synthesize(r.opts.Tone.SamplesPerTick(r.opts.TickRate), r.snap.Color)
		if r.opts.Recorder != nil {
			if err := r.opts.Recorder.Write(buf); err != nil {
				r.log.Warn().Err(err).Msg("Audio recording failed, recording stopped")
				r.opts.Recorder = nil
			}
		}
	}

	r.mu.Lock()
	r.status = Status{
		Role:          r.status.Role,
		Tick:          r.snap.Tick,
		Time:          r.snap.Time,
		Color:         r.snap.Color,
		RotationAngle: r.snap.RotationAngle,
		FrameCount:    r.snap.FrameCount,
		FrameWidth:    int(r.snap.Frame.Width),
		FrameHeight:   int(r.snap.Frame.Height),
		FrameLoaded:   r.snap.Frame.Loaded,
		Frequency:     audio.Frequency(r.snap.Color),
		Updates:       r.updates,
	}
	observers := r.observers
	r.mu.Unlock()

	for _, fn := range observers {
		fn(&r.snap)
	}
	r.notifyListeners()
	return nil
}

// Subscribe adds a listener that receives the status after each tick.
// Slow listeners miss updates.
func (r *Runner) Subscribe() chan Status {
	ch := make(chan Status, 10)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener.
func (r *Runner) Unsubscribe(ch chan Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, listener := range r.listeners {
		if listener == ch {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (r *Runner) notifyListeners() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, listener := range r.listeners {
		select {
		case listener <- r.status:
		default:
			// Skip if channel is full
		}
	}
}

func (r *Runner) senderTick(dt time.Duration) error {
	if r.reset.Swap(false) {
		r.snap.Reset()
		r.log.Info().Msg("Animation reset")
	}

	r.snap.Color += ColorStep
	if r.snap.Color >= 1 {
		r.snap.Color -= 1
	}
	r.snap.RotationAngle += RotationStep
	r.snap.FrameCount++
	r.snap.Tick++
	r.snap.Time += dt.Seconds()

	if r.bridge != nil {
		r.captureFrame()
	}

	if err := r.repl.Publish(&r.snap); err != nil {
		return fmt.Errorf("app: publish tick %d: %w", r.snap.Tick, err)
	}
	r.updates++
	return nil
}

// captureFrame fills the snapshot frame from the source when it delivered
// a new frame, otherwise from the pattern. While a connected source has
// nothing new the previous capture stays in the snapshot.
func (r *Runner) captureFrame() {
	if r.source != nil {
		if r.opts.Source.Pull(r.source) {
			r.captureTexture(r.source)
			return
		}
		if r.opts.Source.State() == source.Connected && r.source.ID() != 0 {
			return
		}
	}
	if r.pattern != nil {
		r.renderPattern()
		return
	}
	r.snap.Frame.Loaded = false
}

func (r *Runner) renderPattern() {
	DrawPattern(r.patternBuf, r.pattern.Width(), r.pattern.Height(), r.snap.Color, r.snap.RotationAngle)
	if err := r.pattern.Submit(r.patternBuf, pixfmt.RGBA); err != nil {
		r.log.Warn().Err(err).Msg("Pattern upload failed")
		r.snap.Frame.Loaded = false
		return
	}
	r.captureTexture(r.pattern)
}

// captureTexture reads tex into the snapshot. Frames too large for the
// snapshot leave it not loaded but still go to the sink.
func (r *Runner) captureTexture(tex *gpu.Texture) {
	r.bridge.CaptureInto(tex.ID(), &r.snap.Frame)
	if r.opts.Sink != nil {
		r.opts.Sink.Send(tex.ID())
	}
}

func (r *Runner) receiverTick(time.Duration) error {
	if !r.repl.Receive(&r.snap, 0) {
		return nil
	}
	r.updates++

	if !r.snap.Frame.Loaded {
		return nil
	}
	w, h := int(r.snap.Frame.Width), int(r.snap.Frame.Height)
	if r.display.Width() != w || r.display.Height() != h {
		r.log.Debug().Int("width", w).Int("height", h).Msg("Snapshot frame size changed")
		if err := r.display.Resize(w, h); err != nil {
			r.log.Warn().Err(err).Msg("Display texture resize failed")
			return nil
		}
	}
	if err := r.display.Submit(r.snap.Frame.Bytes(), pixfmt.RGBA); err != nil {
		r.log.Warn().Err(err).Msg("Display upload failed")
	}
	return nil
}

// Run ticks at the configured rate until ctx is done or a tick fails.
func (r *Runner) Run(ctx context.Context) error {
	period := time.Second / time.Duration(r.opts.TickRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	r.log.Info().Str("role", r.role()).Int("tick_rate", r.opts.TickRate).Msg("Runner started")
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Uint64("tick", r.snap.Tick).Msg("Runner stopped")
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			if err := r.Step(dt); err != nil {
				return err
			}
		}
	}
}

// Close releases the runner's GPU resources.
func (r *Runner) Close() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.pattern != nil {
		r.pattern.Destroy()
	}
	if r.source != nil {
		r.source.Destroy()
	}
	if r.display != nil {
		r.display.Destroy()
	}
}
