// Package state defines the replicated Snapshot and its fixed-size binary
// encoding.
//
// The encoding never depends on the values in the snapshot: every snapshot
// encodes to exactly EncodedSize bytes, pixel capacity included, so the
// packet budget can be checked once at startup.
package state

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
)

const (
	// MaxFrameWidth and MaxFrameHeight bound the frame that can ride inside a
	// snapshot.
	MaxFrameWidth  = 128
	MaxFrameHeight = 96

	// PixelCapacity is the size of the embedded pixel array.
	PixelCapacity = MaxFrameWidth * MaxFrameHeight * pixfmt.BytesPerPixel

	scalarSize = 8 + 8 + 4 + 4 + 4 // Tick, Time, Color, RotationAngle, FrameCount
	pixelMeta  = 2 + 2 + 1 + 1     // Width, Height, Loaded, padding

	// EncodedSize is the exact size of an encoded Snapshot.
	EncodedSize = scalarSize + pixelMeta + PixelCapacity
)

// PixelBuffer is a fixed-capacity RGBA frame. Only the first
// Width*Height*4 bytes of Pixels are meaningful, and only when Loaded is
// set.
type PixelBuffer struct {
	Width  uint16
	Height uint16
	Loaded bool
	Pixels [PixelCapacity]byte
}

// Fits reports whether a width x height RGBA frame fits the buffer.
func Fits(width, height int) bool {
	size := pixfmt.FrameSize(width, height)
	return size > 0 && size <= PixelCapacity
}

// Bytes returns the meaningful prefix of Pixels, or nil when not loaded.
func (p *PixelBuffer) Bytes() []byte {
	if !p.Loaded {
		return nil
	}
	return p.Pixels[:pixfmt.FrameSize(int(p.Width), int(p.Height))]
}

// Set copies an RGBA frame into the buffer and marks it loaded. It returns
// false and clears Loaded when the frame does not fit.
func (p *PixelBuffer) Set(width, height int, rgba []byte) bool {
	if !Fits(width, height) || len(rgba) < pixfmt.FrameSize(width, height) {
		p.Loaded = false
		return false
	}
	copy(p.Pixels[:], rgba[:pixfmt.FrameSize(width, height)])
	p.Width = uint16(width)
	p.Height = uint16(height)
	p.Loaded = true
	return true
}

// Snapshot is the replicated application state.
type Snapshot struct {
	Tick          uint64
	Time          float64
	Color         float32
	RotationAngle float32
	FrameCount    int32

	Frame PixelBuffer
}

// Reset returns the animation fields to their initial values. Tick and Time
// keep counting.
func (s *Snapshot) Reset() {
	s.Color = 0
	s.RotationAngle = 0
	s.FrameCount = 0
}

// AppendBinary appends the fixed-size encoding of s to b.
func (s *Snapshot) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, s.Tick)
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(s.Time))
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(s.Color))
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(s.RotationAngle))
	b = binary.LittleEndian.AppendUint32(b, uint32(s.FrameCount))

	b = binary.LittleEndian.AppendUint16(b, s.Frame.Width)
	b = binary.LittleEndian.AppendUint16(b, s.Frame.Height)
	var loaded byte
	if s.Frame.Loaded {
		loaded = 1
	}
	b = append(b, loaded, 0)
	b = append(b, s.Frame.Pixels[:]...)
	return b, nil
}

// MarshalBinary returns the fixed-size encoding of s.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, EncodedSize))
}

// UnmarshalBinary replaces every field of s with the decoded data. data must
// be exactly EncodedSize bytes; on error s is left untouched.
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	if len(data) != EncodedSize {
		return fmt.Errorf("state: snapshot is %d bytes, want %d", len(data), EncodedSize)
	}

	width := binary.LittleEndian.Uint16(data[28:30])
	height := binary.LittleEndian.Uint16(data[30:32])
	loaded := data[32] == 1
	if loaded && !Fits(int(width), int(height)) {
		return fmt.Errorf("state: loaded frame %dx%d exceeds pixel capacity", width, height)
	}

	s.Tick = binary.LittleEndian.Uint64(data[0:8])
	s.Time = math.Float64frombits(binary.LittleEndian.Uint64(data[8:16]))
	s.Color = math.Float32frombits(binary.LittleEndian.Uint32(data[16:20]))
	s.RotationAngle = math.Float32frombits(binary.LittleEndian.Uint32(data[20:24]))
	s.FrameCount = int32(binary.LittleEndian.Uint32(data[24:28]))
	s.Frame.Width = width
	s.Frame.Height = height
	s.Frame.Loaded = loaded
	copy(s.Frame.Pixels[:], data[scalarSize+pixelMeta:])
	return nil
}
