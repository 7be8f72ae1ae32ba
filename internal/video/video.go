// Package video defines the video transport the source and sink adapters
// talk to: discovery, connecting to a producer, polling frames and sending
// frames.
package video

import (
	"context"
	"errors"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/mailbox"
	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
)

// ErrClosed is returned by operations on a closed transport, sender or
// receiver.
var ErrClosed = errors.New("video: closed")

// Source is an advertised video producer.
type Source struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Frame is one video frame. Data holds Width*Height*4 bytes, rows top to
// bottom, in Format.
type Frame struct {
	Width      int
	Height     int
	Format     pixfmt.Format
	FrameRateN int
	FrameRateD int
	// Timecode is in 100ns units.
	Timecode int64
	Data     []byte
}

// Receiver is a connection to one producer.
type Receiver interface {
	// Capture waits up to timeout for a frame newer than the last one
	// returned. It returns (nil, nil) when none arrived in time.
	Capture(timeout time.Duration) (*Frame, error)
	Source() Source
	Close() error
}

// Sender publishes frames under a name.
type Sender interface {
	// SendVideo hands a frame to the transport. The transport copies what it
	// needs before returning; the caller may reuse f.Data.
	SendVideo(f *Frame) error
	Name() string
	Close() error
}

// Transport is a video network. Initialize must succeed before any other
// call.
type Transport interface {
	Initialize() error
	// Find returns the sources visible before ctx expires. Partial results
	// gathered before expiry are returned, not discarded.
	Find(ctx context.Context) ([]Source, error)
	Connect(src Source) (Receiver, error)
	NewSender(name string) (Sender, error)
	Close() error
}

// Mailbox is the newest-wins frame slot behind receivers.
type Mailbox = mailbox.Mailbox[*Frame]

// NewMailbox returns an empty frame mailbox.
func NewMailbox() *Mailbox {
	return mailbox.New[*Frame]()
}

// TakeFrame waits on box with Receiver.Capture semantics.
func TakeFrame(box *Mailbox, timeout time.Duration) (*Frame, error) {
	f, ok, err := box.Take(timeout)
	if errors.Is(err, mailbox.ErrClosed) {
		return nil, ErrClosed
	}
	if !ok {
		return nil, err
	}
	return f, nil
}
