// Package gpu is the narrow view of the graphics device used by the frame
// capture bridge and the video adapters.
//
// A Device is owned by one goroutine. Every operation that changes binding
// state leaves it changed; callers that must not disturb unrelated rendering
// wrap their work in Preserve:
//
//	defer gpu.Preserve(dev)()
//
// Two devices exist: Soft, an in-memory device that is always available,
// and an OpenGL 3.2 core device compiled in with the "gl" build tag.
package gpu

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
)

var (
	// ErrUnknownObject is returned for texture or framebuffer ids the device
	// never created or has already deleted.
	ErrUnknownObject = errors.New("gpu: unknown object")
	// ErrIncomplete is returned when a framebuffer cannot be used as a render
	// or read target.
	ErrIncomplete = errors.New("gpu: framebuffer incomplete")
	// ErrUnsupported is returned by optional operations (Blit) on devices
	// that cannot perform them.
	ErrUnsupported = errors.New("gpu: operation not supported")
	// ErrBackend is returned by Open for unknown or unavailable backends.
	ErrBackend = errors.New("gpu: backend unavailable")
)

// Bindings is the binding state saved and restored around captures.
type Bindings struct {
	ReadFramebuffer uint32
	DrawFramebuffer uint32
	Texture         uint32
}

// Device is the subset of a graphics API needed to move pixels between
// textures and CPU memory.
type Device interface {
	// NewTexture allocates a width x height RGBA texture.
	NewTexture(width, height int) (uint32, error)
	// ResizeTexture reallocates storage; previous contents are lost.
	ResizeTexture(tex uint32, width, height int) error
	DeleteTexture(tex uint32)
	// TextureSize queries the current dimensions of tex.
	TextureSize(tex uint32) (width, height int, err error)
	// UploadTexture replaces the full contents of tex. pixels must hold
	// width*height*4 bytes for the texture's current size.
	UploadTexture(tex uint32, format pixfmt.Format, pixels []byte) error

	NewFramebuffer() (uint32, error)
	DeleteFramebuffer(fb uint32)
	// AttachTexture makes tex the colour attachment of fb. fb is left bound
	// for reading and drawing.
	AttachTexture(fb, tex uint32) error

	Bindings() Bindings
	Restore(b Bindings)
	BindTexture(tex uint32)

	// Blit copies the lower-left width x height region of src's colour
	// attachment into dst. Devices without blit support return
	// ErrUnsupported.
	Blit(src, dst uint32, width, height int) error
	// ReadPixels waits for all pending GPU work, then copies the lower-left
	// width x height region of fb's colour attachment into dst.
	ReadPixels(fb uint32, width, height int, format pixfmt.Format, dst []byte) error
}

// Preserve saves the current bindings of d and returns a function that
// restores them.
func Preserve(d Device) func() {
	saved := d.Bindings()
	return func() {
		d.Restore(saved)
	}
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]func() (Device, error){
		"soft": func() (Device, error) { return NewSoft(), nil },
	}
)

// register adds a named backend constructor.
func register(name string, open func() (Device, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = open
}

// Backends lists the backends compiled into this binary.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases whatever d holds beyond its textures, such as a window
// and context. Devices that own nothing else are left alone.
func Close(d Device) error {
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Open returns a device for the named backend.
func Open(name string) (Device, error) {
	backendsMu.RLock()
	open, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (compiled in: %v)", ErrBackend, name, Backends())
	}
	return open()
}
