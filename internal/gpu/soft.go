package gpu

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
)

type softTexture struct {
	width       int
	height      int
	pixels      []byte // RGBA, top row first
	allocations int
}

// Soft is an in-memory Device. It keeps pixels in RGBA and performs every
// operation immediately, so ReadPixels never has pending work to wait on.
//
// The exported fields let tests simulate devices with missing features.
type Soft struct {
	// FailFramebuffers makes NewFramebuffer fail with ErrIncomplete.
	FailFramebuffers bool
	// NoBlit makes Blit return ErrUnsupported.
	NoBlit bool

	mu           sync.Mutex
	nextID       uint32
	textures     map[uint32]*softTexture
	framebuffers map[uint32]uint32 // framebuffer -> attached texture
	bindings     Bindings
	readbacks    int
	blits        int
}

// NewSoft creates an empty software device.
func NewSoft() *Soft {
	return &Soft{
		textures:     make(map[uint32]*softTexture),
		framebuffers: make(map[uint32]uint32),
	}
}

func (s *Soft) id() uint32 {
	s.nextID++
	return s.nextID
}

func (s *Soft) NewTexture(width, height int) (uint32, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("gpu: invalid texture size %dx%d", width, height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.id()
	s.textures[id] = &softTexture{
		width:       width,
		height:      height,
		pixels:      make([]byte, pixfmt.FrameSize(width, height)),
		allocations: 1,
	}
	s.bindings.Texture = id
	return id, nil
}

func (s *Soft) ResizeTexture(tex uint32, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("gpu: invalid texture size %dx%d", width, height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.textures[tex]
	if !ok {
		return fmt.Errorf("%w: texture %d", ErrUnknownObject, tex)
	}
	t.width = width
	t.height = height
	t.pixels = make([]byte, pixfmt.FrameSize(width, height))
	t.allocations++
	s.bindings.Texture = tex
	return nil
}

func (s *Soft) DeleteTexture(tex uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.textures, tex)
	for fb, attached := range s.framebuffers {
		if attached == tex {
			s.framebuffers[fb] = 0
		}
	}
	if s.bindings.Texture == tex {
		s.bindings.Texture = 0
	}
}

func (s *Soft) TextureSize(tex uint32) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.textures[tex]
	if !ok {
		return 0, 0, fmt.Errorf("%w: texture %d", ErrUnknownObject, tex)
	}
	return t.width, t.height, nil
}

func (s *Soft) UploadTexture(tex uint32, format pixfmt.Format, pixels []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.textures[tex]
	if !ok {
		return fmt.Errorf("%w: texture %d", ErrUnknownObject, tex)
	}
	s.bindings.Texture = tex
	return pixfmt.Convert(t.pixels, pixfmt.RGBA, pixels, format, t.width*t.height)
}

func (s *Soft) NewFramebuffer() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailFramebuffers {
		return 0, ErrIncomplete
	}
	id := s.id()
	s.framebuffers[id] = 0
	return id, nil
}

func (s *Soft) DeleteFramebuffer(fb uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.framebuffers, fb)
	if s.bindings.ReadFramebuffer == fb {
		s.bindings.ReadFramebuffer = 0
	}
	if s.bindings.DrawFramebuffer == fb {
		s.bindings.DrawFramebuffer = 0
	}
}

func (s *Soft) AttachTexture(fb, tex uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.framebuffers[fb]; !ok {
		return fmt.Errorf("%w: framebuffer %d", ErrUnknownObject, fb)
	}
	if _, ok := s.textures[tex]; !ok {
		return fmt.Errorf("%w: texture %d", ErrUnknownObject, tex)
	}
	s.framebuffers[fb] = tex
	s.bindings.ReadFramebuffer = fb
	s.bindings.DrawFramebuffer = fb
	s.bindings.Texture = tex
	return nil
}

func (s *Soft) Bindings() Bindings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings
}

func (s *Soft) Restore(b Bindings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = b
}

func (s *Soft) BindTexture(tex uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings.Texture = tex
}

// attachment returns the texture attached to fb. Caller holds mu.
func (s *Soft) attachment(fb uint32) (*softTexture, error) {
	tex, ok := s.framebuffers[fb]
	if !ok {
		return nil, fmt.Errorf("%w: framebuffer %d", ErrUnknownObject, fb)
	}
	t, ok := s.textures[tex]
	if !ok {
		return nil, fmt.Errorf("%w: framebuffer %d has no attachment", ErrIncomplete, fb)
	}
	return t, nil
}

func (s *Soft) Blit(src, dst uint32, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NoBlit {
		return ErrUnsupported
	}

	from, err := s.attachment(src)
	if err != nil {
		return err
	}
	to, err := s.attachment(dst)
	if err != nil {
		return err
	}
	s.bindings.ReadFramebuffer = src
	s.bindings.DrawFramebuffer = dst

	w := min(width, from.width, to.width)
	h := min(height, from.height, to.height)
	for y := 0; y < h; y++ {
		copy(to.pixels[y*to.width*4:y*to.width*4+w*4], from.pixels[y*from.width*4:y*from.width*4+w*4])
	}
	s.blits++
	return nil
}

func (s *Soft) ReadPixels(fb uint32, width, height int, format pixfmt.Format, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.attachment(fb)
	if err != nil {
		return err
	}
	if width > t.width || height > t.height {
		return fmt.Errorf("gpu: read %dx%d outside %dx%d attachment", width, height, t.width, t.height)
	}
	if len(dst) < pixfmt.FrameSize(width, height) {
		return fmt.Errorf("gpu: read %dx%d needs %d bytes, got %d", width, height, pixfmt.FrameSize(width, height), len(dst))
	}
	s.bindings.ReadFramebuffer = fb

	row := width * pixfmt.BytesPerPixel
	for y := 0; y < height; y++ {
		src := t.pixels[y*t.width*pixfmt.BytesPerPixel:]
		if err := pixfmt.Convert(dst[y*row:(y+1)*row], format, src, pixfmt.RGBA, width); err != nil {
			return err
		}
	}
	s.readbacks++
	return nil
}

// Allocations returns how many times storage for tex has been allocated,
// counting the initial allocation.
func (s *Soft) Allocations(tex uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.textures[tex]; ok {
		return t.allocations
	}
	return 0
}

// Pixels returns a copy of the RGBA contents of tex.
func (s *Soft) Pixels(tex uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.textures[tex]
	if !ok {
		return nil
	}
	out := make([]byte, len(t.pixels))
	copy(out, t.pixels)
	return out
}

// Readbacks returns the number of completed ReadPixels calls.
func (s *Soft) Readbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readbacks
}

// Blits returns the number of completed Blit calls.
func (s *Soft) Blits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blits
}

// Live returns the number of textures and framebuffers currently allocated.
func (s *Soft) Live() (textures, framebuffers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.textures), len(s.framebuffers)
}
