package gpu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
)

func TestPreserveRestoresBindings(t *testing.T) {
	dev := NewSoft()
	tex, err := dev.NewTexture(4, 4)
	if err != nil {
		t.Fatalf("NewTexture: %v", err)
	}
	fb, err := dev.NewFramebuffer()
	if err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}

	want := Bindings{ReadFramebuffer: 7, DrawFramebuffer: 8, Texture: 9}
	dev.Restore(want)

	func() {
		defer Preserve(dev)()
		if err := dev.AttachTexture(fb, tex); err != nil {
			t.Fatalf("AttachTexture: %v", err)
		}
		if got := dev.Bindings(); got == want {
			t.Fatalf("AttachTexture did not change bindings")
		}
	}()

	if got := dev.Bindings(); got != want {
		t.Errorf("bindings after Preserve = %+v, want %+v", got, want)
	}
}

func TestTextureResizeOnlyOnChange(t *testing.T) {
	dev := NewSoft()
	tex, err := NewTexture(dev, 0, 0)
	if err != nil {
		t.Fatalf("NewTexture: %v", err)
	}
	if tex.ID() != 0 {
		t.Fatalf("zero-size texture allocated id %d", tex.ID())
	}

	sizes := []struct{ w, h, allocations int }{
		{640, 480, 1},
		{640, 480, 1},
		{1920, 1080, 2},
		{640, 480, 3},
	}
	for _, s := range sizes {
		if err := tex.Resize(s.w, s.h); err != nil {
			t.Fatalf("Resize(%d, %d): %v", s.w, s.h, err)
		}
		if got := dev.Allocations(tex.ID()); got != s.allocations {
			t.Errorf("after Resize(%d, %d) allocations = %d, want %d", s.w, s.h, got, s.allocations)
		}
	}
}

func TestSubmitConvertsBGRA(t *testing.T) {
	dev := NewSoft()
	tex, err := NewTexture(dev, 2, 1)
	if err != nil {
		t.Fatalf("NewTexture: %v", err)
	}
	bgra := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := tex.Submit(bgra, pixfmt.BGRA); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := []byte{3, 2, 1, 4, 7, 6, 5, 8}
	if got := dev.Pixels(tex.ID()); !bytes.Equal(got, want) {
		t.Errorf("pixels = %v, want %v", got, want)
	}
}

func TestBlitAndReadPixels(t *testing.T) {
	dev := NewSoft()
	src, _ := NewTexture(dev, 2, 2)
	dst, _ := NewTexture(dev, 2, 2)
	pixels := []byte{
		10, 11, 12, 13, 20, 21, 22, 23,
		30, 31, 32, 33, 40, 41, 42, 43,
	}
	if err := src.Submit(pixels, pixfmt.RGBA); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	srcFB, _ := dev.NewFramebuffer()
	dstFB, _ := dev.NewFramebuffer()
	if err := dev.AttachTexture(srcFB, src.ID()); err != nil {
		t.Fatal(err)
	}
	if err := dev.AttachTexture(dstFB, dst.ID()); err != nil {
		t.Fatal(err)
	}
	if err := dev.Blit(srcFB, dstFB, 2, 2); err != nil {
		t.Fatalf("Blit: %v", err)
	}

	out := make([]byte, 16)
	if err := dev.ReadPixels(dstFB, 2, 2, pixfmt.RGBA, out); err != nil {
		t.Fatalf("ReadPixels: %v", err)
	}
	if !bytes.Equal(out, pixels) {
		t.Errorf("read back %v, want %v", out, pixels)
	}

	short := make([]byte, 15)
	if err := dev.ReadPixels(dstFB, 2, 2, pixfmt.RGBA, short); err == nil {
		t.Error("ReadPixels into a short buffer succeeded")
	}
}

func TestSoftFeatureSwitches(t *testing.T) {
	dev := NewSoft()
	dev.FailFramebuffers = true
	if _, err := dev.NewFramebuffer(); !errors.Is(err, ErrIncomplete) {
		t.Errorf("NewFramebuffer error = %v, want ErrIncomplete", err)
	}

	dev.FailFramebuffers = false
	dev.NoBlit = true
	if err := dev.Blit(1, 2, 1, 1); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Blit error = %v, want ErrUnsupported", err)
	}
}

func TestOpenBackends(t *testing.T) {
	if _, err := Open("soft"); err != nil {
		t.Fatalf("Open(soft): %v", err)
	}
	if _, err := Open("vulkan"); !errors.Is(err, ErrBackend) {
		t.Errorf("Open(vulkan) error = %v, want ErrBackend", err)
	}
}

type closingDevice struct {
	*Soft
	closed int
}

func (d *closingDevice) Close() error {
	d.closed++
	return nil
}

func TestCloseOnlyClosesClosers(t *testing.T) {
	if err := Close(NewSoft()); err != nil {
		t.Errorf("Close(soft) = %v", err)
	}
	d := &closingDevice{Soft: NewSoft()}
	if err := Close(d); err != nil || d.closed != 1 {
		t.Errorf("Close = %v, closed %d times", err, d.closed)
	}
}
