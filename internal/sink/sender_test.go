package sink

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
	"github.com/bryanchriswhite/FrameSync/internal/video/videotest"
)

func newSender(t *testing.T, dev *gpu.Soft, hardware bool) (*Sender, *videotest.Network) {
	t.Helper()
	network := videotest.NewNetwork()
	s := New(dev, network.Transport())
	if err := s.Initialize("out", VideoConfig{Width: 64, Height: 32}, hardware); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, network
}

func filledTexture(t *testing.T, dev *gpu.Soft, w, h int, seed byte) *gpu.Texture {
	t.Helper()
	tex, err := gpu.NewTexture(dev, w, h)
	if err != nil {
		t.Fatal(err)
	}
	pixels := make([]byte, pixfmt.FrameSize(w, h))
	for i := range pixels {
		pixels[i] = seed + byte(i*3)
	}
	if err := tex.Submit(pixels, pixfmt.RGBA); err != nil {
		t.Fatal(err)
	}
	return tex
}

func asBGRA(t *testing.T, rgba []byte) []byte {
	t.Helper()
	out := make([]byte, len(rgba))
	if err := pixfmt.Convert(out, pixfmt.BGRA, rgba, pixfmt.RGBA, len(rgba)/4); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestSendUninitialized(t *testing.T) {
	dev := gpu.NewSoft()
	s := New(dev, videotest.NewNetwork().Transport())
	tex := filledTexture(t, dev, 4, 4, 0)
	if s.Send(tex.ID()) {
		t.Error("Send succeeded before Initialize")
	}
	if s.SendBuffer(make([]byte, 64), 4, 4, pixfmt.RGBA) {
		t.Error("SendBuffer succeeded before Initialize")
	}
	if s.Resize(4, 4) {
		t.Error("Resize succeeded before Initialize")
	}
}

func TestInitializeErrors(t *testing.T) {
	network := videotest.NewNetwork()

	broken := network.Transport()
	broken.NewSenderErr = errors.New("refused")
	if err := New(gpu.NewSoft(), broken).Initialize("x", DefaultVideoConfig(), false); !errors.Is(err, ErrInit) {
		t.Errorf("Initialize = %v, want ErrInit", err)
	}

	s, _ := newSender(t, gpu.NewSoft(), false)
	if err := s.Initialize("out2", DefaultVideoConfig(), false); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize = %v, want ErrAlreadyInitialized", err)
	}
}

func TestHardwareSend(t *testing.T) {
	dev := gpu.NewSoft()
	s, network := newSender(t, dev, true)
	if !s.IsHardwareEnabled() {
		t.Fatal("hardware mode not enabled")
	}

	start := time.Unix(100, 0)
	s.start = start
	s.now = func() time.Time { return start.Add(1500 * time.Millisecond) }

	tex := filledTexture(t, dev, 8, 4, 5)
	if !s.Send(tex.ID()) {
		t.Fatal("Send failed")
	}
	if dev.Blits() != 1 {
		t.Errorf("Blits = %d, want 1", dev.Blits())
	}

	frames := network.Sender("out").Frames()
	if len(frames) != 1 {
		t.Fatalf("%d frames sent, want 1", len(frames))
	}
	f := frames[0]
	if f.Width != 8 || f.Height != 4 || f.Format != pixfmt.BGRA {
		t.Errorf("frame = %dx%d %s", f.Width, f.Height, f.Format)
	}
	if f.FrameRateN != 60000 || f.FrameRateD != 1000 {
		t.Errorf("frame rate = %d/%d", f.FrameRateN, f.FrameRateD)
	}
	if f.Timecode != 15_000_000 {
		t.Errorf("timecode = %d, want 15000000", f.Timecode)
	}
	if !bytes.Equal(f.Data, asBGRA(t, dev.Pixels(tex.ID()))) {
		t.Error("sent pixels differ from the texture")
	}
}

func TestSendResizesOncePerChange(t *testing.T) {
	dev := gpu.NewSoft()
	s, _ := newSender(t, dev, true)

	sizes := []struct {
		w, h        int
		allocations int
	}{
		{640, 480, 2},
		{640, 480, 2},
		{1920, 1080, 3},
		{640, 480, 4},
	}
	for i, size := range sizes {
		tex := filledTexture(t, dev, size.w, size.h, byte(i))
		if !s.Send(tex.ID()) {
			t.Fatalf("send %d failed", i)
		}
		if got := dev.Allocations(s.copyTex.ID()); got != size.allocations {
			t.Errorf("send %d: copy texture allocated %d times, want %d", i, got, size.allocations)
		}
		if len(s.mirror) != pixfmt.FrameSize(size.w, size.h) {
			t.Errorf("send %d: mirror holds %d bytes", i, len(s.mirror))
		}
		tex.Destroy()
	}
}

func TestSendWithoutBlitReadsDirectly(t *testing.T) {
	dev := gpu.NewSoft()
	dev.NoBlit = true
	s, network := newSender(t, dev, true)

	tex := filledTexture(t, dev, 4, 4, 1)
	for i := 0; i < 2; i++ {
		if !s.Send(tex.ID()) {
			t.Fatalf("send %d failed", i)
		}
	}
	if dev.Blits() != 0 {
		t.Errorf("Blits = %d", dev.Blits())
	}
	frames := network.Sender("out").Frames()
	if len(frames) != 2 || !bytes.Equal(frames[1].Data, asBGRA(t, dev.Pixels(tex.ID()))) {
		t.Error("direct readback produced wrong frames")
	}
}

func TestHardwareFallsBackToSoftware(t *testing.T) {
	dev := gpu.NewSoft()
	dev.FailFramebuffers = true
	s, network := newSender(t, dev, true)

	if !s.IsInitialized() {
		t.Fatal("Initialize did not complete")
	}
	if s.IsHardwareEnabled() {
		t.Fatal("hardware mode enabled without framebuffers")
	}
	if len(s.mirror) != pixfmt.FrameSize(64, 32) {
		t.Errorf("fallback buffer holds %d bytes", len(s.mirror))
	}
	if textures, framebuffers := dev.Live(); textures != 0 || framebuffers != 0 {
		t.Errorf("failed hardware setup leaked %d textures, %d framebuffers", textures, framebuffers)
	}

	dev.FailFramebuffers = false
	tex := filledTexture(t, dev, 4, 2, 0)
	if !s.Send(tex.ID()) {
		t.Fatal("software Send failed")
	}
	if len(network.Sender("out").Frames()) != 1 {
		t.Error("frame not published")
	}
}

func TestSendRestoresBindings(t *testing.T) {
	dev := gpu.NewSoft()
	s, _ := newSender(t, dev, true)
	tex := filledTexture(t, dev, 4, 4, 0)
	want := gpu.Bindings{ReadFramebuffer: 70, DrawFramebuffer: 71, Texture: 72}

	dev.Restore(want)
	if !s.Send(tex.ID()) {
		t.Fatal("Send failed")
	}
	if got := dev.Bindings(); got != want {
		t.Errorf("bindings after success = %+v", got)
	}

	dev.Restore(want)
	if s.Send(9999) {
		t.Fatal("Send of unknown texture succeeded")
	}
	if got := dev.Bindings(); got != want {
		t.Errorf("bindings after failure = %+v", got)
	}
}

func TestSendBufferConvertsToBGRA(t *testing.T) {
	s, network := newSender(t, gpu.NewSoft(), false)

	rgba := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !s.SendBuffer(rgba, 2, 1, pixfmt.RGBA) {
		t.Fatal("SendBuffer failed")
	}
	if s.SendBuffer(rgba, 4, 4, pixfmt.RGBA) {
		t.Error("SendBuffer accepted a short buffer")
	}

	frames := network.Sender("out").Frames()
	if len(frames) != 1 {
		t.Fatalf("%d frames sent", len(frames))
	}
	if want := []byte{3, 2, 1, 4, 7, 6, 5, 8}; !bytes.Equal(frames[0].Data, want) {
		t.Errorf("data = %v, want %v", frames[0].Data, want)
	}
}

func TestResize(t *testing.T) {
	dev := gpu.NewSoft()
	s, _ := newSender(t, dev, true)
	before := dev.Allocations(s.copyTex.ID())

	if !s.Resize(64, 32) {
		t.Fatal("same-size Resize failed")
	}
	if dev.Allocations(s.copyTex.ID()) != before {
		t.Error("same-size Resize reallocated")
	}
	if !s.Resize(128, 64) {
		t.Fatal("Resize failed")
	}
	if dev.Allocations(s.copyTex.ID()) != before+1 {
		t.Error("Resize did not reallocate the copy texture")
	}
	if s.Resize(0, 10) {
		t.Error("Resize accepted a zero width")
	}
}

func TestCloseReleasesResources(t *testing.T) {
	dev := gpu.NewSoft()
	network := videotest.NewNetwork()
	s := New(dev, network.Transport())
	if err := s.Initialize("out", VideoConfig{Width: 4, Height: 4}, true); err != nil {
		t.Fatal(err)
	}
	tex := filledTexture(t, dev, 4, 4, 0)
	s.Send(tex.ID())
	tex.Destroy()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if textures, framebuffers := dev.Live(); textures != 0 || framebuffers != 0 {
		t.Errorf("Close left %d textures, %d framebuffers", textures, framebuffers)
	}
	if network.Sender("out") != nil {
		t.Error("transport sender still registered")
	}
	if s.Send(1) {
		t.Error("Send succeeded after Close")
	}
}
