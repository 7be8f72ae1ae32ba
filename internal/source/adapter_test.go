package source

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/gpu"
	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
	"github.com/bryanchriswhite/FrameSync/internal/video"
	"github.com/bryanchriswhite/FrameSync/internal/video/videotest"
)

var fastOptions = Options{
	PullTimeout:   20 * time.Millisecond,
	ConnectWait:   60 * time.Millisecond,
	RetryInterval: 10 * time.Millisecond,
}

func newProducer(t *testing.T, network *videotest.Network, name string) video.Sender {
	t.Helper()
	tr := network.Transport()
	if err := tr.Initialize(); err != nil {
		t.Fatal(err)
	}
	snd, err := tr.NewSender(name)
	if err != nil {
		t.Fatal(err)
	}
	return snd
}

func newConnectedAdapter(t *testing.T, network *videotest.Network, name string) *Adapter {
	t.Helper()
	a := New(network.Transport(), fastOptions)
	if err := a.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Connect(name); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func bgraFrame(w, h int, seed byte) *video.Frame {
	data := make([]byte, pixfmt.FrameSize(w, h))
	for i := range data {
		data[i] = seed + byte(i*7)
	}
	return &video.Frame{Width: w, Height: h, Format: pixfmt.BGRA, FrameRateN: 60000, FrameRateD: 1000, Data: data}
}

func toRGBA(t *testing.T, f *video.Frame) []byte {
	t.Helper()
	out := make([]byte, len(f.Data))
	if err := pixfmt.Convert(out, pixfmt.RGBA, f.Data, f.Format, f.Width*f.Height); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestPullResizesOnlyOnDimensionChange(t *testing.T) {
	network := videotest.NewNetwork()
	snd := newProducer(t, network, "cam")
	a := newConnectedAdapter(t, network, "cam")

	dev := gpu.NewSoft()
	tex, err := gpu.NewTexture(dev, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		w, h        int
		allocations int
	}{
		{640, 480, 1},
		{640, 480, 1},
		{1920, 1080, 2},
		{640, 480, 3},
	}

	for i, step := range steps {
		f := bgraFrame(step.w, step.h, byte(i))
		if err := snd.SendVideo(f); err != nil {
			t.Fatal(err)
		}
		if !a.Pull(tex) {
			t.Fatalf("frame %d: Pull returned false", i)
		}
		if tex.Width() != step.w || tex.Height() != step.h {
			t.Errorf("frame %d: texture %dx%d, want %dx%d", i, tex.Width(), tex.Height(), step.w, step.h)
		}
		if got := dev.Allocations(tex.ID()); got != step.allocations {
			t.Errorf("frame %d: %d allocations, want %d", i, got, step.allocations)
		}
		if !bytes.Equal(dev.Pixels(tex.ID()), toRGBA(t, f)) {
			t.Errorf("frame %d: texture contents differ from the source frame", i)
		}
		if a.Width() != step.w || a.Height() != step.h {
			t.Errorf("frame %d: adapter reports %dx%d", i, a.Width(), a.Height())
		}
	}
}

func TestPullWithoutNewFrameChangesNothing(t *testing.T) {
	network := videotest.NewNetwork()
	snd := newProducer(t, network, "cam")
	a := newConnectedAdapter(t, network, "cam")

	dev := gpu.NewSoft()
	tex, _ := gpu.NewTexture(dev, 0, 0)

	if err := snd.SendVideo(bgraFrame(32, 16, 1)); err != nil {
		t.Fatal(err)
	}
	if !a.Pull(tex) {
		t.Fatal("first Pull returned false")
	}
	before := append([]byte(nil), dev.Pixels(tex.ID())...)
	allocations := dev.Allocations(tex.ID())

	for i := 0; i < 3; i++ {
		if a.Pull(tex) {
			t.Fatal("Pull without a new frame returned true")
		}
	}
	if !bytes.Equal(dev.Pixels(tex.ID()), before) {
		t.Error("texture modified by an empty Pull")
	}
	if dev.Allocations(tex.ID()) != allocations {
		t.Error("texture reallocated by an empty Pull")
	}
	if a.State() != Connected {
		t.Errorf("state = %s, want connected", a.State())
	}
}

func TestPullDropsUnsupportedFormatBeforeResize(t *testing.T) {
	network := videotest.NewNetwork()
	snd := newProducer(t, network, "cam")
	a := newConnectedAdapter(t, network, "cam")

	dev := gpu.NewSoft()
	tex, _ := gpu.NewTexture(dev, 0, 0)

	if err := snd.SendVideo(bgraFrame(32, 16, 1)); err != nil {
		t.Fatal(err)
	}
	if !a.Pull(tex) {
		t.Fatal("first Pull returned false")
	}
	before := append([]byte(nil), dev.Pixels(tex.ID())...)

	bad := bgraFrame(64, 48, 2)
	bad.Format = pixfmt.Format(9)
	if err := snd.SendVideo(bad); err != nil {
		t.Fatal(err)
	}
	if a.Pull(tex) {
		t.Fatal("Pull accepted a frame with an unknown format")
	}
	if tex.Width() != 32 || tex.Height() != 16 {
		t.Errorf("texture resized to %dx%d by a rejected frame", tex.Width(), tex.Height())
	}
	if dev.Allocations(tex.ID()) != 1 {
		t.Errorf("texture reallocated by a rejected frame")
	}
	if !bytes.Equal(dev.Pixels(tex.ID()), before) {
		t.Error("texture contents changed by a rejected frame")
	}
	if a.Width() != 32 || a.Height() != 16 {
		t.Errorf("adapter reports %dx%d", a.Width(), a.Height())
	}
}

func TestPullWithoutConnection(t *testing.T) {
	a := New(videotest.NewNetwork().Transport(), fastOptions)
	tex, _ := gpu.NewTexture(gpu.NewSoft(), 0, 0)
	if a.Pull(tex) {
		t.Error("Pull succeeded before Initialize")
	}
}

func TestInitialize(t *testing.T) {
	network := videotest.NewNetwork()

	broken := network.Transport()
	broken.InitErr = errors.New("no network")
	if err := New(broken, fastOptions).Initialize(); !errors.Is(err, ErrInit) {
		t.Errorf("Initialize with failing transport = %v, want ErrInit", err)
	}

	a := New(network.Transport(), fastOptions)
	if err := a.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := a.Initialize(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize = %v, want ErrAlreadyInitialized", err)
	}
	if a.State() != Initialized {
		t.Errorf("state = %s", a.State())
	}
}

func TestConnectErrors(t *testing.T) {
	network := videotest.NewNetwork()

	a := New(network.Transport(), fastOptions)
	if err := a.Connect(""); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Connect before Initialize = %v", err)
	}
	if err := a.Initialize(); err != nil {
		t.Fatal(err)
	}

	if err := a.Connect(""); !errors.Is(err, ErrNoSourcesAvailable) {
		t.Errorf("Connect with no sources = %v, want ErrNoSourcesAvailable", err)
	}

	newProducer(t, network, "other")
	if err := a.Connect("cam"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("Connect to missing name = %v, want ErrSourceNotFound", err)
	}
	if a.State() == Connected {
		t.Error("adapter connected after a failed Connect")
	}
}

func TestConnectWaitsForLateSource(t *testing.T) {
	network := videotest.NewNetwork()
	tr := network.Transport()
	a := New(tr, Options{PullTimeout: 20 * time.Millisecond, ConnectWait: 2 * time.Second, RetryInterval: 10 * time.Millisecond})
	if err := a.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	producer := network.Transport()
	if err := producer.Initialize(); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		producer.NewSender("late")
	}()

	if err := a.Connect("late"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr.Finds() < 2 {
		t.Errorf("discovery ran %d times, expected retries", tr.Finds())
	}
	if src, ok := a.Source(); !ok || src.Name != "late" {
		t.Errorf("Source = %+v, %v", src, ok)
	}
}

func TestConnectFirstAvailableAndReconnect(t *testing.T) {
	network := videotest.NewNetwork()
	newProducer(t, network, "a")
	newProducer(t, network, "b")

	ad := newConnectedAdapter(t, network, "")
	if src, _ := ad.Source(); src.Name != "a" {
		t.Errorf("first available source = %q, want a", src.Name)
	}

	if err := ad.Connect("b"); err != nil {
		t.Fatal(err)
	}
	if n := network.Sender("a").Receivers(); n != 0 {
		t.Errorf("previous connection still open (%d receivers on a)", n)
	}
	if n := network.Sender("b").Receivers(); n != 1 {
		t.Errorf("%d receivers on b, want 1", n)
	}

	ad.Disconnect()
	if ad.State() != Initialized {
		t.Errorf("state after Disconnect = %s", ad.State())
	}
	if n := network.Sender("b").Receivers(); n != 0 {
		t.Errorf("%d receivers on b after Disconnect", n)
	}
}

func TestPullNoticesClosedSource(t *testing.T) {
	network := videotest.NewNetwork()
	snd := newProducer(t, network, "cam")
	a := newConnectedAdapter(t, network, "cam")

	snd.Close()
	tex, _ := gpu.NewTexture(gpu.NewSoft(), 0, 0)
	if a.Pull(tex) {
		t.Fatal("Pull succeeded on a closed source")
	}
	if a.State() != Initialized {
		t.Errorf("state = %s, want initialized", a.State())
	}
}
