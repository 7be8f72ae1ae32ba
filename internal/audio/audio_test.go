package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func TestFrequency(t *testing.T) {
	tests := []struct {
		color float32
		want  float64
	}{
		{0, 220},
		{0.5, 440},
		{1, 660},
	}
	for _, tc := range tests {
		if got := Frequency(tc.color); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Frequency(%v) = %v, want %v", tc.color, got, tc.want)
		}
	}
}

func TestToneAmplitudeAndContinuity(t *testing.T) {
	tone := NewTone(48000)
	a := tone.Synthesize(480, 0.25)
	b := tone.Synthesize(480, 0.25)

	peak := 0.0
	for _, v := range append(a.Data, b.Data...) {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak > Amplitude+1e-9 || peak < Amplitude*0.99 {
		t.Errorf("peak = %v, want about %v", peak, Amplitude)
	}

	// no jump at the buffer boundary larger than one step of the sine
	step := 2 * math.Pi * Frequency(0.25) / 48000 * Amplitude
	if d := math.Abs(b.Data[0] - a.Data[len(a.Data)-1]); d > step*1.01 {
		t.Errorf("discontinuity of %v between buffers", d)
	}
	if a.Format.SampleRate != 48000 || a.Format.NumChannels != 1 {
		t.Errorf("format = %+v", a.Format)
	}
}

func TestToneZeroCrossings(t *testing.T) {
	tone := NewTone(48000)
	buf := tone.Synthesize(48000, 0)

	crossings := 0
	for i := 1; i < len(buf.Data); i++ {
		if (buf.Data[i-1] < 0) != (buf.Data[i] < 0) {
			crossings++
		}
	}
	// 220 Hz crosses zero twice per cycle
	if crossings < 438 || crossings > 442 {
		t.Errorf("%d zero crossings in one second, want about 440", crossings)
	}
}

func TestRecorderWritesWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	rec, err := NewRecorder(path, 8000)
	if err != nil {
		t.Fatal(err)
	}
	tone := NewTone(8000)
	for i := 0; i < 10; i++ {
		if err := rec.Write(tone.Synthesize(tone.SamplesPerTick(10), 0.5)); err != nil {
			t.Fatal(err)
		}
	}
	if rec.Samples() != 8000 {
		t.Errorf("Samples = %d", rec.Samples())
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatal(err)
	}
	if dec.SampleRate != 8000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Errorf("header = %d Hz, %d channels, %d bits", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if len(buf.Data) != 8000 {
		t.Fatalf("decoded %d samples", len(buf.Data))
	}
	peak := 0
	for _, v := range buf.Data {
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	amp := Amplitude
	want := int(amp * math.MaxInt16)
	if peak < want-40 || peak > want+1 {
		t.Errorf("peak sample = %d, want about %d", peak, want)
	}
}
