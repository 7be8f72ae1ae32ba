// Package audio turns the replicated colour into a sine tone and can record
// the result to a WAV file.
package audio

import (
	"math"

	goaudio "github.com/go-audio/audio"
)

const (
	// BaseFrequency is the pitch at colour 0.
	BaseFrequency = 220.0
	// FrequencyRange is added at colour 1.
	FrequencyRange = 440.0
	// Amplitude of the tone, full scale is 1.
	Amplitude = 0.1

	DefaultSampleRate = 48000
)

// Frequency maps a colour in [0,1) to a pitch in Hz.
func Frequency(color float32) float64 {
	return BaseFrequency + float64(color)*FrequencyRange
}

// Tone is a mono sine oscillator. The phase carries over between calls so
// consecutive buffers join without clicks.
type Tone struct {
	sampleRate int
	phase      float64
}

// NewTone creates an oscillator at sampleRate, or DefaultSampleRate when
// sampleRate is not positive.
func NewTone(sampleRate int) *Tone {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Tone{sampleRate: sampleRate}
}

// SampleRate returns the oscillator's sample rate.
func (t *Tone) SampleRate() int {
	return t.sampleRate
}

// Synthesize returns n samples of the tone for color.
func (t *Tone) Synthesize(n int, color float32) *goaudio.FloatBuffer {
	buf := &goaudio.FloatBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: t.sampleRate},
		Data:   make([]float64, n),
	}
	t.Fill(buf.Data, color)
	return buf
}

// Fill writes len(dst) samples of the tone for color into dst.
func (t *Tone) Fill(dst []float64, color float32) {
	step := 2 * math.Pi * Frequency(color) / float64(t.sampleRate)
	for i := range dst {
		dst[i] = Amplitude * math.Sin(t.phase)
		t.phase += step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
}

// SamplesPerTick is how many samples cover one tick at tickRate ticks per
// second.
func (t *Tone) SamplesPerTick(tickRate int) int {
	if tickRate <= 0 {
		return 0
	}
	return t.sampleRate / tickRate
}
