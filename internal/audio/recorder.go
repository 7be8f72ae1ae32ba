package audio

import (
	"fmt"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// Recorder streams mono float samples to a 16-bit PCM WAV file.
type Recorder struct {
	path    string
	file    *os.File
	enc     *wav.Encoder
	pcm     *goaudio.IntBuffer
	samples int
}

// NewRecorder creates path and writes a WAV header for sampleRate.
func NewRecorder(path string, sampleRate int) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create %s: %w", path, err)
	}
	return &Recorder{
		path: path,
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, bitDepth, 1, 1),
		pcm: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
	}, nil
}

// Write appends buf, clipping samples to [-1, 1].
func (r *Recorder) Write(buf *goaudio.FloatBuffer) error {
	if cap(r.pcm.Data) < len(buf.Data) {
		r.pcm.Data = make([]int, len(buf.Data))
	}
	r.pcm.Data = r.pcm.Data[:len(buf.Data)]
	for i, v := range buf.Data {
		v = math.Max(-1, math.Min(1, v))
		r.pcm.Data[i] = int(math.Round(v * math.MaxInt16))
	}
	if err := r.enc.Write(r.pcm); err != nil {
		return fmt.Errorf("audio: write %s: %w", r.path, err)
	}
	r.samples += len(buf.Data)
	return nil
}

// Samples returns how many samples were written.
func (r *Recorder) Samples() int {
	return r.samples
}

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("audio: finish %s: %w", r.path, err)
	}
	return r.file.Close()
}
