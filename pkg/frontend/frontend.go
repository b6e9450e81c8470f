// Package frontend turns a window of PCM samples into the backbone's input
// features: a [timesteps × bins] float matrix, timestep-major.
//
// Two placeholders are provided. [Synthetic] ignores the audio and emits a
// reproducible pseudo-random spectrogram, which is what benchmark and
// reproducibility runs want. [Energy] computes per-cell RMS energy of the
// raw samples. Neither is a real spectral front end.
package frontend

import (
	"fmt"
	"sync/atomic"

	"github.com/chewxy/math32"
)

// Frontend fills the backbone input for one processing window.
type Frontend interface {
	// Features writes len(dst) values derived from samples. frame is the
	// index of the window within the current clip.
	Features(dst []float32, samples []int16, frame uint32) error
}

// DefaultSeed is the initial Synthetic seed.
const DefaultSeed uint32 = 12345

// Synthetic generates values in [0, 1) with a 31-bit linear congruential
// generator. The sequence depends only on the seed and the frame index, so
// replaying a clip from frame 0 reproduces its features exactly.
type Synthetic struct {
	seed atomic.Uint32
}

// NewSynthetic returns a Synthetic frontend with DefaultSeed.
func NewSynthetic() *Synthetic {
	s := &Synthetic{}
	s.seed.Store(DefaultSeed)
	return s
}

// SetSeed changes the seed used for subsequent windows.
func (s *Synthetic) SetSeed(seed uint32) { s.seed.Store(seed) }

// Seed returns the current seed.
func (s *Synthetic) Seed() uint32 { return s.seed.Load() }

// Features implements Frontend. samples are ignored.
func (s *Synthetic) Features(dst []float32, _ []int16, frame uint32) error {
	state := (s.seed.Load() + frame*2654435761) & 0x7fffffff
	for i := range dst {
		state = (state*1103515245 + 12345) & 0x7fffffff
		dst[i] = float32(state%1000) / 1000
	}
	return nil
}

// Energy splits the window into one contiguous run of samples per output
// cell and emits each run's RMS amplitude, normalized to [0, 1].
type Energy struct{}

// Features implements Frontend.
func (Energy) Features(dst []float32, samples []int16, _ uint32) error {
	if len(dst) == 0 {
		return nil
	}
	per := len(samples) / len(dst)
	if per == 0 {
		return fmt.Errorf("frontend: %d samples cannot fill %d cells", len(samples), len(dst))
	}
	for i := range dst {
		var sum float32
		for _, v := range samples[i*per : (i+1)*per] {
			x := float32(v) / 32768
			sum += x * x
		}
		dst[i] = math32.Sqrt(sum / float32(per))
	}
	return nil
}

// New returns the frontend named by kind: "synthetic" or "energy".
func New(kind string) (Frontend, error) {
	switch kind {
	case "synthetic", "":
		return NewSynthetic(), nil
	case "energy":
		return Energy{}, nil
	default:
		return nil, fmt.Errorf("frontend: unknown kind %q", kind)
	}
}
