// Package pcm reads raw 16-bit little-endian PCM into fixed-size mono
// windows at the classifier's sample rate.
//
// Stereo input is downmixed by averaging the channels. When the source rate
// differs from the target, samples are converted with a pure Go polyphase
// resampler.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Format describes 16-bit signed little-endian PCM.
type Format struct {
	// SampleRate is the sample rate in Hz.
	SampleRate int

	// Stereo is true for interleaved two-channel audio.
	Stereo bool
}

func (f Format) frameBytes() int {
	if f.Stereo {
		return 4
	}
	return 2
}

// chunkFrames is the number of source frames read per refill.
const chunkFrames = 4096

// Reader yields mono windows at a fixed rate. It is not safe for concurrent
// use.
type Reader struct {
	src       io.Reader
	srcFmt    Format
	rate      int
	resampler resampling.Resampler

	raw     []byte
	rawLen  int // bytes of a partial frame carried over
	pending []int16
	eof     bool
}

// NewReader returns a Reader converting src from srcFmt to mono at rate.
func NewReader(src io.Reader, srcFmt Format, rate int) (*Reader, error) {
	if srcFmt.SampleRate <= 0 || rate <= 0 {
		return nil, fmt.Errorf("pcm: invalid sample rates %d -> %d", srcFmt.SampleRate, rate)
	}
	r := &Reader{
		src:    src,
		srcFmt: srcFmt,
		rate:   rate,
		raw:    make([]byte, chunkFrames*srcFmt.frameBytes()),
	}
	if srcFmt.SampleRate != rate {
		rs, err := resampling.New(&resampling.Config{
			InputRate:  float64(srcFmt.SampleRate),
			OutputRate: float64(rate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("pcm: create resampler: %w", err)
		}
		r.resampler = rs
	}
	return r, nil
}

// Rate returns the output sample rate.
func (r *Reader) Rate() int { return r.rate }

// ReadWindow fills dst with the next len(dst) samples. At the end of the
// input it returns io.EOF if no samples remain, or the number of samples
// read and io.ErrUnexpectedEOF for a partial window.
func (r *Reader) ReadWindow(dst []int16) (int, error) {
	for len(r.pending) < len(dst) && !r.eof {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(dst, r.pending)
	r.pending = r.pending[n:]
	switch {
	case n == len(dst):
		return n, nil
	case n == 0:
		return 0, io.EOF
	default:
		return n, io.ErrUnexpectedEOF
	}
}

// fill reads one chunk from the source and appends its converted samples to
// pending.
func (r *Reader) fill() error {
	n, err := r.src.Read(r.raw[r.rawLen:])
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("pcm: read: %w", err)
	}
	if errors.Is(err, io.EOF) {
		r.eof = true
	}
	total := r.rawLen + n
	fb := r.srcFmt.frameBytes()
	whole := total / fb * fb

	mono := make([]int16, whole/fb)
	for i := range mono {
		b := r.raw[i*fb:]
		s := int32(int16(binary.LittleEndian.Uint16(b)))
		if r.srcFmt.Stereo {
			s = (s + int32(int16(binary.LittleEndian.Uint16(b[2:])))) / 2
		}
		mono[i] = int16(s)
	}
	r.rawLen = copy(r.raw, r.raw[whole:total])

	if r.resampler == nil {
		r.pending = append(r.pending, mono...)
		return nil
	}
	if len(mono) == 0 {
		return nil
	}
	in := make([]float64, len(mono))
	for i, s := range mono {
		in[i] = float64(s) / 32768
	}
	out, err := r.resampler.Process(in)
	if err != nil {
		return fmt.Errorf("pcm: resample: %w", err)
	}
	for _, v := range out {
		r.pending = append(r.pending, toInt16(v))
	}
	return nil
}

func toInt16(v float64) int16 {
	switch {
	case v >= 1:
		return 32767
	case v <= -1:
		return -32768
	default:
		return int16(v * 32767)
	}
}

// Windows counts the full windows of size samples in n input bytes of
// format f, without resampling.
func Windows(n int64, f Format, size int) int64 {
	if size <= 0 {
		return 0
	}
	return n / int64(f.frameBytes()) / int64(size)
}
