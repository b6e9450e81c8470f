// Package kernels provides the reference compute kernels for the two models
// of the classifier: a dense backbone that turns a spectrogram into one
// feature vector per timestep, and a gated recurrent cell that consumes one
// timestep at a time.
//
// Weights are read through [interp.Frame.Weight], which hands out borrowed
// views. Every kernel here finishes with one weight before fetching the
// next, so the kernels run correctly on a paging arena whose cache holds a
// single weight matrix at a time.
package kernels

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/haivivi/sensornn/pkg/interp"
)

// DType is the storage type of weights in model bytes.
type DType uint8

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	default:
		return "unknown"
	}
}

// Size returns the bytes per element.
func (d DType) Size() int {
	if d == F16 {
		return 2
	}
	return 4
}

// ParseDType parses "f32" or "f16".
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "":
		return F32, nil
	case "f16":
		return F16, nil
	default:
		return 0, fmt.Errorf("kernels: unknown dtype %q", s)
	}
}

// decode writes the n values stored in raw into dst.
func decode(dst []float32, raw []byte, dt DType) {
	switch dt {
	case F16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	default:
		copy(dst, interp.Float32s(raw))
	}
}

// encode stores src into raw.
func encode(raw []byte, src []float32, dt DType) {
	switch dt {
	case F16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
		}
	default:
		for i, v := range src {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
	}
}

// gemv computes y += W x, with W a rows x cols row-major matrix stored in
// raw.
func gemv(y, x []float32, raw []byte, rows, cols int, dt DType) {
	if dt == F16 {
		for r := range rows {
			row := raw[2*r*cols:]
			var acc float32
			for c := range cols {
				acc += float16.Frombits(binary.LittleEndian.Uint16(row[2*c:])).Float32() * x[c]
			}
			y[r] += acc
		}
		return
	}
	w := interp.Float32s(raw)[:rows*cols]
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: w},
		blas32.Vector{N: cols, Inc: 1, Data: x[:cols]},
		1,
		blas32.Vector{N: rows, Inc: 1, Data: y[:rows]},
	)
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// fetch returns weight i, checking it holds n elements of dt.
func fetch(f *interp.Frame, i, n int, dt DType) ([]byte, error) {
	raw, err := f.Weight(i)
	if err != nil {
		return nil, err
	}
	if len(raw) < n*dt.Size() {
		return nil, fmt.Errorf("kernels: weight %d is %d bytes, want %d", i, len(raw), n*dt.Size())
	}
	return raw, nil
}

// checkIO validates counts and element sizes of a spec's tensors.
func checkIO(s interp.Spec, inputs, outputs []int) error {
	if len(s.Inputs) != len(inputs) || len(s.Outputs) != len(outputs) {
		return fmt.Errorf("want %d inputs and %d outputs, have %d and %d",
			len(inputs), len(outputs), len(s.Inputs), len(s.Outputs))
	}
	for i, n := range inputs {
		if got := s.Inputs[i].Elements(); got != n {
			return fmt.Errorf("input %q has %d elements, want %d", s.Inputs[i].Name, got, n)
		}
	}
	for i, n := range outputs {
		if got := s.Outputs[i].Elements(); got != n {
			return fmt.Errorf("output %q has %d elements, want %d", s.Outputs[i].Name, got, n)
		}
	}
	return nil
}

// layout appends weights to a model byte layout, each at an 8-aligned
// offset.
type layout struct {
	weights []interp.WeightSpec
	size    int
}

func (l *layout) add(name string, elems int, dt DType) {
	n := elems * dt.Size()
	l.weights = append(l.weights, interp.WeightSpec{Name: name, Offset: l.size, Size: n})
	l.size += (n + 7) &^ 7
}
