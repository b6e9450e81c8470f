package kernels

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/haivivi/sensornn/pkg/interp"
)

// Backbone weight indices.
const (
	DenseWeight = iota
	DenseBias
)

// DenseConfig sizes the backbone: a shared dense layer with tanh applied to
// every timestep of the input spectrogram.
type DenseConfig struct {
	Timesteps int   // T
	InputDim  int   // spectrogram bins per timestep
	Features  int   // F, feature width per timestep
	DType     DType // weight storage
}

func (c DenseConfig) layout() layout {
	var l layout
	l.add("w", c.Features*c.InputDim, c.DType)
	l.add("b", c.Features, c.DType)
	return l
}

// ModelSize returns the length of the model bytes.
func (c DenseConfig) ModelSize() int { return c.layout().size }

// Spec returns the backbone's static metadata. The input is [T, InputDim]
// and the output [T, F], both timestep-major.
func (c DenseConfig) Spec() interp.Spec {
	return interp.Spec{
		Name:    "backbone",
		Inputs:  []interp.TensorSpec{{Name: "spectrogram", Shape: []int{c.Timesteps, c.InputDim}}},
		Outputs: []interp.TensorSpec{{Name: "features", Shape: []int{c.Timesteps, c.Features}}},
		Weights: c.layout().weights,
	}
}

// Dense is the backbone kernel: y_t = tanh(W x_t + b) for every timestep t.
type Dense struct {
	cfg DenseConfig
}

// NewDense returns a backbone kernel.
func NewDense(cfg DenseConfig) *Dense {
	return &Dense{cfg: cfg}
}

// Check implements interp.Checker.
func (d *Dense) Check(s interp.Spec) error {
	c := d.cfg
	if c.Timesteps <= 0 || c.InputDim <= 0 || c.Features <= 0 {
		return fmt.Errorf("dense: invalid dimensions %+v", c)
	}
	if len(s.Weights) != 2 {
		return fmt.Errorf("dense: want 2 weights, have %d", len(s.Weights))
	}
	return checkIO(s, []int{c.Timesteps * c.InputDim}, []int{c.Timesteps * c.Features})
}

// Invoke implements interp.Kernel.
func (d *Dense) Invoke(f *interp.Frame) error {
	c := d.cfg
	x, err := f.Input(0)
	if err != nil {
		return err
	}
	y, err := f.Output(0)
	if err != nil {
		return err
	}

	b, err := fetch(f, DenseBias, c.Features, c.DType)
	if err != nil {
		return err
	}
	for t := range c.Timesteps {
		decode(y[t*c.Features:(t+1)*c.Features], b, c.DType)
	}

	w, err := fetch(f, DenseWeight, c.Features*c.InputDim, c.DType)
	if err != nil {
		return err
	}
	for t := range c.Timesteps {
		gemv(y[t*c.Features:], x[t*c.InputDim:], w, c.Features, c.InputDim, c.DType)
	}

	for i, v := range y {
		y[i] = math32.Tanh(v)
	}
	return nil
}
