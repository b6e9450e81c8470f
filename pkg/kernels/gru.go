package kernels

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/haivivi/sensornn/pkg/interp"
)

// Streaming weight indices.
const (
	GRUWz = iota
	GRUUz
	GRUWc
	GRUUc
	GRUWo
	GRUBo
)

// GRUConfig sizes the streaming cell.
type GRUConfig struct {
	Features int // F, input width
	Hidden   int // H
	Classes  int // C
	DType    DType
}

func (c GRUConfig) layout() layout {
	var l layout
	l.add("w_z", c.Hidden*c.Features, c.DType)
	l.add("u_z", c.Hidden*c.Hidden, c.DType)
	l.add("w_c", c.Hidden*c.Features, c.DType)
	l.add("u_c", c.Hidden*c.Hidden, c.DType)
	l.add("w_o", c.Classes*c.Hidden, c.DType)
	l.add("b_o", c.Classes, c.DType)
	return l
}

// ModelSize returns the length of the model bytes.
func (c GRUConfig) ModelSize() int { return c.layout().size }

// Spec returns the streaming model's static metadata. Inputs are the
// timestep features and the previous hidden state; outputs are the class
// logits and the new hidden state.
func (c GRUConfig) Spec() interp.Spec {
	return interp.Spec{
		Name: "streaming",
		Inputs: []interp.TensorSpec{
			{Name: "features", Shape: []int{c.Features}},
			{Name: "hidden_in", Shape: []int{c.Hidden}},
		},
		Outputs: []interp.TensorSpec{
			{Name: "logits", Shape: []int{c.Classes}},
			{Name: "hidden_out", Shape: []int{c.Hidden}},
		},
		Weights: c.layout().weights,
		Scratch: []interp.TensorSpec{
			{Name: "z", Shape: []int{c.Hidden}},
			{Name: "c", Shape: []int{c.Hidden}},
		},
	}
}

// GRU is a gated recurrent cell with a linear classifier head:
//
//	z  = sigmoid(Wz x + Uz h)
//	c  = tanh(Wc x + Uc h)
//	h' = (1 - z) h + z c
//	y  = Wo h' + bo
type GRU struct {
	cfg GRUConfig
}

// NewGRU returns a streaming kernel.
func NewGRU(cfg GRUConfig) *GRU {
	return &GRU{cfg: cfg}
}

// Check implements interp.Checker.
func (g *GRU) Check(s interp.Spec) error {
	c := g.cfg
	if c.Features <= 0 || c.Hidden <= 0 || c.Classes <= 0 {
		return fmt.Errorf("gru: invalid dimensions %+v", c)
	}
	if len(s.Weights) != 6 {
		return fmt.Errorf("gru: want 6 weights, have %d", len(s.Weights))
	}
	if len(s.Scratch) != 2 {
		return fmt.Errorf("gru: want 2 scratch tensors, have %d", len(s.Scratch))
	}
	return checkIO(s, []int{c.Features, c.Hidden}, []int{c.Classes, c.Hidden})
}

// gate computes dst = Wx x + Uh h from the weights at wi and ui.
func (g *GRU) gate(f *interp.Frame, dst, x, h []float32, wi, ui int) error {
	c := g.cfg
	clear(dst)
	w, err := fetch(f, wi, c.Hidden*c.Features, c.DType)
	if err != nil {
		return err
	}
	gemv(dst, x, w, c.Hidden, c.Features, c.DType)
	u, err := fetch(f, ui, c.Hidden*c.Hidden, c.DType)
	if err != nil {
		return err
	}
	gemv(dst, h, u, c.Hidden, c.Hidden, c.DType)
	return nil
}

// Invoke implements interp.Kernel.
func (g *GRU) Invoke(f *interp.Frame) error {
	c := g.cfg
	x, err := f.Input(0)
	if err != nil {
		return err
	}
	h, err := f.Input(1)
	if err != nil {
		return err
	}
	logits, err := f.Output(0)
	if err != nil {
		return err
	}
	hNew, err := f.Output(1)
	if err != nil {
		return err
	}
	z, err := f.Scratch(0)
	if err != nil {
		return err
	}
	cand, err := f.Scratch(1)
	if err != nil {
		return err
	}

	if err := g.gate(f, z, x, h, GRUWz, GRUUz); err != nil {
		return err
	}
	for i, v := range z {
		z[i] = sigmoid(v)
	}
	if err := g.gate(f, cand, x, h, GRUWc, GRUUc); err != nil {
		return err
	}
	for i := range hNew {
		hNew[i] = (1-z[i])*h[i] + z[i]*math32.Tanh(cand[i])
	}

	bo, err := fetch(f, GRUBo, c.Classes, c.DType)
	if err != nil {
		return err
	}
	decode(logits, bo, c.DType)
	wo, err := fetch(f, GRUWo, c.Classes*c.Hidden, c.DType)
	if err != nil {
		return err
	}
	gemv(logits, hNew, wo, c.Classes, c.Hidden, c.DType)
	return nil
}
