// Package interp is the model executor: it creates models from immutable
// bytes, binds them to arena memory, and runs forward passes through a
// pluggable [Kernel].
//
// # Architecture
//
//   - [Model]: immutable model bytes plus a static [Spec] and a kernel
//   - [Pool]: fixed set of interpreter slots (two: backbone and streaming)
//   - [Interpreter]: a model bound to an [Arena], owning its tensors
//   - [Frame]: the tensor accessors a kernel sees during one invoke
//
// Usage flow:
//
//	m, _ := interp.Create(data, spec, kernel)
//	it, _ := pool.Bind(m, partition)
//	_ = it.AllocateTensors()
//	in, _ := it.Input(0)
//	copy(in, features)
//	_ = it.Invoke()
//	out, _ := it.Output(0)
//
// # Tensor Lifetimes
//
// Inputs, outputs and scratch are pinned when tensors are allocated, so the
// slices returned by Input and Output stay valid until Destroy. Weights are
// borrowed: a kernel must fetch a weight again after fetching any other
// weight.
//
// # Thread Safety
//
// An Interpreter must be used from a single goroutine. Pool is safe for
// concurrent use.
package interp

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/haivivi/sensornn/pkg/arena"
	"github.com/haivivi/sensornn/pkg/tensor"
)

// Sentinel errors.
var (
	ErrInvalidModel     = errors.New("interp: invalid model")
	ErrArenaTooSmall    = errors.New("interp: arena too small")
	ErrPoolExhausted    = errors.New("interp: interpreter pool exhausted")
	ErrAlreadyAllocated = errors.New("interp: tensors already allocated")
	ErrNotAllocated     = errors.New("interp: tensors not allocated")
	ErrIndexOutOfRange  = errors.New("interp: tensor index out of range")
	ErrInferenceFailed  = errors.New("interp: inference failed")
	ErrOutputInvalid    = errors.New("interp: output not valid")
	ErrDestroyed        = errors.New("interp: interpreter destroyed")
)

// Arena is the memory an interpreter binds to. [arena.Partition] and
// [arena.Region] implement it.
type Arena interface {
	// Capacity returns the total bytes the arena can hold.
	Capacity() int64

	// Used returns the bytes already reserved.
	Used() int64

	// Reserve allocates a tensor of size bytes initialized from init.
	Reserve(name string, size int, class arena.Class, init []byte) (arena.Slot, error)

	// Get returns a borrowed view of a reserved tensor.
	Get(arena.Slot) ([]byte, error)

	// Pin returns a view that stays valid until released.
	Pin(arena.Slot) (arena.Pinned, error)
}

var (
	_ Arena = (*arena.Partition)(nil)
	_ Arena = (*arena.Region)(nil)
)

// TensorSpec describes a float32 tensor.
type TensorSpec struct {
	Name  string
	Shape []int
}

// Elements returns the number of float32 elements.
func (t TensorSpec) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Bytes returns the tensor size in bytes.
func (t TensorSpec) Bytes() int { return 4 * t.Elements() }

// WeightSpec locates a constant tensor inside the model bytes.
type WeightSpec struct {
	Name   string
	Offset int
	Size   int
}

// Spec is the static shape metadata of a model.
type Spec struct {
	Name    string
	Inputs  []TensorSpec
	Outputs []TensorSpec
	Weights []WeightSpec
	Scratch []TensorSpec
}

// RequiredBytes returns the arena bytes the model needs, with every tensor
// rounded up to the tensor alignment.
func (s Spec) RequiredBytes() int64 {
	var n int64
	for _, w := range s.Weights {
		n += int64(tensor.AlignUp(w.Size))
	}
	for _, group := range [][]TensorSpec{s.Inputs, s.Outputs, s.Scratch} {
		for _, t := range group {
			n += int64(tensor.AlignUp(t.Bytes()))
		}
	}
	return n
}

func (s Spec) validate(dataLen int) error {
	if s.Name == "" {
		return errors.New("missing name")
	}
	if len(s.Inputs) == 0 || len(s.Outputs) == 0 {
		return fmt.Errorf("%s: needs at least one input and one output", s.Name)
	}
	for _, group := range [][]TensorSpec{s.Inputs, s.Outputs, s.Scratch} {
		for _, t := range group {
			if len(t.Shape) == 0 {
				return fmt.Errorf("%s: tensor %q has no shape", s.Name, t.Name)
			}
			for _, d := range t.Shape {
				if d <= 0 {
					return fmt.Errorf("%s: tensor %q has dimension %d", s.Name, t.Name, d)
				}
			}
		}
	}
	for _, w := range s.Weights {
		if w.Size <= 0 || w.Offset < 0 || w.Offset+w.Size > dataLen {
			return fmt.Errorf("%s: weight %q [%d, %d) outside %d model bytes", s.Name, w.Name, w.Offset, w.Offset+w.Size, dataLen)
		}
	}
	return nil
}

// Kernel computes one forward pass.
type Kernel interface {
	Invoke(f *Frame) error
}

// KernelFunc adapts a function to Kernel.
type KernelFunc func(f *Frame) error

func (fn KernelFunc) Invoke(f *Frame) error { return fn(f) }

// Checker is implemented by kernels that constrain the spec they run.
// Create rejects specs the kernel does not accept.
type Checker interface {
	Check(Spec) error
}

// Model is an immutable, validated model.
type Model struct {
	data   []byte
	spec   Spec
	kernel Kernel
}

// Create validates data against spec and returns a Model. The model keeps
// a reference to data, which must not be modified afterwards.
func Create(data []byte, spec Spec, kernel Kernel) (*Model, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty model data", ErrInvalidModel)
	}
	if kernel == nil {
		return nil, fmt.Errorf("%w: %s: nil kernel", ErrInvalidModel, spec.Name)
	}
	if err := spec.validate(len(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if c, ok := kernel.(Checker); ok {
		if err := c.Check(spec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidModel, spec.Name, err)
		}
	}
	return &Model{data: data, spec: spec, kernel: kernel}, nil
}

// Spec returns the model's static metadata.
func (m *Model) Spec() Spec { return m.spec }

// Float32s reinterprets b as float32 values. b must be 4-byte aligned,
// which every arena view is.
func Float32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
