package interp

import (
	"fmt"
	"sync"

	"github.com/haivivi/sensornn/pkg/arena"
)

// PoolSize is the number of interpreters that may exist at once.
const PoolSize = 2

// Pool hands out a fixed number of interpreter slots.
type Pool struct {
	mu    sync.Mutex
	inUse [PoolSize]bool
}

// NewPool returns a pool with every slot free.
func NewPool() *Pool { return &Pool{} }

// InUse returns the number of occupied slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, used := range p.inUse {
		if used {
			n++
		}
	}
	return n
}

// Bind creates an interpreter for m over a. It fails with ErrArenaTooSmall
// if the arena's free capacity is below the model's aligned tensor total,
// and with ErrPoolExhausted if every slot is taken.
func (p *Pool) Bind(m *Model, a Arena) (*Interpreter, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil model", ErrInvalidModel)
	}
	need := m.spec.RequiredBytes()
	if free := a.Capacity() - a.Used(); free < need {
		return nil, fmt.Errorf("%w: %s needs %d bytes, arena has %d free", ErrArenaTooSmall, m.spec.Name, need, free)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, used := range p.inUse {
		if !used {
			p.inUse[i] = true
			return &Interpreter{pool: p, slot: i, model: m, arena: a}, nil
		}
	}
	return nil, fmt.Errorf("%w: %d of %d in use", ErrPoolExhausted, PoolSize, PoolSize)
}

func (p *Pool) release(slot int) {
	p.mu.Lock()
	p.inUse[slot] = false
	p.mu.Unlock()
}

// Interpreter is a model bound to arena memory.
type Interpreter struct {
	pool  *Pool
	slot  int
	model *Model
	arena Arena

	allocated bool
	destroyed bool
	valid     bool // outputs hold a completed invoke
	used      int64

	weights []arena.Slot
	inputs  []arena.Pinned
	outputs []arena.Pinned
	scratch []arena.Pinned
}

// Spec returns the bound model's metadata.
func (it *Interpreter) Spec() Spec { return it.model.spec }

// ArenaUsedBytes returns the arena bytes reserved by AllocateTensors.
func (it *Interpreter) ArenaUsedBytes() int64 { return it.used }

// AllocateTensors reserves every tensor of the model in the arena, stages
// the weights, and pins inputs, outputs and scratch. It may be called once.
func (it *Interpreter) AllocateTensors() error {
	if it.destroyed {
		return ErrDestroyed
	}
	if it.allocated {
		return fmt.Errorf("%w: %s", ErrAlreadyAllocated, it.model.spec.Name)
	}
	spec := it.model.spec
	before := it.arena.Used()

	for _, w := range spec.Weights {
		s, err := it.arena.Reserve(w.Name, w.Size, arena.Weight, it.model.data[w.Offset:w.Offset+w.Size])
		if err != nil {
			return fmt.Errorf("interp: %s: weight %q: %w", spec.Name, w.Name, err)
		}
		it.weights = append(it.weights, s)
	}

	// Pinned before any weight is paged, so they pack at the low end of a
	// paging cache.
	var slots []arena.Slot
	for _, group := range []struct {
		specs []TensorSpec
		class arena.Class
	}{
		{spec.Inputs, arena.IO},
		{spec.Outputs, arena.IO},
		{spec.Scratch, arena.Activation},
	} {
		for _, t := range group.specs {
			s, err := it.arena.Reserve(t.Name, t.Bytes(), group.class, nil)
			if err != nil {
				return fmt.Errorf("interp: %s: %s %q: %w", spec.Name, group.class, t.Name, err)
			}
			slots = append(slots, s)
		}
	}
	pins := make([]arena.Pinned, 0, len(slots))
	for _, s := range slots {
		p, err := it.arena.Pin(s)
		if err != nil {
			for _, held := range pins {
				held.Release()
			}
			return fmt.Errorf("interp: %s: pin: %w", spec.Name, err)
		}
		pins = append(pins, p)
	}
	nIn, nOut := len(spec.Inputs), len(spec.Outputs)
	it.inputs = pins[:nIn]
	it.outputs = pins[nIn : nIn+nOut]
	it.scratch = pins[nIn+nOut:]

	it.used = it.arena.Used() - before
	it.allocated = true
	return nil
}

func (it *Interpreter) ready() error {
	if it.destroyed {
		return ErrDestroyed
	}
	if !it.allocated {
		return fmt.Errorf("%w: %s", ErrNotAllocated, it.model.spec.Name)
	}
	return nil
}

// Input returns input i as a float32 view that stays valid until Destroy.
func (it *Interpreter) Input(i int) ([]float32, error) {
	if err := it.ready(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(it.inputs) {
		return nil, fmt.Errorf("%w: %s input %d of %d", ErrIndexOutOfRange, it.model.spec.Name, i, len(it.inputs))
	}
	return Float32s(it.inputs[i].Bytes()), nil
}

// Output returns output i. Outputs are readable only after a successful
// Invoke and become unreadable again when an Invoke fails.
func (it *Interpreter) Output(i int) ([]float32, error) {
	if err := it.ready(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(it.outputs) {
		return nil, fmt.Errorf("%w: %s output %d of %d", ErrIndexOutOfRange, it.model.spec.Name, i, len(it.outputs))
	}
	if !it.valid {
		return nil, fmt.Errorf("%w: %s output %d", ErrOutputInvalid, it.model.spec.Name, i)
	}
	return Float32s(it.outputs[i].Bytes()), nil
}

// Invoke runs one forward pass. Any failure is reported as
// ErrInferenceFailed wrapping the kernel's error.
func (it *Interpreter) Invoke() error {
	if err := it.ready(); err != nil {
		return err
	}
	it.valid = false

	if err := it.model.kernel.Invoke(&Frame{it: it}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInferenceFailed, it.model.spec.Name, err)
	}
	it.valid = true
	return nil
}

// Destroy unpins the interpreter's tensors and returns its pool slot.
// The arena reservations are permanent. Destroy is idempotent.
func (it *Interpreter) Destroy() {
	if it.destroyed {
		return
	}
	for _, p := range it.inputs {
		p.Release()
	}
	for _, p := range it.outputs {
		p.Release()
	}
	for _, p := range it.scratch {
		p.Release()
	}
	it.inputs, it.outputs, it.scratch = nil, nil, nil
	it.valid = false
	it.destroyed = true
	it.pool.release(it.slot)
}

// Frame is the kernel's view of an interpreter during one invoke.
type Frame struct {
	it *Interpreter
}

// Spec returns the model's metadata.
func (f *Frame) Spec() Spec { return f.it.model.spec }

// Input returns input i.
func (f *Frame) Input(i int) ([]float32, error) {
	if i < 0 || i >= len(f.it.inputs) {
		return nil, fmt.Errorf("%w: input %d", ErrIndexOutOfRange, i)
	}
	return Float32s(f.it.inputs[i].Bytes()), nil
}

// Output returns output i for writing.
func (f *Frame) Output(i int) ([]float32, error) {
	if i < 0 || i >= len(f.it.outputs) {
		return nil, fmt.Errorf("%w: output %d", ErrIndexOutOfRange, i)
	}
	return Float32s(f.it.outputs[i].Bytes()), nil
}

// Weight returns the raw bytes of weight i. The view is borrowed: fetching
// another weight may invalidate it.
func (f *Frame) Weight(i int) ([]byte, error) {
	if i < 0 || i >= len(f.it.weights) {
		return nil, fmt.Errorf("%w: weight %d", ErrIndexOutOfRange, i)
	}
	return f.it.arena.Get(f.it.weights[i])
}

// Scratch returns scratch tensor i. Its contents are undefined at the start
// of an invoke.
func (f *Frame) Scratch(i int) ([]float32, error) {
	if i < 0 || i >= len(f.it.scratch) {
		return nil, fmt.Errorf("%w: scratch %d", ErrIndexOutOfRange, i)
	}
	return Float32s(f.it.scratch[i].Bytes()), nil
}
