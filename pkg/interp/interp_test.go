package interp

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/haivivi/sensornn/pkg/arena"
	"github.com/haivivi/sensornn/pkg/flash"
)

// scaleSpec describes y = w0 * x over 4 elements with one scratch tensor.
var scaleSpec = Spec{
	Name:    "scale",
	Inputs:  []TensorSpec{{Name: "x", Shape: []int{4}}},
	Outputs: []TensorSpec{{Name: "y", Shape: []int{4}}},
	Weights: []WeightSpec{{Name: "w", Offset: 0, Size: 4}},
	Scratch: []TensorSpec{{Name: "tmp", Shape: []int{4}}},
}

func scaleData(w float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(w))
	return b
}

var scaleKernel = KernelFunc(func(f *Frame) error {
	raw, err := f.Weight(0)
	if err != nil {
		return err
	}
	w := Float32s(raw)[0]
	x, _ := f.Input(0)
	tmp, err := f.Scratch(0)
	if err != nil {
		return err
	}
	y, _ := f.Output(0)
	for i := range x {
		tmp[i] = w * x[i]
	}
	copy(y, tmp)
	return nil
})

func newRegion(t *testing.T, size int) *arena.Region {
	t.Helper()
	d, err := arena.NewDirect(size, nil)
	if err != nil {
		t.Fatal(err)
	}
	r, err := d.AllocateRegion(arena.Backbone, size)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newPartition(t *testing.T, cacheSize int) *arena.Partition {
	t.Helper()
	mem, err := flash.NewMemory(4096, 256)
	if err != nil {
		t.Fatal(err)
	}
	v, err := arena.NewVirtual(arena.VirtualConfig{Store: mem, RegionSize: 4096, CacheSize: cacheSize, MaxTensors: 8})
	if err != nil {
		t.Fatal(err)
	}
	p, err := v.Partition(arena.Streaming, 4096)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCreateInvalid(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		spec   Spec
		kernel Kernel
	}{
		{"empty data", nil, scaleSpec, scaleKernel},
		{"nil kernel", scaleData(1), scaleSpec, nil},
		{"no name", scaleData(1), Spec{Inputs: scaleSpec.Inputs, Outputs: scaleSpec.Outputs}, scaleKernel},
		{"no outputs", scaleData(1), Spec{Name: "m", Inputs: scaleSpec.Inputs}, scaleKernel},
		{"zero dim", scaleData(1), Spec{Name: "m", Inputs: []TensorSpec{{Name: "x", Shape: []int{0}}}, Outputs: scaleSpec.Outputs}, scaleKernel},
		{"weight out of bounds", []byte{1, 2}, scaleSpec, scaleKernel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Create(tt.data, tt.spec, tt.kernel); !errors.Is(err, ErrInvalidModel) {
				t.Fatalf("expected ErrInvalidModel, got %v", err)
			}
		})
	}
}

type pickyKernel struct{ KernelFunc }

func (pickyKernel) Check(s Spec) error {
	if len(s.Weights) != 0 {
		return errors.New("no weights expected")
	}
	return nil
}

func TestCreateRunsChecker(t *testing.T) {
	if _, err := Create(scaleData(1), scaleSpec, pickyKernel{scaleKernel}); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("expected ErrInvalidModel, got %v", err)
	}
}

func TestRequiredBytes(t *testing.T) {
	// weight 4->8, x 16, y 16, tmp 16
	if got := scaleSpec.RequiredBytes(); got != 56 {
		t.Fatalf("RequiredBytes = %d, want 56", got)
	}
}

func TestInvokeDirectAndVirtual(t *testing.T) {
	for name, a := range map[string]Arena{
		"direct":  newRegion(t, 256),
		"virtual": newPartition(t, 64),
	} {
		t.Run(name, func(t *testing.T) {
			m, err := Create(scaleData(2.5), scaleSpec, scaleKernel)
			if err != nil {
				t.Fatal(err)
			}
			it, err := NewPool().Bind(m, a)
			if err != nil {
				t.Fatal(err)
			}
			if err := it.AllocateTensors(); err != nil {
				t.Fatal(err)
			}
			if it.ArenaUsedBytes() != 56 {
				t.Fatalf("ArenaUsedBytes = %d, want 56", it.ArenaUsedBytes())
			}

			x, err := it.Input(0)
			if err != nil {
				t.Fatal(err)
			}
			copy(x, []float32{1, 2, 3, 4})

			if _, err := it.Output(0); !errors.Is(err, ErrOutputInvalid) {
				t.Fatalf("output before invoke: expected ErrOutputInvalid, got %v", err)
			}
			if err := it.Invoke(); err != nil {
				t.Fatal(err)
			}
			y, err := it.Output(0)
			if err != nil {
				t.Fatal(err)
			}
			want := []float32{2.5, 5, 7.5, 10}
			for i := range want {
				if y[i] != want[i] {
					t.Fatalf("y = %v, want %v", y, want)
				}
			}
		})
	}
}

func TestAllocateTwice(t *testing.T) {
	m, _ := Create(scaleData(1), scaleSpec, scaleKernel)
	it, _ := NewPool().Bind(m, newRegion(t, 256))
	if err := it.AllocateTensors(); err != nil {
		t.Fatal(err)
	}
	if err := it.AllocateTensors(); !errors.Is(err, ErrAlreadyAllocated) {
		t.Fatalf("expected ErrAlreadyAllocated, got %v", err)
	}
}

func TestNotAllocated(t *testing.T) {
	m, _ := Create(scaleData(1), scaleSpec, scaleKernel)
	it, _ := NewPool().Bind(m, newRegion(t, 256))
	if _, err := it.Input(0); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("Input: expected ErrNotAllocated, got %v", err)
	}
	if err := it.Invoke(); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("Invoke: expected ErrNotAllocated, got %v", err)
	}
}

func TestIndexOutOfRange(t *testing.T) {
	m, _ := Create(scaleData(1), scaleSpec, scaleKernel)
	it, _ := NewPool().Bind(m, newRegion(t, 256))
	it.AllocateTensors()
	if _, err := it.Input(1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("Input(1): expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := it.Output(-1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("Output(-1): expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestArenaTooSmall(t *testing.T) {
	m, _ := Create(scaleData(1), scaleSpec, scaleKernel)
	if _, err := NewPool().Bind(m, newRegion(t, 48)); !errors.Is(err, ErrArenaTooSmall) {
		t.Fatalf("expected ErrArenaTooSmall, got %v", err)
	}
}

func TestPoolExhaustedAndReuse(t *testing.T) {
	m, _ := Create(scaleData(1), scaleSpec, scaleKernel)
	pool := NewPool()
	a, err := pool.Bind(m, newRegion(t, 256))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Bind(m, newRegion(t, 256)); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Bind(m, newRegion(t, 256)); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	a.Destroy()
	a.Destroy()
	if pool.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", pool.InUse())
	}
	if _, err := pool.Bind(m, newRegion(t, 256)); err != nil {
		t.Fatalf("bind after destroy: %v", err)
	}
	if err := a.Invoke(); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestFailedInvokeInvalidatesOutputs(t *testing.T) {
	fail := false
	boom := errors.New("boom")
	k := KernelFunc(func(f *Frame) error {
		y, _ := f.Output(0)
		y[0] = 99
		if fail {
			return boom
		}
		return nil
	})
	m, _ := Create(scaleData(1), scaleSpec, k)
	it, _ := NewPool().Bind(m, newRegion(t, 256))
	it.AllocateTensors()

	if err := it.Invoke(); err != nil {
		t.Fatal(err)
	}
	if _, err := it.Output(0); err != nil {
		t.Fatal(err)
	}

	fail = true
	err := it.Invoke()
	if !errors.Is(err, ErrInferenceFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrInferenceFailed wrapping boom, got %v", err)
	}
	if _, err := it.Output(0); !errors.Is(err, ErrOutputInvalid) {
		t.Fatalf("expected ErrOutputInvalid after failure, got %v", err)
	}
}

func TestPinnedIOSurvivesPaging(t *testing.T) {
	// Pinned x, y and tmp take 48 bytes, leaving exactly the weight's 8.
	p := newPartition(t, 56)
	m, _ := Create(scaleData(3), scaleSpec, scaleKernel)
	it, err := NewPool().Bind(m, p)
	if err != nil {
		t.Fatal(err)
	}
	if err := it.AllocateTensors(); err != nil {
		t.Fatal(err)
	}
	x, _ := it.Input(0)
	copy(x, []float32{1, 1, 1, 1})
	if err := it.Invoke(); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	y, _ := it.Output(0)
	if y[3] != 3 {
		t.Fatalf("y = %v", y)
	}
}
