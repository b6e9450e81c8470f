package arena

import (
	"fmt"

	"github.com/haivivi/sensornn/pkg/tensor"
)

type partitionSlot struct {
	id   tensor.ID
	size int
}

// Partition is one model's share of a Virtual arena.
type Partition struct {
	v      *Virtual
	kind   Kind
	budget int64
	used   int64
	slots  []partitionSlot
}

// Kind returns the model kind the partition was created for.
func (p *Partition) Kind() Kind { return p.kind }

// Capacity returns the backing-store budget in bytes.
func (p *Partition) Capacity() int64 { return p.budget }

// Used returns the aligned bytes reserved so far.
func (p *Partition) Used() int64 { return p.used }

// Reserve allocates a tensor in the shared directory, charged to this
// partition. Weight tensors are constant; everything else is mutable.
func (p *Partition) Reserve(name string, size int, class Class, init []byte) (Slot, error) {
	aligned := int64(alignUp(size))
	if p.used+aligned > p.budget {
		return 0, fmt.Errorf("%w: %s partition: %q needs %d bytes, %d of %d free",
			tensor.ErrCapacityExceeded, p.kind, name, aligned, p.budget-p.used, p.budget)
	}
	id, err := p.v.Allocate(size, p.kind.String()+"/"+name, class == Weight, init)
	if err != nil {
		return 0, err
	}
	p.used += aligned
	p.slots = append(p.slots, partitionSlot{id: id, size: size})
	return Slot(len(p.slots) - 1), nil
}

func (p *Partition) slot(s Slot) (partitionSlot, error) {
	if int(s) >= len(p.slots) {
		return partitionSlot{}, fmt.Errorf("%w: %s partition slot %d", ErrInvalidSlot, p.kind, s)
	}
	return p.slots[s], nil
}

// Get returns a borrowed view of slot s, exactly as many bytes as were
// reserved.
func (p *Partition) Get(s Slot) ([]byte, error) {
	ps, err := p.slot(s)
	if err != nil {
		return nil, err
	}
	buf, err := p.v.Get(ps.id)
	if err != nil {
		return nil, err
	}
	return buf[:ps.size:ps.size], nil
}

// Pin pages slot s in and pins it.
func (p *Partition) Pin(s Slot) (Pinned, error) {
	ps, err := p.slot(s)
	if err != nil {
		return Pinned{}, err
	}
	pin, err := p.v.Pin(ps.id)
	if err != nil {
		return Pinned{}, err
	}
	pin.buf = pin.buf[:ps.size:ps.size]
	return pin, nil
}

// Tensor returns the directory id behind slot s.
func (p *Partition) Tensor(s Slot) (tensor.ID, error) {
	ps, err := p.slot(s)
	if err != nil {
		return tensor.InvalidID, err
	}
	return ps.id, nil
}
