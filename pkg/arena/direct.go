package arena

import (
	"fmt"
	"log/slog"
)

// Direct is a single contiguous RAM buffer split statically between models.
type Direct struct {
	buf     []byte
	next    int
	regions []*Region
	logger  *slog.Logger
}

// NewDirect allocates a zeroed buffer of size bytes. A nil logger means
// slog.Default().
func NewDirect(size int, logger *slog.Logger) (*Direct, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena: invalid direct buffer size %d", size)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{buf: alignedBytes(alignUp(size)), logger: logger}, nil
}

// Size returns the buffer size in bytes.
func (d *Direct) Size() int { return len(d.buf) }

// Used returns the bytes assigned to regions.
func (d *Direct) Used() int { return d.next }

// AllocateRegion assigns the next size bytes (rounded up to the tensor
// alignment) of the buffer to one model.
func (d *Direct) AllocateRegion(kind Kind, size int) (*Region, error) {
	aligned := alignUp(size)
	if size <= 0 || d.next+aligned > len(d.buf) {
		return nil, fmt.Errorf("%w: %s region of %d bytes, %d of %d free",
			ErrInsufficientMemory, kind, size, len(d.buf)-d.next, len(d.buf))
	}
	r := &Region{
		kind: kind,
		off:  d.next,
		buf:  d.buf[d.next : d.next+aligned : d.next+aligned],
	}
	d.next += aligned
	d.regions = append(d.regions, r)
	d.logger.Info("direct region allocated", "kind", kind.String(), "offset", r.off, "size", aligned)
	return r, nil
}

// Slice returns buf[off:off+size]. It panics if the range is outside the
// buffer, which is a programming error once regions are laid out.
func (d *Direct) Slice(off, size int) []byte {
	if off < 0 || size < 0 || off+size > len(d.buf) {
		panic(fmt.Sprintf("arena: direct slice [%d, %d) outside %d-byte buffer", off, off+size, len(d.buf)))
	}
	return d.buf[off : off+size : off+size]
}

// Regions returns the regions in allocation order.
func (d *Direct) Regions() []*Region { return d.regions }

type span struct {
	off, size int
}

// Region is one model's fixed part of a Direct buffer. Tensors are bump
// allocated and never move; Get and Pin cannot fail for issued slots.
type Region struct {
	kind  Kind
	off   int
	buf   []byte
	next  int
	slots []span
}

// Kind returns the model kind the region was allocated for.
func (r *Region) Kind() Kind { return r.kind }

// Offset returns the region start within the Direct buffer.
func (r *Region) Offset() int { return r.off }

// Capacity returns the region size in bytes.
func (r *Region) Capacity() int64 { return int64(len(r.buf)) }

// Used returns the aligned bytes reserved so far.
func (r *Region) Used() int64 { return int64(r.next) }

// Reserve bump-allocates size bytes and copies init into them. The class is
// ignored: nothing in a region is ever evicted.
func (r *Region) Reserve(name string, size int, _ Class, init []byte) (Slot, error) {
	if len(init) > size {
		return 0, fmt.Errorf("arena: %q initial data is %d bytes, tensor is %d", name, len(init), size)
	}
	aligned := alignUp(size)
	if size <= 0 || r.next+aligned > len(r.buf) {
		return 0, fmt.Errorf("%w: %s region: %q needs %d bytes, %d of %d free",
			ErrInsufficientMemory, r.kind, name, aligned, len(r.buf)-r.next, len(r.buf))
	}
	copy(r.buf[r.next:], init)
	r.slots = append(r.slots, span{off: r.next, size: size})
	r.next += aligned
	return Slot(len(r.slots) - 1), nil
}

// Get returns the view of slot s.
func (r *Region) Get(s Slot) ([]byte, error) {
	if int(s) >= len(r.slots) {
		return nil, fmt.Errorf("%w: %s region slot %d", ErrInvalidSlot, r.kind, s)
	}
	sp := r.slots[s]
	return r.buf[sp.off : sp.off+sp.size : sp.off+sp.size], nil
}

// Pin returns the view of slot s. Region views are always stable, so the
// handle's Release does nothing.
func (r *Region) Pin(s Slot) (Pinned, error) {
	buf, err := r.Get(s)
	if err != nil {
		return Pinned{}, err
	}
	return Pinned{buf: buf}, nil
}
