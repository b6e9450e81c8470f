// Package tensor holds the tensor directory: the fixed-capacity table that
// records, for every tensor of a session, its size, its place in the backing
// store, whether it is a constant weight or a mutable activation, and its
// cache state.
//
// The directory is the single source of truth for residency. Components
// that page tensors in and out (see package arena) update it through the
// methods here and never keep their own copy of a resident address.
//
// Identifiers are dense, issued in allocation order starting at 0, and never
// reused: the backing-store layout is written once per session, so there is
// no free operation.
package tensor

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
)

// Alignment is the granularity, in bytes, of every tensor size and offset.
const Alignment = 8

// ID identifies a tensor within one directory.
type ID uint32

// InvalidID is never issued by Allocate.
const InvalidID ID = math.MaxUint32

// Sentinel errors.
var (
	// ErrCapacityExceeded is returned by Allocate when the table is full or
	// the backing-store budget cannot fit the tensor.
	ErrCapacityExceeded = errors.New("tensor: capacity exceeded")

	// ErrInvalidID is returned for identifiers that were never issued.
	ErrInvalidID = errors.New("tensor: invalid id")

	// ErrInvalidSize is returned by Allocate for non-positive sizes.
	ErrInvalidSize = errors.New("tensor: invalid size")
)

// Record describes one tensor.
type Record struct {
	ID   ID
	Name string

	// Size is the reserved size in bytes, rounded up to Alignment.
	Size int

	// Offset is the absolute backing-store offset of the tensor bytes.
	Offset int64

	// Const marks trained weights. Mutable tensors (activations, hidden
	// state) lose their value when evicted.
	Const bool

	// Pinned tensors are exempt from eviction.
	Pinned bool

	// LastAccess is the directory clock value at the most recent touch.
	// Zero means never touched.
	LastAccess uint64

	// Resident reports whether the tensor currently has a cache region.
	Resident bool

	// CacheOffset is the start of the cache region. Meaningful only while
	// Resident.
	CacheOffset int
}

// End returns the first cache byte past the tensor's cache region.
func (r Record) End() int {
	return r.CacheOffset + r.Size
}

// AlignUp rounds n up to a multiple of Alignment.
func AlignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Directory is a fixed-capacity tensor table over a backing-store region.
// It is not safe for concurrent use.
type Directory struct {
	records []Record
	limit   int

	base   int64 // first backing-store byte of the region
	budget int64 // region size in bytes
	used   int64

	clock uint64
}

// NewDirectory creates an empty directory that can hold up to maxTensors
// tensors in the backing-store region [base, base+budget).
func NewDirectory(maxTensors int, base, budget int64) *Directory {
	return &Directory{
		records: make([]Record, 0, maxTensors),
		limit:   maxTensors,
		base:    base,
		budget:  budget,
	}
}

// Allocate reserves backing-store space for a new tensor and returns its id.
// The size is rounded up to Alignment before it is charged to the budget.
func (d *Directory) Allocate(size int, name string, isConst bool) (ID, error) {
	if size <= 0 {
		return InvalidID, fmt.Errorf("%w: %q has size %d", ErrInvalidSize, name, size)
	}
	if len(d.records) >= d.limit {
		return InvalidID, fmt.Errorf("%w: table full (%d tensors)", ErrCapacityExceeded, d.limit)
	}
	aligned := AlignUp(size)
	if d.used+int64(aligned) > d.budget {
		return InvalidID, fmt.Errorf("%w: %q needs %d bytes, %d of %d free",
			ErrCapacityExceeded, name, aligned, d.budget-d.used, d.budget)
	}

	id := ID(len(d.records))
	d.records = append(d.records, Record{
		ID:     id,
		Name:   name,
		Size:   aligned,
		Offset: d.base + d.used,
		Const:  isConst,
	})
	d.used += int64(aligned)
	return id, nil
}

// Lookup returns a snapshot of the record for id.
func (d *Directory) Lookup(id ID) (Record, error) {
	r, err := d.record(id)
	if err != nil {
		return Record{}, err
	}
	return *r, nil
}

func (d *Directory) record(id ID) (*Record, error) {
	if int64(id) >= int64(len(d.records)) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInvalidID, id, len(d.records))
	}
	return &d.records[id], nil
}

// Len returns the number of allocated tensors.
func (d *Directory) Len() int { return len(d.records) }

// Limit returns the table capacity.
func (d *Directory) Limit() int { return d.limit }

// Used returns the backing-store bytes reserved so far.
func (d *Directory) Used() int64 { return d.used }

// Budget returns the size of the backing-store region.
func (d *Directory) Budget() int64 { return d.budget }

// Base returns the first backing-store byte of the region.
func (d *Directory) Base() int64 { return d.base }

// Touch advances the directory clock and stamps id with it. Successive
// touches, of any tensors, yield strictly increasing stamps.
func (d *Directory) Touch(id ID) (uint64, error) {
	r, err := d.record(id)
	if err != nil {
		return 0, err
	}
	d.clock++
	r.LastAccess = d.clock
	return d.clock, nil
}

// SetPinned sets the pin flag of id. Setting the current value is a no-op.
func (d *Directory) SetPinned(id ID, pinned bool) error {
	r, err := d.record(id)
	if err != nil {
		return err
	}
	r.Pinned = pinned
	return nil
}

// MarkResident records that id occupies the cache region starting at off.
func (d *Directory) MarkResident(id ID, off int) error {
	r, err := d.record(id)
	if err != nil {
		return err
	}
	r.Resident = true
	r.CacheOffset = off
	return nil
}

// MarkEvicted records that id no longer has a cache region.
func (d *Directory) MarkEvicted(id ID) error {
	r, err := d.record(id)
	if err != nil {
		return err
	}
	r.Resident = false
	r.CacheOffset = 0
	return nil
}

// Victim returns the unpinned resident tensor with the smallest LastAccess,
// breaking ties by the lowest id. ok is false when no tensor is evictable.
func (d *Directory) Victim() (id ID, ok bool) {
	var best *Record
	for i := range d.records {
		r := &d.records[i]
		if !r.Resident || r.Pinned {
			continue
		}
		if best == nil || r.LastAccess < best.LastAccess {
			best = r
		}
	}
	if best == nil {
		return InvalidID, false
	}
	return best.ID, true
}

// Residents returns snapshots of all resident tensors ordered by cache
// offset.
func (d *Directory) Residents() []Record {
	var out []Record
	for _, r := range d.records {
		if r.Resident {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return a.CacheOffset - b.CacheOffset })
	return out
}

// All iterates over every record in id order.
func (d *Directory) All() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, r := range d.records {
			if !yield(r) {
				return
			}
		}
	}
}
