package arena

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haivivi/sensornn/pkg/flash"
	"github.com/haivivi/sensornn/pkg/tensor"
)

// VirtualConfig configures a Virtual arena.
type VirtualConfig struct {
	// Store is the backing store. Required.
	Store flash.Store

	// RegionOffset and RegionSize delimit the part of Store that holds
	// tensor bytes. Both must be page aligned. The region is erased by
	// NewVirtual.
	RegionOffset int64
	RegionSize   int64

	// CacheSize is the RAM cache size in bytes.
	CacheSize int

	// MaxTensors is the directory capacity.
	MaxTensors int

	// Logger receives paging events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Stats is a snapshot of arena counters.
type Stats struct {
	Tensors         int
	ResidentTensors int
	CacheUsed       int
	CacheSize       int
	BackingUsed     int64
	BackingSize     int64

	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Discarded   uint64 // evictions of mutable tensors
	PageInBytes uint64
}

// Virtual is the paging tensor arena. It is not safe for concurrent use;
// callers serialize access, as the inference cycle does.
type Virtual struct {
	store  flash.Store
	dir    *tensor.Directory
	cache  []byte
	used   int
	logger *slog.Logger

	reserved   int64 // backing bytes handed to partitions
	partitions []*Partition

	stats Stats
}

// NewVirtual validates the backing region, erases it, and returns an empty
// arena.
func NewVirtual(cfg VirtualConfig) (*Virtual, error) {
	if cfg.Store == nil {
		return nil, errors.New("arena: VirtualConfig.Store is required")
	}
	if cfg.CacheSize <= 0 || cfg.CacheSize%tensor.Alignment != 0 {
		return nil, fmt.Errorf("arena: cache size %d must be a positive multiple of %d", cfg.CacheSize, tensor.Alignment)
	}
	if cfg.MaxTensors <= 0 {
		return nil, fmt.Errorf("arena: invalid tensor capacity %d", cfg.MaxTensors)
	}
	if cfg.RegionSize <= 0 || cfg.RegionOffset < 0 || cfg.RegionOffset+cfg.RegionSize > cfg.Store.Size() {
		return nil, fmt.Errorf("arena: backing region [%d, %d) outside store of %d bytes: %w",
			cfg.RegionOffset, cfg.RegionOffset+cfg.RegionSize, cfg.Store.Size(), flash.ErrOutOfRange)
	}
	if err := cfg.Store.Erase(cfg.RegionOffset, cfg.RegionSize); err != nil {
		return nil, fmt.Errorf("arena: erase backing region: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Virtual{
		store:  cfg.Store,
		dir:    tensor.NewDirectory(cfg.MaxTensors, cfg.RegionOffset, cfg.RegionSize),
		cache:  alignedBytes(cfg.CacheSize),
		logger: logger,
	}, nil
}

// Allocate reserves a tensor and stages its initial content in the backing
// store. init may be shorter than size; the remainder is zero. Mutable
// tensors are staged too, so paging one in after an eviction yields zeros.
//
// Allocate writes to the backing store and therefore fails once a guarding
// store has been sealed.
func (v *Virtual) Allocate(size int, name string, isConst bool, init []byte) (tensor.ID, error) {
	if len(init) > size {
		return tensor.InvalidID, fmt.Errorf("arena: %q initial data is %d bytes, tensor is %d", name, len(init), size)
	}
	id, err := v.dir.Allocate(size, name, isConst)
	if err != nil {
		return tensor.InvalidID, err
	}
	rec, _ := v.dir.Lookup(id)
	buf := make([]byte, rec.Size)
	copy(buf, init)
	if err := v.store.Program(rec.Offset, buf); err != nil {
		return tensor.InvalidID, fmt.Errorf("arena: stage %q: %w", name, err)
	}
	return id, nil
}

// Get returns a view of tensor id, paging it in if needed. The view is
// borrowed: it is valid only until the next call on the arena that may page,
// and its length is the aligned tensor size.
func (v *Virtual) Get(id tensor.ID) ([]byte, error) {
	rec, err := v.dir.Lookup(id)
	if err != nil {
		return nil, err
	}
	if rec.Resident {
		v.dir.Touch(id)
		v.stats.Hits++
		return v.cache[rec.CacheOffset:rec.End():rec.End()], nil
	}

	v.stats.Misses++
	if rec.Size > len(v.cache) {
		return nil, fmt.Errorf("%w: %q is %d bytes, cache is %d", ErrOutOfCache, rec.Name, rec.Size, len(v.cache))
	}
	off, err := v.makeRoom(rec)
	if err != nil {
		return nil, err
	}
	view := v.cache[off : off+rec.Size : off+rec.Size]
	if _, err := v.store.ReadAt(view, rec.Offset); err != nil {
		return nil, fmt.Errorf("arena: page in %q: %w", rec.Name, err)
	}
	v.dir.MarkResident(id, off)
	v.dir.Touch(id)
	v.used += rec.Size
	v.stats.PageInBytes += uint64(rec.Size)

	if v.logger.Enabled(context.Background(), slog.LevelDebug) {
		v.logger.Debug("tensor paged in", "tensor", rec.Name, "id", id, "size", rec.Size, "cache_offset", off, "cache_used", v.used)
	}
	return view, nil
}

// makeRoom evicts least-recently-used unpinned tensors until rec fits in a
// contiguous gap, and returns the gap offset. Resident tensors never move,
// so eviction continues past the point where the byte count alone fits.
func (v *Virtual) makeRoom(rec tensor.Record) (int, error) {
	for {
		if v.used+rec.Size <= len(v.cache) {
			if off, ok := v.firstFit(rec.Size); ok {
				return off, nil
			}
		}
		victim, ok := v.dir.Victim()
		if !ok {
			return 0, fmt.Errorf("%w: no evictable tensor for %q (%d bytes, %d of %d used)",
				ErrOutOfCache, rec.Name, rec.Size, v.used, len(v.cache))
		}
		v.evict(victim)
	}
}

// firstFit returns the lowest cache offset with size free bytes.
func (v *Virtual) firstFit(size int) (int, bool) {
	pos := 0
	for _, r := range v.dir.Residents() {
		if r.CacheOffset-pos >= size {
			return pos, true
		}
		pos = r.End()
	}
	if len(v.cache)-pos >= size {
		return pos, true
	}
	return 0, false
}

func (v *Virtual) evict(id tensor.ID) {
	rec, _ := v.dir.Lookup(id)
	v.dir.MarkEvicted(id)
	v.used -= rec.Size
	v.stats.Evictions++
	if !rec.Const {
		v.stats.Discarded++
		v.logger.Warn("mutable tensor evicted, value discarded", "tensor", rec.Name, "id", id, "size", rec.Size)
		return
	}
	if v.logger.Enabled(context.Background(), slog.LevelDebug) {
		v.logger.Debug("tensor evicted", "tensor", rec.Name, "id", id, "size", rec.Size)
	}
}

// Pin pages tensor id in and exempts it from eviction until the returned
// handle is released. Pinning a pinned tensor is a no-op apart from the
// returned handle.
func (v *Virtual) Pin(id tensor.ID) (Pinned, error) {
	buf, err := v.Get(id)
	if err != nil {
		return Pinned{}, err
	}
	v.dir.SetPinned(id, true)
	return Pinned{buf: buf, release: func() { v.Unpin(id) }}, nil
}

// Unpin makes tensor id evictable again.
func (v *Virtual) Unpin(id tensor.ID) error {
	return v.dir.SetPinned(id, false)
}

// Lookup returns the directory record of id.
func (v *Virtual) Lookup(id tensor.ID) (tensor.Record, error) {
	return v.dir.Lookup(id)
}

// Stats returns a snapshot of the arena counters.
func (v *Virtual) Stats() Stats {
	s := v.stats
	s.Tensors = v.dir.Len()
	s.ResidentTensors = len(v.dir.Residents())
	s.CacheUsed = v.used
	s.CacheSize = len(v.cache)
	s.BackingUsed = v.dir.Used()
	s.BackingSize = v.dir.Budget()
	return s
}

// Partition carves a backing-store budget for one model. All partitions
// share the arena's directory and cache.
func (v *Virtual) Partition(kind Kind, budget int64) (*Partition, error) {
	if budget <= 0 || v.reserved+budget > v.dir.Budget() {
		return nil, fmt.Errorf("%w: %s partition of %d bytes, %d of %d backing bytes free",
			tensor.ErrCapacityExceeded, kind, budget, v.dir.Budget()-v.reserved, v.dir.Budget())
	}
	v.reserved += budget
	p := &Partition{v: v, kind: kind, budget: budget}
	v.partitions = append(v.partitions, p)
	v.logger.Info("virtual partition created", "kind", kind.String(), "budget", budget)
	return p, nil
}

// Partitions returns the partitions in creation order.
func (v *Virtual) Partitions() []*Partition {
	return v.partitions
}
