package flash

import "sync/atomic"

// GuardStats counts write traffic through a Guard.
type GuardStats struct {
	Erases         int64 // successful Erase calls
	ErasedBytes    int64
	Programs       int64 // successful Program calls
	ProgramBytes   int64
	RejectedWrites int64 // Erase/Program calls refused after Seal
}

// Guard enforces the init-time-only write policy on a Store. Reads always
// pass through; writes pass through until Seal is called.
type Guard struct {
	store  Store
	sealed atomic.Bool
	stats  GuardStats
}

// NewGuard wraps store. The returned Guard starts unsealed.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Seal locks the store against further writes. Sealing is permanent for the
// lifetime of the Guard.
func (g *Guard) Seal() {
	g.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (g *Guard) Sealed() bool {
	return g.sealed.Load()
}

// Stats returns a snapshot of the write counters.
func (g *Guard) Stats() GuardStats {
	return g.stats
}

// Unwrap returns the guarded store.
func (g *Guard) Unwrap() Store {
	return g.store
}

func (g *Guard) ReadAt(p []byte, off int64) (int, error) {
	return g.store.ReadAt(p, off)
}

func (g *Guard) Erase(off, n int64) error {
	if g.sealed.Load() {
		g.stats.RejectedWrites++
		return ErrWriteLocked
	}
	if err := g.store.Erase(off, n); err != nil {
		return err
	}
	g.stats.Erases++
	g.stats.ErasedBytes += n
	return nil
}

func (g *Guard) Program(off int64, p []byte) error {
	if g.sealed.Load() {
		g.stats.RejectedWrites++
		return ErrWriteLocked
	}
	if err := g.store.Program(off, p); err != nil {
		return err
	}
	g.stats.Programs++
	g.stats.ProgramBytes += int64(len(p))
	return nil
}

func (g *Guard) Size() int64 { return g.store.Size() }

func (g *Guard) PageSize() int { return g.store.PageSize() }

var _ Store = (*Guard)(nil)
