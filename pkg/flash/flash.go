// Package flash models the on-chip non-volatile memory that backs the tensor
// store.
//
// The memory is byte-addressable for reads and erase-granular for writes:
// a page must be erased (every byte set to [ErasedByte]) before any byte in
// it can be programmed, and a programmed byte cannot be programmed again
// until its page is erased. This mirrors NOR flash on small microcontrollers.
//
// # Write Policy
//
// The inference core only writes during initialization. Wrap a [Store] in a
// [Guard] and call [Guard.Seal] once the tensor layout has been staged; every
// later Erase or Program fails with [ErrWriteLocked].
//
// # Implementations
//
//   - [Memory]: RAM-backed simulation, for tests and host builds
//   - [Badger]: page image persisted in BadgerDB, for host-side tooling
//     that wants the staged layout to survive process restarts
package flash

import (
	"errors"
	"fmt"
)

// ErasedByte is the value every byte holds after an erase.
const ErasedByte byte = 0xFF

// Sentinel errors.
var (
	// ErrOutOfRange is returned when an access falls outside the store.
	ErrOutOfRange = errors.New("flash: access out of range")

	// ErrUnaligned is returned when an erase is not page aligned.
	ErrUnaligned = errors.New("flash: erase not page aligned")

	// ErrNotErased is returned when programming a byte that is not erased.
	ErrNotErased = errors.New("flash: program target not erased")

	// ErrWriteLocked is returned by a sealed Guard on Erase or Program.
	ErrWriteLocked = errors.New("flash: writes locked after initialization")
)

// Store is the byte-addressable, erase-granular backing store.
//
// Implementations are not required to be safe for concurrent use; the
// inference core serializes all access.
type Store interface {
	// ReadAt reads len(p) bytes starting at off. It is always available.
	ReadAt(p []byte, off int64) (int, error)

	// Erase resets n bytes starting at off to ErasedByte. Both off and n
	// must be multiples of PageSize.
	Erase(off, n int64) error

	// Program writes p at off. Every target byte must currently be erased.
	Program(off int64, p []byte) error

	// Size returns the total size of the store in bytes.
	Size() int64

	// PageSize returns the erase granularity in bytes.
	PageSize() int
}

// checkRange validates that [off, off+n) lies inside a store of the given size.
func checkRange(off, n, size int64) error {
	if off < 0 || n < 0 || off+n > size {
		return fmt.Errorf("%w: [%d, %d) in %d bytes", ErrOutOfRange, off, off+n, size)
	}
	return nil
}

// checkEraseAlign validates erase alignment.
func checkEraseAlign(off, n int64, pageSize int) error {
	ps := int64(pageSize)
	if off%ps != 0 || n%ps != 0 {
		return fmt.Errorf("%w: off=%d n=%d page=%d", ErrUnaligned, off, n, pageSize)
	}
	return nil
}

// PageAlign rounds n up to the next multiple of pageSize.
func PageAlign(n int64, pageSize int) int64 {
	ps := int64(pageSize)
	return (n + ps - 1) / ps * ps
}
