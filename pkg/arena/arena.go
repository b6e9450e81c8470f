// Package arena provides the two memory strategies that back model tensors.
//
// [Virtual] pages tensors between a [flash.Store] backing region and a small
// RAM cache with least-recently-used eviction. Constant tensors are re-read
// from the backing store when they come back; mutable tensors are never
// written back, so an evicted activation is lost. A caller that needs a
// mutable value to survive must hold a [Pinned] handle for it.
//
// [Direct] carves one contiguous RAM buffer into fixed regions, one per
// model. Nothing is ever evicted and views never move.
//
// Both strategies hand out per-model views ([Partition] and [Region]) that
// reserve tensors through the same Reserve/Get/Pin surface, so the model
// executor is indifferent to which one it is bound to.
package arena

import (
	"errors"
	"unsafe"

	"github.com/haivivi/sensornn/pkg/tensor"
)

// Sentinel errors.
var (
	// ErrOutOfCache is returned when a tensor cannot be made resident
	// because every resident tensor is pinned, or the tensor is larger
	// than the whole cache.
	ErrOutOfCache = errors.New("arena: out of cache")

	// ErrInsufficientMemory is returned when a static region request does
	// not fit the direct buffer or its region.
	ErrInsufficientMemory = errors.New("arena: insufficient memory")

	// ErrInvalidSlot is returned for slots not issued by the arena view.
	ErrInvalidSlot = errors.New("arena: invalid slot")
)

// Kind names the model a partition or region belongs to.
type Kind uint8

const (
	Backbone Kind = iota
	Streaming
)

func (k Kind) String() string {
	switch k {
	case Backbone:
		return "backbone"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Class describes how a tensor is used by its model.
type Class uint8

const (
	// Weight tensors are constant after staging.
	Weight Class = iota
	// Activation tensors are kernel scratch.
	Activation
	// IO tensors are model inputs and outputs.
	IO
)

func (c Class) String() string {
	switch c {
	case Weight:
		return "weight"
	case Activation:
		return "activation"
	case IO:
		return "io"
	default:
		return "unknown"
	}
}

// Slot identifies a tensor reserved through a Partition or Region.
// Slots are dense per view, starting at 0.
type Slot uint32

// Pinned is a view of a tensor that stays resident, at a fixed address,
// until Release. It is the only way to hold a tensor view across calls that
// may page other tensors in.
type Pinned struct {
	buf     []byte
	release func()
}

// Bytes returns the pinned view.
func (p Pinned) Bytes() []byte { return p.buf }

// Release ends the pin. The view must not be used afterwards. Pins are
// flags, not counts: releasing any handle for a tensor unpins it.
func (p Pinned) Release() {
	if p.release != nil {
		p.release()
	}
}

// alignedBytes returns a zeroed byte slice of length n whose first byte is
// 8-byte aligned, so float32 and float64 views over any 8-aligned offset are
// valid.
func alignedBytes(n int) []byte {
	if n == 0 {
		return nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// alignUp rounds n to the tensor alignment.
func alignUp(n int) int { return tensor.AlignUp(n) }
