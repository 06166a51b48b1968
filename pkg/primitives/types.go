package primitives

import "math"

// PageIndex is the position of a page within its memory object, in pages.
type PageIndex uint64

// SlotID addresses one page-sized unit of backing store. Slot ids are opaque;
// the only contract is that a slot id is unique while it is referenced.
type SlotID uint64

// PageHandle is the arena handle of a physical page frame.
type PageHandle uint64

// RefCount is the number of owners referencing a slot.
type RefCount int32

// Protection bits recorded on a memory object at allocation.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Protection = 0
	ProtAll             = ProtRead | ProtWrite | ProtExec
)

// Sentinel values for invalid/unset identifiers
const (
	// InvalidSlot marks a page or metadata entry with no backing-store slot.
	InvalidSlot SlotID = math.MaxUint64

	// InvalidPageHandle is never handed out by a page allocator.
	InvalidPageHandle PageHandle = 0
)
