// Package space implements the backing-store slot registry: which swap slots
// are free or allocated, and how many owners share each allocated slot.
package space

import (
	"math/bits"
	"sync"
	"sync/atomic"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
	"swapvm/pkg/primitives"
)

// SlotRange is a run of contiguous slots returned by Alloc.
type SlotRange struct {
	Start primitives.SlotID
	Count int
}

// Slot returns the i-th slot of the range.
func (r SlotRange) Slot(i int) primitives.SlotID {
	return r.Start + primitives.SlotID(i)
}

// Slots expands the range into individual slot ids.
func (r SlotRange) Slots() []primitives.SlotID {
	out := make([]primitives.SlotID, r.Count)
	for i := range out {
		out[i] = r.Slot(i)
	}
	return out
}

// Stats is a point-in-time view of slot usage.
type Stats struct {
	Total     int
	Free      int
	Allocated int
}

// ReclaimFunc is called, outside any registry lock, when a slot's last
// reference is dropped and its storage may be discarded. The slot is not
// reallocated until the callback returns.
type ReclaimFunc func(slot primitives.SlotID)

// Registry tracks slot lifetime for one swap area. Reference counts are
// updated with atomics independent of any page or object lock, because a
// slot can be shared while none of its pages are resident. The free bitmap
// is guarded by mu and only touched on allocation and on the transition to
// zero references.
type Registry struct {
	id   primitives.ObjectID
	refs []atomic.Int32

	mu        sync.Mutex
	allocated []uint64 // bit set = slot allocated
	freeCount int
	cursor    int // next-fit start position

	onReclaim ReclaimFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithReclaim installs the callback invoked when a slot becomes free.
func WithReclaim(fn ReclaimFunc) Option {
	return func(r *Registry) { r.onReclaim = fn }
}

// NewRegistry creates a registry with nslots free slots.
func NewRegistry(nslots int, opts ...Option) *Registry {
	r := &Registry{
		id:        primitives.NewObjectID(),
		refs:      make([]atomic.Int32, nslots),
		allocated: make([]uint64, (nslots+63)/64),
		freeCount: nslots,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID identifies the swap area; the swap cache partitions by it.
func (r *Registry) ID() primitives.ObjectID { return r.id }

// Capacity returns the total number of slots.
func (r *Registry) Capacity() int { return len(r.refs) }

func (r *Registry) inRange(slot primitives.SlotID) bool {
	return slot.IsValid() && uint64(slot) < uint64(len(r.refs))
}

func (r *Registry) isAllocated(i int) bool {
	return r.allocated[i/64]&(1<<(uint(i)%64)) != 0
}

func (r *Registry) setAllocated(i int, on bool) {
	if on {
		r.allocated[i/64] |= 1 << (uint(i) % 64)
	} else {
		r.allocated[i/64] &^= 1 << (uint(i) % 64)
	}
}

// Alloc reserves n contiguous slots, each with a reference count of one.
// It returns false when no run of n free slots exists.
func (r *Registry) Alloc(n int) (SlotRange, bool) {
	if n <= 0 {
		return SlotRange{}, false
	}

	r.mu.Lock()
	start, ok := r.findRun(n)
	if !ok {
		free := r.freeCount
		r.mu.Unlock()
		logging.WithComponent("SlotRegistry").Warn("swap space exhausted", "requested", n, "free", free)
		return SlotRange{}, false
	}
	for i := start; i < start+n; i++ {
		r.setAllocated(i, true)
		if !r.refs[i].CompareAndSwap(0, 1) {
			r.mu.Unlock()
			swaperr.Fatal(swaperr.CodeInvariant, "free slot %d has reference count %d", i, r.refs[i].Load())
		}
	}
	r.freeCount -= n
	r.cursor = (start + n) % len(r.refs)
	r.mu.Unlock()

	return SlotRange{Start: primitives.SlotID(start), Count: n}, true
}

// findRun does a next-fit search from the cursor, wrapping once.
// Must be called with mu held.
func (r *Registry) findRun(n int) (int, bool) {
	total := len(r.refs)
	if n > r.freeCount || n > total {
		return 0, false
	}

	if n == 1 {
		return r.findOne()
	}

	run := 0
	for scanned := 0; scanned < total+n; scanned++ {
		i := (r.cursor + scanned) % total
		if i == 0 {
			run = 0
		}
		if r.isAllocated(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1, true
		}
	}
	return 0, false
}

func (r *Registry) findOne() (int, bool) {
	total := len(r.refs)
	words := len(r.allocated)
	startWord := r.cursor / 64
	for w := 0; w <= words; w++ {
		word := (startWord + w) % words
		free := ^r.allocated[word]
		if free == 0 {
			continue
		}
		i := word*64 + bits.TrailingZeros64(free)
		if i < total {
			return i, true
		}
	}
	return 0, false
}

// Duplicate adds a reference to an allocated slot. It does not need any page
// of the slot to be resident. A slot whose count already reached zero
// cannot be revived and yields a SLOT_GONE error.
func (r *Registry) Duplicate(slot primitives.SlotID) error {
	if !r.inRange(slot) {
		return swaperr.InvalidArgument("slot %d out of range", uint64(slot)).WithOp("Duplicate", "SlotRegistry")
	}
	if !r.TryDuplicate(slot) {
		return swaperr.SlotGone(uint64(slot)).WithOp("Duplicate", "SlotRegistry")
	}
	return nil
}

// TryDuplicate increments the count only while it is nonzero.
func (r *Registry) TryDuplicate(slot primitives.SlotID) bool {
	if !r.inRange(slot) {
		return false
	}
	ref := &r.refs[slot]
	for {
		n := ref.Load()
		if n <= 0 {
			return false
		}
		if ref.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Free drops one reference and returns the count left. The slot is
// reclaimed when the count reaches zero. Freeing an unreferenced slot is an
// error and leaves the count at zero.
func (r *Registry) Free(slot primitives.SlotID) (primitives.RefCount, error) {
	if !r.inRange(slot) {
		return 0, swaperr.InvalidArgument("slot %d out of range", uint64(slot)).WithOp("Free", "SlotRegistry")
	}

	ref := &r.refs[slot]
	for {
		n := ref.Load()
		if n <= 0 {
			return 0, swaperr.SlotNotAllocated(uint64(slot)).WithOp("Free", "SlotRegistry")
		}
		if !ref.CompareAndSwap(n, n-1) {
			continue
		}
		if n == 1 {
			r.reclaim(slot)
		}
		return primitives.RefCount(n - 1), nil
	}
}

// reclaim runs the callback while the bitmap still marks the slot taken, so
// the storage is discarded before Alloc can hand the slot out again.
func (r *Registry) reclaim(slot primitives.SlotID) {
	if r.onReclaim != nil {
		r.onReclaim(slot)
	}

	r.mu.Lock()
	r.setAllocated(int(slot), false)
	r.freeCount++
	r.mu.Unlock()
}

// RefCount returns the current count for slot, zero when free.
func (r *Registry) RefCount(slot primitives.SlotID) primitives.RefCount {
	if !r.inRange(slot) {
		return 0
	}
	return primitives.RefCount(r.refs[slot].Load())
}

// Stats reports slot usage.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Total:     len(r.refs),
		Free:      r.freeCount,
		Allocated: len(r.refs) - r.freeCount,
	}
}
