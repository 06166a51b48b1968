// Package page provides the physical page frame shared by memory objects,
// the swap cache, and the pagers.
package page

import (
	"fmt"
	"sync"
	"sync/atomic"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/primitives"
)

// Flags are the page state bits.
type Flags uint32

const (
	// FlagDirty means the in-memory content differs from any swapped copy.
	FlagDirty Flags = 1 << iota
	// FlagValid means the content has been initialized or paged in.
	FlagValid
	// FlagSwapCache means the page is registered in the swap cache.
	// Only AttachSlot and DetachSlot change it.
	FlagSwapCache
)

// Page is a fixed-size unit of memory. Its owner is recorded by id, so a
// page never keeps its memory object alive.
//
// The busy lock is the exclusive I/O lock: it must be held for any swap cache
// insert or remove and for pager I/O on the page, and it is the only
// serialization between concurrent operations on the same page.
type Page struct {
	handle primitives.PageHandle
	owner  primitives.ObjectID
	index  primitives.PageIndex
	data   []byte

	busy     sync.Mutex
	busyFlag atomic.Bool
	flags    atomic.Uint32
	slot     atomic.Uint64
	holds    atomic.Int32
}

func newPage(handle primitives.PageHandle, size int) *Page {
	p := &Page{
		handle: handle,
		data:   make([]byte, size),
	}
	p.slot.Store(uint64(primitives.InvalidSlot))
	return p
}

func (p *Page) Handle() primitives.PageHandle { return p.handle }

func (p *Page) Owner() primitives.ObjectID { return p.owner }

func (p *Page) Index() primitives.PageIndex { return p.index }

func (p *Page) Size() int { return len(p.data) }

// Data returns the page contents. Callers must hold the busy lock to write.
func (p *Page) Data() []byte { return p.data }

func (p *Page) String() string {
	return fmt.Sprintf("Page(%d %s@%d flags=%03b)", p.handle, p.owner.Short(), p.index, p.flags.Load())
}

// Busy acquires the exclusive page lock, blocking until it is free.
func (p *Page) Busy() {
	p.busy.Lock()
	p.busyFlag.Store(true)
}

// TryBusy acquires the page lock if it is free.
func (p *Page) TryBusy() bool {
	if !p.busy.TryLock() {
		return false
	}
	p.busyFlag.Store(true)
	return true
}

// Unbusy releases the page lock.
func (p *Page) Unbusy() {
	if !p.busyFlag.Swap(false) {
		swaperr.Fatal(swaperr.CodeInvariant, "unbusy of page %d that is not busy", p.handle)
	}
	p.busy.Unlock()
}

func (p *Page) IsBusy() bool { return p.busyFlag.Load() }

// AssertBusy aborts when the page lock is not held.
func (p *Page) AssertBusy(op string) {
	if !p.IsBusy() {
		swaperr.Fatal(swaperr.CodeInvariant, "%s on page %d without busy lock", op, p.handle)
	}
}

// Hold takes a reference that keeps the page from being handed out again
// while a lookup is using it.
func (p *Page) Hold() { p.holds.Add(1) }

// Release drops a reference taken with Hold and returns the remaining count.
func (p *Page) Release() int32 {
	n := p.holds.Add(-1)
	if n < 0 {
		swaperr.Fatal(swaperr.CodeInvariant, "page %d released more than held", p.handle)
	}
	return n
}

func (p *Page) Holds() int32 { return p.holds.Load() }

func (p *Page) has(f Flags) bool { return Flags(p.flags.Load())&f != 0 }

func (p *Page) set(f Flags) {
	for {
		old := p.flags.Load()
		if p.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (p *Page) clear(f Flags) {
	for {
		old := p.flags.Load()
		if p.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

func (p *Page) Flags() Flags { return Flags(p.flags.Load()) }

func (p *Page) IsDirty() bool { return p.has(FlagDirty) }

func (p *Page) IsValid() bool { return p.has(FlagValid) }

func (p *Page) InSwapCache() bool { return p.has(FlagSwapCache) }

func (p *Page) MarkDirty() { p.set(FlagDirty) }

func (p *Page) ClearDirty() { p.clear(FlagDirty) }

func (p *Page) SetValid() { p.set(FlagValid) }

// Invalidate marks the content as stale, for a page-in that lost its slot.
func (p *Page) Invalidate() { p.clear(FlagValid) }

// Write replaces the page contents and marks the page dirty and valid.
// The caller must hold the busy lock.
func (p *Page) Write(data []byte) {
	p.AssertBusy("Write")
	n := copy(p.data, data)
	clear(p.data[n:])
	p.set(FlagDirty | FlagValid)
}

// CopyFrom copies src's contents into p and marks p valid and clean.
// The caller must hold p's busy lock.
func (p *Page) CopyFrom(src *Page) {
	p.AssertBusy("CopyFrom")
	copy(p.data, src.data)
	p.set(FlagValid)
	p.clear(FlagDirty)
}

// Slot returns the backing-store slot the page is cached under, or
// InvalidSlot when it is not in the swap cache.
func (p *Page) Slot() primitives.SlotID {
	return primitives.SlotID(p.slot.Load())
}

// AttachSlot records the page's swap cache association. It is called only by
// the swap cache while it holds the page lock. A page is associated with at
// most one slot; a second attach aborts.
func (p *Page) AttachSlot(slot primitives.SlotID) {
	p.AssertBusy("AttachSlot")
	if !p.slot.CompareAndSwap(uint64(primitives.InvalidSlot), uint64(slot)) {
		swaperr.Fatal(swaperr.CodeInvariant, "page %d already associated with slot %d, attaching %d",
			p.handle, p.slot.Load(), slot)
	}
	p.set(FlagSwapCache)
}

// DetachSlot clears the swap cache association and returns the slot.
func (p *Page) DetachSlot() primitives.SlotID {
	p.AssertBusy("DetachSlot")
	old := primitives.SlotID(p.slot.Swap(uint64(primitives.InvalidSlot)))
	if !old.IsValid() {
		swaperr.Fatal(swaperr.CodeInvariant, "detach of page %d with no slot", p.handle)
	}
	p.clear(FlagSwapCache)
	return old
}

func (p *Page) reset(owner primitives.ObjectID, index primitives.PageIndex) {
	p.owner = owner
	p.index = index
	clear(p.data)
	p.flags.Store(0)
	p.holds.Store(0)
	p.slot.Store(uint64(primitives.InvalidSlot))
}
