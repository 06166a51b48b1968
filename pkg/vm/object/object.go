// Package object implements the anonymous memory object: a range of pages
// plus the swap metadata that records which slot holds each swapped page.
package object

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/primitives"
	"swapvm/pkg/vm/accounting"
	"swapvm/pkg/vm/page"
)

// Kind selects the pager strategy serving an object.
type Kind int32

const (
	// KindDefault has no backing store yet. Every page is zero-fill.
	KindDefault Kind = iota
	// KindSwap has swap metadata and is served by the swap pager.
	KindSwap
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindSwap:
		return "swap"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// Object is an anonymous memory object.
//
// The kind moves from KindDefault to KindSwap at most once and never back.
// The object starts with one base reference owned by whoever allocated it;
// ops take extra references with Acquire, and Kill drops the base one. The
// caller that drops the last reference tears the object down.
type Object struct {
	id     primitives.ObjectID
	npages primitives.PageIndex
	prot   primitives.Protection
	offset uint64
	cred   *accounting.Credential
	charge int64

	kind atomic.Int32
	dead atomic.Bool
	refs atomic.Int32

	mu    sync.RWMutex
	pages map[primitives.PageIndex]*page.Page
	swap  map[primitives.PageIndex]primitives.SlotID
}

// Params describes a new object.
type Params struct {
	Pages  primitives.PageIndex
	Prot   primitives.Protection
	Offset uint64
	Cred   *accounting.Credential
	// Charge is the number of bytes reserved against Cred.
	Charge int64
}

// New creates a default-kind object with one base reference.
func New(p Params) *Object {
	o := &Object{
		id:     primitives.NewObjectID(),
		npages: p.Pages,
		prot:   p.Prot,
		offset: p.Offset,
		cred:   p.Cred,
		charge: p.Charge,
		pages:  make(map[primitives.PageIndex]*page.Page),
		swap:   make(map[primitives.PageIndex]primitives.SlotID),
	}
	o.refs.Store(1)
	return o
}

func (o *Object) ID() primitives.ObjectID { return o.id }

// Pages returns the object's size in pages.
func (o *Object) Pages() primitives.PageIndex { return o.npages }

func (o *Object) Prot() primitives.Protection { return o.prot }

func (o *Object) Offset() uint64 { return o.offset }

func (o *Object) Cred() *accounting.Credential { return o.cred }

// Charge returns the bytes reserved against the credential.
func (o *Object) Charge() int64 { return o.charge }

func (o *Object) Kind() Kind { return Kind(o.kind.Load()) }

func (o *Object) String() string {
	return fmt.Sprintf("Object(%s %s pages=%d)", o.id.Short(), o.Kind(), o.npages)
}

// ConvertToSwap moves the object from KindDefault to KindSwap. It reports
// true for the single caller that performed the transition; racing callers
// and later calls get false.
func (o *Object) ConvertToSwap() bool {
	if o.kind.CompareAndSwap(int32(KindDefault), int32(KindSwap)) {
		return true
	}
	if k := o.Kind(); k != KindSwap {
		swaperr.Fatal(swaperr.CodeInvariant, "%s has unknown kind %d", o, int32(k))
	}
	return false
}

// Contains reports whether index lies inside the object.
func (o *Object) Contains(index primitives.PageIndex) bool { return index < o.npages }

// Lifecycle

func (o *Object) IsDead() bool { return o.dead.Load() }

// Acquire takes an operation reference. It fails once the object is dead.
func (o *Object) Acquire() bool {
	for {
		n := o.refs.Load()
		if n <= 0 || o.dead.Load() {
			return false
		}
		if o.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference and reports whether it was the last one.
func (o *Object) Release() bool {
	n := o.refs.Add(-1)
	if n < 0 {
		swaperr.Fatal(swaperr.CodeInvariant, "%s released more than acquired", o)
	}
	return n == 0
}

// Kill marks the object dead and drops the base reference. It reports
// whether this call was the one to kill it, and whether the base reference
// was the last one.
func (o *Object) Kill() (killed, last bool) {
	if !o.dead.CompareAndSwap(false, true) {
		return false, false
	}
	return true, o.Release()
}

// Resident pages

// InsertPage makes p resident at its index. It fails with ALREADY_PRESENT
// when another page is resident there.
func (o *Object) InsertPage(p *page.Page) error {
	if p.Owner() != o.id {
		return swaperr.InvalidArgument("%s is not owned by %s", p, o)
	}
	if !o.Contains(p.Index()) {
		return swaperr.InvalidArgument("index %d outside %s", p.Index(), o)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pages[p.Index()]; ok {
		return swaperr.AlreadyPresent(fmt.Sprintf("resident page %s@%d", o.id.Short(), p.Index())).
			WithOp("InsertPage", "MemoryObject")
	}
	o.pages[p.Index()] = p
	return nil
}

func (o *Object) LookupPage(index primitives.PageIndex) (*page.Page, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pages[index]
	return p, ok
}

// HoldPage is LookupPage with a hold taken under the object lock, so the
// page cannot be recycled before the caller locks it. The caller must
// Release it.
func (o *Object) HoldPage(index primitives.PageIndex) (*page.Page, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pages[index]
	if ok {
		p.Hold()
	}
	return p, ok
}

// RemovePage drops p from residency if it is still the page at its index.
func (o *Object) RemovePage(p *page.Page) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pages[p.Index()] != p {
		return false
	}
	delete(o.pages, p.Index())
	return true
}

// ResidentPages returns the resident pages ordered by index.
func (o *Object) ResidentPages() []*page.Page {
	o.mu.RLock()
	out := make([]*page.Page, 0, len(o.pages))
	for _, p := range o.pages {
		out = append(out, p)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

func (o *Object) ResidentCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.pages)
}

// Swap metadata. Each entry owns one reference on its slot.

func (o *Object) SwapSlot(index primitives.PageIndex) (primitives.SlotID, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.swap[index]
	return s, ok
}

// SetSwapSlot records slot for index and returns the slot it replaced. The
// caller inherits the replaced slot's reference.
func (o *Object) SetSwapSlot(index primitives.PageIndex, slot primitives.SlotID) (primitives.SlotID, bool) {
	if !slot.IsValid() {
		swaperr.Fatal(swaperr.CodeInvariant, "recording invalid slot for %s@%d", o.id.Short(), index)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	prev, ok := o.swap[index]
	if ok && prev == slot {
		swaperr.Fatal(swaperr.CodeInvariant, "%s@%d recorded twice under %v", o.id.Short(), index, slot)
	}
	o.swap[index] = slot
	return prev, ok
}

// ClearSwapSlot removes the entry for index, handing its reference to the
// caller.
func (o *Object) ClearSwapSlot(index primitives.PageIndex) (primitives.SlotID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.swap[index]
	if ok {
		delete(o.swap, index)
	}
	return s, ok
}

// SwapSlots returns a copy of the swap metadata.
func (o *Object) SwapSlots() map[primitives.PageIndex]primitives.SlotID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[primitives.PageIndex]primitives.SlotID, len(o.swap))
	for k, v := range o.swap {
		out[k] = v
	}
	return out
}

// TakeSwapSlots empties the swap metadata and returns it; the caller owns
// every reference.
func (o *Object) TakeSwapSlots() map[primitives.PageIndex]primitives.SlotID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.swap
	o.swap = make(map[primitives.PageIndex]primitives.SlotID)
	return out
}

func (o *Object) SwapCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.swap)
}

// Synced reports whether index has a swapped copy that matches memory: a
// slot is recorded and any resident page there is clean.
func (o *Object) Synced(index primitives.PageIndex) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if _, ok := o.swap[index]; !ok {
		return false
	}
	if p, ok := o.pages[index]; ok && p.IsDirty() {
		return false
	}
	return true
}
