// Package pager binds memory objects to their backing-store strategy.
//
// Every object starts on the default pager, which has nothing to read back.
// The first page the object successfully writes out moves it to the swap
// pager for good. System ties the pagers to the slot registry, the swap
// cache, the device, and the page pool, and is the entry point callers use.
package pager

import (
	"context"
	"runtime"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/metrics"
	"swapvm/pkg/primitives"
	"swapvm/pkg/swap/cache"
	"swapvm/pkg/swap/device"
	"swapvm/pkg/swap/space"
	"swapvm/pkg/vm/accounting"
	"swapvm/pkg/vm/object"
	"swapvm/pkg/vm/page"
)

// PutFlags modify PutPages.
type PutFlags uint8

const (
	// PutSync asks for the write to be durable before returning. Devices
	// here complete writes synchronously, so it only affects logging.
	PutSync PutFlags = 1 << iota
	// PutInvalidate drops each successfully written page from residency.
	PutInvalidate
)

// Pager is the per-kind strategy behind an object. Callers go through
// System, which holds the object alive for the duration of each call.
type Pager interface {
	Kind() object.Kind

	// GetPages fills pages from backing store. The result slice matches
	// pages by position; nil means the page was filled.
	GetPages(ctx context.Context, obj *object.Object, pages []*page.Page) []error

	// PutPages writes pages to backing store, one result per page.
	PutPages(ctx context.Context, obj *object.Object, pages []*page.Page, flags PutFlags) []error

	// HasPage reports whether index is synchronized with backing store and
	// how many neighbours on each side share that state.
	HasPage(obj *object.Object, index primitives.PageIndex) (synced bool, before, after int)

	// Dealloc reclaims what the object holds once its last reference is gone.
	Dealloc(obj *object.Object)
}

// env is what both pagers share.
type env struct {
	registry   *space.Registry
	cache      *cache.Cache
	device     device.Device
	pages      page.Allocator
	accountant accounting.Accountant
	metrics    *metrics.Collector

	maxCluster  int
	parallelism int
	retries     int
}

// release drops one slot reference the caller owns. A failure means the
// reference accounting is broken.
func (e *env) release(slot primitives.SlotID) {
	if _, err := e.registry.Free(slot); err != nil {
		swaperr.Fatal(swaperr.CodeInvariant, "releasing owned reference on %v: %v", slot, err)
	}
}

// detachLocked removes a busy page from the swap cache and from its
// object's residency, then unlocks it. Both removals happen under the busy
// lock, so anyone who locks the page afterwards sees neither. It reports
// whether this call took the page out of residency; that caller owns the
// frame and hands it to freePage once it has dropped its own holds.
func (e *env) detachLocked(obj *object.Object, p *page.Page) bool {
	if slot, ok := e.cache.Remove(p); ok {
		e.release(slot)
	}
	resident := obj.RemovePage(p)
	p.Unbusy()
	return resident
}

// freePage waits out lookups that found p before it was detached, then
// returns it to the allocator. Lookup holders release only after unlocking.
func (e *env) freePage(p *page.Page) {
	for p.Holds() > 0 {
		runtime.Gosched()
	}
	e.pages.FreePage(p)
}

// dropResident releases every resident page of a dead object.
func (e *env) dropResident(obj *object.Object) {
	for _, p := range obj.ResidentPages() {
		p.Busy()
		if e.detachLocked(obj, p) {
			e.freePage(p)
		}
	}
}

func (e *env) releaseCharge(obj *object.Object) {
	if obj.Charge() > 0 {
		e.accountant.Release(obj.Charge(), obj.Cred())
	}
}

func checkPage(obj *object.Object, p *page.Page) error {
	if p == nil {
		return swaperr.InvalidArgument("nil page").WithOp("checkPage", "Pager")
	}
	if p.Owner() != obj.ID() {
		return swaperr.InvalidArgument("%s not owned by %s", p, obj).WithOp("checkPage", "Pager")
	}
	if !obj.Contains(p.Index()) {
		return swaperr.InvalidArgument("index %d beyond %s", p.Index(), obj).WithOp("checkPage", "Pager")
	}
	return nil
}

func fill(n int, err error) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}
