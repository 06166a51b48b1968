package pager

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"swapvm/pkg/config"
	swaperr "swapvm/pkg/error"
	"swapvm/pkg/primitives"
	"swapvm/pkg/swap/device"
	"swapvm/pkg/vm/accounting"
	"swapvm/pkg/vm/object"
	"swapvm/pkg/vm/page"
)

const testPageSize = 256

var errInjected = errors.New("injected device failure")

// faultyDevice fails reads or writes on demand.
type faultyDevice struct {
	*device.MemoryDevice
	failWrites atomic.Bool
	failReads  atomic.Bool
	writes     atomic.Int64

	// afterWrite runs once a write has landed. Set it before any put.
	afterWrite func(slot primitives.SlotID)
}

func newFaultyDevice() *faultyDevice {
	return &faultyDevice{MemoryDevice: device.NewMemoryDevice(device.PlainCodec{})}
}

func (d *faultyDevice) WriteSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	d.writes.Add(1)
	if d.failWrites.Load() {
		return errInjected
	}
	if err := d.MemoryDevice.WriteSlot(ctx, slot, buf); err != nil {
		return err
	}
	if d.afterWrite != nil {
		d.afterWrite(slot)
	}
	return nil
}

func (d *faultyDevice) ReadSlot(ctx context.Context, slot primitives.SlotID, buf []byte) error {
	if d.failReads.Load() {
		return errInjected
	}
	return d.MemoryDevice.ReadSlot(ctx, slot, buf)
}

func newTestSystem(t *testing.T, mutate func(*config.Config), opts ...Option) *System {
	t.Helper()
	cfg := config.Default()
	cfg.PageSize = testPageSize
	cfg.SwapSlots = 64
	cfg.MaxCluster = 4
	if mutate != nil {
		mutate(&cfg)
	}
	sys, err := NewSystem(cfg, opts...)
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	return sys
}

func allocObject(t *testing.T, sys *System, pages int) *object.Object {
	t.Helper()
	obj, err := sys.Alloc(uint64(pages*testPageSize), primitives.ProtAll, 0, nil)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	return obj
}

func pattern(seed byte) []byte {
	b := make([]byte, testPageSize)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func writePage(p *page.Page, data []byte) {
	p.Busy()
	p.Write(data)
	p.Unbusy()
}

func residentPage(t *testing.T, sys *System, obj *object.Object, index primitives.PageIndex, seed byte) *page.Page {
	t.Helper()
	p, err := sys.AllocPage(obj, index)
	if err != nil {
		t.Fatalf("AllocPage(%d): %v", index, err)
	}
	writePage(p, pattern(seed))
	return p
}

func mustPut(t *testing.T, sys *System, obj *object.Object, flags PutFlags, pages ...*page.Page) {
	t.Helper()
	for i, err := range sys.PutPages(context.Background(), obj, pages, flags) {
		if err != nil {
			t.Fatalf("PutPages page %d: %v", i, err)
		}
	}
}

// Scenario: a fresh object has nothing synchronized.
func TestSystem_HasPageOnFreshObject(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 4)

	if obj.Kind() != object.KindDefault {
		t.Fatalf("fresh object kind %s", obj.Kind())
	}
	synced, before, after := sys.HasPage(obj, 0)
	if synced || before != 0 || after != 0 {
		t.Errorf("HasPage = (%v, %d, %d), want (false, 0, 0)", synced, before, after)
	}
}

// Scenario: the first successful put converts the object.
func TestSystem_PutConvertsToSwap(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 4)
	p := residentPage(t, sys, obj, 0, 1)

	mustPut(t, sys, obj, 0, p)

	if obj.Kind() != object.KindSwap {
		t.Fatalf("expected swap kind after put, got %s", obj.Kind())
	}
	if synced, _, _ := sys.HasPage(obj, 0); !synced {
		t.Error("page 0 not reported synchronized after put")
	}
	if !p.InSwapCache() || p.IsDirty() {
		t.Errorf("page state after put: %s", p)
	}

	slot, ok := obj.SwapSlot(0)
	if !ok || slot != p.Slot() {
		t.Fatalf("metadata slot %v, cached slot %v", slot, p.Slot())
	}
	if rc := sys.Registry().RefCount(slot); rc != 2 {
		t.Errorf("expected metadata and cache references, refcount %d", rc)
	}
	if sys.Metrics().Snapshot().Transitions != 1 {
		t.Error("transition not counted")
	}
}

// Scenario: reading a never-written object misses.
func TestSystem_GetOnDefaultMisses(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 2)
	p, _ := sys.AllocPage(obj, 0)

	errs := sys.GetPages(context.Background(), obj, []*page.Page{p})
	if !errors.Is(errs[0], swaperr.ErrPagerMiss) {
		t.Errorf("expected PAGER_MISS, got %v", errs[0])
	}
	if sys.PagerFor(obj).Kind() != object.KindDefault {
		t.Error("object left the default pager after a read")
	}
}

// Scenario: two evictions of the same offset race; one wins the cache
// entry and the loser frees its slot.
func TestSystem_RacingEvictionsOneWins(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 1)

	a := residentPage(t, sys, obj, 0, 9)
	b, err := sys.env.pages.AllocPage(obj.ID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	writePage(b, pattern(9))

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]error, 2)
	for i, p := range []*page.Page{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = sys.PutPages(context.Background(), obj, []*page.Page{p}, 0)[0]
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Errorf("eviction %d surfaced a race as failure: %v", i, err)
		}
	}
	if a.InSwapCache() == b.InSwapCache() {
		t.Fatalf("expected exactly one cached page, a=%v b=%v", a.InSwapCache(), b.InSwapCache())
	}

	st := sys.Stats()
	if st.Slots.Allocated != 1 {
		t.Errorf("loser kept its slot: %d allocated", st.Slots.Allocated)
	}
	if st.Counters.Races != 1 {
		t.Errorf("expected one race, got %d", st.Counters.Races)
	}
	winner := a
	if b.InSwapCache() {
		winner = b
	}
	if slot, _ := obj.SwapSlot(0); slot != winner.Slot() {
		t.Errorf("metadata slot %v does not match winner %v", slot, winner.Slot())
	}
}

func TestSystem_RoundTripThroughDevice(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 2)
	p := residentPage(t, sys, obj, 1, 42)

	mustPut(t, sys, obj, PutInvalidate, p)
	if obj.ResidentCount() != 0 || sys.Cache().Len() != 0 {
		t.Fatalf("invalidating put left %d resident, %d cached", obj.ResidentCount(), sys.Cache().Len())
	}

	got, err := sys.Fault(context.Background(), obj, 1)
	if err != nil {
		t.Fatalf("Fault failed: %v", err)
	}
	if !bytes.Equal(got.Data(), pattern(42)) {
		t.Error("content changed across page-out and page-in")
	}
	if !got.InSwapCache() || got.IsDirty() || !got.IsValid() {
		t.Errorf("paged-in page state %s", got)
	}
	if sys.Metrics().Snapshot().PageIns != 1 {
		t.Error("page-in not counted")
	}
}

func TestSystem_RoundTripFromCache(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 1)
	p := residentPage(t, sys, obj, 0, 3)
	mustPut(t, sys, obj, 0, p)

	q, _ := sys.env.pages.AllocPage(obj.ID(), 0)
	if err := sys.GetPages(context.Background(), obj, []*page.Page{q})[0]; err != nil {
		t.Fatalf("GetPages failed: %v", err)
	}
	if !bytes.Equal(q.Data(), pattern(3)) {
		t.Error("copy from cached page differs")
	}
	if q.InSwapCache() {
		t.Error("copy was inserted next to the cached page")
	}
	if sys.Metrics().Snapshot().CacheHits != 1 {
		t.Error("cache hit not counted")
	}
}

func TestSystem_WriteFailureKeepsDefault(t *testing.T) {
	dev := newFaultyDevice()
	sys := newTestSystem(t, nil, WithDevice(dev))
	obj := allocObject(t, sys, 1)
	p := residentPage(t, sys, obj, 0, 5)

	dev.failWrites.Store(true)
	err := sys.PutPages(context.Background(), obj, []*page.Page{p}, 0)[0]
	if !errors.Is(err, swaperr.ErrIOFailed) || !errors.Is(err, errInjected) {
		t.Fatalf("expected IO_FAILED wrapping the device error, got %v", err)
	}
	if obj.Kind() != object.KindDefault {
		t.Error("object converted although no write succeeded")
	}
	if p.InSwapCache() || !p.IsDirty() {
		t.Errorf("failed write changed page state: %s", p)
	}
	if sys.Stats().Slots.Allocated != 0 {
		t.Error("failed write leaked its slot")
	}

	dev.failWrites.Store(false)
	mustPut(t, sys, obj, 0, p)
	if obj.Kind() != object.KindSwap {
		t.Error("object did not convert on the first successful write")
	}
}

func TestSystem_NoSpaceFailsOnlyThatPage(t *testing.T) {
	sys := newTestSystem(t, func(c *config.Config) { c.SwapSlots = 1 })
	obj := allocObject(t, sys, 2)
	p0 := residentPage(t, sys, obj, 0, 1)
	p1 := residentPage(t, sys, obj, 1, 2)

	errs := sys.PutPages(context.Background(), obj, []*page.Page{p0, p1}, 0)

	ok, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, swaperr.ErrNoSpace):
			full++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || full != 1 {
		t.Errorf("expected one success and one NO_SPACE, got %d and %d", ok, full)
	}
	if obj.Kind() != object.KindSwap {
		t.Error("partial batch did not convert the object")
	}
}

func TestSystem_DirtyRePutSupersedesSlot(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 1)
	p := residentPage(t, sys, obj, 0, 1)
	mustPut(t, sys, obj, 0, p)
	first, _ := obj.SwapSlot(0)

	writePage(p, pattern(2))
	if synced, _, _ := sys.HasPage(obj, 0); synced {
		t.Error("dirty page reported synchronized")
	}
	mustPut(t, sys, obj, 0, p)

	second, _ := obj.SwapSlot(0)
	if second == first {
		t.Fatal("dirty page reused its old slot")
	}
	reg := sys.Registry()
	if reg.RefCount(first) != 0 || reg.RefCount(second) != 2 {
		t.Errorf("refcounts old=%d new=%d", reg.RefCount(first), reg.RefCount(second))
	}
	if sys.Stats().Slots.Allocated != 1 {
		t.Errorf("expected one slot in use, got %d", sys.Stats().Slots.Allocated)
	}
}

func TestSystem_CleanRePutIsNoop(t *testing.T) {
	dev := newFaultyDevice()
	sys := newTestSystem(t, nil, WithDevice(dev))
	obj := allocObject(t, sys, 1)
	p := residentPage(t, sys, obj, 0, 1)
	mustPut(t, sys, obj, 0, p)
	mustPut(t, sys, obj, 0, p)

	if dev.writes.Load() != 1 {
		t.Errorf("clean cached page written again: %d writes", dev.writes.Load())
	}
}

func TestSystem_ConcurrentPutsSamePage(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 1)
	p := residentPage(t, sys, obj, 0, 7)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			return sys.PutPages(context.Background(), obj, []*page.Page{p}, 0)[0]
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent put failed: %v", err)
	}

	if sys.Cache().Len() != 1 || sys.Stats().Slots.Allocated != 1 {
		t.Errorf("cache %d entries, %d slots", sys.Cache().Len(), sys.Stats().Slots.Allocated)
	}
	if rc := sys.Registry().RefCount(p.Slot()); rc != 2 {
		t.Errorf("refcount %d", rc)
	}
}

func TestSystem_ConcurrentFirstPersistTransitionsOnce(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 16)

	var pages []*page.Page
	for i := 0; i < 16; i++ {
		pages = append(pages, residentPage(t, sys, obj, primitives.PageIndex(i), byte(i)))
	}

	var wg sync.WaitGroup
	for _, p := range pages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sys.PutPages(context.Background(), obj, []*page.Page{p}, 0)
		}()
	}
	wg.Wait()

	if got := sys.Metrics().Snapshot().Transitions; got != 1 {
		t.Errorf("expected exactly one transition, got %d", got)
	}
	if obj.Kind() != object.KindSwap {
		t.Error("object not converted")
	}
}

func TestSystem_HasPageClusters(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 8)
	mustPut(t, sys, obj, 0,
		residentPage(t, sys, obj, 2, 2),
		residentPage(t, sys, obj, 3, 3),
		residentPage(t, sys, obj, 4, 4))

	tests := []struct {
		index         primitives.PageIndex
		synced        bool
		before, after int
	}{
		{3, true, 1, 1},
		{2, true, 0, 2},
		{0, false, 0, 1},
		{6, false, 1, 1},
		{7, false, 2, 0},
		{8, false, 0, 0}, // outside the object
	}
	for _, tt := range tests {
		synced, before, after := sys.HasPage(obj, tt.index)
		if synced != tt.synced || before != tt.before || after != tt.after {
			t.Errorf("HasPage(%d) = (%v, %d, %d), want (%v, %d, %d)",
				tt.index, synced, before, after, tt.synced, tt.before, tt.after)
		}
	}
}

func TestSystem_HasPageBoundedByCluster(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 16)
	mustPut(t, sys, obj, 0, residentPage(t, sys, obj, 0, 0))

	synced, before, after := sys.HasPage(obj, 10)
	if synced || before != 4 || after != 4 {
		t.Errorf("HasPage(10) = (%v, %d, %d), want (false, 4, 4)", synced, before, after)
	}
}

func TestSystem_Dealloc(t *testing.T) {
	quota := accounting.NewQuota(0)
	sys := newTestSystem(t, nil, WithAccountant(quota))
	cred := &accounting.Credential{UID: 1000, Name: "test"}

	obj, err := sys.Alloc(4*testPageSize, primitives.ProtAll, 0, cred)
	if err != nil {
		t.Fatal(err)
	}
	p0 := residentPage(t, sys, obj, 0, 1)
	p1 := residentPage(t, sys, obj, 1, 2)
	mustPut(t, sys, obj, 0, p0, p1)
	residentPage(t, sys, obj, 2, 3)

	sys.Dealloc(obj)

	st := sys.Stats()
	if st.Slots.Allocated != 0 || st.Cache.Entries != 0 || st.PagesInUse != 0 {
		t.Errorf("teardown left %d slots, %d cached, %d pages", st.Slots.Allocated, st.Cache.Entries, st.PagesInUse)
	}
	if quota.Charged(cred) != 0 {
		t.Errorf("charge not released: %d", quota.Charged(cred))
	}

	q, _ := sys.env.pages.AllocPage(obj.ID(), 0)
	if err := sys.PutPages(context.Background(), obj, []*page.Page{q}, 0)[0]; !errors.Is(err, swaperr.ErrObjectDead) {
		t.Errorf("put on dead object: %v", err)
	}
	if err := sys.GetPages(context.Background(), obj, []*page.Page{q})[0]; !errors.Is(err, swaperr.ErrObjectDead) {
		t.Errorf("get on dead object: %v", err)
	}
	if synced, _, _ := sys.HasPage(obj, 0); synced {
		t.Error("dead object reported synchronized")
	}

	sys.Dealloc(obj)
	if sys.Metrics().Snapshot().Deallocs != 1 {
		t.Error("second Dealloc was not a no-op")
	}
}

func TestSystem_DeallocWaitsForInFlightCall(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 1)
	mustPut(t, sys, obj, 0, residentPage(t, sys, obj, 0, 1))

	exit, ok := sys.enter(obj)
	if !ok {
		t.Fatal("enter on live object failed")
	}
	sys.Dealloc(obj)
	if sys.Stats().Slots.Allocated != 1 {
		t.Fatal("teardown ran while a call was in flight")
	}
	exit()
	if sys.Stats().Slots.Allocated != 0 {
		t.Error("teardown did not run when the last call finished")
	}
}

func TestSystem_AllocQuota(t *testing.T) {
	quota := accounting.NewQuota(4 * testPageSize)
	sys := newTestSystem(t, nil, WithAccountant(quota))
	cred := &accounting.Credential{UID: 1}

	obj, err := sys.Alloc(3*testPageSize+1, primitives.ProtRead|primitives.ProtWrite, 0, cred)
	if err != nil {
		t.Fatalf("Alloc within quota: %v", err)
	}
	if obj.Pages() != 4 || quota.Charged(cred) != 4*testPageSize {
		t.Errorf("size rounding: %d pages, %d charged", obj.Pages(), quota.Charged(cred))
	}

	if _, err := sys.Alloc(1, primitives.ProtAll, 0, cred); !errors.Is(err, swaperr.ErrNoMemory) {
		t.Errorf("expected NO_MEMORY over quota, got %v", err)
	}
	if quota.Charged(cred) != 4*testPageSize {
		t.Error("refused Alloc leaked quota")
	}

	sys.Dealloc(obj)
	if _, err := sys.Alloc(testPageSize, primitives.ProtAll, 0, cred); err != nil {
		t.Errorf("Alloc after Dealloc: %v", err)
	}
}

func TestSystem_AllocZeroSize(t *testing.T) {
	sys := newTestSystem(t, nil)
	if _, err := sys.Alloc(0, primitives.ProtAll, 0, nil); !errors.Is(err, swaperr.ErrInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestSystem_DiscardCleanKeepsSlot(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 1)
	mustPut(t, sys, obj, 0, residentPage(t, sys, obj, 0, 11))
	slot, _ := obj.SwapSlot(0)

	if err := sys.DiscardPage(obj, 0); err != nil {
		t.Fatal(err)
	}
	if obj.ResidentCount() != 0 || sys.Cache().Len() != 0 {
		t.Fatal("discarded page still resident or cached")
	}
	if rc := sys.Registry().RefCount(slot); rc != 1 {
		t.Errorf("clean discard should keep the metadata reference, refcount %d", rc)
	}
	if synced, _, _ := sys.HasPage(obj, 0); !synced {
		t.Error("swapped copy no longer reported synchronized")
	}

	p, err := sys.Fault(context.Background(), obj, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p.Data(), pattern(11)) {
		t.Error("content lost across clean discard")
	}
}

func TestSystem_DiscardDirtyDropsSlot(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 1)
	p := residentPage(t, sys, obj, 0, 11)
	mustPut(t, sys, obj, 0, p)
	writePage(p, pattern(12))

	if err := sys.DiscardPage(obj, 0); err != nil {
		t.Fatal(err)
	}
	if sys.Stats().Slots.Allocated != 0 {
		t.Error("dirty discard kept a stale slot")
	}

	got, err := sys.Fault(context.Background(), obj, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Data(), make([]byte, testPageSize)) {
		t.Error("expected a zero-filled page after dirty discard")
	}
}

func TestSystem_FaultZeroFillsDefault(t *testing.T) {
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 1)

	p, err := sys.Fault(context.Background(), obj, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsValid() || p.IsDirty() {
		t.Errorf("zero-fill page state %s", p)
	}
	again, _ := sys.Fault(context.Background(), obj, 0)
	if again != p {
		t.Error("second fault did not return the resident page")
	}
}

func TestSystem_FaultReadFailureDropsPage(t *testing.T) {
	dev := newFaultyDevice()
	sys := newTestSystem(t, nil, WithDevice(dev))
	obj := allocObject(t, sys, 1)
	mustPut(t, sys, obj, PutInvalidate, residentPage(t, sys, obj, 0, 1))

	dev.failReads.Store(true)
	if _, err := sys.Fault(context.Background(), obj, 0); !errors.Is(err, swaperr.ErrIOFailed) {
		t.Fatalf("expected IO_FAILED, got %v", err)
	}
	if obj.ResidentCount() != 0 || sys.Stats().PagesInUse != 0 {
		t.Error("failed page-in left a resident page")
	}

	dev.failReads.Store(false)
	p, err := sys.Fault(context.Background(), obj, 0)
	if err != nil || !bytes.Equal(p.Data(), pattern(1)) {
		t.Errorf("retry after read failure: %v", err)
	}
}

func TestSystem_ShareSwap(t *testing.T) {
	sys := newTestSystem(t, nil)
	src := allocObject(t, sys, 2)
	mustPut(t, sys, src, PutInvalidate,
		residentPage(t, sys, src, 0, 20),
		residentPage(t, sys, src, 1, 21))
	slot0, _ := src.SwapSlot(0)

	dst := allocObject(t, sys, 2)
	n, err := sys.ShareSwap(src, dst)
	if err != nil || n != 2 {
		t.Fatalf("ShareSwap = %d, %v", n, err)
	}
	if dst.Kind() != object.KindSwap {
		t.Error("sharing did not convert the destination")
	}
	if rc := sys.Registry().RefCount(slot0); rc != 2 {
		t.Errorf("shared slot refcount %d", rc)
	}

	p, err := sys.Fault(context.Background(), dst, 0)
	if err != nil || !bytes.Equal(p.Data(), pattern(20)) {
		t.Fatalf("shared content not visible in destination: %v", err)
	}

	writePage(p, pattern(30))
	mustPut(t, sys, dst, 0, p)
	if rc := sys.Registry().RefCount(slot0); rc != 1 {
		t.Errorf("after copy-on-write the source should own the slot alone, refcount %d", rc)
	}

	orig, err := sys.Fault(context.Background(), src, 0)
	if err != nil || !bytes.Equal(orig.Data(), pattern(20)) {
		t.Errorf("source content changed by destination write: %v", err)
	}

	sys.Dealloc(src)
	sys.Dealloc(dst)
	if sys.Stats().Slots.Allocated != 0 {
		t.Errorf("%d slots leaked after both objects died", sys.Stats().Slots.Allocated)
	}
}

func TestSystem_RejectsForeignPage(t *testing.T) {
	sys := newTestSystem(t, nil)
	a := allocObject(t, sys, 1)
	b := allocObject(t, sys, 1)
	p, _ := sys.AllocPage(a, 0)

	if err := sys.PutPages(context.Background(), b, []*page.Page{p}, 0)[0]; !errors.Is(err, swaperr.ErrInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT, got %v", err)
	}
	if b.Kind() != object.KindDefault {
		t.Error("rejected page converted the object")
	}
}

func TestSystem_ConcurrentCycles(t *testing.T) {
	sys := newTestSystem(t, func(c *config.Config) {
		c.SwapSlots = 256
		c.PutParallelism = 2
	})
	ctx := context.Background()

	const objects, pages, rounds = 4, 8, 10
	objs := make([]*object.Object, objects)
	for i := range objs {
		objs[i] = allocObject(t, sys, pages)
	}

	var g errgroup.Group
	for oi, obj := range objs {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				for i := 0; i < pages; i++ {
					idx := primitives.PageIndex(i)
					seed := byte(oi*31 + r*7 + i)

					p, err := sys.Fault(ctx, obj, idx)
					if err != nil {
						return err
					}
					writePage(p, pattern(seed))

					flags := PutFlags(0)
					if r%2 == 0 {
						flags = PutInvalidate
					}
					if err := sys.PutPages(ctx, obj, []*page.Page{p}, flags)[0]; err != nil {
						return err
					}
					if r%3 == 0 {
						if err := sys.DiscardPage(obj, idx); err != nil {
							return err
						}
					}

					got, err := sys.Fault(ctx, obj, idx)
					if err != nil {
						return err
					}
					if !bytes.Equal(got.Data(), pattern(seed)) {
						return errors.New("content mismatch after cycle")
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for r := 0; r < rounds*pages; r++ {
			for _, obj := range objs {
				sys.HasPage(obj, primitives.PageIndex(r%pages))
			}
			sys.Stats()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	st := sys.Stats()
	if st.Slots.Allocated > objects*pages {
		t.Errorf("more slots in use (%d) than pages exist", st.Slots.Allocated)
	}

	for _, obj := range objs {
		sys.Dealloc(obj)
	}
	st = sys.Stats()
	if st.Slots.Allocated != 0 || st.Cache.Entries != 0 || st.PagesInUse != 0 {
		t.Errorf("after teardown: %d slots, %d cached, %d pages", st.Slots.Allocated, st.Cache.Entries, st.PagesInUse)
	}
}

func TestSystem_SlotGoneAfterWriteKeepsDefault(t *testing.T) {
	dev := newFaultyDevice()
	sys := newTestSystem(t, func(c *config.Config) { c.SlotGoneRetries = 0 }, WithDevice(dev))
	obj := allocObject(t, sys, 1)
	p := residentPage(t, sys, obj, 0, 1)

	// the only reference goes away between the write and the cache insert
	dev.afterWrite = func(slot primitives.SlotID) {
		if _, err := sys.Registry().Free(slot); err != nil {
			t.Errorf("Free(%v): %v", slot, err)
		}
	}
	err := sys.PutPages(context.Background(), obj, []*page.Page{p}, 0)[0]
	if !errors.Is(err, swaperr.ErrSlotGone) {
		t.Fatalf("expected SLOT_GONE, got %v", err)
	}
	if obj.Kind() != object.KindDefault {
		t.Errorf("object converted to %s without a persisted page", obj.Kind())
	}
	if obj.SwapCount() != 0 || p.InSwapCache() || !p.IsDirty() {
		t.Errorf("failed put left state behind: %d slots, page %s", obj.SwapCount(), p)
	}
	if st := sys.Stats(); st.Slots.Allocated != 0 || st.Counters.Transitions != 0 {
		t.Errorf("after failed put: %d slots allocated, %d transitions", st.Slots.Allocated, st.Counters.Transitions)
	}
}

func TestSystem_GetKeepsUnpersistedDirtyContent(t *testing.T) {
	sys := newTestSystem(t, func(c *config.Config) { c.SwapSlots = 1 })
	obj := allocObject(t, sys, 1)
	p := residentPage(t, sys, obj, 0, 1)
	mustPut(t, sys, obj, 0, p)

	writePage(p, pattern(2))
	if err := sys.PutPages(context.Background(), obj, []*page.Page{p}, 0)[0]; !errors.Is(err, swaperr.ErrNoSpace) {
		t.Fatalf("expected NO_SPACE on the re-put, got %v", err)
	}
	if slot, ok := obj.SwapSlot(0); !ok || !slot.IsValid() {
		t.Fatal("old slot should still be recorded")
	}

	if err := sys.GetPages(context.Background(), obj, []*page.Page{p})[0]; err != nil {
		t.Fatalf("GetPages: %v", err)
	}
	if !bytes.Equal(p.Data(), pattern(2)) {
		t.Error("page-in overwrote newer content with the stale slot")
	}
	if !p.IsDirty() {
		t.Error("unpersisted content lost its dirty bit")
	}
}

func TestSystem_ConcurrentFaultsSeeFilledPage(t *testing.T) {
	const (
		iterations = 200
		faulters   = 8
	)
	sys := newTestSystem(t, nil)
	obj := allocObject(t, sys, 1)
	mustPut(t, sys, obj, PutInvalidate, residentPage(t, sys, obj, 0, 42))
	want := pattern(42)

	var bad atomic.Int64
	for it := 0; it < iterations; it++ {
		got := make([]*page.Page, faulters)
		var wg sync.WaitGroup
		for g := 0; g < faulters; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := sys.Fault(context.Background(), obj, 0)
				if err != nil {
					t.Errorf("Fault: %v", err)
					return
				}
				if !p.IsValid() || !bytes.Equal(p.Data(), want) {
					bad.Add(1)
				}
				got[g] = p
			}()
		}
		wg.Wait()

		for g := 1; g < faulters; g++ {
			if got[g] != nil && got[0] != nil && got[g] != got[0] {
				t.Fatalf("iteration %d: faults returned different pages", it)
			}
		}
		if err := sys.DiscardPage(obj, 0); err != nil {
			t.Fatalf("DiscardPage: %v", err)
		}
	}
	if n := bad.Load(); n > 0 {
		t.Fatalf("%d faults returned a page before it was filled", n)
	}
	if st := sys.Stats(); st.PagesInUse != 0 {
		t.Errorf("%d pages left in use", st.PagesInUse)
	}
}

func TestSystem_ConcurrentFaultsReportReadFailure(t *testing.T) {
	dev := newFaultyDevice()
	sys := newTestSystem(t, nil, WithDevice(dev))
	obj := allocObject(t, sys, 1)
	mustPut(t, sys, obj, PutInvalidate, residentPage(t, sys, obj, 0, 7))
	dev.failReads.Store(true)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				p, err := sys.Fault(context.Background(), obj, 0)
				if p != nil {
					return errors.New("fault returned a page although every read fails")
				}
				if !errors.Is(err, swaperr.ErrIOFailed) {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected fault result: %v", err)
	}
	if obj.ResidentCount() != 0 || sys.Stats().PagesInUse != 0 {
		t.Error("failed faults left resident pages")
	}
}
