package pager

import (
	"context"
	"errors"

	"swapvm/pkg/config"
	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
	"swapvm/pkg/metrics"
	"swapvm/pkg/primitives"
	"swapvm/pkg/swap/cache"
	"swapvm/pkg/swap/device"
	"swapvm/pkg/swap/space"
	"swapvm/pkg/vm/accounting"
	"swapvm/pkg/vm/object"
	"swapvm/pkg/vm/page"
)

// System is one swap area with its registry, cache, device, and pagers.
// Construct it once and share it; it has no package-level state.
type System struct {
	cfg config.Config
	env *env

	defaultPager *DefaultPager
	swapPager    *SwapPager
}

// Option overrides a collaborator NewSystem would otherwise build from the
// configuration.
type Option func(*options)

type options struct {
	device     device.Device
	accountant accounting.Accountant
	metrics    *metrics.Collector
}

// WithDevice uses dev instead of opening cfg.Device. The system closes it.
func WithDevice(dev device.Device) Option {
	return func(o *options) { o.device = dev }
}

func WithAccountant(a accounting.Accountant) Option {
	return func(o *options) { o.accountant = a }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// NewSystem validates cfg and wires a swap area.
func NewSystem(cfg config.Config, opts ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.device == nil {
		dev, err := device.Open(cfg.Device, cfg.PageSize)
		if err != nil {
			return nil, err
		}
		o.device = dev
	}
	if o.accountant == nil {
		o.accountant = accounting.NewQuota(cfg.Quota.DefaultLimit)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewCollector()
	}

	dev := o.device
	registry := space.NewRegistry(cfg.SwapSlots, space.WithReclaim(func(slot primitives.SlotID) {
		if err := dev.Discard(slot); err != nil {
			logging.WithSlot(slot).Warn("discarding reclaimed slot failed", "error", err)
		}
	}))

	e := &env{
		registry:    registry,
		cache:       cache.New(registry, cfg.CacheShards),
		device:      dev,
		pages:       page.NewPool(cfg.PageSize, cfg.MaxResidentPages),
		accountant:  o.accountant,
		metrics:     o.metrics,
		maxCluster:  cfg.MaxCluster,
		parallelism: cfg.PutParallelism,
		retries:     cfg.SlotGoneRetries,
	}
	swap := &SwapPager{env: e}

	logging.WithComponent("System").Info("swap system ready",
		"page_size", cfg.PageSize, "slots", cfg.SwapSlots, "device", cfg.Device.Kind)

	return &System{
		cfg:          cfg,
		env:          e,
		defaultPager: &DefaultPager{env: e, swap: swap},
		swapPager:    swap,
	}, nil
}

func (s *System) Config() config.Config { return s.cfg }

func (s *System) Registry() *space.Registry { return s.env.registry }

func (s *System) Cache() *cache.Cache { return s.env.cache }

func (s *System) Metrics() *metrics.Collector { return s.env.metrics }

func (s *System) PageSize() int { return s.cfg.PageSize }

// PagerFor returns the pager currently bound to obj.
func (s *System) PagerFor(obj *object.Object) Pager {
	if obj.Kind() == object.KindSwap {
		return s.swapPager
	}
	return s.defaultPager
}

// Alloc creates an object of size bytes on the default pager.
func (s *System) Alloc(size uint64, prot primitives.Protection, offset uint64, cred *accounting.Credential) (*object.Object, error) {
	return s.defaultPager.Alloc(size, prot, offset, cred)
}

// Dealloc marks obj dead. Calls that start afterwards fail with OBJECT_DEAD.
// Its pages, slots, and charge are reclaimed once in-flight calls finish.
func (s *System) Dealloc(obj *object.Object) {
	killed, last := obj.Kill()
	if !killed {
		return
	}
	s.env.metrics.Dealloc()
	logging.WithObject(obj.ID()).Debug("object deallocated", "kind", obj.Kind().String(), "last", last)
	if last {
		s.teardown(obj)
	}
}

func (s *System) teardown(obj *object.Object) {
	s.PagerFor(obj).Dealloc(obj)
}

// enter holds obj alive for one call. The returned func must be called when
// the call is done.
func (s *System) enter(obj *object.Object) (func(), bool) {
	if !obj.Acquire() {
		return nil, false
	}
	return func() {
		if obj.Release() {
			s.teardown(obj)
		}
	}, true
}

func deadErr(obj *object.Object, op string) error {
	return swaperr.ObjectDead(obj.ID().String()).WithOp(op, "System")
}

// GetPages fills pages from obj's pager.
func (s *System) GetPages(ctx context.Context, obj *object.Object, pages []*page.Page) []error {
	exit, ok := s.enter(obj)
	if !ok {
		return fill(len(pages), deadErr(obj, "GetPages"))
	}
	defer exit()
	return s.PagerFor(obj).GetPages(ctx, obj, pages)
}

// PutPages writes pages out through obj's pager.
func (s *System) PutPages(ctx context.Context, obj *object.Object, pages []*page.Page, flags PutFlags) []error {
	exit, ok := s.enter(obj)
	if !ok {
		return fill(len(pages), deadErr(obj, "PutPages"))
	}
	defer exit()
	if flags&PutSync != 0 {
		logging.WithObject(obj.ID()).Debug("synchronous page-out", "pages", len(pages))
	}
	return s.PagerFor(obj).PutPages(ctx, obj, pages, flags)
}

// HasPage reports the synchronization state of index. A dead object has
// nothing synchronized.
func (s *System) HasPage(obj *object.Object, index primitives.PageIndex) (bool, int, int) {
	exit, ok := s.enter(obj)
	if !ok {
		return false, 0, 0
	}
	defer exit()
	return s.PagerFor(obj).HasPage(obj, index)
}

// AllocPage creates a zero-filled page resident in obj at index.
func (s *System) AllocPage(obj *object.Object, index primitives.PageIndex) (*page.Page, error) {
	exit, ok := s.enter(obj)
	if !ok {
		return nil, deadErr(obj, "AllocPage")
	}
	defer exit()
	return s.allocPage(obj, index)
}

func (s *System) allocPage(obj *object.Object, index primitives.PageIndex) (*page.Page, error) {
	p, err := s.env.pages.AllocPage(obj.ID(), index)
	if err != nil {
		return nil, err
	}
	if err := obj.InsertPage(p); err != nil {
		s.env.pages.FreePage(p)
		return nil, err
	}
	return p, nil
}

// Fault returns the resident page at index, paging it in or zero-filling it
// when it is not resident.
//
// The page is returned without a hold. Callers serialize their use of an
// index against DiscardPage and PutPages with PutInvalidate, either of which
// hands the frame back to the allocator.
func (s *System) Fault(ctx context.Context, obj *object.Object, index primitives.PageIndex) (*page.Page, error) {
	exit, ok := s.enter(obj)
	if !ok {
		return nil, deadErr(obj, "Fault")
	}
	defer exit()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p, ok := s.settled(obj, index); ok {
			return p, nil
		}

		p, err := s.env.pages.AllocPage(obj.ID(), index)
		if err != nil {
			return nil, err
		}
		// busy before it becomes visible, so concurrent faults wait for the fill
		p.Busy()
		if err := obj.InsertPage(p); err != nil {
			p.Unbusy()
			s.env.pages.FreePage(p)
			if errors.Is(err, swaperr.ErrAlreadyPresent) {
				continue
			}
			return nil, err
		}

		err = s.pageIn(ctx, obj, p)
		switch {
		case err == nil:
			p.Unbusy()
			return p, nil
		case errors.Is(err, swaperr.ErrPagerMiss):
			p.SetValid()
			p.Unbusy()
			return p, nil
		default:
			if s.env.detachLocked(obj, p) {
				s.env.freePage(p)
			}
			return nil, err
		}
	}
}

// pageIn fills a busy page from whichever pager obj is bound to.
func (s *System) pageIn(ctx context.Context, obj *object.Object, p *page.Page) error {
	if obj.Kind() == object.KindSwap {
		return s.swapPager.pageIn(ctx, obj, p)
	}
	return s.defaultPager.pageIn(p)
}

// settled returns the resident page at index once any page-in running on
// it has finished.
func (s *System) settled(obj *object.Object, index primitives.PageIndex) (*page.Page, bool) {
	p, ok := obj.HoldPage(index)
	if !ok {
		return nil, false
	}
	p.Busy()
	cur, ok := obj.LookupPage(index)
	p.Unbusy()
	p.Release()
	if !ok || cur != p {
		return nil, false
	}
	return p, true
}

// DiscardPage drops the resident page at index without writing it. A clean
// page keeps its slot, since the swapped copy is still current; a dirty
// page's slot no longer matches anything and is released.
func (s *System) DiscardPage(obj *object.Object, index primitives.PageIndex) error {
	exit, ok := s.enter(obj)
	if !ok {
		return deadErr(obj, "DiscardPage")
	}
	defer exit()

	p, ok := obj.HoldPage(index)
	if !ok {
		return nil
	}

	p.Busy()
	if cur, ok := obj.LookupPage(index); !ok || cur != p {
		// discarded by someone else while we waited
		p.Unbusy()
		p.Release()
		return nil
	}
	if p.IsDirty() {
		if slot, had := obj.ClearSwapSlot(index); had {
			s.env.release(slot)
		}
	}
	detached := s.env.detachLocked(obj, p)
	p.Release()
	if detached {
		s.env.freePage(p)
	}
	s.env.metrics.Discard()
	return nil
}

// ShareSwap makes dst reference every slot in src's swap metadata, the way
// a fork shares swapped content. The slots are duplicated without any page
// being resident. dst becomes swap-backed if anything was shared. Resident
// dirty pages of src are not written out first; callers put them before
// sharing if dst should see them.
func (s *System) ShareSwap(src, dst *object.Object) (int, error) {
	exitSrc, ok := s.enter(src)
	if !ok {
		return 0, deadErr(src, "ShareSwap")
	}
	defer exitSrc()
	exitDst, ok := s.enter(dst)
	if !ok {
		return 0, deadErr(dst, "ShareSwap")
	}
	defer exitDst()

	shared := 0
	for index, slot := range src.SwapSlots() {
		if !dst.Contains(index) {
			continue
		}
		if err := s.env.registry.Duplicate(slot); err != nil {
			if errors.Is(err, swaperr.ErrSlotGone) {
				// superseded in src while we were copying
				continue
			}
			return shared, err
		}
		if cur, ok := src.SwapSlot(index); !ok || cur != slot {
			// freed and handed out again before the duplicate landed
			s.env.release(slot)
			continue
		}
		if prev, had := dst.SetSwapSlot(index, slot); had {
			s.env.release(prev)
		}
		shared++
	}

	if shared > 0 && dst.ConvertToSwap() {
		s.env.metrics.Transition()
		logging.WithObject(dst.ID()).Info("object converted to swap pager by sharing", "from", src.ID().Short())
	}
	return shared, nil
}

// Stats is a snapshot of the whole system.
type Stats struct {
	Slots      space.Stats
	Cache      cache.Stats
	Counters   metrics.Snapshot
	PagesInUse int
}

func (s *System) Stats() Stats {
	st := Stats{
		Slots:    s.env.registry.Stats(),
		Cache:    s.env.cache.Stats(),
		Counters: s.env.metrics.Snapshot(),
	}
	if pool, ok := s.env.pages.(*page.Pool); ok {
		st.PagesInUse = pool.InUse()
	}
	return st
}

// Gauges exposes occupancy for the metrics endpoint.
func (s *System) Gauges() []metrics.Gauge {
	return []metrics.Gauge{
		{Name: "swapvm_cache_entries", Help: "Pages in the swap cache", Value: func() float64 { return float64(s.env.cache.Len()) }},
		{Name: "swapvm_slots_free", Help: "Free swap slots", Value: func() float64 { return float64(s.env.registry.Stats().Free) }},
		{Name: "swapvm_slots_total", Help: "Swap slots in the area", Value: func() float64 { return float64(s.env.registry.Capacity()) }},
	}
}

func (s *System) Close() error {
	return s.env.device.Close()
}
