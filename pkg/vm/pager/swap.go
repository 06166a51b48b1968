package pager

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
	"swapvm/pkg/primitives"
	"swapvm/pkg/vm/object"
	"swapvm/pkg/vm/page"
)

// SwapPager moves pages between memory and swap slots.
//
// Ownership of slot references:
//   - the object's swap metadata owns one reference per recorded slot
//   - the swap cache owns one reference per cached page
//
// A page-out allocates a fresh slot, writes it, and only then inserts the
// page into the cache, so a failed write never leaves a cached page.
type SwapPager struct {
	*env
}

func (s *SwapPager) Kind() object.Kind { return object.KindSwap }

// run applies fn to every page with at most parallelism in flight.
func (s *SwapPager) run(pages []*page.Page, fn func(*page.Page) error) []error {
	out := make([]error, len(pages))
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, p := range pages {
		g.Go(func() error {
			out[i] = fn(p)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// PutPages writes each page to a fresh slot. The object becomes swap-backed
// with the first write that succeeds. Failures are per page: NO_SPACE when
// no slot is free, IO_FAILED when the device refuses the write.
//
// With PutInvalidate, resident pages that were written are returned to the
// allocator and must not be used by the caller afterwards.
func (s *SwapPager) PutPages(ctx context.Context, obj *object.Object, pages []*page.Page, flags PutFlags) []error {
	return s.run(pages, func(p *page.Page) error {
		if err := checkPage(obj, p); err != nil {
			return err
		}
		return s.putPage(ctx, obj, p, flags)
	})
}

func (s *SwapPager) putPage(ctx context.Context, obj *object.Object, p *page.Page, flags PutFlags) error {
	p.Busy()
	persisted, err := s.pageOut(ctx, obj, p)
	if err != nil || !persisted || flags&PutInvalidate == 0 {
		p.Unbusy()
		return err
	}
	if s.detachLocked(obj, p) {
		s.freePage(p)
	}
	return nil
}

// pageOut persists a busy page. It returns false without error when another
// page won the cache entry for the same offset and this copy was discarded.
func (s *SwapPager) pageOut(ctx context.Context, obj *object.Object, p *page.Page) (bool, error) {
	log := logging.WithPage(obj.ID(), p.Index())

	if p.InSwapCache() {
		if !p.IsDirty() {
			return true, nil
		}
		// superseded: the slot stays with the metadata until the new one replaces it
		slot, _ := s.cache.Remove(p)
		s.release(slot)
	}

	for attempt := 0; ; attempt++ {
		rng, ok := s.registry.Alloc(1)
		if !ok {
			s.metrics.NoSpace()
			return false, swaperr.NoSpace(1).WithOp("PutPages", "SwapPager")
		}
		slot := rng.Start

		if err := s.device.WriteSlot(ctx, slot, p.Data()); err != nil {
			s.release(slot)
			s.metrics.IOError()
			log.Warn("page-out failed", "slot", uint64(slot), "error", err)
			return false, swaperr.Wrap(err, swaperr.CodeIOFailed, "PutPages", "SwapPager")
		}

		err := s.cache.Insert(p, slot)
		switch {
		case err == nil:
			s.convert(obj)
			if prev, had := obj.SetSwapSlot(p.Index(), slot); had {
				s.release(prev)
			}
			p.ClearDirty()
			s.metrics.PageOut()
			return true, nil

		case errors.Is(err, swaperr.ErrAlreadyPresent):
			s.convert(obj)
			s.release(slot)
			s.metrics.Race()
			log.Debug("page-out lost to a concurrent insert", "slot", uint64(slot))
			return false, nil

		case errors.Is(err, swaperr.ErrSlotGone) && attempt < s.retries:
			log.Debug("slot freed before insert, retrying", "slot", uint64(slot), "attempt", attempt+1)
			continue

		default:
			return false, err
		}
	}
}

// convert moves obj to the swap pager once one of its pages has been
// persisted.
func (s *SwapPager) convert(obj *object.Object) {
	if obj.ConvertToSwap() {
		s.metrics.Transition()
		logging.WithObject(obj.ID()).Info("object converted to swap pager")
	}
}

// GetPages fills each page from the slot recorded for its index. A page
// with no recorded slot fails with PAGER_MISS. A page already cached is left
// as is.
func (s *SwapPager) GetPages(ctx context.Context, obj *object.Object, pages []*page.Page) []error {
	return s.run(pages, func(p *page.Page) error {
		if err := checkPage(obj, p); err != nil {
			return err
		}
		return s.getPage(ctx, obj, p)
	})
}

func (s *SwapPager) getPage(ctx context.Context, obj *object.Object, p *page.Page) error {
	p.Busy()
	defer p.Unbusy()
	return s.pageIn(ctx, obj, p)
}

// pageIn fills a busy page. A cached page, or a dirty one whose newer
// content never reached a slot, is left untouched.
func (s *SwapPager) pageIn(ctx context.Context, obj *object.Object, p *page.Page) error {
	if p.InSwapCache() || (p.IsValid() && p.IsDirty()) {
		return nil
	}

	slot, ok := obj.SwapSlot(p.Index())
	if !ok {
		s.metrics.PagerMiss()
		return swaperr.PagerMiss(uint64(p.Index())).WithOp("GetPages", "SwapPager")
	}

	if s.copyCached(p, slot) {
		s.metrics.CacheHit()
		return nil
	}

	if err := s.device.ReadSlot(ctx, slot, p.Data()); err != nil {
		p.Invalidate()
		s.metrics.IOError()
		logging.WithPage(obj.ID(), p.Index()).Warn("page-in failed", "slot", uint64(slot), "error", err)
		return swaperr.Wrap(err, swaperr.CodeIOFailed, "GetPages", "SwapPager")
	}
	p.SetValid()
	p.ClearDirty()

	err := s.cache.Insert(p, slot)
	switch {
	case err == nil:
		s.metrics.PageIn()
		return nil
	case errors.Is(err, swaperr.ErrAlreadyPresent):
		// another page-in of the same content won; ours is an identical copy
		s.metrics.Race()
		return nil
	case errors.Is(err, swaperr.ErrSlotGone):
		p.Invalidate()
		s.metrics.PagerMiss()
		return swaperr.PagerMiss(uint64(p.Index())).WithOp("GetPages", "SwapPager").
			WithDetail("slot %d freed during page-in", uint64(slot))
	default:
		p.Invalidate()
		return err
	}
}

// copyCached fills p from the page cached under slot, if there is one and
// its content still matches the slot. Lock order is target then source; a
// cached source never waits on another page while busy.
func (s *SwapPager) copyCached(p *page.Page, slot primitives.SlotID) bool {
	src, ok := s.cache.LookupSlot(slot)
	if !ok {
		return false
	}
	defer src.Release()
	if src == p {
		return true
	}

	src.Busy()
	defer src.Unbusy()
	if !src.InSwapCache() || src.Slot() != slot || src.IsDirty() {
		return false
	}
	p.CopyFrom(src)
	return true
}

// HasPage reports whether index has a current swapped copy, and how many
// contiguous neighbours before and after share that state, up to the
// cluster limit and the object bounds.
func (s *SwapPager) HasPage(obj *object.Object, index primitives.PageIndex) (bool, int, int) {
	if !obj.Contains(index) {
		return false, 0, 0
	}
	synced := obj.Synced(index)

	before := 0
	for i := index; i > 0 && before < s.maxCluster; i-- {
		if obj.Synced(i-1) != synced {
			break
		}
		before++
	}

	after := 0
	for i := index + 1; i < obj.Pages() && after < s.maxCluster; i++ {
		if obj.Synced(i) != synced {
			break
		}
		after++
	}
	return synced, before, after
}

// Dealloc drops resident pages and every slot reference in the object's
// swap metadata.
func (s *SwapPager) Dealloc(obj *object.Object) {
	s.dropResident(obj)
	slots := obj.TakeSwapSlots()
	for _, slot := range slots {
		s.release(slot)
	}
	s.releaseCharge(obj)
	logging.WithObject(obj.ID()).Debug("swap object torn down", "slots", len(slots))
}
