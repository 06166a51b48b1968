package pager

import (
	"context"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
	"swapvm/pkg/primitives"
	"swapvm/pkg/vm/accounting"
	"swapvm/pkg/vm/object"
	"swapvm/pkg/vm/page"
)

// DefaultPager serves objects that have never written a page out. Reads
// always miss, and writes hand the object to the swap pager.
type DefaultPager struct {
	*env
	swap *SwapPager
}

func (d *DefaultPager) Kind() object.Kind { return object.KindDefault }

// Alloc creates a default-kind object covering size bytes. When cred is set
// the rounded-up size is reserved against it first; a refused reservation
// fails with NO_MEMORY and charges nothing.
func (d *DefaultPager) Alloc(size uint64, prot primitives.Protection, offset uint64, cred *accounting.Credential) (*object.Object, error) {
	if size == 0 {
		return nil, swaperr.InvalidArgument("zero-sized object").WithOp("Alloc", "DefaultPager")
	}
	pageSize := uint64(d.pages.PageSize())
	npages := (size + pageSize - 1) / pageSize

	var charge int64
	if cred != nil {
		charge = int64(npages * pageSize)
		if !d.accountant.Reserve(charge, cred) {
			return nil, swaperr.NoMemory("quota exceeded for "+cred.String()).
				WithOp("Alloc", "DefaultPager").
				WithDetail("%d bytes", charge)
		}
	}

	obj := object.New(object.Params{
		Pages:  primitives.PageIndex(npages),
		Prot:   prot,
		Offset: offset,
		Cred:   cred,
		Charge: charge,
	})
	logging.WithObject(obj.ID()).Debug("object allocated", "pages", npages, "prot", prot.String(), "charge", charge)
	return obj, nil
}

// GetPages fails every page with PAGER_MISS: nothing was ever written out.
func (d *DefaultPager) GetPages(_ context.Context, obj *object.Object, pages []*page.Page) []error {
	out := make([]error, len(pages))
	for i, p := range pages {
		if err := checkPage(obj, p); err != nil {
			out[i] = err
			continue
		}
		out[i] = d.pageIn(p)
	}
	return out
}

func (d *DefaultPager) pageIn(p *page.Page) error {
	d.metrics.PagerMiss()
	return swaperr.PagerMiss(uint64(p.Index())).WithOp("GetPages", "DefaultPager")
}

// PutPages re-dispatches to the swap pager, which converts the object when
// its first page is written.
func (d *DefaultPager) PutPages(ctx context.Context, obj *object.Object, pages []*page.Page, flags PutFlags) []error {
	return d.swap.PutPages(ctx, obj, pages, flags)
}

// HasPage always reports nothing synchronized.
func (d *DefaultPager) HasPage(*object.Object, primitives.PageIndex) (bool, int, int) {
	return false, 0, 0
}

func (d *DefaultPager) Dealloc(obj *object.Object) {
	d.dropResident(obj)
	d.releaseCharge(obj)
}
