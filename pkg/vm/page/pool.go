package page

import (
	"sync"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/primitives"
)

// Allocator supplies and reclaims page frames.
type Allocator interface {
	// AllocPage returns a zeroed page owned by owner at index.
	// It fails with a NO_MEMORY error when no frame is available.
	AllocPage(owner primitives.ObjectID, index primitives.PageIndex) (*Page, error)

	// FreePage returns a page to the allocator. The page must not be busy or
	// in the swap cache.
	FreePage(p *Page)

	// PageSize is the size of every page handed out.
	PageSize() int
}

// Pool is a bounded page allocator. Frames are created on demand up to the
// limit and recycled through a free list.
type Pool struct {
	pageSize int
	limit    int

	mu         sync.Mutex
	free       []*Page
	nextHandle primitives.PageHandle
	inUse      int
}

// NewPool creates a pool of at most limit pages of pageSize bytes.
// A limit of 0 means unbounded.
func NewPool(pageSize, limit int) *Pool {
	return &Pool{
		pageSize:   pageSize,
		limit:      limit,
		nextHandle: primitives.InvalidPageHandle + 1,
	}
}

func (pl *Pool) PageSize() int { return pl.pageSize }

func (pl *Pool) AllocPage(owner primitives.ObjectID, index primitives.PageIndex) (*Page, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	var p *Page
	if n := len(pl.free); n > 0 {
		p = pl.free[n-1]
		pl.free = pl.free[:n-1]
	} else {
		if pl.limit > 0 && pl.inUse >= pl.limit {
			return nil, swaperr.NoMemory("page pool exhausted").WithOp("AllocPage", "PagePool")
		}
		p = newPage(pl.nextHandle, pl.pageSize)
		pl.nextHandle++
	}

	p.reset(owner, index)
	pl.inUse++
	return p, nil
}

func (pl *Pool) FreePage(p *Page) {
	if p.InSwapCache() {
		swaperr.Fatal(swaperr.CodeInvariant, "freeing page %d still in swap cache under slot %d", p.handle, p.Slot())
	}
	if p.IsBusy() {
		swaperr.Fatal(swaperr.CodeInvariant, "freeing busy page %d", p.handle)
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	p.reset(primitives.NilObject, 0)
	pl.free = append(pl.free, p)
	pl.inUse--
}

// InUse returns the number of pages currently handed out.
func (pl *Pool) InUse() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.inUse
}
