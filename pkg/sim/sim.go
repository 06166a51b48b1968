// Package sim drives synthetic fault, write-out, and discard cycles through
// a pager.System. swapctl uses it for benchmarks and for feeding the metrics
// endpoint.
package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
	"swapvm/pkg/primitives"
	"swapvm/pkg/vm/object"
	"swapvm/pkg/vm/page"
	"swapvm/pkg/vm/pager"
)

// Workload describes one simulation run.
type Workload struct {
	Objects int
	Pages   int
	Workers int
	Rounds  int

	// DiscardEvery discards a page after every nth write-out; 0 never does.
	DiscardEvery int
	// Share forks each object's swap into a child after the last round and
	// checks the child sees the same content.
	Share bool
}

func (w Workload) validate() error {
	if w.Objects <= 0 || w.Pages <= 0 || w.Workers <= 0 || w.Rounds <= 0 {
		return swaperr.InvalidArgument("workload counts must be positive: %+v", w).WithOp("Run", "Simulator")
	}
	return nil
}

// Report summarizes a run.
type Report struct {
	Writes    uint64
	Verified  uint64
	Exhausted uint64
	Shared    int
	Elapsed   time.Duration
	Stats     pager.Stats
}

// Seed returns the content written to page index of object o in round r.
func Seed(o, r, index int) byte {
	return byte(o*31 + r*7 + index)
}

// Fill writes the deterministic pattern for seed into buf.
func Fill(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = seed + byte(i*7)
	}
}

type counters struct {
	writes    atomic.Uint64
	verified  atomic.Uint64
	exhausted atomic.Uint64
}

// Run executes w against sys and tears down every object it created.
// Running out of swap slots is counted, not fatal; content mismatches and
// other errors abort the run.
func Run(ctx context.Context, sys *pager.System, w Workload) (Report, error) {
	if err := w.validate(); err != nil {
		return Report{}, err
	}
	start := time.Now()
	log := logging.WithComponent("Simulator")

	objs := make([]*object.Object, w.Objects)
	for i := range objs {
		obj, err := sys.Alloc(uint64(w.Pages*sys.PageSize()), primitives.ProtAll, 0, nil)
		if err != nil {
			return Report{}, err
		}
		objs[i] = obj
	}
	defer func() {
		for _, obj := range objs {
			sys.Dealloc(obj)
		}
	}()

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.Workers)
	for oi, obj := range objs {
		g.Go(func() error {
			return cycle(gctx, sys, obj, oi, w, &c)
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	shared := 0
	if w.Share {
		n, err := share(ctx, sys, objs, w)
		if err != nil {
			return Report{}, err
		}
		shared = n
	}

	r := Report{
		Writes:    c.writes.Load(),
		Verified:  c.verified.Load(),
		Exhausted: c.exhausted.Load(),
		Shared:    shared,
		Elapsed:   time.Since(start),
		Stats:     sys.Stats(),
	}
	log.Info("simulation finished", "writes", r.Writes, "verified", r.Verified, "exhausted", r.Exhausted, "elapsed", r.Elapsed)
	return r, nil
}

func cycle(ctx context.Context, sys *pager.System, obj *object.Object, oi int, w Workload, c *counters) error {
	expect := make([]byte, sys.PageSize())
	n := 0

	for r := 0; r < w.Rounds; r++ {
		for i := 0; i < w.Pages; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			idx := primitives.PageIndex(i)

			p, err := sys.Fault(ctx, obj, idx)
			if err != nil {
				return err
			}
			Fill(expect, Seed(oi, r, i))
			p.Busy()
			p.Write(expect)
			p.Unbusy()

			flags := pager.PutSync
			if (r+i)%2 == 0 {
				flags |= pager.PutInvalidate
			}
			err = sys.PutPages(ctx, obj, []*page.Page{p}, flags)[0]
			switch {
			case err == nil:
				c.writes.Add(1)
				n++
				if w.DiscardEvery > 0 && n%w.DiscardEvery == 0 {
					if err := sys.DiscardPage(obj, idx); err != nil {
						return err
					}
				}
			case errors.Is(err, swaperr.ErrNoSpace):
				// the dirty page stays resident with its new content
				c.exhausted.Add(1)
			default:
				return err
			}

			got, err := sys.Fault(ctx, obj, idx)
			if err != nil {
				return err
			}
			if !bytes.Equal(got.Data(), expect) {
				return fmt.Errorf("object %s page %d: content mismatch in round %d", obj.ID().Short(), i, r)
			}
			c.verified.Add(1)
		}
	}
	return nil
}

// share forks every parent's swap into a fresh child and compares their
// pages. Parents that cannot be fully written out first are skipped.
func share(ctx context.Context, sys *pager.System, objs []*object.Object, w Workload) (int, error) {
	total := 0
	for _, parent := range objs {
		n, err := shareOne(ctx, sys, parent, w)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func shareOne(ctx context.Context, sys *pager.System, parent *object.Object, w Workload) (int, error) {
	for _, err := range sys.PutPages(ctx, parent, parent.ResidentPages(), pager.PutInvalidate) {
		switch {
		case err == nil:
		case errors.Is(err, swaperr.ErrNoSpace):
			return 0, nil
		default:
			return 0, err
		}
	}

	child, err := sys.Alloc(uint64(w.Pages*sys.PageSize()), parent.Prot(), parent.Offset(), parent.Cred())
	if err != nil {
		return 0, err
	}
	defer sys.Dealloc(child)

	n, err := sys.ShareSwap(parent, child)
	if err != nil {
		return 0, err
	}

	for index := range child.SwapSlots() {
		a, err := sys.Fault(ctx, parent, index)
		if err != nil {
			return n, err
		}
		b, err := sys.Fault(ctx, child, index)
		if err != nil {
			return n, err
		}
		if !bytes.Equal(a.Data(), b.Data()) {
			return n, fmt.Errorf("shared page %d differs between %s and %s", index, parent.ID().Short(), child.ID().Short())
		}
	}
	return n, nil
}
