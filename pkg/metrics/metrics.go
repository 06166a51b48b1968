// Package metrics collects pager counters and exposes them in the
// Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Collector counts pager events. All methods are safe for concurrent use;
// a nil *Collector records nothing.
type Collector struct {
	started time.Time

	pageOuts     atomic.Uint64
	pageIns      atomic.Uint64
	cacheHits    atomic.Uint64
	pagerMisses  atomic.Uint64
	races        atomic.Uint64
	ioErrors     atomic.Uint64
	noSpace      atomic.Uint64
	transitions  atomic.Uint64
	discards     atomic.Uint64
	deallocs     atomic.Uint64
	lastActivity atomic.Int64
}

func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

func (c *Collector) touch() { c.lastActivity.Store(time.Now().Unix()) }

// PageOut records a page persisted to a fresh slot.
func (c *Collector) PageOut() {
	if c == nil {
		return
	}
	c.pageOuts.Add(1)
	c.touch()
}

// PageIn records a page read back from the swap device.
func (c *Collector) PageIn() {
	if c == nil {
		return
	}
	c.pageIns.Add(1)
	c.touch()
}

// CacheHit records a page-in satisfied from the swap cache.
func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Add(1)
}

func (c *Collector) PagerMiss() {
	if c == nil {
		return
	}
	c.pagerMisses.Add(1)
}

// Race records an insert that lost to a concurrent one.
func (c *Collector) Race() {
	if c == nil {
		return
	}
	c.races.Add(1)
}

func (c *Collector) IOError() {
	if c == nil {
		return
	}
	c.ioErrors.Add(1)
}

func (c *Collector) NoSpace() {
	if c == nil {
		return
	}
	c.noSpace.Add(1)
}

// Transition records an object switching from the default to the swap pager.
func (c *Collector) Transition() {
	if c == nil {
		return
	}
	c.transitions.Add(1)
}

func (c *Collector) Discard() {
	if c == nil {
		return
	}
	c.discards.Add(1)
}

func (c *Collector) Dealloc() {
	if c == nil {
		return
	}
	c.deallocs.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PageOuts    uint64
	PageIns     uint64
	CacheHits   uint64
	PagerMisses uint64
	Races       uint64
	IOErrors    uint64
	NoSpace     uint64
	Transitions uint64
	Discards    uint64
	Deallocs    uint64
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		PageOuts:    c.pageOuts.Load(),
		PageIns:     c.pageIns.Load(),
		CacheHits:   c.cacheHits.Load(),
		PagerMisses: c.pagerMisses.Load(),
		Races:       c.races.Load(),
		IOErrors:    c.ioErrors.Load(),
		NoSpace:     c.noSpace.Load(),
		Transitions: c.transitions.Load(),
		Discards:    c.discards.Load(),
		Deallocs:    c.deallocs.Load(),
	}
}

// Gauge is an extra value reported alongside the counters, such as cache
// occupancy or free slots.
type Gauge struct {
	Name  string
	Help  string
	Value func() float64
}

type counter struct {
	name  string
	help  string
	value uint64
}

// WriteTo writes the counters and gauges in the Prometheus text format.
func (c *Collector) WriteTo(w io.Writer, gauges ...Gauge) (int64, error) {
	s := c.Snapshot()
	counters := []counter{
		{"swapvm_page_outs_total", "Pages written to the swap device", s.PageOuts},
		{"swapvm_page_ins_total", "Pages read back from the swap device", s.PageIns},
		{"swapvm_cache_hits_total", "Page-ins served from the swap cache", s.CacheHits},
		{"swapvm_pager_misses_total", "Page requests with no swapped copy", s.PagerMisses},
		{"swapvm_insert_races_total", "Swap cache inserts that lost a race", s.Races},
		{"swapvm_io_errors_total", "Failed swap device transfers", s.IOErrors},
		{"swapvm_no_space_total", "Page-outs refused for lack of slots", s.NoSpace},
		{"swapvm_transitions_total", "Objects switched to the swap pager", s.Transitions},
		{"swapvm_discards_total", "Resident pages discarded", s.Discards},
		{"swapvm_deallocs_total", "Objects torn down", s.Deallocs},
	}

	var b strings.Builder
	for _, m := range counters {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", m.name, m.help, m.name, m.name, m.value)
	}
	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n\n", g.Name, g.Help, g.Name, g.Name, g.Value())
	}

	var uptime float64
	if c != nil {
		uptime = time.Since(c.started).Seconds()
	}
	fmt.Fprintf(&b, "# HELP swapvm_uptime_seconds Seconds since the collector started\n# TYPE swapvm_uptime_seconds gauge\nswapvm_uptime_seconds %.0f\n", uptime)

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Handler serves /metrics and /health.
func (c *Collector) Handler(gauges ...Gauge) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = c.WriteTo(w, gauges...)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	return mux
}
