package sim

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	swaperr "swapvm/pkg/error"
	"swapvm/pkg/logging"
	"swapvm/pkg/primitives"
	"swapvm/pkg/vm/object"
	"swapvm/pkg/vm/page"
	"swapvm/pkg/vm/pager"
)

// BenchResult captures latency statistics for one pager operation.
type BenchResult struct {
	Operation      string        `json:"operation"`          // Which pager path was timed
	Iterations     int           `json:"iterations"`         // Number of pages driven through it
	Concurrency    int           `json:"concurrency"`        // Number of goroutines issuing calls
	TotalDuration  time.Duration `json:"total_duration_ns"`  // Wall time for all iterations
	AvgDuration    time.Duration `json:"avg_duration_ns"`    // Mean latency per page
	MinDuration    time.Duration `json:"min_duration_ns"`    // Fastest page
	MaxDuration    time.Duration `json:"max_duration_ns"`    // Slowest page
	MedianDuration time.Duration `json:"median_duration_ns"` // P50 latency
	P95Duration    time.Duration `json:"p95_duration_ns"`    // 95th percentile latency
	P99Duration    time.Duration `json:"p99_duration_ns"`    // 99th percentile latency
	PagesPerSecond float64       `json:"pages_per_second"`   // Throughput
	SuccessCount   int           `json:"success_count"`      // Calls that returned nil
	ErrorCount     int           `json:"error_count"`        // Calls that failed
	ErrorSamples   []string      `json:"error_samples"`      // Up to five failure messages
}

// BenchReport aggregates a benchmark suite.
type BenchReport struct {
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	TotalDuration time.Duration `json:"total_duration"`
	PageSize      int           `json:"page_size"`
	Device        string        `json:"device"`
	Results       []BenchResult `json:"results"`
}

// BenchConfig sizes a benchmark run.
type BenchConfig struct {
	Iterations  int
	Concurrency int
}

// Bench times the three pager paths on one object of Iterations pages:
// writing a dirty page out and evicting it, faulting it back from the
// device, and re-putting the now clean cached page.
func Bench(ctx context.Context, sys *pager.System, cfg BenchConfig) (BenchReport, error) {
	if cfg.Iterations <= 0 || cfg.Concurrency <= 0 {
		return BenchReport{}, swaperr.InvalidArgument("iterations and concurrency must be positive").WithOp("Bench", "Simulator")
	}

	report := BenchReport{
		StartTime: time.Now(),
		PageSize:  sys.PageSize(),
		Device:    sys.Config().Device.Kind,
	}

	obj, err := sys.Alloc(uint64(cfg.Iterations*sys.PageSize()), primitives.ProtAll, 0, nil)
	if err != nil {
		return report, err
	}
	defer sys.Dealloc(obj)

	benches := []struct {
		name string
		op   func(i primitives.PageIndex) error
	}{
		{"page-out", func(i primitives.PageIndex) error {
			p, err := sys.Fault(ctx, obj, i)
			if err != nil {
				return err
			}
			buf := make([]byte, sys.PageSize())
			Fill(buf, byte(i))
			p.Busy()
			p.Write(buf)
			p.Unbusy()
			return sys.PutPages(ctx, obj, []*page.Page{p}, pager.PutInvalidate)[0]
		}},
		{"page-in", func(i primitives.PageIndex) error {
			_, err := sys.Fault(ctx, obj, i)
			return err
		}},
		{"clean put", func(i primitives.PageIndex) error {
			p, ok := obj.LookupPage(i)
			if !ok {
				return swaperr.PagerMiss(uint64(i)).WithOp("Bench", "Simulator")
			}
			return sys.PutPages(ctx, obj, []*page.Page{p}, 0)[0]
		}},
	}

	log := logging.WithComponent("Bench")
	for _, b := range benches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r := runBench(obj, b.name, cfg, b.op)
		log.Info("benchmark finished", "operation", b.name, "avg", r.AvgDuration, "p99", r.P99Duration, "errors", r.ErrorCount)
		report.Results = append(report.Results, r)
	}

	report.EndTime = time.Now()
	report.TotalDuration = report.EndTime.Sub(report.StartTime)
	return report, nil
}

func runBench(obj *object.Object, name string, cfg BenchConfig, op func(primitives.PageIndex) error) BenchResult {
	durations := make([]time.Duration, 0, cfg.Iterations)
	var mu sync.Mutex
	var wg sync.WaitGroup

	successCount := 0
	errorCount := 0
	errorSamples := make([]string, 0, 5)
	startTime := time.Now()

	sem := make(chan struct{}, cfg.Concurrency)

	for i := range cfg.Iterations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			opStart := time.Now()
			err := op(primitives.PageIndex(i))
			duration := time.Since(opStart)

			mu.Lock()
			durations = append(durations, duration)
			if err != nil {
				errorCount++
				if len(errorSamples) < 5 {
					errorSamples = append(errorSamples, err.Error())
				}
			} else {
				successCount++
			}
			mu.Unlock()
		}()
	}

	wg.Wait()
	totalDuration := time.Since(startTime)

	r := summarize(durations, totalDuration)
	r.Operation = name
	r.Iterations = cfg.Iterations
	r.Concurrency = cfg.Concurrency
	r.SuccessCount = successCount
	r.ErrorCount = errorCount
	r.ErrorSamples = errorSamples
	logging.WithObject(obj.ID()).Debug("benchmark pass done", "operation", name)
	return r
}

// summarize computes latency statistics. durations is sorted in place.
func summarize(durations []time.Duration, total time.Duration) BenchResult {
	r := BenchResult{TotalDuration: total}
	if len(durations) == 0 {
		return r
	}
	slices.Sort(durations)

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	n := len(durations)
	r.MinDuration = durations[0]
	r.MaxDuration = durations[n-1]
	r.AvgDuration = sum / time.Duration(n)
	r.MedianDuration = durations[n/2]
	r.P95Duration = durations[int(float64(n)*0.95)]
	r.P99Duration = durations[int(float64(n)*0.99)]
	if total > 0 {
		r.PagesPerSecond = float64(n) / total.Seconds()
	}
	return r
}

// FormatDuration formats a duration with units suited to its size.
// Examples: 1.23ms, 456.78µs, 12.34s
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	case d >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}
