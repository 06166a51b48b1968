package sim

import (
	"context"
	"testing"
	"time"
)

func TestBench(t *testing.T) {
	sys := newSystem(t, 128)
	report, err := Bench(context.Background(), sys, BenchConfig{Iterations: 32, Concurrency: 4})
	if err != nil {
		t.Fatalf("Bench failed: %v", err)
	}
	if len(report.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(report.Results))
	}
	for _, r := range report.Results {
		if r.ErrorCount != 0 {
			t.Errorf("%s: %d errors, samples %v", r.Operation, r.ErrorCount, r.ErrorSamples)
		}
		if r.SuccessCount != 32 {
			t.Errorf("%s: %d successes", r.Operation, r.SuccessCount)
		}
		if r.MinDuration > r.MedianDuration || r.MedianDuration > r.MaxDuration {
			t.Errorf("%s: percentiles out of order %+v", r.Operation, r)
		}
	}
	if sys.Stats().Slots.Allocated != 0 {
		t.Error("benchmark object not torn down")
	}
}

func TestBench_NoSpaceCountsErrors(t *testing.T) {
	sys := newSystem(t, 8)
	report, err := Bench(context.Background(), sys, BenchConfig{Iterations: 16, Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	out := report.Results[0]
	if out.ErrorCount != 8 || out.SuccessCount != 8 {
		t.Errorf("page-out with 8 slots: %d ok, %d failed", out.SuccessCount, out.ErrorCount)
	}
	if len(out.ErrorSamples) != 5 {
		t.Errorf("expected 5 error samples, got %d", len(out.ErrorSamples))
	}
}

func TestSummarize(t *testing.T) {
	var d []time.Duration
	for i := 100; i >= 1; i-- {
		d = append(d, time.Duration(i)*time.Millisecond)
	}
	r := summarize(d, time.Second)
	if r.MinDuration != time.Millisecond || r.MaxDuration != 100*time.Millisecond {
		t.Errorf("min/max %v %v", r.MinDuration, r.MaxDuration)
	}
	if r.MedianDuration != 51*time.Millisecond || r.P95Duration != 96*time.Millisecond || r.P99Duration != 100*time.Millisecond {
		t.Errorf("percentiles %v %v %v", r.MedianDuration, r.P95Duration, r.P99Duration)
	}
	if r.PagesPerSecond != 100 {
		t.Errorf("throughput %v", r.PagesPerSecond)
	}
	if summarize(nil, 0).AvgDuration != 0 {
		t.Error("empty input should summarize to zero")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{1500 * time.Millisecond, "1.50s"},
		{1230 * time.Microsecond, "1.23ms"},
		{4560 * time.Nanosecond, "4.56µs"},
		{12 * time.Nanosecond, "12ns"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
