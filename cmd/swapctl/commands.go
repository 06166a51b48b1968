package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swapvm/pkg/config"
	"swapvm/pkg/logging"
	"swapvm/pkg/sim"
	"swapvm/pkg/swap/device"
	"swapvm/pkg/vm/pager"
)

// loadConfig reads the global config file, if any, and applies the log
// level override.
func (c *CLI) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	return cfg, nil
}

func (c *CLI) openSystem(mutate func(*config.Config)) (*pager.System, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if err := logging.Init(cfg.Logging()); err != nil {
		return nil, err
	}
	return pager.NewSystem(cfg)
}

// WorkloadFlags are shared by simulate and serve.
type WorkloadFlags struct {
	Objects int  `help:"Memory objects to create" default:"8"`
	Pages   int  `help:"Pages per object" default:"64"`
	Workers int  `help:"Concurrent workers" default:"4"`
	Rounds  int  `help:"Write-out rounds per page" default:"4"`
	Discard int  `help:"Discard a page after every nth write-out (0 = never)" default:"5"`
	Share   bool `help:"Fork each object's swap into a child after the last round" default:"true" negatable:""`
	Slots   int  `help:"Override the number of swap slots (0 = from config)" default:"0"`
}

func (f WorkloadFlags) workload() sim.Workload {
	return sim.Workload{
		Objects:      f.Objects,
		Pages:        f.Pages,
		Workers:      f.Workers,
		Rounds:       f.Rounds,
		DiscardEvery: f.Discard,
		Share:        f.Share,
	}
}

func (f WorkloadFlags) apply(cfg *config.Config) {
	if f.Slots > 0 {
		cfg.SwapSlots = f.Slots
	}
}

// SimulateCmd runs one workload and prints the result.
type SimulateCmd struct {
	WorkloadFlags `embed:""`
}

func (c *SimulateCmd) Run(cli *CLI) error {
	sys, err := cli.openSystem(c.apply)
	if err != nil {
		return err
	}
	defer sys.Close()
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := sim.Run(ctx, sys, c.workload())
	if err != nil {
		return err
	}
	fmt.Println(renderReport(report))
	return nil
}

// BenchCmd runs the latency benchmarks.
type BenchCmd struct {
	Iterations  int    `help:"Pages driven through each operation" default:"1000"`
	Concurrency int    `help:"Concurrent callers" default:"8"`
	Output      string `help:"Write the JSON report to this file" type:"path"`
}

func (c *BenchCmd) Run(cli *CLI) error {
	sys, err := cli.openSystem(func(cfg *config.Config) {
		if cfg.SwapSlots < c.Iterations {
			cfg.SwapSlots = c.Iterations
		}
	})
	if err != nil {
		return err
	}
	defer sys.Close()
	defer logging.Close()

	report, err := sim.Bench(context.Background(), sys, sim.BenchConfig{
		Iterations:  c.Iterations,
		Concurrency: c.Concurrency,
	})
	if err != nil {
		return err
	}
	fmt.Println(renderBench(report))

	if c.Output == "" {
		return nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.Output, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Report saved to %s\n", c.Output)
	return nil
}

// InspectCmd lists a SQLite device's slots.
type InspectCmd struct {
	Path  string `arg:"" help:"SQLite swap device file" type:"existingfile"`
	Limit int    `help:"Show at most this many slots (0 = all)" default:"50"`
}

func (c *InspectCmd) Run() error {
	dev, err := device.OpenSQLiteDevice(c.Path, device.PlainCodec{})
	if err != nil {
		return err
	}
	defer dev.Close()

	slots, err := dev.Slots(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(renderSlots(c.Path, slots, c.Limit))
	return nil
}

// ServeCmd repeats a workload and serves the counters.
type ServeCmd struct {
	WorkloadFlags `embed:""`
	Addr          string        `help:"Listen address" default:":8080"`
	Interval      time.Duration `help:"Pause between simulation runs" default:"5s"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	sys, err := cli.openSystem(c.apply)
	if err != nil {
		return err
	}
	defer sys.Close()
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         c.Addr,
		Handler:      sys.Metrics().Handler(sys.Gauges()...),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go c.loop(ctx, sys)
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	logging.Info("serving metrics", "addr", c.Addr)
	fmt.Printf("Metrics available at http://%s/metrics\n", c.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *ServeCmd) loop(ctx context.Context, sys *pager.System) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		if _, err := sim.Run(ctx, sys, c.workload()); err != nil && ctx.Err() == nil {
			logging.Error("simulation run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("swapctl version %s\n", version)
	return nil
}
