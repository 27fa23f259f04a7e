package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/allocator"
	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/health"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/metrics"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/workload"
)

func main() {
	defaults := workload.DefaultConfig()

	optionsPath := flag.String("options", "", "YAML allocator options file")
	workers := flag.Int("workers", defaults.Workers, "Concurrent frame producers")
	frames := flag.Int("frames", defaults.Frames, "Frames to produce (0 runs until interrupted)")
	maxWidth := flag.Int("max-width", defaults.MaxWidth, "Maximum frame width in pixels")
	maxHeight := flag.Int("max-height", defaults.MaxHeight, "Maximum frame height in pixels")
	groupEvery := flag.Int("group-every", defaults.GroupEvery, "Every n-th frame is a grouped planar allocation (0 disables)")
	hold := flag.Duration("hold", defaults.Hold, "How long each frame stays alive")
	seed := flag.Uint64("seed", defaults.Seed, "Seed for frame sizes")
	addr := flag.String("addr", ":9090", "Address for /metrics and /health (empty disables)")
	serve := flag.Bool("serve", false, "Keep serving metrics after the run until interrupted")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(*logLevel, logging.InfoLevel))
	logging.SetDefaultLogger(logger)
	diagnostics.SetLogger(logger)

	opts := allocator.DefaultOptions()
	if *optionsPath != "" {
		loaded, err := allocator.LoadOptions(*optionsPath)
		if err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
		opts = loaded
	}

	reg := metrics.DefaultRegistry()
	monitor := pressure.Default()
	opts.Logger = logger
	opts.Observer = reg

	alloc, err := allocator.New(opts)
	if err != nil {
		log.Fatalf("Failed to create allocator: %v", err)
	}
	defer alloc.Close()

	if err := reg.RegisterPressure(monitor); err != nil {
		log.Fatalf("Failed to register pressure gauge: %v", err)
	}
	if err := reg.RegisterPool(alloc.Arrays().Name(), func() float64 {
		return float64(alloc.Arrays().Stats().RetainedBytes)
	}); err != nil {
		log.Fatalf("Failed to register array pool gauge: %v", err)
	}
	if err := reg.RegisterPool(alloc.Blocks().Name(), func() float64 {
		s := alloc.Blocks().Stats()
		return float64(s.Retained) * float64(s.SlotLength)
	}); err != nil {
		log.Fatalf("Failed to register block pool gauge: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if *addr != "" {
		checker := health.NewHealthCheckerWithLogger(logger)
		checker.RegisterCheck("memory_pressure", health.PressureCheck(monitor, opts.Trim.HighPressureThreshold))
		checker.RegisterCheck("leaks", health.LeakCheck())
		checker.RegisterCheck("native_memory", health.NativeMemoryCheck(opts.MaxAllocationBytes))
		checker.RegisterLivenessCheck("process", func() health.Check { return health.SimpleCheck("process") })

		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		mux.Handle("/health", checker.HTTPHandler())
		mux.Handle("/health/live", checker.LivenessHandler())

		server := &http.Server{Addr: *addr, Handler: reg.Middleware(mux), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", logging.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				reg.UpdateSystemMetrics(start)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
		logger.Info("serving metrics", logging.String("addr", *addr))
	}

	cfg := workload.Config{
		Workers:    *workers,
		Frames:     *frames,
		MaxWidth:   *maxWidth,
		MaxHeight:  *maxHeight,
		GroupEvery: *groupEvery,
		Hold:       *hold,
		Seed:       *seed,
	}
	runner, err := workload.NewRunner(alloc, cfg, reg, logger)
	if err != nil {
		log.Fatalf("Invalid workload: %v", err)
	}

	fmt.Printf("pixmem bench\n")
	fmt.Printf("============\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Workers:        %d\n", cfg.Workers)
	fmt.Printf("  Frames:         %d\n", cfg.Frames)
	fmt.Printf("  Max frame:      %dx%d\n", cfg.MaxWidth, cfg.MaxHeight)
	fmt.Printf("  Alignment:      %d bytes\n", alloc.Alignment())
	fmt.Printf("  Array pool max: %d bytes\n", opts.MaxArrayPoolBytes)
	fmt.Printf("  Block size:     %d bytes\n\n", opts.UniformBlockBytes)

	res, err := runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Workload failed: %v", err)
	}

	stats := alloc.Stats()
	fmt.Printf("Results:\n")
	fmt.Printf("  Frames:       %d in %v\n", res.Frames, res.Duration.Round(time.Millisecond))
	fmt.Printf("  Errors:       %d\n", res.Errors)
	if res.Duration > 0 {
		fmt.Printf("  Throughput:   %.0f frames/sec, %.1f MiB/sec\n",
			float64(res.Frames)/res.Duration.Seconds(),
			float64(res.Bytes)/(1<<20)/res.Duration.Seconds())
	}
	fmt.Printf("  Array pool:   %d bytes retained\n", stats.Arrays.RetainedBytes)
	fmt.Printf("  Block pool:   %d/%d rented, %d retained\n", stats.Blocks.Rented, stats.Blocks.Capacity, stats.Blocks.Retained)
	fmt.Printf("  Native:       %d handles, %d bytes outstanding\n", stats.OutstandingHandles, stats.OutstandingBytes)
	fmt.Printf("  Undisposed:   %d\n", stats.Undisposed)
	fmt.Printf("  Leaks:        %d\n", stats.Leaks)

	if *serve && *addr != "" && ctx.Err() == nil {
		logger.Info("run complete, serving until interrupted")
		<-ctx.Done()
	}
}
