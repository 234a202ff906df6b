package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/outfield/companion/internal/acquire"
	"github.com/outfield/companion/internal/bus"
	"github.com/outfield/companion/internal/config"
	"github.com/outfield/companion/internal/doctor"
	"github.com/outfield/companion/internal/health"
	"github.com/outfield/companion/internal/maintenance"
	"github.com/outfield/companion/internal/netcheck"
	otelPkg "github.com/outfield/companion/internal/otel"
	"github.com/outfield/companion/internal/scheduler"
	"github.com/outfield/companion/internal/store"
	"github.com/outfield/companion/internal/syncer"
	"github.com/outfield/companion/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the capture-and-sync daemon

SUBCOMMANDS:
  %s status                   Show record counts and queue state
  %s doctor [-json]           Run diagnostic checks
  %s capture                  Run one capture cycle now
  %s drain [-force]           Run one drain pass now
                              Flags: -force to skip the connectivity gate
  %s compact                  Compact delivered records now
  %s backup <dest>            Snapshot the record database to <dest>

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  COMPANION_HOME          Data directory (default: ~/.companion)
  COMPANION_UPLOAD_URL    Override sync.http.url
  COMPANION_UPLOAD_TOKEN  Override sync.http.auth_token

EXAMPLES:
  Run the daemon:         %s
  Force a capture:        %s capture
  Force an upload pass:   %s drain
  Run diagnostics:        %s doctor -json
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "capture":
			os.Exit(runCaptureCommand(ctx))
		case "drain":
			os.Exit(runDrainCommand(ctx, args[1:]))
		case "compact":
			os.Exit(runCompactCommand(ctx))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("companiond starting", "version", Version, "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("init telemetry", "error", err.Error())
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err.Error())
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("init metrics", "error", err.Error())
		return 1
	}

	eventBus := bus.New()

	st, err := openStore(&cfg, eventBus)
	if err != nil {
		logger.Error("open record store", "error", err.Error())
		return 1
	}
	defer st.Close()

	// Crash cleanup before anything runs: uploads interrupted by the last
	// shutdown become retryable immediately.
	if n, err := st.RecoverStalled(ctx, time.Now(), cfg.Sync.StallTimeout()); err != nil {
		logger.Error("startup stall recovery", "error", err.Error())
	} else if n > 0 {
		logger.Warn("recovered interrupted uploads at startup", "count", n)
	}

	tracker := health.NewTracker(map[string]int{
		health.SubsystemCapture: cfg.Capture.FailureThreshold,
		health.SubsystemSync:    cfg.Sync.FailureThreshold,
	}, logger, eventBus)

	facade, err := buildFacade(&cfg, logger)
	if err != nil {
		logger.Error("build acquisition facade", "error", err.Error())
		return 1
	}

	sched := scheduler.New(st, facade, tracker, metrics, logger, scheduler.Options{
		Interval:       cfg.Capture.Interval(),
		JitterPct:      cfg.Capture.JitterPct,
		ImagesPerCycle: cfg.Capture.ImagesPerCycle,
	})

	endpoint, err := buildEndpoint(&cfg)
	if err != nil {
		logger.Error("build upload endpoint", "error", err.Error())
		return 1
	}
	prober := netcheck.NewProber(cfg.Probe.URL, cfg.Probe.FallbackAddr, cfg.Probe.Timeout())
	sy := syncer.New(st, endpoint, prober, tracker, metrics, logger, eventBus, syncer.Options{
		Poll:         cfg.Sync.PollInterval(),
		StallTimeout: cfg.Sync.StallTimeout(),
	})

	maint, err := maintenance.New(st, maintenance.Options{
		Schedule: cfg.Retention.CompactSchedule,
		Grace:    cfg.Retention.Grace(),
	}, logger)
	if err != nil {
		logger.Error("build maintenance runner", "error", err.Error())
		return 1
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err.Error())
	}

	var wg sync.WaitGroup
	runLoop := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("loop exited", "loop", name, "error", err.Error())
			}
		}()
	}
	runLoop("scheduler", sched.Run)
	runLoop("syncer", sy.Run)
	runLoop("maintenance", maint.Run)

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchEvents(ctx, eventBus, logger)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		reportQueueDepth(ctx, st, metrics, logger)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		handleReloads(ctx, watcher, &cfg, logger)
	}()

	logger.Info("companiond running",
		"interval", cfg.Capture.Interval().String(),
		"backend", cfg.Sync.Backend,
		"poll", cfg.Sync.PollInterval().String())

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	logger.Info("companiond stopped")
	return 0
}

func openStore(cfg *config.Config, eventBus *bus.Bus) (*store.Store, error) {
	return store.Open(
		filepath.Join(cfg.DataDir, "records.db"),
		filepath.Join(cfg.DataDir, "spool"),
		store.Options{
			MaxAttempts: cfg.Sync.MaxAttempts,
			BackoffBase: cfg.Sync.BackoffBase(),
			BackoffCap:  cfg.Sync.BackoffCap(),
		},
		eventBus,
	)
}

func buildFacade(cfg *config.Config, logger *slog.Logger) (*acquire.Facade, error) {
	var camera acquire.CameraProvider
	switch cfg.Cameras.Provider {
	case "mock":
		paths := make([]string, 0, len(cfg.Cameras.MockFiles))
		for _, p := range cfg.Cameras.MockFiles {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		switch len(paths) {
		case 0:
			// No source images: every cycle discards. Doctor warns about this.
			camera = nil
		case 1:
			camera = &acquire.FileCamera{Path: paths[0]}
		default:
			camera = acquire.NewRotatingCamera(paths)
		}
	case "none":
		camera = nil
	default:
		return nil, fmt.Errorf("unknown camera provider %q", cfg.Cameras.Provider)
	}

	var gps acquire.GPSProvider
	switch cfg.GNSS.Provider {
	case "mock":
		gps = &acquire.MockGNSS{
			Fix: acquire.Fix{
				Lat:       cfg.GNSS.MockFix.Lat,
				Lon:       cfg.GNSS.MockFix.Lon,
				AltitudeM: cfg.GNSS.MockFix.AltitudeM,
				AccuracyM: cfg.GNSS.MockFix.AccuracyM,
			},
			Delay: time.Duration(cfg.GNSS.MockFix.DelayMS) * time.Millisecond,
		}
	case "none":
		gps = nil
	default:
		return nil, fmt.Errorf("unknown gnss provider %q", cfg.GNSS.Provider)
	}

	return acquire.NewFacade(camera, gps, acquire.FacadeOptions{
		ImageTimeout: cfg.Capture.ImageTimeout(),
		FixTimeout:   cfg.Capture.FixTimeout(),
		FixStaleness: cfg.Capture.FixStaleness(),
	}, logger), nil
}

func buildEndpoint(cfg *config.Config) (syncer.Endpoint, error) {
	switch cfg.Sync.Backend {
	case "http":
		return syncer.NewHTTPEndpoint(cfg.Sync.HTTP.URL, cfg.Sync.HTTP.AuthToken, cfg.Sync.HTTP.Timeout()), nil
	case "local":
		return syncer.NewLocalEndpoint(cfg.Sync.Local.DestDir), nil
	default:
		return nil, fmt.Errorf("unknown sync backend %q", cfg.Sync.Backend)
	}
}

// watchEvents mirrors bus traffic into the operator log.
func watchEvents(ctx context.Context, eventBus *bus.Bus, logger *slog.Logger) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch payload := ev.Payload.(type) {
			case bus.RecordStateChangedEvent:
				logger.Debug("record state changed",
					"record_id", payload.RecordID,
					"from", payload.OldState, "to", payload.NewState,
					"attempt", payload.Attempt)
			case bus.SyncFailedEvent:
				if payload.Permanent {
					logger.Error("record abandoned",
						"record_id", payload.RecordID,
						"error_kind", payload.ErrorKind,
						"attempts", payload.Attempt)
				}
			case bus.HealthEvent:
				if payload.Degraded {
					logger.Warn("device health degraded", "reasons", strings.Join(payload.Reasons, "; "))
				} else {
					logger.Info("device health recovered")
				}
			}
		}
	}
}

// reportQueueDepth keeps the queue depth gauge current.
func reportQueueDepth(ctx context.Context, st *store.Store, metrics *otelPkg.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := st.QueueDepth(ctx)
			if err != nil {
				logger.Warn("read queue depth", "error", err.Error())
				continue
			}
			metrics.QueueDepth.Add(ctx, int64(depth)-last)
			last = int64(depth)
		}
	}
}

// handleReloads reacts to config.yaml changes. Tunable changes are noted;
// structural changes (backend, providers) need a restart, which the
// supervisor performs on demand.
func handleReloads(ctx context.Context, watcher *config.Watcher, current *config.Config, logger *slog.Logger) {
	fingerprint := current.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			fresh, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Error("reload config", "error", err.Error())
				continue
			}
			if fresh.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = fresh.Fingerprint()
			logger.Info("config changed on disk; restart to apply",
				"fingerprint", fingerprint,
				"interval_minutes", fresh.Capture.IntervalMinutes,
				"backend", fresh.Sync.Backend)
		}
	}
}

func runStatusCommand(ctx context.Context) int {
	cfg, st, cleanup, err := loadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer cleanup()

	counts, err := st.Counts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	depth, err := st.QueueDepth(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	fmt.Printf("companiond %s (home: %s)\n\n", Version, cfg.HomeDir)
	for _, state := range []store.RecordState{
		store.StatePending, store.StateUploading, store.StateFailed,
		store.StateDelivered, store.StateFailedPermanent,
	} {
		fmt.Printf("  %-17s %d\n", state, counts[state])
	}
	fmt.Printf("\n  awaiting delivery: %d\n", depth)
	return 0
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "output JSON")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	var cfgPtr *config.Config
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctor: load config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	d := doctor.Run(ctx, cfgPtr, Version)
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(d)
	} else {
		fmt.Printf("companiond doctor (%s, %s/%s)\n\n", d.System.Version, d.System.OS, d.System.Arch)
		for _, r := range d.Results {
			fmt.Printf("  [%-4s] %-13s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %13s %s\n", "", r.Detail)
			}
		}
	}
	if !d.Healthy() {
		return 1
	}
	return 0
}

func runCaptureCommand(ctx context.Context) int {
	cfg, st, cleanup, err := loadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "capture: %v\n", err)
		return 1
	}
	defer cleanup()

	logger := cliLogger(cfg)
	facade, err := buildFacade(&cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "capture: %v\n", err)
		return 1
	}
	sched := scheduler.New(st, facade, nil, nil, logger, scheduler.Options{
		ImagesPerCycle: cfg.Capture.ImagesPerCycle,
	})

	rec, err := sched.RunCycle(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "capture: %v\n", err)
		return 1
	}
	fmt.Printf("captured record %s (seq %d, %d images, fix: %t)\n",
		rec.ID, rec.CreatedSeq, len(rec.Images), rec.Location != nil)
	return 0
}

func runDrainCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	force := fs.Bool("force", false, "skip the connectivity gate")
	_ = fs.Parse(args)

	cfg, st, cleanup, err := loadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain: %v\n", err)
		return 1
	}
	defer cleanup()

	endpoint, err := buildEndpoint(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain: %v\n", err)
		return 1
	}
	var monitor netcheck.Monitor = netcheck.NewProber(cfg.Probe.URL, cfg.Probe.FallbackAddr, cfg.Probe.Timeout())
	if *force {
		monitor = netcheck.Static(true)
	}
	sy := syncer.New(st, endpoint, monitor, nil, nil, cliLogger(cfg), nil, syncer.Options{
		StallTimeout: cfg.Sync.StallTimeout(),
	})

	stats, err := sy.DrainOnce(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain: %v\n", err)
		return 1
	}
	fmt.Printf("drain pass: %d delivered, %d failed, %d quarantined, %d recovered\n",
		stats.Delivered, stats.Failed, stats.Quarantined, stats.Recovered)
	return 0
}

func runCompactCommand(ctx context.Context) int {
	cfg, st, cleanup, err := loadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "compact: %v\n", err)
		return 1
	}
	defer cleanup()

	res, err := st.Compact(ctx, time.Now(), cfg.Retention.Grace())
	if err != nil {
		fmt.Fprintf(os.Stderr, "compact: %v\n", err)
		return 1
	}
	fmt.Printf("compacted: %d records deleted, %d orphan spools swept\n",
		res.RecordsDeleted, res.OrphansSwept)
	return 0
}

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: companiond backup <dest>")
		return 2
	}
	_, st, cleanup, err := loadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := st.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", args[0])
	return 0
}

func loadStore() (config.Config, *store.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, nil, err
	}
	st, err := openStore(&cfg, nil)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, st, func() { _ = st.Close() }, nil
}

// cliLogger keeps subcommand output clean on a terminal: logs go file-only.
func cliLogger(cfg config.Config) *slog.Logger {
	quiet := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	_ = closer // process-lifetime logger; the OS reclaims the handle
	return logger
}
