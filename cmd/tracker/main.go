package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aluiziolira/go-price-tracker/config"
	"github.com/aluiziolira/go-price-tracker/dispatch"
	"github.com/aluiziolira/go-price-tracker/export"
	"github.com/aluiziolira/go-price-tracker/fetchcache"
	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/aluiziolira/go-price-tracker/notify"
	"github.com/aluiziolira/go-price-tracker/scheduler"
	"github.com/aluiziolira/go-price-tracker/scraper"
	"github.com/aluiziolira/go-price-tracker/server"
	"github.com/aluiziolira/go-price-tracker/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type options struct {
	configPath string

	interval    int
	concurrency int
	dbPath      string
	listenAddr  string
	webhookURL  string
	verbose     bool

	once    bool
	track   string
	untrack string
	owner   string
	url     string

	exportID string
	format   string
	output   string
	days     int
}

func main() {
	opts := parseFlags()

	logger, level := newLogger(opts.verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg, err := loadConfig(opts)
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Verbose {
		level.Set(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DatabasePath, storage.Options{
		DefaultBigDiscountThresholdPct: cfg.BigDiscountThresholdPct,
		DefaultNotificationsEnabled:    cfg.DefaultNotificationsEnabled,
	})
	if err != nil {
		slog.Error("opening storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case opts.track != "":
		err = trackProduct(ctx, cfg, store, opts)
	case opts.untrack != "":
		err = untrackProduct(ctx, store, opts)
	case opts.exportID != "":
		err = exportHistory(ctx, store, opts)
	default:
		err = runTracker(ctx, cfg, store, opts.once)
	}
	if err != nil {
		slog.Error("tracker failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "YAML configuration file")
	flag.IntVar(&o.interval, "interval", 0, "Sweep interval in minutes")
	flag.IntVar(&o.concurrency, "concurrency", 0, "Concurrent product checks per sweep")
	flag.StringVar(&o.dbPath, "db", "", "SQLite database path")
	flag.StringVar(&o.listenAddr, "listen", "", "Operations HTTP listen address (e.g. :9090)")
	flag.StringVar(&o.webhookURL, "webhook", "", "Webhook URL receiving alerts as JSON")
	flag.BoolVar(&o.verbose, "v", false, "Enable verbose logging")

	flag.BoolVar(&o.once, "once", false, "Run a single sweep and exit")
	flag.StringVar(&o.track, "track", "", "Start tracking a product id")
	flag.StringVar(&o.untrack, "untrack", "", "Stop tracking a product id for -owner")
	flag.StringVar(&o.owner, "owner", "", "User id owning the tracked product")
	flag.StringVar(&o.url, "url", "", "Product page URL (defaults to the URL template)")

	flag.StringVar(&o.exportID, "export", "", "Export the price history of a product id")
	flag.StringVar(&o.format, "format", "csv", "Export format: csv, json, or dual")
	flag.StringVar(&o.output, "output", "", "Export file path (stdout when empty)")
	flag.IntVar(&o.days, "days", 0, "Export only the last N days (0 for all)")

	flag.Parse()
	return o
}

// loadConfig layers defaults, the YAML file, TRACKER_* variables and finally
// the flags that were set explicitly.
func loadConfig(o options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		fileCfg, err := config.LoadFile(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interval":
			cfg.CheckInterval = time.Duration(o.interval) * time.Minute
		case "concurrency":
			cfg.SweepConcurrency = o.concurrency
		case "db":
			cfg.DatabasePath = o.dbPath
		case "listen":
			cfg.ListenAddr = o.listenAddr
		case "webhook":
			cfg.WebhookURL = o.webhookURL
		case "v":
			cfg.Verbose = o.verbose
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runTracker(ctx context.Context, cfg *config.Config, store *storage.Store, once bool) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := scraper.NewScraper(cfg, scraper.NewMetrics(reg))
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}

	cacheOpts := fetchcache.OptionsFromConfig(cfg)
	cacheOpts.Metrics = fetchcache.NewMetrics(reg)
	cache, err := fetchcache.New(s, cacheOpts)
	if err != nil {
		return fmt.Errorf("initialising fetch cache: %w", err)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(slog.Default())
	if cfg.WebhookURL != "" {
		notifier = notify.Multi{notifier, notify.NewWebhook(cfg.WebhookURL)}
		slog.Info("webhook notifications enabled", slog.String("url", cfg.WebhookURL))
	}
	dispatcher, err := dispatch.New(notifier, dispatch.Options{Metrics: dispatch.NewMetrics(reg)})
	if err != nil {
		return fmt.Errorf("initialising dispatcher: %w", err)
	}
	dispatcher.Start(cfg.DispatchWorkers)
	if cfg.Verbose {
		dispatcher.StartMetricsReporting(time.Minute)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			slog.Error("dispatcher shutdown failed", slog.Any("error", err))
		}
	}()

	schedOpts := scheduler.OptionsFromConfig(cfg)
	schedOpts.Metrics = scheduler.NewMetrics(reg)
	sched, err := scheduler.New(store, cache, dispatcher, schedOpts)
	if err != nil {
		return fmt.Errorf("initialising scheduler: %w", err)
	}

	if once {
		startTime := time.Now()
		report, err := sched.Sweep(ctx)
		if err != nil {
			return err
		}
		requests, failures := s.Counts()
		printSummary(report, time.Since(startTime), requests, failures, cache.Snapshot())
		return nil
	}

	slog.Info("starting tracker",
		slog.String("database", cfg.DatabasePath),
		slog.Duration("interval", cfg.CheckInterval),
		slog.Int("workers", cfg.SweepConcurrency),
	)

	if cfg.ListenAddr != "" {
		ops := server.New(server.Deps{Store: store, Cache: cache, Sweeps: sched, Gatherer: reg})
		go func() {
			if err := ops.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
				slog.Error("ops server failed", slog.Any("error", err))
			}
		}()
	}

	go purgeLoop(ctx, cache, cfg.FreshnessWindow)

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()
	return sched.Run(ctx)
}

func purgeLoop(ctx context.Context, cache *fetchcache.Cache, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.PurgeExpired(); n > 0 {
				slog.Debug("expired cache entries purged", slog.Int("entries", n))
			}
		}
	}
}

func trackProduct(ctx context.Context, cfg *config.Config, store *storage.Store, o options) error {
	if o.owner == "" {
		return errors.New("-track needs -owner")
	}
	productURL := o.url
	if productURL == "" {
		productURL = fmt.Sprintf(cfg.ProductURLTemplate, url.PathEscape(o.track))
	}
	err := store.UpsertProduct(ctx, models.Product{ID: o.track, URL: productURL, OwnerUserIDs: []string{o.owner}})
	if err != nil {
		return err
	}
	slog.Info("product tracked", slog.String("product_id", o.track), slog.String("user_id", o.owner), slog.String("url", productURL))
	return nil
}

func untrackProduct(ctx context.Context, store *storage.Store, o options) error {
	if o.owner == "" {
		return errors.New("-untrack needs -owner")
	}
	removed, err := store.RemoveOwner(ctx, o.untrack, o.owner)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s is not tracked by %s", o.untrack, o.owner)
	}
	if err != nil {
		return err
	}
	slog.Info("product untracked", slog.String("product_id", o.untrack), slog.String("user_id", o.owner), slog.Bool("removed", removed))
	return nil
}

func exportHistory(ctx context.Context, store *storage.Store, o options) error {
	writer, err := export.NewWriter(o.format, o.output)
	if err != nil {
		return err
	}
	n, err := export.History(ctx, store, o.exportID, o.days, writer)
	if closeErr := writer.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if err := writer.Validate(); err != nil {
		slog.Warn("export produced no rows", slog.String("product_id", o.exportID))
	}
	slog.Info("history exported", slog.String("product_id", o.exportID), slog.Int("observations", n))
	return nil
}

func printSummary(report scheduler.Report, duration time.Duration, requests, failures int64, snap fetchcache.Snapshot) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Sweep complete")
	fmt.Printf("  Sweep id:      %s\n", report.SweepID)
	fmt.Printf("  Products:      %d\n", report.Products)
	fmt.Printf("  Fetched:       %d\n", report.Fetched)
	fmt.Printf("  Cached:        %d\n", report.Cached)
	fmt.Printf("  Skipped:       %d\n", report.Skipped)
	fmt.Printf("  Failed:        %d\n", report.Failed)
	fmt.Printf("  Not found:     %d (%d deactivated)\n", report.NotFound, report.Deactivated)
	fmt.Printf("  Alerts:        %d\n", report.Alerts)
	successRate := 0.0
	if requests > 0 {
		successRate = float64(requests-failures) / float64(requests) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	if snap.GlobalBlocked {
		fmt.Printf("  Blocked:       retry in %v\n", snap.GlobalRetryAfter.Round(time.Second))
	}
	if report.TimedOut {
		fmt.Println("  Timed out:     yes")
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
