// Package scheduler drives periodic sweeps over the tracked products: fetch
// through the cache, classify, persist, and fan alerts out to owners.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-price-tracker/config"
	"github.com/aluiziolira/go-price-tracker/detector"
	"github.com/aluiziolira/go-price-tracker/fetchcache"
	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrSweepInProgress is returned by Sweep while another sweep is running.
var ErrSweepInProgress = errors.New("scheduler: sweep already in progress")

// Store is the subset of storage the scheduler needs.
type Store interface {
	TrackedProducts(ctx context.Context) ([]models.Product, error)
	GetHistory(ctx context.Context, productID string, sinceDays int) ([]models.PriceObservation, error)
	AppendObservation(ctx context.Context, obs models.PriceObservation) error
	UserSettings(ctx context.Context, userID string) (models.UserSettings, error)
	LogAlert(ctx context.Context, a models.Alert) error
	RecordNotFound(ctx context.Context, productID string, checkedAt time.Time) (int, error)
	MarkInactive(ctx context.Context, productID string) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Fetcher is satisfied by *fetchcache.Cache.
type Fetcher interface {
	Get(ctx context.Context, productID string) (models.FetchResult, error)
}

// Notifier delivers one alert to one user. A nil error means delivered.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload models.AlertPayload) error
}

// Options tune a Scheduler.
type Options struct {
	Interval     time.Duration
	Concurrency  int
	SweepTimeout time.Duration

	// HistoryDays bounds the history handed to the change detector.
	HistoryDays int
	// RetentionDays is how long observations are kept; 0 disables pruning.
	RetentionDays int
	PruneInterval time.Duration

	NotFoundThreshold      int
	PriceErrorThresholdPct float64
	PriceErrorFloor        decimal.Decimal

	Now     func() time.Time
	Metrics *Metrics
	Logger  *slog.Logger
}

// OptionsFromConfig maps tracker configuration onto scheduler options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:               cfg.CheckInterval,
		Concurrency:            cfg.SweepConcurrency,
		SweepTimeout:           cfg.SweepTimeout,
		HistoryDays:            cfg.HistoryRetentionDays,
		RetentionDays:          cfg.HistoryRetentionDays,
		NotFoundThreshold:      cfg.NotFoundThreshold,
		PriceErrorThresholdPct: cfg.PriceErrorThresholdPct,
		PriceErrorFloor:        decimal.NewFromFloat(cfg.PriceErrorFloor),
	}
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.SweepTimeout <= 0 {
		o.SweepTimeout = 10 * time.Minute
	}
	if o.HistoryDays <= 0 {
		o.HistoryDays = 90
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = 24 * time.Hour
	}
	if o.NotFoundThreshold <= 0 {
		o.NotFoundThreshold = 3
	}
	if o.PriceErrorThresholdPct <= 0 {
		o.PriceErrorThresholdPct = 80
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Scheduler runs at most one sweep at a time.
type Scheduler struct {
	store    Store
	fetcher  Fetcher
	notifier Notifier
	opts     Options

	running atomic.Bool

	pruneMu   sync.Mutex
	lastPrune time.Time
}

// New builds a Scheduler.
func New(store Store, fetcher Fetcher, notifier Notifier, opts Options) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("scheduler: fetcher is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("scheduler: notifier is required")
	}
	opts.defaults()
	return &Scheduler{store: store, fetcher: fetcher, notifier: notifier, opts: opts}, nil
}

// Running reports whether a sweep is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run sweeps immediately and then on every interval until ctx is done. A tick
// that fires while a sweep is still in flight is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.opts.Logger.Info("scheduler started",
		slog.Duration("interval", s.opts.Interval),
		slog.Int("workers", s.opts.Concurrency),
	)

	var wg sync.WaitGroup
	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(ctx)
		}()
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			s.opts.Logger.Info("scheduler stopping")
			wg.Wait()
			return nil
		case <-ticker.C:
			tick()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.Sweep(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.opts.Logger.Warn("previous sweep still running, deferring")
		return
	case err != nil:
		s.opts.Logger.Error("sweep failed", slog.Any("error", err))
	}
	s.maybePrune(ctx)
}

func (s *Scheduler) maybePrune(ctx context.Context) {
	if s.opts.RetentionDays <= 0 || ctx.Err() != nil {
		return
	}

	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	now := s.opts.Now()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < s.opts.PruneInterval {
		return
	}

	cutoff := now.AddDate(0, 0, -s.opts.RetentionDays)
	n, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		s.opts.Logger.Error("prune history failed", slog.Any("error", err))
		return
	}
	s.lastPrune = now
	s.opts.Logger.Info("history pruned", slog.Int64("deleted", n), slog.Time("older_than", cutoff))
}

// Sweep runs one pass over all tracked products. It returns
// ErrSweepInProgress without doing anything if a sweep is already running.
// When the sweep timeout expires, Sweep returns with TimedOut set and the
// results of fetches still in flight are discarded.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.opts.Metrics.IncSweep("deferred")
		return Report{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	sweepID := uuid.NewString()
	logger := s.opts.Logger.With(slog.String("sweep_id", sweepID))
	started := s.opts.Now()
	tally := &tally{report: Report{SweepID: sweepID, StartedAt: started}}

	sweepCtx, cancel := context.WithTimeout(ctx, s.opts.SweepTimeout)
	defer cancel()

	products, err := s.store.TrackedProducts(sweepCtx)
	if err != nil {
		s.opts.Metrics.IncSweep("error")
		return tally.snapshot(), fmt.Errorf("scheduler: load products: %w", err)
	}
	products = dedupe(products)
	tally.setProducts(len(products))
	logger.Info("sweep started", slog.Int("products", len(products)))

	jobs := make(chan models.Product)
	var wg sync.WaitGroup
	workers := min(s.opts.Concurrency, len(products))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				if sweepCtx.Err() != nil {
					tally.add(outcomeAbandoned)
					continue
				}
				tally.add(s.checkProduct(sweepCtx, logger, p, tally))
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, p := range products {
			select {
			case jobs <- p:
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Workers still in flight when the context ends discard their results.
	select {
	case <-done:
	case <-sweepCtx.Done():
	}
	status := "completed"
	if sweepCtx.Err() != nil {
		status = "timeout"
		if ctx.Err() != nil {
			status = "cancelled"
		}
	}

	report := tally.finish(s.opts.Now(), status != "completed")
	s.opts.Metrics.IncSweep(status)
	s.opts.Metrics.ObserveSweep(report.Duration)
	logger.Info("sweep finished",
		slog.String("status", status),
		slog.Duration("duration", report.Duration),
		slog.Int("fetched", report.Fetched),
		slog.Int("cached", report.Cached),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Int("alerts", report.Alerts),
	)
	return report, nil
}

func dedupe(products []models.Product) []models.Product {
	seen := make(map[string]struct{}, len(products))
	out := products[:0:0]
	for _, p := range products {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (s *Scheduler) checkProduct(ctx context.Context, logger *slog.Logger, p models.Product, t *tally) outcome {
	logger = logger.With(slog.String("product_id", p.ID))

	res, err := s.fetcher.Get(ctx, p.ID)
	if ctx.Err() != nil {
		return outcomeAbandoned
	}
	if err != nil {
		return s.handleFetchError(ctx, logger, p, err, t)
	}

	observedAt := s.opts.Now()
	if res.Source == models.SourceLive && !res.FetchedAt.IsZero() {
		observedAt = res.FetchedAt
	}
	source := res.Source
	if source == "" {
		source = models.SourceLive
	}
	obs := models.PriceObservation{
		ProductID:  p.ID,
		Price:      res.Price,
		Available:  res.Available,
		ObservedAt: observedAt,
		Source:     source,
	}

	history, err := s.store.GetHistory(ctx, p.ID, s.opts.HistoryDays)
	if err != nil {
		logger.Error("load history failed", slog.Any("error", err))
		return outcomeFailed
	}

	alerts, err := s.classify(ctx, p, obs, history)
	if err != nil {
		logger.Error("load user settings failed", slog.Any("error", err))
		return outcomeFailed
	}

	if ctx.Err() != nil {
		return outcomeAbandoned
	}
	if err := s.store.AppendObservation(ctx, obs); err != nil {
		if ctx.Err() != nil {
			return outcomeAbandoned
		}
		logger.Error("persist observation failed", slog.Any("error", err))
		return outcomeFailed
	}

	for _, a := range alerts {
		s.emit(ctx, logger, p, obs, a, t)
	}

	if source == models.SourceCached {
		return outcomeCached
	}
	return outcomeFetched
}

type ownerAlert struct {
	alert   models.Alert
	enabled bool
}

// classify runs the change detector once per owner, each with their own
// thresholds. History older than the window falls back to the product's
// stored last known price.
func (s *Scheduler) classify(ctx context.Context, p models.Product, obs models.PriceObservation, history []models.PriceObservation) ([]ownerAlert, error) {
	previous, ok := detector.Reference(history, p.LastKnownPrice)
	if !ok {
		return nil, nil
	}

	var alerts []ownerAlert
	for _, userID := range p.OwnerUserIDs {
		settings, err := s.store.UserSettings(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("settings for %s: %w", userID, err)
		}
		res := detector.ClassifyAgainst(obs, previous, detector.Settings{
			BigDiscountThresholdPct: settings.BigDiscountThresholdPct,
			PriceErrorThresholdPct:  s.opts.PriceErrorThresholdPct,
			PriceErrorFloor:         s.opts.PriceErrorFloor,
		})
		if !res.Kind.Notable() {
			continue
		}
		alerts = append(alerts, ownerAlert{
			alert: models.Alert{
				ProductID:     p.ID,
				UserID:        userID,
				Kind:          res.Kind,
				PreviousPrice: res.PreviousPrice,
				NewPrice:      res.NewPrice,
				DiscountPct:   res.DiscountPct,
				TriggeredAt:   obs.ObservedAt,
			},
			enabled: settings.NotificationsEnabled,
		})
	}
	return alerts, nil
}

func (s *Scheduler) emit(ctx context.Context, logger *slog.Logger, p models.Product, obs models.PriceObservation, oa ownerAlert, t *tally) {
	a := oa.alert
	if err := s.store.LogAlert(ctx, a); err != nil {
		logger.Error("log alert failed", slog.String("user_id", a.UserID), slog.Any("error", err))
	}
	s.opts.Metrics.IncAlert(string(a.Kind))
	t.addAlert()

	if !oa.enabled {
		logger.Debug("notifications disabled", slog.String("user_id", a.UserID), slog.String("kind", string(a.Kind)))
		return
	}
	payload := models.AlertPayload{Alert: a, URL: p.URL, Available: obs.Available}
	if err := s.notifier.Notify(ctx, a.UserID, payload); err != nil {
		logger.Warn("alert not delivered",
			slog.String("user_id", a.UserID),
			slog.String("kind", string(a.Kind)),
			slog.Any("error", err),
		)
	}
}

func (s *Scheduler) handleFetchError(ctx context.Context, logger *slog.Logger, p models.Product, err error, t *tally) outcome {
	var backoff *fetchcache.BackoffError
	if errors.As(err, &backoff) {
		reason := "backoff"
		if backoff.Blocked {
			reason = "blocked"
		} else if backoff.CircuitOpen {
			reason = "circuit_open"
		}
		s.opts.Metrics.IncSkipped(reason)
		logger.Debug("product skipped",
			slog.String("reason", reason),
			slog.Duration("retry_after", backoff.RetryAfter),
		)
		return outcomeSkipped
	}

	switch models.FetchErrorKindOf(err) {
	case models.FetchBlocked:
		s.opts.Metrics.IncSkipped("blocked")
		logger.Warn("source is blocking requests", slog.Any("error", err))
		return outcomeSkipped
	case models.FetchNotFound:
		return s.handleNotFound(ctx, logger, p, t)
	default:
		s.opts.Metrics.IncSkipped("transient")
		logger.Info("product fetch failed", slog.Any("error", err))
		return outcomeFailed
	}
}

// handleNotFound marks the product inactive once it has been missing for
// NotFoundThreshold consecutive checks and tells each owner a single time.
func (s *Scheduler) handleNotFound(ctx context.Context, logger *slog.Logger, p models.Product, t *tally) outcome {
	count, err := s.store.RecordNotFound(ctx, p.ID, s.opts.Now())
	if err != nil {
		logger.Error("record not found failed", slog.Any("error", err))
		return outcomeFailed
	}
	logger.Info("product not found", slog.Int("count", count))
	if count < s.opts.NotFoundThreshold {
		return outcomeNotFound
	}

	if err := s.store.MarkInactive(ctx, p.ID); err != nil {
		logger.Error("mark inactive failed", slog.Any("error", err))
		return outcomeFailed
	}
	logger.Warn("product deactivated", slog.Int("not_found_checks", count))

	now := s.opts.Now()
	for _, userID := range p.OwnerUserIDs {
		settings, err := s.store.UserSettings(ctx, userID)
		if err != nil {
			logger.Error("load user settings failed", slog.String("user_id", userID), slog.Any("error", err))
			continue
		}
		notice := models.Alert{ProductID: p.ID, UserID: userID, Kind: models.KindCheckFailed, TriggeredAt: now}
		if p.LastKnownPrice != nil {
			notice.PreviousPrice = *p.LastKnownPrice
		}
		s.emit(ctx, logger, p, models.PriceObservation{}, ownerAlert{alert: notice, enabled: settings.NotificationsEnabled}, t)
	}
	return outcomeDeactivated
}
