package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-tracker/fetchcache"
	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/aluiziolira/go-price-tracker/storage"
	"github.com/shopspring/decimal"
)

var baseTime = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, productID string) (models.FetchResult, error)
}

func newFakeFetcher(fn func(ctx context.Context, productID string) (models.FetchResult, error)) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), fn: fn}
}

func (f *fakeFetcher) Get(ctx context.Context, productID string) (models.FetchResult, error) {
	f.mu.Lock()
	f.calls[productID]++
	f.mu.Unlock()
	return f.fn(ctx, productID)
}

func (f *fakeFetcher) Fetch(ctx context.Context, productID string) (models.FetchResult, error) {
	return f.Get(ctx, productID)
}

func (f *fakeFetcher) Calls(productID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[productID]
}

func (f *fakeFetcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type notification struct {
	userID  string
	payload models.AlertPayload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, payload models.AlertPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{userID: userID, payload: payload})
	return n.err
}

func (n *recordingNotifier) Sent() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func liveResult(p string) func(context.Context, string) (models.FetchResult, error) {
	return func(_ context.Context, id string) (models.FetchResult, error) {
		return models.FetchResult{ProductID: id, Price: price(p), Available: true, RawStatus: 200, Source: models.SourceLive}, nil
	}
}

type harness struct {
	store    *storage.Store
	clock    *fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: baseTime}
	store, err := storage.OpenMemory(storage.Options{
		DefaultBigDiscountThresholdPct: 40,
		DefaultNotificationsEnabled:    true,
		Now:                            clock.Now,
	})
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &harness{store: store, clock: clock, notifier: &recordingNotifier{}}
}

func (h *harness) track(t *testing.T, id string, lastPrice string, owners ...string) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.UpsertProduct(ctx, models.Product{ID: id, URL: "https://shop.test/dp/" + id, OwnerUserIDs: owners}); err != nil {
		t.Fatalf("UpsertProduct failed: %v", err)
	}
	if lastPrice == "" {
		return
	}
	obs := models.PriceObservation{ProductID: id, Price: price(lastPrice), Available: true, ObservedAt: baseTime.Add(-time.Hour), Source: models.SourceLive}
	if err := h.store.AppendObservation(ctx, obs); err != nil {
		t.Fatalf("AppendObservation failed: %v", err)
	}
}

func (h *harness) scheduler(t *testing.T, fetcher Fetcher, mutate func(*Options)) *Scheduler {
	t.Helper()
	opts := Options{
		Interval:               time.Hour,
		Concurrency:            3,
		SweepTimeout:           5 * time.Second,
		HistoryDays:            90,
		NotFoundThreshold:      2,
		PriceErrorThresholdPct: 80,
		PriceErrorFloor:        decimal.NewFromInt(1),
		Now:                    h.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(h.store, fetcher, h.notifier, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestSweepBigDiscountAlertsEveryOwner(t *testing.T) {
	h := newHarness(t)
	h.track(t, "P", "100.00", "alice", "bob")
	s := h.scheduler(t, newFakeFetcher(liveResult("55.00")), nil)

	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Fetched != 1 || report.Alerts != 2 || report.SweepID == "" {
		t.Fatalf("report=%+v", report)
	}

	sent := h.notifier.Sent()
	if len(sent) != 2 {
		t.Fatalf("notifications=%d, want 2", len(sent))
	}
	owners := map[string]bool{}
	for _, n := range sent {
		owners[n.userID] = true
		if n.payload.Kind != models.KindBigDiscount {
			t.Fatalf("kind=%q, want big_discount", n.payload.Kind)
		}
		if !n.payload.DiscountPct.Equal(price("45")) || !n.payload.PreviousPrice.Equal(price("100")) {
			t.Fatalf("payload=%+v", n.payload)
		}
		if n.payload.URL != "https://shop.test/dp/P" {
			t.Fatalf("url=%q", n.payload.URL)
		}
	}
	if !owners["alice"] || !owners["bob"] {
		t.Fatalf("owners notified=%v", owners)
	}

	history, err := h.store.GetHistory(context.Background(), "P", 0)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 2 || !history[1].Price.Equal(price("55")) {
		t.Fatalf("history=%+v", history)
	}
	product, err := h.store.GetProduct(context.Background(), "P")
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if product.LastCheckedAt == nil || !product.LastCheckedAt.Equal(baseTime) {
		t.Fatalf("lastCheckedAt=%v, want %v", product.LastCheckedAt, baseTime)
	}

	logged, err := h.store.RecentAlerts(context.Background(), models.KindBigDiscount, 7)
	if err != nil {
		t.Fatalf("RecentAlerts failed: %v", err)
	}
	if len(logged) != 2 {
		t.Fatalf("alerts log=%d, want 2", len(logged))
	}
}

func TestSweepMeasuresAgainstStoredPriceOutsideHistoryWindow(t *testing.T) {
	h := newHarness(t)
	h.track(t, "P", "", "alice")
	ctx := context.Background()
	old := []models.PriceObservation{
		{ProductID: "P", Price: price("100.00"), Available: true, ObservedAt: baseTime.AddDate(0, 0, -120), Source: models.SourceLive},
		{ProductID: "P", Price: price("0"), Available: false, ObservedAt: baseTime.AddDate(0, 0, -5), Source: models.SourceLive},
	}
	for _, o := range old {
		if err := h.store.AppendObservation(ctx, o); err != nil {
			t.Fatalf("AppendObservation failed: %v", err)
		}
	}
	s := h.scheduler(t, newFakeFetcher(liveResult("55.00")), nil)

	report, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Alerts != 1 {
		t.Fatalf("alerts=%d, want 1", report.Alerts)
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 || sent[0].payload.Kind != models.KindBigDiscount {
		t.Fatalf("sent=%+v, want one big_discount", sent)
	}
	if !sent[0].payload.PreviousPrice.Equal(price("100")) || !sent[0].payload.DiscountPct.Equal(price("45")) {
		t.Fatalf("payload=%+v, want previous 100 discount 45", sent[0].payload)
	}
}

func TestSweepPriceErrorBeatsBigDiscount(t *testing.T) {
	h := newHarness(t)
	h.track(t, "P", "100.00", "alice")
	s := h.scheduler(t, newFakeFetcher(liveResult("5.00")), nil)

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("notifications=%d, want 1", len(sent))
	}
	if sent[0].payload.Kind != models.KindPriceError || !sent[0].payload.DiscountPct.Equal(price("95")) {
		t.Fatalf("payload=%+v, want price_error 95", sent[0].payload)
	}
}

func TestSweepBlockedLeavesProductUntouched(t *testing.T) {
	h := newHarness(t)
	h.track(t, "Q", "100.00", "alice")
	fetcher := newFakeFetcher(func(context.Context, string) (models.FetchResult, error) {
		return models.FetchResult{}, &models.FetchError{Kind: models.FetchBlocked, Err: errors.New("captcha")}
	})
	cache, err := fetchcache.New(fetcher, fetchcache.Options{
		FreshnessWindow: 5 * time.Minute,
		BlockCooldown:   10 * time.Minute,
		Now:             h.clock.Now,
		Rand:            func() float64 { return 0 },
	})
	if err != nil {
		t.Fatalf("fetchcache.New failed: %v", err)
	}
	s := h.scheduler(t, cache, nil)

	before, err := h.store.GetProduct(context.Background(), "Q")
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Minute)
		report, err := s.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		if report.Skipped != 1 || report.Alerts != 0 {
			t.Fatalf("sweep %d report=%+v", i, report)
		}
	}
	if calls := fetcher.Calls("Q"); calls != 1 {
		t.Fatalf("fetch calls=%d, want 1 while globally blocked", calls)
	}

	after, err := h.store.GetProduct(context.Background(), "Q")
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if !after.LastCheckedAt.Equal(*before.LastCheckedAt) {
		t.Fatalf("lastCheckedAt=%v, want unchanged %v", after.LastCheckedAt, before.LastCheckedAt)
	}
	if len(h.notifier.Sent()) != 0 {
		t.Fatalf("blocked fetch must not notify")
	}
	history, _ := h.store.GetHistory(context.Background(), "Q", 0)
	if len(history) != 1 {
		t.Fatalf("history=%d, want 1", len(history))
	}
}

func TestSweepFetchesEachProductOnceUnderBoundedConcurrency(t *testing.T) {
	h := newHarness(t)
	ids := []string{"P0", "P1", "P2", "P3", "P4", "P5", "P6", "P7", "P8", "P9"}
	for _, id := range ids {
		h.track(t, id, "", "alice")
	}

	release := make(chan struct{})
	started := make(chan string, len(ids))
	var inFlight, maxInFlight atomic.Int32
	fetcher := newFakeFetcher(func(_ context.Context, id string) (models.FetchResult, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		started <- id
		<-release
		inFlight.Add(-1)
		return models.FetchResult{ProductID: id, Price: price("10.00"), Available: true, Source: models.SourceLive}, nil
	})
	s := h.scheduler(t, fetcher, func(o *Options) { o.Concurrency = 3 })

	type result struct {
		report Report
		err    error
	}
	first := make(chan result, 1)
	go func() {
		report, err := s.Sweep(context.Background())
		first <- result{report, err}
	}()

	for i := 0; i < 3; i++ {
		<-started
	}
	if _, err := s.Sweep(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("second sweep err=%v, want ErrSweepInProgress", err)
	}
	close(release)

	res := <-first
	if res.err != nil {
		t.Fatalf("Sweep failed: %v", res.err)
	}
	if res.report.Products != 10 || res.report.Fetched != 10 {
		t.Fatalf("report=%+v", res.report)
	}
	for _, id := range ids {
		if calls := fetcher.Calls(id); calls != 1 {
			t.Fatalf("%s fetched %d times, want 1", id, calls)
		}
	}
	if got := maxInFlight.Load(); got > 3 {
		t.Fatalf("max in flight=%d, want <= 3", got)
	}
	if s.Running() {
		t.Fatalf("sweep flag still set")
	}
}

func TestSweepTimeoutDiscardsInFlightResults(t *testing.T) {
	h := newHarness(t)
	h.track(t, "SLOW", "100.00", "alice")

	var hang atomic.Bool
	hang.Store(true)
	fetcher := newFakeFetcher(func(ctx context.Context, id string) (models.FetchResult, error) {
		if hang.Load() {
			<-ctx.Done()
			return models.FetchResult{}, ctx.Err()
		}
		return models.FetchResult{ProductID: id, Price: price("90.00"), Available: true, Source: models.SourceLive}, nil
	})
	s := h.scheduler(t, fetcher, func(o *Options) { o.SweepTimeout = 50 * time.Millisecond })

	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if !report.TimedOut {
		t.Fatalf("report=%+v, want timed out", report)
	}
	if s.Running() {
		t.Fatalf("sweep flag not released after timeout")
	}
	history, _ := h.store.GetHistory(context.Background(), "SLOW", 0)
	if len(history) != 1 {
		t.Fatalf("history=%d, want abandoned fetch discarded", len(history))
	}

	hang.Store(false)
	report, err = s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}
	if report.TimedOut || report.Fetched != 1 {
		t.Fatalf("second report=%+v", report)
	}
}

func TestSweepNotFoundDeactivatesAndNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.track(t, "GONE", "25.00", "alice", "bob")
	fetcher := newFakeFetcher(func(context.Context, string) (models.FetchResult, error) {
		return models.FetchResult{}, &models.FetchError{Kind: models.FetchNotFound, Err: errors.New("404")}
	})
	s := h.scheduler(t, fetcher, func(o *Options) { o.NotFoundThreshold = 2 })

	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.NotFound != 1 || report.Deactivated != 0 || len(h.notifier.Sent()) != 0 {
		t.Fatalf("first report=%+v sent=%d", report, len(h.notifier.Sent()))
	}

	report, err = s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Deactivated != 1 {
		t.Fatalf("second report=%+v", report)
	}
	sent := h.notifier.Sent()
	if len(sent) != 2 {
		t.Fatalf("notices=%d, want one per owner", len(sent))
	}
	for _, n := range sent {
		if n.payload.Kind != models.KindCheckFailed {
			t.Fatalf("kind=%q, want check_failed", n.payload.Kind)
		}
	}

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if calls := fetcher.Calls("GONE"); calls != 2 {
		t.Fatalf("fetch calls=%d, want 2 (inactive product not swept)", calls)
	}
	if len(h.notifier.Sent()) != 2 {
		t.Fatalf("notice repeated")
	}
}

func TestSweepRespectsNotificationsDisabled(t *testing.T) {
	h := newHarness(t)
	h.track(t, "P", "100.00", "alice", "bob")
	if err := h.store.UpsertUserSettings(context.Background(), models.UserSettings{UserID: "bob", BigDiscountThresholdPct: 40, NotificationsEnabled: false}); err != nil {
		t.Fatalf("UpsertUserSettings failed: %v", err)
	}
	h.notifier.err = errors.New("smtp down")
	s := h.scheduler(t, newFakeFetcher(liveResult("90.00")), nil)

	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Failed != 0 || report.Fetched != 1 {
		t.Fatalf("delivery failure must not fail the product: %+v", report)
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 || sent[0].userID != "alice" || sent[0].payload.Kind != models.KindPriceDrop {
		t.Fatalf("sent=%+v, want one price_drop to alice", sent)
	}
	logged, _ := h.store.RecentAlerts(context.Background(), models.KindPriceDrop, 1)
	if len(logged) != 2 {
		t.Fatalf("alerts log=%d, want both owners audited", len(logged))
	}
}

func TestSweepPerOwnerThresholds(t *testing.T) {
	h := newHarness(t)
	h.track(t, "P", "100.00", "alice", "bob")
	if err := h.store.UpsertUserSettings(context.Background(), models.UserSettings{UserID: "bob", BigDiscountThresholdPct: 20, NotificationsEnabled: true}); err != nil {
		t.Fatalf("UpsertUserSettings failed: %v", err)
	}
	s := h.scheduler(t, newFakeFetcher(liveResult("75.00")), nil)

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	kinds := map[string]models.AlertKind{}
	for _, n := range h.notifier.Sent() {
		kinds[n.userID] = n.payload.Kind
	}
	if kinds["alice"] != models.KindPriceDrop || kinds["bob"] != models.KindBigDiscount {
		t.Fatalf("kinds=%v", kinds)
	}
}

func TestSweepServesCachedResultsWithinFreshnessWindow(t *testing.T) {
	h := newHarness(t)
	h.track(t, "P", "", "alice")
	fetcher := newFakeFetcher(liveResult("20.00"))
	cache, err := fetchcache.New(fetcher, fetchcache.Options{FreshnessWindow: 5 * time.Minute, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("fetchcache.New failed: %v", err)
	}
	s := h.scheduler(t, cache, nil)

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	h.clock.Advance(time.Minute)
	report, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Cached != 1 || fetcher.Total() != 1 {
		t.Fatalf("report=%+v fetches=%d", report, fetcher.Total())
	}

	history, _ := h.store.GetHistory(context.Background(), "P", 0)
	if len(history) != 2 || history[1].Source != models.SourceCached {
		t.Fatalf("history=%+v, want cached second observation", history)
	}
	if len(h.notifier.Sent()) != 0 {
		t.Fatalf("unchanged price must not alert")
	}
}

func TestRunSweepsImmediatelyAndStops(t *testing.T) {
	h := newHarness(t)
	h.track(t, "P", "", "alice")
	called := make(chan struct{}, 1)
	fetcher := newFakeFetcher(func(_ context.Context, id string) (models.FetchResult, error) {
		select {
		case called <- struct{}{}:
		default:
		}
		return models.FetchResult{ProductID: id, Price: price("1.50"), Available: true, Source: models.SourceLive}, nil
	})
	s := h.scheduler(t, fetcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatalf("first sweep did not start")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestMaybePruneRunsOncePerInterval(t *testing.T) {
	h := newHarness(t)
	h.track(t, "P", "", "alice")
	ctx := context.Background()
	old := models.PriceObservation{ProductID: "P", Price: price("3.00"), Available: true, ObservedAt: baseTime.AddDate(0, 0, -120)}
	if err := h.store.AppendObservation(ctx, old); err != nil {
		t.Fatalf("AppendObservation failed: %v", err)
	}
	s := h.scheduler(t, newFakeFetcher(liveResult("3.00")), func(o *Options) { o.RetentionDays = 90 })

	s.maybePrune(ctx)
	history, _ := h.store.GetHistory(ctx, "P", 0)
	if len(history) != 0 {
		t.Fatalf("history=%d, want pruned", len(history))
	}
	first := s.lastPrune

	h.clock.Advance(time.Hour)
	s.maybePrune(ctx)
	if !s.lastPrune.Equal(first) {
		t.Fatalf("pruned again within interval")
	}
	h.clock.Advance(24 * time.Hour)
	s.maybePrune(ctx)
	if s.lastPrune.Equal(first) {
		t.Fatalf("prune did not run after interval")
	}
}
