package fetchcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// scriptedFetcher replays per-product outcomes; the last outcome repeats.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   map[string]int
	price   decimal.Decimal
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts: make(map[string][]error),
		calls:   make(map[string]int),
		price:   decimal.RequireFromString("42.50"),
	}
}

func (f *scriptedFetcher) script(id string, outcomes ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = outcomes
}

func (f *scriptedFetcher) Fetch(ctx context.Context, id string) (models.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[id]
	f.calls[id] = n + 1

	var err error
	if s := f.scripts[id]; len(s) > 0 {
		if n < len(s) {
			err = s[n]
		} else {
			err = s[len(s)-1]
		}
	}
	if err != nil {
		return models.FetchResult{}, err
	}
	return models.FetchResult{ProductID: id, Price: f.price, Available: true, RawStatus: 200}, nil
}

func (f *scriptedFetcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

var (
	errTransient = &models.FetchError{Kind: models.FetchTransient, Err: errors.New("timeout")}
	errBlocked   = &models.FetchError{Kind: models.FetchBlocked, Err: errors.New("captcha")}
	errNotFound  = &models.FetchError{Kind: models.FetchNotFound, Err: errors.New("404")}
)

func testOptions(clock *fakeClock) Options {
	return Options{
		FreshnessWindow:        5 * time.Minute,
		Size:                   64,
		BackoffBase:            time.Second,
		BackoffMultiplier:      2,
		MaxBackoff:             30 * time.Second,
		MaxConsecutiveFailures: 100,
		CircuitCooldown:        30 * time.Minute,
		BlockMultiplier:        3,
		BlockCooldown:          10 * time.Minute,
		Now:                    clock.Now,
		Rand:                   func() float64 { return 1 },
		Metrics:                NewMetrics(prometheus.NewRegistry()),
	}
}

func newTestCache(t *testing.T, f Fetcher, opts Options) *Cache {
	t.Helper()
	c, err := New(f, opts)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestGetServesFreshEntryWithoutFetch(t *testing.T) {
	clock := newFakeClock()
	f := newScriptedFetcher()
	c := newTestCache(t, f, testOptions(clock))
	ctx := context.Background()

	first, err := c.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	clock.Advance(4 * time.Minute)
	second, err := c.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}

	if got := f.count("P1"); got != 1 {
		t.Fatalf("fetch calls=%d, want 1", got)
	}
	if first.Source != models.SourceLive || second.Source != models.SourceCached {
		t.Fatalf("sources=%q/%q, want live/cached", first.Source, second.Source)
	}
	if !second.Price.Equal(first.Price) || second.Available != first.Available || !second.FetchedAt.Equal(first.FetchedAt) {
		t.Fatalf("cached result %+v differs from live %+v", second, first)
	}

	clock.Advance(time.Minute)
	if _, err := c.Get(ctx, "P1"); err != nil {
		t.Fatalf("third get: %v", err)
	}
	if got := f.count("P1"); got != 2 {
		t.Fatalf("fetch calls after expiry=%d, want 2", got)
	}
}

func TestTransientBackoffNonDecreasingAndBounded(t *testing.T) {
	clock := newFakeClock()
	f := newScriptedFetcher()
	f.script("P1", errTransient, errTransient, errTransient, errTransient, errTransient,
		errTransient, errTransient, errTransient, errTransient, errTransient, nil)
	opts := testOptions(clock)
	c := newTestCache(t, f, opts)
	ctx := context.Background()

	var prev time.Duration
	for i := 1; i <= 10; i++ {
		if _, err := c.Get(ctx, "P1"); !errors.Is(err, errTransient) {
			t.Fatalf("attempt %d: err=%v, want transient", i, err)
		}
		st, ok := c.State("P1")
		if !ok {
			t.Fatalf("attempt %d: no backoff state", i)
		}
		if st.ConsecutiveFailures != i {
			t.Fatalf("attempt %d: failures=%d", i, st.ConsecutiveFailures)
		}
		delay := st.NextAllowedAt.Sub(clock.Now())
		if delay < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", i, delay, prev)
		}
		if delay > opts.MaxBackoff {
			t.Fatalf("attempt %d: delay %v exceeds max %v", i, delay, opts.MaxBackoff)
		}
		prev = delay
		clock.Set(st.NextAllowedAt)
	}

	if _, err := c.Get(ctx, "P1"); err != nil {
		t.Fatalf("recovery get: %v", err)
	}
	if st, ok := c.State("P1"); ok || st.ConsecutiveFailures != 0 {
		t.Fatalf("state after success=%+v, want reset", st)
	}
}

func TestBackoffFailsFastWithoutFetch(t *testing.T) {
	clock := newFakeClock()
	f := newScriptedFetcher()
	f.script("P1", errTransient)
	c := newTestCache(t, f, testOptions(clock))
	ctx := context.Background()

	if _, err := c.Get(ctx, "P1"); err == nil {
		t.Fatalf("expected transient error")
	}
	_, err := c.Get(ctx, "P1")
	var be *BackoffError
	if !errors.As(err, &be) {
		t.Fatalf("err=%v, want *BackoffError", err)
	}
	if be.Global || be.RetryAfter <= 0 {
		t.Fatalf("backoff=%+v, want product scope with positive retry", be)
	}
	if got := f.count("P1"); got != 1 {
		t.Fatalf("fetch calls=%d, want 1", got)
	}
}

func TestBlockedPromotesToGlobalKey(t *testing.T) {
	clock := newFakeClock()
	f := newScriptedFetcher()
	f.script("A", errBlocked)
	opts := testOptions(clock)
	c := newTestCache(t, f, opts)
	ctx := context.Background()

	if _, err := c.Get(ctx, "A"); !errors.Is(err, errBlocked) {
		t.Fatalf("err=%v, want blocked", err)
	}

	clock.Advance(time.Minute)
	_, err := c.Get(ctx, "B")
	var be *BackoffError
	if !errors.As(err, &be) || !be.Global || !be.Blocked {
		t.Fatalf("err=%v, want global blocked backoff", err)
	}
	if got := f.count("B"); got != 0 {
		t.Fatalf("B fetched %d times during cool-down", got)
	}
	if g, ok := c.State(GlobalKey); !ok || !g.Blocked || g.Circuit != CircuitOpen {
		t.Fatalf("global state=%+v", g)
	}

	clock.Advance(opts.BlockCooldown)
	if _, err := c.Get(ctx, "B"); err != nil {
		t.Fatalf("probe get: %v", err)
	}
	if _, ok := c.State(GlobalKey); ok {
		t.Fatalf("global state should clear after successful probe")
	}
	if _, err := c.Get(ctx, "C"); err != nil {
		t.Fatalf("get after recovery: %v", err)
	}
}

func TestRepeatedBlocksEscalateCooldown(t *testing.T) {
	clock := newFakeClock()
	f := newScriptedFetcher()
	f.script("A", errBlocked)
	opts := testOptions(clock)
	c := newTestCache(t, f, opts)
	ctx := context.Background()

	c.Get(ctx, "A")
	first, _ := c.State(GlobalKey)
	clock.Set(first.NextAllowedAt)
	c.Reset("A")
	c.Get(ctx, "A")
	second, _ := c.State(GlobalKey)

	firstWindow := opts.BlockCooldown
	secondWindow := second.NextAllowedAt.Sub(first.NextAllowedAt)
	if secondWindow <= firstWindow {
		t.Fatalf("second cool-down %v should exceed first %v", secondWindow, firstWindow)
	}
	if secondWindow > opts.CircuitCooldown {
		t.Fatalf("cool-down %v exceeds cap %v", secondWindow, opts.CircuitCooldown)
	}
}

func TestGlobalHalfOpenAllowsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	started := make(chan struct{})
	release := make(chan struct{})
	var blockedOnce atomic.Bool
	fetcher := FetchFunc(func(ctx context.Context, id string) (models.FetchResult, error) {
		if blockedOnce.CompareAndSwap(false, true) {
			return models.FetchResult{}, errBlocked
		}
		if id == "SLOW" {
			close(started)
			<-release
		}
		return models.FetchResult{ProductID: id, Price: decimal.NewFromInt(1), Available: true}, nil
	})
	opts := testOptions(clock)
	c := newTestCache(t, fetcher, opts)
	ctx := context.Background()

	c.Get(ctx, "A")
	clock.Advance(opts.BlockCooldown)

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "SLOW")
		done <- err
	}()
	<-started

	_, err := c.Get(ctx, "OTHER")
	var be *BackoffError
	if !errors.As(err, &be) || !be.Global || !be.CircuitOpen {
		t.Fatalf("err=%v, want refusal while probe in flight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if _, err := c.Get(ctx, "OTHER"); err != nil {
		t.Fatalf("get after probe: %v", err)
	}
}

func TestCircuitOpensAfterMaxConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	f := newScriptedFetcher()
	f.script("P1", errTransient, errTransient, errTransient, errTransient, nil)
	opts := testOptions(clock)
	opts.MaxConsecutiveFailures = 3
	c := newTestCache(t, f, opts)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Get(ctx, "P1")
		st, _ := c.State("P1")
		clock.Set(st.NextAllowedAt)
	}
	st, _ := c.State("P1")
	if st.Circuit != CircuitOpen {
		t.Fatalf("circuit=%s after 3 failures, want open", st.Circuit)
	}

	// Back up to just after the third failure: the long cool-down applies.
	clock.Set(st.NextAllowedAt.Add(-opts.CircuitCooldown + opts.MaxBackoff))
	_, err := c.Get(ctx, "P1")
	var be *BackoffError
	if !errors.As(err, &be) || !be.CircuitOpen {
		t.Fatalf("err=%v, want open circuit refusal", err)
	}
	if got := f.count("P1"); got != 3 {
		t.Fatalf("fetch calls=%d, want 3", got)
	}

	// Half-open probe fails: back to open.
	clock.Set(st.NextAllowedAt)
	c.Get(ctx, "P1")
	st, _ = c.State("P1")
	if st.Circuit != CircuitOpen || f.count("P1") != 4 {
		t.Fatalf("after failed probe circuit=%s calls=%d", st.Circuit, f.count("P1"))
	}

	// Next probe succeeds: closed.
	clock.Set(st.NextAllowedAt)
	if _, err := c.Get(ctx, "P1"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if _, ok := c.State("P1"); ok {
		t.Fatalf("state should be cleared after successful probe")
	}
}

func TestNotFoundDoesNotBackoff(t *testing.T) {
	clock := newFakeClock()
	f := newScriptedFetcher()
	f.script("GONE", errNotFound)
	c := newTestCache(t, f, testOptions(clock))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Get(ctx, "GONE")
		if models.FetchErrorKindOf(err) != models.FetchNotFound {
			t.Fatalf("err=%v, want not found", err)
		}
	}
	if got := f.count("GONE"); got != 2 {
		t.Fatalf("fetch calls=%d, want 2", got)
	}
}

func TestAbandonedFetchLeavesStateUntouched(t *testing.T) {
	clock := newFakeClock()
	fetcher := FetchFunc(func(ctx context.Context, id string) (models.FetchResult, error) {
		<-ctx.Done()
		return models.FetchResult{}, ctx.Err()
	})
	c := newTestCache(t, fetcher, testOptions(clock))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Get(ctx, "P1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want canceled", err)
	}
	if _, ok := c.State("P1"); ok {
		t.Fatalf("abandoned fetch should not create backoff state")
	}
	if c.Snapshot().Entries != 0 {
		t.Fatalf("abandoned fetch should not be cached")
	}
}

func TestConcurrentGetsForSameKeyFetchOnce(t *testing.T) {
	clock := newFakeClock()
	f := newScriptedFetcher()
	c := newTestCache(t, f, testOptions(clock))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "P1"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := f.count("P1"); got != 1 {
		t.Fatalf("fetch calls=%d, want 1", got)
	}
}

func TestPurgeExpiredAndSnapshot(t *testing.T) {
	clock := newFakeClock()
	f := newScriptedFetcher()
	f.script("BAD", errTransient)
	c := newTestCache(t, f, testOptions(clock))
	ctx := context.Background()

	c.Get(ctx, "P1")
	c.Get(ctx, "P2")
	c.Get(ctx, "BAD")

	snap := c.Snapshot()
	if snap.Entries != 2 || snap.BackoffKeys != 1 || snap.GlobalBlocked {
		t.Fatalf("snapshot=%+v", snap)
	}

	clock.Advance(10 * time.Minute)
	if purged := c.PurgeExpired(); purged != 2 {
		t.Fatalf("purged=%d, want 2", purged)
	}
	c.Invalidate("P1")
	if c.Snapshot().Entries != 0 {
		t.Fatalf("entries should be empty")
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		expected time.Duration
	}{
		{name: "zero failures is base", failures: 0, expected: time.Second},
		{name: "one failure", failures: 1, expected: 2 * time.Second},
		{name: "four failures", failures: 4, expected: 16 * time.Second},
		{name: "capped", failures: 10, expected: 30 * time.Second},
		{name: "huge exponent", failures: 5000, expected: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BackoffDelay(time.Second, 2, tt.failures, 30*time.Second); got != tt.expected {
				t.Fatalf("BackoffDelay(%d)=%v, want %v", tt.failures, got, tt.expected)
			}
		})
	}
}

func TestTransientBackoffJitterBounds(t *testing.T) {
	tests := []struct {
		name string
		rand float64
		want []time.Duration
	}{
		{name: "no jitter", rand: 0, want: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}},
		{name: "half jitter", rand: 0.5, want: []time.Duration{2200 * time.Millisecond, 4400 * time.Millisecond, 8800 * time.Millisecond}},
		{name: "full jitter", rand: 1, want: []time.Duration{2400 * time.Millisecond, 4800 * time.Millisecond, 9600 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			f := newScriptedFetcher()
			f.script("P1", errTransient, errTransient, errTransient)
			opts := testOptions(clock)
			opts.Rand = func() float64 { return tt.rand }
			c := newTestCache(t, f, opts)

			for i, want := range tt.want {
				if _, err := c.Get(context.Background(), "P1"); !errors.Is(err, errTransient) {
					t.Fatalf("attempt %d: err=%v, want transient", i+1, err)
				}
				st, _ := c.State("P1")
				delay := st.NextAllowedAt.Sub(clock.Now())
				floor := BackoffDelay(opts.BackoffBase, opts.BackoffMultiplier, i+1, opts.MaxBackoff)
				if delay < floor || delay > floor+floor/5 {
					t.Fatalf("attempt %d: delay=%v, want within [%v, %v]", i+1, delay, floor, floor+floor/5)
				}
				if delay != want {
					t.Fatalf("attempt %d: delay=%v, want %v", i+1, delay, want)
				}
				clock.Set(st.NextAllowedAt)
			}
		})
	}
}
