// Package fetchcache sits in front of the product fetcher. It serves fresh
// results from memory, spaces out retries after failures, promotes block
// signals to a global cool-down and opens a circuit for keys that keep
// failing. All state is in memory and may start empty after a restart.
package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/aluiziolira/go-price-tracker/config"
	"github.com/aluiziolira/go-price-tracker/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Fetcher is the live fetch collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, productID string) (models.FetchResult, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, productID string) (models.FetchResult, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, productID string) (models.FetchResult, error) {
	return f(ctx, productID)
}

// Options tunes the cache.
type Options struct {
	FreshnessWindow        time.Duration
	Size                   int
	BackoffBase            time.Duration
	BackoffMultiplier      float64
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int
	CircuitCooldown        time.Duration
	BlockMultiplier        float64
	BlockCooldown          time.Duration
	// JitterFraction bounds the random delay added to transient backoff. Default: 0.2.
	JitterFraction float64

	Now     func() time.Time
	Rand    func() float64
	Metrics *Metrics
	Logger  *slog.Logger
}

// OptionsFromConfig maps tracker configuration onto cache options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FreshnessWindow:        cfg.FreshnessWindow,
		Size:                   cfg.CacheSize,
		BackoffBase:            cfg.BackoffBase,
		BackoffMultiplier:      cfg.BackoffMultiplier,
		MaxBackoff:             cfg.MaxBackoff,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		CircuitCooldown:        cfg.CircuitCooldown,
		BlockMultiplier:        cfg.BlockMultiplier,
		BlockCooldown:          cfg.BlockCooldown,
	}
}

func (o *Options) defaults() {
	if o.Size <= 0 {
		o.Size = 4096
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 2
	}
	if o.MaxBackoff < o.BackoffBase {
		o.MaxBackoff = o.BackoffBase
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 5
	}
	if o.CircuitCooldown <= 0 {
		o.CircuitCooldown = 30 * time.Minute
	}
	if o.BlockMultiplier < o.BackoffMultiplier {
		o.BlockMultiplier = o.BackoffMultiplier
	}
	if o.BlockCooldown <= 0 {
		o.BlockCooldown = 10 * time.Minute
	}
	if o.JitterFraction <= 0 {
		o.JitterFraction = 0.2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Cache is the single per-process fetch cache. It is safe for concurrent use.
type Cache struct {
	fetcher Fetcher
	opts    Options
	entries *lru.Cache[string, CacheEntry]

	mu     sync.Mutex // guards states and every BackoffState in it
	states map[string]*BackoffState

	keyMu    sync.Mutex
	keyLocks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Cache in front of fetcher.
func New(fetcher Fetcher, opts Options) (*Cache, error) {
	if fetcher == nil {
		return nil, errors.New("fetchcache: nil fetcher")
	}
	opts.defaults()
	entries, err := lru.New[string, CacheEntry](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("fetchcache: create lru: %w", err)
	}
	return &Cache{
		fetcher:  fetcher,
		opts:     opts,
		entries:  entries,
		states:   make(map[string]*BackoffState),
		keyLocks: make(map[string]*keyLock),
	}, nil
}

// Get returns a fresh cached result, or fails fast with *BackoffError while a
// backoff applies, or performs a live fetch and records its outcome.
func (c *Cache) Get(ctx context.Context, productID string) (models.FetchResult, error) {
	unlock := c.lockKey(productID)
	defer unlock()

	now := c.opts.Now()
	if entry, ok := c.entries.Get(productID); ok {
		if now.Before(entry.ExpiresAt) {
			c.opts.Metrics.IncLookup("hit")
			res := entry.Value
			res.Source = models.SourceCached
			return res, nil
		}
		c.entries.Remove(productID)
	}
	c.opts.Metrics.IncLookup("miss")

	probe, refusal := c.admit(productID, now)
	if refusal != nil {
		c.opts.Metrics.IncSkip(skipScope(refusal))
		return models.FetchResult{}, refusal
	}

	res, err := c.fetcher.Fetch(ctx, productID)
	done := c.opts.Now()
	if err != nil && ctx.Err() != nil {
		c.abandon(productID, probe)
		c.opts.Metrics.IncOutcome("abandoned")
		return models.FetchResult{}, err
	}
	if err == nil {
		c.recordSuccess(productID, probe)
		c.opts.Metrics.IncOutcome("success")
		if res.FetchedAt.IsZero() {
			res.FetchedAt = done
		}
		res.ProductID = productID
		res.Source = models.SourceLive
		c.entries.Add(productID, CacheEntry{
			Key:       productID,
			Value:     res,
			FetchedAt: done,
			ExpiresAt: done.Add(c.opts.FreshnessWindow),
		})
		return res, nil
	}

	kind := models.FetchErrorKindOf(err)
	c.opts.Metrics.IncOutcome(string(kind))
	switch kind {
	case models.FetchBlocked:
		c.recordBlock(productID, probe, done)
	case models.FetchNotFound:
		// The source answered, so it is not blocking us.
		c.recordSuccess(productID, probe)
	default:
		c.recordTransient(productID, probe, done)
	}
	return models.FetchResult{}, err
}

// Invalidate drops the cached result for productID.
func (c *Cache) Invalidate(productID string) {
	c.entries.Remove(productID)
}

// Reset clears the backoff state of key (a product id or GlobalKey).
func (c *Cache) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, key)
}

// State returns a copy of the backoff state for key.
func (c *Cache) State(key string) (BackoffState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok {
		return BackoffState{Key: key}, false
	}
	return *st, true
}

// PurgeExpired removes stale entries and returns how many were dropped.
func (c *Cache) PurgeExpired() int {
	now := c.opts.Now()
	purged := 0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if ok && !now.Before(entry.ExpiresAt) {
			c.entries.Remove(key)
			purged++
		}
	}
	return purged
}

// Snapshot is a point-in-time view of the cache for operators.
type Snapshot struct {
	Entries          int           `json:"entries"`
	BackoffKeys      int           `json:"backoff_keys"`
	OpenCircuits     int           `json:"open_circuits"`
	GlobalBlocked    bool          `json:"global_blocked"`
	GlobalRetryAfter time.Duration `json:"global_retry_after"`
}

// Snapshot returns current counters.
func (c *Cache) Snapshot() Snapshot {
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{Entries: c.entries.Len()}
	for key, st := range c.states {
		if key == GlobalKey {
			s.GlobalBlocked = st.Blocked
			if now.Before(st.NextAllowedAt) {
				s.GlobalRetryAfter = st.NextAllowedAt.Sub(now)
			}
			continue
		}
		s.BackoffKeys++
		if st.Circuit != CircuitClosed {
			s.OpenCircuits++
		}
	}
	return s
}

type probeSet struct {
	global bool
	key    bool
}

func (c *Cache) admit(key string, now time.Time) (probeSet, *BackoffError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var probe probeSet
	if g, ok := c.states[GlobalKey]; ok {
		isProbe, refusal := g.gate(now, c.opts.BackoffBase)
		if refusal != nil {
			return probe, refusal
		}
		probe.global = isProbe
	}
	if st, ok := c.states[key]; ok {
		isProbe, refusal := st.gate(now, c.opts.BackoffBase)
		if refusal != nil {
			if probe.global {
				c.states[GlobalKey].probing = false
			}
			return probeSet{}, refusal
		}
		probe.key = isProbe
	}
	return probe, nil
}

func (c *Cache) abandon(key string, probe probeSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearProbes(key, probe)
}

func (c *Cache) clearProbes(key string, probe probeSet) {
	if g, ok := c.states[GlobalKey]; ok && probe.global {
		g.probing = false
	}
	if st, ok := c.states[key]; ok && probe.key {
		st.probing = false
	}
}

func (c *Cache) recordSuccess(key string, probe probeSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if probe.global {
		delete(c.states, GlobalKey)
		c.opts.Logger.Info("fetchcache: global block cleared", slog.String("probe", key))
	}
	delete(c.states, key)
}

func (c *Cache) recordTransient(key string, probe probeSet, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearProbes(key, probe)

	st := c.stateLocked(key)
	st.ConsecutiveFailures++
	if st.Circuit == CircuitHalfOpen || st.ConsecutiveFailures >= c.opts.MaxConsecutiveFailures {
		c.openLocked(st, now, c.opts.CircuitCooldown)
		return
	}
	delay := BackoffDelay(c.opts.BackoffBase, c.opts.BackoffMultiplier, st.ConsecutiveFailures, c.opts.MaxBackoff)
	delay += time.Duration(c.opts.Rand() * c.opts.JitterFraction * float64(delay))
	if delay > c.opts.MaxBackoff {
		delay = c.opts.MaxBackoff
	}
	st.NextAllowedAt = now.Add(delay)
}

func (c *Cache) recordBlock(key string, probe probeSet, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearProbes(key, probe)

	g := c.stateLocked(GlobalKey)
	g.ConsecutiveFailures++
	g.Blocked = true
	cooldown := BackoffDelay(c.opts.BlockCooldown, c.opts.BlockMultiplier, g.ConsecutiveFailures-1, c.opts.CircuitCooldown)
	if cooldown < c.opts.BlockCooldown {
		cooldown = c.opts.BlockCooldown
	}
	if next := now.Add(cooldown); next.After(g.NextAllowedAt) {
		g.NextAllowedAt = next
	}
	g.Circuit = CircuitOpen

	st := c.stateLocked(key)
	st.ConsecutiveFailures++
	st.Blocked = true
	if st.Circuit == CircuitHalfOpen || st.ConsecutiveFailures >= c.opts.MaxConsecutiveFailures {
		c.openLocked(st, now, c.opts.CircuitCooldown)
	} else {
		delay := BackoffDelay(c.opts.BackoffBase, c.opts.BlockMultiplier, st.ConsecutiveFailures, c.opts.MaxBackoff)
		st.NextAllowedAt = now.Add(delay)
	}

	c.opts.Logger.Warn("fetchcache: block signal, global cool-down",
		slog.String("product_id", key),
		slog.Int("blocks", g.ConsecutiveFailures),
		slog.Duration("cooldown", cooldown),
	)
}

func (c *Cache) openLocked(st *BackoffState, now time.Time, cooldown time.Duration) {
	st.Circuit = CircuitOpen
	st.NextAllowedAt = now.Add(cooldown)
	c.opts.Logger.Warn("fetchcache: circuit open",
		slog.String("key", st.Key),
		slog.Int("failures", st.ConsecutiveFailures),
		slog.Duration("cooldown", cooldown),
	)
}

func (c *Cache) stateLocked(key string) *BackoffState {
	st, ok := c.states[key]
	if !ok {
		st = &BackoffState{Key: key}
		c.states[key] = st
	}
	return st
}

func (c *Cache) lockKey(key string) func() {
	c.keyMu.Lock()
	kl, ok := c.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		c.keyLocks[key] = kl
	}
	kl.refs++
	c.keyMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		c.keyMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(c.keyLocks, key)
		}
		c.keyMu.Unlock()
	}
}

func skipScope(e *BackoffError) string {
	switch {
	case e.Global:
		return "global"
	case e.CircuitOpen:
		return "circuit"
	default:
		return "product"
	}
}

// IsBackoff reports whether err is a fail-fast refusal from the cache.
func IsBackoff(err error) bool {
	var be *BackoffError
	return errors.As(err, &be)
}
