package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds tracker configuration.
type Config struct {
	// Sweep
	CheckInterval    time.Duration
	SweepConcurrency int
	SweepTimeout     time.Duration

	// Fetch cache and backoff
	FreshnessWindow        time.Duration
	CacheSize              int
	BackoffBase            time.Duration
	BackoffMultiplier      float64
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int
	CircuitCooldown        time.Duration
	BlockMultiplier        float64
	BlockCooldown          time.Duration

	// Change detection
	BigDiscountThresholdPct     float64
	PriceErrorThresholdPct      float64
	PriceErrorFloor             float64
	DefaultNotificationsEnabled bool

	// Storage
	DatabasePath         string
	HistoryRetentionDays int
	NotFoundThreshold    int

	// Scraper
	ProductURLTemplate   string
	PriceSelector        string
	AvailabilitySelector string
	UserAgent            string
	RequestTimeout       time.Duration
	RequestDelay         time.Duration
	RequestRandomDelay   time.Duration

	// Delivery and operations
	DispatchWorkers int
	WebhookURL      string
	ListenAddr      string
	Verbose         bool
}

// DefaultConfig returns polite defaults for a single-IP deployment.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:    30 * time.Minute,
		SweepConcurrency: 3,
		SweepTimeout:     10 * time.Minute,

		FreshnessWindow:        5 * time.Minute,
		CacheSize:              4096,
		BackoffBase:            5 * time.Second,
		BackoffMultiplier:      2,
		MaxBackoff:             5 * time.Minute,
		MaxConsecutiveFailures: 5,
		CircuitCooldown:        30 * time.Minute,
		BlockMultiplier:        3,
		BlockCooldown:          10 * time.Minute,

		BigDiscountThresholdPct:     40,
		PriceErrorThresholdPct:      80,
		PriceErrorFloor:             1,
		DefaultNotificationsEnabled: true,

		DatabasePath:         "data/tracker.db",
		HistoryRetentionDays: 90,
		NotFoundThreshold:    3,

		ProductURLTemplate:   "https://www.amazon.ca/dp/%s",
		PriceSelector:        "#corePrice_feature_div .a-offscreen, #priceblock_ourprice, .a-price .a-offscreen",
		AvailabilitySelector: "#availability",
		UserAgent:            "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		RequestTimeout:       15 * time.Second,
		RequestDelay:         2 * time.Second,
		RequestRandomDelay:   2 * time.Second,

		DispatchWorkers: 2,
		ListenAddr:      "",
		Verbose:         false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("sweep concurrency must be positive")
	}
	if c.SweepTimeout <= 0 {
		return fmt.Errorf("sweep timeout must be positive")
	}
	if c.FreshnessWindow < 0 {
		return fmt.Errorf("freshness window cannot be negative")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if c.MaxBackoff < c.BackoffBase {
		return fmt.Errorf("max backoff (%s) cannot be below backoff base (%s)", c.MaxBackoff, c.BackoffBase)
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max consecutive failures must be positive")
	}
	if c.CircuitCooldown <= 0 {
		return fmt.Errorf("circuit cooldown must be positive")
	}
	if c.BlockMultiplier < c.BackoffMultiplier {
		return fmt.Errorf("block multiplier (%g) cannot be below backoff multiplier (%g)", c.BlockMultiplier, c.BackoffMultiplier)
	}
	if c.BlockCooldown <= 0 {
		return fmt.Errorf("block cooldown must be positive")
	}
	if c.BigDiscountThresholdPct <= 0 || c.BigDiscountThresholdPct > 100 {
		return fmt.Errorf("big discount threshold must be in (0, 100]")
	}
	if c.PriceErrorThresholdPct <= 0 || c.PriceErrorThresholdPct > 100 {
		return fmt.Errorf("price error threshold must be in (0, 100]")
	}
	if c.PriceErrorFloor < 0 {
		return fmt.Errorf("price error floor cannot be negative")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.HistoryRetentionDays <= 0 {
		return fmt.Errorf("history retention days must be positive")
	}
	if c.NotFoundThreshold <= 0 {
		return fmt.Errorf("not found threshold must be positive")
	}
	if !strings.Contains(c.ProductURLTemplate, "%s") {
		return fmt.Errorf("product URL template must contain %%s")
	}
	parsedURL, err := url.Parse(fmt.Sprintf(c.ProductURLTemplate, "X"))
	if err != nil {
		return fmt.Errorf("invalid product URL template: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("product URL template must include a host")
	}
	if c.PriceSelector == "" {
		return fmt.Errorf("price selector cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.RequestDelay < 0 || c.RequestRandomDelay < 0 {
		return fmt.Errorf("request delay cannot be negative")
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("dispatch workers must be positive")
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid webhook URL %q", c.WebhookURL)
		}
	}

	return nil
}
