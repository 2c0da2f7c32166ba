package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable the tracker reads.
const EnvPrefix = "TRACKER_"

// EnvString returns the value of TRACKER_<name> when it is set and non-empty.
func EnvString(name string) (string, bool) {
	value, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses TRACKER_<name> as an integer.
func EnvInt(name string) (int, bool, error) {
	value, ok := EnvString(name)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	return parsed, true, nil
}

// EnvFloat parses TRACKER_<name> as a float.
func EnvFloat(name string) (float64, bool, error) {
	value, ok := EnvString(name)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	return parsed, true, nil
}

// ApplyEnv overlays the supported TRACKER_* variables onto c.
func (c *Config) ApplyEnv() error {
	ints := []struct {
		name string
		dst  *int
	}{
		{"SWEEP_CONCURRENCY", &c.SweepConcurrency},
		{"CACHE_SIZE", &c.CacheSize},
		{"MAX_CONSECUTIVE_FAILURES", &c.MaxConsecutiveFailures},
		{"HISTORY_RETENTION_DAYS", &c.HistoryRetentionDays},
		{"NOT_FOUND_THRESHOLD", &c.NotFoundThreshold},
		{"DISPATCH_WORKERS", &c.DispatchWorkers},
	}
	for _, e := range ints {
		v, ok, err := EnvInt(e.name)
		if err != nil {
			return err
		}
		if ok {
			*e.dst = v
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
		unit time.Duration
	}{
		{"CHECK_INTERVAL_MINUTES", &c.CheckInterval, time.Minute},
		{"SWEEP_TIMEOUT_SECONDS", &c.SweepTimeout, time.Second},
		{"FRESHNESS_WINDOW_SECONDS", &c.FreshnessWindow, time.Second},
		{"BACKOFF_BASE_SECONDS", &c.BackoffBase, time.Second},
		{"MAX_BACKOFF_SECONDS", &c.MaxBackoff, time.Second},
		{"CIRCUIT_COOLDOWN_SECONDS", &c.CircuitCooldown, time.Second},
		{"BLOCK_COOLDOWN_SECONDS", &c.BlockCooldown, time.Second},
		{"REQUEST_TIMEOUT_SECONDS", &c.RequestTimeout, time.Second},
	}
	for _, e := range durations {
		v, ok, err := EnvInt(e.name)
		if err != nil {
			return err
		}
		if ok {
			*e.dst = time.Duration(v) * e.unit
		}
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"BACKOFF_MULTIPLIER", &c.BackoffMultiplier},
		{"BLOCK_MULTIPLIER", &c.BlockMultiplier},
		{"BIG_DISCOUNT_THRESHOLD_PCT", &c.BigDiscountThresholdPct},
		{"PRICE_ERROR_THRESHOLD_PCT", &c.PriceErrorThresholdPct},
		{"PRICE_ERROR_FLOOR", &c.PriceErrorFloor},
	}
	for _, e := range floats {
		v, ok, err := EnvFloat(e.name)
		if err != nil {
			return err
		}
		if ok {
			*e.dst = v
		}
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"DATABASE_PATH", &c.DatabasePath},
		{"PRODUCT_URL_TEMPLATE", &c.ProductURLTemplate},
		{"USER_AGENT", &c.UserAgent},
		{"WEBHOOK_URL", &c.WebhookURL},
		{"LISTEN_ADDR", &c.ListenAddr},
	}
	for _, e := range strs {
		if v, ok := EnvString(e.name); ok {
			*e.dst = v
		}
	}
	return nil
}
