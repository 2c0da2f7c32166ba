package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the recognised option names. Pointer fields let a file
// override only the keys it sets.
type fileConfig struct {
	CheckIntervalMinutes        *int     `yaml:"checkIntervalMinutes"`
	SweepConcurrency            *int     `yaml:"sweepConcurrency"`
	SweepTimeoutSeconds         *int     `yaml:"sweepTimeoutSeconds"`
	FreshnessWindowSeconds      *int     `yaml:"freshnessWindowSeconds"`
	CacheSize                   *int     `yaml:"cacheSize"`
	BackoffBaseSeconds          *float64 `yaml:"backoffBaseSeconds"`
	BackoffMultiplier           *float64 `yaml:"backoffMultiplier"`
	MaxBackoffSeconds           *float64 `yaml:"maxBackoffSeconds"`
	MaxConsecutiveFailures      *int     `yaml:"maxConsecutiveFailures"`
	CircuitCooldownSeconds      *int     `yaml:"circuitCooldownSeconds"`
	BlockMultiplier             *float64 `yaml:"blockMultiplier"`
	BlockCooldownSeconds        *int     `yaml:"blockCooldownSeconds"`
	BigDiscountThresholdPct     *float64 `yaml:"bigDiscountThresholdPct"`
	PriceErrorThresholdPct      *float64 `yaml:"priceErrorThresholdPct"`
	PriceErrorFloor             *float64 `yaml:"priceErrorFloor"`
	DefaultNotificationsEnabled *bool    `yaml:"defaultNotificationsEnabled"`
	DatabasePath                *string  `yaml:"databasePath"`
	HistoryRetentionDays        *int     `yaml:"historyRetentionDays"`
	NotFoundThreshold           *int     `yaml:"notFoundThreshold"`
	ProductURLTemplate          *string  `yaml:"productURLTemplate"`
	PriceSelector               *string  `yaml:"priceSelector"`
	AvailabilitySelector        *string  `yaml:"availabilitySelector"`
	UserAgent                   *string  `yaml:"userAgent"`
	RequestTimeoutSeconds       *int     `yaml:"requestTimeoutSeconds"`
	RequestDelayMs              *int     `yaml:"requestDelayMs"`
	RequestRandomDelayMs        *int     `yaml:"requestRandomDelayMs"`
	DispatchWorkers             *int     `yaml:"dispatchWorkers"`
	WebhookURL                  *string  `yaml:"webhookURL"`
	ListenAddr                  *string  `yaml:"listenAddr"`
	Verbose                     *bool    `yaml:"verbose"`
}

// LoadFile reads a YAML file and overlays it on the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := cfg.applyYAML(data); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	setDuration(&c.CheckInterval, fc.CheckIntervalMinutes, time.Minute)
	setInt(&c.SweepConcurrency, fc.SweepConcurrency)
	setDuration(&c.SweepTimeout, fc.SweepTimeoutSeconds, time.Second)
	setDuration(&c.FreshnessWindow, fc.FreshnessWindowSeconds, time.Second)
	setInt(&c.CacheSize, fc.CacheSize)
	setSeconds(&c.BackoffBase, fc.BackoffBaseSeconds)
	setFloat(&c.BackoffMultiplier, fc.BackoffMultiplier)
	setSeconds(&c.MaxBackoff, fc.MaxBackoffSeconds)
	setInt(&c.MaxConsecutiveFailures, fc.MaxConsecutiveFailures)
	setDuration(&c.CircuitCooldown, fc.CircuitCooldownSeconds, time.Second)
	setFloat(&c.BlockMultiplier, fc.BlockMultiplier)
	setDuration(&c.BlockCooldown, fc.BlockCooldownSeconds, time.Second)
	setFloat(&c.BigDiscountThresholdPct, fc.BigDiscountThresholdPct)
	setFloat(&c.PriceErrorThresholdPct, fc.PriceErrorThresholdPct)
	setFloat(&c.PriceErrorFloor, fc.PriceErrorFloor)
	setBool(&c.DefaultNotificationsEnabled, fc.DefaultNotificationsEnabled)
	setString(&c.DatabasePath, fc.DatabasePath)
	setInt(&c.HistoryRetentionDays, fc.HistoryRetentionDays)
	setInt(&c.NotFoundThreshold, fc.NotFoundThreshold)
	setString(&c.ProductURLTemplate, fc.ProductURLTemplate)
	setString(&c.PriceSelector, fc.PriceSelector)
	setString(&c.AvailabilitySelector, fc.AvailabilitySelector)
	setString(&c.UserAgent, fc.UserAgent)
	setDuration(&c.RequestTimeout, fc.RequestTimeoutSeconds, time.Second)
	setDuration(&c.RequestDelay, fc.RequestDelayMs, time.Millisecond)
	setDuration(&c.RequestRandomDelay, fc.RequestRandomDelayMs, time.Millisecond)
	setInt(&c.DispatchWorkers, fc.DispatchWorkers)
	setString(&c.WebhookURL, fc.WebhookURL)
	setString(&c.ListenAddr, fc.ListenAddr)
	setBool(&c.Verbose, fc.Verbose)
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *int, unit time.Duration) {
	if v != nil {
		*dst = time.Duration(*v) * unit
	}
}

func setSeconds(dst *time.Duration, v *float64) {
	if v != nil {
		*dst = time.Duration(*v * float64(time.Second))
	}
}
