package fetchcache

import (
	"fmt"
	"math"
	"time"

	"github.com/aluiziolira/go-price-tracker/models"
)

// GlobalKey is the backoff key shared by every product while the source is
// blocking the caller.
const GlobalKey = "*global*"

// CircuitState is the breaker position of one backoff key.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Fetches pass, subject to NextAllowedAt.
	CircuitOpen                         // Fetches fail fast until NextAllowedAt.
	CircuitHalfOpen                     // One probe fetch allowed.
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("circuit(%d)", int(s))
	}
}

// CacheEntry is a fresh fetch result held by the cache.
type CacheEntry struct {
	Key       string
	Value     models.FetchResult
	FetchedAt time.Time
	ExpiresAt time.Time
}

// BackoffState tracks failures for a product id or for GlobalKey.
type BackoffState struct {
	Key                 string       `json:"key"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	NextAllowedAt       time.Time    `json:"next_allowed_at"`
	Blocked             bool         `json:"blocked"`
	Circuit             CircuitState `json:"circuit"`

	probing bool
}

// BackoffError is returned when the cache refuses to call the fetcher.
type BackoffError struct {
	Key         string
	RetryAfter  time.Duration
	Global      bool
	CircuitOpen bool
	Blocked     bool
}

func (e *BackoffError) Error() string {
	scope := "product"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("fetchcache: %s backoff for %s, retry after %s", scope, e.Key, e.RetryAfter)
}

// BackoffDelay is base * multiplier^failures capped at max.
func BackoffDelay(base time.Duration, multiplier float64, failures int, max time.Duration) time.Duration {
	if failures < 0 {
		failures = 0
	}
	delay := float64(base) * math.Pow(multiplier, float64(failures))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(max) {
		return max
	}
	return time.Duration(delay)
}

// gate decides whether st lets a fetch through at now. A half-open state lets
// exactly one probe through; the returned flag marks the caller as the probe.
func (st *BackoffState) gate(now time.Time, probeRetry time.Duration) (bool, *BackoffError) {
	switch st.Circuit {
	case CircuitOpen:
		if now.Before(st.NextAllowedAt) {
			return false, st.refusal(st.NextAllowedAt.Sub(now), true)
		}
		st.Circuit = CircuitHalfOpen
		fallthrough
	case CircuitHalfOpen:
		if st.probing {
			return false, st.refusal(probeRetry, true)
		}
		st.probing = true
		return true, nil
	default:
		if now.Before(st.NextAllowedAt) {
			return false, st.refusal(st.NextAllowedAt.Sub(now), false)
		}
		return false, nil
	}
}

func (st *BackoffState) refusal(retryAfter time.Duration, circuitOpen bool) *BackoffError {
	return &BackoffError{
		Key:         st.Key,
		RetryAfter:  retryAfter,
		Global:      st.Key == GlobalKey,
		CircuitOpen: circuitOpen,
		Blocked:     st.Blocked,
	}
}
