package scheduler

import (
	"sync"
	"time"
)

// Report summarises one sweep.
type Report struct {
	SweepID     string        `json:"sweep_id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Products    int           `json:"products"`
	Fetched     int           `json:"fetched"`
	Cached      int           `json:"cached"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	NotFound    int           `json:"not_found"`
	Deactivated int           `json:"deactivated"`
	Abandoned   int           `json:"abandoned"`
	Alerts      int           `json:"alerts"`
	TimedOut    bool          `json:"timed_out"`
}

type outcome int

const (
	outcomeFetched outcome = iota
	outcomeCached
	outcomeSkipped
	outcomeFailed
	outcomeNotFound
	outcomeDeactivated
	outcomeAbandoned
)

// tally is shared by the workers of one sweep. Workers abandoned by a timeout
// may still touch it after Sweep has returned.
type tally struct {
	mu     sync.Mutex
	report Report
}

func (t *tally) setProducts(n int) {
	t.mu.Lock()
	t.report.Products = n
	t.mu.Unlock()
}

func (t *tally) add(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeFetched:
		t.report.Fetched++
	case outcomeCached:
		t.report.Cached++
	case outcomeSkipped:
		t.report.Skipped++
	case outcomeFailed:
		t.report.Failed++
	case outcomeNotFound:
		t.report.NotFound++
	case outcomeDeactivated:
		t.report.NotFound++
		t.report.Deactivated++
	case outcomeAbandoned:
		t.report.Abandoned++
	}
}

func (t *tally) addAlert() {
	t.mu.Lock()
	t.report.Alerts++
	t.mu.Unlock()
}

func (t *tally) finish(now time.Time, timedOut bool) Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Duration = now.Sub(t.report.StartedAt)
	t.report.TimedOut = timedOut
	return t.report
}

func (t *tally) snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}
