// Package dispatch queues alert payloads in front of a notifier so that a slow
// delivery channel never holds up a sweep.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-price-tracker/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrDispatcherClosed is returned when Notify is called after shutdown.
	ErrDispatcherClosed = errors.New("dispatch: closed")
	// ErrDispatcherCloseTimeout is returned when queued deliveries do not drain in time.
	ErrDispatcherCloseTimeout = errors.New("dispatch: close timed out")
)

var drainTimeout = 30 * time.Second

// Notifier delivers one payload to one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload models.AlertPayload) error
}

// Options tune a Dispatcher.
type Options struct {
	QueueSize       int
	DeliveryTimeout time.Duration

	// DedupeSize bounds how many recent alerts are remembered for de-duplication.
	DedupeSize int

	Metrics *Metrics
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.DedupeSize <= 0 {
		o.DedupeSize = 4096
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type job struct {
	userID  string
	payload models.AlertPayload
}

// Dispatcher validates, de-duplicates and delivers payloads on worker goroutines.
// Failed deliveries are logged and counted, never retried.
type Dispatcher struct {
	next  Notifier
	opts  Options
	jobCh chan job

	wg sync.WaitGroup

	seen *lru.Cache[string, struct{}]

	counters counters

	mu     sync.Mutex // guards closed
	closed bool

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New builds a dispatcher delivering to next.
func New(next Notifier, opts Options) (*Dispatcher, error) {
	if next == nil {
		return nil, fmt.Errorf("dispatch: notifier is required")
	}
	opts.defaults()
	seen, err := lru.New[string, struct{}](opts.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: dedupe cache: %w", err)
	}
	return &Dispatcher{
		next:     next,
		opts:     opts,
		jobCh:    make(chan job, opts.QueueSize),
		seen:     seen,
		counters: newCounters(),
		shutdown: make(chan struct{}),
	}, nil
}

// Start launches worker goroutines.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Notify enqueues payload for userID. It blocks only while the queue is full.
func (d *Dispatcher) Notify(ctx context.Context, userID string, payload models.AlertPayload) error {
	if d.isClosed() {
		return ErrDispatcherClosed
	}
	if err := validate(userID, payload); err != nil {
		d.counters.add("invalid")
		d.opts.Metrics.IncNotification("invalid")
		return err
	}
	if !d.markSeen(userID, payload) {
		d.counters.add("duplicate")
		d.opts.Metrics.IncNotification("duplicate")
		return nil
	}
	return d.enqueue(ctx, job{userID: userID, payload: payload})
}

// Close stops accepting payloads and waits for queued ones to be delivered.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.signalShutdown()
	d.closeOnce.Do(func() {
		close(d.jobCh)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		return ErrDispatcherCloseTimeout
	}
}

// GetMetrics returns a snapshot of the delivery counters.
func (d *Dispatcher) GetMetrics() map[string]int64 {
	return d.counters.snapshot()
}

// StartMetricsReporting emits periodic delivery logs until Close.
func (d *Dispatcher) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				snapshot := d.GetMetrics()
				d.opts.Logger.Info("dispatch progress",
					slog.Int64("delivered", snapshot["delivered"]),
					slog.Int64("failed", snapshot["failed"]),
					slog.Int("queued", len(d.jobCh)),
				)
			case <-d.shutdown:
				return
			}
		}
	}()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for j := range d.jobCh {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.DeliveryTimeout)
	defer cancel()

	if err := d.next.Notify(ctx, j.userID, j.payload); err != nil {
		d.counters.add("failed")
		d.opts.Metrics.IncNotification("failed")
		d.opts.Logger.Warn("notification failed",
			slog.String("user_id", j.userID),
			slog.String("product_id", j.payload.ProductID),
			slog.String("kind", string(j.payload.Kind)),
			slog.Any("error", err),
		)
		return
	}
	d.counters.add("delivered")
	d.opts.Metrics.IncNotification("delivered")
}

func validate(userID string, payload models.AlertPayload) error {
	switch {
	case userID == "":
		return fmt.Errorf("dispatch: user id is required")
	case payload.ProductID == "":
		return fmt.Errorf("dispatch: product id is required")
	case !payload.Kind.Notable():
		return fmt.Errorf("dispatch: kind %q is not deliverable", payload.Kind)
	}
	return nil
}

// markSeen reports whether this is the first time the alert was queued.
func (d *Dispatcher) markSeen(userID string, payload models.AlertPayload) bool {
	key := fmt.Sprintf("%s|%s|%s|%d", userID, payload.ProductID, payload.Kind, payload.TriggeredAt.UnixNano())

	found, _ := d.seen.ContainsOrAdd(key, struct{}{})
	return !found
}

func (d *Dispatcher) enqueue(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrDispatcherClosed
		}
	}()

	select {
	case <-d.shutdown:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	case d.jobCh <- j:
		d.counters.add("queued")
		return nil
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) signalShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdown)
	})
}

type counters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newCounters() counters {
	return counters{counts: make(map[string]int64)}
}

func (c *counters) add(result string) {
	c.mu.Lock()
	c.counts[result]++
	c.mu.Unlock()
}

func (c *counters) snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
