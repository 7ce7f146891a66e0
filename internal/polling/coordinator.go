// Package polling drives periodic location polling: the coordinator turns the active roster
// into prioritised batches and the pool drains them under a hard concurrency ceiling.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"geotrack/internal/config"
	"geotrack/internal/logger"
	"geotrack/internal/metrics"
	"geotrack/internal/model"
	"geotrack/internal/roster"
	"geotrack/internal/signals"
	"geotrack/internal/store"
)

type CoordinatorConfig struct {
	Interval           time.Duration
	ChunkSize          int
	MaxRetries         int
	RosterRetryBackoff time.Duration
}

// CycleResult describes one polling cycle.
type CycleResult struct {
	StartedAt time.Time `json:"startedAt"`
	Workers   int       `json:"workers"`
	Batches   int       `json:"batches"`
	BatchIDs  []string  `json:"batchIds,omitempty"`
}

// Coordinator runs one cycle per interval, measured from cycle start.
type Coordinator struct {
	roster roster.Provider
	queue  store.BatchQueue
	pool   *Pool
	pub    signals.Publisher
	log    *logger.Logger
	now    func() time.Time

	// lifecycle serialises Start and Stop
	lifecycle sync.Mutex
	// cycleMu serialises cycles from the loop and manual triggers
	cycleMu sync.Mutex

	mu        sync.Mutex
	cfg       CoordinatorConfig
	running   bool
	lastStart time.Time
	reset     chan struct{}
	quit      chan struct{}
	done      chan struct{}
}

func NewCoordinator(r roster.Provider, queue store.BatchQueue, pool *Pool, pub signals.Publisher, cfg CoordinatorConfig, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Discard()
	}
	if pub == nil {
		pub = signals.Nop{}
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 50
	}
	if cfg.RosterRetryBackoff <= 0 {
		cfg.RosterRetryBackoff = 30 * time.Second
	}
	return &Coordinator{
		roster: r,
		queue:  queue,
		pool:   pool,
		pub:    pub,
		log:    log.WithField("component", "coordinator"),
		now:    time.Now,
		cfg:    cfg,
		reset:  make(chan struct{}, 1),
	}
}

// Start begins the cycle loop; the first cycle runs immediately. No-op when already running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pool.Start(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.running = true
	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	quit, done := c.quit, c.done
	c.mu.Unlock()

	go c.loop(quit, done)
	c.log.WithField("interval", c.Interval().String()).Info("polling started")
	c.pub.Publish(signals.Event{Kind: signals.Started})
	return nil
}

// Stop halts new cycles and claims, then waits for the in-flight cycle and every processing
// batch to finish. ctx bounds the wait only; nothing in flight is cancelled.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	quit, done := c.quit, c.done
	c.mu.Unlock()

	close(quit)
	poolErr := c.pool.Stop(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for cycle loop: %w", ctx.Err())
	}
	if poolErr != nil {
		return poolErr
	}
	c.log.Info("polling stopped")
	c.pub.Publish(signals.Event{Kind: signals.Stopped})
	return nil
}

func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Interval
}

func (c *Coordinator) Config() CoordinatorConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetInterval validates and applies a new interval. A running loop is re-armed from the last
// cycle start once any in-flight cycle has finished.
func (c *Coordinator) SetInterval(d time.Duration) error {
	if err := config.ValidatePollingInterval(d); err != nil {
		return err
	}
	c.applyInterval(d)
	return nil
}

func (c *Coordinator) applyInterval(d time.Duration) {
	c.mu.Lock()
	c.cfg.Interval = d
	running := c.running
	c.mu.Unlock()
	if running {
		select {
		case c.reset <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) loop(quit, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-quit:
			return
		case <-c.reset:
			c.mu.Lock()
			due := c.lastStart.Add(c.cfg.Interval)
			c.mu.Unlock()
			timer.Reset(time.Until(due))
		case <-timer.C:
			start := c.now()
			_, err := c.RunCycle(context.Background())
			wait := c.Interval() - c.now().Sub(start)
			if errors.Is(err, model.ErrRosterUnavailable) {
				wait = c.Config().RosterRetryBackoff
			}
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}
	}
}

// RunCycle fetches the roster, splits it into batches and enqueues them. Earlier chunks get
// lower priority values and are serviced first.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := c.now()
	c.mu.Lock()
	c.lastStart = start
	cfg := c.cfg
	c.mu.Unlock()
	res := CycleResult{StartedAt: start.UTC()}
	defer func() { metrics.PollingCycleDuration.Observe(c.now().Sub(start).Seconds()) }()

	ids, err := c.roster.ListActiveWorkerIDs(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrRosterUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrRosterUnavailable, err)
		}
		metrics.PollingCycles.WithLabelValues("roster_error").Inc()
		c.log.WithError(err).WithField("retry_in", cfg.RosterRetryBackoff.String()).Warn("roster unavailable")
		c.pub.Publish(signals.Event{Kind: signals.CycleError, Error: err.Error(), WillRetry: true})
		return res, err
	}
	ids = unique(ids)
	res.Workers = len(ids)

	batches := make([]model.PollingBatch, 0, (len(ids)+cfg.ChunkSize-1)/cfg.ChunkSize)
	for i, chunk := range Chunk(ids, cfg.ChunkSize) {
		batches = append(batches, model.PollingBatch{
			ID:          uuid.New().String(),
			MemberIDs:   chunk,
			Status:      model.BatchPending,
			Priority:    i,
			ScheduledAt: start.UTC(),
			MaxRetries:  cfg.MaxRetries,
		})
	}
	if len(batches) > 0 {
		if err := c.queue.EnqueueBatches(ctx, batches); err != nil {
			metrics.PollingCycles.WithLabelValues("enqueue_error").Inc()
			c.log.WithError(err).Error("enqueue batches failed")
			c.pub.Publish(signals.Event{Kind: signals.CycleError, Error: err.Error()})
			return res, fmt.Errorf("enqueue batches: %w", err)
		}
	}
	for _, b := range batches {
		res.BatchIDs = append(res.BatchIDs, b.ID)
	}
	res.Batches = len(batches)
	c.pool.Wake()

	metrics.PollingCycles.WithLabelValues("ok").Inc()
	c.log.WithFields(logger.Fields{"workers": res.Workers, "batches": res.Batches}).Info("polling cycle enqueued")
	c.pub.Publish(signals.Event{Kind: signals.CycleCompleted, Data: map[string]any{
		"workers": res.Workers, "batches": res.Batches,
	}})
	return res, nil
}

// Chunk splits ids into consecutive slices of at most size.
func Chunk(ids []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, append([]string(nil), ids[start:end]...))
	}
	return out
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
