package polling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"geotrack/internal/config"
	"geotrack/internal/logger"
	"geotrack/internal/metrics"
	"geotrack/internal/model"
	"geotrack/internal/signals"
	"geotrack/internal/store"
)

// BatchHandler polls and persists every member of a batch. A non-nil error is a batch-level
// failure; per-member failures only show up in the counts.
type BatchHandler interface {
	Process(ctx context.Context, b model.PollingBatch) (success, failure int, err error)
}

type PoolConfig struct {
	MaxConcurrent    int
	DispatchInterval time.Duration
	StaleAfter       time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

// Pool drains the batch queue with at most MaxConcurrent batches in processing.
type Pool struct {
	queue   store.BatchQueue
	handler BatchHandler
	pub     signals.Publisher
	log     *logger.Logger
	now     func() time.Time
	cfg     PoolConfig

	mu      sync.Mutex
	max     int
	active  int
	halted  bool
	running bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	batches sync.WaitGroup
}

func NewPool(queue store.BatchQueue, handler BatchHandler, pub signals.Publisher, cfg PoolConfig, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Discard()
	}
	if pub == nil {
		pub = signals.Nop{}
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	ceiling := cfg.MaxConcurrent
	if ceiling < 1 {
		ceiling = 1
	}
	return &Pool{
		queue:   queue,
		handler: handler,
		pub:     pub,
		log:     log.WithField("component", "pool"),
		now:     time.Now,
		cfg:     cfg,
		max:     ceiling,
		halted:  true,
		wake:    make(chan struct{}, 1),
	}
}

// Start resets stale batches and begins dispatching. Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.halted = false
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	quit, done := p.quit, p.done
	p.mu.Unlock()

	if p.cfg.StaleAfter > 0 {
		n, err := p.queue.ResetStaleBatches(ctx, p.now().Add(-p.cfg.StaleAfter))
		if err != nil {
			p.log.WithError(err).Warn("reset stale batches failed")
		} else if n > 0 {
			p.log.WithField("count", n).Info("reset stale processing batches")
		}
	}
	go p.loop(quit, done)
	p.Wake()
	return nil
}

func (p *Pool) loop(quit, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-p.wake:
			p.dispatch()
		case <-ticker.C:
			p.dispatch()
		}
	}
}

// Wake asks the dispatcher to claim work now.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch claims due batches until the ceiling is reached or the queue has nothing due.
// Claims happen under p.mu so Stop cannot race a claim into processing.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		if p.halted || p.active >= p.max {
			p.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		b, ok, err := p.queue.ClaimNextBatch(ctx, p.now())
		cancel()
		if err != nil || !ok {
			p.mu.Unlock()
			if err != nil {
				p.log.WithError(err).Warn("claim batch failed")
			}
			return
		}
		p.active++
		p.batches.Add(1)
		metrics.BatchesProcessing.Set(float64(p.active))
		p.mu.Unlock()
		go p.run(b)
	}
}

func (p *Pool) run(b model.PollingBatch) {
	defer func() {
		p.mu.Lock()
		p.active--
		metrics.BatchesProcessing.Set(float64(p.active))
		p.mu.Unlock()
		p.batches.Done()
		p.Wake()
	}()
	// in-flight work is never cancelled by Stop
	ctx := context.Background()
	start := p.now()
	log := p.log.WithFields(logger.Fields{"batch_id": b.ID, "members": len(b.MemberIDs), "retry": b.RetryCount})

	success, failure, err := p.handler.Process(ctx, b)
	if err == nil {
		if cerr := p.queue.CompleteBatch(ctx, b.ID, success, failure, p.now()); cerr != nil {
			err = &model.BatchPersistenceFailure{BatchID: b.ID, Op: "complete", Err: cerr}
		}
	}
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.BatchOutcomes.WithLabelValues("completed").Inc()
		log.WithFields(logger.Fields{"success": success, "failure": failure}).Info("batch completed")
		p.pub.Publish(signals.Event{Kind: signals.BatchCompleted, BatchID: b.ID, Data: map[string]any{
			"successCount": success, "failureCount": failure,
		}})
		return
	}
	p.fail(ctx, b, err, log)
}

// fail requeues with backoff while retries remain, else marks the batch failed.
func (p *Pool) fail(ctx context.Context, b model.PollingBatch, cause error, log *logger.Logger) {
	retry := b.RetryCount + 1
	details := cause.Error()
	if retry <= b.MaxRetries {
		next := p.now().Add(p.backoff(retry))
		if err := p.queue.RequeueBatch(ctx, b.ID, retry, next, details); err != nil {
			log.WithError(err).Error("requeue batch failed; left for stale recovery")
			return
		}
		metrics.BatchOutcomes.WithLabelValues("retry").Inc()
		log.WithError(cause).WithField("next_attempt", next).Warn("batch failed; requeued")
		p.pub.Publish(signals.Event{Kind: signals.BatchError, BatchID: b.ID, WillRetry: true, Error: details,
			Data: map[string]any{"retryCount": retry}})
		return
	}
	if err := p.queue.FailBatch(ctx, b.ID, retry, details, p.now()); err != nil {
		log.WithError(err).Error("mark batch failed failed; left for stale recovery")
		return
	}
	metrics.BatchOutcomes.WithLabelValues("failed").Inc()
	log.WithError(cause).Error("batch permanently failed")
	p.pub.Publish(signals.Event{Kind: signals.BatchError, BatchID: b.ID, WillRetry: false, Error: details,
		Data: map[string]any{"retryCount": retry}})
}

// backoff doubles from BackoffBase per retry, capped at BackoffMax.
func (p *Pool) backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > 16 {
		retry = 16
	}
	d := p.cfg.BackoffBase * time.Duration(1<<(retry-1))
	if d > p.cfg.BackoffMax {
		d = p.cfg.BackoffMax
	}
	return d
}

// Stop prevents new claims immediately and waits for in-flight batches to reach a terminal
// state or ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.halted = true
	quit, done, running := p.quit, p.done, p.running
	p.running = false
	p.mu.Unlock()
	if running {
		close(quit)
		<-done
	}
	finished := make(chan struct{})
	go func() {
		p.batches.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight batches: %w", ctx.Err())
	}
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// SetMaxConcurrent changes the ceiling. Lowering it never interrupts running batches; new
// claims wait until the active count drops below the new value.
func (p *Pool) SetMaxConcurrent(n int) error {
	if err := config.ValidateMaxConcurrentBatches(n); err != nil {
		return err
	}
	p.mu.Lock()
	p.max = n
	p.mu.Unlock()
	p.Wake()
	return nil
}
