// Package webhooks forwards engine signals to an external HTTP endpoint, signed with a shared
// secret and retried with exponential backoff.
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"geotrack/internal/buildinfo"
	"geotrack/internal/logger"
	"geotrack/internal/metrics"
	"geotrack/internal/signals"
)

type Config struct {
	URL         string
	Secret      string
	Kinds       []signals.Kind
	MaxAttempts int
	Timeout     time.Duration
	// QueueSize bounds pending deliveries; the oldest is dropped when full.
	QueueSize int
}

type delivery struct {
	kind     signals.Kind
	body     []byte
	attempts int
	next     time.Time
}

// Worker subscribes to the broker and delivers matching signals. Delivery order is not
// guaranteed once retries are involved.
type Worker struct {
	broker signals.EventBroker
	client *resty.Client
	cfg    Config
	log    *logger.Logger
	now    func() time.Time
	tick   time.Duration

	mu    sync.Mutex
	queue []*delivery

	ch     chan signals.Event
	wake   chan struct{}
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(broker signals.EventBroker, cfg Config, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	client := resty.New().SetTimeout(cfg.Timeout).SetHeader("Content-Type", "application/json").SetHeader("User-Agent", buildinfo.UserAgent())
	return &Worker{broker: broker, client: client, cfg: cfg, log: log.WithField("component", "webhooks"), now: time.Now, tick: time.Second}
}

func (w *Worker) Start() {
	w.ch = w.broker.Subscribe(w.cfg.Kinds...)
	w.wake = make(chan struct{}, 1)
	w.stop = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(2)
	go w.drain()
	go w.deliver(ctx)
}

// drain moves signals from the subscription into the queue. It never posts, so a slow
// endpoint cannot back up the broker.
func (w *Worker) drain() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case evt, ok := <-w.ch:
			if !ok {
				return
			}
			w.enqueue(evt)
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Worker) deliver(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
			w.processOnce(ctx)
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

// Stop unsubscribes, aborts an in-flight delivery and waits for both goroutines.
// Undelivered events are dropped.
func (w *Worker) Stop() {
	close(w.stop)
	w.cancel()
	w.wg.Wait()
	w.broker.Unsubscribe(w.ch)
	w.mu.Lock()
	if n := len(w.queue); n > 0 {
		w.log.WithField("pending", n).Warn("dropping undelivered webhooks")
	}
	w.queue = nil
	w.mu.Unlock()
}

func (w *Worker) enqueue(evt signals.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.log.WithError(err).Error("encode signal")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) >= w.cfg.QueueSize {
		w.queue = w.queue[1:]
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
	}
	w.queue = append(w.queue, &delivery{kind: evt.Kind, body: body, next: w.now()})
}

// Pending reports queued deliveries.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) processOnce(ctx context.Context) {
	now := w.now()
	w.mu.Lock()
	var due []*delivery
	for _, d := range w.queue {
		if !d.next.After(now) {
			due = append(due, d)
		}
	}
	w.mu.Unlock()

	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		err := w.post(ctx, d)
		w.mu.Lock()
		switch {
		case err == nil:
			w.remove(d)
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		case d.attempts+1 >= w.cfg.MaxAttempts:
			w.remove(d)
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			w.log.WithError(err).WithFields(logger.Fields{"kind": d.kind, "attempts": d.attempts + 1}).Error("webhook delivery failed permanently")
		default:
			d.attempts++
			d.next = w.now().Add(nextBackoff(d.attempts))
			metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
			w.log.WithError(err).WithFields(logger.Fields{"kind": d.kind, "attempts": d.attempts, "next_attempt": d.next}).Warn("webhook delivery failed")
		}
		w.mu.Unlock()
	}
}

// remove drops d from the queue; callers hold w.mu.
func (w *Worker) remove(d *delivery) {
	for i, q := range w.queue {
		if q == d {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return
		}
	}
}

func (w *Worker) post(ctx context.Context, d *delivery) error {
	req := w.client.R().SetContext(ctx).SetBody(d.body).SetHeader("X-Event-Type", string(d.kind))
	if w.cfg.Secret != "" {
		req.SetHeader(SignatureHeader, Sign(w.cfg.Secret, d.body, w.now()))
	}
	resp, err := req.Post(w.cfg.URL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode())
	}
	return nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
