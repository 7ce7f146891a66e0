package polling

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"geotrack/internal/ingest"
	"geotrack/internal/logger"
	"geotrack/internal/metrics"
	"geotrack/internal/model"
)

// SampleHandler persists and routes one polled sample.
type SampleHandler interface {
	Handle(ctx context.Context, s model.LocationSample) (ingest.Outcome, error)
}

// Processor polls each member of a batch once, with bounded fan-out and a per-member timeout
// applied at the feed boundary.
type Processor struct {
	feed        ingest.Feed
	handler     SampleHandler
	log         *logger.Logger
	concurrency int
	timeout     time.Duration
}

func NewProcessor(feed ingest.Feed, handler SampleHandler, concurrency int, timeout time.Duration, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Discard()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Processor{feed: feed, handler: handler, log: log, concurrency: concurrency, timeout: timeout}
}

func (p *Processor) Process(ctx context.Context, b model.PollingBatch) (int, int, error) {
	var (
		mu               sync.Mutex
		success, failure int
		g                errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, id := range b.MemberIDs {
		g.Go(func() error {
			s, err := p.poll(ctx, id)
			if err != nil {
				kind := string(model.PollUnavailable)
				var mpf *model.MemberPollFailure
				if errors.As(err, &mpf) {
					kind = string(mpf.Kind)
				}
				metrics.MemberPolls.WithLabelValues(kind).Inc()
				p.log.WithError(err).WithFields(logger.Fields{"batch_id": b.ID, "worker_id": id}).Debug("member poll failed")
				mu.Lock()
				failure++
				mu.Unlock()
				return nil
			}
			metrics.MemberPolls.WithLabelValues("ok").Inc()
			s.WorkerID = id
			if _, err := p.handler.Handle(ctx, s); err != nil {
				return &model.BatchPersistenceFailure{BatchID: b.ID, Op: "persist sample", Err: err}
			}
			mu.Lock()
			success++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return success, failure, err
}

func (p *Processor) poll(ctx context.Context, workerID string) (model.LocationSample, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	s, err := p.feed.Poll(ctx, workerID)
	if err == nil {
		return s, nil
	}
	var mpf *model.MemberPollFailure
	if errors.As(err, &mpf) {
		return s, err
	}
	kind := model.PollUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = model.PollTimeout
	}
	return s, &model.MemberPollFailure{WorkerID: workerID, Kind: kind, Err: err}
}
