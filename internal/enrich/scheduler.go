package enrich

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"geotrack/internal/logger"
)

// Scheduler triggers Batcher runs on a cron spec (default @hourly, top of the hour).
type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	batcher *Batcher
	log     *logger.Logger
}

func NewScheduler(b *Batcher, spec string, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.Discard()
	}
	cl := cron.PrintfLogger(log.WithField("component", "enrichment-cron"))
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s := &Scheduler{cron: c, batcher: b, log: log}
	id, err := c.AddFunc(spec, s.tick)
	if err != nil {
		return nil, err
	}
	s.entry = id
	return s, nil
}

func (s *Scheduler) tick() {
	if _, err := s.batcher.Run(context.Background()); err != nil {
		s.log.WithError(err).Error("scheduled enrichment run failed")
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling; the returned context is done once a running job finishes.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// Next reports when the next run is due (zero before Start).
func (s *Scheduler) Next() time.Time { return s.cron.Entry(s.entry).Next }
