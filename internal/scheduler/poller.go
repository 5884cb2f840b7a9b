package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Poller drives the scheduler from a ticker inside the API process. Several
// instances may poll the same database; the claim step keeps them from
// stepping on each other.
type Poller struct {
	svc      *Service
	interval time.Duration
	batch    int
	log      *zap.SugaredLogger
}

func NewPoller(svc *Service, interval time.Duration, batch int, log *zap.SugaredLogger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 20
	}
	return &Poller{svc: svc, interval: interval, batch: batch, log: log}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Infow("scheduler poller started", "interval", p.interval.String(), "batch", p.batch)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Infow("scheduler poller stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	jobs, err := p.svc.DueJobs(ctx, time.Now().UTC(), p.batch)
	if err != nil {
		p.log.Errorw("poll due jobs", "error", err)
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := p.svc.Process(ctx, job); err != nil {
			p.log.Warnw("scheduled job did not complete", "job_id", job.ID, "action", job.Action, "error", err)
		}
	}
}
