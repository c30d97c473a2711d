package orchestrator

import (
	"context"
	"errors"
	"time"

	"imagine/internal/domain"
	"imagine/internal/infra"
)

// PollerOptions wires a Poller.
type PollerOptions struct {
	Repo         domain.ImaginationRepository
	Orchestrator *Orchestrator
	Logger       *infra.Logger
	// Interval is the pause between sweeps.
	Interval time.Duration
	// BatchSize caps how many jobs one sweep inspects.
	BatchSize int
}

// Poller sweeps in-flight jobs at a fixed interval, asking each job's engine
// for its current status. It backstops lost webhooks and drives engines that
// only expose poll APIs.
type Poller struct {
	repo      domain.ImaginationRepository
	orch      *Orchestrator
	logger    *infra.Logger
	interval  time.Duration
	batchSize int
}

// NewPoller constructs a poller with production defaults.
func NewPoller(opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Poller{
		repo:      opts.Repo,
		orch:      opts.Orchestrator,
		logger:    opts.Logger,
		interval:  interval,
		batchSize: batch,
	}
}

// Run loops until ctx is cancelled: sweep, sleep, repeat.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Sweep(ctx); err != nil && p.logger != nil {
			p.logger.Error().Err(err).Msg("poll sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass over awaiting jobs. Jobs past their completion
// window are failed through the timeout path; the rest are polled and their
// responses folded back into the orchestrator.
func (p *Poller) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC()
	jobs, err := p.repo.ListAwaiting(ctx, cutoff, p.batchSize)
	if err != nil {
		return err
	}

	deadlineBefore := cutoff.Add(-p.orch.WaitTimeout())
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if job.CreatedAt.Before(deadlineBefore) {
			if err := p.orch.ApplyTimeout(ctx, job.ID); err != nil && !errors.Is(err, domain.ErrServiceTimeout) && p.logger != nil {
				p.logger.Error().Err(err).Str("imagination_id", job.ID).Msg("timeout application failed")
			}
			continue
		}
		p.pollOne(ctx, job)
	}
	return nil
}

func (p *Poller) pollOne(ctx context.Context, job *domain.Imagination) {
	if job.ExternalID() == "" {
		return
	}
	eng, err := p.orch.engines.Get(job.Engine)
	if err != nil {
		if p.logger != nil {
			p.logger.Error().Err(err).Str("imagination_id", job.ID).Msg("poll skipped")
		}
		return
	}
	resp, err := eng.Poll(ctx, job.MetaData)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn().Err(err).Str("imagination_id", job.ID).Msg("poll failed")
		}
		return
	}
	if _, err := p.orch.ApplySignal(ctx, job.ID, resp); err != nil && p.logger != nil {
		p.logger.Error().Err(err).Str("imagination_id", job.ID).Msg("apply poll signal failed")
	}
}
