package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openkoi/koi/internal/judge/repository"
	subrepo "github.com/openkoi/koi/internal/submission/repository"
	"github.com/openkoi/koi/pkg/utils/logger"
)

const (
	defaultSweepInterval = time.Minute
	defaultSweepMaxAge   = 5 * time.Minute
	sweepBatchSize       = 100
)

// Sweeper reclaims submissions that dropped out of the pipeline: RUNNING
// rows orphaned by a dead worker and PENDING rows whose queue entry was
// lost. Duplicate enqueues are harmless because claiming is conditional.
type Sweeper struct {
	submissions subrepo.SubmissionRepository
	queue       repository.JobQueue
	maxAge      time.Duration
	interval    time.Duration
}

func NewSweeper(submissions subrepo.SubmissionRepository, queue repository.JobQueue, maxAge, interval time.Duration) *Sweeper {
	if maxAge <= 0 {
		maxAge = defaultSweepMaxAge
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		submissions: submissions,
		queue:       queue,
		maxAge:      maxAge,
		interval:    interval,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "recovery sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single recovery pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	reclaimed := s.sweepRunning(ctx, cutoff)
	requeued := s.sweepPending(ctx, cutoff)
	if reclaimed > 0 || requeued > 0 {
		logger.Info(ctx, "recovery sweep reclaimed submissions",
			zap.Int("reset_running", reclaimed),
			zap.Int("requeued_pending", requeued))
	}
}

// sweepRunning resets orphaned RUNNING rows to PENDING and re-enqueues
// them. A row that moved on between list and reset is skipped.
func (s *Sweeper) sweepRunning(ctx context.Context, cutoff time.Time) int {
	ids, err := s.submissions.ListStale(ctx, subrepo.StatusRunning, cutoff, sweepBatchSize)
	if err != nil {
		logger.Error(ctx, "list stale running submissions failed", zap.Error(err))
		return 0
	}
	reclaimed := 0
	for _, id := range ids {
		reset, err := s.submissions.ResetToPending(ctx, id)
		if err != nil {
			logger.Error(ctx, "reset stale submission failed",
				zap.Int64("submission_id", id), zap.Error(err))
			continue
		}
		if !reset {
			continue
		}
		if err := s.queue.Push(ctx, id); err != nil {
			// The row is PENDING again; the next pass retries the push.
			logger.Error(ctx, "re-enqueue reclaimed submission failed",
				zap.Int64("submission_id", id), zap.Error(err))
			continue
		}
		reclaimed++
	}
	return reclaimed
}

// sweepPending re-enqueues PENDING rows whose queue entry went missing,
// typically an enqueue failure at submit time.
func (s *Sweeper) sweepPending(ctx context.Context, cutoff time.Time) int {
	ids, err := s.submissions.ListStale(ctx, subrepo.StatusPending, cutoff, sweepBatchSize)
	if err != nil {
		logger.Error(ctx, "list stale pending submissions failed", zap.Error(err))
		return 0
	}
	requeued := 0
	for _, id := range ids {
		if err := s.queue.Push(ctx, id); err != nil {
			logger.Error(ctx, "re-enqueue stale submission failed",
				zap.Int64("submission_id", id), zap.Error(err))
			continue
		}
		requeued++
	}
	return requeued
}
