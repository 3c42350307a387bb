package service

import (
	"context"
	"time"

	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/repository"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultSweepInterval = 2 * time.Minute
	defaultStuckTimeout  = 5 * time.Minute
	defaultSweepBatch    = 100
	defaultSweepRate     = 20

	// retriedAttempt is the attempt a requeued retrying submission resumes
	// at. Its real count is not stored; at least one attempt already failed.
	retriedAttempt = 2
)

// Enqueuer publishes grading jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, submissionID int64, attempt int) error
}

// SweeperConfig configures the stuck submission sweeper.
type SweeperConfig struct {
	Interval      time.Duration
	StuckTimeout  time.Duration
	BatchSize     int
	RatePerSecond float64
}

func (c *SweeperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultSweepInterval
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = defaultStuckTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultSweepBatch
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultSweepRate
	}
}

// Sweeper re-enqueues submissions whose jobs appear lost.
type Sweeper struct {
	submissions repository.SubmissionRepository
	enqueuer    Enqueuer
	cfg         SweeperConfig
	limiter     *rate.Limiter
	now         func() time.Time
	log         *logger.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(submissions repository.SubmissionRepository, enqueuer Enqueuer, cfg SweeperConfig, log *logger.Logger) *Sweeper {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &Sweeper{
		submissions: submissions,
		enqueuer:    enqueuer,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		now:         time.Now,
		log:         log.With(zap.String("component", "sweeper")),
	}
}

// RequeueStuckSubmissions enqueues pending submissions older than the stuck
// timeout and retrying submissions untouched for as long. It returns the
// number of jobs published.
func (s *Sweeper) RequeueStuckSubmissions(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StuckTimeout)
	stuck, err := s.submissions.ListStuck(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, item := range stuck {
		if err := s.limiter.Wait(ctx); err != nil {
			return requeued, err
		}
		attempt := 1
		if item.Status == model.StatusRetrying {
			attempt = retriedAttempt
		}
		if err := s.enqueuer.Enqueue(ctx, item.ID, attempt); err != nil {
			s.log.Error(ctx, "requeue stuck submission failed", zap.Int64("submission_id", item.ID), zap.Error(err))
			continue
		}
		requeued++
	}
	if len(stuck) > 0 {
		s.log.Info(ctx, "stuck submissions requeued",
			zap.Int("found", len(stuck)),
			zap.Int("requeued", requeued))
	}
	return requeued, nil
}

// Run sweeps on every interval tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RequeueStuckSubmissions(ctx); err != nil && ctx.Err() == nil {
				s.log.Error(ctx, "sweep failed", zap.Error(err))
			}
		}
	}
}
