// Package jobs holds the periodic maintenance work the server schedules.
package jobs

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/richardliu001/payledger/internal/metrics"
	"go.uber.org/zap"
)

// ClaimExpirer is the part of the repository the sweeper needs.
type ClaimExpirer interface {
	ExpireStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper fails processing claims whose owner stopped making progress, so
// they show up as failed and re-claimable instead of blocking redelivery.
type Sweeper struct {
	repo       ClaimExpirer
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger
	staleAfter time.Duration
	now        func() time.Time
}

func NewSweeper(r ClaimExpirer, m *metrics.Metrics, logger *zap.SugaredLogger, staleAfter time.Duration) *Sweeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sweeper{repo: r, metrics: m, log: logger, staleAfter: staleAfter, now: time.Now}
}

// RunOnce expires claims last touched more than staleAfter ago.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.staleAfter)
	n, err := s.repo.ExpireStaleClaims(ctx, cutoff)
	if err != nil {
		s.log.Errorw("expire stale claims", "cutoff", cutoff, "error", err)
		return 0, err
	}
	if n > 0 {
		s.log.Warnw("expired stale claims", "count", n, "cutoff", cutoff)
	}
	s.metrics.ClaimsExpired(n)
	return n, nil
}

// Schedule registers the sweep on sched every interval. Overlapping runs
// are skipped.
func (s *Sweeper) Schedule(ctx context.Context, sched gocron.Scheduler, interval time.Duration) (gocron.Job, error) {
	return sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			_, _ = s.RunOnce(ctx)
		}),
		gocron.WithName("expire-stale-claims"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}
