package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pharmacy/internal/jobs"
)

// SessionSweeper closes expired impersonation sessions.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ImpersonationSweepJob ends sessions whose token lifetime passed without an
// explicit stop.
type ImpersonationSweepJob struct {
	Sweeper SessionSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewImpersonationSweepJob initialises the sweep handler.
func NewImpersonationSweepJob(sweeper SessionSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *ImpersonationSweepJob {
	return &ImpersonationSweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// Handle executes one sweep.
func (j *ImpersonationSweepJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("impersonation sweep: handler not configured")
	}
	tracker := j.Metrics.Track(TaskImpersonationSweep)
	defer func() {
		err = tracker.End(err)
	}()

	n, err := j.Sweeper.SweepExpired(ctx)
	j.Metrics.AddAffected(TaskImpersonationSweep, int64(n))
	if err != nil {
		loggerOr(j.Logger).Error("impersonation sweep failed",
			slog.String("job", TaskImpersonationSweep),
			slog.Int("closed", n),
			slog.Any("error", err))
		return err
	}
	if n > 0 {
		loggerOr(j.Logger).Info("impersonation sweep completed",
			slog.String("job", TaskImpersonationSweep),
			slog.Int("closed", n))
	}
	return nil
}
