package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/audit"
	jobmetrics "github.com/odyssey-erp/odyssey-pharmacy/internal/jobs"
)

// AuditCleaner is the audit surface the purge job depends on.
type AuditCleaner interface {
	Cleanup(ctx context.Context, daysToKeep int, actor audit.Record) (audit.CleanupResult, error)
}

// AuditPurgeJob applies the audit retention policy on a schedule. The purge is
// itself recorded under SystemTenantID.
type AuditPurgeJob struct {
	Cleaner        AuditCleaner
	RetentionDays  int
	SystemTenantID int64
	Logger         *slog.Logger
	Metrics        *jobmetrics.Metrics
}

// NewAuditPurgeJob initialises the purge handler.
func NewAuditPurgeJob(cleaner AuditCleaner, retentionDays int, systemTenantID int64, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditPurgeJob {
	return &AuditPurgeJob{
		Cleaner:        cleaner,
		RetentionDays:  retentionDays,
		SystemTenantID: systemTenantID,
		Logger:         logger,
		Metrics:        metrics,
	}
}

// Handle executes one purge run.
func (j *AuditPurgeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Cleaner == nil {
		return errors.New("audit purge: handler not configured")
	}
	var payload AuditPurgePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	days := payload.DaysToKeep
	if days <= 0 {
		days = j.RetentionDays
	}
	if days <= 0 {
		days = audit.DefaultRetentionDays
	}

	tracker := j.Metrics.Track(TaskAuditPurge)
	defer func() {
		err = tracker.End(err)
	}()

	logger := loggerOr(j.Logger).With(slog.String("job", TaskAuditPurge), slog.Int("days_to_keep", days))
	res, err := j.Cleaner.Cleanup(ctx, days, audit.Record{
		UserEmail: "system",
		TenantID:  j.SystemTenantID,
		UserAgent: "pharmacy-worker",
	})
	if err != nil {
		logger.Error("audit purge failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddAffected(TaskAuditPurge, res.DeletedCount)
	logger.Info("audit purge completed",
		slog.Int64("deleted", res.DeletedCount),
		slog.Time("cutoff", res.Cutoff))
	return nil
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
