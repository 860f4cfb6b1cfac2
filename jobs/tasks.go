package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMaintenance carries retention and expiry housekeeping.
	QueueMaintenance = "maintenance"

	// TaskAuditPurge removes audit records past the retention window.
	TaskAuditPurge = "audit:purge"
	// TaskImpersonationSweep closes impersonation sessions whose token expired.
	TaskImpersonationSweep = "impersonation:sweep"
)

// AuditPurgePayload describes one retention run. A zero DaysToKeep falls back
// to the worker's configured retention.
type AuditPurgePayload struct {
	DaysToKeep int `json:"days_to_keep"`
}

// NewAuditPurgeTask constructs an Asynq task for TaskAuditPurge.
func NewAuditPurgeTask(daysToKeep int) (*asynq.Task, error) {
	data, err := json.Marshal(AuditPurgePayload{DaysToKeep: daysToKeep})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPurge, data, asynq.Queue(QueueMaintenance)), nil
}

// NewImpersonationSweepTask constructs an Asynq task for TaskImpersonationSweep.
func NewImpersonationSweepTask() *asynq.Task {
	return asynq.NewTask(TaskImpersonationSweep, nil, asynq.Queue(QueueMaintenance))
}
