package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPolicyWarmup pre-resolves effective groups and access caches.
	TaskPolicyWarmup = "policy:warmup"
	// TaskPolicyIntegrity audits record rules for malformed definitions.
	TaskPolicyIntegrity = "policy:integrity"
)

// PolicyWarmupPayload bounds how many principals a warmup run touches.
type PolicyWarmupPayload struct {
	Limit int `json:"limit"`
}

// NewPolicyWarmupTask constructs an Asynq task.
func NewPolicyWarmupTask(payload PolicyWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPolicyWarmup, data), nil
}

// NewPolicyIntegrityTask constructs an Asynq task with an empty payload.
func NewPolicyIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskPolicyIntegrity, nil)
}
