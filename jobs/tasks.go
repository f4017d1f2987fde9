package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
	// TaskGLIntegrity recomputes transaction totals and the trial balance.
	TaskGLIntegrity = "ledger:gl_integrity"
	// TaskStockReconcile compares stock levels with movements and layers.
	TaskStockReconcile = "inventory:reconcile"
)

// CleanupPayload overrides the configured retention when set.
type CleanupPayload struct {
	OlderThan time.Duration `json:"older_than,omitempty"`
}

// ScanPayload scopes a check job. An empty company list scans every company.
type ScanPayload struct {
	CompanyIDs []uuid.UUID `json:"company_ids,omitempty"`
	AsOf       time.Time   `json:"as_of,omitempty"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, CleanupPayload{OlderThan: olderThan})
}

// NewGLIntegrityTask constructs an Asynq task for the ledger integrity check.
func NewGLIntegrityTask(payload ScanPayload) (*asynq.Task, error) {
	return newTask(TaskGLIntegrity, payload)
}

// NewStockReconcileTask constructs an Asynq task for stock reconciliation.
func NewStockReconcileTask(payload ScanPayload) (*asynq.Task, error) {
	return newTask(TaskStockReconcile, payload)
}

// NewTask builds a task by name with an empty payload, for manual triggers.
func NewTask(name string) (*asynq.Task, error) {
	switch name {
	case TaskIdempotencyCleanup, "cleanup":
		return NewIdempotencyCleanupTask(0)
	case TaskGLIntegrity, "integrity":
		return NewGLIntegrityTask(ScanPayload{})
	case TaskStockReconcile, "reconcile":
		return NewStockReconcileTask(ScanPayload{})
	default:
		return nil, fmt.Errorf("jobs: unknown task %q", name)
	}
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}
