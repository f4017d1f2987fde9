package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// KeyCleaner purges idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob drops expired idempotency keys.
type IdempotencyCleanupJob struct {
	Keys      KeyCleaner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(keys KeyCleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Keys: keys, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload CleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.OlderThan)
	return err
}

// Run removes keys older than olderThan, or the configured retention when
// olderThan is zero.
func (j *IdempotencyCleanupJob) Run(ctx context.Context, olderThan time.Duration) (removed int64, resultErr error) {
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	if olderThan <= 0 {
		olderThan = j.Retention
	}
	if olderThan <= 0 {
		return 0, errors.New("idempotency cleanup: retention not configured")
	}
	removed, err := j.Keys.Cleanup(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	j.Metrics.AddPurged(removed)
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("purged idempotency keys",
		slog.Int64("removed", removed),
		slog.Duration("older_than", olderThan),
	)
	return removed, nil
}
