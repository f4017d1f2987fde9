package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// StockReconciler is the inventory surface needed by the reconcile job.
type StockReconciler interface {
	Reconcile(ctx context.Context, companyID uuid.UUID) ([]inventory.Discrepancy, error)
}

// StockReconcileJob compares cached stock figures with the movement log.
type StockReconcileJob struct {
	Inventory StockReconciler
	Companies CompanyLister
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewStockReconcileJob initialises the reconcile handler. Companies are
// discovered through the ledger since every stocked company has a chart.
func NewStockReconcileJob(inv StockReconciler, companies CompanyLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockReconcileJob {
	return &StockReconcileJob{Inventory: inv, Companies: companies, Logger: logger, Metrics: metrics}
}

// Handle runs reconciliation. Discrepancies are reported, not repaired.
func (j *StockReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Inventory == nil || j.Companies == nil {
		return errors.New("stock reconcile: handler not configured")
	}
	var payload ScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run reconciles each company and returns every discrepancy found.
func (j *StockReconcileJob) Run(ctx context.Context, payload ScanPayload) (found []inventory.Discrepancy, resultErr error) {
	start := time.Now()
	tracker := j.Metrics.Track(TaskStockReconcile)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskStockReconcile))

	companies, err := scope(ctx, j.Companies, payload.CompanyIDs)
	if err != nil {
		return nil, err
	}
	for _, companyID := range companies {
		issues, err := j.Inventory.Reconcile(ctx, companyID)
		if err != nil {
			logger.Error("reconcile failed", slog.String("company_id", companyID.String()), slog.Any("error", err))
			return nil, err
		}
		for _, d := range issues {
			logger.Warn("stock discrepancy",
				slog.String("company_id", companyID.String()),
				slog.String("item_id", d.ItemID.String()),
				slog.String("warehouse_id", d.WarehouseID.String()),
				slog.String("reason", d.Reason),
			)
		}
		j.Metrics.AddFindings(TaskStockReconcile, companyID, len(issues))
		found = append(found, issues...)
	}
	logger.Info("completed stock reconciliation",
		slog.Int("companies", len(companies)),
		slog.Int("discrepancies", len(found)),
		slog.Duration("duration", time.Since(start)),
	)
	return found, nil
}
