package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// LedgerChecker is the ledger surface needed by the integrity job.
type LedgerChecker interface {
	Companies(ctx context.Context) ([]uuid.UUID, error)
	CheckIntegrity(ctx context.Context, companyID uuid.UUID, asOf time.Time) (accounting.IntegrityReport, error)
}

// ErrIntegrityFindings is returned when at least one company failed the check.
var ErrIntegrityFindings = errors.New("gl integrity: findings reported")

// GLIntegrityJob recomputes transaction totals per company.
type GLIntegrityJob struct {
	Ledger  LedgerChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics

	// Parallel bounds concurrent company scans.
	Parallel int
	clock    func() time.Time
}

// NewGLIntegrityJob initialises the integrity handler.
func NewGLIntegrityJob(ledger LedgerChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *GLIntegrityJob {
	return &GLIntegrityJob{
		Ledger:   ledger,
		Logger:   logger,
		Metrics:  metrics,
		Parallel: 4,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity scan. Findings skip retries since rerunning
// cannot repair the ledger.
func (j *GLIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("gl integrity: handler not configured")
	}
	var payload ScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	reports, err := j.Run(ctx, payload)
	if err != nil {
		return err
	}
	for _, r := range reports {
		if !r.OK() {
			return fmt.Errorf("%w: %w", ErrIntegrityFindings, asynq.SkipRetry)
		}
	}
	return nil
}

// Run scans the payload's companies and returns one report per company.
func (j *GLIntegrityJob) Run(ctx context.Context, payload ScanPayload) (reports []accounting.IntegrityReport, resultErr error) {
	start := j.now()
	tracker := j.Metrics.Track(TaskGLIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = start
	}
	companies, err := scope(ctx, j.Ledger, payload.CompanyIDs)
	if err != nil {
		return nil, err
	}
	logger := j.logger().With(slog.String("job", TaskGLIntegrity), slog.Time("as_of", asOf))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(j.Parallel, 1))
	for _, companyID := range companies {
		companyID := companyID
		g.Go(func() error {
			report, err := j.Ledger.CheckIntegrity(gctx, companyID, asOf)
			if err != nil {
				return fmt.Errorf("company %s: %w", companyID, err)
			}
			findings := len(report.Mismatched)
			if !report.TotalDebit.Equal(report.TotalCredit) {
				findings++
			}
			if findings > 0 {
				logger.Warn("ledger integrity findings",
					slog.String("company_id", companyID.String()),
					slog.Int("mismatched", len(report.Mismatched)),
					slog.String("total_debit", report.TotalDebit.String()),
					slog.String("total_credit", report.TotalCredit.String()),
				)
				j.Metrics.AddFindings(TaskGLIntegrity, companyID, findings)
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("integrity scan failed", slog.Any("error", err))
		return nil, err
	}
	logger.Info("completed integrity scan",
		slog.Int("companies", len(companies)),
		slog.Duration("duration", time.Since(start)),
	)
	return reports, nil
}

func (j *GLIntegrityJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *GLIntegrityJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

// CompanyLister discovers companies to scan.
type CompanyLister interface {
	Companies(ctx context.Context) ([]uuid.UUID, error)
}

func scope(ctx context.Context, lister CompanyLister, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) > 0 {
		return ids, nil
	}
	return lister.Companies(ctx)
}
