package close

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts transactional storage for the period manager.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository extends ledger storage with fiscal calendar writes so that the
// year-end posting and the calendar update share one unit of work.
type TxRepository interface {
	accounting.TxRepository

	InsertFiscalYear(ctx context.Context, fy accounting.FiscalYear) error
	GetFiscalYearForUpdate(ctx context.Context, companyID, id uuid.UUID) (accounting.FiscalYear, error)
	UpdateFiscalYear(ctx context.Context, fy accounting.FiscalYear) error
	ListFiscalYears(ctx context.Context, companyID uuid.UUID) ([]accounting.FiscalYear, error)
	FiscalYearOverlaps(ctx context.Context, companyID uuid.UUID, start, end time.Time) (bool, error)
	InsertPeriod(ctx context.Context, p accounting.Period) error
	// ListPeriods orders regular periods by start date, adjustment periods last.
	ListPeriods(ctx context.Context, companyID, fiscalYearID uuid.UUID) ([]accounting.Period, error)
	UpdatePeriod(ctx context.Context, p accounting.Period) error
	CountDrafts(ctx context.Context, companyID, periodID uuid.UUID) (int, error)
}

// Repository persists the fiscal calendar in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("close: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: accounting.NewTxRepository(tx), tx: tx})
	})
}

type txRepository struct {
	accounting.TxRepository
	tx pgx.Tx
}

func (r *txRepository) InsertFiscalYear(ctx context.Context, fy accounting.FiscalYear) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO acct_fiscal_years (id, company_id, name, start_date, end_date, status, retained_earnings_account_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, fy.ID, fy.CompanyID, fy.Name, fy.StartDate, fy.EndDate, fy.Status, fy.RetainedEarningsAccountID, fy.CreatedAt)
	return err
}

func (r *txRepository) GetFiscalYearForUpdate(ctx context.Context, companyID, id uuid.UUID) (accounting.FiscalYear, error) {
	fy, err := accounting.ScanFiscalYear(r.tx.QueryRow(ctx, `SELECT `+accounting.FiscalYearColumns+` FROM acct_fiscal_years WHERE company_id=$1 AND id=$2 FOR UPDATE`, companyID, id))
	if errors.Is(err, accounting.ErrFiscalYearNotFound) {
		return accounting.FiscalYear{}, db.ScopeMiss(ctx, r.tx, "acct_fiscal_years", id, err)
	}
	return fy, err
}

func (r *txRepository) UpdateFiscalYear(ctx context.Context, fy accounting.FiscalYear) error {
	_, err := r.tx.Exec(ctx, `UPDATE acct_fiscal_years SET status=$3, closing_transaction_id=$4, closed_at=$5, closed_by=$6 WHERE company_id=$1 AND id=$2`,
		fy.CompanyID, fy.ID, fy.Status, fy.ClosingTransactionID, fy.ClosedAt, fy.ClosedBy)
	return err
}

func (r *txRepository) ListFiscalYears(ctx context.Context, companyID uuid.UUID) ([]accounting.FiscalYear, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accounting.FiscalYearColumns+` FROM acct_fiscal_years WHERE company_id=$1 ORDER BY start_date`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []accounting.FiscalYear
	for rows.Next() {
		fy, err := accounting.ScanFiscalYear(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fy)
	}
	return out, rows.Err()
}

func (r *txRepository) FiscalYearOverlaps(ctx context.Context, companyID uuid.UUID, start, end time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM acct_fiscal_years WHERE company_id=$1 AND start_date <= $3 AND end_date >= $2)`,
		companyID, shared.DateOf(start), shared.DateOf(end)).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertPeriod(ctx context.Context, p accounting.Period) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO acct_periods (id, company_id, fiscal_year_id, number, name, start_date, end_date, status, is_adjustment, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, p.ID, p.CompanyID, p.FiscalYearID, p.Number, p.Name, p.StartDate, p.EndDate, p.Status, p.IsAdjustment, p.CreatedAt)
	return err
}

func (r *txRepository) ListPeriods(ctx context.Context, companyID, fiscalYearID uuid.UUID) ([]accounting.Period, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accounting.PeriodColumns+` FROM acct_periods WHERE company_id=$1 AND fiscal_year_id=$2 ORDER BY is_adjustment, start_date, number`, companyID, fiscalYearID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []accounting.Period
	for rows.Next() {
		p, err := accounting.ScanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepository) UpdatePeriod(ctx context.Context, p accounting.Period) error {
	tag, err := r.tx.Exec(ctx, `UPDATE acct_periods SET status=$3, closed_at=$4, closed_by=$5 WHERE company_id=$1 AND id=$2`, p.CompanyID, p.ID, p.Status, p.ClosedAt, p.ClosedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrPeriodNotFound
	}
	return nil
}

func (r *txRepository) CountDrafts(ctx context.Context, companyID, periodID uuid.UUID) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM acct_transactions WHERE company_id=$1 AND period_id=$2 AND status='draft'`, companyID, periodID).Scan(&n)
	return n, err
}
