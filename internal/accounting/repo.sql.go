package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository persists accounting entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepository struct {
	shared.IdempotencyTx
	tx pgx.Tx
}

// NewTxRepository binds ledger storage to an open transaction. Other
// components embed the result in their own transactional repositories.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{IdempotencyTx: shared.NewIdempotencyTx(tx), tx: tx}
}

const accountColumns = `id, company_id, parent_id, code, name, type, normal_balance, is_contra, COALESCE(currency, ''), is_active, is_system, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.CompanyID, &a.ParentID, &a.Code, &a.Name, &a.Type, &a.NormalBalance, &a.IsContra, &a.Currency, &a.IsActive, &a.IsSystem, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (r *txRepository) InsertAccount(ctx context.Context, a Account) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO acct_accounts (id, company_id, parent_id, code, name, type, normal_balance, is_contra, currency, is_active, is_system, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12,$13)`,
		a.ID, a.CompanyID, a.ParentID, a.Code, a.Name, a.Type, a.NormalBalance, a.IsContra, a.Currency, a.IsActive, a.IsSystem, a.CreatedAt, a.UpdatedAt)
	if db.IsUniqueViolation(err, "uq_acct_accounts_code") {
		return fmt.Errorf("%w: %s", ErrDuplicateAccountCode, a.Code)
	}
	return err
}

// scoped turns a miss on a company-scoped lookup into ErrCrossCompany when the
// id belongs to another company.
func (r *txRepository) scoped(ctx context.Context, table string, id uuid.UUID, err, notFound error) error {
	if errors.Is(err, notFound) {
		return db.ScopeMiss(ctx, r.tx, table, id, err)
	}
	return err
}

func (r *txRepository) GetAccount(ctx context.Context, companyID, id uuid.UUID) (Account, error) {
	acc, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM acct_accounts WHERE company_id=$1 AND id=$2`, companyID, id))
	if err != nil {
		return Account{}, r.scoped(ctx, "acct_accounts", id, err, ErrAccountNotFound)
	}
	return acc, nil
}

func (r *txRepository) GetAccountByCode(ctx context.Context, companyID uuid.UUID, code string) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM acct_accounts WHERE company_id=$1 AND code=$2`, companyID, code))
}

func (r *txRepository) ListAccounts(ctx context.Context, companyID uuid.UUID) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM acct_accounts WHERE company_id=$1 ORDER BY code`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *txRepository) SetAccountActive(ctx context.Context, companyID, id uuid.UUID, active bool, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE acct_accounts SET is_active=$3, updated_at=$4 WHERE company_id=$1 AND id=$2`, companyID, id, active, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.scoped(ctx, "acct_accounts", id, ErrAccountNotFound, ErrAccountNotFound)
	}
	return nil
}

func (r *txRepository) ListCompanies(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT company_id FROM acct_accounts ORDER BY company_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *txRepository) GetFiscalYear(ctx context.Context, companyID, id uuid.UUID) (FiscalYear, error) {
	fy, err := ScanFiscalYear(r.tx.QueryRow(ctx, `SELECT `+FiscalYearColumns+` FROM acct_fiscal_years WHERE company_id=$1 AND id=$2`, companyID, id))
	if err != nil {
		return FiscalYear{}, r.scoped(ctx, "acct_fiscal_years", id, err, ErrFiscalYearNotFound)
	}
	return fy, nil
}

// FiscalYearColumns is the select list matching ScanFiscalYear.
const FiscalYearColumns = `id, company_id, name, start_date, end_date, status, retained_earnings_account_id, closing_transaction_id, closed_at, closed_by, created_at`

// ScanFiscalYear reads one fiscal year row.
func ScanFiscalYear(row pgx.Row) (FiscalYear, error) {
	var fy FiscalYear
	err := row.Scan(&fy.ID, &fy.CompanyID, &fy.Name, &fy.StartDate, &fy.EndDate, &fy.Status, &fy.RetainedEarningsAccountID, &fy.ClosingTransactionID, &fy.ClosedAt, &fy.ClosedBy, &fy.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return FiscalYear{}, ErrFiscalYearNotFound
	}
	return fy, err
}

// PeriodColumns is the select list matching ScanPeriod.
const PeriodColumns = `id, company_id, fiscal_year_id, number, name, start_date, end_date, status, is_adjustment, closed_at, closed_by, created_at`

// ScanPeriod reads one period row.
func ScanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.CompanyID, &p.FiscalYearID, &p.Number, &p.Name, &p.StartDate, &p.EndDate, &p.Status, &p.IsAdjustment, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	return p, err
}

func (r *txRepository) GetPeriod(ctx context.Context, companyID, id uuid.UUID) (Period, error) {
	p, err := ScanPeriod(r.tx.QueryRow(ctx, `SELECT `+PeriodColumns+` FROM acct_periods WHERE company_id=$1 AND id=$2`, companyID, id))
	if err != nil {
		return Period{}, r.scoped(ctx, "acct_periods", id, err, ErrPeriodNotFound)
	}
	return p, nil
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, companyID, id uuid.UUID) (Period, error) {
	p, err := ScanPeriod(r.tx.QueryRow(ctx, `SELECT `+PeriodColumns+` FROM acct_periods WHERE company_id=$1 AND id=$2 FOR UPDATE`, companyID, id))
	if err != nil {
		return Period{}, r.scoped(ctx, "acct_periods", id, err, ErrPeriodNotFound)
	}
	return p, nil
}

func (r *txRepository) FindPeriodByDate(ctx context.Context, companyID uuid.UUID, date time.Time) (Period, error) {
	p, err := ScanPeriod(r.tx.QueryRow(ctx, `SELECT `+PeriodColumns+` FROM acct_periods
WHERE company_id=$1 AND is_adjustment=FALSE AND start_date <= $2 AND end_date >= $2
ORDER BY start_date LIMIT 1`, companyID, shared.DateOf(date)))
	if errors.Is(err, ErrPeriodNotFound) {
		return Period{}, fmt.Errorf("%w: no period covers %s", ErrPeriodNotFound, date.Format("2006-01-02"))
	}
	return p, err
}

const transactionColumns = `id, company_id, type, reference, description, transaction_date, posting_date, fiscal_year_id, period_id,
currency, base_currency, exchange_rate, status, total_debit, total_credit, reversal_of_id, reversed_by_id, corrects_id, amended_by_id,
amended_by_user_id, amended_at, is_locked, lock_reason, locked_at, locked_by, posted_at, posted_by, voided_at, voided_by, void_reason,
created_at, created_by`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.CompanyID, &t.Type, &t.Reference, &t.Description, &t.TransactionDate, &t.PostingDate, &t.FiscalYearID, &t.PeriodID,
		&t.Currency, &t.BaseCurrency, &t.ExchangeRate, &t.Status, &t.TotalDebit, &t.TotalCredit, &t.ReversalOfID, &t.ReversedByID, &t.CorrectsID, &t.AmendedByID,
		&t.AmendedByUserID, &t.AmendedAt, &t.IsLocked, &t.LockReason, &t.LockedAt, &t.LockedBy, &t.PostedAt, &t.PostedBy, &t.VoidedAt, &t.VoidedBy, &t.VoidReason,
		&t.CreatedAt, &t.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, err
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO acct_transactions (`+transactionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`,
		t.ID, t.CompanyID, t.Type, t.Reference, t.Description, t.TransactionDate, t.PostingDate, t.FiscalYearID, t.PeriodID,
		t.Currency, t.BaseCurrency, t.ExchangeRate, t.Status, t.TotalDebit, t.TotalCredit, t.ReversalOfID, t.ReversedByID, t.CorrectsID, t.AmendedByID,
		t.AmendedByUserID, t.AmendedAt, t.IsLocked, t.LockReason, t.LockedAt, t.LockedBy, t.PostedAt, t.PostedBy, t.VoidedAt, t.VoidedBy, t.VoidReason,
		t.CreatedAt, t.CreatedBy)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, l := range t.Lines {
		dims := l.Dimensions
		if dims == nil {
			dims = []string{}
		}
		batch.Queue(`INSERT INTO acct_journal_entries (id, transaction_id, company_id, account_id, line_number, description, debit, credit, currency_debit, currency_credit, dimensions)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, l.ID, t.ID, t.CompanyID, l.AccountID, l.LineNumber, l.Description, l.Debit, l.Credit, l.CurrencyDebit, l.CurrencyCredit, dims)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) loadLines(ctx context.Context, txn *Transaction) error {
	rows, err := r.tx.Query(ctx, `SELECT id, transaction_id, company_id, account_id, line_number, description, debit, credit, currency_debit, currency_credit, dimensions
FROM acct_journal_entries WHERE company_id=$1 AND transaction_id=$2 ORDER BY line_number`, txn.CompanyID, txn.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	txn.Lines = nil
	for rows.Next() {
		var l JournalEntry
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.CompanyID, &l.AccountID, &l.LineNumber, &l.Description, &l.Debit, &l.Credit, &l.CurrencyDebit, &l.CurrencyCredit, &l.Dimensions); err != nil {
			return err
		}
		txn.Lines = append(txn.Lines, l)
	}
	return rows.Err()
}

func (r *txRepository) GetTransaction(ctx context.Context, companyID, id uuid.UUID) (Transaction, error) {
	return r.getTransaction(ctx, `SELECT `+transactionColumns+` FROM acct_transactions WHERE company_id=$1 AND id=$2`, companyID, id)
}

func (r *txRepository) GetTransactionForUpdate(ctx context.Context, companyID, id uuid.UUID) (Transaction, error) {
	return r.getTransaction(ctx, `SELECT `+transactionColumns+` FROM acct_transactions WHERE company_id=$1 AND id=$2 FOR UPDATE`, companyID, id)
}

func (r *txRepository) getTransaction(ctx context.Context, query string, companyID, id uuid.UUID) (Transaction, error) {
	txn, err := scanTransaction(r.tx.QueryRow(ctx, query, companyID, id))
	if err != nil {
		return Transaction{}, r.scoped(ctx, "acct_transactions", id, err, ErrTransactionNotFound)
	}
	return txn, r.loadLines(ctx, &txn)
}

func (r *txRepository) UpdateTransactionState(ctx context.Context, t Transaction) error {
	tag, err := r.tx.Exec(ctx, `UPDATE acct_transactions SET status=$2, reversed_by_id=$3, amended_by_id=$4, is_locked=$5, lock_reason=$6,
locked_at=$7, locked_by=$8, voided_at=$9, voided_by=$10, void_reason=$11 WHERE id=$1 AND company_id=$12`,
		t.ID, t.Status, t.ReversedByID, t.AmendedByID, t.IsLocked, t.LockReason, t.LockedAt, t.LockedBy, t.VoidedAt, t.VoidedBy, t.VoidReason, t.CompanyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.scoped(ctx, "acct_transactions", t.ID, ErrTransactionNotFound, ErrTransactionNotFound)
	}
	return nil
}

func (r *txRepository) DeleteDraft(ctx context.Context, companyID, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM acct_transactions WHERE company_id=$1 AND id=$2 AND status='draft'`, companyID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *txRepository) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	conds := []string{"company_id=$1"}
	args := []any{f.CompanyID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PeriodID != nil {
		add("period_id=$%d", *f.PeriodID)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if !f.From.IsZero() {
		add("transaction_date >= $%d", shared.DateOf(f.From))
	}
	if !f.To.IsZero() {
		add("transaction_date <= $%d", shared.DateOf(f.To))
	}
	limit := "ALL"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		limit = fmt.Sprintf("$%d", len(args))
	}
	query := fmt.Sprintf(`SELECT %s FROM acct_transactions WHERE %s ORDER BY transaction_date, created_at LIMIT %s`,
		transactionColumns, strings.Join(conds, " AND "), limit)
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadLines(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *txRepository) BalanceLines(ctx context.Context, q BalanceQuery) ([]BalanceLine, error) {
	conds := []string{"t.company_id=$1", "t.status IN ('posted','void')", "t.transaction_date <= $2"}
	args := []any{q.CompanyID, shared.DateOf(q.To)}
	if !q.From.IsZero() {
		args = append(args, shared.DateOf(q.From))
		conds = append(conds, fmt.Sprintf("t.transaction_date >= $%d", len(args)))
	}
	if q.AccountID != nil {
		args = append(args, *q.AccountID)
		conds = append(conds, fmt.Sprintf("j.account_id = $%d", len(args)))
	}
	rows, err := r.tx.Query(ctx, `SELECT j.account_id, j.debit, j.credit, t.transaction_date, t.status, t.voided_at,
  EXISTS (SELECT 1 FROM acct_transactions r WHERE r.company_id = t.company_id AND r.id = t.reversed_by_id AND r.status = 'posted')
FROM acct_journal_entries j JOIN acct_transactions t ON t.id = j.transaction_id
WHERE `+strings.Join(conds, " AND "), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BalanceLine
	for rows.Next() {
		var l BalanceLine
		if err := rows.Scan(&l.AccountID, &l.Debit, &l.Credit, &l.TransactionDate, &l.Status, &l.VoidedAt, &l.Reversed); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
