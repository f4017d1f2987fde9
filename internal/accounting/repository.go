package accounting

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes ledger storage inside one unit of work. Other engine
// components embed it so their writes and ledger postings commit together.
// Lookups by id are scoped by company; an id owned by another company yields
// shared.ErrCrossCompany.
type TxRepository interface {
	shared.IdempotencyTx

	InsertAccount(ctx context.Context, acc Account) error
	GetAccount(ctx context.Context, companyID, id uuid.UUID) (Account, error)
	GetAccountByCode(ctx context.Context, companyID uuid.UUID, code string) (Account, error)
	ListAccounts(ctx context.Context, companyID uuid.UUID) ([]Account, error)
	SetAccountActive(ctx context.Context, companyID, id uuid.UUID, active bool, at time.Time) error
	ListCompanies(ctx context.Context) ([]uuid.UUID, error)

	GetFiscalYear(ctx context.Context, companyID, id uuid.UUID) (FiscalYear, error)
	GetPeriod(ctx context.Context, companyID, id uuid.UUID) (Period, error)
	GetPeriodForUpdate(ctx context.Context, companyID, id uuid.UUID) (Period, error)
	// FindPeriodByDate returns the regular period covering date.
	FindPeriodByDate(ctx context.Context, companyID uuid.UUID, date time.Time) (Period, error)

	InsertTransaction(ctx context.Context, txn Transaction) error
	GetTransaction(ctx context.Context, companyID, id uuid.UUID) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, companyID, id uuid.UUID) (Transaction, error)
	// UpdateTransactionState persists status, lock and lineage fields only.
	UpdateTransactionState(ctx context.Context, txn Transaction) error
	DeleteDraft(ctx context.Context, companyID, id uuid.UUID) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	BalanceLines(ctx context.Context, q BalanceQuery) ([]BalanceLine, error)
}
