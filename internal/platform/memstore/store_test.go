package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func seeded(t *testing.T) (*memstore.Store, *accounting.Service, memstore.Company) {
	t.Helper()
	store := memstore.New()
	ledger := accounting.NewService(store.Ledger(), nil, accounting.ServiceConfig{})
	calendar := close.NewService(store.Periods(), ledger, nil, nil)
	company, err := memstore.Seed(context.Background(), ledger, calendar, 2025)
	require.NoError(t, err)
	return store, ledger, company
}

func TestSeedBuildsChartAndCalendar(t *testing.T) {
	_, ledger, company := seeded(t)
	accounts, err := ledger.ListAccounts(context.Background(), company.ID)
	require.NoError(t, err)
	assert.Len(t, accounts, len(company.Accounts))
	require.Len(t, company.Periods, 12)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), company.Periods[1].StartDate)
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), company.Periods[1].EndDate)
	assert.NotEqual(t, uuid.Nil, company.Account(memstore.CodeSuspense))
}

func TestFailedUnitOfWorkLeavesStateUntouched(t *testing.T) {
	store, ledger, company := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Ledger().WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		if err := tx.InsertAccount(ctx, accounting.Account{
			ID:        uuid.New(),
			CompanyID: company.ID,
			Code:      "7777",
			Name:      "Scratch",
			Type:      accounting.AccountTypeExpense,
			IsActive:  true,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = ledger.CreateAccount(ctx, accounting.AccountInput{
		CompanyID: company.ID,
		Code:      "7777",
		Name:      "Scratch",
		Type:      accounting.AccountTypeExpense,
	})
	require.NoError(t, err)
}

func TestCanceledContextIsRejected(t *testing.T) {
	store, _, _ := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := store.Ledger().WithTx(ctx, func(context.Context, accounting.TxRepository) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestCleanupDropsExpiredKeys(t *testing.T) {
	store, ledger, company := seeded(t)
	ctx := context.Background()

	post := func(key string) {
		_, err := ledger.Post(ctx, accounting.Draft{
			CompanyID:       company.ID,
			TransactionDate: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
			IdempotencyKey:  key,
			Lines: []accounting.LineInput{
				{AccountID: company.Account(memstore.CodeCash), Debit: decimal.NewFromInt(5), Credit: decimal.Zero},
				{AccountID: company.Account(memstore.CodeRevenue), Debit: decimal.Zero, Credit: decimal.NewFromInt(5)},
			},
		})
		require.NoError(t, err)
	}

	ledger.WithNow(func() time.Time { return time.Now().Add(-100 * time.Hour) })
	post("old")
	ledger.WithNow(time.Now)
	post("fresh")

	removed, err := store.Cleanup(ctx, shared.DefaultIdempotencyRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	err = store.Ledger().WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		_, err := tx.FindIdempotencyKey(ctx, company.ID, "ledger.post", "old")
		assert.ErrorIs(t, err, shared.ErrIdempotencyKeyNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestLookupsAreScopedByCompany(t *testing.T) {
	store, ledger, company := seeded(t)
	ctx := context.Background()
	txn, err := ledger.Post(ctx, accounting.Draft{
		CompanyID:       company.ID,
		TransactionDate: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		Lines: []accounting.LineInput{
			{AccountID: company.Account(memstore.CodeCash), Debit: decimal.NewFromInt(5), Credit: decimal.Zero},
			{AccountID: company.Account(memstore.CodeRevenue), Debit: decimal.Zero, Credit: decimal.NewFromInt(5)},
		},
	})
	require.NoError(t, err)
	other := uuid.New()

	err = store.Ledger().WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		_, err := tx.GetTransaction(ctx, other, txn.ID)
		assert.ErrorIs(t, err, shared.ErrCrossCompany)
		_, err = tx.GetTransaction(ctx, company.ID, uuid.New())
		assert.ErrorIs(t, err, accounting.ErrTransactionNotFound)
		_, err = tx.GetAccount(ctx, other, company.Account(memstore.CodeCash))
		assert.ErrorIs(t, err, shared.ErrCrossCompany)
		_, err = tx.GetPeriod(ctx, other, company.Periods[0].ID)
		assert.ErrorIs(t, err, shared.ErrCrossCompany)
		_, err = tx.GetFiscalYear(ctx, other, company.FiscalYear.ID)
		assert.ErrorIs(t, err, shared.ErrCrossCompany)
		return nil
	})
	require.NoError(t, err)

	_, err = ledger.GetTransaction(ctx, other, txn.ID)
	require.ErrorIs(t, err, shared.ErrCrossCompany)
	_, err = ledger.Void(ctx, accounting.VoidInput{CompanyID: other, TransactionID: txn.ID})
	require.ErrorIs(t, err, shared.ErrCrossCompany)
	_, err = ledger.Reverse(ctx, accounting.ReverseInput{CompanyID: other, TransactionID: txn.ID})
	require.ErrorIs(t, err, shared.ErrCrossCompany)
}

func TestVoidedReversalStopsNettingOriginal(t *testing.T) {
	store, ledger, company := seeded(t)
	ctx := context.Background()
	voidDay := time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC)
	ledger.WithNow(func() time.Time { return voidDay })

	original, err := ledger.Post(ctx, accounting.Draft{
		CompanyID:       company.ID,
		TransactionDate: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Lines: []accounting.LineInput{
			{AccountID: company.Account(memstore.CodeCash), Debit: decimal.NewFromInt(100), Credit: decimal.Zero},
			{AccountID: company.Account(memstore.CodeRevenue), Debit: decimal.Zero, Credit: decimal.NewFromInt(100)},
		},
	})
	require.NoError(t, err)
	_, err = ledger.Void(ctx, accounting.VoidInput{CompanyID: company.ID, TransactionID: original.ID, AutoReverse: true})
	require.NoError(t, err)

	// Force the reversal void underneath the service.
	err = store.Ledger().WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		stored, err := tx.GetTransaction(ctx, company.ID, original.ID)
		if err != nil {
			return err
		}
		reversal, err := tx.GetTransactionForUpdate(ctx, company.ID, *stored.ReversedByID)
		if err != nil {
			return err
		}
		reversal.Status = accounting.TransactionVoid
		reversal.VoidedAt = &voidDay
		return tx.UpdateTransactionState(ctx, reversal)
	})
	require.NoError(t, err)

	cash := company.Account(memstore.CodeCash)
	bal, err := ledger.AccountBalance(ctx, company.ID, cash, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero(), "balance %s", bal.Balance)

	bal, err = ledger.AccountBalance(ctx, company.ID, cash, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero(), "balance %s", bal.Balance)
}
