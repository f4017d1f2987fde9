package close_test

import (
	"context"
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

func ymd(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type harness struct {
	ledger   *accounting.Service
	calendar *close.Service
	company  memstore.Company
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	ledger := accounting.NewService(store.Ledger(), nil, accounting.ServiceConfig{})
	calendar := close.NewService(store.Periods(), ledger, nil, nil)
	company, err := memstore.Seed(context.Background(), ledger, calendar, 2025)
	require.NoError(t, err)
	return &harness{ledger: ledger, calendar: calendar, company: company}
}

func (h *harness) yearInput(name string, start, end time.Time, freq close.Frequency) close.FiscalYearInput {
	return close.FiscalYearInput{
		CompanyID:                 h.company.ID,
		Name:                      name,
		StartDate:                 start,
		EndDate:                   end,
		RetainedEarningsAccountID: h.company.Account(memstore.CodeRetainedEarnings),
		Frequency:                 freq,
	}
}

func (h *harness) post(t *testing.T, on time.Time, debit, credit, amount string) accounting.Transaction {
	t.Helper()
	value := decimal.RequireFromString(amount)
	txn, err := h.ledger.Post(context.Background(), accounting.Draft{
		CompanyID:       h.company.ID,
		TransactionDate: on,
		Lines: []accounting.LineInput{
			{AccountID: h.company.Account(debit), Debit: value, Credit: decimal.Zero},
			{AccountID: h.company.Account(credit), Debit: decimal.Zero, Credit: value},
		},
	})
	require.NoError(t, err)
	return txn
}

func (h *harness) closeRegularPeriods(t *testing.T) {
	t.Helper()
	for _, p := range h.company.Periods {
		_, err := h.calendar.ClosePeriod(context.Background(), h.company.ID, p.ID, uuid.Nil)
		require.NoError(t, err)
	}
}

func TestCreateFiscalYearSplitsPeriods(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Len(t, h.company.Periods, 12)
	for i := 1; i < len(h.company.Periods); i++ {
		prev, cur := h.company.Periods[i-1], h.company.Periods[i]
		assert.Equal(t, prev.EndDate.AddDate(0, 0, 1), cur.StartDate)
	}
	assert.Equal(t, ymd(2025, 2, 28), h.company.Periods[1].EndDate)

	in := h.yearInput("FY2026", ymd(2026, 1, 1), ymd(2026, 12, 31), close.FrequencyQuarterly)
	in.WithAdjustmentPeriod = true
	_, periods, err := h.calendar.CreateFiscalYear(ctx, in)
	require.NoError(t, err)
	require.Len(t, periods, 5)
	assert.Equal(t, ymd(2026, 3, 31), periods[0].EndDate)
	assert.True(t, periods[4].IsAdjustment)
	assert.Equal(t, ymd(2026, 12, 31), periods[4].StartDate)
	assert.Equal(t, 5, periods[4].Number)

	_, periods, err = h.calendar.CreateFiscalYear(ctx, h.yearInput("FY2027", ymd(2027, 1, 1), ymd(2027, 12, 31), close.FrequencySingle))
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, ymd(2027, 12, 31), periods[0].EndDate)

	years, err := h.calendar.ListFiscalYears(ctx, h.company.ID)
	require.NoError(t, err)
	require.Len(t, years, 3)
	assert.Equal(t, "FY2025", years[0].Name)
}

func TestCreateFiscalYearRejectsOverlapAndBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.calendar.CreateFiscalYear(ctx, h.yearInput("Mid", ymd(2025, 7, 1), ymd(2026, 6, 30), close.FrequencyMonthly))
	require.ErrorIs(t, err, close.ErrFiscalYearOverlap)

	_, _, err = h.calendar.CreateFiscalYear(ctx, h.yearInput("Backwards", ymd(2026, 12, 31), ymd(2026, 1, 1), close.FrequencyMonthly))
	require.ErrorIs(t, err, close.ErrInvalidDates)

	bad := h.yearInput("FY2026", ymd(2026, 1, 1), ymd(2026, 12, 31), close.FrequencyMonthly)
	bad.RetainedEarningsAccountID = h.company.Account(memstore.CodeCash)
	_, _, err = h.calendar.CreateFiscalYear(ctx, bad)
	require.ErrorIs(t, err, close.ErrInvalidRetainedEarnings)

	bad.RetainedEarningsAccountID = uuid.Nil
	_, _, err = h.calendar.CreateFiscalYear(ctx, bad)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestAddPeriodMustBeContiguous(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fy, periods, err := h.calendar.CreateFiscalYear(ctx, h.yearInput("FY2026", ymd(2026, 1, 1), ymd(2026, 12, 31), close.FrequencyNone))
	require.NoError(t, err)
	require.Empty(t, periods)

	add := func(name string, start, end time.Time) (accounting.Period, error) {
		return h.calendar.AddPeriod(ctx, close.PeriodInput{
			CompanyID:    h.company.ID,
			FiscalYearID: fy.ID,
			Name:         name,
			StartDate:    start,
			EndDate:      end,
		})
	}

	_, err = add("Late", ymd(2026, 1, 2), ymd(2026, 1, 31))
	require.ErrorIs(t, err, close.ErrPeriodNotContiguous)
	_, err = add("Blip", ymd(2026, 1, 1), ymd(2026, 1, 1))
	require.ErrorIs(t, err, close.ErrInvalidDates)
	_, err = add("Backwards", ymd(2026, 1, 31), ymd(2026, 1, 1))
	require.ErrorIs(t, err, close.ErrInvalidDates)

	first, err := add("H1", ymd(2026, 1, 1), ymd(2026, 6, 30))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Number)

	_, err = add("Gap", ymd(2026, 7, 2), ymd(2026, 12, 31))
	require.ErrorIs(t, err, close.ErrPeriodNotContiguous)
	_, err = add("Overlap", ymd(2026, 6, 30), ymd(2026, 12, 31))
	require.ErrorIs(t, err, close.ErrPeriodNotContiguous)
	_, err = add("Spill", ymd(2026, 7, 1), ymd(2027, 1, 31))
	require.ErrorIs(t, err, close.ErrPeriodOutsideYear)

	second, err := add("H2", ymd(2026, 7, 1), ymd(2026, 12, 31))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Number)

	found, err := h.calendar.FindPeriodByDate(ctx, h.company.ID, ymd(2026, 8, 15))
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)
}

func TestRegularPeriodsEndAfterTheyStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := h.yearInput("Short", ymd(2026, 1, 1), ymd(2026, 2, 1), close.FrequencyMonthly)
	in.WithAdjustmentPeriod = true
	_, periods, err := h.calendar.CreateFiscalYear(ctx, in)
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, ymd(2026, 1, 1), periods[0].StartDate)
	assert.Equal(t, ymd(2026, 2, 1), periods[0].EndDate)
	assert.True(t, periods[1].IsAdjustment)
	assert.Equal(t, periods[1].StartDate, periods[1].EndDate)
}

func TestClosePeriodWaitsForDrafts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	march := h.company.Periods[2]

	draft, err := h.ledger.SaveDraft(ctx, accounting.Draft{
		CompanyID:       h.company.ID,
		TransactionDate: ymd(2025, 3, 3),
		Lines: []accounting.LineInput{
			{AccountID: h.company.Account(memstore.CodeCash), Debit: decimal.NewFromInt(5), Credit: decimal.Zero},
		},
	})
	require.NoError(t, err)

	_, err = h.calendar.ClosePeriod(ctx, h.company.ID, march.ID, uuid.Nil)
	require.ErrorIs(t, err, close.ErrDraftsPending)

	closing, err := h.calendar.BeginClosing(ctx, h.company.ID, march.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, accounting.PeriodStatusClosing, closing.Status)

	_, err = h.ledger.SaveDraft(ctx, accounting.Draft{CompanyID: h.company.ID, TransactionDate: ymd(2025, 3, 4)})
	require.ErrorIs(t, err, accounting.ErrPeriodClosing)
	h.post(t, ymd(2025, 3, 4), memstore.CodeCash, memstore.CodeRevenue, "10")

	require.NoError(t, h.ledger.DeleteDraft(ctx, h.company.ID, draft.ID, uuid.Nil))
	closed, err := h.calendar.ClosePeriod(ctx, h.company.ID, march.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, accounting.PeriodStatusClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	_, err = h.calendar.BeginClosing(ctx, h.company.ID, march.ID, uuid.Nil)
	require.ErrorIs(t, err, shared.ErrInvalidPeriodTransition)

	_, err = h.calendar.ClosePeriod(ctx, uuid.New(), march.ID, uuid.Nil)
	require.ErrorIs(t, err, shared.ErrCrossCompany)
}

func TestCloseFiscalYearMovesIncomeToRetainedEarnings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, ymd(2025, 3, 10), memstore.CodeCash, memstore.CodeRevenue, "300")
	h.post(t, ymd(2025, 6, 5), memstore.CodeExpense, memstore.CodeCash, "100")

	_, err := h.calendar.CloseFiscalYear(ctx, h.company.ID, h.company.FiscalYear.ID, uuid.Nil)
	require.ErrorIs(t, err, close.ErrPeriodsOpen)

	h.closeRegularPeriods(t)
	res, err := h.calendar.CloseFiscalYear(ctx, h.company.ID, h.company.FiscalYear.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.AccountsClosed)
	require.NotNil(t, res.ClosingTransactionID)

	closing, err := h.ledger.GetTransaction(ctx, h.company.ID, *res.ClosingTransactionID)
	require.NoError(t, err)
	assert.Equal(t, accounting.TransactionTypeYearEndClose, closing.Type)
	assert.Equal(t, res.AdjustmentPeriodID, closing.PeriodID)
	assert.Equal(t, ymd(2025, 12, 31), closing.TransactionDate)

	balance := func(code string) decimal.Decimal {
		bal, err := h.ledger.AccountBalance(ctx, h.company.ID, h.company.Account(code), ymd(2025, 12, 31))
		require.NoError(t, err)
		return bal.Balance
	}
	assert.True(t, balance(memstore.CodeRevenue).IsZero())
	assert.True(t, balance(memstore.CodeExpense).IsZero())
	assert.True(t, balance(memstore.CodeRetainedEarnings).Equal(decimal.NewFromInt(200)))
	assert.True(t, balance(memstore.CodeCash).Equal(decimal.NewFromInt(200)))

	tb, err := h.ledger.TrialBalance(ctx, h.company.ID, ymd(2025, 12, 31))
	require.NoError(t, err)
	assert.True(t, tb.Balanced())

	periods, err := h.calendar.ListPeriods(ctx, h.company.ID, h.company.FiscalYear.ID)
	require.NoError(t, err)
	require.Len(t, periods, 13)
	assert.True(t, periods[12].IsAdjustment)
	assert.Equal(t, accounting.PeriodStatusClosed, periods[12].Status)

	dec31, err := h.calendar.FindPeriodByDate(ctx, h.company.ID, ymd(2025, 12, 31))
	require.NoError(t, err)
	assert.False(t, dec31.IsAdjustment)

	years, err := h.calendar.ListFiscalYears(ctx, h.company.ID)
	require.NoError(t, err)
	assert.Equal(t, accounting.FiscalYearClosed, years[0].Status)

	_, err = h.calendar.CloseFiscalYear(ctx, h.company.ID, h.company.FiscalYear.ID, uuid.Nil)
	require.ErrorIs(t, err, close.ErrFiscalYearClosed)
}

func TestCloseFiscalYearWithoutActivityPostsNothing(t *testing.T) {
	h := newHarness(t)
	h.closeRegularPeriods(t)
	res, err := h.calendar.CloseFiscalYear(context.Background(), h.company.ID, h.company.FiscalYear.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Nil(t, res.ClosingTransactionID)
	assert.Zero(t, res.AccountsClosed)
}
