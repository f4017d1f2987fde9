package accounting

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// countsAt reports whether a line contributes to balances as of asOf. Posted
// lines always count. A void transaction counts until its void date, and for
// good when its reversal is still posted, since the pair nets to zero.
func (l BalanceLine) countsAt(asOf time.Time) bool {
	switch l.Status {
	case TransactionPosted:
		return true
	case TransactionVoid:
		if l.Reversed {
			return true
		}
		return l.VoidedAt != nil && shared.DateOf(*l.VoidedAt).After(shared.DateOf(asOf))
	}
	return false
}

// AccountBalance recomputes one account's balance from its lines.
func (s *Service) AccountBalance(ctx context.Context, companyID, accountID uuid.UUID, asOf time.Time) (AccountBalance, error) {
	var out AccountBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acc, err := tx.GetAccount(ctx, companyID, accountID)
		if err != nil {
			return err
		}
		if err := checkCompany(companyID, acc.CompanyID); err != nil {
			return err
		}
		lines, err := tx.BalanceLines(ctx, BalanceQuery{CompanyID: companyID, AccountID: &accountID, To: asOf})
		if err != nil {
			return err
		}
		sums := sumLines(lines, asOf)
		out = toBalance(acc, sums[accountID])
		return nil
	})
	return out, err
}

// TrialBalance lists every account of the company with its balance at asOf.
func (s *Service) TrialBalance(ctx context.Context, companyID uuid.UUID, asOf time.Time) (TrialBalance, error) {
	if companyID == uuid.Nil {
		return TrialBalance{}, shared.ErrCompanyRequired
	}
	tb := TrialBalance{CompanyID: companyID, AsOf: asOf, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		accounts, err := tx.ListAccounts(ctx, companyID)
		if err != nil {
			return err
		}
		lines, err := tx.BalanceLines(ctx, BalanceQuery{CompanyID: companyID, To: asOf})
		if err != nil {
			return err
		}
		sums := sumLines(lines, asOf)
		for _, acc := range accounts {
			bal := toBalance(acc, sums[acc.ID])
			tb.Accounts = append(tb.Accounts, bal)
			tb.TotalDebit = tb.TotalDebit.Add(bal.Debit)
			tb.TotalCredit = tb.TotalCredit.Add(bal.Credit)
		}
		return nil
	})
	return tb, err
}

// NetActivityTx returns per-account activity between from and to inclusive
// within the caller's unit of work. Accounts without activity are omitted.
func (s *Service) NetActivityTx(ctx context.Context, tx TxRepository, companyID uuid.UUID, from, to time.Time) ([]AccountBalance, error) {
	lines, err := tx.BalanceLines(ctx, BalanceQuery{CompanyID: companyID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	sums := sumLines(lines, to)
	ids := make([]uuid.UUID, 0, len(sums))
	for id := range sums {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := make([]AccountBalance, 0, len(ids))
	for _, id := range ids {
		acc, err := tx.GetAccount(ctx, companyID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, toBalance(acc, sums[id]))
	}
	return out, nil
}

type sidePair struct {
	debit  decimal.Decimal
	credit decimal.Decimal
}

func sumLines(lines []BalanceLine, asOf time.Time) map[uuid.UUID]sidePair {
	sums := make(map[uuid.UUID]sidePair)
	for _, l := range lines {
		if !l.countsAt(asOf) {
			continue
		}
		cur := sums[l.AccountID]
		cur.debit = cur.debit.Add(l.Debit)
		cur.credit = cur.credit.Add(l.Credit)
		sums[l.AccountID] = cur
	}
	return sums
}

func toBalance(acc Account, sums sidePair) AccountBalance {
	net := sums.debit.Sub(sums.credit)
	if acc.NormalBalance == NormalBalanceCredit {
		net = net.Neg()
	}
	return AccountBalance{
		AccountID:     acc.ID,
		Code:          acc.Code,
		Name:          acc.Name,
		Type:          acc.Type,
		NormalBalance: acc.NormalBalance,
		Debit:         sums.debit,
		Credit:        sums.credit,
		Balance:       net,
	}
}

// Companies lists every tenant owning at least one account.
func (s *Service) Companies(ctx context.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListCompanies(ctx)
		return err
	})
	return out, err
}

// IntegrityReport is the result of a ledger consistency scan.
type IntegrityReport struct {
	CompanyID   uuid.UUID
	AsOf        time.Time
	Checked     int
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
	// Mismatched lists transactions whose stored totals disagree with their
	// lines or whose sides differ.
	Mismatched []uuid.UUID
}

// OK reports whether the scan found nothing wrong.
func (r IntegrityReport) OK() bool {
	return len(r.Mismatched) == 0 && r.TotalDebit.Equal(r.TotalCredit)
}

// CheckIntegrity recomputes the totals of every posted or voided transaction
// from its lines and verifies the trial balance at asOf.
func (s *Service) CheckIntegrity(ctx context.Context, companyID uuid.UUID, asOf time.Time) (IntegrityReport, error) {
	if companyID == uuid.Nil {
		return IntegrityReport{}, shared.ErrCompanyRequired
	}
	report := IntegrityReport{CompanyID: companyID, AsOf: asOf, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		txns, err := tx.ListTransactions(ctx, TransactionFilter{CompanyID: companyID, To: asOf})
		if err != nil {
			return err
		}
		for _, txn := range txns {
			if txn.Status == TransactionDraft {
				continue
			}
			report.Checked++
			debit, credit := computeTotals(txn.Lines)
			if !debit.Equal(credit) || !debit.Equal(txn.TotalDebit) || !credit.Equal(txn.TotalCredit) {
				report.Mismatched = append(report.Mismatched, txn.ID)
			}
		}
		lines, err := tx.BalanceLines(ctx, BalanceQuery{CompanyID: companyID, To: asOf})
		if err != nil {
			return err
		}
		for _, sums := range sumLines(lines, asOf) {
			report.TotalDebit = report.TotalDebit.Add(sums.debit)
			report.TotalCredit = report.TotalCredit.Add(sums.credit)
		}
		return nil
	})
	return report, err
}
