package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func (t *Tx) FindIdempotencyKey(_ context.Context, companyID uuid.UUID, scope, key string) (shared.IdempotencyRecord, error) {
	rec, ok := t.s.idempotency[idemKey{company: companyID, scope: scope, key: key}]
	if !ok {
		return shared.IdempotencyRecord{}, shared.ErrIdempotencyKeyNotFound
	}
	return rec, nil
}

func (t *Tx) SaveIdempotencyKey(_ context.Context, rec shared.IdempotencyRecord) error {
	t.s.idempotency[idemKey{company: rec.CompanyID, scope: rec.Scope, key: rec.Key}] = rec
	return nil
}

func (t *Tx) InsertAccount(_ context.Context, acc accounting.Account) error {
	for _, other := range t.s.accounts {
		if other.CompanyID == acc.CompanyID && other.Code == acc.Code {
			return fmt.Errorf("%w: %s", accounting.ErrDuplicateAccountCode, acc.Code)
		}
	}
	t.s.accounts[acc.ID] = acc
	return nil
}

func (t *Tx) GetAccount(_ context.Context, companyID, id uuid.UUID) (accounting.Account, error) {
	return scoped(t.s.accounts, accountCompany, companyID, id, accounting.ErrAccountNotFound)
}

func (t *Tx) GetAccountByCode(_ context.Context, companyID uuid.UUID, code string) (accounting.Account, error) {
	for _, acc := range t.s.accounts {
		if acc.CompanyID == companyID && acc.Code == code {
			return acc, nil
		}
	}
	return accounting.Account{}, accounting.ErrAccountNotFound
}

func (t *Tx) ListAccounts(_ context.Context, companyID uuid.UUID) ([]accounting.Account, error) {
	var out []accounting.Account
	for _, acc := range t.s.accounts {
		if acc.CompanyID == companyID {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *Tx) SetAccountActive(_ context.Context, companyID, id uuid.UUID, active bool, at time.Time) error {
	acc, err := scoped(t.s.accounts, accountCompany, companyID, id, accounting.ErrAccountNotFound)
	if err != nil {
		return err
	}
	acc.IsActive = active
	acc.UpdatedAt = at
	t.s.accounts[id] = acc
	return nil
}

func (t *Tx) ListCompanies(_ context.Context) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, acc := range t.s.accounts {
		if !seen[acc.CompanyID] {
			seen[acc.CompanyID] = true
			out = append(out, acc.CompanyID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (t *Tx) GetFiscalYear(_ context.Context, companyID, id uuid.UUID) (accounting.FiscalYear, error) {
	return scoped(t.s.fiscalYears, fiscalYearCompany, companyID, id, accounting.ErrFiscalYearNotFound)
}

func (t *Tx) GetPeriod(_ context.Context, companyID, id uuid.UUID) (accounting.Period, error) {
	return scoped(t.s.periods, periodCompany, companyID, id, accounting.ErrPeriodNotFound)
}

func (t *Tx) GetPeriodForUpdate(ctx context.Context, companyID, id uuid.UUID) (accounting.Period, error) {
	return t.GetPeriod(ctx, companyID, id)
}

func (t *Tx) FindPeriodByDate(_ context.Context, companyID uuid.UUID, date time.Time) (accounting.Period, error) {
	var (
		found accounting.Period
		ok    bool
	)
	for _, p := range t.s.periods {
		if p.CompanyID != companyID || p.IsAdjustment || !p.Contains(date) {
			continue
		}
		if !ok || p.StartDate.Before(found.StartDate) {
			found, ok = p, true
		}
	}
	if !ok {
		return accounting.Period{}, accounting.ErrPeriodNotFound
	}
	return found, nil
}

func copyTransaction(txn accounting.Transaction) accounting.Transaction {
	lines := make([]accounting.JournalEntry, len(txn.Lines))
	for i, l := range txn.Lines {
		l.Dimensions = append([]string(nil), l.Dimensions...)
		lines[i] = l
	}
	txn.Lines = lines
	return txn
}

func (t *Tx) InsertTransaction(_ context.Context, txn accounting.Transaction) error {
	t.s.transactions[txn.ID] = copyTransaction(txn)
	t.s.txSeq[txn.ID] = t.s.next()
	return nil
}

func (t *Tx) GetTransaction(_ context.Context, companyID, id uuid.UUID) (accounting.Transaction, error) {
	txn, err := scoped(t.s.transactions, transactionCompany, companyID, id, accounting.ErrTransactionNotFound)
	if err != nil {
		return accounting.Transaction{}, err
	}
	return copyTransaction(txn), nil
}

func (t *Tx) GetTransactionForUpdate(ctx context.Context, companyID, id uuid.UUID) (accounting.Transaction, error) {
	return t.GetTransaction(ctx, companyID, id)
}

func (t *Tx) UpdateTransactionState(_ context.Context, txn accounting.Transaction) error {
	cur, err := scoped(t.s.transactions, transactionCompany, txn.CompanyID, txn.ID, accounting.ErrTransactionNotFound)
	if err != nil {
		return err
	}
	cur.Status = txn.Status
	cur.ReversedByID = txn.ReversedByID
	cur.AmendedByID = txn.AmendedByID
	cur.IsLocked = txn.IsLocked
	cur.LockReason = txn.LockReason
	cur.LockedAt = txn.LockedAt
	cur.LockedBy = txn.LockedBy
	cur.VoidedAt = txn.VoidedAt
	cur.VoidedBy = txn.VoidedBy
	cur.VoidReason = txn.VoidReason
	t.s.transactions[txn.ID] = cur
	return nil
}

func (t *Tx) DeleteDraft(_ context.Context, companyID, id uuid.UUID) error {
	cur, err := scoped(t.s.transactions, transactionCompany, companyID, id, accounting.ErrTransactionNotFound)
	if err != nil {
		return err
	}
	if cur.Status != accounting.TransactionDraft {
		return accounting.ErrTransactionNotFound
	}
	delete(t.s.transactions, id)
	delete(t.s.txSeq, id)
	return nil
}

func (t *Tx) ListTransactions(_ context.Context, f accounting.TransactionFilter) ([]accounting.Transaction, error) {
	var out []accounting.Transaction
	for _, txn := range t.s.transactions {
		if txn.CompanyID != f.CompanyID {
			continue
		}
		if f.PeriodID != nil && txn.PeriodID != *f.PeriodID {
			continue
		}
		if f.Status != "" && txn.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && txn.TransactionDate.Before(shared.DateOf(f.From)) {
			continue
		}
		if !f.To.IsZero() && txn.TransactionDate.After(shared.DateOf(f.To)) {
			continue
		}
		out = append(out, copyTransaction(txn))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.Before(out[j].TransactionDate)
		}
		return t.s.txSeq[out[i].ID] < t.s.txSeq[out[j].ID]
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *Tx) BalanceLines(_ context.Context, q accounting.BalanceQuery) ([]accounting.BalanceLine, error) {
	to := shared.DateOf(q.To)
	var out []accounting.BalanceLine
	for _, txn := range t.s.transactions {
		if txn.CompanyID != q.CompanyID {
			continue
		}
		if txn.Status != accounting.TransactionPosted && txn.Status != accounting.TransactionVoid {
			continue
		}
		date := shared.DateOf(txn.TransactionDate)
		if date.After(to) || (!q.From.IsZero() && date.Before(shared.DateOf(q.From))) {
			continue
		}
		for _, l := range txn.Lines {
			if q.AccountID != nil && l.AccountID != *q.AccountID {
				continue
			}
			out = append(out, accounting.BalanceLine{
				AccountID:       l.AccountID,
				Debit:           l.Debit,
				Credit:          l.Credit,
				TransactionDate: txn.TransactionDate,
				Status:          txn.Status,
				VoidedAt:        txn.VoidedAt,
				Reversed:        t.reversalPosted(txn),
			})
		}
	}
	return out, nil
}

// reversalPosted reports whether txn is neutralised by a reversal that still
// stands. A voided reversal no longer offsets the original.
func (t *Tx) reversalPosted(txn accounting.Transaction) bool {
	if txn.ReversedByID == nil {
		return false
	}
	rev, ok := t.s.transactions[*txn.ReversedByID]
	return ok && rev.CompanyID == txn.CompanyID && rev.Status == accounting.TransactionPosted
}
