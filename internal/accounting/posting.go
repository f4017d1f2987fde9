package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	idempotencyScopePost = "ledger.post"
	maxDimensions        = 3
)

type prepareMode int

const (
	preparePost prepareMode = iota
	prepareDraft
)

type postOptions struct {
	reversalOf *uuid.UUID
	corrects   *uuid.UUID
	amendedBy  uuid.UUID
}

func (s *Service) postTx(ctx context.Context, tx TxRepository, draft Draft, opts postOptions) (Transaction, bool, error) {
	if err := checkShape(draft); err != nil {
		return Transaction{}, false, err
	}
	var hash string
	if draft.IdempotencyKey != "" {
		var err error
		hash, err = shared.RequestHash(draft)
		if err != nil {
			return Transaction{}, false, err
		}
		resultID, hit, err := shared.ReplayCheck(ctx, tx, draft.CompanyID, idempotencyScopePost, draft.IdempotencyKey, hash, s.now(), s.retention)
		if err != nil {
			return Transaction{}, false, err
		}
		if hit {
			txn, err := tx.GetTransaction(ctx, draft.CompanyID, resultID)
			if err != nil {
				return Transaction{}, false, err
			}
			return txn, true, nil
		}
	}

	txn, err := s.prepare(ctx, tx, draft, preparePost)
	if err != nil {
		return Transaction{}, false, err
	}
	s.markPosted(&txn, draft.ActorID)
	txn.ReversalOfID = opts.reversalOf
	if opts.corrects != nil {
		now := s.now()
		txn.CorrectsID = opts.corrects
		txn.AmendedByUserID = uuidPtr(opts.amendedBy)
		txn.AmendedAt = &now
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return Transaction{}, false, err
	}
	if draft.IdempotencyKey != "" {
		if err := tx.SaveIdempotencyKey(ctx, shared.IdempotencyRecord{
			CompanyID:   draft.CompanyID,
			Scope:       idempotencyScopePost,
			Key:         draft.IdempotencyKey,
			RequestHash: hash,
			ResultID:    txn.ID,
			CreatedAt:   s.now(),
		}); err != nil {
			return Transaction{}, false, err
		}
	}
	return txn, false, nil
}

// checkShape rejects a draft without a company or with fewer than two lines.
func checkShape(draft Draft) error {
	if draft.CompanyID == uuid.Nil {
		return fmt.Errorf("%w: %w", ErrMalformedDraft, shared.ErrCompanyRequired)
	}
	if len(draft.Lines) < 2 {
		return fmt.Errorf("%w: %d lines", ErrMalformedDraft, len(draft.Lines))
	}
	return nil
}

// prepare runs the posting checks in order: draft shape, accounts, period,
// balance, line shape. The first failing check decides the error. Drafts skip
// everything after the period check.
func (s *Service) prepare(ctx context.Context, tx TxRepository, draft Draft, mode prepareMode) (Transaction, error) {
	if draft.CompanyID == uuid.Nil {
		return Transaction{}, shared.ErrCompanyRequired
	}
	if mode == preparePost {
		if err := checkShape(draft); err != nil {
			return Transaction{}, err
		}
	}
	if draft.TransactionDate.IsZero() {
		return Transaction{}, fmt.Errorf("%w: transaction date required", shared.ErrInvalidInput)
	}
	currency := strings.ToUpper(draft.Currency)
	if currency == "" {
		currency = s.base
	}
	rate := draft.ExchangeRate
	if currency == s.base {
		rate = decimal.NewFromInt(1)
	} else if !rate.IsPositive() {
		return Transaction{}, ErrInvalidExchangeRate
	}
	if draft.Rounding != nil && (draft.Rounding.AccountID == uuid.Nil || !draft.Rounding.Tolerance.IsPositive()) {
		return Transaction{}, ErrInvalidRounding
	}

	// (a) accounts
	for idx, line := range draft.Lines {
		if err := s.checkAccount(ctx, tx, draft.CompanyID, line.AccountID, currency); err != nil {
			return Transaction{}, fmt.Errorf("line %d: %w", idx+1, err)
		}
	}
	if draft.Rounding != nil {
		if err := s.checkAccount(ctx, tx, draft.CompanyID, draft.Rounding.AccountID, ""); err != nil {
			return Transaction{}, fmt.Errorf("rounding account: %w", err)
		}
	}

	// (b) period
	period, err := s.resolvePeriod(ctx, tx, draft)
	if err != nil {
		return Transaction{}, err
	}
	if mode == prepareDraft && period.Status == PeriodStatusClosing {
		return Transaction{}, ErrPeriodClosing
	}

	lines := make([]JournalEntry, 0, len(draft.Lines)+1)
	for _, in := range draft.Lines {
		lines = append(lines, JournalEntry{
			AccountID:      in.AccountID,
			Description:    in.Description,
			Debit:          in.Debit,
			Credit:         in.Credit,
			CurrencyDebit:  in.Debit,
			CurrencyCredit: in.Credit,
			Dimensions:     in.Dimensions,
		})
	}

	if mode == preparePost {
		// (c) balance, in transaction currency then in base currency
		lines, err = s.balance(lines, draft.Rounding, func(l *JournalEntry) (decimal.Decimal, decimal.Decimal) {
			return l.CurrencyDebit, l.CurrencyCredit
		}, func(l *JournalEntry, dr, cr decimal.Decimal) {
			l.CurrencyDebit, l.CurrencyCredit = dr, cr
			l.Debit, l.Credit = dr, cr
		})
		if err != nil {
			return Transaction{}, err
		}
		if currency != s.base {
			for i := range lines {
				lines[i].Debit = shared.RoundAmount(lines[i].CurrencyDebit.Mul(rate), s.scale)
				lines[i].Credit = shared.RoundAmount(lines[i].CurrencyCredit.Mul(rate), s.scale)
			}
			lines, err = s.balance(lines, draft.Rounding, func(l *JournalEntry) (decimal.Decimal, decimal.Decimal) {
				return l.Debit, l.Credit
			}, func(l *JournalEntry, dr, cr decimal.Decimal) {
				l.Debit, l.Credit = dr, cr
			})
			if err != nil {
				return Transaction{}, fmt.Errorf("after conversion to %s: %w", s.base, err)
			}
		}

		// (d) line shape
		if err := s.checkLines(lines); err != nil {
			return Transaction{}, err
		}
	} else {
		for i := range lines {
			lines[i].Debit = shared.RoundAmount(lines[i].CurrencyDebit.Mul(rate), s.scale)
			lines[i].Credit = shared.RoundAmount(lines[i].CurrencyCredit.Mul(rate), s.scale)
		}
	}

	now := s.now()
	id := uuid.New()
	for i := range lines {
		lines[i].ID = uuid.New()
		lines[i].TransactionID = id
		lines[i].CompanyID = draft.CompanyID
		lines[i].LineNumber = i + 1
		if currency == s.base {
			lines[i].CurrencyDebit = decimal.Zero
			lines[i].CurrencyCredit = decimal.Zero
		}
	}
	postingDate := draft.PostingDate
	if postingDate.IsZero() {
		postingDate = now
	}
	txType := draft.Type
	if txType == "" {
		txType = TransactionTypeJournal
	}
	txn := Transaction{
		ID:              id,
		CompanyID:       draft.CompanyID,
		Type:            txType,
		Reference:       draft.Reference,
		Description:     draft.Description,
		TransactionDate: shared.DateOf(draft.TransactionDate),
		PostingDate:     shared.DateOf(postingDate),
		FiscalYearID:    period.FiscalYearID,
		PeriodID:        period.ID,
		Currency:        currency,
		BaseCurrency:    s.base,
		ExchangeRate:    rate,
		CreatedAt:       now,
		CreatedBy:       uuidPtr(draft.ActorID),
		Lines:           lines,
	}
	txn.TotalDebit, txn.TotalCredit = computeTotals(lines)
	return txn, nil
}

func (s *Service) checkAccount(ctx context.Context, tx TxRepository, companyID, accountID uuid.UUID, currency string) error {
	if accountID == uuid.Nil {
		return fmt.Errorf("%w: account id missing", ErrUnknownAccount)
	}
	acc, err := tx.GetAccount(ctx, companyID, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if err != nil {
		return err
	}
	if acc.CompanyID != companyID {
		return fmt.Errorf("%w: account %s", shared.ErrCrossCompany, accountID)
	}
	if !acc.IsActive {
		return fmt.Errorf("%w: %s", ErrInactiveAccount, acc.Code)
	}
	if currency != "" && acc.Currency != "" && acc.Currency != currency {
		return fmt.Errorf("%w: account %s is %s, transaction is %s", ErrCurrencyMismatch, acc.Code, acc.Currency, currency)
	}
	return nil
}

func (s *Service) resolvePeriod(ctx context.Context, tx TxRepository, draft Draft) (Period, error) {
	periodID := draft.PeriodID
	if periodID == uuid.Nil {
		found, err := tx.FindPeriodByDate(ctx, draft.CompanyID, draft.TransactionDate)
		if err != nil {
			return Period{}, err
		}
		periodID = found.ID
	}
	period, err := tx.GetPeriodForUpdate(ctx, draft.CompanyID, periodID)
	if err != nil {
		return Period{}, err
	}
	if period.CompanyID != draft.CompanyID {
		return Period{}, fmt.Errorf("%w: period %s", shared.ErrCrossCompany, period.ID)
	}
	if period.Status == PeriodStatusClosed {
		return Period{}, fmt.Errorf("%w: %s", ErrClosedPeriod, period.Name)
	}
	if !period.Contains(draft.TransactionDate) {
		return Period{}, fmt.Errorf("%w: %s not in %s", ErrDateOutOfRange, draft.TransactionDate.Format("2006-01-02"), period.Name)
	}
	return period, nil
}

// balance requires exact equality of the selected sides. With a rounding
// option a difference within tolerance goes to the rounding account.
func (s *Service) balance(
	lines []JournalEntry,
	rounding *RoundingOption,
	get func(*JournalEntry) (decimal.Decimal, decimal.Decimal),
	set func(*JournalEntry, decimal.Decimal, decimal.Decimal),
) ([]JournalEntry, error) {
	debit, credit := decimal.Zero, decimal.Zero
	for i := range lines {
		dr, cr := get(&lines[i])
		debit = debit.Add(dr)
		credit = credit.Add(cr)
	}
	diff := debit.Sub(credit)
	if diff.IsZero() {
		return lines, nil
	}
	if rounding == nil || diff.Abs().GreaterThan(rounding.Tolerance) {
		return nil, fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit.StringFixed(s.scale), credit.StringFixed(s.scale))
	}
	adj := JournalEntry{AccountID: rounding.AccountID, Description: "Rounding", Debit: decimal.Zero, Credit: decimal.Zero, CurrencyDebit: decimal.Zero, CurrencyCredit: decimal.Zero}
	if diff.IsPositive() {
		set(&adj, decimal.Zero, diff)
	} else {
		set(&adj, diff.Neg(), decimal.Zero)
	}
	return append(lines, adj), nil
}

func (s *Service) checkLines(lines []JournalEntry) error {
	if len(lines) < 2 {
		return fmt.Errorf("%w: at least two lines required", ErrMalformedLine)
	}
	for idx, line := range lines {
		n := idx + 1
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d negative amount", ErrMalformedLine, n)
		}
		if !line.Debit.IsZero() && !line.Credit.IsZero() {
			return fmt.Errorf("%w: line %d cannot be both debit and credit", ErrMalformedLine, n)
		}
		if line.Debit.IsZero() && line.Credit.IsZero() {
			return fmt.Errorf("%w: line %d has no amount", ErrMalformedLine, n)
		}
		if shared.ExceedsScale(line.Debit, s.scale) || shared.ExceedsScale(line.Credit, s.scale) {
			return fmt.Errorf("%w: line %d exceeds %d decimals", ErrMalformedLine, n, s.scale)
		}
		if len(line.Dimensions) > maxDimensions {
			return fmt.Errorf("%w: line %d has more than %d dimensions", ErrMalformedLine, n, maxDimensions)
		}
	}
	return nil
}

func (s *Service) markPosted(txn *Transaction, actorID uuid.UUID) {
	now := s.now()
	txn.Status = TransactionPosted
	txn.PostedAt = &now
	txn.PostedBy = uuidPtr(actorID)
}

// computeTotals derives header totals from the lines.
func computeTotals(lines []JournalEntry) (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit, credit
}

func draftFromTransaction(txn Transaction) Draft {
	foreign := txn.Currency != "" && txn.Currency != txn.BaseCurrency
	lines := make([]LineInput, 0, len(txn.Lines))
	for _, l := range txn.Lines {
		in := LineInput{AccountID: l.AccountID, Description: l.Description, Debit: l.Debit, Credit: l.Credit, Dimensions: l.Dimensions}
		if foreign {
			in.Debit, in.Credit = l.CurrencyDebit, l.CurrencyCredit
		}
		lines = append(lines, in)
	}
	return Draft{
		CompanyID:       txn.CompanyID,
		Type:            txn.Type,
		Reference:       txn.Reference,
		Description:     txn.Description,
		TransactionDate: txn.TransactionDate,
		PostingDate:     txn.PostingDate,
		PeriodID:        txn.PeriodID,
		Currency:        txn.Currency,
		ExchangeRate:    txn.ExchangeRate,
		Lines:           lines,
	}
}

// mirrorLines returns inputs with debit and credit exchanged in the original
// currency. A base-only conversion rounding line becomes a rounding option so
// the mirror nets the original exactly.
func mirrorLines(txn Transaction) ([]LineInput, *RoundingOption) {
	foreign := txn.Currency != "" && txn.Currency != txn.BaseCurrency
	var rounding *RoundingOption
	out := make([]LineInput, 0, len(txn.Lines))
	for _, l := range txn.Lines {
		dr, cr := l.Debit, l.Credit
		if foreign {
			if l.CurrencyDebit.IsZero() && l.CurrencyCredit.IsZero() {
				rounding = &RoundingOption{AccountID: l.AccountID, Tolerance: l.Debit.Add(l.Credit)}
				continue
			}
			dr, cr = l.CurrencyDebit, l.CurrencyCredit
		}
		out = append(out, LineInput{
			AccountID:   l.AccountID,
			Description: l.Description,
			Debit:       cr,
			Credit:      dr,
			Dimensions:  l.Dimensions,
		})
	}
	return out, rounding
}
