package close

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Service orchestrates the fiscal calendar and period lifecycle.
type Service struct {
	repo   RepositoryPort
	ledger *accounting.Service
	audit  accounting.AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo RepositoryPort, ledger *accounting.Service, audit accounting.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		repo:   repo,
		ledger: ledger,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateFiscalYear stores a fiscal year and generates its periods.
func (s *Service) CreateFiscalYear(ctx context.Context, in FiscalYearInput) (accounting.FiscalYear, []accounting.Period, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := shared.ValidateStruct(in); err != nil {
		return accounting.FiscalYear{}, nil, err
	}
	start, end := shared.DateOf(in.StartDate), shared.DateOf(in.EndDate)
	if !end.After(start) {
		return accounting.FiscalYear{}, nil, ErrInvalidDates
	}
	freq := in.Frequency
	if freq == "" {
		freq = FrequencyMonthly
	}
	var (
		fy      accounting.FiscalYear
		periods []accounting.Period
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := checkRetainedEarnings(ctx, tx, in.CompanyID, in.RetainedEarningsAccountID); err != nil {
			return err
		}
		overlap, err := tx.FiscalYearOverlaps(ctx, in.CompanyID, start, end)
		if err != nil {
			return err
		}
		if overlap {
			return ErrFiscalYearOverlap
		}
		now := s.now()
		fy = accounting.FiscalYear{
			ID:                        uuid.New(),
			CompanyID:                 in.CompanyID,
			Name:                      in.Name,
			StartDate:                 start,
			EndDate:                   end,
			Status:                    accounting.FiscalYearOpen,
			RetainedEarningsAccountID: in.RetainedEarningsAccountID,
			CreatedAt:                 now,
		}
		if err := tx.InsertFiscalYear(ctx, fy); err != nil {
			return err
		}
		periods = splitYear(fy, freq, now)
		if in.WithAdjustmentPeriod {
			periods = append(periods, adjustmentPeriod(fy, len(periods)+1, now))
		}
		for _, p := range periods {
			if err := tx.InsertPeriod(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return accounting.FiscalYear{}, nil, err
	}
	s.record(ctx, fy.CompanyID, in.ActorID, "fiscal_year.create", "fiscal_year", fy.ID, map[string]any{
		"periods": len(periods),
	})
	return fy, periods, nil
}

// AddPeriod appends a regular period directly after the last one.
func (s *Service) AddPeriod(ctx context.Context, in PeriodInput) (accounting.Period, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := shared.ValidateStruct(in); err != nil {
		return accounting.Period{}, err
	}
	start, end := shared.DateOf(in.StartDate), shared.DateOf(in.EndDate)
	if !end.After(start) {
		return accounting.Period{}, ErrInvalidDates
	}
	var period accounting.Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fy, err := tx.GetFiscalYearForUpdate(ctx, in.CompanyID, in.FiscalYearID)
		if err != nil {
			return err
		}
		if fy.CompanyID != in.CompanyID {
			return shared.ErrCrossCompany
		}
		if fy.Status == accounting.FiscalYearClosed {
			return ErrFiscalYearClosed
		}
		existing, err := tx.ListPeriods(ctx, fy.CompanyID, fy.ID)
		if err != nil {
			return err
		}
		expected := fy.StartDate
		number := 0
		for _, p := range existing {
			if p.Number > number {
				number = p.Number
			}
			if !p.IsAdjustment && !p.EndDate.Before(expected) {
				expected = shared.DateOf(p.EndDate).AddDate(0, 0, 1)
			}
		}
		if !start.Equal(expected) {
			return fmt.Errorf("%w: expected start %s", ErrPeriodNotContiguous, expected.Format("2006-01-02"))
		}
		if end.After(fy.EndDate) {
			return ErrPeriodOutsideYear
		}
		period = accounting.Period{
			ID:           uuid.New(),
			CompanyID:    fy.CompanyID,
			FiscalYearID: fy.ID,
			Number:       number + 1,
			Name:         in.Name,
			StartDate:    start,
			EndDate:      end,
			Status:       accounting.PeriodStatusOpen,
			CreatedAt:    s.now(),
		}
		return tx.InsertPeriod(ctx, period)
	})
	if err != nil {
		return accounting.Period{}, err
	}
	s.record(ctx, period.CompanyID, in.ActorID, "period.create", "period", period.ID, nil)
	return period, nil
}

// BeginClosing moves an open period to closing; new drafts are refused from
// then on while postings are still accepted.
func (s *Service) BeginClosing(ctx context.Context, companyID, periodID, actorID uuid.UUID) (accounting.Period, error) {
	return s.transition(ctx, companyID, periodID, actorID, accounting.PeriodStatusClosing)
}

// ClosePeriod closes a period for good once no drafts reference it.
func (s *Service) ClosePeriod(ctx context.Context, companyID, periodID, actorID uuid.UUID) (accounting.Period, error) {
	return s.transition(ctx, companyID, periodID, actorID, accounting.PeriodStatusClosed)
}

func (s *Service) transition(ctx context.Context, companyID, periodID, actorID uuid.UUID, target accounting.PeriodStatus) (accounting.Period, error) {
	if companyID == uuid.Nil {
		return accounting.Period{}, shared.ErrCompanyRequired
	}
	var period accounting.Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		period, err = tx.GetPeriodForUpdate(ctx, companyID, periodID)
		if err != nil {
			return err
		}
		if period.CompanyID != companyID {
			return shared.ErrCrossCompany
		}
		return s.applyTransition(ctx, tx, &period, actorID, target)
	})
	if err != nil {
		return accounting.Period{}, err
	}
	s.record(ctx, companyID, actorID, "period."+string(target), "period", period.ID, map[string]any{"name": period.Name})
	return period, nil
}

func (s *Service) applyTransition(ctx context.Context, tx TxRepository, period *accounting.Period, actorID uuid.UUID, target accounting.PeriodStatus) error {
	if err := shared.ValidatePeriodTransition(string(period.Status), string(target)); err != nil {
		return err
	}
	if target == accounting.PeriodStatusClosed {
		drafts, err := tx.CountDrafts(ctx, period.CompanyID, period.ID)
		if err != nil {
			return err
		}
		if drafts > 0 {
			return fmt.Errorf("%w: %d in %s", ErrDraftsPending, drafts, period.Name)
		}
		now := s.now()
		period.ClosedAt = &now
		if actorID != uuid.Nil {
			period.ClosedBy = &actorID
		}
	}
	period.Status = target
	return tx.UpdatePeriod(ctx, *period)
}

// CloseFiscalYear zeroes temporary accounts into retained earnings with one
// year-end transaction in the adjustment period, then closes the adjustment
// period and the year. Every regular period must already be closed.
func (s *Service) CloseFiscalYear(ctx context.Context, companyID, fiscalYearID, actorID uuid.UUID) (YearEndResult, error) {
	if companyID == uuid.Nil {
		return YearEndResult{}, shared.ErrCompanyRequired
	}
	result := YearEndResult{FiscalYearID: fiscalYearID}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fy, err := tx.GetFiscalYearForUpdate(ctx, companyID, fiscalYearID)
		if err != nil {
			return err
		}
		if fy.CompanyID != companyID {
			return shared.ErrCrossCompany
		}
		if fy.Status == accounting.FiscalYearClosed {
			return ErrFiscalYearClosed
		}
		if err := checkRetainedEarnings(ctx, tx, companyID, fy.RetainedEarningsAccountID); err != nil {
			return err
		}
		periods, err := tx.ListPeriods(ctx, fy.CompanyID, fy.ID)
		if err != nil {
			return err
		}
		var adjustment *accounting.Period
		maxNumber := 0
		for i := range periods {
			p := periods[i]
			if p.Number > maxNumber {
				maxNumber = p.Number
			}
			if p.IsAdjustment {
				adjustment = &periods[i]
				continue
			}
			if p.Status != accounting.PeriodStatusClosed {
				return fmt.Errorf("%w: %s is %s", ErrPeriodsOpen, p.Name, p.Status)
			}
		}
		if adjustment == nil {
			p := adjustmentPeriod(fy, maxNumber+1, s.now())
			if err := tx.InsertPeriod(ctx, p); err != nil {
				return err
			}
			adjustment = &p
		}
		if adjustment.Status == accounting.PeriodStatusClosed {
			return fmt.Errorf("%w: adjustment period already closed", shared.ErrInvalidPeriodTransition)
		}
		result.AdjustmentPeriodID = adjustment.ID

		activity, err := s.ledger.NetActivityTx(ctx, tx, companyID, fy.StartDate, fy.EndDate)
		if err != nil {
			return err
		}
		lines, closed := closingLines(activity, fy.RetainedEarningsAccountID)
		result.AccountsClosed = closed
		if len(lines) > 0 {
			txn, err := s.ledger.PostTx(ctx, tx, accounting.Draft{
				CompanyID:       companyID,
				Type:            accounting.TransactionTypeYearEndClose,
				Reference:       fy.Name,
				Description:     "Year-end close " + fy.Name,
				TransactionDate: fy.EndDate,
				PeriodID:        adjustment.ID,
				Lines:           lines,
				ActorID:         actorID,
			})
			if err != nil {
				return err
			}
			result.ClosingTransactionID = &txn.ID
		}

		if err := s.applyTransition(ctx, tx, adjustment, actorID, accounting.PeriodStatusClosed); err != nil {
			return err
		}
		now := s.now()
		fy.Status = accounting.FiscalYearClosed
		fy.ClosingTransactionID = result.ClosingTransactionID
		fy.ClosedAt = &now
		if actorID != uuid.Nil {
			fy.ClosedBy = &actorID
		}
		return tx.UpdateFiscalYear(ctx, fy)
	})
	if err != nil {
		return YearEndResult{}, err
	}
	s.logger.Info("fiscal year closed",
		slog.String("company_id", companyID.String()),
		slog.String("fiscal_year_id", fiscalYearID.String()),
		slog.Int("accounts_closed", result.AccountsClosed))
	s.record(ctx, companyID, actorID, "fiscal_year.close", "fiscal_year", fiscalYearID, map[string]any{
		"accounts_closed": result.AccountsClosed,
	})
	return result, nil
}

// GetPeriod loads one period.
func (s *Service) GetPeriod(ctx context.Context, companyID, periodID uuid.UUID) (accounting.Period, error) {
	var period accounting.Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		period, err = tx.GetPeriod(ctx, companyID, periodID)
		if err != nil {
			return err
		}
		if period.CompanyID != companyID {
			return shared.ErrCrossCompany
		}
		return nil
	})
	return period, err
}

// ListPeriods returns the periods of a fiscal year.
func (s *Service) ListPeriods(ctx context.Context, companyID, fiscalYearID uuid.UUID) ([]accounting.Period, error) {
	var periods []accounting.Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fy, err := tx.GetFiscalYear(ctx, companyID, fiscalYearID)
		if err != nil {
			return err
		}
		if fy.CompanyID != companyID {
			return shared.ErrCrossCompany
		}
		periods, err = tx.ListPeriods(ctx, companyID, fiscalYearID)
		return err
	})
	return periods, err
}

// ListFiscalYears returns the fiscal years of a company ordered by start.
func (s *Service) ListFiscalYears(ctx context.Context, companyID uuid.UUID) ([]accounting.FiscalYear, error) {
	if companyID == uuid.Nil {
		return nil, shared.ErrCompanyRequired
	}
	var years []accounting.FiscalYear
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		years, err = tx.ListFiscalYears(ctx, companyID)
		return err
	})
	return years, err
}

// FindPeriodByDate returns the regular period covering date.
func (s *Service) FindPeriodByDate(ctx context.Context, companyID uuid.UUID, date time.Time) (accounting.Period, error) {
	if companyID == uuid.Nil {
		return accounting.Period{}, shared.ErrCompanyRequired
	}
	var period accounting.Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		period, err = tx.FindPeriodByDate(ctx, companyID, date)
		return err
	})
	return period, err
}

func (s *Service) record(ctx context.Context, companyID, actorID uuid.UUID, action, entity string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		CompanyID: companyID,
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  id.String(),
		Meta:      meta,
		At:        s.now(),
	})
}

func checkRetainedEarnings(ctx context.Context, tx TxRepository, companyID, accountID uuid.UUID) error {
	acc, err := tx.GetAccount(ctx, companyID, accountID)
	if errors.Is(err, accounting.ErrAccountNotFound) {
		return fmt.Errorf("%w: %s", ErrInvalidRetainedEarnings, accountID)
	}
	if err != nil {
		return err
	}
	if acc.CompanyID != companyID {
		return shared.ErrCrossCompany
	}
	if acc.Type != accounting.AccountTypeEquity {
		return fmt.Errorf("%w: %s is %s", ErrInvalidRetainedEarnings, acc.Code, acc.Type)
	}
	return nil
}

// closingLines builds the lines that bring every temporary account to zero,
// balanced against retained earnings. It returns the number of accounts closed.
func closingLines(activity []accounting.AccountBalance, retainedEarnings uuid.UUID) ([]accounting.LineInput, int) {
	var (
		lines []accounting.LineInput
		net   = decimal.Zero
	)
	for _, bal := range activity {
		if !bal.Type.Temporary() {
			continue
		}
		diff := bal.Debit.Sub(bal.Credit)
		if diff.IsZero() {
			continue
		}
		line := accounting.LineInput{AccountID: bal.AccountID, Description: "Close " + bal.Code, Debit: decimal.Zero, Credit: decimal.Zero}
		if diff.IsPositive() {
			line.Credit = diff
		} else {
			line.Debit = diff.Neg()
		}
		net = net.Add(diff)
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, 0
	}
	closed := len(lines)
	re := accounting.LineInput{AccountID: retainedEarnings, Description: "Net income to retained earnings", Debit: decimal.Zero, Credit: decimal.Zero}
	switch {
	case net.IsPositive():
		// net debit activity is a loss
		re.Debit = net
	case net.IsNegative():
		re.Credit = net.Neg()
	default:
		return lines, closed
	}
	return append(lines, re), closed
}

func splitYear(fy accounting.FiscalYear, freq Frequency, now time.Time) []accounting.Period {
	var months int
	switch freq {
	case FrequencyMonthly:
		months = 1
	case FrequencyQuarterly:
		months = 3
	case FrequencySingle:
		return []accounting.Period{newPeriod(fy, 1, fy.Name, fy.StartDate, fy.EndDate, now)}
	default:
		return nil
	}
	var out []accounting.Period
	cursor := fy.StartDate
	for n := 1; !cursor.After(fy.EndDate); n++ {
		y, m, _ := cursor.Date()
		end := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
		// a one-day remainder folds into the last regular period
		if !end.AddDate(0, 0, 1).Before(fy.EndDate) {
			end = fy.EndDate
		}
		name := fmt.Sprintf("%s-P%02d", fy.Name, n)
		out = append(out, newPeriod(fy, n, name, cursor, end, now))
		cursor = end.AddDate(0, 0, 1)
	}
	return out
}

func adjustmentPeriod(fy accounting.FiscalYear, number int, now time.Time) accounting.Period {
	p := newPeriod(fy, number, fy.Name+"-ADJ", fy.EndDate, fy.EndDate, now)
	p.IsAdjustment = true
	return p
}

func newPeriod(fy accounting.FiscalYear, number int, name string, start, end, now time.Time) accounting.Period {
	return accounting.Period{
		ID:           uuid.New(),
		CompanyID:    fy.CompanyID,
		FiscalYearID: fy.ID,
		Number:       number,
		Name:         name,
		StartDate:    shared.DateOf(start),
		EndDate:      shared.DateOf(end),
		Status:       accounting.PeriodStatusOpen,
		CreatedAt:    now,
	}
}
