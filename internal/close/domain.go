package close

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Frequency controls how CreateFiscalYear splits the year into periods.
type Frequency string

const (
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	// FrequencyNone creates no regular periods; they are added with AddPeriod.
	FrequencyNone Frequency = "none"
	// FrequencySingle creates one period spanning the whole year.
	FrequencySingle Frequency = "single"
)

// FiscalYearInput captures a new fiscal year.
type FiscalYearInput struct {
	CompanyID                 uuid.UUID `validate:"required"`
	Name                      string    `validate:"required,max=64"`
	StartDate                 time.Time `validate:"required"`
	EndDate                   time.Time `validate:"required"`
	RetainedEarningsAccountID uuid.UUID `validate:"required"`
	Frequency                 Frequency `validate:"omitempty,oneof=monthly quarterly none single"`
	WithAdjustmentPeriod      bool
	ActorID                   uuid.UUID
}

// PeriodInput captures a period appended to a fiscal year.
type PeriodInput struct {
	CompanyID    uuid.UUID `validate:"required"`
	FiscalYearID uuid.UUID `validate:"required"`
	Name         string    `validate:"required,max=64"`
	StartDate    time.Time `validate:"required"`
	EndDate      time.Time `validate:"required"`
	ActorID      uuid.UUID
}

// YearEndResult reports the outcome of a fiscal year close.
type YearEndResult struct {
	FiscalYearID         uuid.UUID
	AdjustmentPeriodID   uuid.UUID
	ClosingTransactionID *uuid.UUID
	AccountsClosed       int
}

var (
	// ErrFiscalYearOverlap indicates the year intersects another year of the company.
	ErrFiscalYearOverlap = shared.NewError(shared.KindStateConflict, "FISCAL_YEAR_OVERLAP", "close: fiscal year overlaps an existing year")
	// ErrFiscalYearClosed indicates writes against a closed year.
	ErrFiscalYearClosed = shared.NewError(shared.KindStateConflict, "FISCAL_YEAR_CLOSED", "close: fiscal year already closed")
	// ErrInvalidDates indicates an inverted or empty date range.
	ErrInvalidDates = shared.NewError(shared.KindValidation, "INVALID_DATES", "close: end date must not precede start date")
	// ErrPeriodNotContiguous indicates a period leaving a gap or overlapping its predecessor.
	ErrPeriodNotContiguous = shared.NewError(shared.KindValidation, "PERIOD_NOT_CONTIGUOUS", "close: period must start the day after the previous period")
	// ErrPeriodOutsideYear indicates a period ending after its fiscal year.
	ErrPeriodOutsideYear = shared.NewError(shared.KindValidation, "PERIOD_OUTSIDE_YEAR", "close: period exceeds fiscal year")
	// ErrDraftsPending indicates draft transactions still reference the period.
	ErrDraftsPending = shared.NewError(shared.KindStateConflict, "DRAFTS_PENDING", "close: draft transactions pending in period")
	// ErrPeriodsOpen indicates a fiscal year close with regular periods not yet closed.
	ErrPeriodsOpen = shared.NewError(shared.KindStateConflict, "PERIODS_OPEN", "close: all regular periods must be closed")
	// ErrInvalidRetainedEarnings indicates a retained earnings account that is not company equity.
	ErrInvalidRetainedEarnings = shared.NewError(shared.KindValidation, "INVALID_RETAINED_EARNINGS", "close: retained earnings account must be an equity account")
)
