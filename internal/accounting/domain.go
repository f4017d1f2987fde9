package accounting

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset        AccountType = "asset"
	AccountTypeLiability    AccountType = "liability"
	AccountTypeEquity       AccountType = "equity"
	AccountTypeRevenue      AccountType = "revenue"
	AccountTypeExpense      AccountType = "expense"
	AccountTypeCOGS         AccountType = "cogs"
	AccountTypeOtherIncome  AccountType = "other_income"
	AccountTypeOtherExpense AccountType = "other_expense"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue,
		AccountTypeExpense, AccountTypeCOGS, AccountTypeOtherIncome, AccountTypeOtherExpense:
		return true
	}
	return false
}

// NaturalBalance is the side on which a non-contra account of type t increases.
func (t AccountType) NaturalBalance() NormalBalance {
	switch t {
	case AccountTypeAsset, AccountTypeExpense, AccountTypeCOGS, AccountTypeOtherExpense:
		return NormalBalanceDebit
	default:
		return NormalBalanceCredit
	}
}

// Temporary reports whether balances of t are zeroed at fiscal year end.
func (t AccountType) Temporary() bool {
	switch t {
	case AccountTypeRevenue, AccountTypeExpense, AccountTypeCOGS, AccountTypeOtherIncome, AccountTypeOtherExpense:
		return true
	}
	return false
}

// NormalBalance is the side on which an account increases.
type NormalBalance string

const (
	NormalBalanceDebit  NormalBalance = "debit"
	NormalBalanceCredit NormalBalance = "credit"
)

// Opposite returns the other side.
func (n NormalBalance) Opposite() NormalBalance {
	if n == NormalBalanceDebit {
		return NormalBalanceCredit
	}
	return NormalBalanceDebit
}

// Account models a chart of accounts node.
type Account struct {
	ID            uuid.UUID
	CompanyID     uuid.UUID
	ParentID      *uuid.UUID
	Code          string
	Name          string
	Type          AccountType
	NormalBalance NormalBalance
	IsContra      bool
	Currency      string
	IsActive      bool
	IsSystem      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PeriodStatus enumerates valid period states.
type PeriodStatus string

const (
	PeriodStatusOpen    PeriodStatus = shared.PeriodStatusOpen
	PeriodStatusClosing PeriodStatus = shared.PeriodStatusClosing
	PeriodStatusClosed  PeriodStatus = shared.PeriodStatusClosed
)

// FiscalYearStatus enumerates fiscal year states.
type FiscalYearStatus string

const (
	FiscalYearOpen   FiscalYearStatus = "open"
	FiscalYearClosed FiscalYearStatus = "closed"
)

// FiscalYear groups the periods of one reporting year.
type FiscalYear struct {
	ID                        uuid.UUID
	CompanyID                 uuid.UUID
	Name                      string
	StartDate                 time.Time
	EndDate                   time.Time
	Status                    FiscalYearStatus
	RetainedEarningsAccountID uuid.UUID
	ClosingTransactionID      *uuid.UUID
	ClosedAt                  *time.Time
	ClosedBy                  *uuid.UUID
	CreatedAt                 time.Time
}

// Period represents a fiscal period window. Dates are inclusive.
type Period struct {
	ID           uuid.UUID
	CompanyID    uuid.UUID
	FiscalYearID uuid.UUID
	Number       int
	Name         string
	StartDate    time.Time
	EndDate      time.Time
	Status       PeriodStatus
	IsAdjustment bool
	ClosedAt     *time.Time
	ClosedBy     *uuid.UUID
	CreatedAt    time.Time
}

// Contains reports whether date falls inside the period.
func (p Period) Contains(date time.Time) bool {
	return shared.WithinDates(date, p.StartDate, p.EndDate)
}

// TransactionStatus enumerates transaction lifecycle values.
type TransactionStatus string

const (
	TransactionDraft  TransactionStatus = "draft"
	TransactionPosted TransactionStatus = "posted"
	TransactionVoid   TransactionStatus = "void"
)

// TransactionType labels the origin of a transaction. Document types from the
// posting package are carried verbatim.
type TransactionType string

const (
	TransactionTypeJournal       TransactionType = "JOURNAL"
	TransactionTypeCOGS          TransactionType = "COGS"
	TransactionTypeStockVariance TransactionType = "STOCK_VARIANCE"
	TransactionTypeReversal      TransactionType = "REVERSAL"
	TransactionTypeYearEndClose  TransactionType = "YEAR_END_CLOSE"
)

// LockReason explains why a transaction is frozen.
type LockReason string

const (
	LockReasonAudit      LockReason = "AUDIT"
	LockReasonReconciled LockReason = "RECONCILED"
	LockReasonTaxFiled   LockReason = "TAX_FILED"
	LockReasonExported   LockReason = "EXPORTED"
	LockReasonManual     LockReason = "MANUAL"
)

// Valid reports whether r is a known lock reason.
func (r LockReason) Valid() bool {
	switch r {
	case LockReasonAudit, LockReasonReconciled, LockReasonTaxFiled, LockReasonExported, LockReasonManual:
		return true
	}
	return false
}

// Transaction is a balanced set of journal lines posted on one date.
type Transaction struct {
	ID              uuid.UUID
	CompanyID       uuid.UUID
	Type            TransactionType
	Reference       string
	Description     string
	TransactionDate time.Time
	PostingDate     time.Time
	FiscalYearID    uuid.UUID
	PeriodID        uuid.UUID
	Currency        string
	BaseCurrency    string
	ExchangeRate    decimal.Decimal
	Status          TransactionStatus
	TotalDebit      decimal.Decimal
	TotalCredit     decimal.Decimal

	ReversalOfID    *uuid.UUID
	ReversedByID    *uuid.UUID
	CorrectsID      *uuid.UUID
	AmendedByID     *uuid.UUID
	AmendedByUserID *uuid.UUID
	AmendedAt       *time.Time

	IsLocked   bool
	LockReason LockReason
	LockedAt   *time.Time
	LockedBy   *uuid.UUID

	PostedAt   *time.Time
	PostedBy   *uuid.UUID
	VoidedAt   *time.Time
	VoidedBy   *uuid.UUID
	VoidReason string
	CreatedAt  time.Time
	CreatedBy  *uuid.UUID

	Lines []JournalEntry
}

// IsReversal reports whether the transaction mirrors another one.
func (t Transaction) IsReversal() bool {
	return t.ReversalOfID != nil || t.Type == TransactionTypeReversal
}

// JournalEntry stores one debit or credit line of a transaction.
type JournalEntry struct {
	ID             uuid.UUID
	TransactionID  uuid.UUID
	CompanyID      uuid.UUID
	AccountID      uuid.UUID
	LineNumber     int
	Description    string
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	CurrencyDebit  decimal.Decimal
	CurrencyCredit decimal.Decimal
	Dimensions     []string
}

// LineInput describes a journal line for a posting request. Amounts are in
// the draft currency.
type LineInput struct {
	AccountID   uuid.UUID
	Description string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Dimensions  []string
}

// RoundingOption lets a draft push a small imbalance to a suspense account.
type RoundingOption struct {
	AccountID uuid.UUID
	Tolerance decimal.Decimal
}

// Draft groups fields required to create a transaction.
type Draft struct {
	CompanyID       uuid.UUID
	Type            TransactionType
	Reference       string
	Description     string
	TransactionDate time.Time
	PostingDate     time.Time
	PeriodID        uuid.UUID
	Currency        string
	ExchangeRate    decimal.Decimal
	Lines           []LineInput
	IdempotencyKey  string
	Rounding        *RoundingOption
	ActorID         uuid.UUID
}

// VoidInput wraps parameters for voiding.
type VoidInput struct {
	CompanyID     uuid.UUID
	TransactionID uuid.UUID
	ActorID       uuid.UUID
	Reason        string
	AutoReverse   bool
	ReversalMode  ReversalDateMode
}

// LockInput wraps parameters for locking and unlocking.
type LockInput struct {
	CompanyID     uuid.UUID
	TransactionID uuid.UUID
	ActorID       uuid.UUID
	Reason        LockReason
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	CompanyID uuid.UUID
	PeriodID  *uuid.UUID
	Status    TransactionStatus
	From      time.Time
	To        time.Time
	Limit     int
}

// BalanceLine is a journal line joined with the state of its transaction.
type BalanceLine struct {
	AccountID       uuid.UUID
	Debit           decimal.Decimal
	Credit          decimal.Decimal
	TransactionDate time.Time
	Status          TransactionStatus
	VoidedAt        *time.Time
	// Reversed is set when a posted reversal mirrors the transaction.
	Reversed        bool
}

// BalanceQuery selects lines for balance computation. A zero From means no
// lower bound; AccountID nil means every account.
type BalanceQuery struct {
	CompanyID uuid.UUID
	AccountID *uuid.UUID
	From      time.Time
	To        time.Time
}

// AccountBalance is the position of one account at a date.
type AccountBalance struct {
	AccountID     uuid.UUID
	Code          string
	Name          string
	Type          AccountType
	NormalBalance NormalBalance
	Debit         decimal.Decimal
	Credit        decimal.Decimal
	Balance       decimal.Decimal
}

// TrialBalance lists account balances with their totals.
type TrialBalance struct {
	CompanyID   uuid.UUID
	AsOf        time.Time
	Accounts    []AccountBalance
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
}

// Balanced reports whether total debits equal total credits.
func (tb TrialBalance) Balanced() bool {
	return tb.TotalDebit.Equal(tb.TotalCredit)
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = shared.NewError(shared.KindInvariantViolation, "UNBALANCED_TRANSACTION", "accounting: transaction lines must balance")
	// ErrMalformedDraft indicates a draft without a company or with fewer than two lines.
	ErrMalformedDraft = shared.NewError(shared.KindValidation, "MALFORMED_DRAFT", "accounting: draft needs a company and at least two lines")
	// ErrMalformedLine indicates a line with both or neither side, a negative amount or excess precision.
	ErrMalformedLine = shared.NewError(shared.KindValidation, "MALFORMED_LINE", "accounting: malformed journal line")
	// ErrUnknownAccount indicates a line referencing an account that does not exist.
	ErrUnknownAccount = shared.NewError(shared.KindValidation, "UNKNOWN_ACCOUNT", "accounting: unknown account")
	// ErrInactiveAccount indicates a line referencing a deactivated account.
	ErrInactiveAccount = shared.NewError(shared.KindValidation, "INACTIVE_ACCOUNT", "accounting: account is inactive")
	// ErrCurrencyMismatch indicates an account pinned to another currency.
	ErrCurrencyMismatch = shared.NewError(shared.KindValidation, "CURRENCY_MISMATCH", "accounting: account currency does not match transaction")
	// ErrClosedPeriod indicates the target period no longer accepts postings.
	ErrClosedPeriod = shared.NewError(shared.KindStateConflict, "CLOSED_PERIOD", "accounting: period is closed")
	// ErrPeriodClosing indicates a period that refuses new drafts.
	ErrPeriodClosing = shared.NewError(shared.KindStateConflict, "PERIOD_CLOSING", "accounting: period is closing")
	// ErrPeriodNotFound indicates no period covers the date.
	ErrPeriodNotFound = shared.NewError(shared.KindNotFound, "PERIOD_NOT_FOUND", "accounting: period not found")
	// ErrDateOutOfRange indicates transaction date mismatch.
	ErrDateOutOfRange = shared.NewError(shared.KindValidation, "DATE_OUTSIDE_PERIOD", "accounting: date outside period")
	// ErrTransactionNotFound indicates missing transaction.
	ErrTransactionNotFound = shared.NewError(shared.KindNotFound, "TRANSACTION_NOT_FOUND", "accounting: transaction not found")
	// ErrAccountNotFound indicates missing account.
	ErrAccountNotFound = shared.NewError(shared.KindNotFound, "ACCOUNT_NOT_FOUND", "accounting: account not found")
	// ErrFiscalYearNotFound indicates missing fiscal year.
	ErrFiscalYearNotFound = shared.NewError(shared.KindNotFound, "FISCAL_YEAR_NOT_FOUND", "accounting: fiscal year not found")
	// ErrInvalidStatus indicates action can't proceed from the current status.
	ErrInvalidStatus = shared.NewError(shared.KindStateConflict, "INVALID_STATUS", "accounting: invalid status transition")
	// ErrAlreadyVoided indicates a second void.
	ErrAlreadyVoided = shared.NewError(shared.KindStateConflict, "ALREADY_VOIDED", "accounting: transaction already voided")
	// ErrAlreadyReversed indicates a second reversal.
	ErrAlreadyReversed = shared.NewError(shared.KindStateConflict, "ALREADY_REVERSED", "accounting: transaction already reversed")
	// ErrReversalEntry indicates a void or reversal aimed at a reversal entry.
	ErrReversalEntry = shared.NewError(shared.KindStateConflict, "REVERSAL_ENTRY", "accounting: reversal entries cannot be voided or reversed")
	// ErrAlreadyAmended indicates a second amendment of the same original.
	ErrAlreadyAmended = shared.NewError(shared.KindStateConflict, "ALREADY_AMENDED", "accounting: transaction already amended")
	// ErrTransactionLocked indicates a frozen transaction.
	ErrTransactionLocked = shared.NewError(shared.KindStateConflict, "TRANSACTION_LOCKED", "accounting: transaction is locked")
	// ErrNotLocked indicates unlock of an unlocked transaction.
	ErrNotLocked = shared.NewError(shared.KindStateConflict, "TRANSACTION_NOT_LOCKED", "accounting: transaction is not locked")
	// ErrInvalidLockReason indicates an unknown lock reason.
	ErrInvalidLockReason = shared.NewError(shared.KindValidation, "INVALID_LOCK_REASON", "accounting: invalid lock reason")
	// ErrDuplicateAccountCode indicates a code already used in the company.
	ErrDuplicateAccountCode = shared.NewError(shared.KindStateConflict, "DUPLICATE_ACCOUNT_CODE", "accounting: account code already exists")
	// ErrNormalBalanceMismatch indicates a normal balance inconsistent with type and contra flag.
	ErrNormalBalanceMismatch = shared.NewError(shared.KindValidation, "NORMAL_BALANCE_MISMATCH", "accounting: normal balance does not match account type")
	// ErrInvalidAccountType indicates an unknown account type.
	ErrInvalidAccountType = shared.NewError(shared.KindValidation, "INVALID_ACCOUNT_TYPE", "accounting: invalid account type")
	// ErrAccountCycle indicates a parent chain that loops.
	ErrAccountCycle = shared.NewError(shared.KindInvariantViolation, "ACCOUNT_CYCLE", "accounting: account hierarchy contains a cycle")
	// ErrInvalidExchangeRate indicates a non-positive rate.
	ErrInvalidExchangeRate = shared.NewError(shared.KindValidation, "INVALID_EXCHANGE_RATE", "accounting: exchange rate must be positive")
	// ErrInvalidRounding indicates a rounding option without account or tolerance.
	ErrInvalidRounding = shared.NewError(shared.KindValidation, "INVALID_ROUNDING", "accounting: rounding option requires account and positive tolerance")
)
