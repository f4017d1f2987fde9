package posting

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// DocType enumerates the business documents that post to the ledger.
type DocType string

const (
	DocARInvoice      DocType = "AR_INVOICE"
	DocARPayment      DocType = "AR_PAYMENT"
	DocARCreditNote   DocType = "AR_CREDIT_NOTE"
	DocAPBill         DocType = "AP_BILL"
	DocAPPayment      DocType = "AP_PAYMENT"
	DocAPVendorCredit DocType = "AP_VENDOR_CREDIT"
	DocBankTransfer   DocType = "BANK_TRANSFER"
	DocBankFee        DocType = "BANK_FEE"
	DocPayroll        DocType = "PAYROLL"
)

// Valid reports whether d is a supported document type.
func (d DocType) Valid() bool {
	_, ok := requiredRoles[d]
	return ok
}

// Role names the function an account plays in a template.
type Role string

const (
	RoleAR               Role = "AR"
	RoleAP               Role = "AP"
	RoleRevenue          Role = "REVENUE"
	RoleExpense          Role = "EXPENSE"
	RoleTaxPayable       Role = "TAX_PAYABLE"
	RoleTaxReceivable    Role = "TAX_RECEIVABLE"
	RoleDiscountGiven    Role = "DISCOUNT_GIVEN"
	RoleDiscountReceived Role = "DISCOUNT_RECEIVED"
	RoleShipping         Role = "SHIPPING"
	RoleBank             Role = "BANK"
	RoleCash             Role = "CASH"
	RoleClearing         Role = "CLEARING"
	RoleRetainedEarnings Role = "RETAINED_EARNINGS"
	RoleSuspense         Role = "SUSPENSE"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAR, RoleAP, RoleRevenue, RoleExpense, RoleTaxPayable, RoleTaxReceivable,
		RoleDiscountGiven, RoleDiscountReceived, RoleShipping, RoleBank, RoleCash,
		RoleClearing, RoleRetainedEarnings, RoleSuspense:
		return true
	}
	return false
}

// requiredRoles lists the roles a template must map for each document type.
// Roles needed only when a component is non-zero are checked at build time.
var requiredRoles = map[DocType][]Role{
	DocARInvoice:      {RoleAR, RoleRevenue},
	DocARPayment:      {RoleAR, RoleBank},
	DocARCreditNote:   {RoleAR, RoleRevenue},
	DocAPBill:         {RoleAP, RoleExpense},
	DocAPPayment:      {RoleAP, RoleBank},
	DocAPVendorCredit: {RoleAP, RoleExpense},
	DocBankTransfer:   {RoleBank, RoleClearing},
	DocBankFee:        {RoleBank, RoleExpense},
	DocPayroll:        {RoleExpense, RoleBank},
}

// RequiredRoles returns the roles every template of docType must map.
func RequiredRoles(docType DocType) []Role {
	return append([]Role(nil), requiredRoles[docType]...)
}

// RoleAccountMap is the resolved role to account assignment.
type RoleAccountMap map[Role]uuid.UUID

// Template maps roles to accounts for one document type over a date window.
type Template struct {
	ID            uuid.UUID
	CompanyID     uuid.UUID
	DocType       DocType
	Name          string
	Description   string
	Version       int
	IsDefault     bool
	IsActive      bool
	EffectiveFrom time.Time
	// EffectiveTo is exclusive; nil means open ended.
	EffectiveTo *time.Time
	CreatedAt   time.Time
	Lines       []TemplateLine
}

// TemplateLine assigns one role.
type TemplateLine struct {
	Role       Role
	AccountID  uuid.UUID
	Precedence int
}

// Covers reports whether date falls in [EffectiveFrom, EffectiveTo).
func (t Template) Covers(date time.Time) bool {
	day := shared.DateOf(date)
	if day.Before(shared.DateOf(t.EffectiveFrom)) {
		return false
	}
	return t.EffectiveTo == nil || day.Before(shared.DateOf(*t.EffectiveTo))
}

// Roles flattens the template lines into a role map.
func (t Template) Roles() RoleAccountMap {
	out := make(RoleAccountMap, len(t.Lines))
	for _, l := range t.Lines {
		out[l.Role] = l.AccountID
	}
	return out
}

func (t Template) overlaps(other Template) bool {
	aFrom, bFrom := shared.DateOf(t.EffectiveFrom), shared.DateOf(other.EffectiveFrom)
	aBeforeBEnd := other.EffectiveTo == nil || aFrom.Before(shared.DateOf(*other.EffectiveTo))
	bBeforeAEnd := t.EffectiveTo == nil || bFrom.Before(shared.DateOf(*t.EffectiveTo))
	return aBeforeBEnd && bBeforeAEnd
}

// TemplateInput captures a new template version.
type TemplateInput struct {
	CompanyID     uuid.UUID `validate:"required"`
	DocType       DocType   `validate:"required"`
	Name          string    `validate:"required,max=100"`
	Description   string    `validate:"max=500"`
	IsDefault     bool
	EffectiveFrom time.Time  `validate:"required"`
	EffectiveTo   *time.Time `validate:"omitempty"`
	Lines         []TemplateLine `validate:"required,min=1,dive"`
	ActorID       uuid.UUID
}

// DocumentLine is one revenue or expense line of a document. AccountID
// overrides the REVENUE or EXPENSE role for that line.
type DocumentLine struct {
	Description string
	Amount      decimal.Decimal
	AccountID   *uuid.UUID
}

// Direction orients bank transfers relative to the BANK role.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Document is the resolved input of a posting. Upstream supplies amounts,
// exchange rate and tenant.
type Document struct {
	CompanyID    uuid.UUID
	DocType      DocType
	Reference    string
	Description  string
	Date         time.Time
	Currency     string
	ExchangeRate decimal.Decimal
	// Lines carries invoice, bill and credit lines.
	Lines    []DocumentLine
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Shipping decimal.Decimal
	// Amount is the payment, fee, transfer or gross payroll amount.
	Amount    decimal.Decimal
	UseCash   bool
	Direction Direction
	// Overrides replaces template accounts for this document only.
	Overrides      RoleAccountMap
	IdempotencyKey string
	ActorID        uuid.UUID
}

var (
	// ErrNoTemplateFound indicates no active template covers the date.
	ErrNoTemplateFound = shared.NewError(shared.KindNotFound, "NO_TEMPLATE_FOUND", "posting: no template found")
	// ErrAmbiguousDefault indicates two default templates with overlapping windows.
	ErrAmbiguousDefault = shared.NewError(shared.KindStateConflict, "AMBIGUOUS_DEFAULT", "posting: overlapping default templates")
	// ErrDuplicateRole indicates a template mapping one role twice.
	ErrDuplicateRole = shared.NewError(shared.KindValidation, "DUPLICATE_ROLE", "posting: role mapped more than once")
	// ErrMissingRole indicates a template without an account for a needed role.
	ErrMissingRole = shared.NewError(shared.KindInvariantViolation, "MISSING_ROLE", "posting: role not mapped")
	// ErrInvalidDocType indicates an unsupported document type.
	ErrInvalidDocType = shared.NewError(shared.KindValidation, "INVALID_DOC_TYPE", "posting: unsupported document type")
	// ErrInvalidRole indicates an unknown role.
	ErrInvalidRole = shared.NewError(shared.KindValidation, "INVALID_ROLE", "posting: unknown role")
	// ErrInvalidDocument indicates negative or empty document amounts.
	ErrInvalidDocument = shared.NewError(shared.KindValidation, "INVALID_DOCUMENT", "posting: invalid document")
	// ErrTemplateNotFound indicates a missing template id.
	ErrTemplateNotFound = shared.NewError(shared.KindNotFound, "TEMPLATE_NOT_FOUND", "posting: template not found")
	// ErrInvalidWindow indicates an effective window that ends before it starts.
	ErrInvalidWindow = shared.NewError(shared.KindValidation, "INVALID_WINDOW", "posting: effective_to must be after effective_from")
)
