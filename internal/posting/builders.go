package posting

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// BuildDraft turns a document into a ledger draft using the resolved roles.
func BuildDraft(doc Document, roles RoleAccountMap) (accounting.Draft, error) {
	if err := checkAmounts(doc); err != nil {
		return accounting.Draft{}, err
	}
	b := &builder{roles: roles}
	switch doc.DocType {
	case DocARInvoice:
		b.invoice(doc)
	case DocARCreditNote:
		b.creditNote(doc)
	case DocARPayment:
		b.payment(doc, RoleAR, true)
	case DocAPBill:
		b.bill(doc)
	case DocAPVendorCredit:
		b.vendorCredit(doc)
	case DocAPPayment:
		b.payment(doc, RoleAP, false)
	case DocBankTransfer:
		b.transfer(doc)
	case DocBankFee:
		b.debit(RoleExpense, nil, doc.Amount, "Bank fee")
		b.credit(RoleBank, nil, doc.Amount, "Bank")
	case DocPayroll:
		b.payroll(doc)
	default:
		return accounting.Draft{}, fmt.Errorf("%w: %s", ErrInvalidDocType, doc.DocType)
	}
	if b.err != nil {
		return accounting.Draft{}, b.err
	}
	if len(b.lines) == 0 {
		return accounting.Draft{}, fmt.Errorf("%w: nothing to post", ErrInvalidDocument)
	}
	draft := accounting.Draft{
		CompanyID:       doc.CompanyID,
		Type:            accounting.TransactionType(doc.DocType),
		Reference:       doc.Reference,
		Description:     doc.Description,
		TransactionDate: doc.Date,
		Currency:        doc.Currency,
		ExchangeRate:    doc.ExchangeRate,
		Lines:           b.lines,
		IdempotencyKey:  doc.IdempotencyKey,
		ActorID:         doc.ActorID,
	}
	if draft.Description == "" {
		draft.Description = fmt.Sprintf("%s %s", doc.DocType, doc.Reference)
	}
	return draft, nil
}

type builder struct {
	roles RoleAccountMap
	lines []accounting.LineInput
	err   error
}

func (b *builder) account(role Role, override *uuid.UUID) (uuid.UUID, bool) {
	if override != nil && *override != uuid.Nil {
		return *override, true
	}
	id, ok := b.roles[role]
	if !ok || id == uuid.Nil {
		if b.err == nil {
			b.err = fmt.Errorf("%w: %s", ErrMissingRole, role)
		}
		return uuid.Nil, false
	}
	return id, true
}

func (b *builder) add(role Role, override *uuid.UUID, amount decimal.Decimal, desc string, debit bool) {
	if amount.IsZero() {
		return
	}
	id, ok := b.account(role, override)
	if !ok {
		return
	}
	line := accounting.LineInput{AccountID: id, Description: desc, Debit: decimal.Zero, Credit: decimal.Zero}
	if debit {
		line.Debit = amount
	} else {
		line.Credit = amount
	}
	b.lines = append(b.lines, line)
}

func (b *builder) debit(role Role, override *uuid.UUID, amount decimal.Decimal, desc string) {
	b.add(role, override, amount, desc, true)
}

func (b *builder) credit(role Role, override *uuid.UUID, amount decimal.Decimal, desc string) {
	b.add(role, override, amount, desc, false)
}

// lineGroups sums document lines per target account, keeping first-seen order.
func (b *builder) lineGroups(role Role, lines []DocumentLine) ([]uuid.UUID, map[uuid.UUID]decimal.Decimal) {
	var order []uuid.UUID
	sums := make(map[uuid.UUID]decimal.Decimal)
	for _, l := range lines {
		if l.Amount.IsZero() {
			continue
		}
		id, ok := b.account(role, l.AccountID)
		if !ok {
			return nil, nil
		}
		if _, seen := sums[id]; !seen {
			order = append(order, id)
		}
		sums[id] = sums[id].Add(l.Amount)
	}
	return order, sums
}

func (b *builder) invoice(doc Document) {
	order, sums := b.lineGroups(RoleRevenue, doc.Lines)
	for _, id := range order {
		id := id
		b.credit(RoleRevenue, &id, sums[id], "Revenue")
	}
	b.credit(RoleTaxPayable, nil, doc.Tax, "Tax payable")
	b.credit(RoleShipping, nil, doc.Shipping, "Shipping")
	b.debit(RoleDiscountGiven, nil, doc.Discount, "Discount given")
	total := linesTotal(doc.Lines).Add(doc.Tax).Add(doc.Shipping).Sub(doc.Discount)
	b.debit(RoleAR, nil, total, "Accounts receivable")
}

func (b *builder) creditNote(doc Document) {
	order, sums := b.lineGroups(RoleRevenue, doc.Lines)
	for _, id := range order {
		id := id
		b.debit(RoleRevenue, &id, sums[id], "Revenue reversal")
	}
	b.debit(RoleTaxPayable, nil, doc.Tax, "Tax payable reversal")
	b.credit(RoleAR, nil, linesTotal(doc.Lines).Add(doc.Tax), "Accounts receivable")
}

func (b *builder) bill(doc Document) {
	order, sums := b.lineGroups(RoleExpense, doc.Lines)
	for _, id := range order {
		id := id
		b.debit(RoleExpense, &id, sums[id], "Expense")
	}
	b.debit(RoleTaxReceivable, nil, doc.Tax, "Tax receivable")
	b.debit(RoleShipping, nil, doc.Shipping, "Shipping")
	b.credit(RoleDiscountReceived, nil, doc.Discount, "Discount received")
	total := linesTotal(doc.Lines).Add(doc.Tax).Add(doc.Shipping).Sub(doc.Discount)
	b.credit(RoleAP, nil, total, "Accounts payable")
}

func (b *builder) vendorCredit(doc Document) {
	b.debit(RoleAP, nil, linesTotal(doc.Lines).Add(doc.Tax), "Accounts payable")
	order, sums := b.lineGroups(RoleExpense, doc.Lines)
	for _, id := range order {
		id := id
		b.credit(RoleExpense, &id, sums[id], "Vendor credit (expense reversal)")
	}
	b.credit(RoleTaxReceivable, nil, doc.Tax, "Tax receivable reversal")
}

func (b *builder) payment(doc Document, counterparty Role, incoming bool) {
	funds := RoleBank
	if doc.UseCash {
		funds = RoleCash
	}
	if incoming {
		b.debit(funds, nil, doc.Amount, "Deposit")
		b.credit(counterparty, nil, doc.Amount, "Accounts receivable")
		return
	}
	b.debit(counterparty, nil, doc.Amount, "Accounts payable")
	b.credit(funds, nil, doc.Amount, "Cash/Bank")
}

func (b *builder) transfer(doc Document) {
	switch doc.Direction {
	case DirectionIn:
		b.debit(RoleBank, nil, doc.Amount, "Transfer in")
		b.credit(RoleClearing, nil, doc.Amount, "Clearing")
	case DirectionOut, "":
		b.debit(RoleClearing, nil, doc.Amount, "Clearing")
		b.credit(RoleBank, nil, doc.Amount, "Transfer out")
	default:
		b.err = fmt.Errorf("%w: direction %q", ErrInvalidDocument, doc.Direction)
	}
}

// payroll books gross pay as expense, withholding (Tax) as a liability and the
// net to the paying account.
func (b *builder) payroll(doc Document) {
	funds := RoleBank
	if doc.UseCash {
		funds = RoleCash
	}
	if doc.Tax.GreaterThan(doc.Amount) {
		b.err = fmt.Errorf("%w: withholding exceeds gross", ErrInvalidDocument)
		return
	}
	b.debit(RoleExpense, nil, doc.Amount, "Gross payroll")
	b.credit(RoleTaxPayable, nil, doc.Tax, "Payroll withholding")
	b.credit(funds, nil, doc.Amount.Sub(doc.Tax), "Net pay")
}

func linesTotal(lines []DocumentLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

func checkAmounts(doc Document) error {
	if doc.CompanyID == uuid.Nil {
		return fmt.Errorf("%w: company required", ErrInvalidDocument)
	}
	for i, l := range doc.Lines {
		if l.Amount.IsNegative() {
			return fmt.Errorf("%w: line %d negative", ErrInvalidDocument, i+1)
		}
	}
	for name, v := range map[string]decimal.Decimal{"tax": doc.Tax, "discount": doc.Discount, "shipping": doc.Shipping, "amount": doc.Amount} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s negative", ErrInvalidDocument, name)
		}
	}
	if doc.Discount.GreaterThan(linesTotal(doc.Lines).Add(doc.Tax).Add(doc.Shipping)) {
		return fmt.Errorf("%w: discount exceeds document total", ErrInvalidDocument)
	}
	return nil
}
