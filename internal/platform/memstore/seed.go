package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/close"
)

// Standard account codes created by Seed.
const (
	CodeCash             = "1000"
	CodeBank             = "1010"
	CodeAR               = "1100"
	CodeInventory        = "1200"
	CodeTransit          = "1300"
	CodeTaxReceivable    = "1400"
	CodeAP               = "2000"
	CodeTaxPayable       = "2100"
	CodeClearing         = "2900"
	CodeRetainedEarnings = "3000"
	CodeRevenue          = "4000"
	CodeTransitGain      = "4100"
	CodeCOGS             = "5000"
	CodeExpense          = "5100"
	CodeTransitLoss      = "5200"
	CodeSuspense         = "9999"
)

var seedAccounts = []struct {
	code string
	name string
	typ  accounting.AccountType
}{
	{CodeCash, "Cash", accounting.AccountTypeAsset},
	{CodeBank, "Bank", accounting.AccountTypeAsset},
	{CodeAR, "Accounts receivable", accounting.AccountTypeAsset},
	{CodeInventory, "Inventory", accounting.AccountTypeAsset},
	{CodeTransit, "Goods in transit", accounting.AccountTypeAsset},
	{CodeTaxReceivable, "Tax receivable", accounting.AccountTypeAsset},
	{CodeAP, "Accounts payable", accounting.AccountTypeLiability},
	{CodeTaxPayable, "Tax payable", accounting.AccountTypeLiability},
	{CodeClearing, "Bank clearing", accounting.AccountTypeLiability},
	{CodeRetainedEarnings, "Retained earnings", accounting.AccountTypeEquity},
	{CodeRevenue, "Sales", accounting.AccountTypeRevenue},
	{CodeTransitGain, "Transit gain", accounting.AccountTypeOtherIncome},
	{CodeCOGS, "Cost of goods sold", accounting.AccountTypeCOGS},
	{CodeExpense, "Operating expense", accounting.AccountTypeExpense},
	{CodeTransitLoss, "Transit loss", accounting.AccountTypeOtherExpense},
	{CodeSuspense, "Suspense", accounting.AccountTypeAsset},
}

// Company is a seeded tenant with a chart of accounts and one fiscal year.
type Company struct {
	ID         uuid.UUID
	Accounts   map[string]uuid.UUID
	FiscalYear accounting.FiscalYear
	Periods    []accounting.Period
}

// Account returns the id of a seeded account code.
func (c Company) Account(code string) uuid.UUID {
	return c.Accounts[code]
}

// Seed creates a company with the standard chart and a monthly calendar
// year.
func Seed(ctx context.Context, ledger *accounting.Service, calendar *close.Service, year int) (Company, error) {
	c := Company{ID: uuid.New(), Accounts: make(map[string]uuid.UUID, len(seedAccounts))}
	for _, a := range seedAccounts {
		acc, err := ledger.CreateAccount(ctx, accounting.AccountInput{
			CompanyID: c.ID,
			Code:      a.code,
			Name:      a.name,
			Type:      a.typ,
		})
		if err != nil {
			return Company{}, fmt.Errorf("seed account %s: %w", a.code, err)
		}
		c.Accounts[a.code] = acc.ID
	}
	fy, periods, err := calendar.CreateFiscalYear(ctx, close.FiscalYearInput{
		CompanyID:                 c.ID,
		Name:                      fmt.Sprintf("FY%d", year),
		StartDate:                 time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:                   time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
		RetainedEarningsAccountID: c.Accounts[CodeRetainedEarnings],
		Frequency:                 close.FrequencyMonthly,
	})
	if err != nil {
		return Company{}, fmt.Errorf("seed fiscal year: %w", err)
	}
	c.FiscalYear, c.Periods = fy, periods
	return c, nil
}
