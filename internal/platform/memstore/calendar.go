package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/posting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func (t *Tx) InsertFiscalYear(_ context.Context, fy accounting.FiscalYear) error {
	t.s.fiscalYears[fy.ID] = fy
	return nil
}

func (t *Tx) GetFiscalYearForUpdate(ctx context.Context, companyID, id uuid.UUID) (accounting.FiscalYear, error) {
	return t.GetFiscalYear(ctx, companyID, id)
}

func (t *Tx) UpdateFiscalYear(_ context.Context, fy accounting.FiscalYear) error {
	cur, err := scoped(t.s.fiscalYears, fiscalYearCompany, fy.CompanyID, fy.ID, accounting.ErrFiscalYearNotFound)
	if err != nil {
		return err
	}
	cur.Status = fy.Status
	cur.ClosingTransactionID = fy.ClosingTransactionID
	cur.ClosedAt = fy.ClosedAt
	cur.ClosedBy = fy.ClosedBy
	t.s.fiscalYears[fy.ID] = cur
	return nil
}

func (t *Tx) ListFiscalYears(_ context.Context, companyID uuid.UUID) ([]accounting.FiscalYear, error) {
	var out []accounting.FiscalYear
	for _, fy := range t.s.fiscalYears {
		if fy.CompanyID == companyID {
			out = append(out, fy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (t *Tx) FiscalYearOverlaps(_ context.Context, companyID uuid.UUID, start, end time.Time) (bool, error) {
	start, end = shared.DateOf(start), shared.DateOf(end)
	for _, fy := range t.s.fiscalYears {
		if fy.CompanyID != companyID {
			continue
		}
		if !shared.DateOf(fy.StartDate).After(end) && !shared.DateOf(fy.EndDate).Before(start) {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tx) InsertPeriod(_ context.Context, p accounting.Period) error {
	t.s.periods[p.ID] = p
	return nil
}

func (t *Tx) ListPeriods(_ context.Context, companyID, fiscalYearID uuid.UUID) ([]accounting.Period, error) {
	var out []accounting.Period
	for _, p := range t.s.periods {
		if p.CompanyID == companyID && p.FiscalYearID == fiscalYearID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsAdjustment != b.IsAdjustment {
			return !a.IsAdjustment
		}
		if !a.StartDate.Equal(b.StartDate) {
			return a.StartDate.Before(b.StartDate)
		}
		return a.Number < b.Number
	})
	return out, nil
}

func (t *Tx) UpdatePeriod(_ context.Context, p accounting.Period) error {
	cur, err := scoped(t.s.periods, periodCompany, p.CompanyID, p.ID, accounting.ErrPeriodNotFound)
	if err != nil {
		return err
	}
	cur.Status = p.Status
	cur.ClosedAt = p.ClosedAt
	cur.ClosedBy = p.ClosedBy
	t.s.periods[p.ID] = cur
	return nil
}

func (t *Tx) CountDrafts(_ context.Context, companyID, periodID uuid.UUID) (int, error) {
	n := 0
	for _, txn := range t.s.transactions {
		if txn.CompanyID == companyID && txn.PeriodID == periodID && txn.Status == accounting.TransactionDraft {
			n++
		}
	}
	return n, nil
}

func copyTemplate(tpl posting.Template) posting.Template {
	tpl.Lines = append([]posting.TemplateLine(nil), tpl.Lines...)
	return tpl
}

func (t *Tx) InsertTemplate(_ context.Context, tpl posting.Template) error {
	t.s.templates[tpl.ID] = copyTemplate(tpl)
	return nil
}

func (t *Tx) GetTemplate(_ context.Context, companyID, id uuid.UUID) (posting.Template, error) {
	tpl, err := scoped(t.s.templates, templateCompany, companyID, id, posting.ErrTemplateNotFound)
	if err != nil {
		return posting.Template{}, err
	}
	return copyTemplate(tpl), nil
}

func (t *Tx) UpdateTemplate(_ context.Context, tpl posting.Template) error {
	cur, err := scoped(t.s.templates, templateCompany, tpl.CompanyID, tpl.ID, posting.ErrTemplateNotFound)
	if err != nil {
		return err
	}
	cur.IsActive = tpl.IsActive
	cur.IsDefault = tpl.IsDefault
	cur.EffectiveTo = tpl.EffectiveTo
	t.s.templates[tpl.ID] = cur
	return nil
}

func (t *Tx) ListTemplates(_ context.Context, companyID uuid.UUID, docType posting.DocType) ([]posting.Template, error) {
	var out []posting.Template
	for _, tpl := range t.s.templates {
		if tpl.CompanyID == companyID && tpl.DocType == docType {
			out = append(out, copyTemplate(tpl))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
