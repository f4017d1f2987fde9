package posting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Config groups optional settings.
type Config struct {
	// RoundingTolerance bounds the difference a SUSPENSE role may absorb when
	// a foreign currency document is converted. Zero means one minor unit.
	RoundingTolerance decimal.Decimal
}

// Service resolves templates and posts documents through the ledger.
type Service struct {
	repo      RepositoryPort
	ledger    *accounting.Service
	audit     accounting.AuditPort
	tolerance decimal.Decimal
	group     singleflight.Group
	now       func() time.Time
}

// NewService constructs the template resolver.
func NewService(repo RepositoryPort, ledger *accounting.Service, audit accounting.AuditPort, cfg Config) *Service {
	tolerance := cfg.RoundingTolerance
	if !tolerance.IsPositive() {
		scale := int32(shared.DefaultAmountScale)
		if ledger != nil {
			scale = ledger.AmountScale()
		}
		tolerance = decimal.New(1, -scale)
	}
	return &Service{repo: repo, ledger: ledger, audit: audit, tolerance: tolerance, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateTemplate validates and stores a new template version.
func (s *Service) CreateTemplate(ctx context.Context, in TemplateInput) (Template, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := shared.ValidateStruct(in); err != nil {
		return Template{}, err
	}
	if !in.DocType.Valid() {
		return Template{}, fmt.Errorf("%w: %s", ErrInvalidDocType, in.DocType)
	}
	if in.EffectiveTo != nil && !shared.DateOf(*in.EffectiveTo).After(shared.DateOf(in.EffectiveFrom)) {
		return Template{}, ErrInvalidWindow
	}
	seen := make(map[Role]bool, len(in.Lines))
	for _, l := range in.Lines {
		if !l.Role.Valid() {
			return Template{}, fmt.Errorf("%w: %s", ErrInvalidRole, l.Role)
		}
		if seen[l.Role] {
			return Template{}, fmt.Errorf("%w: %s", ErrDuplicateRole, l.Role)
		}
		seen[l.Role] = true
	}
	for _, role := range requiredRoles[in.DocType] {
		if !seen[role] {
			return Template{}, fmt.Errorf("%w: %s requires %s", ErrMissingRole, in.DocType, role)
		}
	}

	tpl := Template{
		ID:            uuid.New(),
		CompanyID:     in.CompanyID,
		DocType:       in.DocType,
		Name:          in.Name,
		Description:   in.Description,
		IsDefault:     in.IsDefault,
		IsActive:      true,
		EffectiveFrom: shared.DateOf(in.EffectiveFrom),
		Lines:         append([]TemplateLine(nil), in.Lines...),
	}
	if in.EffectiveTo != nil {
		to := shared.DateOf(*in.EffectiveTo)
		tpl.EffectiveTo = &to
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, l := range tpl.Lines {
			if err := checkAccount(ctx, tx, in.CompanyID, l.AccountID); err != nil {
				return fmt.Errorf("role %s: %w", l.Role, err)
			}
		}
		existing, err := tx.ListTemplates(ctx, in.CompanyID, in.DocType)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other.Name == tpl.Name && other.Version > tpl.Version {
				tpl.Version = other.Version
			}
			if tpl.IsDefault && other.IsDefault && other.IsActive && tpl.overlaps(other) {
				return fmt.Errorf("%w: overlaps %s v%d", ErrAmbiguousDefault, other.Name, other.Version)
			}
		}
		tpl.Version++
		tpl.CreatedAt = s.now()
		return tx.InsertTemplate(ctx, tpl)
	})
	if err != nil {
		return Template{}, err
	}
	s.record(ctx, tpl.CompanyID, in.ActorID, "template.create", tpl.ID, map[string]any{
		"doc_type": string(tpl.DocType),
		"version":  tpl.Version,
	})
	return tpl, nil
}

// ExpireTemplate closes the template window at effectiveTo (exclusive).
func (s *Service) ExpireTemplate(ctx context.Context, companyID, templateID uuid.UUID, effectiveTo time.Time) (Template, error) {
	return s.update(ctx, companyID, templateID, "template.expire", func(t *Template) error {
		to := shared.DateOf(effectiveTo)
		if !to.After(t.EffectiveFrom) {
			return ErrInvalidWindow
		}
		t.EffectiveTo = &to
		return nil
	})
}

// DeactivateTemplate removes a template from resolution.
func (s *Service) DeactivateTemplate(ctx context.Context, companyID, templateID uuid.UUID) (Template, error) {
	return s.update(ctx, companyID, templateID, "template.deactivate", func(t *Template) error {
		t.IsActive = false
		return nil
	})
}

func (s *Service) update(ctx context.Context, companyID, templateID uuid.UUID, action string, mutate func(*Template) error) (Template, error) {
	var tpl Template
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		tpl, err = tx.GetTemplate(ctx, companyID, templateID)
		if err != nil {
			return err
		}
		if tpl.CompanyID != companyID {
			return shared.ErrCrossCompany
		}
		if err := mutate(&tpl); err != nil {
			return err
		}
		return tx.UpdateTemplate(ctx, tpl)
	})
	if err != nil {
		return Template{}, err
	}
	s.record(ctx, companyID, uuid.Nil, action, tpl.ID, nil)
	return tpl, nil
}

// ListTemplates returns every version for a company and document type.
func (s *Service) ListTemplates(ctx context.Context, companyID uuid.UUID, docType DocType) ([]Template, error) {
	if companyID == uuid.Nil {
		return nil, shared.ErrCompanyRequired
	}
	var out []Template
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListTemplates(ctx, companyID, docType)
		return err
	})
	return out, err
}

// Resolve returns the role map of the template in force at asOf. A default
// template wins; otherwise the most recently created one does.
func (s *Service) Resolve(ctx context.Context, companyID uuid.UUID, docType DocType, asOf time.Time) (RoleAccountMap, error) {
	if companyID == uuid.Nil {
		return nil, shared.ErrCompanyRequired
	}
	if !docType.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocType, docType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := companyID.String() + "|" + string(docType) + "|" + shared.DateOf(asOf).Format("2006-01-02")
	// The shared lookup outlives any one caller; each caller still honours
	// its own deadline below.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		var tpl Template
		err := s.repo.WithTx(flightCtx, func(ctx context.Context, tx TxRepository) error {
			all, err := tx.ListTemplates(ctx, companyID, docType)
			if err != nil {
				return err
			}
			tpl, err = pick(all, asOf)
			return err
		})
		if err != nil {
			return nil, err
		}
		return tpl.Roles(), nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	roles := res.Val.(RoleAccountMap)
	out := make(RoleAccountMap, len(roles))
	for k, id := range roles {
		out[k] = id
	}
	return out, nil
}

// PostDocument resolves the template, applies overrides, builds the draft and
// posts it. The idempotency key of the document is forwarded to the ledger.
func (s *Service) PostDocument(ctx context.Context, doc Document) (accounting.Transaction, error) {
	draft, err := s.Preview(ctx, doc)
	if err != nil {
		return accounting.Transaction{}, err
	}
	return s.ledger.Post(ctx, draft)
}

// Preview builds the draft a document would post without persisting it.
func (s *Service) Preview(ctx context.Context, doc Document) (accounting.Draft, error) {
	if doc.Date.IsZero() {
		return accounting.Draft{}, fmt.Errorf("%w: date required", ErrInvalidDocument)
	}
	roles, err := s.Resolve(ctx, doc.CompanyID, doc.DocType, doc.Date)
	if err != nil {
		return accounting.Draft{}, err
	}
	for role, id := range doc.Overrides {
		if !role.Valid() {
			return accounting.Draft{}, fmt.Errorf("%w: %s", ErrInvalidRole, role)
		}
		roles[role] = id
	}
	draft, err := BuildDraft(doc, roles)
	if err != nil {
		return accounting.Draft{}, err
	}
	if suspense, ok := roles[RoleSuspense]; ok && s.ledger != nil && foreign(doc.Currency, s.ledger.BaseCurrency()) {
		draft.Rounding = &accounting.RoundingOption{AccountID: suspense, Tolerance: s.tolerance}
	}
	return draft, nil
}

func pick(all []Template, asOf time.Time) (Template, error) {
	var (
		defaults []Template
		newest   *Template
	)
	for i := range all {
		t := all[i]
		if !t.IsActive || !t.Covers(asOf) {
			continue
		}
		if t.IsDefault {
			defaults = append(defaults, t)
			continue
		}
		if newest == nil || t.CreatedAt.After(newest.CreatedAt) ||
			(t.CreatedAt.Equal(newest.CreatedAt) && t.Version > newest.Version) {
			newest = &all[i]
		}
	}
	switch {
	case len(defaults) > 1:
		return Template{}, ErrAmbiguousDefault
	case len(defaults) == 1:
		return defaults[0], nil
	case newest != nil:
		return *newest, nil
	}
	return Template{}, fmt.Errorf("%w: %s", ErrNoTemplateFound, asOf.Format("2006-01-02"))
}

func checkAccount(ctx context.Context, tx TxRepository, companyID, accountID uuid.UUID) error {
	acc, err := tx.GetAccount(ctx, companyID, accountID)
	if errors.Is(err, accounting.ErrAccountNotFound) {
		return fmt.Errorf("%w: %s", accounting.ErrUnknownAccount, accountID)
	}
	if err != nil {
		return err
	}
	if acc.CompanyID != companyID {
		return shared.ErrCrossCompany
	}
	if !acc.IsActive {
		return fmt.Errorf("%w: %s", accounting.ErrInactiveAccount, acc.Code)
	}
	return nil
}

func foreign(currency, base string) bool {
	return currency != "" && !strings.EqualFold(currency, base)
}

func (s *Service) record(ctx context.Context, companyID, actorID uuid.UUID, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		CompanyID: companyID,
		ActorID:   actorID,
		Action:    action,
		Entity:    "posting_template",
		EntityID:  id.String(),
		Meta:      meta,
		At:        s.now(),
	})
}
