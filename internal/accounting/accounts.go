package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AccountInput describes a new chart of accounts entry. NormalBalance may be
// left empty to derive it from Type and IsContra.
type AccountInput struct {
	CompanyID     uuid.UUID     `validate:"required"`
	ParentID      *uuid.UUID    `validate:"omitempty"`
	Code          string        `validate:"required,max=32"`
	Name          string        `validate:"required,max=200"`
	Type          AccountType   `validate:"required"`
	NormalBalance NormalBalance `validate:"omitempty,oneof=debit credit"`
	IsContra      bool
	Currency      string `validate:"omitempty,len=3,uppercase"`
	IsSystem      bool
	ActorID       uuid.UUID
}

// CreateAccount validates and stores an account. The normal balance is fixed
// here and no later operation changes it.
func (s *Service) CreateAccount(ctx context.Context, in AccountInput) (Account, error) {
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	if err := shared.ValidateStruct(in); err != nil {
		return Account{}, err
	}
	if !in.Type.Valid() {
		return Account{}, fmt.Errorf("%w: %s", ErrInvalidAccountType, in.Type)
	}
	expected := in.Type.NaturalBalance()
	if in.IsContra {
		expected = expected.Opposite()
	}
	if in.NormalBalance == "" {
		in.NormalBalance = expected
	}
	if in.NormalBalance != expected {
		return Account{}, fmt.Errorf("%w: %s account with contra=%t must be %s", ErrNormalBalanceMismatch, in.Type, in.IsContra, expected)
	}
	var acc Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetAccountByCode(ctx, in.CompanyID, in.Code); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateAccountCode, in.Code)
		} else if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		if in.ParentID != nil {
			parent, err := tx.GetAccount(ctx, in.CompanyID, *in.ParentID)
			if err != nil {
				return err
			}
			if parent.CompanyID != in.CompanyID {
				return fmt.Errorf("%w: parent account", shared.ErrCrossCompany)
			}
		}
		now := s.now()
		acc = Account{
			ID:            uuid.New(),
			CompanyID:     in.CompanyID,
			ParentID:      in.ParentID,
			Code:          in.Code,
			Name:          in.Name,
			Type:          in.Type,
			NormalBalance: in.NormalBalance,
			IsContra:      in.IsContra,
			Currency:      in.Currency,
			IsActive:      true,
			IsSystem:      in.IsSystem,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertAccount(ctx, acc)
	})
	if err != nil {
		return Account{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			CompanyID: acc.CompanyID,
			ActorID:   in.ActorID,
			Action:    "account.create",
			Entity:    "account",
			EntityID:  acc.ID.String(),
			Meta:      map[string]any{"code": acc.Code, "type": string(acc.Type)},
			At:        s.now(),
		})
	}
	return acc, nil
}

// DeactivateAccount stops an account from receiving new lines.
func (s *Service) DeactivateAccount(ctx context.Context, companyID, accountID uuid.UUID) error {
	return s.setAccountActive(ctx, companyID, accountID, false)
}

// ReactivateAccount re-enables an account.
func (s *Service) ReactivateAccount(ctx context.Context, companyID, accountID uuid.UUID) error {
	return s.setAccountActive(ctx, companyID, accountID, true)
}

func (s *Service) setAccountActive(ctx context.Context, companyID, accountID uuid.UUID, active bool) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acc, err := tx.GetAccount(ctx, companyID, accountID)
		if err != nil {
			return err
		}
		if err := checkCompany(companyID, acc.CompanyID); err != nil {
			return err
		}
		return tx.SetAccountActive(ctx, companyID, accountID, active, s.now())
	})
}

// GetAccount loads one account.
func (s *Service) GetAccount(ctx context.Context, companyID, accountID uuid.UUID) (Account, error) {
	var acc Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		acc, err = tx.GetAccount(ctx, companyID, accountID)
		if err != nil {
			return err
		}
		return checkCompany(companyID, acc.CompanyID)
	})
	return acc, err
}

// ListAccounts retrieves the chart of accounts of a company ordered by code.
func (s *Service) ListAccounts(ctx context.Context, companyID uuid.UUID) ([]Account, error) {
	if companyID == uuid.Nil {
		return nil, shared.ErrCompanyRequired
	}
	var accounts []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		accounts, err = tx.ListAccounts(ctx, companyID)
		return err
	})
	return accounts, err
}

// AccountPath returns the ancestors of an account from the root down to the
// account itself.
func (s *Service) AccountPath(ctx context.Context, companyID, accountID uuid.UUID) ([]Account, error) {
	var path []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seen := map[uuid.UUID]bool{}
		id := &accountID
		for id != nil {
			if seen[*id] {
				return ErrAccountCycle
			}
			seen[*id] = true
			acc, err := tx.GetAccount(ctx, companyID, *id)
			if err != nil {
				return err
			}
			if err := checkCompany(companyID, acc.CompanyID); err != nil {
				return err
			}
			path = append(path, acc)
			id = acc.ParentID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Children lists the direct children of an account.
func (s *Service) Children(ctx context.Context, companyID, accountID uuid.UUID) ([]Account, error) {
	all, err := s.ListAccounts(ctx, companyID)
	if err != nil {
		return nil, err
	}
	var out []Account
	for _, acc := range all {
		if acc.ParentID != nil && *acc.ParentID == accountID {
			out = append(out, acc)
		}
	}
	return out, nil
}
