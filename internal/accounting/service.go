package accounting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives posting outcomes.
type MetricsPort interface {
	ObservePosting(txType string, err error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AmountScale          int32
	BaseCurrency         string
	IdempotencyRetention time.Duration
	Logger               *slog.Logger
	Metrics              MetricsPort
}

// Service coordinates posting, voiding, locking and reversing transactions.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	metrics   MetricsPort
	logger    *slog.Logger
	scale     int32
	base      string
	retention time.Duration
	now       func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	scale := cfg.AmountScale
	if scale <= 0 {
		scale = shared.DefaultAmountScale
	}
	base := cfg.BaseCurrency
	if base == "" {
		base = "USD"
	}
	retention := cfg.IdempotencyRetention
	if retention <= 0 {
		retention = shared.DefaultIdempotencyRetention
	}
	return &Service{
		repo:      repo,
		audit:     audit,
		metrics:   cfg.Metrics,
		logger:    logger,
		scale:     scale,
		base:      base,
		retention: retention,
		now:       time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now exposes the service clock to components posting through PostTx.
func (s *Service) Now() time.Time {
	return s.now()
}

// AmountScale returns the configured number of decimals on amounts.
func (s *Service) AmountScale() int32 {
	return s.scale
}

// BaseCurrency returns the ledger's base currency.
func (s *Service) BaseCurrency() string {
	return s.base
}

// Post validates and persists a new posted transaction.
func (s *Service) Post(ctx context.Context, draft Draft) (Transaction, error) {
	var (
		txn      Transaction
		replayed bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		txn, replayed, err = s.postTx(ctx, tx, draft, postOptions{})
		return err
	})
	s.observe(draft.Type, err)
	if err != nil {
		return Transaction{}, err
	}
	if !replayed {
		s.record(ctx, txn.CompanyID, draft.ActorID, "transaction.post", txn.ID, map[string]any{
			"type":         string(txn.Type),
			"reference":    txn.Reference,
			"total_debit":  txn.TotalDebit.String(),
			"total_credit": txn.TotalCredit.String(),
		})
		s.logger.Debug("transaction posted",
			slog.String("company_id", txn.CompanyID.String()),
			slog.String("transaction_id", txn.ID.String()),
			slog.String("type", string(txn.Type)),
			slog.String("total", txn.TotalDebit.String()))
	}
	return txn, nil
}

// PostTx posts draft inside a unit of work owned by the caller so that the
// caller's own writes and the ledger posting commit or fail together.
func (s *Service) PostTx(ctx context.Context, tx TxRepository, draft Draft) (Transaction, error) {
	txn, _, err := s.postTx(ctx, tx, draft, postOptions{})
	s.observe(draft.Type, err)
	return txn, err
}

// SaveDraft stores an unposted transaction. Drafts keep a period from closing.
func (s *Service) SaveDraft(ctx context.Context, draft Draft) (Transaction, error) {
	var txn Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prepared, err := s.prepare(ctx, tx, draft, prepareDraft)
		if err != nil {
			return err
		}
		prepared.Status = TransactionDraft
		if err := tx.InsertTransaction(ctx, prepared); err != nil {
			return err
		}
		txn = prepared
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	s.record(ctx, txn.CompanyID, draft.ActorID, "transaction.draft", txn.ID, nil)
	return txn, nil
}

// PostDraft runs the full posting checks against a stored draft and posts it
// under the same identifier.
func (s *Service) PostDraft(ctx context.Context, companyID, transactionID, actorID uuid.UUID) (Transaction, error) {
	var txn Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := s.loadForUpdate(ctx, tx, companyID, transactionID)
		if err != nil {
			return err
		}
		if current.Status != TransactionDraft {
			return fmt.Errorf("%w: transaction is %s", ErrInvalidStatus, current.Status)
		}
		draft := draftFromTransaction(current)
		draft.ActorID = actorID
		prepared, err := s.prepare(ctx, tx, draft, preparePost)
		if err != nil {
			return err
		}
		prepared.ID = current.ID
		prepared.CreatedAt = current.CreatedAt
		prepared.CreatedBy = current.CreatedBy
		for i := range prepared.Lines {
			prepared.Lines[i].TransactionID = current.ID
		}
		s.markPosted(&prepared, actorID)
		if err := tx.DeleteDraft(ctx, current.CompanyID, current.ID); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, prepared); err != nil {
			return err
		}
		txn = prepared
		return nil
	})
	s.observe(txn.Type, err)
	if err != nil {
		return Transaction{}, err
	}
	s.record(ctx, companyID, actorID, "transaction.post", txn.ID, map[string]any{"from_draft": true})
	return txn, nil
}

// DeleteDraft removes an unposted transaction.
func (s *Service) DeleteDraft(ctx context.Context, companyID, transactionID, actorID uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := s.loadForUpdate(ctx, tx, companyID, transactionID)
		if err != nil {
			return err
		}
		if current.Status != TransactionDraft {
			return fmt.Errorf("%w: only drafts can be deleted", ErrInvalidStatus)
		}
		return tx.DeleteDraft(ctx, current.CompanyID, current.ID)
	})
	if err != nil {
		return err
	}
	s.record(ctx, companyID, actorID, "transaction.draft_delete", transactionID, nil)
	return nil
}

// Void marks a posted transaction void, optionally posting its reversal in the
// same unit of work.
func (s *Service) Void(ctx context.Context, input VoidInput) (Transaction, error) {
	if input.TransactionID == uuid.Nil {
		return Transaction{}, errors.New("accounting: transaction id required")
	}
	var (
		voided   Transaction
		reversal *Transaction
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := s.loadForUpdate(ctx, tx, input.CompanyID, input.TransactionID)
		if err != nil {
			return err
		}
		switch current.Status {
		case TransactionVoid:
			return ErrAlreadyVoided
		case TransactionDraft:
			return fmt.Errorf("%w: drafts are deleted, not voided", ErrInvalidStatus)
		}
		if current.IsLocked {
			return fmt.Errorf("%w: %s", ErrTransactionLocked, current.LockReason)
		}
		if current.IsReversal() {
			return ErrReversalEntry
		}
		if current.ReversedByID != nil {
			return fmt.Errorf("%w: reversed transactions cannot be voided", ErrAlreadyReversed)
		}
		period, err := tx.GetPeriodForUpdate(ctx, current.CompanyID, current.PeriodID)
		if err != nil {
			return err
		}
		if period.Status == PeriodStatusClosed {
			return ErrClosedPeriod
		}
		if input.AutoReverse {
			rev, err := s.reverseTx(ctx, tx, &current, ReverseInput{
				CompanyID:     input.CompanyID,
				TransactionID: current.ID,
				ActorID:       input.ActorID,
				Mode:          input.ReversalMode,
				Description:   fmt.Sprintf("Auto reversal on void of %s", current.ID),
			})
			if err != nil {
				return err
			}
			reversal = &rev
		}
		now := s.now()
		current.Status = TransactionVoid
		current.VoidedAt = &now
		current.VoidedBy = uuidPtr(input.ActorID)
		current.VoidReason = input.Reason
		if err := tx.UpdateTransactionState(ctx, current); err != nil {
			return err
		}
		voided = current
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	meta := map[string]any{"reason": input.Reason}
	if reversal != nil {
		meta["reversal_id"] = reversal.ID.String()
	}
	s.record(ctx, input.CompanyID, input.ActorID, "transaction.void", voided.ID, meta)
	return voided, nil
}

// Lock freezes a posted transaction against void, reversal and amendment.
func (s *Service) Lock(ctx context.Context, input LockInput) (Transaction, error) {
	if !input.Reason.Valid() {
		return Transaction{}, ErrInvalidLockReason
	}
	return s.setLock(ctx, input, true)
}

// Unlock lifts a lock.
func (s *Service) Unlock(ctx context.Context, input LockInput) (Transaction, error) {
	return s.setLock(ctx, input, false)
}

func (s *Service) setLock(ctx context.Context, input LockInput, lock bool) (Transaction, error) {
	var txn Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := s.loadForUpdate(ctx, tx, input.CompanyID, input.TransactionID)
		if err != nil {
			return err
		}
		if current.Status != TransactionPosted {
			return fmt.Errorf("%w: only posted transactions can be locked", ErrInvalidStatus)
		}
		if lock {
			if current.IsLocked {
				return fmt.Errorf("%w: already locked (%s)", ErrTransactionLocked, current.LockReason)
			}
			now := s.now()
			current.IsLocked = true
			current.LockReason = input.Reason
			current.LockedAt = &now
			current.LockedBy = uuidPtr(input.ActorID)
		} else {
			if !current.IsLocked {
				return ErrNotLocked
			}
			current.IsLocked = false
			current.LockReason = ""
			current.LockedAt = nil
			current.LockedBy = nil
		}
		if err := tx.UpdateTransactionState(ctx, current); err != nil {
			return err
		}
		txn = current
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	action := "transaction.unlock"
	if lock {
		action = "transaction.lock"
	}
	s.record(ctx, input.CompanyID, input.ActorID, action, txn.ID, map[string]any{"reason": string(input.Reason)})
	return txn, nil
}

// GetTransaction loads a transaction with its lines.
func (s *Service) GetTransaction(ctx context.Context, companyID, transactionID uuid.UUID) (Transaction, error) {
	var txn Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		txn, err = tx.GetTransaction(ctx, companyID, transactionID)
		if err != nil {
			return err
		}
		return checkCompany(companyID, txn.CompanyID)
	})
	return txn, err
}

// ListTransactions retrieves transactions matching filter.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.CompanyID == uuid.Nil {
		return nil, shared.ErrCompanyRequired
	}
	if filter.Limit <= 0 {
		filter.Limit = 200
	}
	var out []Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListTransactions(ctx, filter)
		return err
	})
	return out, err
}

func (s *Service) loadForUpdate(ctx context.Context, tx TxRepository, companyID, id uuid.UUID) (Transaction, error) {
	if companyID == uuid.Nil {
		return Transaction{}, shared.ErrCompanyRequired
	}
	txn, err := tx.GetTransactionForUpdate(ctx, companyID, id)
	if err != nil {
		return Transaction{}, err
	}
	if err := checkCompany(companyID, txn.CompanyID); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

func (s *Service) observe(txType TransactionType, err error) {
	if s.metrics != nil {
		if txType == "" {
			txType = TransactionTypeJournal
		}
		s.metrics.ObservePosting(string(txType), err)
	}
}

func (s *Service) record(ctx context.Context, companyID, actorID uuid.UUID, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		CompanyID: companyID,
		ActorID:   actorID,
		Action:    action,
		Entity:    "transaction",
		EntityID:  id.String(),
		Meta:      meta,
		At:        s.now(),
	})
}

func checkCompany(expected, actual uuid.UUID) error {
	if expected == uuid.Nil {
		return shared.ErrCompanyRequired
	}
	if expected != actual {
		return shared.ErrCrossCompany
	}
	return nil
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
