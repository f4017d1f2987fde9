package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReversalDateMode picks the date of a reversing transaction.
type ReversalDateMode string

const (
	// ReverseOnOriginalDate posts the reversal on the original date.
	ReverseOnOriginalDate ReversalDateMode = "original"
	// ReverseOnCurrentDate posts the reversal on today's date.
	ReverseOnCurrentDate ReversalDateMode = "current"
)

// ReverseInput wraps parameters for reversal.
type ReverseInput struct {
	CompanyID     uuid.UUID
	TransactionID uuid.UUID
	ActorID       uuid.UUID
	Mode          ReversalDateMode
	// Date overrides Mode when set.
	Date        *time.Time
	Description string
}

// AmendInput wraps parameters for an amendment. Draft carries the corrected
// content; ReverseOriginal also posts the original's reversal.
type AmendInput struct {
	CompanyID       uuid.UUID
	TransactionID   uuid.UUID
	ActorID         uuid.UUID
	Draft           Draft
	ReverseOriginal bool
	ReversalMode    ReversalDateMode
}

// AmendResult returns the new transaction and, when requested, the reversal.
type AmendResult struct {
	Amendment Transaction
	Reversal  *Transaction
}

// LinkKind names how a transaction entered a lineage.
type LinkKind string

const (
	LinkRoot      LinkKind = "root"
	LinkReversal  LinkKind = "reversal"
	LinkAmendment LinkKind = "amendment"
)

// LineageEntry is one node of a correction chain.
type LineageEntry struct {
	Transaction Transaction
	Kind        LinkKind
	ParentID    *uuid.UUID
}

// Reverse posts a transaction with debit and credit swapped and links both ways.
func (s *Service) Reverse(ctx context.Context, input ReverseInput) (Transaction, error) {
	if input.TransactionID == uuid.Nil {
		return Transaction{}, fmt.Errorf("accounting: transaction id required")
	}
	var reversal Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := s.loadForUpdate(ctx, tx, input.CompanyID, input.TransactionID)
		if err != nil {
			return err
		}
		reversal, err = s.reverseTx(ctx, tx, &original, input)
		return err
	})
	s.observe(TransactionTypeReversal, err)
	if err != nil {
		return Transaction{}, err
	}
	s.record(ctx, input.CompanyID, input.ActorID, "transaction.reverse", input.TransactionID, map[string]any{
		"reversal_id": reversal.ID.String(),
	})
	return reversal, nil
}

// reverseTx posts the mirror of original and stamps original.ReversedByID.
func (s *Service) reverseTx(ctx context.Context, tx TxRepository, original *Transaction, input ReverseInput) (Transaction, error) {
	if original.Status != TransactionPosted {
		if original.Status == TransactionVoid {
			return Transaction{}, ErrAlreadyVoided
		}
		return Transaction{}, fmt.Errorf("%w: only posted transactions can be reversed", ErrInvalidStatus)
	}
	if original.IsLocked {
		return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionLocked, original.LockReason)
	}
	if original.IsReversal() {
		return Transaction{}, ErrReversalEntry
	}
	if original.ReversedByID != nil {
		return Transaction{}, ErrAlreadyReversed
	}
	period, err := tx.GetPeriodForUpdate(ctx, original.CompanyID, original.PeriodID)
	if err != nil {
		return Transaction{}, err
	}
	if period.Status == PeriodStatusClosed {
		return Transaction{}, ErrClosedPeriod
	}
	date := original.TransactionDate
	if input.Mode == ReverseOnCurrentDate {
		date = s.now()
	}
	if input.Date != nil {
		date = *input.Date
	}
	desc := input.Description
	if desc == "" {
		desc = fmt.Sprintf("Reversal of %s", original.ID)
	}
	lines, rounding := mirrorLines(*original)
	draft := Draft{
		CompanyID:       original.CompanyID,
		Type:            TransactionTypeReversal,
		Reference:       original.Reference,
		Description:     desc,
		TransactionDate: date,
		Currency:        original.Currency,
		ExchangeRate:    original.ExchangeRate,
		Lines:           lines,
		Rounding:        rounding,
		ActorID:         input.ActorID,
	}
	originalID := original.ID
	reversal, _, err := s.postTx(ctx, tx, draft, postOptions{reversalOf: &originalID})
	if err != nil {
		return Transaction{}, err
	}
	original.ReversedByID = &reversal.ID
	if err := tx.UpdateTransactionState(ctx, *original); err != nil {
		return Transaction{}, err
	}
	return reversal, nil
}

// Amend posts a corrected transaction linked to the original. The original
// stays posted unless ReverseOriginal is set.
func (s *Service) Amend(ctx context.Context, input AmendInput) (AmendResult, error) {
	if input.TransactionID == uuid.Nil {
		return AmendResult{}, fmt.Errorf("accounting: transaction id required")
	}
	var result AmendResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := s.loadForUpdate(ctx, tx, input.CompanyID, input.TransactionID)
		if err != nil {
			return err
		}
		if original.Status != TransactionPosted {
			return fmt.Errorf("%w: only posted transactions can be amended", ErrInvalidStatus)
		}
		if original.IsLocked {
			return fmt.Errorf("%w: %s", ErrTransactionLocked, original.LockReason)
		}
		if original.AmendedByID != nil {
			return ErrAlreadyAmended
		}
		draft := input.Draft
		draft.CompanyID = input.CompanyID
		draft.ActorID = input.ActorID
		if draft.Type == "" {
			draft.Type = original.Type
		}
		originalID := original.ID
		amendment, _, err := s.postTx(ctx, tx, draft, postOptions{corrects: &originalID, amendedBy: input.ActorID})
		if err != nil {
			return err
		}
		if input.ReverseOriginal {
			rev, err := s.reverseTx(ctx, tx, &original, ReverseInput{
				CompanyID:     input.CompanyID,
				TransactionID: original.ID,
				ActorID:       input.ActorID,
				Mode:          input.ReversalMode,
				Description:   fmt.Sprintf("Reversal of %s, amended by %s", original.ID, amendment.ID),
			})
			if err != nil {
				return err
			}
			result.Reversal = &rev
		}
		original.AmendedByID = &amendment.ID
		if err := tx.UpdateTransactionState(ctx, original); err != nil {
			return err
		}
		result.Amendment = amendment
		return nil
	})
	s.observe(input.Draft.Type, err)
	if err != nil {
		return AmendResult{}, err
	}
	s.record(ctx, input.CompanyID, input.ActorID, "transaction.amend", input.TransactionID, map[string]any{
		"amendment_id": result.Amendment.ID.String(),
	})
	return result, nil
}

// Lineage walks reversal and amendment links from any member of a chain and
// returns the chain root first, then descendants breadth-first.
func (s *Service) Lineage(ctx context.Context, companyID, transactionID uuid.UUID) ([]LineageEntry, error) {
	var out []LineageEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		load := func(id uuid.UUID) (Transaction, error) {
			txn, err := tx.GetTransaction(ctx, companyID, id)
			if err != nil {
				return Transaction{}, err
			}
			return txn, checkCompany(companyID, txn.CompanyID)
		}
		root, err := load(transactionID)
		if err != nil {
			return err
		}
		seen := map[uuid.UUID]bool{root.ID: true}
		for {
			parent := root.ReversalOfID
			if parent == nil {
				parent = root.CorrectsID
			}
			if parent == nil || seen[*parent] {
				break
			}
			seen[*parent] = true
			if root, err = load(*parent); err != nil {
				return err
			}
		}

		visited := map[uuid.UUID]bool{root.ID: true}
		queue := []LineageEntry{{Transaction: root, Kind: LinkRoot}}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			out = append(out, node)
			children := []struct {
				id   *uuid.UUID
				kind LinkKind
			}{
				{node.Transaction.ReversedByID, LinkReversal},
				{node.Transaction.AmendedByID, LinkAmendment},
			}
			for _, child := range children {
				if child.id == nil || visited[*child.id] {
					continue
				}
				visited[*child.id] = true
				txn, err := load(*child.id)
				if err != nil {
					return err
				}
				parentID := node.Transaction.ID
				queue = append(queue, LineageEntry{Transaction: txn, Kind: child.kind, ParentID: &parentID})
			}
		}
		return nil
	})
	return out, err
}
