package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IssueCostedEvent is published after an issue commits.
type IssueCostedEvent struct {
	CompanyID    uuid.UUID
	MovementID   uuid.UUID
	ItemID       uuid.UUID
	WarehouseID  uuid.UUID
	Qty          decimal.Decimal
	CostAmount   decimal.Decimal
	EstimatedQty decimal.Decimal
	Method       CostMethod
	CostedAt     time.Time
}

// EventHandler receives costing events for downstream integration. Errors are
// logged and do not undo the committed issue.
type EventHandler interface {
	HandleIssueCosted(ctx context.Context, evt IssueCostedEvent) error
}
