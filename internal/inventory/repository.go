package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// RepositoryPort abstracts transactional inventory storage.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// StockKey identifies one item in one warehouse.
type StockKey struct {
	CompanyID   uuid.UUID
	ItemID      uuid.UUID
	WarehouseID uuid.UUID
}

// CogsFilter narrows ListCogs.
type CogsFilter struct {
	CompanyID   uuid.UUID
	ItemID      *uuid.UUID
	WarehouseID *uuid.UUID
	From        time.Time
	To          time.Time
	Limit       int
}

// TxRepository exposes inventory storage inside the ledger unit of work so a
// stock change and its COGS posting commit together.
type TxRepository interface {
	accounting.TxRepository

	InsertItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, companyID, id uuid.UUID) (Item, error)
	InsertWarehouse(ctx context.Context, wh Warehouse) error
	GetWarehouse(ctx context.Context, companyID, id uuid.UUID) (Warehouse, error)

	InsertPolicy(ctx context.Context, p CostPolicy) error
	// ListPolicies returns the company policies ordered by effective date.
	ListPolicies(ctx context.Context, companyID uuid.UUID) ([]CostPolicy, error)

	// LockStock returns the stock row, creating an empty one if needed, and
	// holds it until the unit of work ends.
	LockStock(ctx context.Context, key StockKey) (StockLevel, error)
	// GetStockLevel returns a zero level when nothing was recorded yet.
	GetStockLevel(ctx context.Context, key StockKey) (StockLevel, error)
	UpdateStockLevel(ctx context.Context, level StockLevel) error
	ListStockKeys(ctx context.Context, companyID uuid.UUID) ([]StockKey, error)

	// GetItemCost returns a zero cost when nothing was recorded yet.
	GetItemCost(ctx context.Context, key StockKey) (ItemCost, error)
	UpsertItemCost(ctx context.Context, cost ItemCost) error

	InsertMovement(ctx context.Context, m StockMovement) error
	GetMovement(ctx context.Context, companyID, id uuid.UUID) (StockMovement, error)
	DeleteMovement(ctx context.Context, companyID, id uuid.UUID) error
	// LatestMovement returns the most recently created movement of key.
	LatestMovement(ctx context.Context, key StockKey) (StockMovement, error)
	// MovementBalance sums signed movement quantities of key.
	MovementBalance(ctx context.Context, key StockKey) (MovementTotals, error)

	// InsertLayer stores the layer and returns its creation sequence.
	InsertLayer(ctx context.Context, layer CostLayer) (int64, error)
	// ListLayers returns layers of key in FIFO order. openOnly skips emptied ones.
	ListLayers(ctx context.Context, key StockKey, openOnly bool) ([]CostLayer, error)
	GetLayerByMovement(ctx context.Context, companyID, movementID uuid.UUID) (CostLayer, error)
	UpdateLayerRemaining(ctx context.Context, companyID, id uuid.UUID, remaining decimal.Decimal) error
	DeleteLayer(ctx context.Context, companyID, id uuid.UUID) error

	InsertCogs(ctx context.Context, entry CogsEntry) error
	GetCogsByMovement(ctx context.Context, companyID, movementID uuid.UUID) (CogsEntry, error)
	ListCogs(ctx context.Context, filter CogsFilter) ([]CogsEntry, error)
}

// MovementTotals aggregates the movement log of one key.
type MovementTotals struct {
	Quantity decimal.Decimal
	Count    int
}
