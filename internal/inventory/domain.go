package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// CostMethod selects how issues are priced.
type CostMethod string

const (
	MethodFIFO            CostMethod = "FIFO"
	MethodWeightedAverage CostMethod = "WA"
)

// Valid reports whether m is supported.
func (m CostMethod) Valid() bool {
	return m == MethodFIFO || m == MethodWeightedAverage
}

// MovementType enumerates supported stock movements.
type MovementType string

const (
	MovementPurchase      MovementType = "purchase"
	MovementSale          MovementType = "sale"
	MovementAdjustmentIn  MovementType = "adjustment_in"
	MovementAdjustmentOut MovementType = "adjustment_out"
	MovementTransferIn    MovementType = "transfer_in"
	MovementTransferOut   MovementType = "transfer_out"
	MovementReturnIn      MovementType = "return_in"
	MovementReturnOut     MovementType = "return_out"
	MovementOpening       MovementType = "opening"
)

// Inbound reports whether the movement adds stock.
func (t MovementType) Inbound() bool {
	switch t {
	case MovementPurchase, MovementAdjustmentIn, MovementTransferIn, MovementReturnIn, MovementOpening:
		return true
	}
	return false
}

// Outbound reports whether the movement removes stock.
func (t MovementType) Outbound() bool {
	switch t {
	case MovementSale, MovementAdjustmentOut, MovementTransferOut, MovementReturnOut:
		return true
	}
	return false
}

// SourceType names the origin of a cost layer.
type SourceType string

const (
	SourceAPBill     SourceType = "AP_BILL"
	SourceAdjustment SourceType = "ADJUSTMENT"
	SourceTransferIn SourceType = "TRANSFER_IN"
	SourceOpening    SourceType = "OPENING"
	SourceReceipt    SourceType = "RECEIPT"
)

// Item is a stock keeping unit with its ledger accounts.
type Item struct {
	ID                 uuid.UUID
	CompanyID          uuid.UUID
	SKU                string
	Name               string
	TrackInventory     bool
	InventoryAccountID uuid.UUID
	COGSAccountID      uuid.UUID
	IsActive           bool
	CreatedAt          time.Time
}

// Warehouse is a stock location.
type Warehouse struct {
	ID        uuid.UUID
	CompanyID uuid.UUID
	Code      string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// StockLevel summarises stock per item and warehouse.
type StockLevel struct {
	CompanyID   uuid.UUID
	ItemID      uuid.UUID
	WarehouseID uuid.UUID
	Quantity    decimal.Decimal
	Reserved    decimal.Decimal
	UpdatedAt   time.Time
}

// Available is on-hand quantity not promised to reservations.
func (l StockLevel) Available() decimal.Decimal {
	return l.Quantity.Sub(l.Reserved)
}

// StockMovement is one immutable quantity change.
type StockMovement struct {
	ID                uuid.UUID
	CompanyID         uuid.UUID
	ItemID            uuid.UUID
	WarehouseID       uuid.UUID
	MovementType      MovementType
	MovementDate      time.Time
	Quantity          decimal.Decimal
	UnitCost          decimal.Decimal
	TotalCost         decimal.Decimal
	ReferenceType     string
	ReferenceID       string
	RelatedMovementID *uuid.UUID
	IsCosted          bool
	CreatedAt         time.Time
}

// CostLayer is a receipt lot consumed in (LayerDate, Seq) order.
type CostLayer struct {
	ID           uuid.UUID
	Seq          int64
	CompanyID    uuid.UUID
	ItemID       uuid.UUID
	WarehouseID  uuid.UUID
	SourceType   SourceType
	SourceID     string
	MovementID   uuid.UUID
	LayerDate    time.Time
	OriginalQty  decimal.Decimal
	QtyRemaining decimal.Decimal
	UnitCost     decimal.Decimal
	CreatedAt    time.Time
}

// ItemCost holds the running average per item and warehouse.
type ItemCost struct {
	CompanyID   uuid.UUID
	ItemID      uuid.UUID
	WarehouseID uuid.UUID
	AvgUnitCost decimal.Decimal
	QtyOnHand   decimal.Decimal
	ValueOnHand decimal.Decimal
	UpdatedAt   time.Time
}

// CogsEntry records the cost of one outbound movement.
type CogsEntry struct {
	ID          uuid.UUID
	CompanyID   uuid.UUID
	MovementID  uuid.UUID
	ItemID      uuid.UUID
	WarehouseID uuid.UUID
	QtyIssued   decimal.Decimal
	UnitCost    decimal.Decimal
	CostAmount  decimal.Decimal
	// EstimatedQty is the part issued beyond stock on hand and priced at the
	// running average.
	EstimatedQty    decimal.Decimal
	Method          CostMethod
	GLTransactionID *uuid.UUID
	CreatedAt       time.Time
}

// CostPolicy fixes the costing method from EffectiveFrom on.
type CostPolicy struct {
	ID                   uuid.UUID
	CompanyID            uuid.UUID
	Method               CostMethod
	EffectiveFrom        time.Time
	AllowNegativeStock   bool
	TransitAccountID     *uuid.UUID
	TransitLossAccountID *uuid.UUID
	TransitGainAccountID *uuid.UUID
	CreatedAt            time.Time
}

// ItemInput captures a new item.
type ItemInput struct {
	CompanyID          uuid.UUID `validate:"required"`
	SKU                string    `validate:"required,max=64"`
	Name               string    `validate:"required,max=200"`
	InventoryAccountID uuid.UUID `validate:"required"`
	COGSAccountID      uuid.UUID `validate:"required"`
	NonStock           bool
}

// WarehouseInput captures a new warehouse.
type WarehouseInput struct {
	CompanyID uuid.UUID `validate:"required"`
	Code      string    `validate:"required,max=32"`
	Name      string    `validate:"required,max=200"`
}

// PolicyInput captures a costing policy change.
type PolicyInput struct {
	CompanyID            uuid.UUID  `validate:"required"`
	Method               CostMethod `validate:"required,oneof=FIFO WA"`
	EffectiveFrom        time.Time  `validate:"required"`
	AllowNegativeStock   bool
	TransitAccountID     *uuid.UUID
	TransitLossAccountID *uuid.UUID
	TransitGainAccountID *uuid.UUID
	ActorID              uuid.UUID
}

// ReceiveInput adds stock at a known unit cost.
type ReceiveInput struct {
	CompanyID      uuid.UUID `validate:"required"`
	ItemID         uuid.UUID `validate:"required"`
	WarehouseID    uuid.UUID `validate:"required"`
	Qty            decimal.Decimal
	UnitCost       decimal.Decimal
	Date           time.Time `validate:"required"`
	MovementType   MovementType
	SourceType     SourceType
	SourceID       string
	IdempotencyKey string
	ActorID        uuid.UUID
}

// IssueInput removes stock and books its cost.
type IssueInput struct {
	CompanyID     uuid.UUID `validate:"required"`
	ItemID        uuid.UUID `validate:"required"`
	WarehouseID   uuid.UUID `validate:"required"`
	Qty           decimal.Decimal
	Date          time.Time `validate:"required"`
	MovementType  MovementType
	ReferenceType string
	ReferenceID   string
	// OffsetAccountID replaces the item's COGS account, e.g. for write-offs.
	OffsetAccountID *uuid.UUID
	// FromReservation consumes a matching reservation first.
	FromReservation bool
	IdempotencyKey  string
	ActorID         uuid.UUID
}

// VarianceReceiptInput records a goods receipt that differs from what was
// shipped or billed.
type VarianceReceiptInput struct {
	CompanyID        uuid.UUID `validate:"required"`
	ItemID           uuid.UUID `validate:"required"`
	WarehouseID      uuid.UUID `validate:"required"`
	ExpectedQty      decimal.Decimal
	ExpectedUnitCost decimal.Decimal
	ReceivedQty      decimal.Decimal
	UnitCost         decimal.Decimal
	Date             time.Time `validate:"required"`
	SourceType       SourceType
	SourceID         string
	IdempotencyKey   string
	ActorID          uuid.UUID
}

// TransferInput moves stock between two warehouses at cost.
type TransferInput struct {
	CompanyID       uuid.UUID `validate:"required"`
	ItemID          uuid.UUID `validate:"required"`
	FromWarehouseID uuid.UUID `validate:"required"`
	ToWarehouseID   uuid.UUID `validate:"required,nefield=FromWarehouseID"`
	Qty             decimal.Decimal
	Date            time.Time `validate:"required"`
	Reference       string
	ActorID         uuid.UUID
}

// ReserveInput promises or frees stock.
type ReserveInput struct {
	CompanyID   uuid.UUID `validate:"required"`
	ItemID      uuid.UUID `validate:"required"`
	WarehouseID uuid.UUID `validate:"required"`
	Qty         decimal.Decimal
}

// CostEffect reports the state after a receipt.
type CostEffect struct {
	Movement StockMovement
	Layer    *CostLayer
	ItemCost ItemCost
	Level    StockLevel
}

// LayerConsumption records how much of one layer an issue drew.
type LayerConsumption struct {
	LayerID  uuid.UUID
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}

// CostResult reports the cost of an issue.
type CostResult struct {
	Movement     StockMovement
	Cogs         CogsEntry
	Transaction  *accounting.Transaction
	UnitCost     decimal.Decimal
	CostAmount   decimal.Decimal
	EstimatedQty decimal.Decimal
	Consumed     []LayerConsumption
	Level        StockLevel
}

// VarianceResult reports a receipt with variance.
type VarianceResult struct {
	Effect      *CostEffect
	Transaction *accounting.Transaction
	// Variance is received value minus expected value.
	Variance decimal.Decimal
}

// TransferResult links both legs of a transfer.
type TransferResult struct {
	Out      StockMovement
	In       StockMovement
	UnitCost decimal.Decimal
	Total    decimal.Decimal
}

// Discrepancy describes an item and warehouse whose stored state disagrees
// with its movement log.
type Discrepancy struct {
	ItemID      uuid.UUID
	WarehouseID uuid.UUID
	LevelQty    decimal.Decimal
	MovementQty decimal.Decimal
	ItemCostQty decimal.Decimal
	LayerQty    decimal.Decimal
	Reason      string
}

var (
	// ErrNegativeStock indicates an issue beyond available stock.
	ErrNegativeStock = shared.NewError(shared.KindInvariantViolation, "NEGATIVE_STOCK", "inventory: insufficient stock")
	// ErrStockBusy indicates the item and warehouse critical section was not acquired.
	ErrStockBusy = shared.NewError(shared.KindConcurrencyConflict, "STOCK_BUSY", "inventory: stock is being updated, retry")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = shared.NewError(shared.KindValidation, "INVALID_QUANTITY", "inventory: quantity must be positive")
	// ErrInvalidUnitCost indicates a negative cost.
	ErrInvalidUnitCost = shared.NewError(shared.KindValidation, "INVALID_UNIT_COST", "inventory: unit cost must be >= 0")
	// ErrInvalidMovementType indicates a movement type used in the wrong direction.
	ErrInvalidMovementType = shared.NewError(shared.KindValidation, "INVALID_MOVEMENT_TYPE", "inventory: invalid movement type")
	// ErrItemNotFound indicates missing item.
	ErrItemNotFound = shared.NewError(shared.KindNotFound, "ITEM_NOT_FOUND", "inventory: item not found")
	// ErrItemNotTracked indicates stock operations on a non-stock item.
	ErrItemNotTracked = shared.NewError(shared.KindValidation, "ITEM_NOT_TRACKED", "inventory: item does not track inventory")
	// ErrWarehouseNotFound indicates missing warehouse.
	ErrWarehouseNotFound = shared.NewError(shared.KindNotFound, "WAREHOUSE_NOT_FOUND", "inventory: warehouse not found")
	// ErrDuplicateSKU indicates an SKU already used in the company.
	ErrDuplicateSKU = shared.NewError(shared.KindStateConflict, "DUPLICATE_SKU", "inventory: sku already exists")
	// ErrDuplicateWarehouse indicates a warehouse code already used in the company.
	ErrDuplicateWarehouse = shared.NewError(shared.KindStateConflict, "DUPLICATE_WAREHOUSE", "inventory: warehouse code already exists")
	// ErrRetroactivePolicy indicates a policy change that is not future effective.
	ErrRetroactivePolicy = shared.NewError(shared.KindValidation, "RETROACTIVE_POLICY", "inventory: policy changes must be future effective")
	// ErrMovementNotFound indicates missing movement.
	ErrMovementNotFound = shared.NewError(shared.KindNotFound, "MOVEMENT_NOT_FOUND", "inventory: movement not found")
	// ErrMovementCosted indicates deletion of a movement that already fed costing.
	ErrMovementCosted = shared.NewError(shared.KindStateConflict, "MOVEMENT_COSTED", "inventory: movement already costed")
	// ErrOverRelease indicates releasing more than is reserved.
	ErrOverRelease = shared.NewError(shared.KindValidation, "OVER_RELEASE", "inventory: release exceeds reserved quantity")
	// ErrTransitAccounts indicates a variance receipt without transit accounts on the policy.
	ErrTransitAccounts = shared.NewError(shared.KindValidation, "TRANSIT_ACCOUNTS_MISSING", "inventory: policy lacks transit accounts")
)

// ErrLayerNotFound indicates no layer belongs to the movement.
var ErrLayerNotFound = shared.NewError(shared.KindNotFound, "LAYER_NOT_FOUND", "inventory: cost layer not found")
