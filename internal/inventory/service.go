package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	scopeReceive  = "inventory.receive"
	scopeIssue    = "inventory.issue"
	scopeVariance = "inventory.variance"
)

// MetricsPort receives costing outcomes.
type MetricsPort interface {
	ObserveCosting(operation string, err error)
	ObserveEstimatedIssue(method string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// Locker guards the per item and warehouse critical section. Nil uses an
	// in-process keyed mutex.
	Locker               shared.Locker
	IdempotencyRetention time.Duration
	Logger               *slog.Logger
	Metrics              MetricsPort
	Events               EventHandler
}

// Service coordinates stock movements, costing and COGS postings.
type Service struct {
	repo      RepositoryPort
	ledger    *accounting.Service
	audit     accounting.AuditPort
	locker    shared.Locker
	retention time.Duration
	logger    *slog.Logger
	metrics   MetricsPort
	events    EventHandler
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledger *accounting.Service, audit accounting.AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	locker := cfg.Locker
	if locker == nil {
		locker = shared.NewKeyedMutex(0)
	}
	retention := cfg.IdempotencyRetention
	if retention <= 0 {
		retention = shared.DefaultIdempotencyRetention
	}
	return &Service{
		repo:      repo,
		ledger:    ledger,
		audit:     audit,
		locker:    locker,
		retention: retention,
		logger:    logger,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateItem registers a stock item and checks its ledger accounts.
func (s *Service) CreateItem(ctx context.Context, in ItemInput) (Item, error) {
	in.SKU = strings.TrimSpace(in.SKU)
	in.Name = strings.TrimSpace(in.Name)
	if err := shared.ValidateStruct(in); err != nil {
		return Item{}, err
	}
	item := Item{
		ID:                 uuid.New(),
		CompanyID:          in.CompanyID,
		SKU:                in.SKU,
		Name:               in.Name,
		TrackInventory:     !in.NonStock,
		InventoryAccountID: in.InventoryAccountID,
		COGSAccountID:      in.COGSAccountID,
		IsActive:           true,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, id := range []uuid.UUID{in.InventoryAccountID, in.COGSAccountID} {
			if err := checkAccount(ctx, tx, in.CompanyID, id); err != nil {
				return err
			}
		}
		item.CreatedAt = s.now()
		return tx.InsertItem(ctx, item)
	})
	if err != nil {
		return Item{}, err
	}
	s.record(ctx, item.CompanyID, uuid.Nil, "item.create", "inv_item", item.ID.String(), map[string]any{"sku": item.SKU})
	return item, nil
}

// CreateWarehouse registers a stock location.
func (s *Service) CreateWarehouse(ctx context.Context, in WarehouseInput) (Warehouse, error) {
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	if err := shared.ValidateStruct(in); err != nil {
		return Warehouse{}, err
	}
	wh := Warehouse{ID: uuid.New(), CompanyID: in.CompanyID, Code: in.Code, Name: in.Name, IsActive: true}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		wh.CreatedAt = s.now()
		return tx.InsertWarehouse(ctx, wh)
	})
	if err != nil {
		return Warehouse{}, err
	}
	s.record(ctx, wh.CompanyID, uuid.Nil, "warehouse.create", "inv_warehouse", wh.ID.String(), map[string]any{"code": wh.Code})
	return wh, nil
}

// SetPolicy schedules a costing policy. The first policy may start today;
// later ones must start after today and after the latest scheduled policy.
func (s *Service) SetPolicy(ctx context.Context, in PolicyInput) (CostPolicy, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return CostPolicy{}, err
	}
	if !in.Method.Valid() {
		return CostPolicy{}, fmt.Errorf("%w: method %s", shared.ErrInvalidInput, in.Method)
	}
	today := shared.DateOf(s.now())
	from := shared.DateOf(in.EffectiveFrom)
	policy := CostPolicy{
		ID:                   uuid.New(),
		CompanyID:            in.CompanyID,
		Method:               in.Method,
		EffectiveFrom:        from,
		AllowNegativeStock:   in.AllowNegativeStock,
		TransitAccountID:     in.TransitAccountID,
		TransitLossAccountID: in.TransitLossAccountID,
		TransitGainAccountID: in.TransitGainAccountID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.ListPolicies(ctx, in.CompanyID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			if from.Before(today) {
				return fmt.Errorf("%w: %s is before today", ErrRetroactivePolicy, from.Format("2006-01-02"))
			}
		} else {
			latest := shared.DateOf(existing[len(existing)-1].EffectiveFrom)
			if !from.After(today) || !from.After(latest) {
				return fmt.Errorf("%w: must start after %s and after today", ErrRetroactivePolicy, latest.Format("2006-01-02"))
			}
		}
		for _, id := range []*uuid.UUID{in.TransitAccountID, in.TransitLossAccountID, in.TransitGainAccountID} {
			if id == nil {
				continue
			}
			if err := checkAccount(ctx, tx, in.CompanyID, *id); err != nil {
				return err
			}
		}
		policy.CreatedAt = s.now()
		return tx.InsertPolicy(ctx, policy)
	})
	if err != nil {
		return CostPolicy{}, err
	}
	s.record(ctx, policy.CompanyID, in.ActorID, "cost_policy.set", "inv_cost_policy", policy.ID.String(), map[string]any{
		"method":         string(policy.Method),
		"effective_from": policy.EffectiveFrom.Format("2006-01-02"),
		"allow_negative": policy.AllowNegativeStock,
	})
	return policy, nil
}

// PolicyAt returns the policy in force on date. Without any scheduled policy
// the default is weighted average without negative stock.
func (s *Service) PolicyAt(ctx context.Context, companyID uuid.UUID, date time.Time) (CostPolicy, error) {
	var p CostPolicy
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		p, err = policyAt(ctx, tx, companyID, date)
		return err
	})
	return p, err
}

func policyAt(ctx context.Context, tx TxRepository, companyID uuid.UUID, date time.Time) (CostPolicy, error) {
	policies, err := tx.ListPolicies(ctx, companyID)
	if err != nil {
		return CostPolicy{}, err
	}
	day := shared.DateOf(date)
	current := CostPolicy{CompanyID: companyID, Method: MethodWeightedAverage}
	for _, p := range policies {
		if shared.DateOf(p.EffectiveFrom).After(day) {
			break
		}
		current = p
	}
	return current, nil
}

// Receive adds stock, appends a cost layer and folds the cost into the
// running average. Receipts do not post to the ledger.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (CostEffect, error) {
	if in.MovementType == "" {
		in.MovementType = MovementPurchase
	}
	if in.SourceType == "" {
		in.SourceType = SourceReceipt
	}
	if err := validateReceive(in); err != nil {
		return CostEffect{}, err
	}
	key := StockKey{CompanyID: in.CompanyID, ItemID: in.ItemID, WarehouseID: in.WarehouseID}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return CostEffect{}, err
	}
	defer unlock()

	var (
		effect   CostEffect
		replayed bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		hash, err := shared.RequestHash(in)
		if err != nil {
			return err
		}
		resultID, hit, err := shared.ReplayCheck(ctx, tx, in.CompanyID, scopeReceive, in.IdempotencyKey, hash, s.now(), s.retention)
		if err != nil {
			return err
		}
		if hit {
			replayed = true
			effect, err = loadEffect(ctx, tx, key, resultID)
			return err
		}
		effect, err = s.receiveTx(ctx, tx, receiveParams{
			key:        key,
			movementID: uuid.New(),
			qty:        in.Qty,
			unitCost:   in.UnitCost,
			date:       in.Date,
			mtype:      in.MovementType,
			sourceType: in.SourceType,
			sourceID:   in.SourceID,
		})
		if err != nil {
			return err
		}
		return saveKey(ctx, tx, in.CompanyID, scopeReceive, in.IdempotencyKey, hash, effect.Movement.ID, s.now())
	})
	s.observe("receive", err)
	if err != nil {
		return CostEffect{}, err
	}
	if !replayed {
		s.record(ctx, in.CompanyID, in.ActorID, "inventory.receive", "inv_stock_movement", effect.Movement.ID.String(), map[string]any{
			"item_id":      in.ItemID.String(),
			"warehouse_id": in.WarehouseID.String(),
			"qty":          in.Qty.String(),
			"unit_cost":    in.UnitCost.String(),
		})
	}
	return effect, nil
}

func validateReceive(in ReceiveInput) error {
	if err := shared.ValidateStruct(in); err != nil {
		return err
	}
	if !in.Qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() {
		return ErrInvalidUnitCost
	}
	if !in.MovementType.Inbound() {
		return fmt.Errorf("%w: %s is not inbound", ErrInvalidMovementType, in.MovementType)
	}
	return nil
}

type receiveParams struct {
	key        StockKey
	movementID uuid.UUID
	qty        decimal.Decimal
	unitCost   decimal.Decimal
	date       time.Time
	mtype      MovementType
	sourceType SourceType
	sourceID   string
	related    *uuid.UUID
}

func (s *Service) receiveTx(ctx context.Context, tx TxRepository, p receiveParams) (CostEffect, error) {
	if _, err := loadStockItem(ctx, tx, p.key); err != nil {
		return CostEffect{}, err
	}
	level, err := tx.LockStock(ctx, p.key)
	if err != nil {
		return CostEffect{}, err
	}
	cost, err := tx.GetItemCost(ctx, p.key)
	if err != nil {
		return CostEffect{}, err
	}
	now := s.now()
	date := shared.DateOf(p.date)
	unitCost := shared.RoundUnitCost(p.unitCost)

	movement := StockMovement{
		ID:                p.movementID,
		CompanyID:         p.key.CompanyID,
		ItemID:            p.key.ItemID,
		WarehouseID:       p.key.WarehouseID,
		MovementType:      p.mtype,
		MovementDate:      date,
		Quantity:          p.qty,
		UnitCost:          unitCost,
		TotalCost:         shared.RoundAmount(p.qty.Mul(unitCost), s.scale()),
		ReferenceType:     string(p.sourceType),
		ReferenceID:       p.sourceID,
		RelatedMovementID: p.related,
		CreatedAt:         now,
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return CostEffect{}, err
	}

	layer := CostLayer{
		ID:           uuid.New(),
		CompanyID:    p.key.CompanyID,
		ItemID:       p.key.ItemID,
		WarehouseID:  p.key.WarehouseID,
		SourceType:   p.sourceType,
		SourceID:     p.sourceID,
		MovementID:   movement.ID,
		LayerDate:    date,
		OriginalQty:  p.qty,
		QtyRemaining: layerRemainder(level.Quantity, p.qty),
		UnitCost:     unitCost,
		CreatedAt:    now,
	}
	if layer.Seq, err = tx.InsertLayer(ctx, layer); err != nil {
		return CostEffect{}, err
	}

	prior := cost.QtyOnHand
	cost.AvgUnitCost = weightedAverage(prior, cost.AvgUnitCost, p.qty, unitCost)
	cost.QtyOnHand = prior.Add(p.qty)
	if prior.IsPositive() {
		cost.ValueOnHand = cost.ValueOnHand.Add(movement.TotalCost)
	} else {
		cost.ValueOnHand = shared.RoundAmount(cost.QtyOnHand.Mul(cost.AvgUnitCost), s.scale())
	}
	cost.UpdatedAt = now
	if err := tx.UpsertItemCost(ctx, cost); err != nil {
		return CostEffect{}, err
	}

	level.Quantity = level.Quantity.Add(p.qty)
	level.UpdatedAt = now
	if err := tx.UpdateStockLevel(ctx, level); err != nil {
		return CostEffect{}, err
	}
	return CostEffect{Movement: movement, Layer: &layer, ItemCost: cost, Level: level}, nil
}

// Issue removes stock, prices it under the policy in force and posts
// Dr COGS / Cr Inventory in the same unit of work.
func (s *Service) Issue(ctx context.Context, in IssueInput) (CostResult, error) {
	if in.MovementType == "" {
		in.MovementType = MovementSale
	}
	if err := shared.ValidateStruct(in); err != nil {
		return CostResult{}, err
	}
	if !in.Qty.IsPositive() {
		return CostResult{}, ErrInvalidQuantity
	}
	if !in.MovementType.Outbound() {
		return CostResult{}, fmt.Errorf("%w: %s is not outbound", ErrInvalidMovementType, in.MovementType)
	}
	key := StockKey{CompanyID: in.CompanyID, ItemID: in.ItemID, WarehouseID: in.WarehouseID}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return CostResult{}, err
	}
	defer unlock()

	var (
		result   CostResult
		replayed bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		hash, err := shared.RequestHash(in)
		if err != nil {
			return err
		}
		resultID, hit, err := shared.ReplayCheck(ctx, tx, in.CompanyID, scopeIssue, in.IdempotencyKey, hash, s.now(), s.retention)
		if err != nil {
			return err
		}
		if hit {
			replayed = true
			result, err = loadResult(ctx, tx, key, resultID)
			return err
		}
		result, err = s.issueTx(ctx, tx, issueParams{
			key:             key,
			movementID:      uuid.New(),
			qty:             in.Qty,
			date:            in.Date,
			mtype:           in.MovementType,
			refType:         in.ReferenceType,
			refID:           in.ReferenceID,
			offset:          in.OffsetAccountID,
			fromReservation: in.FromReservation,
			postGL:          true,
			actorID:         in.ActorID,
		})
		if err != nil {
			return err
		}
		return saveKey(ctx, tx, in.CompanyID, scopeIssue, in.IdempotencyKey, hash, result.Movement.ID, s.now())
	})
	s.observe("issue", err)
	if err != nil {
		return CostResult{}, err
	}
	if !replayed {
		s.afterIssue(ctx, in.ActorID, result)
	}
	return result, nil
}

type issueParams struct {
	key             StockKey
	movementID      uuid.UUID
	qty             decimal.Decimal
	date            time.Time
	mtype           MovementType
	refType         string
	refID           string
	offset          *uuid.UUID
	fromReservation bool
	related         *uuid.UUID
	postGL          bool
	actorID         uuid.UUID
}

func (s *Service) issueTx(ctx context.Context, tx TxRepository, p issueParams) (CostResult, error) {
	item, err := loadStockItem(ctx, tx, p.key)
	if err != nil {
		return CostResult{}, err
	}
	policy, err := policyAt(ctx, tx, p.key.CompanyID, p.date)
	if err != nil {
		return CostResult{}, err
	}
	level, err := tx.LockStock(ctx, p.key)
	if err != nil {
		return CostResult{}, err
	}

	available := level.Available()
	released := decimal.Zero
	if p.fromReservation {
		released = decimal.Min(p.qty, level.Reserved)
		available = available.Add(released)
	}
	if p.qty.GreaterThan(available) && !policy.AllowNegativeStock {
		return CostResult{}, fmt.Errorf("%w: requested %s, available %s", ErrNegativeStock, p.qty, available)
	}

	cost, err := tx.GetItemCost(ctx, p.key)
	if err != nil {
		return CostResult{}, err
	}
	layers, err := tx.ListLayers(ctx, p.key, true)
	if err != nil {
		return CostResult{}, err
	}
	onHand := decimal.Max(level.Quantity, decimal.Zero)
	touched, draws, covered, layerCost := newFIFOQueue(layers).consume(decimal.Min(p.qty, onHand))
	for _, l := range touched {
		if err := tx.UpdateLayerRemaining(ctx, p.key.CompanyID, l.ID, l.QtyRemaining); err != nil {
			return CostResult{}, err
		}
	}
	estimated := p.qty.Sub(covered)

	var amount, unitCost decimal.Decimal
	switch policy.Method {
	case MethodFIFO:
		raw := layerCost.Add(estimated.Mul(cost.AvgUnitCost))
		amount = shared.RoundAmount(raw, s.scale())
		unitCost = shared.RoundUnitCost(raw.DivRound(p.qty, shared.UnitCostScale+4))
	default:
		unitCost = cost.AvgUnitCost
		amount = shared.RoundAmount(p.qty.Mul(unitCost), s.scale())
	}

	now := s.now()
	cost.QtyOnHand = cost.QtyOnHand.Sub(p.qty)
	switch {
	case policy.Method == MethodFIFO && cost.QtyOnHand.IsPositive():
		cost.ValueOnHand = cost.ValueOnHand.Sub(amount)
		cost.AvgUnitCost = shared.RoundUnitCost(cost.ValueOnHand.DivRound(cost.QtyOnHand, shared.UnitCostScale+4))
	default:
		cost.ValueOnHand = shared.RoundAmount(cost.QtyOnHand.Mul(cost.AvgUnitCost), s.scale())
	}
	cost.UpdatedAt = now
	if err := tx.UpsertItemCost(ctx, cost); err != nil {
		return CostResult{}, err
	}

	level.Quantity = level.Quantity.Sub(p.qty)
	level.Reserved = level.Reserved.Sub(released)
	level.UpdatedAt = now
	if err := tx.UpdateStockLevel(ctx, level); err != nil {
		return CostResult{}, err
	}

	movement := StockMovement{
		ID:                p.movementID,
		CompanyID:         p.key.CompanyID,
		ItemID:            p.key.ItemID,
		WarehouseID:       p.key.WarehouseID,
		MovementType:      p.mtype,
		MovementDate:      shared.DateOf(p.date),
		Quantity:          p.qty.Neg(),
		UnitCost:          unitCost,
		TotalCost:         amount,
		ReferenceType:     p.refType,
		ReferenceID:       p.refID,
		RelatedMovementID: p.related,
		IsCosted:          true,
		CreatedAt:         now,
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return CostResult{}, err
	}

	result := CostResult{
		Movement:     movement,
		UnitCost:     unitCost,
		CostAmount:   amount,
		EstimatedQty: estimated,
		Consumed:     draws,
		Level:        level,
	}
	if p.postGL && amount.IsPositive() {
		debit := item.COGSAccountID
		if p.offset != nil && *p.offset != uuid.Nil {
			debit = *p.offset
		}
		txn, err := s.ledger.PostTx(ctx, tx, accounting.Draft{
			CompanyID:       p.key.CompanyID,
			Type:            accounting.TransactionTypeCOGS,
			Reference:       movement.ID.String(),
			Description:     fmt.Sprintf("COGS %s %s", item.SKU, p.mtype),
			TransactionDate: movement.MovementDate,
			Lines: []accounting.LineInput{
				{AccountID: debit, Description: "Cost of goods sold", Debit: amount, Credit: decimal.Zero},
				{AccountID: item.InventoryAccountID, Description: "Inventory", Debit: decimal.Zero, Credit: amount},
			},
			ActorID: p.actorID,
		})
		if err != nil {
			return CostResult{}, err
		}
		result.Transaction = &txn
	}

	result.Cogs = CogsEntry{
		ID:           uuid.New(),
		CompanyID:    p.key.CompanyID,
		MovementID:   movement.ID,
		ItemID:       p.key.ItemID,
		WarehouseID:  p.key.WarehouseID,
		QtyIssued:    p.qty,
		UnitCost:     unitCost,
		CostAmount:   amount,
		EstimatedQty: estimated,
		Method:       policy.Method,
		CreatedAt:    now,
	}
	if result.Transaction != nil {
		result.Cogs.GLTransactionID = &result.Transaction.ID
	}
	if err := tx.InsertCogs(ctx, result.Cogs); err != nil {
		return CostResult{}, err
	}
	return result, nil
}

func (s *Service) afterIssue(ctx context.Context, actorID uuid.UUID, res CostResult) {
	if res.EstimatedQty.IsPositive() {
		s.logger.Warn("issue beyond stock on hand costed at running average",
			slog.String("company_id", res.Movement.CompanyID.String()),
			slog.String("item_id", res.Movement.ItemID.String()),
			slog.String("warehouse_id", res.Movement.WarehouseID.String()),
			slog.String("estimated_qty", res.EstimatedQty.String()),
			slog.String("unit_cost", res.UnitCost.String()))
		if s.metrics != nil {
			s.metrics.ObserveEstimatedIssue(string(res.Cogs.Method))
		}
	}
	s.record(ctx, res.Movement.CompanyID, actorID, "inventory.issue", "inv_stock_movement", res.Movement.ID.String(), map[string]any{
		"item_id":       res.Movement.ItemID.String(),
		"warehouse_id":  res.Movement.WarehouseID.String(),
		"qty":           res.Cogs.QtyIssued.String(),
		"cost_amount":   res.CostAmount.String(),
		"estimated_qty": res.EstimatedQty.String(),
	})
	if s.events == nil {
		return
	}
	evt := IssueCostedEvent{
		CompanyID:    res.Movement.CompanyID,
		MovementID:   res.Movement.ID,
		ItemID:       res.Movement.ItemID,
		WarehouseID:  res.Movement.WarehouseID,
		Qty:          res.Cogs.QtyIssued,
		CostAmount:   res.CostAmount,
		EstimatedQty: res.EstimatedQty,
		Method:       res.Cogs.Method,
		CostedAt:     res.Cogs.CreatedAt,
	}
	if err := s.events.HandleIssueCosted(ctx, evt); err != nil {
		s.logger.Error("issue event handler failed", slog.String("movement_id", evt.MovementID.String()), slog.Any("error", err))
	}
}

// ReceiveWithVariance receives the physical quantity and settles the
// in-transit balance. The received value is debited to inventory, the
// expected value credited to transit and the difference goes to transit loss
// or gain.
func (s *Service) ReceiveWithVariance(ctx context.Context, in VarianceReceiptInput) (VarianceResult, error) {
	if in.SourceType == "" {
		in.SourceType = SourceReceipt
	}
	if err := shared.ValidateStruct(in); err != nil {
		return VarianceResult{}, err
	}
	if in.ReceivedQty.IsNegative() || !in.ExpectedQty.IsPositive() {
		return VarianceResult{}, ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() || in.ExpectedUnitCost.IsNegative() {
		return VarianceResult{}, ErrInvalidUnitCost
	}
	key := StockKey{CompanyID: in.CompanyID, ItemID: in.ItemID, WarehouseID: in.WarehouseID}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return VarianceResult{}, err
	}
	defer unlock()

	scale := s.scale()
	received := shared.RoundAmount(in.ReceivedQty.Mul(in.UnitCost), scale)
	expected := shared.RoundAmount(in.ExpectedQty.Mul(in.ExpectedUnitCost), scale)
	result := VarianceResult{Variance: received.Sub(expected)}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		hash, err := shared.RequestHash(in)
		if err != nil {
			return err
		}
		resultID, hit, err := shared.ReplayCheck(ctx, tx, in.CompanyID, scopeVariance, in.IdempotencyKey, hash, s.now(), s.retention)
		if err != nil {
			return err
		}
		if hit {
			txn, err := tx.GetTransaction(ctx, in.CompanyID, resultID)
			if err != nil {
				return err
			}
			result.Transaction = &txn
			if mid, perr := uuid.Parse(txn.Reference); perr == nil {
				eff, err := loadEffect(ctx, tx, key, mid)
				if err == nil {
					result.Effect = &eff
				}
			}
			return nil
		}

		item, err := loadStockItem(ctx, tx, key)
		if err != nil {
			return err
		}
		policy, err := policyAt(ctx, tx, in.CompanyID, in.Date)
		if err != nil {
			return err
		}
		lines, err := varianceLines(policy, item, received, expected)
		if err != nil {
			return err
		}
		reference := in.SourceID
		if in.ReceivedQty.IsPositive() {
			eff, err := s.receiveTx(ctx, tx, receiveParams{
				key:        key,
				movementID: uuid.New(),
				qty:        in.ReceivedQty,
				unitCost:   in.UnitCost,
				date:       in.Date,
				mtype:      MovementPurchase,
				sourceType: in.SourceType,
				sourceID:   in.SourceID,
			})
			if err != nil {
				return err
			}
			result.Effect = &eff
			reference = eff.Movement.ID.String()
		}
		txn, err := s.ledger.PostTx(ctx, tx, accounting.Draft{
			CompanyID:       in.CompanyID,
			Type:            accounting.TransactionTypeStockVariance,
			Reference:       reference,
			Description:     fmt.Sprintf("Goods receipt %s %s", item.SKU, in.SourceID),
			TransactionDate: shared.DateOf(in.Date),
			Lines:           lines,
			ActorID:         in.ActorID,
		})
		if err != nil {
			return err
		}
		result.Transaction = &txn
		return saveKey(ctx, tx, in.CompanyID, scopeVariance, in.IdempotencyKey, hash, txn.ID, s.now())
	})
	s.observe("receive_variance", err)
	if err != nil {
		return VarianceResult{}, err
	}
	return result, nil
}

func varianceLines(policy CostPolicy, item Item, received, expected decimal.Decimal) ([]accounting.LineInput, error) {
	if policy.TransitAccountID == nil {
		return nil, ErrTransitAccounts
	}
	line := func(account uuid.UUID, desc string, debit, credit decimal.Decimal) accounting.LineInput {
		return accounting.LineInput{AccountID: account, Description: desc, Debit: debit, Credit: credit}
	}
	lines := []accounting.LineInput{}
	if received.IsPositive() {
		lines = append(lines, line(item.InventoryAccountID, "Inventory received", received, decimal.Zero))
	}
	if expected.IsPositive() {
		lines = append(lines, line(*policy.TransitAccountID, "Goods in transit", decimal.Zero, expected))
	}
	diff := received.Sub(expected)
	switch {
	case diff.IsNegative():
		if policy.TransitLossAccountID == nil {
			return nil, fmt.Errorf("%w: transit loss account", ErrTransitAccounts)
		}
		lines = append(lines, line(*policy.TransitLossAccountID, "Transit loss", diff.Neg(), decimal.Zero))
	case diff.IsPositive():
		if policy.TransitGainAccountID == nil {
			return nil, fmt.Errorf("%w: transit gain account", ErrTransitAccounts)
		}
		lines = append(lines, line(*policy.TransitGainAccountID, "Transit gain", decimal.Zero, diff))
	}
	return lines, nil
}

// Transfer issues from one warehouse at cost and receives the same quantity
// at the same unit cost in another. Both movements are linked. The item has a
// single inventory account so nothing is posted.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return TransferResult{}, err
	}
	if !in.Qty.IsPositive() {
		return TransferResult{}, ErrInvalidQuantity
	}
	from := StockKey{CompanyID: in.CompanyID, ItemID: in.ItemID, WarehouseID: in.FromWarehouseID}
	to := StockKey{CompanyID: in.CompanyID, ItemID: in.ItemID, WarehouseID: in.ToWarehouseID}
	unlock, err := s.lock(ctx, from, to)
	if err != nil {
		return TransferResult{}, err
	}
	defer unlock()

	var result TransferResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := loadStockItem(ctx, tx, to); err != nil {
			return err
		}
		outID, inID := uuid.New(), uuid.New()
		out, err := s.issueTx(ctx, tx, issueParams{
			key:        from,
			movementID: outID,
			qty:        in.Qty,
			date:       in.Date,
			mtype:      MovementTransferOut,
			refType:    "TRANSFER",
			refID:      in.Reference,
			related:    &inID,
			actorID:    in.ActorID,
		})
		if err != nil {
			return err
		}
		eff, err := s.receiveTx(ctx, tx, receiveParams{
			key:        to,
			movementID: inID,
			qty:        in.Qty,
			unitCost:   out.UnitCost,
			date:       in.Date,
			mtype:      MovementTransferIn,
			sourceType: SourceTransferIn,
			sourceID:   outID.String(),
			related:    &outID,
		})
		if err != nil {
			return err
		}
		result = TransferResult{Out: out.Movement, In: eff.Movement, UnitCost: out.UnitCost, Total: out.CostAmount}
		return nil
	})
	s.observe("transfer", err)
	if err != nil {
		return TransferResult{}, err
	}
	s.record(ctx, in.CompanyID, in.ActorID, "inventory.transfer", "inv_stock_movement", result.Out.ID.String(), map[string]any{
		"item_id":       in.ItemID.String(),
		"from":          in.FromWarehouseID.String(),
		"to":            in.ToWarehouseID.String(),
		"qty":           in.Qty.String(),
		"in_movement":   result.In.ID.String(),
		"transfer_cost": result.Total.String(),
	})
	return result, nil
}

// Reserve promises available stock.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (StockLevel, error) {
	return s.adjustReservation(ctx, in, func(level *StockLevel) error {
		if in.Qty.GreaterThan(level.Available()) {
			return fmt.Errorf("%w: reserve %s, available %s", ErrNegativeStock, in.Qty, level.Available())
		}
		level.Reserved = level.Reserved.Add(in.Qty)
		return nil
	})
}

// Release frees reserved stock.
func (s *Service) Release(ctx context.Context, in ReserveInput) (StockLevel, error) {
	return s.adjustReservation(ctx, in, func(level *StockLevel) error {
		if in.Qty.GreaterThan(level.Reserved) {
			return fmt.Errorf("%w: release %s, reserved %s", ErrOverRelease, in.Qty, level.Reserved)
		}
		level.Reserved = level.Reserved.Sub(in.Qty)
		return nil
	})
}

func (s *Service) adjustReservation(ctx context.Context, in ReserveInput, apply func(*StockLevel) error) (StockLevel, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return StockLevel{}, err
	}
	if !in.Qty.IsPositive() {
		return StockLevel{}, ErrInvalidQuantity
	}
	key := StockKey{CompanyID: in.CompanyID, ItemID: in.ItemID, WarehouseID: in.WarehouseID}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return StockLevel{}, err
	}
	defer unlock()
	var level StockLevel
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := loadStockItem(ctx, tx, key); err != nil {
			return err
		}
		level, err = tx.LockStock(ctx, key)
		if err != nil {
			return err
		}
		if err := apply(&level); err != nil {
			return err
		}
		level.UpdatedAt = s.now()
		return tx.UpdateStockLevel(ctx, level)
	})
	s.observe("reservation", err)
	if err != nil {
		return StockLevel{}, err
	}
	return level, nil
}

// DeleteMovement removes an uncosted receipt. Only the latest movement of the
// item and warehouse can go, and only while its layer is untouched.
func (s *Service) DeleteMovement(ctx context.Context, companyID, movementID uuid.UUID) error {
	var key StockKey
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.GetMovement(ctx, companyID, movementID)
		if err != nil {
			return err
		}
		if m.CompanyID != companyID {
			return shared.ErrCrossCompany
		}
		key = StockKey{CompanyID: m.CompanyID, ItemID: m.ItemID, WarehouseID: m.WarehouseID}
		return nil
	})
	if err != nil {
		return err
	}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.GetMovement(ctx, companyID, movementID)
		if err != nil {
			return err
		}
		if m.IsCosted || m.RelatedMovementID != nil || !m.MovementType.Inbound() {
			return fmt.Errorf("%w: %s", ErrMovementCosted, m.ID)
		}
		latest, err := tx.LatestMovement(ctx, key)
		if err != nil {
			return err
		}
		if latest.ID != m.ID {
			return fmt.Errorf("%w: later movements depend on %s", ErrMovementCosted, m.ID)
		}
		layer, err := tx.GetLayerByMovement(ctx, companyID, m.ID)
		if err != nil {
			return err
		}
		if !layer.QtyRemaining.Equal(layer.OriginalQty) {
			return fmt.Errorf("%w: layer partly consumed", ErrMovementCosted)
		}
		level, err := tx.LockStock(ctx, key)
		if err != nil {
			return err
		}
		level.Quantity = level.Quantity.Sub(m.Quantity)
		if level.Available().IsNegative() {
			return fmt.Errorf("%w: deleting would leave reservations uncovered", ErrNegativeStock)
		}
		cost, err := tx.GetItemCost(ctx, key)
		if err != nil {
			return err
		}
		cost.QtyOnHand = cost.QtyOnHand.Sub(m.Quantity)
		cost.ValueOnHand = cost.ValueOnHand.Sub(m.TotalCost)
		if cost.QtyOnHand.IsPositive() {
			cost.AvgUnitCost = shared.RoundUnitCost(cost.ValueOnHand.DivRound(cost.QtyOnHand, shared.UnitCostScale+4))
		} else {
			cost.ValueOnHand = decimal.Zero
		}
		now := s.now()
		cost.UpdatedAt, level.UpdatedAt = now, now
		if err := tx.DeleteLayer(ctx, companyID, layer.ID); err != nil {
			return err
		}
		if err := tx.DeleteMovement(ctx, companyID, m.ID); err != nil {
			return err
		}
		if err := tx.UpsertItemCost(ctx, cost); err != nil {
			return err
		}
		return tx.UpdateStockLevel(ctx, level)
	})
	s.observe("delete_movement", err)
	if err != nil {
		return err
	}
	s.record(ctx, companyID, uuid.Nil, "inventory.movement.delete", "inv_stock_movement", movementID.String(), nil)
	return nil
}

// StockLevel returns on-hand and reserved quantity.
func (s *Service) StockLevel(ctx context.Context, companyID, itemID, warehouseID uuid.UUID) (StockLevel, error) {
	var level StockLevel
	err := s.read(ctx, companyID, func(ctx context.Context, tx TxRepository) error {
		var err error
		level, err = tx.GetStockLevel(ctx, StockKey{CompanyID: companyID, ItemID: itemID, WarehouseID: warehouseID})
		return err
	})
	return level, err
}

// ListLayers returns every layer of the item and warehouse in FIFO order,
// including emptied ones.
func (s *Service) ListLayers(ctx context.Context, companyID, itemID, warehouseID uuid.UUID) ([]CostLayer, error) {
	var layers []CostLayer
	err := s.read(ctx, companyID, func(ctx context.Context, tx TxRepository) error {
		var err error
		layers, err = tx.ListLayers(ctx, StockKey{CompanyID: companyID, ItemID: itemID, WarehouseID: warehouseID}, false)
		return err
	})
	return layers, err
}

// ItemCost returns the running average of the item and warehouse.
func (s *Service) ItemCost(ctx context.Context, companyID, itemID, warehouseID uuid.UUID) (ItemCost, error) {
	var cost ItemCost
	err := s.read(ctx, companyID, func(ctx context.Context, tx TxRepository) error {
		var err error
		cost, err = tx.GetItemCost(ctx, StockKey{CompanyID: companyID, ItemID: itemID, WarehouseID: warehouseID})
		return err
	})
	return cost, err
}

// ListCogs returns COGS entries matching filter.
func (s *Service) ListCogs(ctx context.Context, filter CogsFilter) ([]CogsEntry, error) {
	var out []CogsEntry
	err := s.read(ctx, filter.CompanyID, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListCogs(ctx, filter)
		return err
	})
	return out, err
}

// GetItem returns an item of the company.
func (s *Service) GetItem(ctx context.Context, companyID, itemID uuid.UUID) (Item, error) {
	var item Item
	err := s.read(ctx, companyID, func(ctx context.Context, tx TxRepository) error {
		var err error
		item, err = tx.GetItem(ctx, companyID, itemID)
		if err == nil && item.CompanyID != companyID {
			return shared.ErrCrossCompany
		}
		return err
	})
	return item, err
}

// Reconcile compares stock levels, running costs and open layers with the
// movement log and reports every item and warehouse that disagrees.
func (s *Service) Reconcile(ctx context.Context, companyID uuid.UUID) ([]Discrepancy, error) {
	var out []Discrepancy
	err := s.read(ctx, companyID, func(ctx context.Context, tx TxRepository) error {
		keys, err := tx.ListStockKeys(ctx, companyID)
		if err != nil {
			return err
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].ItemID != keys[j].ItemID {
				return keys[i].ItemID.String() < keys[j].ItemID.String()
			}
			return keys[i].WarehouseID.String() < keys[j].WarehouseID.String()
		})
		for _, key := range keys {
			d, err := reconcileKey(ctx, tx, key)
			if err != nil {
				return err
			}
			if d != nil {
				out = append(out, *d)
			}
		}
		return nil
	})
	return out, err
}

func reconcileKey(ctx context.Context, tx TxRepository, key StockKey) (*Discrepancy, error) {
	level, err := tx.GetStockLevel(ctx, key)
	if err != nil {
		return nil, err
	}
	totals, err := tx.MovementBalance(ctx, key)
	if err != nil {
		return nil, err
	}
	cost, err := tx.GetItemCost(ctx, key)
	if err != nil {
		return nil, err
	}
	layers, err := tx.ListLayers(ctx, key, true)
	if err != nil {
		return nil, err
	}
	layerQty := decimal.Zero
	for _, l := range layers {
		layerQty = layerQty.Add(l.QtyRemaining)
	}
	var reasons []string
	if !level.Quantity.Equal(totals.Quantity) {
		reasons = append(reasons, "level differs from movements")
	}
	if !cost.QtyOnHand.Equal(level.Quantity) {
		reasons = append(reasons, "item cost differs from level")
	}
	if !layerQty.Equal(decimal.Max(level.Quantity, decimal.Zero)) {
		reasons = append(reasons, "open layers differ from level")
	}
	if len(reasons) == 0 {
		return nil, nil
	}
	return &Discrepancy{
		ItemID:      key.ItemID,
		WarehouseID: key.WarehouseID,
		LevelQty:    level.Quantity,
		MovementQty: totals.Quantity,
		ItemCostQty: cost.QtyOnHand,
		LayerQty:    layerQty,
		Reason:      strings.Join(reasons, "; "),
	}, nil
}

func (s *Service) read(ctx context.Context, companyID uuid.UUID, fn func(context.Context, TxRepository) error) error {
	if companyID == uuid.Nil {
		return shared.ErrCompanyRequired
	}
	return s.repo.WithTx(ctx, fn)
}

// lock enters the critical sections of keys in a stable order.
func (s *Service) lock(ctx context.Context, keys ...StockKey) (func(), error) {
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, shared.StockLockKey(k.CompanyID, k.ItemID, k.WarehouseID))
	}
	sort.Strings(names)
	var releases []func()
	unlock := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, name := range names {
		release, err := s.locker.Lock(ctx, name)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("%w: %w", ErrStockBusy, err)
		}
		releases = append(releases, release)
	}
	return unlock, nil
}

func loadStockItem(ctx context.Context, tx TxRepository, key StockKey) (Item, error) {
	item, err := tx.GetItem(ctx, key.CompanyID, key.ItemID)
	if err != nil {
		return Item{}, err
	}
	if item.CompanyID != key.CompanyID {
		return Item{}, shared.ErrCrossCompany
	}
	if !item.TrackInventory {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotTracked, item.SKU)
	}
	wh, err := tx.GetWarehouse(ctx, key.CompanyID, key.WarehouseID)
	if err != nil {
		return Item{}, err
	}
	if wh.CompanyID != key.CompanyID {
		return Item{}, shared.ErrCrossCompany
	}
	return item, nil
}

func loadEffect(ctx context.Context, tx TxRepository, key StockKey, movementID uuid.UUID) (CostEffect, error) {
	m, err := tx.GetMovement(ctx, key.CompanyID, movementID)
	if err != nil {
		return CostEffect{}, err
	}
	effect := CostEffect{Movement: m}
	layer, err := tx.GetLayerByMovement(ctx, key.CompanyID, movementID)
	switch {
	case err == nil:
		effect.Layer = &layer
	case !errors.Is(err, ErrLayerNotFound):
		return CostEffect{}, err
	}
	if effect.ItemCost, err = tx.GetItemCost(ctx, key); err != nil {
		return CostEffect{}, err
	}
	if effect.Level, err = tx.GetStockLevel(ctx, key); err != nil {
		return CostEffect{}, err
	}
	return effect, nil
}

func loadResult(ctx context.Context, tx TxRepository, key StockKey, movementID uuid.UUID) (CostResult, error) {
	m, err := tx.GetMovement(ctx, key.CompanyID, movementID)
	if err != nil {
		return CostResult{}, err
	}
	cogs, err := tx.GetCogsByMovement(ctx, key.CompanyID, movementID)
	if err != nil {
		return CostResult{}, err
	}
	res := CostResult{Movement: m, Cogs: cogs, UnitCost: cogs.UnitCost, CostAmount: cogs.CostAmount, EstimatedQty: cogs.EstimatedQty}
	if cogs.GLTransactionID != nil {
		txn, err := tx.GetTransaction(ctx, key.CompanyID, *cogs.GLTransactionID)
		if err != nil {
			return CostResult{}, err
		}
		res.Transaction = &txn
	}
	if res.Level, err = tx.GetStockLevel(ctx, key); err != nil {
		return CostResult{}, err
	}
	return res, nil
}

func saveKey(ctx context.Context, tx TxRepository, companyID uuid.UUID, scope, key, hash string, resultID uuid.UUID, now time.Time) error {
	if key == "" {
		return nil
	}
	return tx.SaveIdempotencyKey(ctx, shared.IdempotencyRecord{
		CompanyID:   companyID,
		Scope:       scope,
		Key:         key,
		RequestHash: hash,
		ResultID:    resultID,
		CreatedAt:   now,
	})
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

func (s *Service) scale() int32 {
	if s.ledger == nil {
		return shared.DefaultAmountScale
	}
	return s.ledger.AmountScale()
}

func (s *Service) observe(op string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveCosting(op, err)
	}
}

func (s *Service) record(ctx context.Context, companyID, actorID uuid.UUID, action, entity, id string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		CompanyID: companyID,
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  id,
		Meta:      meta,
		At:        s.now(),
	})
}
