package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func (t *Tx) InsertItem(_ context.Context, item inventory.Item) error {
	for _, other := range t.s.items {
		if other.CompanyID == item.CompanyID && other.SKU == item.SKU {
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateSKU, item.SKU)
		}
	}
	t.s.items[item.ID] = item
	return nil
}

func (t *Tx) GetItem(_ context.Context, companyID, id uuid.UUID) (inventory.Item, error) {
	return scoped(t.s.items, itemCompany, companyID, id, inventory.ErrItemNotFound)
}

func (t *Tx) InsertWarehouse(_ context.Context, wh inventory.Warehouse) error {
	for _, other := range t.s.warehouses {
		if other.CompanyID == wh.CompanyID && other.Code == wh.Code {
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateWarehouse, wh.Code)
		}
	}
	t.s.warehouses[wh.ID] = wh
	return nil
}

func (t *Tx) GetWarehouse(_ context.Context, companyID, id uuid.UUID) (inventory.Warehouse, error) {
	return scoped(t.s.warehouses, warehouseCompany, companyID, id, inventory.ErrWarehouseNotFound)
}

func (t *Tx) InsertPolicy(_ context.Context, p inventory.CostPolicy) error {
	for _, other := range t.s.policies {
		if other.CompanyID == p.CompanyID && other.EffectiveFrom.Equal(p.EffectiveFrom) {
			return fmt.Errorf("%w: policy already effective on %s", inventory.ErrRetroactivePolicy, p.EffectiveFrom.Format("2006-01-02"))
		}
	}
	t.s.policies[p.ID] = p
	return nil
}

func (t *Tx) ListPolicies(_ context.Context, companyID uuid.UUID) ([]inventory.CostPolicy, error) {
	var out []inventory.CostPolicy
	for _, p := range t.s.policies {
		if p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

func emptyLevel(key inventory.StockKey) inventory.StockLevel {
	return inventory.StockLevel{CompanyID: key.CompanyID, ItemID: key.ItemID, WarehouseID: key.WarehouseID, Quantity: decimal.Zero, Reserved: decimal.Zero}
}

func (t *Tx) LockStock(_ context.Context, key inventory.StockKey) (inventory.StockLevel, error) {
	level, ok := t.s.levels[key]
	if !ok {
		level = emptyLevel(key)
		t.s.levels[key] = level
	}
	return level, nil
}

func (t *Tx) GetStockLevel(_ context.Context, key inventory.StockKey) (inventory.StockLevel, error) {
	level, ok := t.s.levels[key]
	if !ok {
		return emptyLevel(key), nil
	}
	return level, nil
}

func (t *Tx) UpdateStockLevel(_ context.Context, level inventory.StockLevel) error {
	key := inventory.StockKey{CompanyID: level.CompanyID, ItemID: level.ItemID, WarehouseID: level.WarehouseID}
	if level.Reserved.IsNegative() {
		return fmt.Errorf("%w: reserved below zero", shared.ErrInvalidInput)
	}
	t.s.levels[key] = level
	return nil
}

func (t *Tx) ListStockKeys(_ context.Context, companyID uuid.UUID) ([]inventory.StockKey, error) {
	seen := map[inventory.StockKey]bool{}
	var out []inventory.StockKey
	add := func(k inventory.StockKey) {
		if k.CompanyID == companyID && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range t.s.levels {
		add(k)
	}
	for _, m := range t.s.movements {
		add(inventory.StockKey{CompanyID: m.CompanyID, ItemID: m.ItemID, WarehouseID: m.WarehouseID})
	}
	return out, nil
}

func (t *Tx) GetItemCost(_ context.Context, key inventory.StockKey) (inventory.ItemCost, error) {
	c, ok := t.s.costs[key]
	if !ok {
		return inventory.ItemCost{CompanyID: key.CompanyID, ItemID: key.ItemID, WarehouseID: key.WarehouseID}, nil
	}
	return c, nil
}

func (t *Tx) UpsertItemCost(_ context.Context, c inventory.ItemCost) error {
	t.s.costs[inventory.StockKey{CompanyID: c.CompanyID, ItemID: c.ItemID, WarehouseID: c.WarehouseID}] = c
	return nil
}

func (t *Tx) InsertMovement(_ context.Context, m inventory.StockMovement) error {
	t.s.movements[m.ID] = m
	t.s.moveSeq[m.ID] = t.s.next()
	return nil
}

func (t *Tx) GetMovement(_ context.Context, companyID, id uuid.UUID) (inventory.StockMovement, error) {
	return scoped(t.s.movements, movementCompany, companyID, id, inventory.ErrMovementNotFound)
}

func (t *Tx) DeleteMovement(_ context.Context, companyID, id uuid.UUID) error {
	m, ok := t.s.movements[id]
	if !ok || m.CompanyID != companyID || m.IsCosted {
		return inventory.ErrMovementCosted
	}
	delete(t.s.movements, id)
	delete(t.s.moveSeq, id)
	return nil
}

func (t *Tx) LatestMovement(_ context.Context, key inventory.StockKey) (inventory.StockMovement, error) {
	var (
		latest inventory.StockMovement
		best   int64 = -1
	)
	for id, m := range t.s.movements {
		if m.CompanyID != key.CompanyID || m.ItemID != key.ItemID || m.WarehouseID != key.WarehouseID {
			continue
		}
		if seq := t.s.moveSeq[id]; seq > best {
			latest, best = m, seq
		}
	}
	if best < 0 {
		return inventory.StockMovement{}, inventory.ErrMovementNotFound
	}
	return latest, nil
}

func (t *Tx) MovementBalance(_ context.Context, key inventory.StockKey) (inventory.MovementTotals, error) {
	totals := inventory.MovementTotals{Quantity: decimal.Zero}
	for _, m := range t.s.movements {
		if m.CompanyID == key.CompanyID && m.ItemID == key.ItemID && m.WarehouseID == key.WarehouseID {
			totals.Quantity = totals.Quantity.Add(m.Quantity)
			totals.Count++
		}
	}
	return totals, nil
}

func (t *Tx) InsertLayer(_ context.Context, l inventory.CostLayer) (int64, error) {
	if l.QtyRemaining.IsNegative() || l.UnitCost.IsNegative() {
		return 0, fmt.Errorf("%w: layer quantities and cost must be >= 0", shared.ErrInvalidInput)
	}
	t.s.layerSeq++
	l.Seq = t.s.layerSeq
	t.s.layers[l.ID] = l
	return l.Seq, nil
}

func (t *Tx) ListLayers(_ context.Context, key inventory.StockKey, openOnly bool) ([]inventory.CostLayer, error) {
	var out []inventory.CostLayer
	for _, l := range t.s.layers {
		if l.CompanyID != key.CompanyID || l.ItemID != key.ItemID || l.WarehouseID != key.WarehouseID {
			continue
		}
		if openOnly && !l.QtyRemaining.IsPositive() {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LayerDate.Equal(out[j].LayerDate) {
			return out[i].LayerDate.Before(out[j].LayerDate)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (t *Tx) GetLayerByMovement(_ context.Context, companyID, movementID uuid.UUID) (inventory.CostLayer, error) {
	for _, l := range t.s.layers {
		if l.CompanyID == companyID && l.MovementID == movementID {
			return l, nil
		}
	}
	return inventory.CostLayer{}, inventory.ErrLayerNotFound
}

func (t *Tx) UpdateLayerRemaining(_ context.Context, companyID, id uuid.UUID, remaining decimal.Decimal) error {
	l, ok := t.s.layers[id]
	if !ok || l.CompanyID != companyID {
		return inventory.ErrLayerNotFound
	}
	if remaining.IsNegative() || remaining.GreaterThan(l.QtyRemaining) {
		return fmt.Errorf("%w: layer remaining must not grow or go negative", shared.ErrInvalidInput)
	}
	l.QtyRemaining = remaining
	t.s.layers[id] = l
	return nil
}

func (t *Tx) DeleteLayer(_ context.Context, companyID, id uuid.UUID) error {
	if l, ok := t.s.layers[id]; ok && l.CompanyID == companyID {
		delete(t.s.layers, id)
	}
	return nil
}

func (t *Tx) InsertCogs(_ context.Context, e inventory.CogsEntry) error {
	for _, other := range t.s.cogs {
		if other.MovementID == e.MovementID {
			return fmt.Errorf("%w: %s", inventory.ErrMovementCosted, e.MovementID)
		}
	}
	t.s.cogs[e.ID] = e
	return nil
}

func (t *Tx) GetCogsByMovement(_ context.Context, companyID, movementID uuid.UUID) (inventory.CogsEntry, error) {
	for _, e := range t.s.cogs {
		if e.CompanyID == companyID && e.MovementID == movementID {
			return e, nil
		}
	}
	return inventory.CogsEntry{}, inventory.ErrMovementNotFound
}

func (t *Tx) ListCogs(_ context.Context, f inventory.CogsFilter) ([]inventory.CogsEntry, error) {
	var out []inventory.CogsEntry
	for _, e := range t.s.cogs {
		if e.CompanyID != f.CompanyID {
			continue
		}
		if f.ItemID != nil && e.ItemID != *f.ItemID {
			continue
		}
		if f.WarehouseID != nil && e.WarehouseID != *f.WarehouseID {
			continue
		}
		day := shared.DateOf(e.CreatedAt)
		if !f.From.IsZero() && day.Before(shared.DateOf(f.From)) {
			continue
		}
		if !f.To.IsZero() && day.After(shared.DateOf(f.To)) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return t.s.moveSeq[out[i].MovementID] < t.s.moveSeq[out[j].MovementID]
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
