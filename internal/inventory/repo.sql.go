package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: accounting.NewTxRepository(tx), tx: tx})
	})
}

type txRepository struct {
	accounting.TxRepository
	tx pgx.Tx
}

func (r *txRepository) InsertItem(ctx context.Context, item Item) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inv_items (id, company_id, sku, name, track_inventory, inventory_account_id, cogs_account_id, is_active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		item.ID, item.CompanyID, item.SKU, item.Name, item.TrackInventory, item.InventoryAccountID, item.COGSAccountID, item.IsActive, item.CreatedAt)
	if db.IsUniqueViolation(err, "uq_inv_items_sku") {
		return fmt.Errorf("%w: %s", ErrDuplicateSKU, item.SKU)
	}
	return err
}

func (r *txRepository) GetItem(ctx context.Context, companyID, id uuid.UUID) (Item, error) {
	var item Item
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, sku, name, track_inventory, inventory_account_id, cogs_account_id, is_active, created_at
FROM inv_items WHERE company_id=$1 AND id=$2`, companyID, id).
		Scan(&item.ID, &item.CompanyID, &item.SKU, &item.Name, &item.TrackInventory, &item.InventoryAccountID, &item.COGSAccountID, &item.IsActive, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, db.ScopeMiss(ctx, r.tx, "inv_items", id, ErrItemNotFound)
	}
	return item, err
}

func (r *txRepository) InsertWarehouse(ctx context.Context, wh Warehouse) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inv_warehouses (id, company_id, code, name, is_active, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		wh.ID, wh.CompanyID, wh.Code, wh.Name, wh.IsActive, wh.CreatedAt)
	if db.IsUniqueViolation(err, "uq_inv_warehouses_code") {
		return fmt.Errorf("%w: %s", ErrDuplicateWarehouse, wh.Code)
	}
	return err
}

func (r *txRepository) GetWarehouse(ctx context.Context, companyID, id uuid.UUID) (Warehouse, error) {
	var wh Warehouse
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, code, name, is_active, created_at FROM inv_warehouses WHERE company_id=$1 AND id=$2`, companyID, id).
		Scan(&wh.ID, &wh.CompanyID, &wh.Code, &wh.Name, &wh.IsActive, &wh.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Warehouse{}, db.ScopeMiss(ctx, r.tx, "inv_warehouses", id, ErrWarehouseNotFound)
	}
	return wh, err
}

func (r *txRepository) InsertPolicy(ctx context.Context, p CostPolicy) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inv_cost_policies (id, company_id, method, effective_from, allow_negative_stock, transit_account_id, transit_loss_account_id, transit_gain_account_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.CompanyID, p.Method, p.EffectiveFrom, p.AllowNegativeStock, p.TransitAccountID, p.TransitLossAccountID, p.TransitGainAccountID, p.CreatedAt)
	if db.IsUniqueViolation(err, "uq_inv_cost_policies_from") {
		return fmt.Errorf("%w: policy already effective on %s", ErrRetroactivePolicy, p.EffectiveFrom.Format("2006-01-02"))
	}
	return err
}

func (r *txRepository) ListPolicies(ctx context.Context, companyID uuid.UUID) ([]CostPolicy, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, company_id, method, effective_from, allow_negative_stock, transit_account_id, transit_loss_account_id, transit_gain_account_id, created_at
FROM inv_cost_policies WHERE company_id=$1 ORDER BY effective_from`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CostPolicy
	for rows.Next() {
		var p CostPolicy
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.Method, &p.EffectiveFrom, &p.AllowNegativeStock, &p.TransitAccountID, &p.TransitLossAccountID, &p.TransitGainAccountID, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const levelColumns = `company_id, item_id, warehouse_id, quantity, reserved, updated_at`

func scanLevel(row pgx.Row) (StockLevel, error) {
	var l StockLevel
	err := row.Scan(&l.CompanyID, &l.ItemID, &l.WarehouseID, &l.Quantity, &l.Reserved, &l.UpdatedAt)
	return l, err
}

func (r *txRepository) LockStock(ctx context.Context, key StockKey) (StockLevel, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO inv_stock_levels (company_id, item_id, warehouse_id) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`,
		key.CompanyID, key.ItemID, key.WarehouseID); err != nil {
		return StockLevel{}, err
	}
	return scanLevel(r.tx.QueryRow(ctx, `SELECT `+levelColumns+` FROM inv_stock_levels
WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3 FOR UPDATE`, key.CompanyID, key.ItemID, key.WarehouseID))
}

func (r *txRepository) GetStockLevel(ctx context.Context, key StockKey) (StockLevel, error) {
	l, err := scanLevel(r.tx.QueryRow(ctx, `SELECT `+levelColumns+` FROM inv_stock_levels
WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3`, key.CompanyID, key.ItemID, key.WarehouseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return StockLevel{CompanyID: key.CompanyID, ItemID: key.ItemID, WarehouseID: key.WarehouseID}, nil
	}
	return l, err
}

func (r *txRepository) UpdateStockLevel(ctx context.Context, level StockLevel) error {
	_, err := r.tx.Exec(ctx, `UPDATE inv_stock_levels SET quantity=$4, reserved=$5, updated_at=$6
WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3`,
		level.CompanyID, level.ItemID, level.WarehouseID, level.Quantity, level.Reserved, level.UpdatedAt)
	return err
}

func (r *txRepository) ListStockKeys(ctx context.Context, companyID uuid.UUID) ([]StockKey, error) {
	rows, err := r.tx.Query(ctx, `SELECT company_id, item_id, warehouse_id FROM inv_stock_levels WHERE company_id=$1
UNION SELECT company_id, item_id, warehouse_id FROM inv_stock_movements WHERE company_id=$1`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StockKey
	for rows.Next() {
		var k StockKey
		if err := rows.Scan(&k.CompanyID, &k.ItemID, &k.WarehouseID); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *txRepository) GetItemCost(ctx context.Context, key StockKey) (ItemCost, error) {
	c := ItemCost{CompanyID: key.CompanyID, ItemID: key.ItemID, WarehouseID: key.WarehouseID}
	err := r.tx.QueryRow(ctx, `SELECT avg_unit_cost, qty_on_hand, value_on_hand, updated_at FROM inv_item_costs
WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3`, key.CompanyID, key.ItemID, key.WarehouseID).
		Scan(&c.AvgUnitCost, &c.QtyOnHand, &c.ValueOnHand, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	return c, err
}

func (r *txRepository) UpsertItemCost(ctx context.Context, c ItemCost) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inv_item_costs (company_id, item_id, warehouse_id, avg_unit_cost, qty_on_hand, value_on_hand, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (company_id, item_id, warehouse_id) DO UPDATE SET avg_unit_cost=EXCLUDED.avg_unit_cost,
qty_on_hand=EXCLUDED.qty_on_hand, value_on_hand=EXCLUDED.value_on_hand, updated_at=EXCLUDED.updated_at`,
		c.CompanyID, c.ItemID, c.WarehouseID, c.AvgUnitCost, c.QtyOnHand, c.ValueOnHand, c.UpdatedAt)
	return err
}

const movementColumns = `id, company_id, item_id, warehouse_id, movement_type, movement_date, quantity, unit_cost, total_cost, reference_type, reference_id, related_movement_id, is_costed, created_at`

func scanMovement(row pgx.Row) (StockMovement, error) {
	var m StockMovement
	err := row.Scan(&m.ID, &m.CompanyID, &m.ItemID, &m.WarehouseID, &m.MovementType, &m.MovementDate, &m.Quantity,
		&m.UnitCost, &m.TotalCost, &m.ReferenceType, &m.ReferenceID, &m.RelatedMovementID, &m.IsCosted, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockMovement{}, ErrMovementNotFound
	}
	return m, err
}

func (r *txRepository) InsertMovement(ctx context.Context, m StockMovement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inv_stock_movements (`+movementColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		m.ID, m.CompanyID, m.ItemID, m.WarehouseID, m.MovementType, m.MovementDate, m.Quantity,
		m.UnitCost, m.TotalCost, m.ReferenceType, m.ReferenceID, m.RelatedMovementID, m.IsCosted, m.CreatedAt)
	return err
}

func (r *txRepository) GetMovement(ctx context.Context, companyID, id uuid.UUID) (StockMovement, error) {
	m, err := scanMovement(r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM inv_stock_movements WHERE company_id=$1 AND id=$2`, companyID, id))
	if errors.Is(err, ErrMovementNotFound) {
		return StockMovement{}, db.ScopeMiss(ctx, r.tx, "inv_stock_movements", id, err)
	}
	return m, err
}

func (r *txRepository) DeleteMovement(ctx context.Context, companyID, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM inv_stock_movements WHERE company_id=$1 AND id=$2 AND NOT is_costed`, companyID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMovementCosted
	}
	return nil
}

func (r *txRepository) LatestMovement(ctx context.Context, key StockKey) (StockMovement, error) {
	return scanMovement(r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM inv_stock_movements
WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3 ORDER BY created_at DESC, id DESC LIMIT 1`,
		key.CompanyID, key.ItemID, key.WarehouseID))
}

func (r *txRepository) MovementBalance(ctx context.Context, key StockKey) (MovementTotals, error) {
	var t MovementTotals
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0), COUNT(*) FROM inv_stock_movements
WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3`, key.CompanyID, key.ItemID, key.WarehouseID).
		Scan(&t.Quantity, &t.Count)
	return t, err
}

const layerColumns = `id, seq, company_id, item_id, warehouse_id, source_type, source_id, movement_id, layer_date, original_qty, qty_remaining, unit_cost, created_at`

func scanLayer(row pgx.Row) (CostLayer, error) {
	var l CostLayer
	err := row.Scan(&l.ID, &l.Seq, &l.CompanyID, &l.ItemID, &l.WarehouseID, &l.SourceType, &l.SourceID, &l.MovementID,
		&l.LayerDate, &l.OriginalQty, &l.QtyRemaining, &l.UnitCost, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CostLayer{}, ErrLayerNotFound
	}
	return l, err
}

func (r *txRepository) InsertLayer(ctx context.Context, l CostLayer) (int64, error) {
	var seq int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inv_cost_layers (id, company_id, item_id, warehouse_id, source_type, source_id, movement_id, layer_date, original_qty, qty_remaining, unit_cost, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING seq`,
		l.ID, l.CompanyID, l.ItemID, l.WarehouseID, l.SourceType, l.SourceID, l.MovementID, l.LayerDate, l.OriginalQty, l.QtyRemaining, l.UnitCost, l.CreatedAt).
		Scan(&seq)
	return seq, err
}

func (r *txRepository) ListLayers(ctx context.Context, key StockKey, openOnly bool) ([]CostLayer, error) {
	query := `SELECT ` + layerColumns + ` FROM inv_cost_layers WHERE company_id=$1 AND item_id=$2 AND warehouse_id=$3`
	if openOnly {
		query += ` AND qty_remaining > 0`
	}
	query += ` ORDER BY layer_date, seq`
	rows, err := r.tx.Query(ctx, query, key.CompanyID, key.ItemID, key.WarehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CostLayer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *txRepository) GetLayerByMovement(ctx context.Context, companyID, movementID uuid.UUID) (CostLayer, error) {
	return scanLayer(r.tx.QueryRow(ctx, `SELECT `+layerColumns+` FROM inv_cost_layers WHERE company_id=$1 AND movement_id=$2`, companyID, movementID))
}

func (r *txRepository) UpdateLayerRemaining(ctx context.Context, companyID, id uuid.UUID, remaining decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inv_cost_layers SET qty_remaining=$3 WHERE company_id=$1 AND id=$2`, companyID, id, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

func (r *txRepository) DeleteLayer(ctx context.Context, companyID, id uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM inv_cost_layers WHERE company_id=$1 AND id=$2`, companyID, id)
	return err
}

func (r *txRepository) InsertCogs(ctx context.Context, e CogsEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inv_cogs_entries (id, company_id, movement_id, item_id, warehouse_id, qty_issued, unit_cost, cost_amount, estimated_qty, method, gl_transaction_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.CompanyID, e.MovementID, e.ItemID, e.WarehouseID, e.QtyIssued, e.UnitCost, e.CostAmount, e.EstimatedQty, e.Method, e.GLTransactionID, e.CreatedAt)
	if db.IsUniqueViolation(err, "uq_inv_cogs_movement") {
		return fmt.Errorf("%w: %s", ErrMovementCosted, e.MovementID)
	}
	return err
}

const cogsColumns = `id, company_id, movement_id, item_id, warehouse_id, qty_issued, unit_cost, cost_amount, estimated_qty, method, gl_transaction_id, created_at`

func scanCogs(row pgx.Row) (CogsEntry, error) {
	var e CogsEntry
	err := row.Scan(&e.ID, &e.CompanyID, &e.MovementID, &e.ItemID, &e.WarehouseID, &e.QtyIssued, &e.UnitCost,
		&e.CostAmount, &e.EstimatedQty, &e.Method, &e.GLTransactionID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CogsEntry{}, ErrMovementNotFound
	}
	return e, err
}

func (r *txRepository) GetCogsByMovement(ctx context.Context, companyID, movementID uuid.UUID) (CogsEntry, error) {
	return scanCogs(r.tx.QueryRow(ctx, `SELECT `+cogsColumns+` FROM inv_cogs_entries WHERE company_id=$1 AND movement_id=$2`, companyID, movementID))
}

func (r *txRepository) ListCogs(ctx context.Context, f CogsFilter) ([]CogsEntry, error) {
	var (
		conds = []string{"company_id=$1"}
		args  = []any{f.CompanyID}
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ItemID != nil {
		add("item_id=$%d", *f.ItemID)
	}
	if f.WarehouseID != nil {
		add("warehouse_id=$%d", *f.WarehouseID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To.Add(24*time.Hour))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.tx.Query(ctx, `SELECT `+cogsColumns+` FROM inv_cogs_entries WHERE `+strings.Join(conds, " AND ")+fmt.Sprintf(` ORDER BY created_at, id LIMIT %d`, limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CogsEntry
	for rows.Next() {
		e, err := scanCogs(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
