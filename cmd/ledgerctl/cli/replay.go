package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/memstore"
)

// ReplayScript is a costing scenario replayed against a fresh in-memory
// ledger.
type ReplayScript struct {
	Year          int                  `json:"year"`
	Method        inventory.CostMethod `json:"method"`
	AllowNegative bool                 `json:"allow_negative"`
	Steps         []ReplayStep         `json:"steps"`
}

// ReplayStep is one stock operation. Items and warehouses are referenced by
// code and created on first use.
type ReplayStep struct {
	Op        string          `json:"op"`
	Item      string          `json:"item"`
	Warehouse string          `json:"warehouse"`
	To        string          `json:"to,omitempty"`
	Qty       decimal.Decimal `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Date      string          `json:"date"`
}

// ReplayOptions configures the replay command.
type ReplayOptions struct {
	Script     io.Reader
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReplayStepResult reports what one step did.
type ReplayStepResult struct {
	Step         int             `json:"step"`
	Op           string          `json:"op"`
	Item         string          `json:"item"`
	Warehouse    string          `json:"warehouse"`
	Qty          decimal.Decimal `json:"qty"`
	Cost         decimal.Decimal `json:"cost"`
	EstimatedQty decimal.Decimal `json:"estimated_qty"`
}

// ReplayPosition is the final state of one item and warehouse.
type ReplayPosition struct {
	Item        string          `json:"item"`
	Warehouse   string          `json:"warehouse"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgUnitCost decimal.Decimal `json:"avg_unit_cost"`
	Value       decimal.Decimal `json:"value"`
	OpenLayers  int             `json:"open_layers"`
}

// ReplaySummary is the structured outcome of a replay.
type ReplaySummary struct {
	Method    inventory.CostMethod `json:"method"`
	Steps     []ReplayStepResult   `json:"steps"`
	Positions []ReplayPosition     `json:"positions"`
	COGS      decimal.Decimal      `json:"cogs"`
	Balanced  bool                 `json:"balanced"`
}

type replayRun struct {
	engine     *app.Engine
	company    memstore.Company
	items      map[string]uuid.UUID
	warehouses map[string]uuid.UUID
}

// ReplayCommand executes a script against engine, which must run on the
// in-memory store. It returns the process exit code.
func ReplayCommand(ctx context.Context, engine *app.Engine, opts ReplayOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if engine == nil || engine.Memory == nil {
		fmt.Fprintln(opts.Stderr, "replay: requires the memory store")
		return 1
	}
	var script ReplayScript
	if err := json.NewDecoder(opts.Script).Decode(&script); err != nil {
		fmt.Fprintf(opts.Stderr, "replay: decode script: %v\n", err)
		return 1
	}
	summary, err := replay(ctx, engine, script)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "replay: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			fmt.Fprintf(opts.Stderr, "replay: %v\n", err)
			return 1
		}
		return 0
	}
	renderReplayHuman(opts.Stdout, summary)
	return 0
}

func replay(ctx context.Context, engine *app.Engine, script ReplayScript) (ReplaySummary, error) {
	if script.Year == 0 {
		script.Year = time.Now().Year()
	}
	if script.Method == "" {
		script.Method = inventory.MethodWeightedAverage
	}
	company, err := memstore.Seed(ctx, engine.Ledger, engine.Calendar, script.Year)
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("seed: %w", err)
	}
	start := time.Date(script.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	engine.Inventory.WithNow(func() time.Time { return start })
	transit, loss, gain := company.Account(memstore.CodeTransit), company.Account(memstore.CodeTransitLoss), company.Account(memstore.CodeTransitGain)
	if _, err := engine.Inventory.SetPolicy(ctx, inventory.PolicyInput{
		CompanyID:            company.ID,
		Method:               script.Method,
		EffectiveFrom:        start,
		AllowNegativeStock:   script.AllowNegative,
		TransitAccountID:     &transit,
		TransitLossAccountID: &loss,
		TransitGainAccountID: &gain,
	}); err != nil {
		return ReplaySummary{}, fmt.Errorf("policy: %w", err)
	}

	run := &replayRun{engine: engine, company: company, items: map[string]uuid.UUID{}, warehouses: map[string]uuid.UUID{}}
	summary := ReplaySummary{Method: script.Method, COGS: decimal.Zero}
	for i, step := range script.Steps {
		res, err := run.apply(ctx, step)
		if err != nil {
			return ReplaySummary{}, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		res.Step = i + 1
		summary.Steps = append(summary.Steps, res)
	}

	if summary.Positions, err = run.positions(ctx); err != nil {
		return ReplaySummary{}, err
	}
	end := time.Date(script.Year, time.December, 31, 0, 0, 0, 0, time.UTC)
	cogs, err := engine.Ledger.AccountBalance(ctx, company.ID, company.Account(memstore.CodeCOGS), end)
	if err != nil {
		return ReplaySummary{}, err
	}
	summary.COGS = cogs.Balance
	tb, err := engine.Ledger.TrialBalance(ctx, company.ID, end)
	if err != nil {
		return ReplaySummary{}, err
	}
	summary.Balanced = tb.Balanced()
	return summary, nil
}

func (r *replayRun) apply(ctx context.Context, step ReplayStep) (ReplayStepResult, error) {
	date, err := time.Parse(time.DateOnly, step.Date)
	if err != nil {
		return ReplayStepResult{}, fmt.Errorf("date %q: expected YYYY-MM-DD", step.Date)
	}
	itemID, err := r.item(ctx, step.Item)
	if err != nil {
		return ReplayStepResult{}, err
	}
	whID, err := r.warehouse(ctx, step.Warehouse)
	if err != nil {
		return ReplayStepResult{}, err
	}
	out := ReplayStepResult{Op: step.Op, Item: step.Item, Warehouse: step.Warehouse, Qty: step.Qty}
	inv := r.engine.Inventory
	op := strings.ToLower(step.Op)
	switch op {
	case "receive":
		eff, err := inv.Receive(ctx, inventory.ReceiveInput{
			CompanyID: r.company.ID, ItemID: itemID, WarehouseID: whID,
			Qty: step.Qty, UnitCost: step.UnitCost, Date: date,
		})
		if err != nil {
			return out, err
		}
		out.Cost = eff.Movement.TotalCost
	case "issue":
		res, err := inv.Issue(ctx, inventory.IssueInput{
			CompanyID: r.company.ID, ItemID: itemID, WarehouseID: whID,
			Qty: step.Qty, Date: date,
		})
		if err != nil {
			return out, err
		}
		out.Cost = res.CostAmount
		out.EstimatedQty = res.EstimatedQty
	case "transfer":
		toID, err := r.warehouse(ctx, step.To)
		if err != nil {
			return out, err
		}
		res, err := inv.Transfer(ctx, inventory.TransferInput{
			CompanyID: r.company.ID, ItemID: itemID, FromWarehouseID: whID, ToWarehouseID: toID,
			Qty: step.Qty, Date: date,
		})
		if err != nil {
			return out, err
		}
		out.Cost = res.Total
	case "reserve", "release":
		in := inventory.ReserveInput{CompanyID: r.company.ID, ItemID: itemID, WarehouseID: whID, Qty: step.Qty}
		if op == "reserve" {
			_, err = inv.Reserve(ctx, in)
		} else {
			_, err = inv.Release(ctx, in)
		}
		if err != nil {
			return out, err
		}
		out.Cost = decimal.Zero
	default:
		return out, fmt.Errorf("unknown op %q", step.Op)
	}
	return out, nil
}

func (r *replayRun) item(ctx context.Context, code string) (uuid.UUID, error) {
	if id, ok := r.items[code]; ok {
		return id, nil
	}
	item, err := r.engine.Inventory.CreateItem(ctx, inventory.ItemInput{
		CompanyID:          r.company.ID,
		SKU:                code,
		Name:               code,
		InventoryAccountID: r.company.Account(memstore.CodeInventory),
		COGSAccountID:      r.company.Account(memstore.CodeCOGS),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("item %q: %w", code, err)
	}
	r.items[code] = item.ID
	return item.ID, nil
}

func (r *replayRun) warehouse(ctx context.Context, code string) (uuid.UUID, error) {
	if id, ok := r.warehouses[code]; ok {
		return id, nil
	}
	wh, err := r.engine.Inventory.CreateWarehouse(ctx, inventory.WarehouseInput{CompanyID: r.company.ID, Code: code, Name: code})
	if err != nil {
		return uuid.Nil, fmt.Errorf("warehouse %q: %w", code, err)
	}
	r.warehouses[code] = wh.ID
	return wh.ID, nil
}

func (r *replayRun) positions(ctx context.Context) ([]ReplayPosition, error) {
	var out []ReplayPosition
	for itemCode, itemID := range r.items {
		for whCode, whID := range r.warehouses {
			cost, err := r.engine.Inventory.ItemCost(ctx, r.company.ID, itemID, whID)
			if err != nil {
				return nil, err
			}
			layers, err := r.engine.Inventory.ListLayers(ctx, r.company.ID, itemID, whID)
			if err != nil {
				return nil, err
			}
			if cost.QtyOnHand.IsZero() && len(layers) == 0 {
				continue
			}
			open := 0
			for _, l := range layers {
				if l.QtyRemaining.IsPositive() {
					open++
				}
			}
			out = append(out, ReplayPosition{
				Item:        itemCode,
				Warehouse:   whCode,
				Quantity:    cost.QtyOnHand,
				AvgUnitCost: cost.AvgUnitCost,
				Value:       cost.ValueOnHand,
				OpenLayers:  open,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Item != out[j].Item {
			return out[i].Item < out[j].Item
		}
		return out[i].Warehouse < out[j].Warehouse
	})
	return out, nil
}

func renderReplayHuman(out io.Writer, summary ReplaySummary) {
	fmt.Fprintf(out, "Replay (%s): %d step(s)\n", summary.Method, len(summary.Steps))
	for _, s := range summary.Steps {
		line := fmt.Sprintf(" %3d %-8s %s@%s qty %s cost %s", s.Step, s.Op, s.Item, s.Warehouse, s.Qty, s.Cost)
		if s.EstimatedQty.IsPositive() {
			line += fmt.Sprintf(" (estimated %s)", s.EstimatedQty)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, "Positions:")
	for _, p := range summary.Positions {
		fmt.Fprintf(out, " - %s@%s qty %s avg %s value %s layers %d\n", p.Item, p.Warehouse, p.Quantity, p.AvgUnitCost, p.Value, p.OpenLayers)
	}
	fmt.Fprintf(out, "COGS %s, ledger balanced: %t\n", summary.COGS, summary.Balanced)
}
