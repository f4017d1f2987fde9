package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var today = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, got.Equal(dec(want)), "want %s, got %s", want, got)
}

type env struct {
	ledger    *accounting.Service
	svc       *inventory.Service
	company   memstore.Company
	item      inventory.Item
	warehouse inventory.Warehouse
}

type recordingEvents struct {
	mu     sync.Mutex
	events []inventory.IssueCostedEvent
}

func (r *recordingEvents) HandleIssueCosted(_ context.Context, evt inventory.IssueCostedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return errors.New("downstream unavailable")
}

type countingMetrics struct {
	mu        sync.Mutex
	estimated map[string]int
	failures  int
}

func (m *countingMetrics) ObserveCosting(_ string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures++
	}
}

func (m *countingMetrics) ObserveEstimatedIssue(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.estimated == nil {
		m.estimated = map[string]int{}
	}
	m.estimated[method]++
}

func newEnv(t *testing.T, cfg inventory.ServiceConfig) *env {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	ledger := accounting.NewService(store.Ledger(), nil, accounting.ServiceConfig{})
	calendar := close.NewService(store.Periods(), ledger, nil, nil)
	company, err := memstore.Seed(ctx, ledger, calendar, 2025)
	require.NoError(t, err)

	svc := inventory.NewService(store.Inventory(), ledger, nil, cfg)
	svc.WithNow(func() time.Time { return today })

	item, err := svc.CreateItem(ctx, inventory.ItemInput{
		CompanyID:          company.ID,
		SKU:                "WIDGET-1",
		Name:               "Widget",
		InventoryAccountID: company.Account(memstore.CodeInventory),
		COGSAccountID:      company.Account(memstore.CodeCOGS),
	})
	require.NoError(t, err)
	wh, err := svc.CreateWarehouse(ctx, inventory.WarehouseInput{CompanyID: company.ID, Code: "MAIN", Name: "Main"})
	require.NoError(t, err)
	return &env{ledger: ledger, svc: svc, company: company, item: item, warehouse: wh}
}

func (e *env) receive(t *testing.T, qty, cost string, date time.Time) inventory.CostEffect {
	t.Helper()
	eff, err := e.svc.Receive(context.Background(), inventory.ReceiveInput{
		CompanyID:   e.company.ID,
		ItemID:      e.item.ID,
		WarehouseID: e.warehouse.ID,
		Qty:         dec(qty),
		UnitCost:    dec(cost),
		Date:        date,
	})
	require.NoError(t, err)
	return eff
}

func (e *env) issueInput(qty string, date time.Time) inventory.IssueInput {
	return inventory.IssueInput{
		CompanyID:   e.company.ID,
		ItemID:      e.item.ID,
		WarehouseID: e.warehouse.ID,
		Qty:         dec(qty),
		Date:        date,
	}
}

func (e *env) setPolicy(t *testing.T, method inventory.CostMethod, allowNegative bool) {
	t.Helper()
	transit := e.company.Account(memstore.CodeTransit)
	loss := e.company.Account(memstore.CodeTransitLoss)
	gain := e.company.Account(memstore.CodeTransitGain)
	_, err := e.svc.SetPolicy(context.Background(), inventory.PolicyInput{
		CompanyID:            e.company.ID,
		Method:               method,
		EffectiveFrom:        today,
		AllowNegativeStock:   allowNegative,
		TransitAccountID:     &transit,
		TransitLossAccountID: &loss,
		TransitGainAccountID: &gain,
	})
	require.NoError(t, err)
}

func TestWeightedAverageIssuePostsCOGS(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()

	e.receive(t, "10", "2", day(2))
	eff := e.receive(t, "10", "4", day(3))
	requireDecimal(t, "3", eff.ItemCost.AvgUnitCost)
	requireDecimal(t, "60", eff.ItemCost.ValueOnHand)

	res, err := e.svc.Issue(ctx, e.issueInput("5", day(10)))
	require.NoError(t, err)
	requireDecimal(t, "3", res.UnitCost)
	requireDecimal(t, "15", res.CostAmount)
	requireDecimal(t, "0", res.EstimatedQty)
	requireDecimal(t, "-5", res.Movement.Quantity)
	require.True(t, res.Movement.IsCosted)
	require.Equal(t, inventory.MethodWeightedAverage, res.Cogs.Method)

	require.NotNil(t, res.Transaction)
	require.Equal(t, accounting.TransactionTypeCOGS, res.Transaction.Type)
	require.Equal(t, res.Movement.ID.String(), res.Transaction.Reference)
	require.Len(t, res.Transaction.Lines, 2)
	require.Equal(t, e.item.COGSAccountID, res.Transaction.Lines[0].AccountID)
	requireDecimal(t, "15", res.Transaction.Lines[0].Debit)
	require.Equal(t, e.item.InventoryAccountID, res.Transaction.Lines[1].AccountID)
	requireDecimal(t, "15", res.Transaction.Lines[1].Credit)
	require.Equal(t, res.Transaction.ID, *res.Cogs.GLTransactionID)

	cogs, err := e.ledger.AccountBalance(ctx, e.company.ID, e.item.COGSAccountID, day(31))
	require.NoError(t, err)
	requireDecimal(t, "15", cogs.Balance)

	level, err := e.svc.StockLevel(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	requireDecimal(t, "15", level.Quantity)

	cost, err := e.svc.ItemCost(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	requireDecimal(t, "3", cost.AvgUnitCost)
	requireDecimal(t, "15", cost.QtyOnHand)
	requireDecimal(t, "45", cost.ValueOnHand)
}

func TestFIFOIssueConsumesOldestLayers(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	e.setPolicy(t, inventory.MethodFIFO, false)

	first := e.receive(t, "3", "2", day(2))
	second := e.receive(t, "5", "2.5", day(3))

	res, err := e.svc.Issue(ctx, e.issueInput("5", day(10)))
	require.NoError(t, err)
	requireDecimal(t, "11", res.CostAmount)
	requireDecimal(t, "2.2", res.UnitCost)
	require.Equal(t, inventory.MethodFIFO, res.Cogs.Method)
	require.Len(t, res.Consumed, 2)
	require.Equal(t, first.Layer.ID, res.Consumed[0].LayerID)
	requireDecimal(t, "3", res.Consumed[0].Qty)
	require.Equal(t, second.Layer.ID, res.Consumed[1].LayerID)
	requireDecimal(t, "2", res.Consumed[1].Qty)

	layers, err := e.svc.ListLayers(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	requireDecimal(t, "0", layers[0].QtyRemaining)
	requireDecimal(t, "3", layers[1].QtyRemaining)

	cost, err := e.svc.ItemCost(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	requireDecimal(t, "3", cost.QtyOnHand)
	requireDecimal(t, "7.5", cost.ValueOnHand)
	requireDecimal(t, "2.5", cost.AvgUnitCost)

	issues, err := e.svc.Reconcile(ctx, e.company.ID)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestFIFOLayersOrderByDateThenSequence(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	e.setPolicy(t, inventory.MethodFIFO, false)

	e.receive(t, "2", "9", day(5))
	early := e.receive(t, "2", "1", day(2))
	sameDay := e.receive(t, "2", "3", day(2))

	res, err := e.svc.Issue(ctx, e.issueInput("3", day(10)))
	require.NoError(t, err)
	require.Len(t, res.Consumed, 2)
	require.Equal(t, early.Layer.ID, res.Consumed[0].LayerID)
	require.Equal(t, sameDay.Layer.ID, res.Consumed[1].LayerID)
	requireDecimal(t, "5", res.CostAmount)
}

func TestFIFOReplayIsDeterministic(t *testing.T) {
	script := func(t *testing.T) ([]string, []string) {
		e := newEnv(t, inventory.ServiceConfig{})
		ctx := context.Background()
		e.setPolicy(t, inventory.MethodFIFO, false)
		e.receive(t, "4", "1.25", day(2))
		e.receive(t, "6", "1.40", day(2))
		e.receive(t, "5", "1.10", day(4))
		var amounts []string
		for _, qty := range []string{"3", "5", "4"} {
			res, err := e.svc.Issue(ctx, e.issueInput(qty, day(12)))
			require.NoError(t, err)
			amounts = append(amounts, res.CostAmount.StringFixed(2))
		}
		layers, err := e.svc.ListLayers(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
		require.NoError(t, err)
		var remaining []string
		for _, l := range layers {
			remaining = append(remaining, l.QtyRemaining.String())
		}
		return amounts, remaining
	}
	amountsA, layersA := script(t)
	amountsB, layersB := script(t)
	assert.Equal(t, []string{"3.75", "6.85", "5.00"}, amountsA)
	assert.Equal(t, amountsA, amountsB)
	assert.Equal(t, layersA, layersB)
}

func TestIssueBeyondStockIsRejectedWithoutSideEffects(t *testing.T) {
	metrics := &countingMetrics{}
	e := newEnv(t, inventory.ServiceConfig{Metrics: metrics})
	ctx := context.Background()
	e.receive(t, "2", "5", day(2))

	_, err := e.svc.Issue(ctx, e.issueInput("5", day(10)))
	require.ErrorIs(t, err, inventory.ErrNegativeStock)
	require.Equal(t, shared.KindInvariantViolation, shared.KindOf(err))
	require.Equal(t, 1, metrics.failures)

	level, err := e.svc.StockLevel(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	requireDecimal(t, "2", level.Quantity)

	layers, err := e.svc.ListLayers(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	requireDecimal(t, "2", layers[0].QtyRemaining)

	cogs, err := e.svc.ListCogs(ctx, inventory.CogsFilter{CompanyID: e.company.ID})
	require.NoError(t, err)
	require.Empty(t, cogs)

	txns, err := e.ledger.ListTransactions(ctx, accounting.TransactionFilter{CompanyID: e.company.ID})
	require.NoError(t, err)
	require.Empty(t, txns)
}

func TestNegativeStockIssueIsEstimatedAtAverage(t *testing.T) {
	events := &recordingEvents{}
	metrics := &countingMetrics{}
	e := newEnv(t, inventory.ServiceConfig{Events: events, Metrics: metrics})
	ctx := context.Background()
	e.setPolicy(t, inventory.MethodWeightedAverage, true)

	e.receive(t, "2", "5", day(2))
	res, err := e.svc.Issue(ctx, e.issueInput("5", day(3)))
	require.NoError(t, err)
	requireDecimal(t, "3", res.EstimatedQty)
	requireDecimal(t, "25", res.CostAmount)
	requireDecimal(t, "-3", res.Level.Quantity)
	requireDecimal(t, "3", res.Cogs.EstimatedQty)

	require.Len(t, events.events, 1)
	require.Equal(t, res.Movement.ID, events.events[0].MovementID)
	require.Equal(t, 1, metrics.estimated[string(inventory.MethodWeightedAverage)])

	eff := e.receive(t, "4", "6", day(4))
	require.NotNil(t, eff.Layer)
	requireDecimal(t, "1", eff.Layer.QtyRemaining)
	requireDecimal(t, "6", eff.ItemCost.AvgUnitCost)
	requireDecimal(t, "1", eff.Level.Quantity)

	issues, err := e.svc.Reconcile(ctx, e.company.ID)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestIssueIdempotencyReplaysAndRejectsMismatch(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	e.receive(t, "10", "2", day(2))

	in := e.issueInput("4", day(10))
	in.IdempotencyKey = "so-1001"
	first, err := e.svc.Issue(ctx, in)
	require.NoError(t, err)
	again, err := e.svc.Issue(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.Movement.ID, again.Movement.ID)
	require.Equal(t, first.Transaction.ID, again.Transaction.ID)
	requireDecimal(t, "8", again.CostAmount)

	level, err := e.svc.StockLevel(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	requireDecimal(t, "6", level.Quantity)

	in.Qty = dec("5")
	_, err = e.svc.Issue(ctx, in)
	require.ErrorIs(t, err, shared.ErrIdempotencyMismatch)
}

func TestConcurrentIssuesNeverOversell(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	e.receive(t, "10", "1", day(2))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Issue(ctx, e.issueInput("1", day(10)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if errors.Is(err, inventory.ErrNegativeStock) {
				fail++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, ok)
	require.Equal(t, 10, fail)

	level, err := e.svc.StockLevel(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	requireDecimal(t, "0", level.Quantity)
}

type busyLocker struct{}

func (busyLocker) Lock(_ context.Context, key string) (func(), error) {
	return nil, shared.ErrLockTimeout
}

func TestLockTimeoutSurfacesAsStockBusy(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{Locker: busyLocker{}})
	_, err := e.svc.Receive(context.Background(), inventory.ReceiveInput{
		CompanyID:   e.company.ID,
		ItemID:      e.item.ID,
		WarehouseID: e.warehouse.ID,
		Qty:         dec("1"),
		UnitCost:    dec("1"),
		Date:        day(2),
	})
	require.ErrorIs(t, err, inventory.ErrStockBusy)
	require.ErrorIs(t, err, shared.ErrLockTimeout)
	require.Equal(t, shared.KindConcurrencyConflict, shared.KindOf(err))
	require.True(t, shared.IsRetryable(err))
}

func TestReceiveWithVariancePostsTransitLoss(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	e.setPolicy(t, inventory.MethodWeightedAverage, false)

	res, err := e.svc.ReceiveWithVariance(ctx, inventory.VarianceReceiptInput{
		CompanyID:        e.company.ID,
		ItemID:           e.item.ID,
		WarehouseID:      e.warehouse.ID,
		ExpectedQty:      dec("10"),
		ExpectedUnitCost: dec("5"),
		ReceivedQty:      dec("9"),
		UnitCost:         dec("5"),
		Date:             day(6),
		SourceID:         "ASN-7",
	})
	require.NoError(t, err)
	requireDecimal(t, "-5", res.Variance)
	require.NotNil(t, res.Effect)
	requireDecimal(t, "9", res.Effect.Level.Quantity)
	require.NotNil(t, res.Transaction)
	require.Equal(t, accounting.TransactionTypeStockVariance, res.Transaction.Type)

	byAccount := map[uuid.UUID]accounting.JournalEntry{}
	for _, l := range res.Transaction.Lines {
		byAccount[l.AccountID] = l
	}
	requireDecimal(t, "45", byAccount[e.item.InventoryAccountID].Debit)
	requireDecimal(t, "50", byAccount[e.company.Account(memstore.CodeTransit)].Credit)
	requireDecimal(t, "5", byAccount[e.company.Account(memstore.CodeTransitLoss)].Debit)

	tb, err := e.ledger.TrialBalance(ctx, e.company.ID, day(31))
	require.NoError(t, err)
	require.True(t, tb.Balanced())
}

func TestReceiveWithVarianceNeedsTransitAccounts(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	_, err := e.svc.ReceiveWithVariance(context.Background(), inventory.VarianceReceiptInput{
		CompanyID:        e.company.ID,
		ItemID:           e.item.ID,
		WarehouseID:      e.warehouse.ID,
		ExpectedQty:      dec("2"),
		ExpectedUnitCost: dec("5"),
		ReceivedQty:      dec("3"),
		UnitCost:         dec("5"),
		Date:             day(6),
	})
	require.ErrorIs(t, err, inventory.ErrTransitAccounts)

	level, err := e.svc.StockLevel(context.Background(), e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	requireDecimal(t, "0", level.Quantity)
}

func TestTransferCarriesCostWithoutPosting(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	annex, err := e.svc.CreateWarehouse(ctx, inventory.WarehouseInput{CompanyID: e.company.ID, Code: "ANNEX", Name: "Annex"})
	require.NoError(t, err)
	e.receive(t, "10", "3", day(2))

	res, err := e.svc.Transfer(ctx, inventory.TransferInput{
		CompanyID:       e.company.ID,
		ItemID:          e.item.ID,
		FromWarehouseID: e.warehouse.ID,
		ToWarehouseID:   annex.ID,
		Qty:             dec("4"),
		Date:            day(5),
		Reference:       "TR-1",
	})
	require.NoError(t, err)
	requireDecimal(t, "3", res.UnitCost)
	requireDecimal(t, "12", res.Total)
	requireDecimal(t, "-4", res.Out.Quantity)
	requireDecimal(t, "4", res.In.Quantity)
	require.Equal(t, res.Out.ID, *res.In.RelatedMovementID)
	require.Equal(t, res.In.ID, *res.Out.RelatedMovementID)

	src, err := e.svc.StockLevel(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	requireDecimal(t, "6", src.Quantity)
	dst, err := e.svc.ItemCost(ctx, e.company.ID, e.item.ID, annex.ID)
	require.NoError(t, err)
	requireDecimal(t, "4", dst.QtyOnHand)
	requireDecimal(t, "3", dst.AvgUnitCost)

	txns, err := e.ledger.ListTransactions(ctx, accounting.TransactionFilter{CompanyID: e.company.ID})
	require.NoError(t, err)
	require.Empty(t, txns)

	_, err = e.svc.Transfer(ctx, inventory.TransferInput{
		CompanyID:       e.company.ID,
		ItemID:          e.item.ID,
		FromWarehouseID: annex.ID,
		ToWarehouseID:   annex.ID,
		Qty:             dec("1"),
		Date:            day(5),
	})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestReservationsLimitAvailableStock(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	e.receive(t, "5", "1", day(2))
	reserve := inventory.ReserveInput{CompanyID: e.company.ID, ItemID: e.item.ID, WarehouseID: e.warehouse.ID, Qty: dec("3")}

	level, err := e.svc.Reserve(ctx, reserve)
	require.NoError(t, err)
	requireDecimal(t, "2", level.Available())

	_, err = e.svc.Issue(ctx, e.issueInput("3", day(4)))
	require.ErrorIs(t, err, inventory.ErrNegativeStock)

	in := e.issueInput("3", day(4))
	in.FromReservation = true
	res, err := e.svc.Issue(ctx, in)
	require.NoError(t, err)
	requireDecimal(t, "0", res.Level.Reserved)
	requireDecimal(t, "2", res.Level.Quantity)

	reserve.Qty = dec("1")
	_, err = e.svc.Release(ctx, reserve)
	require.ErrorIs(t, err, inventory.ErrOverRelease)
}

func TestDeleteMovementOnlyUndoesLatestUntouchedReceipt(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	first := e.receive(t, "4", "2", day(2))
	second := e.receive(t, "2", "3", day(3))

	err := e.svc.DeleteMovement(ctx, e.company.ID, first.Movement.ID)
	require.ErrorIs(t, err, inventory.ErrMovementCosted)

	require.NoError(t, e.svc.DeleteMovement(ctx, e.company.ID, second.Movement.ID))
	cost, err := e.svc.ItemCost(ctx, e.company.ID, e.item.ID, e.warehouse.ID)
	require.NoError(t, err)
	requireDecimal(t, "4", cost.QtyOnHand)
	requireDecimal(t, "2", cost.AvgUnitCost)
	requireDecimal(t, "8", cost.ValueOnHand)

	issued, err := e.svc.Issue(ctx, e.issueInput("1", day(5)))
	require.NoError(t, err)
	require.ErrorIs(t, e.svc.DeleteMovement(ctx, e.company.ID, issued.Movement.ID), inventory.ErrMovementCosted)
	require.ErrorIs(t, e.svc.DeleteMovement(ctx, e.company.ID, first.Movement.ID), inventory.ErrMovementCosted)
	require.ErrorIs(t, e.svc.DeleteMovement(ctx, uuid.New(), first.Movement.ID), shared.ErrCrossCompany)

	issues, err := e.svc.Reconcile(ctx, e.company.ID)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestSetPolicyRejectsRetroactiveChanges(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	policy := inventory.PolicyInput{CompanyID: e.company.ID, Method: inventory.MethodFIFO, EffectiveFrom: today.AddDate(0, 0, -1)}

	_, err := e.svc.SetPolicy(ctx, policy)
	require.ErrorIs(t, err, inventory.ErrRetroactivePolicy)

	policy.EffectiveFrom = today
	_, err = e.svc.SetPolicy(ctx, policy)
	require.NoError(t, err)
	_, err = e.svc.SetPolicy(ctx, policy)
	require.ErrorIs(t, err, inventory.ErrRetroactivePolicy)

	policy.Method = inventory.MethodWeightedAverage
	policy.EffectiveFrom = today.AddDate(0, 1, 0)
	_, err = e.svc.SetPolicy(ctx, policy)
	require.NoError(t, err)

	current, err := e.svc.PolicyAt(ctx, e.company.ID, day(20))
	require.NoError(t, err)
	require.Equal(t, inventory.MethodFIFO, current.Method)
	later, err := e.svc.PolicyAt(ctx, e.company.ID, today.AddDate(0, 1, 1))
	require.NoError(t, err)
	require.Equal(t, inventory.MethodWeightedAverage, later.Method)
}

func TestReceiveValidation(t *testing.T) {
	e := newEnv(t, inventory.ServiceConfig{})
	ctx := context.Background()
	base := inventory.ReceiveInput{CompanyID: e.company.ID, ItemID: e.item.ID, WarehouseID: e.warehouse.ID, Qty: dec("1"), UnitCost: dec("1"), Date: day(2)}

	zero := base
	zero.Qty = decimal.Zero
	_, err := e.svc.Receive(ctx, zero)
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	negative := base
	negative.UnitCost = dec("-1")
	_, err = e.svc.Receive(ctx, negative)
	require.ErrorIs(t, err, inventory.ErrInvalidUnitCost)

	outbound := base
	outbound.MovementType = inventory.MovementSale
	_, err = e.svc.Receive(ctx, outbound)
	require.ErrorIs(t, err, inventory.ErrInvalidMovementType)

	_, err = e.svc.CreateItem(ctx, inventory.ItemInput{
		CompanyID:          e.company.ID,
		SKU:                e.item.SKU,
		Name:               "Duplicate",
		InventoryAccountID: e.item.InventoryAccountID,
		COGSAccountID:      e.item.COGSAccountID,
	})
	require.ErrorIs(t, err, inventory.ErrDuplicateSKU)
}
