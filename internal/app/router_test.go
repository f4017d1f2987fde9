package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/memstore"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func testConfig() *Config {
	return &Config{
		AppEnv:               "test",
		StoreDriver:          StoreDriverMemory,
		LedgerAmountScale:    2,
		LedgerBaseCurrency:   "USD",
		IdempotencyRetention: time.Hour,
		StockLockBackend:     LockBackendLocal,
		StockLockWait:        time.Second,
		OpsRateLimit:         1000,
		AppWriteTimeout:      5 * time.Second,
	}
}

type opsFixture struct {
	engine  *Engine
	handler http.Handler
	company memstore.Company
	item    inventory.Item
	wh      inventory.Warehouse
	sale    accounting.Transaction
}

func newOpsFixture(t *testing.T) *opsFixture {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()

	engine, err := BuildEngine(ctx, cfg, logger, EngineOptions{Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	require.NotNil(t, engine.Memory)

	company, err := memstore.Seed(ctx, engine.Ledger, engine.Calendar, 2025)
	require.NoError(t, err)
	sale, err := engine.Ledger.Post(ctx, accounting.Draft{
		CompanyID:       company.ID,
		Reference:       "INV-1",
		TransactionDate: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Lines: []accounting.LineInput{
			{AccountID: company.Account(memstore.CodeCash), Debit: decimal.NewFromInt(100)},
			{AccountID: company.Account(memstore.CodeRevenue), Credit: decimal.NewFromInt(100)},
		},
	})
	require.NoError(t, err)

	item, err := engine.Inventory.CreateItem(ctx, inventory.ItemInput{
		CompanyID:          company.ID,
		SKU:                "BOLT",
		Name:               "Bolt",
		InventoryAccountID: company.Account(memstore.CodeInventory),
		COGSAccountID:      company.Account(memstore.CodeCOGS),
	})
	require.NoError(t, err)
	wh, err := engine.Inventory.CreateWarehouse(ctx, inventory.WarehouseInput{CompanyID: company.ID, Code: "WH1", Name: "Main"})
	require.NoError(t, err)
	_, err = engine.Inventory.Receive(ctx, inventory.ReceiveInput{
		CompanyID:   company.ID,
		ItemID:      item.ID,
		WarehouseID: wh.ID,
		Qty:         decimal.NewFromInt(4),
		UnitCost:    decimal.NewFromInt(3),
		Date:        time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	handler := NewRouter(RouterParams{Logger: logger, Config: cfg, Engine: engine, Metrics: metrics})
	return &opsFixture{engine: engine, handler: handler, company: company, item: item, wh: wh, sale: sale}
}

func (f *opsFixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rr.Body.Len() > 0 && rr.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr, body
}

func (f *opsFixture) path(suffix string) string {
	return "/v1/companies/" + f.company.ID.String() + suffix
}

func TestHealthAndReadiness(t *testing.T) {
	f := newOpsFixture(t)

	rr, body := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])

	rr, body = f.get(t, "/readyz")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestTrialBalanceAndIntegrityEndpoints(t *testing.T) {
	f := newOpsFixture(t)

	rr, body := f.get(t, f.path("/trial-balance?as_of=2025-03-31"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["balanced"])
	assert.Equal(t, "100", body["total_debit"])

	rr, body = f.get(t, f.path("/trial-balance?as_of=2025-03-01"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0", body["total_debit"])

	rr, body = f.get(t, f.path("/integrity?as_of=2025-12-31"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 1, body["checked"])

	rr, body = f.get(t, f.path("/trial-balance?as_of=31-03-2025"))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_INPUT", body["code"])
}

func TestTransactionEndpoints(t *testing.T) {
	f := newOpsFixture(t)

	rr, body := f.get(t, f.path("/transactions/"+f.sale.ID.String()))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "INV-1", body["Reference"])

	rr, _ = f.get(t, f.path("/transactions/"+f.sale.ID.String()+"/lineage"))
	require.Equal(t, http.StatusOK, rr.Code)
	var lineage []lineageView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &lineage))
	require.Len(t, lineage, 1)
	assert.Equal(t, accounting.LinkRoot, lineage[0].Kind)
	assert.Equal(t, "2025-03-10", lineage[0].Date)

	rr, body = f.get(t, f.path("/transactions/00000000-0000-0000-0000-000000000001"))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotEmpty(t, body["code"])

	rr, _ = f.get(t, f.path("/transactions/not-a-uuid"))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	cash := f.company.Account(memstore.CodeCash).String()
	rr, body = f.get(t, f.path("/accounts/"+cash+"/balance?as_of=2025-03-31"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "100", body["Balance"])
}

func TestPeriodLookup(t *testing.T) {
	f := newOpsFixture(t)

	rr, body := f.get(t, f.path("/periods/at?as_of=2025-02-14"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, f.company.Periods[1].ID.String(), body["ID"])

	rr, _ = f.get(t, f.path("/periods/at?as_of=2031-01-01"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStockEndpoints(t *testing.T) {
	f := newOpsFixture(t)
	key := "/stock/" + f.item.ID.String() + "/" + f.wh.ID.String()

	rr, body := f.get(t, f.path(key))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "4", body["available"])

	rr, _ = f.get(t, f.path(key+"/layers"))
	require.Equal(t, http.StatusOK, rr.Code)
	var layers []inventory.CostLayer
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &layers))
	require.Len(t, layers, 1)
	assert.True(t, layers[0].QtyRemaining.Equal(decimal.NewFromInt(4)))

	rr, body = f.get(t, f.path("/reconcile"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, body["discrepancies"])
}

func TestMetricsEndpointCountsPostings(t *testing.T) {
	f := newOpsFixture(t)

	rr, _ := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `ledger_postings_total{result="ok",type="JOURNAL"} 1`)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = "MEMORY"
	cfg.LedgerBaseCurrency = "eur"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Equal(t, "EUR", cfg.LedgerBaseCurrency)

	cfg = testConfig()
	cfg.StoreDriver = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.StockLockBackend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.LedgerAmountScale = 9
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.LedgerBaseCurrency = "EURO"
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.OpsRateLimit = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 120, cfg.OpsRateLimit)
	assert.False(t, cfg.IsProduction())
}

func TestQueueHealthMounted(t *testing.T) {
	handler := NewRouter(RouterParams{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:     testConfig(),
		JobHandler: jobs.NewHandler(nil, nil),
	})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"queue":"default"`)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTestModeFromEnvironment(t *testing.T) {
	t.Setenv("ODYSSEY_TEST_MODE", "1")
	RefreshTestMode()
	assert.True(t, InTestMode())

	t.Setenv("ODYSSEY_TEST_MODE", "")
	RefreshTestMode()
	assert.False(t, InTestMode())
}

func TestTransactionListPaginates(t *testing.T) {
	f := newOpsFixture(t)
	for i := 0; i < 2; i++ {
		_, err := f.engine.Ledger.Post(context.Background(), accounting.Draft{
			CompanyID:       f.company.ID,
			TransactionDate: time.Date(2025, 4, 1+i, 0, 0, 0, 0, time.UTC),
			Lines: []accounting.LineInput{
				{AccountID: f.company.Account(memstore.CodeBank), Debit: decimal.NewFromInt(5)},
				{AccountID: f.company.Account(memstore.CodeRevenue), Credit: decimal.NewFromInt(5)},
			},
		})
		require.NoError(t, err)
	}

	rr, body := f.get(t, f.path("/transactions?per_page=2"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, body["transactions"], 2)
	assert.Equal(t, true, body["pagination"].(map[string]any)["has_more"])

	rr, body = f.get(t, f.path("/transactions?per_page=2&page=2"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, body["transactions"], 1)

	rr, body = f.get(t, f.path("/transactions?from=2025-04-02"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, body["transactions"], 1)

	rr, _ = f.get(t, f.path("/transactions?to=April"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
