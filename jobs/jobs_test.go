package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/memstore"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type ledgerEnv struct {
	store   *memstore.Store
	ledger  *accounting.Service
	company memstore.Company
}

func newLedgerEnv(t *testing.T) *ledgerEnv {
	t.Helper()
	store := memstore.New()
	ledger := accounting.NewService(store.Ledger(), nil, accounting.ServiceConfig{})
	calendar := close.NewService(store.Periods(), ledger, nil, nil)
	company, err := memstore.Seed(context.Background(), ledger, calendar, 2025)
	require.NoError(t, err)
	return &ledgerEnv{store: store, ledger: ledger, company: company}
}

func (e *ledgerEnv) post(t *testing.T, key string) {
	t.Helper()
	_, err := e.ledger.Post(context.Background(), accounting.Draft{
		CompanyID:       e.company.ID,
		TransactionDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		IdempotencyKey:  key,
		Lines: []accounting.LineInput{
			{AccountID: e.company.Account(memstore.CodeBank), Debit: decimal.NewFromInt(20)},
			{AccountID: e.company.Account(memstore.CodeRevenue), Credit: decimal.NewFromInt(20)},
		},
	})
	require.NoError(t, err)
}

func task(t *testing.T, build func() (*asynq.Task, error)) *asynq.Task {
	t.Helper()
	tk, err := build()
	require.NoError(t, err)
	return tk
}

func TestNewTaskByName(t *testing.T) {
	for name, want := range map[string]string{
		"cleanup":              TaskIdempotencyCleanup,
		"integrity":            TaskGLIntegrity,
		"reconcile":            TaskStockReconcile,
		TaskStockReconcile:     TaskStockReconcile,
		TaskIdempotencyCleanup: TaskIdempotencyCleanup,
	} {
		tk, err := NewTask(name)
		require.NoError(t, err)
		assert.Equal(t, want, tk.Type())
	}
	_, err := NewTask("mail:send")
	require.Error(t, err)
}

func TestIdempotencyCleanupJob(t *testing.T) {
	env := newLedgerEnv(t)
	env.ledger.WithNow(func() time.Time { return time.Now().Add(-100 * time.Hour) })
	env.post(t, "stale")
	env.ledger.WithNow(time.Now)
	env.post(t, "fresh")

	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewIdempotencyCleanupJob(env.store, 72*time.Hour, quiet, metrics)
	require.NoError(t, job.Handle(context.Background(), task(t, func() (*asynq.Task, error) {
		return NewIdempotencyCleanupTask(0)
	})))

	removed, err := job.Run(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = job.Run(context.Background(), time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = NewIdempotencyCleanupJob(env.store, 0, quiet, nil).Run(context.Background(), 0)
	require.Error(t, err)
}

func TestCleanupRejectsMalformedPayload(t *testing.T) {
	env := newLedgerEnv(t)
	job := NewIdempotencyCleanupJob(env.store, time.Hour, quiet, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestGLIntegrityJobCleanLedger(t *testing.T) {
	env := newLedgerEnv(t)
	env.post(t, "")
	other := newLedgerEnv(t)
	other.post(t, "")

	job := NewGLIntegrityJob(env.ledger, quiet, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	reports, err := job.Run(context.Background(), ScanPayload{AsOf: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].OK())
	assert.Equal(t, 1, reports[0].Checked)

	require.NoError(t, job.Handle(context.Background(), task(t, func() (*asynq.Task, error) {
		return NewGLIntegrityTask(ScanPayload{CompanyIDs: []uuid.UUID{env.company.ID}})
	})))
}

type fakeLedger struct {
	companies []uuid.UUID
	bad       uuid.UUID
	fail      error
}

func (f fakeLedger) Companies(context.Context) ([]uuid.UUID, error) {
	return f.companies, nil
}

func (f fakeLedger) CheckIntegrity(_ context.Context, companyID uuid.UUID, asOf time.Time) (accounting.IntegrityReport, error) {
	if f.fail != nil {
		return accounting.IntegrityReport{}, f.fail
	}
	r := accounting.IntegrityReport{CompanyID: companyID, AsOf: asOf, Checked: 3, TotalDebit: decimal.NewFromInt(10), TotalCredit: decimal.NewFromInt(10)}
	if companyID == f.bad {
		r.Mismatched = []uuid.UUID{uuid.New()}
	}
	return r, nil
}

func TestGLIntegrityJobReportsFindingsWithoutRetry(t *testing.T) {
	good, bad := uuid.New(), uuid.New()
	job := NewGLIntegrityJob(fakeLedger{companies: []uuid.UUID{good, bad}, bad: bad}, quiet, nil)

	reports, err := job.Run(context.Background(), ScanPayload{})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	err = job.Handle(context.Background(), task(t, func() (*asynq.Task, error) { return NewGLIntegrityTask(ScanPayload{}) }))
	require.ErrorIs(t, err, ErrIntegrityFindings)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestGLIntegrityJobPropagatesErrors(t *testing.T) {
	boom := errors.New("connection reset")
	job := NewGLIntegrityJob(fakeLedger{companies: []uuid.UUID{uuid.New()}, fail: boom}, quiet, nil)
	_, err := job.Run(context.Background(), ScanPayload{})
	require.ErrorIs(t, err, boom)
}

func TestStockReconcileJob(t *testing.T) {
	env := newLedgerEnv(t)
	ctx := context.Background()
	inv := inventory.NewService(env.store.Inventory(), env.ledger, nil, inventory.ServiceConfig{})
	item, err := inv.CreateItem(ctx, inventory.ItemInput{
		CompanyID:          env.company.ID,
		SKU:                "NUT",
		Name:               "Nut",
		InventoryAccountID: env.company.Account(memstore.CodeInventory),
		COGSAccountID:      env.company.Account(memstore.CodeCOGS),
	})
	require.NoError(t, err)
	wh, err := inv.CreateWarehouse(ctx, inventory.WarehouseInput{CompanyID: env.company.ID, Code: "A", Name: "A"})
	require.NoError(t, err)
	_, err = inv.Receive(ctx, inventory.ReceiveInput{
		CompanyID:   env.company.ID,
		ItemID:      item.ID,
		WarehouseID: wh.ID,
		Qty:         decimal.NewFromInt(6),
		UnitCost:    decimal.NewFromInt(2),
		Date:        time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	job := NewStockReconcileJob(inv, env.ledger, quiet, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	found, err := job.Run(ctx, ScanPayload{})
	require.NoError(t, err)
	assert.Empty(t, found)
	require.NoError(t, job.Handle(ctx, task(t, func() (*asynq.Task, error) { return NewStockReconcileTask(ScanPayload{}) })))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestQueueHealthHandler(t *testing.T) {
	serve := func(insp QueueInspector) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		NewHandler(insp, quiet).MountRoutes(r)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		return rr
	}

	rr := serve(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Failed: 1}})
	require.Equal(t, http.StatusOK, rr.Code)
	var body queueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Pending)
	assert.Equal(t, 1, body.Failed)

	rr = serve(stubInspector{err: errors.New("redis down")})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = serve(nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
