package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// opsHandler serves read-only probes over the engine. Writes go through the
// document services embedding the engine, never through HTTP.
type opsHandler struct {
	engine *Engine
	logger *slog.Logger
}

func (h *opsHandler) mountRoutes(r chi.Router) {
	r.Get("/trial-balance", h.trialBalance)
	r.Get("/integrity", h.integrity)
	r.Get("/accounts/{accountID}/balance", h.accountBalance)
	r.Get("/transactions", h.transactions)
	r.Get("/transactions/{transactionID}", h.transaction)
	r.Get("/transactions/{transactionID}/lineage", h.lineage)
	r.Get("/periods/at", h.periodAt)
	r.Get("/stock/{itemID}/{warehouseID}", h.stock)
	r.Get("/stock/{itemID}/{warehouseID}/layers", h.layers)
	r.Get("/reconcile", h.reconcile)
}

type stockView struct {
	Level     inventory.StockLevel `json:"level"`
	Available string               `json:"available"`
	Cost      inventory.ItemCost   `json:"cost"`
}

type lineageView struct {
	TransactionID uuid.UUID                    `json:"transaction_id"`
	Kind          accounting.LinkKind          `json:"kind"`
	ParentID      *uuid.UUID                   `json:"parent_id,omitempty"`
	Status        accounting.TransactionStatus `json:"status"`
	Date          string                       `json:"date"`
}

func (h *opsHandler) trialBalance(w http.ResponseWriter, r *http.Request) {
	companyID, asOf, ok := h.scope(w, r)
	if !ok {
		return
	}
	tb, err := h.engine.Ledger.TrialBalance(r.Context(), companyID, asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"as_of":        asOf.Format(time.DateOnly),
		"balanced":     tb.Balanced(),
		"total_debit":  tb.TotalDebit,
		"total_credit": tb.TotalCredit,
		"accounts":     tb.Accounts,
	})
}

func (h *opsHandler) integrity(w http.ResponseWriter, r *http.Request) {
	companyID, asOf, ok := h.scope(w, r)
	if !ok {
		return
	}
	report, err := h.engine.Ledger.CheckIntegrity(r.Context(), companyID, asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusConflict
	}
	httpx.JSON(w, status, map[string]any{
		"ok":           report.OK(),
		"checked":      report.Checked,
		"total_debit":  report.TotalDebit,
		"total_credit": report.TotalCredit,
		"mismatched":   report.Mismatched,
	})
}

func (h *opsHandler) accountBalance(w http.ResponseWriter, r *http.Request) {
	companyID, asOf, ok := h.scope(w, r)
	if !ok {
		return
	}
	accountID, ok := h.uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	bal, err := h.engine.Ledger.AccountBalance(r.Context(), companyID, accountID, asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *opsHandler) transactions(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.uuidParam(w, r, "companyID")
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := accounting.TransactionFilter{CompanyID: companyID, Status: accounting.TransactionStatus(q.Get("status"))}
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %s must be YYYY-MM-DD", shared.ErrInvalidInput, name))
			return
		}
		*dst = parsed
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	p := shared.NewPagination(page, perPage)
	filter.Limit = p.Fetch()
	txns, err := h.engine.Ledger.ListTransactions(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txns = shared.Paginate(&p, txns)
	httpx.JSON(w, http.StatusOK, map[string]any{"pagination": p, "transactions": txns})
}

func (h *opsHandler) transaction(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.uuidParam(w, r, "companyID")
	if !ok {
		return
	}
	txnID, ok := h.uuidParam(w, r, "transactionID")
	if !ok {
		return
	}
	txn, err := h.engine.Ledger.GetTransaction(r.Context(), companyID, txnID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, txn)
}

func (h *opsHandler) lineage(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.uuidParam(w, r, "companyID")
	if !ok {
		return
	}
	txnID, ok := h.uuidParam(w, r, "transactionID")
	if !ok {
		return
	}
	entries, err := h.engine.Ledger.Lineage(r.Context(), companyID, txnID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]lineageView, 0, len(entries))
	for _, e := range entries {
		out = append(out, lineageView{
			TransactionID: e.Transaction.ID,
			Kind:          e.Kind,
			ParentID:      e.ParentID,
			Status:        e.Transaction.Status,
			Date:          e.Transaction.TransactionDate.Format(time.DateOnly),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *opsHandler) periodAt(w http.ResponseWriter, r *http.Request) {
	companyID, date, ok := h.scope(w, r)
	if !ok {
		return
	}
	period, err := h.engine.Calendar.FindPeriodByDate(r.Context(), companyID, date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *opsHandler) stock(w http.ResponseWriter, r *http.Request) {
	companyID, itemID, warehouseID, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	level, err := h.engine.Inventory.StockLevel(r.Context(), companyID, itemID, warehouseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cost, err := h.engine.Inventory.ItemCost(r.Context(), companyID, itemID, warehouseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stockView{Level: level, Available: level.Available().String(), Cost: cost})
}

func (h *opsHandler) layers(w http.ResponseWriter, r *http.Request) {
	companyID, itemID, warehouseID, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	layers, err := h.engine.Inventory.ListLayers(r.Context(), companyID, itemID, warehouseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, layers)
}

func (h *opsHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.uuidParam(w, r, "companyID")
	if !ok {
		return
	}
	found, err := h.engine.Inventory.Reconcile(r.Context(), companyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if len(found) > 0 {
		status = http.StatusConflict
	}
	httpx.JSON(w, status, map[string]any{"discrepancies": found})
}

func (h *opsHandler) stockKey(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, uuid.UUID, bool) {
	companyID, ok := h.uuidParam(w, r, "companyID")
	if !ok {
		return uuid.Nil, uuid.Nil, uuid.Nil, false
	}
	itemID, ok := h.uuidParam(w, r, "itemID")
	if !ok {
		return uuid.Nil, uuid.Nil, uuid.Nil, false
	}
	warehouseID, ok := h.uuidParam(w, r, "warehouseID")
	if !ok {
		return uuid.Nil, uuid.Nil, uuid.Nil, false
	}
	return companyID, itemID, warehouseID, true
}

// scope reads the company path parameter and the as_of query date, which
// defaults to today.
func (h *opsHandler) scope(w http.ResponseWriter, r *http.Request) (uuid.UUID, time.Time, bool) {
	companyID, ok := h.uuidParam(w, r, "companyID")
	if !ok {
		return uuid.Nil, time.Time{}, false
	}
	asOf := shared.DateOf(time.Now())
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: as_of must be YYYY-MM-DD", shared.ErrInvalidInput))
			return uuid.Nil, time.Time{}, false
		}
		asOf = parsed
	}
	return companyID, asOf, true
}

func (h *opsHandler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", shared.ErrInvalidInput, name))
		return uuid.Nil, false
	}
	return id, true
}

func (h *opsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("ops request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
