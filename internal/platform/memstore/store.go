// Package memstore keeps the whole engine state in process memory. Every unit
// of work runs against a private copy that replaces the shared state only when
// the callback succeeds, so a failed operation leaves nothing behind.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/close"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/posting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type idemKey struct {
	company uuid.UUID
	scope   string
	key     string
}

type state struct {
	seq int64

	accounts     map[uuid.UUID]accounting.Account
	fiscalYears  map[uuid.UUID]accounting.FiscalYear
	periods      map[uuid.UUID]accounting.Period
	transactions map[uuid.UUID]accounting.Transaction
	txSeq        map[uuid.UUID]int64
	idempotency  map[idemKey]shared.IdempotencyRecord

	templates map[uuid.UUID]posting.Template

	items      map[uuid.UUID]inventory.Item
	warehouses map[uuid.UUID]inventory.Warehouse
	policies   map[uuid.UUID]inventory.CostPolicy
	levels     map[inventory.StockKey]inventory.StockLevel
	costs      map[inventory.StockKey]inventory.ItemCost
	movements  map[uuid.UUID]inventory.StockMovement
	moveSeq    map[uuid.UUID]int64
	layerSeq   int64
	layers     map[uuid.UUID]inventory.CostLayer
	cogs       map[uuid.UUID]inventory.CogsEntry
}

func newState() *state {
	return &state{
		accounts:     map[uuid.UUID]accounting.Account{},
		fiscalYears:  map[uuid.UUID]accounting.FiscalYear{},
		periods:      map[uuid.UUID]accounting.Period{},
		transactions: map[uuid.UUID]accounting.Transaction{},
		txSeq:        map[uuid.UUID]int64{},
		idempotency:  map[idemKey]shared.IdempotencyRecord{},
		templates:    map[uuid.UUID]posting.Template{},
		items:        map[uuid.UUID]inventory.Item{},
		warehouses:   map[uuid.UUID]inventory.Warehouse{},
		policies:     map[uuid.UUID]inventory.CostPolicy{},
		levels:       map[inventory.StockKey]inventory.StockLevel{},
		costs:        map[inventory.StockKey]inventory.ItemCost{},
		movements:    map[uuid.UUID]inventory.StockMovement{},
		moveSeq:      map[uuid.UUID]int64{},
		layers:       map[uuid.UUID]inventory.CostLayer{},
		cogs:         map[uuid.UUID]inventory.CogsEntry{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone copies every table. Stored values never share slices with callers so
// copying the maps is enough.
func (s *state) clone() *state {
	return &state{
		seq:          s.seq,
		accounts:     cloneMap(s.accounts),
		fiscalYears:  cloneMap(s.fiscalYears),
		periods:      cloneMap(s.periods),
		transactions: cloneMap(s.transactions),
		txSeq:        cloneMap(s.txSeq),
		idempotency:  cloneMap(s.idempotency),
		templates:    cloneMap(s.templates),
		items:        cloneMap(s.items),
		warehouses:   cloneMap(s.warehouses),
		policies:     cloneMap(s.policies),
		levels:       cloneMap(s.levels),
		costs:        cloneMap(s.costs),
		movements:    cloneMap(s.movements),
		moveSeq:      cloneMap(s.moveSeq),
		layerSeq:     s.layerSeq,
		layers:       cloneMap(s.layers),
		cogs:         cloneMap(s.cogs),
	}
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

// Store is an in-memory implementation of every repository port.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) withTx(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&Tx{s: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Cleanup drops idempotency keys older than olderThan.
func (s *Store) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for k, rec := range s.state.idempotency {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.state.idempotency, k)
			n++
		}
	}
	return n, nil
}

// Ledger adapts the store to the accounting repository port.
func (s *Store) Ledger() accounting.RepositoryPort { return ledgerPort{s} }

// Periods adapts the store to the period manager repository port.
func (s *Store) Periods() close.RepositoryPort { return periodsPort{s} }

// Templates adapts the store to the posting template repository port.
func (s *Store) Templates() posting.RepositoryPort { return templatesPort{s} }

// Inventory adapts the store to the costing engine repository port.
func (s *Store) Inventory() inventory.RepositoryPort { return inventoryPort{s} }

type ledgerPort struct{ s *Store }

func (p ledgerPort) WithTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	return p.s.withTx(ctx, func(tx *Tx) error { return fn(ctx, tx) })
}

type periodsPort struct{ s *Store }

func (p periodsPort) WithTx(ctx context.Context, fn func(context.Context, close.TxRepository) error) error {
	return p.s.withTx(ctx, func(tx *Tx) error { return fn(ctx, tx) })
}

type templatesPort struct{ s *Store }

func (p templatesPort) WithTx(ctx context.Context, fn func(context.Context, posting.TxRepository) error) error {
	return p.s.withTx(ctx, func(tx *Tx) error { return fn(ctx, tx) })
}

type inventoryPort struct{ s *Store }

func (p inventoryPort) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return p.s.withTx(ctx, func(tx *Tx) error { return fn(ctx, tx) })
}

// Tx is one unit of work over a private copy of the state.
type Tx struct {
	s *state
}

var (
	_ accounting.TxRepository = (*Tx)(nil)
	_ close.TxRepository      = (*Tx)(nil)
	_ posting.TxRepository    = (*Tx)(nil)
	_ inventory.TxRepository  = (*Tx)(nil)
)

// scoped looks id up within companyID. An id owned by another company is a
// cross-company reference and fails hard instead of reading as a miss.
func scoped[V any](rows map[uuid.UUID]V, companyOf func(V) uuid.UUID, companyID, id uuid.UUID, notFound error) (V, error) {
	var zero V
	v, ok := rows[id]
	if !ok {
		return zero, notFound
	}
	if companyOf(v) != companyID {
		return zero, fmt.Errorf("%w: %s", shared.ErrCrossCompany, id)
	}
	return v, nil
}

func accountCompany(v accounting.Account) uuid.UUID { return v.CompanyID }
func fiscalYearCompany(v accounting.FiscalYear) uuid.UUID { return v.CompanyID }
func periodCompany(v accounting.Period) uuid.UUID { return v.CompanyID }
func transactionCompany(v accounting.Transaction) uuid.UUID { return v.CompanyID }
func templateCompany(v posting.Template) uuid.UUID { return v.CompanyID }
func itemCompany(v inventory.Item) uuid.UUID { return v.CompanyID }
func warehouseCompany(v inventory.Warehouse) uuid.UUID { return v.CompanyID }
func movementCompany(v inventory.StockMovement) uuid.UUID { return v.CompanyID }
