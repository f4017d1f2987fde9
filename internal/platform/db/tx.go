package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	if pool == nil {
		return errors.New("platform/db: pool not initialised")
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// Classify maps PostgreSQL concurrency failures onto shared.ErrSerialization.
func Classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", shared.ErrSerialization, pgErr.Message)
		}
	}
	return err
}

// IsUniqueViolation reports a 23505 error, optionally for a specific constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsExclusionViolation reports a 23P01 error, optionally for a specific
// constraint.
func IsExclusionViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23P01" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// ScopeMiss explains a company-scoped lookup that returned no row. A row with
// the same id under another company is a cross-company reference and fails
// hard; otherwise notFound is returned unchanged.
func ScopeMiss(ctx context.Context, tx pgx.Tx, table string, id uuid.UUID, notFound error) error {
	var foreign bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id=$1)`, id).Scan(&foreign); err != nil {
		return err
	}
	if foreign {
		return fmt.Errorf("%w: %s %s", shared.ErrCrossCompany, table, id)
	}
	return notFound
}
