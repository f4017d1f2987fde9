package posting

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// RepositoryPort abstracts transactional template storage.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes template storage alongside the ledger accounts it
// references.
type TxRepository interface {
	accounting.TxRepository

	InsertTemplate(ctx context.Context, t Template) error
	GetTemplate(ctx context.Context, companyID, id uuid.UUID) (Template, error)
	// UpdateTemplate persists IsActive, IsDefault and EffectiveTo.
	UpdateTemplate(ctx context.Context, t Template) error
	// ListTemplates returns every template of the company and doc type with lines.
	ListTemplates(ctx context.Context, companyID uuid.UUID, docType DocType) ([]Template, error)
}

// Repository persists templates in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("posting: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: accounting.NewTxRepository(tx), tx: tx})
	})
}

type txRepository struct {
	accounting.TxRepository
	tx pgx.Tx
}

const templateColumns = `id, company_id, doc_type, name, description, version, is_default, is_active, effective_from, effective_to, created_at`

func scanTemplate(row pgx.Row) (Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.CompanyID, &t.DocType, &t.Name, &t.Description, &t.Version, &t.IsDefault, &t.IsActive, &t.EffectiveFrom, &t.EffectiveTo, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Template{}, ErrTemplateNotFound
	}
	return t, err
}

func (r *txRepository) InsertTemplate(ctx context.Context, t Template) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO posting_templates (`+templateColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.CompanyID, t.DocType, t.Name, t.Description, t.Version, t.IsDefault, t.IsActive, t.EffectiveFrom, t.EffectiveTo, t.CreatedAt)
	if err != nil {
		return mapTemplateErr(err)
	}
	batch := &pgx.Batch{}
	for _, l := range t.Lines {
		batch.Queue(`INSERT INTO posting_template_lines (template_id, role, account_id, precedence) VALUES ($1,$2,$3,$4)`,
			t.ID, l.Role, l.AccountID, l.Precedence)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) loadLines(ctx context.Context, t *Template) error {
	rows, err := r.tx.Query(ctx, `SELECT role, account_id, precedence FROM posting_template_lines WHERE template_id=$1 ORDER BY precedence, role`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	t.Lines = nil
	for rows.Next() {
		var l TemplateLine
		if err := rows.Scan(&l.Role, &l.AccountID, &l.Precedence); err != nil {
			return err
		}
		t.Lines = append(t.Lines, l)
	}
	return rows.Err()
}

func (r *txRepository) GetTemplate(ctx context.Context, companyID, id uuid.UUID) (Template, error) {
	t, err := scanTemplate(r.tx.QueryRow(ctx, `SELECT `+templateColumns+` FROM posting_templates WHERE company_id=$1 AND id=$2`, companyID, id))
	if errors.Is(err, ErrTemplateNotFound) {
		return Template{}, db.ScopeMiss(ctx, r.tx, "posting_templates", id, err)
	}
	if err != nil {
		return Template{}, err
	}
	return t, r.loadLines(ctx, &t)
}

func (r *txRepository) UpdateTemplate(ctx context.Context, t Template) error {
	tag, err := r.tx.Exec(ctx, `UPDATE posting_templates SET is_active=$3, is_default=$4, effective_to=$5 WHERE company_id=$1 AND id=$2`,
		t.CompanyID, t.ID, t.IsActive, t.IsDefault, t.EffectiveTo)
	if err != nil {
		return mapTemplateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (r *txRepository) ListTemplates(ctx context.Context, companyID uuid.UUID, docType DocType) ([]Template, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+templateColumns+` FROM posting_templates WHERE company_id=$1 AND doc_type=$2 ORDER BY created_at, version`, companyID, docType)
	if err != nil {
		return nil, err
	}
	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadLines(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// mapTemplateErr turns the default-window exclusion constraint into
// ErrAmbiguousDefault. It fires when two writers pass the overlap scan
// concurrently, each on its own snapshot.
func mapTemplateErr(err error) error {
	if db.IsExclusionViolation(err, "ex_posting_templates_default") {
		return fmt.Errorf("%w: concurrent default in the same window", ErrAmbiguousDefault)
	}
	return err
}
