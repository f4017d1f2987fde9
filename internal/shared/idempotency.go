package shared

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultIdempotencyRetention bounds how long processed keys are honoured.
const DefaultIdempotencyRetention = 72 * time.Hour

// IdempotencyRecord links a processed request to the entity it produced.
type IdempotencyRecord struct {
	CompanyID   uuid.UUID
	Scope       string
	Key         string
	RequestHash string
	ResultID    uuid.UUID
	CreatedAt   time.Time
}

// Expired reports whether the record fell out of the retention window.
func (r IdempotencyRecord) Expired(now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		retention = DefaultIdempotencyRetention
	}
	return now.Sub(r.CreatedAt) > retention
}

// ErrIdempotencyKeyNotFound indicates the key was never processed.
var ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")

// IdempotencyTx reads and writes keys inside the caller's unit of work so the
// key and the result commit together.
type IdempotencyTx interface {
	FindIdempotencyKey(ctx context.Context, companyID uuid.UUID, scope, key string) (IdempotencyRecord, error)
	SaveIdempotencyKey(ctx context.Context, rec IdempotencyRecord) error
}

// RequestHash fingerprints a request payload.
func RequestHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ReplayCheck looks up key and reports the stored result when the same request
// was already processed. Expired records are treated as absent.
func ReplayCheck(ctx context.Context, tx IdempotencyTx, companyID uuid.UUID, scope, key, hash string, now time.Time, retention time.Duration) (uuid.UUID, bool, error) {
	if key == "" {
		return uuid.Nil, false, nil
	}
	rec, err := tx.FindIdempotencyKey(ctx, companyID, scope, key)
	if errors.Is(err, ErrIdempotencyKeyNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	if rec.Expired(now, retention) {
		return uuid.Nil, false, nil
	}
	if rec.RequestHash != hash {
		return uuid.Nil, false, ErrIdempotencyMismatch
	}
	return rec.ResultID, true, nil
}

type pgIdempotencyTx struct {
	tx pgx.Tx
}

// NewIdempotencyTx binds key storage to an open PostgreSQL transaction.
func NewIdempotencyTx(tx pgx.Tx) IdempotencyTx {
	return pgIdempotencyTx{tx: tx}
}

func (p pgIdempotencyTx) FindIdempotencyKey(ctx context.Context, companyID uuid.UUID, scope, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := p.tx.QueryRow(ctx, `SELECT company_id, scope, key, request_hash, result_id, created_at
FROM idempotency_keys WHERE company_id=$1 AND scope=$2 AND key=$3`, companyID, scope, key).
		Scan(&rec.CompanyID, &rec.Scope, &rec.Key, &rec.RequestHash, &rec.ResultID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, ErrIdempotencyKeyNotFound
	}
	return rec, err
}

func (p pgIdempotencyTx) SaveIdempotencyKey(ctx context.Context, rec IdempotencyRecord) error {
	_, err := p.tx.Exec(ctx, `INSERT INTO idempotency_keys (company_id, scope, key, request_hash, result_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (company_id, scope, key) DO UPDATE SET request_hash=EXCLUDED.request_hash, result_id=EXCLUDED.result_id, created_at=EXCLUDED.created_at`,
		rec.CompanyID, rec.Scope, rec.Key, rec.RequestHash, rec.ResultID, rec.CreatedAt)
	return err
}

// IdempotencyStore maintains the key table outside request transactions.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
