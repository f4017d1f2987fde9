package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("%w: line 3", ErrCrossCompany)
	require.True(t, errors.Is(err, ErrCrossCompany))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "CROSS_COMPANY", CodeOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", ErrSerialization)))
}

func TestValidatePeriodTransition(t *testing.T) {
	require.NoError(t, ValidatePeriodTransition(PeriodStatusOpen, PeriodStatusClosing))
	require.NoError(t, ValidatePeriodTransition(PeriodStatusClosing, PeriodStatusClosed))
	require.NoError(t, ValidatePeriodTransition(PeriodStatusOpen, PeriodStatusClosed))
	require.ErrorIs(t, ValidatePeriodTransition(PeriodStatusClosed, PeriodStatusOpen), ErrInvalidPeriodTransition)
	require.ErrorIs(t, ValidatePeriodTransition(PeriodStatusClosing, PeriodStatusOpen), ErrInvalidPeriodTransition)
}

func TestWithinDatesInclusive(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	assert.True(t, WithinDates(time.Date(2024, 1, 31, 23, 59, 0, 0, time.UTC), start, end))
	assert.True(t, WithinDates(start, start, end))
	assert.False(t, WithinDates(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start, end))
}

func TestExceedsScale(t *testing.T) {
	assert.False(t, ExceedsScale(decimal.RequireFromString("10.50"), 2))
	assert.True(t, ExceedsScale(decimal.RequireFromString("10.505"), 2))
	assert.Equal(t, "1.333333", RoundUnitCost(decimal.NewFromInt(4).Div(decimal.NewFromInt(3))).String())
}

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	km := NewKeyedMutex(time.Second)
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "k")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, km.slots)
}

func TestKeyedMutexTimeout(t *testing.T) {
	km := NewKeyedMutex(20 * time.Millisecond)
	unlock, err := km.Lock(context.Background(), "busy")
	require.NoError(t, err)
	defer unlock()

	_, err = km.Lock(context.Background(), "busy")
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsRetryable(err))

	other, err := km.Lock(context.Background(), "free")
	require.NoError(t, err)
	other()
}

type memIdem struct {
	recs map[string]IdempotencyRecord
}

func (m *memIdem) FindIdempotencyKey(_ context.Context, companyID uuid.UUID, scope, key string) (IdempotencyRecord, error) {
	rec, ok := m.recs[companyID.String()+scope+key]
	if !ok {
		return IdempotencyRecord{}, ErrIdempotencyKeyNotFound
	}
	return rec, nil
}

func (m *memIdem) SaveIdempotencyKey(_ context.Context, rec IdempotencyRecord) error {
	m.recs[rec.CompanyID.String()+rec.Scope+rec.Key] = rec
	return nil
}

func TestReplayCheck(t *testing.T) {
	ctx := context.Background()
	company := uuid.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &memIdem{recs: map[string]IdempotencyRecord{}}
	result := uuid.New()
	require.NoError(t, store.SaveIdempotencyKey(ctx, IdempotencyRecord{
		CompanyID: company, Scope: "ledger.post", Key: "k1", RequestHash: "h1", ResultID: result, CreatedAt: now.Add(-time.Hour),
	}))

	id, hit, err := ReplayCheck(ctx, store, company, "ledger.post", "k1", "h1", now, DefaultIdempotencyRetention)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, result, id)

	_, _, err = ReplayCheck(ctx, store, company, "ledger.post", "k1", "other", now, DefaultIdempotencyRetention)
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	_, hit, err = ReplayCheck(ctx, store, company, "ledger.post", "k1", "h1", now.Add(100*time.Hour), DefaultIdempotencyRetention)
	require.NoError(t, err)
	assert.False(t, hit)

	_, hit, err = ReplayCheck(ctx, store, uuid.New(), "ledger.post", "k1", "h1", now, DefaultIdempotencyRetention)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestPaginate(t *testing.T) {
	rows := []int{1, 2, 3, 4, 5}

	p := NewPagination(2, 2)
	assert.Equal(t, 5, p.Fetch())
	assert.Equal(t, []int{3, 4}, Paginate(&p, rows))
	assert.True(t, p.HasMore)

	p = NewPagination(3, 2)
	assert.Equal(t, []int{5}, Paginate(&p, rows))
	assert.False(t, p.HasMore)

	p = NewPagination(9, 2)
	assert.Empty(t, Paginate(&p, rows))

	p = NewPagination(0, 1000)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, MaxPerPage, p.PerPage)
}
