package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable is returned when the counter store cannot be reached
// after retries. Callers must treat it as retryable; admission treats it as
// a deny.
var ErrStoreUnavailable = errors.New("store_unavailable")

const (
	storeMaxAttempts    = 3
	storeInitialBackoff = 50 * time.Millisecond
)

// UsageRepository is the counter store: durable per-period usage counters
// keyed by (business, feature, period), mutated only through the atomic
// increment.
type UsageRepository interface {
	// ReserveOrIncrement atomically creates-or-increments the counter row for
	// the tuple and returns the new count. Concurrent callers for the same
	// tuple observe a linearized sequence of increments.
	ReserveOrIncrement(ctx context.Context, businessID, featureCode string, period model.Period, amount int64) (int64, error)
	// GetUsage returns the committed count for the tuple; a missing row reads as 0.
	GetUsage(ctx context.Context, businessID, featureCode string, period model.Period) (int64, error)
	// ListUsage returns all counters for a business in the given period.
	ListUsage(ctx context.Context, businessID string, period model.Period) ([]model.UsageCounter, error)
	// Reset sets the counter to 0. Billing-cycle rollover only, never request traffic.
	Reset(ctx context.Context, businessID, featureCode string, period model.Period) error
	// RecomputeFromEvents rebuilds the counter from the usage event log and
	// returns the recomputed count. Recovery path for lost commits.
	RecomputeFromEvents(ctx context.Context, businessID, featureCode string, period model.Period) (int64, error)
}

type usageRepo struct {
	pool *pgxpool.Pool
}

// NewUsageRepo creates a new UsageRepository.
func NewUsageRepo(pool *pgxpool.Pool) UsageRepository {
	return &usageRepo{pool: pool}
}

// ReserveOrIncrement upserts the counter row and appends to the usage event
// log in one transaction. The ON CONFLICT upsert takes the row lock, which is
// the per-tuple serialization point; different tuples never contend.
func (r *usageRepo) ReserveOrIncrement(ctx context.Context, businessID, featureCode string, period model.Period, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative increment %d for %s/%s", amount, businessID, featureCode)
	}

	var newCount int64
	var lastErr error
	backoff := storeInitialBackoff
	for attempt := 1; attempt <= storeMaxAttempts; attempt++ {
		newCount, lastErr = r.incrementOnce(ctx, businessID, featureCode, period, amount)
		if lastErr == nil {
			return newCount, nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return 0, fmt.Errorf("increment usage for %s/%s: %v: %w", businessID, featureCode, lastErr, ErrStoreUnavailable)
}

func (r *usageRepo) incrementOnce(ctx context.Context, businessID, featureCode string, period model.Period, amount int64) (int64, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin increment tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const upsertQ = `
        INSERT INTO usage_counters (business_id, feature_code, period_start, period_end, used_count, updated_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (business_id, feature_code, period_start, period_end)
        DO UPDATE SET used_count = usage_counters.used_count + EXCLUDED.used_count,
                      updated_at = NOW()
        RETURNING used_count
    `
	var newCount int64
	if err := tx.QueryRow(ctx, upsertQ, businessID, featureCode, period.Start, period.End, amount).Scan(&newCount); err != nil {
		return 0, fmt.Errorf("upsert counter: %w", err)
	}

	const eventQ = `
        INSERT INTO usage_events (business_id, feature_code, period_start, period_end, amount)
        VALUES ($1, $2, $3, $4, $5)
    `
	if _, err := tx.Exec(ctx, eventQ, businessID, featureCode, period.Start, period.End, amount); err != nil {
		return 0, fmt.Errorf("append usage event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit increment: %w", err)
	}
	return newCount, nil
}

// GetUsage reads the committed count for the tuple.
func (r *usageRepo) GetUsage(ctx context.Context, businessID, featureCode string, period model.Period) (int64, error) {
	const q = `
        SELECT used_count
        FROM usage_counters
        WHERE business_id = $1
          AND feature_code = $2
          AND period_start = $3
          AND period_end = $4
    `
	var count int64
	err := r.pool.QueryRow(ctx, q, businessID, featureCode, period.Start, period.End).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("fetch usage for %s/%s: %v: %w", businessID, featureCode, err, ErrStoreUnavailable)
	}
	return count, nil
}

// ListUsage returns all counters for a business within the period.
func (r *usageRepo) ListUsage(ctx context.Context, businessID string, period model.Period) ([]model.UsageCounter, error) {
	const q = `
        SELECT business_id, feature_code, period_start, period_end, used_count, updated_at
        FROM usage_counters
        WHERE business_id = $1
          AND period_start = $2
          AND period_end = $3
        ORDER BY feature_code
    `
	rows, err := r.pool.Query(ctx, q, businessID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("list usage for %s: %v: %w", businessID, err, ErrStoreUnavailable)
	}
	defer rows.Close()

	var counters []model.UsageCounter
	for rows.Next() {
		var c model.UsageCounter
		if err := rows.Scan(&c.BusinessID, &c.FeatureCode, &c.PeriodStart, &c.PeriodEnd, &c.UsedCount, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan usage counter: %w", err)
		}
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list usage rows: %w", err)
	}
	return counters, nil
}

// Reset zeroes a counter for administrative rollover.
func (r *usageRepo) Reset(ctx context.Context, businessID, featureCode string, period model.Period) error {
	const q = `
        UPDATE usage_counters
        SET used_count = 0,
            updated_at = NOW()
        WHERE business_id = $1
          AND feature_code = $2
          AND period_start = $3
          AND period_end = $4
    `
	if _, err := r.pool.Exec(ctx, q, businessID, featureCode, period.Start, period.End); err != nil {
		return fmt.Errorf("reset usage for %s/%s: %w", businessID, featureCode, err)
	}
	return nil
}

// RecomputeFromEvents rewrites the counter from the authoritative event log.
func (r *usageRepo) RecomputeFromEvents(ctx context.Context, businessID, featureCode string, period model.Period) (int64, error) {
	const q = `
        INSERT INTO usage_counters (business_id, feature_code, period_start, period_end, used_count, updated_at)
        SELECT $1, $2, $3, $4, COALESCE(SUM(amount), 0), NOW()
        FROM usage_events
        WHERE business_id = $1
          AND feature_code = $2
          AND period_start = $3
          AND period_end = $4
        ON CONFLICT (business_id, feature_code, period_start, period_end)
        DO UPDATE SET used_count = EXCLUDED.used_count,
                      updated_at = NOW()
        RETURNING used_count
    `
	var count int64
	if err := r.pool.QueryRow(ctx, q, businessID, featureCode, period.Start, period.End).Scan(&count); err != nil {
		return 0, fmt.Errorf("recompute usage for %s/%s: %w", businessID, featureCode, err)
	}
	return count, nil
}
