package repository

import (
	"context"
	"fmt"
	"time"

	"app/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CounterSweepRepository enumerates counters for the recompute sweep.
type CounterSweepRepository interface {
	// ListCurrentCounters returns every counter whose period contains now.
	ListCurrentCounters(ctx context.Context, now time.Time) ([]model.UsageCounter, error)
}

type counterSweepRepo struct {
	pool *pgxpool.Pool
}

// NewCounterSweepRepo creates a new CounterSweepRepository.
func NewCounterSweepRepo(pool *pgxpool.Pool) CounterSweepRepository {
	return &counterSweepRepo{pool: pool}
}

func (r *counterSweepRepo) ListCurrentCounters(ctx context.Context, now time.Time) ([]model.UsageCounter, error) {
	const q = `
        SELECT business_id, feature_code, period_start, period_end, used_count, updated_at
        FROM usage_counters
        WHERE period_start <= $1
          AND period_end > $1
        ORDER BY business_id, feature_code
    `
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("list current counters: %w", err)
	}
	defer rows.Close()

	var counters []model.UsageCounter
	for rows.Next() {
		var c model.UsageCounter
		if err := rows.Scan(&c.BusinessID, &c.FeatureCode, &c.PeriodStart, &c.PeriodEnd, &c.UsedCount, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan counter for sweep: %w", err)
		}
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list current counters rows: %w", err)
	}
	return counters, nil
}
