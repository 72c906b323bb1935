package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"app/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BillingEventRepository is the append-only audit log for subscription
// lifecycle events. The unique fingerprint index doubles as the idempotency
// barrier: inserting a duplicate is a no-op and reports it.
type BillingEventRepository interface {
	// Append records the event. Returns false when an event with the same
	// fingerprint was already recorded.
	Append(ctx context.Context, event *model.BillingEvent) (bool, error)
	// Seen reports whether an event with this fingerprint was already recorded.
	Seen(ctx context.Context, fingerprint string) (bool, error)
}

type billingEventRepo struct {
	pool *pgxpool.Pool
}

// NewBillingEventRepo creates a new BillingEventRepository.
func NewBillingEventRepo(pool *pgxpool.Pool) BillingEventRepository {
	return &billingEventRepo{pool: pool}
}

func (r *billingEventRepo) Append(ctx context.Context, event *model.BillingEvent) (bool, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("marshal billing event: %w", err)
	}
	var occurredAt interface{}
	if !event.OccurredAt.IsZero() {
		occurredAt = event.OccurredAt
	}
	const q = `
        INSERT INTO billing_events (fingerprint, provider, event_type, business_id, payload, occurred_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (fingerprint) DO NOTHING
    `
	tag, err := r.pool.Exec(ctx, q,
		event.Fingerprint(),
		event.Provider,
		event.EventType,
		event.BusinessID,
		payload,
		occurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("append billing event for business %s: %v: %w", event.BusinessID, err, ErrStoreUnavailable)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *billingEventRepo) Seen(ctx context.Context, fingerprint string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM billing_events WHERE fingerprint = $1)`
	var seen bool
	if err := r.pool.QueryRow(ctx, q, fingerprint).Scan(&seen); err != nil {
		return false, fmt.Errorf("check billing event fingerprint: %v: %w", err, ErrStoreUnavailable)
	}
	return seen, nil
}
