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

// SubscriptionRepository owns the canonical subscription row per business.
// Only the reconciler writes through it; everything else reads.
type SubscriptionRepository interface {
	// GetSubscription returns the business's subscription regardless of
	// status, or nil when the business has never subscribed.
	GetSubscription(ctx context.Context, businessID string) (*model.Subscription, error)
	// Upsert creates or overwrites the canonical row in place.
	Upsert(ctx context.Context, sub *model.Subscription) error
	// Cancel marks the subscription cancelled without touching the plan.
	Cancel(ctx context.Context, businessID string, eventAt time.Time) error
	// StagePlanChange stages a plan id and moves the subscription to pending.
	StagePlanChange(ctx context.Context, businessID, planID string, eventAt time.Time) error
	// ForcePlan applies a plan immediately: plan becomes current, the staged
	// plan is cleared, status returns to active.
	ForcePlan(ctx context.Context, businessID, planID string, eventAt time.Time) error
}

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepo creates a new SubscriptionRepository.
func NewSubscriptionRepo(pool *pgxpool.Pool) SubscriptionRepository {
	return &subscriptionRepo{pool: pool}
}

// execWithRetry runs a write with the same retry policy as the counter store:
// up to storeMaxAttempts attempts with doubling backoff, then ErrStoreUnavailable.
func (r *subscriptionRepo) execWithRetry(ctx context.Context, q string, args ...interface{}) error {
	var lastErr error
	backoff := storeInitialBackoff
	for attempt := 1; attempt <= storeMaxAttempts; attempt++ {
		if _, lastErr = r.pool.Exec(ctx, q, args...); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("%v: %w", lastErr, ErrStoreUnavailable)
}

func (r *subscriptionRepo) GetSubscription(ctx context.Context, businessID string) (*model.Subscription, error) {
	const q = `
        SELECT business_id, plan_id, status, provider, provider_subscription_id,
               pending_plan_id, starts_at, ends_at, last_event_at, created_at, updated_at
        FROM subscriptions
        WHERE business_id = $1
    `
	var s model.Subscription
	err := r.pool.QueryRow(ctx, q, businessID).Scan(
		&s.BusinessID,
		&s.PlanID,
		&s.Status,
		&s.Provider,
		&s.ProviderSubscriptionID,
		&s.PendingPlanID,
		&s.StartsAt,
		&s.EndsAt,
		&s.LastEventAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch subscription for business %s: %v: %w", businessID, err, ErrStoreUnavailable)
	}
	return &s, nil
}

// Upsert writes the canonical row. An update arriving before its create is
// handled here: the insert path covers it.
func (r *subscriptionRepo) Upsert(ctx context.Context, sub *model.Subscription) error {
	const q = `
        INSERT INTO subscriptions (
            business_id, plan_id, status, provider, provider_subscription_id,
            pending_plan_id, starts_at, ends_at, last_event_at, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
        ON CONFLICT (business_id)
        DO UPDATE SET
            plan_id = EXCLUDED.plan_id,
            status = EXCLUDED.status,
            provider = EXCLUDED.provider,
            provider_subscription_id = EXCLUDED.provider_subscription_id,
            pending_plan_id = EXCLUDED.pending_plan_id,
            starts_at = EXCLUDED.starts_at,
            ends_at = EXCLUDED.ends_at,
            last_event_at = EXCLUDED.last_event_at,
            updated_at = NOW()
    `
	err := r.execWithRetry(ctx, q,
		sub.BusinessID,
		sub.PlanID,
		sub.Status,
		sub.Provider,
		sub.ProviderSubscriptionID,
		sub.PendingPlanID,
		sub.StartsAt,
		sub.EndsAt,
		sub.LastEventAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription for business %s: %w", sub.BusinessID, err)
	}
	return nil
}

func (r *subscriptionRepo) Cancel(ctx context.Context, businessID string, eventAt time.Time) error {
	const q = `
        UPDATE subscriptions
        SET status = 'cancelled',
            last_event_at = $2,
            updated_at = NOW()
        WHERE business_id = $1
    `
	if err := r.execWithRetry(ctx, q, businessID, eventAt); err != nil {
		return fmt.Errorf("cancel subscription for business %s: %w", businessID, err)
	}
	return nil
}

func (r *subscriptionRepo) StagePlanChange(ctx context.Context, businessID, planID string, eventAt time.Time) error {
	const q = `
        UPDATE subscriptions
        SET pending_plan_id = $2,
            status = 'pending',
            last_event_at = $3,
            updated_at = NOW()
        WHERE business_id = $1
    `
	if err := r.execWithRetry(ctx, q, businessID, planID, eventAt); err != nil {
		return fmt.Errorf("stage plan change to %s for business %s: %w", planID, businessID, err)
	}
	return nil
}

func (r *subscriptionRepo) ForcePlan(ctx context.Context, businessID, planID string, eventAt time.Time) error {
	const q = `
        UPDATE subscriptions
        SET plan_id = $2,
            pending_plan_id = NULL,
            status = 'active',
            last_event_at = $3,
            updated_at = NOW()
        WHERE business_id = $1
    `
	if err := r.execWithRetry(ctx, q, businessID, planID, eventAt); err != nil {
		return fmt.Errorf("force plan %s for business %s: %w", planID, businessID, err)
	}
	return nil
}
