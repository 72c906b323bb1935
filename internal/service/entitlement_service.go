package service

import (
	"context"
	"time"

	"app/internal/model"
	"app/internal/plan"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// EntitlementService resolves what a business is allowed to do: its active
// plan and the per-feature limits derived from it.
//
// Reads go straight to the subscription repository on every call. There is
// deliberately no cache here: a subscription write by the reconciler must be
// visible to the very next admission check.
type EntitlementService interface {
	// GetLimit returns the business's limit for a feature. An unentitled
	// business (no subscription, non-active status, unknown plan, or feature
	// absent from the plan) resolves to the zero limit, not an error.
	GetLimit(ctx context.Context, businessID, featureCode string) (model.Limit, error)
	// CurrentPeriod returns the usage window for the business at now.
	CurrentPeriod(ctx context.Context, businessID string, now time.Time) (model.Period, error)
	// BillingState summarizes the subscription for status endpoints.
	BillingState(ctx context.Context, businessID string) (*model.BillingState, error)
}

type entitlementService struct {
	subRepo repository.SubscriptionRepository
	catalog *plan.Catalog
	logger  zerolog.Logger
}

// NewEntitlementService creates a new EntitlementService with a scoped logger.
func NewEntitlementService(subRepo repository.SubscriptionRepository, catalog *plan.Catalog, logger zerolog.Logger) EntitlementService {
	return &entitlementService{
		subRepo: subRepo,
		catalog: catalog,
		logger:  logger.With().Str("service", "EntitlementService").Logger(),
	}
}

func (s *entitlementService) GetLimit(ctx context.Context, businessID, featureCode string) (model.Limit, error) {
	sub, err := s.subRepo.GetSubscription(ctx, businessID)
	if err != nil {
		s.logger.Error().Err(err).Str("business_id", businessID).Msg("Failed to fetch subscription for limit resolution")
		return model.ZeroLimit, err
	}
	if sub == nil || sub.Status != model.StatusActive {
		return model.ZeroLimit, nil
	}
	p := s.catalog.Get(sub.PlanID)
	if p == nil {
		s.logger.Warn().Str("business_id", businessID).Str("plan_id", sub.PlanID).Msg("Subscription references unknown plan; treating as unentitled")
		return model.ZeroLimit, nil
	}
	return p.LimitFor(featureCode), nil
}

func (s *entitlementService) CurrentPeriod(ctx context.Context, businessID string, now time.Time) (model.Period, error) {
	sub, err := s.subRepo.GetSubscription(ctx, businessID)
	if err != nil {
		s.logger.Error().Err(err).Str("business_id", businessID).Msg("Failed to fetch subscription for period resolution")
		return model.Period{}, err
	}
	return sub.CurrentPeriod(now), nil
}

func (s *entitlementService) BillingState(ctx context.Context, businessID string) (*model.BillingState, error) {
	sub, err := s.subRepo.GetSubscription(ctx, businessID)
	if err != nil {
		s.logger.Error().Err(err).Str("business_id", businessID).Msg("Failed to fetch subscription for billing state")
		return nil, err
	}
	if sub == nil {
		return &model.BillingState{HasSubscription: false, Status: "none"}, nil
	}
	startedAt := sub.StartsAt
	return &model.BillingState{
		HasSubscription: true,
		Status:          sub.Status,
		Plan:            s.catalog.Get(sub.PlanID),
		PendingPlanID:   sub.PendingPlanID,
		StartedAt:       &startedAt,
	}, nil
}
