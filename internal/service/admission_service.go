package service

import (
	"context"
	"time"

	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// AdmissionService decides whether a unit of work may proceed before it
// consumes quota. It never increments the counter itself; admission and
// recording are split so that admitted work that later fails does not burn
// quota. The cost is a bounded race: N concurrent admitted-but-unrecorded
// requests for one (business, feature, period) tuple can overshoot the limit
// by at most N-1 before the next check sees the updated count.
type AdmissionService interface {
	Admit(ctx context.Context, businessID, featureCode string, amount int64) (model.Decision, error)
}

type admissionService struct {
	entitlements EntitlementService
	usageRepo    repository.UsageRepository
	logger       zerolog.Logger
	now          func() time.Time
}

// NewAdmissionService creates a new AdmissionService with a scoped logger.
func NewAdmissionService(entitlements EntitlementService, usageRepo repository.UsageRepository, logger zerolog.Logger) AdmissionService {
	return &admissionService{
		entitlements: entitlements,
		usageRepo:    usageRepo,
		logger:       logger.With().Str("service", "AdmissionService").Logger(),
		now:          time.Now,
	}
}

// Admit resolves the limit and current usage and decides allow/deny.
// Store failures deny with ErrStoreUnavailable attached; a deny on
// uncertainty is safer than a blind retry that might double-admit, so there
// is no retry at this layer.
func (s *admissionService) Admit(ctx context.Context, businessID, featureCode string, amount int64) (model.Decision, error) {
	if amount < 0 {
		return model.Decision{Reason: model.ReasonInvalidAmount}, nil
	}
	if amount == 0 {
		// Status probes are always admitted.
		return model.Decision{Allowed: true}, nil
	}

	limit, err := s.entitlements.GetLimit(ctx, businessID, featureCode)
	if err != nil {
		return model.Decision{Reason: model.ReasonServiceUnavailable}, err
	}
	if !limit.Unlimited && limit.Max == 0 {
		s.logger.Info().Str("business_id", businessID).Str("feature_code", featureCode).Msg("Admission denied: not entitled")
		return model.Decision{Reason: model.ReasonNotEntitled}, nil
	}
	if limit.Unlimited {
		return model.Decision{Allowed: true, Unlimited: true}, nil
	}

	period, err := s.entitlements.CurrentPeriod(ctx, businessID, s.now())
	if err != nil {
		return model.Decision{Reason: model.ReasonServiceUnavailable}, err
	}
	usage, err := s.usageRepo.GetUsage(ctx, businessID, featureCode, period)
	if err != nil {
		s.logger.Error().Err(err).Str("business_id", businessID).Str("feature_code", featureCode).Msg("Admission denied: counter store unavailable")
		return model.Decision{Reason: model.ReasonServiceUnavailable}, err
	}

	if usage+amount > limit.Max {
		s.logger.Info().
			Str("business_id", businessID).
			Str("feature_code", featureCode).
			Int64("current_usage", usage).
			Int64("limit", limit.Max).
			Msg("Admission denied: limit exceeded")
		return model.Decision{Reason: model.ReasonLimitExceeded, CurrentUsage: usage, Limit: limit.Max}, nil
	}
	return model.Decision{Allowed: true, CurrentUsage: usage, Limit: limit.Max}, nil
}
