package service

import (
	"context"
	"encoding/json"
	"time"

	"app/internal/model"
	"app/internal/pubsub"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// CommitQueue is the slice of the pgmq client the usage service needs to
// defer a failed commit.
type CommitQueue interface {
	Send(ctx context.Context, queue string, payload []byte) error
}

// CommitJob is the retry-queue payload for a usage commit that could not
// reach the counter store. The sweep worker replays it.
type CommitJob struct {
	BusinessID  string    `json:"business_id"`
	FeatureCode string    `json:"feature_code"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Amount      int64     `json:"amount"`
}

// UsageService records consumption after admitted work completes and serves
// usage reads. A failed commit is a soft failure: the work already happened,
// so the job is queued for the reconciliation sweep instead of being undone.
type UsageService interface {
	// Commit records amount units of completed work and returns the new count.
	Commit(ctx context.Context, businessID, featureCode string, amount int64) (int64, error)
	// Usage returns the committed count for the current period.
	Usage(ctx context.Context, businessID, featureCode string) (int64, error)
	// UsageReport lists all current-period counters for a business.
	UsageReport(ctx context.Context, businessID string) ([]model.UsageCounter, error)
	// Reset zeroes one counter. Billing-cycle rollover only.
	Reset(ctx context.Context, businessID, featureCode string) error
	// Recompute rebuilds one counter from the usage event log.
	Recompute(ctx context.Context, businessID, featureCode string, period model.Period) (int64, error)
}

type usageService struct {
	usageRepo    repository.UsageRepository
	entitlements EntitlementService
	queue        CommitQueue
	retryQueue   string
	publisher    pubsub.Publisher
	auditTopic   string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewUsageService creates a new UsageService with a scoped logger. queue and
// publisher may be nil; the retry enqueue and audit fanout are then skipped.
func NewUsageService(usageRepo repository.UsageRepository, entitlements EntitlementService, queue CommitQueue, retryQueue string, publisher pubsub.Publisher, auditTopic string, logger zerolog.Logger) UsageService {
	return &usageService{
		usageRepo:    usageRepo,
		entitlements: entitlements,
		queue:        queue,
		retryQueue:   retryQueue,
		publisher:    publisher,
		auditTopic:   auditTopic,
		logger:       logger.With().Str("service", "UsageService").Logger(),
		now:          time.Now,
	}
}

func (s *usageService) Commit(ctx context.Context, businessID, featureCode string, amount int64) (int64, error) {
	period, err := s.entitlements.CurrentPeriod(ctx, businessID, s.now())
	if err != nil {
		return 0, err
	}
	newCount, err := s.usageRepo.ReserveOrIncrement(ctx, businessID, featureCode, period, amount)
	if err != nil {
		s.logger.Error().Err(err).
			Str("business_id", businessID).
			Str("feature_code", featureCode).
			Int64("amount", amount).
			Msg("Failed to commit usage; queueing for reconciliation sweep")
		s.enqueueRetry(businessID, featureCode, period, amount)
		return 0, err
	}

	if s.publisher != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"type":         "usage.recorded",
			"business_id":  businessID,
			"feature_code": featureCode,
			"amount":       amount,
			"new_count":    newCount,
		})
		if _, err := s.publisher.Publish(ctx, s.auditTopic, payload); err != nil {
			s.logger.Warn().Err(err).Str("business_id", businessID).Msg("Failed to publish usage audit event")
		}
	}
	return newCount, nil
}

// enqueueRetry hands the commit to the sweep queue. Uses a detached context:
// the caller may already have timed out, and a timed-out recording must be
// retried rather than silently dropped.
func (s *usageService) enqueueRetry(businessID, featureCode string, period model.Period, amount int64) {
	if s.queue == nil {
		return
	}
	job := CommitJob{
		BusinessID:  businessID,
		FeatureCode: featureCode,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Amount:      amount,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal commit retry job")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.queue.Send(ctx, s.retryQueue, payload); err != nil {
		s.logger.Error().Err(err).
			Str("business_id", businessID).
			Str("feature_code", featureCode).
			Msg("Failed to enqueue commit retry job; sweep recompute will correct the counter")
	}
}

func (s *usageService) Usage(ctx context.Context, businessID, featureCode string) (int64, error) {
	period, err := s.entitlements.CurrentPeriod(ctx, businessID, s.now())
	if err != nil {
		return 0, err
	}
	return s.usageRepo.GetUsage(ctx, businessID, featureCode, period)
}

func (s *usageService) UsageReport(ctx context.Context, businessID string) ([]model.UsageCounter, error) {
	period, err := s.entitlements.CurrentPeriod(ctx, businessID, s.now())
	if err != nil {
		return nil, err
	}
	return s.usageRepo.ListUsage(ctx, businessID, period)
}

func (s *usageService) Reset(ctx context.Context, businessID, featureCode string) error {
	period, err := s.entitlements.CurrentPeriod(ctx, businessID, s.now())
	if err != nil {
		return err
	}
	if err := s.usageRepo.Reset(ctx, businessID, featureCode, period); err != nil {
		s.logger.Error().Err(err).Str("business_id", businessID).Str("feature_code", featureCode).Msg("Failed to reset usage counter")
		return err
	}
	s.logger.Info().Str("business_id", businessID).Str("feature_code", featureCode).Msg("Usage counter reset")
	return nil
}

func (s *usageService) Recompute(ctx context.Context, businessID, featureCode string, period model.Period) (int64, error) {
	count, err := s.usageRepo.RecomputeFromEvents(ctx, businessID, featureCode, period)
	if err != nil {
		s.logger.Error().Err(err).Str("business_id", businessID).Str("feature_code", featureCode).Msg("Failed to recompute usage counter")
		return 0, err
	}
	s.logger.Info().Str("business_id", businessID).Str("feature_code", featureCode).Int64("used_count", count).Msg("Usage counter recomputed from event log")
	return count, nil
}
