package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"app/internal/model"
	"app/internal/plan"
	"app/internal/pubsub"
	"app/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// ErrInvalidEvent is returned for malformed lifecycle events (missing
// business ID, provider or type). The event is dropped with no state change.
var ErrInvalidEvent = errors.New("invalid_event")

// ReconcilerService applies subscription lifecycle events from any billing
// provider onto the single canonical subscription record per business.
//
// Events for one business are serialized on a per-business mutex so state
// machine transitions stay well-ordered; different businesses apply in
// parallel. Duplicate events (same fingerprint) are dropped, and conflicting
// orderings resolve by last-writer-wins on the event timestamp.
type ReconcilerService interface {
	ApplyEvent(ctx context.Context, event model.BillingEvent) error
	// RequestPlanChange stages a plan change (no payment yet).
	RequestPlanChange(ctx context.Context, businessID, planID string) error
	// ForcePlanChange applies a plan immediately. planID may be empty, in
	// which case the previously staged plan is applied.
	ForcePlanChange(ctx context.Context, businessID, planID string) error
}

type reconcilerService struct {
	subRepo    repository.SubscriptionRepository
	eventRepo  repository.BillingEventRepository
	catalog    *plan.Catalog
	publisher  pubsub.Publisher
	auditTopic string
	validate   *validator.Validate
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconcilerService creates a new ReconcilerService with a scoped logger.
// publisher may be nil; audit fanout is then skipped.
func NewReconcilerService(subRepo repository.SubscriptionRepository, eventRepo repository.BillingEventRepository, catalog *plan.Catalog, publisher pubsub.Publisher, auditTopic string, validate *validator.Validate, logger zerolog.Logger) ReconcilerService {
	return &reconcilerService{
		subRepo:    subRepo,
		eventRepo:  eventRepo,
		catalog:    catalog,
		publisher:  publisher,
		auditTopic: auditTopic,
		validate:   validate,
		logger:     logger.With().Str("service", "ReconcilerService").Logger(),
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// businessLock returns the mutex serializing event application for one business.
func (s *reconcilerService) businessLock(businessID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[businessID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[businessID] = l
	}
	return l
}

func (s *reconcilerService) ApplyEvent(ctx context.Context, event model.BillingEvent) error {
	if err := s.validate.Struct(&event); err != nil {
		s.logger.Error().Err(err).
			Str("provider", event.Provider).
			Str("event_type", event.EventType).
			Msg("Rejected malformed billing event")
		return fmt.Errorf("%v: %w", err, ErrInvalidEvent)
	}

	lock := s.businessLock(event.BusinessID)
	lock.Lock()
	defer lock.Unlock()

	seen, err := s.eventRepo.Seen(ctx, event.Fingerprint())
	if err != nil {
		return err
	}
	if seen {
		s.logger.Info().
			Str("business_id", event.BusinessID).
			Str("event_type", event.EventType).
			Str("provider", event.Provider).
			Msg("Duplicate billing event ignored")
		return nil
	}

	current, err := s.subRepo.GetSubscription(ctx, event.BusinessID)
	if err != nil {
		return err
	}

	// Last-writer-wins: a timestamped event older than the stored state is
	// audit-logged but must not move the state machine backwards.
	if current != nil && !event.OccurredAt.IsZero() && event.OccurredAt.Before(current.LastEventAt) {
		s.logger.Warn().
			Str("business_id", event.BusinessID).
			Str("event_type", event.EventType).
			Time("occurred_at", event.OccurredAt).
			Time("last_event_at", current.LastEventAt).
			Msg("Reconciliation conflict: stale event dropped (last-writer-wins)")
		if _, err := s.eventRepo.Append(ctx, &event); err != nil {
			return err
		}
		return nil
	}

	eventAt := event.OccurredAt
	if eventAt.IsZero() {
		eventAt = s.now()
	}

	switch event.EventType {
	case model.EventSubscriptionCreated, model.EventSubscriptionUpdated:
		err = s.applyUpsert(ctx, current, &event, eventAt)
	case model.EventSubscriptionCancelled, model.EventSubscriptionPaused:
		if current == nil {
			// Cancellation for a business we never saw: record it so a late
			// create cannot resurrect a subscription the provider killed.
			err = s.subRepo.Upsert(ctx, &model.Subscription{
				BusinessID:             event.BusinessID,
				PlanID:                 s.catalog.DefaultPlanID(),
				Status:                 model.StatusCancelled,
				Provider:               event.Provider,
				ProviderSubscriptionID: event.SubscriptionID,
				LastEventAt:            eventAt,
			})
		} else {
			err = s.subRepo.Cancel(ctx, event.BusinessID, eventAt)
		}
	case model.EventPlanChangeRequested:
		if current == nil {
			return fmt.Errorf("plan change requested for business %s with no subscription: %w", event.BusinessID, ErrInvalidEvent)
		}
		err = s.subRepo.StagePlanChange(ctx, event.BusinessID, event.PlanID, eventAt)
	case model.EventPlanChangeForced:
		err = s.applyForce(ctx, current, &event, eventAt)
	default:
		return fmt.Errorf("unknown event type %q: %w", event.EventType, ErrInvalidEvent)
	}
	if err != nil {
		return err
	}

	// The fingerprint is recorded only after the state write succeeds. A
	// redelivery after a transient store failure therefore re-applies the
	// event instead of being dropped as a duplicate.
	if _, err := s.eventRepo.Append(ctx, &event); err != nil {
		s.logger.Warn().Err(err).
			Str("business_id", event.BusinessID).
			Str("event_type", event.EventType).
			Msg("Billing event applied but audit append failed; a redelivery re-applies it")
	}

	s.publishAudit(ctx, &event)
	s.logger.Info().
		Str("business_id", event.BusinessID).
		Str("event_type", event.EventType).
		Str("provider", event.Provider).
		Msg("Billing event applied")
	return nil
}

// applyUpsert handles created/updated events, including an update arriving
// before its create (upsert, never require prior existence).
func (s *reconcilerService) applyUpsert(ctx context.Context, current *model.Subscription, event *model.BillingEvent, eventAt time.Time) error {
	planID := s.resolvePlanID(current, event)

	status := model.StatusActive
	switch event.Status {
	case "cancelled", "canceled", "paused":
		status = model.StatusCancelled
	}

	sub := &model.Subscription{
		BusinessID:             event.BusinessID,
		PlanID:                 planID,
		Status:                 status,
		Provider:               event.Provider,
		ProviderSubscriptionID: event.SubscriptionID,
		StartsAt:               event.PeriodStart,
		EndsAt:                 event.PeriodEnd,
		LastEventAt:            eventAt,
	}
	if current != nil {
		if event.PeriodStart.IsZero() {
			sub.StartsAt = current.StartsAt
			sub.EndsAt = current.EndsAt
		}
		// A lifecycle event from the provider supersedes any staged change.
		sub.PendingPlanID = nil
	}
	return s.subRepo.Upsert(ctx, sub)
}

func (s *reconcilerService) applyForce(ctx context.Context, current *model.Subscription, event *model.BillingEvent, eventAt time.Time) error {
	planID := event.PlanID
	if planID == "" && current != nil && current.PendingPlanID != nil {
		planID = *current.PendingPlanID
	}
	if planID == "" {
		return fmt.Errorf("force plan change for business %s without a plan: %w", event.BusinessID, ErrInvalidEvent)
	}
	if current == nil {
		// Direct none -> active assignment; a force with no prior request
		// still succeeds.
		return s.subRepo.Upsert(ctx, &model.Subscription{
			BusinessID:  event.BusinessID,
			PlanID:      planID,
			Status:      model.StatusActive,
			Provider:    model.ProviderInternal,
			LastEventAt: eventAt,
		})
	}
	return s.subRepo.ForcePlan(ctx, event.BusinessID, planID, eventAt)
}

// resolvePlanID prefers the event's plan id, then the provider plan code via
// the catalog, then the current plan, then the default plan.
func (s *reconcilerService) resolvePlanID(current *model.Subscription, event *model.BillingEvent) string {
	if event.PlanID != "" && s.catalog.Get(event.PlanID) != nil {
		return event.PlanID
	}
	if event.PlanCode != "" {
		if id, ok := s.catalog.ResolveProviderCode(event.Provider, event.PlanCode); ok {
			return id
		}
		s.logger.Warn().
			Str("business_id", event.BusinessID).
			Str("provider", event.Provider).
			Str("plan_code", event.PlanCode).
			Msg("Unknown provider plan code")
	}
	if current != nil && current.PlanID != "" {
		return current.PlanID
	}
	return s.catalog.DefaultPlanID()
}

func (s *reconcilerService) publishAudit(ctx context.Context, event *model.BillingEvent) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.auditTopic, payload); err != nil {
		s.logger.Warn().Err(err).Str("business_id", event.BusinessID).Msg("Failed to publish billing audit event")
	}
}

func (s *reconcilerService) RequestPlanChange(ctx context.Context, businessID, planID string) error {
	if s.catalog.Get(planID) == nil {
		return fmt.Errorf("unknown plan %q: %w", planID, ErrInvalidEvent)
	}
	return s.ApplyEvent(ctx, model.BillingEvent{
		Provider:   model.ProviderInternal,
		EventType:  model.EventPlanChangeRequested,
		BusinessID: businessID,
		PlanID:     planID,
		OccurredAt: s.now(),
	})
}

func (s *reconcilerService) ForcePlanChange(ctx context.Context, businessID, planID string) error {
	if planID != "" && s.catalog.Get(planID) == nil {
		return fmt.Errorf("unknown plan %q: %w", planID, ErrInvalidEvent)
	}
	return s.ApplyEvent(ctx, model.BillingEvent{
		Provider:   model.ProviderInternal,
		EventType:  model.EventPlanChangeForced,
		BusinessID: businessID,
		PlanID:     planID,
		OccurredAt: s.now(),
	})
}
