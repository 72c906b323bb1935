package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"app/internal/model"
	"app/internal/plan"

	"github.com/rs/zerolog"
)

func newTestCatalog(t *testing.T) *plan.Catalog {
	t.Helper()
	catalog, err := plan.New([]*model.Plan{
		{
			ID:   "free",
			Name: "Free Plan",
			Limits: map[string]int64{
				"api_calls": 100,
			},
		},
		{
			ID:         "pro",
			Name:       "Pro Plan",
			PriceCents: 2900,
			ProviderCodes: map[string]string{
				"paddle": "pri_pro",
				"stripe": "price_pro",
			},
			Limits: map[string]int64{
				"api_calls": 10000,
				"members":   10,
			},
			Features: []string{"analytics"},
		},
	}, "free")
	if err != nil {
		t.Fatalf("failed to build test catalog: %v", err)
	}
	return catalog
}

func activeSub(businessID, planID string) *model.Subscription {
	return &model.Subscription{
		BusinessID:  businessID,
		PlanID:      planID,
		Status:      model.StatusActive,
		Provider:    "paddle",
		LastEventAt: time.Now().Add(-time.Hour),
	}
}

func newAdmissionFixture(t *testing.T) (AdmissionService, *fakeSubRepo, *fakeUsageRepo, EntitlementService) {
	t.Helper()
	subRepo := newFakeSubRepo()
	usageRepo := newFakeUsageRepo()
	entitlements := NewEntitlementService(subRepo, newTestCatalog(t), zerolog.Nop())
	admission := NewAdmissionService(entitlements, usageRepo, zerolog.Nop())
	return admission, subRepo, usageRepo, entitlements
}

func TestAdmitDeniesWithoutSubscription(t *testing.T) {
	admission, _, _, _ := newAdmissionFixture(t)

	d, err := admission.Admit(context.Background(), "biz-1", "api_calls", 1)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected deny for business with no subscription")
	}
	if d.Reason != model.ReasonNotEntitled {
		t.Fatalf("expected reason %q, got %q", model.ReasonNotEntitled, d.Reason)
	}
}

func TestAdmitDeniesCancelledSubscription(t *testing.T) {
	admission, subRepo, _, _ := newAdmissionFixture(t)
	sub := activeSub("biz-1", "pro")
	sub.Status = model.StatusCancelled
	subRepo.Upsert(context.Background(), sub)

	d, err := admission.Admit(context.Background(), "biz-1", "api_calls", 1)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if d.Allowed || d.Reason != model.ReasonNotEntitled {
		t.Fatalf("expected not_entitled deny, got %+v", d)
	}
}

func TestAdmitRejectsNegativeAmount(t *testing.T) {
	admission, subRepo, _, _ := newAdmissionFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	d, err := admission.Admit(context.Background(), "biz-1", "api_calls", -5)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if d.Allowed || d.Reason != model.ReasonInvalidAmount {
		t.Fatalf("expected invalid_amount deny, got %+v", d)
	}
}

func TestAdmitAllowsZeroAmountProbe(t *testing.T) {
	admission, _, _, _ := newAdmissionFixture(t)

	// Zero-amount probes are allowed even without entitlement lookups.
	d, err := admission.Admit(context.Background(), "biz-1", "api_calls", 0)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected zero-amount probe to be allowed")
	}
}

func TestAdmitBoundaryAtLimit(t *testing.T) {
	admission, subRepo, usageRepo, entitlements := newAdmissionFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	ctx := context.Background()
	period, err := entitlements.CurrentPeriod(ctx, "biz-1", time.Now())
	if err != nil {
		t.Fatalf("CurrentPeriod returned error: %v", err)
	}
	if _, err := usageRepo.ReserveOrIncrement(ctx, "biz-1", "api_calls", period, 9999); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	// 9999 used of 10000: one more unit still fits.
	d, err := admission.Admit(ctx, "biz-1", "api_calls", 1)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow at usage 9999/10000, got %+v", d)
	}

	if _, err := usageRepo.ReserveOrIncrement(ctx, "biz-1", "api_calls", period, 1); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	// 10000 used of 10000: the next unit must be denied.
	d, err = admission.Admit(ctx, "biz-1", "api_calls", 1)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if d.Allowed || d.Reason != model.ReasonLimitExceeded {
		t.Fatalf("expected limit_exceeded deny at usage 10000/10000, got %+v", d)
	}
	if d.CurrentUsage != 10000 || d.Limit != 10000 {
		t.Fatalf("expected usage/limit 10000/10000 on denial, got %d/%d", d.CurrentUsage, d.Limit)
	}
}

func TestAdmitBatchLargerThanRemainder(t *testing.T) {
	admission, subRepo, usageRepo, entitlements := newAdmissionFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	ctx := context.Background()
	period, _ := entitlements.CurrentPeriod(ctx, "biz-1", time.Now())
	usageRepo.ReserveOrIncrement(ctx, "biz-1", "api_calls", period, 9995)

	d, err := admission.Admit(ctx, "biz-1", "api_calls", 10)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected batch of 10 with 5 remaining to be denied, got %+v", d)
	}
}

func TestAdmitUnlimitedFeature(t *testing.T) {
	admission, subRepo, _, _ := newAdmissionFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	d, err := admission.Admit(context.Background(), "biz-1", "analytics", 1)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if !d.Allowed || !d.Unlimited {
		t.Fatalf("expected unlimited allow for feature-listed capability, got %+v", d)
	}
}

func TestAdmitDeniesWhenStoreUnavailable(t *testing.T) {
	admission, subRepo, usageRepo, _ := newAdmissionFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))
	storeErr := errors.New("connection refused")
	usageRepo.failNext = storeErr

	d, err := admission.Admit(context.Background(), "biz-1", "api_calls", 1)
	if err == nil {
		t.Fatal("expected error when counter store is unavailable")
	}
	if d.Allowed {
		t.Fatal("store outage must fail closed, not open")
	}
	if d.Reason != model.ReasonServiceUnavailable {
		t.Fatalf("expected reason %q, got %q", model.ReasonServiceUnavailable, d.Reason)
	}
}

func TestAdmitConcurrentOvershootIsBounded(t *testing.T) {
	admission, subRepo, usageRepo, entitlements := newAdmissionFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	ctx := context.Background()
	period, _ := entitlements.CurrentPeriod(ctx, "biz-1", time.Now())
	// 9 of 10 member slots used; N goroutines race for the last one.
	usageRepo.ReserveOrIncrement(ctx, "biz-1", "members", period, 9)

	const n = 8
	var wg sync.WaitGroup
	allowed := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := admission.Admit(ctx, "biz-1", "members", 1)
			if err != nil {
				return
			}
			allowed[i] = d.Allowed
		}(i)
	}
	wg.Wait()

	// Admission reads without reserving, so every racer may be admitted, but
	// never more than the n in flight. The invariant is that a serial check
	// after recording denies.
	admittedCount := 0
	for _, ok := range allowed {
		if ok {
			admittedCount++
		}
	}
	if admittedCount == 0 {
		t.Fatal("expected at least one concurrent admission to succeed")
	}
	usageRepo.ReserveOrIncrement(ctx, "biz-1", "members", period, int64(admittedCount))

	d, err := admission.Admit(ctx, "biz-1", "members", 1)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected deny once concurrent admissions were recorded")
	}
}
