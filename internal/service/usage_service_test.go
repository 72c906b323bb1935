package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"app/internal/model"

	"github.com/rs/zerolog"
)

func newUsageFixture(t *testing.T) (UsageService, *fakeSubRepo, *fakeUsageRepo) {
	t.Helper()
	subRepo := newFakeSubRepo()
	usageRepo := newFakeUsageRepo()
	entitlements := NewEntitlementService(subRepo, newTestCatalog(t), zerolog.Nop())
	usage := NewUsageService(usageRepo, entitlements, nil, "", nil, "", zerolog.Nop())
	return usage, subRepo, usageRepo
}

func TestCommitIncrementsCounter(t *testing.T) {
	usage, subRepo, _ := newUsageFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	count, err := usage.Commit(context.Background(), "biz-1", "api_calls", 3)
	if err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}

	count, err = usage.Commit(context.Background(), "biz-1", "api_calls", 2)
	if err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected count 5, got %d", count)
	}
}

func TestCommitConcurrentIncrementsLoseNothing(t *testing.T) {
	usage, subRepo, _ := newUsageFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := usage.Commit(context.Background(), "biz-1", "api_calls", 1); err != nil {
				t.Errorf("Commit returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	count, err := usage.Usage(context.Background(), "biz-1", "api_calls")
	if err != nil {
		t.Fatalf("Usage returned error: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d committed units, got %d", n, count)
	}
}

func TestCommitFailureSurfacesError(t *testing.T) {
	usage, subRepo, usageRepo := newUsageFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))
	usageRepo.failNext = errors.New("connection refused")

	if _, err := usage.Commit(context.Background(), "biz-1", "api_calls", 1); err == nil {
		t.Fatal("expected error when counter store rejects the commit")
	}
}

func TestCommitFailureEnqueuesRetryJob(t *testing.T) {
	subRepo := newFakeSubRepo()
	usageRepo := newFakeUsageRepo()
	queue := newFakeQueue()
	entitlements := NewEntitlementService(subRepo, newTestCatalog(t), zerolog.Nop())
	usage := NewUsageService(usageRepo, entitlements, queue, "usage_commit_retry", nil, "", zerolog.Nop())

	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))
	usageRepo.failNext = errors.New("connection refused")

	if _, err := usage.Commit(context.Background(), "biz-1", "api_calls", 3); err == nil {
		t.Fatal("expected error when counter store rejects the commit")
	}

	jobs := queue.sends["usage_commit_retry"]
	if len(jobs) != 1 {
		t.Fatalf("expected 1 queued retry job, got %d", len(jobs))
	}
	var job CommitJob
	if err := json.Unmarshal(jobs[0], &job); err != nil {
		t.Fatalf("failed to unmarshal queued job: %v", err)
	}
	if job.BusinessID != "biz-1" || job.FeatureCode != "api_calls" || job.Amount != 3 {
		t.Fatalf("unexpected job payload: %+v", job)
	}
	if job.PeriodStart.IsZero() || job.PeriodEnd.IsZero() {
		t.Fatal("queued job must carry the resolved period")
	}
}

func TestUsageReportListsCurrentPeriodCounters(t *testing.T) {
	usage, subRepo, _ := newUsageFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	usage.Commit(context.Background(), "biz-1", "api_calls", 7)
	usage.Commit(context.Background(), "biz-1", "members", 2)

	counters, err := usage.UsageReport(context.Background(), "biz-1")
	if err != nil {
		t.Fatalf("UsageReport returned error: %v", err)
	}
	if len(counters) != 2 {
		t.Fatalf("expected 2 counters, got %d", len(counters))
	}
	byFeature := make(map[string]int64)
	for _, c := range counters {
		byFeature[c.FeatureCode] = c.UsedCount
	}
	if byFeature["api_calls"] != 7 || byFeature["members"] != 2 {
		t.Fatalf("unexpected counters: %+v", byFeature)
	}
}

func TestResetZeroesCounter(t *testing.T) {
	usage, subRepo, _ := newUsageFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	usage.Commit(context.Background(), "biz-1", "api_calls", 42)
	if err := usage.Reset(context.Background(), "biz-1", "api_calls"); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}

	count, err := usage.Usage(context.Background(), "biz-1", "api_calls")
	if err != nil {
		t.Fatalf("Usage returned error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 after reset, got %d", count)
	}
}

func TestRecomputeRestoresCounterFromEvents(t *testing.T) {
	usage, subRepo, usageRepo := newUsageFixture(t)
	subRepo.Upsert(context.Background(), activeSub("biz-1", "pro"))

	ctx := context.Background()
	usage.Commit(ctx, "biz-1", "api_calls", 10)

	period := model.MonthlyPeriod(time.Now())
	// Simulate counter drift: the event log has 10 but the counter lost it.
	usageRepo.mu.Lock()
	usageRepo.counts[usageRepo.key("biz-1", "api_calls", period)] = 4
	usageRepo.mu.Unlock()

	count, err := usage.Recompute(ctx, "biz-1", "api_calls", period)
	if err != nil {
		t.Fatalf("Recompute returned error: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected recomputed count 10, got %d", count)
	}
}

func TestCurrentPeriodFallsBackToCalendarMonth(t *testing.T) {
	subRepo := newFakeSubRepo()
	entitlements := NewEntitlementService(subRepo, newTestCatalog(t), zerolog.Nop())

	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	period, err := entitlements.CurrentPeriod(context.Background(), "biz-none", now)
	if err != nil {
		t.Fatalf("CurrentPeriod returned error: %v", err)
	}
	wantStart := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	if !period.Start.Equal(wantStart) || !period.End.Equal(wantEnd) {
		t.Fatalf("expected calendar month %v..%v, got %v..%v", wantStart, wantEnd, period.Start, period.End)
	}
}

func TestCurrentPeriodUsesSubscriptionWindow(t *testing.T) {
	subRepo := newFakeSubRepo()
	entitlements := NewEntitlementService(subRepo, newTestCatalog(t), zerolog.Nop())

	sub := activeSub("biz-1", "pro")
	sub.StartsAt = time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC)
	sub.EndsAt = time.Date(2026, time.March, 20, 0, 0, 0, 0, time.UTC)
	subRepo.Upsert(context.Background(), sub)

	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	period, err := entitlements.CurrentPeriod(context.Background(), "biz-1", now)
	if err != nil {
		t.Fatalf("CurrentPeriod returned error: %v", err)
	}
	if !period.Start.Equal(sub.StartsAt) || !period.End.Equal(sub.EndsAt) {
		t.Fatalf("expected subscription window, got %v..%v", period.Start, period.End)
	}
}
