package service

import (
	"context"
	"sync"
	"time"

	"app/internal/model"
)

// In-memory doubles for the repository interfaces. The usage fake serializes
// increments with a mutex, matching the linearized behavior of the real
// counter upsert.

type counterKey struct {
	businessID  string
	featureCode string
	periodStart time.Time
}

type fakeUsageRepo struct {
	mu       sync.Mutex
	counts   map[counterKey]int64
	events   map[counterKey]int64
	failNext error
	calls    int
}

func newFakeUsageRepo() *fakeUsageRepo {
	return &fakeUsageRepo{
		counts: make(map[counterKey]int64),
		events: make(map[counterKey]int64),
	}
}

func (f *fakeUsageRepo) key(businessID, featureCode string, period model.Period) counterKey {
	return counterKey{businessID: businessID, featureCode: featureCode, periodStart: period.Start}
}

func (f *fakeUsageRepo) ReserveOrIncrement(ctx context.Context, businessID, featureCode string, period model.Period, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return 0, err
	}
	k := f.key(businessID, featureCode, period)
	f.counts[k] += amount
	f.events[k] += amount
	return f.counts[k], nil
}

func (f *fakeUsageRepo) GetUsage(ctx context.Context, businessID, featureCode string, period model.Period) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return 0, err
	}
	return f.counts[f.key(businessID, featureCode, period)], nil
}

func (f *fakeUsageRepo) ListUsage(ctx context.Context, businessID string, period model.Period) ([]model.UsageCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.UsageCounter
	for k, v := range f.counts {
		if k.businessID == businessID && k.periodStart.Equal(period.Start) {
			out = append(out, model.UsageCounter{
				BusinessID:  k.businessID,
				FeatureCode: k.featureCode,
				PeriodStart: period.Start,
				PeriodEnd:   period.End,
				UsedCount:   v,
			})
		}
	}
	return out, nil
}

func (f *fakeUsageRepo) Reset(ctx context.Context, businessID, featureCode string, period model.Period) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[f.key(businessID, featureCode, period)] = 0
	return nil
}

func (f *fakeUsageRepo) RecomputeFromEvents(ctx context.Context, businessID, featureCode string, period model.Period) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(businessID, featureCode, period)
	f.counts[k] = f.events[k]
	return f.counts[k], nil
}

type fakeSubRepo struct {
	mu             sync.Mutex
	subs           map[string]*model.Subscription
	err            error
	failNextUpsert error
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[string]*model.Subscription)}
}

func (f *fakeSubRepo) GetSubscription(ctx context.Context, businessID string) (*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[businessID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubRepo) Upsert(ctx context.Context, sub *model.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextUpsert != nil {
		err := f.failNextUpsert
		f.failNextUpsert = nil
		return err
	}
	cp := *sub
	f.subs[sub.BusinessID] = &cp
	return nil
}

func (f *fakeSubRepo) Cancel(ctx context.Context, businessID string, eventAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[businessID]; ok {
		sub.Status = model.StatusCancelled
		sub.LastEventAt = eventAt
	}
	return nil
}

func (f *fakeSubRepo) StagePlanChange(ctx context.Context, businessID, planID string, eventAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[businessID]; ok {
		p := planID
		sub.PendingPlanID = &p
		sub.Status = model.StatusPending
		sub.LastEventAt = eventAt
	}
	return nil
}

func (f *fakeSubRepo) ForcePlan(ctx context.Context, businessID, planID string, eventAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[businessID]; ok {
		sub.PlanID = planID
		sub.PendingPlanID = nil
		sub.Status = model.StatusActive
		sub.LastEventAt = eventAt
	}
	return nil
}

type fakeEventRepo struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{seen: make(map[string]bool)}
}

func (f *fakeEventRepo) Append(ctx context.Context, event *model.BillingEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp := event.Fingerprint()
	if f.seen[fp] {
		return false, nil
	}
	f.seen[fp] = true
	return true, nil
}

func (f *fakeEventRepo) Seen(ctx context.Context, fingerprint string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[fingerprint], nil
}

type fakeQueue struct {
	mu    sync.Mutex
	sends map[string][][]byte
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{sends: make(map[string][][]byte)}
}

func (f *fakeQueue) Send(ctx context.Context, queue string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[queue] = append(f.sends[queue], payload)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, payload)
	return "msg-1", nil
}
