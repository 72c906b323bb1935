package plan

import (
	"encoding/json"
	"fmt"
	"os"

	"app/internal/model"
)

// Catalog is the immutable set of plans the service sells. It is loaded once
// at process start and only read afterwards, so lookups need no locking.
type Catalog struct {
	plans          map[string]*model.Plan
	byProviderCode map[string]string // "provider:code" -> plan id
	defaultPlanID  string
}

// Load builds a catalog from a JSON file, or from the built-in defaults when
// path is empty.
func Load(path, defaultPlanID string) (*Catalog, error) {
	plans := defaultPlans()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read plan catalog %s: %w", path, err)
		}
		plans = nil
		if err := json.Unmarshal(data, &plans); err != nil {
			return nil, fmt.Errorf("parse plan catalog %s: %w", path, err)
		}
	}
	return New(plans, defaultPlanID)
}

// New builds a catalog from a plan list.
func New(plans []*model.Plan, defaultPlanID string) (*Catalog, error) {
	c := &Catalog{
		plans:          make(map[string]*model.Plan, len(plans)),
		byProviderCode: make(map[string]string),
		defaultPlanID:  defaultPlanID,
	}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan catalog entry missing id")
		}
		if _, ok := c.plans[p.ID]; ok {
			return nil, fmt.Errorf("duplicate plan id %q in catalog", p.ID)
		}
		c.plans[p.ID] = p
		for provider, code := range p.ProviderCodes {
			c.byProviderCode[provider+":"+code] = p.ID
		}
	}
	if _, ok := c.plans[defaultPlanID]; !ok {
		return nil, fmt.Errorf("default plan %q not present in catalog", defaultPlanID)
	}
	return c, nil
}

// Get returns the plan with the given id, or nil when unknown.
func (c *Catalog) Get(planID string) *model.Plan {
	return c.plans[planID]
}

// ResolveProviderCode maps a provider-side plan/price code to our plan id.
func (c *Catalog) ResolveProviderCode(provider, code string) (string, bool) {
	id, ok := c.byProviderCode[provider+":"+code]
	return id, ok
}

// DefaultPlanID is the plan assigned when an event carries no resolvable plan.
func (c *Catalog) DefaultPlanID() string {
	return c.defaultPlanID
}

// defaultPlans mirrors the shipped pricing tiers; a JSON catalog file
// overrides them entirely.
func defaultPlans() []*model.Plan {
	return []*model.Plan{
		{
			ID:         "free",
			Name:       "Free Plan",
			PriceCents: 0,
			Limits: map[string]int64{
				"members":   2,
				"api_calls": 100,
			},
		},
		{
			ID:         "pro",
			Name:       "Pro Plan",
			PriceCents: 2900,
			Limits: map[string]int64{
				"members":   10,
				"api_calls": 10000,
			},
			Features: []string{"analytics", "priority_support"},
		},
		{
			ID:         "enterprise",
			Name:       "Enterprise",
			PriceCents: 9900,
			Limits: map[string]int64{
				"members":   100,
				"api_calls": 100000,
			},
			Features: []string{"analytics", "sso", "audit_logs"},
		},
	}
}
