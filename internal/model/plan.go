package model

// Limit is the resolved quota for a single feature. A zero-value Limit
// means "not entitled".
type Limit struct {
	Unlimited bool  `json:"unlimited"`
	Max       int64 `json:"max"`
}

// ZeroLimit denies everything; it is what an unentitled business resolves to.
var ZeroLimit = Limit{}

// UnlimitedLimit grants a feature without counting.
var UnlimitedLimit = Limit{Unlimited: true}

// Plan is an immutable catalog entry. Plans are configuration: loaded once
// at process start and never mutated by request traffic.
type Plan struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	PriceCents    int64             `json:"price_cents"`
	ProviderCodes map[string]string `json:"provider_codes,omitempty"` // provider name -> provider plan/price code
	Limits        map[string]int64  `json:"limits"`                   // feature code -> max count per period
	Features      []string          `json:"features"`                 // boolean capabilities, uncounted
}

// LimitFor resolves the plan's limit for a feature code. A feature absent
// from both the limits map and the features list is not entitled, never
// unlimited.
func (p *Plan) LimitFor(featureCode string) Limit {
	if max, ok := p.Limits[featureCode]; ok {
		return Limit{Max: max}
	}
	for _, f := range p.Features {
		if f == featureCode {
			return UnlimitedLimit
		}
	}
	return ZeroLimit
}
