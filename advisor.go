package polybase

import (
	"fmt"
	"sort"
	"strings"
)

// Project types understood by the advisor.
const (
	ProjectPrototype  = "prototype"
	ProjectWeb        = "web"
	ProjectMobile     = "mobile"
	ProjectEnterprise = "enterprise"
	ProjectIoT        = "iot"
	ProjectInternal   = "internal"
)

// Budget sensitivity levels.
const (
	BudgetLow    = "low"
	BudgetMedium = "medium"
	BudgetHigh   = "high"
)

const advisorBaseScore = 50

// Requirements are a project's stated needs.
type Requirements struct {
	ProjectType       string   `json:"projectType"`
	ExpectedUsers     int      `json:"expectedUsers"`
	BudgetSensitivity string   `json:"budgetSensitivity"`
	RequiredFeatures  []string `json:"requiredFeatures,omitempty"`
}

// Validate rejects unknown enumeration values.
func (r Requirements) Validate() error {
	switch r.ProjectType {
	case "", ProjectPrototype, ProjectWeb, ProjectMobile, ProjectEnterprise, ProjectIoT, ProjectInternal:
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "projectType",
			"value": r.ProjectType,
		})
	}
	switch r.BudgetSensitivity {
	case "", BudgetLow, BudgetMedium, BudgetHigh:
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "budgetSensitivity",
			"value": r.BudgetSensitivity,
		})
	}
	if r.ExpectedUsers < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "expectedUsers",
			"value":  r.ExpectedUsers,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// Recommendation is one ranked provider.
type Recommendation struct {
	ProviderType ProviderType `json:"providerType"`
	Score        int          `json:"score"`
	Reasoning    []string     `json:"reasoning"`
}

type weight struct {
	points int
	reason string
}

var projectTypeWeights = map[string]map[ProviderType]weight{
	ProjectPrototype: {
		ProviderLocal:    {30, "runs without any cloud account, fastest to prototype"},
		ProviderFirebase: {20, "generous free tier and quick setup for prototypes"},
	},
	ProjectWeb: {
		ProviderLocal:    {5, "simple to host for small web apps"},
		ProviderFirebase: {20, "hosted auth and database suit web apps"},
		ProviderAWS:      {15, "broad service catalogue for web backends"},
	},
	ProjectMobile: {
		ProviderFirebase: {30, "push notifications and offline sync built for mobile"},
		ProviderAWS:      {15, "SNS push and Cognito cover mobile backends"},
	},
	ProjectEnterprise: {
		ProviderLocal:    {5, "can run inside a private network"},
		ProviderFirebase: {5, "managed operations reduce staffing"},
		ProviderAWS:      {30, "enterprise compliance, IAM and regional control"},
	},
	ProjectIoT: {
		ProviderFirebase: {10, "realtime updates for connected devices"},
		ProviderAWS:      {25, "scales message ingestion for device fleets"},
	},
	ProjectInternal: {
		ProviderLocal:    {20, "self-hosted tooling keeps data in house"},
		ProviderAWS:      {10, "integrates with existing cloud accounts"},
	},
}

var budgetWeights = map[string]map[ProviderType]weight{
	BudgetHigh: {
		ProviderLocal:    {20, "no per-request cloud billing"},
		ProviderFirebase: {10, "free tier covers small workloads"},
		ProviderAWS:      {-5, "pay-per-use pricing across many services"},
	},
	BudgetMedium: {
		ProviderFirebase: {5, "predictable pricing at moderate scale"},
	},
	BudgetLow: {
		ProviderAWS: {10, "budget allows the most flexible managed platform"},
	},
}

// Advisor ranks provider types against requirements with a fixed rule table.
type Advisor struct {
	types []ProviderType
}

// NewAdvisor creates an advisor over the known provider types.
func NewAdvisor() *Advisor {
	return &Advisor{types: KnownProviders}
}

// AnalyzeAndRecommend scores every provider that supports all required features.
// Results are sorted by score; ties keep the declaration order. The result is empty
// when no provider qualifies.
func (a *Advisor) AnalyzeAndRecommend(req Requirements) []Recommendation {
	out := make([]Recommendation, 0, len(a.types))
	for _, t := range a.types {
		rec, ok := a.score(t, req)
		if ok {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func (a *Advisor) score(t ProviderType, req Requirements) (Recommendation, bool) {
	caps, err := CapabilitiesOf(t)
	if err != nil {
		return Recommendation{}, false
	}
	for _, f := range req.RequiredFeatures {
		if !caps.Supports(normalizeFeature(f)) {
			return Recommendation{}, false
		}
	}

	rec := Recommendation{ProviderType: t, Score: advisorBaseScore}
	apply := func(w weight, ok bool) {
		if !ok || w.points == 0 {
			return
		}
		rec.Score += w.points
		rec.Reasoning = append(rec.Reasoning, w.reason)
	}

	w, ok := projectTypeWeights[req.ProjectType][t]
	apply(w, ok)
	apply(usersWeight(t, req.ExpectedUsers))
	w, ok = budgetWeights[req.BudgetSensitivity][t]
	apply(w, ok)

	if n := len(req.RequiredFeatures); n > 0 {
		rec.Score += 5 * n
		rec.Reasoning = append(rec.Reasoning,
			fmt.Sprintf("supports all %d required features: %s", n, strings.Join(req.RequiredFeatures, ", ")))
	}
	if caps.Transactions == TxStrong {
		rec.Reasoning = append(rec.Reasoning, "atomic multi-document transactions")
	}
	if len(rec.Reasoning) == 0 {
		rec.Reasoning = append(rec.Reasoning, "meets the baseline contract")
	}
	return rec, true
}

func usersWeight(t ProviderType, users int) (weight, bool) {
	switch {
	case users <= 0:
		return weight{}, false
	case users < 1000:
		if t == ProviderLocal {
			return weight{15, "a single node comfortably serves under 1,000 users"}, true
		}
	case users < 100000:
		switch t {
		case ProviderFirebase:
			return weight{15, "managed scaling fits tens of thousands of users"}, true
		case ProviderAWS:
			return weight{10, "managed scaling fits tens of thousands of users"}, true
		}
	default:
		switch t {
		case ProviderAWS:
			return weight{25, "built for very large user bases"}, true
		case ProviderFirebase:
			return weight{10, "scales automatically to large audiences"}, true
		case ProviderLocal:
			return weight{-30, "an embedded store does not scale to this many users"}, true
		}
	}
	return weight{}, false
}

func normalizeFeature(f string) string {
	return strings.ToLower(strings.TrimSpace(f))
}
