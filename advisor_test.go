package polybase

import (
	"errors"
	"testing"
)

func TestRequirements_Validate(t *testing.T) {
	valid := []Requirements{
		{},
		{ProjectType: ProjectMobile, ExpectedUsers: 10, BudgetSensitivity: BudgetHigh},
	}
	for _, r := range valid {
		if err := r.Validate(); err != nil {
			t.Errorf("%+v: unexpected %v", r, err)
		}
	}
	invalid := []Requirements{
		{ProjectType: "game"},
		{BudgetSensitivity: "none"},
		{ExpectedUsers: -1},
	}
	for _, r := range invalid {
		if err := r.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%+v: expected ErrInvalidConfig, got %v", r, err)
		}
	}
}

func TestAdvisor_Ranking(t *testing.T) {
	a := NewAdvisor()
	cases := []struct {
		name string
		req  Requirements
		best ProviderType
	}{
		{"prototype on a budget", Requirements{ProjectType: ProjectPrototype, ExpectedUsers: 50, BudgetSensitivity: BudgetHigh}, ProviderLocal},
		{"mobile app", Requirements{ProjectType: ProjectMobile, ExpectedUsers: 20000}, ProviderFirebase},
		{"enterprise at scale", Requirements{ProjectType: ProjectEnterprise, ExpectedUsers: 1000000, BudgetSensitivity: BudgetLow}, ProviderAWS},
	}
	for _, tc := range cases {
		recs := a.AnalyzeAndRecommend(tc.req)
		if len(recs) == 0 || recs[0].ProviderType != tc.best {
			t.Errorf("%s: expected %s first, got %+v", tc.name, tc.best, recs)
			continue
		}
		for i := 1; i < len(recs); i++ {
			if recs[i].Score > recs[i-1].Score {
				t.Errorf("%s: not sorted by score: %+v", tc.name, recs)
			}
		}
		if len(recs[0].Reasoning) == 0 {
			t.Errorf("%s: recommendation without reasoning", tc.name)
		}
	}
}

func TestAdvisor_RequiredFeatures(t *testing.T) {
	a := NewAdvisor()
	recs := a.AnalyzeAndRecommend(Requirements{RequiredFeatures: []string{" Deployment ", FeatureStrongTransactions}})
	if len(recs) != 1 || recs[0].ProviderType != ProviderLocal {
		t.Errorf("only local has deployment and strong transactions, got %+v", recs)
	}
	if recs := a.AnalyzeAndRecommend(Requirements{RequiredFeatures: []string{"quantum"}}); len(recs) != 0 {
		t.Errorf("unknown features disqualify every provider, got %+v", recs)
	}
}

func TestAdvisor_TiesKeepDeclarationOrder(t *testing.T) {
	recs := NewAdvisor().AnalyzeAndRecommend(Requirements{})
	if len(recs) != 3 {
		t.Fatalf("expected every provider, got %+v", recs)
	}
	if recs[0].ProviderType != ProviderLocal || recs[1].ProviderType != ProviderFirebase || recs[2].ProviderType != ProviderAWS {
		t.Errorf("equal scores should keep declaration order, got %+v", recs)
	}
}
