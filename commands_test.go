package polybase

import (
	"context"
	"errors"
	"testing"
)

func newTestCommands(t *testing.T, p *fakeProvider) *Commands {
	t.Helper()
	t.Setenv("POLYBASE_DEFAULT_PROVIDER", "local")
	reg := newFakeRegistry(t, p)
	return NewCommands(reg, nil, nil, nil)
}

func TestEnvelope(t *testing.T) {
	ok := OK(map[string]int{"n": 1})
	if !ok.Success || ok.Error != nil {
		t.Errorf("unexpected OK envelope %+v", ok)
	}
	fail := Fail(WithContext(ErrBackendUnavailable, map[string]interface{}{"provider": "aws"}))
	if fail.Success || fail.Error.Code != "SERVICE_UNAVAILABLE" || !fail.Error.Retryable {
		t.Errorf("unexpected failed envelope %+v", fail.Error)
	}
}

func TestCommands_CreatePlan(t *testing.T) {
	c := newTestCommands(t, &fakeProvider{typ: ProviderLocal})
	env := c.CreatePlan(context.Background(), CreatePlanRequest{ProjectID: "app", NewProviderType: "firebase"})
	if !env.Success {
		t.Fatalf("unexpected failure %+v", env.Error)
	}
	plan := env.Data.(MigrationPlan)
	if plan.SourceType != ProviderLocal || plan.TargetType != ProviderFirebase || len(plan.Steps) != 6 {
		t.Errorf("unexpected plan %+v", plan)
	}
	for i, s := range plan.Steps {
		if s.Index != i || s.Description == "" || s.RollbackNote == "" {
			t.Errorf("step %d incomplete: %+v", i, s)
		}
		if s.EstimatedCount != nil {
			t.Errorf("a provider without sub-providers yields no estimates, got %d", *s.EstimatedCount)
		}
	}

	env = c.CreatePlan(context.Background(), CreatePlanRequest{ProjectID: "app", NewProviderType: "local"})
	if env.Success || env.Error.Code != "INVALID_CONFIG" {
		t.Errorf("same provider must be rejected, got %+v", env)
	}
	env = c.CreatePlan(context.Background(), CreatePlanRequest{ProjectID: "app", NewProviderType: "mainframe"})
	if env.Success || env.Error.Code != "INVALID_CONFIG" {
		t.Errorf("unknown provider must be rejected, got %+v", env)
	}
}

func TestCommands_SwitchProvider(t *testing.T) {
	c := newTestCommands(t, &fakeProvider{typ: ProviderLocal})

	env := c.SwitchProvider(context.Background(), SwitchProviderRequest{ProjectID: "app", NewProviderType: "aws"})
	res := env.Data.(SwitchProviderResult)
	if !env.Success || res.Plan != nil || len(res.NextSteps) != 3 {
		t.Errorf("unexpected result %+v", res)
	}

	env = c.SwitchProvider(context.Background(), SwitchProviderRequest{ProjectID: "app", NewProviderType: "aws", CreatePlan: true})
	res = env.Data.(SwitchProviderResult)
	if res.Plan == nil || len(res.Plan.Steps) != 7 || len(res.NextSteps) != 4 {
		t.Errorf("expected a plan with guidance, got %+v", res)
	}

	env = c.SwitchProvider(context.Background(), SwitchProviderRequest{ProjectID: "app", NewProviderType: "local"})
	if env.Success || env.Error.Code != "INVALID_CONFIG" {
		t.Errorf("switching to the current provider is invalid, got %+v", env)
	}
}

func TestCommands_MigrateHaltsWithPartialResult(t *testing.T) {
	c := newTestCommands(t, &fakeProvider{typ: ProviderLocal})
	env := c.Migrate(context.Background(), MigrateRequest{ProjectID: "app", NewProviderType: "aws"})
	if env.Success || env.Error.Code != "MIGRATION_STEP_FAILED" {
		t.Fatalf("expected a step failure, got %+v", env)
	}
	data := env.Data.(MigrateResult)
	if data.Result.FailedStep != 0 || data.Result.FailedKind != KindAuth || !errors.Is(data.Result.Err, ErrUnknownProvider) {
		t.Errorf("unexpected partial result %+v", data.Result)
	}
}

func TestCommands_Recommend(t *testing.T) {
	c := newTestCommands(t, &fakeProvider{typ: ProviderLocal})
	env := c.Recommend(Requirements{ProjectType: ProjectMobile})
	res := env.Data.(RecommendResult)
	if !env.Success || res.Best == nil || res.Best.ProviderType != ProviderFirebase {
		t.Errorf("unexpected recommendation %+v", res)
	}
	if env := c.Recommend(Requirements{ProjectType: "console"}); env.Error == nil || env.Error.Code != "INVALID_CONFIG" {
		t.Errorf("invalid requirements must fail, got %+v", env)
	}
	env = c.Recommend(Requirements{RequiredFeatures: []string{"teleport"}})
	if res := env.Data.(RecommendResult); !env.Success || res.Best != nil || len(res.Recommendations) != 0 {
		t.Errorf("no qualifying provider is an empty success, got %+v", res)
	}
}

func TestCommands_Health(t *testing.T) {
	p := &fakeProvider{typ: ProviderLocal, health: HealthReport{Status: StatusHealthy}}
	c := newTestCommands(t, p)
	if env := c.Health(context.Background()); !env.Success {
		t.Errorf("an empty registry is healthy, got %+v", env)
	}

	_, _ = c.Registry().GetProvider(context.Background(), localConfig("app"))
	p.health = Unhealthy("disk full")
	env := c.Health(context.Background())
	if env.Success || env.Error.Code != "SERVICE_UNAVAILABLE" {
		t.Fatalf("expected unhealthy envelope, got %+v", env)
	}
	if report := env.Data.(HealthReport); report.Details["local:app"].Error != "disk full" {
		t.Errorf("unexpected report %+v", report)
	}
}
