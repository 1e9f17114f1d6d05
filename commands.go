package polybase

import (
	"context"
	"fmt"
)

// Envelope is the uniform response of every command.
type Envelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *EnvelopeError `json:"error,omitempty"`
}

// EnvelopeError is the machine-readable failure body.
type EnvelopeError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// OK wraps data in a successful envelope.
func OK(data interface{}) Envelope {
	return Envelope{Success: true, Data: data}
}

// Fail wraps err in a failed envelope.
func Fail(err error) Envelope {
	return Envelope{
		Success: false,
		Error: &EnvelopeError{
			Code:      ErrorCode(err),
			Message:   err.Error(),
			Retryable: IsRetryable(err),
		},
	}
}

// CreatePlanRequest asks for a migration plan to a new provider type.
type CreatePlanRequest struct {
	ProjectID       string `json:"projectId"`
	NewProviderType string `json:"newProviderType"`
}

// SwitchProviderRequest asks how to move a project to a new provider type.
type SwitchProviderRequest struct {
	ProjectID       string `json:"projectId"`
	NewProviderType string `json:"newProviderType"`
	CreatePlan      bool   `json:"createPlan"`
}

// SwitchProviderResult carries the optional plan and next-step guidance.
type SwitchProviderResult struct {
	ProjectID       string         `json:"projectId"`
	CurrentProvider ProviderType   `json:"currentProvider"`
	NewProvider     ProviderType   `json:"newProvider"`
	Plan            *MigrationPlan `json:"plan,omitempty"`
	NextSteps       []string       `json:"nextSteps"`
}

// MigrateRequest plans and executes a migration in one call.
type MigrateRequest struct {
	ProjectID       string `json:"projectId"`
	NewProviderType string `json:"newProviderType"`
	StartAt         int    `json:"startAt"`
}

// MigrateResult is the data of a migrate envelope.
type MigrateResult struct {
	Plan   MigrationPlan   `json:"plan"`
	Result MigrationResult `json:"result"`
}

// RecommendResult is the data of a recommend envelope.
type RecommendResult struct {
	Recommendations []Recommendation `json:"recommendations"`
	Best            *Recommendation  `json:"best,omitempty"`
}

// Commands is the transport-neutral command surface shared by the HTTP API and CLI.
type Commands struct {
	registry   *Registry
	migrations *MigrationService
	advisor    *Advisor
	logger     Logger
}

// NewCommands wires the command surface over a registry.
func NewCommands(reg *Registry, migrations *MigrationService, advisor *Advisor, logger Logger) *Commands {
	if advisor == nil {
		advisor = NewAdvisor()
	}
	if migrations == nil {
		migrations = NewMigrationService(reg, WithMigrationLogger(logger))
	}
	return &Commands{
		registry:   reg,
		migrations: migrations,
		advisor:    advisor,
		logger:     orNoOp(logger),
	}
}

// Registry returns the underlying registry.
func (c *Commands) Registry() *Registry {
	return c.registry
}

func (c *Commands) source(projectID, newType string) (ProviderConfig, ProviderType, error) {
	target, err := ParseProviderType(newType)
	if err != nil {
		return ProviderConfig{}, "", err
	}
	cfg, err := c.registry.ProviderConfig(projectID)
	if err != nil {
		return ProviderConfig{}, "", err
	}
	return cfg, target, nil
}

// CreatePlan builds a plan from the project's current provider to the requested one.
func (c *Commands) CreatePlan(ctx context.Context, req CreatePlanRequest) Envelope {
	cfg, target, err := c.source(req.ProjectID, req.NewProviderType)
	if err != nil {
		return Fail(err)
	}
	plan, err := c.migrations.CreateMigrationPlan(ctx, req.ProjectID, cfg.Type, target)
	if err != nil {
		return Fail(err)
	}
	c.logger.Info("Migration plan created", "project", req.ProjectID, "source", cfg.Type, "target", target, "steps", len(plan.Steps))
	return OK(plan)
}

// SwitchProvider reports what switching the project would take. It never moves data.
func (c *Commands) SwitchProvider(ctx context.Context, req SwitchProviderRequest) Envelope {
	cfg, target, err := c.source(req.ProjectID, req.NewProviderType)
	if err != nil {
		return Fail(err)
	}
	if cfg.Type == target {
		return Fail(WithContext(ErrInvalidConfig, map[string]interface{}{
			"project":  req.ProjectID,
			"provider": target,
			"reason":   "project already uses this provider",
		}))
	}

	out := SwitchProviderResult{
		ProjectID:       req.ProjectID,
		CurrentProvider: cfg.Type,
		NewProvider:     target,
	}
	if req.CreatePlan {
		plan, err := c.migrations.CreateMigrationPlan(ctx, req.ProjectID, cfg.Type, target)
		if err != nil {
			return Fail(err)
		}
		out.Plan = &plan
		out.NextSteps = append(out.NextSteps,
			fmt.Sprintf("Review the %d-step plan", len(plan.Steps)),
			"Execute it with POST /v1/migrations or `polybase migrate`",
		)
	} else {
		out.NextSteps = append(out.NextSteps, "Create a migration plan to see what will move")
	}
	out.NextSteps = append(out.NextSteps,
		fmt.Sprintf("Configure %s credentials for project %s", target, req.ProjectID),
		fmt.Sprintf("Point the project at %s once the migration completes", target),
	)
	return OK(out)
}

// Migrate plans and executes a migration. A halted run returns the partial result
// alongside the error.
func (c *Commands) Migrate(ctx context.Context, req MigrateRequest) Envelope {
	cfg, target, err := c.source(req.ProjectID, req.NewProviderType)
	if err != nil {
		return Fail(err)
	}
	plan, err := c.migrations.CreateMigrationPlan(ctx, req.ProjectID, cfg.Type, target)
	if err != nil {
		return Fail(err)
	}
	res, err := c.migrations.ExecuteMigrationPlan(ctx, plan, ExecuteOptions{StartAt: req.StartAt})
	if err != nil {
		env := Fail(err)
		env.Data = MigrateResult{Plan: plan, Result: res}
		return env
	}
	return OK(MigrateResult{Plan: plan, Result: res})
}

// Recommend ranks providers against the requirements.
func (c *Commands) Recommend(req Requirements) Envelope {
	if err := req.Validate(); err != nil {
		return Fail(err)
	}
	recs := c.advisor.AnalyzeAndRecommend(req)
	out := RecommendResult{Recommendations: recs}
	if len(recs) > 0 {
		out.Best = &recs[0]
	}
	return OK(out)
}

// Health aggregates every cached provider's health.
func (c *Commands) Health(ctx context.Context) Envelope {
	report := AggregateHealth(c.registry.ProvidersHealth(ctx))
	if !report.Healthy() {
		env := Fail(WithContext(ErrBackendUnavailable, map[string]interface{}{
			"providers": len(report.Details),
		}))
		env.Data = report
		return env
	}
	return OK(report)
}
