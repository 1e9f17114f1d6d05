package main

import (
	"github.com/spf13/cobra"

	"github.com/adrianmcphee/polybase"
)

func newPlanCommand(a *app) *cobra.Command {
	var req polybase.CreatePlanRequest
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create a migration plan for a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, a.cmds.CreatePlan(cmd.Context(), req))
		},
	}
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&req.NewProviderType, "to", "", "target provider type (local, firebase, aws)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newMigrateCommand(a *app) *cobra.Command {
	var req polybase.MigrateRequest
	var switchOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Plan and execute a migration",
		Long: "Plan and execute a migration. Execution halts at the first failed step; " +
			"rerun with --start-at set to that step to resume.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if switchOnly {
				return emit(cmd, a.cmds.SwitchProvider(cmd.Context(), polybase.SwitchProviderRequest{
					ProjectID:       req.ProjectID,
					NewProviderType: req.NewProviderType,
					CreatePlan:      true,
				}))
			}
			return emit(cmd, a.cmds.Migrate(cmd.Context(), req))
		},
	}
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&req.NewProviderType, "to", "", "target provider type (local, firebase, aws)")
	cmd.Flags().IntVar(&req.StartAt, "start-at", 0, "resume from this step index")
	cmd.Flags().BoolVar(&switchOnly, "dry-run", false, "report the switch plan and next steps without moving data")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newRecommendCommand(a *app) *cobra.Command {
	var req polybase.Requirements
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Rank providers against project requirements",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, a.cmds.Recommend(req))
		},
	}
	cmd.Flags().StringVar(&req.ProjectType, "type", "", "project type (prototype, web, mobile, enterprise, iot, internal)")
	cmd.Flags().IntVar(&req.ExpectedUsers, "users", 0, "expected number of users")
	cmd.Flags().StringVar(&req.BudgetSensitivity, "budget", "", "budget sensitivity (low, medium, high)")
	cmd.Flags().StringSliceVar(&req.RequiredFeatures, "feature", nil, "required feature, repeatable")
	return cmd
}

func newHealthCommand(a *app) *cobra.Command {
	var projects []string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report provider health",
		Long:  "Initialize the given projects' providers and report aggregate health.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, id := range projects {
				cfg, err := a.registry.ProviderConfig(id)
				if err != nil {
					return emit(cmd, polybase.Fail(err))
				}
				if _, err := a.registry.GetProvider(cmd.Context(), cfg); err != nil {
					return emit(cmd, polybase.Fail(err))
				}
			}
			return emit(cmd, a.cmds.Health(cmd.Context()))
		},
	}
	cmd.Flags().StringSliceVar(&projects, "project", nil, "project id to check, repeatable")
	return cmd
}
