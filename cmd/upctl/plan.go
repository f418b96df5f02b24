package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obstack/upctl/pkg/orchestrator"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the phases an apply would execute",
	Long: `Plan resolves targets and prints the phase-ordered upgrade plan without
mutating anything.

Examples:
  upctl plan
  upctl plan --phase 2
  upctl plan --component tsdb`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().Int("phase", 0, "Limit the plan to one phase")
	planCmd.Flags().String("component", "", "Limit the plan to one component")
	planCmd.Flags().Bool("dry-run", true, "Plan never mutates; flag kept for script compatibility")
	planCmd.Flags().StringArray("override", nil, "Pin a component's target (name=version, repeatable)")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	scope, err := scopeFromFlags(cmd)
	if err != nil {
		return err
	}

	plan, err := rt.orch.Plan(cmd.Context(), scope)
	if err != nil {
		return err
	}

	if len(plan.Phases) == 0 {
		fmt.Println("Nothing in scope")
		return nil
	}

	for _, phase := range plan.Phases {
		fmt.Printf("Phase %d (%s risk):\n", phase.Phase, phase.Risk)
		for _, a := range phase.Actions {
			if a.UpToDate() {
				fmt.Printf("  = %s %s (%s)\n", a.Component.Name, a.From, a.Reason)
				continue
			}
			fmt.Printf("  ^ %s %s -> %s (from %s)\n", a.Component.Name, a.From, a.To, a.Source)
		}
	}
	return nil
}

func scopeFromFlags(cmd *cobra.Command) (orchestrator.Scope, error) {
	phase, _ := cmd.Flags().GetInt("phase")
	component, _ := cmd.Flags().GetString("component")
	if phase != 0 && component != "" {
		return orchestrator.Scope{}, fmt.Errorf("--phase and --component are mutually exclusive")
	}
	return orchestrator.Scope{Phase: phase, Component: component}, nil
}
