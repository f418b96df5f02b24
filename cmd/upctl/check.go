package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/obstack/upctl/pkg/orchestrator"
	"github.com/obstack/upctl/pkg/types"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report installed versus available versions",
	Long: `Check resolves every component's target version and compares it with
what is currently installed. Nothing is mutated.

Examples:
  upctl check
  upctl check --override agent-a=1.7.2`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringArray("override", nil, "Pin a component's target (name=version, repeatable)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	plan, err := rt.orch.Plan(cmd.Context(), orchestrator.Scope{})
	if err != nil {
		return err
	}

	printActions(plan.ActionList())

	pending := 0
	for _, a := range plan.ActionList() {
		if !a.UpToDate() {
			pending++
		}
	}
	if pending == 0 {
		fmt.Println("\n✓ All components are up to date")
	} else {
		fmt.Printf("\n%d component(s) have upgrades available\n", pending)
	}
	return nil
}

func printActions(actions []*types.ComponentAction) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tPHASE\tRISK\tINSTALLED\tTARGET\tSOURCE\tACTION")
	for _, a := range actions {
		action := "upgrade"
		if a.UpToDate() {
			action = a.Reason
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			a.Component.Name, a.Component.Phase, a.Component.Risk,
			a.From, a.To, a.Source, action)
	}
	w.Flush()
}
