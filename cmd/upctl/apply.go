package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/obstack/upctl/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Execute the upgrade plan",
	Long: `Apply derives a plan and executes it phase by phase under the exclusive
host lock. Each component is backed up before mutation and health-checked
after activation; a failed health gate triggers automatic rollback.

Examples:
  upctl apply
  upctl apply --phase 1 --mode safe
  upctl apply --component agent-a --yes`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().Int("phase", 0, "Apply only this phase")
	applyCmd.Flags().String("component", "", "Apply only this component")
	applyCmd.Flags().String("mode", "", "Execution mode (safe|standard|fast); default from policy")
	applyCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	applyCmd.Flags().StringArray("override", nil, "Pin a component's target (name=version, repeatable)")
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	scope, err := scopeFromFlags(cmd)
	if err != nil {
		return err
	}

	modeFlag, _ := cmd.Flags().GetString("mode")
	mode := types.Mode(modeFlag)
	if mode == "" {
		mode = rt.policy.DefaultMode
	}
	switch mode {
	case types.ModeSafe, types.ModeStandard, types.ModeFast:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	plan, err := rt.orch.Plan(ctx, scope)
	if err != nil {
		return err
	}

	actions := plan.ActionList()
	pending := 0
	for _, a := range actions {
		if !a.UpToDate() {
			pending++
		}
	}
	if pending == 0 {
		fmt.Println("✓ All components already at target versions")
		return nil
	}

	printActions(actions)
	fmt.Printf("\n%d component(s) will be upgraded in %s mode\n", pending, mode)

	yes, _ := cmd.Flags().GetBool("yes")
	if rt.policy.Confirm && !yes && mode != types.ModeFast {
		if !confirm("Proceed with upgrade?") {
			fmt.Println("Aborted")
			return nil
		}
	}

	final, runErr := rt.orch.Apply(ctx, scope, mode)
	if final != nil {
		printOutcome(final)
	}
	if runErr != nil {
		return runErr
	}
	fmt.Printf("\n✓ Upgrade run %s completed\n", final.UpgradeID)
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func printOutcome(st *types.UpgradeState) {
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tSTATUS\tFROM\tTO\tERROR")
	for name, cs := range st.Components {
		errMsg := cs.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, cs.Status, cs.FromVersion, cs.ToVersion, errMsg)
	}
	w.Flush()
}
