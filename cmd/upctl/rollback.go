package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore components from their backups",
	Long: `Rollback restores binaries, configs and service definitions from the
backups taken during upgrades, restarts the services and verifies health.

Without flags the most recent run is rolled back in reverse completion
order.

Examples:
  upctl rollback
  upctl rollback --component tsdb
  upctl rollback --to agent-a-20260826T101500Z-3f2a1b9c`,
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().String("component", "", "Roll back one component from its latest backup")
	rollbackCmd.Flags().String("to", "", "Roll back to an exact backup ID")
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	component, _ := cmd.Flags().GetString("component")
	backupID, _ := cmd.Flags().GetString("to")
	if component != "" && backupID != "" {
		return fmt.Errorf("--component and --to are mutually exclusive")
	}

	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case backupID != "":
		if err := rt.orch.RollbackTo(ctx, backupID); err != nil {
			return err
		}
		fmt.Printf("✓ Restored backup %s\n", backupID)
	case component != "":
		if err := rt.orch.RollbackComponent(ctx, component); err != nil {
			return err
		}
		fmt.Printf("✓ Rolled back %s\n", component)
	default:
		if err := rt.orch.RollbackLast(ctx); err != nil {
			return err
		}
		fmt.Println("✓ Rolled back the most recent run")
	}
	return nil
}
