package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/obstack/upctl/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live upgrade state and recent history",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Int("history", 5, "Number of archived runs to show (0 = none)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	historyN, _ := cmd.Flags().GetInt("history")
	live, history, err := rt.orch.Status(historyN)
	if err != nil {
		return err
	}

	if owner, err := rt.store.LockOwner(); err == nil && owner != nil {
		fmt.Printf("Lock held by PID %d on %s (upgrade %s) since %s\n\n",
			owner.PID, owner.Hostname, owner.UpgradeID, owner.AcquiredAt.Format(time.RFC3339))
	}

	if live.Status == types.RunStatusIdle {
		fmt.Println("State: idle")
	} else {
		fmt.Printf("Run %s: %s (mode %s, phase %d)\n",
			live.UpgradeID, live.Status, live.Mode, live.CurrentPhase)
		printOutcome(live)
	}

	if len(history) > 0 {
		fmt.Println("\nRecent runs:")
		for _, run := range history {
			completed := 0
			for _, cs := range run.Components {
				if cs.Status == types.ComponentCompleted {
					completed++
				}
			}
			fmt.Printf("  %s  %s  %d/%d components  finished %s\n",
				run.UpgradeID, run.Status, completed, len(run.Components),
				run.FinishedAt.Format(time.RFC3339))
		}
	}
	return nil
}
