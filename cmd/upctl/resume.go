package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue an interrupted upgrade run",
	Long: `Resume re-derives the plan for the run left in the state file, skips every
component that already completed, and re-enters the remaining ones from
pre-flight. A crash after activation but before completion converges
correctly because pre-flight re-detects the actually installed version.`,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	final, runErr := rt.orch.Resume(ctx)
	if final != nil {
		printOutcome(final)
	}
	if runErr != nil {
		return runErr
	}
	fmt.Printf("\n✓ Upgrade run %s completed\n", final.UpgradeID)
	return nil
}
