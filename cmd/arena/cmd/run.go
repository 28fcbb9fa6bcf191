package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Step the arena until it completes",
	Long: `run executes phase steps in a loop until the debate reaches consensus
or exhausts the round budget. Interrupting is safe at any point: every
per-agent transition is persisted atomically and a restarted run resumes
where the last completed unit left off.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return executePhases(cmd, false)
	},
}

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Execute exactly one phase step",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return executePhases(cmd, true)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stepCmd)
}

func executePhases(cmd *cobra.Command, single bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runDir, err := resolveRunDir(cfg)
	if err != nil {
		return err
	}

	orch, store, logger, err := newOrchestrator(cfg, runDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.AcquireLock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := store.ReleaseLock(context.Background()); err != nil {
			logger.Warn("releasing lock failed", "error", err)
		}
	}()

	if single {
		return orch.Step(ctx)
	}
	return orch.Run(ctx)
}
