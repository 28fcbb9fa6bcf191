package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/arena"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/config"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/state"
)

var (
	initTask           string
	initTaskFile       string
	initRepo           string
	initBaseBranch     string
	initMaxRounds      int
	initModels         []string
	initVerifyCommands []string
	initVerifyMode     string
	initSkipValidation bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new arena run",
	Long: `init constructs the run configuration, allocates the next numbered run
directory, and writes the initial state document. It is the only command
that writes configuration; thereafter the document is owned by the
orchestrator.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initTask, "task", "", "task description (required unless --task-file is set)")
	initCmd.Flags().StringVar(&initTaskFile, "task-file", "", "read the task description from a file")
	initCmd.Flags().StringVar(&initRepo, "repo", "", "target repository as owner/name (required)")
	initCmd.Flags().StringVar(&initBaseBranch, "base-branch", "main", "branch each agent forks from")
	initCmd.Flags().IntVar(&initMaxRounds, "max-rounds", 3, "generate/evaluate cycles before giving up")
	initCmd.Flags().StringSliceVar(&initModels, "models", nil, "model short names, comma separated (1-3, required)")
	initCmd.Flags().StringArrayVar(&initVerifyCommands, "verify-command", nil, "shell command gating or annotating consensus (repeatable)")
	initCmd.Flags().StringVar(&initVerifyMode, "verify-mode", "advisory", "verify mode: advisory or gating")
	initCmd.Flags().BoolVar(&initSkipValidation, "skip-cas-validation", false, "skip validating models and repo against the CAS catalogue")

	_ = initCmd.MarkFlagRequired("repo")
	_ = initCmd.MarkFlagRequired("models")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	task := initTask
	if initTaskFile != "" {
		if task != "" {
			return fmt.Errorf("--task and --task-file are mutually exclusive")
		}
		data, err := os.ReadFile(initTaskFile)
		if err != nil {
			return fmt.Errorf("reading task file: %w", err)
		}
		task = string(data)
	}

	verifyMode, err := core.ParseVerifyMode(initVerifyMode)
	if err != nil {
		return err
	}

	arenaCfg := core.ArenaConfig{
		Task:           strings.TrimSpace(task),
		Repo:           initRepo,
		BaseBranch:     initBaseBranch,
		MaxRounds:      initMaxRounds,
		Models:         initModels,
		VerifyCommands: initVerifyCommands,
		VerifyMode:     verifyMode,
	}
	if err := arenaCfg.Validate(); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !initSkipValidation {
		if err := validateAgainstCAS(cmd.Context(), cfg, arenaCfg); err != nil {
			return err
		}
	}

	runDir, err := state.NextRunDir(cfg.ArenasDir)
	if err != nil {
		return err
	}

	st := core.NewArenaState(arenaCfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	st.PendingCommentsPath = arena.PendingCommentsPath(runDir)

	store := state.NewStore(runDir)
	if err := store.Save(context.Background(), st); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Arena created in %s\n", runDir)
	for _, alias := range st.Aliases() {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s -> %s\n", alias, st.Model(alias))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run 'arena run' to start the debate.\n")
	return nil
}

// validateAgainstCAS checks models and repository against the service
// catalogue. CAS unavailability only warns; init must work offline.
func validateAgainstCAS(ctx context.Context, cfg *config.Config, arenaCfg core.ArenaConfig) error {
	logger, err := newLogger(cfg, "")
	if err != nil {
		return err
	}
	defer logger.Close()

	client, err := newCASClient(cfg, logger)
	if err != nil {
		// A missing credential fails init outright; run would fail the
		// same way later with more wasted setup.
		return err
	}

	models, err := client.ListModels(ctx)
	if err != nil {
		logger.Warn("could not list CAS models, skipping validation", "error", err)
		return nil
	}
	available := make(map[string]bool, len(models))
	for _, m := range models {
		available[m.ID] = true
	}
	for _, model := range arenaCfg.Models {
		if !available[model] {
			return core.ErrValidation(core.CodeInvalidConfig,
				fmt.Sprintf("model %q is not accepted by the CAS", model))
		}
	}

	repos, err := client.ListRepositories(ctx)
	if err != nil {
		logger.Warn("could not list CAS repositories, skipping validation", "error", err)
		return nil
	}
	for _, r := range repos {
		if r.ID == arenaCfg.Repo {
			return nil
		}
	}
	return core.ErrValidation(core.CodeInvalidConfig,
		fmt.Sprintf("repository %q is not reachable with the configured credential", arenaCfg.Repo))
}
