package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/arena"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/cas"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/config"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/github"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/state"
)

// loadConfig materializes ambient settings from viper.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// resolveRunDir returns the run directory to operate on: the --arena
// flag when given, otherwise the highest-numbered directory under the
// arenas base.
func resolveRunDir(cfg *config.Config) (string, error) {
	if arenaDir != "" {
		if _, err := os.Stat(arenaDir); err != nil {
			return "", fmt.Errorf("arena directory %s: %w", arenaDir, err)
		}
		return arenaDir, nil
	}

	entries, err := os.ReadDir(cfg.ArenasDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no arenas found under %s, run 'arena init' first", cfg.ArenasDir)
		}
		return "", err
	}

	var numbered []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > 0 {
			numbered = append(numbered, n)
		}
	}
	if len(numbered) == 0 {
		return "", fmt.Errorf("no arenas found under %s, run 'arena init' first", cfg.ArenasDir)
	}
	sort.Ints(numbered)
	return filepath.Join(cfg.ArenasDir, fmt.Sprintf("%04d", numbered[len(numbered)-1])), nil
}

// newLogger builds the console logger, teeing into the run's
// orchestrator.log when a run directory is known.
func newLogger(cfg *config.Config, runDir string) (*logging.Logger, error) {
	logCfg := logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	}
	if runDir != "" {
		logCfg.FilePath = filepath.Join(runDir, "orchestrator.log")
	}
	return logging.New(logCfg)
}

// newCASClient builds the Cloud Agent Service client from the resolved
// credential.
func newCASClient(cfg *config.Config, logger *logging.Logger) (*cas.Client, error) {
	token, err := config.ResolveCredential()
	if err != nil {
		return nil, err
	}

	opts := []cas.Option{
		cas.WithMaxRetries(uint64(cfg.CAS.MaxRetries)),
		cas.WithHeartbeat(os.Stderr),
		cas.WithVerbose(verbose),
	}
	if cfg.CAS.TimeoutSeconds > 0 {
		opts = append(opts, cas.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.CAS.TimeoutSeconds) * time.Second,
		}))
	}
	return cas.NewClient(cfg.CAS.BaseURL, token, logger, opts...)
}

// newOrchestrator wires the orchestrator for a run directory. The
// caller owns the returned logger's Close.
func newOrchestrator(cfg *config.Config, runDir string) (*arena.Orchestrator, *state.Store, *logging.Logger, error) {
	logger, err := newLogger(cfg, runDir)
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := newCASClient(cfg, logger)
	if err != nil {
		logger.Close()
		return nil, nil, nil, err
	}

	store := state.NewStore(runDir)
	branches := github.NewClient(github.WithToken(os.Getenv("GITHUB_TOKEN")))
	orch, err := arena.New(store, client, branches, logger)
	if err != nil {
		logger.Close()
		return nil, nil, nil, err
	}
	return orch, store, logger, nil
}

