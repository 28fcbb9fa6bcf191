// Package arena drives the phase state machine: launching and polling
// remote agents, collecting their committed artifacts, tallying votes,
// delivering operator comments, and archiving every round.
package arena

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/state"
)

// maxFileRetries bounds re-prompts per missing artifact per agent per
// phase. Counters are persisted with the state so restarts do not
// exceed the bound.
const maxFileRetries = 3

// Orchestrator owns one arena run. All mutation goes through the single
// in-memory state, which is saved atomically after every per-agent
// transition.
type Orchestrator struct {
	store    *state.Store
	cas      core.AgentService
	branches core.BranchReader
	prompts  *PromptRenderer
	logger   *logging.Logger
	verify   VerifyRunner

	st    *core.ArenaState
	runID string
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithVerifyRunner overrides verify-command execution (used by tests).
func WithVerifyRunner(r VerifyRunner) Option {
	return func(o *Orchestrator) { o.verify = r }
}

// New loads the run from its store and builds an orchestrator for it.
func New(store *state.Store, svc core.AgentService, branches core.BranchReader, logger *logging.Logger, opts ...Option) (*Orchestrator, error) {
	st, err := store.Load(context.Background())
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, core.ErrState(core.CodeStateNotFound,
			fmt.Sprintf("no arena found in %s, run 'arena init' first", store.Dir()))
	}

	prompts, err := NewPromptRenderer()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:    store,
		cas:      svc,
		branches: branches,
		prompts:  prompts,
		logger:   logger,
		verify:   ExecVerifyRunner,
		st:       st,
		runID:    filepath.Base(store.Dir()),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State exposes the in-memory state for status display and tests.
func (o *Orchestrator) State() *core.ArenaState {
	return o.st
}

// Run steps the state machine until the run completes.
func (o *Orchestrator) Run(ctx context.Context) error {
	for !o.st.Completed {
		if err := o.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step delivers pending operator comments, executes one phase handler,
// and refreshes the rolling report. Completed runs are a no-op.
func (o *Orchestrator) Step(ctx context.Context) error {
	if o.st.Completed {
		o.logger.Info("run already completed", "round", o.st.Round, "winner", o.st.WinningAlias)
		return nil
	}

	if err := o.deliverPendingComments(ctx); err != nil {
		return err
	}

	log := o.logger.WithPhase(string(o.st.Phase)).WithRound(o.st.Round)
	log.Info("executing phase")

	var err error
	switch o.st.Phase {
	case core.PhaseGenerate:
		err = o.handleGenerate(ctx)
	case core.PhaseEvaluate:
		err = o.handleEvaluate(ctx)
	case core.PhaseDone:
		// A done phase with completed=false can only come from a
		// legacy document; close it out.
		o.st.Completed = true
		err = o.save(ctx)
	default:
		err = core.ErrState("INVALID_PHASE", fmt.Sprintf("unknown phase %q", o.st.Phase))
	}
	if err != nil {
		// Keep the report current at the moment of failure so the
		// operator can inspect and intervene.
		if reportErr := o.writeReport(); reportErr != nil {
			log.Warn("failed to update report after error", "error", reportErr)
		}
		return err
	}

	if err := o.writeReport(); err != nil {
		return err
	}
	// The report path lives in the document; persist it with whatever
	// else the handler settled.
	return o.save(ctx)
}

// save persists the state document atomically.
func (o *Orchestrator) save(ctx context.Context) error {
	return o.store.Save(ctx, o.st)
}

// Stable alias-keyed paths inside the target repository. Prompts
// instruct agents to commit at exactly these paths; retrieval reads the
// same paths back.

func (o *Orchestrator) solutionPath(alias string) string {
	return fmt.Sprintf("%s/%s/%s-solution.md", core.ArenasDirName, o.runID, alias)
}

func (o *Orchestrator) analysisPath(alias string) string {
	return fmt.Sprintf("%s/%s/%s-analysis.md", core.ArenasDirName, o.runID, alias)
}

func (o *Orchestrator) critiquePath(alias string) string {
	return fmt.Sprintf("%s/%s/%s-critique.md", core.ArenasDirName, o.runID, alias)
}

// transition moves the state machine to the next phase, resetting
// per-phase scratch state. Callers must have every alias done.
func (o *Orchestrator) transition(ctx context.Context, next core.Phase) error {
	if !o.st.AllDone() && next != core.PhaseDone {
		return core.ErrState("INVALID_PHASE",
			fmt.Sprintf("cannot leave %s: agents still in flight", o.st.Phase))
	}
	o.st.ClearPhaseTransients(next)
	o.st.Phase = next
	if next == core.PhaseDone {
		o.st.Completed = true
	} else {
		o.st.ResetProgress()
	}
	return o.save(ctx)
}

// aliasByAgentID inverts the agent-ID mapping for failure attribution.
func (o *Orchestrator) aliasByAgentID() map[string]string {
	aliases := make(map[string]string, len(o.st.AgentIDs))
	for alias, id := range o.st.AgentIDs {
		aliases[id] = alias
	}
	return aliases
}
