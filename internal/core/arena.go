package core

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// VerifyMode controls how verify command results affect consensus.
type VerifyMode string

const (
	// VerifyAdvisory records verify results without affecting consensus.
	VerifyAdvisory VerifyMode = "advisory"
	// VerifyGating requires every verify command to exit 0 for consensus
	// to stand.
	VerifyGating VerifyMode = "gating"
)

// ParseVerifyMode converts a string to a VerifyMode with validation.
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch VerifyMode(s) {
	case VerifyAdvisory, VerifyGating:
		return VerifyMode(s), nil
	case "":
		return VerifyAdvisory, nil
	default:
		return "", fmt.Errorf("invalid verify mode: %s", s)
	}
}

// MaxAgents is the largest supported agent count per arena.
const MaxAgents = 3

// ArenasDirName is the base directory for numbered run directories. The
// same name is used inside the target repository for the stable paths
// agents commit their artifacts to.
const ArenasDirName = "arenas"

// ArenaConfig holds the immutable run configuration. It is constructed
// once at init and owned by the state document thereafter.
type ArenaConfig struct {
	Task           string     `yaml:"task"`
	Repo           string     `yaml:"repo"`
	BaseBranch     string     `yaml:"base_branch"`
	MaxRounds      int        `yaml:"max_rounds"`
	Models         []string   `yaml:"models"`
	VerifyCommands []string   `yaml:"verify_commands,omitempty"`
	VerifyMode     VerifyMode `yaml:"verify_mode"`
}

// Validate checks the configuration invariants.
func (c *ArenaConfig) Validate() error {
	if strings.TrimSpace(c.Task) == "" {
		return ErrValidation(CodeInvalidConfig, "task must not be empty")
	}
	if c.Repo == "" || !strings.Contains(c.Repo, "/") {
		return ErrValidation(CodeInvalidConfig,
			fmt.Sprintf("repo must be owner/name, got %q", c.Repo))
	}
	if c.BaseBranch == "" {
		return ErrValidation(CodeInvalidConfig, "base branch must not be empty")
	}
	// A run with zero rounds can never produce a verdict, so it is
	// rejected here rather than silently completing with nothing.
	if c.MaxRounds < 1 {
		return ErrValidation(CodeInvalidConfig,
			fmt.Sprintf("max_rounds must be >= 1, got %d", c.MaxRounds))
	}
	if len(c.Models) < 1 || len(c.Models) > MaxAgents {
		return ErrValidation(CodeInvalidConfig,
			fmt.Sprintf("between 1 and %d models required, got %d", MaxAgents, len(c.Models)))
	}
	for _, m := range c.Models {
		if strings.TrimSpace(m) == "" {
			return ErrValidation(CodeInvalidConfig, "model names must not be empty")
		}
	}
	if _, err := ParseVerifyMode(string(c.VerifyMode)); err != nil {
		return ErrValidation(CodeInvalidConfig, err.Error())
	}
	return nil
}

// Aliases returns the positional agent labels for n agents:
// agent_a, agent_b, agent_c.
func Aliases(n int) []string {
	aliases := make([]string, 0, n)
	for i := 0; i < n; i++ {
		aliases = append(aliases, fmt.Sprintf("agent_%c", 'a'+i))
	}
	return aliases
}

// RandomAliasMapping assigns models to aliases in random order. The
// mapping anonymizes agents in prompts and artifacts; it is persisted so
// a run always resolves the same way after restart.
func RandomAliasMapping(models []string, rng *rand.Rand) map[string]string {
	shuffled := make([]string, len(models))
	copy(shuffled, models)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	mapping := make(map[string]string, len(models))
	for i, alias := range Aliases(len(models)) {
		mapping[alias] = shuffled[i]
	}
	return mapping
}

// ArenaState is the single persisted document for a run. Large text
// fields are externalized to content-addressed sibling files on save.
type ArenaState struct {
	Config       ArenaConfig       `yaml:"config"`
	AliasMapping map[string]string `yaml:"alias_mapping"`

	Round         int                       `yaml:"round"`
	Phase         Phase                     `yaml:"phase"`
	PhaseProgress map[string]ProgressStatus `yaml:"phase_progress"`

	AgentIDs      map[string]string       `yaml:"agent_ids,omitempty"`
	BranchNames   map[string]string       `yaml:"branch_names,omitempty"`
	Solutions     map[string]string       `yaml:"solutions,omitempty"`
	Analyses      map[string]string       `yaml:"analyses,omitempty"`
	Critiques     map[string]string       `yaml:"critiques,omitempty"`
	SentMsgCounts map[string]int          `yaml:"sent_msg_counts,omitempty"`
	FileRetries   map[string]int          `yaml:"file_retries,omitempty"`
	VoteVerdicts  map[string]*VoteVerdict `yaml:"vote_verdicts,omitempty"`

	// Rounds accumulates one summary per evaluate round so the rolling
	// report can be rebuilt from the document alone.
	Rounds []RoundSummary `yaml:"rounds,omitempty"`

	LastRunVerdict *RunVerdict `yaml:"last_run_verdict,omitempty"`
	// VerifyDivergences aggregates the divergences reported in the last
	// evaluate round, in alias order.
	VerifyDivergences []Divergence   `yaml:"verify_divergences,omitempty"`
	VerifyResults     []VerifyResult `yaml:"verify_results,omitempty"`
	WinningSolution string         `yaml:"winning_solution,omitempty"`
	WinningAnalysis string         `yaml:"winning_analysis,omitempty"`
	WinningAlias    string         `yaml:"winning_alias,omitempty"`

	Completed           bool   `yaml:"completed"`
	FinalReportPath     string `yaml:"final_report_path,omitempty"`
	PendingCommentsPath string `yaml:"pending_comments_path,omitempty"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// NewArenaState constructs the initial state for a config. The alias
// mapping is randomized with the provided source so init can seed it.
func NewArenaState(cfg ArenaConfig, rng *rand.Rand) *ArenaState {
	now := time.Now().UTC()
	s := &ArenaState{
		Config:        cfg,
		AliasMapping:  RandomAliasMapping(cfg.Models, rng),
		Round:         0,
		Phase:         PhaseGenerate,
		PhaseProgress: make(map[string]ProgressStatus),
		AgentIDs:      make(map[string]string),
		BranchNames:   make(map[string]string),
		Solutions:     make(map[string]string),
		Analyses:      make(map[string]string),
		Critiques:     make(map[string]string),
		SentMsgCounts: make(map[string]int),
		FileRetries:   make(map[string]int),
		VoteVerdicts:  make(map[string]*VoteVerdict),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.ResetProgress()
	return s
}

// Aliases returns this state's aliases in stable positional order.
func (s *ArenaState) Aliases() []string {
	aliases := make([]string, 0, len(s.AliasMapping))
	for alias := range s.AliasMapping {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// Model resolves the model short name behind an alias.
func (s *ArenaState) Model(alias string) string {
	return s.AliasMapping[alias]
}

// Progress returns the progress status for an alias, defaulting to pending.
func (s *ArenaState) Progress(alias string) ProgressStatus {
	if p, ok := s.PhaseProgress[alias]; ok {
		return p
	}
	return ProgressPending
}

// SetProgress advances an alias's progress. Backward transitions are
// rejected to preserve the forward-only invariant.
func (s *ArenaState) SetProgress(alias string, status ProgressStatus) error {
	current := s.Progress(alias)
	if current == status {
		return nil
	}
	if !current.CanAdvance(status) {
		return ErrState("INVALID_PROGRESS",
			fmt.Sprintf("agent %s cannot move %s -> %s", alias, current, status))
	}
	s.PhaseProgress[alias] = status
	return nil
}

// AllDone reports whether every alias has finished the current phase.
func (s *ArenaState) AllDone() bool {
	for _, alias := range s.Aliases() {
		if s.Progress(alias) != ProgressDone {
			return false
		}
	}
	return true
}

// ResetProgress marks every alias pending for a fresh phase.
func (s *ArenaState) ResetProgress() {
	s.PhaseProgress = make(map[string]ProgressStatus, len(s.AliasMapping))
	for _, alias := range s.Aliases() {
		s.PhaseProgress[alias] = ProgressPending
	}
}

// ClearPhaseTransients drops per-phase scratch state ahead of a phase
// transition: sent baselines, retry counters, and (entering generate)
// the previous round's verdicts.
func (s *ArenaState) ClearPhaseTransients(next Phase) {
	s.SentMsgCounts = make(map[string]int)
	s.FileRetries = make(map[string]int)
	if next == PhaseGenerate {
		s.VoteVerdicts = make(map[string]*VoteVerdict)
	}
}

// HasAlias reports whether an alias belongs to this run.
func (s *ArenaState) HasAlias(alias string) bool {
	_, ok := s.AliasMapping[alias]
	return ok
}

// RetryKey builds the persisted retry-counter key for an artifact slot.
// Counters are scoped per agent per phase so restarts never exceed the
// bound.
func RetryKey(round int, phase Phase, alias, artifact string) string {
	return fmt.Sprintf("%02d-%s-%s-%s", round, phase, alias, artifact)
}
