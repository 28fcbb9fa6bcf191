package arena

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/state"
)

var testAliasOf = map[string]string{
	"opus":   "agent_a",
	"gpt":    "agent_b",
	"gemini": "agent_c",
}

type harness struct {
	orch  *Orchestrator
	cas   *fakeCAS
	store *state.Store
	dir   string
}

// newHarness builds an orchestrator over a fresh run directory with a
// pinned alias mapping so scripted votes stay readable.
func newHarness(t *testing.T, models []string, mutate func(*core.ArenaConfig), opts ...Option) *harness {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "0001")
	require.NoError(t, os.MkdirAll(dir, 0o750))

	cfg := core.ArenaConfig{
		Task:       "Build the frobnicator",
		Repo:       "acme/frob",
		BaseBranch: "main",
		MaxRounds:  3,
		Models:     models,
		VerifyMode: core.VerifyAdvisory,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	st := core.NewArenaState(cfg, rand.New(rand.NewSource(1)))
	mapping := make(map[string]string)
	for _, model := range models {
		mapping[testAliasOf[model]] = model
	}
	st.AliasMapping = mapping
	st.ResetProgress()

	store := state.NewStore(dir)
	require.NoError(t, store.Save(context.Background(), st))

	cas := newFakeCAS(invert(mapping))
	orch, err := New(store, cas, fakeBranches{cas}, logging.NewNop(), opts...)
	require.NoError(t, err)

	return &harness{orch: orch, cas: cas, store: store, dir: dir}
}

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func (h *harness) agentID(alias string) string {
	return h.orch.State().AgentIDs[alias]
}

func allModels() []string { return []string{"opus", "gpt", "gemini"} }

func TestRun_UnanimousConsensusFirstRound(t *testing.T) {
	h := newHarness(t, allModels(), nil)
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	require.NoError(t, h.orch.Run(context.Background()))

	st := h.orch.State()
	assert.True(t, st.Completed)
	assert.Equal(t, core.PhaseDone, st.Phase)
	assert.Equal(t, "agent_a", st.WinningAlias)
	assert.Equal(t, 0, st.Round)
	require.NotNil(t, st.LastRunVerdict)
	assert.Equal(t, 10, st.LastRunVerdict.FinalScore)
	assert.True(t, st.LastRunVerdict.Consensus)
	assert.Equal(t, "solution by agent_a", st.WinningSolution)

	// The clean deliverable holds the winner's work and compare URL.
	doc, err := os.ReadFile(filepath.Join(h.dir, WinningSolutionFileName))
	require.NoError(t, err)
	assert.Contains(t, string(doc), "solution by agent_a")
	assert.Contains(t, string(doc), "analysis by agent_a")
	assert.Contains(t, string(doc), "acme/frob/compare/main...arena/opus")

	// The rolling report links artifacts but never inlines solutions.
	report, err := os.ReadFile(filepath.Join(h.dir, ReportFileName))
	require.NoError(t, err)
	assert.Contains(t, string(report), "consensus reached")
	assert.NotContains(t, string(report), "solution by agent_a")

	// Exactly one evaluate prompt per agent.
	for _, alias := range st.Aliases() {
		assert.Len(t, h.cas.userMessages(h.agentID(alias), "# Evaluation round"), 1, alias)
	}
}

func TestRun_SplitVotesThenSecondRoundConsensus(t *testing.T) {
	h := newHarness(t, allModels(), nil)
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 8, vote: "agent_b", divergences: 1},
		"agent_b": {score: 8, vote: "agent_c", divergences: 1},
		"agent_c": {score: 8, vote: "agent_a", divergences: 1},
	}
	h.cas.votes[1] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	require.NoError(t, h.orch.Run(context.Background()))

	st := h.orch.State()
	assert.True(t, st.Completed)
	assert.Equal(t, "agent_a", st.WinningAlias)
	assert.Equal(t, 1, st.Round)
	assert.Equal(t, "revised solution by agent_a", st.WinningSolution)

	// Round 0 settled without a winner.
	require.Len(t, st.Rounds, 2)
	assert.Equal(t, "", st.Rounds[0].WinnerAlias)
	assert.Equal(t, 8, st.Rounds[0].FinalScore)
	assert.False(t, st.Rounds[0].Consensus)

	// Each agent got exactly one revision follow-up.
	for _, alias := range st.Aliases() {
		assert.Len(t, h.cas.userMessages(h.agentID(alias), "# Revision round"), 1, alias)
	}
}

func TestRun_RoundExhaustionWithoutWinner(t *testing.T) {
	h := newHarness(t, allModels(), func(c *core.ArenaConfig) { c.MaxRounds = 1 })
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 8, vote: "agent_b", divergences: 1},
		"agent_b": {score: 8, vote: "agent_c", divergences: 1},
		"agent_c": {score: 8, vote: "agent_a", divergences: 1},
	}

	require.NoError(t, h.orch.Run(context.Background()))

	st := h.orch.State()
	assert.True(t, st.Completed)
	assert.Equal(t, core.PhaseDone, st.Phase)
	assert.Empty(t, st.WinningAlias)

	_, err := os.Stat(filepath.Join(h.dir, WinningSolutionFileName))
	assert.True(t, os.IsNotExist(err), "no winning-solution.md without consensus")
}

func TestRun_SingleAgentNeverConverges(t *testing.T) {
	h := newHarness(t, []string{"opus"}, func(c *core.ArenaConfig) { c.MaxRounds = 1 })
	h.cas.votes[0] = map[string]voteSpec{
		// The only possible target is itself, which is invalid.
		"agent_a": {score: 10, vote: "agent_a"},
	}

	require.NoError(t, h.orch.Run(context.Background()))

	st := h.orch.State()
	assert.True(t, st.Completed)
	assert.Empty(t, st.WinningAlias)
	_, err := os.Stat(filepath.Join(h.dir, WinningSolutionFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_VerifyGatingDowngradesConsensus(t *testing.T) {
	failing := func(_ context.Context, command string) core.VerifyResult {
		result := core.VerifyResult{Command: command, Stdout: "checked"}
		if command == "exit 1" {
			result.ExitCode = 1
		}
		return result
	}

	h := newHarness(t, allModels(), func(c *core.ArenaConfig) {
		c.MaxRounds = 2
		c.VerifyMode = core.VerifyGating
		c.VerifyCommands = []string{"true", "exit 1"}
	}, WithVerifyRunner(failing))

	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	// Generate, then the evaluate that gets downgraded.
	ctx := context.Background()
	require.NoError(t, h.orch.Step(ctx))
	require.NoError(t, h.orch.Step(ctx))

	st := h.orch.State()
	require.NotNil(t, st.LastRunVerdict)
	assert.False(t, st.LastRunVerdict.Consensus)
	assert.True(t, st.LastRunVerdict.VerifyDowngraded)
	require.Len(t, st.VerifyResults, 2)
	assert.Equal(t, 0, st.VerifyResults[0].ExitCode)
	assert.Equal(t, 1, st.VerifyResults[1].ExitCode)
	assert.Equal(t, 1, st.Round)
	assert.Equal(t, core.PhaseGenerate, st.Phase)
	assert.False(t, st.Completed)
}

func TestRun_AdvisoryVerifyDoesNotBlock(t *testing.T) {
	failing := func(_ context.Context, command string) core.VerifyResult {
		return core.VerifyResult{Command: command, ExitCode: 1}
	}

	h := newHarness(t, allModels(), func(c *core.ArenaConfig) {
		c.VerifyCommands = []string{"exit 1"}
	}, WithVerifyRunner(failing))

	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	require.NoError(t, h.orch.Run(context.Background()))

	st := h.orch.State()
	assert.True(t, st.Completed)
	assert.Equal(t, "agent_a", st.WinningAlias)
	require.Len(t, st.VerifyResults, 1)
	assert.Equal(t, 1, st.VerifyResults[0].ExitCode)
}

func TestStep_CompletedRunIsNoOp(t *testing.T) {
	h := newHarness(t, allModels(), nil)
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	ctx := context.Background()
	require.NoError(t, h.orch.Run(ctx))

	before := len(h.cas.agents[h.agentID("agent_a")].messages)
	require.NoError(t, h.orch.Step(ctx))
	require.NoError(t, h.orch.Run(ctx))
	assert.Equal(t, before, len(h.cas.agents[h.agentID("agent_a")].messages))
}

func TestStep_CrashBetweenBaselineAndPostRepostsOnce(t *testing.T) {
	h := newHarness(t, allModels(), nil)
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	ctx := context.Background()
	require.NoError(t, h.orch.Step(ctx)) // generate completes, phase = evaluate

	// Simulate the crash: baseline persisted and alias marked sent, but
	// the follow-up never reached the CAS.
	st := h.orch.State()
	require.Equal(t, core.PhaseEvaluate, st.Phase)
	agentID := h.agentID("agent_a")
	messages, err := h.cas.Conversation(ctx, agentID)
	require.NoError(t, err)
	st.SentMsgCounts["agent_a"] = len(messages)
	require.NoError(t, st.SetProgress("agent_a", core.ProgressSent))
	require.NoError(t, h.store.Save(ctx, st))

	// The restarted step reposts exactly once and completes normally.
	require.NoError(t, h.orch.Run(ctx))
	assert.Len(t, h.cas.userMessages(agentID, "# Evaluation round"), 1)
	assert.True(t, h.orch.State().Completed)
}

func TestGenerate_MissingFileRetries(t *testing.T) {
	h := newHarness(t, allModels(), nil)
	// agent_b ignores the first commit request, then complies.
	h.cas.withholdFiles["agent_b"] = 1
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	ctx := context.Background()
	require.NoError(t, h.orch.Step(ctx))

	st := h.orch.State()
	assert.Equal(t, core.PhaseEvaluate, st.Phase)
	assert.NotEmpty(t, st.Solutions["agent_b"])
	assert.NotEmpty(t, h.cas.userMessages(h.agentID("agent_b"), "missing required files"))
}

func TestGenerate_PersistentlyMissingFileLeavesSlotEmpty(t *testing.T) {
	h := newHarness(t, allModels(), func(c *core.ArenaConfig) { c.MaxRounds = 1 })
	// agent_c never commits anything, exhausting every retry.
	h.cas.withholdFiles["agent_c"] = 100
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	ctx := context.Background()
	require.NoError(t, h.orch.Step(ctx))

	st := h.orch.State()
	assert.Equal(t, core.PhaseEvaluate, st.Phase)
	assert.Empty(t, st.Solutions["agent_c"])
	assert.Empty(t, st.Analyses["agent_c"])
	// Three re-prompts for the solution, bounded by the retry budget.
	solutionPrompts := h.cas.userMessages(h.agentID("agent_c"), "-solution.md")
	missing := h.cas.userMessages(h.agentID("agent_c"), "missing required files")
	assert.Len(t, missing, 6, "3 retries for the solution + 3 for the analysis")
	assert.NotEmpty(t, solutionPrompts)

	// The agent can still vote and be voted for.
	require.NoError(t, h.orch.Step(ctx))
	st = h.orch.State()
	assert.NotNil(t, st.VoteVerdicts["agent_c"])
}

func TestEvaluate_MalformedVerdictAbstains(t *testing.T) {
	h := newHarness(t, allModels(), func(c *core.ArenaConfig) { c.MaxRounds = 1 })
	// agent_c never produces a parseable verdict.
	h.cas.garbleVerdicts["agent_c"] = 100
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_c"},
		"agent_b": {score: 10, vote: "agent_a"},
	}

	require.NoError(t, h.orch.Run(context.Background()))

	st := h.orch.State()
	assert.True(t, st.Completed)
	assert.Nil(t, st.VoteVerdicts["agent_c"])
	require.Len(t, st.Rounds, 1)
	assert.Contains(t, st.Rounds[0].Abstained, "agent_c")
	// One vote each for agent_a and agent_c: no winner.
	assert.Empty(t, st.WinningAlias)
	// Re-requests are bounded.
	retries := h.cas.userMessages(h.agentID("agent_c"), "did not contain a readable verdict")
	assert.Len(t, retries, 3)
}

func TestQueuedCommentDeliveredAtPhaseBoundary(t *testing.T) {
	h := newHarness(t, allModels(), nil)
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	ctx := context.Background()
	require.NoError(t, h.orch.Step(ctx)) // generate, phase = evaluate

	entry := NewCommentEntry("Prefer conservative dependency upgrades.", true,
		[]string{"agent_b", "agent_c"})
	require.NoError(t, QueueComment(h.dir, entry))

	require.NoError(t, h.orch.Step(ctx)) // delivers comment, then evaluate

	// Sidecar deleted after delivery.
	_, err := os.Stat(PendingCommentsPath(h.dir))
	assert.True(t, os.IsNotExist(err))

	// Targets got the comment before the evaluate follow-up; agent_a
	// never saw it.
	for _, alias := range []string{"agent_b", "agent_c"} {
		messages := h.cas.agents[h.agentID(alias)].messages
		commentIdx, evalIdx := -1, -1
		for i, msg := range messages {
			if msg.Role != core.RoleUser {
				continue
			}
			if commentIdx < 0 && containsAll(msg.Content, "Operator note", "conservative dependency upgrades") {
				commentIdx = i
			}
			if evalIdx < 0 && containsAll(msg.Content, "# Evaluation round") {
				evalIdx = i
			}
		}
		require.GreaterOrEqual(t, commentIdx, 0, alias)
		require.GreaterOrEqual(t, evalIdx, 0, alias)
		assert.Less(t, commentIdx, evalIdx, alias)
	}
	assert.Empty(t, h.cas.userMessages(h.agentID("agent_a"), "conservative dependency upgrades"))
}

func TestImmediateCommentUnwrapped(t *testing.T) {
	h := newHarness(t, allModels(), nil)
	h.cas.votes[0] = map[string]voteSpec{
		"agent_a": {score: 10, vote: "agent_b"},
		"agent_b": {score: 10, vote: "agent_a"},
		"agent_c": {score: 10, vote: "agent_a"},
	}

	ctx := context.Background()
	require.NoError(t, h.orch.Step(ctx))

	entry := NewCommentEntry("Raw note.", false, nil)
	require.NoError(t, h.orch.PostComment(ctx, entry))

	for _, alias := range h.orch.State().Aliases() {
		messages := h.cas.userMessages(h.agentID(alias), "Raw note.")
		require.Len(t, messages, 1, alias)
		assert.NotContains(t, messages[0], "Operator note")
	}
}

func TestArchiveIdempotence(t *testing.T) {
	h := newHarness(t, allModels(), nil)

	content := []byte("identical artifact bytes")
	require.NoError(t, h.orch.archiveArtifact(core.PhaseGenerate, "opus", "solution", "md", content))
	require.NoError(t, h.orch.archiveArtifact(core.PhaseGenerate, "opus", "solution", "md", content))

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	archives := 0
	for _, e := range entries {
		if !e.IsDir() && e.Name() != state.StateFileName {
			archives++
		}
	}
	assert.Equal(t, 1, archives)

	summary := h.orch.currentRoundSummary()
	require.NotNil(t, summary)
	assert.Len(t, summary.ArchiveFiles, 1)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
