package arena

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptRenderer_GenerateInitial(t *testing.T) {
	r, err := NewPromptRenderer()
	require.NoError(t, err)

	prompt, err := r.RenderGenerateInitial(GenerateInitialParams{
		Task:         "Build the frobnicator",
		Alias:        "agent_a",
		SolutionPath: "arenas/0001/agent_a-solution.md",
		AnalysisPath: "arenas/0001/agent_a-analysis.md",
	})
	require.NoError(t, err)

	assert.Contains(t, prompt, "Build the frobnicator")
	assert.Contains(t, prompt, "agent_a")
	assert.Contains(t, prompt, "`arenas/0001/agent_a-solution.md`")
	assert.Contains(t, prompt, "`arenas/0001/agent_a-analysis.md`")
}

func TestPromptRenderer_RevisionReferencesCritiquesNotContents(t *testing.T) {
	r, err := NewPromptRenderer()
	require.NoError(t, err)

	prompt, err := r.RenderGenerateRevision(GenerateRevisionParams{
		Round:        1,
		Alias:        "agent_a",
		SolutionPath: "arenas/0001/agent_a-solution.md",
		AnalysisPath: "arenas/0001/agent_a-analysis.md",
		Critiques: []CritiqueRef{
			{Alias: "agent_b", Branch: "arena/gpt", Path: "arenas/0001/agent_b-critique.md"},
			{Alias: "agent_c", Branch: "arena/gemini", Path: "arenas/0001/agent_c-critique.md"},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, prompt, "`arenas/0001/agent_b-critique.md` on branch `arena/gpt`")
	assert.Contains(t, prompt, "`arenas/0001/agent_c-critique.md` on branch `arena/gemini`")
}

func TestPromptRenderer_EvaluateCarriesSchemaAndRule(t *testing.T) {
	r, err := NewPromptRenderer()
	require.NoError(t, err)

	prompt, err := r.RenderEvaluate(EvaluateParams{
		Round:        0,
		Alias:        "agent_a",
		ExampleAlias: "agent_b",
		CritiquePath: "arenas/0001/agent_a-critique.md",
		Siblings: []SiblingRef{
			{Alias: "agent_b", Branch: "arena/gpt",
				SolutionPath: "arenas/0001/agent_b-solution.md",
				AnalysisPath: "arenas/0001/agent_b-analysis.md"},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, prompt, "```verdict")
	assert.Contains(t, prompt, "best_other_alias")
	assert.Contains(t, prompt, "divergences")
	// The bidirectional rule is stated in the prompt.
	assert.Contains(t, prompt, "score of 10")
	assert.Contains(t, prompt, "9 or lower")
	assert.Contains(t, prompt, "cannot vote for yourself")
}

func TestPromptRenderer_MissingFiles(t *testing.T) {
	r, err := NewPromptRenderer()
	require.NoError(t, err)

	prompt, err := r.RenderMissingFiles(MissingFilesParams{
		Paths: []string{"arenas/0001/agent_a-solution.md"},
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "missing required files")
	assert.True(t, strings.Contains(prompt, "`arenas/0001/agent_a-solution.md`"))
}

func TestPromptRenderer_OperatorWrap(t *testing.T) {
	r, err := NewPromptRenderer()
	require.NoError(t, err)

	prompt, err := r.RenderOperatorComment(OperatorCommentParams{Message: "Ship it carefully."})
	require.NoError(t, err)
	assert.Contains(t, prompt, "Operator note")
	assert.Contains(t, prompt, "Ship it carefully.")
}
