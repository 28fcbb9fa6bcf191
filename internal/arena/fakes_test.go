package arena

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

// voteSpec scripts one agent's verdict for one evaluate round.
type voteSpec struct {
	score       int
	vote        string
	divergences int
}

// fakeCAS is an in-process Cloud Agent Service. Agents respond
// synchronously: a launch or follow-up immediately appends the
// scripted assistant reply and commits the scripted branch files.
type fakeCAS struct {
	mu     sync.Mutex
	seq    int
	agents map[string]*fakeAgent
	// files maps branch -> path -> content, the fake's "repository".
	files map[string]map[string]string

	// aliasOf maps model -> alias so scripted votes can be keyed by
	// alias while agents are created by model.
	aliasOf map[string]string
	// votes maps round -> alias -> scripted verdict.
	votes map[int]map[string]voteSpec
	// withholdFiles counts how many commit requests an alias ignores
	// before finally committing (simulates missing files).
	withholdFiles map[string]int
	// garbleVerdicts counts how many evaluate replies an alias answers
	// without a parseable verdict block.
	garbleVerdicts map[string]int
}

type fakeAgent struct {
	id       string
	model    string
	branch   string
	state    core.AgentState
	messages []core.Message
}

func newFakeCAS(aliasOf map[string]string) *fakeCAS {
	return &fakeCAS{
		agents:         make(map[string]*fakeAgent),
		files:          make(map[string]map[string]string),
		aliasOf:        aliasOf,
		votes:          make(map[int]map[string]voteSpec),
		withholdFiles:  make(map[string]int),
		garbleVerdicts: make(map[string]int),
	}
}

var (
	solutionPathRe = regexp.MustCompile("`(arenas/[^`]+-solution\\.md)`")
	analysisPathRe = regexp.MustCompile("`(arenas/[^`]+-analysis\\.md)`")
	critiquePathRe = regexp.MustCompile("`(arenas/[^`]+-critique\\.md)`")
	evalRoundRe    = regexp.MustCompile(`Evaluation round (\d+)`)
)

func (f *fakeCAS) Launch(_ context.Context, opts core.LaunchOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	agent := &fakeAgent{
		id:     fmt.Sprintf("cas-%d", f.seq),
		model:  opts.Model,
		branch: "arena/" + opts.Model,
		state:  core.AgentFinished,
	}
	f.agents[agent.id] = agent
	f.appendTurn(agent, opts.Prompt)
	return agent.id, nil
}

func (f *fakeCAS) Followup(_ context.Context, agentID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	agent, ok := f.agents[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	f.appendTurn(agent, prompt)
	return nil
}

// appendTurn records the user prompt and the scripted assistant reply.
func (f *fakeCAS) appendTurn(agent *fakeAgent, prompt string) {
	agent.messages = append(agent.messages, core.Message{Role: core.RoleUser, Content: prompt})
	reply := f.respond(agent, prompt)
	agent.messages = append(agent.messages, core.Message{Role: core.RoleAssistant, Content: reply})
}

func (f *fakeCAS) respond(agent *fakeAgent, prompt string) string {
	alias := f.aliasOf[agent.model]

	switch {
	case strings.Contains(prompt, "# Evaluation round"):
		round := 0
		if m := evalRoundRe.FindStringSubmatch(prompt); m != nil {
			round, _ = strconv.Atoi(m[1])
		}
		if path := firstMatch(critiquePathRe, prompt); path != "" {
			f.commit(agent.branch, path, fmt.Sprintf("critique by %s round %d", alias, round))
		}
		if f.garbleVerdicts[alias] > 0 {
			f.garbleVerdicts[alias]--
			return "I looked at everything and it seems broadly fine."
		}
		spec, ok := f.votes[round][alias]
		if !ok {
			return "no verdict scripted"
		}
		return verdictReply(spec)

	case strings.Contains(prompt, "did not contain a readable verdict"):
		round := f.lastEvaluateRound(agent)
		if f.garbleVerdicts[alias] > 0 {
			f.garbleVerdicts[alias]--
			return "Still just prose, sorry."
		}
		spec, ok := f.votes[round][alias]
		if !ok {
			return "no verdict scripted"
		}
		return verdictReply(spec)

	case strings.Contains(prompt, "missing required files"):
		if f.withholdFiles[alias] > 0 {
			f.withholdFiles[alias]--
			return "Working on it."
		}
		for _, re := range []*regexp.Regexp{solutionPathRe, analysisPathRe, critiquePathRe} {
			if path := firstMatch(re, prompt); path != "" {
				f.commit(agent.branch, path, fmt.Sprintf("late artifact by %s", alias))
			}
		}
		return "Committed the missing files."

	case strings.Contains(prompt, "# Revision round"), strings.Contains(prompt, "# Task"):
		revised := ""
		if strings.Contains(prompt, "# Revision round") {
			revised = "revised "
		}
		if f.withholdFiles[alias] > 0 {
			f.withholdFiles[alias]--
			return "Pushed partial work."
		}
		if path := firstMatch(solutionPathRe, prompt); path != "" {
			f.commit(agent.branch, path, fmt.Sprintf("%ssolution by %s", revised, alias))
		}
		if path := firstMatch(analysisPathRe, prompt); path != "" {
			f.commit(agent.branch, path, fmt.Sprintf("%sanalysis by %s", revised, alias))
		}
		return "Committed solution and analysis."

	default:
		return "Acknowledged."
	}
}

// lastEvaluateRound finds the round of the most recent evaluate prompt
// in the agent's own conversation.
func (f *fakeCAS) lastEvaluateRound(agent *fakeAgent) int {
	for i := len(agent.messages) - 1; i >= 0; i-- {
		if m := evalRoundRe.FindStringSubmatch(agent.messages[i].Content); m != nil {
			round, _ := strconv.Atoi(m[1])
			return round
		}
	}
	return 0
}

func verdictReply(spec voteSpec) string {
	var divergences []string
	for i := 0; i < spec.divergences; i++ {
		divergences = append(divergences,
			fmt.Sprintf(`{"topic": "topic-%d", "description": "unresolved point %d"}`, i, i))
	}
	return fmt.Sprintf(
		"My critique is committed.\n\n```verdict\n{\"score\": %d, \"best_other_alias\": %q, \"divergences\": [%s]}\n```\n",
		spec.score, spec.vote, strings.Join(divergences, ", "))
}

func firstMatch(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

func (f *fakeCAS) commit(branch, path, content string) {
	if f.files[branch] == nil {
		f.files[branch] = make(map[string]string)
	}
	f.files[branch][path] = content
}

func (f *fakeCAS) Status(_ context.Context, agentID string) (core.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return core.AgentStatus{}, fmt.Errorf("unknown agent %s", agentID)
	}
	return core.AgentStatus{State: agent.state, BranchName: agent.branch}, nil
}

func (f *fakeCAS) Conversation(_ context.Context, agentID string) ([]core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent %s", agentID)
	}
	return append([]core.Message(nil), agent.messages...), nil
}

func (f *fakeCAS) ListModels(context.Context) ([]core.ModelInfo, error) {
	models := make([]core.ModelInfo, 0, len(f.aliasOf))
	for model := range f.aliasOf {
		models = append(models, core.ModelInfo{ID: model})
	}
	return models, nil
}

func (f *fakeCAS) ListRepositories(context.Context) ([]core.RepositoryInfo, error) {
	return []core.RepositoryInfo{{ID: "acme/frob"}}, nil
}

func (f *fakeCAS) WaitForAllAgents(ctx context.Context, agentIDs []string) (map[string]error, error) {
	failures := make(map[string]error)
	for _, id := range agentIDs {
		status, err := f.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if status.State != core.AgentFinished {
			failures[id] = core.ErrAgent(core.CodeAgentErrored, "terminal failure")
		}
	}
	return failures, nil
}

func (f *fakeCAS) WaitForAllFollowups(ctx context.Context, baselines map[string]int) (map[string]error, error) {
	failures := make(map[string]error)
	for id, baseline := range baselines {
		messages, err := f.Conversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(messages) <= baseline || messages[len(messages)-1].Role != core.RoleAssistant {
			failures[id] = core.ErrAgent(core.CodeAgentErrored, "no response arrived")
		}
	}
	return failures, nil
}

// userMessages returns the agent's user-role messages containing the
// given marker.
func (f *fakeCAS) userMessages(agentID, marker string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []string
	for _, msg := range f.agents[agentID].messages {
		if msg.Role == core.RoleUser && strings.Contains(msg.Content, marker) {
			matches = append(matches, msg.Content)
		}
	}
	return matches
}

var _ core.AgentService = (*fakeCAS)(nil)

// fakeBranches reads the fake repository.
type fakeBranches struct {
	cas *fakeCAS
}

func (b fakeBranches) FetchFile(_ context.Context, _, branch, path string) (string, error) {
	b.cas.mu.Lock()
	defer b.cas.mu.Unlock()
	content, ok := b.cas.files[branch][path]
	if !ok {
		return "", core.ErrAgent(core.CodeFileMissing, path)
	}
	return content, nil
}

func (b fakeBranches) CompareURL(repo, base, branch string) string {
	return fmt.Sprintf("https://github.com/%s/compare/%s...%s", repo, base, branch)
}

var _ core.BranchReader = fakeBranches{}
