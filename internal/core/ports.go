package core

import "context"

// AgentState is the lifecycle state reported by the Cloud Agent Service.
type AgentState string

const (
	AgentCreating  AgentState = "CREATING"
	AgentRunning   AgentState = "RUNNING"
	AgentFinished  AgentState = "FINISHED"
	AgentErrored   AgentState = "ERRORED"
	AgentCancelled AgentState = "CANCELLED"
)

// Terminal reports whether the state is final.
func (s AgentState) Terminal() bool {
	switch s {
	case AgentFinished, AgentErrored, AgentCancelled:
		return true
	default:
		return false
	}
}

// Message is one turn in an agent conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AgentStatus is the status snapshot for a remote agent.
type AgentStatus struct {
	State      AgentState `json:"state"`
	BranchName string     `json:"branch_name,omitempty"`
}

// LaunchOptions configures a new remote agent.
type LaunchOptions struct {
	Prompt     string
	Repo       string
	BaseBranch string
	Model      string
}

// ModelInfo describes a model the service accepts.
type ModelInfo struct {
	ID string `json:"id"`
}

// RepositoryInfo describes a repository the credential can reach.
type RepositoryInfo struct {
	ID string `json:"id"`
}

// AgentService is the port to the Cloud Agent Service. Implementations
// must retry transient failures internally; returned errors are
// permanent from the orchestrator's point of view.
type AgentService interface {
	Launch(ctx context.Context, opts LaunchOptions) (string, error)
	Followup(ctx context.Context, agentID, prompt string) error
	Status(ctx context.Context, agentID string) (AgentStatus, error)
	Conversation(ctx context.Context, agentID string) ([]Message, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	ListRepositories(ctx context.Context) ([]RepositoryInfo, error)

	// WaitForAllAgents polls until every agent reaches a terminal
	// state. Per-agent terminal failures (ERRORED, CANCELLED, retry
	// budget exhausted) are returned in the map so the phase can
	// proceed without the failed agent; the error covers cancellation
	// and other whole-wait failures only.
	WaitForAllAgents(ctx context.Context, agentIDs []string) (map[string]error, error)

	// WaitForAllFollowups polls until, for each agent, the conversation
	// holds more messages than the recorded baseline and the newest
	// message is from the assistant. It never posts follow-ups; it is
	// the crash-safe recovery primitive. Failure semantics match
	// WaitForAllAgents.
	WaitForAllFollowups(ctx context.Context, baselines map[string]int) (map[string]error, error)
}

// BranchReader reads files from agent branches of the target repository
// and resolves compare URLs. The orchestrator never writes to branches.
type BranchReader interface {
	FetchFile(ctx context.Context, repo, branch, path string) (string, error)
	CompareURL(repo, base, branch string) string
}

// StateStore persists the arena document.
type StateStore interface {
	Save(ctx context.Context, state *ArenaState) error
	Load(ctx context.Context) (*ArenaState, error)
}
