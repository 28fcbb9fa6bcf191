package arena

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/extract"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/state"
)

// PendingCommentsFileName is the sidecar holding queued operator
// comments inside the run directory. It is written by the add-comment
// front-end and read/deleted only at phase start.
const PendingCommentsFileName = "pending-comments.json"

// CommentEntry is one queued operator message.
type CommentEntry struct {
	ID       string    `json:"id"`
	Message  string    `json:"message"`
	Wrapped  bool      `json:"wrapped"`
	Targets  []string  `json:"targets,omitempty"`
	QueuedAt time.Time `json:"queued_at"`
}

// NewCommentEntry builds an entry with a fresh ID and timestamp.
func NewCommentEntry(message string, wrapped bool, targets []string) CommentEntry {
	return CommentEntry{
		ID:       uuid.NewString(),
		Message:  message,
		Wrapped:  wrapped,
		Targets:  targets,
		QueuedAt: time.Now().UTC(),
	}
}

// PendingCommentsPath returns the sidecar path for a run directory.
func PendingCommentsPath(dir string) string {
	return filepath.Join(dir, PendingCommentsFileName)
}

// QueueComment appends an entry to the sidecar. The read-modify-write
// ends in an atomic rename, serializing concurrent front-end calls.
func QueueComment(dir string, entry CommentEntry) error {
	entries, err := LoadPendingComments(dir)
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling pending comments: %w", err)
	}
	return state.WriteFileAtomic(PendingCommentsPath(dir), data)
}

// LoadPendingComments reads the sidecar; a missing file is an empty
// queue.
func LoadPendingComments(dir string) ([]CommentEntry, error) {
	data, err := os.ReadFile(PendingCommentsPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading pending comments: %w", err)
	}
	var entries []CommentEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing pending comments: %w", err)
	}
	return entries, nil
}

// deliverPendingComments posts every queued entry, in insertion order,
// before any phase work starts, then deletes the sidecar.
func (o *Orchestrator) deliverPendingComments(ctx context.Context) error {
	entries, err := LoadPendingComments(o.store.Dir())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	for _, entry := range entries {
		if err := o.PostComment(ctx, entry); err != nil {
			return err
		}
	}

	if err := os.Remove(PendingCommentsPath(o.store.Dir())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pending comments sidecar: %w", err)
	}
	o.logger.Info("pending operator comments delivered", "count", len(entries))
	return nil
}

// PostComment delivers one operator message to its targets, waits for a
// new assistant response per target, and archives the conversation
// snapshots. Used for both immediate and queued delivery.
func (o *Orchestrator) PostComment(ctx context.Context, entry CommentEntry) error {
	targets := entry.Targets
	if len(targets) == 0 {
		targets = o.st.Aliases()
	}

	message := entry.Message
	if entry.Wrapped {
		wrapped, err := o.prompts.RenderOperatorComment(OperatorCommentParams{Message: entry.Message})
		if err != nil {
			return err
		}
		message = wrapped
	}

	baselines := make(map[string]int)
	aliasByID := make(map[string]string)
	for _, alias := range targets {
		if !o.st.HasAlias(alias) {
			return core.ErrValidation(core.CodeUnknownAlias,
				fmt.Sprintf("unknown comment target %q", alias))
		}
		agentID := o.st.AgentIDs[alias]
		if agentID == "" {
			o.logger.Warn("comment target has no agent yet, skipping", "alias", alias)
			continue
		}

		messages, err := o.cas.Conversation(ctx, agentID)
		if err != nil {
			return err
		}
		baselines[agentID] = extract.MessageCount(messages)
		aliasByID[agentID] = alias

		if err := o.cas.Followup(ctx, agentID, message); err != nil {
			return fmt.Errorf("posting comment to %s: %w", alias, err)
		}
		o.logger.Info("operator comment posted",
			"comment_id", entry.ID, "alias", alias, "wrapped", entry.Wrapped)
	}
	if len(baselines) == 0 {
		return nil
	}

	failures, err := o.cas.WaitForAllFollowups(ctx, baselines)
	if err != nil {
		return err
	}
	for agentID, ferr := range failures {
		o.logger.Warn("comment response failed", "alias", aliasByID[agentID], "error", ferr)
	}

	for agentID, alias := range aliasByID {
		if failures[agentID] != nil {
			continue
		}
		conversation, err := o.cas.Conversation(ctx, agentID)
		if err != nil {
			o.logger.Warn("snapshotting conversation failed", "alias", alias, "error", err)
			continue
		}
		if data, err := json.MarshalIndent(conversation, "", "  "); err == nil {
			if err := o.archiveArtifact(o.archivePhase(), o.st.Model(alias), "conversation", "json", data); err != nil {
				return err
			}
		}
		o.logger.Info("operator comment delivered",
			"comment_id", entry.ID, "alias", alias, "delivered_at", time.Now().UTC().Format(time.RFC3339))
	}
	return nil
}

// archivePhase returns the phase slot for comment snapshots: the
// current phase, or evaluate when the run is already done.
func (o *Orchestrator) archivePhase() core.Phase {
	if o.st.Phase == core.PhaseDone {
		return core.PhaseEvaluate
	}
	return o.st.Phase
}
