package arena

import (
	"context"
	"errors"
	"fmt"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/extract"
)

// handleGenerate advances the generate phase. Round 0 launches fresh
// agents; later rounds post revision follow-ups to the existing ones.
// Every per-agent transition is saved before the next side effect so a
// restart resumes exactly where the last completed unit left off.
func (o *Orchestrator) handleGenerate(ctx context.Context) error {
	if o.st.Round == 0 {
		if err := o.launchInitialAgents(ctx); err != nil {
			return err
		}
	} else {
		if err := o.postRevisionFollowups(ctx); err != nil {
			return err
		}
	}

	if err := o.collectGenerateArtifacts(ctx); err != nil {
		return err
	}

	return o.transition(ctx, core.PhaseEvaluate)
}

// launchInitialAgents opens a CAS agent per pending alias and waits for
// all launched agents to finish their initial run.
func (o *Orchestrator) launchInitialAgents(ctx context.Context) error {
	log := o.logger.WithPhase(string(core.PhaseGenerate)).WithRound(o.st.Round)

	for _, alias := range o.st.Aliases() {
		if o.st.Progress(alias) != core.ProgressPending {
			continue
		}

		prompt, err := o.prompts.RenderGenerateInitial(GenerateInitialParams{
			Task:         o.st.Config.Task,
			Alias:        alias,
			SolutionPath: o.solutionPath(alias),
			AnalysisPath: o.analysisPath(alias),
		})
		if err != nil {
			return err
		}

		agentID, err := o.cas.Launch(ctx, core.LaunchOptions{
			Prompt:     prompt,
			Repo:       o.st.Config.Repo,
			BaseBranch: o.st.Config.BaseBranch,
			Model:      o.st.Model(alias),
		})
		if err != nil {
			return fmt.Errorf("launching %s: %w", alias, err)
		}

		o.st.AgentIDs[alias] = agentID
		if err := o.st.SetProgress(alias, core.ProgressSent); err != nil {
			return err
		}
		if err := o.save(ctx); err != nil {
			return err
		}
		log.Info("agent launched", "alias", alias, "model", o.st.Model(alias), "agent_id", agentID)
	}

	ids := o.inFlightAgentIDs()
	if len(ids) == 0 {
		return nil
	}
	failures, err := o.cas.WaitForAllAgents(ctx, ids)
	if err != nil {
		return err
	}
	o.recordAgentFailures(failures)

	return o.refreshBranchNames(ctx)
}

// postRevisionFollowups records the crash-safe baseline, then posts the
// revision follow-up referencing the sibling critique files, and waits
// for every agent's new assistant response.
func (o *Orchestrator) postRevisionFollowups(ctx context.Context) error {
	for _, alias := range o.st.Aliases() {
		if o.st.Progress(alias) != core.ProgressPending {
			continue
		}
		if err := o.recordBaseline(ctx, alias); err != nil {
			return err
		}
	}

	for _, alias := range o.st.Aliases() {
		if o.st.Progress(alias) != core.ProgressSent {
			continue
		}
		prompt, err := o.revisionPrompt(alias)
		if err != nil {
			return err
		}
		if err := o.ensureFollowupPosted(ctx, alias, prompt); err != nil {
			return err
		}
	}

	return o.waitForSentFollowups(ctx)
}

func (o *Orchestrator) revisionPrompt(alias string) (string, error) {
	var critiques []CritiqueRef
	for _, sibling := range o.st.Aliases() {
		if sibling == alias {
			continue
		}
		critiques = append(critiques, CritiqueRef{
			Alias:  sibling,
			Branch: o.st.BranchNames[sibling],
			Path:   o.critiquePath(sibling),
		})
	}
	return o.prompts.RenderGenerateRevision(GenerateRevisionParams{
		Round:        o.st.Round,
		Alias:        alias,
		SolutionPath: o.solutionPath(alias),
		AnalysisPath: o.analysisPath(alias),
		Critiques:    critiques,
	})
}

// collectGenerateArtifacts fetches the solution and analysis files from
// each agent's branch, re-prompting for missing files up to the retry
// bound, then archives and records them.
func (o *Orchestrator) collectGenerateArtifacts(ctx context.Context) error {
	log := o.logger.WithPhase(string(core.PhaseGenerate)).WithRound(o.st.Round)

	for _, alias := range o.st.Aliases() {
		if o.st.Progress(alias) != core.ProgressSent {
			continue
		}

		solution := o.fetchArtifactWithRetries(ctx, alias, "solution", o.solutionPath(alias))
		analysis := o.fetchArtifactWithRetries(ctx, alias, "analysis", o.analysisPath(alias))

		if solution != "" {
			o.st.Solutions[alias] = solution
			if err := o.archiveArtifact(core.PhaseGenerate, o.st.Model(alias), "solution", "md", []byte(solution)); err != nil {
				return err
			}
		} else {
			// The round still advances; the alias keeps voting and can
			// still be voted for.
			delete(o.st.Solutions, alias)
			log.Warn("no solution collected", "alias", alias)
		}
		if analysis != "" {
			o.st.Analyses[alias] = analysis
			if err := o.archiveArtifact(core.PhaseGenerate, o.st.Model(alias), "analysis", "md", []byte(analysis)); err != nil {
				return err
			}
		} else {
			delete(o.st.Analyses, alias)
			log.Warn("no analysis collected", "alias", alias)
		}

		if err := o.st.SetProgress(alias, core.ProgressDone); err != nil {
			return err
		}
		if err := o.save(ctx); err != nil {
			return err
		}
		log.Info("generate artifacts collected", "alias", alias, "has_solution", solution != "")
	}
	return nil
}

// fetchArtifactWithRetries reads one committed file from the agent's
// branch. When the file is missing it re-prompts the agent with the
// exact path, waits for a new assistant message, and re-fetches, up to
// maxFileRetries. Persistent failure returns empty content.
func (o *Orchestrator) fetchArtifactWithRetries(ctx context.Context, alias, artifact, path string) string {
	log := o.logger.WithAlias(alias).WithRound(o.st.Round)
	branch := o.st.BranchNames[alias]
	if branch == "" {
		log.Warn("no branch known for agent, skipping artifact", "artifact", artifact)
		return ""
	}

	retryKey := core.RetryKey(o.st.Round, o.st.Phase, alias, artifact)
	for {
		content, err := o.branches.FetchFile(ctx, o.st.Config.Repo, branch, path)
		if err == nil {
			return content
		}
		if !errors.Is(err, core.ErrAgent(core.CodeFileMissing, "")) {
			log.Warn("fetching artifact failed", "artifact", artifact, "error", err)
			return ""
		}

		if o.st.FileRetries[retryKey] >= maxFileRetries {
			log.Warn("artifact still missing after retries", "artifact", artifact, "path", path)
			return ""
		}
		o.st.FileRetries[retryKey]++
		if err := o.save(ctx); err != nil {
			log.Warn("persisting retry counter failed", "error", err)
			return ""
		}
		log.Info("re-prompting for missing artifact",
			"artifact", artifact, "path", path, "attempt", o.st.FileRetries[retryKey])

		if err := o.repromptAndAwait(ctx, alias, []string{path}); err != nil {
			log.Warn("re-prompt failed", "artifact", artifact, "error", err)
			return ""
		}
	}
}

// repromptAndAwait posts the missing-file directive and blocks until a
// new assistant message arrives.
func (o *Orchestrator) repromptAndAwait(ctx context.Context, alias string, paths []string) error {
	agentID := o.st.AgentIDs[alias]
	if agentID == "" {
		return core.ErrState(core.CodeUnknownAlias, fmt.Sprintf("no agent for %s", alias))
	}

	messages, err := o.cas.Conversation(ctx, agentID)
	if err != nil {
		return err
	}
	baseline := extract.MessageCount(messages)
	o.st.SentMsgCounts[alias] = baseline
	if err := o.save(ctx); err != nil {
		return err
	}

	prompt, err := o.prompts.RenderMissingFiles(MissingFilesParams{Paths: paths})
	if err != nil {
		return err
	}
	if err := o.cas.Followup(ctx, agentID, prompt); err != nil {
		return err
	}

	failures, err := o.cas.WaitForAllFollowups(ctx, map[string]int{agentID: baseline})
	if err != nil {
		return err
	}
	if ferr := failures[agentID]; ferr != nil {
		return ferr
	}
	return nil
}

// recordBaseline persists the conversation length and marks the alias
// sent, in that order, before anything is posted. This is step (1) of
// the crash-safe follow-up protocol.
func (o *Orchestrator) recordBaseline(ctx context.Context, alias string) error {
	agentID := o.st.AgentIDs[alias]
	if agentID == "" {
		// An agent that never launched cannot revise; close it out.
		o.logger.Warn("alias has no agent, skipping", "alias", alias)
		o.st.PhaseProgress[alias] = core.ProgressDone
		return o.save(ctx)
	}

	messages, err := o.cas.Conversation(ctx, agentID)
	if err != nil {
		return err
	}
	o.st.SentMsgCounts[alias] = extract.MessageCount(messages)
	if err := o.st.SetProgress(alias, core.ProgressSent); err != nil {
		return err
	}
	return o.save(ctx)
}

// ensureFollowupPosted posts the follow-up unless the conversation
// already moved past the persisted baseline. After a crash between
// baseline persistence and the post, this reposts exactly once; when
// the post did land, the extra messages make this a no-op.
func (o *Orchestrator) ensureFollowupPosted(ctx context.Context, alias, prompt string) error {
	agentID := o.st.AgentIDs[alias]
	if agentID == "" {
		return nil
	}

	messages, err := o.cas.Conversation(ctx, agentID)
	if err != nil {
		return err
	}
	if extract.MessageCount(messages) > o.st.SentMsgCounts[alias] {
		return nil
	}
	return o.cas.Followup(ctx, agentID, prompt)
}

// waitForSentFollowups blocks until every sent alias has a new
// assistant message past its baseline. Per-agent failures close the
// alias out so the phase can advance without it.
func (o *Orchestrator) waitForSentFollowups(ctx context.Context) error {
	baselines := make(map[string]int)
	for _, alias := range o.st.Aliases() {
		if o.st.Progress(alias) != core.ProgressSent {
			continue
		}
		if agentID := o.st.AgentIDs[alias]; agentID != "" {
			baselines[agentID] = o.st.SentMsgCounts[alias]
		}
	}
	if len(baselines) == 0 {
		return nil
	}

	failures, err := o.cas.WaitForAllFollowups(ctx, baselines)
	if err != nil {
		return err
	}
	o.recordAgentFailures(failures)
	return nil
}

// inFlightAgentIDs returns the agent IDs for aliases currently sent.
func (o *Orchestrator) inFlightAgentIDs() []string {
	var ids []string
	for _, alias := range o.st.Aliases() {
		if o.st.Progress(alias) != core.ProgressSent {
			continue
		}
		if id := o.st.AgentIDs[alias]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// recordAgentFailures marks terminally failed agents done with empty
// artifacts; the phase proceeds without them.
func (o *Orchestrator) recordAgentFailures(failures map[string]error) {
	if len(failures) == 0 {
		return
	}
	byID := o.aliasByAgentID()
	for agentID, ferr := range failures {
		alias := byID[agentID]
		o.logger.Warn("agent failed terminally", "alias", alias, "agent_id", agentID, "error", ferr)
		if alias != "" {
			o.st.PhaseProgress[alias] = core.ProgressDone
		}
	}
}

// refreshBranchNames fills in branch names the CAS has revealed.
func (o *Orchestrator) refreshBranchNames(ctx context.Context) error {
	for _, alias := range o.st.Aliases() {
		if o.st.BranchNames[alias] != "" {
			continue
		}
		agentID := o.st.AgentIDs[alias]
		if agentID == "" || o.st.Progress(alias) == core.ProgressDone {
			continue
		}
		status, err := o.cas.Status(ctx, agentID)
		if err != nil {
			return err
		}
		if status.BranchName != "" {
			o.st.BranchNames[alias] = status.BranchName
		}
	}
	return o.save(ctx)
}
