package arena

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/extract"
)

// handleEvaluate advances the evaluate phase: it sends every agent the
// cross-review follow-up, collects critiques and verdicts, tallies the
// votes, applies verify gating, and either completes the run or opens
// the next round.
func (o *Orchestrator) handleEvaluate(ctx context.Context) error {
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
		prompt, err := o.evaluatePrompt(alias)
		if err != nil {
			return err
		}
		if err := o.ensureFollowupPosted(ctx, alias, prompt); err != nil {
			return err
		}
	}

	if err := o.waitForSentFollowups(ctx); err != nil {
		return err
	}

	if err := o.collectVerdicts(ctx); err != nil {
		return err
	}

	return o.settleRound(ctx)
}

func (o *Orchestrator) evaluatePrompt(alias string) (string, error) {
	var siblings []SiblingRef
	exampleAlias := ""
	for _, sibling := range o.st.Aliases() {
		if sibling == alias {
			continue
		}
		if exampleAlias == "" {
			exampleAlias = sibling
		}
		siblings = append(siblings, SiblingRef{
			Alias:        sibling,
			Branch:       o.st.BranchNames[sibling],
			SolutionPath: o.solutionPath(sibling),
			AnalysisPath: o.analysisPath(sibling),
		})
	}
	return o.prompts.RenderEvaluate(EvaluateParams{
		Round:        o.st.Round,
		Alias:        alias,
		ExampleAlias: exampleAlias,
		CritiquePath: o.critiquePath(alias),
		Siblings:     siblings,
	})
}

// collectVerdicts extracts each agent's verdict from its final message,
// re-requesting a well-formed one up to the retry bound, fetches the
// committed critique, and archives everything. Persistent extraction
// failure leaves the agent abstaining.
func (o *Orchestrator) collectVerdicts(ctx context.Context) error {
	log := o.logger.WithPhase(string(core.PhaseEvaluate)).WithRound(o.st.Round)

	for _, alias := range o.st.Aliases() {
		if o.st.Progress(alias) != core.ProgressSent {
			continue
		}
		agentID := o.st.AgentIDs[alias]
		if agentID == "" {
			o.st.PhaseProgress[alias] = core.ProgressDone
			if err := o.save(ctx); err != nil {
				return err
			}
			continue
		}

		verdict, conversation := o.extractVerdictWithRetries(ctx, alias, agentID)
		if verdict != nil {
			o.st.VoteVerdicts[alias] = verdict
			for _, w := range verdict.Warnings {
				log.Warn("verdict normalized", "alias", alias, "warning", w)
			}
			if data, err := json.MarshalIndent(verdict, "", "  "); err == nil {
				if err := o.archiveArtifact(core.PhaseEvaluate, o.st.Model(alias), "verdict", "json", data); err != nil {
					return err
				}
			}
		} else {
			delete(o.st.VoteVerdicts, alias)
			log.Warn("agent abstains: no usable verdict", "alias", alias)
		}

		if len(conversation) > 0 {
			if data, err := json.MarshalIndent(conversation, "", "  "); err == nil {
				if err := o.archiveArtifact(core.PhaseEvaluate, o.st.Model(alias), "conversation", "json", data); err != nil {
					return err
				}
			}
		}

		critique := o.fetchArtifactWithRetries(ctx, alias, "critique", o.critiquePath(alias))
		if critique != "" {
			o.st.Critiques[alias] = critique
			if err := o.archiveArtifact(core.PhaseEvaluate, o.st.Model(alias), "critique", "md", []byte(critique)); err != nil {
				return err
			}
		} else {
			delete(o.st.Critiques, alias)
		}

		if err := o.st.SetProgress(alias, core.ProgressDone); err != nil {
			return err
		}
		if err := o.save(ctx); err != nil {
			return err
		}
		log.Info("verdict collected", "alias", alias, "voted", verdict != nil)
	}
	return nil
}

// extractVerdictWithRetries parses the latest assistant message,
// re-requesting a correctly formatted verdict up to maxFileRetries.
func (o *Orchestrator) extractVerdictWithRetries(ctx context.Context, alias, agentID string) (*core.VoteVerdict, []core.Message) {
	log := o.logger.WithAlias(alias).WithRound(o.st.Round)
	retryKey := core.RetryKey(o.st.Round, core.PhaseEvaluate, alias, "verdict")
	aliases := o.st.Aliases()

	var conversation []core.Message
	for {
		messages, err := o.cas.Conversation(ctx, agentID)
		if err != nil {
			log.Warn("fetching conversation failed", "error", err)
			return nil, conversation
		}
		conversation = messages

		if last, ok := extract.LatestAssistantMessage(messages); ok {
			verdict, parseErr := extract.ParseVerdict(last.Content, aliases)
			if parseErr == nil {
				return verdict, conversation
			}
			log.Warn("verdict extraction failed", "error", parseErr)
		}

		if o.st.FileRetries[retryKey] >= maxFileRetries {
			return nil, conversation
		}
		o.st.FileRetries[retryKey]++
		if err := o.save(ctx); err != nil {
			log.Warn("persisting retry counter failed", "error", err)
			return nil, conversation
		}

		prompt, err := o.prompts.RenderVerdictRetry(VerdictRetryParams{Alias: alias})
		if err != nil {
			return nil, conversation
		}
		baseline := extract.MessageCount(conversation)
		o.st.SentMsgCounts[alias] = baseline
		if err := o.save(ctx); err != nil {
			return nil, conversation
		}
		if err := o.cas.Followup(ctx, agentID, prompt); err != nil {
			log.Warn("verdict re-request failed", "error", err)
			return nil, conversation
		}
		failures, err := o.cas.WaitForAllFollowups(ctx, map[string]int{agentID: baseline})
		if err != nil || failures[agentID] != nil {
			return nil, conversation
		}
	}
}

// settleRound tallies the votes, runs verify commands when the vote
// criteria are met, and transitions to done or the next round.
func (o *Orchestrator) settleRound(ctx context.Context) error {
	log := o.logger.WithPhase(string(core.PhaseEvaluate)).WithRound(o.st.Round)

	verdict := core.Tally(o.st.Aliases(), o.st.VoteVerdicts)
	verdict.Round = o.st.Round

	if verdict.Consensus && len(o.st.Config.VerifyCommands) > 0 {
		results := o.runVerifyCommands(ctx)
		verdict.VerifyResults = results
		o.st.VerifyResults = results
		if err := o.archiveVerifyResults(results); err != nil {
			return err
		}

		if o.st.Config.VerifyMode == core.VerifyGating && !allPassed(results) {
			verdict.Consensus = false
			verdict.VerifyDowngraded = true
			log.Warn("consensus downgraded by verify failure")
		}
	}

	o.st.LastRunVerdict = &verdict
	o.st.VerifyDivergences = nil
	for _, alias := range o.st.Aliases() {
		if v := o.st.VoteVerdicts[alias]; v != nil {
			o.st.VerifyDivergences = append(o.st.VerifyDivergences, v.Divergences...)
		}
	}
	o.recordRoundSummary(verdict)

	if verdict.Consensus {
		winner := verdict.WinnerAlias
		o.st.WinningAlias = winner
		o.st.WinningSolution = o.st.Solutions[winner]
		o.st.WinningAnalysis = o.st.Analyses[winner]
		log.Info("consensus reached",
			"winner", winner, "model", o.st.Model(winner), "final_score", verdict.FinalScore)

		if err := o.writeWinningSolution(); err != nil {
			return err
		}
		return o.transition(ctx, core.PhaseDone)
	}

	log.Info("no consensus",
		"final_score", verdict.FinalScore, "winner", verdict.WinnerAlias)

	if o.st.Round+1 < o.st.Config.MaxRounds {
		o.st.Round++
		return o.transition(ctx, core.PhaseGenerate)
	}
	log.Info("round budget exhausted, ending without winner", "max_rounds", o.st.Config.MaxRounds)
	return o.transition(ctx, core.PhaseDone)
}

// recordRoundSummary upserts this round's summary used by the rolling
// report.
func (o *Orchestrator) recordRoundSummary(verdict core.RunVerdict) {
	summary := core.RoundSummary{
		Round:       o.st.Round,
		Votes:       make(map[string]string),
		Scores:      make(map[string]int),
		Divergences: make(map[string][]core.Divergence),
		FinalScore:  verdict.FinalScore,
		WinnerAlias: verdict.WinnerAlias,
		Consensus:   verdict.Consensus,
	}
	for _, alias := range o.st.Aliases() {
		v := o.st.VoteVerdicts[alias]
		if v == nil {
			summary.Abstained = append(summary.Abstained, alias)
			continue
		}
		summary.Votes[alias] = v.BestOtherAlias
		summary.Scores[alias] = v.Score
		if len(v.Divergences) > 0 {
			summary.Divergences[alias] = v.Divergences
		}
	}

	// Merge the archive names collected for this round so far.
	if existing := o.currentRoundSummary(); existing != nil {
		summary.ArchiveFiles = existing.ArchiveFiles
		*existing = summary
		return
	}
	o.st.Rounds = append(o.st.Rounds, summary)
}

// currentRoundSummary returns the mutable summary for the current
// round, if one exists yet.
func (o *Orchestrator) currentRoundSummary() *core.RoundSummary {
	for i := range o.st.Rounds {
		if o.st.Rounds[i].Round == o.st.Round {
			return &o.st.Rounds[i]
		}
	}
	return nil
}

func allPassed(results []core.VerifyResult) bool {
	for _, r := range results {
		if !r.Passed() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) archiveVerifyResults(results []core.VerifyResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling verify results: %w", err)
	}
	// Verify runs are not attributable to a model; the slot carries the
	// phase instead.
	return o.archiveArtifact(core.PhaseEvaluate, "orchestrator", "verify", "json", data)
}
