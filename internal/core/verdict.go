package core

import "sort"

// Divergence records one unresolved disagreement between agents.
type Divergence struct {
	Topic       string `yaml:"topic" json:"topic"`
	Description string `yaml:"description" json:"description"`
}

// VoteVerdict is one agent's structured output from the evaluate phase.
type VoteVerdict struct {
	// Score is the agent's overall convergence score across all
	// solutions, in [1,10].
	Score int `yaml:"score" json:"score"`
	// BestOtherAlias is the alias voted best, excluding the voter's own.
	BestOtherAlias string `yaml:"best_other_alias" json:"best_other_alias"`
	// Divergences lists unresolved disagreements. Empty iff Score == 10.
	Divergences []Divergence `yaml:"divergences" json:"divergences"`
	// Reason is optional short rationale.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	// Invalid marks a vote whose target could not be resolved to an
	// alias in the run. Invalid votes abstain from the tally but the
	// score still participates in the minimum.
	Invalid bool `yaml:"invalid,omitempty" json:"invalid,omitempty"`
	// Warnings records normalization adjustments applied at parse time.
	Warnings []string `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

// VerifyResult snapshots one verify command execution.
type VerifyResult struct {
	Command  string `yaml:"command" json:"command"`
	ExitCode int    `yaml:"exit_code" json:"exit_code"`
	Stdout   string `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr   string `yaml:"stderr,omitempty" json:"stderr,omitempty"`
}

// Passed reports whether the command exited 0.
func (r VerifyResult) Passed() bool {
	return r.ExitCode == 0
}

// RunVerdict is the orchestrator-computed outcome of one evaluate round.
type RunVerdict struct {
	Round int `yaml:"round" json:"round"`
	// FinalScore is the minimum score over all collected verdicts.
	FinalScore int `yaml:"final_score" json:"final_score"`
	// WinnerAlias is the alias with strictly the most non-self votes and
	// at least N-1 of them, or empty when there is no winner.
	WinnerAlias string `yaml:"winner_alias,omitempty" json:"winner_alias,omitempty"`
	// Consensus is true when FinalScore >= ConsensusScoreThreshold, a
	// winner exists, and (in gating mode) every verify command passed.
	Consensus bool `yaml:"consensus" json:"consensus"`
	// VerifyDowngraded marks a verdict that met the vote criteria but
	// was downgraded by a failing gating verify command.
	VerifyDowngraded bool `yaml:"verify_downgraded,omitempty" json:"verify_downgraded,omitempty"`

	VerifyResults []VerifyResult `yaml:"verify_results,omitempty" json:"verify_results,omitempty"`
}

// ConsensusScoreThreshold is the minimum final score for consensus.
const ConsensusScoreThreshold = 9

// Tally computes the run verdict for a set of collected vote verdicts.
// Verify gating is applied by the caller after the vote criteria are
// known; Tally only evaluates votes and scores.
//
// Rules:
//   - Self-votes and votes for unknown aliases are discarded.
//   - The winner must lead strictly and hold at least N-1 non-self
//     votes; a tie at the top yields no winner.
//   - FinalScore is the minimum score across all collected verdicts.
//     Agents that abstained (no verdict) do not contribute a score and
//     do not block consensus among the agents that voted.
func Tally(aliases []string, verdicts map[string]*VoteVerdict) RunVerdict {
	known := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		known[a] = true
	}

	votes := make(map[string]int)
	minScore := 0
	for voter, v := range verdicts {
		if v == nil {
			continue
		}
		if minScore == 0 || v.Score < minScore {
			minScore = v.Score
		}
		if v.Invalid || v.BestOtherAlias == "" || v.BestOtherAlias == voter || !known[v.BestOtherAlias] {
			continue
		}
		votes[v.BestOtherAlias]++
	}

	verdict := RunVerdict{FinalScore: minScore}

	leader, leaderVotes, tied := topVote(votes)
	required := len(aliases) - 1
	if required < 1 {
		// Single-agent runs cannot produce a non-self vote.
		required = 1
	}
	if leader != "" && !tied && leaderVotes >= required {
		verdict.WinnerAlias = leader
	}

	// An abstaining agent contributes neither score nor vote; it does
	// not block consensus among the rest, but its agreement is never
	// assumed.
	verdict.Consensus = verdict.WinnerAlias != "" &&
		verdict.FinalScore >= ConsensusScoreThreshold
	return verdict
}

// RoundSummary captures what the rolling report needs from one round:
// votes, scores, divergences, the outcome, and the archive file names
// produced along the way.
type RoundSummary struct {
	Round int `yaml:"round" json:"round"`
	// Votes maps voter alias to normalized vote target.
	Votes map[string]string `yaml:"votes,omitempty" json:"votes,omitempty"`
	// Scores maps voter alias to normalized score.
	Scores map[string]int `yaml:"scores,omitempty" json:"scores,omitempty"`
	// Divergences maps voter alias to its reported divergences.
	Divergences map[string][]Divergence `yaml:"divergences,omitempty" json:"divergences,omitempty"`
	// Abstained lists aliases whose verdicts could not be collected.
	Abstained []string `yaml:"abstained,omitempty" json:"abstained,omitempty"`

	FinalScore  int    `yaml:"final_score" json:"final_score"`
	WinnerAlias string `yaml:"winner_alias,omitempty" json:"winner_alias,omitempty"`
	Consensus   bool   `yaml:"consensus" json:"consensus"`

	// ArchiveFiles lists the content-addressed archive file names
	// written for this round, in creation order.
	ArchiveFiles []string `yaml:"archive_files,omitempty" json:"archive_files,omitempty"`
}

// topVote returns the leading alias, its vote count, and whether the
// top count is shared.
func topVote(votes map[string]int) (string, int, bool) {
	aliases := make([]string, 0, len(votes))
	for a := range votes {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	leader := ""
	best := 0
	tied := false
	for _, a := range aliases {
		switch {
		case votes[a] > best:
			leader, best, tied = a, votes[a], false
		case votes[a] == best && best > 0:
			tied = true
		}
	}
	return leader, best, tied
}
