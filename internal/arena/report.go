package arena

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/state"
)

const (
	// ReportFileName is the rolling summary, updated after every phase.
	ReportFileName = "report.md"
	// WinningSolutionFileName is the clean deliverable written on
	// consensus.
	WinningSolutionFileName = "winning-solution.md"
)

// writeReport rewrites the rolling report from the current state.
// Solution text is never inlined; the report links the archived files.
func (o *Orchestrator) writeReport() error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Arena %s\n\n", o.runID)
	fmt.Fprintf(&b, "**Task:** %s\n\n", firstLine(o.st.Config.Task))
	fmt.Fprintf(&b, "**Repository:** `%s` (base `%s`)\n\n", o.st.Config.Repo, o.st.Config.BaseBranch)
	fmt.Fprintf(&b, "**Round:** %d of %d — **Phase:** %s\n\n", o.st.Round+1, o.st.Config.MaxRounds, o.st.Phase)

	switch {
	case o.st.Completed && o.st.WinningAlias != "":
		fmt.Fprintf(&b, "**Status:** consensus reached, winner `%s` (%s). See [%s](%s).\n\n",
			o.st.WinningAlias, o.st.Model(o.st.WinningAlias), WinningSolutionFileName, WinningSolutionFileName)
	case o.st.Completed:
		b.WriteString("**Status:** ended without consensus.\n\n")
	default:
		b.WriteString("**Status:** in progress.\n\n")
	}

	b.WriteString("## Agents\n\n")
	b.WriteString("| Alias | Model | Agent ID | Branch | Progress |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, alias := range o.st.Aliases() {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			alias, o.st.Model(alias),
			orDash(o.st.AgentIDs[alias]), orDash(o.st.BranchNames[alias]),
			o.st.Progress(alias))
	}
	b.WriteString("\n")

	for _, round := range o.st.Rounds {
		fmt.Fprintf(&b, "## Round %d\n\n", round.Round)

		if len(round.Scores) > 0 {
			b.WriteString("| Voter | Score | Vote |\n|---|---|---|\n")
			voters := make([]string, 0, len(round.Scores))
			for voter := range round.Scores {
				voters = append(voters, voter)
			}
			sort.Strings(voters)
			for _, voter := range voters {
				fmt.Fprintf(&b, "| %s | %d | %s |\n",
					voter, round.Scores[voter], orDash(round.Votes[voter]))
			}
			b.WriteString("\n")

			if round.WinnerAlias != "" {
				fmt.Fprintf(&b, "**Winner:** `%s` — final score %d — consensus: %v\n\n",
					round.WinnerAlias, round.FinalScore, round.Consensus)
			} else {
				fmt.Fprintf(&b, "**No winner** — final score %d\n\n", round.FinalScore)
			}
		}

		if len(round.Abstained) > 0 {
			fmt.Fprintf(&b, "Abstained: %s\n\n", strings.Join(round.Abstained, ", "))
		}

		if len(round.Divergences) > 0 {
			b.WriteString("### Divergences\n\n")
			aliases := make([]string, 0, len(round.Divergences))
			for alias := range round.Divergences {
				aliases = append(aliases, alias)
			}
			sort.Strings(aliases)
			for _, alias := range aliases {
				for _, d := range round.Divergences[alias] {
					fmt.Fprintf(&b, "- **%s** (%s): %s\n", d.Topic, alias, d.Description)
				}
			}
			b.WriteString("\n")
		}

		if len(round.ArchiveFiles) > 0 {
			b.WriteString("### Artifacts\n\n")
			for _, name := range round.ArchiveFiles {
				fmt.Fprintf(&b, "- [%s](%s)\n", name, name)
			}
			b.WriteString("\n")
		}
	}

	path := filepath.Join(o.store.Dir(), ReportFileName)
	if err := state.WriteFileAtomic(path, []byte(b.String())); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	o.st.FinalReportPath = path
	return nil
}

// writeWinningSolution writes the clean deliverable: the winner's
// solution and analysis plus the compare URL for its branch.
func (o *Orchestrator) writeWinningSolution() error {
	winner := o.st.WinningAlias
	var b strings.Builder

	fmt.Fprintf(&b, "# Winning solution — arena %s\n\n", o.runID)
	fmt.Fprintf(&b, "Produced by `%s` (%s) in round %d.\n\n", winner, o.st.Model(winner), o.st.Round)

	if branch := o.st.BranchNames[winner]; branch != "" {
		fmt.Fprintf(&b, "Branch: [`%s`](%s)\n\n", branch,
			o.branches.CompareURL(o.st.Config.Repo, o.st.Config.BaseBranch, branch))
	}

	b.WriteString("## Solution\n\n")
	b.WriteString(o.st.WinningSolution)
	b.WriteString("\n\n## Analysis\n\n")
	b.WriteString(o.st.WinningAnalysis)
	b.WriteString("\n")

	path := filepath.Join(o.store.Dir(), WinningSolutionFileName)
	if err := state.WriteFileAtomic(path, []byte(b.String())); err != nil {
		return fmt.Errorf("writing winning solution: %w", err)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
