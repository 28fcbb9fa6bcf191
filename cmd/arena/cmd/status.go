package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/state"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the run's phase, round, and per-agent progress",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "machine-readable output")
	rootCmd.AddCommand(statusCmd)
}

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true)
	statusDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	statusOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type statusView struct {
	Phase     core.Phase        `json:"phase"`
	Round     int               `json:"round"`
	MaxRounds int               `json:"max_rounds"`
	Completed bool              `json:"completed"`
	Winner    string            `json:"winner,omitempty"`
	Agents    []statusAgentView `json:"agents"`
	Verdict   *core.RunVerdict  `json:"last_run_verdict,omitempty"`
}

type statusAgentView struct {
	Alias    string              `json:"alias"`
	Model    string              `json:"model"`
	AgentID  string              `json:"agent_id,omitempty"`
	Branch   string              `json:"branch,omitempty"`
	Progress core.ProgressStatus `json:"progress"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runDir, err := resolveRunDir(cfg)
	if err != nil {
		return err
	}

	st, err := state.NewStore(runDir).Load(context.Background())
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("no arena found in %s", runDir)
	}

	view := statusView{
		Phase:     st.Phase,
		Round:     st.Round,
		MaxRounds: st.Config.MaxRounds,
		Completed: st.Completed,
		Winner:    st.WinningAlias,
		Verdict:   st.LastRunVerdict,
	}
	for _, alias := range st.Aliases() {
		view.Agents = append(view.Agents, statusAgentView{
			Alias:    alias,
			Model:    st.Model(alias),
			AgentID:  st.AgentIDs[alias],
			Branch:   st.BranchNames[alias],
			Progress: st.Progress(alias),
		})
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprintln(out, statusTitleStyle.Render(fmt.Sprintf("Arena %s", runDir)))
	fmt.Fprintf(out, "Phase %s, round %d/%d\n", view.Phase, view.Round+1, view.MaxRounds)
	switch {
	case view.Completed && view.Winner != "":
		fmt.Fprintln(out, statusOKStyle.Render(
			fmt.Sprintf("Consensus: winner %s (%s)", view.Winner, st.Model(view.Winner))))
	case view.Completed:
		fmt.Fprintln(out, statusWarnStyle.Render("Completed without consensus"))
	}
	fmt.Fprintln(out)
	for _, agent := range view.Agents {
		line := fmt.Sprintf("  %-8s %-10s %-8s", agent.Alias, agent.Model, agent.Progress)
		if agent.AgentID != "" {
			line += statusDimStyle.Render(fmt.Sprintf("  agent=%s branch=%s", agent.AgentID, agent.Branch))
		}
		fmt.Fprintln(out, line)
	}
	if view.Verdict != nil {
		fmt.Fprintf(out, "\nLast verdict: round %d, final score %d, winner %s, consensus %v\n",
			view.Verdict.Round, view.Verdict.FinalScore, orDash(view.Verdict.WinnerAlias), view.Verdict.Consensus)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
