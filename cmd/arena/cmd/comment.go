package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/arena"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/state"
)

var (
	commentMessage string
	commentTargets []string
	commentWrap    bool
	commentQueue   bool
)

var addCommentCmd = &cobra.Command{
	Use:   "add-comment",
	Short: "Inject an operator message into the live run",
	Long: `add-comment posts a message into the agents' conversations. When no
phase handler is mid-flight the message is delivered immediately;
otherwise (or with --queue) it is appended to the pending-comments
sidecar and delivered in order at the next phase boundary.

Without --message the message is read interactively (or from stdin when
piped).`,
	RunE: runAddComment,
}

func init() {
	addCommentCmd.Flags().StringVarP(&commentMessage, "message", "m", "", "message text (reads stdin when omitted)")
	addCommentCmd.Flags().StringSliceVar(&commentTargets, "targets", nil, "restrict delivery to these aliases (default: all)")
	addCommentCmd.Flags().BoolVar(&commentWrap, "wrap", true, "wrap the message in operator-context framing")
	addCommentCmd.Flags().BoolVar(&commentQueue, "queue", false, "force queueing for the next phase boundary")
	rootCmd.AddCommand(addCommentCmd)
}

func runAddComment(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runDir, err := resolveRunDir(cfg)
	if err != nil {
		return err
	}

	message := strings.TrimSpace(commentMessage)
	if message == "" {
		message, err = readMessageInteractive(cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			return err
		}
	}
	if message == "" {
		return core.ErrValidation("EMPTY_COMMENT", "comment message must not be empty")
	}

	store := state.NewStore(runDir)
	st, err := store.Load(context.Background())
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("no arena found in %s", runDir)
	}
	for _, target := range commentTargets {
		if !st.HasAlias(target) {
			return core.ErrValidation(core.CodeUnknownAlias,
				fmt.Sprintf("unknown target %q (aliases: %s)", target, strings.Join(st.Aliases(), ", ")))
		}
	}

	entry := arena.NewCommentEntry(message, commentWrap, commentTargets)

	// A phase handler mid-flight shows as a sent agent; posting into its
	// conversation now would race the handler's own follow-ups.
	if commentQueue || anySent(st) {
		if err := arena.QueueComment(runDir, entry); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Comment queued for the next phase boundary (%s)\n",
			arena.PendingCommentsPath(runDir))
		return nil
	}

	orch, _, logger, err := newOrchestrator(cfg, runDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := orch.PostComment(cmd.Context(), entry); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Comment delivered.")
	return nil
}

func anySent(st *core.ArenaState) bool {
	for _, alias := range st.Aliases() {
		if st.Progress(alias) == core.ProgressSent {
			return true
		}
	}
	return false
}

// readMessageInteractive prompts on a TTY or drains piped stdin.
func readMessageInteractive(in io.Reader, out io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, "Message: ")
		scanner := bufio.NewScanner(in)
		if !scanner.Scan() {
			return "", scanner.Err()
		}
		return strings.TrimSpace(scanner.Text()), nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
