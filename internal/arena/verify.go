package arena

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

// VerifyRunner executes one verify command and snapshots its outcome.
type VerifyRunner func(ctx context.Context, command string) core.VerifyResult

// ExecVerifyRunner runs the command through the shell in the
// orchestrator's working directory, inheriting its environment.
func ExecVerifyRunner(ctx context.Context, command string) core.VerifyResult {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := core.VerifyResult{Command: command}
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Could not start at all; report it like a shell would.
			result.ExitCode = 127
			result.Stderr = err.Error()
		}
	}
	result.Stdout = stdout.String()
	if result.Stderr == "" {
		result.Stderr = stderr.String()
	}
	return result
}

// runVerifyCommands executes the configured commands in order and
// records every outcome. All of them run even after a failure so the
// operator sees the full picture.
func (o *Orchestrator) runVerifyCommands(ctx context.Context) []core.VerifyResult {
	results := make([]core.VerifyResult, 0, len(o.st.Config.VerifyCommands))
	for _, command := range o.st.Config.VerifyCommands {
		o.logger.Info("running verify command", "command", command)
		result := o.verify(ctx, command)
		o.logger.Info("verify command finished", "command", command, "exit_code", result.ExitCode)
		results = append(results, result)
	}
	return results
}
