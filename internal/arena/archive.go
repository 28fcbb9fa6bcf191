package arena

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/state"
)

// archiveArtifact writes one per-round artifact under its
// content-addressed name:
//
//	{round:02d}-{phase_num}-{phase_name}-{model}-{artifact}-{uid}.{ext}
//
// The uid is a hash prefix over the exact bytes written, so archiving
// identical content twice yields exactly one file; restarts cannot
// create duplicates. The model short name (not the alias) makes the
// file attributable without the alias mapping.
func (o *Orchestrator) archiveArtifact(phase core.Phase, model, artifact, ext string, content []byte) error {
	name := fmt.Sprintf("%02d-%d-%s-%s-%s-%s.%s",
		o.st.Round, core.PhaseNumber(phase), phase, model, artifact,
		state.ContentHash(content), ext)

	path := filepath.Join(o.store.Dir(), name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := state.WriteFileAtomic(path, content); err != nil {
			return fmt.Errorf("archiving %s: %w", name, err)
		}
	}

	o.recordArchiveFile(name)
	return nil
}

// recordArchiveFile appends the name to the current round's summary,
// creating the summary when the round has not settled yet.
func (o *Orchestrator) recordArchiveFile(name string) {
	summary := o.currentRoundSummary()
	if summary == nil {
		o.st.Rounds = append(o.st.Rounds, core.RoundSummary{Round: o.st.Round})
		summary = &o.st.Rounds[len(o.st.Rounds)-1]
	}
	for _, existing := range summary.ArchiveFiles {
		if existing == name {
			return
		}
	}
	summary.ArchiveFiles = append(summary.ArchiveFiles, name)
}
