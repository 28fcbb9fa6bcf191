package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

const (
	// StateFileName is the persisted document inside a run directory.
	StateFileName = "state.yaml"
	// ArtifactsDirName holds the content-addressed externalized texts.
	ArtifactsDirName = "artifacts"

	// externalizeThreshold is the size above which a text field is moved
	// to a sibling artifact file. Short fields stay inline so the
	// document remains readable on its own.
	externalizeThreshold = 200

	// hashPrefixLen is the number of hex characters of the content hash
	// used in externalized and archived file names.
	hashPrefixLen = 10
)

// Store persists the arena document in a run directory. Writes are
// atomic; large text fields are externalized to content-addressed files
// under artifacts/ and replaced by file: references.
type Store struct {
	dir string
}

// NewStore creates a store rooted at the given run directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the run directory.
func (s *Store) Dir() string {
	return s.dir
}

// StatePath returns the path of the persisted document.
func (s *Store) StatePath() string {
	return filepath.Join(s.dir, StateFileName)
}

// ArtifactsDir returns the externalized-text directory.
func (s *Store) ArtifactsDir() string {
	return filepath.Join(s.dir, ArtifactsDirName)
}

// Exists reports whether a persisted document is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.StatePath())
	return err == nil
}

// envelope wraps the state with metadata.
type envelope struct {
	Version   int              `yaml:"version"`
	Checksum  string           `yaml:"checksum"`
	UpdatedAt time.Time        `yaml:"updated_at"`
	State     *core.ArenaState `yaml:"state"`
}

// Save persists the state atomically. Apart from its UpdatedAt
// timestamp, the in-memory state is not modified; externalization
// happens on a copy.
func (s *Store) Save(_ context.Context, st *core.ArenaState) error {
	if err := os.MkdirAll(s.ArtifactsDir(), 0o750); err != nil {
		return fmt.Errorf("creating artifacts directory: %w", err)
	}

	st.UpdatedAt = time.Now().UTC()

	doc, err := s.externalize(st)
	if err != nil {
		return err
	}

	stateBytes, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	hash := sha256.Sum256(stateBytes)
	env := envelope{
		Version:   1,
		Checksum:  hex.EncodeToString(hash[:]),
		UpdatedAt: doc.UpdatedAt,
		State:     doc,
	}

	data, err := yaml.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	if err := atomicWriteFile(s.StatePath(), data, 0o600); err != nil {
		// A failed rename is worth one more attempt before surfacing.
		if retryErr := atomicWriteFile(s.StatePath(), data, 0o600); retryErr != nil {
			return fmt.Errorf("writing state file: %w", retryErr)
		}
	}
	return nil
}

// Load reads and verifies the persisted document, resolving file:
// references and legacy phase names. A missing document returns
// (nil, nil); a corrupt one returns an error, never an empty state.
func (s *Store) Load(_ context.Context) (*core.ArenaState, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "unparsable state document").WithCause(err)
	}

	st := env.State
	if st == nil {
		// Legacy documents predate the envelope and hold the state at
		// the top level.
		st = &core.ArenaState{}
		if err := yaml.Unmarshal(data, st); err != nil {
			return nil, core.ErrState(core.CodeStateCorrupted, "unparsable legacy state document").WithCause(err)
		}
		if st.Config.Task == "" && len(st.AliasMapping) == 0 {
			return nil, core.ErrState(core.CodeStateCorrupted, "state document holds no arena")
		}
	} else if env.Checksum != "" {
		stateBytes, err := yaml.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshaling state for checksum: %w", err)
		}
		hash := sha256.Sum256(stateBytes)
		if hex.EncodeToString(hash[:]) != env.Checksum {
			return nil, core.ErrState(core.CodeStateCorrupted, "checksum mismatch")
		}
	}

	if err := s.resolve(st); err != nil {
		return nil, err
	}
	if err := normalizeLegacy(st); err != nil {
		return nil, err
	}
	ensureMaps(st)
	return st, nil
}

// ensureMaps initializes per-agent maps the document omitted while
// empty, so handlers can assign without nil checks.
func ensureMaps(st *core.ArenaState) {
	if st.PhaseProgress == nil {
		st.PhaseProgress = make(map[string]core.ProgressStatus)
	}
	if st.AgentIDs == nil {
		st.AgentIDs = make(map[string]string)
	}
	if st.BranchNames == nil {
		st.BranchNames = make(map[string]string)
	}
	if st.Solutions == nil {
		st.Solutions = make(map[string]string)
	}
	if st.Analyses == nil {
		st.Analyses = make(map[string]string)
	}
	if st.Critiques == nil {
		st.Critiques = make(map[string]string)
	}
	if st.SentMsgCounts == nil {
		st.SentMsgCounts = make(map[string]int)
	}
	if st.FileRetries == nil {
		st.FileRetries = make(map[string]int)
	}
	if st.VoteVerdicts == nil {
		st.VoteVerdicts = make(map[string]*core.VoteVerdict)
	}
}

// externalize returns a copy of the state with large text fields moved
// into content-addressed artifact files.
func (s *Store) externalize(st *core.ArenaState) (*core.ArenaState, error) {
	doc := *st
	var err error

	doc.Solutions, err = s.externalizeMap("solution", st.Solutions)
	if err != nil {
		return nil, err
	}
	doc.Analyses, err = s.externalizeMap("analysis", st.Analyses)
	if err != nil {
		return nil, err
	}
	doc.Critiques, err = s.externalizeMap("critique", st.Critiques)
	if err != nil {
		return nil, err
	}

	if doc.WinningSolution, err = s.externalizeField("winning-solution", "", st.WinningSolution); err != nil {
		return nil, err
	}
	if doc.WinningAnalysis, err = s.externalizeField("winning-analysis", "", st.WinningAnalysis); err != nil {
		return nil, err
	}

	if len(st.VoteVerdicts) > 0 {
		verdicts := make(map[string]*core.VoteVerdict, len(st.VoteVerdicts))
		for alias, v := range st.VoteVerdicts {
			if v == nil {
				verdicts[alias] = nil
				continue
			}
			vv := *v
			if vv.Reason, err = s.externalizeField("verdict-reason", alias, v.Reason); err != nil {
				return nil, err
			}
			verdicts[alias] = &vv
		}
		doc.VoteVerdicts = verdicts
	}

	if len(st.VerifyResults) > 0 {
		results := make([]core.VerifyResult, len(st.VerifyResults))
		copy(results, st.VerifyResults)
		for i := range results {
			if results[i].Stdout, err = s.externalizeField("verify-stdout", "", results[i].Stdout); err != nil {
				return nil, err
			}
			if results[i].Stderr, err = s.externalizeField("verify-stderr", "", results[i].Stderr); err != nil {
				return nil, err
			}
		}
		doc.VerifyResults = results
	}

	return &doc, nil
}

func (s *Store) externalizeMap(field string, in map[string]string) (map[string]string, error) {
	if len(in) == 0 {
		return in, nil
	}
	out := make(map[string]string, len(in))
	for alias, content := range in {
		ref, err := s.externalizeField(field, alias, content)
		if err != nil {
			return nil, err
		}
		out[alias] = ref
	}
	return out, nil
}

// externalizeField writes content to its content-addressed artifact file
// and returns a file: reference. Short content is returned unchanged.
// The filename is a pure function of (field, alias, content), so saving
// identical content twice reuses the same file.
func (s *Store) externalizeField(field, alias, content string) (string, error) {
	if len(content) <= externalizeThreshold || strings.HasPrefix(content, "file:") {
		return content, nil
	}

	name := field
	if alias != "" {
		name += "-" + alias
	}
	name += "-" + ContentHash([]byte(content)) + ".md"

	path := filepath.Join(s.ArtifactsDir(), name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := atomicWriteFile(path, []byte(content), 0o600); err != nil {
			return "", fmt.Errorf("externalizing %s: %w", name, err)
		}
	}
	return "file:" + filepath.ToSlash(filepath.Join(ArtifactsDirName, name)), nil
}

// resolve replaces file: references with the referenced file contents.
func (s *Store) resolve(st *core.ArenaState) error {
	var err error
	if err = s.resolveMap(st.Solutions); err != nil {
		return err
	}
	if err = s.resolveMap(st.Analyses); err != nil {
		return err
	}
	if err = s.resolveMap(st.Critiques); err != nil {
		return err
	}
	if st.WinningSolution, err = s.resolveField(st.WinningSolution); err != nil {
		return err
	}
	if st.WinningAnalysis, err = s.resolveField(st.WinningAnalysis); err != nil {
		return err
	}
	for _, v := range st.VoteVerdicts {
		if v == nil {
			continue
		}
		if v.Reason, err = s.resolveField(v.Reason); err != nil {
			return err
		}
	}
	for i := range st.VerifyResults {
		if st.VerifyResults[i].Stdout, err = s.resolveField(st.VerifyResults[i].Stdout); err != nil {
			return err
		}
		if st.VerifyResults[i].Stderr, err = s.resolveField(st.VerifyResults[i].Stderr); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) resolveMap(m map[string]string) error {
	for alias, content := range m {
		resolved, err := s.resolveField(content)
		if err != nil {
			return err
		}
		m[alias] = resolved
	}
	return nil
}

func (s *Store) resolveField(content string) (string, error) {
	rel, ok := strings.CutPrefix(content, "file:")
	if !ok {
		return content, nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(rel)))
	if err != nil {
		return "", core.ErrState(core.CodeStateCorrupted,
			fmt.Sprintf("unresolvable artifact reference %q", rel)).WithCause(err)
	}
	return string(data), nil
}

// normalizeLegacy maps phase names from prior schema revisions onto the
// current ones.
func normalizeLegacy(st *core.ArenaState) error {
	phase, err := core.ParsePhase(string(st.Phase))
	if err != nil {
		return core.ErrState(core.CodeStateCorrupted, err.Error())
	}
	st.Phase = phase
	return nil
}

// WriteFileAtomic exposes the store's atomic write primitive for
// sibling artifacts (archives, sidecar files) that share the state
// document's crash-safety requirements.
func WriteFileAtomic(path string, data []byte) error {
	return atomicWriteFile(path, data, 0o600)
}

// ContentHash returns the short hex hash prefix used for
// content-addressed file names.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

// NextRunDir allocates the next numbered run directory under base
// (arenas/0001, arenas/0002, ...). The directory is created.
func NextRunDir(base string) (string, error) {
	if err := os.MkdirAll(base, 0o750); err != nil {
		return "", fmt.Errorf("creating arenas directory: %w", err)
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("reading arenas directory: %w", err)
	}

	next := 1
	var taken []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > 0 {
			taken = append(taken, n)
		}
	}
	if len(taken) > 0 {
		sort.Ints(taken)
		next = taken[len(taken)-1] + 1
	}

	dir := filepath.Join(base, fmt.Sprintf("%04d", next))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}
	return dir, nil
}
