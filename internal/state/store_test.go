package state

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

func newTestState() *core.ArenaState {
	cfg := core.ArenaConfig{
		Task:       "Build the frobnicator",
		Repo:       "acme/frob",
		BaseBranch: "main",
		MaxRounds:  3,
		Models:     []string{"opus", "gpt"},
		VerifyMode: core.VerifyAdvisory,
	}
	return core.NewArenaState(cfg, rand.New(rand.NewSource(7)))
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	st := newTestState()
	st.AgentIDs["agent_a"] = "cas-123"
	st.BranchNames["agent_a"] = "arena/opus-1"
	st.Solutions["agent_a"] = strings.Repeat("solution text. ", 100)
	st.Analyses["agent_a"] = "short analysis"

	require.NoError(t, store.Save(ctx, st))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, st.Config, loaded.Config)
	assert.Equal(t, st.AliasMapping, loaded.AliasMapping)
	assert.Equal(t, st.Solutions["agent_a"], loaded.Solutions["agent_a"])
	assert.Equal(t, "short analysis", loaded.Analyses["agent_a"])
	assert.Equal(t, core.PhaseGenerate, loaded.Phase)
}

func TestStore_ExternalizesLargeText(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	ctx := context.Background()

	st := newTestState()
	large := strings.Repeat("x", 4096)
	st.Solutions["agent_a"] = large

	require.NoError(t, store.Save(ctx, st))

	// The in-memory state keeps the inline text.
	assert.Equal(t, large, st.Solutions["agent_a"])

	// The document on disk carries a file: reference instead.
	data, err := os.ReadFile(store.StatePath())
	require.NoError(t, err)
	assert.NotContains(t, string(data), large)
	assert.Contains(t, string(data), "file:artifacts/solution-agent_a-")

	entries, err := os.ReadDir(store.ArtifactsDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Saving the same content again reuses the same file name.
	require.NoError(t, store.Save(ctx, st))
	entries, err = os.ReadDir(store.ArtifactsDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_SaveLoadSaveStableBytes(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	st := newTestState()
	st.Solutions["agent_a"] = strings.Repeat("stable ", 100)
	require.NoError(t, store.Save(ctx, st))

	first, err := os.ReadFile(store.StatePath())
	require.NoError(t, err)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, loaded))

	second, err := os.ReadFile(store.StatePath())
	require.NoError(t, err)

	// The only permitted difference is the save timestamp.
	assert.Equal(t, stripTimestamps(string(first)), stripTimestamps(string(second)))
}

func stripTimestamps(doc string) string {
	var lines []string
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "updated_at:") || strings.HasPrefix(trimmed, "checksum:") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func TestStore_LoadMissingReturnsNil(t *testing.T) {
	store := NewStore(t.TempDir())
	st, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStore_LoadCorruptFails(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newTestState()))

	// Flip a value without updating the checksum.
	data, err := os.ReadFile(store.StatePath())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "round: 0", "round: 7", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(store.StatePath(), []byte(tampered), 0o600))

	_, err = store.Load(ctx)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatState))

	// Unparsable garbage also refuses to load.
	require.NoError(t, os.WriteFile(store.StatePath(), []byte("{{{"), 0o600))
	_, err = store.Load(ctx)
	require.Error(t, err)
}

func TestStore_LegacyPhaseNames(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	ctx := context.Background()

	// A legacy document: no envelope, inline text, old phase name.
	st := newTestState()
	st.Phase = "solve"
	data, err := yaml.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.StatePath(), data, 0o600))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, core.PhaseGenerate, loaded.Phase)
}

func TestContentHash_Deterministic(t *testing.T) {
	a := ContentHash([]byte("same content"))
	b := ContentHash([]byte("same content"))
	c := ContentHash([]byte("other content"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.GreaterOrEqual(t, len(a), 6)
}

func TestNextRunDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arenas")

	first, err := NextRunDir(base)
	require.NoError(t, err)
	assert.Equal(t, "0001", filepath.Base(first))

	second, err := NextRunDir(base)
	require.NoError(t, err)
	assert.Equal(t, "0002", filepath.Base(second))
}

func TestStore_Lock(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.AcquireLock(ctx))
	// The same (live) process holds the lock.
	err := store.AcquireLock(ctx)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatState))

	require.NoError(t, store.ReleaseLock(ctx))
	require.NoError(t, store.AcquireLock(ctx))
	require.NoError(t, store.ReleaseLock(ctx))
}
