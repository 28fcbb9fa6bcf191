package cmd

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/config"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

func TestResolveRunDir_PicksLatest(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"0001", "0002", "0010", "notes"} {
		if err := os.MkdirAll(filepath.Join(base, name), 0o750); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &config.Config{ArenasDir: base}
	dir, err := resolveRunDir(cfg)
	if err != nil {
		t.Fatalf("resolveRunDir() error = %v", err)
	}
	if filepath.Base(dir) != "0010" {
		t.Errorf("resolveRunDir() = %s, want 0010", dir)
	}
}

func TestResolveRunDir_EmptyBase(t *testing.T) {
	cfg := &config.Config{ArenasDir: filepath.Join(t.TempDir(), "missing")}
	if _, err := resolveRunDir(cfg); err == nil {
		t.Error("resolveRunDir() = nil error, want failure")
	}
}

func TestAnySent(t *testing.T) {
	cfg := core.ArenaConfig{
		Task: "t", Repo: "a/b", BaseBranch: "main", MaxRounds: 1,
		Models: []string{"opus", "gpt"}, VerifyMode: core.VerifyAdvisory,
	}
	st := core.NewArenaState(cfg, rand.New(rand.NewSource(1)))
	if anySent(st) {
		t.Error("anySent() = true on fresh state")
	}
	st.PhaseProgress["agent_a"] = core.ProgressSent
	if !anySent(st) {
		t.Error("anySent() = false with an in-flight agent")
	}
}

func TestReadMessageInteractive_Piped(t *testing.T) {
	msg, err := readMessageInteractive(strings.NewReader("  queued note \n"), os.Stdout)
	if err != nil {
		t.Fatalf("readMessageInteractive() error = %v", err)
	}
	if msg != "queued note" {
		t.Errorf("message = %q, want %q", msg, "queued note")
	}
}
