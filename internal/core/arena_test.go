package core

import (
	"math/rand"
	"testing"
)

func testConfig() ArenaConfig {
	return ArenaConfig{
		Task:       "Refactor the widget pipeline",
		Repo:       "acme/widgets",
		BaseBranch: "main",
		MaxRounds:  3,
		Models:     []string{"opus", "gpt", "gemini"},
		VerifyMode: VerifyAdvisory,
	}
}

func TestArenaConfig_Validate(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*ArenaConfig)
	}{
		{"empty task", func(c *ArenaConfig) { c.Task = "  " }},
		{"bad repo", func(c *ArenaConfig) { c.Repo = "widgets" }},
		{"empty base branch", func(c *ArenaConfig) { c.BaseBranch = "" }},
		{"zero rounds", func(c *ArenaConfig) { c.MaxRounds = 0 }},
		{"no models", func(c *ArenaConfig) { c.Models = nil }},
		{"too many models", func(c *ArenaConfig) { c.Models = []string{"a", "b", "c", "d"} }},
		{"blank model", func(c *ArenaConfig) { c.Models = []string{"opus", " "} }},
		{"bad verify mode", func(c *ArenaConfig) { c.VerifyMode = "strict" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testConfig()
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestAliases(t *testing.T) {
	got := Aliases(3)
	want := []string{"agent_a", "agent_b", "agent_c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Aliases(3)[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRandomAliasMapping(t *testing.T) {
	models := []string{"opus", "gpt", "gemini"}
	mapping := RandomAliasMapping(models, rand.New(rand.NewSource(42)))

	if len(mapping) != 3 {
		t.Fatalf("mapping size = %d, want 3", len(mapping))
	}
	seen := make(map[string]bool)
	for _, alias := range Aliases(3) {
		model, ok := mapping[alias]
		if !ok {
			t.Fatalf("missing alias %s", alias)
		}
		if seen[model] {
			t.Fatalf("model %s assigned twice", model)
		}
		seen[model] = true
	}
}

func TestProgressTransitions(t *testing.T) {
	st := NewArenaState(testConfig(), rand.New(rand.NewSource(1)))

	if got := st.Progress("agent_a"); got != ProgressPending {
		t.Fatalf("initial progress = %s, want pending", got)
	}
	if err := st.SetProgress("agent_a", ProgressSent); err != nil {
		t.Fatalf("pending->sent: %v", err)
	}
	if err := st.SetProgress("agent_a", ProgressDone); err != nil {
		t.Fatalf("sent->done: %v", err)
	}
	if err := st.SetProgress("agent_a", ProgressSent); err == nil {
		t.Error("done->sent succeeded, want error")
	}
	// Same-status writes are idempotent.
	if err := st.SetProgress("agent_a", ProgressDone); err != nil {
		t.Errorf("done->done: %v", err)
	}
}

func TestAllDoneAndReset(t *testing.T) {
	st := NewArenaState(testConfig(), rand.New(rand.NewSource(1)))
	if st.AllDone() {
		t.Fatal("AllDone() = true on fresh state")
	}
	for _, alias := range st.Aliases() {
		st.PhaseProgress[alias] = ProgressDone
	}
	if !st.AllDone() {
		t.Fatal("AllDone() = false with every alias done")
	}
	st.ResetProgress()
	if st.AllDone() {
		t.Fatal("AllDone() = true after reset")
	}
}

func TestParsePhase_LegacyNames(t *testing.T) {
	cases := map[string]Phase{
		"generate": PhaseGenerate,
		"evaluate": PhaseEvaluate,
		"done":     PhaseDone,
		"solve":    PhaseGenerate,
		"revise":   PhaseGenerate,
		"verify":   PhaseEvaluate,
	}
	for in, want := range cases {
		got, err := ParsePhase(in)
		if err != nil {
			t.Errorf("ParsePhase(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParsePhase(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParsePhase("deliberate"); err == nil {
		t.Error("ParsePhase(deliberate) = nil, want error")
	}
}
