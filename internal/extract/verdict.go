package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

// verdictWire is the JSON shape agents are instructed to emit.
type verdictWire struct {
	Score          json.Number       `json:"score"`
	BestOtherAlias string            `json:"best_other_alias"`
	Divergences    []core.Divergence `json:"divergences"`
	Reason         string            `json:"reason"`
}

var (
	// Fenced block tagged verdict.
	taggedBlockRe = regexp.MustCompile("(?s)```verdict[ \t]*\n(.*?)\n```")
	// Any fenced block, optionally tagged json.
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?[ \t]*\n(.*?)\n```")

	// Free-text fallback patterns. These tolerate mis-tagged blocks;
	// they do not interpret arbitrary prose.
	fallbackScoreRe = regexp.MustCompile(`(?im)(?:^|\b)score\s*[:=]\s*"?(\d+)"?`)
	fallbackAliasRe = regexp.MustCompile(`(?im)best[_\s-]?other[_\s-]?alias\s*[:=]\s*"?([a-zA-Z][a-zA-Z _-]*)"?`)
)

// ParseVerdict extracts a vote verdict from the agent's final message.
// It tries the tagged JSON block first, then the last untagged JSON
// block, then the labeled free-text fallback. The bidirectional
// divergence/score rule is enforced on the result; normalization
// adjustments are recorded as warnings on the verdict.
//
// A nil error never implies the vote is countable: a target that does
// not resolve to an alias in the run leaves the verdict marked invalid.
func ParseVerdict(text string, aliases []string) (*core.VoteVerdict, error) {
	wire, err := extractWire(text)
	if err != nil {
		return nil, err
	}

	verdict := &core.VoteVerdict{
		Divergences: wire.Divergences,
		Reason:      strings.TrimSpace(wire.Reason),
	}

	score, err := wire.Score.Int64()
	if err != nil {
		if f, ferr := wire.Score.Float64(); ferr == nil {
			score = int64(f)
		} else {
			return nil, core.ErrExtraction(fmt.Sprintf("unparsable score %q", wire.Score))
		}
	}
	verdict.Score = int(score)

	verdict.BestOtherAlias = NormalizeAlias(wire.BestOtherAlias)
	if !containsAlias(aliases, verdict.BestOtherAlias) {
		verdict.Invalid = true
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("vote target %q does not match any alias", wire.BestOtherAlias))
	}

	normalizeScore(verdict)
	return verdict, nil
}

func extractWire(text string) (*verdictWire, error) {
	if m := taggedBlockRe.FindStringSubmatch(text); m != nil {
		var wire verdictWire
		if err := json.Unmarshal([]byte(m[1]), &wire); err != nil {
			return nil, core.ErrExtraction("tagged verdict block is not valid JSON").WithCause(err)
		}
		return &wire, nil
	}

	// No tagged block: try every fenced block from the last backwards.
	blocks := fencedBlockRe.FindAllStringSubmatch(text, -1)
	for i := len(blocks) - 1; i >= 0; i-- {
		var wire verdictWire
		if err := json.Unmarshal([]byte(blocks[i][1]), &wire); err == nil && wire.Score != "" {
			return &wire, nil
		}
	}

	return fallbackWire(text)
}

// fallbackWire scans for clearly labeled score and alias references in
// free text.
func fallbackWire(text string) (*verdictWire, error) {
	scoreMatch := fallbackScoreRe.FindStringSubmatch(text)
	aliasMatch := fallbackAliasRe.FindStringSubmatch(text)
	if scoreMatch == nil || aliasMatch == nil {
		return nil, core.ErrExtraction("no verdict block or labeled score/alias found")
	}
	return &verdictWire{
		Score:          json.Number(scoreMatch[1]),
		BestOtherAlias: aliasMatch[1],
	}, nil
}

// NormalizeAlias canonicalizes a vote target: lower-case, spaces and
// hyphens to underscores, tolerating a bare "agent" prefix or a lone
// positional letter.
func NormalizeAlias(s string) string {
	alias := strings.ToLower(strings.TrimSpace(s))
	alias = strings.ReplaceAll(alias, " ", "_")
	alias = strings.ReplaceAll(alias, "-", "_")
	alias = strings.Trim(alias, "_")

	// "agentb" -> "agent_b", "b" -> "agent_b".
	if len(alias) == 1 {
		return "agent_" + alias
	}
	if rest, ok := strings.CutPrefix(alias, "agent"); ok && len(rest) == 1 {
		return "agent_" + rest
	}
	return alias
}

func containsAlias(aliases []string, alias string) bool {
	for _, a := range aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// normalizeScore clamps the score to [1,10] and enforces the
// bidirectional rule: a score of 10 implies no divergences and vice
// versa. Each adjustment is recorded as a warning.
func normalizeScore(v *core.VoteVerdict) {
	if v.Score < 1 {
		v.Warnings = append(v.Warnings,
			"score "+strconv.Itoa(v.Score)+" below range, clamped to 1")
		v.Score = 1
	}
	if v.Score > 10 {
		v.Warnings = append(v.Warnings,
			"score "+strconv.Itoa(v.Score)+" above range, clamped to 10")
		v.Score = 10
	}

	switch {
	case len(v.Divergences) == 0 && v.Score < 10:
		v.Warnings = append(v.Warnings,
			"no divergences reported but score "+strconv.Itoa(v.Score)+", raised to 10")
		v.Score = 10
	case len(v.Divergences) > 0 && v.Score >= 10:
		v.Warnings = append(v.Warnings,
			strconv.Itoa(len(v.Divergences))+" divergences reported with score 10, lowered to 9")
		v.Score = 9
	}
}
