// Package extract parses structured verdicts out of agent conversations
// and normalizes them against the run's aliases.
package extract

import "github.com/hugo-lorenzo-mato/arena-ai/internal/core"

// LatestAssistantMessage returns the most recent message whose role is
// assistant.
func LatestAssistantMessage(messages []core.Message) (core.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleAssistant {
			return messages[i], true
		}
	}
	return core.Message{}, false
}

// MessageCount returns the total number of messages. It is recorded as
// the baseline before a follow-up is posted, so a new assistant
// response can be detected after a restart.
func MessageCount(messages []core.Message) int {
	return len(messages)
}
