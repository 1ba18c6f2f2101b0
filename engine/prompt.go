// Package engine runs agent turns: prompt construction, agent definition
// loading and external process execution.
package engine

import (
	"fmt"
	"strings"

	"github.com/arcdash/arc/domain"
)

const (
	// maxPromptMessages caps how many history messages a prompt may carry.
	maxPromptMessages = 40
	// maxPromptChars caps the total content length of retained history.
	maxPromptChars = 80_000
)

// BuildPrompt renders conversation history plus a new user message as a
// conversation log for the agent CLI's print mode. History is bounded:
// at most maxPromptMessages recent messages, further trimmed from the
// oldest end until total content fits maxPromptChars, with the most
// recent messages always kept whole. A single marker line records how
// many earlier messages were dropped.
//
// Pure and deterministic: same inputs always yield the same string.
func BuildPrompt(history []domain.Message, newMessage string) string {
	if len(history) == 0 {
		return newMessage
	}

	kept := history
	if len(kept) > maxPromptMessages {
		kept = kept[len(kept)-maxPromptMessages:]
	}

	total := 0
	for _, msg := range kept {
		total += len(msg.Content)
	}
	for total > maxPromptChars && len(kept) > 0 {
		total -= len(kept[0].Content)
		kept = kept[1:]
	}

	var lines []string
	if omitted := len(history) - len(kept); omitted > 0 {
		lines = append(lines, fmt.Sprintf("[Earlier conversation omitted: %d messages]", omitted))
	}
	for _, msg := range kept {
		prefix := "Human"
		if msg.Role == domain.RoleAssistant {
			prefix = "Assistant"
		}
		lines = append(lines, prefix+": "+msg.Content)
	}
	lines = append(lines, "Human: "+newMessage)

	return strings.Join(lines, "\n\n")
}
