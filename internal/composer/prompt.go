// Package composer assembles the enrichment prompt for one entry from its
// resolved context window, within a token budget.
package composer

import (
	"fmt"
	"strings"

	"github.com/lifelog-app/lifelog/internal/entries"
)

const defaultMaxContextTokens = 4000

const instructions = `You enrich entries of a personal life log.
Reply with one JSON object and nothing else. Use these keys:
  "gainedXp": number, experience points earned by doing this, 0 to 100
  "est_minutes_for_the_task": number, estimated minutes the task takes
  "complexity": number from 0 (trivial) to 10 (very hard)
  "tags": array of short lowercase tags
  "possibleMoodRegardingContext": number from 0 (very negative) to 100 (very positive), judged against the earlier entries
`

// Composer builds prompts. MaxContextTokens bounds the context lines only;
// the instructions and the entry itself are always included.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for context lines.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns the prompt and the number of context lines it carries.
// items are newest first; once the budget is spent the older ones are left
// out.
func (c *Composer) Compose(entryText string, items []entries.ContextItem) (string, int) {
	var sb strings.Builder
	sb.WriteString(instructions)
	sb.WriteString("\nEarlier entries, newest first:\n")

	remaining := c.MaxContextTokens
	used := 0
	for _, it := range items {
		line := formatItem(it)
		tokens := EstimateTokens(line)
		if tokens > remaining {
			break
		}
		sb.WriteString(line)
		remaining -= tokens
		used++
	}
	if used == 0 {
		sb.WriteString("(none)\n")
	}

	sb.WriteString("\nEntry:\n")
	sb.WriteString(strings.TrimSpace(entryText))
	sb.WriteString("\n")
	return sb.String(), used
}

func formatItem(it entries.ContextItem) string {
	return fmt.Sprintf("- [%s] %s\n", it.Date, strings.Join(strings.Fields(it.Text), " "))
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
