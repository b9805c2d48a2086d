// Package tokencount provides token estimation for routing decisions and
// usage recording. Uses a character-based heuristic (~4 bytes per token for
// English) which is sufficient for tier selection and metrics; it is not a
// substitute for an exact upstream tokenizer.
package tokencount

import (
	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a normalized payload.
// Accounts for per-message overhead (role, formatting) the way the OpenAI
// tokenization guide describes it.
func (c *Counter) EstimateRequest(model string, messages []gateway.NormalizedMessage) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(string(m.Role))
		total += estimateTokens(m.Text)
		for _, tc := range m.ToolCalls {
			total += estimateTokens(tc.Name) + estimateTokens(string(tc.Arguments))
		}
		for _, tr := range m.ToolResults {
			total += estimateTokens(tr.Content)
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(_ string, text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses ~4 bytes per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead.
func messageOverhead(_ string) int {
	return 4
}
