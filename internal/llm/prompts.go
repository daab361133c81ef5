// Package llm provides the oracle side of the memory subsystem: embedding and
// completion clients for Ollama, OpenAI-compatible servers and Anthropic, a
// guard that bounds and protects every oracle call, and a prompt-driven
// Judge with strict JSON-only templates and tolerant response parsers.
package llm

import (
	"encoding/json"
	"fmt"

	"github.com/scrypster/ltm/pkg/types"
)

// TemporalClassificationPrompt asks for the tense, stability and frequency of
// a single statement.
func TemporalClassificationPrompt(text string) string {
	return fmt.Sprintf(`TASK: Classify the temporal nature of a statement about a user.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks.

FIELDS:
- tense: one of "past", "present", "future", "unknown"
- is_current: true if the statement describes the user right now
- stability: one of "permanent" (never changes: birthplace, name), "stable" (rarely changes: job, home), "changing" (explicitly reported as having changed), "temporary" (short-lived: this week, currently sick)
- frequency: one of "never", "rarely", "sometimes", "regularly", "always", or "" if not a habit
- time_references: literal time expressions found in the statement

REQUIRED JSON STRUCTURE:
{"tense":"present","is_current":true,"stability":"stable","frequency":"","time_references":[]}

STATEMENT:
%s

JSON:`, text)
}

// CurationPrompt asks the judge to review one category's memories of a user.
func CurationPrompt(category types.Category, items []CurationItem) string {
	listing, _ := json.Marshal(items)
	return fmt.Sprintf(`TASK: Review stored facts about one user in the category %q.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks.

Each fact has an index, its text and a confidence.

RULES:
1. "remove": indices of facts that carry no information (placeholders, "unknown", "not provided", empty statements).
2. "merge": groups of indices that state the same fact. Give each group a single clear merged "text".
3. "keep": indices of facts that must stay exactly as they are.
4. "reasoning": one or two sentences explaining the decision.
5. Never put an index in more than one list. Never invent facts that are not in the input.
6. If nothing needs to change return {"remove":[],"merge":[],"keep":[],"reasoning":""}.

REQUIRED JSON STRUCTURE:
{"remove":[3],"merge":[{"indices":[0,2],"text":"User works as a nurse"}],"keep":[1],"reasoning":"3 is a placeholder; 0 and 2 say the same job"}

FACTS:
%s

JSON:`, category, listing)
}

// RewritePrompt asks for a hedge-free restatement of text.
func RewritePrompt(text string) string {
	return fmt.Sprintf(`TASK: Rewrite a stored fact about a user as a direct statement.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks.

RULES:
1. Remove hedging words (might, maybe, possibly, probably, perhaps, seems, apparently, I think, could be).
2. Keep the meaning. Do not add information.
3. Start with "User".

REQUIRED JSON STRUCTURE:
{"text":"User likes jazz"}

FACT:
%s

JSON:`, text)
}
