package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scrypster/ltm/pkg/types"
)

// temporalResponse is the raw JSON shape of a temporal classification.
type temporalResponse struct {
	Tense          string   `json:"tense"`
	IsCurrent      *bool    `json:"is_current"`
	Stability      string   `json:"stability"`
	Frequency      string   `json:"frequency"`
	TimeReferences []string `json:"time_references"`
}

// rewriteResponse is the raw JSON shape of a rewrite.
type rewriteResponse struct {
	Text string `json:"text"`
}

// extractJSON extracts the first valid JSON object from a string that may contain extra text.
// This handles cases where LLMs add explanations before/after the JSON despite instructions.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch char {
		case '{':
			braceCount++
		case '}':
			braceCount--
			if braceCount == 0 {
				return text[start : i+1]
			}
		}
	}

	return text
}

// ParseTemporalResponse parses a temporal classification. Unknown tense or
// stability values fall back to "unknown" and "stable"; unknown frequencies
// are dropped.
func ParseTemporalResponse(raw string) (*types.TemporalAnnotation, error) {
	var resp temporalResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse temporal JSON: %w", err)
	}

	a := &types.TemporalAnnotation{
		Tense:          types.TenseUnknown,
		Stability:      types.StabilityStable,
		TimeReferences: resp.TimeReferences,
		Source:         types.AnnotationOracle,
	}
	switch t := types.Tense(strings.ToLower(resp.Tense)); t {
	case types.TensePast, types.TensePresent, types.TenseFuture:
		a.Tense = t
	}
	switch s := types.Stability(strings.ToLower(resp.Stability)); s {
	case types.StabilityPermanent, types.StabilityStable, types.StabilityChanging, types.StabilityTemporary:
		a.Stability = s
	}
	switch f := types.Frequency(strings.ToLower(resp.Frequency)); f {
	case types.FrequencyNever, types.FrequencyRarely, types.FrequencySometimes, types.FrequencyRegularly, types.FrequencyAlways:
		a.Frequency = f
	}
	if resp.IsCurrent != nil {
		a.IsCurrent = *resp.IsCurrent
	} else {
		a.IsCurrent = a.Tense == types.TensePresent
	}
	return a, nil
}

// ParseCurationResponse parses a curation verdict for a batch of n items
// and sanitizes it.
func ParseCurationResponse(raw string, n int) (*CurationDecision, error) {
	var resp CurationDecision
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse curation JSON: %w", err)
	}
	return resp.Sanitize(n), nil
}

// Sanitize returns a copy of d that is safe to apply to a batch of n items.
// Invalid entries are skipped rather than failing the whole batch:
// out-of-range and repeated indices are dropped, groups with fewer than two
// distinct items are dropped, an item claimed by an earlier group cannot
// join a later one, and an item that is merged is not also removed. Keep
// wins over both remove and merge.
func (d *CurationDecision) Sanitize(n int) *CurationDecision {
	out := &CurationDecision{}
	if d == nil {
		return out
	}
	out.Reasoning = strings.TrimSpace(d.Reasoning)

	valid := func(i int) bool { return i >= 0 && i < n }
	kept := make(map[int]bool)
	for _, i := range d.Keep {
		if !valid(i) || kept[i] {
			continue
		}
		kept[i] = true
		out.Keep = append(out.Keep, i)
	}

	claimed := make(map[int]bool)
	for _, g := range d.Merge {
		var indices []int
		seen := make(map[int]bool)
		for _, i := range g.Indices {
			if !valid(i) || seen[i] || claimed[i] || kept[i] {
				continue
			}
			seen[i] = true
			indices = append(indices, i)
		}
		if len(indices) < 2 {
			continue
		}
		for _, i := range indices {
			claimed[i] = true
		}
		out.Merge = append(out.Merge, MergeGroup{Indices: indices, Text: strings.TrimSpace(g.Text)})
	}

	removed := make(map[int]bool)
	for _, i := range d.Remove {
		if !valid(i) || claimed[i] || kept[i] || removed[i] {
			continue
		}
		removed[i] = true
		out.Remove = append(out.Remove, i)
	}
	return out
}

// ParseRewriteResponse extracts the rewritten text.
func ParseRewriteResponse(raw string) (string, error) {
	var resp rewriteResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return "", fmt.Errorf("failed to parse rewrite JSON: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
