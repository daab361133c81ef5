package llm

import (
	"context"

	"github.com/scrypster/ltm/pkg/types"
)

// TextGenerator is the interface for LLM text completion.
// All judge prompts use single-string completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// Embedder is the embedding oracle. EmbedBatch returns one vector per input,
// in input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Judge is the classifier oracle used for temporal classification, batch
// curation and hedge rewriting.
type Judge interface {
	// ClassifyTemporal reads tense, stability and frequency from text.
	ClassifyTemporal(ctx context.Context, text string) (*types.TemporalAnnotation, error)

	// Curate reviews a batch of same-category memories and proposes
	// removals and merges by item index.
	Curate(ctx context.Context, category types.Category, items []CurationItem) (*CurationDecision, error)

	// Rewrite restates text without hedging.
	Rewrite(ctx context.Context, text string) (string, error)
}

// CurationItem is one memory as shown to the judge.
type CurationItem struct {
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// CurationDecision is the judge's verdict on a batch.
type CurationDecision struct {
	// Remove lists indices of items that carry no information.
	Remove []int `json:"remove"`

	// Merge lists groups of indices that state the same fact.
	Merge []MergeGroup `json:"merge"`

	// Keep lists indices the judge wants left untouched. A kept item is
	// neither removed nor merged.
	Keep []int `json:"keep"`

	// Reasoning is the judge's free-text explanation. Logged only.
	Reasoning string `json:"reasoning,omitempty"`
}

// MergeGroup is a set of items to fold into one memory. Text is the merged
// statement; empty means keep the highest-confidence item's text.
type MergeGroup struct {
	Indices []int  `json:"indices"`
	Text    string `json:"text,omitempty"`
}
