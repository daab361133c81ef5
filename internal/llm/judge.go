package llm

import (
	"context"
	"time"

	"github.com/scrypster/ltm/pkg/types"
)

// PromptJudge implements Judge on top of any TextGenerator.
type PromptJudge struct {
	gen TextGenerator
	now func() time.Time
}

// NewPromptJudge creates a judge backed by gen.
func NewPromptJudge(gen TextGenerator) *PromptJudge {
	return &PromptJudge{gen: gen, now: time.Now}
}

// ClassifyTemporal implements Judge.
func (j *PromptJudge) ClassifyTemporal(ctx context.Context, text string) (*types.TemporalAnnotation, error) {
	raw, err := j.gen.Complete(ctx, TemporalClassificationPrompt(text))
	if err != nil {
		return nil, err
	}
	a, err := ParseTemporalResponse(raw)
	if err != nil {
		return nil, err
	}
	a.AnalyzedAt = j.now().UTC()
	return a, nil
}

// Curate implements Judge.
func (j *PromptJudge) Curate(ctx context.Context, category types.Category, items []CurationItem) (*CurationDecision, error) {
	if len(items) == 0 {
		return &CurationDecision{}, nil
	}
	raw, err := j.gen.Complete(ctx, CurationPrompt(category, items))
	if err != nil {
		return nil, err
	}
	return ParseCurationResponse(raw, len(items))
}

// Rewrite implements Judge.
func (j *PromptJudge) Rewrite(ctx context.Context, text string) (string, error) {
	raw, err := j.gen.Complete(ctx, RewritePrompt(text))
	if err != nil {
		return "", err
	}
	return ParseRewriteResponse(raw)
}

var _ Judge = (*PromptJudge)(nil)
