package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/scrypster/ltm/internal/llm"
	"github.com/scrypster/ltm/pkg/types"
)

// ErrNotScripted is returned by Judge methods that have no function set.
var ErrNotScripted = errors.New("llmtest: judge call not scripted")

// Judge is a scripted llm.Judge. Unset functions fail with ErrNotScripted.
type Judge struct {
	TemporalFunc func(text string) (*types.TemporalAnnotation, error)
	CurateFunc   func(category types.Category, items []llm.CurationItem) (*llm.CurationDecision, error)
	RewriteFunc  func(text string) (string, error)

	mu            sync.Mutex
	temporalCalls int
	curateCalls   int
	rewriteCalls  int
	curated       [][]llm.CurationItem
}

// ClassifyTemporal implements llm.Judge.
func (j *Judge) ClassifyTemporal(_ context.Context, text string) (*types.TemporalAnnotation, error) {
	j.mu.Lock()
	j.temporalCalls++
	j.mu.Unlock()
	if j.TemporalFunc == nil {
		return nil, ErrNotScripted
	}
	return j.TemporalFunc(text)
}

// Curate implements llm.Judge.
func (j *Judge) Curate(_ context.Context, category types.Category, items []llm.CurationItem) (*llm.CurationDecision, error) {
	j.mu.Lock()
	j.curateCalls++
	j.curated = append(j.curated, append([]llm.CurationItem(nil), items...))
	j.mu.Unlock()
	if j.CurateFunc == nil {
		return nil, ErrNotScripted
	}
	return j.CurateFunc(category, items)
}

// Rewrite implements llm.Judge.
func (j *Judge) Rewrite(_ context.Context, text string) (string, error) {
	j.mu.Lock()
	j.rewriteCalls++
	j.mu.Unlock()
	if j.RewriteFunc == nil {
		return "", ErrNotScripted
	}
	return j.RewriteFunc(text)
}

// TemporalCalls returns how often ClassifyTemporal ran.
func (j *Judge) TemporalCalls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.temporalCalls
}

// CurateCalls returns how often Curate ran.
func (j *Judge) CurateCalls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.curateCalls
}

// RewriteCalls returns how often Rewrite ran.
func (j *Judge) RewriteCalls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rewriteCalls
}

// CuratedBatches returns every batch passed to Curate.
func (j *Judge) CuratedBatches() [][]llm.CurationItem {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([][]llm.CurationItem(nil), j.curated...)
}

// Generator is a TextGenerator that replays canned responses.
type Generator struct {
	Responses []string
	Err       error

	mu      sync.Mutex
	prompts []string
}

// Complete implements llm.TextGenerator. Responses are returned in order;
// the last one repeats.
func (g *Generator) Complete(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.Err != nil {
		return "", g.Err
	}
	if len(g.Responses) == 0 {
		return "{}", nil
	}
	i := len(g.prompts) - 1
	if i >= len(g.Responses) {
		i = len(g.Responses) - 1
	}
	return g.Responses[i], nil
}

// GetModel implements llm.TextGenerator.
func (g *Generator) GetModel() string {
	return "llmtest"
}

// Prompts returns every prompt received.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

var (
	_ llm.Judge         = (*Judge)(nil)
	_ llm.TextGenerator = (*Generator)(nil)
)
