// Package llmtest provides deterministic in-process oracles for tests.
package llmtest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/ltm/pkg/types"
)

// Embedder is a deterministic bag-of-words embedder. Every token is hashed
// into one dimension; tokens listed in Concepts additionally light up a
// shared concept dimension, so "pizza" and "food" land close together.
type Embedder struct {
	Dim int

	// Concepts maps a token to a concept name. Tokens sharing a concept get
	// a strong common component.
	Concepts map[string]string

	// ConceptWeight scales the concept component. Default: 3
	ConceptWeight float64

	// Err, when set, is returned by every call.
	Err error

	// Delay is slept before answering, honouring ctx.
	Delay time.Duration

	mu         sync.Mutex
	calls      int
	batchSizes []int
	texts      []string
}

// NewEmbedder returns an embedder of the given dimension.
func NewEmbedder(dim int, concepts map[string]string) *Embedder {
	return &Embedder{Dim: dim, Concepts: concepts}
}

// Embed implements llm.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch implements llm.Embedder.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.batchSizes = append(e.batchSizes, len(texts))
	e.texts = append(e.texts, texts...)
	err, delay := e.Err, e.Delay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

// Dimension implements llm.Embedder.
func (e *Embedder) Dimension() int {
	return e.Dim
}

// SetErr changes the failure mode.
func (e *Embedder) SetErr(err error) {
	e.mu.Lock()
	e.Err = err
	e.mu.Unlock()
}

// Calls returns the number of oracle round trips.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// BatchSizes returns the size of every round trip, in order.
func (e *Embedder) BatchSizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.batchSizes...)
}

// Texts returns every text the embedder was asked for, in order.
func (e *Embedder) Texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

func (e *Embedder) vector(text string) []float32 {
	v := make([]float64, e.Dim)
	weight := e.ConceptWeight
	if weight == 0 {
		weight = 3
	}
	for _, tok := range types.Tokenize(text) {
		v[bucket(tok, e.Dim)]++
		if c, ok := e.Concepts[tok]; ok {
			v[bucket("concept:"+c, e.Dim)] += weight
		}
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	out := make([]float32, e.Dim)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}

func bucket(s string, dim int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(s)))
	return int(h.Sum32() % uint32(dim))
}
