package engine

import (
	"context"
	"sync"
	"time"
)

// TraceEventKind classifies each trace event by type.
type TraceEventKind string

const (
	// KindSearchStarted is emitted at the beginning of a query.
	KindSearchStarted TraceEventKind = "search_started"

	// KindCandidatesFound is emitted after the candidate set is loaded.
	KindCandidatesFound TraceEventKind = "candidates_found"

	// KindScoredCandidate is emitted once per ranked candidate.
	KindScoredCandidate TraceEventKind = "scored_candidate"

	// KindResultsReturned is emitted after the top k are chosen.
	KindResultsReturned TraceEventKind = "results_returned"
)

// TraceEvent is a single structured event emitted during a query.
type TraceEvent struct {
	Kind TraceEventKind `json:"kind"`
	At   time.Time      `json:"at"`

	// MemoryID is populated for scored_candidate events.
	MemoryID string `json:"memory_id,omitempty"`

	// Source is the candidate loader that was used ("vector", "list").
	Source string `json:"source,omitempty"`

	// Count is used by candidates_found and results_returned.
	Count int `json:"count,omitempty"`

	// Similarity is the cosine score of a scored_candidate.
	Similarity float64 `json:"similarity,omitempty"`

	// Query and Category are populated in search_started.
	Query    string `json:"query,omitempty"`
	Category string `json:"category,omitempty"`

	// MemoryIDs lists all returned IDs for results_returned events.
	MemoryIDs []string `json:"memory_ids,omitempty"`
}

// contextKey is an unexported type for context keys owned by this package.
type contextKey string

const traceKey contextKey = "query_trace"

// TraceCollector accumulates TraceEvents for a single query. A nil
// collector discards everything.
type TraceCollector struct {
	mu        sync.Mutex
	events    []TraceEvent
	startedAt time.Time
}

// NewTraceCollector returns a fresh collector.
func NewTraceCollector() *TraceCollector {
	return &TraceCollector{startedAt: time.Now()}
}

// Emit appends an event to the collector.
func (tc *TraceCollector) Emit(e TraceEvent) {
	if tc == nil {
		return
	}
	tc.mu.Lock()
	tc.events = append(tc.events, e)
	tc.mu.Unlock()
}

// Events returns the collected events in emission order.
func (tc *TraceCollector) Events() []TraceEvent {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]TraceEvent(nil), tc.events...)
}

// ElapsedMS returns the elapsed time since the collector was created, in milliseconds.
func (tc *TraceCollector) ElapsedMS() int64 {
	return time.Since(tc.startedAt).Milliseconds()
}

// WithTraceCollector stores a collector in the context.
func WithTraceCollector(ctx context.Context, tc *TraceCollector) context.Context {
	return context.WithValue(ctx, traceKey, tc)
}

// traceFromContext returns the collector in ctx, or nil.
func traceFromContext(ctx context.Context) *TraceCollector {
	tc, _ := ctx.Value(traceKey).(*TraceCollector)
	return tc
}

// QueryTrace is the structured summary of a traced query.
type QueryTrace struct {
	Query           string        `json:"query"`
	Category        string        `json:"category,omitempty"`
	Source          string        `json:"source"`
	CandidatesFound int           `json:"candidates_found"`
	Scored          []ScoredEntry `json:"scored"`
	Returned        []string      `json:"returned"`
	TimingMS        int64         `json:"timing_ms"`
}

// ScoredEntry is one ranked candidate.
type ScoredEntry struct {
	MemoryID   string  `json:"memory_id"`
	Similarity float64 `json:"similarity"`
}

// BuildQueryTrace converts collected trace events into a QueryTrace.
func BuildQueryTrace(events []TraceEvent, elapsedMS int64) *QueryTrace {
	out := &QueryTrace{TimingMS: elapsedMS}
	for _, e := range events {
		switch e.Kind {
		case KindSearchStarted:
			out.Query = e.Query
			out.Category = e.Category
		case KindCandidatesFound:
			out.Source = e.Source
			out.CandidatesFound += e.Count
		case KindScoredCandidate:
			out.Scored = append(out.Scored, ScoredEntry{MemoryID: e.MemoryID, Similarity: e.Similarity})
		case KindResultsReturned:
			out.Returned = e.MemoryIDs
		}
	}
	return out
}
