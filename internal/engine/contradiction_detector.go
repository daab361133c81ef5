package engine

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// ContradictionType represents the rule that flagged a contradiction.
type ContradictionType string

const (
	// ContradictionStabilityChange: one memory reports a change while the
	// other states the same subject as settled.
	// Example: "User moved to Berlin" vs "User lives in Paris"
	ContradictionStabilityChange ContradictionType = "stability_change"

	// ContradictionTenseMismatch: one memory is past tense, the other present.
	// Example: "User was a nurse" vs "User is a nurse at the clinic"
	ContradictionTenseMismatch ContradictionType = "tense_mismatch"

	// ContradictionFrequencyMismatch: both memories state a frequency for the
	// same activity and the frequencies differ.
	// Example: "User never drinks coffee" vs "User drinks coffee every day"
	ContradictionFrequencyMismatch ContradictionType = "frequency_mismatch"
)

// contradictionRule is one row of the rule table.
type contradictionRule struct {
	kind       ContradictionType
	confidence float64
	fires      func(newer, older *types.TemporalAnnotation) bool
}

var contradictionRules = []contradictionRule{
	{
		kind:       ContradictionStabilityChange,
		confidence: 0.7,
		fires: func(a, b *types.TemporalAnnotation) bool {
			return (a.Stability == types.StabilityChanging) != (b.Stability == types.StabilityChanging)
		},
	},
	{
		kind:       ContradictionTenseMismatch,
		confidence: 0.6,
		fires: func(a, b *types.TemporalAnnotation) bool {
			return (a.Tense == types.TensePast && b.Tense == types.TensePresent) ||
				(a.Tense == types.TensePresent && b.Tense == types.TensePast)
		},
	},
	{
		kind:       ContradictionFrequencyMismatch,
		confidence: 0.65,
		fires: func(a, b *types.TemporalAnnotation) bool {
			return a.Frequency != types.FrequencyNone && b.Frequency != types.FrequencyNone && a.Frequency != b.Frequency
		},
	},
}

// Contradiction represents a detected conflict between two memories.
type Contradiction struct {
	// Type is the rule that fired.
	Type ContradictionType `json:"type"`

	// NewerID and OlderID are the memories involved. The contradicts edge
	// points from the newer to the older.
	NewerID string `json:"newer_id"`
	OlderID string `json:"older_id"`

	// SharedTerms are the content terms the pair has in common.
	SharedTerms []string `json:"shared_terms"`

	// Confidence is the rule's confidence (0.0-1.0).
	Confidence float64 `json:"confidence"`
}

// ContradictionDetector compares the temporal annotations of lexically
// related memories of one owner. Pairs are generated by term overlap only;
// there is no transitive grouping.
type ContradictionDetector struct {
	store      storage.Store
	locks      *ownerLocks
	minJaccard float64
	minShared  int
	maxPairs   int
	logger     *log.Logger
}

// NewContradictionDetector creates a new contradiction detector.
func NewContradictionDetector(store storage.Store, locks *ownerLocks, cfg Config, logger *log.Logger) *ContradictionDetector {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if locks == nil {
		locks = newOwnerLocks()
	}
	return &ContradictionDetector{
		store:      store,
		locks:      locks,
		minJaccard: cfg.ContradictionMinJaccard,
		minShared:  cfg.ContradictionMinShared,
		maxPairs:   cfg.MaxContradictionPairs,
		logger:     logger,
	}
}

// candidatePair is two memories that share enough terms to be compared.
type candidatePair struct {
	newer, older *types.Memory
	shared       []string
}

// FindContradictions evaluates the rule table over the owner's candidate
// pairs and records a contradicts edge for every rule that fires. Memories
// without a temporal annotation are skipped.
func (cd *ContradictionDetector) FindContradictions(ctx context.Context, owner types.Owner) ([]Contradiction, error) {
	mems, err := cd.store.ListActive(ctx, owner, storage.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch memories: %w", err)
	}

	var annotated []*types.Memory
	for _, m := range mems {
		if m.Temporal != nil {
			annotated = append(annotated, m)
		}
	}

	pairs := cd.candidatePairs(annotated)

	var found []Contradiction
	for _, p := range pairs {
		for _, rule := range contradictionRules {
			if !rule.fires(p.newer.Temporal, p.older.Temporal) {
				continue
			}
			found = append(found, Contradiction{
				Type:        rule.kind,
				NewerID:     p.newer.ID,
				OlderID:     p.older.ID,
				SharedTerms: p.shared,
				Confidence:  rule.confidence,
			})
		}
	}
	if len(found) == 0 {
		return nil, nil
	}

	if err := cd.record(ctx, owner, found); err != nil {
		return found, err
	}
	return found, nil
}

// record writes the contradicts edges under the owner lock, skipping pairs
// where either side was retired since the scan.
func (cd *ContradictionDetector) record(ctx context.Context, owner types.Owner, found []Contradiction) error {
	unlock := cd.locks.lock(owner)
	defer unlock()

	active := make(map[string]bool)
	isActive := func(id string) bool {
		if v, ok := active[id]; ok {
			return v
		}
		m, err := cd.store.Get(ctx, id)
		active[id] = err == nil && m.Active
		return active[id]
	}

	for _, c := range found {
		if !isActive(c.NewerID) || !isActive(c.OlderID) {
			continue
		}
		edge := types.Edge{
			SourceID:   c.NewerID,
			TargetID:   c.OlderID,
			Type:       types.EdgeContradicts,
			Confidence: c.Confidence,
		}
		if err := cd.store.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("failed to record contradiction: %w", err)
		}
		cd.logger.Debug("contradiction recorded", "rule", c.Type, "newer", c.NewerID, "older", c.OlderID)
	}
	return nil
}

// candidatePairs returns pairs whose content-term Jaccard and shared term
// count both reach the thresholds, at most maxPairs of them.
func (cd *ContradictionDetector) candidatePairs(mems []*types.Memory) []candidatePair {
	terms := make([]map[string]bool, len(mems))
	for i, m := range mems {
		terms[i] = contentTerms(m.Content)
	}

	var pairs []candidatePair
	for i := 0; i < len(mems); i++ {
		for j := i + 1; j < len(mems); j++ {
			shared, jaccard := overlap(terms[i], terms[j])
			if len(shared) < cd.minShared || jaccard < cd.minJaccard {
				continue
			}
			newer, older := mems[i], mems[j]
			if older.CreatedAt.After(newer.CreatedAt) || (older.CreatedAt.Equal(newer.CreatedAt) && older.ID > newer.ID) {
				newer, older = older, newer
			}
			pairs = append(pairs, candidatePair{newer: newer, older: older, shared: shared})
			if len(pairs) >= cd.maxPairs {
				cd.logger.Warn("contradiction pair limit reached", "limit", cd.maxPairs)
				return pairs
			}
		}
	}
	return pairs
}

// stopWords are dropped before comparing memory content.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "as": true, "by": true, "from": true, "it": true, "its": true,
	"is": true, "am": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "has": true, "have": true, "had": true, "do": true, "does": true,
	"did": true, "user": true, "users": true, "i": true, "my": true, "me": true,
	"they": true, "their": true, "them": true, "he": true, "she": true,
	"his": true, "her": true, "that": true, "this": true, "there": true,
	"not": true, "no": true, "very": true, "so": true,
}

// contentTerms returns the set of non-stop-word tokens of text.
func contentTerms(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range types.Tokenize(text) {
		if !stopWords[tok] {
			out[tok] = true
		}
	}
	return out
}

// tokenSet returns the set of all tokens of text.
func tokenSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range types.Tokenize(text) {
		out[tok] = true
	}
	return out
}

// overlap returns the sorted shared terms and the Jaccard index of a and b.
func overlap(a, b map[string]bool) ([]string, float64) {
	if len(a) == 0 && len(b) == 0 {
		return nil, 0
	}
	var shared []string
	for t := range a {
		if b[t] {
			shared = append(shared, t)
		}
	}
	sort.Strings(shared)
	union := len(a) + len(b) - len(shared)
	return shared, float64(len(shared)) / float64(union)
}
