package engine

import (
	"context"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/ltm/internal/llm"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// markerClass groups temporal marker phrases.
type markerClass int

const (
	markerPast markerClass = iota
	markerPresent
	markerFuture
	markerChange
	markerTemporary
	markerPermanent
	markerFrequency
)

// Marker phrases are matched against the space-joined token stream, so they
// are written lower-case and without apostrophes.
var temporalMarkers = map[markerClass][]string{
	markerPast: {
		"was", "were", "used to", "previously", "formerly", "had", "did", "ago",
		"last year", "last month", "last week", "back then", "in the past", "once",
	},
	markerPresent: {
		"is", "am", "are", "currently", "now", "nowadays", "these days", "still",
		"at the moment", "presently",
	},
	markerFuture: {
		"will", "going to", "plans to", "planning to", "intends to", "next week",
		"next month", "next year", "soon", "someday", "upcoming",
	},
	markerChange: {
		"changed", "switched", "moved", "no longer", "anymore", "quit", "stopped",
		"started", "became", "new job", "recently", "now works", "now lives",
	},
	markerTemporary: {
		"this week", "this month", "today", "tonight", "right now", "temporarily",
		"for now", "for a while", "until",
	},
	markerPermanent: {
		"born", "birthday", "native", "name is", "allergic", "blood type",
	},
	markerFrequency: {
		"always", "never", "usually", "often", "regularly", "every", "daily",
		"weekly", "monthly", "sometimes", "occasionally", "rarely", "seldom",
		"hardly ever", "constantly",
	},
}

// frequencyWords maps frequency markers to a frequency level. Longer
// phrases are listed before the words they contain.
var frequencyWords = []struct {
	phrase string
	level  types.Frequency
}{
	{"hardly ever", types.FrequencyRarely},
	{"never", types.FrequencyNever},
	{"rarely", types.FrequencyRarely},
	{"seldom", types.FrequencyRarely},
	{"sometimes", types.FrequencySometimes},
	{"occasionally", types.FrequencySometimes},
	{"always", types.FrequencyAlways},
	{"constantly", types.FrequencyAlways},
	{"usually", types.FrequencyRegularly},
	{"often", types.FrequencyRegularly},
	{"regularly", types.FrequencyRegularly},
	{"every", types.FrequencyRegularly},
	{"daily", types.FrequencyRegularly},
	{"weekly", types.FrequencyRegularly},
	{"monthly", types.FrequencyRegularly},
}

var timeReferencePattern = regexp.MustCompile(`(?i)\b(?:(?:19|20)\d{2}|yesterday|today|tomorrow|tonight|` +
	`(?:last|next|this) (?:week|month|year|summer|winter|spring|autumn|fall)|` +
	`\d+ (?:days?|weeks?|months?|years?) ago|` +
	`(?:january|february|march|april|may|june|july|august|september|october|november|december)|` +
	`(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?)\b`)

// LocalAnalysis is the result of the marker heuristics.
type LocalAnalysis struct {
	Annotation *types.TemporalAnnotation

	// Complexity is the number of marker hits plus the number of distinct
	// marker classes that fired.
	Complexity int
}

// TemporalAnalyzer annotates memory text with tense, stability and
// frequency. Marker heuristics run first; the classifier oracle is only
// asked about text whose complexity exceeds the threshold.
type TemporalAnalyzer struct {
	judge     llm.Judge
	threshold int
	now       func() time.Time
	logger    *log.Logger
}

// NewTemporalAnalyzer creates an analyzer. judge may be nil, in which case
// only the local heuristics are used.
func NewTemporalAnalyzer(judge llm.Judge, threshold int, logger *log.Logger) *TemporalAnalyzer {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &TemporalAnalyzer{judge: judge, threshold: threshold, now: time.Now, logger: logger}
}

// Analyze returns the temporal annotation of text. Oracle failures fall back
// to the local annotation; analysis never fails a write.
func (a *TemporalAnalyzer) Analyze(ctx context.Context, text string) *types.TemporalAnnotation {
	local := a.Local(text)
	if a.judge == nil || local.Complexity <= a.threshold {
		return local.Annotation
	}

	ann, err := a.judge.ClassifyTemporal(ctx, text)
	if err != nil || ann == nil {
		a.logger.Warn("temporal classification failed, using local annotation", "complexity", local.Complexity, "err", err)
		return local.Annotation
	}
	ann.Source = types.AnnotationOracle
	ann.AnalyzedAt = a.now().UTC()
	if len(ann.TimeReferences) == 0 {
		ann.TimeReferences = local.Annotation.TimeReferences
	}
	return ann
}

// Local runs the marker heuristics only.
func (a *TemporalAnalyzer) Local(text string) LocalAnalysis {
	stream := " " + strings.Join(types.Tokenize(text), " ") + " "

	counts := make(map[markerClass]int)
	hits := 0
	for class, phrases := range temporalMarkers {
		for _, p := range phrases {
			if n := strings.Count(stream, " "+p+" "); n > 0 {
				counts[class] += n
				hits += n
			}
		}
	}

	ann := &types.TemporalAnnotation{
		Tense:      localTense(counts),
		Stability:  types.StabilityStable,
		Source:     types.AnnotationLocal,
		AnalyzedAt: a.now().UTC(),
	}
	switch {
	case counts[markerChange] > 0:
		ann.Stability = types.StabilityChanging
	case counts[markerTemporary] > 0:
		ann.Stability = types.StabilityTemporary
	case counts[markerPermanent] > 0:
		ann.Stability = types.StabilityPermanent
	}
	ann.IsCurrent = ann.Tense == types.TensePresent || ann.Tense == types.TenseUnknown
	for _, fw := range frequencyWords {
		if strings.Contains(stream, " "+fw.phrase+" ") {
			ann.Frequency = fw.level
			break
		}
	}
	ann.TimeReferences = timeReferencePattern.FindAllString(text, -1)

	return LocalAnalysis{Annotation: ann, Complexity: hits + len(counts)}
}

// localTense picks the tense with most markers. Ties prefer present, then
// past, so "used to X but now Y" reads as present.
func localTense(counts map[markerClass]int) types.Tense {
	past, present, future := counts[markerPast], counts[markerPresent], counts[markerFuture]
	switch {
	case past == 0 && present == 0 && future == 0:
		return types.TenseUnknown
	case future > present && future > past:
		return types.TenseFuture
	case past > present:
		return types.TensePast
	case present > 0:
		return types.TensePresent
	default:
		return types.TensePast
	}
}

// AnalysisReport summarizes one AnalyzeOnce run.
type AnalysisReport struct {
	Owner          types.Owner     `json:"owner"`
	Annotated      int             `json:"annotated"`
	Failures       int             `json:"failures"`
	Contradictions []Contradiction `json:"contradictions"`
}

// AnalyzeOnce annotates every active memory of owner that has no temporal
// annotation yet, then runs contradiction detection over the owner.
func (e *MemoryEngine) AnalyzeOnce(ctx context.Context, owner types.Owner) (*AnalysisReport, error) {
	owner = types.NewOwner(owner.UserID, owner.Scope)
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	pending, err := e.store.ListActive(ctx, owner, storage.ListOptions{WithoutTemporal: true})
	if err != nil {
		return nil, err
	}

	report := &AnalysisReport{Owner: owner}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ann := e.temporal.Analyze(ctx, m.Content)
		stored, err := e.annotate(ctx, m, ann)
		if err != nil {
			e.logger.Warn("failed to store temporal annotation", "id", m.ID, "err", err)
			report.Failures++
			continue
		}
		if stored {
			report.Annotated++
		}
	}

	found, err := e.contradictions.FindContradictions(ctx, owner)
	if err != nil {
		return report, err
	}
	report.Contradictions = found
	return report, nil
}

// annotate stores ann on the memory if its content is unchanged since the
// analysis started.
func (e *MemoryEngine) annotate(ctx context.Context, m *types.Memory, ann *types.TemporalAnnotation) (bool, error) {
	unlock := e.locks.lock(m.Owner)
	defer unlock()

	cur, err := e.store.Get(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if !cur.Active || cur.Content != m.Content || cur.Temporal != nil {
		return false, nil
	}
	cur.Temporal = ann
	if err := e.store.Update(ctx, cur); err != nil {
		return false, err
	}
	return true, nil
}
