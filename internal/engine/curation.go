package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/scrypster/ltm/internal/embedding"
	"github.com/scrypster/ltm/internal/llm"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// Curation stage names, in run order.
const (
	StageScanProblematic      = "scan_problematic"
	StageMergeSimilar         = "merge_similar"
	StageRecategorize         = "recategorize"
	StageImproveQuality       = "improve_quality"
	StageOracleAssistedCurate = "oracle_assisted_curate"
	StageDecayConfidence      = "decay_confidence"
)

var (
	uninformativePattern = regexp.MustCompile(`(?i)\b(?:not provided|unknown|not specified|not mentioned|n/a|no information|unspecified|none given)\b`)
	hedgePattern         = regexp.MustCompile(`(?i)\b(?:might|maybe|possibly|probably|perhaps|seems|apparently|i think|could be)\b`)
)

// IsUninformative reports whether text matches a known placeholder phrase.
func IsUninformative(text string) bool {
	return uninformativePattern.MatchString(text)
}

// IsHedged reports whether text carries hedging language.
func IsHedged(text string) bool {
	return hedgePattern.MatchString(text)
}

// errSkipped marks an item that changed under us and was left alone.
var errSkipped = errors.New("item changed since scan")

// StageReport summarizes one curation stage.
type StageReport struct {
	Stage     string        `json:"stage"`
	Processed int           `json:"processed"`
	Changed   int           `json:"changed"`
	Failures  int           `json:"failures"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (r *StageReport) fail(err error) {
	r.Failures++
	if r.Error == "" {
		r.Error = err.Error()
	}
}

// MaintenanceReport is the outcome of one RunMaintenanceOnce call.
type MaintenanceReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Owners     int           `json:"owners"`
	Stages     []StageReport `json:"stages"`
	Cancelled  bool          `json:"cancelled"`
}

// Stage returns the report of the named stage, if it ran.
func (r *MaintenanceReport) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageReport{}, false
}

type curationStage struct {
	name string
	run  func(ctx context.Context, owners []types.Owner) StageReport
}

// RunMaintenanceOnce runs every curation stage over every owner, in order.
// A stage failure is logged and the run moves on. ctx is checked between
// stages only; a stage that has started runs to completion.
func (e *MemoryEngine) RunMaintenanceOnce(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{StartedAt: e.now()}
	logger := e.logger.WithPrefix("curation")

	owners, err := e.store.Owners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	report.Owners = len(owners)

	stages := []curationStage{
		{StageScanProblematic, e.perOwner(StageScanProblematic, e.ScanProblematic)},
		{StageMergeSimilar, e.perOwner(StageMergeSimilar, e.MergeSimilar)},
		{StageRecategorize, e.perOwner(StageRecategorize, e.Recategorize)},
		{StageImproveQuality, e.perOwner(StageImproveQuality, e.ImproveQuality)},
		{StageOracleAssistedCurate, func(ctx context.Context, _ []types.Owner) StageReport {
			return e.OracleAssistedCurate(ctx)
		}},
		{StageDecayConfidence, e.perOwner(StageDecayConfidence, e.DecayConfidence)},
	}

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			report.FinishedAt = e.now()
			logger.Info("maintenance cancelled", "before", st.name, "err", err)
			return report, err
		}

		started := time.Now()
		sr := st.run(context.WithoutCancel(ctx), owners)
		sr.Stage = st.name
		sr.Duration = time.Since(started)
		report.Stages = append(report.Stages, sr)

		if sr.Failures > 0 {
			logger.Warn("stage finished with failures", "stage", st.name, "failures", sr.Failures, "err", sr.Error)
		} else {
			logger.Debug("stage finished", "stage", st.name, "processed", sr.Processed, "changed", sr.Changed)
		}
	}

	report.FinishedAt = e.now()
	e.emit(EventMaintenance, types.Owner{}, "")
	return report, nil
}

// perOwner runs a single-owner stage over every owner and sums the reports.
func (e *MemoryEngine) perOwner(name string, fn func(ctx context.Context, owner types.Owner) StageReport) func(context.Context, []types.Owner) StageReport {
	return func(ctx context.Context, owners []types.Owner) StageReport {
		total := StageReport{Stage: name}
		for _, o := range owners {
			r := fn(ctx, o)
			total.Processed += r.Processed
			total.Changed += r.Changed
			total.Failures += r.Failures
			total.Skipped = total.Skipped || r.Skipped
			if total.Error == "" {
				total.Error = r.Error
			}
		}
		return total
	}
}

// ScanProblematic hard-deletes unverified intuited memories whose text is a
// placeholder such as "not provided" or "unknown".
func (e *MemoryEngine) ScanProblematic(ctx context.Context, owner types.Owner) StageReport {
	report := StageReport{Stage: StageScanProblematic}

	mems, err := e.store.ListActive(ctx, owner, storage.ListOptions{Type: types.TypeIntuited})
	if err != nil {
		report.fail(err)
		return report
	}

	for _, m := range mems {
		report.Processed++
		if m.Verified || !IsUninformative(m.Content) {
			continue
		}
		err := e.withOwner(m.Owner, func() error {
			cur, err := e.store.Get(ctx, m.ID)
			if err != nil {
				return err
			}
			if !cur.Active || cur.Verified || cur.Type != types.TypeIntuited || !IsUninformative(cur.Content) {
				return errSkipped
			}
			return e.hardDeleteLocked(ctx, e.store, cur.ID)
		})
		switch {
		case err == nil:
			report.Changed++
			e.emit(EventDeleted, m.Owner, m.ID)
		case errors.Is(err, errSkipped), errors.Is(err, storage.ErrNotFound):
		default:
			report.fail(err)
		}
	}
	return report
}

// MergeSimilar folds near-identical memories of the same owner and category
// together. The keeper is the higher-confidence memory (ties: verified, then
// older); it inherits the loser's edges and access count. Unprotected losers
// are hard-deleted, protected ones are retired behind a supersedes edge.
func (e *MemoryEngine) MergeSimilar(ctx context.Context, owner types.Owner) StageReport {
	report := StageReport{Stage: StageMergeSimilar}

	mems, err := e.store.ListActive(ctx, owner, storage.ListOptions{})
	if err != nil {
		report.fail(err)
		return report
	}

	byCategory := make(map[types.Category][]*types.Memory)
	for _, m := range mems {
		byCategory[m.Category] = append(byCategory[m.Category], m)
	}

	for _, cat := range types.Categories {
		group := byCategory[cat]
		sets := make([]map[string]bool, len(group))
		for i, m := range group {
			sets[i] = tokenSet(m.Content)
		}

		gone := make(map[int]bool)
		for i := 0; i < len(group); i++ {
			if gone[i] {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				if gone[j] || gone[i] {
					continue
				}
				report.Processed++
				if _, sim := overlap(sets[i], sets[j]); sim < e.cfg.MergeThreshold {
					continue
				}

				keeper, loser := pickKeeper(group[i], group[j])
				exact := sameWords(group[i].Content, group[j].Content)
				err := e.mergePair(ctx, keeper.ID, loser.ID, exact)
				switch {
				case err == nil:
					report.Changed++
					if loser == group[i] {
						gone[i] = true
					} else {
						gone[j] = true
					}
				case errors.Is(err, errSkipped), errors.Is(err, storage.ErrNotFound):
					// Already handled by a concurrent pass.
				default:
					report.fail(err)
				}
			}
		}
	}
	return report
}

// sameWords reports whether a and b are the same words in the same order,
// ignoring case and punctuation.
func sameWords(a, b string) bool {
	return strings.Join(types.Tokenize(a), " ") == strings.Join(types.Tokenize(b), " ")
}

// pickKeeper orders a duplicate pair: higher confidence wins, then verified,
// then the older record.
func pickKeeper(a, b *types.Memory) (keeper, loser *types.Memory) {
	switch {
	case a.Confidence != b.Confidence:
		if a.Confidence > b.Confidence {
			return a, b
		}
		return b, a
	case a.Verified != b.Verified:
		if a.Verified {
			return a, b
		}
		return b, a
	case !a.CreatedAt.Equal(b.CreatedAt):
		if a.CreatedAt.Before(b.CreatedAt) {
			return a, b
		}
		return b, a
	case a.ID < b.ID:
		return a, b
	default:
		return b, a
	}
}

// mergePair folds loser into keeper in one transaction under the owner lock.
// Only an exact duplicate (same word sequence) that is unprotected is
// hard-deleted; any other loser is retired behind a supersedes edge.
func (e *MemoryEngine) mergePair(ctx context.Context, keeperID, loserID string, exact bool) error {
	keeper, err := e.store.Get(ctx, keeperID)
	if err != nil {
		return err
	}

	var deleted bool
	err = e.withOwner(keeper.Owner, func() error {
		return e.store.InTx(ctx, func(tx storage.Repository) error {
			k, err := tx.Get(ctx, keeperID)
			if err != nil {
				return err
			}
			l, err := tx.Get(ctx, loserID)
			if err != nil {
				return err
			}
			if !k.Active || !l.Active {
				return errSkipped
			}

			now := e.now()
			if _, err := MigrateEdges(ctx, tx, []string{l.ID}, k.ID, now); err != nil {
				return err
			}

			k.AccessCount += l.AccessCount
			if l.LastAccessedAt != nil && (k.LastAccessedAt == nil || l.LastAccessedAt.After(*k.LastAccessedAt)) {
				k.LastAccessedAt = l.LastAccessedAt
			}
			if err := tx.Update(ctx, k); err != nil {
				return err
			}

			if exact && !l.Protected() {
				deleted = true
				return tx.Delete(ctx, l.ID)
			}
			if err := tx.SetActive(ctx, l.ID, false, now); err != nil {
				return err
			}
			return tx.UpsertEdge(ctx, types.Edge{
				SourceID:   k.ID,
				TargetID:   l.ID,
				Type:       types.EdgeSupersedes,
				Confidence: k.Confidence,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		})
	})
	if err != nil {
		return err
	}

	e.logger.Debug("merged duplicate", "keeper", keeperID, "loser", loserID, "deleted", deleted)
	if deleted {
		e.emit(EventDeleted, keeper.Owner, loserID)
	} else {
		e.emit(EventRetired, keeper.Owner, loserID)
	}
	e.emit(EventUpdated, keeper.Owner, keeperID)
	return nil
}

// Recategorize moves memories whose keyword category disagrees with the
// stored one. Moves that would duplicate an active memory in the target
// category are skipped, as are memories carrying category-specific details.
func (e *MemoryEngine) Recategorize(ctx context.Context, owner types.Owner) StageReport {
	report := StageReport{Stage: StageRecategorize}

	mems, err := e.store.ListActive(ctx, owner, storage.ListOptions{})
	if err != nil {
		report.fail(err)
		return report
	}

	for _, m := range mems {
		report.Processed++
		if m.Details != nil {
			continue
		}
		target, ok := e.categorizer.Categorize(m.Content)
		if !ok || target == m.Category {
			continue
		}

		err := e.withOwner(m.Owner, func() error {
			cur, err := e.store.Get(ctx, m.ID)
			if err != nil {
				return err
			}
			if !cur.Active || cur.Category != m.Category || cur.Content != m.Content {
				return errSkipped
			}
			if _, err := e.store.FindActiveDuplicate(ctx, cur.Owner, target, cur.NormalizedContent()); err == nil {
				return errSkipped
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			cur.Category = target
			return e.store.Update(ctx, cur)
		})
		switch {
		case err == nil:
			report.Changed++
			e.logger.Debug("recategorized", "id", m.ID, "from", m.Category, "to", target)
			e.emit(EventUpdated, m.Owner, m.ID)
		case errors.Is(err, errSkipped), errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrConflict):
		default:
			report.fail(err)
		}
	}
	return report
}

// ImproveQuality asks the judge to restate hedged memories. A rewrite is
// accepted only when it is non-blank, different, unhedged, not a duplicate,
// and its embedding stays close to the original's. Text and embedding are
// written together.
func (e *MemoryEngine) ImproveQuality(ctx context.Context, owner types.Owner) StageReport {
	report := StageReport{Stage: StageImproveQuality}
	if e.judge == nil {
		report.Skipped = true
		return report
	}

	mems, err := e.store.ListActive(ctx, owner, storage.ListOptions{})
	if err != nil {
		report.fail(err)
		return report
	}

	for _, m := range mems {
		if !IsHedged(m.Content) {
			continue
		}
		report.Processed++

		rewrite, err := e.judge.Rewrite(ctx, m.Content)
		if err != nil {
			report.fail(err)
			continue
		}
		rewrite = strings.TrimSpace(rewrite)
		if rewrite == "" || types.NormalizeText(rewrite) == m.NormalizedContent() || IsHedged(rewrite) {
			continue
		}
		vec, err := e.index.Embed(ctx, rewrite)
		if err != nil {
			report.fail(err)
			continue
		}
		if sim := embedding.Similarity(vec, m.Embedding); sim < e.cfg.RewriteMinSimilarity {
			e.logger.Debug("rewrite rejected", "id", m.ID, "similarity", sim)
			continue
		}

		err = e.withOwner(m.Owner, func() error {
			cur, err := e.store.Get(ctx, m.ID)
			if err != nil {
				return err
			}
			if !cur.Active || cur.Content != m.Content {
				return errSkipped
			}
			if _, err := e.store.FindActiveDuplicate(ctx, cur.Owner, cur.Category, types.NormalizeText(rewrite)); err == nil {
				return errSkipped
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			cur.Content = rewrite
			cur.Embedding = vec
			cur.Temporal = e.temporal.Local(rewrite).Annotation
			return e.store.Update(ctx, cur)
		})
		switch {
		case err == nil:
			report.Changed++
			e.emit(EventUpdated, m.Owner, m.ID)
		case errors.Is(err, errSkipped), errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrConflict):
		default:
			report.fail(err)
		}
	}
	return report
}

// OracleAssistedCurate sends the memories of the highest-volume owners to
// the judge, one category batch at a time, and applies its removals and
// merges. A snapshot hook, when set, runs first; if it fails the stage is
// skipped.
func (e *MemoryEngine) OracleAssistedCurate(ctx context.Context) StageReport {
	report := StageReport{Stage: StageOracleAssistedCurate}
	if e.judge == nil || e.cfg.OracleOwners == 0 {
		report.Skipped = true
		return report
	}

	owners, err := e.store.OwnersByVolume(ctx, e.cfg.OracleMinMemories, e.cfg.OracleOwners)
	if err != nil {
		report.fail(err)
		return report
	}
	if len(owners) == 0 {
		return report
	}

	if hook := e.snapshotHook(); hook != nil {
		if err := hook(ctx); err != nil {
			e.logger.Error("pre-curation snapshot failed, skipping oracle curation", "err", err)
			report.Skipped = true
			report.fail(err)
			return report
		}
	}

	for _, ov := range owners {
		for _, cat := range types.Categories {
			mems, err := e.store.ListActive(ctx, ov.Owner, storage.ListOptions{Category: cat})
			if err != nil {
				report.fail(err)
				continue
			}
			for start := 0; start < len(mems); start += e.cfg.OracleBatchSize {
				end := start + e.cfg.OracleBatchSize
				if end > len(mems) {
					end = len(mems)
				}
				e.curateBatch(ctx, cat, mems[start:end], &report)
			}
		}
	}
	return report
}

// curateBatch asks the judge about one batch and applies the verdict item
// by item. A failed item is logged and the rest of the batch continues.
func (e *MemoryEngine) curateBatch(ctx context.Context, cat types.Category, batch []*types.Memory, report *StageReport) {
	if len(batch) < 2 {
		return
	}
	items := make([]llm.CurationItem, len(batch))
	for i, m := range batch {
		items[i] = llm.CurationItem{Index: i, Text: m.Content, Confidence: m.Confidence}
	}
	report.Processed += len(batch)

	decision, err := e.judge.Curate(ctx, cat, items)
	if err != nil {
		report.fail(err)
		return
	}
	decision = decision.Sanitize(len(batch))
	if decision.Reasoning != "" {
		e.logger.Debug("curation verdict", "owner", batch[0].Owner, "category", cat,
			"remove", len(decision.Remove), "merge", len(decision.Merge), "keep", len(decision.Keep),
			"reasoning", decision.Reasoning)
	}

	for _, idx := range decision.Remove {
		m := batch[idx]
		deleted, err := e.curateRemove(ctx, m)
		switch {
		case err == nil:
			report.Changed++
			if deleted {
				e.emit(EventDeleted, m.Owner, m.ID)
			} else {
				e.emit(EventRetired, m.Owner, m.ID)
			}
		case errors.Is(err, errSkipped), errors.Is(err, storage.ErrNotFound):
		default:
			e.logger.Warn("oracle removal failed", "id", m.ID, "err", err)
			report.fail(err)
		}
	}

	for _, g := range decision.Merge {
		members := make([]*types.Memory, len(g.Indices))
		for i, idx := range g.Indices {
			members[i] = batch[idx]
		}
		merged, err := e.MergeGroup(ctx, members, g.Text)
		switch {
		case err == nil:
			report.Changed++
			e.logger.Debug("merged group", "id", merged.ID, "members", len(members))
		case errors.Is(err, errSkipped):
		default:
			e.logger.Warn("oracle merge failed", "members", len(members), "err", err)
			report.fail(err)
		}
	}
}

// curateRemove applies an oracle removal. The memory is hard-deleted only
// when it is unprotected and its text is uninformative; otherwise it is
// retired.
func (e *MemoryEngine) curateRemove(ctx context.Context, m *types.Memory) (bool, error) {
	var deleted bool
	err := e.withOwner(m.Owner, func() error {
		cur, err := e.store.Get(ctx, m.ID)
		if err != nil {
			return err
		}
		if !cur.Active || cur.Content != m.Content {
			return errSkipped
		}
		if !cur.Protected() && IsUninformative(cur.Content) {
			deleted = true
			return e.store.Delete(ctx, cur.ID)
		}
		return e.store.SetActive(ctx, cur.ID, false, e.now())
	})
	return deleted, err
}

// MergeGroup replaces members with one merged memory. The new record takes
// the highest confidence, the summed access count and the latest access of
// the members; its embedding is computed from text, or, when text is blank,
// copied from the highest-confidence member along with that member's text.
// Every incident edge moves to the new record, which supersedes each
// original, and the originals are retired. It is all-or-nothing.
func (e *MemoryEngine) MergeGroup(ctx context.Context, members []*types.Memory, text string) (*types.Memory, error) {
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a merge needs at least two memories", types.ErrValidation)
	}
	owner, cat := members[0].Owner, members[0].Category
	for _, m := range members[1:] {
		if m.Owner != owner || m.Category != cat {
			return nil, fmt.Errorf("%w: merged memories must share owner and category", types.ErrValidation)
		}
	}

	best := members[0]
	for _, m := range members[1:] {
		if m.Confidence > best.Confidence {
			best = m
		}
	}

	text = strings.TrimSpace(text)
	var vec []float32
	if text == "" {
		text = best.Content
		vec = append([]float32(nil), best.Embedding...)
	} else {
		var err error
		if vec, err = e.index.Embed(ctx, text); err != nil {
			return nil, fmt.Errorf("failed to embed merged text: %w", err)
		}
	}
	temporal := e.temporal.Analyze(ctx, text)

	var merged *types.Memory
	err := e.withOwner(owner, func() error {
		return e.store.InTx(ctx, func(tx storage.Repository) error {
			now := e.now()
			m := &types.Memory{
				ID:                newMemoryID(),
				Owner:             owner,
				Content:           text,
				Category:          cat,
				Type:              types.TypeMerged,
				Source:            "curation",
				VerificationState: types.StateUnverified,
				Embedding:         vec,
				Temporal:          temporal,
				CreatedAt:         now,
				UpdatedAt:         now,
				Active:            true,
			}

			ids := make([]string, len(members))
			for i, orig := range members {
				cur, err := tx.Get(ctx, orig.ID)
				if err != nil {
					return err
				}
				if !cur.Active {
					return errSkipped
				}
				ids[i] = cur.ID
				if cur.Confidence > m.Confidence {
					m.Confidence = cur.Confidence
				}
				m.AccessCount += cur.AccessCount
				if cur.LastAccessedAt != nil && (m.LastAccessedAt == nil || cur.LastAccessedAt.After(*m.LastAccessedAt)) {
					m.LastAccessedAt = cur.LastAccessedAt
				}
				if cur.Verified {
					m.Verified = true
					m.VerificationState = types.StateVerified
					m.VerifiedAt = &now
				}
				if err := tx.SetActive(ctx, cur.ID, false, now); err != nil {
					return err
				}
			}
			if m.Verified && m.Confidence < types.VerifiedFloor {
				m.Confidence = types.VerifiedFloor
			}

			if err := tx.Insert(ctx, m); err != nil {
				return err
			}
			if _, err := MigrateEdges(ctx, tx, ids, m.ID, now); err != nil {
				return err
			}
			for _, id := range ids {
				if err := tx.UpsertEdge(ctx, types.Edge{
					SourceID:   m.ID,
					TargetID:   id,
					Type:       types.EdgeSupersedes,
					Confidence: m.Confidence,
					CreatedAt:  now,
					UpdatedAt:  now,
				}); err != nil {
					return err
				}
			}
			merged = m
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	e.emit(EventMerged, owner, merged.ID)
	for _, m := range members {
		e.emit(EventRetired, owner, m.ID)
	}
	return merged, nil
}

// DecayConfidence lowers the confidence of the owner's unverified,
// non-explicit memories according to the decay half-life.
func (e *MemoryEngine) DecayConfidence(ctx context.Context, owner types.Owner) StageReport {
	report := StageReport{Stage: StageDecayConfidence}

	mems, err := e.store.ListActive(ctx, owner, storage.ListOptions{})
	if err != nil {
		report.fail(err)
		return report
	}

	now := e.now()
	for _, m := range mems {
		if e.decay.Exempt(m) {
			continue
		}
		report.Processed++
		if _, ok := e.decay.Decayed(m, now); !ok {
			continue
		}

		err := e.withOwner(m.Owner, func() error {
			cur, err := e.store.Get(ctx, m.ID)
			if err != nil {
				return err
			}
			next, ok := e.decay.Decayed(cur, now)
			if !ok || !cur.Active {
				return errSkipped
			}
			return e.store.SetConfidence(ctx, cur.ID, next, "decay", now)
		})
		switch {
		case err == nil:
			report.Changed++
		case errors.Is(err, errSkipped), errors.Is(err, storage.ErrNotFound):
		default:
			report.fail(err)
		}
	}
	return report
}
