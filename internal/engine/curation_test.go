package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/ltm/internal/embedding"
	"github.com/scrypster/ltm/internal/llm"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

func TestIsUninformativeAndHedged(t *testing.T) {
	assert.True(t, IsUninformative("User's name is not provided"))
	assert.True(t, IsUninformative("Favourite colour: unknown"))
	assert.False(t, IsUninformative("User's name is Sam"))

	assert.True(t, IsHedged("User probably likes sushi"))
	assert.True(t, IsHedged("I think the user is a nurse"))
	assert.False(t, IsHedged("User likes sushi"))
}

func TestScanProblematic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	junk := env.create(t, alice, "User's name is not provided", types.CategoryPersonal, types.TypeIntuited, 0)
	verified := env.create(t, alice, "User's phone is unknown", types.CategoryContact, types.TypeIntuited, 0)
	_, err := env.eng.RecordVerificationResponse(ctx, alice, verified.ID, "yes")
	require.NoError(t, err)
	explicit := env.create(t, alice, "User's email is not provided", types.CategoryContact, types.TypeExplicit, 0)
	fine := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)

	report := env.eng.ScanProblematic(ctx, alice)
	assert.Equal(t, 1, report.Changed)
	assert.Zero(t, report.Failures)

	_, err = env.eng.GetMemory(ctx, junk.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	for _, id := range []string{verified.ID, explicit.ID, fine.ID} {
		assert.True(t, env.get(t, id).Active)
	}
}

func TestMergeSimilarDeletesUnprotectedLoser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	loser := env.create(t, alice, "User likes pizza.", types.CategoryPreferences, types.TypeIntuited, 0.6)
	keeper := env.create(t, alice, "User likes pizza!", types.CategoryPreferences, types.TypeIntuited, 0.8)
	other := env.create(t, alice, "User likes sushi", types.CategoryPreferences, types.TypeIntuited, 0)
	_, err := env.eng.AddEdge(ctx, loser.ID, other.ID, types.EdgeRelatedTo, 0.5)
	require.NoError(t, err)

	_, err = env.eng.RetrieveBySimilarity(ctx, alice, "pizza", 3, "")
	require.NoError(t, err)

	report := env.eng.MergeSimilar(ctx, alice)
	assert.Equal(t, 1, report.Changed)
	assert.Zero(t, report.Failures)

	_, err = env.eng.GetMemory(ctx, loser.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	kept := env.get(t, keeper.ID)
	assert.Equal(t, 2, kept.AccessCount)
	edges, err := env.eng.EdgesOf(ctx, keeper.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, other.ID, edges[0].TargetID)
	assert.Equal(t, 2, env.activeCount(t, alice))
}

func TestMergeSimilarRetiresProtectedLoser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	loser := env.create(t, alice, "User likes pizza.", types.CategoryPreferences, types.TypeExplicit, 0.7)
	keeper := env.create(t, alice, "User likes pizza!", types.CategoryPreferences, types.TypeIntuited, 0.8)

	report := env.eng.MergeSimilar(ctx, alice)
	assert.Equal(t, 1, report.Changed)

	retired := env.get(t, loser.ID)
	assert.False(t, retired.Active)

	edges, err := env.eng.EdgesOf(ctx, loser.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, types.EdgeSupersedes, edges[0].Type)
	assert.Equal(t, keeper.ID, edges[0].SourceID)
}

func TestMergeSimilarRetiresNearDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	loser := env.create(t, alice, "User likes eating hot fresh pepperoni pizza every friday night", types.CategoryPreferences, types.TypeIntuited, 0.6)
	keeper := env.create(t, alice, "User likes eating hot fresh pepperoni pizza every friday night downtown", types.CategoryPreferences, types.TypeIntuited, 0.8)

	report := env.eng.MergeSimilar(ctx, alice)
	assert.Equal(t, 1, report.Changed)

	retired := env.get(t, loser.ID)
	assert.False(t, retired.Active, "near duplicates are retired, not deleted")

	edges, err := env.eng.EdgesOf(ctx, loser.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, types.EdgeSupersedes, edges[0].Type)
	assert.Equal(t, keeper.ID, edges[0].SourceID)
}

func TestMergeSimilarKeepsReorderedStatement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cats := env.create(t, alice, "User prefers cats over dogs", types.CategoryPreferences, types.TypeIntuited, 0.6)
	dogs := env.create(t, alice, "User prefers dogs over cats", types.CategoryPreferences, types.TypeIntuited, 0.7)

	report := env.eng.MergeSimilar(ctx, alice)
	assert.Equal(t, 1, report.Changed)

	retired, err := env.eng.GetMemory(ctx, cats.ID)
	require.NoError(t, err, "same words in another order are never hard-deleted")
	assert.False(t, retired.Active)
	assert.True(t, env.get(t, dogs.ID).Active)

	edges, err := env.eng.EdgesOf(ctx, cats.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, types.EdgeSupersedes, edges[0].Type)
	assert.Equal(t, dogs.ID, edges[0].SourceID)
}

func TestSameWords(t *testing.T) {
	assert.True(t, sameWords("User likes pizza.", "user LIKES  pizza!"))
	assert.True(t, sameWords("User's dog", "users dog"))
	assert.False(t, sameWords("User prefers cats over dogs", "User prefers dogs over cats"))
	assert.False(t, sameWords("User likes pizza", "User likes pizza a lot"))
}

func TestMergeSimilarLeavesDistinctMemories(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)
	env.create(t, alice, "User likes sushi", types.CategoryPreferences, types.TypeIntuited, 0)
	// Same tokens, different category.
	env.create(t, alice, "User likes pizza!", types.CategoryOther, types.TypeIntuited, 0)

	report := env.eng.MergeSimilar(context.Background(), alice)
	assert.Zero(t, report.Changed)
	assert.Equal(t, 3, env.activeCount(t, alice))
}

func TestMergeSimilarConcurrentPassesMergeOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, alice, "User likes pizza.", types.CategoryPreferences, types.TypeIntuited, 0.6)
	env.create(t, alice, "User likes pizza!", types.CategoryPreferences, types.TypeIntuited, 0.8)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
		failed  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := env.eng.MergeSimilar(ctx, alice)
			mu.Lock()
			changed += r.Changed
			failed += r.Failures
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changed)
	assert.Zero(t, failed)
	assert.Equal(t, 1, env.activeCount(t, alice))
}

func TestMergeGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0.6)
	b := env.create(t, alice, "User enjoys pizza", types.CategoryPreferences, types.TypeIntuited, 0.8)
	x := env.create(t, alice, "User likes sushi", types.CategoryPreferences, types.TypeIntuited, 0)
	_, err := env.eng.AddEdge(ctx, a.ID, x.ID, types.EdgeRelatedTo, 0.5)
	require.NoError(t, err)
	_, err = env.eng.AddEdge(ctx, x.ID, b.ID, types.EdgeSupports, 0.4)
	require.NoError(t, err)

	var events []EventKind
	env.eng.SetOnChange(func(ev Event) { events = append(events, ev.Kind) })

	merged, err := env.eng.MergeGroup(ctx, []*types.Memory{env.get(t, a.ID), env.get(t, b.ID)}, "User loves pizza")
	require.NoError(t, err)
	assert.Equal(t, "User loves pizza", merged.Content)
	assert.Equal(t, types.TypeMerged, merged.Type)
	assert.Equal(t, 0.8, merged.Confidence)
	assert.Len(t, merged.Embedding, testDim)

	for _, id := range []string{a.ID, b.ID} {
		orig, err := env.eng.GetMemory(ctx, id)
		require.NoError(t, err, "originals are retired, not deleted")
		assert.False(t, orig.Active)

		edges, err := env.eng.EdgesOf(ctx, id)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, types.EdgeSupersedes, edges[0].Type)
		assert.Equal(t, merged.ID, edges[0].SourceID)
	}

	edges, err := env.eng.EdgesOf(ctx, merged.ID)
	require.NoError(t, err)
	keys := make(map[types.EdgeKey]bool)
	for _, e := range edges {
		keys[e.Key()] = true
	}
	assert.Len(t, keys, 4)
	assert.True(t, keys[types.EdgeKey{SourceID: merged.ID, TargetID: x.ID, Type: types.EdgeRelatedTo}])
	assert.True(t, keys[types.EdgeKey{SourceID: x.ID, TargetID: merged.ID, Type: types.EdgeSupports}])

	assert.Equal(t, 2, env.activeCount(t, alice))
	assert.Equal(t, []EventKind{EventMerged, EventRetired, EventRetired}, events)
}

func TestMergeGroupBlankTextKeepsBestMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0.6)
	b := env.create(t, alice, "User enjoys pizza", types.CategoryPreferences, types.TypeExplicit, 0)

	calls := env.embedder.Calls()
	merged, err := env.eng.MergeGroup(ctx, []*types.Memory{env.get(t, a.ID), env.get(t, b.ID)}, "  ")
	require.NoError(t, err)
	assert.Equal(t, b.Content, merged.Content)
	assert.Equal(t, env.get(t, b.ID).Embedding, merged.Embedding)
	assert.Equal(t, calls, env.embedder.Calls())
}

func TestMergeGroupRejectsInvalidGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)
	b := env.create(t, alice, "User likes hiking", types.CategoryHobbies, types.TypeIntuited, 0)
	c := env.create(t, alice, "User enjoys pizza", types.CategoryPreferences, types.TypeIntuited, 0)

	_, err := env.eng.MergeGroup(ctx, []*types.Memory{a}, "x")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = env.eng.MergeGroup(ctx, []*types.Memory{a, b}, "x")
	assert.ErrorIs(t, err, types.ErrValidation)

	// A member retired since the scan aborts the whole merge.
	require.NoError(t, env.eng.Deactivate(ctx, c.ID))
	_, err = env.eng.MergeGroup(ctx, []*types.Memory{a, c}, "User loves pizza")
	assert.ErrorIs(t, err, errSkipped)
	assert.True(t, env.get(t, a.ID).Active)
	assert.Equal(t, 2, env.activeCount(t, alice))
}

func TestMergeGroupNeedsOracleForNewText(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)
	b := env.create(t, alice, "User enjoys pizza", types.CategoryPreferences, types.TypeIntuited, 0)

	env.embedder.SetErr(errors.New("timeout"))
	_, err := env.eng.MergeGroup(ctx, []*types.Memory{a, b}, "User loves pizza")
	assert.ErrorIs(t, err, types.ErrOracleUnavailable)
	assert.Equal(t, 2, env.activeCount(t, alice))
}

func TestRecategorize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	nurse := env.create(t, alice, "User works as a nurse", types.CategoryOther, types.TypeIntuited, 0)
	email := env.create(t, alice, "User's email is sam@example.com", types.CategoryPersonal, types.TypeIntuited, 0)
	tied := env.create(t, alice, "User likes hiking", types.CategoryPreferences, types.TypeIntuited, 0)
	dup := env.create(t, alice, "User works as a teacher", types.CategoryOther, types.TypeIntuited, 0)
	env.create(t, alice, "User works as a teacher", types.CategoryProfessional, types.TypeIntuited, 0)
	detailed, _, err := env.eng.Create(ctx, NewMemory{
		Owner:    alice,
		Content:  "User works as a nurse at night",
		Category: types.CategoryPreferences,
		Details:  types.PreferenceDetails{Subject: "night shifts", Sentiment: "likes"},
	})
	require.NoError(t, err)

	report := env.eng.Recategorize(ctx, alice)
	assert.Equal(t, 2, report.Changed)
	assert.Zero(t, report.Failures)

	assert.Equal(t, types.CategoryProfessional, env.get(t, nurse.ID).Category)
	assert.Equal(t, types.CategoryContact, env.get(t, email.ID).Category)
	assert.Equal(t, types.CategoryPreferences, env.get(t, tied.ID).Category)
	assert.Equal(t, types.CategoryOther, env.get(t, dup.ID).Category)
	assert.Equal(t, types.CategoryPreferences, env.get(t, detailed.ID).Category)
}

func TestImproveQuality(t *testing.T) {
	tests := []struct {
		name    string
		rewrite string
		want    string
	}{
		{"close rewrite is accepted", "User likes sushi", "User likes sushi"},
		{"drifting rewrite is rejected", "User hates mountains", "User probably likes sushi"},
		{"hedged rewrite is rejected", "User perhaps likes sushi", "User probably likes sushi"},
		{"blank rewrite is rejected", "   ", "User probably likes sushi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			m := env.create(t, alice, "User probably likes sushi", types.CategoryPreferences, types.TypeIntuited, 0)
			env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)
			env.judge.RewriteFunc = func(string) (string, error) { return tt.rewrite, nil }

			report := env.eng.ImproveQuality(ctx, alice)
			assert.Equal(t, 1, report.Processed)
			assert.Equal(t, 1, env.judge.RewriteCalls(), "only hedged memories are sent")

			stored := env.get(t, m.ID)
			assert.Equal(t, tt.want, stored.Content)

			vec, err := env.embedder.Embed(ctx, tt.want)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, embedding.Similarity(vec, stored.Embedding), 1e-6, "text and embedding move together")
		})
	}
}

func TestImproveQualitySkipsDuplicateRewrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User probably likes sushi", types.CategoryPreferences, types.TypeIntuited, 0)
	env.create(t, alice, "User likes sushi", types.CategoryPreferences, types.TypeIntuited, 0)
	env.judge.RewriteFunc = func(string) (string, error) { return "User likes sushi", nil }

	report := env.eng.ImproveQuality(ctx, alice)
	assert.Zero(t, report.Changed)
	assert.Zero(t, report.Failures)
	assert.Equal(t, "User probably likes sushi", env.get(t, m.ID).Content)
}

func TestImproveQualityCountsJudgeFailures(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, alice, "User probably likes sushi", types.CategoryPreferences, types.TypeIntuited, 0)

	report := env.eng.ImproveQuality(context.Background(), alice)
	assert.Equal(t, 1, report.Failures)
	assert.NotEmpty(t, report.Error)
}

// curationFixture stores four preference memories and scripts the judge to
// remove two of them and merge the coffee pair.
func curationFixture(t *testing.T, env *testEnv) (tea, junk, coffee1, coffee2 *types.Memory) {
	t.Helper()
	tea = env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)
	junk = env.create(t, alice, "User's favourite drink is unknown", types.CategoryPreferences, types.TypeIntuited, 0)
	coffee1 = env.create(t, alice, "User likes coffee", types.CategoryPreferences, types.TypeIntuited, 0.5)
	coffee2 = env.create(t, alice, "User enjoys coffee", types.CategoryPreferences, types.TypeIntuited, 0.7)
	env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0)

	env.judge.CurateFunc = func(cat types.Category, items []llm.CurationItem) (*llm.CurationDecision, error) {
		d := &llm.CurationDecision{}
		var group []int
		for _, it := range items {
			switch {
			case it.Text == tea.Content, strings.Contains(it.Text, "unknown"):
				d.Remove = append(d.Remove, it.Index)
			case strings.Contains(it.Text, "coffee"):
				group = append(group, it.Index)
			}
		}
		if len(group) > 0 {
			d.Merge = append(d.Merge, llm.MergeGroup{Indices: group, Text: "User loves coffee"})
		}
		return d, nil
	}
	return tea, junk, coffee1, coffee2
}

func TestOracleAssistedCurate(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.OracleMinMemories = 1 })
	ctx := context.Background()
	tea, junk, coffee1, coffee2 := curationFixture(t, env)

	snapshots := 0
	env.eng.SetSnapshotHook(func(context.Context) error {
		snapshots++
		return nil
	})

	report := env.eng.OracleAssistedCurate(ctx)
	assert.False(t, report.Skipped)
	assert.Zero(t, report.Failures, report.Error)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 3, report.Changed)
	assert.Equal(t, 1, snapshots)
	assert.Equal(t, 1, env.judge.CurateCalls(), "single-item batches are not sent")

	_, err := env.eng.GetMemory(ctx, junk.ID)
	assert.ErrorIs(t, err, types.ErrNotFound, "uninformative removals are deleted")
	assert.False(t, env.get(t, tea.ID).Active, "informative removals are retired")
	assert.False(t, env.get(t, coffee1.ID).Active)
	assert.False(t, env.get(t, coffee2.ID).Active)

	results, err := env.eng.ListMemories(ctx, alice, storage.ListOptions{Category: types.CategoryPreferences})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "User loves coffee", results[0].Content)
	assert.Equal(t, 0.7, results[0].Confidence)
}

func TestOracleAssistedCurateSnapshotFailureSkips(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.OracleMinMemories = 1 })
	curationFixture(t, env)
	env.eng.SetSnapshotHook(func(context.Context) error { return errors.New("disk full") })

	report := env.eng.OracleAssistedCurate(context.Background())
	assert.True(t, report.Skipped)
	assert.Equal(t, 1, report.Failures)
	assert.Zero(t, env.judge.CurateCalls())
	assert.Equal(t, 5, env.activeCount(t, alice))
}

func TestOracleAssistedCurateSelection(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.OracleOwners = 0 })
		report := env.eng.OracleAssistedCurate(context.Background())
		assert.True(t, report.Skipped)
	})

	t.Run("below volume", func(t *testing.T) {
		env := newTestEnv(t)
		curationFixture(t, env)
		report := env.eng.OracleAssistedCurate(context.Background())
		assert.False(t, report.Skipped)
		assert.Zero(t, report.Processed)
		assert.Zero(t, env.judge.CurateCalls())
	})
}

func TestDecayConfidence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intuited := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)
	explicit := env.create(t, alice, "User is a vegetarian", types.CategoryPersonal, types.TypeExplicit, 0)
	verified := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)
	_, err := env.eng.RecordVerificationResponse(ctx, alice, verified.ID, "yes")
	require.NoError(t, err)
	floor := env.create(t, alice, "User owns a boat", types.CategoryPersonal, types.TypeIntuited, 0.05)

	later := time.Now().UTC().Add(180 * 24 * time.Hour)
	env.eng.now = func() time.Time { return later }

	report := env.eng.DecayConfidence(ctx, alice)
	assert.Equal(t, 1, report.Changed)
	assert.Zero(t, report.Failures)

	assert.InDelta(t, 0.15, env.get(t, intuited.ID).Confidence, 0.001, "two half-lives")
	assert.Equal(t, types.DefaultExplicitConfidence, env.get(t, explicit.ID).Confidence)
	assert.Equal(t, types.ConfirmedConfidence, env.get(t, verified.ID).Confidence)
	assert.Equal(t, 0.05, env.get(t, floor.ID).Confidence)

	history, err := env.eng.ConfidenceHistory(ctx, intuited.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "decay", history[0].Reason)

	// The write restarts the clock, so an immediate rerun changes nothing.
	report = env.eng.DecayConfidence(ctx, alice)
	assert.Zero(t, report.Changed)
}

func TestRunMaintenanceOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, alice, "User's name is not provided", types.CategoryPersonal, types.TypeIntuited, 0)
	env.create(t, bob, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)

	var kinds []EventKind
	env.eng.SetOnChange(func(ev Event) { kinds = append(kinds, ev.Kind) })

	report, err := env.eng.RunMaintenanceOnce(ctx)
	require.NoError(t, err)
	assert.False(t, report.Cancelled)
	assert.Equal(t, 2, report.Owners)

	var names []string
	for _, s := range report.Stages {
		names = append(names, s.Stage)
	}
	assert.Equal(t, []string{
		StageScanProblematic, StageMergeSimilar, StageRecategorize,
		StageImproveQuality, StageOracleAssistedCurate, StageDecayConfidence,
	}, names)

	scan, ok := report.Stage(StageScanProblematic)
	require.True(t, ok)
	assert.Equal(t, 1, scan.Changed)
	assert.Equal(t, []EventKind{EventDeleted, EventMaintenance}, kinds)
}

func TestRunMaintenanceOnceStopsBetweenStages(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := env.create(t, alice, "User probably likes sushi", types.CategoryPreferences, types.TypeIntuited, 0)
	env.judge.RewriteFunc = func(string) (string, error) {
		cancel()
		return "User likes sushi", nil
	}

	report, err := env.eng.RunMaintenanceOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.True(t, report.Cancelled)
	require.Len(t, report.Stages, 4)
	assert.Equal(t, StageImproveQuality, report.Stages[3].Stage)
	assert.Equal(t, 1, report.Stages[3].Changed, "a started stage runs to completion")
	assert.Equal(t, "User likes sushi", env.get(t, m.ID).Content)
}

func TestRunMaintenanceOnceCancelledUpFront(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.eng.RunMaintenanceOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// edgeFailStore breaks edge detachment for one memory inside transactions.
type edgeFailStore struct {
	storage.Store
	failID string
}

func (s *edgeFailStore) InTx(ctx context.Context, fn func(tx storage.Repository) error) error {
	return s.Store.InTx(ctx, func(tx storage.Repository) error {
		return fn(&edgeFailRepo{Repository: tx, failID: s.failID})
	})
}

type edgeFailRepo struct {
	storage.Repository
	failID string
}

func (r *edgeFailRepo) DeleteEdge(ctx context.Context, key types.EdgeKey) error {
	if key.SourceID == r.failID || key.TargetID == r.failID {
		return errors.New("edge table locked")
	}
	return r.Repository.DeleteEdge(ctx, key)
}

func TestOracleAssistedCurateRollsBackFailedMerge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tea1 := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0.5)
	tea2 := env.create(t, alice, "User enjoys tea", types.CategoryPreferences, types.TypeIntuited, 0.6)
	coffee1 := env.create(t, alice, "User likes coffee", types.CategoryPreferences, types.TypeIntuited, 0.5)
	coffee2 := env.create(t, alice, "User enjoys coffee", types.CategoryPreferences, types.TypeIntuited, 0.7)
	nurse := env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0)

	now := time.Now().UTC()
	edge := types.Edge{SourceID: tea1.ID, TargetID: nurse.ID, Type: types.EdgeRelatedTo, Confidence: 0.5, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, env.store.UpsertEdge(ctx, edge))

	env.judge.CurateFunc = func(cat types.Category, items []llm.CurationItem) (*llm.CurationDecision, error) {
		var tea, coffee []int
		for _, it := range items {
			switch {
			case strings.Contains(it.Text, "tea"):
				tea = append(tea, it.Index)
			case strings.Contains(it.Text, "coffee"):
				coffee = append(coffee, it.Index)
			}
		}
		return &llm.CurationDecision{Merge: []llm.MergeGroup{
			{Indices: tea, Text: "User loves tea"},
			{Indices: coffee, Text: "User loves coffee"},
		}}, nil
	}

	cfg := DefaultConfig()
	cfg.OracleMinMemories = 1
	eng, err := NewMemoryEngine(&edgeFailStore{Store: env.store, failID: tea1.ID}, env.index, env.judge, cfg, nil)
	require.NoError(t, err)

	report := eng.OracleAssistedCurate(ctx)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 1, report.Changed)

	assert.True(t, env.get(t, tea1.ID).Active)
	assert.True(t, env.get(t, tea2.ID).Active)
	edges, err := env.store.EdgesOf(ctx, tea1.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, edge.Key(), edges[0].Key())

	assert.False(t, env.get(t, coffee1.ID).Active)
	assert.False(t, env.get(t, coffee2.ID).Active)

	merged, err := env.store.ListActive(ctx, alice, storage.ListOptions{Type: types.TypeMerged})
	require.NoError(t, err)
	require.Len(t, merged, 1, "only the coffee group produced a merged record")
	assert.Equal(t, "User loves coffee", merged[0].Content)
}

func TestOracleAssistedCurateHonoursKeepAndLogsReasoning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	coffee1 := env.create(t, alice, "User likes coffee", types.CategoryPreferences, types.TypeIntuited, 0.5)
	coffee2 := env.create(t, alice, "User enjoys coffee", types.CategoryPreferences, types.TypeIntuited, 0.7)
	espresso := env.create(t, alice, "User drinks coffee as espresso", types.CategoryPreferences, types.TypeIntuited, 0.6)

	env.judge.CurateFunc = func(cat types.Category, items []llm.CurationItem) (*llm.CurationDecision, error) {
		d := &llm.CurationDecision{Reasoning: "espresso is a distinct detail"}
		var group []int
		for _, it := range items {
			group = append(group, it.Index)
			if it.Text == espresso.Content {
				d.Keep = append(d.Keep, it.Index)
			}
		}
		d.Merge = []llm.MergeGroup{{Indices: group, Text: "User loves coffee"}}
		return d, nil
	}

	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
	cfg := DefaultConfig()
	cfg.OracleMinMemories = 1
	eng, err := NewMemoryEngine(env.store, env.index, env.judge, cfg, logger)
	require.NoError(t, err)

	report := eng.OracleAssistedCurate(ctx)
	assert.Zero(t, report.Failures, report.Error)
	assert.Equal(t, 1, report.Changed)

	assert.True(t, env.get(t, espresso.ID).Active)
	assert.False(t, env.get(t, coffee1.ID).Active)
	assert.False(t, env.get(t, coffee2.ID).Active)
	assert.Contains(t, buf.String(), "espresso is a distinct detail")
}
