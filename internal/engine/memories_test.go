package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/ltm/pkg/types"
)

func TestCreateReturnsExistingForNormalizedDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)
	calls := env.embedder.Calls()

	again, created, err := env.eng.Create(ctx, NewMemory{
		Owner:    alice,
		Content:  "  user LIKES   pizza ",
		Category: types.CategoryPreferences,
		Type:     types.TypeIntuited,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, calls, env.embedder.Calls(), "duplicate must not reach the oracle")
	assert.Equal(t, 1, env.activeCount(t, alice))
}

func TestCreateSameTextInOtherCategoryOrOwner(t *testing.T) {
	env := newTestEnv(t)

	env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)
	env.create(t, alice, "User likes pizza", types.CategoryOther, types.TypeIntuited, 0)
	env.create(t, bob, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)

	assert.Equal(t, 2, env.activeCount(t, alice))
	assert.Equal(t, 1, env.activeCount(t, bob))
}

func TestCreateConcurrentDuplicatesYieldOneRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const writers = 8
	ids := make([]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, _, err := env.eng.Create(ctx, NewMemory{
				Owner:    alice,
				Content:  "User owns a red bicycle",
				Category: types.CategoryPersonal,
				Type:     types.TypeIntuited,
			})
			if assert.NoError(t, err) {
				ids[i] = m.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, env.activeCount(t, alice))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   NewMemory
	}{
		{"blank text", NewMemory{Owner: alice, Content: "   ", Category: types.CategoryPersonal}},
		{"unknown category", NewMemory{Owner: alice, Content: "User is tall", Category: "gossip"}},
		{"unknown type", NewMemory{Owner: alice, Content: "User is tall", Type: "rumoured"}},
		{"missing owner", NewMemory{Content: "User is tall"}},
		{"details for another category", NewMemory{
			Owner:    alice,
			Content:  "User likes pizza",
			Category: types.CategoryPersonal,
			Details:  types.PreferenceDetails{Subject: "pizza", Sentiment: "likes"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.eng.Create(ctx, tt.in)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
	assert.Zero(t, env.embedder.Calls())
}

func TestCreateFailsClosedWhenOracleDown(t *testing.T) {
	env := newTestEnv(t)
	env.embedder.SetErr(errors.New("connection refused"))

	_, _, err := env.eng.Create(context.Background(), NewMemory{
		Owner:    alice,
		Content:  "User likes pizza",
		Category: types.CategoryPreferences,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrOracleUnavailable)
	assert.Zero(t, env.activeCount(t, alice))
}

func TestCreateDefaultsAndClamps(t *testing.T) {
	env := newTestEnv(t)

	intuited := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)
	assert.Equal(t, types.DefaultIntuitedConfidence, intuited.Confidence)

	explicit := env.create(t, alice, "User is a vegetarian", types.CategoryPersonal, types.TypeExplicit, 0)
	assert.Equal(t, types.DefaultExplicitConfidence, explicit.Confidence)

	high := env.create(t, alice, "User lives in Lyon", types.CategoryPersonal, types.TypeIntuited, 7)
	assert.Equal(t, 1.0, high.Confidence)

	low := env.create(t, alice, "User owns a boat", types.CategoryPersonal, types.TypeIntuited, -3)
	assert.Equal(t, 0.0, low.Confidence)

	stored := env.get(t, high.ID)
	assert.Len(t, stored.Embedding, testDim)
	require.NotNil(t, stored.Temporal)
	assert.Equal(t, types.AnnotationLocal, stored.Temporal.Source)
}

func TestRetrieveBySimilarityRanksRelatedMemoryFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hiking := env.create(t, alice, "User likes hiking", types.CategoryHobbies, types.TypeIntuited, 0)
	pizza := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)

	results, err := env.eng.RetrieveBySimilarity(ctx, alice, "What food does the user like?", 2, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, pizza.ID, results[0].Memory.ID)
	assert.Equal(t, hiking.ID, results[1].Memory.ID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)

	stored := env.get(t, pizza.ID)
	assert.Equal(t, 1, stored.AccessCount)
	assert.NotNil(t, stored.LastAccessedAt)
}

func TestRetrieveBySimilarityTieBreaks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Same text in different categories embeds identically.
	low := env.create(t, alice, "User likes pizza", types.CategoryOther, types.TypeIntuited, 0.5)
	high := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0.8)
	older := env.create(t, alice, "User likes pizza", types.CategoryHobbies, types.TypeIntuited, 0.5)
	newer := env.create(t, alice, "User likes pizza", types.CategoryPersonal, types.TypeIntuited, 0.5)
	_ = older

	results, err := env.eng.RetrieveBySimilarity(ctx, alice, "pizza", 10, "")
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, high.ID, results[0].Memory.ID, "higher confidence wins a similarity tie")
	assert.Equal(t, newer.ID, results[1].Memory.ID, "more recent wins a confidence tie")
	assert.Equal(t, low.ID, results[3].Memory.ID)
}

func TestRetrieveBySimilarityFiltersAndBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)
	env.create(t, alice, "User likes hiking", types.CategoryHobbies, types.TypeIntuited, 0)
	env.create(t, bob, "User likes sushi", types.CategoryPreferences, types.TypeIntuited, 0)

	results, err := env.eng.RetrieveBySimilarity(ctx, alice, "food", 0, types.CategoryHobbies)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.CategoryHobbies, results[0].Memory.Category)

	results, err = env.eng.RetrieveBySimilarity(ctx, alice, "food", 1, "")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, err = env.eng.RetrieveBySimilarity(ctx, alice, "  ", 1, "")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = env.eng.RetrieveBySimilarity(ctx, alice, "food", 1, "gossip")
	assert.ErrorIs(t, err, types.ErrValidation)

	results, err = env.eng.RetrieveBySimilarity(ctx, types.NewOwner("carol", ""), "food", 3, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveBySimilarityTrace(t *testing.T) {
	env := newTestEnv(t)

	pizza := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)
	env.create(t, alice, "User likes hiking", types.CategoryHobbies, types.TypeIntuited, 0)

	tc := NewTraceCollector()
	ctx := WithTraceCollector(context.Background(), tc)
	_, err := env.eng.RetrieveBySimilarity(ctx, alice, "pizza", 1, "")
	require.NoError(t, err)

	trace := BuildQueryTrace(tc.Events(), tc.ElapsedMS())
	assert.Equal(t, "pizza", trace.Query)
	assert.Equal(t, "list", trace.Source)
	assert.Equal(t, 2, trace.CandidatesFound)
	assert.Len(t, trace.Scored, 2)
	assert.Equal(t, []string{pizza.ID}, trace.Returned)
}

func TestUpdateConfidenceClamps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)

	for _, tt := range []struct {
		in   float64
		want float64
	}{
		{5, 1},
		{-2, 0},
		{0.42, 0.42},
		{math.Inf(1), 1},
		{math.NaN(), 0},
		{1e300, 1},
	} {
		got, err := env.eng.UpdateConfidence(ctx, m.ID, tt.in, "test")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Confidence, "input %v", tt.in)
		assert.Equal(t, tt.want, env.get(t, m.ID).Confidence)
	}

	history, err := env.eng.ConfidenceHistory(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, history, 6)
	assert.Equal(t, "test", history[0].Reason)

	_, err = env.eng.UpdateConfidence(ctx, "missing", 0.5, "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdateConfidenceHoldsVerifiedFloor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)

	_, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "yes")
	require.NoError(t, err)

	got, err := env.eng.UpdateConfidence(ctx, m.ID, 0.1, "manual")
	require.NoError(t, err)
	assert.Equal(t, types.VerifiedFloor, got.Confidence)
}

func TestDeactivateKeepsRecordReadable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)

	require.NoError(t, env.eng.Deactivate(ctx, m.ID))

	got, err := env.eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Zero(t, env.activeCount(t, alice))

	results, err := env.eng.RetrieveBySimilarity(ctx, alice, "tea", 5, "")
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, env.eng.Reactivate(ctx, m.ID))
	assert.True(t, env.get(t, m.ID).Active)
}

func TestReactivateRefusesDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)
	require.NoError(t, env.eng.Deactivate(ctx, old.ID))

	env.create(t, alice, "user likes TEA", types.CategoryPreferences, types.TypeIntuited, 0)

	err := env.eng.Reactivate(ctx, old.ID)
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.False(t, env.get(t, old.ID).Active)
}

func TestHardDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intuited := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)
	explicit := env.create(t, alice, "User is a vegetarian", types.CategoryPersonal, types.TypeExplicit, 0)
	_, err := env.eng.AddEdge(ctx, intuited.ID, explicit.ID, types.EdgeRelatedTo, 0.5)
	require.NoError(t, err)

	err = env.eng.HardDelete(ctx, explicit.ID)
	assert.ErrorIs(t, err, types.ErrConflict)

	require.NoError(t, env.eng.HardDelete(ctx, intuited.ID))
	_, err = env.eng.GetMemory(ctx, intuited.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	edges, err := env.eng.EdgesOf(ctx, explicit.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)

	assert.ErrorIs(t, env.eng.HardDelete(ctx, intuited.ID), types.ErrNotFound)
}

func TestHardDeleteRefusesVerified(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)
	_, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "yes")
	require.NoError(t, err)

	assert.ErrorIs(t, env.eng.HardDelete(ctx, m.ID), types.ErrConflict)
	assert.True(t, env.get(t, m.ID).Active)
}
