package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

func TestFindContradictionsStabilityChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old := env.create(t, alice, "User works at the Berlin office", types.CategoryProfessional, types.TypeIntuited, 0)
	moved := env.create(t, alice, "User moved to the Berlin office", types.CategoryProfessional, types.TypeIntuited, 0)

	found, err := env.eng.contradictions.FindContradictions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ContradictionStabilityChange, found[0].Type)
	assert.Equal(t, moved.ID, found[0].NewerID)
	assert.Equal(t, old.ID, found[0].OlderID)
	assert.Equal(t, []string{"berlin", "office"}, found[0].SharedTerms)
	assert.Equal(t, 0.7, found[0].Confidence)
}

func TestFindContradictionsFrequencyMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.create(t, alice, "User never drinks coffee", types.CategoryPreferences, types.TypeIntuited, 0)
	env.create(t, alice, "User drinks coffee daily", types.CategoryPreferences, types.TypeIntuited, 0)

	found, err := env.eng.contradictions.FindContradictions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ContradictionFrequencyMismatch, found[0].Type)
}

func TestFindContradictionsIgnoresUnrelatedAndUnannotated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env.create(t, alice, "User was a nurse at the clinic", types.CategoryProfessional, types.TypeIntuited, 0)
	env.create(t, alice, "User likes hiking", types.CategoryHobbies, types.TypeIntuited, 0)
	// Same terms, but no annotation yet.
	env.insertRaw(t, alice, "User is a nurse at the clinic", types.CategoryProfessional, now)
	// Same terms, different owner.
	env.create(t, bob, "User is a nurse at the clinic", types.CategoryProfessional, types.TypeIntuited, 0)

	found, err := env.eng.contradictions.FindContradictions(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFindContradictionsPairLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxContradictionPairs = 1 })

	env.create(t, alice, "User was a nurse at the clinic", types.CategoryProfessional, types.TypeIntuited, 0)
	env.create(t, alice, "User is a nurse at the clinic", types.CategoryProfessional, types.TypeIntuited, 0)
	env.create(t, alice, "User is still a nurse at the clinic", types.CategoryProfessional, types.TypeIntuited, 0)

	pairs := env.eng.contradictions.candidatePairs(mustList(t, env, alice))
	assert.Len(t, pairs, 1)
}

func TestOverlap(t *testing.T) {
	shared, j := overlap(contentTerms("User works at the Berlin office"), contentTerms("User moved to the Berlin office"))
	assert.Equal(t, []string{"berlin", "office"}, shared)
	assert.InDelta(t, 0.5, j, 1e-9)

	shared, j = overlap(nil, nil)
	assert.Nil(t, shared)
	assert.Zero(t, j)
}

func mustList(t *testing.T, env *testEnv, owner types.Owner) []*types.Memory {
	t.Helper()
	mems, err := env.store.ListActive(context.Background(), owner, storage.ListOptions{})
	require.NoError(t, err)
	return mems
}
