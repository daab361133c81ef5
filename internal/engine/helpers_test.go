package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/ltm/internal/embedding"
	"github.com/scrypster/ltm/internal/llm/llmtest"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/internal/storage/sqlite"
	"github.com/scrypster/ltm/pkg/types"
)

const testDim = 64

// testConcepts gives the fake embedder enough semantics for ranking tests.
var testConcepts = map[string]string{
	"pizza":     "food",
	"food":      "food",
	"pasta":     "food",
	"sushi":     "food",
	"hiking":    "outdoors",
	"mountains": "outdoors",
	"nurse":     "job",
	"teacher":   "job",
}

var (
	alice = types.NewOwner("alice", "")
	bob   = types.NewOwner("bob", "")
)

type testEnv struct {
	eng      *MemoryEngine
	store    *sqlite.Store
	embedder *llmtest.Embedder
	judge    *llmtest.Judge
	index    *embedding.Index
}

// newTestEnv creates a MemoryEngine backed by an in-memory SQLite store,
// the deterministic embedder and a scripted judge with nothing scripted.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, ":memory:", testDim, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	embedder := llmtest.NewEmbedder(testDim, testConcepts)
	index, err := embedding.New(embedder, embedding.Config{Dimension: testDim}, nil)
	require.NoError(t, err)
	t.Cleanup(index.Close)

	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	judge := &llmtest.Judge{}
	eng, err := NewMemoryEngine(store, index, judge, cfg, nil)
	require.NoError(t, err)

	return &testEnv{eng: eng, store: store, embedder: embedder, judge: judge, index: index}
}

// create stores a memory and fails the test on error.
func (env *testEnv) create(t *testing.T, owner types.Owner, content string, cat types.Category, typ types.MemoryType, confidence float64) *types.Memory {
	t.Helper()
	m, created, err := env.eng.Create(context.Background(), NewMemory{
		Owner:      owner,
		Content:    content,
		Category:   cat,
		Type:       typ,
		Confidence: confidence,
	})
	require.NoError(t, err)
	require.True(t, created, "expected %q to be new", content)
	return m
}

// get reloads a memory from the store.
func (env *testEnv) get(t *testing.T, id string) *types.Memory {
	t.Helper()
	m, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

// activeCount counts active memories of owner.
func (env *testEnv) activeCount(t *testing.T, owner types.Owner) int {
	t.Helper()
	mems, err := env.eng.ListMemories(context.Background(), owner, storage.ListOptions{})
	require.NoError(t, err)
	return len(mems)
}

// insertRaw writes a memory straight to the store, bypassing the engine, so
// tests can control timestamps and leave the temporal annotation unset.
func (env *testEnv) insertRaw(t *testing.T, owner types.Owner, content string, cat types.Category, createdAt time.Time) *types.Memory {
	t.Helper()
	vec, err := env.embedder.Embed(context.Background(), content)
	require.NoError(t, err)
	m := &types.Memory{
		ID:                newMemoryID(),
		Owner:             owner,
		Content:           content,
		Category:          cat,
		Type:              types.TypeIntuited,
		Confidence:        types.DefaultIntuitedConfidence,
		VerificationState: types.StateUnverified,
		Embedding:         vec,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
		Active:            true,
	}
	require.NoError(t, env.store.Insert(context.Background(), m))
	return m
}
