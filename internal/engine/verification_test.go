package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/ltm/pkg/types"
)

func TestGetVerificationCandidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.create(t, alice, "User is a vegetarian", types.CategoryPersonal, types.TypeExplicit, 0)
	env.create(t, alice, "User lives in Lyon", types.CategoryPersonal, types.TypeIntuited, 0.95)
	env.create(t, alice, "User owns a boat", types.CategoryPersonal, types.TypeIntuited, 0.3)
	a := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)
	b := env.create(t, alice, "User likes pizza", types.CategoryPreferences, types.TypeIntuited, 0)
	c := env.create(t, alice, "User likes hiking", types.CategoryHobbies, types.TypeIntuited, 0.5)
	d := env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0.7)

	questions, err := env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)
	require.Len(t, questions, 3)

	var ids []string
	for _, q := range questions {
		ids = append(ids, q.MemoryID)
		assert.Equal(t, types.StateAwaitingResponse, q.Memory.VerificationState)
		stored := env.get(t, q.MemoryID)
		assert.Equal(t, types.StateAwaitingResponse, stored.VerificationState)
		assert.NotNil(t, stored.AskedAt)
	}
	assert.Equal(t, []string{d.ID, c.ID, b.ID}, ids, "most recent first")
	assert.Equal(t, "I have noted that you work as a nurse. Is that right?", questions[0].Question)

	// Memories already asked about are not asked again.
	questions, err = env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, a.ID, questions[0].MemoryID)
}

func TestRecordVerificationConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)

	_, err := env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)

	res, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "Yes, that's right")
	require.NoError(t, err)
	assert.Equal(t, VerificationConfirmed, res.Outcome)
	assert.True(t, res.Memory.Verified)
	assert.GreaterOrEqual(t, res.Memory.Confidence, types.VerifiedFloor)

	stored := env.get(t, m.ID)
	assert.True(t, stored.Verified)
	assert.Equal(t, types.StateVerified, stored.VerificationState)
	assert.Equal(t, types.ConfirmedConfidence, stored.Confidence)
	assert.NotNil(t, stored.VerifiedAt)

	history, err := env.eng.ConfidenceHistory(ctx, m.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "verification confirmed", history[len(history)-1].Reason)

	_, err = env.eng.RecordVerificationResponse(ctx, alice, m.ID, "no")
	assert.ErrorIs(t, err, types.ErrConflict, "verified memories cannot be answered again")
}

func TestRecordVerificationDenyWithCorrection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0)

	var events []EventKind
	env.eng.SetOnChange(func(ev Event) { events = append(events, ev.Kind) })

	res, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "no, actually I work as a teacher")
	require.NoError(t, err)
	assert.Equal(t, VerificationDenied, res.Outcome)
	require.NotNil(t, res.Correction)

	c := res.Correction
	assert.Equal(t, "User works as a teacher", c.Content)
	assert.Equal(t, types.TypeExplicit, c.Type)
	assert.Equal(t, types.CategoryProfessional, c.Category)
	assert.True(t, c.Verified)
	assert.Equal(t, types.ConfirmedConfidence, c.Confidence)
	assert.Len(t, c.Embedding, testDim)

	original, err := env.eng.GetMemory(ctx, m.ID)
	require.NoError(t, err, "the original stays readable")
	assert.False(t, original.Active)
	assert.Equal(t, types.StateContradicted, original.VerificationState)
	assert.LessOrEqual(t, original.Confidence, DeniedConfidence)

	edges, err := env.eng.EdgesOf(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, types.EdgeSupersedes, edges[0].Type)
	assert.Equal(t, c.ID, edges[0].SourceID)

	assert.Equal(t, 1, env.activeCount(t, alice))
	assert.Equal(t, []EventKind{EventContradicted, EventCreated}, events)

	_, err = env.eng.RecordVerificationResponse(ctx, alice, m.ID, "yes")
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestRecordVerificationCorrectionReusesDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0)
	existing := env.create(t, alice, "User works as a teacher", types.CategoryProfessional, types.TypeIntuited, 0)

	res, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "No. I work as a teacher")
	require.NoError(t, err)
	require.NotNil(t, res.Correction)
	assert.Equal(t, existing.ID, res.Correction.ID)

	promoted := env.get(t, existing.ID)
	assert.True(t, promoted.Verified)
	assert.Equal(t, types.ConfirmedConfidence, promoted.Confidence)
	assert.Equal(t, 1, env.activeCount(t, alice))
}

func TestRecordVerificationDenyWithoutCorrection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)

	res, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "nope")
	require.NoError(t, err)
	assert.Equal(t, VerificationDenied, res.Outcome)
	assert.Nil(t, res.Correction)

	stored := env.get(t, m.ID)
	assert.True(t, stored.Active)
	assert.Equal(t, types.StateContradicted, stored.VerificationState)
	assert.Equal(t, DeniedConfidence, stored.Confidence)
}

func TestRecordVerificationSemanticFallback(t *testing.T) {
	tests := []struct {
		name     string
		response string
		outcome  VerificationOutcome
		state    types.VerificationState
	}{
		{"close restatement confirms", "User works as a nurse at the hospital", VerificationConfirmed, types.StateVerified},
		{"unrelated answer denies", "I prefer sushi over pasta", VerificationDenied, types.StateContradicted},
		{"partial overlap is ambiguous", "hmm, sort of a nurse job", VerificationAmbiguous, types.StateUnverified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			m := env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0)

			res, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, tt.response)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Greater(t, res.Similarity, -1.0)
			assert.Nil(t, res.Correction)

			stored := env.get(t, m.ID)
			assert.Equal(t, tt.state, stored.VerificationState)
			assert.True(t, stored.Active)
		})
	}
}

func TestAmbiguousAnswerAllowsAskingAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0.6)

	questions, err := env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)
	require.Len(t, questions, 1)

	res, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "hmm, sort of a nurse job")
	require.NoError(t, err)
	require.Equal(t, VerificationAmbiguous, res.Outcome)

	stored := env.get(t, m.ID)
	assert.Equal(t, types.StateUnverified, stored.VerificationState)
	assert.Nil(t, stored.AskedAt)
	assert.Equal(t, 0.6, stored.Confidence)
	assert.False(t, stored.Verified)

	questions, err = env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, m.ID, questions[0].MemoryID)
}

func TestUnansweredQuestionIsAskedAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0.6)

	questions, err := env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)
	require.Len(t, questions, 1)

	questions, err = env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, questions, "pending questions wait for the re-ask interval")

	later := time.Now().UTC().Add(env.eng.cfg.VerificationReaskAfter + time.Minute)
	env.eng.now = func() time.Time { return later }

	questions, err = env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, m.ID, questions[0].MemoryID)
	asked := env.get(t, m.ID).AskedAt
	require.NotNil(t, asked)
	assert.WithinDuration(t, later, *asked, time.Second)
}

func TestUnansweredQuestionNotReaskedWhenDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.VerificationReaskAfter = 0 })
	ctx := context.Background()
	env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0.6)

	_, err := env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)

	env.eng.now = func() time.Time { return time.Now().UTC().Add(365 * 24 * time.Hour) }
	questions, err := env.eng.GetVerificationCandidates(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, questions)
}

func TestRecordVerificationRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User likes tea", types.CategoryPreferences, types.TypeIntuited, 0)

	_, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "   ")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = env.eng.RecordVerificationResponse(ctx, bob, m.ID, "yes")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = env.eng.RecordVerificationResponse(ctx, alice, "missing", "yes")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, env.eng.Deactivate(ctx, m.ID))
	_, err = env.eng.RecordVerificationResponse(ctx, alice, m.ID, "yes")
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestRecordVerificationCorrectionNeedsOracle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0)

	env.embedder.SetErr(errors.New("connection reset"))
	_, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "no, I work as a teacher")
	assert.ErrorIs(t, err, types.ErrOracleUnavailable)

	stored := env.get(t, m.ID)
	assert.True(t, stored.Active)
	assert.Equal(t, types.StateUnverified, stored.VerificationState)
}

func TestClassifyLexical(t *testing.T) {
	tests := []struct {
		response string
		outcome  VerificationOutcome
		decided  bool
	}{
		{"yes", VerificationConfirmed, true},
		{"That's right", VerificationConfirmed, true},
		{"no", VerificationDenied, true},
		{"Nope, I quit last year", VerificationDenied, true},
		{"not anymore", VerificationDenied, true},
		{"No doubt, that's right", VerificationConfirmed, true},
		{"no question about it", VerificationConfirmed, true},
		{"Without a doubt", VerificationConfirmed, true},
		{"no problem", "", false},
		{"nothing to add", "", false},
		{"I work at the hospital", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.response, func(t *testing.T) {
			outcome, decided := classifyLexical(tt.response)
			assert.Equal(t, tt.decided, decided)
			assert.Equal(t, tt.outcome, outcome)
		})
	}
}

func TestRecordVerificationNoDoubtConfirms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.create(t, alice, "User works as a nurse", types.CategoryProfessional, types.TypeIntuited, 0.6)

	res, err := env.eng.RecordVerificationResponse(ctx, alice, m.ID, "No doubt, that's right")
	require.NoError(t, err)
	assert.Equal(t, VerificationConfirmed, res.Outcome)
	assert.Nil(t, res.Correction)

	stored := env.get(t, m.ID)
	assert.True(t, stored.Verified)
	assert.Equal(t, types.StateVerified, stored.VerificationState)
	assert.Equal(t, types.ConfirmedConfidence, stored.Confidence)
}

func TestExtractCorrection(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"no, actually I work as a teacher", "User works as a teacher", true},
		{"nope, I'm a teacher now", "User is a teacher now", true},
		{"No. I study with my brother", "User studies with their brother", true},
		{"no, my sister lives in Rome.", "User's sister lives in Rome", true},
		{"wrong, I've got two cats", "User has got two cats", true},
		{"not anymore, I teach chemistry", "User teaches chemistry", true},
		{"no", "", false},
		{"nope", "", false},
		{"no, that is not it", "", false},
		{"I work as a teacher", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ExtractCorrection(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuestionFor(t *testing.T) {
	tests := map[string]string{
		"User works as a nurse":   "I have noted that you work as a nurse. Is that right?",
		"User is a teacher.":      "I have noted that you are a teacher. Is that right?",
		"User's name is Sam":      "I have noted that your name is Sam. Is that right?",
		"User has two cats":       "I have noted that you have two cats. Is that right?",
		"User watches films":      "I have noted that you watch films. Is that right?",
		"User studies law":        "I have noted that you study law. Is that right?",
		"Sam is the user's uncle": "I have noted that Sam is the user's uncle. Is that right?",
	}
	for in, want := range tests {
		assert.Equal(t, want, questionFor(in), in)
	}
}

func TestConjugate(t *testing.T) {
	tests := map[string]string{
		"work":  "works",
		"teach": "teaches",
		"study": "studies",
		"play":  "plays",
		"go":    "goes",
		"have":  "has",
		"moved": "moved",
		"can":   "can",
	}
	for in, want := range tests {
		assert.Equal(t, want, conjugate(in), in)
	}
}
