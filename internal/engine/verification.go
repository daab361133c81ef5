package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/ltm/internal/embedding"
	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// VerificationOutcome is how a response to a verification question was read.
type VerificationOutcome string

// Verification outcomes.
const (
	VerificationConfirmed VerificationOutcome = "confirmed"
	VerificationDenied    VerificationOutcome = "denied"
	VerificationAmbiguous VerificationOutcome = "ambiguous"
)

// DeniedConfidence is the highest confidence a denied memory keeps.
const DeniedConfidence = 0.2

var (
	confirmPattern = regexp.MustCompile(`(?i)^\s*(?:yes|yeah|yep|yup|yas|correct|right|exactly|true|absolutely|definitely|indeed|sure|of course|affirmative|that'?s (?:right|correct|true)|that is (?:right|correct|true)|still (?:true|the case))\b`)
	denyPattern    = regexp.MustCompile(`(?i)^\s*(?:no|nope|nah|wrong|incorrect|false|not (?:really|true|anymore|exactly|quite)|never|that'?s (?:wrong|not (?:right|true|correct))|that is (?:wrong|not (?:right|true|correct)))\b`)

	// idiomPattern catches openings that start with "no" without denying
	// anything. Affirming idioms confirm; the rest fall through to the
	// semantic comparison.
	idiomPattern     = regexp.MustCompile(`(?i)^\s*(?:no (?:doubt|question|kidding|problem|worries)|without (?:a )?doubt)\b`)
	affirmingPattern = regexp.MustCompile(`(?i)^\s*(?:no (?:doubt|question|kidding)|without (?:a )?doubt)\b`)

	// correctionPattern captures the statement that follows a denial.
	correctionPattern = regexp.MustCompile(`(?i)^\s*(?:no|nope|nah|wrong|incorrect|not (?:really|anymore|quite|exactly))\b[\s,.;:!-]*(?:(?:actually|in fact|rather|these days|now)\b[\s,]*)*(.+)$`)
)

// VerificationQuestion is a pending question about one memory.
type VerificationQuestion struct {
	MemoryID string        `json:"memory_id"`
	Question string        `json:"question"`
	Memory   *types.Memory `json:"memory"`
}

// VerificationResult describes the effect of a response.
type VerificationResult struct {
	Outcome VerificationOutcome `json:"outcome"`
	Memory  *types.Memory       `json:"memory"`

	// Correction is the memory created or confirmed from a corrective denial.
	Correction *types.Memory `json:"correction,omitempty"`

	// Similarity is set when the semantic fallback decided the outcome.
	Similarity float64 `json:"similarity,omitempty"`
}

// GetVerificationCandidates picks the owner's most recent unverified,
// intuited memories whose confidence sits in the uncertain band, moves them
// to awaiting_response and returns a question for each. Questions left
// unanswered for VerificationReaskAfter are eligible again.
func (e *MemoryEngine) GetVerificationCandidates(ctx context.Context, owner types.Owner) ([]VerificationQuestion, error) {
	owner = types.NewOwner(owner.UserID, owner.Scope)
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(owner)
	defer unlock()

	mems, err := e.verificationCandidates(ctx, owner)
	if err != nil {
		return nil, err
	}

	now := e.now()
	questions := make([]VerificationQuestion, 0, len(mems))
	for _, m := range mems {
		if m.Verified {
			continue
		}
		m.VerificationState = types.StateAwaitingResponse
		m.AskedAt = &now
		if err := e.store.Update(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to mark %s as asked: %w", m.ID, err)
		}
		questions = append(questions, VerificationQuestion{
			MemoryID: m.ID,
			Question: questionFor(m.Content),
			Memory:   m,
		})
	}
	return questions, nil
}

// verificationCandidates merges fresh and stale-asked candidates, most
// recent first, capped at VerificationBatch.
func (e *MemoryEngine) verificationCandidates(ctx context.Context, owner types.Owner) ([]*types.Memory, error) {
	opts := storage.ListOptions{
		Type:              types.TypeIntuited,
		VerificationState: types.StateUnverified,
		MinConfidence:     e.cfg.VerificationMinConfidence,
		MaxConfidence:     e.cfg.VerificationMaxConfidence,
		Limit:             e.cfg.VerificationBatch,
	}
	mems, err := e.store.ListActive(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	if e.cfg.VerificationReaskAfter <= 0 {
		return mems, nil
	}

	opts.VerificationState = types.StateAwaitingResponse
	opts.Limit = 0
	asked, err := e.store.ListActive(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending questions: %w", err)
	}
	cutoff := e.now().Add(-e.cfg.VerificationReaskAfter)
	for _, m := range asked {
		if m.AskedAt == nil || !m.AskedAt.After(cutoff) {
			mems = append(mems, m)
		}
	}

	sort.SliceStable(mems, func(i, j int) bool {
		if !mems[i].CreatedAt.Equal(mems[j].CreatedAt) {
			return mems[i].CreatedAt.After(mems[j].CreatedAt)
		}
		return mems[i].ID < mems[j].ID
	})
	if len(mems) > e.cfg.VerificationBatch {
		mems = mems[:e.cfg.VerificationBatch]
	}
	return mems, nil
}

// RecordVerificationResponse applies the owner's answer about a memory.
// Lexical confirm and deny patterns are checked first; otherwise the
// response is compared to the memory by embedding similarity. An ambiguous
// answer only returns the memory to unverified. Answers about memories that are already verified
// or contradicted fail with ErrConflict.
func (e *MemoryEngine) RecordVerificationResponse(ctx context.Context, owner types.Owner, id, response string) (*VerificationResult, error) {
	owner = types.NewOwner(owner.UserID, owner.Scope)
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, fmt.Errorf("%w: response text is required", types.ErrValidation)
	}

	mem, err := e.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if mem.Owner != owner {
		return nil, fmt.Errorf("memory %s: %w", id, types.ErrNotFound)
	}
	if err := checkAnswerable(mem); err != nil {
		return nil, err
	}

	result := &VerificationResult{Memory: mem}
	outcome, lexical := classifyLexical(response)
	switch {
	case lexical:
		result.Outcome = outcome
	default:
		vec, err := e.index.Embed(ctx, response)
		if err != nil {
			return nil, fmt.Errorf("failed to embed response: %w", err)
		}
		result.Similarity = embedding.Similarity(vec, mem.Embedding)
		switch {
		case result.Similarity >= e.cfg.ConfirmThreshold:
			result.Outcome = VerificationConfirmed
		case result.Similarity < e.cfg.DenyThreshold:
			result.Outcome = VerificationDenied
		default:
			result.Outcome = VerificationAmbiguous
		}
	}

	switch result.Outcome {
	case VerificationConfirmed:
		result.Memory, err = e.confirm(ctx, mem, response)
	case VerificationDenied:
		result.Memory, result.Correction, err = e.deny(ctx, mem, response)
	default:
		e.logger.Debug("ambiguous verification response", "id", id, "similarity", result.Similarity)
		result.Memory, err = e.release(ctx, mem)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// classifyLexical reads a response from its opening words alone. The second
// result is false when the words decide nothing.
func classifyLexical(response string) (VerificationOutcome, bool) {
	switch {
	case affirmingPattern.MatchString(response):
		return VerificationConfirmed, true
	case idiomPattern.MatchString(response):
		return "", false
	case denyPattern.MatchString(response):
		return VerificationDenied, true
	case confirmPattern.MatchString(response):
		return VerificationConfirmed, true
	default:
		return "", false
	}
}

// checkAnswerable rejects answers about memories that left the protocol.
func checkAnswerable(m *types.Memory) error {
	if m.Verified || m.VerificationState == types.StateVerified || m.VerificationState == types.StateContradicted {
		return fmt.Errorf("%w: memory %s is already %s", types.ErrConflict, m.ID, m.VerificationState)
	}
	if !m.Active {
		return fmt.Errorf("%w: memory %s is retired", types.ErrConflict, m.ID)
	}
	return nil
}

// release returns an ambiguously answered memory to unverified so it can be
// asked about again. Nothing else changes.
func (e *MemoryEngine) release(ctx context.Context, mem *types.Memory) (*types.Memory, error) {
	unlock := e.locks.lock(mem.Owner)
	defer unlock()

	cur, err := e.store.Get(ctx, mem.ID)
	if err != nil {
		return nil, err
	}
	if cur.VerificationState != types.StateAwaitingResponse {
		return cur, nil
	}
	cur.VerificationState = types.StateUnverified
	cur.AskedAt = nil
	if err := e.store.Update(ctx, cur); err != nil {
		return nil, fmt.Errorf("failed to release %s: %w", cur.ID, err)
	}
	return cur, nil
}

// confirm marks the memory verified at the confirmed confidence.
func (e *MemoryEngine) confirm(ctx context.Context, mem *types.Memory, response string) (*types.Memory, error) {
	unlock := e.locks.lock(mem.Owner)
	defer unlock()

	var out *types.Memory
	err := e.store.InTx(ctx, func(tx storage.Repository) error {
		cur, err := tx.Get(ctx, mem.ID)
		if err != nil {
			return err
		}
		if err := checkAnswerable(cur); err != nil {
			return err
		}
		if !types.IsValidStateTransition(cur.VerificationState, types.StateVerified) {
			return fmt.Errorf("%w: cannot verify from %s", types.ErrConflict, cur.VerificationState)
		}

		now := e.now()
		cur.Verified = true
		cur.VerificationState = types.StateVerified
		cur.VerifiedAt = &now
		cur.VerificationNote = response
		cur.Confidence = types.ConfirmedConfidence
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		if err := tx.SetConfidence(ctx, cur.ID, types.ConfirmedConfidence, "verification confirmed", now); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to confirm memory: %w", err)
	}

	e.emit(EventVerified, mem.Owner, mem.ID)
	return out, nil
}

// deny marks the memory contradicted. When the response carries a
// correction, a verified explicit memory holding it supersedes the original,
// which is retired in the same transaction.
func (e *MemoryEngine) deny(ctx context.Context, mem *types.Memory, response string) (*types.Memory, *types.Memory, error) {
	var correction *types.Memory
	if text, ok := ExtractCorrection(response); ok && types.NormalizeText(text) != mem.NormalizedContent() {
		vec, err := e.index.Embed(ctx, text)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to embed correction: %w", err)
		}
		correction = &types.Memory{
			ID:                newMemoryID(),
			Owner:             mem.Owner,
			Content:           text,
			Category:          mem.Category,
			Type:              types.TypeExplicit,
			Source:            "verification",
			Confidence:        types.ConfirmedConfidence,
			Verified:          true,
			VerificationState: types.StateVerified,
			VerificationNote:  response,
			Embedding:         vec,
			Active:            true,
			Temporal:          e.temporal.Analyze(ctx, text),
		}
	}

	unlock := e.locks.lock(mem.Owner)
	defer unlock()

	var out, stored *types.Memory
	err := e.store.InTx(ctx, func(tx storage.Repository) error {
		cur, err := tx.Get(ctx, mem.ID)
		if err != nil {
			return err
		}
		if err := checkAnswerable(cur); err != nil {
			return err
		}

		now := e.now()
		cur.VerificationState = types.StateContradicted
		cur.VerificationNote = response
		lowered := cur.Confidence
		if lowered > DeniedConfidence {
			lowered = DeniedConfidence
		}
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		if err := tx.SetConfidence(ctx, cur.ID, lowered, "verification denied", now); err != nil {
			return err
		}
		cur.Confidence = lowered
		out = cur

		if correction == nil {
			return nil
		}

		stored, err = e.storeCorrection(ctx, tx, correction, now)
		if err != nil {
			return err
		}
		if err := tx.UpsertEdge(ctx, types.Edge{
			SourceID:   stored.ID,
			TargetID:   cur.ID,
			Type:       types.EdgeSupersedes,
			Confidence: types.ConfirmedConfidence,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return err
		}
		if err := tx.SetActive(ctx, cur.ID, false, now); err != nil {
			return err
		}
		out.Active = false
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record denial: %w", err)
	}

	e.emit(EventContradicted, mem.Owner, mem.ID)
	if stored != nil {
		e.emit(EventCreated, mem.Owner, stored.ID)
	}
	return out, stored, nil
}

// storeCorrection inserts the correction, or promotes an existing active
// memory with the same text to verified.
func (e *MemoryEngine) storeCorrection(ctx context.Context, tx storage.Repository, c *types.Memory, now time.Time) (*types.Memory, error) {
	existing, err := tx.FindActiveDuplicate(ctx, c.Owner, c.Category, c.NormalizedContent())
	switch {
	case err == nil:
		if !existing.Verified {
			existing.Verified = true
			existing.VerificationState = types.StateVerified
			existing.VerifiedAt = &now
			existing.VerificationNote = c.VerificationNote
			existing.Confidence = types.ConfirmedConfidence
			if err := tx.Update(ctx, existing); err != nil {
				return nil, err
			}
			if err := tx.SetConfidence(ctx, existing.ID, types.ConfirmedConfidence, "stated as correction", now); err != nil {
				return nil, err
			}
		}
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	c.CreatedAt = now
	c.UpdatedAt = now
	c.VerifiedAt = &now
	if err := tx.Insert(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ExtractCorrection pulls a third-person statement out of a corrective
// denial: "no, actually I work as a teacher" gives "User works as a
// teacher". ok is false when the response holds no first-person statement.
func ExtractCorrection(response string) (string, bool) {
	m := correctionPattern.FindStringSubmatch(response)
	if m == nil {
		return "", false
	}
	return thirdPerson(m[1])
}

// thirdPerson rewrites a first-person statement about the speaker.
func thirdPerson(s string) (string, bool) {
	s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ".!?,;"))
	words := strings.Fields(s)
	if len(words) < 2 {
		return "", false
	}

	first := strings.ToLower(words[0])
	var head []string
	rest := words[1:]
	switch first {
	case "i'm", "im":
		head = []string{"User", "is"}
	case "i've":
		head = []string{"User", "has"}
	case "i'd":
		head = []string{"User", "would"}
	case "i'll":
		head = []string{"User", "will"}
	case "my":
		head = []string{"User's"}
	case "i":
		verb := strings.ToLower(rest[0])
		rest = rest[1:]
		if len(rest) == 0 {
			return "", false
		}
		head = []string{"User", conjugate(verb)}
	default:
		return "", false
	}

	for i, w := range rest {
		rest[i] = objectPronoun(w)
	}
	return strings.Join(append(head, rest...), " "), true
}

// irregularVerbs are first-person forms whose third-person form is not
// built by a suffix rule.
var irregularVerbs = map[string]string{
	"am": "is", "have": "has", "do": "does", "go": "goes", "was": "was",
	"were": "was", "can": "can", "could": "could", "will": "will",
	"would": "would", "should": "should", "must": "must", "might": "might",
	"may": "may", "don't": "doesn't", "dont": "doesn't", "can't": "can't",
	"used": "used", "never": "never", "also": "also", "still": "still",
	"now": "now", "actually": "actually",
}

// conjugate returns the third-person singular of a present-tense verb.
func conjugate(verb string) string {
	if v, ok := irregularVerbs[verb]; ok {
		return v
	}
	switch {
	case strings.HasSuffix(verb, "ed"):
		return verb
	case strings.HasSuffix(verb, "s"), strings.HasSuffix(verb, "sh"), strings.HasSuffix(verb, "ch"),
		strings.HasSuffix(verb, "x"), strings.HasSuffix(verb, "z"), strings.HasSuffix(verb, "o"):
		return verb + "es"
	case len(verb) > 1 && strings.HasSuffix(verb, "y") && !strings.ContainsRune("aeiou", rune(verb[len(verb)-2])):
		return verb[:len(verb)-1] + "ies"
	default:
		return verb + "s"
	}
}

// objectPronoun rewrites first-person pronouns inside a statement.
func objectPronoun(w string) string {
	switch strings.ToLower(w) {
	case "my":
		return "their"
	case "me":
		return "them"
	case "myself":
		return "themselves"
	case "mine":
		return "theirs"
	}
	return w
}

// questionFor phrases a memory as a yes/no question to its owner.
func questionFor(content string) string {
	s := strings.TrimRight(strings.TrimSpace(content), ".!?")
	words := strings.Fields(s)
	if len(words) >= 2 {
		switch strings.ToLower(words[0]) {
		case "user's", "users":
			s = "your " + strings.Join(words[1:], " ")
		case "user":
			verb := strings.ToLower(words[1])
			switch verb {
			case "is":
				verb = "are"
			case "has":
				verb = "have"
			case "was":
				verb = "were"
			case "does":
				verb = "do"
			default:
				verb = baseForm(verb)
			}
			s = "you " + strings.Join(append([]string{verb}, words[2:]...), " ")
		}
	}
	return fmt.Sprintf("I have noted that %s. Is that right?", s)
}

// baseForm undoes conjugate for regular verbs.
func baseForm(verb string) string {
	switch {
	case strings.HasSuffix(verb, "ies") && len(verb) > 3:
		return verb[:len(verb)-3] + "y"
	case strings.HasSuffix(verb, "shes"), strings.HasSuffix(verb, "ches"), strings.HasSuffix(verb, "sses"),
		strings.HasSuffix(verb, "xes"), strings.HasSuffix(verb, "zes"), strings.HasSuffix(verb, "oes"):
		return verb[:len(verb)-2]
	case strings.HasSuffix(verb, "s") && !strings.HasSuffix(verb, "ss"):
		return verb[:len(verb)-1]
	}
	return verb
}
