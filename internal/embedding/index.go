// Package embedding turns memory text into vectors. The Index owns an LRU
// cache keyed by normalized text, collapses identical concurrent requests,
// and coalesces requests that arrive close together into one batch call to
// the embedding oracle.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/scrypster/ltm/internal/llm"
	"github.com/scrypster/ltm/pkg/types"
)

// ErrClosed is returned by Embed after Close.
var ErrClosed = errors.New("embedding index closed")

// Config tunes an Index.
type Config struct {
	// Dimension is the fixed vector length every result must have.
	Dimension int

	// CacheSize is the LRU capacity in entries. Default: 4096
	CacheSize int

	// BatchWindow is how long the first request of a batch waits for
	// company. Default: 10ms
	BatchWindow time.Duration

	// MaxBatch caps the texts per oracle call. Default: 32
	MaxBatch int

	// CallTimeout bounds one oracle call. Default: 30s
	CallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 10 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 32
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Stats are cumulative counters of an Index.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	OracleCalls uint64 `json:"oracle_calls"`
	Texts       uint64 `json:"texts"` // texts sent to the oracle
	Failures    uint64 `json:"failures"`
}

type result struct {
	vec []float32
	err error
}

type request struct {
	text string
	resp chan result
}

// Index is a cached, batching front of an llm.Embedder.
type Index struct {
	embedder llm.Embedder
	cfg      Config
	cache    *lru.Cache[string, []float32]
	group    singleflight.Group
	logger   *log.Logger

	reqs     chan *request
	done     chan struct{}
	closing  sync.Once
	inflight sync.WaitGroup

	hits, misses, calls, texts, failures atomic.Uint64
}

// New starts an Index over embedder.
func New(embedder llm.Embedder, cfg Config, logger *log.Logger) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", types.ErrValidation)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", types.ErrValidation)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = log.New(io.Discard)
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	ix := &Index{
		embedder: embedder,
		cfg:      cfg,
		cache:    cache,
		logger:   logger,
		reqs:     make(chan *request),
		done:     make(chan struct{}),
	}
	ix.inflight.Add(1)
	go ix.loop()
	return ix, nil
}

// Dimension is the fixed vector length.
func (ix *Index) Dimension() int {
	return ix.cfg.Dimension
}

// Embed returns the embedding of text. The returned slice is the caller's
// to keep.
func (ix *Index) Embed(ctx context.Context, text string) ([]float32, error) {
	key := types.NormalizeText(text)
	if key == "" {
		return nil, fmt.Errorf("%w: cannot embed blank text", types.ErrValidation)
	}

	if v, ok := ix.cache.Get(key); ok {
		ix.hits.Add(1)
		return clone(v), nil
	}
	ix.misses.Add(1)

	ch := ix.group.DoChan(key, func() (interface{}, error) {
		v, err := ix.submit(text)
		if err != nil {
			return nil, err
		}
		ix.cache.Add(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]float32)), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", types.ErrOracleUnavailable, ctx.Err())
	}
}

// EmbedMany embeds every text, letting the requests coalesce.
func (ix *Index) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	for i, t := range texts {
		wg.Add(1)
		go func(i int, t string) {
			defer wg.Done()
			out[i], errs[i] = ix.Embed(ctx, t)
		}(i, t)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns the counters so far.
func (ix *Index) Stats() Stats {
	return Stats{
		Hits:        ix.hits.Load(),
		Misses:      ix.misses.Load(),
		OracleCalls: ix.calls.Load(),
		Texts:       ix.texts.Load(),
		Failures:    ix.failures.Load(),
	}
}

// Len is the number of cached vectors.
func (ix *Index) Len() int {
	return ix.cache.Len()
}

// Close stops the batcher and waits for in-flight oracle calls.
func (ix *Index) Close() {
	ix.closing.Do(func() { close(ix.done) })
	ix.inflight.Wait()
}

// submit hands text to the batcher and waits for its vector. The wait is
// not bound to any caller's context since the result is shared.
func (ix *Index) submit(text string) ([]float32, error) {
	req := &request{text: text, resp: make(chan result, 1)}
	select {
	case ix.reqs <- req:
	case <-ix.done:
		return nil, ErrClosed
	}
	res := <-req.resp
	return res.vec, res.err
}

func (ix *Index) loop() {
	defer ix.inflight.Done()
	for {
		var first *request
		select {
		case first = <-ix.reqs:
		case <-ix.done:
			return
		}

		batch := []*request{first}
		timer := time.NewTimer(ix.cfg.BatchWindow)
	collect:
		for len(batch) < ix.cfg.MaxBatch {
			select {
			case r := <-ix.reqs:
				batch = append(batch, r)
			case <-timer.C:
				break collect
			case <-ix.done:
				break collect
			}
		}
		timer.Stop()

		ix.inflight.Add(1)
		go ix.dispatch(batch)
	}
}

func (ix *Index) dispatch(batch []*request) {
	defer ix.inflight.Done()

	texts := make([]string, len(batch))
	for i, r := range batch {
		texts[i] = r.text
	}

	ctx, cancel := context.WithTimeout(context.Background(), ix.cfg.CallTimeout)
	defer cancel()

	ix.calls.Add(1)
	ix.texts.Add(uint64(len(texts)))
	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	if err != nil {
		ix.failures.Add(1)
		if !errors.Is(err, types.ErrOracleUnavailable) {
			err = fmt.Errorf("%w: %w", types.ErrOracleUnavailable, err)
		}
		ix.logger.Warn("embedding batch failed", "size", len(texts), "err", err)
		for _, r := range batch {
			r.resp <- result{err: err}
		}
		return
	}

	for i, r := range batch {
		if len(vecs[i]) != ix.cfg.Dimension {
			r.resp <- result{err: fmt.Errorf("%w: got %d, want %d", types.ErrDimensionMismatch, len(vecs[i]), ix.cfg.Dimension)}
			continue
		}
		r.resp <- result{vec: vecs[i]}
	}
}

// Similarity is the cosine similarity of a and b. It is symmetric and
// returns 0 for zero vectors or vectors of different length.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Rounding can push |s| a hair past 1.
	return math.Max(-1, math.Min(1, s))
}

func clone(v []float32) []float32 {
	return append([]float32(nil), v...)
}
