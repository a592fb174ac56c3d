// Package fusion implements the hybrid retriever: a concurrent fan-out
// across the vector index, text index, and knowledge graph, merged by a
// weighted, max-normalized sum, with a TTL'd LRU result cache. Grounded on
// this codebase's search/fusion.go concurrent multi-source query shape
// (errgroup fan-out, per-signal explain, tie-break chain); the merge
// formula itself is weighted-sum rather than this codebase's reciprocal
// rank fusion, since the two combine ranked lists differently and explicit
// per-signal weights are what's wanted here. See DESIGN.md.
package fusion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/amanmcp/hybridmemory/internal/embedding"
	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/kg"
	"github.com/amanmcp/hybridmemory/internal/memstore"
	"github.com/amanmcp/hybridmemory/internal/textindex"
	"github.com/amanmcp/hybridmemory/internal/vectorindex"
)

// Config tunes the fusion retriever.
type Config struct {
	VectorWeight    float64
	TextWeight      float64
	GraphWeight     float64
	SubQueryTimeout time.Duration
	CacheCapacity   int
	CacheTTL        time.Duration
	DefaultTopK     int
	MaxTopK         int
	GraphHops       int
	GraphEntityCap  int
}

// DefaultConfig matches the documented defaults (wV=0.5, wT=0.3, wG=0.2).
func DefaultConfig() Config {
	return Config{
		VectorWeight:    0.5,
		TextWeight:      0.3,
		GraphWeight:     0.2,
		SubQueryTimeout: 500 * time.Millisecond,
		CacheCapacity:   1000,
		CacheTTL:        3 * time.Second,
		DefaultTopK:     10,
		MaxTopK:         100,
		GraphHops:       2,
		GraphEntityCap:  8,
	}
}

// Filters narrows the candidate set by memory attributes.
type Filters struct {
	Layer   memstore.Layer
	Episode string
	From    time.Time
	To      time.Time
}

// SignalScore is one source's contribution to a result's final score.
type SignalScore struct {
	Raw        float64
	Normalized float64
	Weighted   float64
}

// Explain documents how a result's score was assembled.
type Explain struct {
	Vector SignalScore
	Text   SignalScore
	Graph  SignalScore
	Rank   int
}

// Result is one fused, ranked hit.
type Result struct {
	Memory  memstore.Memory
	Score   float64
	Explain Explain
}

// Retriever fans a query out across the three signal sources and merges
// the results.
type Retriever struct {
	cfg   Config
	vec   *vectorindex.Index
	text  *textindex.Index
	graph *kg.Graph
	mem   *memstore.Store
	embed embedding.Embedder
	log   *slog.Logger

	cacheMu sync.Mutex
	cache   *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	results []Result
	at      time.Time
}

// New builds a Retriever over the engine's indices and stores.
func New(cfg Config, vec *vectorindex.Index, text *textindex.Index, graph *kg.Graph, mem *memstore.Store, embed embedding.Embedder, log *slog.Logger) (*Retriever, error) {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New[string, cacheEntry](cfg.CacheCapacity)
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("create fusion cache: %w", err))
	}
	return &Retriever{cfg: cfg, vec: vec, text: text, graph: graph, mem: mem, embed: embed, log: log, cache: cache}, nil
}

type scored struct {
	id  string
	raw float64
}

// Search runs the three-signal fan-out, merges and ranks results, and
// serves repeat queries from cache within CacheTTL.
func (r *Retriever) Search(ctx context.Context, query string, k int, filters Filters) ([]Result, error) {
	if k <= 0 {
		k = r.cfg.DefaultTopK
	}
	if k > r.cfg.MaxTopK {
		k = r.cfg.MaxTopK
	}

	cacheKey := r.cacheKey(query, k, filters)
	if hit, ok := r.lookupCache(cacheKey); ok {
		return hit, nil
	}

	kPrime := k * 3
	if kPrime < 50 {
		kPrime = 50
	}

	var (
		vecHits   []scored
		textHits  []scored
		graphHits []scored
		vecErr, textErr, graphErr error
	)

	weights := map[string]float64{"vector": r.cfg.VectorWeight, "text": r.cfg.TextWeight, "graph": r.cfg.GraphWeight}
	embedderAvailable := r.embed != nil && r.embed.Available(ctx)
	if !embedderAvailable {
		delete(weights, "vector")
		renormalize(weights)
	}

	// Plain errgroup, not WithContext: each branch gets its own bounded
	// sub-context below rather than sharing one cancellation scope, so a
	// slow branch never cancels the others' in-flight work.
	var g errgroup.Group

	if embedderAvailable {
		g.Go(func() error {
			hits, err := r.searchVector(ctx, query, kPrime)
			vecHits, vecErr = hits, err
			return nil // sub-query failures degrade the signal, never fail Search
		})
	}
	g.Go(func() error {
		hits, err := r.searchText(query, kPrime)
		textHits, textErr = hits, err
		return nil
	})
	g.Go(func() error {
		hits, err := r.searchGraph(ctx, query)
		graphHits, graphErr = hits, err
		return nil
	})
	_ = g.Wait()

	signals := map[string][]scored{"text": textHits, "graph": graphHits}
	if embedderAvailable {
		signals["vector"] = vecHits
	}

	merged := r.merge(signals, weights)

	results := make([]Result, 0, len(merged))
	for id, sigs := range merged {
		m, err := r.mem.Peek(ctx, id)
		if errtax.CodeOf(err) == errtax.NotFound {
			continue // stale index entry; orphan cleanup will catch it
		}
		if err != nil {
			continue
		}
		if !matchesFilters(m, filters) {
			continue
		}

		total := sigs["vector"].Weighted + sigs["text"].Weighted + sigs["graph"].Weighted
		results = append(results, Result{
			Memory: m,
			Score:  total,
			Explain: Explain{
				Vector: sigs["vector"],
				Text:   sigs["text"],
				Graph:  sigs["graph"],
			},
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return lessResult(results[j], results[i]) // descending: j "less than" i means i ranks first
	})
	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Explain.Rank = i + 1
	}

	for name, err := range map[string]error{"vector": vecErr, "text": textErr, "graph": graphErr} {
		if err != nil {
			r.log.Warn("fusion sub-query failed, signal contributes zero", "signal", name, "error", err)
		}
	}

	r.storeCache(cacheKey, results)
	return results, nil
}

func (r *Retriever) searchVector(ctx context.Context, query string, k int) ([]scored, error) {
	subCtx, cancel := context.WithTimeout(ctx, r.cfg.SubQueryTimeout)
	defer cancel()

	qvec, err := r.embed.Embed(subCtx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.vec.Search(subCtx, qvec, k)
	if err != nil {
		return nil, err
	}
	out := make([]scored, len(hits))
	for i, h := range hits {
		out[i] = scored{id: h.ID, raw: float64(h.Score)}
	}
	return out, nil
}

// searchText is not bounded by the sub-query timeout: textindex.Index.Search
// takes no context, so a slow text search (the index is disk-backed once
// saved or loaded) runs to completion.
func (r *Retriever) searchText(query string, k int) ([]scored, error) {
	hits, err := r.text.Search(query, k)
	if err != nil {
		return nil, err
	}
	out := make([]scored, len(hits))
	for i, h := range hits {
		out[i] = scored{id: h.ID, raw: h.Score}
	}
	return out, nil
}

func (r *Retriever) searchGraph(ctx context.Context, query string) ([]scored, error) {
	subCtx, cancel := context.WithTimeout(ctx, r.cfg.SubQueryTimeout)
	defer cancel()

	entities, err := r.graph.FindEntitiesByName(subCtx, query, r.cfg.GraphEntityCap)
	if err != nil {
		return nil, err
	}

	acc := make(map[string]float64)
	relationFilter := []kg.EdgeType{kg.EdgeMentions, kg.EdgeEvidence}
	for _, e := range entities {
		hits, err := r.graph.Traverse(subCtx, e.ID, r.cfg.GraphHops, relationFilter)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			acc[h.NodeID] += h.Weight
		}
	}

	out := make([]scored, 0, len(acc))
	for id, w := range acc {
		out = append(out, scored{id: id, raw: w})
	}
	return out, nil
}

// merge normalizes each signal's raw scores to [0,1] by dividing by its
// own max (skipping the signal if its max is 0), then weights each
// contribution, grouped by id.
func (r *Retriever) merge(signals map[string][]scored, weights map[string]float64) map[string]map[string]SignalScore {
	out := make(map[string]map[string]SignalScore)

	for name, hits := range signals {
		w := weights[name]
		max := 0.0
		for _, h := range hits {
			if h.raw > max {
				max = h.raw
			}
		}
		for _, h := range hits {
			if _, ok := out[h.id]; !ok {
				out[h.id] = map[string]SignalScore{
					"vector": {}, "text": {}, "graph": {},
				}
			}
			norm := 0.0
			if max > 0 {
				norm = h.raw / max
			}
			out[h.id][name] = SignalScore{Raw: h.raw, Normalized: norm, Weighted: norm * w}
		}
	}
	return out
}

func renormalize(weights map[string]float64) {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return
	}
	for k, w := range weights {
		weights[k] = w / sum
	}
}

func matchesFilters(m memstore.Memory, f Filters) bool {
	if f.Layer != "" && m.Layer != f.Layer {
		return false
	}
	if !f.From.IsZero() && m.UpdatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.UpdatedAt.After(f.To) {
		return false
	}
	if f.Episode != "" && m.EpisodeID != f.Episode {
		return false
	}
	return true
}

// lessResult implements the tie-break chain: score desc, LTM before STM,
// higher importance, newer updated_at, lexicographic id.
func lessResult(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if (a.Memory.Layer == memstore.LayerLTM) != (b.Memory.Layer == memstore.LayerLTM) {
		return a.Memory.Layer != memstore.LayerLTM
	}
	if a.Memory.Importance != b.Memory.Importance {
		return a.Memory.Importance < b.Memory.Importance
	}
	if !a.Memory.UpdatedAt.Equal(b.Memory.UpdatedAt) {
		return a.Memory.UpdatedAt.Before(b.Memory.UpdatedAt)
	}
	return a.Memory.ID > b.Memory.ID
}

func (r *Retriever) cacheKey(query string, k int, f Filters) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte(fmt.Sprintf("|%d|%s|%s|%s|%s", k, f.Layer, f.Episode, f.From, f.To)))
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Retriever) lookupCache(key string) ([]Result, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	entry, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(entry.at) > r.cfg.CacheTTL {
		r.cache.Remove(key)
		return nil, false
	}
	return entry.results, true
}

func (r *Retriever) storeCache(key string, results []Result) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache.Add(key, cacheEntry{results: results, at: time.Now()})
}
