// Package vectorindex implements the approximate nearest neighbor index
// over unit-normalized vectors, backed by github.com/coder/hnsw's pure Go
// HNSW graph. The graph only ever grows and exposes no delete or
// enumerate-all API, so a side table keyed by string id tracks the
// id<->internal-key mapping, soft-delete bookkeeping (an orphan count),
// and a cached copy of each live vector for Rebuild. Grounded on this
// codebase's HNSWStore (internal/store/hnsw.go): the same lazy-delete
// via orphaned mapping (coder/hnsw has no safe delete path for the last
// node), the same graph.Export/Import-plus-side-gob persistence split.
package vectorindex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/amanmcp/hybridmemory/internal/errtax"
)

// Result is one scored hit from a Search call.
type Result struct {
	ID    string
	Score float32 // (1 + cosine similarity) / 2, in [0, 1]; higher is better
}

// Stats summarizes index health for system.status.
type Stats struct {
	Count      int
	GraphNodes int // physical nodes in the hnsw graph, including orphans
	Orphans    int
	StaleRatio float64
}

// Config tunes the underlying HNSW graph.
type Config struct {
	Dimensions         int
	MaxNeighbors       int     // hnsw.Graph.M
	SampleSize         int     // hnsw.Graph.EfSearch
	ExactScanThreshold int     // unused by hnsw; kept for config compatibility
	StalenessRatio     float64 // fraction of orphaned keys before Rebuild is due
}

// DefaultConfig mirrors the engine-wide defaults (384 dims, M=16).
func DefaultConfig() Config {
	return Config{
		Dimensions:         384,
		MaxNeighbors:       16,
		SampleSize:         64,
		ExactScanThreshold: 1000,
		StalenessRatio:     0.2,
	}
}

// Index wraps a coder/hnsw graph with a string-id <-> uint64-key mapping
// and soft-delete bookkeeping.
type Index struct {
	cfg Config

	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	idKey   map[string]uint64
	keyID   map[uint64]string
	vectors map[string][]float32 // cached live vectors, used to rebuild without walking the graph
	nextKey uint64
	orphans int // keys removed from idKey/keyID but still resident in graph
}

// New creates an empty index.
func New(cfg Config) *Index {
	if cfg.MaxNeighbors <= 0 {
		cfg.MaxNeighbors = 16
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 64
	}
	if cfg.ExactScanThreshold <= 0 {
		cfg.ExactScanThreshold = 1000
	}
	if cfg.StalenessRatio <= 0 {
		cfg.StalenessRatio = 0.2
	}
	return &Index{
		cfg:     cfg,
		graph:   newGraph(cfg),
		idKey:   make(map[string]uint64),
		keyID:   make(map[uint64]string),
		vectors: make(map[string][]float32),
	}
}

func newGraph(cfg Config) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.MaxNeighbors
	graph.EfSearch = cfg.SampleSize
	graph.Ml = 0.25 // coder/hnsw's recommended default, 1/ln(M)
	return graph
}

// Add inserts or replaces the vector for id. Vectors are normalized in
// place (cosine metric). Replacing an id orphans its old graph node
// rather than deleting it, since coder/hnsw has no safe delete path.
func (idx *Index) Add(ctx context.Context, id string, vector []float32) error {
	if len(vector) != idx.cfg.Dimensions {
		return errtax.InvalidInputf("vector has %d dims, index expects %d", len(vector), idx.cfg.Dimensions)
	}
	vec := normalize(vector)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existingKey, ok := idx.idKey[id]; ok {
		delete(idx.keyID, existingKey)
		delete(idx.idKey, id)
		idx.orphans++
	}

	key := idx.nextKey
	idx.nextKey++
	idx.graph.Add(hnsw.MakeNode(key, vec))
	idx.idKey[id] = key
	idx.keyID[key] = id
	idx.vectors[id] = vec
	return nil
}

// Delete lazily removes ids: their graph nodes remain resident as
// orphans until the next Rebuild.
func (idx *Index) Delete(ctx context.Context, ids []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range ids {
		if key, ok := idx.idKey[id]; ok {
			delete(idx.keyID, key)
			delete(idx.idKey, id)
			delete(idx.vectors, id)
			idx.orphans++
		}
	}
	return nil
}

// Search returns the top k ids by cosine similarity to query. Orphaned
// graph nodes that surface in the beam are silently dropped, so fewer
// than k results may come back when the orphan ratio is high; Rebuild
// clears that backlog.
func (idx *Index) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != idx.cfg.Dimensions {
		return nil, errtax.InvalidInputf("query has %d dims, index expects %d", len(query), idx.cfg.Dimensions)
	}
	q := normalize(query)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph.Len() == 0 {
		return nil, nil
	}

	nodes := idx.graph.Search(q, k)
	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		id, ok := idx.keyID[node.Key]
		if !ok {
			continue
		}
		dist := idx.graph.Distance(q, node.Value)
		results = append(results, Result{ID: id, Score: 1 - dist/2})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) == 0 {
		return nil, nil
	}
	return results, nil
}

// AllIDs returns every live id, used by maintenance's consistency check.
func (idx *Index) AllIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]string, 0, len(idx.idKey))
	for id := range idx.idKey {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether id is present and live.
func (idx *Index) Contains(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.idKey[id]
	return ok
}

// Count returns the number of live items.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.idKey)
}

// NeedsRebuild reports whether the orphan ratio exceeds the configured
// staleness threshold.
func (idx *Index) NeedsRebuild() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := idx.graph.Len()
	if total == 0 {
		return false
	}
	return float64(idx.orphans)/float64(total) >= idx.cfg.StalenessRatio
}

// Rebuild replaces the graph with a fresh one built only from live
// vectors, so orphaned nodes from prior deletes/replaces stop costing
// memory and search beam width. This is the only way to reclaim an
// orphan's space, since coder/hnsw itself never shrinks.
func (idx *Index) Rebuild(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	graph := newGraph(idx.cfg)
	idKey := make(map[string]uint64, len(idx.idKey))
	keyID := make(map[uint64]string, len(idx.idKey))
	var nextKey uint64

	for id := range idx.idKey {
		vec := idx.vectors[id]
		key := nextKey
		nextKey++
		graph.Add(hnsw.MakeNode(key, vec))
		idKey[id] = key
		keyID[key] = id
	}

	idx.graph = graph
	idx.idKey = idKey
	idx.keyID = keyID
	idx.nextKey = nextKey
	idx.orphans = 0
	return nil
}

// Stats reports index health.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	total := idx.graph.Len()
	staleRatio := 0.0
	if total > 0 {
		staleRatio = float64(idx.orphans) / float64(total)
	}
	return Stats{
		Count:      len(idx.idKey),
		GraphNodes: total,
		Orphans:    idx.orphans,
		StaleRatio: staleRatio,
	}
}

// persistedMeta is the side-gob payload saved next to the exported graph
// file, since coder/hnsw's own Export/Import format only knows about
// uint64 keys and raw vectors.
type persistedMeta struct {
	Config  Config
	IDKey   map[string]uint64
	Vectors map[string][]float32
	NextKey uint64
	Orphans int
}

// Save exports the hnsw graph to path (temp file + atomic rename) and
// writes the id/vector side table to path+".meta" the same way.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("create vector index tmp file: %w", err))
	}
	if err := idx.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return errtax.Wrap(errtax.Internal, fmt.Errorf("export hnsw graph: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errtax.Wrap(errtax.Internal, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errtax.Wrap(errtax.Internal, fmt.Errorf("rename vector index tmp file: %w", err))
	}

	meta := persistedMeta{
		Config:  idx.cfg,
		IDKey:   idx.idKey,
		Vectors: idx.vectors,
		NextKey: idx.nextKey,
		Orphans: idx.orphans,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("encode vector index metadata: %w", err))
	}
	metaPath := path + ".meta"
	metaTmp := metaPath + ".tmp"
	if err := os.WriteFile(metaTmp, buf.Bytes(), 0o644); err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("write vector index metadata tmp file: %w", err))
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("rename vector index metadata tmp file: %w", err))
	}
	return nil
}

// Load reads a snapshot written by Save. A missing file is not an error;
// the caller gets a fresh empty index.
func Load(path string) (*Index, error) {
	metaData, err := os.ReadFile(path + ".meta")
	if os.IsNotExist(err) {
		return New(DefaultConfig()), nil
	}
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, err)
	}

	var meta persistedMeta
	if err := gob.NewDecoder(bytes.NewReader(metaData)).Decode(&meta); err != nil {
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("decode vector index metadata: %w", err))
	}

	idx := New(meta.Config)
	idx.idKey = meta.IDKey
	idx.vectors = meta.Vectors
	idx.nextKey = meta.NextKey
	idx.orphans = meta.Orphans
	idx.keyID = make(map[uint64]string, len(meta.IDKey))
	for id, key := range meta.IDKey {
		idx.keyID[key] = id
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("open vector index file: %w", err))
	}
	defer f.Close()
	if err := idx.graph.Import(bufio.NewReader(f)); err != nil {
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("import hnsw graph: %w", err))
	}
	return idx, nil
}

func normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return append([]float32{}, v...)
	}
	norm := float32(1.0 / math.Sqrt(sumSquares))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * norm
	}
	return out
}
