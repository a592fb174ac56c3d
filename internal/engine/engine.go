// Package engine wires every component (C1-C10) into the single facade
// that implements the operation surface: memory and document lifecycle,
// fused search, and system/advanced maintenance operations. Grounded on
// this codebase's search.Engine composition root (NewEngine nil-checks,
// dependencies injected rather than constructed internally) generalized
// from "one hybrid search engine" to "the whole hybrid memory system".
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/amanmcp/hybridmemory/internal/config"
	"github.com/amanmcp/hybridmemory/internal/coordinator"
	"github.com/amanmcp/hybridmemory/internal/docpipeline"
	"github.com/amanmcp/hybridmemory/internal/embedding"
	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/fusion"
	"github.com/amanmcp/hybridmemory/internal/kg"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
	"github.com/amanmcp/hybridmemory/internal/logging"
	"github.com/amanmcp/hybridmemory/internal/maintenance"
	"github.com/amanmcp/hybridmemory/internal/memstore"
	"github.com/amanmcp/hybridmemory/internal/textindex"
	"github.com/amanmcp/hybridmemory/internal/vectorindex"

	"golang.org/x/sync/semaphore"
)

const (
	vectorIndexFile = "vector.idx"
	textIndexFile   = "text.idx"
)

// Engine is the hybrid memory system's single composition root. Every
// exported method corresponds to one row of the operation surface.
type Engine struct {
	cfg config.Config

	kv    *kvstore.Store
	embed embedding.Embedder
	vec   *vectorindex.Index
	text  *textindex.Index
	graph *kg.Graph
	mem   *memstore.Store
	docs  *docpipeline.Pipeline
	coord *coordinator.Coordinator
	retr  *fusion.Retriever
	maint *maintenance.Maintainer
	log   *slog.Logger

	warmDir string
	coldDir string

	startedAt time.Time
	metrics   *metricsRecorder
	sem       *semaphore.Weighted
}

// New opens the on-disk state under cfg.Paths.DataDir (warm/kv.db,
// warm/vector.idx, warm/text.idx) and wires every component together.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtax.InvalidInputf("invalid config: %v", err)
	}

	warmDir := filepath.Join(cfg.Paths.DataDir, "warm")
	coldDir := filepath.Join(cfg.Paths.DataDir, "cold")
	if err := os.MkdirAll(warmDir, 0o755); err != nil {
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("create warm dir: %w", err))
	}

	kv, err := kvstore.Open(ctx, warmDir)
	if err != nil {
		return nil, err
	}

	vec, err := loadOrNewVectorIndex(filepath.Join(warmDir, vectorIndexFile), vectorindex.Config{
		Dimensions:         cfg.Vector.Dimensions,
		MaxNeighbors:       cfg.Vector.MaxNeighbors,
		SampleSize:         cfg.Vector.SampleSize,
		ExactScanThreshold: cfg.Vector.ExactScanThreshold,
		StalenessRatio:     cfg.Vector.StalenessRatio,
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	text, err := loadOrNewTextIndex(filepath.Join(warmDir, textIndexFile), textindex.Config{
		K1:             cfg.Text.K1,
		B:              cfg.Text.B,
		MinTokenLength: cfg.Text.MinTokenLength,
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	embedder, err := buildEmbedder(cfg.Embedding)
	if err != nil {
		kv.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		kv:        kv,
		embed:     embedder,
		vec:       vec,
		text:      text,
		log:       log,
		warmDir:   warmDir,
		coldDir:   coldDir,
		startedAt: time.Now(),
		metrics:   newMetricsRecorder(),
		sem:       semaphore.NewWeighted(int64(maxConcurrent(cfg.Performance.MaxConcurrentRequests))),
	}
	if err := e.rewire(kv); err != nil {
		kv.Close()
		return nil, err
	}
	return e, nil
}

// rewire (re)builds every component that depends on the primary store,
// keeping vec/text/embed/log as-is. Called from New and from Restore,
// which needs to swap in a freshly reopened store without tearing down
// the whole Engine.
func (e *Engine) rewire(kv *kvstore.Store) error {
	graph := kg.New(kv)
	mem := memstore.New(kv)
	coord := coordinator.New(kv, e.vec, e.text, logging.Component(e.log, "coordinator"))

	docs := docpipeline.New(kv, graph, coord, e.embed, docpipeline.Config{
		ChunkMinChars: e.cfg.Document.ChunkMinChars,
		ChunkMaxChars: e.cfg.Document.ChunkMaxChars,
		OverlapRatio:  e.cfg.Document.OverlapRatio,
		Parse: docpipeline.ParseOptions{
			MaxSizeBytes: e.cfg.Document.MaxSizeBytes,
			MaxPages:     e.cfg.Document.MaxPages,
			Timeout:      e.cfg.Document.ParseTimeout,
		},
	})

	retr, err := fusion.New(fusion.Config{
		VectorWeight:    e.cfg.Fusion.VectorWeight,
		TextWeight:      e.cfg.Fusion.TextWeight,
		GraphWeight:     e.cfg.Fusion.GraphWeight,
		SubQueryTimeout: e.cfg.Fusion.SubQueryTimeout,
		CacheCapacity:   e.cfg.Fusion.CacheCapacity,
		CacheTTL:        e.cfg.Fusion.CacheTTL,
		DefaultTopK:     e.cfg.Fusion.DefaultTopK,
		MaxTopK:         e.cfg.Fusion.MaxTopK,
		GraphHops:       e.cfg.Fusion.GraphHops,
		GraphEntityCap:  8,
	}, e.vec, e.text, graph, mem, e.embed, logging.Component(e.log, "fusion"))
	if err != nil {
		return err
	}

	maint := maintenance.New(maintenance.Config{
		STMTTL:                e.cfg.Memory.STMTTL,
		LTMDecayRate:          1 - e.cfg.Memory.LTMDecayRate,
		LTMStrengthenOnAccess: 1.05,
		ConsolidateImportance: 0.75,
		ConsolidateAccessMin:  e.cfg.Memory.ConsolidationThreshold,
	}, kv, mem, graph, e.vec, e.text, coord, logging.Component(e.log, "maintenance"))

	e.kv = kv
	e.graph = graph
	e.mem = mem
	e.coord = coord
	e.docs = docs
	e.retr = retr
	e.maint = maint
	return nil
}

func buildEmbedder(cfg config.EmbeddingConfig) (embedding.Embedder, error) {
	var base embedding.Embedder
	switch cfg.Provider {
	case "http":
		base = embedding.NewHTTPEmbedder(cfg.Endpoint, cfg.Model, cfg.Dimensions)
	default:
		base = embedding.NewStaticEmbedder(cfg.Dimensions)
	}
	if cfg.CacheSize <= 0 {
		return base, nil
	}
	cached, err := embedding.NewCachedEmbedder(base, cfg.CacheSize)
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("build cached embedder: %w", err))
	}
	return cached, nil
}

func loadOrNewVectorIndex(path string, cfg vectorindex.Config) (*vectorindex.Index, error) {
	if _, err := os.Stat(path); err == nil {
		idx, lerr := vectorindex.Load(path)
		if lerr == nil {
			return idx, nil
		}
	}
	return vectorindex.New(cfg), nil
}

func maxConcurrent(n int) int {
	if n <= 0 {
		return 64
	}
	return n
}

func loadOrNewTextIndex(path string, cfg textindex.Config) (*textindex.Index, error) {
	if _, err := os.Stat(path); err == nil {
		idx, lerr := textindex.Load(path)
		if lerr == nil {
			return idx, nil
		}
	}
	return textindex.New(cfg), nil
}

// Close persists the derived indices to warmDir and closes the primary
// store. The primary store (kvstore) is always consistent on disk
// already; only the vector/text indices need an explicit flush since
// they live in memory between saves.
func (e *Engine) Close() error {
	if err := e.vec.Save(filepath.Join(e.warmDir, vectorIndexFile)); err != nil {
		e.log.Warn("failed to save vector index", "error", err)
	}
	if err := e.text.Save(filepath.Join(e.warmDir, textIndexFile)); err != nil {
		e.log.Warn("failed to save text index", "error", err)
	}
	return e.kv.Close()
}

// acquire gates entry to an operation behind the engine-wide concurrency
// limit, returning a release func to defer. Every exported Engine method
// calls this first, so a burst of requests queues here rather than
// exhausting the stores' own connection/lock limits.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, errtax.Wrap(errtax.Unavailable, err)
	}
	return func() { e.sem.Release(1) }, nil
}

// metricsRecorder tracks rolling request latency for system.status, a
// generalization of the teacher's telemetry.QueryMetrics to the whole
// operation surface rather than just search.
type metricsRecorder struct {
	mu      sync.Mutex
	samples []sample
}

type sample struct {
	at time.Time
	ms float64
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{}
}

func (m *metricsRecorder) record(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.samples = append(m.samples, sample{at: now, ms: float64(d.Microseconds()) / 1000})
	cutoff := now.Add(-5 * time.Minute)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = m.samples[i:]
	}
}

// snapshot reports count/avg/last/p50/p95 over the retained window and
// qps over the last 60s.
func (m *metricsRecorder) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 {
		return Metrics{}
	}
	sorted := make([]float64, len(m.samples))
	var sum float64
	recent1m := 0
	cutoff1m := time.Now().Add(-time.Minute)
	for i, s := range m.samples {
		sorted[i] = s.ms
		sum += s.ms
		if s.at.After(cutoff1m) {
			recent1m++
		}
	}
	sort.Float64s(sorted)

	return Metrics{
		Count:  len(m.samples),
		AvgMs:  sum / float64(len(m.samples)),
		LastMs: m.samples[len(m.samples)-1].ms,
		P50Ms:  percentile(sorted, 0.50),
		P95Ms:  percentile(sorted, 0.95),
		QPS1m:  float64(recent1m) / 60.0,
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func timeTrack(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
