package fusion

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amanmcp/hybridmemory/internal/coordinator"
	"github.com/amanmcp/hybridmemory/internal/embedding"
	"github.com/amanmcp/hybridmemory/internal/kg"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
	"github.com/amanmcp/hybridmemory/internal/memstore"
	"github.com/amanmcp/hybridmemory/internal/textindex"
	"github.com/amanmcp/hybridmemory/internal/vectorindex"
)

type testFixture struct {
	kv    *kvstore.Store
	vec   *vectorindex.Index
	txt   *textindex.Index
	graph *kg.Graph
	mem   *memstore.Store
	coord *coordinator.Coordinator
	embed embedding.Embedder
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	kv, err := kvstore.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	vec := vectorindex.New(vectorindex.Config{Dimensions: 8, MaxNeighbors: 8, SampleSize: 16, ExactScanThreshold: 1000, StalenessRatio: 0.2})
	txt := textindex.New(textindex.DefaultConfig())
	graph := kg.New(kv)
	mem := memstore.New(kv)
	coord := coordinator.New(kv, vec, txt, nil)
	emb := embedding.NewStaticEmbedder(8)

	return &testFixture{kv: kv, vec: vec, txt: txt, graph: graph, mem: mem, coord: coord, embed: emb}
}

func (f *testFixture) addMemory(t *testing.T, ctx context.Context, content string, importance float64) memstore.Memory {
	t.Helper()
	var m memstore.Memory
	id := uuid.NewString()
	vec, err := f.embed.Embed(ctx, content)
	require.NoError(t, err)

	err = f.coord.Apply(ctx, func(tx *kvstore.Tx) error {
		var aerr error
		m, aerr = f.mem.Add(ctx, tx, memstore.AddInput{ID: id, Content: content, Importance: importance})
		if aerr != nil {
			return aerr
		}
		return f.graph.UpsertNode(ctx, tx, kg.Node{ID: m.ID, Type: kg.NodeMemory, Label: content})
	}, []coordinator.DerivedUpdate{{ID: id, Text: content, Vector: vec}})
	require.NoError(t, err)
	return m
}

func TestSearchRanksTextAndVectorMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMemory(t, ctx, "deploy pipeline uses kubernetes and helm charts", 0.4)
	f.addMemory(t, ctx, "favorite pasta recipe with garlic and olive oil", 0.4)

	r, err := New(DefaultConfig(), f.vec, f.txt, f.graph, f.mem, f.embed, nil)
	require.NoError(t, err)

	results, err := r.Search(ctx, "kubernetes deploy pipeline", 5, Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Memory.Content, "kubernetes")
}

func TestSearchFiltersByLayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMemory(t, ctx, "stm note about lunch plans", 0.1)
	f.addMemory(t, ctx, "durable architecture decision record about lunch plans", 0.9)

	r, err := New(DefaultConfig(), f.vec, f.txt, f.graph, f.mem, f.embed, nil)
	require.NoError(t, err)

	results, err := r.Search(ctx, "lunch plans", 5, Filters{Layer: memstore.LayerLTM})
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, memstore.LayerLTM, res.Memory.Layer)
	}
}

func TestSearchUsesCacheWithinTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMemory(t, ctx, "cached query content about rockets", 0.5)

	cfg := DefaultConfig()
	cfg.CacheTTL = time.Minute
	r, err := New(cfg, f.vec, f.txt, f.graph, f.mem, f.embed, nil)
	require.NoError(t, err)

	first, err := r.Search(ctx, "rockets", 5, Filters{})
	require.NoError(t, err)

	// Delete the underlying memory without touching the retriever: a cache
	// hit should still return the stale first result.
	require.NoError(t, f.kv.Delete(ctx, kvstore.NSMemory, first[0].Memory.ID))

	second, err := r.Search(ctx, "rockets", 5, Filters{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSearchReturnsEmptyWhenNoSignalMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMemory(t, ctx, "an unrelated memory about gardening", 0.3)

	r, err := New(DefaultConfig(), f.vec, f.txt, f.graph, f.mem, f.embed, nil)
	require.NoError(t, err)

	results, err := r.Search(ctx, "zzzznonexistentqueryterm", 5, Filters{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchDegradesGracefullyWithoutEmbedder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMemory(t, ctx, "text only match about spreadsheets", 0.4)

	r, err := New(DefaultConfig(), f.vec, f.txt, f.graph, f.mem, nil, nil)
	require.NoError(t, err)

	results, err := r.Search(ctx, "spreadsheets", 5, Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Zero(t, results[0].Explain.Vector.Weighted)
}

func TestExplainPopulatesRankAndSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addMemory(t, ctx, "explain field test content about telescopes", 0.4)

	r, err := New(DefaultConfig(), f.vec, f.txt, f.graph, f.mem, f.embed, nil)
	require.NoError(t, err)

	results, err := r.Search(ctx, "telescopes", 5, Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, 1, results[0].Explain.Rank)
}
