package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amanmcp/hybridmemory/internal/coordinator"
	"github.com/amanmcp/hybridmemory/internal/kg"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
	"github.com/amanmcp/hybridmemory/internal/memstore"
	"github.com/amanmcp/hybridmemory/internal/textindex"
	"github.com/amanmcp/hybridmemory/internal/vectorindex"
)

type fixture struct {
	kv    *kvstore.Store
	mem   *memstore.Store
	graph *kg.Graph
	vec   *vectorindex.Index
	text  *textindex.Index
	coord *coordinator.Coordinator
	m     *Maintainer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := kvstore.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	mem := memstore.New(kv)
	graph := kg.New(kv)
	vec := vectorindex.New(vectorindex.Config{Dimensions: 4, MaxNeighbors: 4, SampleSize: 4, ExactScanThreshold: 100, StalenessRatio: 0.2})
	text := textindex.New(textindex.DefaultConfig())
	coord := coordinator.New(kv, vec, text, nil)
	m := New(DefaultConfig(), kv, mem, graph, vec, text, coord, nil)

	return &fixture{kv: kv, mem: mem, graph: graph, vec: vec, text: text, coord: coord, m: m}
}

func (f *fixture) addMemory(t *testing.T, ctx context.Context, content string, importance float64, accessCount int) memstore.Memory {
	t.Helper()
	return f.addMemoryLayer(t, ctx, content, importance, accessCount, memstore.LayerSTM)
}

func (f *fixture) addMemoryLayer(t *testing.T, ctx context.Context, content string, importance float64, accessCount int, layer memstore.Layer) memstore.Memory {
	t.Helper()
	var created memstore.Memory
	require.NoError(t, f.kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		var err error
		created, err = f.mem.Add(ctx, tx, memstore.AddInput{Content: content, Importance: importance, LayerHint: layer})
		if err != nil {
			return err
		}
		return f.graph.UpsertNode(ctx, tx, kg.Node{ID: created.ID, Type: kg.NodeMemory, Label: content})
	}))

	if accessCount > 0 {
		created.AccessCount = accessCount
		require.NoError(t, f.kv.WithTx(ctx, func(tx *kvstore.Tx) error {
			return putMemory(ctx, tx, created)
		}))
	}
	return created
}

func TestConsolidatePromotesHighAccessSTM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.addMemory(t, ctx, "frequently accessed note", 0.2, 20)

	result, err := f.m.Consolidate(ctx, false)
	require.NoError(t, err)
	require.Len(t, result.Promoted, 1)
	assert.Equal(t, m.ID, result.Promoted[0].MemoryID)

	after, err := f.mem.Peek(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, memstore.LayerLTM, after.Layer)
}

func TestConsolidateDryRunDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.addMemory(t, ctx, "another frequently accessed note", 0.2, 20)

	result, err := f.m.Consolidate(ctx, true)
	require.NoError(t, err)
	require.Len(t, result.Promoted, 1)

	after, err := f.mem.Peek(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, memstore.LayerSTM, after.Layer)
}

func TestEvictSTMRemovesExpiredMemories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.addMemory(t, ctx, "stale note", 0.1, 0)

	expired := time.Now().Add(-time.Hour)
	stale := m
	stale.Layer = memstore.LayerSTM
	stale.ExpiresAt = &expired
	require.NoError(t, f.kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		return putMemory(ctx, tx, stale)
	}))

	n, err := f.m.EvictSTM(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.mem.Peek(ctx, m.ID)
	require.Error(t, err)
}

func TestEvictSTMKeepsMemoriesWithNoExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.addMemory(t, ctx, "stm note with no expiry", 0.1, 0)

	stm := m
	stm.Layer = memstore.LayerSTM
	require.NoError(t, f.kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		return putMemory(ctx, tx, stm)
	}))

	n, err := f.m.EvictSTM(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.mem.Peek(ctx, m.ID)
	require.NoError(t, err)
}

func TestDecayLTMAppliesDecayAndStrengthen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	decayed := f.addMemoryLayer(t, ctx, "old ltm note", 0.9, 0, memstore.LayerLTM)
	accessed := f.addMemoryLayer(t, ctx, "recently accessed ltm note", 0.9, 0, memstore.LayerLTM)

	recent := accessed
	recent.LastAccess = time.Now()
	require.NoError(t, f.kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		return putMemory(ctx, tx, recent)
	}))

	since := time.Now().Add(-time.Minute)
	n, err := f.m.DecayLTM(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	afterDecayed, err := f.mem.Peek(ctx, decayed.ID)
	require.NoError(t, err)
	assert.Less(t, afterDecayed.Importance, 0.9)

	afterAccessed, err := f.mem.Peek(ctx, accessed.ID)
	require.NoError(t, err)
	assert.Greater(t, afterAccessed.Importance, 0.9)
}

func TestValidateDetectsVectorOrphanAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.addMemory(t, ctx, "needs a vector entry", 0.3, 0)

	require.NoError(t, f.vec.Add(ctx, "orphan-vector-id", []float32{1, 0, 0, 0}))

	result, err := f.m.Validate(ctx)
	require.NoError(t, err)
	assert.Contains(t, result.VectorOrphans, "orphan-vector-id")
	assert.Contains(t, result.VectorMissing, m.ID)
}

func TestRepairRemovesOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.vec.Add(ctx, "orphan-id", []float32{1, 0, 0, 0}))

	result, err := f.m.Validate(ctx)
	require.NoError(t, err)
	require.Contains(t, result.VectorOrphans, "orphan-id")

	require.NoError(t, f.m.Repair(ctx, result))
	assert.False(t, f.vec.Contains("orphan-id"))
}

func TestDrainRepairQueueResolvesTextRepairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.addMemory(t, ctx, "content for repair draining", 0.3, 0)

	require.NoError(t, f.coord.ResolveRepair(ctx, "text", "unused")) // no-op, exercises idempotent resolve
	require.NoError(t, f.kv.Put(ctx, kvstore.NSRepairQueue, "text:"+m.ID, []byte(`{"id":"`+m.ID+`","kind":"text"}`)))

	resolved, err := f.m.DrainRepairQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	hits, err := f.text.Search("repair", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}
