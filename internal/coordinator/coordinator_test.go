package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amanmcp/hybridmemory/internal/kvstore"
	"github.com/amanmcp/hybridmemory/internal/textindex"
	"github.com/amanmcp/hybridmemory/internal/vectorindex"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *kvstore.Store, *vectorindex.Index, *textindex.Index) {
	t.Helper()
	kv, err := kvstore.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	vec := vectorindex.New(vectorindex.Config{Dimensions: 4, MaxNeighbors: 4, SampleSize: 4, ExactScanThreshold: 100, StalenessRatio: 0.2})
	txt := textindex.New(textindex.DefaultConfig())
	return New(kv, vec, txt, nil), kv, vec, txt
}

func TestApplyCommitsAnchorAndDerived(t *testing.T) {
	c, kv, vec, txt := newTestCoordinator(t)
	ctx := context.Background()

	err := c.Apply(ctx, func(tx *kvstore.Tx) error {
		return tx.Put(ctx, kvstore.NSMemory, "m1", []byte("payload"))
	}, []DerivedUpdate{
		{ID: "m1", Text: "hello world", Vector: []float32{1, 0, 0, 0}},
	})
	require.NoError(t, err)

	_, err = kv.Get(ctx, kvstore.NSMemory, "m1")
	require.NoError(t, err)
	assert.True(t, vec.Contains("m1"))

	results, err := txt.Search("hello", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestApplyRollsBackAnchorOnError(t *testing.T) {
	c, kv, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	err := c.Apply(ctx, func(tx *kvstore.Tx) error {
		if err := tx.Put(ctx, kvstore.NSMemory, "m1", []byte("payload")); err != nil {
			return err
		}
		return assert.AnError
	}, nil)
	require.Error(t, err)

	_, err = kv.Get(ctx, kvstore.NSMemory, "m1")
	require.Error(t, err)
}

func TestApplyDeleteRemovesFromDerivedIndices(t *testing.T) {
	c, _, vec, txt := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Apply(ctx, func(tx *kvstore.Tx) error {
		return tx.Put(ctx, kvstore.NSMemory, "m1", []byte("x"))
	}, []DerivedUpdate{{ID: "m1", Text: "alpha beta", Vector: []float32{1, 0, 0, 0}}}))

	require.NoError(t, c.Apply(ctx, func(tx *kvstore.Tx) error {
		return tx.Delete(ctx, kvstore.NSMemory, "m1")
	}, []DerivedUpdate{{ID: "m1", Deleted: true}}))

	assert.False(t, vec.Contains("m1"))
	results, err := txt.Search("alpha", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEnqueueAndResolveRepair(t *testing.T) {
	c, _, vec, _ := newTestCoordinator(t)
	ctx := context.Background()

	// Force a vector-index failure via a dimension mismatch.
	require.NoError(t, c.Apply(ctx, func(tx *kvstore.Tx) error {
		return tx.Put(ctx, kvstore.NSMemory, "m1", []byte("x"))
	}, []DerivedUpdate{{ID: "m1", Vector: []float32{1, 0}}}))

	assert.False(t, vec.Contains("m1"))

	items, err := c.PendingRepairs(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "vector", items[0].Kind)

	require.NoError(t, c.ResolveRepair(ctx, "vector", "m1"))
	items, err = c.PendingRepairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}
