package vectorindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(dims int, hot int) []float32 {
	v := make([]float32, dims)
	v[hot%dims] = 1.0
	return v
}

func TestAddAndSearchExactScan(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimensions: 8, MaxNeighbors: 4, SampleSize: 4, ExactScanThreshold: 1000, StalenessRatio: 0.2})

	require.NoError(t, idx.Add(ctx, "a", unit(8, 0)))
	require.NoError(t, idx.Add(ctx, "b", unit(8, 1)))
	require.NoError(t, idx.Add(ctx, "c", unit(8, 0)))

	results, err := idx.Search(ctx, unit(8, 0), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	ids := []string{results[0].ID, results[1].ID}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestAddRejectsWrongDimensions(t *testing.T) {
	idx := New(Config{Dimensions: 8, MaxNeighbors: 4, SampleSize: 4, ExactScanThreshold: 1000, StalenessRatio: 0.2})
	err := idx.Add(context.Background(), "a", make([]float32, 4))
	assert.Error(t, err)
}

func TestDeleteRemovesFromSearchAndAllIDs(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimensions: 8, MaxNeighbors: 4, SampleSize: 4, ExactScanThreshold: 1000, StalenessRatio: 0.2})
	require.NoError(t, idx.Add(ctx, "a", unit(8, 0)))
	require.NoError(t, idx.Add(ctx, "b", unit(8, 1)))

	require.NoError(t, idx.Delete(ctx, []string{"a"}))

	assert.False(t, idx.Contains("a"))
	assert.ElementsMatch(t, []string{"b"}, idx.AllIDs())

	results, err := idx.Search(ctx, unit(8, 0), 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestCountAndStats(t *testing.T) {
	ctx := context.Background()
	idx := New(DefaultConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Add(ctx, string(rune('a'+i)), unit(384, i)))
	}
	assert.Equal(t, 5, idx.Count())
	stats := idx.Stats()
	assert.Equal(t, 5, stats.Count)
	assert.Equal(t, 5, stats.GraphNodes)
}

func TestNeedsRebuildAfterDeletes(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimensions: 8, MaxNeighbors: 4, SampleSize: 4, ExactScanThreshold: 1000, StalenessRatio: 0.2})
	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Add(ctx, string(rune('a'+i)), unit(8, i%8)))
	}
	assert.False(t, idx.NeedsRebuild())

	require.NoError(t, idx.Delete(ctx, []string{"a", "b", "c"}))
	assert.True(t, idx.NeedsRebuild())

	require.NoError(t, idx.Rebuild(ctx))
	assert.False(t, idx.NeedsRebuild())
	assert.Equal(t, 7, idx.Count())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimensions: 8, MaxNeighbors: 4, SampleSize: 4, ExactScanThreshold: 1000, StalenessRatio: 0.2})
	require.NoError(t, idx.Add(ctx, "a", unit(8, 0)))
	require.NoError(t, idx.Add(ctx, "b", unit(8, 1)))

	path := filepath.Join(t.TempDir(), "vec.gob")
	require.NoError(t, idx.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, loaded.AllIDs())
}

func TestLoadMissingFileReturnsEmptyIndex(t *testing.T) {
	idx, err := Load(filepath.Join(t.TempDir(), "missing.gob"))
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Count())
}

func TestSearchOnEmptyIndexReturnsNil(t *testing.T) {
	idx := New(DefaultConfig())
	results, err := idx.Search(context.Background(), unit(384, 0), 5)
	require.NoError(t, err)
	assert.Nil(t, results)
}
