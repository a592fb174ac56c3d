package textindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAndSearchRanksByRelevance(t *testing.T) {
	idx := New(DefaultConfig())
	require.NoError(t, idx.Index("d1", "the deploy pipeline failed on staging"))
	require.NoError(t, idx.Index("d2", "deploy deploy deploy pipeline deploy"))
	require.NoError(t, idx.Index("d3", "unrelated lunch notes"))

	results, err := idx.Search("deploy pipeline", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "d2", results[0].ID)
	assert.Equal(t, "d1", results[1].ID)
}

func TestSearchReturnsTermBreakdown(t *testing.T) {
	idx := New(DefaultConfig())
	require.NoError(t, idx.Index("d1", "consolidate the knowledge graph nightly"))

	results, err := idx.Search("knowledge graph", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Matches, 2)
	for _, m := range results[0].Matches {
		assert.Greater(t, m.Score, 0.0)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	idx := New(DefaultConfig())
	require.NoError(t, idx.Index("d1", "episodic memory about an incident"))
	require.NoError(t, idx.Delete([]string{"d1"}))

	results, err := idx.Search("episodic memory", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, idx.AllIDs())
}

func TestReindexingSameDocReplacesPostings(t *testing.T) {
	idx := New(DefaultConfig())
	require.NoError(t, idx.Index("d1", "alpha"))
	require.NoError(t, idx.Index("d1", "beta"))

	results, err := idx.Search("alpha", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search("beta", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestTokenizeSplitsCamelAndSnakeCase(t *testing.T) {
	tokens := Tokenize("fusionRetriever cross_index_coordinator", 2)
	assert.Contains(t, tokens, "fusion")
	assert.Contains(t, tokens, "retriever")
	assert.Contains(t, tokens, "cross")
	assert.Contains(t, tokens, "index")
	assert.Contains(t, tokens, "coordinator")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	idx := New(DefaultConfig())
	require.NoError(t, idx.Index("d1", "memory about the vector index rebuild"))

	path := filepath.Join(t.TempDir(), "text.gob")
	require.NoError(t, idx.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	results, err := loaded.Search("vector index", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestLoadMissingFileReturnsEmptyIndex(t *testing.T) {
	idx, err := Load(filepath.Join(t.TempDir(), "missing.gob"))
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Stats().DocumentCount)
}

func TestEmptyQueryReturnsNil(t *testing.T) {
	idx := New(DefaultConfig())
	require.NoError(t, idx.Index("d1", "something"))
	results, err := idx.Search("!!!", 5)
	require.NoError(t, err)
	assert.Nil(t, results)
}
