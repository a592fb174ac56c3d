package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amanmcp/hybridmemory/internal/config"
	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
	"github.com/amanmcp/hybridmemory/internal/memstore"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Vector.Dimensions = 8
	cfg.Embedding.Dimensions = 8
	cfg.Embedding.CacheSize = 0

	e, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestAddSearchUpdateDeleteMemory(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	added, err := e.AddMemory(ctx, AddMemoryInput{Content: "kubernetes deploy pipeline notes", Importance: 0.4, LayerHint: memstore.LayerSTM})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, memstore.LayerSTM, added.Layer)

	searched, err := e.SearchMemory(ctx, SearchMemoryInput{Query: "kubernetes pipeline", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, searched.Results)
	assert.Equal(t, added.ID, searched.Results[0].Memory.ID)

	newContent := "beta content entirely different"
	updated, err := e.UpdateMemory(ctx, UpdateMemoryInput{ID: added.ID, Content: &newContent})
	require.NoError(t, err)
	assert.True(t, updated.Reembedded)
	assert.ElementsMatch(t, []string{"text", "vector"}, updated.UpdatedIndices)

	afterUpdate, err := e.SearchMemory(ctx, SearchMemoryInput{Query: "kubernetes pipeline", Limit: 5})
	require.NoError(t, err)
	for _, r := range afterUpdate.Results {
		assert.NotEqual(t, added.ID, r.Memory.ID)
	}

	deleted, err := e.DeleteMemory(ctx, added.ID, true)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = e.AccessMemory(ctx, added.ID)
	assert.Equal(t, errtax.NotFound, errtax.CodeOf(err))
}

func TestAddMemoryRejectsEmptyContent(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.AddMemory(context.Background(), AddMemoryInput{Content: ""})
	assert.Equal(t, errtax.InvalidInput, errtax.CodeOf(err))
}

func TestStoreAndRetrieveDocument(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	stored, err := e.StoreDocument(ctx, "notes.md", []byte("# Title\n\nHello world, this is a test document with enough content to chunk."))
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.Deduped)

	retrieved, err := e.RetrieveDocument(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, retrieved.Document.ID)
	assert.NotEmpty(t, retrieved.Chunks)

	dup, err := e.StoreDocument(ctx, "notes.md", []byte("# Title\n\nHello world, this is a test document with enough content to chunk."))
	require.NoError(t, err)
	assert.True(t, dup.Deduped)
	assert.Equal(t, stored.ID, dup.ID)
}

func TestDocumentRetrieveUnknownIDReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.RetrieveDocument(context.Background(), "does-not-exist")
	assert.Equal(t, errtax.NotFound, errtax.CodeOf(err))
}

func TestStatusReportsHealthAndCounts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddMemory(ctx, AddMemoryInput{Content: "a durable architecture decision", Importance: 0.9, LayerHint: memstore.LayerLTM})
	require.NoError(t, err)
	_, err = e.AddMemory(ctx, AddMemoryInput{Content: "a short-term scratch note", Importance: 0.1, LayerHint: memstore.LayerSTM})
	require.NoError(t, err)

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthOK, status.Health)
	assert.Equal(t, 1, status.Memory.LTMCount)
	assert.Equal(t, 1, status.Memory.STMCount)
}

func TestConsolidatePromotesAndAdvancedReindexRebuildsIndices(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	added, err := e.AddMemory(ctx, AddMemoryInput{Content: "frequently touched note", Importance: 0.2, LayerHint: memstore.LayerSTM})
	require.NoError(t, err)
	for i := 0; i < 15; i++ {
		_, err := e.AccessMemory(ctx, added.ID)
		require.NoError(t, err)
	}

	cons, err := e.Consolidate(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, cons.Promoted, 1)

	reindexed, err := e.Reindex(ctx, true, true, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reindexed.Vector, 1)
	assert.GreaterOrEqual(t, reindexed.Text, 1)
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	added, err := e.AddMemory(ctx, AddMemoryInput{Content: "memory to survive a restore", Importance: 0.5})
	require.NoError(t, err)

	backupDir := t.TempDir()
	backup, err := e.Backup(ctx, backupDir, true)
	require.NoError(t, err)
	assert.NotEmpty(t, backup.Path)

	_, err = e.AddMemory(ctx, AddMemoryInput{Content: "memory added after the backup"})
	require.NoError(t, err)

	restore, err := e.Restore(ctx, backup.Path, true)
	require.NoError(t, err)
	assert.True(t, restore.Restored)

	mem, err := e.AccessMemory(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, "memory to survive a restore", mem.Content)
}

func TestValidateRefsDetectsAndFixesMissingChunk(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	stored, err := e.StoreDocument(ctx, "doc.txt", []byte("plain text content long enough to produce a chunk for this test."))
	require.NoError(t, err)

	doc, _, err := e.docs.Retrieve(ctx, stored.ID)
	require.NoError(t, err)
	require.NotEmpty(t, doc.ChunkIDs)
	require.NoError(t, e.kv.Delete(ctx, kvstore.NSChunk, doc.ChunkIDs[0]))

	result, err := e.ValidateRefs(ctx, false)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Invalid)

	fixed, err := e.ValidateRefs(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed.Removed)
}
