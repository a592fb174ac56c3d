package docpipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amanmcp/hybridmemory/internal/coordinator"
	"github.com/amanmcp/hybridmemory/internal/embedding"
	"github.com/amanmcp/hybridmemory/internal/kg"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
	"github.com/amanmcp/hybridmemory/internal/textindex"
	"github.com/amanmcp/hybridmemory/internal/vectorindex"
)

func newTestPipeline(t *testing.T) (*Pipeline, *kvstore.Store) {
	t.Helper()
	kv, err := kvstore.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	graph := kg.New(kv)
	vec := vectorindex.New(vectorindex.Config{Dimensions: 384, MaxNeighbors: 8, SampleSize: 16, ExactScanThreshold: 1000, StalenessRatio: 0.2})
	txt := textindex.New(textindex.DefaultConfig())
	coord := coordinator.New(kv, vec, txt, nil)
	emb := embedding.NewStaticEmbedder(384)

	cfg := Config{
		ChunkMinChars: 32,
		ChunkMaxChars: 64,
		OverlapRatio:  0.1,
		Parse:         ParseOptions{MaxSizeBytes: 1 << 20},
	}
	return New(kv, graph, coord, emb, cfg), kv
}

func TestStoreChunksAndIndexesNewDocument(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	content := "Paragraph one has some words in it.\n\nParagraph two has some different words in it, enough to fill a chunk boundary nicely."
	result, err := p.Store(ctx, "notes/example.md", []byte(content))
	require.NoError(t, err)
	assert.False(t, result.Deduped)
	assert.Equal(t, 1, result.Document.Version)
	assert.NotEmpty(t, result.Document.ChunkIDs)

	doc, chunks, err := p.Retrieve(ctx, result.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes/example.md", doc.Path)
	assert.Len(t, chunks, len(result.Document.ChunkIDs))
}

func TestStoreDedupsIdenticalContent(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	content := []byte("identical content stored twice at the same path.")
	first, err := p.Store(ctx, "notes/dup.txt", content)
	require.NoError(t, err)
	require.False(t, first.Deduped)

	second, err := p.Store(ctx, "notes/dup.txt", content)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.Document.ID, second.Document.ID)
}

func TestStoreIncrementsVersionOnChange(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Store(ctx, "notes/versioned.txt", []byte("version one of the document."))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Document.Version)

	second, err := p.Store(ctx, "notes/versioned.txt", []byte("version two of the document, now with different content."))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Document.Version)
	assert.NotEqual(t, first.Document.ID, second.Document.ID)
}

func TestValidateRefsReportsMissingChunks(t *testing.T) {
	p, kv := newTestPipeline(t)
	ctx := context.Background()

	result, err := p.Store(ctx, "notes/refs.txt", []byte("some content that will be chunked for validation testing."))
	require.NoError(t, err)
	require.NotEmpty(t, result.Document.ChunkIDs)

	missing, err := p.ValidateRefs(ctx, result.Document.ID)
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, kv.Delete(ctx, kvstore.NSChunk, result.Document.ChunkIDs[0]))

	missing, err = p.ValidateRefs(ctx, result.Document.ID)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, result.Document.ChunkIDs[0], missing[0])
}

func TestStoreRejectsOversizedDocument(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.cfg.Parse.MaxSizeBytes = 8
	ctx := context.Background()

	_, err := p.Store(ctx, "notes/big.txt", []byte("this document is definitely larger than eight bytes"))
	require.Error(t, err)
}

func TestStoreReadsFromDiskWhenRawIsNil(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	f := filepath.Join(t.TempDir(), "on-disk.txt")
	content := "this document lives on disk and is read by path alone, not supplied inline."
	require.NoError(t, os.WriteFile(f, []byte(content), 0o644))

	result, err := p.Store(ctx, f, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Document.ChunkIDs)
}

func TestStoreDiskReadRejectsOversizedFile(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.cfg.Parse.MaxSizeBytes = 8
	ctx := context.Background()

	f := filepath.Join(t.TempDir(), "too-big.txt")
	require.NoError(t, os.WriteFile(f, []byte("this file is definitely larger than eight bytes"), 0o644))

	_, err := p.Store(ctx, f, nil)
	require.Error(t, err)
}

func TestStoreContentOnlyDoesNotDedupAcrossCalls(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	content := []byte("identical content with no path to version-chain against.")
	first, err := p.Store(ctx, "", content)
	require.NoError(t, err)
	assert.False(t, first.Deduped)

	second, err := p.Store(ctx, "", content)
	require.NoError(t, err)
	assert.False(t, second.Deduped)
	assert.NotEqual(t, first.Document.ID, second.Document.ID)
}
