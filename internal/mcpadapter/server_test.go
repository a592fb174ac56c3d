package mcpadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amanmcp/hybridmemory/internal/config"
	"github.com/amanmcp/hybridmemory/internal/engine"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Vector.Dimensions = 8
	cfg.Embedding.Dimensions = 8
	cfg.Embedding.CacheSize = 0

	eng, err := engine.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	s, err := NewServer(eng, nil)
	require.NoError(t, err)
	return s
}

func TestNewServerRejectsNilEngine(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestListToolsCoversWholeOperationSurface(t *testing.T) {
	s := newTestServer(t)
	tools := s.ListTools()
	require.Len(t, tools, 15)
	assert.Equal(t, "memory_add", tools[0].Name)
	assert.Equal(t, "advanced_reindex", tools[len(tools)-1].Name)
	for _, tool := range tools {
		assert.NotEmpty(t, tool.Description)
	}
}

func TestMemoryAddSearchHandlersRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, addOut, err := s.handleMemoryAdd(ctx, nil, MemoryAddInput{Content: "a note about graph traversal", Importance: 0.4})
	require.NoError(t, err)
	assert.NotEmpty(t, addOut.ID)

	_, searchOut, err := s.handleMemorySearch(ctx, nil, MemorySearchInput{Query: "graph traversal", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, searchOut.Results)
	assert.Equal(t, addOut.ID, searchOut.Results[0].ID)
}

func TestMemoryAddHandlerRejectsEmptyContent(t *testing.T) {
	s := newTestServer(t)
	_, _, err := s.handleMemoryAdd(context.Background(), nil, MemoryAddInput{})
	require.Error(t, err)
	var te *toolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, codeInvalidParams, te.Code)
}

func TestDocumentStoreAnalyzeHandlers(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, stored, err := s.handleDocumentStore(ctx, nil, DocumentStoreInput{
		Content: "# Title\n\nEnough content in this document to produce a chunk for analysis.",
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	_, analyzed, err := s.handleDocumentAnalyze(ctx, nil, DocumentAnalyzeInput{ID: stored.ID})
	require.NoError(t, err)
	assert.Equal(t, stored.ID, analyzed.ID)
}

func TestSystemStatusHandlerReportsHealth(t *testing.T) {
	s := newTestServer(t)
	_, status, err := s.handleSystemStatus(context.Background(), nil, SystemStatusInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", status.Health)
}
