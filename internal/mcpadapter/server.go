package mcpadapter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/amanmcp/hybridmemory/internal/engine"
	"github.com/amanmcp/hybridmemory/pkg/version"
)

// ToolInfo describes one registered tool, for diagnostics and tests.
type ToolInfo struct {
	Name        string
	Description string
}

// Server bridges an engine.Engine to MCP clients over stdio.
type Server struct {
	mcp    *mcp.Server
	engine *engine.Engine
	logger *slog.Logger
}

// NewServer registers every operation-surface method as an MCP tool.
func NewServer(eng *engine.Engine, logger *slog.Logger) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{engine: eng, logger: logger}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    "hybridmemoryd",
		Version: version.Version,
	}, nil)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Serve runs the MCP server over stdio until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting mcp server", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("mcp server stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp server stopped")
	return nil
}

// ListTools returns every registered tool's name and description.
func (s *Server) ListTools() []ToolInfo {
	infos := make([]ToolInfo, len(toolDescriptors))
	for i, d := range toolDescriptors {
		infos[i] = ToolInfo{Name: d.name, Description: d.description}
	}
	return infos
}

type toolDescriptor struct {
	name        string
	description string
}

var toolDescriptors = []toolDescriptor{
	{"memory_add", "Store a new memory. Content is embedded and indexed for both semantic and keyword search, and anchored in the knowledge graph."},
	{"memory_search", "Fused search over stored memories: combines vector similarity, BM25 keyword matching, and knowledge-graph proximity into one ranked list."},
	{"memory_update", "Partially update a memory's content, tags, or importance. Re-embeds and re-indexes only when content changes."},
	{"memory_delete", "Delete a memory and its knowledge-graph edges, optionally keeping a tombstone snapshot for restore."},
	{"memory_access", "Read a memory by id. Counts as an access for consolidation purposes."},
	{"document_store", "Ingest a document: parses, chunks, embeds, and indexes its content. Re-storing identical bytes is a no-op (deduped)."},
	{"document_retrieve", "Load a document and its stored chunks by id."},
	{"document_analyze", "Derive key concepts, entities, and cross-document references for a stored document from its indexed chunks."},
	{"document_validate_refs", "Scan stored documents for chunk references with no backing chunk record, optionally repairing them."},
	{"system_status", "Report engine uptime, index health, on-disk footprint, recent request latency, and overall health."},
	{"system_cleanup", "Drop orphaned index entries and dangling graph edges, optionally followed by a full reindex and index compaction."},
	{"system_backup", "Snapshot the primary store (and optionally the derived indices) to a destination directory."},
	{"system_restore", "Replace the live store (and optionally the derived indices) with a prior backup."},
	{"advanced_consolidate", "Run the short-term-to-long-term memory promotion pass."},
	{"advanced_reindex", "Rebuild the vector and/or text indices directly from stored memories, and clean up dangling graph edges."},
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[0].name, Description: toolDescriptors[0].description}, s.handleMemoryAdd)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[1].name, Description: toolDescriptors[1].description}, s.handleMemorySearch)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[2].name, Description: toolDescriptors[2].description}, s.handleMemoryUpdate)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[3].name, Description: toolDescriptors[3].description}, s.handleMemoryDelete)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[4].name, Description: toolDescriptors[4].description}, s.handleMemoryAccess)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[5].name, Description: toolDescriptors[5].description}, s.handleDocumentStore)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[6].name, Description: toolDescriptors[6].description}, s.handleDocumentRetrieve)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[7].name, Description: toolDescriptors[7].description}, s.handleDocumentAnalyze)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[8].name, Description: toolDescriptors[8].description}, s.handleDocumentValidateRefs)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[9].name, Description: toolDescriptors[9].description}, s.handleSystemStatus)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[10].name, Description: toolDescriptors[10].description}, s.handleSystemCleanup)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[11].name, Description: toolDescriptors[11].description}, s.handleSystemBackup)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[12].name, Description: toolDescriptors[12].description}, s.handleSystemRestore)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[13].name, Description: toolDescriptors[13].description}, s.handleAdvancedConsolidate)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolDescriptors[14].name, Description: toolDescriptors[14].description}, s.handleAdvancedReindex)
	s.logger.Debug("mcp tools registered", slog.Int("count", len(toolDescriptors)))
}
