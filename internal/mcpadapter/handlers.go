package mcpadapter

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/amanmcp/hybridmemory/internal/engine"
	"github.com/amanmcp/hybridmemory/internal/fusion"
	"github.com/amanmcp/hybridmemory/internal/memstore"
)

func (s *Server) handleMemoryAdd(ctx context.Context, _ *mcp.CallToolRequest, in MemoryAddInput) (*mcp.CallToolResult, MemoryAddOutput, error) {
	if in.Content == "" {
		return nil, MemoryAddOutput{}, newInvalidParamsError("content is required")
	}
	res, err := s.engine.AddMemory(ctx, engine.AddMemoryInput{
		Content:    in.Content,
		Metadata:   in.Metadata,
		Tags:       in.Tags,
		Importance: in.Importance,
		LayerHint:  memstore.Layer(in.Layer),
		SessionID:  in.SessionID,
		EpisodeID:  in.EpisodeID,
	})
	if err != nil {
		return nil, MemoryAddOutput{}, mapError(err)
	}
	return nil, MemoryAddOutput{ID: res.ID, Layer: string(res.Layer)}, nil
}

func (s *Server) handleMemorySearch(ctx context.Context, _ *mcp.CallToolRequest, in MemorySearchInput) (*mcp.CallToolResult, MemorySearchOutput, error) {
	if in.Query == "" {
		return nil, MemorySearchOutput{}, newInvalidParamsError("query is required")
	}
	res, err := s.engine.SearchMemory(ctx, engine.SearchMemoryInput{
		Query:   in.Query,
		Limit:   in.Limit,
		Layer:   memstore.Layer(in.Layer),
		Episode: in.Episode,
	})
	if err != nil {
		return nil, MemorySearchOutput{}, mapError(err)
	}
	return nil, MemorySearchOutput{Results: toSearchResults(res.Results), TookMs: res.TookMs}, nil
}

func toSearchResults(results []fusion.Result) []MemorySearchResult {
	out := make([]MemorySearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, MemorySearchResult{
			ID:        r.Memory.ID,
			Content:   r.Memory.Content,
			Layer:     string(r.Memory.Layer),
			Tags:      r.Memory.Tags,
			Score:     r.Score,
			VectorHit: r.Explain.Vector.Weighted,
			TextHit:   r.Explain.Text.Weighted,
			GraphHit:  r.Explain.Graph.Weighted,
		})
	}
	return out
}

func (s *Server) handleMemoryUpdate(ctx context.Context, _ *mcp.CallToolRequest, in MemoryUpdateInput) (*mcp.CallToolResult, MemoryUpdateOutput, error) {
	if in.ID == "" {
		return nil, MemoryUpdateOutput{}, newInvalidParamsError("id is required")
	}
	update := engine.UpdateMemoryInput{ID: in.ID, Tags: in.Tags, Metadata: in.Metadata}
	if in.Content != "" {
		update.Content = &in.Content
	}
	if in.Importance != 0 {
		update.Importance = &in.Importance
	}
	res, err := s.engine.UpdateMemory(ctx, update)
	if err != nil {
		return nil, MemoryUpdateOutput{}, mapError(err)
	}
	return nil, MemoryUpdateOutput{
		ID: res.ID, Version: res.Version, Reembedded: res.Reembedded, UpdatedIndices: res.UpdatedIndices,
	}, nil
}

func (s *Server) handleMemoryDelete(ctx context.Context, _ *mcp.CallToolRequest, in MemoryDeleteInput) (*mcp.CallToolResult, MemoryDeleteOutput, error) {
	if in.ID == "" {
		return nil, MemoryDeleteOutput{}, newInvalidParamsError("id is required")
	}
	res, err := s.engine.DeleteMemory(ctx, in.ID, in.Backup)
	if err != nil {
		return nil, MemoryDeleteOutput{}, mapError(err)
	}
	return nil, MemoryDeleteOutput{Deleted: res.Deleted, Cascaded: res.Cascaded}, nil
}

func (s *Server) handleMemoryAccess(ctx context.Context, _ *mcp.CallToolRequest, in MemoryAccessInput) (*mcp.CallToolResult, MemoryAccessOutput, error) {
	if in.ID == "" {
		return nil, MemoryAccessOutput{}, newInvalidParamsError("id is required")
	}
	m, err := s.engine.AccessMemory(ctx, in.ID)
	if err != nil {
		return nil, MemoryAccessOutput{}, mapError(err)
	}
	return nil, MemoryAccessOutput{
		ID: m.ID, Content: m.Content, Layer: string(m.Layer), Tags: m.Tags,
		Importance: m.Importance, Version: m.Version, AccessCount: m.AccessCount,
	}, nil
}

func (s *Server) handleDocumentStore(ctx context.Context, _ *mcp.CallToolRequest, in DocumentStoreInput) (*mcp.CallToolResult, DocumentStoreOutput, error) {
	if in.Path == "" && in.Content == "" {
		return nil, DocumentStoreOutput{}, newInvalidParamsError("exactly one of path or content is required")
	}
	if in.Path != "" && in.Content != "" {
		return nil, DocumentStoreOutput{}, newInvalidParamsError("path and content are mutually exclusive")
	}

	var raw []byte
	if in.Content != "" {
		raw = []byte(in.Content)
	}
	// raw stays nil for a path-only request: StoreDocument reads the file
	// itself, bounded by the configured size/time caps.
	res, err := s.engine.StoreDocument(ctx, in.Path, raw)
	if err != nil {
		return nil, DocumentStoreOutput{}, mapError(err)
	}
	return nil, DocumentStoreOutput{ID: res.ID, Hash: res.Hash, Chunks: res.Chunks, Deduped: res.Deduped}, nil
}

func (s *Server) handleDocumentRetrieve(ctx context.Context, _ *mcp.CallToolRequest, in DocumentRetrieveInput) (*mcp.CallToolResult, DocumentRetrieveOutput, error) {
	if in.ID == "" {
		return nil, DocumentRetrieveOutput{}, newInvalidParamsError("id is required")
	}
	res, err := s.engine.RetrieveDocument(ctx, in.ID)
	if err != nil {
		return nil, DocumentRetrieveOutput{}, mapError(err)
	}
	chunks := make([]DocumentChunk, 0, len(res.Chunks))
	for _, c := range res.Chunks {
		chunks = append(chunks, DocumentChunk{ID: c.ID, Index: c.Index, Text: c.Text})
	}
	return nil, DocumentRetrieveOutput{
		ID: res.Document.ID, Path: res.Document.Path, Hash: res.Document.Hash,
		Version: res.Document.Version, ChunkIDs: res.Document.ChunkIDs, Chunks: chunks,
	}, nil
}

func (s *Server) handleDocumentAnalyze(ctx context.Context, _ *mcp.CallToolRequest, in DocumentAnalyzeInput) (*mcp.CallToolResult, DocumentAnalyzeOutput, error) {
	if in.ID == "" {
		return nil, DocumentAnalyzeOutput{}, newInvalidParamsError("id is required")
	}
	res, err := s.engine.AnalyzeDocument(ctx, in.ID)
	if err != nil {
		return nil, DocumentAnalyzeOutput{}, mapError(err)
	}
	return nil, DocumentAnalyzeOutput{
		ID: res.ID, KeyConcepts: res.KeyConcepts, Entities: res.Entities, Summary: res.Summary, DocRefs: res.DocRefs,
	}, nil
}

func (s *Server) handleDocumentValidateRefs(ctx context.Context, _ *mcp.CallToolRequest, in DocumentValidateRefsInput) (*mcp.CallToolResult, DocumentValidateRefsOutput, error) {
	res, err := s.engine.ValidateRefs(ctx, in.Fix)
	if err != nil {
		return nil, DocumentValidateRefsOutput{}, mapError(err)
	}
	return nil, DocumentValidateRefsOutput{Invalid: res.Invalid, Removed: res.Removed}, nil
}

func (s *Server) handleSystemStatus(ctx context.Context, _ *mcp.CallToolRequest, _ SystemStatusInput) (*mcp.CallToolResult, SystemStatusOutput, error) {
	res, err := s.engine.Status(ctx)
	if err != nil {
		return nil, SystemStatusOutput{}, mapError(err)
	}
	return nil, SystemStatusOutput{
		UptimeMs: res.UptimeMs,
		Health:   string(res.Health),
		Indices: SystemIndexStats{
			VectorCount:   res.Indices.Vector.Count,
			VectorOrphans: res.Indices.Vector.Orphans,
			TextDocuments: res.Indices.Text.DocumentCount,
			GraphNodes:    res.Indices.Graph.Nodes,
			GraphEdges:    res.Indices.Graph.Edges,
			StaleRatio:    res.Indices.Vector.StaleRatio,
		},
		Storage: SystemStorage{
			KVBytes: res.Storage.KVBytes, VectorBytes: res.Storage.VectorBytes, TextBytes: res.Storage.TextBytes,
		},
		Metrics: SystemMetrics{
			Count: res.Metrics.Count, AvgMs: res.Metrics.AvgMs, P50Ms: res.Metrics.P50Ms,
			P95Ms: res.Metrics.P95Ms, QPS1m: res.Metrics.QPS1m,
		},
		STMCount: res.Memory.STMCount,
		LTMCount: res.Memory.LTMCount,
		RSSMb:    res.Memory.RSSMb,
	}, nil
}

func (s *Server) handleSystemCleanup(ctx context.Context, _ *mcp.CallToolRequest, in SystemCleanupInput) (*mcp.CallToolResult, SystemCleanupOutput, error) {
	res, err := s.engine.Cleanup(ctx, in.Reindex, in.Compact)
	if err != nil {
		return nil, SystemCleanupOutput{}, mapError(err)
	}
	return nil, SystemCleanupOutput{
		RemovedText: res.RemovedText, RemovedEdges: res.RemovedEdges, Reindexed: res.Reindexed, Compacted: res.Compacted,
	}, nil
}

func (s *Server) handleSystemBackup(ctx context.Context, _ *mcp.CallToolRequest, in SystemBackupInput) (*mcp.CallToolResult, SystemBackupOutput, error) {
	res, err := s.engine.Backup(ctx, in.Destination, in.IncludeIndices)
	if err != nil {
		return nil, SystemBackupOutput{}, mapError(err)
	}
	return nil, SystemBackupOutput{Path: res.Path, SizeMb: res.SizeMb, TookMs: res.TookMs}, nil
}

func (s *Server) handleSystemRestore(ctx context.Context, _ *mcp.CallToolRequest, in SystemRestoreInput) (*mcp.CallToolResult, SystemRestoreOutput, error) {
	if in.Source == "" {
		return nil, SystemRestoreOutput{}, newInvalidParamsError("source is required")
	}
	res, err := s.engine.Restore(ctx, in.Source, in.IncludeIndices)
	if err != nil {
		return nil, SystemRestoreOutput{}, mapError(err)
	}
	return nil, SystemRestoreOutput{Restored: res.Restored, Validated: res.Validated, TookMs: res.TookMs}, nil
}

func (s *Server) handleAdvancedConsolidate(ctx context.Context, _ *mcp.CallToolRequest, in AdvancedConsolidateInput) (*mcp.CallToolResult, AdvancedConsolidateOutput, error) {
	res, err := s.engine.Consolidate(ctx, in.DryRun, in.Limit)
	if err != nil {
		return nil, AdvancedConsolidateOutput{}, mapError(err)
	}
	promoted := make([]ConsolidatedMemory, 0, len(res.Promoted))
	for _, p := range res.Promoted {
		promoted = append(promoted, ConsolidatedMemory{MemoryID: p.MemoryID, Reason: p.Reason})
	}
	return nil, AdvancedConsolidateOutput{Promoted: promoted, Candidates: res.Candidates, TookMs: res.TookMs}, nil
}

func (s *Server) handleAdvancedReindex(ctx context.Context, _ *mcp.CallToolRequest, in AdvancedReindexInput) (*mcp.CallToolResult, AdvancedReindexOutput, error) {
	res, err := s.engine.Reindex(ctx, in.Vector, in.Text, in.Graph)
	if err != nil {
		return nil, AdvancedReindexOutput{}, mapError(err)
	}
	return nil, AdvancedReindexOutput{Vector: res.Vector, Text: res.Text, Graph: res.Graph, TookMs: res.TookMs}, nil
}
