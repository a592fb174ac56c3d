package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/amanmcp/hybridmemory/internal/docpipeline"
	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/kg"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
)

// StoreDocumentResult is document.store's response.
type StoreDocumentResult struct {
	ID      string
	Hash    string
	Chunks  int
	Deduped bool
}

// StoreDocument ingests raw bytes at path through the document pipeline.
func (e *Engine) StoreDocument(ctx context.Context, path string, raw []byte) (StoreDocumentResult, error) {
	defer func(start time.Time) { e.metrics.record(time.Since(start)) }(time.Now())
	release, err := e.acquire(ctx)
	if err != nil {
		return StoreDocumentResult{}, err
	}
	defer release()

	res, err := e.docs.Store(ctx, path, raw)
	if err != nil {
		return StoreDocumentResult{}, err
	}
	return StoreDocumentResult{
		ID:      res.Document.ID,
		Hash:    res.Document.Hash,
		Chunks:  len(res.Document.ChunkIDs),
		Deduped: res.Deduped,
	}, nil
}

// RetrieveDocumentResult is document.retrieve's response.
type RetrieveDocumentResult struct {
	Document docpipeline.Document
	Chunks   []docpipeline.StoredChunk
}

// RetrieveDocument loads a document and its chunks by id.
func (e *Engine) RetrieveDocument(ctx context.Context, id string) (RetrieveDocumentResult, error) {
	defer func(start time.Time) { e.metrics.record(time.Since(start)) }(time.Now())
	release, err := e.acquire(ctx)
	if err != nil {
		return RetrieveDocumentResult{}, err
	}
	defer release()

	doc, chunks, err := e.docs.Retrieve(ctx, id)
	if err != nil {
		return RetrieveDocumentResult{}, err
	}
	return RetrieveDocumentResult{Document: doc, Chunks: chunks}, nil
}

// AnalyzeDocumentResult is document.analyze's response.
type AnalyzeDocumentResult struct {
	ID          string
	KeyConcepts []string
	Entities    []string
	Summary     string
	DocRefs     []string
}

// AnalyzeDocument derives key concepts from the document's BM25 term
// weights and entities/cross-references from the knowledge graph edges
// attached to its chunks. There is no teacher analogue for document
// summarization; key-concept extraction reuses the text index's own
// term scoring rather than introducing a second ranking scheme.
func (e *Engine) AnalyzeDocument(ctx context.Context, id string) (AnalyzeDocumentResult, error) {
	defer func(start time.Time) { e.metrics.record(time.Since(start)) }(time.Now())
	release, err := e.acquire(ctx)
	if err != nil {
		return AnalyzeDocumentResult{}, err
	}
	defer release()

	doc, chunks, err := e.docs.Retrieve(ctx, id)
	if err != nil {
		return AnalyzeDocumentResult{}, err
	}

	termScores := make(map[string]float64)
	for _, c := range chunks {
		hits, serr := e.text.Search(c.Text, 1)
		if serr != nil || len(hits) == 0 {
			continue
		}
		for _, m := range hits[0].Matches {
			termScores[m.Term] += m.Score
		}
	}
	concepts := topTerms(termScores, 10)

	var entities []string
	var docRefs []string
	seen := make(map[string]bool)
	for _, c := range chunks {
		out, oerr := e.graph.OutEdges(ctx, c.ID)
		if oerr != nil {
			continue
		}
		for _, edge := range out {
			if seen[edge.To] {
				continue
			}
			seen[edge.To] = true
			node, nerr := e.graph.GetNode(ctx, edge.To)
			if nerr != nil {
				continue
			}
			switch node.Type {
			case kg.NodeEntity:
				entities = append(entities, node.Label)
			case kg.NodeDocument:
				if node.ID != doc.ID {
					docRefs = append(docRefs, node.ID)
				}
			}
		}
	}

	summary := ""
	if len(chunks) > 0 {
		summary = chunks[0].Text
	}

	return AnalyzeDocumentResult{
		ID: doc.ID, KeyConcepts: concepts, Entities: entities, Summary: summary, DocRefs: docRefs,
	}, nil
}

func topTerms(scores map[string]float64, limit int) []string {
	type kv struct {
		term  string
		score float64
	}
	list := make([]kv, 0, len(scores))
	for t, s := range scores {
		list = append(list, kv{t, s})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].term < list[j].term
	})
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.term
	}
	return out
}

// ValidateRefsResult is document.validate_refs's response.
type ValidateRefsResult struct {
	Invalid []string // "docID:chunkID" pairs referencing a missing chunk
	Removed int      // populated when fix=true
}

// ValidateRefs scans every stored document for chunk ids with no backing
// chunk record, optionally rewriting the document to drop them.
func (e *Engine) ValidateRefs(ctx context.Context, fix bool) (ValidateRefsResult, error) {
	defer func(start time.Time) { e.metrics.record(time.Since(start)) }(time.Now())
	release, err := e.acquire(ctx)
	if err != nil {
		return ValidateRefsResult{}, err
	}
	defer release()

	var result ValidateRefsResult
	var docIDs []string
	if err := e.kv.Scan(ctx, kvstore.NSDocument, "", func(key string, value []byte) error {
		docIDs = append(docIDs, key)
		return nil
	}); err != nil {
		return ValidateRefsResult{}, err
	}

	for _, id := range docIDs {
		missing, err := e.docs.ValidateRefs(ctx, id)
		if err != nil {
			continue
		}
		for _, chunkID := range missing {
			result.Invalid = append(result.Invalid, id+":"+chunkID)
		}
		if fix && len(missing) > 0 {
			if err := e.dropMissingChunks(ctx, id, missing); err == nil {
				result.Removed += len(missing)
			}
		}
	}
	return result, nil
}

func (e *Engine) dropMissingChunks(ctx context.Context, docID string, missing []string) error {
	missingSet := make(map[string]bool, len(missing))
	for _, m := range missing {
		missingSet[m] = true
	}
	return e.kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		data, err := tx.Get(ctx, kvstore.NSDocument, docID)
		if err != nil {
			return err
		}
		var doc docpipeline.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return errtax.Wrap(errtax.Internal, err)
		}
		kept := doc.ChunkIDs[:0]
		for _, id := range doc.ChunkIDs {
			if !missingSet[id] {
				kept = append(kept, id)
			}
		}
		doc.ChunkIDs = kept
		out, err := json.Marshal(doc)
		if err != nil {
			return errtax.Wrap(errtax.Internal, err)
		}
		return tx.Put(ctx, kvstore.NSDocument, docID, out)
	})
}
