// Package docpipeline implements the document ingestion pipeline:
// parse -> canonicalize+hash -> dedup by (path,hash) -> chunk -> batch
// embed -> index (text+graph) -> version chain by path. Grounded on this
// codebase's content-type-aware chunker and scanner, generalized from
// "source file" to "document" (pdf/md/txt).
package docpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/amanmcp/hybridmemory/internal/coordinator"
	"github.com/amanmcp/hybridmemory/internal/embedding"
	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/kg"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
)

// Document is the stored record for one ingested document version.
type Document struct {
	ID        string       `json:"id"`
	Path      string       `json:"path"`
	Format    SourceFormat `json:"format"`
	Hash      string       `json:"hash"`
	Version   int          `json:"version"`
	ChunkIDs  []string     `json:"chunk_ids"`
	CreatedAt time.Time    `json:"created_at"`
}

// StoredChunk is one persisted chunk of a document.
type StoredChunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
}

// Config tunes chunk sizing and parse bounds.
type Config struct {
	ChunkMinChars int
	ChunkMaxChars int
	OverlapRatio  float64
	Parse         ParseOptions
}

// Pipeline wires parsing/chunking/embedding/indexing for document ingest.
type Pipeline struct {
	kv    *kvstore.Store
	graph *kg.Graph
	coord *coordinator.Coordinator
	embed embedding.Embedder
	cfg   Config
}

// New builds a Pipeline.
func New(kv *kvstore.Store, graph *kg.Graph, coord *coordinator.Coordinator, embed embedding.Embedder, cfg Config) *Pipeline {
	return &Pipeline{kv: kv, graph: graph, coord: coord, embed: embed, cfg: cfg}
}

// StoreResult reports what Store actually did.
type StoreResult struct {
	Document Document
	Deduped  bool // true if an identical (path,hash) already existed
}

// Store ingests a document at path: raw, when non-nil, is the document's
// content supplied inline; when nil, Store reads path off disk itself,
// bounded by the pipeline's configured size cap and parse timeout. Either
// way it parses, hashes, dedups against the latest version at that path,
// chunks, embeds in a batch, and commits chunk+graph writes through the
// coordinator's anchor transaction with best-effort vector/text indexing.
func (p *Pipeline) Store(ctx context.Context, path string, raw []byte) (StoreResult, error) {
	if raw == nil {
		data, err := p.readFile(ctx, path)
		if err != nil {
			return StoreResult{}, err
		}
		raw = data
	}

	format := DetectFormat(path)
	canonical, err := Parse(ctx, format, raw, p.cfg.Parse)
	if err != nil {
		return StoreResult{}, err
	}
	hash := ContentHash(canonical)

	// A path-less (content-only) upload has no version chain to dedup
	// against: each call stores a fresh document.
	if path != "" {
		if latest, ok, err := p.latestVersion(ctx, path); err != nil {
			return StoreResult{}, err
		} else if ok && latest.Hash == hash {
			return StoreResult{Document: latest, Deduped: true}, nil
		}
	}

	chunks := ChunkText(canonical, p.cfg.ChunkMinChars, p.cfg.ChunkMaxChars, p.cfg.OverlapRatio)
	if len(chunks) == 0 {
		return StoreResult{}, errtax.InvalidInputf("document produced no chunks")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return StoreResult{}, errtax.Wrap(errtax.Internal, fmt.Errorf("embed document chunks: %w", err))
	}

	docID := uuid.NewString()
	version := 1
	if path != "" {
		if prev, ok, _ := p.latestVersion(ctx, path); ok {
			version = prev.Version + 1
		}
	}

	chunkIDs := make([]string, len(chunks))
	storedChunks := make([]StoredChunk, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = uuid.NewString()
		storedChunks[i] = StoredChunk{ID: chunkIDs[i], DocumentID: docID, Index: c.Index, Text: c.Text}
	}

	doc := Document{
		ID: docID, Path: path, Format: format, Hash: hash,
		Version: version, ChunkIDs: chunkIDs, CreatedAt: time.Now(),
	}

	var derived []coordinator.DerivedUpdate
	for i, sc := range storedChunks {
		derived = append(derived, coordinator.DerivedUpdate{
			ID:     sc.ID,
			Text:   sc.Text,
			Vector: vectors[i],
		})
	}

	err = p.coord.Apply(ctx, func(tx *kvstore.Tx) error {
		docData, merr := json.Marshal(doc)
		if merr != nil {
			return errtax.Wrap(errtax.Internal, merr)
		}
		if err := tx.Put(ctx, kvstore.NSDocument, doc.ID, docData); err != nil {
			return err
		}
		if path != "" {
			if err := tx.Put(ctx, kvstore.NSPathLatest, path, []byte(doc.ID)); err != nil {
				return err
			}
		}

		if err := p.graph.UpsertNode(ctx, tx, kg.Node{ID: doc.ID, Type: kg.NodeDocument, Label: path}); err != nil {
			return err
		}

		for _, sc := range storedChunks {
			chunkData, cerr := json.Marshal(sc)
			if cerr != nil {
				return errtax.Wrap(errtax.Internal, cerr)
			}
			if err := tx.Put(ctx, kvstore.NSChunk, sc.ID, chunkData); err != nil {
				return err
			}
			if err := p.graph.UpsertNode(ctx, tx, kg.Node{ID: sc.ID, Type: kg.NodeDocument, Label: fmt.Sprintf("%s#%d", path, sc.Index)}); err != nil {
				return err
			}
			if err := p.graph.AddEdge(ctx, tx, kg.Edge{
				ID: uuid.NewString(), From: sc.ID, To: doc.ID, Type: kg.EdgePartOf, Weight: 1,
			}, false); err != nil {
				return err
			}
			if err := p.graph.UpsertMentions(ctx, tx, sc.ID, kg.ExtractEntities(sc.Text)); err != nil {
				return err
			}
		}
		return nil
	}, derived)
	if err != nil {
		return StoreResult{}, err
	}

	return StoreResult{Document: doc}, nil
}

// readFile loads path off disk, capped at the pipeline's configured
// MaxSizeBytes (default 25MiB) and bounded by its configured parse timeout
// (default 30s), so a huge or stuck file can't stall ingestion.
func (p *Pipeline) readFile(ctx context.Context, path string) ([]byte, error) {
	timeout := p.cfg.Parse.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxBytes := p.cfg.Parse.MaxSizeBytes
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}

	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		f, err := os.Open(path)
		if err != nil {
			done <- readResult{nil, errtax.Wrap(errtax.InvalidInput, fmt.Errorf("open document %s: %w", path, err))}
			return
		}
		defer f.Close()

		data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
		if err != nil {
			done <- readResult{nil, errtax.Wrap(errtax.Internal, fmt.Errorf("read document %s: %w", path, err))}
			return
		}
		if int64(len(data)) > maxBytes {
			done <- readResult{nil, errtax.InvalidInputf("document at %s exceeds max size of %d bytes", path, maxBytes)}
			return
		}
		done <- readResult{data, nil}
	}()

	select {
	case <-readCtx.Done():
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("reading document %s: %w", path, readCtx.Err()))
	case r := <-done:
		return r.data, r.err
	}
}

func (p *Pipeline) latestVersion(ctx context.Context, path string) (Document, bool, error) {
	idBytes, err := p.kv.Get(ctx, kvstore.NSPathLatest, path)
	if errtax.CodeOf(err) == errtax.NotFound {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}

	data, err := p.kv.Get(ctx, kvstore.NSDocument, string(idBytes))
	if err != nil {
		return Document{}, false, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, false, errtax.Wrap(errtax.Internal, err)
	}
	return doc, true, nil
}

// Retrieve loads a document by id along with its stored chunks.
func (p *Pipeline) Retrieve(ctx context.Context, id string) (Document, []StoredChunk, error) {
	data, err := p.kv.Get(ctx, kvstore.NSDocument, id)
	if err != nil {
		return Document{}, nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, nil, errtax.Wrap(errtax.Internal, err)
	}

	chunks := make([]StoredChunk, 0, len(doc.ChunkIDs))
	for _, cid := range doc.ChunkIDs {
		cdata, err := p.kv.Get(ctx, kvstore.NSChunk, cid)
		if err != nil {
			continue // best-effort: a missing chunk is surfaced by validate, not here
		}
		var sc StoredChunk
		if err := json.Unmarshal(cdata, &sc); err != nil {
			continue
		}
		chunks = append(chunks, sc)
	}
	return doc, chunks, nil
}

// ValidateRefs checks that every chunk id referenced by doc actually
// exists in the chunk namespace, returning the ids that don't.
func (p *Pipeline) ValidateRefs(ctx context.Context, id string) ([]string, error) {
	doc, _, err := p.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, cid := range doc.ChunkIDs {
		if _, err := p.kv.Get(ctx, kvstore.NSChunk, cid); errtax.CodeOf(err) == errtax.NotFound {
			missing = append(missing, cid)
		}
	}
	return missing, nil
}
