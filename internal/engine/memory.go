package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/amanmcp/hybridmemory/internal/coordinator"
	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/fusion"
	"github.com/amanmcp/hybridmemory/internal/kg"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
	"github.com/amanmcp/hybridmemory/internal/memstore"
)

// Reference links a new memory to a document chunk/entity at creation.
type Reference struct {
	DocID string
	Score float64
}

// AddMemoryInput is memory.add's request.
type AddMemoryInput struct {
	Content    string
	Metadata   map[string]any
	Tags       []string
	Importance float64
	LayerHint  memstore.Layer
	SessionID  string
	EpisodeID  string
	References []Reference
}

// AddMemoryResult is memory.add's response.
type AddMemoryResult struct {
	ID    string
	Layer memstore.Layer
}

// AddMemory embeds content, writes the memory+graph anchor, and
// best-effort indexes it for text and vector search.
func (e *Engine) AddMemory(ctx context.Context, in AddMemoryInput) (AddMemoryResult, error) {
	defer func(start time.Time) { e.metrics.record(time.Since(start)) }(time.Now())
	release, err := e.acquire(ctx)
	if err != nil {
		return AddMemoryResult{}, err
	}
	defer release()

	vec, err := e.embed.Embed(ctx, in.Content)
	if err != nil {
		return AddMemoryResult{}, errtax.Wrap(errtax.Internal, err)
	}

	id := uuid.NewString()
	now := time.Now()
	var created memstore.Memory
	err = e.coord.Apply(ctx, func(tx *kvstore.Tx) error {
		var aerr error
		created, aerr = e.mem.Add(ctx, tx, memstore.AddInput{
			ID:         id,
			Content:    in.Content,
			Metadata:   in.Metadata,
			Tags:       in.Tags,
			Importance: in.Importance,
			LayerHint:  in.LayerHint,
			SessionID:  in.SessionID,
			EpisodeID:  in.EpisodeID,
			STMTTL:     e.cfg.Memory.STMTTL,
		})
		if aerr != nil {
			return aerr
		}
		if err := e.graph.UpsertNode(ctx, tx, kg.Node{ID: created.ID, Type: kg.NodeMemory, Label: in.Content}); err != nil {
			return err
		}
		if err := e.graph.UpsertMentions(ctx, tx, created.ID, kg.ExtractEntities(in.Content)); err != nil {
			return err
		}
		if err := e.graph.UpsertEpisode(ctx, tx, created.ID, in.EpisodeID, in.SessionID, now); err != nil {
			return err
		}
		for _, ref := range in.References {
			if ref.DocID == "" {
				continue
			}
			if err := e.graph.AddEdge(ctx, tx, kg.Edge{
				ID: created.ID + "->" + ref.DocID, From: created.ID, To: ref.DocID,
				Type: kg.EdgeEvidence, Weight: ref.Score,
			}, false); err != nil {
				return err
			}
		}
		return nil
	}, []coordinator.DerivedUpdate{{ID: id, Text: in.Content, Vector: vec}})
	if err != nil {
		return AddMemoryResult{}, err
	}

	return AddMemoryResult{ID: created.ID, Layer: created.Layer}, nil
}

// SearchMemoryInput is memory.search's request.
type SearchMemoryInput struct {
	Query   string
	Limit   int
	Layer   memstore.Layer
	Episode string
	From    time.Time
	To      time.Time
}

// SearchMemoryResult is memory.search's response.
type SearchMemoryResult struct {
	Results []fusion.Result
	TookMs  int64
}

// SearchMemory runs the fused retriever and records the request's
// latency for system.status's rolling metrics.
func (e *Engine) SearchMemory(ctx context.Context, in SearchMemoryInput) (SearchMemoryResult, error) {
	start := time.Now()
	defer func() { e.metrics.record(time.Since(start)) }()
	release, err := e.acquire(ctx)
	if err != nil {
		return SearchMemoryResult{}, err
	}
	defer release()

	results, err := e.retr.Search(ctx, in.Query, in.Limit, fusion.Filters{
		Layer: in.Layer, Episode: in.Episode, From: in.From, To: in.To,
	})
	if err != nil {
		return SearchMemoryResult{}, err
	}
	return SearchMemoryResult{Results: results, TookMs: timeTrack(start)}, nil
}

// UpdateMemoryInput is memory.update's request.
type UpdateMemoryInput struct {
	ID         string
	Content    *string
	Metadata   map[string]any
	Tags       []string
	Importance *float64
}

// UpdateMemoryResult is memory.update's response.
type UpdateMemoryResult struct {
	ID             string
	Version        int
	Reembedded     bool
	UpdatedIndices []string
}

// UpdateMemory applies a partial update, re-embedding and re-indexing
// when content changed.
func (e *Engine) UpdateMemory(ctx context.Context, in UpdateMemoryInput) (UpdateMemoryResult, error) {
	defer func(start time.Time) { e.metrics.record(time.Since(start)) }(time.Now())
	release, err := e.acquire(ctx)
	if err != nil {
		return UpdateMemoryResult{}, err
	}
	defer release()

	var vec []float32
	reembedded := false
	if in.Content != nil {
		v, err := e.embed.Embed(ctx, *in.Content)
		if err != nil {
			return UpdateMemoryResult{}, errtax.Wrap(errtax.Internal, err)
		}
		vec = v
		reembedded = true
	}

	var updated memstore.Memory
	err = e.coord.Apply(ctx, func(tx *kvstore.Tx) error {
		var uerr error
		updated, uerr = e.mem.Update(ctx, tx, in.ID, memstore.UpdateInput{
			Content: in.Content, Metadata: in.Metadata, Tags: in.Tags, Importance: in.Importance,
		})
		if uerr != nil {
			return uerr
		}
		if err := e.graph.UpsertNode(ctx, tx, kg.Node{ID: updated.ID, Type: kg.NodeMemory, Label: updated.Content}); err != nil {
			return err
		}
		if in.Content != nil {
			return e.graph.ResyncMentions(ctx, tx, updated.ID, kg.ExtractEntities(*in.Content))
		}
		return nil
	}, []coordinator.DerivedUpdate{{ID: in.ID, Text: derefOr(in.Content, ""), Vector: vec}})
	if err != nil {
		return UpdateMemoryResult{}, err
	}

	var indices []string
	if reembedded {
		indices = []string{"text", "vector"}
	}
	return UpdateMemoryResult{ID: updated.ID, Version: updated.Version, Reembedded: reembedded, UpdatedIndices: indices}, nil
}

// DeleteMemoryResult is memory.delete's response.
type DeleteMemoryResult struct {
	Deleted  bool
	Cascaded bool
}

// DeleteMemory removes a memory and its graph edges, optionally backing
// up a tombstone snapshot for system.restore.
func (e *Engine) DeleteMemory(ctx context.Context, id string, backup bool) (DeleteMemoryResult, error) {
	defer func(start time.Time) { e.metrics.record(time.Since(start)) }(time.Now())
	release, err := e.acquire(ctx)
	if err != nil {
		return DeleteMemoryResult{}, err
	}
	defer release()

	out, err := e.graph.OutEdges(ctx, id)
	if err != nil {
		return DeleteMemoryResult{}, err
	}
	in, err := e.graph.InEdges(ctx, id)
	if err != nil {
		return DeleteMemoryResult{}, err
	}
	cascaded := len(out) > 0 || len(in) > 0

	err = e.coord.Apply(ctx, func(tx *kvstore.Tx) error {
		if err := e.graph.DeleteNode(ctx, tx, id); err != nil {
			return err
		}
		return e.mem.Delete(ctx, tx, id, backup)
	}, []coordinator.DerivedUpdate{{ID: id, Deleted: true}})
	if err != nil {
		return DeleteMemoryResult{}, err
	}

	return DeleteMemoryResult{Deleted: true, Cascaded: cascaded}, nil
}

// AccessMemory loads a memory and records an access (count + timestamp),
// matching memory.access's implicit bump-on-read semantics.
func (e *Engine) AccessMemory(ctx context.Context, id string) (memstore.Memory, error) {
	defer func(start time.Time) { e.metrics.record(time.Since(start)) }(time.Now())
	release, err := e.acquire(ctx)
	if err != nil {
		return memstore.Memory{}, err
	}
	defer release()
	return e.mem.Get(ctx, id)
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
