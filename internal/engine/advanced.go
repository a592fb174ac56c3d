package engine

import (
	"context"
	"time"

	"github.com/amanmcp/hybridmemory/internal/maintenance"
	"github.com/amanmcp/hybridmemory/internal/memstore"
)

// ConsolidateResult is advanced.consolidate's response.
type ConsolidateResult struct {
	Promoted   []maintenance.AuditEntry
	Candidates int
	TookMs     int64
}

// Consolidate runs the STM->LTM promotion pass. Every candidate is
// promoted (unless dryRun); limit > 0 only caps how many entries of the
// returned Promoted list are reported, and Candidates is always the full
// candidate count.
func (e *Engine) Consolidate(ctx context.Context, dryRun bool, limit int) (ConsolidateResult, error) {
	start := time.Now()
	release, err := e.acquire(ctx)
	if err != nil {
		return ConsolidateResult{}, err
	}
	defer release()

	res, err := e.maint.Consolidate(ctx, dryRun)
	if err != nil {
		return ConsolidateResult{}, err
	}

	candidates := res.Promoted
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return ConsolidateResult{Promoted: candidates, Candidates: len(res.Promoted), TookMs: timeTrack(start)}, nil
}

// ReindexResult is advanced.reindex's response.
type ReindexResult struct {
	Vector int
	Text   int
	Graph  int
	TookMs int64
}

// Reindex rebuilds the requested indices directly from the primary
// memory store: every memory is re-embedded and re-indexed, independent
// of whatever state the derived indices were previously in. Graph
// "reindex" drops dangling edges, since the graph has no derived state to
// rebuild from — it IS the primary store for node/edge data. Every run
// also retries the coordinator's repair queue (see
// maintenance.DrainRepairQueue).
func (e *Engine) Reindex(ctx context.Context, vector, text, graph bool) (ReindexResult, error) {
	start := time.Now()
	release, err := e.acquire(ctx)
	if err != nil {
		return ReindexResult{}, err
	}
	defer release()

	var result ReindexResult

	if vector || text {
		var memories []memstore.Memory
		if err := e.mem.All(ctx, func(m memstore.Memory) error {
			memories = append(memories, m)
			return nil
		}); err != nil {
			return ReindexResult{}, err
		}

		for _, m := range memories {
			if text {
				if err := e.text.Index(m.ID, m.Content); err == nil {
					result.Text++
				}
			}
			if vector {
				v, err := e.embed.Embed(ctx, m.Content)
				if err != nil {
					continue
				}
				if err := e.vec.Add(ctx, m.ID, v); err == nil {
					result.Vector++
				}
			}
		}
		if vector {
			if err := e.vec.Rebuild(ctx); err != nil {
				return result, err
			}
		}
	}

	if _, err := e.maint.DrainRepairQueue(ctx); err != nil {
		return result, err
	}

	if graph {
		v, err := e.maint.Validate(ctx)
		if err != nil {
			return result, err
		}
		if err := e.maint.Repair(ctx, v); err != nil {
			return result, err
		}
		result.Graph = len(v.DanglingEdges)
	}

	result.TookMs = timeTrack(start)
	return result, nil
}
