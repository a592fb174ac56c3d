// Package maintenance implements STM eviction, LTM decay, STM->LTM
// consolidation, cross-index orphan cleanup, reindex, and validate.
// Orphan cleanup and validate are grounded directly on this codebase's
// ConsistencyChecker (Check/Repair/QuickCheck over metadata+BM25+vector
// counts), generalized from chunk-id orphans to memory-id orphans across
// the vector/text/graph indices. Consolidation and decay are new domain
// logic with no direct teacher analogue.
package maintenance

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/amanmcp/hybridmemory/internal/coordinator"
	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/kg"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
	"github.com/amanmcp/hybridmemory/internal/memstore"
	"github.com/amanmcp/hybridmemory/internal/textindex"
	"github.com/amanmcp/hybridmemory/internal/vectorindex"
)

// Config tunes the maintenance pass thresholds (mirrors config.MemoryConfig).
type Config struct {
	STMTTL                time.Duration
	LTMDecayRate          float64
	LTMStrengthenOnAccess float64
	ConsolidateImportance float64
	ConsolidateAccessMin  int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		STMTTL:                24 * time.Hour,
		LTMDecayRate:          0.99,
		LTMStrengthenOnAccess: 1.05,
		ConsolidateImportance: 0.75,
		ConsolidateAccessMin:  10,
	}
}

// Maintainer runs the periodic lifecycle and consistency passes over the
// engine's stores and indices.
type Maintainer struct {
	cfg   Config
	kv    *kvstore.Store
	mem   *memstore.Store
	graph *kg.Graph
	vec   *vectorindex.Index
	text  *textindex.Index
	coord *coordinator.Coordinator
	log   *slog.Logger

	lastRun time.Time
}

// New builds a Maintainer over the engine's stores.
func New(cfg Config, kv *kvstore.Store, mem *memstore.Store, graph *kg.Graph, vec *vectorindex.Index, text *textindex.Index, coord *coordinator.Coordinator, log *slog.Logger) *Maintainer {
	if log == nil {
		log = slog.Default()
	}
	return &Maintainer{cfg: cfg, kv: kv, mem: mem, graph: graph, vec: vec, text: text, coord: coord, log: log}
}

// AuditEntry records a single consolidation/eviction/decay action for the
// operation's audit trail.
type AuditEntry struct {
	MemoryID string
	From     memstore.Layer
	To       memstore.Layer
	At       time.Time
	Reason   string
}

// ConsolidateResult reports what a consolidation pass did (or would do).
type ConsolidateResult struct {
	Promoted []AuditEntry
	DryRun   bool
}

// Consolidate promotes STM memories meeting the importance/access-count
// threshold to LTM. dryRun computes the candidate set without writing.
func (m *Maintainer) Consolidate(ctx context.Context, dryRun bool) (ConsolidateResult, error) {
	var candidates []memstore.Memory
	err := m.mem.All(ctx, func(mem memstore.Memory) error {
		if mem.Layer != memstore.LayerSTM {
			return nil
		}
		if mem.Importance >= m.cfg.ConsolidateImportance || mem.AccessCount >= m.cfg.ConsolidateAccessMin {
			candidates = append(candidates, mem)
		}
		return nil
	})
	if err != nil {
		return ConsolidateResult{}, err
	}

	result := ConsolidateResult{DryRun: dryRun}
	now := time.Now()
	for _, c := range candidates {
		entry := AuditEntry{MemoryID: c.ID, From: memstore.LayerSTM, To: memstore.LayerLTM, At: now, Reason: "importance or access threshold met"}
		result.Promoted = append(result.Promoted, entry)

		if dryRun {
			continue
		}
		promoted := c
		promoted.Layer = memstore.LayerLTM
		promoted.ExpiresAt = nil
		if err := m.kv.WithTx(ctx, func(tx *kvstore.Tx) error {
			return putMemory(ctx, tx, promoted)
		}); err != nil {
			return result, err
		}
	}
	return result, nil
}

// EvictSTM removes STM memories whose own expires_at has passed (Invariant
// M3), cascading the delete through the coordinator like any other
// mutation. A memory with no expires_at is never evicted here.
func (m *Maintainer) EvictSTM(ctx context.Context) (int, error) {
	now := time.Now()
	var expired []string
	err := m.mem.All(ctx, func(mem memstore.Memory) error {
		if mem.Layer == memstore.LayerSTM && mem.ExpiresAt != nil && !mem.ExpiresAt.After(now) {
			expired = append(expired, mem.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range expired {
		if err := m.coord.Apply(ctx, func(tx *kvstore.Tx) error {
			if err := m.graph.DeleteNode(ctx, tx, id); err != nil {
				return err
			}
			return m.mem.Delete(ctx, tx, id, false)
		}, []coordinator.DerivedUpdate{{ID: id, Deleted: true}}); err != nil {
			return len(expired), err
		}
	}
	return len(expired), nil
}

// DecayLTM multiplies every LTM memory's importance by LTMDecayRate,
// except those accessed since the given checkpoint, which are strengthened
// instead.
func (m *Maintainer) DecayLTM(ctx context.Context, since time.Time) (int, error) {
	var touched int
	var toUpdate []memstore.Memory
	err := m.mem.All(ctx, func(mem memstore.Memory) error {
		if mem.Layer != memstore.LayerLTM {
			return nil
		}
		if mem.LastAccess.After(since) {
			mem.Importance *= m.cfg.LTMStrengthenOnAccess
		} else {
			mem.Importance *= m.cfg.LTMDecayRate
		}
		if mem.Importance > 1 {
			mem.Importance = 1
		}
		toUpdate = append(toUpdate, mem)
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, mem := range toUpdate {
		if err := m.kv.WithTx(ctx, func(tx *kvstore.Tx) error {
			return putMemory(ctx, tx, mem)
		}); err != nil {
			return touched, err
		}
		touched++
	}
	m.lastRun = time.Now()
	return touched, nil
}

// ValidateResult reports counts of detected cross-index problems without
// mutating anything, mirroring the teacher's QuickCheck/Check split
// collapsed into one report.
type ValidateResult struct {
	MemoryCount   int
	VectorOrphans []string // present in vector index, no backing memory
	TextOrphans   []string // present in text index, no backing memory
	VectorMissing []string // memory exists, no vector entry
	TextMissing   []string // memory exists, no text entry
	DanglingEdges []string // edge ids whose endpoint node is missing
}

// Validate scans the vector index, text index, and graph against the
// primary memory store and reports discrepancies.
func (m *Maintainer) Validate(ctx context.Context) (ValidateResult, error) {
	memIDs := make(map[string]bool)
	if err := m.mem.All(ctx, func(mem memstore.Memory) error {
		memIDs[mem.ID] = true
		return nil
	}); err != nil {
		return ValidateResult{}, err
	}

	result := ValidateResult{MemoryCount: len(memIDs)}

	for _, id := range m.vec.AllIDs() {
		if !memIDs[id] {
			result.VectorOrphans = append(result.VectorOrphans, id)
		}
	}
	for _, id := range m.text.AllIDs() {
		if !memIDs[id] {
			result.TextOrphans = append(result.TextOrphans, id)
		}
	}
	for id := range memIDs {
		if !m.vec.Contains(id) {
			result.VectorMissing = append(result.VectorMissing, id)
		}
		hasText := false
		for _, tid := range m.text.AllIDs() {
			if tid == id {
				hasText = true
				break
			}
		}
		if !hasText {
			result.TextMissing = append(result.TextMissing, id)
		}
	}

	dangling, err := m.findDanglingEdges(ctx, memIDs)
	if err != nil {
		return result, err
	}
	result.DanglingEdges = dangling

	return result, nil
}

func (m *Maintainer) findDanglingEdges(ctx context.Context, memIDs map[string]bool) ([]string, error) {
	var dangling []string
	// Endpoint lookups run after the scan: a lookup issued while the scan's
	// rows are open would wait on the store's single connection.
	var keys []string
	var edges []kg.Edge
	err := m.kv.Scan(ctx, kvstore.NSGraphEdge, "", func(key string, value []byte) error {
		var e kg.Edge
		if err := json.Unmarshal(value, &e); err != nil {
			return errtax.Wrap(errtax.Internal, err)
		}
		keys = append(keys, key)
		edges = append(edges, e)
		return nil
	})
	for i, e := range edges {
		if !nodeExists(ctx, m.graph, e.From) || !nodeExists(ctx, m.graph, e.To) {
			dangling = append(dangling, keys[i])
		}
	}
	return dangling, err
}

func nodeExists(ctx context.Context, g *kg.Graph, id string) bool {
	_, err := g.GetNode(ctx, id)
	return err == nil
}

// Repair removes every orphan reported by Validate from the vector/text
// indices (best-effort, matching the coordinator's tolerance of
// derivative-index drift) and removes dangling edges from the graph.
func (m *Maintainer) Repair(ctx context.Context, v ValidateResult) error {
	if len(v.VectorOrphans) > 0 {
		if err := m.vec.Delete(ctx, v.VectorOrphans); err != nil {
			m.log.Warn("failed to delete orphan vector entries", "count", len(v.VectorOrphans), "error", err)
		}
	}
	if len(v.TextOrphans) > 0 {
		if err := m.text.Delete(v.TextOrphans); err != nil {
			m.log.Warn("failed to delete orphan text entries", "count", len(v.TextOrphans), "error", err)
		}
	}
	for _, edgeID := range v.DanglingEdges {
		if err := m.kv.Delete(ctx, kvstore.NSGraphEdge, edgeID); err != nil {
			m.log.Warn("failed to delete dangling edge", "edge", edgeID, "error", err)
		}
	}
	if len(v.VectorMissing) > 0 || len(v.TextMissing) > 0 {
		m.log.Warn("index has missing entries, run reindex to rebuild", "vector_missing", len(v.VectorMissing), "text_missing", len(v.TextMissing))
	}
	return nil
}

// DrainRepairQueue retries every queued repair item against the current
// memory content, resolving it on success and leaving it queued otherwise.
func (m *Maintainer) DrainRepairQueue(ctx context.Context) (int, error) {
	items, err := m.coord.PendingRepairs(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, item := range items {
		mem, err := m.mem.Peek(ctx, item.ID)
		if err != nil {
			continue // memory itself is gone; orphan cleanup handles this case
		}

		// Only the text index can be repaired from the memory record alone;
		// a vector repair needs a fresh embed call, which is the engine's
		// job (re-running memory.update), not this pass's.
		if item.Kind != "text" {
			continue
		}
		if err := m.text.Index(item.ID, mem.Content); err != nil {
			continue
		}
		if err := m.coord.ResolveRepair(ctx, item.Kind, item.ID); err == nil {
			resolved++
		}
	}
	return resolved, nil
}

// putMemory writes mem's current field values directly, without
// memstore.Update's Version bump and UpdatedAt refresh — the caller has
// already decided the new layer/importance as part of the maintenance
// pass itself.
func putMemory(ctx context.Context, tx *kvstore.Tx, mem memstore.Memory) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	return tx.Put(ctx, kvstore.NSMemory, mem.ID, data)
}
