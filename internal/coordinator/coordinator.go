// Package coordinator implements the cross-index write path: an anchor
// transaction against the primary store and knowledge graph is the
// source of truth for every mutation; the vector and text indices are
// then updated best-effort, and any failure is recorded in a repair
// queue for the maintenance pass to retry later. Grounded on this
// codebase's file-event indexing coordinator (anchor write, then
// best-effort derived-index writes, warnings logged not fatal),
// generalized from "file changed -> reindex chunk" to "memory/document
// mutated -> index vector+text, queue repair on partial failure".
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
	"github.com/amanmcp/hybridmemory/internal/textindex"
	"github.com/amanmcp/hybridmemory/internal/vectorindex"
)

// DerivedUpdate is one best-effort write to a derived index, applied
// after the anchor commit succeeds.
type DerivedUpdate struct {
	ID        string
	Text      string    // empty means "no text-index change"
	Vector    []float32 // nil means "no vector-index change"
	Deleted   bool      // true removes ID from both derived indices
}

// RepairItem is a queued derived-index write that failed and needs a
// retry by the maintenance pass.
type RepairItem struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "vector" or "text"
	Reason    string    `json:"reason"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Coordinator applies the anchor-commit-then-best-effort-derive protocol.
type Coordinator struct {
	kv     *kvstore.Store
	vector *vectorindex.Index
	text   *textindex.Index
	log    *slog.Logger
}

// New builds a Coordinator over the given stores.
func New(kv *kvstore.Store, vector *vectorindex.Index, text *textindex.Index, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{kv: kv, vector: vector, text: text, log: log}
}

// Apply runs anchor inside a single kvstore transaction (the source of
// truth for the mutation), and only on success applies the derived
// vector/text updates. A derived-index failure is logged and queued in
// the repair namespace; it never rolls back the anchor commit and never
// fails the caller's operation.
func (c *Coordinator) Apply(ctx context.Context, anchor func(tx *kvstore.Tx) error, derived []DerivedUpdate) error {
	if err := c.kv.WithTx(ctx, anchor); err != nil {
		return err
	}

	for _, d := range derived {
		c.applyDerived(ctx, d)
	}
	return nil
}

func (c *Coordinator) applyDerived(ctx context.Context, d DerivedUpdate) {
	if d.Deleted {
		if err := c.vector.Delete(ctx, []string{d.ID}); err != nil {
			c.enqueueRepair(ctx, d.ID, "vector", err)
		}
		if err := c.text.Delete([]string{d.ID}); err != nil {
			c.enqueueRepair(ctx, d.ID, "text", err)
		}
		return
	}
	if d.Vector != nil {
		if err := c.vector.Add(ctx, d.ID, d.Vector); err != nil {
			c.enqueueRepair(ctx, d.ID, "vector", err)
		}
	}
	if d.Text != "" {
		if err := c.text.Index(d.ID, d.Text); err != nil {
			c.enqueueRepair(ctx, d.ID, "text", err)
		}
	}
}

func (c *Coordinator) enqueueRepair(ctx context.Context, id, kind string, cause error) {
	c.log.Warn("derived index update failed, queuing repair",
		"id", id, "kind", kind, "error", cause)

	item := RepairItem{ID: id, Kind: kind, Reason: cause.Error(), QueuedAt: time.Now()}
	data, err := json.Marshal(item)
	if err != nil {
		c.log.Error("failed to marshal repair item", "error", err)
		return
	}
	key := kind + ":" + id
	if err := c.kv.Put(ctx, kvstore.NSRepairQueue, key, data); err != nil {
		c.log.Error("failed to enqueue repair item", "error", err)
	}
}

// PendingRepairs returns every queued repair item.
func (c *Coordinator) PendingRepairs(ctx context.Context) ([]RepairItem, error) {
	var items []RepairItem
	err := c.kv.Scan(ctx, kvstore.NSRepairQueue, "", func(key string, value []byte) error {
		var item RepairItem
		if err := json.Unmarshal(value, &item); err != nil {
			return errtax.Wrap(errtax.Internal, err)
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

// ResolveRepair removes an item from the repair queue once the
// maintenance pass has successfully retried it.
func (c *Coordinator) ResolveRepair(ctx context.Context, kind, id string) error {
	return c.kv.Delete(ctx, kvstore.NSRepairQueue, kind+":"+id)
}
