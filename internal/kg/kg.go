// Package kg implements the typed knowledge graph: nodes (entities,
// documents, memories, episodes) and directed, typed edges between them,
// persisted in kvstore with adjacency indices kept in both directions so
// traversal never needs a table scan. Grounded on this codebase's
// namespaced-key adjacency idiom, generalized from an implicit
// file/chunk relationship into an explicit typed graph.
package kg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amanmcp/hybridmemory/internal/errtax"
	"github.com/amanmcp/hybridmemory/internal/kvstore"
)

// NodeType identifies what a graph node represents.
type NodeType string

const (
	NodeEntity   NodeType = "entity"
	NodeDocument NodeType = "document"
	NodeMemory   NodeType = "memory"
	NodeEpisode  NodeType = "episode"
)

// EdgeType identifies the semantics of a directed edge.
type EdgeType string

const (
	EdgeMentions  EdgeType = "MENTIONS"
	EdgeEvidence  EdgeType = "EVIDENCE"
	EdgeRelated   EdgeType = "RELATED"
	EdgePartOf    EdgeType = "PART_OF"
	EdgeOccurredIn EdgeType = "OCCURRED_IN"
)

// Node is a typed graph vertex.
type Node struct {
	ID     string            `json:"id"`
	Type   NodeType          `json:"type"`
	Label  string            `json:"label"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Edge is a typed, directed, weighted graph edge.
type Edge struct {
	ID     string   `json:"id"`
	From   string   `json:"from"`
	To     string   `json:"to"`
	Type   EdgeType `json:"type"`
	Weight float64  `json:"weight"`
}

// Graph is a kvstore-backed typed knowledge graph.
type Graph struct {
	store *kvstore.Store
}

// New wraps store as a typed knowledge graph.
func New(store *kvstore.Store) *Graph {
	return &Graph{store: store}
}

// UpsertNode writes a node record, creating or replacing it.
func (g *Graph) UpsertNode(ctx context.Context, tx *kvstore.Tx, n Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	return tx.Put(ctx, kvstore.NSGraphNode, n.ID, data)
}

// GetNode reads a node by id.
func (g *Graph) GetNode(ctx context.Context, id string) (Node, error) {
	data, err := g.store.Get(ctx, kvstore.NSGraphNode, id)
	if err != nil {
		return Node{}, err
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return Node{}, errtax.Wrap(errtax.Internal, err)
	}
	return n, nil
}

// DeleteNode removes a node and all edges touching it, within tx.
func (g *Graph) DeleteNode(ctx context.Context, tx *kvstore.Tx, id string) error {
	if err := tx.Delete(ctx, kvstore.NSGraphNode, id); err != nil {
		return err
	}

	outKeys, err := g.listAdjKeys(ctx, kvstore.NSGraphAdjOut, id)
	if err != nil {
		return err
	}
	for _, edgeID := range outKeys {
		if err := g.deleteEdgeLocked(ctx, tx, edgeID); err != nil {
			return err
		}
	}
	inKeys, err := g.listAdjKeys(ctx, kvstore.NSGraphAdjIn, id)
	if err != nil {
		return err
	}
	for _, edgeID := range inKeys {
		if err := g.deleteEdgeLocked(ctx, tx, edgeID); err != nil {
			return err
		}
	}
	return nil
}

// AddEdge writes an edge and both adjacency index entries, within tx. When
// autoCreate is false, both endpoints must already resolve to live nodes
// (Invariant G1: every persisted edge's endpoints resolve to live nodes);
// otherwise AddEdge returns a Conflict-coded MissingEndpoint error instead
// of persisting a dangling edge. When autoCreate is true, the caller is
// responsible for having upserted any missing endpoint nodes in the same
// transaction before calling AddEdge.
func (g *Graph) AddEdge(ctx context.Context, tx *kvstore.Tx, e Edge, autoCreate bool) error {
	if !autoCreate {
		fromOK, err := g.nodeExistsTx(ctx, tx, e.From)
		if err != nil {
			return err
		}
		toOK, err := g.nodeExistsTx(ctx, tx, e.To)
		if err != nil {
			return err
		}
		if !fromOK || !toOK {
			return errtax.Conflictf("missing endpoint for edge %s (%s -> %s)", e.ID, e.From, e.To).WithDetail("reason", "MissingEndpoint")
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	if err := tx.Put(ctx, kvstore.NSGraphEdge, e.ID, data); err != nil {
		return err
	}
	if err := tx.Put(ctx, kvstore.NSGraphAdjOut, adjKey(e.From, e.ID), []byte(e.ID)); err != nil {
		return err
	}
	return tx.Put(ctx, kvstore.NSGraphAdjIn, adjKey(e.To, e.ID), []byte(e.ID))
}

// UpsertEpisode records that srcID (a memory) occurred during episodeID,
// creating the Episode node on first reference (subsequent references
// leave its recorded start_ts alone) and always adding a fresh
// OCCURRED_IN edge from srcID to it. A no-op when episodeID is empty.
func (g *Graph) UpsertEpisode(ctx context.Context, tx *kvstore.Tx, srcID, episodeID, sessionID string, at time.Time) error {
	if episodeID == "" {
		return nil
	}
	exists, err := g.nodeExistsTx(ctx, tx, episodeID)
	if err != nil {
		return err
	}
	if !exists {
		if err := g.UpsertNode(ctx, tx, Node{
			ID:    episodeID,
			Type:  NodeEpisode,
			Label: episodeID,
			Fields: map[string]string{
				"session_id": sessionID,
				"start_ts":   at.UTC().Format(time.RFC3339),
			},
		}); err != nil {
			return err
		}
	}
	return g.AddEdge(ctx, tx, Edge{
		ID: srcID + "->" + episodeID, From: srcID, To: episodeID, Type: EdgeOccurredIn, Weight: 1,
	}, true)
}

func (g *Graph) nodeExistsTx(ctx context.Context, tx *kvstore.Tx, id string) (bool, error) {
	_, err := tx.Get(ctx, kvstore.NSGraphNode, id)
	if errtax.CodeOf(err) == errtax.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func adjKey(nodeID, edgeID string) string {
	return fmt.Sprintf("%s:%s", nodeID, edgeID)
}

func (g *Graph) deleteEdgeLocked(ctx context.Context, tx *kvstore.Tx, edgeID string) error {
	data, err := tx.Get(ctx, kvstore.NSGraphEdge, edgeID)
	if errtax.CodeOf(err) == errtax.NotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var e Edge
	if err := json.Unmarshal(data, &e); err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	if err := tx.Delete(ctx, kvstore.NSGraphEdge, edgeID); err != nil {
		return err
	}
	if err := tx.Delete(ctx, kvstore.NSGraphAdjOut, adjKey(e.From, edgeID)); err != nil {
		return err
	}
	return tx.Delete(ctx, kvstore.NSGraphAdjIn, adjKey(e.To, edgeID))
}

func (g *Graph) listAdjKeys(ctx context.Context, namespace, nodeID string) ([]string, error) {
	var edgeIDs []string
	err := g.store.Scan(ctx, namespace, nodeID+":", func(key string, value []byte) error {
		edgeIDs = append(edgeIDs, string(value))
		return nil
	})
	return edgeIDs, err
}

// OutEdges returns edges leaving nodeID.
func (g *Graph) OutEdges(ctx context.Context, nodeID string) ([]Edge, error) {
	ids, err := g.listAdjKeys(ctx, kvstore.NSGraphAdjOut, nodeID)
	if err != nil {
		return nil, err
	}
	return g.loadEdges(ctx, ids)
}

// InEdges returns edges arriving at nodeID.
func (g *Graph) InEdges(ctx context.Context, nodeID string) ([]Edge, error) {
	ids, err := g.listAdjKeys(ctx, kvstore.NSGraphAdjIn, nodeID)
	if err != nil {
		return nil, err
	}
	return g.loadEdges(ctx, ids)
}

func (g *Graph) loadEdges(ctx context.Context, ids []string) ([]Edge, error) {
	edges := make([]Edge, 0, len(ids))
	for _, id := range ids {
		data, err := g.store.Get(ctx, kvstore.NSGraphEdge, id)
		if errtax.CodeOf(err) == errtax.NotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Edge
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, errtax.Wrap(errtax.Internal, err)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// FindEntitiesByName scans entity nodes for a label (case-insensitive)
// that equals the query, starts with it, or occurs inside it, returning
// at most limit hits. Used by the
// fusion retriever's graph branch to seed a traversal from query terms.
func (g *Graph) FindEntitiesByName(ctx context.Context, query string, limit int) ([]Node, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" || limit <= 0 {
		return nil, nil
	}

	var hits []Node
	err := g.store.Scan(ctx, kvstore.NSGraphNode, "", func(key string, value []byte) error {
		if len(hits) >= limit {
			return nil
		}
		var n Node
		if err := json.Unmarshal(value, &n); err != nil {
			return errtax.Wrap(errtax.Internal, err)
		}
		if n.Type != NodeEntity {
			return nil
		}
		label := strings.ToLower(n.Label)
		if label == needle || strings.HasPrefix(label, needle) || strings.Contains(needle, label) {
			hits = append(hits, n)
		}
		return nil
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, err
}

// TraversalHit is one node reached by Traverse, with its hop distance.
type TraversalHit struct {
	NodeID string
	Hops   int
	Weight float64 // weight of the edge that first reached the node, divided by 1+Hops; not summed along the path
}

// Traverse performs a breadth-first search from start out to maxHops,
// following edges in both directions, and returns every reached node with
// its hop distance and a weight discounted by 1/(1+hops) so closer nodes
// dominate downstream fusion scoring. relationFilter, when non-empty,
// restricts which edge types are followed; a nil/empty filter follows
// every edge type.
func (g *Graph) Traverse(ctx context.Context, start string, maxHops int, relationFilter []EdgeType) ([]TraversalHit, error) {
	allowed := make(map[EdgeType]bool, len(relationFilter))
	for _, t := range relationFilter {
		allowed[t] = true
	}

	visited := map[string]int{start: 0}
	frontier := []string{start}
	var hits []TraversalHit

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, nodeID := range frontier {
			out, err := g.OutEdges(ctx, nodeID)
			if err != nil {
				return nil, err
			}
			in, err := g.InEdges(ctx, nodeID)
			if err != nil {
				return nil, err
			}
			neighbors := make([]Edge, 0, len(out)+len(in))
			neighbors = append(neighbors, out...)
			neighbors = append(neighbors, in...)

			for _, e := range neighbors {
				if len(allowed) > 0 && !allowed[e.Type] {
					continue
				}
				other := e.To
				if other == nodeID {
					other = e.From
				}
				if _, seen := visited[other]; seen {
					continue
				}
				visited[other] = hop
				next = append(next, other)
				hits = append(hits, TraversalHit{
					NodeID: other,
					Hops:   hop,
					Weight: e.Weight / float64(1+hop),
				})
			}
		}
		frontier = next
	}
	return hits, nil
}
