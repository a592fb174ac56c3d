package kg

import (
	"context"
	"regexp"
	"strings"

	"github.com/amanmcp/hybridmemory/internal/kvstore"
)

var entityPattern = regexp.MustCompile(`[A-Z][\w-]{2,}`)

// entityStopWords filters common capitalized sentence-leading words out of
// extraction, the same FilterStopWords/BuildStopWordMap idiom this
// codebase's own tokenizer uses for its own stop list.
var entityStopWords = buildStopWordMap([]string{
	"the", "and", "for", "with", "this", "that", "from", "have", "will",
	"were", "been", "into", "about", "which", "their", "these", "those",
	"when", "what", "where", "there", "than", "then", "also",
})

func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}

// ExtractEntities applies the documented rule: tokens matching
// [A-Z][\w-]{2,} whose lowercased form is not a stopword, deduplicated in
// order of first appearance. Used on both memory ingest and document
// chunk ingest to seed MENTIONS edges.
func ExtractEntities(text string) []string {
	matches := entityPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		lower := strings.ToLower(m)
		if _, stop := entityStopWords[lower]; stop {
			continue
		}
		if seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, m)
	}
	return out
}

// entityID derives a stable node id for an extracted entity name, so
// re-extracting the same name from a different source upserts the same
// node rather than creating a duplicate.
func entityID(name string) string {
	return "entity:" + strings.ToLower(strings.TrimSpace(name))
}

// ResyncMentions replaces srcID's MENTIONS edges with the ones derived from
// names: edges to entities no longer mentioned are removed, edges to newly
// mentioned entities are added, and edges to still-mentioned entities are
// left alone. Used by memory.update when content changes, per the
// documented re-extraction-on-update behavior.
func (g *Graph) ResyncMentions(ctx context.Context, tx *kvstore.Tx, srcID string, names []string) error {
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[entityID(name)] = true
	}

	existing, err := g.OutEdges(ctx, srcID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Type != EdgeMentions {
			continue
		}
		if want[e.To] {
			continue
		}
		if err := g.deleteEdgeLocked(ctx, tx, e.ID); err != nil {
			return err
		}
	}

	return g.UpsertMentions(ctx, tx, srcID, names)
}

// UpsertMentions upserts an Entity node for each extracted name and a
// MENTIONS edge from srcID to it, auto-creating the entity endpoint since
// it may not exist yet. Extraction failures never abort ingest; this is
// always called with an already-extracted name list, so there is nothing
// to fail here beyond the underlying store.
func (g *Graph) UpsertMentions(ctx context.Context, tx *kvstore.Tx, srcID string, names []string) error {
	for _, name := range names {
		id := entityID(name)
		if err := g.UpsertNode(ctx, tx, Node{ID: id, Type: NodeEntity, Label: name}); err != nil {
			return err
		}
		if err := g.AddEdge(ctx, tx, Edge{
			ID: srcID + "->" + id, From: srcID, To: id, Type: EdgeMentions, Weight: 1,
		}, true); err != nil {
			return err
		}
	}
	return nil
}
