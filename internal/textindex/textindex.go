// Package textindex implements the BM25-scored keyword index on top of
// github.com/blevesearch/bleve/v2, with a camelCase/snake_case-aware
// custom tokenizer (wired into bleve as a custom analyzer, the same way
// this codebase's own BleveBM25Index registers its code tokenizer) so
// pasted identifiers in memory/document content are searchable both
// whole and by part. A side table caches each document's raw content,
// since bleve itself stores field values but exposes no cheap "list
// every id" call; the cache also lets Save migrate an in-memory index
// to a disk-backed one without bleve's own on-disk re-index tooling.
package textindex

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"

	"github.com/amanmcp/hybridmemory/internal/errtax"
)

const (
	analyzerName  = "hybridmemory_text_analyzer"
	tokenizerName = "hybridmemory_text_tokenizer"

	// defaultMinTokenLength is used by the registered tokenizer
	// constructor, which (like this codebase's own code-tokenizer
	// registration) has no access to a particular Index's Config.
	defaultMinTokenLength = 2
)

func init() {
	_ = registry.RegisterTokenizer(tokenizerName, tokenizerConstructor)
}

// Config holds the index's tuning values. Ranking is bleve's own hit
// score; K1 and B are stored (with defaults applied) but neither the
// ranking nor the TermMatch explain computation reads them.
// MinTokenLength applies to query tokenization and Stats only; the
// registered content tokenizer always uses defaultMinTokenLength.
type Config struct {
	K1             float64
	B              float64
	MinTokenLength int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{K1: 1.2, B: 0.75, MinTokenLength: 2}
}

func applyDefaults(cfg Config) Config {
	if cfg.K1 <= 0 {
		cfg.K1 = 1.2
	}
	if cfg.B < 0 {
		cfg.B = 0.75
	}
	if cfg.MinTokenLength <= 0 {
		cfg.MinTokenLength = 2
	}
	return cfg
}

// TermMatch is one query term's TF/IDF breakdown for a hit (Score is
// IDF*TF), used to populate the fusion retriever's explain field. It is
// computed separately from bleve's hit score and does not sum to it.
type TermMatch struct {
	Term  string
	TF    int
	IDF   float64
	Score float64
}

// Result is one scored hit, ranked by bleve's own relevance score.
type Result struct {
	ID      string
	Score   float64
	Matches []TermMatch
}

type bleveDoc struct {
	Content string `json:"content"`
}

// Index is a concurrency-safe BM25 keyword index backed by a bleve.Index.
type Index struct {
	cfg Config

	mu       sync.RWMutex
	index    bleve.Index
	docs     map[string]string // id -> content, side cache (see package doc)
	diskPath string
}

// New creates an empty, in-memory index.
func New(cfg Config) *Index {
	cfg = applyDefaults(cfg)
	m, err := createIndexMapping()
	if err != nil {
		m = bleve.NewIndexMapping()
	}
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		idx, _ = bleve.NewMemOnly(bleve.NewIndexMapping())
	}
	return &Index{cfg: cfg, index: idx, docs: make(map[string]string)}
}

func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	if err := im.AddCustomAnalyzer(analyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": tokenizerName,
		"token_filters": []string{
			lowercase.Name,
		},
	}); err != nil {
		return nil, fmt.Errorf("add custom analyzer: %w", err)
	}
	im.DefaultAnalyzer = analyzerName
	return im, nil
}

// Index adds or replaces the document's content. Re-indexing an existing
// id replaces its prior content, since bleve treats Index as an upsert
// keyed by id.
func (idx *Index) Index(docID, content string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	batch := idx.index.NewBatch()
	if err := batch.Index(docID, bleveDoc{Content: content}); err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("index document %s: %w", docID, err))
	}
	if err := idx.index.Batch(batch); err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("execute batch: %w", err))
	}
	idx.docs[docID] = content
	return nil
}

// Delete removes documents from the index.
func (idx *Index) Delete(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	batch := idx.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := idx.index.Batch(batch); err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("delete documents: %w", err))
	}
	for _, id := range ids {
		delete(idx.docs, id)
	}
	return nil
}

// Search returns the top k documents by bleve's own relevance score, with
// a per-query-term TF/IDF breakdown for the fusion retriever's explain
// field.
func (idx *Index) Search(query string, k int) ([]Result, error) {
	terms := dedupe(Tokenize(query, idx.cfg.MinTokenLength))
	if len(terms) == 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	mq := bleve.NewMatchQuery(query)
	mq.SetField("content")

	req := bleve.NewSearchRequest(mq)
	if k > 0 {
		req.Size = k
	} else {
		req.Size = 10
	}
	req.IncludeLocations = true

	res, err := idx.index.SearchInContext(context.Background(), req)
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("bleve search: %w", err))
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, Result{
			ID:      hit.ID,
			Score:   hit.Score,
			Matches: idx.termMatchesLocked(hit, terms),
		})
	}
	return results, nil
}

// termMatchesLocked must be called with idx.mu held (read or write).
func (idx *Index) termMatchesLocked(hit *search.DocumentMatch, terms []string) []TermMatch {
	locs := hit.Locations["content"]
	var matches []TermMatch
	for _, term := range terms {
		locations, ok := locs[term]
		if !ok {
			continue
		}
		tf := len(locations)
		idf := idx.termIDFLocked(term)
		matches = append(matches, TermMatch{
			Term:  term,
			TF:    tf,
			IDF:   idf,
			Score: idf * float64(tf),
		})
	}
	return matches
}

// termIDFLocked estimates a term's BM25-style IDF from bleve's own
// document frequency, for the explain breakdown only; it does not
// influence ranking, which is bleve's own hit.Score. Must be called with
// idx.mu held.
func (idx *Index) termIDFLocked(term string) float64 {
	docCount, err := idx.index.DocCount()
	if err != nil || docCount == 0 {
		return 0
	}
	tq := bleve.NewTermQuery(term)
	tq.SetField("content")
	req := bleve.NewSearchRequest(tq)
	req.Size = 0

	res, err := idx.index.Search(req)
	if err != nil || res.Total == 0 {
		return 0
	}
	df := float64(res.Total)
	return math.Log(1 + (float64(docCount)-df+0.5)/(df+0.5))
}

// AllIDs returns every indexed document id.
func (idx *Index) AllIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]string, 0, len(idx.docs))
	for id := range idx.docs {
		ids = append(ids, id)
	}
	return ids
}

// Stats describes index size, for system.status.
type Stats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	docCount, _ := idx.index.DocCount()
	var totalLen int
	for _, content := range idx.docs {
		totalLen += len(Tokenize(content, idx.cfg.MinTokenLength))
	}
	avg := 0.0
	if docCount > 0 {
		avg = float64(totalLen) / float64(docCount)
	}
	return Stats{
		DocumentCount: int(docCount),
		TermCount:     idx.termCountLocked(),
		AvgDocLength:  avg,
	}
}

// termCountLocked walks bleve's field dictionary for "content" to count
// distinct terms. Must be called with idx.mu held.
func (idx *Index) termCountLocked() int {
	fd, err := idx.index.FieldDict("content")
	if err != nil {
		return 0
	}
	defer fd.Close()

	n := 0
	for {
		entry, err := fd.Next()
		if err != nil || entry == nil {
			break
		}
		n++
	}
	return n
}

// Save migrates the index to a disk-backed bleve index rooted at path,
// re-indexing every cached document. Subsequent saves to the same path
// are a no-op, since bleve writes every batch through to disk itself
// once the index is disk-backed.
func (idx *Index) Save(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.diskPath == path {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	m, err := createIndexMapping()
	if err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("build index mapping: %w", err))
	}
	_ = os.RemoveAll(path)
	disk, err := bleve.New(path, m)
	if err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("create disk index: %w", err))
	}

	batch := disk.NewBatch()
	for id, content := range idx.docs {
		if err := batch.Index(id, bleveDoc{Content: content}); err != nil {
			disk.Close()
			return errtax.Wrap(errtax.Internal, fmt.Errorf("index document %s: %w", id, err))
		}
	}
	if err := disk.Batch(batch); err != nil {
		disk.Close()
		return errtax.Wrap(errtax.Internal, fmt.Errorf("execute batch: %w", err))
	}

	if err := idx.index.Close(); err != nil {
		disk.Close()
		return errtax.Wrap(errtax.Internal, fmt.Errorf("close prior index: %w", err))
	}
	idx.index = disk
	idx.diskPath = path
	return nil
}

// Load opens a disk-backed index written by Save. A missing path is not
// an error; the caller gets a fresh empty index.
func Load(path string) (*Index, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(DefaultConfig()), nil
	}

	disk, err := bleve.Open(path)
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, fmt.Errorf("open text index: %w", err))
	}

	idx := &Index{cfg: DefaultConfig(), index: disk, docs: make(map[string]string), diskPath: path}
	if err := idx.rehydrateDocs(); err != nil {
		disk.Close()
		return nil, err
	}
	return idx, nil
}

// rehydrateDocs repopulates the id->content side cache from the stored
// "content" field after opening a disk index fresh.
func (idx *Index) rehydrateDocs() error {
	docCount, err := idx.index.DocCount()
	if err != nil {
		return errtax.Wrap(errtax.Internal, err)
	}
	if docCount == 0 {
		return nil
	}

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)
	req.Fields = []string{"content"}

	res, err := idx.index.Search(req)
	if err != nil {
		return errtax.Wrap(errtax.Internal, fmt.Errorf("enumerate documents: %w", err))
	}
	for _, hit := range res.Hits {
		content, _ := hit.Fields["content"].(string)
		idx.docs[hit.ID] = content
	}
	return nil
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize splits text into lowercase tokens, further splitting
// camelCase/snake_case compounds so pasted identifiers in memory/document
// content are searchable both whole and by part. Used both as the query
// analyzer for explain-term extraction and, wrapped in a bleve
// analysis.Tokenizer below, as the index's own content analyzer.
func Tokenize(text string, minLen int) []string {
	var tokens []string
	for _, word := range tokenPattern.FindAllString(text, -1) {
		for _, part := range splitCompound(word) {
			lower := strings.ToLower(part)
			if len([]rune(lower)) >= minLen {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func splitCompound(token string) []string {
	if strings.Contains(token, "_") {
		var out []string
		for _, p := range strings.Split(token, "_") {
			if p != "" {
				out = append(out, splitCamel(p)...)
			}
		}
		return out
	}
	return splitCamel(token)
}

func splitCamel(s string) []string {
	if s == "" {
		return []string{}
	}
	var result []string
	var cur strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			if prevLower {
				result = append(result, cur.String())
				cur.Reset()
			}
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		result = append(result, cur.String())
	}
	return result
}

func tokenizerConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &contentTokenizer{}, nil
}

// contentTokenizer wraps Tokenize as a bleve analysis.Tokenizer, mirroring
// this codebase's own bleveCodeTokenizer wrapping TokenizeCode.
type contentTokenizer struct{}

func (t *contentTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := Tokenize(text, defaultMinTokenLength)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)
		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}
