package docpipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/amanmcp/hybridmemory/internal/errtax"
)

// SourceFormat identifies how a document's bytes should be parsed.
type SourceFormat string

const (
	FormatMarkdown SourceFormat = "md"
	FormatText     SourceFormat = "txt"
	FormatPDF      SourceFormat = "pdf"
)

// DetectFormat infers the source format from a file extension, defaulting
// to plain text for anything unrecognized.
func DetectFormat(path string) SourceFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	default:
		return FormatText
	}
}

// ParseOptions bounds how much of a document gets parsed.
type ParseOptions struct {
	MaxSizeBytes int64
	MaxPages     int
	Timeout      time.Duration
}

// Parse extracts canonical plain text from raw document bytes. Markdown
// and plain text go through the same line canonicalizer
// (canonicalizeText); markdown headings get no special marking. PDF is extracted page-wise via github.com/ledongthuc/pdf, bounded by
// opts.MaxPages — the one real PDF-extraction library that recurs across
// this project's broader dependency pool, adopted here because neither
// this codebase nor the hybrid system it's modeled on parses PDFs
// natively. See DESIGN.md.
func Parse(ctx context.Context, format SourceFormat, raw []byte, opts ParseOptions) (string, error) {
	if opts.MaxSizeBytes > 0 && int64(len(raw)) > opts.MaxSizeBytes {
		return "", errtax.InvalidInputf("document is %d bytes, exceeds max %d", len(raw), opts.MaxSizeBytes)
	}

	switch format {
	case FormatMarkdown, FormatText:
		return canonicalizeText(string(raw)), nil
	case FormatPDF:
		return parsePDF(raw, opts.MaxPages)
	default:
		return canonicalizeText(string(raw)), nil
	}
}

// canonicalizeText normalizes CRLF line endings to \n, strips trailing
// spaces and tabs from each line, collapses runs of blank lines to one,
// and trims leading/trailing whitespace. Markdown heading lines are kept
// as ordinary lines; no paragraph boundary is added around them.
func canonicalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var out []string
	blankRun := 0
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			blankRun++
			if blankRun <= 1 {
				out = append(out, "")
			}
			continue
		}
		blankRun = 0
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func parsePDF(raw []byte, maxPages int) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", errtax.Wrap(errtax.InvalidInput, fmt.Errorf("open pdf: %w", err))
	}

	numPages := reader.NumPage()
	if maxPages > 0 && numPages > maxPages {
		numPages = maxPages
	}

	var buf strings.Builder
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue // skip unreadable pages rather than fail the whole document
		}
		buf.WriteString(text)
		buf.WriteString("\n\n")
	}
	return canonicalizeText(buf.String()), nil
}

// ContentHash returns the SHA-256 hash of canonicalized content, used for
// (path, hash) dedup.
func ContentHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
