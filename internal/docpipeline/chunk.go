package docpipeline

import (
	"strings"
)

// Chunk is one piece of a document's text, sized and overlapped for
// embedding.
type Chunk struct {
	Index int
	Text  string
	Start int // byte offset into the canonicalized document text
	End   int
}

// ChunkText splits text into overlapping chunks between minChars and
// maxChars, preferring to break on paragraph boundaries and falling back
// to sentence boundaries when a paragraph alone exceeds maxChars.
// Grounded on this codebase's paragraph/sentence-boundary chunker,
// generalized from source code to prose/documents.
func ChunkText(text string, minChars, maxChars int, overlapRatio float64) []Chunk {
	if minChars <= 0 {
		minChars = 512
	}
	if maxChars <= 0 || maxChars < minChars {
		maxChars = minChars * 2
	}
	overlap := int(float64(maxChars) * overlapRatio)

	paragraphs := splitParagraphs(text)
	var chunks []Chunk
	var current strings.Builder
	startOffset := 0
	cursor := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		body := current.String()
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  body,
			Start: startOffset,
			End:   startOffset + len(body),
		})
		current.Reset()
	}

	for _, p := range paragraphs {
		if current.Len() > 0 && current.Len()+len(p) > maxChars {
			flush()
			tail := tailOverlap(chunks, overlap)
			startOffset = cursor - len(tail)
			if startOffset < 0 {
				startOffset = cursor
			}
			current.WriteString(tail)
		}

		if len(p) > maxChars {
			for _, sentence := range splitSentences(p, maxChars) {
				if current.Len() > 0 && current.Len()+len(sentence) > maxChars {
					flush()
					tail := tailOverlap(chunks, overlap)
					startOffset = cursor - len(tail)
					if startOffset < 0 {
						startOffset = cursor
					}
					current.WriteString(tail)
				}
				current.WriteString(sentence)
				cursor += len(sentence)
			}
			continue
		}

		current.WriteString(p)
		cursor += len(p)

		if current.Len() >= minChars {
			flush()
			tail := tailOverlap(chunks, overlap)
			startOffset = cursor - len(tail)
			if startOffset < 0 {
				startOffset = cursor
			}
			current.WriteString(tail)
		}
	}
	flush()

	return chunks
}

func tailOverlap(chunks []Chunk, overlap int) string {
	if len(chunks) == 0 || overlap <= 0 {
		return ""
	}
	last := chunks[len(chunks)-1].Text
	if len(last) <= overlap {
		return last
	}
	return last[len(last)-overlap:]
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			out = append(out, p+"\n\n")
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

// splitSentences breaks a too-large paragraph on sentence-ending
// punctuation, merging runs of short sentences up to maxChars.
func splitSentences(text string, maxChars int) []string {
	var sentences []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && cur.Len() > 0 {
			sentences = append(sentences, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		sentences = append(sentences, cur.String())
	}

	var merged []string
	var buf strings.Builder
	for _, s := range sentences {
		if buf.Len()+len(s) > maxChars && buf.Len() > 0 {
			merged = append(merged, buf.String())
			buf.Reset()
		}
		buf.WriteString(s)
	}
	if buf.Len() > 0 {
		merged = append(merged, buf.String())
	}
	return merged
}
