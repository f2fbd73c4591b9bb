// Package chunker implements the token-aware segmentation stage (spec
// §4.5): split long content on paragraph boundaries, never inside a
// sentence, each chunk under a per-chunk token cap, with the top-level
// metadata header carried on every chunk.
package chunker

import (
	"regexp"
	"strings"
)

// Chunk is one independently-summarizable slice of the source content.
type Chunk struct {
	Index         int
	Text          string // includes the metadata header
	ApproxTokens  int
}

// approxTokens estimates token count by byte length, per spec §5's
// "streaming memory discipline": approximate by byte length when an exact
// count is not critical.
func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

var sentenceBoundary = regexp.MustCompile(`[.!?]["')\]]?\s+`)

// Plan decides whether content needs chunking at all, and if the combined
// size exceeds chunkCap * maxChunks, reports that long-context routing is
// required instead of chunking.
type Plan struct {
	NeedsChunking    bool
	NeedsLongContext bool
}

// Decide evaluates content against the primary model's window and the
// configured chunk cap/max-chunk count (spec §4.5).
func Decide(metadataHeader, content string, primaryWindowTokens, chunkTokenCap, maxChunks int) Plan {
	total := approxTokens(metadataHeader) + approxTokens(content)
	if total <= primaryWindowTokens {
		return Plan{}
	}
	if total > chunkTokenCap*maxChunks {
		return Plan{NeedsLongContext: true}
	}
	return Plan{NeedsChunking: true}
}

// Split segments content into chunks on paragraph boundaries, each capped
// at chunkTokenCap tokens, never splitting a sentence, reading order
// preserved, zero overlap, every chunk prefixed with metadataHeader.
func Split(metadataHeader, content string, chunkTokenCap int) []Chunk {
	paragraphs := splitParagraphs(content)
	headerTokens := approxTokens(metadataHeader)
	budget := chunkTokenCap - headerTokens
	if budget < 1 {
		budget = chunkTokenCap
	}

	var chunks []Chunk
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		text := metadataHeader + "\n\n" + strings.TrimSpace(current.String())
		chunks = append(chunks, Chunk{Index: len(chunks), Text: text, ApproxTokens: approxTokens(text)})
		current.Reset()
		currentTokens = 0
	}

	for _, para := range paragraphs {
		paraTokens := approxTokens(para)
		if paraTokens > budget {
			for _, sentence := range splitSentences(para) {
				sTokens := approxTokens(sentence)
				if currentTokens+sTokens > budget && currentTokens > 0 {
					flush()
				}
				current.WriteString(sentence)
				current.WriteByte(' ')
				currentTokens += sTokens
			}
			continue
		}
		if currentTokens+paraTokens > budget && currentTokens > 0 {
			flush()
		}
		current.WriteString(para)
		current.WriteString("\n\n")
		currentTokens += paraTokens
	}
	flush()

	if len(chunks) == 0 {
		chunks = []Chunk{{Index: 0, Text: metadataHeader + "\n\n" + content, ApproxTokens: approxTokens(content)}}
	}
	return chunks
}

func splitParagraphs(content string) []string {
	raw := strings.Split(content, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitSentences breaks an over-long paragraph at sentence boundaries so
// no chunk ever cuts a sentence in half.
func splitSentences(paragraph string) []string {
	locs := sentenceBoundary.FindAllStringIndex(paragraph, -1)
	if len(locs) == 0 {
		return []string{paragraph}
	}
	var out []string
	start := 0
	for _, loc := range locs {
		out = append(out, strings.TrimSpace(paragraph[start:loc[1]]))
		start = loc[1]
	}
	if start < len(paragraph) {
		out = append(out, strings.TrimSpace(paragraph[start:]))
	}
	return out
}
