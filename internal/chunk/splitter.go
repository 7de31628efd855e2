package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Chunk is a bounded slice of normalized document text.
// Chunks are owned by the source document that produced them and are
// replaced as a set when the source is re-ingested; IDs are not stable
// across re-ingestion.
type Chunk struct {
	ID        string // opaque identifier
	SourceURL string
	Index     int    // ordinal within the source document
	Text      string
	Hash      string // sha256 hex digest of Text
}

// HashText returns the content fingerprint used for chunk identity and for
// embedding cache keys.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// sentencePattern matches a sentence including its terminal punctuation and
// any trailing closing quotes/brackets, or a trailing fragment without one.
var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+["')\]]*|[^.!?]+$`)

// Splitter splits normalized text into chunks on sentence boundaries under a
// maximum size in runes, carrying a configurable overlap from the tail of
// each chunk into the next to preserve context continuity.
//
// Splitting is deterministic: the same text with the same configuration
// yields identical chunk boundaries and ordering. Only chunk IDs differ
// between runs.
type Splitter struct {
	maxChars int
	overlap  int
}

// NewSplitter creates a Splitter. maxChars must be positive and overlap must
// be in [0, maxChars).
func NewSplitter(maxChars, overlap int) (*Splitter, error) {
	if maxChars < 1 {
		return nil, fmt.Errorf("maxChars must be positive, got %d", maxChars)
	}
	if overlap < 0 || overlap >= maxChars {
		return nil, fmt.Errorf("overlap must be in [0, maxChars), got %d (maxChars %d)", overlap, maxChars)
	}
	return &Splitter{maxChars: maxChars, overlap: overlap}, nil
}

// Split splits text into ordered chunks attributed to sourceURL.
// Empty or whitespace-only input yields zero chunks.
func (s *Splitter) Split(sourceURL, text string) []Chunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var pieces []string
	var cur []rune

	flush := func() {
		if len(cur) > 0 {
			pieces = append(pieces, string(cur))
			cur = nil
		}
	}

	for _, sent := range sentences {
		runes := []rune(sent)

		// A single sentence over the budget is hard-wrapped at rune
		// boundaries; sentence packing cannot help it.
		if len(runes) > s.maxChars {
			flush()
			for start := 0; start < len(runes); start += s.maxChars {
				end := min(start+s.maxChars, len(runes))
				pieces = append(pieces, string(runes[start:end]))
			}
			continue
		}

		if len(cur) > 0 && len(cur)+1+len(runes) > s.maxChars {
			prev := string(cur)
			flush()
			cur = s.overlapSeed(prev, len(runes))
		}
		if len(cur) > 0 {
			cur = append(cur, ' ')
		}
		cur = append(cur, runes...)
	}
	flush()

	chunks := make([]Chunk, 0, len(pieces))
	seen := make(map[string]struct{}, len(pieces))
	for _, piece := range pieces {
		hash := HashText(piece)
		// Chunk hashes are unique within a document version; highly
		// repetitive sources can produce identical pieces, which would
		// collide in the store and the embedding cache.
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}

		chunks = append(chunks, Chunk{
			ID:        uuid.NewString(),
			SourceURL: sourceURL,
			Index:     len(chunks),
			Text:      piece,
			Hash:      hash,
		})
	}
	return chunks
}

// overlapSeed returns the tail of the previous chunk that seeds the next
// one. The seed is shortened so that seed + next sentence stays under the
// budget, and its start is advanced to a word boundary.
func (s *Splitter) overlapSeed(prev string, nextLen int) []rune {
	if s.overlap == 0 {
		return nil
	}

	budget := s.maxChars - nextLen - 1
	n := min(s.overlap, budget)
	if n <= 0 {
		return nil
	}

	runes := []rune(prev)
	if len(runes) <= n {
		return append([]rune(nil), runes...)
	}
	tail := runes[len(runes)-n:]

	// Do not start the seed mid-word.
	for i, r := range tail {
		if unicode.IsSpace(r) {
			return append([]rune(nil), tail[i+1:]...)
		}
	}
	return append([]rune(nil), tail...)
}

// splitSentences splits normalized text into trimmed sentences, paragraph by
// paragraph, preserving document order.
func splitSentences(text string) []string {
	var sentences []string
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, m := range sentencePattern.FindAllString(para, -1) {
			m = strings.TrimSpace(m)
			if m != "" {
				sentences = append(sentences, m)
			}
		}
	}
	return sentences
}
