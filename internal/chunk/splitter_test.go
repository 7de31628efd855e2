package chunk

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

const testURL = "https://example.com/post"

// prose returns n distinct sentences of roughly 105 characters each.
func prose(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "The quick brown fox number %02d jumps over the lazy dog near the quiet river bank at dawn every single day. ", i)
	}
	return strings.TrimSpace(sb.String())
}

func mustSplitter(t *testing.T, maxChars, overlap int) *Splitter {
	t.Helper()
	s, err := NewSplitter(maxChars, overlap)
	if err != nil {
		t.Fatalf("NewSplitter(%d, %d): %v", maxChars, overlap, err)
	}
	return s
}

func TestNewSplitter_Validation(t *testing.T) {
	if _, err := NewSplitter(0, 0); err == nil {
		t.Error("expected error for zero maxChars")
	}
	if _, err := NewSplitter(100, 100); err == nil {
		t.Error("expected error for overlap == maxChars")
	}
	if _, err := NewSplitter(100, -1); err == nil {
		t.Error("expected error for negative overlap")
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	s := mustSplitter(t, 800, 100)

	for _, input := range []string{"", "   ", "\n\n"} {
		if got := s.Split(testURL, input); len(got) != 0 {
			t.Errorf("Split(%q) = %d chunks, want 0", input, len(got))
		}
	}
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	s := mustSplitter(t, 800, 100)

	chunks := s.Split(testURL, "One short sentence. And another one.")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != "One short sentence. And another one." {
		t.Errorf("chunk text = %q", chunks[0].Text)
	}
	if chunks[0].Index != 0 {
		t.Errorf("Index = %d, want 0", chunks[0].Index)
	}
	if chunks[0].SourceURL != testURL {
		t.Errorf("SourceURL = %q", chunks[0].SourceURL)
	}
	if chunks[0].Hash != HashText(chunks[0].Text) {
		t.Error("Hash does not match HashText of chunk text")
	}
}

// Twelve ~95-char sentences come to roughly 1200 characters of prose; with
// chunk size 800 and overlap 100 they must pack into exactly two chunks.
func TestSplit_TwelveHundredCharsTwoChunks(t *testing.T) {
	s := mustSplitter(t, 800, 100)
	text := prose(12)

	if n := utf8.RuneCountInString(text); n < 1100 || n > 1300 {
		t.Fatalf("fixture length %d runes, want ~1200", n)
	}

	chunks := s.Split(testURL, text)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has Index %d", i, c.Index)
		}
		if n := utf8.RuneCountInString(c.Text); n > 800 {
			t.Errorf("chunk %d is %d runes, exceeds 800", i, n)
		}
	}
}

func TestSplit_OverlapCarriesTail(t *testing.T) {
	s := mustSplitter(t, 800, 100)
	chunks := s.Split(testURL, prose(12))
	if len(chunks) < 2 {
		t.Fatalf("need at least 2 chunks, got %d", len(chunks))
	}

	// The second chunk starts with text that already appeared at the end of
	// the first.
	seed := strings.SplitN(chunks[1].Text, ".", 2)[0]
	if !strings.Contains(chunks[0].Text, seed) {
		t.Errorf("chunk 1 does not begin with overlap from chunk 0: %q", seed)
	}
}

func TestSplit_NoOverlapConfigured(t *testing.T) {
	s := mustSplitter(t, 200, 0)
	chunks := s.Split(testURL, prose(6))

	for i := 1; i < len(chunks); i++ {
		first := strings.SplitN(chunks[i].Text, ".", 2)[0]
		if strings.Contains(chunks[i-1].Text, first+".") {
			t.Errorf("chunk %d repeats text from chunk %d with overlap 0", i, i-1)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	s := mustSplitter(t, 300, 50)
	text := prose(10)

	a := s.Split(testURL, text)
	b := s.Split(testURL, text)

	if len(a) != len(b) {
		t.Fatalf("run lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Text != b[i].Text || a[i].Index != b[i].Index || a[i].Hash != b[i].Hash {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestSplit_OversizedSentenceHardWrapped(t *testing.T) {
	s := mustSplitter(t, 100, 20)
	long := strings.Repeat("x", 250) + "."

	chunks := s.Split(testURL, long)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want >= 3 for a 251-rune sentence at size 100", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c.Text); n > 100 {
			t.Errorf("chunk %d is %d runes, exceeds 100", i, n)
		}
	}
}

func TestSplit_MultibyteRuneBoundaries(t *testing.T) {
	s := mustSplitter(t, 10, 0)
	text := strings.Repeat("héllo wörld ", 5)

	for i, c := range s.Split(testURL, text) {
		if !utf8.ValidString(c.Text) {
			t.Errorf("chunk %d contains invalid UTF-8", i)
		}
	}
}

func TestSplit_DuplicatePiecesDeduped(t *testing.T) {
	s := mustSplitter(t, 50, 0)
	// Two long identical sentences land in separate identical pieces.
	text := strings.Repeat("a", 49) + ". " + strings.Repeat("a", 49) + "."

	chunks := s.Split(testURL, text)
	seen := make(map[string]bool)
	for _, c := range chunks {
		if seen[c.Hash] {
			t.Fatalf("duplicate hash %s within one document version", c.Hash)
		}
		seen[c.Hash] = true
	}
}

func TestSplit_UniqueIDs(t *testing.T) {
	s := mustSplitter(t, 200, 0)
	chunks := s.Split(testURL, prose(8))

	ids := make(map[string]bool)
	for _, c := range chunks {
		if c.ID == "" || ids[c.ID] {
			t.Fatalf("chunk ID %q empty or duplicated", c.ID)
		}
		ids[c.ID] = true
	}
}

func TestHashText(t *testing.T) {
	if HashText("a") == HashText("b") {
		t.Error("distinct inputs must not collide")
	}
	if HashText("same") != HashText("same") {
		t.Error("hash must be stable")
	}
	if len(HashText("x")) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(HashText("x")))
	}
}
