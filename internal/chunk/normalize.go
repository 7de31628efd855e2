// Package chunk turns raw fetched HTML into normalized prose and splits it
// into bounded, overlapping chunks, the unit of embedding and retrieval.
package chunk

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

var (
	spaceRuns   = regexp.MustCompile(`[ \t\x{00a0}]+`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
)

// Normalizer strips markup and boilerplate down to prose text.
// Output is deterministic for identical input: the same HTML always yields
// the same normalized text.
type Normalizer struct{}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize extracts readable prose from rawHTML. Readability-based article
// extraction is tried first; pages it cannot parse (fragments, non-article
// markup) fall back to a plain tag strip. Whitespace is collapsed so that
// downstream chunk boundaries do not depend on source formatting.
//
// Empty or whitespace-only input yields an empty string, not an error.
func (n *Normalizer) Normalize(pageURL, rawHTML string) (string, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return "", nil
	}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parsing source URL %q: %w", pageURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsed)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return collapseWhitespace(article.TextContent), nil
	}

	text, err := stripTags(rawHTML)
	if err != nil {
		return "", fmt.Errorf("extracting text from %q: %w", pageURL, err)
	}
	return collapseWhitespace(text), nil
}

// stripTags removes script/style subtrees and returns the concatenated text
// of the remaining block elements.
func stripTags(rawHTML string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, noscript, iframe, nav, header, footer").Remove()

	var sb strings.Builder
	doc.Find("body").Each(func(_ int, sel *goquery.Selection) {
		sb.WriteString(sel.Text())
	})
	if sb.Len() == 0 {
		// Fragment without a body element.
		sb.WriteString(doc.Text())
	}
	return sb.String(), nil
}

// collapseWhitespace canonicalizes whitespace: CRLF to LF, runs of spaces to
// one space, three or more newlines to a paragraph break, trimmed lines.
func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRuns.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = newlineRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
