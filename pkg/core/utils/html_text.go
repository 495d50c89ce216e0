package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var blankRunRe = regexp.MustCompile(`\n{3,}`)

// HTMLToText extracts readable text from an HTML full-text artifact. OCR
// output for older contracts is stored as per-page HTML; the analysis nodes
// need plain text.
func HTMLToText(htmlContent string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML artifact: %w", err)
	}

	doc.Find("script, style, noscript, head").Remove()

	// Keep block boundaries so clause numbering survives flattening.
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6, br").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	textContent := doc.Text()
	lines := strings.Split(textContent, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	out := strings.Join(lines, "\n")
	out = blankRunRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out), nil
}

// LooksLikeHTML reports whether blob content should go through HTMLToText
// before analysis.
func LooksLikeHTML(content string) bool {
	head := strings.ToLower(strings.TrimSpace(content))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html") || strings.Contains(head, "<body")
}
