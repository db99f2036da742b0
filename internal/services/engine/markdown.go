package engine

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// noiseSelectors are stripped before main-content conversion
var noiseSelectors = []string{
	"script", "style", "noscript", "iframe",
	"nav", "header", "footer", "aside",
	".advertisement", ".ads", ".cookie-banner",
}

// MarkdownConverter turns rendered HTML into markdown, optionally pruning
// boilerplate down to the main content first
type MarkdownConverter struct{}

func NewMarkdownConverter() *MarkdownConverter {
	return &MarkdownConverter{}
}

// Convert produces markdown from HTML. baseURL resolves relative links.
func (c *MarkdownConverter) Convert(html, baseURL string, onlyMainContent bool) (string, error) {
	if onlyMainContent {
		pruned, err := pruneToMainContent(html)
		if err == nil {
			html = pruned
		}
	}

	converter := md.NewConverter(baseURL, true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("markdown conversion: %w", err)
	}
	return strings.TrimSpace(markdown), nil
}

// ExtractMetadata pulls document-level fields out of the rendered HTML
func ExtractMetadata(html string) (title, description, language string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", ""
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	description, _ = doc.Find(`meta[name="description"]`).First().Attr("content")
	language, _ = doc.Find("html").First().Attr("lang")
	return title, strings.TrimSpace(description), language
}

// pruneToMainContent drops navigation and boilerplate, keeping the most
// content-bearing subtree when one is identifiable
func pruneToMainContent(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	for _, sel := range noiseSelectors {
		doc.Find(sel).Remove()
	}

	for _, sel := range []string{"main", "article", `[role="main"]`, "#content", ".content"} {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			out, err := goquery.OuterHtml(node)
			if err == nil && strings.TrimSpace(out) != "" {
				return out, nil
			}
		}
	}

	return doc.Html()
}
