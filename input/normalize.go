// Package input normalizes submitted system descriptions into the plain
// markdown text the analysis pipeline consumes. Plain text and markdown
// pass through close to verbatim; HTML exports from wikis and design
// tools are stripped of chrome and converted.
package input

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

// MaxInputBytes caps submitted description size before normalization.
const MaxInputBytes = 1 << 20 // 1 MiB

// MinInputChars is the shortest normalized description worth analyzing.
const MinInputChars = 30

// Normalization errors surfaced to the API as 400s.
var (
	ErrTooLarge = fmt.Errorf("input exceeds %d bytes", MaxInputBytes)
	ErrTooShort = errors.New("input too short to describe a system")
)

// Pre-compiled regexes to avoid ReDoS with runtime compilation.
var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
	htmlTagRe        = regexp.MustCompile(`(?i)<(!doctype|html|body|div|p|h[1-6]|table|ul|ol)[\s>]`)
)

// Normalizer converts submitted descriptions to analysis-ready text.
type Normalizer struct {
	converter *md.Converter
}

// NewNormalizer builds a normalizer with GitHub-flavored markdown output.
func NewNormalizer() *Normalizer {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Normalizer{converter: converter}
}

// Normalize converts raw content to plain markdown text. contentType
// may be empty, in which case HTML is detected by sniffing.
func (n *Normalizer) Normalize(raw []byte, contentType string) (string, error) {
	if len(raw) > MaxInputBytes {
		return "", ErrTooLarge
	}

	var text string
	if isHTML(raw, contentType) {
		converted, err := n.fromHTML(raw)
		if err != nil {
			return "", fmt.Errorf("convert HTML input: %w", err)
		}
		text = converted
	} else {
		text = string(raw)
	}

	text = tidy(text)
	if len(text) < MinInputChars {
		return "", ErrTooShort
	}
	return text, nil
}

// fromHTML strips page chrome and converts the remainder to markdown.
func (n *Normalizer) fromHTML(raw []byte) (string, error) {
	cleaned := stripChrome(raw)
	return n.converter.ConvertString(cleaned)
}

// isHTML decides whether content needs HTML conversion.
func isHTML(raw []byte, contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return true
	case strings.Contains(ct, "plain"), strings.Contains(ct, "markdown"):
		return false
	}
	head := raw
	if len(head) > 2048 {
		head = head[:2048]
	}
	return htmlTagRe.Match(head)
}

// stripChrome drops navigation, scripts, and styling so only document
// content reaches the converter.
func stripChrome(raw []byte) string {
	doc, err := html.Parse(strings.NewReader(string(raw)))
	if err != nil {
		// Fall back to regex cleanup if parsing fails.
		content := scriptRe.ReplaceAllString(string(raw), "")
		return styleRe.ReplaceAllString(content, "")
	}

	removeElements(doc, []string{
		"nav", "header", "footer", "aside", "script", "style", "noscript",
		"iframe", "form", "input", "button",
	})

	if body := findElement(doc, "body"); body != nil {
		return renderNode(body)
	}
	return renderNode(doc)
}

// findElement finds the first element with the given tag name.
func findElement(n *html.Node, tag string) *html.Node {
	var result *html.Node
	var find func(*html.Node)
	find = func(node *html.Node) {
		if result != nil {
			return
		}
		if node.Type == html.ElementNode && node.Data == tag {
			result = node
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(n)
	return result
}

// removeElements removes all elements with the given tag names.
func removeElements(n *html.Node, tags []string) {
	tagSet := make(map[string]bool)
	for _, tag := range tags {
		tagSet[tag] = true
	}

	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.ElementNode && tagSet[node.Data] {
			toRemove = append(toRemove, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)

	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

// renderNode renders a node and its children back to an HTML string.
func renderNode(n *html.Node) string {
	var sb strings.Builder
	html.Render(&sb, n)
	return sb.String()
}

// tidy collapses excessive blank lines and trims line-trailing
// whitespace.
func tidy(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
