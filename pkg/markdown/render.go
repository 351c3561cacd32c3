package markdown

import (
	"bytes"
	"log/slog"
	"net/url"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Renderer turns markdown into an HTML fragment that is safe to embed.
type Renderer interface {
	Render(src string) string
}

// Markdown renders CommonMark (headings, code, emphasis, lists, quotes,
// links) and passes the result through an allowlist sanitizer. Raw HTML in
// the source is never emitted.
type Markdown struct {
	md goldmark.Markdown
}

// New constructs the renderer.
func New() *Markdown {
	return &Markdown{md: goldmark.New()}
}

func (m *Markdown) Render(src string) string {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(src), &buf); err != nil {
		slog.Warn("markdown convert failed", "err", err)
		return "<p>" + html.EscapeString(src) + "</p>"
	}
	return Sanitize(buf.String())
}

var allowedTags = map[atom.Atom]bool{
	atom.P: true, atom.Br: true, atom.Hr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Strong: true, atom.Em: true, atom.Code: true, atom.Pre: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true, atom.Blockquote: true, atom.A: true,
}

// dropped elements lose their content too.
var droppedTags = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Iframe: true, atom.Object: true,
	atom.Embed: true, atom.Noscript: true, atom.Template: true, atom.Textarea: true,
}

var voidTags = map[atom.Atom]bool{atom.Br: true, atom.Hr: true}

var safeSchemes = map[string]bool{"http": true, "https": true, "mailto": true}

// Sanitize keeps only allowlisted elements and attributes of an HTML
// fragment. Unknown elements are unwrapped, links are forced to open in a
// new browsing context without an opener or referrer.
func Sanitize(fragment string) string {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return html.EscapeString(fragment)
	}
	var b strings.Builder
	for _, n := range nodes {
		writeNode(&b, n)
	}
	return b.String()
}

func writeNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(html.EscapeString(n.Data))
		return
	case html.ElementNode:
	default:
		return
	}
	if droppedTags[n.DataAtom] {
		return
	}
	if !allowedTags[n.DataAtom] {
		writeChildren(b, n)
		return
	}
	b.WriteByte('<')
	b.WriteString(n.Data)
	writeAttrs(b, n)
	b.WriteByte('>')
	if voidTags[n.DataAtom] {
		return
	}
	writeChildren(b, n)
	b.WriteString("</")
	b.WriteString(n.Data)
	b.WriteByte('>')
}

func writeChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(b, c)
	}
}

func writeAttrs(b *strings.Builder, n *html.Node) {
	switch n.DataAtom {
	case atom.A:
		href := safeHref(attr(n, "href"))
		if href == "" {
			return
		}
		writeAttr(b, "href", href)
		writeAttr(b, "target", "_blank")
		writeAttr(b, "rel", "noopener noreferrer")
	case atom.Code:
		if class := attr(n, "class"); strings.HasPrefix(class, "language-") && !strings.ContainsAny(class, " \"'<>") {
			writeAttr(b, "class", class)
		}
	case atom.Ol:
		if start := attr(n, "start"); start != "" && strings.Trim(start, "0123456789") == "" {
			writeAttr(b, "start", start)
		}
	}
}

func writeAttr(b *strings.Builder, key, val string) {
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteString(`="`)
	b.WriteString(html.EscapeString(val))
	b.WriteByte('"')
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func safeHref(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme == "" {
		if strings.HasPrefix(raw, "//") {
			return ""
		}
		return raw
	}
	if !safeSchemes[strings.ToLower(u.Scheme)] {
		return ""
	}
	return u.String()
}
