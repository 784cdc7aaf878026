package research

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// markdownWriter renders an HTML subtree as light Markdown: headings, paragraphs, lists,
// code, quotes and emphasis. Navigation, scripts and similar chrome are skipped.
type markdownWriter struct {
	sb      strings.Builder
	skip    map[*html.Node]bool
	base    *url.URL
	images  bool
	inline  int
	listDep int
}

func renderMarkdown(root *html.Node, base *url.URL, includeImages bool) string {
	w := &markdownWriter{
		skip:   make(map[*html.Node]bool),
		base:   base,
		images: includeImages,
	}
	for _, n := range removedSelector.MatchAll(root) {
		if n != root {
			w.skip[n] = true
		}
	}

	w.children(root)
	return cleanMarkdown(w.sb.String())
}

func (w *markdownWriter) render(n *html.Node) {
	if w.skip[n] {
		return
	}

	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
	default:
		w.children(n)
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head, atom.Title:
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		text := cleanText(nodeText(n))
		if text == "" {
			return
		}
		level := int(n.Data[1] - '0')
		w.block()
		w.sb.WriteString(strings.Repeat("#", level) + " " + text)
		w.block()
	case atom.Ul, atom.Ol:
		w.list(n)
	case atom.Pre:
		w.block()
		w.sb.WriteString("```\n" + strings.Trim(nodeText(n), "\n") + "\n```")
		w.block()
	case atom.Code:
		if text := strings.TrimSpace(nodeText(n)); text != "" {
			w.sb.WriteString("`" + text + "`")
		}
	case atom.Blockquote:
		inner := &markdownWriter{skip: w.skip, base: w.base, images: w.images}
		inner.children(n)
		quoted := cleanMarkdown(inner.sb.String())
		if quoted == "" {
			return
		}
		w.block()
		w.sb.WriteString("> " + strings.ReplaceAll(quoted, "\n", "\n> "))
		w.block()
	case atom.Strong, atom.B:
		w.wrap(n, "**")
	case atom.Em, atom.I:
		w.wrap(n, "*")
	case atom.Br:
		w.sb.WriteString("\n")
	case atom.Hr:
		w.block()
		w.sb.WriteString("---")
		w.block()
	case atom.Img:
		w.image(n)
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main, atom.Table, atom.Tr,
		atom.Figure, atom.Figcaption, atom.Dl, atom.Dt, atom.Dd, atom.Details, atom.Summary:
		w.block()
		w.children(n)
		w.block()
	case atom.Td, atom.Th:
		w.children(n)
		w.sb.WriteString(" ")
	default:
		w.children(n)
	}
}

func (w *markdownWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.render(c)
	}
}

// block ends the current block. Inside list items blocks collapse into the item.
func (w *markdownWriter) block() {
	if w.inline > 0 {
		w.space()
		return
	}
	w.sb.WriteString("\n\n")
}

func (w *markdownWriter) text(s string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" {
			w.space()
		}
		return
	}
	if isSpace(s[0]) {
		w.space()
	}
	w.sb.WriteString(strings.Join(fields, " "))
	if isSpace(s[len(s)-1]) {
		w.space()
	}
}

// space writes a single separating space unless the output already ends a word.
func (w *markdownWriter) space() {
	out := w.sb.String()
	if out == "" {
		return
	}
	switch out[len(out)-1] {
	case ' ', '\n':
		return
	}
	w.sb.WriteByte(' ')
}

func (w *markdownWriter) wrap(n *html.Node, marker string) {
	text := cleanText(nodeText(n))
	if text == "" {
		return
	}
	w.sb.WriteString(marker + text + marker)
}

func (w *markdownWriter) list(n *html.Node) {
	if w.listDep == 0 {
		w.block()
	}
	w.listDep++
	inline := w.inline
	w.inline = 0
	defer func() {
		w.listDep--
		w.inline = inline
		if w.listDep == 0 {
			w.block()
		}
	}()

	ordered := n.DataAtom == atom.Ol
	indent := strings.Repeat("  ", w.listDep-1)
	index := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Li || w.skip[c] {
			continue
		}
		index++
		marker := "- "
		if ordered {
			marker = fmt.Sprintf("%d. ", index)
		}
		w.sb.WriteString("\n" + indent + marker)

		w.inline++
		w.children(c)
		w.inline--
	}
}

func (w *markdownWriter) image(n *html.Node) {
	if !w.images {
		return
	}
	src := strings.TrimSpace(attr(n, "src"))
	if src == "" || strings.HasPrefix(src, "data:") {
		return
	}
	if ref, err := url.Parse(src); err == nil && w.base != nil {
		src = w.base.ResolveReference(ref).String()
	}
	w.space()
	w.sb.WriteString("![" + cleanText(attr(n, "alt")) + "](" + src + ")")
	w.space()
}

// cleanMarkdown trims trailing spaces, collapses runs of blank lines and drops lines
// holding a bare list marker. Fenced code is left as is.
func cleanMarkdown(md string) string {
	var (
		out       []string
		prevBlank bool
		fenced    bool
	)
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			fenced = !fenced
			out = append(out, strings.TrimSpace(line))
			prevBlank = false
			continue
		}
		if fenced {
			out = append(out, line)
			continue
		}

		line = strings.TrimRight(line, " \t")
		switch strings.TrimSpace(line) {
		case "":
			if !prevBlank {
				out = append(out, "")
			}
			prevBlank = true
			continue
		case "-", "*", "+":
			continue
		}
		if !isListItem(line) {
			line = strings.TrimLeft(line, " \t")
		}
		out = append(out, line)
		prevBlank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func isListItem(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	if strings.HasPrefix(trimmed, "- ") {
		return true
	}
	digits := len(trimmed) - len(strings.TrimLeft(trimmed, "0123456789"))
	return digits > 0 && strings.HasPrefix(trimmed[digits:], ". ")
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}
