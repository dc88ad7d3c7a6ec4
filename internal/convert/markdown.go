// Package convert turns wiki page HTML into plain markdown.
package convert

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrEmpty is returned when nothing readable is left after cleanup
var ErrEmpty = errors.New("no content after conversion")

// Tags dropped together with everything inside them
var droppedTags = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Iframe:   true,
	atom.Noscript: true,
	atom.Form:     true,
	atom.Input:    true,
	atom.Button:   true,
	atom.Textarea: true,
	atom.Select:   true,
}

// Wiki chrome that carries no article text
var droppedClasses = map[string]bool{
	"licensebox":           true,
	"rate-box":             true,
	"creditRate":           true,
	"rateBox":              true,
	"info-container":       true,
	"authorlink-wrapper":   true,
	"authorbox":            true,
	"footnotes-footer":     true,
	"page-options-box":     true,
	"page-options-bottom":  true,
	"footer-wikiwalk-nav":  true,
	"page-tags":            true,
	"top-bar":              true,
	"print-footer":         true,
	"page-rate-widget-box": true,
	"credit-box":           true,
	"page-history":         true,
	"page-files":           true,
	"page-info":            true,
	"page-actions":         true,
	"page-toolbar":         true,
}

var droppedIDs = map[string]bool{
	"u-adult-warning": true,
	"header":          true,
	"footer":          true,
	"side-bar":        true,
}

var (
	blankLines = regexp.MustCompile(`\n{3,}`)
	spaces     = regexp.MustCompile(`[ \t\r\f\v]+`)
)

// Converter turns raw HTML into markdown
type Converter interface {
	Convert(ctx context.Context, raw string) (string, error)
}

// HTML is the default Converter
type HTML struct{}

func (HTML) Convert(ctx context.Context, raw string) (string, error) {
	type result struct {
		md  string
		err error
	}

	done := make(chan result, 1)
	go func() {
		md, err := HTMLToMarkdown(raw)
		done <- result{md, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.md, r.err
	}
}

// HTMLToMarkdown converts an HTML fragment or page to markdown
func HTMLToMarkdown(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmpty
	}

	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	w := &writer{}
	w.children(doc)

	out := blankLines.ReplaceAllString(w.String(), "\n\n")
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmpty
	}
	return out + "\n", nil
}

type writer struct {
	strings.Builder
	listDepth int
	inPre     bool
}

func (w *writer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
}

func (w *writer) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.DocumentNode:
		w.children(n)
		return
	case html.ElementNode:
	default:
		return
	}

	if dropped(n) {
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		w.block()
		w.WriteString(strings.Repeat("#", level) + " ")
		w.WriteString(strings.TrimSpace(inline(n)))
		w.block()
	case atom.P, atom.Div, atom.Section, atom.Article:
		w.block()
		w.children(n)
		w.block()
	case atom.Br:
		w.WriteString("\n")
	case atom.Hr:
		w.block()
		w.WriteString("---")
		w.block()
	case atom.Strong, atom.B:
		w.wrap(n, "**")
	case atom.Em, atom.I:
		w.wrap(n, "*")
	case atom.Del, atom.S, atom.Strike:
		w.wrap(n, "~~")
	case atom.Code:
		if w.inPre {
			w.children(n)
		} else {
			w.wrap(n, "`")
		}
	case atom.Pre:
		w.block()
		w.WriteString("```\n")
		w.inPre = true
		w.children(n)
		w.inPre = false
		w.WriteString("\n```")
		w.block()
	case atom.A:
		text := strings.TrimSpace(inline(n))
		href := attr(n, "href")
		if text == "" {
			return
		}
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
			w.WriteString(text)
			return
		}
		fmt.Fprintf(w, "[%s](%s)", text, href)
	case atom.Img:
		if src := attr(n, "src"); src != "" {
			fmt.Fprintf(w, "![%s](%s)", attr(n, "alt"), src)
		}
	case atom.Ul, atom.Ol:
		w.list(n, n.DataAtom == atom.Ol)
	case atom.Blockquote:
		w.block()
		inner := &writer{}
		inner.children(n)
		for _, line := range strings.Split(strings.TrimSpace(inner.String()), "\n") {
			w.WriteString("> " + strings.TrimSpace(line) + "\n")
		}
		w.block()
	case atom.Table:
		w.table(n)
	default:
		w.children(n)
	}
}

func (w *writer) text(s string) {
	if w.inPre {
		w.WriteString(s)
		return
	}
	s = spaces.ReplaceAllString(strings.ReplaceAll(s, "\n", " "), " ")
	if strings.TrimSpace(s) == "" {
		if str := w.String(); str != "" && !strings.HasSuffix(str, " ") && !strings.HasSuffix(str, "\n") {
			w.WriteString(" ")
		}
		return
	}
	if str := w.String(); str == "" || strings.HasSuffix(str, "\n") {
		s = strings.TrimLeft(s, " ")
	}
	w.WriteString(s)
}

func (w *writer) wrap(n *html.Node, mark string) {
	text := strings.TrimSpace(inline(n))
	if text == "" {
		return
	}
	w.WriteString(mark + text + mark)
}

// block ends the current paragraph
func (w *writer) block() {
	s := w.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	if strings.HasSuffix(s, "\n") {
		w.WriteString("\n")
		return
	}
	w.WriteString("\n\n")
}

func (w *writer) list(n *html.Node, ordered bool) {
	if w.listDepth == 0 {
		w.block()
	} else if s := w.String(); !strings.HasSuffix(s, "\n") {
		w.WriteString("\n")
	}
	w.listDepth++

	i := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Li {
			continue
		}
		i++
		marker := "-"
		if ordered {
			marker = fmt.Sprintf("%d.", i)
		}
		w.WriteString(strings.Repeat("  ", w.listDepth-1) + marker + " ")
		w.children(c)
		if s := w.String(); !strings.HasSuffix(s, "\n") {
			w.WriteString("\n")
		}
	}

	w.listDepth--
	if w.listDepth == 0 {
		w.block()
	}
}

func (w *writer) table(n *html.Node) {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom == atom.Tr {
				var cells []string
				for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
						cells = append(cells, strings.ReplaceAll(strings.TrimSpace(inline(cell)), "|", `\|`))
					}
				}
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
				continue
			}
			walk(c)
		}
	}
	walk(n)
	if len(rows) == 0 {
		return
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}

	w.block()
	for i, r := range rows {
		for len(r) < width {
			r = append(r, "")
		}
		w.WriteString("| " + strings.Join(r, " | ") + " |\n")
		if i == 0 {
			w.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
		}
	}
	w.block()
}

// inline renders n's children into a single line
func inline(n *html.Node) string {
	w := &writer{}
	w.children(n)
	return spaces.ReplaceAllString(strings.ReplaceAll(w.String(), "\n", " "), " ")
}

func dropped(n *html.Node) bool {
	if droppedTags[n.DataAtom] {
		return true
	}
	if droppedIDs[attr(n, "id")] {
		return true
	}
	for _, class := range strings.Fields(attr(n, "class")) {
		if droppedClasses[class] {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
