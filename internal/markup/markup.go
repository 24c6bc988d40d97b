// Package markup parses a page, finds cdn-switch marker comments and replaces
// them with rendered resource markup.
//
// Marker syntax: a comment whose trimmed text, split once on '=', is the tag
// "cdn-switch" followed by a block name, e.g. <!-- cdn-switch=javascript -->.
// Matching is exact; a missing or extra '=' leaves the comment untouched.
package markup

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MarkerTag is the first segment of every marker comment.
const MarkerTag = "cdn-switch"

// ParseError reports a page that could not be parsed. It aborts only the
// target being processed.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse document: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Marker is one matched comment node and the block it names. It only lives
// for the duration of a Rewrite call.
type Marker struct {
	Node  *html.Node
	Block string
}

// RewriteStats is returned by Rewrite.
type RewriteStats struct {
	// Visited counts nodes walked during the scan.
	Visited int
	// Replaced counts markers swapped for rendered markup.
	Replaced int
}

// Document is a parsed page. It is not safe for concurrent use; one target
// owns it at a time.
type Document struct {
	doc      *goquery.Document
	fragment bool
}

// Parse parses src.
//
// Sources that start (after whitespace and comments) with <!doctype or <html
// are parsed as complete documents. Anything else is parsed as a body
// fragment, so partial templates round-trip without gaining
// <html><head><body> wrappers.
//
// Errors:
//   - *ParseError when the parser fails.
func Parse(src string) (*Document, error) {
	if isFullDocument(src) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		return &Document{doc: doc}, nil
	}

	nodes, err := html.ParseFragment(strings.NewReader(src), bodyContext())
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	root := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return &Document{doc: goquery.NewDocumentFromNode(root), fragment: true}, nil
}

// Fragment reports whether the page was parsed as a body fragment.
func (d *Document) Fragment() bool { return d.fragment }

// Render serializes the page.
func (d *Document) Render() (string, error) {
	return d.doc.Html()
}

// Markers returns every marker comment naming a block for which known
// returns true, in document order.
func (d *Document) Markers(known func(name string) bool) ([]Marker, int) {
	var (
		out     []Marker
		visited int
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		visited++
		switch n.Type {
		case html.CommentNode:
			if name, ok := ParseMarker(n.Data); ok && known(name) {
				out = append(out, Marker{Node: n, Block: name})
			}
		case html.ElementNode, html.DocumentNode:
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		case html.TextNode, html.DoctypeNode, html.RawNode, html.ErrorNode:
		}
	}
	for _, n := range d.doc.Nodes {
		walk(n)
	}
	return out, visited
}

// Rewrite replaces every marker whose block render knows with that block's
// markup.
//
// All markers are collected before any node is replaced, and inserted content
// is never rescanned. Each replacement is parsed in the context of the
// marker's parent element (body for top-level markers).
//
// Errors:
//   - an error if rendered markup cannot be parsed; markers replaced before
//     the failure stay replaced.
func (d *Document) Rewrite(render func(name string) (string, bool)) (RewriteStats, error) {
	markers, visited := d.Markers(func(name string) bool {
		_, ok := render(name)
		return ok
	})

	stats := RewriteStats{Visited: visited}
	for _, m := range markers {
		markup, _ := render(m.Block)
		if err := replaceNode(m.Node, markup); err != nil {
			return stats, fmt.Errorf("replace marker %s: %w", m.Block, err)
		}
		stats.Replaced++
	}
	return stats, nil
}

// References returns the src of every script and the href of every
// stylesheet link in the page, in document order.
func (d *Document) References() []string {
	var refs []string
	d.doc.Find(`script[src], link[rel="stylesheet"][href]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("src"); ok {
			refs = append(refs, v)
			return
		}
		if v, ok := s.Attr("href"); ok {
			refs = append(refs, v)
		}
	})
	return refs
}

// ParseMarker reports whether comment text data is a marker and returns the
// block name it carries.
//
// Edge cases:
//   - only the whole payload is trimmed; " cdn-switch = js " does not match.
//   - "cdn-switch=js=x" yields the name "js=x", which no block named "js" matches.
func ParseMarker(data string) (name string, ok bool) {
	tag, name, found := strings.Cut(strings.TrimSpace(data), "=")
	if !found || tag != MarkerTag {
		return "", false
	}
	return name, true
}

func replaceNode(n *html.Node, markup string) error {
	parent := n.Parent
	if parent == nil {
		return fmt.Errorf("marker is detached")
	}
	ctxNode := parent
	if ctxNode.Type != html.ElementNode {
		ctxNode = bodyContext()
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctxNode)
	if err != nil {
		return err
	}
	for _, c := range nodes {
		parent.InsertBefore(c, n)
	}
	parent.RemoveChild(n)
	return nil
}

func bodyContext() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
}

// isFullDocument reports whether src opens, after whitespace and comments,
// with a doctype or an html, head or body start tag.
func isFullDocument(src string) bool {
	s := src
	for {
		s = strings.TrimLeft(s, " \t\r\n\f")
		if !strings.HasPrefix(s, "<!--") {
			break
		}
		end := strings.Index(s, "-->")
		if end < 0 {
			return false
		}
		s = s[end+len("-->"):]
	}

	if strings.HasPrefix(strings.ToLower(s[:min(len(s), len("<!doctype"))]), "<!doctype") {
		return true
	}
	for _, tag := range []string{"html", "head", "body"} {
		if hasStartTag(s, tag) {
			return true
		}
	}
	return false
}

// hasStartTag reports whether s begins with a start tag named tag, compared
// case-insensitively; "<header>" is not "<head".
func hasStartTag(s, tag string) bool {
	open := "<" + tag
	if len(s) < len(open) || !strings.EqualFold(s[:len(open)], open) {
		return false
	}
	if len(s) == len(open) {
		return true
	}
	switch s[len(open)] {
	case '>', ' ', '\t', '\r', '\n', '\f', '/':
		return true
	}
	return false
}
