// internal/browser/dom/xpath.go
package dom

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// GenerateUniqueXPath names a node with an XPath expression, anchored on the
// closest ancestor id when there is one. Text and comment nodes are named
// through their parent element.
func GenerateUniqueXPath(node *html.Node) string {
	if node == nil {
		return ""
	}

	var leaf string
	switch node.Type {
	case html.TextNode:
		leaf = fmt.Sprintf("text()[%d]", siblingIndex(node))
		node = node.Parent
	case html.CommentNode:
		leaf = fmt.Sprintf("comment()[%d]", siblingIndex(node))
		node = node.Parent
	}

	var path []string
	anchored := false
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if tag == "" {
			continue
		}
		if id := htmlquery.SelectAttr(n, "id"); id != "" {
			path = append(path, fmt.Sprintf("//*[@id=%s]", xpathLiteral(id)))
			anchored = true
			break
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, siblingIndex(n)))
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	if leaf != "" {
		path = append(path, leaf)
	}
	if len(path) == 0 {
		return "/"
	}

	xpath := strings.Join(path, "/")
	if !anchored {
		xpath = "/" + xpath
	}
	return xpath
}

// siblingIndex is the 1-based position of n among preceding siblings of the
// same kind (same tag for elements).
func siblingIndex(n *html.Node) int {
	index := 1
	for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
		if prev.Type != n.Type {
			continue
		}
		if n.Type == html.ElementNode && !strings.EqualFold(prev.Data, n.Data) {
			continue
		}
		index++
	}
	return index
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(quoted, `, "'", `) + ")"
}
