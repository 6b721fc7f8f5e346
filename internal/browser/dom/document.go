// internal/browser/dom/document.go
package dom

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// ErrNotFound is returned when an XPath query matches nothing.
var ErrNotFound = errors.New("dom: no node matches")

// MutationType mirrors the MutationRecord types of the DOM.
type MutationType string

const (
	ChildList     MutationType = "childList"
	Attributes    MutationType = "attributes"
	CharacterData MutationType = "characterData"
)

// MutationRecord describes one change applied to a Document.
type MutationRecord struct {
	Type   MutationType
	Target *html.Node

	AddedNodes      []*html.Node
	RemovedNodes    []*html.Node
	PreviousSibling *html.Node
	NextSibling     *html.Node

	AttributeName      string
	AttributeNamespace string
	// OldValue is the attribute value or text before the change.
	OldValue    string
	HadOldValue bool
}

// Document is a mutable mirror of a page's DOM. Mutations made through its
// methods are reported to every listener after the change is applied.
// Nodes must not be modified behind its back.
type Document struct {
	mu        sync.RWMutex
	root      *html.Node
	listeners []func(MutationRecord)
	replaced  []func()
}

// NewDocument wraps an already parsed tree.
func NewDocument(root *html.Node) *Document {
	return &Document{root: root}
}

// Parse builds a Document from HTML source.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return NewDocument(root), nil
}

// ParseString is Parse for in-memory markup.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

// Replace swaps the whole tree, as after a navigation. Listeners are kept and
// no records are emitted; OnReplace callbacks run once the new tree is in place.
func (d *Document) Replace(root *html.Node) {
	d.mu.Lock()
	d.root = root
	fns := append([]func(){}, d.replaced...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// OnReplace registers fn to run after every Replace.
func (d *Document) OnReplace(fn func()) {
	d.mu.Lock()
	d.replaced = append(d.replaced, fn)
	d.mu.Unlock()
}

// OnMutation registers fn for every subsequent mutation.
func (d *Document) OnMutation(fn func(MutationRecord)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *Document) notify(rec MutationRecord) {
	d.mu.RLock()
	ls := append(([]func(MutationRecord))(nil), d.listeners...)
	d.mu.RUnlock()
	for _, fn := range ls {
		fn(rec)
	}
}

// Find returns the first node matching expr.
func (d *Document) Find(expr string) (*html.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, err := htmlquery.Query(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("dom: xpath %q: %w", expr, err)
	}
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, expr)
	}
	return n, nil
}

// FindAll returns every node matching expr, in document order.
func (d *Document) FindAll(expr string) ([]*html.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nodes, err := htmlquery.QueryAll(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("dom: xpath %q: %w", expr, err)
	}
	return nodes, nil
}

// Attr returns the value of a node attribute.
func (d *Document) Attr(n *html.Node, name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return getAttr(n, name)
}

// Parent returns the parent of n.
func (d *Document) Parent(n *html.Node) *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return n.Parent
}

// XPath names n by GenerateUniqueXPath.
func (d *Document) XPath(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return GenerateUniqueXPath(n)
}

// Text returns the concatenated text content of n.
func (d *Document) Text(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return htmlquery.InnerText(n)
}

// Render serializes n and its subtree.
func (d *Document) Render(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return htmlquery.OutputHTML(n, true)
}

// AppendChild appends child to parent.
func (d *Document) AppendChild(parent, child *html.Node) error {
	return d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts child into parent before ref. A nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) error {
	d.mu.Lock()
	if child.Parent != nil {
		d.mu.Unlock()
		return errors.New("dom: insert: node already has a parent")
	}
	if ref != nil && ref.Parent != parent {
		d.mu.Unlock()
		return errors.New("dom: insert: reference node is not a child of parent")
	}
	parent.InsertBefore(child, ref)
	rec := MutationRecord{
		Type:            ChildList,
		Target:          parent,
		AddedNodes:      []*html.Node{child},
		PreviousSibling: child.PrevSibling,
		NextSibling:     child.NextSibling,
	}
	d.mu.Unlock()
	d.notify(rec)
	return nil
}

// RemoveChild detaches child from parent.
func (d *Document) RemoveChild(parent, child *html.Node) error {
	d.mu.Lock()
	if child.Parent != parent {
		d.mu.Unlock()
		return errors.New("dom: remove: node is not a child of parent")
	}
	rec := MutationRecord{
		Type:            ChildList,
		Target:          parent,
		RemovedNodes:    []*html.Node{child},
		PreviousSibling: child.PrevSibling,
		NextSibling:     child.NextSibling,
	}
	parent.RemoveChild(child)
	d.mu.Unlock()
	d.notify(rec)
	return nil
}

// SetAttribute sets an attribute on an element.
func (d *Document) SetAttribute(n *html.Node, name, value string) {
	d.mu.Lock()
	old, had := getAttr(n, name)
	setAttr(n, name, value)
	d.mu.Unlock()
	d.notify(MutationRecord{Type: Attributes, Target: n, AttributeName: name, OldValue: old, HadOldValue: had})
}

// RemoveAttribute removes an attribute. Removing an absent attribute is a no-op.
func (d *Document) RemoveAttribute(n *html.Node, name string) {
	d.mu.Lock()
	old, had := getAttr(n, name)
	if !had {
		d.mu.Unlock()
		return
	}
	removeAttr(n, name)
	d.mu.Unlock()
	d.notify(MutationRecord{Type: Attributes, Target: n, AttributeName: name, OldValue: old, HadOldValue: true})
}

// SetText replaces the data of a text or comment node.
func (d *Document) SetText(n *html.Node, text string) error {
	d.mu.Lock()
	if n.Type != html.TextNode && n.Type != html.CommentNode {
		d.mu.Unlock()
		return errors.New("dom: set text: not a character data node")
	}
	old := n.Data
	n.Data = text
	d.mu.Unlock()
	d.notify(MutationRecord{Type: CharacterData, Target: n, OldValue: old, HadOldValue: true})
	return nil
}

// setMarker and clearMarker change an attribute without emitting a record.
func (d *Document) setMarker(n *html.Node, name, value string) {
	d.mu.Lock()
	setAttr(n, name, value)
	d.mu.Unlock()
}

func (d *Document) clearMarker(n *html.Node, name string) {
	d.mu.Lock()
	removeAttr(n, name)
	d.mu.Unlock()
}

func getAttr(n *html.Node, name string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func removeAttr(n *html.Node, name string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}
