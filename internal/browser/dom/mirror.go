// internal/browser/dom/mirror.go
package dom

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/webext-auto/internal/browser/session"
)

// ErrNotMirrored is returned for nodes the mirror cannot map back to the page.
var ErrNotMirrored = errors.New("dom: node is not part of the mirrored page")

// CDPMirror keeps a Document in sync with a browser tab through the DOM
// domain events of a followed debugger session, and answers layout queries
// for its nodes.
type CDPMirror struct {
	runner   session.Follower
	targetID string
	logger   *zap.Logger

	doc *Document

	mu      sync.Mutex
	byID    map[cdp.NodeID]*html.Node
	ids     map[*html.Node]cdp.NodeID
	backend map[*html.Node]cdp.BackendNodeID
	release func()

	events chan any
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Layout = (*CDPMirror)(nil)

// NewCDPMirror creates a mirror of targetID. Call Start before using it.
func NewCDPMirror(runner session.Follower, targetID string, logger *zap.Logger) *CDPMirror {
	return &CDPMirror{
		runner:   runner,
		targetID: targetID,
		logger:   logger.Named("mirror").With(zap.String("target", targetID)),
		doc:      NewDocument(&html.Node{Type: html.DocumentNode}),
		byID:     make(map[cdp.NodeID]*html.Node),
		ids:      make(map[*html.Node]cdp.NodeID),
		backend:  make(map[*html.Node]cdp.BackendNodeID),
		events:   make(chan any, 256),
		done:     make(chan struct{}),
	}
}

// Document returns the mirrored document. It stays the same object across
// reloads of the page.
func (m *CDPMirror) Document() *Document { return m.doc }

// Start attaches to the tab, loads the full tree and begins applying events.
func (m *CDPMirror) Start(ctx context.Context) error {
	load := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := cdpdom.Enable().Do(ctx); err != nil {
			return err
		}
		root, err := cdpdom.GetDocument().WithDepth(-1).Do(ctx)
		if err != nil {
			return err
		}
		m.load(root)
		return nil
	})
	release, err := m.runner.Follow(ctx, m.targetID, m.enqueue, load)
	if err != nil {
		return fmt.Errorf("dom: mirror %s: %w", m.targetID, err)
	}
	m.mu.Lock()
	m.release = release
	m.mu.Unlock()

	m.wg.Add(1)
	go m.apply()
	return nil
}

// Close stops applying events and detaches from the tab.
func (m *CDPMirror) Close() {
	m.mu.Lock()
	release := m.release
	m.release = nil
	m.mu.Unlock()
	if release == nil {
		return
	}
	release()
	close(m.done)
	m.wg.Wait()
}

// enqueue runs on the debugger read loop and must not block.
func (m *CDPMirror) enqueue(ev any) {
	switch ev.(type) {
	case *cdpdom.EventChildNodeInserted, *cdpdom.EventChildNodeRemoved,
		*cdpdom.EventAttributeModified, *cdpdom.EventAttributeRemoved,
		*cdpdom.EventCharacterDataModified, *cdpdom.EventSetChildNodes,
		*cdpdom.EventDocumentUpdated:
	default:
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("Mirror is behind, dropped DOM event.", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

func (m *CDPMirror) apply() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			m.Apply(ev)
		}
	}
}

// Apply folds one DOM domain event into the mirror. Events about nodes the
// mirror never saw are ignored.
func (m *CDPMirror) Apply(ev any) {
	switch e := ev.(type) {
	case *cdpdom.EventChildNodeInserted:
		parent := m.node(e.ParentNodeID)
		if parent == nil || e.Node == nil {
			return
		}
		child := m.convert(e.Node)
		var ref *html.Node
		if e.PreviousNodeID == 0 {
			ref = parent.FirstChild
		} else if prev := m.node(e.PreviousNodeID); prev != nil {
			ref = prev.NextSibling
		}
		if err := m.doc.InsertBefore(parent, child, ref); err != nil {
			m.logger.Debug("Ignored insert.", zap.Error(err))
		}

	case *cdpdom.EventChildNodeRemoved:
		parent, child := m.node(e.ParentNodeID), m.node(e.NodeID)
		if parent == nil || child == nil {
			return
		}
		if err := m.doc.RemoveChild(parent, child); err != nil {
			m.logger.Debug("Ignored remove.", zap.Error(err))
			return
		}
		m.forget(child)

	case *cdpdom.EventAttributeModified:
		if n := m.node(e.NodeID); n != nil {
			m.doc.SetAttribute(n, e.Name, e.Value)
		}

	case *cdpdom.EventAttributeRemoved:
		if n := m.node(e.NodeID); n != nil {
			m.doc.RemoveAttribute(n, e.Name)
		}

	case *cdpdom.EventCharacterDataModified:
		if n := m.node(e.NodeID); n != nil {
			_ = m.doc.SetText(n, e.CharacterData)
		}

	case *cdpdom.EventSetChildNodes:
		parent := m.node(e.ParentID)
		if parent == nil {
			return
		}
		for _, c := range e.Nodes {
			_ = m.doc.AppendChild(parent, m.convert(c))
		}

	case *cdpdom.EventDocumentUpdated:
		// Node ids are invalid after this; the next Start or Reload rebuilds.
		m.reset()
		m.logger.Debug("Document updated, mirror is stale.")
	}
}

// Reload fetches the whole tree again, as after a navigation.
func (m *CDPMirror) Reload(ctx context.Context) error {
	return m.runner.RunOnTarget(ctx, m.targetID, chromedp.ActionFunc(func(ctx context.Context) error {
		root, err := cdpdom.GetDocument().WithDepth(-1).Do(ctx)
		if err != nil {
			return err
		}
		m.load(root)
		return nil
	}))
}

func (m *CDPMirror) load(root *cdp.Node) {
	m.reset()
	m.doc.Replace(m.convert(root))
}

func (m *CDPMirror) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[cdp.NodeID]*html.Node)
	m.ids = make(map[*html.Node]cdp.NodeID)
	m.backend = make(map[*html.Node]cdp.BackendNodeID)
}

func (m *CDPMirror) node(id cdp.NodeID) *html.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *CDPMirror) forget(n *html.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if id, ok := m.ids[n]; ok {
			delete(m.byID, id)
			delete(m.ids, n)
			delete(m.backend, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
}

// convert builds an html subtree from a protocol node and records its ids.
// Frames, shadow roots and pseudo elements are not mirrored.
func (m *CDPMirror) convert(src *cdp.Node) *html.Node {
	n := &html.Node{}
	switch src.NodeType {
	case cdp.NodeTypeDocument:
		n.Type = html.DocumentNode
	case cdp.NodeTypeDocumentType:
		n.Type = html.DoctypeNode
		n.Data = src.NodeName
	case cdp.NodeTypeText, cdp.NodeTypeCDATA:
		n.Type = html.TextNode
		n.Data = src.NodeValue
	case cdp.NodeTypeComment:
		n.Type = html.CommentNode
		n.Data = src.NodeValue
	default:
		n.Type = html.ElementNode
		name := src.LocalName
		if name == "" {
			name = strings.ToLower(src.NodeName)
		}
		n.Data = name
		n.DataAtom = atom.Lookup([]byte(name))
		for i := 0; i+1 < len(src.Attributes); i += 2 {
			n.Attr = append(n.Attr, html.Attribute{Key: src.Attributes[i], Val: src.Attributes[i+1]})
		}
	}

	m.mu.Lock()
	m.byID[src.NodeID] = n
	m.ids[n] = src.NodeID
	m.backend[n] = src.BackendNodeID
	m.mu.Unlock()

	for _, c := range src.Children {
		n.AppendChild(m.convert(c))
	}
	return n
}

// Rect returns the border box of node in client coordinates.
func (m *CDPMirror) Rect(ctx context.Context, node *html.Node) (Rect, error) {
	m.mu.Lock()
	id, ok := m.backend[node]
	m.mu.Unlock()
	if !ok {
		return Rect{}, ErrNotMirrored
	}

	var box *cdpdom.BoxModel
	err := m.runner.RunOnTarget(ctx, m.targetID, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		box, err = cdpdom.GetBoxModel().WithBackendNodeID(id).Do(ctx)
		return err
	}))
	if err != nil {
		return Rect{}, fmt.Errorf("dom: box model: %w", err)
	}
	return quadRect(box.Border), nil
}

// ViewportHeight returns the inner height of the tab's window.
func (m *CDPMirror) ViewportHeight(ctx context.Context) (float64, error) {
	var h float64
	if err := m.runner.RunOnTarget(ctx, m.targetID, chromedp.Evaluate(`window.innerHeight`, &h)); err != nil {
		return 0, fmt.Errorf("dom: viewport height: %w", err)
	}
	return h, nil
}

// quadRect is the bounding rectangle of a four point quad.
func quadRect(q cdpdom.Quad) Rect {
	if len(q) < 8 {
		return Rect{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(q); i += 2 {
		minX, maxX = math.Min(minX, q[i]), math.Max(maxX, q[i])
		minY, maxY = math.Min(minY, q[i+1]), math.Max(maxY, q[i+1])
	}
	return Rect{Left: minX, Top: minY, Width: maxX - minX, Height: maxY - minY}
}
