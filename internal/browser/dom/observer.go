// internal/browser/dom/observer.go
package dom

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// WatchAttr marks a watched node with its watch id.
const WatchAttr = "data-watch"

// ErrAlreadyWatched is returned by the WaitFor helpers when the node carries a
// watch marker already.
var ErrAlreadyWatched = errors.New("dom: node is already watched")

// ErrDocumentReplaced is returned by a pending WaitFor helper when the
// document's tree is swapped out from under its node.
var ErrDocumentReplaced = errors.New("dom: document replaced")

// Options selects the mutations a watch receives, like MutationObserverInit.
type Options struct {
	ChildList     bool
	Attributes    bool
	CharacterData bool
	// Subtree extends the watch to every descendant of the node.
	Subtree               bool
	AttributeOldValue     bool
	CharacterDataOldValue bool
	// AttributeFilter restricts attribute records to these names.
	AttributeFilter []string
}

// Result is the normalized payload handed to a watch callback. Only the
// fields of the mutation's type are set.
type Result struct {
	AddedNodes      []*html.Node
	RemovedNodes    []*html.Node
	PreviousSibling *html.Node
	NextSibling     *html.Node

	AttributeName      string
	AttributeNamespace string
	OldValue           string
	HasOldValue        bool
	NewValue           string
}

// Callback receives the watch id, the mutated node, the watched node that
// claimed the record, the mutation type and its payload.
type Callback func(id int, target, watched *html.Node, typ MutationType, r Result)

type watch struct {
	node *html.Node
	opts Options
	cb   Callback
	// dropped, when set, runs if the watch is discarded by a Replace.
	dropped func()
}

// Observer keeps the watch registry of one Document.
type Observer struct {
	doc    *Document
	logger *zap.Logger

	mu      sync.Mutex
	nextID  int
	watches map[int]*watch
}

// NewObserver attaches a registry to doc.
func NewObserver(doc *Document, logger *zap.Logger) *Observer {
	o := &Observer{
		doc:     doc,
		logger:  logger.Named("observer"),
		watches: make(map[int]*watch),
	}
	doc.OnMutation(o.handle)
	doc.OnReplace(o.reset)
	return o
}

// Watch starts observing node. The node is marked with WatchAttr; a node that
// already carries the marker is left alone and (0, false) is returned.
func (o *Observer) Watch(node *html.Node, opts Options, cb Callback) (int, bool) {
	return o.watch(node, opts, cb, nil)
}

func (o *Observer) watch(node *html.Node, opts Options, cb Callback, dropped func()) (int, bool) {
	if node == nil || node.Type != html.ElementNode {
		return 0, false
	}
	o.mu.Lock()
	if existing, ok := o.doc.Attr(node, WatchAttr); ok {
		o.mu.Unlock()
		o.logger.Debug("Already on watch.", zap.String("node", o.doc.XPath(node)), zap.String("watch", existing))
		return 0, false
	}
	o.nextID++
	id := o.nextID
	o.watches[id] = &watch{node: node, opts: opts, cb: cb, dropped: dropped}
	o.doc.setMarker(node, WatchAttr, strconv.Itoa(id))
	o.mu.Unlock()

	o.logger.Debug("Watching node.", zap.String("node", o.doc.XPath(node)), zap.Int("watch", id))
	return id, true
}

// Unwatch stops watch id and removes its marker. Unknown ids are ignored.
func (o *Observer) Unwatch(id int) bool {
	o.mu.Lock()
	w, ok := o.watches[id]
	if ok {
		delete(o.watches, id)
		o.doc.clearMarker(w.node, WatchAttr)
	}
	o.mu.Unlock()
	return ok
}

// reset discards every watch. Their nodes belong to a tree that is no longer
// the document, so markers are left as they are.
func (o *Observer) reset() {
	o.mu.Lock()
	old := o.watches
	o.watches = make(map[int]*watch)
	o.mu.Unlock()

	if len(old) > 0 {
		o.logger.Debug("Document replaced, dropping watches.", zap.Int("count", len(old)))
	}
	for _, w := range old {
		if w.dropped != nil {
			w.dropped()
		}
	}
}

// Len returns the number of active watches.
func (o *Observer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.watches)
}

// handle routes a record to the watch on the nearest marked ancestor of its
// target, the target included. Records with no marked ancestor are ignored.
func (o *Observer) handle(rec MutationRecord) {
	o.mu.Lock()
	var (
		w       *watch
		id      int
		watched *html.Node
	)
	for n := rec.Target; n != nil; n = o.doc.Parent(n) {
		v, ok := o.doc.Attr(n, WatchAttr)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			break
		}
		if w, ok = o.watches[parsed]; ok {
			id, watched = parsed, n
		}
		break
	}
	o.mu.Unlock()

	if w == nil || !w.accepts(rec, watched) {
		return
	}
	w.cb(id, rec.Target, watched, rec.Type, o.result(rec, w.opts))
}

func (w *watch) accepts(rec MutationRecord, watched *html.Node) bool {
	if rec.Target != watched && !w.opts.Subtree {
		return false
	}
	switch rec.Type {
	case ChildList:
		return w.opts.ChildList
	case Attributes:
		if !w.opts.Attributes && !w.opts.AttributeOldValue && len(w.opts.AttributeFilter) == 0 {
			return false
		}
		if len(w.opts.AttributeFilter) == 0 {
			return true
		}
		for _, name := range w.opts.AttributeFilter {
			if strings.EqualFold(name, rec.AttributeName) {
				return true
			}
		}
		return false
	case CharacterData:
		return w.opts.CharacterData || w.opts.CharacterDataOldValue
	}
	return false
}

func (o *Observer) result(rec MutationRecord, opts Options) Result {
	var r Result
	switch rec.Type {
	case ChildList:
		r.AddedNodes = rec.AddedNodes
		r.RemovedNodes = rec.RemovedNodes
		r.PreviousSibling = rec.PreviousSibling
		r.NextSibling = rec.NextSibling
	case Attributes:
		r.AttributeName = rec.AttributeName
		r.AttributeNamespace = rec.AttributeNamespace
		if opts.AttributeOldValue {
			r.OldValue, r.HasOldValue = rec.OldValue, rec.HadOldValue
		}
		r.NewValue, _ = o.doc.Attr(rec.Target, rec.AttributeName)
	case CharacterData:
		if opts.CharacterDataOldValue {
			r.OldValue, r.HasOldValue = rec.OldValue, rec.HadOldValue
		}
		o.doc.mu.RLock()
		r.NewValue = rec.Target.Data
		o.doc.mu.RUnlock()
	}
	return r
}

// WaitForAppend blocks until a node named name is appended anywhere under
// parent. The watch is removed before returning.
func (o *Observer) WaitForAppend(ctx context.Context, parent *html.Node, name string) error {
	return o.waitFor(ctx, parent, Options{ChildList: true, Subtree: true}, func(_ MutationType, r Result) bool {
		return len(r.AddedNodes) > 0 && nodeName(r.AddedNodes[0]) == strings.ToLower(name)
	})
}

// WaitForRemove blocks until a node named name is removed anywhere under parent.
func (o *Observer) WaitForRemove(ctx context.Context, parent *html.Node, name string) error {
	return o.waitFor(ctx, parent, Options{ChildList: true, Subtree: true}, func(_ MutationType, r Result) bool {
		return len(r.RemovedNodes) > 0 && nodeName(r.RemovedNodes[0]) == strings.ToLower(name)
	})
}

// WaitForAttribute blocks until attribute attr of node changes.
func (o *Observer) WaitForAttribute(ctx context.Context, node *html.Node, attr string) error {
	return o.waitFor(ctx, node, Options{Attributes: true, AttributeFilter: []string{attr}}, func(MutationType, Result) bool {
		return true
	})
}

func (o *Observer) waitFor(ctx context.Context, node *html.Node, opts Options, match func(MutationType, Result) bool) error {
	done := make(chan error, 1)
	var once sync.Once
	id, ok := o.watch(node, opts, func(id int, _, _ *html.Node, typ MutationType, r Result) {
		if match(typ, r) {
			once.Do(func() {
				o.Unwatch(id)
				done <- nil
			})
		}
	}, func() {
		once.Do(func() { done <- ErrDocumentReplaced })
	})
	if !ok {
		return ErrAlreadyWatched
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		o.Unwatch(id)
		return ctx.Err()
	}
}

// nodeName is the lowercase tag name, or #text / #comment for other nodes.
func nodeName(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
		return strings.ToLower(n.Data)
	case html.TextNode:
		return "#text"
	case html.CommentNode:
		return "#comment"
	}
	return ""
}
