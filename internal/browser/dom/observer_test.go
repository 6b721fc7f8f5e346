package dom_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/webext-auto/internal/browser/dom"
)

type delivery struct {
	id      int
	target  *html.Node
	watched *html.Node
	typ     dom.MutationType
	result  dom.Result
}

type collector struct {
	mu  sync.Mutex
	got []delivery
}

func (c *collector) cb(id int, target, watched *html.Node, typ dom.MutationType, r dom.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, delivery{id, target, watched, typ, r})
}

func (c *collector) all() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.got...)
}

func mustFind(t *testing.T, doc *dom.Document, expr string) *html.Node {
	t.Helper()
	n, err := doc.Find(expr)
	require.NoError(t, err)
	return n
}

func TestObserver_WatchMarksOnce(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	doc := parsePage(t)
	obs := dom.NewObserver(doc, zap.New(core))
	list := mustFind(t, doc, `//div[@id='list']`)

	id, ok := obs.Watch(list, dom.Options{ChildList: true}, nil)
	require.True(t, ok)
	assert.Equal(t, 1, id)
	v, _ := doc.Attr(list, dom.WatchAttr)
	assert.Equal(t, "1", v)

	id, ok = obs.Watch(list, dom.Options{ChildList: true}, nil)
	assert.False(t, ok)
	assert.Zero(t, id)
	assert.Equal(t, 1, logs.FilterMessage("Already on watch.").Len())
	assert.Equal(t, 1, obs.Len())

	_, ok = obs.Watch(list.FirstChild.FirstChild, dom.Options{CharacterData: true}, nil)
	assert.False(t, ok, "text nodes cannot carry a marker")

	assert.True(t, obs.Unwatch(1))
	assert.False(t, obs.Unwatch(1))
	_, marked := doc.Attr(list, dom.WatchAttr)
	assert.False(t, marked)
	assert.Zero(t, obs.Len())

	id, ok = obs.Watch(list, dom.Options{}, nil)
	assert.True(t, ok)
	assert.Equal(t, 2, id, "ids are not reused")
}

func TestObserver_MarkerIsSilent(t *testing.T) {
	doc := parsePage(t)
	recs := record(doc)
	obs := dom.NewObserver(doc, zap.NewNop())

	id, ok := obs.Watch(mustFind(t, doc, `//span`), dom.Options{Attributes: true}, nil)
	require.True(t, ok)
	obs.Unwatch(id)
	assert.Empty(t, *recs)
}

func TestObserver_Routing(t *testing.T) {
	doc := parsePage(t)
	obs := dom.NewObserver(doc, zap.NewNop())
	body := mustFind(t, doc, `//body`)
	list := mustFind(t, doc, `//div[@id='list']`)
	p := mustFind(t, doc, `//p[@class='x']`)

	var outer, inner collector
	outerID, _ := obs.Watch(body, dom.Options{ChildList: true, Attributes: true, Subtree: true}, outer.cb)
	innerID, _ := obs.Watch(list, dom.Options{ChildList: true}, inner.cb)

	added := element("b")
	require.NoError(t, doc.AppendChild(list, added))
	require.Len(t, inner.all(), 1)
	got := inner.all()[0]
	assert.Equal(t, innerID, got.id)
	assert.Same(t, list, got.target)
	assert.Same(t, list, got.watched)
	assert.Equal(t, []*html.Node{added}, got.result.AddedNodes)
	assert.Empty(t, outer.all(), "only the nearest watch is told")

	// The inner watch has no subtree, so changes below it are dropped rather
	// than handed up to the outer watch.
	require.NoError(t, doc.AppendChild(p, element("i")))
	assert.Len(t, inner.all(), 1)
	assert.Empty(t, outer.all())

	span := mustFind(t, doc, `//span`)
	doc.SetAttribute(span, "title", "x")
	require.Len(t, outer.all(), 1)
	got = outer.all()[0]
	assert.Equal(t, outerID, got.id)
	assert.Same(t, span, got.target)
	assert.Same(t, body, got.watched)
	assert.Equal(t, dom.Attributes, got.typ)
	assert.Equal(t, "x", got.result.NewValue)
	assert.False(t, got.result.HasOldValue)

	obs.Unwatch(innerID)
	require.NoError(t, doc.AppendChild(list, element("u")))
	assert.Len(t, outer.all(), 2, "falls through to the outer watch once the inner one is gone")
}

func TestObserver_Options(t *testing.T) {
	tests := []struct {
		name   string
		opts   dom.Options
		mutate func(t *testing.T, doc *dom.Document, span *html.Node)
		want   int
		check  func(t *testing.T, r dom.Result)
	}{
		{
			name: "attribute filter matches case-insensitively",
			opts: dom.Options{Attributes: true, AttributeFilter: []string{"TITLE"}},
			mutate: func(t *testing.T, doc *dom.Document, span *html.Node) {
				doc.SetAttribute(span, "class", "c")
				doc.SetAttribute(span, "title", "t")
			},
			want: 1,
			check: func(t *testing.T, r dom.Result) {
				assert.Equal(t, "title", r.AttributeName)
				assert.Equal(t, "t", r.NewValue)
			},
		},
		{
			name: "attribute old value",
			opts: dom.Options{AttributeOldValue: true},
			mutate: func(t *testing.T, doc *dom.Document, span *html.Node) {
				doc.SetAttribute(span, "id", "u")
			},
			want: 1,
			check: func(t *testing.T, r dom.Result) {
				assert.True(t, r.HasOldValue)
				assert.Equal(t, "t", r.OldValue)
				assert.Equal(t, "u", r.NewValue)
			},
		},
		{
			name: "character data with old value",
			opts: dom.Options{CharacterData: true, CharacterDataOldValue: true, Subtree: true},
			mutate: func(t *testing.T, doc *dom.Document, span *html.Node) {
				require.NoError(t, doc.SetText(span.FirstChild, "bye"))
			},
			want: 1,
			check: func(t *testing.T, r dom.Result) {
				assert.Equal(t, "hello", r.OldValue)
				assert.Equal(t, "bye", r.NewValue)
			},
		},
		{
			name: "character data without subtree",
			opts: dom.Options{CharacterData: true},
			mutate: func(t *testing.T, doc *dom.Document, span *html.Node) {
				require.NoError(t, doc.SetText(span.FirstChild, "bye"))
			},
		},
		{
			name: "character data hides old value unless asked",
			opts: dom.Options{CharacterData: true, Subtree: true},
			mutate: func(t *testing.T, doc *dom.Document, span *html.Node) {
				require.NoError(t, doc.SetText(span.FirstChild, "bye"))
			},
			want: 1,
			check: func(t *testing.T, r dom.Result) {
				assert.False(t, r.HasOldValue)
				assert.Empty(t, r.OldValue)
				assert.Equal(t, "bye", r.NewValue)
			},
		},
		{
			name: "type not enabled",
			opts: dom.Options{ChildList: true},
			mutate: func(t *testing.T, doc *dom.Document, span *html.Node) {
				doc.SetAttribute(span, "title", "t")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := parsePage(t)
			obs := dom.NewObserver(doc, zap.NewNop())
			span := mustFind(t, doc, `//span`)

			var c collector
			_, ok := obs.Watch(span, tt.opts, c.cb)
			require.True(t, ok)
			tt.mutate(t, doc, span)

			got := c.all()
			require.Len(t, got, tt.want)
			if tt.check != nil {
				tt.check(t, got[0].result)
			}
		})
	}
}

func TestObserver_WaitForAppend(t *testing.T) {
	doc := parsePage(t)
	obs := dom.NewObserver(doc, zap.NewNop())
	list := mustFind(t, doc, `//div[@id='list']`)
	p := mustFind(t, doc, `//p[1]`)

	errc := make(chan error, 1)
	go func() { errc <- obs.WaitForAppend(context.Background(), list, "SECTION") }()
	require.Eventually(t, func() bool { return obs.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, doc.AppendChild(p, element("b")))
	require.NoError(t, doc.AppendChild(p, element("section")))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForAppend did not return")
	}
	assert.Zero(t, obs.Len())
	_, marked := doc.Attr(list, dom.WatchAttr)
	assert.False(t, marked)
}

func TestObserver_WaitForRemove(t *testing.T) {
	doc := parsePage(t)
	obs := dom.NewObserver(doc, zap.NewNop())
	body := mustFind(t, doc, `//body`)
	span := mustFind(t, doc, `//span`)

	errc := make(chan error, 1)
	go func() { errc <- obs.WaitForRemove(context.Background(), body, "span") }()
	require.Eventually(t, func() bool { return obs.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, doc.RemoveChild(body, span))
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForRemove did not return")
	}
}

func TestObserver_WaitForAttribute(t *testing.T) {
	doc := parsePage(t)
	obs := dom.NewObserver(doc, zap.NewNop())
	span := mustFind(t, doc, `//span`)

	errc := make(chan error, 1)
	go func() { errc <- obs.WaitForAttribute(context.Background(), span, "aria-busy") }()
	require.Eventually(t, func() bool { return obs.Len() == 1 }, time.Second, time.Millisecond)

	doc.SetAttribute(span, "class", "ignored")
	select {
	case <-errc:
		t.Fatal("returned on an unrelated attribute")
	case <-time.After(20 * time.Millisecond):
	}

	doc.SetAttribute(span, "aria-busy", "false")
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForAttribute did not return")
	}
}

func TestObserver_WaitHonorsContext(t *testing.T) {
	doc := parsePage(t)
	obs := dom.NewObserver(doc, zap.NewNop())
	span := mustFind(t, doc, `//span`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := obs.WaitForAttribute(ctx, span, "title")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, obs.Len())

	_, ok := obs.Watch(span, dom.Options{}, nil)
	require.True(t, ok)
	assert.ErrorIs(t, obs.WaitForAttribute(context.Background(), span, "title"), dom.ErrAlreadyWatched)
}

func TestObserver_ReplaceDropsWatches(t *testing.T) {
	doc := parsePage(t)
	obs := dom.NewObserver(doc, zap.NewNop())
	span := mustFind(t, doc, `//span`)
	list := mustFind(t, doc, `//div[@id='list']`)

	var c collector
	_, ok := obs.Watch(list, dom.Options{ChildList: true}, c.cb)
	require.True(t, ok)

	errc := make(chan error, 1)
	go func() { errc <- obs.WaitForAttribute(context.Background(), span, "title") }()
	require.Eventually(t, func() bool { return obs.Len() == 2 }, time.Second, time.Millisecond)

	fresh, err := dom.ParseString(`<html><body><div id="list"></div></body></html>`)
	require.NoError(t, err)
	doc.Replace(fresh.Root())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, dom.ErrDocumentReplaced)
	case <-time.After(time.Second):
		t.Fatal("WaitForAttribute did not return after Replace")
	}
	assert.Zero(t, obs.Len())

	newList := mustFind(t, doc, `//div[@id='list']`)
	require.NoError(t, doc.AppendChild(newList, element("p")))
	assert.Empty(t, c.all(), "watches on the old tree receive nothing")

	_, ok = obs.Watch(newList, dom.Options{ChildList: true}, c.cb)
	assert.True(t, ok, "nodes of the new tree can be watched")
}
