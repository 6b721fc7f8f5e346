package extension

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/browser/dom"
	"github.com/xkilldash9x/webext-auto/internal/config"
	"github.com/xkilldash9x/webext-auto/internal/relay"
	"github.com/xkilldash9x/webext-auto/internal/store"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// -- Driver Mock --

type mockDriver struct{ mock.Mock }

func (m *mockDriver) Press(ctx context.Context, targetID, key string) error {
	return m.Called(ctx, targetID, key).Error(0)
}

func (m *mockDriver) Type(ctx context.Context, targetID, text string) error {
	return m.Called(ctx, targetID, text).Error(0)
}

func (m *mockDriver) Click(ctx context.Context, targetID string, x, y float64) error {
	return m.Called(ctx, targetID, x, y).Error(0)
}

func (m *mockDriver) Scroll(ctx context.Context, targetID string, x, y, deltaY float64) error {
	return m.Called(ctx, targetID, x, y, deltaY).Error(0)
}

// -- Page Fake --

// fakePage reports a fixed element box shifted by how far the page was scrolled.
type fakePage struct {
	doc *dom.Document

	mu       sync.Mutex
	rect     dom.Rect
	scrolled float64
	viewport float64
	rectErr  error
}

func newFakePage(t *testing.T, rect dom.Rect) *fakePage {
	t.Helper()
	doc, err := dom.ParseString(`<html><body><div id="list"><button id="go">Go</button></div></body></html>`)
	require.NoError(t, err)
	return &fakePage{doc: doc, rect: rect, viewport: 800}
}

func (p *fakePage) Document() *dom.Document { return p.doc }

func (p *fakePage) Rect(context.Context, *html.Node) (dom.Rect, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rectErr != nil {
		return dom.Rect{}, p.rectErr
	}
	r := p.rect
	r.Top -= p.scrolled
	return r, nil
}

func (p *fakePage) ViewportHeight(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport, nil
}

func (p *fakePage) scroll(delta float64) {
	p.mu.Lock()
	p.scrolled += delta
	p.mu.Unlock()
}

// -- In-memory Wiring --

// pipe connects a peer endpoint to the relay without a network.
type pipe struct {
	ep   *transport.Endpoint
	r    *relay.Relay
	link atomic.Pointer[relay.Link]
}

type downConn struct{ p *pipe }

func (c downConn) Write(ctx context.Context, env *schemas.Envelope) error {
	_ = c.p.ep.Receive(ctx, env.Clone())
	return nil
}

func (downConn) Close() error { return nil }

type upConn struct{ p *pipe }

func (c upConn) Write(ctx context.Context, env *schemas.Envelope) error {
	link := c.p.link.Load()
	if link == nil {
		return transport.ErrNotConnected
	}
	c.p.r.Route(ctx, env.Clone(), link)
	return nil
}

func (upConn) Close() error { return nil }

type harness struct {
	t        *testing.T
	relay    *relay.Relay
	driver   *mockDriver
	settings *store.Memory
	bg       *Background
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := relay.New(transport.NewEndpoint(schemas.ContextBackground, zap.NewNop()), relay.Options{ExtensionID: "ext"}, zap.NewNop())
	h := &harness{t: t, relay: r, driver: &mockDriver{}, settings: store.NewMemory()}
	bg, err := NewBackground(r, h.driver, h.settings, zaptest.NewLogger(t))
	require.NoError(t, err)
	h.bg = bg
	t.Cleanup(bg.Stop)
	return h
}

func (h *harness) endpoint(self schemas.ContextID) (*transport.Endpoint, *pipe) {
	ep := transport.NewEndpoint(self, zap.NewNop(), transport.WithCallTimeout(5*time.Second))
	p := &pipe{ep: ep, r: h.relay}
	ep.Bind(upConn{p})
	return ep, p
}

var testContentConfig = config.ContentConfig{ScrollSettle: 2 * time.Second, MaxScrollRetries: 3}

// content attaches a content context for targetID, wired before the relay greets it.
func (h *harness) content(targetID string, page *fakePage, opts ...ContentOption) (*Content, int64) {
	h.t.Helper()
	ep, p := h.endpoint(schemas.ContextContent)
	c, err := NewContent(ep, page, testContentConfig, zaptest.NewLogger(h.t), append([]ContentOption{WithSeed(1)}, opts...)...)
	require.NoError(h.t, err)
	tab := h.relay.Tabs().Assign(targetID)
	p.link.Store(h.relay.ConnectContent(context.Background(), tab, downConn{p}))
	return c, tab
}

func (h *harness) popup(onTabs func([]schemas.TabInfo)) (*Popup, *relay.Link) {
	h.t.Helper()
	ep, p := h.endpoint(schemas.ContextPopup)
	pop, err := NewPopup(ep, zaptest.NewLogger(h.t), onTabs)
	require.NoError(h.t, err)
	link := h.relay.ConnectPopup(context.Background(), downConn{p})
	p.link.Store(link)
	return pop, link
}

func (h *harness) web(targetID, extensionID string, hooks Hooks) (*Web, error) {
	h.t.Helper()
	ep, p := h.endpoint(schemas.ContextWeb)
	w, err := NewWeb(ep, zaptest.NewLogger(h.t), hooks)
	require.NoError(h.t, err)
	tab := h.relay.Tabs().Assign(targetID)
	link, err := h.relay.ConnectWeb(context.Background(), tab, extensionID, downConn{p})
	if err != nil {
		return nil, err
	}
	p.link.Store(link)
	return w, nil
}
