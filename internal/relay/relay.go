// internal/relay/relay.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// ErrUntrusted is returned when an external connection presents a foreign extension id.
var ErrUntrusted = errors.New("relay: untrusted sender")

// Link is one bound connection from a peer context.
type Link struct {
	id      string
	context schemas.ContextID
	tab     int64
	conn    transport.Conn
	limiter *rate.Limiter
}

// ID returns the unique id of the link.
func (l *Link) ID() string { return l.id }

// Context returns the peer context the link speaks for.
func (l *Link) Context() schemas.ContextID { return l.context }

// Tab returns the tab the link is bound to, zero for the popup.
func (l *Link) Tab() int64 { return l.tab }

type binding struct {
	content *Link
	web     *Link
}

// EventKind enumerates link lifecycle notifications.
type EventKind int

const (
	LinkUp EventKind = iota
	LinkDown
	TabUpdated
	TabClosed
)

func (k EventKind) String() string {
	switch k {
	case LinkUp:
		return "link_up"
	case LinkDown:
		return "link_down"
	case TabUpdated:
		return "tab_updated"
	case TabClosed:
		return "tab_closed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is delivered to the listener installed with OnEvent.
type Event struct {
	Kind    EventKind
	Context schemas.ContextID
	Tab     schemas.TabInfo
}

// Options tunes a Relay.
type Options struct {
	// ExtensionID is the identity external connections must present.
	ExtensionID string
	// RateLimit caps envelopes per second accepted from one link. Zero disables it.
	RateLimit float64
	RateBurst int
}

// Relay is the background context's hub: it binds peer links per tab, routes
// envelopes by destination and hosts the background endpoint itself.
type Relay struct {
	opts   Options
	logger *zap.Logger
	local  *transport.Endpoint
	tabs   *TabRegistry

	mu       sync.RWMutex
	bindings map[int64]*binding
	popup    *Link
	listener func(Event)
}

// New creates a relay around the background endpoint and binds it so that
// everything the background sends is routed by this relay.
func New(local *transport.Endpoint, opts Options, logger *zap.Logger) *Relay {
	r := &Relay{
		opts:     opts,
		logger:   logger.Named("relay"),
		local:    local,
		tabs:     NewTabRegistry(),
		bindings: make(map[int64]*binding),
	}
	local.Bind(localConn{r})
	return r
}

// Endpoint returns the background endpoint hosted by the relay.
func (r *Relay) Endpoint() *transport.Endpoint { return r.local }

// Tabs exposes the tab registry.
func (r *Relay) Tabs() *TabRegistry { return r.tabs }

// OnEvent installs the lifecycle listener. It is called without relay locks held.
func (r *Relay) OnEvent(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = fn
}

// ExtensionID returns the identity trusted on the external entry point.
func (r *Relay) ExtensionID() string { return r.opts.ExtensionID }

func (r *Relay) newLink(c schemas.ContextID, tab int64, conn transport.Conn) *Link {
	l := &Link{id: uuid.NewString(), context: c, tab: tab, conn: conn}
	if r.opts.RateLimit > 0 {
		burst := r.opts.RateBurst
		if burst <= 0 {
			burst = int(r.opts.RateLimit)
		}
		l.limiter = rate.NewLimiter(rate.Limit(r.opts.RateLimit), burst)
	}
	return l
}

func (r *Relay) emit(ev Event) {
	r.mu.RLock()
	fn := r.listener
	r.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (r *Relay) tabInfo(tab int64) schemas.TabInfo {
	if info, ok := r.tabs.Lookup(tab); ok {
		return info
	}
	return schemas.TabInfo{ID: tab}
}

// ConnectContent binds a content link for tab, registers the tab, sends it the
// tabid handshake and tells every other content link that the tab is handled.
// A previous content link for the same tab is replaced and closed.
func (r *Relay) ConnectContent(ctx context.Context, tab int64, conn transport.Conn) *Link {
	link := r.newLink(schemas.ContextContent, tab, conn)

	r.mu.Lock()
	b := r.bindings[tab]
	if b == nil {
		b = &binding{}
		r.bindings[tab] = b
	}
	old := b.content
	b.content = link
	others := r.contentTabsLocked(tab)
	r.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
	}
	r.tabs.Register(tab)
	r.logger.Info("Content connected.", zap.Int64("tab", tab), zap.String("link", link.id))

	if err := r.local.ToContent(ctx, tab, schemas.TypeTabID, tab, nil); err != nil {
		r.logger.Warn("Failed to send tab id.", zap.Int64("tab", tab), zap.Error(err))
	}
	for _, other := range others {
		_ = r.local.ToContent(ctx, other, schemas.TypeHandle, schemas.HandleNotice{Tab: tab}, nil)
	}
	r.emit(Event{Kind: LinkUp, Context: schemas.ContextContent, Tab: r.tabInfo(tab)})
	return link
}

// ConnectWeb binds a web link after checking the presented extension id.
func (r *Relay) ConnectWeb(ctx context.Context, tab int64, extensionID string, conn transport.Conn) (*Link, error) {
	if extensionID != r.opts.ExtensionID {
		r.logger.Warn("Rejected external connection.",
			zap.String("extension_id", extensionID), zap.Int64("tab", tab))
		return nil, ErrUntrusted
	}
	link := r.newLink(schemas.ContextWeb, tab, conn)

	r.mu.Lock()
	b := r.bindings[tab]
	if b == nil {
		b = &binding{}
		r.bindings[tab] = b
	}
	old := b.web
	b.web = link
	r.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
	}
	r.logger.Info("Web connected.", zap.Int64("tab", tab), zap.String("link", link.id))
	if err := r.local.ToWeb(ctx, tab, schemas.TypeTabID, tab, nil); err != nil {
		r.logger.Warn("Failed to send tab id.", zap.Int64("tab", tab), zap.Error(err))
	}
	r.emit(Event{Kind: LinkUp, Context: schemas.ContextWeb, Tab: r.tabInfo(tab)})
	return link, nil
}

// ConnectPopup binds the single popup link, tells registered tabs the popup
// opened and sends the popup the current tab list.
func (r *Relay) ConnectPopup(ctx context.Context, conn transport.Conn) *Link {
	link := r.newLink(schemas.ContextPopup, 0, conn)

	r.mu.Lock()
	old := r.popup
	r.popup = link
	r.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
	}
	r.logger.Info("Popup connected.", zap.String("link", link.id))

	for _, tab := range r.tabs.RegisteredIDs() {
		_ = r.local.ToContent(ctx, tab, schemas.TypeOpen, nil, nil)
	}
	r.pushTabs(ctx)
	r.emit(Event{Kind: LinkUp, Context: schemas.ContextPopup})
	return link
}

// Disconnect unbinds a link if it is still the current one for its slot and
// closes it. Popup departure broadcasts close to registered tabs.
func (r *Relay) Disconnect(ctx context.Context, link *Link) {
	if link == nil {
		return
	}
	current := false

	r.mu.Lock()
	switch link.context {
	case schemas.ContextContent, schemas.ContextWeb:
		if b := r.bindings[link.tab]; b != nil {
			if b.content == link {
				b.content, current = nil, true
			}
			if b.web == link {
				b.web, current = nil, true
			}
			if b.content == nil && b.web == nil {
				delete(r.bindings, link.tab)
			}
		}
	case schemas.ContextPopup:
		if r.popup == link {
			r.popup, current = nil, true
		}
	}
	r.mu.Unlock()

	_ = link.conn.Close()
	if !current {
		return
	}
	r.logger.Info("Link disconnected.", zap.Stringer("context", link.context), zap.Int64("tab", link.tab))

	if link.context == schemas.ContextPopup {
		for _, tab := range r.tabs.RegisteredIDs() {
			_ = r.local.ToContent(ctx, tab, schemas.TypeClose, nil, nil)
		}
	}
	r.emit(Event{Kind: LinkDown, Context: link.context, Tab: r.tabInfo(link.tab)})
}

// Route delivers one envelope. from is the link it arrived on, or nil for the
// background endpoint. Envelopes with no reachable destination are dropped.
func (r *Relay) Route(ctx context.Context, env *schemas.Envelope, from *Link) bool {
	if from != nil {
		if env.Src != from.context {
			r.logger.Warn("Dropping envelope with spoofed source.",
				zap.Stringer("claimed", env.Src), zap.Stringer("link", from.context))
			return false
		}
		if from.limiter != nil && !from.limiter.Allow() {
			r.logger.Warn("Dropping envelope over rate limit.",
				zap.Stringer("context", from.context), zap.Int64("tab", from.tab))
			return false
		}
		if from.tab != 0 {
			env.FromTab = schemas.ID(from.tab)
		} else {
			env.FromTab = nil
		}
	}

	switch env.Dst {
	case schemas.ContextBackground:
		if err := r.local.Receive(ctx, env); err != nil {
			r.logger.Debug("Background did not accept envelope.", zap.String("type", env.Type), zap.Error(err))
			return false
		}
		return true
	case schemas.ContextContent, schemas.ContextWeb, schemas.ContextPopup:
		target := r.lookup(env.Dst, env.ToTab)
		if target == nil {
			r.logger.Debug("No route for envelope.",
				zap.Stringer("dst", env.Dst), zap.Int64p("ttab", env.ToTab), zap.String("type", env.Type))
			return false
		}
		if err := target.conn.Write(ctx, env); err != nil {
			r.logger.Debug("Failed to forward envelope.",
				zap.Stringer("dst", env.Dst), zap.String("link", target.id), zap.Error(err))
			return false
		}
		return true
	default:
		r.logger.Debug("Dropping envelope for unknown destination.", zap.Stringer("dst", env.Dst))
		return false
	}
}

func (r *Relay) lookup(dst schemas.ContextID, tab *int64) *Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if dst == schemas.ContextPopup {
		return r.popup
	}
	if tab == nil {
		return nil
	}
	b := r.bindings[*tab]
	if b == nil {
		return nil
	}
	if dst == schemas.ContextContent {
		return b.content
	}
	return b.web
}

func (r *Relay) contentTabsLocked(except int64) []int64 {
	var tabs []int64
	for tab, b := range r.bindings {
		if tab != except && b.content != nil {
			tabs = append(tabs, tab)
		}
	}
	return tabs
}

// Bound reports whether a link of the given context is bound for tab.
func (r *Relay) Bound(c schemas.ContextID, tab int64) bool {
	return r.lookup(c, &tab) != nil
}

// TabsState returns the registered tabs as sent to the popup.
func (r *Relay) TabsState() schemas.TabsState {
	return schemas.TabsState{Tabs: r.tabs.Registered()}
}

func (r *Relay) pushTabs(ctx context.Context) {
	if err := r.local.ToPopup(ctx, schemas.TypeTabs, r.TabsState(), nil); err != nil {
		r.logger.Debug("Failed to push tabs state.", zap.Error(err))
	}
}

// OnTabUpdated records new tab metadata and forwards an update notice when the
// tab is registered. Unregistered tabs are tracked silently.
func (r *Relay) OnTabUpdated(ctx context.Context, targetID, url, title string) {
	tab, ok := r.tabs.LookupTarget(targetID)
	if !ok {
		return
	}
	info, ok := r.tabs.Update(tab, url, title)
	if !ok || !r.tabs.IsRegistered(tab) {
		return
	}
	if err := r.local.ToContent(ctx, tab, schemas.TypeUpdate, info, nil); err != nil {
		r.logger.Debug("Failed to forward tab update.", zap.Int64("tab", tab), zap.Error(err))
	}
	r.emit(Event{Kind: TabUpdated, Tab: info})
}

// OnTabClosed unregisters the tab behind targetID and unbinds its links.
func (r *Relay) OnTabClosed(ctx context.Context, targetID string) {
	tab, ok := r.tabs.LookupTarget(targetID)
	if !ok {
		return
	}
	info := r.tabInfo(tab)
	wasRegistered := r.tabs.IsRegistered(tab)

	r.mu.Lock()
	b := r.bindings[tab]
	delete(r.bindings, tab)
	r.mu.Unlock()

	if b != nil {
		for _, l := range []*Link{b.content, b.web} {
			if l != nil {
				_ = l.conn.Close()
			}
		}
	}
	r.tabs.Forget(tab)
	r.logger.Info("Tab closed.", zap.Int64("tab", tab), zap.String("target", targetID))

	if wasRegistered {
		r.pushTabs(ctx)
	}
	r.emit(Event{Kind: TabClosed, Tab: info})
}

// Close drops every link.
func (r *Relay) Close() {
	r.mu.Lock()
	var links []*Link
	for _, b := range r.bindings {
		if b.content != nil {
			links = append(links, b.content)
		}
		if b.web != nil {
			links = append(links, b.web)
		}
	}
	if r.popup != nil {
		links = append(links, r.popup)
	}
	r.bindings = make(map[int64]*binding)
	r.popup = nil
	r.mu.Unlock()

	for _, l := range links {
		_ = l.conn.Close()
	}
}

// localConn feeds the background endpoint's output back into the router.
type localConn struct{ r *Relay }

func (c localConn) Write(ctx context.Context, env *schemas.Envelope) error {
	c.r.Route(ctx, env, nil)
	return nil
}

func (localConn) Close() error { return nil }
