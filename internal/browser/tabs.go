// internal/browser/tabs.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/internal/browser/session"
	"github.com/xkilldash9x/webext-auto/internal/config"
)

// TabSink receives tab lifecycle notices. The relay implements it.
type TabSink interface {
	OnTabUpdated(ctx context.Context, targetID, url, title string)
	OnTabClosed(ctx context.Context, targetID string)
}

// TabWatcher follows the browser's page targets over a browser-level debugger
// connection and reports their lifecycle to a sink.
type TabWatcher struct {
	debuggerURL string
	sink        TabSink
	logger      *zap.Logger

	mu    sync.Mutex
	pages map[string]struct{}

	// connect opens the browser connection and returns the initial targets.
	connect func(ctx context.Context, onEvent func(ev any)) ([]*target.Info, func(), error)
}

// NewTabWatcher creates a watcher for the browser behind cfg.DebuggerURL.
func NewTabWatcher(cfg config.BrowserConfig, sink TabSink, logger *zap.Logger) *TabWatcher {
	w := &TabWatcher{
		debuggerURL: session.WebSocketURL(cfg.DebuggerURL),
		sink:        sink,
		logger:      logger.Named("tabs"),
		pages:       make(map[string]struct{}),
	}
	w.connect = w.connectRemote
	return w
}

func (w *TabWatcher) connectRemote(ctx context.Context, onEvent func(ev any)) ([]*target.Info, func(), error) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, w.debuggerURL)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	release := func() {
		cancelBrowser()
		cancelAlloc()
	}

	if err := chromedp.Run(browserCtx); err != nil {
		release()
		return nil, nil, err
	}
	chromedp.ListenBrowser(browserCtx, onEvent)

	discover := chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	})
	if err := chromedp.Run(browserCtx, discover); err != nil {
		release()
		return nil, nil, err
	}
	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		release()
		return nil, nil, err
	}
	return infos, release, nil
}

// Run reports the current pages, then follows target events until ctx is done.
func (w *TabWatcher) Run(ctx context.Context) error {
	events := make(chan any, 64)
	infos, release, err := w.connect(ctx, func(ev any) {
		// Listeners run on the connection's read loop and must not block it.
		select {
		case events <- ev:
		default:
			w.logger.Warn("Dropped target event, watcher is behind.", zap.String("event", fmt.Sprintf("%T", ev)))
		}
	})
	if err != nil {
		return fmt.Errorf("browser: watch tabs: %w", err)
	}
	defer release()

	for _, info := range infos {
		w.infoChanged(ctx, info)
	}
	w.logger.Info("Watching browser tabs.", zap.Int("pages", w.Len()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			w.handle(ctx, ev)
		}
	}
}

// Len returns the number of page targets currently known.
func (w *TabWatcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pages)
}

func (w *TabWatcher) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		w.infoChanged(ctx, e.TargetInfo)
	case *target.EventTargetInfoChanged:
		w.infoChanged(ctx, e.TargetInfo)
	case *target.EventTargetDestroyed:
		w.closed(ctx, string(e.TargetID))
	case *target.EventTargetCrashed:
		w.closed(ctx, string(e.TargetID))
	}
}

func (w *TabWatcher) infoChanged(ctx context.Context, info *target.Info) {
	if info == nil || info.Type != "page" {
		return
	}
	id := string(info.TargetID)
	w.mu.Lock()
	w.pages[id] = struct{}{}
	w.mu.Unlock()
	w.sink.OnTabUpdated(ctx, id, info.URL, info.Title)
}

func (w *TabWatcher) closed(ctx context.Context, targetID string) {
	w.mu.Lock()
	_, known := w.pages[targetID]
	delete(w.pages, targetID)
	w.mu.Unlock()
	if !known {
		return
	}
	w.logger.Debug("Tab closed.", zap.String("target", targetID))
	w.sink.OnTabClosed(ctx, targetID)
}
