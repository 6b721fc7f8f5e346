// internal/browser/session/context_utils.go
package session

import (
	"context"
	"net/url"
	"strings"
)

// CombineContext derives a context from tabCtx, which carries the chromedp
// target, that is also canceled when opCtx is. Values come from tabCtx only.
func CombineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(opCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// WebSocketURL turns a DevTools HTTP endpoint into the websocket form the
// remote allocator expects. ws:// and wss:// URLs pass through unchanged.
func WebSocketURL(debuggerURL string) string {
	u, err := url.Parse(strings.TrimSpace(debuggerURL))
	if err != nil || u.Host == "" {
		return debuggerURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
