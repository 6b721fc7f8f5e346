// internal/extension/middleware.go
package extension

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// Hooks are user callbacks for the notices the background sends to tab
// contexts. Nil hooks are skipped. They run on the transport's read goroutine.
type Hooks struct {
	// OnTabID fires when the relay tells the context which tab it lives in.
	OnTabID func(tab int64)
	// OnHandle fires when another tab comes under extension control.
	OnHandle func(tab int64)
	// OnUpdate fires when the tab's url or title changes.
	OnUpdate func(info schemas.TabInfo)
	OnOpen   func()
	OnClose  func()
}

// installTabID handles the relay's tabid handshake.
func installTabID(c *Context, hooks Hooks) {
	c.On(schemas.ContextBackground, schemas.TypeTabID, func(_ context.Context, msg transport.Message, _ transport.Reply) bool {
		var tab int64
		if err := msg.Decode(&tab); err != nil || tab == 0 {
			c.logger.Warn("Ignoring malformed tab id.", zap.ByteString("msg", msg.Msg))
			return false
		}
		c.ep.SetTab(tab)
		c.logger.Debug("Tab assigned.", zap.Int64("tab", tab))
		if hooks.OnTabID != nil {
			hooks.OnTabID(tab)
		}
		return false
	})
}

// installMiddleware handles every background notice a content context understands.
func installMiddleware(c *Context, hooks Hooks) {
	installTabID(c, hooks)

	c.On(schemas.ContextBackground, schemas.TypeHandle, func(_ context.Context, msg transport.Message, _ transport.Reply) bool {
		var notice schemas.HandleNotice
		if err := msg.Decode(&notice); err != nil {
			c.logger.Warn("Ignoring malformed handle notice.", zap.Error(err))
			return false
		}
		if hooks.OnHandle != nil {
			hooks.OnHandle(notice.Tab)
		}
		return false
	})
	c.On(schemas.ContextBackground, schemas.TypeUpdate, func(_ context.Context, msg transport.Message, _ transport.Reply) bool {
		var info schemas.TabInfo
		if err := msg.Decode(&info); err != nil {
			c.logger.Warn("Ignoring malformed tab update.", zap.Error(err))
			return false
		}
		if hooks.OnUpdate != nil {
			hooks.OnUpdate(info)
		}
		return false
	})
	c.On(schemas.ContextBackground, schemas.TypeOpen, func(context.Context, transport.Message, transport.Reply) bool {
		if hooks.OnOpen != nil {
			hooks.OnOpen()
		}
		return false
	})
	c.On(schemas.ContextBackground, schemas.TypeClose, func(context.Context, transport.Message, transport.Reply) bool {
		if hooks.OnClose != nil {
			hooks.OnClose()
		}
		return false
	})
}
