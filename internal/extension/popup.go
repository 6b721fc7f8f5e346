// internal/extension/popup.go
package extension

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// Popup is the operator's console: it sees the registered tabs and drives
// any of them through the background.
type Popup struct {
	*Context

	mu     sync.RWMutex
	tabs   []schemas.TabInfo
	onTabs func([]schemas.TabInfo)
}

// NewPopup composes a popup context around ep. onTabs, when set, is called
// with every tab list the background pushes.
func NewPopup(ep *transport.Endpoint, logger *zap.Logger, onTabs func([]schemas.TabInfo)) (*Popup, error) {
	c, err := NewContext(RolePopup, ep, logger)
	if err != nil {
		return nil, err
	}
	p := &Popup{Context: c, onTabs: onTabs}
	c.On(schemas.ContextBackground, schemas.TypeTabs, func(_ context.Context, msg transport.Message, _ transport.Reply) bool {
		var state schemas.TabsState
		if err := msg.Decode(&state); err != nil {
			p.logger.Warn("Ignoring malformed tabs state.", zap.Error(err))
			return false
		}
		p.setTabs(state.Tabs)
		return false
	})
	return p, nil
}

func (p *Popup) setTabs(tabs []schemas.TabInfo) {
	p.mu.Lock()
	p.tabs = tabs
	p.mu.Unlock()
	if p.onTabs != nil {
		p.onTabs(tabs)
	}
}

// Tabs returns the last tab list received.
func (p *Popup) Tabs() []schemas.TabInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]schemas.TabInfo(nil), p.tabs...)
}

// Refresh asks the background for the current tab list.
func (p *Popup) Refresh(ctx context.Context) ([]schemas.TabInfo, error) {
	var state schemas.TabsState
	if err := p.call(ctx, schemas.ContextBackground, 0, schemas.TypeTabs, nil, &state); err != nil {
		return nil, err
	}
	p.setTabs(state.Tabs)
	return p.Tabs(), nil
}

// Click clicks at a viewport point of tab.
func (p *Popup) Click(ctx context.Context, tab int64, x, y float64) error {
	return p.call(ctx, schemas.ContextBackground, 0, schemas.TypeClick, schemas.ClickRequest{X: x, Y: y, Tab: tab}, nil)
}

// Scroll wheels deltaY pixels at a viewport point of tab.
func (p *Popup) Scroll(ctx context.Context, tab int64, x, y, deltaY float64) error {
	return p.call(ctx, schemas.ContextBackground, 0, schemas.TypeScroll, schemas.ScrollRequest{X: x, Y: y, DeltaY: deltaY, Tab: tab}, nil)
}

// Press presses a named key in tab.
func (p *Popup) Press(ctx context.Context, tab int64, key string) error {
	return p.call(ctx, schemas.ContextBackground, 0, schemas.TypePress, schemas.PressRequest{Key: key, Tab: tab}, nil)
}

// Type types text into tab.
func (p *Popup) Type(ctx context.Context, tab int64, text string) error {
	return p.call(ctx, schemas.ContextBackground, 0, schemas.TypeType, schemas.TypeRequest{Text: text, Tab: tab}, nil)
}
