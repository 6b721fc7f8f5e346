// internal/extension/background.go
package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/browser/humanoid"
	"github.com/xkilldash9x/webext-auto/internal/relay"
	"github.com/xkilldash9x/webext-auto/internal/store"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

var (
	// ErrNoTab is returned for popup driver requests that do not name a tab.
	ErrNoTab = errors.New("extension: request names no tab")
	// ErrUnknownTab is returned when a tab has no browser target behind it.
	ErrUnknownTab = errors.New("extension: unknown tab")
	// ErrStopped is returned for requests that arrive after the background stopped.
	ErrStopped = errors.New("extension: background stopped")
)

// Background serves driver, settings and trace requests from the other
// contexts. It lives on the relay's own endpoint.
type Background struct {
	*Context
	relay    *relay.Relay
	driver   humanoid.Controller
	settings store.Settings

	base    context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewBackground installs the background handlers on r's endpoint.
func NewBackground(r *relay.Relay, driver humanoid.Controller, settings store.Settings, logger *zap.Logger) (*Background, error) {
	c, err := NewContext(RoleBackground, r.Endpoint(), logger)
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	b := &Background{
		Context:  c,
		relay:    r,
		driver:   driver,
		settings: settings,
		base:     base,
		cancel:   cancel,
	}

	for _, src := range []schemas.ContextID{schemas.ContextContent, schemas.ContextWeb, schemas.ContextPopup} {
		b.On(src, schemas.TypeClick, b.handleClick)
		b.On(src, schemas.TypeScroll, b.handleScroll)
		b.On(src, schemas.TypePress, b.handlePress)
		b.On(src, schemas.TypeType, b.handleType)
		b.On(src, schemas.TypeStore, b.handleStore)
		b.On(src, schemas.TypeRestore, b.handleRestore)
		b.On(src, schemas.TypeTrace, b.handleTrace)
	}
	b.On(schemas.ContextPopup, schemas.TypeTabs, func(_ context.Context, _ transport.Message, reply transport.Reply) bool {
		reply(b.relay.TabsState(), nil)
		return true
	})
	return b, nil
}

// Serve blocks until ctx ends, then stops the background.
func (b *Background) Serve(ctx context.Context) error {
	<-ctx.Done()
	b.Stop()
	return nil
}

// Stop cancels in-flight actions and waits for them to acknowledge.
func (b *Background) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

// async runs fn off the read goroutine and acknowledges with its outcome.
func (b *Background) async(action string, reply transport.Reply, fn func(ctx context.Context) (any, error)) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		reply(nil, ErrStopped)
		return true
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		result, err := fn(b.base)
		if err != nil {
			b.logger.Warn("Request failed.", zap.String("action", action), zap.Error(err))
		}
		reply(result, err)
	}()
	return true
}

// target resolves the browser target a driver request acts on. Tab contexts
// always act on their own tab; the popup must name one.
func (b *Background) target(msg transport.Message, requested int64) (string, error) {
	tab := requested
	if msg.Src.TabScoped() {
		tab = msg.FromTab
	}
	if tab == 0 {
		return "", ErrNoTab
	}
	info, ok := b.relay.Tabs().Lookup(tab)
	if !ok || info.TargetID == "" {
		return "", fmt.Errorf("%w: %d", ErrUnknownTab, tab)
	}
	return info.TargetID, nil
}

func (b *Background) drive(action string, msg transport.Message, reply transport.Reply, tab int64, fn func(ctx context.Context, target string) error) bool {
	target, err := b.target(msg, tab)
	if err != nil {
		b.logger.Debug("Refusing driver request.", zap.String("action", action), zap.Stringer("src", msg.Src), zap.Error(err))
		reply(nil, err)
		return true
	}
	return b.async(action, reply, func(ctx context.Context) (any, error) {
		return nil, fn(ctx, target)
	})
}

func (b *Background) handleClick(_ context.Context, msg transport.Message, reply transport.Reply) bool {
	var req schemas.ClickRequest
	if err := msg.Decode(&req); err != nil {
		reply(nil, err)
		return true
	}
	return b.drive(schemas.TypeClick, msg, reply, req.Tab, func(ctx context.Context, target string) error {
		return b.driver.Click(ctx, target, req.X, req.Y)
	})
}

func (b *Background) handleScroll(_ context.Context, msg transport.Message, reply transport.Reply) bool {
	var req schemas.ScrollRequest
	if err := msg.Decode(&req); err != nil {
		reply(nil, err)
		return true
	}
	return b.drive(schemas.TypeScroll, msg, reply, req.Tab, func(ctx context.Context, target string) error {
		return b.driver.Scroll(ctx, target, req.X, req.Y, req.DeltaY)
	})
}

func (b *Background) handlePress(_ context.Context, msg transport.Message, reply transport.Reply) bool {
	var req schemas.PressRequest
	if err := msg.Decode(&req); err != nil {
		reply(nil, err)
		return true
	}
	return b.drive(schemas.TypePress, msg, reply, req.Tab, func(ctx context.Context, target string) error {
		return b.driver.Press(ctx, target, req.Key)
	})
}

func (b *Background) handleType(_ context.Context, msg transport.Message, reply transport.Reply) bool {
	var req schemas.TypeRequest
	if err := msg.Decode(&req); err != nil {
		reply(nil, err)
		return true
	}
	return b.drive(schemas.TypeType, msg, reply, req.Tab, func(ctx context.Context, target string) error {
		return b.driver.Type(ctx, target, req.Text)
	})
}

func (b *Background) handleStore(_ context.Context, msg transport.Message, reply transport.Reply) bool {
	var req schemas.StoreRequest
	if err := msg.Decode(&req); err != nil {
		reply(nil, err)
		return true
	}
	return b.async(schemas.TypeStore, reply, func(ctx context.Context) (any, error) {
		return nil, b.settings.Store(ctx, req.Key, req.Value)
	})
}

func (b *Background) handleRestore(_ context.Context, msg transport.Message, reply transport.Reply) bool {
	var req schemas.RestoreRequest
	if err := msg.Decode(&req); err != nil {
		reply(nil, err)
		return true
	}
	return b.async(schemas.TypeRestore, reply, func(ctx context.Context) (any, error) {
		return b.settings.Restore(ctx, req.Keys)
	})
}

func (b *Background) handleTrace(_ context.Context, msg transport.Message, _ transport.Reply) bool {
	b.logger.Debug("Trace.", zap.Stringer("src", msg.Src), zap.Int64("tab", msg.FromTab), zap.ByteString("msg", msg.Msg))
	return false
}
