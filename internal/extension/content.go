// internal/extension/content.go
package extension

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/browser/dom"
	"github.com/xkilldash9x/webext-auto/internal/browser/humanoid"
	"github.com/xkilldash9x/webext-auto/internal/config"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// ErrOffscreen is returned when an element is still outside the viewport after
// every allowed scroll.
var ErrOffscreen = errors.New("extension: element is outside the viewport")

// Page is the document a content context works on, with its geometry.
type Page interface {
	Document() *dom.Document
	dom.Layout
}

// ContentOption configures a Content.
type ContentOption func(*Content)

// WithHooks installs callbacks for background notices.
func WithHooks(h Hooks) ContentOption {
	return func(c *Content) { c.hooks = h }
}

// WithSeed makes click points and pauses reproducible.
func WithSeed(seed int64) ContentOption {
	return func(c *Content) { c.seed = seed }
}

// WithSleep replaces the wait used for scroll settling and pauses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ContentOption {
	return func(c *Content) { c.sleep = fn }
}

// Content acts on one tab's page: it targets elements in the mirrored
// document and asks the background to drive the input.
type Content struct {
	*Context
	page     Page
	observer *dom.Observer
	cfg      config.ContentConfig
	hooks    Hooks
	seed     int64
	sleep    func(ctx context.Context, d time.Duration) error
	pauser   *humanoid.Pauser

	mu  sync.Mutex
	rng *rand.Rand
}

// NewContent composes a content context around ep and page.
func NewContent(ep *transport.Endpoint, page Page, cfg config.ContentConfig, logger *zap.Logger, opts ...ContentOption) (*Content, error) {
	base, err := NewContext(RoleContent, ep, logger)
	if err != nil {
		return nil, err
	}
	c := &Content{Context: base, page: page, cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.seed == 0 {
		c.seed = time.Now().UnixNano()
	}
	c.rng = rand.New(rand.NewSource(c.seed))
	if c.sleep == nil {
		c.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	c.pauser = humanoid.NewPauser(c.seed, c.sleep)
	c.observer = dom.NewObserver(page.Document(), c.logger)
	installMiddleware(base, c.hooks)
	return c, nil
}

// Document returns the page's mirrored document.
func (c *Content) Document() *dom.Document { return c.page.Document() }

// Observer returns the watch registry of the page.
func (c *Content) Observer() *dom.Observer { return c.observer }

func (c *Content) point(r dom.Rect) (x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return dom.ClickPoint(r, c.rng)
}

func (c *Content) background(ctx context.Context, typ string, payload any) error {
	return c.call(ctx, schemas.ContextBackground, 0, typ, payload, nil)
}

// Click clicks a random point inside node. When the point is outside the
// viewport the page is scrolled to bring it to the middle and the target is
// measured again after the settle delay.
func (c *Content) Click(ctx context.Context, node *html.Node) error {
	name := c.Document().XPath(node)
	for attempt := 0; ; attempt++ {
		r, err := c.page.Rect(ctx, node)
		if err != nil {
			return fmt.Errorf("extension: click %s: %w", name, err)
		}
		vh, err := c.page.ViewportHeight(ctx)
		if err != nil {
			return fmt.Errorf("extension: click %s: %w", name, err)
		}
		x, y := c.point(r)
		if dom.InViewport(y, vh) {
			c.logger.Debug("Clicking.", zap.String("node", name), zap.Float64("x", x), zap.Float64("y", y))
			return c.background(ctx, schemas.TypeClick, schemas.ClickRequest{X: x, Y: y})
		}
		if attempt >= c.cfg.MaxScrollRetries {
			return fmt.Errorf("extension: click %s after %d scrolls: %w", name, attempt, ErrOffscreen)
		}

		delta := dom.ScrollDelta(y, vh)
		c.logger.Debug("Target not in viewport, scrolling.",
			zap.String("node", name), zap.Float64("y", y), zap.Float64("viewport", vh), zap.Float64("delta", delta))
		// Pointer is clamped to the viewport.
		req := schemas.ScrollRequest{X: x, Y: math.Min(math.Max(y, 0), vh), DeltaY: delta}
		if err := c.background(ctx, schemas.TypeScroll, req); err != nil {
			return err
		}
		if err := c.sleep(ctx, c.cfg.ScrollSettle); err != nil {
			return err
		}
	}
}

// ClickXPath clicks the first node matching expr.
func (c *Content) ClickXPath(ctx context.Context, expr string) error {
	node, err := c.Document().Find(expr)
	if err != nil {
		return err
	}
	return c.Click(ctx, node)
}

// Scroll wheels deltaY pixels with the pointer over node.
func (c *Content) Scroll(ctx context.Context, node *html.Node, deltaY float64) error {
	r, err := c.page.Rect(ctx, node)
	if err != nil {
		return fmt.Errorf("extension: scroll %s: %w", c.Document().XPath(node), err)
	}
	x, y := c.point(r)
	return c.background(ctx, schemas.TypeScroll, schemas.ScrollRequest{X: x, Y: y, DeltaY: deltaY})
}

// Type types text into whatever has focus.
func (c *Content) Type(ctx context.Context, text string) error {
	return c.background(ctx, schemas.TypeType, schemas.TypeRequest{Text: text})
}

// Press presses a single named key.
func (c *Content) Press(ctx context.Context, key string) error {
	return c.background(ctx, schemas.TypePress, schemas.PressRequest{Key: key})
}

// Pause waits a human reaction time.
func (c *Content) Pause(ctx context.Context, level humanoid.Level) error {
	return c.pauser.Pause(ctx, level)
}
