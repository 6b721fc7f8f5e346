// internal/browser/dom/targeting.go
package dom

import (
	"context"
	"math/rand"

	"golang.org/x/net/html"
)

// ClickInset keeps click points away from element borders.
const ClickInset = 5.0

// Rect is an element's border box in client (viewport) coordinates.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Layout answers geometry questions about a mirrored document.
type Layout interface {
	Rect(ctx context.Context, node *html.Node) (Rect, error)
	ViewportHeight(ctx context.Context) (float64, error)
}

// ClickPoint picks a uniform point inside r, inset by ClickInset on each side.
// Along an axis too small for the inset the point is the center.
func ClickPoint(r Rect, rng *rand.Rand) (x, y float64) {
	return insetUniform(rng, r.Left, r.Width), insetUniform(rng, r.Top, r.Height)
}

func insetUniform(rng *rand.Rand, start, size float64) float64 {
	lo, hi := start+ClickInset, start+size-ClickInset
	if hi < lo {
		return start + size/2
	}
	return lo + rng.Float64()*(hi-lo)
}

// InViewport reports whether a client y coordinate is on screen.
func InViewport(y, viewportHeight float64) bool {
	return y >= 0 && y <= viewportHeight
}

// ScrollDelta is the wheel distance that brings y to the middle of the viewport.
func ScrollDelta(y, viewportHeight float64) float64 {
	return y - viewportHeight/2
}
