// internal/browser/session/interfaces.go
package session

import (
	"context"

	"github.com/chromedp/chromedp"
)

// ActionRunner runs chromedp actions against one browser target. The
// implementation attaches before the first action and detaches after the last,
// so components like the DOM mirror never hold a target open between calls.
type ActionRunner interface {
	RunOnTarget(ctx context.Context, targetID string, actions ...chromedp.Action) error
}

// Follower keeps a target attached and streams its protocol events.
type Follower interface {
	ActionRunner
	Follow(ctx context.Context, targetID string, fn func(ev any), setup ...chromedp.Action) (release func(), err error)
}
