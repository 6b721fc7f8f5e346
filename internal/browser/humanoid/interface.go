// internal/browser/humanoid/interface.go
package humanoid

import (
	"context"
	"time"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

// Executor is the low-level browser surface the driver needs: attaching a
// debugger session to a target and waiting between steps.
type Executor interface {
	Attach(ctx context.Context, targetID string) (Session, error)
	Sleep(ctx context.Context, d time.Duration) error
}

// Session is an attached debugger session on one target.
type Session interface {
	DispatchKeyEvent(ctx context.Context, data schemas.KeyEventData) error
	DispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error
	// Detach releases the target. It is always called, even after a failed step.
	Detach(ctx context.Context) error
}

// Controller is what the background context drives.
type Controller interface {
	Press(ctx context.Context, targetID, key string) error
	Type(ctx context.Context, targetID, text string) error
	Click(ctx context.Context, targetID string, x, y float64) error
	Scroll(ctx context.Context, targetID string, x, y, deltaY float64) error
}
