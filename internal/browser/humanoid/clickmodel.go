// internal/browser/humanoid/clickmodel.go
package humanoid

import (
	"context"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

// Click simulates a left click at a viewport point: attach, move, wait 35-75 ms,
// press, wait 35-75 ms, release, detach.
func (d *Driver) Click(ctx context.Context, targetID string, x, y float64) error {
	return d.run(ctx, "click", targetID, func(ctx context.Context, s *sequence) error {
		if err := s.mouse(ctx, StatePositioned, schemas.MouseEventData{Type: schemas.MouseMove, X: x, Y: y, Button: schemas.ButtonNone}); err != nil {
			return err
		}
		if err := s.pause(ctx, 35, 75); err != nil {
			return err
		}
		if err := s.mouse(ctx, StatePressed, schemas.MouseEventData{
			Type: schemas.MousePress, X: x, Y: y, Button: schemas.ButtonLeft, ClickCount: 1,
		}); err != nil {
			return err
		}
		if err := s.pause(ctx, 35, 75); err != nil {
			return err
		}
		return s.mouse(ctx, StateReleased, schemas.MouseEventData{
			Type: schemas.MouseRelease, X: x, Y: y, Button: schemas.ButtonLeft, ClickCount: 1,
		})
	})
}
