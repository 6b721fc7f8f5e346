// internal/browser/humanoid/scrolling.go
package humanoid

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

// wheelStep is the magnitude of one mouse wheel notch.
const wheelStep = 100.0

// Scroll simulates a vertical wheel gesture at a viewport point: attach, move,
// wait 35-75 ms, then ceil(|deltaY|/100) wheel events of 100 units toward
// deltaY with 80-140 ms between them, detach. A zero delta only moves.
func (d *Driver) Scroll(ctx context.Context, targetID string, x, y, deltaY float64) error {
	steps, step := wheelSteps(deltaY, wheelStep)
	return d.run(ctx, "scroll", targetID, func(ctx context.Context, s *sequence) error {
		if err := s.mouse(ctx, StatePositioned, schemas.MouseEventData{Type: schemas.MouseMove, X: x, Y: y, Button: schemas.ButtonNone}); err != nil {
			return err
		}
		if steps == 0 {
			return nil
		}
		if err := s.pause(ctx, 35, 75); err != nil {
			return err
		}
		for i := 0; i < steps; i++ {
			if i > 0 {
				if err := s.pause(ctx, 80, 140); err != nil {
					return err
				}
			}
			if err := s.mouse(ctx, StateWheeled, schemas.MouseEventData{
				Type: schemas.MouseWheel, X: x, Y: y, Button: schemas.ButtonMiddle, DeltaY: step,
			}); err != nil {
				return fmt.Errorf("wheel step %d of %d: %w", i+1, steps, err)
			}
		}
		return nil
	})
}
