// internal/browser/humanoid/clickmodel_test.go
package humanoid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

func TestClick_Sequence(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		d, mock := newDriver(t, seed)
		require.NoError(t, d.Click(context.Background(), "T1", 42, 17.5))

		mice := mock.filter("mouse")
		require.Len(t, mice, 3)

		assert.Equal(t, schemas.MouseMove, mice[0].mouse.Type)
		assert.Equal(t, schemas.MousePress, mice[1].mouse.Type)
		assert.Equal(t, schemas.MouseRelease, mice[2].mouse.Type)
		for _, m := range mice {
			assert.Equal(t, 42.0, m.mouse.X)
			assert.Equal(t, 17.5, m.mouse.Y)
		}
		for _, m := range mice[1:] {
			assert.Equal(t, schemas.ButtonLeft, m.mouse.Button)
			assert.Equal(t, 1, m.mouse.ClickCount)
		}

		for i := 1; i < 3; i++ {
			gap := mice[i].at.Sub(mice[i-1].at)
			assert.GreaterOrEqual(t, gap, 35*time.Millisecond)
			assert.LessOrEqual(t, gap, 75*time.Millisecond)
		}
		assert.Equal(t, []string{"attach", "mouse", "sleep", "mouse", "sleep", "mouse", "detach"}, mock.kinds())
	}
}

func TestClick_FailedPressStillDetaches(t *testing.T) {
	d, mock := newDriver(t, 1)
	mock.failOn = 2

	err := d.Click(context.Background(), "T1", 1, 1)
	require.ErrorIs(t, err, errDispatch)
	assert.Contains(t, err.Error(), "humanoid: click: dispatch mousePressed")
	assert.Equal(t, []string{"attach", "mouse", "sleep", "detach"}, mock.kinds())
}
