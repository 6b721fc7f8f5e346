// internal/browser/humanoid/keyboard_test.go
package humanoid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/config"
)

func TestNewKeyMap(t *testing.T) {
	m := NewKeyMap()

	tests := map[string]int64{
		"a": 65, "z": 90, "0": 48, "9": 57,
		"backspace": 8, "\r": 13, "esc": 27, "space": 32,
		"left": 37, "down": 40, "delete": 46, "#": 51,
		"left command": 91, "right command": 93, "numpad /": 111,
		"my calculator": 183, ";": 186, "\\": 220, "\"": 222,
	}
	for key, want := range tests {
		got, ok := m.Lookup(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	code, ok := m.Lookup("Q")
	assert.True(t, ok)
	assert.Equal(t, int64(81), code, "uppercase letters share the lowercase code")

	code, ok = m.Lookup(" ")
	assert.True(t, ok)
	assert.Equal(t, int64(32), code)

	_, ok = m.Lookup("f13")
	assert.False(t, ok)
}

func TestPress_Sequence(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		d, mock := newDriver(t, seed)
		require.NoError(t, d.Press(context.Background(), "T1", "a"))

		keys := mock.filter("key")
		require.Len(t, keys, 3)
		assert.Equal(t, schemas.KeyRawDown, keys[0].key.Type)
		assert.Equal(t, schemas.KeyChar, keys[1].key.Type)
		assert.Equal(t, schemas.KeyUp, keys[2].key.Type)
		for _, k := range keys {
			assert.Equal(t, int64(65), k.key.Code)
			assert.Equal(t, "a", k.key.Text)
			assert.Equal(t, k.at, k.key.Timestamp, "each event is stamped when dispatched")
		}

		attach := mock.filter("attach")[0]
		lead := keys[0].at.Sub(attach.at)
		assert.GreaterOrEqual(t, lead, 115*time.Millisecond)
		assert.LessOrEqual(t, lead, 230*time.Millisecond)

		hold := keys[2].at.Sub(keys[1].at)
		assert.GreaterOrEqual(t, hold, 50*time.Millisecond)
		assert.LessOrEqual(t, hold, 75*time.Millisecond)

		assert.Equal(t, keys[0].at, keys[1].at, "char follows rawKeyDown immediately")
		assert.Equal(t, []string{"attach", "sleep", "key", "key", "sleep", "key", "detach"}, mock.kinds())
		assert.Zero(t, mock.attached)
	}
}

func TestPress_NamedKeyText(t *testing.T) {
	d, mock := newDriver(t, 1)
	for _, key := range []string{"\r", "backspace", "space", "esc"} {
		require.NoError(t, d.Press(context.Background(), "T1", key))
	}

	keys := mock.filter("key")
	require.Len(t, keys, 12)
	want := []struct {
		code int64
		text string
	}{{13, "\r"}, {8, "backspace"}, {32, "space"}, {27, "esc"}}
	for i, w := range want {
		for _, k := range keys[i*3 : i*3+3] {
			assert.Equal(t, w.code, k.key.Code, "key %q", w.text)
			assert.Equal(t, w.text, k.key.Text, "every event of %q carries the name verbatim", w.text)
		}
	}
}

func TestPress_UnmappedKey(t *testing.T) {
	t.Run("lenient", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		mock := newMockExecutor(t)
		d := New(mock, NewKeyMap(), config.DriverConfig{Seed: 3}, zap.New(core), WithClock(mock.now))

		require.NoError(t, d.Press(context.Background(), "T1", "f13"))
		keys := mock.filter("key")
		require.Len(t, keys, 3)
		for _, k := range keys {
			assert.Zero(t, k.key.Code)
		}
		require.Equal(t, 1, logs.FilterMessage("Unmapped key, sending code 0.").Len())
		assert.Equal(t, "f13", logs.All()[0].ContextMap()["key"])
	})

	t.Run("strict", func(t *testing.T) {
		mock := newMockExecutor(t)
		d := New(mock, NewKeyMap(), config.DriverConfig{Seed: 3, StrictKeys: true}, zap.NewNop())

		err := d.Press(context.Background(), "T1", "f13")
		assert.ErrorIs(t, err, ErrUnmappedKey)
		assert.Empty(t, mock.snapshot(), "nothing is attached for a rejected key")

		err = d.Type(context.Background(), "T1", "oké")
		assert.ErrorIs(t, err, ErrUnmappedKey)
		assert.Empty(t, mock.snapshot())
	})
}

func TestType_Hi(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		d, mock := newDriver(t, seed)
		require.NoError(t, d.Type(context.Background(), "T1", "hi"))

		keys := mock.filter("key")
		require.Len(t, keys, 6)
		want := []struct {
			typ  schemas.KeyEventType
			code int64
			text string
		}{
			{schemas.KeyRawDown, 72, "h"}, {schemas.KeyChar, 72, "h"}, {schemas.KeyUp, 72, "h"},
			{schemas.KeyRawDown, 73, "i"}, {schemas.KeyChar, 73, "i"}, {schemas.KeyUp, 73, "i"},
		}
		for i, w := range want {
			assert.Equal(t, w.typ, keys[i].key.Type, "event %d", i)
			assert.Equal(t, w.code, keys[i].key.Code, "event %d", i)
			assert.Equal(t, w.text, keys[i].key.Text, "event %d", i)
		}

		gap := keys[3].at.Sub(keys[2].at)
		assert.GreaterOrEqual(t, gap, 75*time.Millisecond)
		assert.LessOrEqual(t, gap, 175*time.Millisecond)

		assert.Len(t, mock.filter("attach"), 1, "one attach for the whole text")
		assert.Len(t, mock.filter("detach"), 1)
	}
}

func TestType_Empty(t *testing.T) {
	d, mock := newDriver(t, 1)
	require.NoError(t, d.Type(context.Background(), "T1", ""))
	assert.Empty(t, mock.snapshot())
}

func TestType_DispatchFailureAborts(t *testing.T) {
	d, mock := newDriver(t, 1)
	mock.failOn = 4 // rawKeyDown of the second character

	err := d.Type(context.Background(), "T1", "hey")
	require.Error(t, err)
	assert.ErrorIs(t, err, errDispatch)
	assert.Contains(t, err.Error(), "char 1")

	assert.Len(t, mock.filter("key"), 3, "nothing after the failed step")
	kinds := mock.kinds()
	assert.Equal(t, "detach", kinds[len(kinds)-1])
	assert.Zero(t, mock.attached)
}
