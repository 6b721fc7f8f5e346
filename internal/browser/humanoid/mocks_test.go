// internal/browser/humanoid/mocks_test.go
package humanoid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

// call is one recorded interaction with the executor or its session.
type call struct {
	kind  string // attach, key, mouse, sleep, detach
	at    time.Time
	key   schemas.KeyEventData
	mouse schemas.MouseEventData
	sleep time.Duration
}

// mockExecutor implements Executor over a virtual clock: Sleep advances the
// clock instead of blocking, so event timestamps reflect the simulated delays.
type mockExecutor struct {
	t  *testing.T
	mu sync.Mutex

	clock    time.Time
	calls    []call
	attached int

	// failOn makes the n-th dispatched event (1-based, keys and mice together) fail.
	failOn     int
	dispatches int
	attachErr  error
	detachErr  error

	// cancelOnSleep cancels the given func on the n-th sleep (1-based).
	cancelOnSleep int
	sleeps        int
	cancel        context.CancelFunc

	MockSleep func(ctx context.Context, d time.Duration) error
}

var errDispatch = errors.New("cdp: target crashed")

func newMockExecutor(t *testing.T) *mockExecutor {
	return &mockExecutor{t: t, clock: time.Unix(1_700_000_000, 0)}
}

// now is handed to the driver as its clock.
func (m *mockExecutor) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

func (m *mockExecutor) record(c call) {
	c.at = m.clock
	m.calls = append(m.calls, c)
}

func (m *mockExecutor) Attach(_ context.Context, _ string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachErr != nil {
		return nil, m.attachErr
	}
	m.attached++
	m.record(call{kind: "attach"})
	return &mockSession{m: m}, nil
}

func (m *mockExecutor) Sleep(ctx context.Context, d time.Duration) error {
	if m.MockSleep != nil {
		return m.MockSleep(ctx, d)
	}
	m.mu.Lock()
	m.sleeps++
	if m.cancelOnSleep > 0 && m.sleeps == m.cancelOnSleep && m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(call{kind: "sleep", sleep: d})
	m.clock = m.clock.Add(d)
	return nil
}

func (m *mockExecutor) dispatch() error {
	m.dispatches++
	if m.failOn > 0 && m.dispatches == m.failOn {
		return errDispatch
	}
	return nil
}

func (m *mockExecutor) snapshot() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.calls...)
}

func (m *mockExecutor) filter(kind string) []call {
	var out []call
	for _, c := range m.snapshot() {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockExecutor) kinds() []string {
	var out []string
	for _, c := range m.snapshot() {
		out = append(out, c.kind)
	}
	return out
}

type mockSession struct{ m *mockExecutor }

func (s *mockSession) DispatchKeyEvent(ctx context.Context, data schemas.KeyEventData) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.dispatch(); err != nil {
		return err
	}
	s.m.record(call{kind: "key", key: data})
	return ctx.Err()
}

func (s *mockSession) DispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.dispatch(); err != nil {
		return err
	}
	s.m.record(call{kind: "mouse", mouse: data})
	return ctx.Err()
}

func (s *mockSession) Detach(ctx context.Context) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.attached--
	s.m.record(call{kind: "detach"})
	if ctx.Err() != nil {
		s.m.t.Error("detach received a canceled context")
	}
	return s.m.detachErr
}

// newDriver returns a driver on a fresh mock whose clock stamps the events.
func newDriver(t *testing.T, seed int64, opts ...Option) (*Driver, *mockExecutor) {
	t.Helper()
	mock := newMockExecutor(t)
	opts = append([]Option{WithClock(mock.now)}, opts...)
	return NewTestDriver(mock, seed, opts...), mock
}
