// internal/browser/session/cdp_executor.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/browser/humanoid"
	"github.com/xkilldash9x/webext-auto/internal/config"
)

const defaultCommandTimeout = 10 * time.Second

// CDPExecutor implements humanoid.Executor with chromedp. Every Attach opens a
// dedicated debugger connection to the target; Detach drops it.
type CDPExecutor struct {
	debuggerURL string
	timeout     time.Duration
	logger      *zap.Logger

	// attachFunc returns a chromedp context bound to the target and the func
	// that releases it. runFunc executes actions on such a context.
	attachFunc func(ctx context.Context, targetID string) (context.Context, func(), error)
	runFunc    func(ctx context.Context, actions ...chromedp.Action) error
	listenFunc func(ctx context.Context, fn func(ev any))
}

var (
	_ humanoid.Executor = (*CDPExecutor)(nil)
	_ Follower          = (*CDPExecutor)(nil)
)

// NewCDPExecutor creates an executor for the browser behind cfg.DebuggerURL.
func NewCDPExecutor(cfg config.BrowserConfig, logger *zap.Logger) *CDPExecutor {
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	e := &CDPExecutor{
		debuggerURL: WebSocketURL(cfg.DebuggerURL),
		timeout:     timeout,
		logger:      logger.Named("cdp"),
		runFunc:     chromedp.Run,
		listenFunc:  chromedp.ListenTarget,
	}
	e.attachFunc = e.attachRemote
	return e
}

// attachRemote makes the target context the first one on a fresh remote
// allocator. Canceling a first context closes the connection but leaves the
// tab open, which is not true of contexts created under a shared browser.
func (e *CDPExecutor) attachRemote(ctx context.Context, targetID string) (context.Context, func(), error) {
	// The first Run ties the connection to the context it is given, so the
	// allocator must not inherit ctx's deadline.
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), e.debuggerURL)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(targetID)))
	release := func() {
		cancelTab()
		cancelAlloc()
	}

	stop := context.AfterFunc(ctx, cancelTab)
	err := chromedp.Run(tabCtx)
	if !stop() && ctx.Err() != nil {
		release()
		return nil, nil, ctx.Err()
	}
	if err != nil {
		release()
		return nil, nil, err
	}
	return tabCtx, release, nil
}

// Attach opens a debugger session on targetID.
func (e *CDPExecutor) Attach(ctx context.Context, targetID string) (humanoid.Session, error) {
	if targetID == "" {
		return nil, errors.New("cdp: attach: empty target id")
	}
	tabCtx, release, err := e.attachFunc(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("cdp: attach %s: %w", targetID, err)
	}
	e.logger.Debug("Attached to target.", zap.String("target", targetID))
	return &cdpSession{e: e, targetID: targetID, tabCtx: tabCtx, release: release}, nil
}

// Sleep waits for d or until ctx is done.
func (e *CDPExecutor) Sleep(ctx context.Context, d time.Duration) error {
	return chromedp.Sleep(d).Do(ctx)
}

// RunOnTarget attaches to targetID, runs actions and detaches.
func (e *CDPExecutor) RunOnTarget(ctx context.Context, targetID string, actions ...chromedp.Action) error {
	sess, err := e.Attach(ctx, targetID)
	if err != nil {
		return err
	}
	s := sess.(*cdpSession)
	defer s.Detach(context.WithoutCancel(ctx))
	return s.run(ctx, "run", actions...)
}

// Follow keeps a session open on targetID, delivering every target event to fn
// from the moment it returns. The setup actions run after the listener is in
// place. The returned func detaches.
func (e *CDPExecutor) Follow(ctx context.Context, targetID string, fn func(ev any), setup ...chromedp.Action) (func(), error) {
	sess, err := e.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	s := sess.(*cdpSession)
	e.listenFunc(s.tabCtx, fn)
	if err := s.run(ctx, "follow", setup...); err != nil {
		_ = s.Detach(ctx)
		return nil, err
	}
	return func() { _ = s.Detach(context.Background()) }, nil
}

type cdpSession struct {
	e        *CDPExecutor
	targetID string
	tabCtx   context.Context
	release  func()
	once     sync.Once
}

func (s *cdpSession) DispatchKeyEvent(ctx context.Context, data schemas.KeyEventData) error {
	ts := input.TimeSinceEpoch(data.Timestamp)
	p := input.DispatchKeyEvent(input.KeyType(data.Type)).
		WithWindowsVirtualKeyCode(data.Code).
		WithNativeVirtualKeyCode(data.Code).
		WithTimestamp(&ts)
	if data.Text != "" {
		p = p.WithText(data.Text).WithUnmodifiedText(data.Text)
	}
	return s.run(ctx, "dispatchKeyEvent", p)
}

func (s *cdpSession) DispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error {
	ts := input.TimeSinceEpoch(data.Timestamp)
	p := input.DispatchMouseEvent(input.MouseType(data.Type), data.X, data.Y).
		WithButton(input.MouseButton(data.Button)).
		WithClickCount(int64(data.ClickCount)).
		WithTimestamp(&ts)
	if data.Type == schemas.MouseWheel {
		p = p.WithDeltaX(data.DeltaX).WithDeltaY(data.DeltaY)
	}
	return s.run(ctx, "dispatchMouseEvent", p)
}

// Detach releases the connection. Calling it more than once is harmless.
func (s *cdpSession) Detach(_ context.Context) error {
	s.once.Do(func() {
		s.release()
		s.e.logger.Debug("Detached from target.", zap.String("target", s.targetID))
	})
	return nil
}

// run executes actions on the target, bounded by ctx and the command timeout.
func (s *cdpSession) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(ctx, s.e.timeout)
	defer cancel()
	runCtx, cancelRun := CombineContext(s.tabCtx, opCtx)
	defer cancelRun()

	err := s.e.runFunc(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("cdp: %s: %w", op, ctx.Err())
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		s.e.logger.Debug("CDP command timed out.", zap.String("op", op),
			zap.String("target", s.targetID), zap.Duration("timeout", s.e.timeout))
		return fmt.Errorf("cdp: %s timed out after %v: %w", op, s.e.timeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("cdp: %s: %w", op, err)
}
