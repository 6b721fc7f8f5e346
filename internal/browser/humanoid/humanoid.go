// internal/browser/humanoid/humanoid.go
package humanoid

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/internal/config"
)

// ErrUnmappedKey is returned in strict mode for a key name absent from the key map.
var ErrUnmappedKey = errors.New("humanoid: unmapped key")

// Driver simulates keyboard and mouse hardware on browser targets through an
// attached debugger session, with randomized human-like timing.
type Driver struct {
	exec   Executor
	keys   KeyMap
	logger *zap.Logger
	strict bool
	now    func() time.Time

	// mu guards rng; math/rand sources are not safe for concurrent use.
	mu  sync.Mutex
	rng *rand.Rand

	locksMu sync.Mutex
	locks   map[string]*targetLock

	onTransition func(target string, from, to State)
}

var _ Controller = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithTransitionHook observes every state transition of every sequence.
func WithTransitionHook(fn func(target string, from, to State)) Option {
	return func(d *Driver) { d.onTransition = fn }
}

// WithClock replaces the timestamp source of dispatched events.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// New creates a driver. A zero seed seeds from the clock.
func New(exec Executor, keys KeyMap, cfg config.DriverConfig, logger *zap.Logger, opts ...Option) *Driver {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d := &Driver{
		exec:   exec,
		keys:   keys,
		logger: logger.Named("humanoid"),
		strict: cfg.StrictKeys,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(seed)),
		locks:  make(map[string]*targetLock),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewTestDriver creates a driver with deterministic randomness for tests.
func NewTestDriver(exec Executor, seed int64, opts ...Option) *Driver {
	return New(exec, NewKeyMap(), config.DriverConfig{Seed: seed}, zap.NewNop(), opts...)
}

// between returns a uniform random duration in [lo, hi] milliseconds, inclusive.
func (d *Driver) between(lo, hi int) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(uniform(d.rng, lo, hi)) * time.Millisecond
}

// targetLock is a per-target semaphore. refs counts holders and waiters so
// the entry can be dropped once the last of them is done.
type targetLock struct {
	sem  chan struct{}
	refs int
}

// lock serializes sequences per target. Waiting honors ctx.
func (d *Driver) lock(ctx context.Context, target string) (func(), error) {
	d.locksMu.Lock()
	l, ok := d.locks[target]
	if !ok {
		l = &targetLock{sem: make(chan struct{}, 1)}
		d.locks[target] = l
	}
	l.refs++
	d.locksMu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			d.release(target, l)
		}, nil
	case <-ctx.Done():
		d.release(target, l)
		return nil, ctx.Err()
	}
}

func (d *Driver) release(target string, l *targetLock) {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l.refs--
	if l.refs == 0 && d.locks[target] == l {
		delete(d.locks, target)
	}
}

// run attaches to target, runs steps and always detaches. The first failing
// step aborts the sequence; its error is returned wrapped with the action name.
func (d *Driver) run(ctx context.Context, action, target string, steps func(ctx context.Context, s *sequence) error) (err error) {
	unlock, err := d.lock(ctx, target)
	if err != nil {
		return fmt.Errorf("humanoid: %s: %w", action, err)
	}
	defer unlock()

	sess, err := d.exec.Attach(ctx, target)
	if err != nil {
		return fmt.Errorf("humanoid: %s: attach %s: %w", action, target, err)
	}
	s := &sequence{d: d, target: target, sess: sess}
	_ = s.to(StateAttached)

	defer func() {
		// Detach must run even when ctx is already canceled.
		detachErr := sess.Detach(context.WithoutCancel(ctx))
		_ = s.to(StateDetached)
		if detachErr != nil {
			d.logger.Warn("Detach failed.", zap.String("target", target), zap.Error(detachErr))
			if err == nil {
				err = fmt.Errorf("humanoid: %s: detach %s: %w", action, target, detachErr)
			}
		}
	}()

	if err := steps(ctx, s); err != nil {
		d.logger.Debug("Sequence aborted.", zap.String("action", action), zap.String("target", target),
			zap.Stringer("state", s.state), zap.Error(err))
		return fmt.Errorf("humanoid: %s: %w", action, err)
	}
	return nil
}
