// internal/browser/humanoid/behavior.go
package humanoid

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Level names a human reaction time band.
type Level string

const (
	LevelGod    Level = "god"
	LevelJedi   Level = "jedi"
	LevelShort  Level = "short"
	LevelMedium Level = "medium"
	LevelLong   Level = "long"
)

type band struct{ lo, hi int }

var levels = map[Level]band{
	LevelGod:    {0, 1},
	LevelJedi:   {50, 150},
	LevelShort:  {400, 800},
	LevelMedium: {1000, 1600},
	LevelLong:   {2400, 3200},
}

// PauseRange returns the millisecond bounds of a level. Unknown levels are medium.
func PauseRange(level Level) (lo, hi int) {
	b, ok := levels[Level(strings.ToLower(string(level)))]
	if !ok {
		b = levels[LevelMedium]
	}
	return b.lo, b.hi
}

// Pauser waits human-like amounts of time. It is safe for concurrent use.
type Pauser struct {
	mu    sync.Mutex
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPauser creates a pauser. A zero seed seeds from the clock; a nil sleep
// uses a timer that honors ctx.
func NewPauser(seed int64, sleep func(ctx context.Context, d time.Duration) error) *Pauser {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &Pauser{rng: rand.New(rand.NewSource(seed)), sleep: sleep}
}

// Duration draws a pause for level without waiting.
func (p *Pauser) Duration(level Level) time.Duration {
	lo, hi := PauseRange(level)
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(uniform(p.rng, lo, hi)) * time.Millisecond
}

// Pause waits a random duration within level.
func (p *Pauser) Pause(ctx context.Context, level Level) error {
	return p.sleep(ctx, p.Duration(level))
}

// Pause waits a random duration within level, using the driver's executor.
func (d *Driver) Pause(ctx context.Context, level Level) error {
	lo, hi := PauseRange(level)
	return d.exec.Sleep(ctx, d.between(lo, hi))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
