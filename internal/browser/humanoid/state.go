// internal/browser/humanoid/state.go
package humanoid

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

// State is a step of an input sequence. Every sequence starts and ends Detached.
type State int

const (
	StateDetached State = iota
	StateAttached
	StatePositioned // pointer moved to the target point
	StateKeyDown
	StateChar
	StateKeyUp
	StatePressed // mouse button down
	StateReleased
	StateWheeled
)

var stateNames = [...]string{
	StateDetached:   "detached",
	StateAttached:   "attached",
	StatePositioned: "positioned",
	StateKeyDown:    "key_down",
	StateChar:       "char",
	StateKeyUp:      "key_up",
	StatePressed:    "pressed",
	StateReleased:   "released",
	StateWheeled:    "wheeled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal successors of each state. Any state may fall back
// to Detached, which is how an aborted sequence ends.
var transitions = map[State][]State{
	StateDetached:   {StateAttached},
	StateAttached:   {StateKeyDown, StatePositioned},
	StateKeyDown:    {StateChar},
	StateChar:       {StateKeyUp},
	StateKeyUp:      {StateKeyDown},
	StatePositioned: {StatePressed, StateWheeled},
	StatePressed:    {StateReleased},
	StateReleased:   {},
	StateWheeled:    {StateWheeled},
}

func legal(from, to State) bool {
	if to == StateDetached {
		return from != StateDetached
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sequence runs the steps of one action on an attached session.
type sequence struct {
	d      *Driver
	target string
	sess   Session
	state  State
}

func (s *sequence) to(next State) error {
	if !legal(s.state, next) {
		return fmt.Errorf("illegal transition %s -> %s", s.state, next)
	}
	prev := s.state
	s.state = next
	if s.d.onTransition != nil {
		s.d.onTransition(s.target, prev, next)
	}
	return nil
}

// pause sleeps a uniform random duration in [lo, hi] milliseconds.
func (s *sequence) pause(ctx context.Context, lo, hi int) error {
	return s.d.exec.Sleep(ctx, s.d.between(lo, hi))
}

func (s *sequence) wait(ctx context.Context, d time.Duration) error {
	return s.d.exec.Sleep(ctx, d)
}

func (s *sequence) key(ctx context.Context, next State, typ schemas.KeyEventType, code int64, text string) error {
	if err := s.to(next); err != nil {
		return err
	}
	data := schemas.KeyEventData{Type: typ, Code: code, Text: text, Timestamp: s.d.now()}
	if err := s.sess.DispatchKeyEvent(ctx, data); err != nil {
		return fmt.Errorf("dispatch %s: %w", typ, err)
	}
	return nil
}

func (s *sequence) mouse(ctx context.Context, next State, data schemas.MouseEventData) error {
	if err := s.to(next); err != nil {
		return err
	}
	data.Timestamp = s.d.now()
	if err := s.sess.DispatchMouseEvent(ctx, data); err != nil {
		return fmt.Errorf("dispatch %s: %w", data.Type, err)
	}
	return nil
}
