// internal/browser/humanoid/keyboard.go
package humanoid

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

// KeyMap maps key names to platform virtual key codes.
type KeyMap map[string]int64

// NewKeyMap builds the static key table: named control keys, punctuation,
// lowercase letters and digits.
func NewKeyMap() KeyMap {
	m := KeyMap{
		"backspace":     8,
		"tab":           9,
		"\r":            13,
		"shift":         16,
		"ctrl":          17,
		"alt":           18,
		"pause/break":   19,
		"caps lock":     20,
		"esc":           27,
		"space":         32,
		"page up":       33,
		"page down":     34,
		"end":           35,
		"home":          36,
		"left":          37,
		"up":            38,
		"right":         39,
		"down":          40,
		"insert":        45,
		"delete":        46,
		"#":             51,
		"command":       91,
		"left command":  91,
		"right command": 93,
		"numpad *":      106,
		"numpad +":      107,
		"numpad -":      109,
		"numpad .":      110,
		"numpad /":      111,
		"num lock":      144,
		"scroll lock":   145,
		"my computer":   182,
		"my calculator": 183,
		";":             186,
		"=":             187,
		",":             188,
		"-":             189,
		".":             190,
		"/":             191,
		"'":             192,
		"[":             219,
		"\\":            220,
		"]":             221,
		"\"":            222,
	}
	for c := 'a'; c <= 'z'; c++ {
		m[string(c)] = int64(c - 32)
	}
	for c := '0'; c <= '9'; c++ {
		m[string(c)] = int64(c)
	}
	return m
}

// aliases name the single characters that reach the table under another key.
var aliases = map[string]string{
	" ":  "space",
	"\t": "tab",
	"\n": "\r",
	"\b": "backspace",
}

// Lookup resolves a key name. Single uppercase letters share their lowercase code.
func (m KeyMap) Lookup(key string) (int64, bool) {
	if code, ok := m[key]; ok {
		return code, true
	}
	if alias, ok := aliases[key]; ok {
		code, ok := m[alias]
		return code, ok
	}
	if utf8.RuneCountInString(key) == 1 {
		if code, ok := m[strings.ToLower(key)]; ok {
			return code, true
		}
	}
	return 0, false
}

// resolve looks a key up, warning or failing on unmapped names.
func (d *Driver) resolve(key string) (int64, error) {
	code, ok := d.keys.Lookup(key)
	if ok {
		return code, nil
	}
	if d.strict {
		return 0, fmt.Errorf("%w: %q", ErrUnmappedKey, key)
	}
	d.logger.Warn("Unmapped key, sending code 0.", zap.String("key", key))
	return 0, nil
}

// strokeKey dispatches rawKeyDown, char and, after a short hold, keyUp.
func (s *sequence) strokeKey(ctx context.Context, code int64, text string) error {
	if err := s.key(ctx, StateKeyDown, schemas.KeyRawDown, code, text); err != nil {
		return err
	}
	if err := s.key(ctx, StateChar, schemas.KeyChar, code, text); err != nil {
		return err
	}
	if err := s.pause(ctx, 50, 75); err != nil {
		return err
	}
	return s.key(ctx, StateKeyUp, schemas.KeyUp, code, text)
}

// Press simulates one keystroke. Every event carries key verbatim as its
// text, named keys included: attach, wait 115-230 ms, rawKeyDown, char,
// hold 50-75 ms, keyUp, detach.
func (d *Driver) Press(ctx context.Context, targetID, key string) error {
	code, err := d.resolve(key)
	if err != nil {
		return fmt.Errorf("humanoid: press: %w", err)
	}
	return d.run(ctx, "press", targetID, func(ctx context.Context, s *sequence) error {
		if err := s.pause(ctx, 115, 230); err != nil {
			return err
		}
		return s.strokeKey(ctx, code, key)
	})
}

// Type simulates typing text one character at a time under a single attach.
// Between a keyUp and the next rawKeyDown it waits 25 ms plus 50-150 ms.
func (d *Driver) Type(ctx context.Context, targetID, text string) error {
	if text == "" {
		return nil
	}
	chars := make([]string, 0, utf8.RuneCountInString(text))
	codes := make([]int64, 0, cap(chars))
	for _, r := range text {
		c := string(r)
		code, err := d.resolve(c)
		if err != nil {
			return fmt.Errorf("humanoid: type: %w", err)
		}
		chars = append(chars, c)
		codes = append(codes, code)
	}

	return d.run(ctx, "type", targetID, func(ctx context.Context, s *sequence) error {
		if err := s.pause(ctx, 115, 230); err != nil {
			return err
		}
		for i, c := range chars {
			if i > 0 {
				if err := s.wait(ctx, 25*time.Millisecond+d.between(50, 150)); err != nil {
					return err
				}
			}
			if err := s.strokeKey(ctx, codes[i], c); err != nil {
				return fmt.Errorf("char %d: %w", i, err)
			}
		}
		return nil
	})
}
