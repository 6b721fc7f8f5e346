// internal/extension/context.go
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// Role is the part a process plays in the extension. It is chosen once, at
// process entry.
type Role int

const (
	RoleBackground Role = iota
	RoleContent
	RoleWeb
	RolePopup
)

var roleContexts = [...]schemas.ContextID{
	RoleBackground: schemas.ContextBackground,
	RoleContent:    schemas.ContextContent,
	RoleWeb:        schemas.ContextWeb,
	RolePopup:      schemas.ContextPopup,
}

// ErrUnknownRole is returned by ParseRole for names that are not a role.
var ErrUnknownRole = errors.New("extension: unknown role")

// ParseRole maps a context name to its role.
func ParseRole(s string) (Role, error) {
	for r, c := range roleContexts {
		if strings.EqualFold(s, c.String()) {
			return Role(r), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// ContextID is the wire identity of the role.
func (r Role) ContextID() schemas.ContextID {
	if r < 0 || int(r) >= len(roleContexts) {
		return ""
	}
	return roleContexts[r]
}

func (r Role) String() string {
	if c := r.ContextID(); c != "" {
		return c.String()
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Context is the common part of every role: an endpoint plus a table of
// message handlers keyed by source context and message type.
type Context struct {
	role   Role
	ep     *transport.Endpoint
	logger *zap.Logger

	mu     sync.RWMutex
	routes map[schemas.ContextID]map[string]transport.HandlerFunc
}

// NewContext composes a role around ep. The endpoint must speak for the role.
func NewContext(role Role, ep *transport.Endpoint, logger *zap.Logger) (*Context, error) {
	if ep.Self() != role.ContextID() {
		return nil, fmt.Errorf("extension: %s endpoint cannot serve the %s role", ep.Self(), role)
	}
	return &Context{
		role:   role,
		ep:     ep,
		logger: logger.Named(role.String()),
		routes: make(map[schemas.ContextID]map[string]transport.HandlerFunc),
	}, nil
}

// Role returns the role this context plays.
func (c *Context) Role() Role { return c.role }

// Endpoint returns the transport endpoint of the context.
func (c *Context) Endpoint() *transport.Endpoint { return c.ep }

// Tab returns the tab the context lives in, once the relay has told it.
func (c *Context) Tab() (int64, bool) { return c.ep.Tab() }

// On installs h for messages of type typ from src, replacing any previous handler.
func (c *Context) On(src schemas.ContextID, typ string, h transport.HandlerFunc) {
	c.mu.Lock()
	table, ok := c.routes[src]
	if !ok {
		table = make(map[string]transport.HandlerFunc)
		c.routes[src] = table
	}
	table[typ] = h
	c.mu.Unlock()

	if !ok {
		c.ep.Handle(src, c.dispatcher(src))
	}
}

func (c *Context) dispatcher(src schemas.ContextID) transport.HandlerFunc {
	return func(ctx context.Context, msg transport.Message, reply transport.Reply) bool {
		c.mu.RLock()
		h := c.routes[src][msg.Type]
		c.mu.RUnlock()
		if h == nil {
			c.logger.Debug("Unhandled message.", zap.Stringer("src", src), zap.String("type", msg.Type))
			return false
		}
		return h(ctx, msg, reply)
	}
}

// call sends a request and waits for its acknowledgment, decoding the result into out when given.
func (c *Context) call(ctx context.Context, dst schemas.ContextID, tab int64, typ string, payload, out any) error {
	raw, err := c.ep.Call(ctx, dst, tab, typ, payload)
	if err != nil {
		return fmt.Errorf("extension: %s: %w", typ, err)
	}
	if out == nil {
		return nil
	}
	if err := schemas.UnmarshalPayload(raw, out); err != nil {
		return fmt.Errorf("extension: %s result: %w", typ, err)
	}
	return nil
}

// Store persists a setting through the background.
func (c *Context) Store(ctx context.Context, key string, value any) error {
	raw, err := schemas.MarshalPayload(value)
	if err != nil {
		return fmt.Errorf("extension: store %q: %w", key, err)
	}
	return c.call(ctx, schemas.ContextBackground, 0, schemas.TypeStore, schemas.StoreRequest{Key: key, Value: raw}, nil)
}

// Restore loads settings through the background. Keys that were never stored are absent.
func (c *Context) Restore(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if err := c.call(ctx, schemas.ContextBackground, 0, schemas.TypeRestore, schemas.RestoreRequest{Keys: keys}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Trace asks the background to log v. It does not wait for an answer.
func (c *Context) Trace(ctx context.Context, v any) error {
	return c.ep.ToBackground(ctx, schemas.TypeTrace, v, nil)
}
