// internal/extension/web.go
package extension

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// Web is a page script's view of the extension, connected through the
// relay's external entry point.
type Web struct {
	*Context
}

// NewWeb composes a web context around ep.
func NewWeb(ep *transport.Endpoint, logger *zap.Logger, hooks Hooks) (*Web, error) {
	c, err := NewContext(RoleWeb, ep, logger)
	if err != nil {
		return nil, err
	}
	installTabID(c, hooks)
	return &Web{Context: c}, nil
}

// ToContent calls the content context of the web context's own tab.
func (w *Web) ToContent(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	tab, _ := w.Tab()
	raw, err := w.ep.Call(ctx, schemas.ContextContent, tab, typ, payload)
	if err != nil {
		return nil, fmt.Errorf("extension: %s: %w", typ, err)
	}
	return raw, nil
}
