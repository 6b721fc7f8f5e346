// internal/relay/helpers_test.go
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// peer is an in-memory context attached to a relay. Envelopes the relay
// forwards are recorded and handed to the peer endpoint synchronously.
type peer struct {
	t    *testing.T
	ep   *transport.Endpoint
	link atomic.Pointer[Link]
	r    *Relay

	mu     sync.Mutex
	got    []*schemas.Envelope
	closed bool
}

// relaySide is the transport.Conn the relay writes to.
type relaySide struct{ p *peer }

func (s relaySide) Write(ctx context.Context, env *schemas.Envelope) error {
	s.p.mu.Lock()
	if s.p.closed {
		s.p.mu.Unlock()
		return transport.ErrClosed
	}
	s.p.got = append(s.p.got, env.Clone())
	s.p.mu.Unlock()
	_ = s.p.ep.Receive(ctx, env.Clone())
	return nil
}

func (s relaySide) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.closed = true
	return nil
}

// peerSide is the transport.Conn the peer endpoint writes to.
type peerSide struct{ p *peer }

func (s peerSide) Write(ctx context.Context, env *schemas.Envelope) error {
	link := s.p.link.Load()
	if link == nil {
		return transport.ErrNotConnected
	}
	s.p.r.Route(ctx, env.Clone(), link)
	return nil
}

func (peerSide) Close() error { return nil }

func newPeer(t *testing.T, r *Relay, self schemas.ContextID) *peer {
	t.Helper()
	p := &peer{t: t, r: r, ep: transport.NewEndpoint(self, zap.NewNop())}
	p.ep.Bind(peerSide{p})
	return p
}

func (p *peer) conn() transport.Conn { return relaySide{p} }

func (p *peer) received() []*schemas.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*schemas.Envelope(nil), p.got...)
}

func (p *peer) types() []string {
	var out []string
	for _, env := range p.received() {
		out = append(out, env.Type)
	}
	return out
}

func (p *peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func newTestRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	if opts.ExtensionID == "" {
		opts.ExtensionID = "webext-auto"
	}
	return New(transport.NewEndpoint(schemas.ContextBackground, zap.NewNop()), opts, zap.NewNop())
}

// connectContent attaches a content peer for targetID and returns it with its tab.
func connectContent(t *testing.T, r *Relay, targetID string) (*peer, int64) {
	t.Helper()
	p := newPeer(t, r, schemas.ContextContent)
	tab := r.Tabs().Assign(targetID)
	p.ep.Handle(schemas.ContextBackground, func(_ context.Context, msg transport.Message, _ transport.Reply) bool {
		if msg.Type == schemas.TypeTabID {
			var id int64
			require.NoError(t, msg.Decode(&id))
			p.ep.SetTab(id)
		}
		return false
	})
	link := r.ConnectContent(context.Background(), tab, p.conn())
	p.link.Store(link)
	return p, tab
}
