// internal/relay/nats.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// NATSBridge exposes the relay to message-mode contexts. Each context greets
// on the ehlo subject, publishes envelopes to the relay subject with its inbox
// as reply subject, and leaves on the bye subject.
type NATSBridge struct {
	relay    *Relay
	nc       *nats.Conn
	subjects transport.Subjects
	logger   *zap.Logger

	mu    sync.Mutex
	links map[string]*Link // by inbox
	subs  []*nats.Subscription
	ctx   context.Context
}

// NewNATSBridge creates a bridge; Start subscribes it.
func NewNATSBridge(relay *Relay, nc *nats.Conn, subjects transport.Subjects, logger *zap.Logger) *NATSBridge {
	return &NATSBridge{
		relay:    relay,
		nc:       nc,
		subjects: subjects,
		logger:   logger.Named("nats_bridge"),
		links:    make(map[string]*Link),
	}
}

// Start subscribes the bridge subjects. ctx scopes the work routed on behalf of
// message-mode links.
func (b *NATSBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	handlers := map[string]nats.MsgHandler{
		b.subjects.Ehlo():  b.onEhlo,
		b.subjects.Relay(): b.onEnvelope,
		b.subjects.Bye():   b.onBye,
	}
	for subject, h := range handlers {
		sub, err := b.nc.Subscribe(subject, h)
		if err != nil {
			b.Stop()
			return fmt.Errorf("relay: subscribe %s: %w", subject, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}
	if err := b.nc.Flush(); err != nil {
		b.Stop()
		return fmt.Errorf("relay: flush subscriptions: %w", err)
	}
	b.logger.Info("NATS bridge started.", zap.String("prefix", b.subjects.Prefix))
	return nil
}

// Stop unsubscribes and disconnects every message-mode link.
func (b *NATSBridge) Stop() {
	b.mu.Lock()
	subs := b.subs
	links := b.links
	b.subs = nil
	b.links = make(map[string]*Link)
	ctx := b.context()
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Debug("Unsubscribe failed.", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	for _, link := range links {
		b.relay.Disconnect(ctx, link)
	}
}

// context must be called with mu held.
func (b *NATSBridge) context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *NATSBridge) respond(m *nats.Msg, reply transport.HelloReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Error("Failed to encode ehlo reply.", zap.Error(err))
		return
	}
	if err := m.Respond(data); err != nil {
		b.logger.Debug("Failed to answer ehlo.", zap.Error(err))
	}
}

func (b *NATSBridge) onEhlo(m *nats.Msg) {
	var hello transport.Hello
	if err := json.Unmarshal(m.Data, &hello); err != nil || hello.Inbox == "" {
		b.respond(m, transport.HelloReply{Error: "malformed ehlo"})
		return
	}

	b.mu.Lock()
	ctx := b.context()
	b.mu.Unlock()
	conn := &natsLinkConn{nc: b.nc, inbox: hello.Inbox}

	var (
		link *Link
		err  error
		tab  int64
	)
	switch hello.Context {
	case schemas.ContextContent:
		if hello.TargetID == "" {
			err = errors.New("missing target id")
			break
		}
		tab = b.relay.Tabs().Assign(hello.TargetID)
		link = b.relay.ConnectContent(ctx, tab, conn)
	case schemas.ContextWeb:
		if hello.TargetID == "" {
			err = errors.New("missing target id")
			break
		}
		tab = b.relay.Tabs().Assign(hello.TargetID)
		link, err = b.relay.ConnectWeb(ctx, tab, hello.ExtensionID, conn)
	case schemas.ContextPopup:
		link = b.relay.ConnectPopup(ctx, conn)
	default:
		err = fmt.Errorf("context %q cannot connect", hello.Context)
	}
	if err != nil {
		b.logger.Warn("Refused message-mode context.", zap.Stringer("context", hello.Context), zap.Error(err))
		b.respond(m, transport.HelloReply{Error: err.Error()})
		return
	}

	b.mu.Lock()
	b.links[hello.Inbox] = link
	b.mu.Unlock()
	b.respond(m, transport.HelloReply{Tab: tab})
}

func (b *NATSBridge) onEnvelope(m *nats.Msg) {
	b.mu.Lock()
	link := b.links[m.Reply]
	ctx := b.context()
	b.mu.Unlock()
	if link == nil {
		b.logger.Debug("Dropping envelope from unknown inbox.", zap.String("inbox", m.Reply))
		return
	}
	env, err := schemas.DecodeEnvelope(m.Data)
	if err != nil {
		b.logger.Warn("Skipping malformed message.", zap.Error(err))
		return
	}
	b.relay.Route(ctx, env, link)
}

func (b *NATSBridge) onBye(m *nats.Msg) {
	var bye transport.Goodbye
	if err := json.Unmarshal(m.Data, &bye); err != nil {
		return
	}
	b.mu.Lock()
	link := b.links[bye.Inbox]
	delete(b.links, bye.Inbox)
	ctx := b.context()
	b.mu.Unlock()
	b.relay.Disconnect(ctx, link)
}

// natsLinkConn delivers routed envelopes to one context inbox.
type natsLinkConn struct {
	nc    *nats.Conn
	inbox string
}

func (c *natsLinkConn) Write(_ context.Context, env *schemas.Envelope) error {
	data, err := schemas.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.nc.Publish(c.inbox, data)
}

func (*natsLinkConn) Close() error { return nil }
