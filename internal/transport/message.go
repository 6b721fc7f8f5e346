// internal/transport/message.go
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

// Hello is the "ehlo" handshake a message-mode context sends to the relay.
type Hello struct {
	Context     schemas.ContextID `json:"context"`
	Inbox       string            `json:"inbox"`
	TargetID    string            `json:"targetId,omitempty"`
	ExtensionID string            `json:"extensionId,omitempty"`
}

// HelloReply answers a Hello with the tab the relay assigned.
type HelloReply struct {
	Tab   int64  `json:"tab,omitempty"`
	Error string `json:"error,omitempty"`
}

// Goodbye releases a message-mode binding.
type Goodbye struct {
	Context schemas.ContextID `json:"context"`
	Inbox   string            `json:"inbox"`
	Tab     int64             `json:"tab,omitempty"`
}

// Subjects derives the NATS subjects used by relay and contexts from a prefix.
type Subjects struct{ Prefix string }

// Relay is where contexts publish envelopes.
func (s Subjects) Relay() string { return s.Prefix + ".relay" }

// Ehlo is the request/reply handshake subject.
func (s Subjects) Ehlo() string { return s.Prefix + "." + schemas.TypeEhlo }

// Bye is where contexts announce they are leaving.
func (s Subjects) Bye() string { return s.Prefix + ".bye" }

// Inbox returns a fresh per-connection delivery subject.
func (s Subjects) Inbox(self schemas.ContextID) string {
	return fmt.Sprintf("%s.inbox.%s.%s", s.Prefix, self, uuid.NewString())
}

// ErrHandshakeRejected is returned when the relay refuses an ehlo.
var ErrHandshakeRejected = errors.New("transport: handshake rejected")

// MessageOptions describes how a context reaches the relay over NATS.
type MessageOptions struct {
	Subjects    Subjects
	TargetID    string
	ExtensionID string
	Timeout     time.Duration
}

// MessageConn carries envelopes as discrete NATS messages. Each context has its
// own inbox subject; every outbound envelope goes to the relay subject with the
// inbox as its reply subject.
type MessageConn struct {
	nc       *nats.Conn
	subjects Subjects
	inbox    string
	self     schemas.ContextID
	sub      *nats.Subscription
	logger   *zap.Logger

	mu  sync.Mutex
	tab int64
}

// DialMessage subscribes ep's inbox, performs the ehlo handshake and binds ep.
// Tab-scoped contexts get their tab from the reply.
func DialMessage(ctx context.Context, nc *nats.Conn, ep *Endpoint, opts MessageOptions, logger *zap.Logger) (*MessageConn, error) {
	c := &MessageConn{
		nc:       nc,
		subjects: opts.Subjects,
		inbox:    opts.Subjects.Inbox(ep.Self()),
		self:     ep.Self(),
		logger:   logger.Named("message").With(zap.Stringer("context", ep.Self())),
	}

	recvCtx := valueOnlyContext{ctx}
	sub, err := nc.Subscribe(c.inbox, func(m *nats.Msg) {
		env, err := schemas.DecodeEnvelope(m.Data)
		if err != nil {
			c.logger.Warn("Skipping malformed message.", zap.Error(err))
			return
		}
		if rErr := ep.Receive(recvCtx, env); rErr != nil && !errors.Is(rErr, ErrUnknownAck) {
			c.logger.Warn("Failed to handle envelope.", zap.String("type", env.Type), zap.Error(rErr))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %s: %w", c.inbox, err)
	}
	c.sub = sub
	// Bind before the handshake so middleware replies to the relay's greeting can be written.
	ep.Bind(c)

	hello, err := json.Marshal(Hello{
		Context:     ep.Self(),
		Inbox:       c.inbox,
		TargetID:    opts.TargetID,
		ExtensionID: opts.ExtensionID,
	})
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := nc.RequestWithContext(reqCtx, opts.Subjects.Ehlo(), hello)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("transport: ehlo: %w", err)
	}

	var reply HelloReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("transport: ehlo reply: %w", err)
	}
	if reply.Error != "" {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, reply.Error)
	}
	if reply.Tab != 0 {
		c.mu.Lock()
		c.tab = reply.Tab
		c.mu.Unlock()
		ep.SetTab(reply.Tab)
	}
	c.logger.Info("Message transport ready.", zap.String("inbox", c.inbox), zap.Int64("tab", reply.Tab))
	return c, nil
}

// Inbox returns the subject this connection receives on.
func (c *MessageConn) Inbox() string { return c.inbox }

// Write publishes one envelope to the relay, stamping the origin tab.
func (c *MessageConn) Write(_ context.Context, env *schemas.Envelope) error {
	c.mu.Lock()
	if c.tab != 0 && env.FromTab == nil {
		env.FromTab = schemas.ID(c.tab)
	}
	c.mu.Unlock()

	data, err := schemas.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	// The reply subject identifies the sender's binding to the relay.
	if err := c.nc.PublishRequest(c.subjects.Relay(), c.inbox, data); err != nil {
		return fmt.Errorf("transport: publish: %w", err)
	}
	return nil
}

// Close announces the departure and stops receiving. The NATS connection stays open.
func (c *MessageConn) Close() error {
	c.mu.Lock()
	tab := c.tab
	c.mu.Unlock()

	if bye, err := json.Marshal(Goodbye{Context: c.self, Inbox: c.inbox, Tab: tab}); err == nil {
		_ = c.nc.Publish(c.subjects.Bye(), bye)
		_ = c.nc.Flush()
	}
	if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("transport: unsubscribe: %w", err)
	}
	return nil
}

// ConnectNATS dials a NATS server with the reconnect policy used by every process.
func ConnectNATS(url, name string, reconnectWait time.Duration, maxReconnects int, logger *zap.Logger) (*nats.Conn, error) {
	log := logger.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected.", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected.", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS connection closed.")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
