// internal/transport/port.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

// Headers a connecting context presents to the relay.
const (
	HeaderExtensionID = "X-Extension-Id"
	HeaderTargetID    = "X-Target-Id"
)

const defaultWriteTimeout = 10 * time.Second

// WSConn is a persistent channel carrying one envelope per websocket text frame.
// The relay uses it for accepted links and contexts use it through DialPort.
type WSConn struct {
	ws           *websocket.Conn
	logger       *zap.Logger
	writeTimeout time.Duration

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn wraps an established websocket.
func NewWSConn(ws *websocket.Conn, logger *zap.Logger, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WSConn{
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Write sends one envelope.
func (c *WSConn) Write(ctx context.Context, env *schemas.Envelope) error {
	data, err := schemas.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

// Ping writes a websocket ping control frame.
func (c *WSConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// ReadLoop decodes envelopes until the socket fails or is closed, handing each to fn.
// Malformed frames are logged and skipped. It closes the connection before returning.
func (c *WSConn) ReadLoop(fn func(env *schemas.Envelope)) error {
	defer c.Close()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.isClosed() {
				return nil
			}
			return fmt.Errorf("transport: websocket read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := schemas.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("Skipping malformed frame.", zap.Error(err))
			continue
		}
		fn(env)
	}
}

// Reject sends a policy-violation close frame and closes the socket.
func (c *WSConn) Reject(reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.Close()
}

// Done is closed once the connection is closed.
func (c *WSConn) Done() <-chan struct{} { return c.done }

func (c *WSConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close closes the socket. It is safe to call more than once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// PortOptions describes how a context dials the relay.
type PortOptions struct {
	// RelayURL is the ws:// base of the relay, e.g. ws://127.0.0.1:9333.
	RelayURL    string
	TargetID    string
	ExtensionID string
	Dialer      *websocket.Dialer
}

// PortPath returns the relay path a context connects on. Web contexts use the
// external entry point.
func PortPath(self schemas.ContextID) string {
	if self == schemas.ContextWeb {
		return "/external/" + self.String()
	}
	return "/port/" + self.String()
}

// DialPort connects ep to the relay over a persistent websocket, binds it and
// starts delivering inbound envelopes to ep.Receive. The returned conn's Done
// channel closes when the relay goes away.
func DialPort(ctx context.Context, ep *Endpoint, opts PortOptions, logger *zap.Logger) (*WSConn, error) {
	base, err := url.Parse(strings.TrimRight(opts.RelayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid relay url: %w", err)
	}
	base.Path += PortPath(ep.Self())

	header := http.Header{}
	if opts.TargetID != "" {
		header.Set(HeaderTargetID, opts.TargetID)
	}
	if opts.ExtensionID != "" {
		header.Set(HeaderExtensionID, opts.ExtensionID)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, base.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %s: %w", base.String(), resp.Status, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", base.String(), err)
	}

	log := logger.Named("port").With(zap.Stringer("context", ep.Self()))
	conn := NewWSConn(ws, log, defaultWriteTimeout)
	ep.Bind(conn)

	recvCtx := valueOnlyContext{ctx}
	go func() {
		err := conn.ReadLoop(func(env *schemas.Envelope) {
			if rErr := ep.Receive(recvCtx, env); rErr != nil && !errors.Is(rErr, ErrUnknownAck) {
				log.Warn("Failed to handle envelope.", zap.String("type", env.Type), zap.Error(rErr))
			}
		})
		if err != nil {
			log.Warn("Port closed.", zap.Error(err))
		} else {
			log.Info("Port closed.")
		}
	}()
	return conn, nil
}
